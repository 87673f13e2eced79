package pagination

import (
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestBound(t *testing.T) {
	tests := []struct {
		name          string
		offset, limit int
		want          Page
	}{
		{"defaults", 0, 0, Page{0, 50}},
		{"negative offset", -4, 10, Page{0, 10}},
		{"capped", 10, 5000, Page{10, 200}},
		{"exact max", 0, 200, Page{0, 200}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Bound(tt.offset, tt.limit, DefaultLimit, MaxLimit))
		})
	}
}

func TestWindow(t *testing.T) {
	s, e := Page{Offset: 2, Limit: 3}.Window(10)
	assert.Equal(t, [2]int{2, 5}, [2]int{s, e})

	s, e = Page{Offset: 8, Limit: 3}.Window(10)
	assert.Equal(t, [2]int{8, 10}, [2]int{s, e})

	s, e = Page{Offset: 12, Limit: 3}.Window(10)
	assert.Equal(t, [2]int{10, 10}, [2]int{s, e})
}

func TestFromQuery(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest("GET", "/x?offset=5&limit=abc", nil)
	assert.Equal(t, Page{Offset: 5, Limit: 50}, FromQuery(c))
}
