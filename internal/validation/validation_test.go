package validation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestIsValidEthAddress(t *testing.T) {
	tests := []struct {
		addr  string
		valid bool
	}{
		{"0x1234567890123456789012345678901234567890", true},
		{"0xabcdefABCDEF1234567890123456789012345678", true},
		{"1234567890123456789012345678901234567890", false},
		{"0x12345678901234567890123456789012345678", false},
		{"0xGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGG", false},
		{"", false},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.valid, IsValidEthAddress(tc.addr), tc.addr)
	}
}

func TestValidate_CollectsFailures(t *testing.T) {
	errs := Validate(
		Required("proofRef", "  "),
		ValidAddress("recipient", "0xnope"),
		MaxLength("evidence", "ok", 10),
	)
	require.Len(t, errs, 2)
	assert.Equal(t, "proofRef", errs[0].Field)
	assert.Equal(t, "recipient", errs[1].Field)
	assert.Equal(t, "proofRef: is required", errs.Error())

	assert.Empty(t, Validate(Required("a", "x"), ValidAddress("b", "")))
}

func TestValidAmount(t *testing.T) {
	tests := []struct {
		value string
		msg   string
	}{
		{"", ""},
		{"1", ""},
		{"0.000000000000000001", ""},
		{"12.5", ""},
		{"0", "amount must be greater than zero"},
		{"0.000", "amount must be greater than zero"},
		{"-1", "invalid amount format"},
		{"1.2.3", "invalid amount format"},
		{".5", "invalid amount format"},
		{"5.", "invalid amount format"},
		{"abc", "invalid amount format"},
		{"0.0000000000000000001", "too many decimal places"},
	}
	for _, tc := range tests {
		err := ValidAmount("fee", tc.value)()
		if tc.msg == "" {
			assert.Nil(t, err, tc.value)
			continue
		}
		require.NotNil(t, err, tc.value)
		assert.Equal(t, tc.msg, err.Message, tc.value)
	}
}

func TestAddressParamMiddleware(t *testing.T) {
	r := gin.New()
	r.GET("/parties/:address", AddressParamMiddleware(), func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/parties/0x1234567890123456789012345678901234567890", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/parties/bob", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_address")
}

func TestRequestSizeMiddleware(t *testing.T) {
	r := gin.New()
	r.Use(RequestSizeMiddleware(8))
	r.POST("/", func(c *gin.Context) {
		var body map[string]any
		if err := c.ShouldBindJSON(&body); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"a":"0123456789"}`)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusOK, w.Code)
}
