// Package pagination bounds offset/limit listing so no endpoint iterates
// an unbounded set.
package pagination

import (
	"strconv"

	"github.com/gin-gonic/gin"
)

// Defaults applied when a caller omits or exceeds the bounds.
const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// Page is a normalised window.
type Page struct {
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
}

// Bound clamps offset and limit: negative offsets become 0 and limits
// outside (0, maxLimit] fall back to def or maxLimit.
func Bound(offset, limit, def, maxLimit int) Page {
	if offset < 0 {
		offset = 0
	}
	switch {
	case limit <= 0:
		limit = def
	case limit > maxLimit:
		limit = maxLimit
	}
	return Page{Offset: offset, Limit: limit}
}

// FromQuery reads ?offset= and ?limit= with the package defaults.
// Malformed values are treated as absent.
func FromQuery(c *gin.Context) Page {
	offset, _ := strconv.Atoi(c.Query("offset"))
	limit, _ := strconv.Atoi(c.Query("limit"))
	return Bound(offset, limit, DefaultLimit, MaxLimit)
}

// Window returns the [start, end) slice bounds of p over n items.
func (p Page) Window(n int) (start, end int) {
	if p.Offset >= n {
		return n, n
	}
	end = p.Offset + p.Limit
	if end > n {
		end = n
	}
	return p.Offset, end
}

// Result wraps one page of items.
type Result[T any] struct {
	Items  []T `json:"items"`
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
	Total  int `json:"total,omitempty"`
}
