// Package validation provides request checks shared by the escrow,
// arbitration and webhook handlers.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowd/internal/units"
)

// MaxRequestSize bounds every request body (1MB).
const MaxRequestSize = 1 << 20

var addressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

// RequestSizeMiddleware limits request body size.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidEthAddress reports whether addr is 0x followed by 40 hex chars.
// Checksums are not enforced.
func IsValidEthAddress(addr string) bool {
	return addressRegex.MatchString(addr)
}

// AddressParamMiddleware rejects a malformed :address route parameter
// before the handler runs.
func AddressParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		addr := c.Param("address")
		if addr != "" && !IsValidEthAddress(addr) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_address",
				"message": "address must be a valid Ethereum address (0x + 40 hex chars)",
			})
			return
		}
		c.Next()
	}
}

// FieldError is one failed check, reported back to the caller.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Errors is the set of failed checks for one request.
type Errors []FieldError

func (e Errors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Check is a single deferred field check.
type Check func() *FieldError

// Validate runs every check and collects the failures.
func Validate(checks ...Check) Errors {
	var errs Errors
	for _, check := range checks {
		if err := check(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required fails when value is blank.
func Required(field, value string) Check {
	return func() *FieldError {
		if strings.TrimSpace(value) == "" {
			return &FieldError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidAddress fails on a non-empty value that is not an address.
func ValidAddress(field, value string) Check {
	return func() *FieldError {
		if value != "" && !IsValidEthAddress(value) {
			return &FieldError{Field: field, Message: "must be a valid Ethereum address (0x...)"}
		}
		return nil
	}
}

// MaxLength fails when value is longer than max bytes.
func MaxLength(field, value string, max int) Check {
	return func() *FieldError {
		if len(value) > max {
			return &FieldError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// ValidAmount fails unless value is a positive decimal token amount with
// no more fractional digits than the token carries. Empty values pass;
// pair with Required.
func ValidAmount(field, value string) Check {
	return func() *FieldError {
		if value == "" {
			return nil
		}
		if strings.HasPrefix(value, ".") || strings.HasSuffix(value, ".") {
			return &FieldError{Field: field, Message: "invalid amount format"}
		}
		if _, frac, ok := strings.Cut(value, "."); ok && len(frac) > units.Decimals {
			return &FieldError{Field: field, Message: "too many decimal places"}
		}
		amount, ok := units.Parse(value)
		if !ok {
			return &FieldError{Field: field, Message: "invalid amount format"}
		}
		if amount.Sign() == 0 {
			return &FieldError{Field: field, Message: "amount must be greater than zero"}
		}
		return nil
	}
}
