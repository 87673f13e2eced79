package auth

import (
	"bytes"
	"io"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
)

// ContextKeyActor is the gin context key holding the authenticated
// common.Address.
const ContextKeyActor = "authActor"

// Options configure the middleware.
type Options struct {
	// DevMode trusts X-Actor-Address without a signature. Never enable in
	// production.
	DevMode bool
	Now     func() time.Time
}

// Middleware authenticates the request if credentials are present.
// Requests without credentials pass through unauthenticated.
func Middleware(opts Options) gin.HandlerFunc {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return func(c *gin.Context) {
		addr := c.GetHeader(HeaderAddress)
		if addr == "" {
			c.Next()
			return
		}

		if opts.DevMode && c.GetHeader(HeaderSignature) == "" {
			if common.IsHexAddress(addr) {
				c.Set(ContextKeyActor, common.HexToAddress(addr))
			}
			c.Next()
			return
		}

		var body []byte
		if c.Request.Body != nil {
			var err error
			body, err = io.ReadAll(c.Request.Body)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"error":   "invalid_request",
					"message": "Failed to read request body",
				})
				return
			}
			c.Request.Body = io.NopCloser(bytes.NewReader(body))
		}

		actor, err := VerifyRequest(c.Request.Method, c.Request.URL.Path, body,
			addr, c.GetHeader(HeaderTimestamp), c.GetHeader(HeaderSignature), now())
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": err.Error(),
			})
			return
		}
		c.Set(ContextKeyActor, actor)
		c.Next()
	}
}

// RequireActor rejects requests the middleware did not authenticate.
func RequireActor() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := Actor(c); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Signed request required. Include X-Actor-Address, X-Actor-Timestamp and X-Actor-Signature headers.",
			})
			return
		}
		c.Next()
	}
}

// Actor returns the authenticated address.
func Actor(c *gin.Context) (common.Address, bool) {
	v, ok := c.Get(ContextKeyActor)
	if !ok {
		return common.Address{}, false
	}
	addr, ok := v.(common.Address)
	return addr, ok
}
