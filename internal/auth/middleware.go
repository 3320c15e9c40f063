package auth

import (
	"bytes"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/zafegard/zafegard/internal/identity"
	"github.com/zafegard/zafegard/internal/logging"
)

// ContextKeyCaller is the gin context key of the authenticated caller.
const ContextKeyCaller = "authCaller"

// Middleware verifies signed requests. Requests without auth headers pass
// through unauthenticated; requests with invalid auth are rejected.
func Middleware(v *Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader(HeaderSignature) == "" && c.GetHeader(HeaderCaller) == "" {
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
					"message": "failed to read request body",
				})
				return
			}
			c.Request.Body = io.NopCloser(bytes.NewReader(body))
		}

		caller, err := v.Verify(
			c.Request.Method,
			c.Request.URL.RequestURI(),
			c.GetHeader(HeaderCaller),
			c.GetHeader(HeaderTimestamp),
			c.GetHeader(HeaderSignature),
			body,
		)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   errorCode(err),
				"message": err.Error(),
			})
			return
		}

		c.Set(ContextKeyCaller, caller)
		c.Request = c.Request.WithContext(logging.With(c.Request.Context(), "caller", caller.String()))
		c.Next()
	}
}

// RequireCaller rejects requests that Middleware did not authenticate.
func RequireCaller() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := c.Get(ContextKeyCaller); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Signed request required. Include X-Zafegard-Caller, X-Zafegard-Timestamp and X-Zafegard-Signature headers.",
			})
			return
		}
		c.Next()
	}
}

// Caller returns the authenticated caller, or "" if none.
func Caller(c *gin.Context) identity.Address {
	v, ok := c.Get(ContextKeyCaller)
	if !ok {
		return ""
	}
	addr, _ := v.(identity.Address)
	return addr
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrMissingSignature):
		return "missing_signature"
	case errors.Is(err, ErrInvalidCaller):
		return "invalid_caller"
	case errors.Is(err, ErrStaleRequest):
		return "stale_request"
	case errors.Is(err, ErrReplayed):
		return "replayed_request"
	default:
		return "invalid_signature"
	}
}
