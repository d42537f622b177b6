package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

// HeaderInternalToken carries the shared secret of internal collaborators
// such as billing.
const HeaderInternalToken = "X-Internal-Token"

// InternalToken guards internal routes with a shared secret. An empty
// secret disables the routes entirely.
func InternalToken(secret string) gin.HandlerFunc {
	want := []byte(secret)
	return func(c *gin.Context) {
		if len(want) == 0 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"request_id": c.Writer.Header().Get(requestIDHeader),
				"code":       "forbidden",
				"message":    "internal API disabled",
			})
			return
		}
		got := []byte(c.GetHeader(HeaderInternalToken))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"request_id": c.Writer.Header().Get(requestIDHeader),
				"code":       "unauthorized",
				"message":    "invalid internal token",
			})
			return
		}
		c.Next()
	}
}
