package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"askdocs/internal/auth"
	"askdocs/internal/transport/http/response"
)

const ContextIdentityKey = "identity"

// Auth verifies the bearer token and stores the caller's identity in the
// request context. Tokens are accepted from the Authorization header or,
// for EventSource connections that cannot set headers, a "token" query
// parameter.
func Auth(verifier auth.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "missing token")
			c.Abort()
			return
		}

		identity, err := verifier.Verify(c.Request.Context(), token)
		if err != nil {
			response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token")
			c.Abort()
			return
		}

		c.Set(ContextIdentityKey, identity)
		c.Next()
	}
}

// IdentityFromContext returns the verified caller, or false when the request
// did not pass through Auth.
func IdentityFromContext(c *gin.Context) (auth.Identity, bool) {
	v, exists := c.Get(ContextIdentityKey)
	if !exists {
		return auth.Identity{}, false
	}
	identity, ok := v.(auth.Identity)
	return identity, ok
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return c.Query("token")
}
