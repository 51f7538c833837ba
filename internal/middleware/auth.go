package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/fox-gonic/fox"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// BearerToken rejects requests that do not present token as "Authorization: Bearer <token>".
// An empty token allows all requests.
func BearerToken(token string) func(c *fox.Context) {
	return func(c *fox.Context) {
		if token == "" {
			c.Next()
			return
		}
		got, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			log.Warn().Str("path", c.Request.URL.Path).Str("remote", c.ClientIP()).Msg("rejected unauthenticated request")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": gin.H{"code": "UNAUTHORIZED", "message": "missing or invalid bearer token"}})
			return
		}
		c.Next()
	}
}
