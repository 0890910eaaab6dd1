package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/biostack-io/bundle-indexer/internal/logger"
)

// TokenMiddleware gates the mutating indexer endpoints behind a shared
// token carried in the X-Indexer-Token header.
type TokenMiddleware struct {
	log   *logger.Logger
	token string
}

func NewTokenMiddleware(log *logger.Logger, token string) *TokenMiddleware {
	return &TokenMiddleware{
		log:   log.With("Middleware", "TokenMiddleware"),
		token: token,
	}
}

func (tm *TokenMiddleware) RequireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader("X-Indexer-Token")
		if got == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(tm.token)) != 1 {
			tm.log.Warn("Rejected request with bad token", "path", c.FullPath())
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}
