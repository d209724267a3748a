package api

import (
	"net/http"
	"regexp"

	"github.com/gin-gonic/gin"

	"github.com/pml-dev/gateway/pkg/config"
)

// apiKeyPattern is the accepted key shape in cloud mode.
var apiKeyPattern = regexp.MustCompile(`^ac_[A-Za-z0-9]{24}$`)

// corsMiddleware applies the single allowed origin on every response,
// including error paths, and short-circuits preflights with 200. No wildcard
// origins.
func corsMiddleware(origin string) gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
		h.Set("Access-Control-Allow-Headers", "x-api-key,Content-Type")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusOK)
			return
		}
		c.Next()
	}
}

// authMiddleware gates protected routes in cloud mode: the x-api-key header
// must match the key shape and be live in the key store. Local mode bypasses
// auth entirely; /health and preflights are always public.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.Mode != config.ModeCloud {
			c.Next()
			return
		}
		if c.Request.URL.Path == "/health" || c.Request.Method == http.MethodOptions {
			c.Next()
			return
		}

		key := c.GetHeader("x-api-key")
		if key == "" || !apiKeyPattern.MatchString(key) {
			unauthorized(c)
			return
		}
		live, err := s.keys.IsLiveKey(c.Request.Context(), key)
		if err != nil {
			respondError(c, err)
			return
		}
		if !live {
			unauthorized(c)
			return
		}
		c.Next()
	}
}

func unauthorized(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error":   "Unauthorized",
		"message": "Valid API key required",
	})
}
