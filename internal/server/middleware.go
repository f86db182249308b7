package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// allowedCORSHeaders mirrors what every client-facing surface here accepts:
// the Anthropic header set plus the Google API-key header.
const allowedCORSHeaders = "Content-Type, Authorization, x-api-key, anthropic-api-key, anthropic-version, x-goog-api-key"

// corsMiddleware answers every request with a permissive CORS header set and
// short-circuits preflight OPTIONS requests (§4.10).
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", allowedCORSHeaders)

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// apiKeyAuth checks the Authorization/x-api-key/anthropic-api-key/x-goog-api-key
// headers against the configured key set, in that precedence order, and
// rejects the request with the shape both client surfaces expect (§4.10).
// A nil or empty keys set disables the check entirely.
func apiKeyAuth(keys map[string]bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(keys) == 0 {
			c.Next()
			return
		}

		if key := bearerToken(c.GetHeader("Authorization")); key != "" && keys[key] {
			c.Next()
			return
		}
		if key := c.GetHeader("x-api-key"); key != "" && keys[key] {
			c.Next()
			return
		}
		if key := c.GetHeader("anthropic-api-key"); key != "" && keys[key] {
			c.Next()
			return
		}
		if key := c.GetHeader("x-goog-api-key"); key != "" && keys[key] {
			c.Next()
			return
		}

		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error": gin.H{"message": "Invalid API Key"},
		})
	}
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if strings.HasPrefix(header, prefix) {
		return strings.TrimSpace(strings.TrimPrefix(header, prefix))
	}
	return ""
}

func keySet(keys []string) map[string]bool {
	if len(keys) == 0 {
		return nil
	}
	set := make(map[string]bool, len(keys))
	for _, k := range keys {
		set[k] = true
	}
	return set
}
