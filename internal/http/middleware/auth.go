// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements shared-secret authentication for the two
// machine-to-machine surfaces: the bot integration (x-bot-secret) and
// internal server-to-server callers (x-internal-api-key, with a Bearer token
// fallback). Comparison is constant-time; an unconfigured secret rejects all
// requests rather than allowing any.
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Machine-to-machine auth headers.
const (
	HeaderBotSecret      = "x-bot-secret"
	HeaderInternalAPIKey = "x-internal-api-key"
)

// secretsEqual compares two secrets in constant time.
func secretsEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// authFail aborts with a 401 envelope matching the handlers package shape.
// Declared here to avoid an import cycle with handlers.
func authFail(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"request_id": c.Writer.Header().Get("X-Request-ID"),
		"code":       "unauthorized",
		"message":    msg,
	})
}

// RequireBotSecret authenticates the bot integration via the x-bot-secret
// header. A missing or wrong secret is a 401 with no side effects.
func RequireBotSecret(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" || !secretsEqual(c.GetHeader(HeaderBotSecret), secret) {
			authFail(c, "missing or invalid bot secret")
			return
		}
		c.Next()
	}
}

// RequireInternalKey authenticates server-to-server callers via the
// x-internal-api-key header or an Authorization: Bearer token.
func RequireInternalKey(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		presented := c.GetHeader(HeaderInternalAPIKey)
		if presented == "" {
			if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				presented = strings.TrimPrefix(auth, "Bearer ")
			}
		}
		if key == "" || !secretsEqual(presented, key) {
			authFail(c, "missing or invalid internal api key")
			return
		}
		c.Next()
	}
}
