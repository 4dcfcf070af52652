// Package security provides HTTP hardening middleware for the escrowpay API.
package security

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// HeadersMiddleware adds security headers to all responses. The API serves
// JSON only, so the content policy forbids every resource type.
func HeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "no-referrer")
		c.Header("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		c.Header("Cache-Control", "no-store")
		c.Next()
	}
}

// RequireActorKind rejects callers whose identity kind is not one of kinds.
// It must run after IdentityMiddleware.
func RequireActorKind(kinds ...string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(kinds))
	for _, k := range kinds {
		allowed[k] = true
	}
	return func(c *gin.Context) {
		if !allowed[Caller(c).Kind] {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "this endpoint requires an operator identity",
			})
			return
		}
		c.Next()
	}
}
