package security

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Actor kinds asserted by the upstream auth proxy.
const (
	KindUser   = "user"
	KindAdmin  = "admin"
	KindSystem = "system"
)

const identityKey = "escrowpay.identity"

// Identity is the caller as asserted by the upstream auth proxy through the
// X-User-ID and X-Actor-Kind headers. Authentication itself happens upstream.
type Identity struct {
	UserID int64
	Kind   string
}

// IsOperator reports whether the caller acts for the platform.
func (i Identity) IsOperator() bool {
	return i.Kind == KindAdmin || i.Kind == KindSystem
}

// UserIDPtr returns the user id or nil when none was asserted.
func (i Identity) UserIDPtr() *int64 {
	if i.UserID == 0 {
		return nil
	}
	id := i.UserID
	return &id
}

// IdentityMiddleware parses the identity headers. A malformed X-User-ID is
// rejected; a missing X-Actor-Kind defaults to "user".
func IdentityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := Identity{Kind: c.GetHeader("X-Actor-Kind")}
		if id.Kind == "" {
			id.Kind = KindUser
		}
		switch id.Kind {
		case KindUser, KindAdmin, KindSystem:
		default:
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_identity",
				"message": "unknown X-Actor-Kind",
			})
			return
		}
		if raw := c.GetHeader("X-User-ID"); raw != "" {
			uid, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || uid <= 0 {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"error":   "invalid_identity",
					"message": "X-User-ID must be a positive integer",
				})
				return
			}
			id.UserID = uid
		}
		c.Set(identityKey, id)
		c.Next()
	}
}

// Caller returns the identity stored by IdentityMiddleware.
func Caller(c *gin.Context) Identity {
	if v, ok := c.Get(identityKey); ok {
		if id, ok := v.(Identity); ok {
			return id
		}
	}
	return Identity{Kind: KindUser}
}
