package middleware

import (
	"log/slog"
	"runtime/debug"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/turn-gateway/internal/apperr"
	"github.com/suPer8Hu/turn-gateway/internal/auth"
	"github.com/suPer8Hu/turn-gateway/internal/common"
)

const (
	IdentityKey     = "identity"
	RequestIDKey    = "request_id"
	RequestIDHeader = "X-Request-ID"
)

// RequestID reuses the caller's X-Request-ID or mints a ulid.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(RequestIDHeader))
		if id == "" || len(id) > 64 {
			id = common.MustULID()
		}
		c.Set(RequestIDKey, id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("panic recovered",
					"request_id", c.GetString(RequestIDKey),
					"path", c.FullPath(),
					"panic", r,
					"stack", string(debug.Stack()),
				)
				if c.Writer.Written() {
					c.Abort()
					return
				}
				common.FailKind(c, apperr.Offline, "internal error")
			}
		}()
		c.Next()
	}
}

// AuthRequired parses the bearer token and stores the caller's identity.
func AuthRequired(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.GetHeader("Authorization")
		tok, ok := strings.CutPrefix(h, "Bearer ")
		if !ok || strings.TrimSpace(tok) == "" {
			common.FailKind(c, apperr.Unauthorized, "missing bearer token")
			return
		}
		id, err := auth.ParseJWT(strings.TrimSpace(tok), secret)
		if err != nil {
			common.FailKind(c, apperr.Unauthorized, "invalid token")
			return
		}
		c.Set(IdentityKey, id)
		c.Next()
	}
}

// Identity returns the identity set by AuthRequired.
func Identity(c *gin.Context) (auth.Identity, bool) {
	v, ok := c.Get(IdentityKey)
	if !ok {
		return auth.Identity{}, false
	}
	id, ok := v.(auth.Identity)
	return id, ok
}
