package handlers

import (
	"log/slog"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/turn-gateway/internal/apperr"
	"github.com/suPer8Hu/turn-gateway/internal/auth"
	"github.com/suPer8Hu/turn-gateway/internal/common"
	"github.com/suPer8Hu/turn-gateway/internal/httpapi/middleware"
)

// CreateGuest issues a token for a fresh guest identity.
func (h *Handler) CreateGuest(c *gin.Context) {
	id := auth.Identity{UserID: "guest-" + common.MustULID(), Type: auth.Guest}
	token, err := auth.SignJWT(id, h.JWTSecret, h.TokenTTL)
	if err != nil {
		slog.Error("sign guest token failed", "err", err)
		common.FailKind(c, apperr.Offline, "failed to sign token")
		return
	}
	common.OK(c, gin.H{
		"user_id": id.UserID,
		"type":    id.Type,
		"token":   token,
	})
}

func (h *Handler) Me(c *gin.Context) {
	id, ok := middleware.Identity(c)
	if !ok {
		common.FailKind(c, apperr.Unauthorized, "unauthorized")
		return
	}
	byok := false
	if h.Credentials != nil {
		has, err := h.Credentials.Has(c.Request.Context(), id.UserID)
		if err != nil {
			common.Fail(c, apperr.Wrap(apperr.Offline, err, "load credentials"))
			return
		}
		byok = has
	}
	common.OK(c, gin.H{
		"user_id": id.UserID,
		"type":    id.Type,
		"byok":    byok,
	})
}

type credentialReq struct {
	Provider string `json:"provider" binding:"omitempty,oneof=openrouter openai"`
	APIKey   string `json:"apiKey" binding:"required,min=8,max=512"`
}

// PutCredentials stores the caller's own upstream key. Guests cannot.
func (h *Handler) PutCredentials(c *gin.Context) {
	id, ok := middleware.Identity(c)
	if !ok {
		common.FailKind(c, apperr.Unauthorized, "unauthorized")
		return
	}
	if id.Type == auth.Guest {
		common.FailKind(c, apperr.Forbidden, "guests cannot store credentials")
		return
	}
	var req credentialReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.FailKind(c, apperr.BadRequest, "invalid request body")
		return
	}
	if req.Provider == "" {
		req.Provider = "openrouter"
	}
	if err := h.Credentials.Put(c.Request.Context(), id.UserID, req.Provider, req.APIKey); err != nil {
		common.Fail(c, apperr.Wrap(apperr.Offline, err, "store credentials"))
		return
	}
	common.OK(c, gin.H{"provider": req.Provider})
}

func (h *Handler) DeleteCredentials(c *gin.Context) {
	id, ok := middleware.Identity(c)
	if !ok {
		common.FailKind(c, apperr.Unauthorized, "unauthorized")
		return
	}
	if err := h.Credentials.Delete(c.Request.Context(), id.UserID); err != nil {
		common.Fail(c, apperr.Wrap(apperr.Offline, err, "delete credentials"))
		return
	}
	common.OK(c, nil)
}
