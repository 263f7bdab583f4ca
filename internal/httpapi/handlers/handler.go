package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/turn-gateway/internal/ai"
	"github.com/suPer8Hu/turn-gateway/internal/chat"
	"github.com/suPer8Hu/turn-gateway/internal/turn"
)

// Credentials stores caller-supplied upstream keys.
type Credentials interface {
	Put(ctx context.Context, userID, provider, apiKey string) error
	Delete(ctx context.Context, userID string) error
	Has(ctx context.Context, userID string) (bool, error)
}

type Deps struct {
	Turns       *turn.Service
	Chats       *chat.Repo
	Models      *ai.Registry
	Credentials Credentials
	JWTSecret   string
	TokenTTL    time.Duration
	// Heartbeat is the SSE keep-alive interval.
	Heartbeat time.Duration
}

type Handler struct {
	Deps
}

func NewHandler(deps Deps) *Handler {
	if deps.TokenTTL <= 0 {
		deps.TokenTTL = 30 * 24 * time.Hour
	}
	if deps.Heartbeat <= 0 {
		deps.Heartbeat = 15 * time.Second
	}
	return &Handler{Deps: deps}
}

func (h *Handler) Ping(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "pong"})
}
