package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/suPer8Hu/turn-gateway/internal/apperr"
	"github.com/suPer8Hu/turn-gateway/internal/chat"
	"github.com/suPer8Hu/turn-gateway/internal/common"
	"github.com/suPer8Hu/turn-gateway/internal/httpapi/middleware"
	"github.com/suPer8Hu/turn-gateway/internal/orchestrator"
	"github.com/suPer8Hu/turn-gateway/internal/streams"
	"github.com/suPer8Hu/turn-gateway/internal/turn"
)

var fileMediaTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
}

type partReq struct {
	Type      string `json:"type" binding:"required,oneof=text file"`
	Text      string `json:"text" binding:"max=2000"`
	MediaType string `json:"mediaType"`
	Name      string `json:"name" binding:"max=100"`
	URL       string `json:"url"`
}

type messageReq struct {
	ID    string    `json:"id" binding:"required,uuid"`
	Role  string    `json:"role" binding:"required,eq=user"`
	Parts []partReq `json:"parts" binding:"required,min=1,dive"`
}

type chatReq struct {
	ID         string          `json:"id" binding:"required,uuid"`
	Message    *messageReq     `json:"message"`
	Messages   []chat.Message  `json:"messages"`
	Model      string          `json:"selectedChatModel" binding:"required"`
	Visibility chat.Visibility `json:"selectedVisibilityType" binding:"omitempty,oneof=public private"`
	Debug      bool            `json:"debugMode"`
	Mode       turn.Mode       `json:"mode" binding:"omitempty,oneof=agent chat"`
}

// toMessage checks what struct tags cannot express and converts the message.
func (m *messageReq) toMessage() (*chat.Message, error) {
	msg := &chat.Message{ID: m.ID, Role: chat.RoleUser}
	for _, p := range m.Parts {
		switch p.Type {
		case "text":
			if strings.TrimSpace(p.Text) == "" {
				return nil, apperr.New(apperr.BadRequest, "text part must not be empty")
			}
			msg.Parts = append(msg.Parts, chat.Part{Type: chat.PartText, Text: p.Text})
		case "file":
			if !fileMediaTypes[p.MediaType] {
				return nil, apperr.New(apperr.BadRequest, "file must be image/jpeg or image/png")
			}
			if p.Name == "" {
				return nil, apperr.New(apperr.BadRequest, "file name is required")
			}
			u, err := url.Parse(p.URL)
			if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
				return nil, apperr.New(apperr.BadRequest, "file url is invalid")
			}
			msg.Parts = append(msg.Parts, chat.Part{Type: chat.PartFile, MediaType: p.MediaType, Filename: p.Name, URL: p.URL})
		}
	}
	return msg, nil
}

// decisions collects answered approvals from the client's copy of the chat.
func decisions(msgs []chat.Message) []orchestrator.Decision {
	var out []orchestrator.Decision
	for _, m := range msgs {
		if m.Role != chat.RoleAssistant {
			continue
		}
		for _, p := range m.Parts {
			if p.Type != chat.PartTool || p.State != chat.StateApprovalResponded {
				continue
			}
			if p.Approval == nil || p.Approval.ID == "" || p.Approval.Approved == nil {
				continue
			}
			out = append(out, orchestrator.Decision{
				ApprovalID: p.Approval.ID,
				Approved:   *p.Approval.Approved,
				Reason:     p.Approval.Reason,
			})
		}
	}
	return out
}

func (h *Handler) PostChat(c *gin.Context) {
	id, ok := middleware.Identity(c)
	if !ok {
		common.FailKind(c, apperr.Unauthorized, "unauthorized")
		return
	}

	var req chatReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.FailKind(c, apperr.BadRequest, "invalid request body")
		return
	}

	tr := turn.Request{
		Identity:   id,
		ChatID:     req.ID,
		ModelID:    req.Model,
		Visibility: req.Visibility,
		Mode:       req.Mode,
		Debug:      req.Debug,
	}
	if req.Message != nil {
		msg, err := req.Message.toMessage()
		if err != nil {
			common.Fail(c, err)
			return
		}
		tr.Message = msg
	} else {
		tr.Decisions = decisions(req.Messages)
	}

	st, err := h.Turns.Start(c.Request.Context(), tr)
	if err != nil {
		if apperr.KindOf(err) == apperr.Offline {
			slog.Error("start turn failed", "chat_id", req.ID, "user_id", id.UserID, "err", err)
		}
		common.Fail(c, err)
		return
	}

	if st.StreamID != "" {
		c.Header("X-Stream-ID", st.StreamID)
	}
	w, ok := startSSE(c)
	if !ok {
		go func() {
			for range st.Events {
			}
		}()
		common.FailKind(c, apperr.Offline, "streaming not supported")
		return
	}

	frames := make(chan []byte)
	ctx := c.Request.Context()
	go func() {
		defer close(frames)
		for e := range st.Events {
			b, err := json.Marshal(e)
			if err != nil {
				continue
			}
			select {
			case frames <- b:
			case <-ctx.Done():
			}
		}
	}()
	w.pump(frames, h.Heartbeat)
}

// ResumeStream reattaches to the newest recorded stream of a chat.
func (h *Handler) ResumeStream(c *gin.Context) {
	id, ok := middleware.Identity(c)
	if !ok {
		common.FailKind(c, apperr.Unauthorized, "unauthorized")
		return
	}

	frames, err := h.Turns.Resume(c.Request.Context(), id, c.Param("id"))
	if errors.Is(err, streams.ErrNotFound) {
		c.Status(http.StatusNoContent)
		return
	}
	if err != nil {
		common.Fail(c, err)
		return
	}

	w, ok := startSSE(c)
	if !ok {
		common.FailKind(c, apperr.Offline, "streaming not supported")
		return
	}
	w.pump(frames, h.Heartbeat)
}

func (h *Handler) DeleteChat(c *gin.Context) {
	id, ok := middleware.Identity(c)
	if !ok {
		common.FailKind(c, apperr.Unauthorized, "unauthorized")
		return
	}
	chatID := c.Query("id")
	if chatID == "" {
		common.FailKind(c, apperr.BadRequest, "id is required")
		return
	}

	ctx := c.Request.Context()
	ch, err := h.Chats.GetChat(ctx, chatID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		common.FailKind(c, apperr.Forbidden, "chat does not exist")
		return
	}
	if err != nil {
		common.Fail(c, apperr.Wrap(apperr.Offline, err, "load chat"))
		return
	}
	if ch.UserID != id.UserID {
		common.FailKind(c, apperr.Forbidden, "chat belongs to another user")
		return
	}
	if err := h.Chats.DeleteChat(ctx, chatID); err != nil {
		common.Fail(c, apperr.Wrap(apperr.Offline, err, "delete chat"))
		return
	}
	common.OK(c, ch)
}

// ListModels returns the model ids clients may select.
func (h *Handler) ListModels(c *gin.Context) {
	models := h.Models.Models()
	out := make([]gin.H, 0, len(models))
	for _, m := range models {
		out = append(out, gin.H{"id": m.ID, "reasoning": m.Reasoning})
	}
	common.OK(c, gin.H{"models": out})
}
