package chat

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/suPer8Hu/turn-gateway/internal/apperr"
)

type LoadRequest struct {
	ChatID     string
	UserID     string
	Visibility Visibility
	// Message is the new user message of a fresh turn; nil on approval resumption.
	Message *Message
}

// Session is the state a turn starts from.
type Session struct {
	Chat    *Chat
	Created bool
	// History is every persisted message the turn sees, oldest first,
	// including the new user message of a fresh turn.
	History []Message
	// Title resolves to the generated title when the chat was just created.
	Title *TitleTask
}

type Loader struct {
	repo   *Repo
	titles *TitleGenerator
	now    func() time.Time
}

func NewLoader(repo *Repo, titles *TitleGenerator) *Loader {
	return &Loader{repo: repo, titles: titles, now: time.Now}
}

// Load resolves the chat, checks ownership and persists the new user message.
// A chat that does not exist yet is created without reading its messages.
func (l *Loader) Load(ctx context.Context, req LoadRequest) (*Session, error) {
	c, err := l.repo.GetChat(ctx, req.ChatID)
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		if req.Message == nil {
			return nil, apperr.New(apperr.Forbidden, "chat does not exist")
		}
		return l.create(ctx, req)
	case err != nil:
		return nil, apperr.Wrap(apperr.Offline, err, "load chat")
	}

	if c.UserID != req.UserID {
		return nil, apperr.New(apperr.Forbidden, "chat belongs to another user")
	}

	history, err := l.repo.ListMessages(ctx, c.ID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Offline, err, "load messages")
	}
	sess := &Session{Chat: c, History: history}
	if req.Message == nil {
		return sess, nil
	}

	for _, m := range history {
		if m.ID == req.Message.ID {
			// client retry of a message we already stored
			return sess, nil
		}
	}
	msg := l.userMessage(c.ID, req.Message)
	if err := l.repo.InsertMessages(ctx, []Message{msg}); err != nil {
		return nil, apperr.Wrap(apperr.Offline, err, "save user message")
	}
	sess.History = append(sess.History, msg)
	return sess, nil
}

func (l *Loader) create(ctx context.Context, req LoadRequest) (*Session, error) {
	vis := req.Visibility
	if vis == "" {
		vis = VisibilityPrivate
	}
	c := &Chat{
		ID:         req.ChatID,
		UserID:     req.UserID,
		Title:      PlaceholderTitle,
		Visibility: vis,
	}
	msg := l.userMessage(c.ID, req.Message)

	err := l.repo.Transaction(ctx, func(tx *Repo) error {
		if err := tx.CreateChat(ctx, c); err != nil {
			return err
		}
		return tx.InsertMessages(ctx, []Message{msg})
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.Offline, err, "create chat")
	}

	sess := &Session{Chat: c, Created: true, History: []Message{msg}}
	if l.titles != nil {
		sess.Title = l.titles.Start(c.ID, msg)
	}
	return sess, nil
}

func (l *Loader) userMessage(chatID string, m *Message) Message {
	msg := m.Clone()
	msg.ChatID = chatID
	msg.Role = RoleUser
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = l.now()
	}
	return msg
}
