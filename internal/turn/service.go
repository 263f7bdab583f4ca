// Package turn runs one chat turn end to end: admission, session loading,
// orchestration, stream recording and persistence.
package turn

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/suPer8Hu/turn-gateway/internal/admission"
	"github.com/suPer8Hu/turn-gateway/internal/ai"
	"github.com/suPer8Hu/turn-gateway/internal/apperr"
	"github.com/suPer8Hu/turn-gateway/internal/auth"
	"github.com/suPer8Hu/turn-gateway/internal/chat"
	"github.com/suPer8Hu/turn-gateway/internal/metrics"
	"github.com/suPer8Hu/turn-gateway/internal/orchestrator"
	"github.com/suPer8Hu/turn-gateway/internal/streams"
	"github.com/suPer8Hu/turn-gateway/internal/tools"
)

type Mode string

const (
	ModeAgent Mode = "agent"
	ModeChat  Mode = "chat"
)

const (
	liveBuffer     = 256
	persistTimeout = 15 * time.Second
	titleWait      = 5 * time.Second
)

// Request is a validated chat turn request.
type Request struct {
	Identity auth.Identity
	ChatID   string
	// Message starts a fresh turn.
	Message *chat.Message
	// Decisions resume a suspended turn. Exactly one of Message and Decisions is set.
	Decisions  []orchestrator.Decision
	ModelID    string
	Visibility chat.Visibility
	Mode       Mode
	Debug      bool
}

func (r Request) resumption() bool { return r.Message == nil }

// APIKeys returns a caller's own upstream key, or "" when none is stored.
type APIKeys interface {
	APIKey(ctx context.Context, userID string) (string, error)
}

type Config struct {
	// TurnTimeout bounds one turn, including every step and tool call.
	TurnTimeout time.Duration
	// TitleWait bounds how long a finished turn waits for the chat title.
	TitleWait time.Duration
}

type Deps struct {
	Admission    *admission.Controller
	Locker       chat.Locker
	Loader       *chat.Loader
	Writer       *chat.Writer
	Models       *ai.Registry
	Keys         APIKeys
	Tools        *tools.Registry
	Orchestrator *orchestrator.Orchestrator
	Streams      streams.Registry
	Chats        ChatReader
	Metrics      *metrics.Metrics
}

type Service struct {
	Deps
	config Config
}

func NewService(deps Deps, config Config) *Service {
	if deps.Streams == nil {
		deps.Streams = streams.Noop{}
	}
	if config.TurnTimeout <= 0 {
		config.TurnTimeout = 5 * time.Minute
	}
	if config.TitleWait <= 0 {
		config.TitleWait = titleWait
	}
	return &Service{Deps: deps, config: config}
}

// Result is the outcome of a finished turn.
type Result struct {
	orchestrator.Result
	Title      string
	PersistErr error
}

// Stream is a running turn. Events is closed after the finish event.
type Stream struct {
	ChatID    string
	StreamID  string
	MessageID string
	Events    <-chan orchestrator.Event

	done   chan struct{}
	result Result
}

// Wait blocks until the turn is persisted and returns its result.
func (s *Stream) Wait() Result {
	<-s.done
	return s.result
}

// Start admits the request and launches the turn. Errors returned here happen
// before any output; once Start returns, failures travel as events.
func (s *Service) Start(ctx context.Context, req Request) (*Stream, error) {
	if (req.Message == nil) == (len(req.Decisions) == 0) {
		return nil, apperr.New(apperr.BadRequest, "send either a message or approval decisions")
	}
	if !s.Models.Has(req.ModelID) {
		return nil, apperr.New(apperr.BadRequest, "unknown chat model "+req.ModelID)
	}

	decision, err := s.Admission.Admit(ctx, req.Identity)
	if err != nil {
		return nil, err
	}

	apiKey := ""
	if decision.Tier == admission.TierBYOK && s.Keys != nil {
		if apiKey, err = s.Keys.APIKey(ctx, req.Identity.UserID); err != nil {
			return nil, apperr.Wrap(apperr.Offline, err, "load credentials")
		}
	}
	provider, model, err := s.Models.Resolve(ctx, req.ModelID, apiKey)
	if errors.Is(err, ai.ErrUnknownModel) {
		return nil, apperr.New(apperr.BadRequest, "unknown chat model "+req.ModelID)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Offline, err, "build model provider")
	}

	release, err := s.Locker.Acquire(ctx, req.ChatID)
	if errors.Is(err, chat.ErrChatBusy) {
		return nil, apperr.New(apperr.BadRequest, "chat is busy with another turn")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Offline, err, "lock chat")
	}
	ok := false
	defer func() {
		if !ok {
			release()
		}
	}()

	sess, err := s.Loader.Load(ctx, chat.LoadRequest{
		ChatID:     req.ChatID,
		UserID:     req.Identity.UserID,
		Visibility: req.Visibility,
		Message:    req.Message,
	})
	if err != nil {
		return nil, err
	}

	turn := orchestrator.Turn{
		ChatID:     req.ChatID,
		History:    sess.History,
		Decisions:  req.Decisions,
		Provider:   provider,
		Reasoning:  model.Reasoning,
		Debug:      req.Debug,
		Checkpoint: s.Writer.Checkpoint,
	}
	if !req.resumption() {
		turn.AssistantID = uuid.NewString()
	}
	if req.Mode != ModeChat {
		turn.Tools = s.Tools.Set()
	}
	plan, err := s.Orchestrator.Prepare(turn)
	if err != nil {
		return nil, err
	}

	streamID, err := s.Streams.Create(ctx, req.ChatID)
	if err != nil {
		slog.Warn("resumable stream unavailable", "chat_id", req.ChatID, "err", err)
		streamID = ""
	}

	live := make(chan orchestrator.Event, liveBuffer)
	st := &Stream{
		ChatID:    req.ChatID,
		StreamID:  streamID,
		MessageID: plan.MessageID(),
		Events:    live,
		done:      make(chan struct{}),
	}

	ok = true
	go s.run(ctx, st, live, release, plan, sess, string(decision.Tier))
	return st, nil
}

func (s *Service) run(
	reqCtx context.Context,
	st *Stream,
	live chan<- orchestrator.Event,
	release func(),
	plan *orchestrator.Plan,
	sess *chat.Session,
	tier string,
) {
	defer close(st.done)
	defer release()

	// With a resumable stream the turn outlives its client.
	parent := reqCtx
	if st.StreamID != "" {
		parent = context.WithoutCancel(reqCtx)
	}
	ctx, cancel := context.WithTimeout(parent, s.config.TurnTimeout)
	defer cancel()

	var frames chan []byte
	published := make(chan struct{})
	if st.StreamID != "" {
		frames = make(chan []byte, liveBuffer)
		go func() {
			defer close(published)
			s.Streams.Publish(context.WithoutCancel(reqCtx), st.StreamID, frames)
		}()
	} else {
		close(published)
	}

	clientGone := false
	emit := func(e orchestrator.Event) {
		if frames != nil {
			if b, err := json.Marshal(e); err == nil {
				frames <- b
			} else {
				slog.Error("encode event failed", "chat_id", st.ChatID, "type", e.Type, "err", err)
			}
		}
		if clientGone {
			return
		}
		select {
		case live <- e:
		case <-reqCtx.Done():
			clientGone = true
		}
	}

	s.Metrics.TurnStarted()
	res := s.Orchestrator.Run(ctx, plan, emit)

	st.result.Result = res
	st.result.PersistErr = s.persist(reqCtx, sess, res)

	if sess.Title != nil {
		tctx, tcancel := context.WithTimeout(context.WithoutCancel(reqCtx), s.config.TitleWait)
		if title, ok := sess.Title.Wait(tctx); ok {
			st.result.Title = title
			emit(orchestrator.TitleEvent(title))
		}
		tcancel()
	}

	emit(orchestrator.FinishEvent(res))
	s.Metrics.TurnFinished(tier, res.FinishReason)
	slog.Info("turn finished",
		"chat_id", st.ChatID,
		"message_id", res.Message.ID,
		"finish_reason", res.FinishReason,
		"steps", res.Steps,
		"resumed", res.Resumed,
	)

	close(live)
	if frames != nil {
		close(frames)
	}
	<-published
}

// persist stores the assistant message on a context detached from the client.
func (s *Service) persist(reqCtx context.Context, sess *chat.Session, res orchestrator.Result) error {
	if !hasContent(res.Message) {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(reqCtx), persistTimeout)
	defer cancel()

	err := s.Writer.Persist(ctx, []chat.Message{res.Message}, chat.PersistContext{
		ChatID:     sess.Chat.ID,
		Resumption: res.Resumed,
		Prior:      sess.History,
	})
	if err != nil {
		slog.Error("persist turn failed", "chat_id", sess.Chat.ID, "message_id", res.Message.ID, "err", err)
	}
	return err
}

func hasContent(m chat.Message) bool {
	for _, p := range m.Parts {
		if p.Type != chat.PartStepStart {
			return true
		}
	}
	return false
}

// Resume reattaches to the latest recorded stream of a chat the caller owns.
// It returns streams.ErrNotFound when there is nothing to replay.
func (s *Service) Resume(ctx context.Context, id auth.Identity, chatID string) (<-chan []byte, error) {
	if !s.Streams.Enabled() {
		return nil, streams.ErrNotFound
	}
	c, err := s.Chats.GetChat(ctx, chatID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, streams.ErrNotFound
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Offline, err, "load chat")
	}
	if c.UserID != id.UserID && c.Visibility != chat.VisibilityPublic {
		return nil, apperr.New(apperr.Forbidden, "chat belongs to another user")
	}
	streamID, err := s.Streams.Latest(ctx, chatID)
	if err != nil {
		return nil, err
	}
	return s.Streams.Subscribe(ctx, streamID)
}

type ChatReader interface {
	GetChat(ctx context.Context, id string) (*chat.Chat, error)
}
