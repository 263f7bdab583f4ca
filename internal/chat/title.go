package chat

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/suPer8Hu/turn-gateway/internal/ai"
)

const (
	maxTitleLen = 80
	titlePrompt = "Generate a short title for a chat that starts with the user message below. " +
		"Use at most 80 characters. Do not use quotes or colons. Reply with the title only."
)

// TitleQueue hands a title job to an out-of-process worker.
type TitleQueue interface {
	EnqueueTitle(ctx context.Context, chatID, prompt string) error
}

type titleStore interface {
	UpdateChatTitle(ctx context.Context, id, title string) error
}

// TitleGenerator derives chat titles from the first user message.
type TitleGenerator struct {
	provider ai.Provider
	store    titleStore
	queue    TitleQueue
	timeout  time.Duration
}

// NewTitleGenerator builds a generator. queue may be nil, in which case a
// failed in-process attempt leaves the placeholder title.
func NewTitleGenerator(provider ai.Provider, store titleStore, queue TitleQueue, timeout time.Duration) *TitleGenerator {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &TitleGenerator{provider: provider, store: store, queue: queue, timeout: timeout}
}

// Generate asks the model for a title and cleans it up.
func (g *TitleGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	text, err := ai.Collect(ctx, g.provider, &ai.Request{
		System:   titlePrompt,
		Messages: []ai.Message{{Role: string(RoleUser), Content: prompt}},
	})
	if err != nil {
		return "", err
	}
	return CleanTitle(text), nil
}

// Apply generates a title and stores it. Used by the title worker.
func (g *TitleGenerator) Apply(ctx context.Context, chatID, prompt string) (string, error) {
	title, err := g.Generate(ctx, prompt)
	if err != nil {
		return "", err
	}
	if title == "" {
		return "", nil
	}
	if err := g.store.UpdateChatTitle(ctx, chatID, title); err != nil {
		return "", err
	}
	return title, nil
}

// CleanTitle strips quotes, colons and line breaks and truncates to 80 runes.
func CleanTitle(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, "\r\n"); i >= 0 {
		s = s[:i]
	}
	s = strings.NewReplacer(`"`, "", "'", "", "`", "", ":", "").Replace(s)
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > maxTitleLen {
		s = strings.TrimSpace(string(r[:maxTitleLen]))
	}
	return s
}

// TitleTask is an in-flight title generation.
type TitleTask struct {
	done  chan struct{}
	title string
}

// Start runs generation in the background, detached from any request.
func (g *TitleGenerator) Start(chatID string, first Message) *TitleTask {
	t := &TitleTask{done: make(chan struct{})}
	prompt := first.Text()
	if strings.TrimSpace(prompt) == "" {
		close(t.done)
		return t
	}

	go func() {
		defer close(t.done)
		ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
		defer cancel()

		title, err := g.Apply(ctx, chatID, prompt)
		if err == nil {
			t.title = title
			return
		}
		slog.Warn("title generation failed", "chat_id", chatID, "err", err)
		if g.queue == nil {
			return
		}
		qctx, qcancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer qcancel()
		if err := g.queue.EnqueueTitle(qctx, chatID, prompt); err != nil {
			slog.Error("enqueue title job failed", "chat_id", chatID, "err", err)
		}
	}()
	return t
}

// Wait returns the generated title, or false if none was produced before ctx
// ended or generation failed.
func (t *TitleTask) Wait(ctx context.Context) (string, bool) {
	if t == nil {
		return "", false
	}
	select {
	case <-t.done:
		return t.title, t.title != ""
	case <-ctx.Done():
		return "", false
	}
}
