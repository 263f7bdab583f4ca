// Package streams lets a client reattach to the event stream of a turn that
// is still running or recently finished.
package streams

import (
	"context"
	"errors"

	"github.com/suPer8Hu/turn-gateway/internal/chat"
)

var ErrNotFound = errors.New("streams: no resumable stream")

// Registry records the frames of a turn so they can be replayed.
type Registry interface {
	// Enabled reports whether streams are actually recorded.
	Enabled() bool
	// Create registers a new stream for chatID and returns its id.
	Create(ctx context.Context, chatID string) (string, error)
	// Publish records every frame until frames is closed. Failures are
	// logged and the channel is still drained.
	Publish(ctx context.Context, streamID string, frames <-chan []byte)
	// Latest returns the newest stream id of chatID, or ErrNotFound.
	Latest(ctx context.Context, chatID string) (string, error)
	// Subscribe replays a stream from its first frame and follows it until
	// it ends. Unknown or expired streams yield ErrNotFound.
	Subscribe(ctx context.Context, streamID string) (<-chan []byte, error)
}

// RecordStore persists which streams belong to which chat.
type RecordStore interface {
	CreateStreamRecord(ctx context.Context, rec *chat.StreamRecord) error
	LatestStreamID(ctx context.Context, chatID string) (string, error)
}

// Noop is used when no shared store is configured.
type Noop struct{}

func (Noop) Enabled() bool { return false }

func (Noop) Create(context.Context, string) (string, error) { return "", nil }

func (Noop) Publish(_ context.Context, _ string, frames <-chan []byte) {
	for range frames {
	}
}

func (Noop) Latest(context.Context, string) (string, error) { return "", ErrNotFound }

func (Noop) Subscribe(context.Context, string) (<-chan []byte, error) { return nil, ErrNotFound }
