package chat

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// PersistContext tells the writer how the finished messages relate to what
// was already stored when the turn began.
type PersistContext struct {
	ChatID string
	// Resumption is set when the turn continued an assistant message after
	// approval decisions.
	Resumption bool
	// Prior is the history the turn started from.
	Prior []Message
}

// Writer commits the messages a turn produced.
type Writer struct {
	repo *Repo
}

func NewWriter(repo *Repo) *Writer {
	return &Writer{repo: repo}
}

// Persist stores finished in one transaction. A fresh turn inserts every
// message as a new row. A resumption rewrites the parts of messages already
// stored under the same id and inserts the rest. Re-running Persist with the
// same input leaves the same rows behind.
func (w *Writer) Persist(ctx context.Context, finished []Message, pc PersistContext) error {
	if len(finished) == 0 {
		return nil
	}
	msgs := make([]Message, len(finished))
	for i, m := range finished {
		m.ChatID = pc.ChatID
		msgs[i] = m
	}

	if !pc.Resumption {
		return w.repo.InsertMessages(ctx, msgs)
	}

	known := make(map[string]bool, len(pc.Prior))
	for _, m := range pc.Prior {
		known[m.ID] = true
	}

	return w.repo.Transaction(ctx, func(tx *Repo) error {
		var fresh []Message
		for _, m := range msgs {
			if !known[m.ID] {
				fresh = append(fresh, m)
				continue
			}
			err := tx.UpdateMessageParts(ctx, m)
			if errors.Is(err, gorm.ErrRecordNotFound) {
				// deleted between load and finish; store it again
				fresh = append(fresh, m)
				continue
			}
			if err != nil {
				return fmt.Errorf("update message %s: %w", m.ID, err)
			}
		}
		return tx.UpsertMessages(ctx, fresh)
	})
}

// Checkpoint stores the current state of a single in-progress message so
// that a crash does not lose a state transition that must not be repeated.
func (w *Writer) Checkpoint(ctx context.Context, m Message) error {
	return w.repo.UpsertMessages(ctx, []Message{m})
}
