package chat

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

// Transaction runs fn against a Repo bound to a single transaction.
func (r *Repo) Transaction(ctx context.Context, fn func(tx *Repo) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Repo{db: tx})
	})
}

func (r *Repo) CreateChat(ctx context.Context, c *Chat) error {
	return r.db.WithContext(ctx).Create(c).Error
}

// GetChat returns gorm.ErrRecordNotFound when the chat does not exist.
func (r *Repo) GetChat(ctx context.Context, id string) (*Chat, error) {
	var c Chat
	if err := r.db.WithContext(ctx).First(&c, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *Repo) UpdateChatTitle(ctx context.Context, id, title string) error {
	return r.db.WithContext(ctx).Model(&Chat{}).
		Where("id = ?", id).
		Update("title", title).Error
}

// DeleteChat removes the chat with its messages and stream records.
func (r *Repo) DeleteChat(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("chat_id = ?", id).Delete(&MessageRow{}).Error; err != nil {
			return err
		}
		if err := tx.Where("chat_id = ?", id).Delete(&StreamRecord{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&Chat{}).Error
	})
}

// ListMessages returns the chat's messages oldest first.
func (r *Repo) ListMessages(ctx context.Context, chatID string) ([]Message, error) {
	var rows []MessageRow
	if err := r.db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order("created_at ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	msgs := make([]Message, 0, len(rows))
	for _, row := range rows {
		m, err := fromRow(row)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// InsertMessages stores msgs as new rows. Rows already stored under the same
// (chat_id, id) are left untouched.
func (r *Repo) InsertMessages(ctx context.Context, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	rows, err := toRows(msgs)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "chat_id"}, {Name: "id"}},
		DoNothing: true,
	}).Create(&rows).Error
}

// UpsertMessages inserts msgs, replacing the parts of any row already stored
// under the same (chat_id, id).
func (r *Repo) UpsertMessages(ctx context.Context, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	rows, err := toRows(msgs)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "chat_id"}, {Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"parts"}),
	}).Create(&rows).Error
}

// UpdateMessageParts rewrites the parts of an existing message. It returns
// gorm.ErrRecordNotFound when no row matched.
func (r *Repo) UpdateMessageParts(ctx context.Context, m Message) error {
	row, err := toRow(m)
	if err != nil {
		return err
	}
	res := r.db.WithContext(ctx).Model(&MessageRow{}).
		Where("chat_id = ? AND id = ?", m.ChatID, m.ID).
		Update("parts", row.Parts)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// CountUserMessagesSince counts user-authored messages across every chat the
// user owns, created at or after since.
func (r *Repo) CountUserMessagesSince(ctx context.Context, userID string, since time.Time) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&MessageRow{}).
		Joins("JOIN chats ON chats.id = chat_messages.chat_id").
		Where("chats.user_id = ? AND chat_messages.role = ? AND chat_messages.created_at >= ?", userID, RoleUser, since).
		Count(&n).Error
	return n, err
}

func (r *Repo) CreateStreamRecord(ctx context.Context, rec *StreamRecord) error {
	return r.db.WithContext(ctx).Create(rec).Error
}

// LatestStreamID returns "" when the chat has no recorded stream.
func (r *Repo) LatestStreamID(ctx context.Context, chatID string) (string, error) {
	var rec StreamRecord
	err := r.db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order("created_at DESC").
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return rec.ID, nil
}

func toRows(msgs []Message) ([]MessageRow, error) {
	rows := make([]MessageRow, 0, len(msgs))
	for _, m := range msgs {
		row, err := toRow(m)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}
