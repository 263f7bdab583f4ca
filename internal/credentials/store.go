// Package credentials stores caller-supplied upstream API keys, sealed at rest.
package credentials

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/suPer8Hu/turn-gateway/internal/auth"
)

var ErrEmptyKey = errors.New("credentials: api key is empty")

type Credential struct {
	UserID    string    `gorm:"primaryKey;type:varchar(64)"`
	Provider  string    `gorm:"type:varchar(32);not null"`
	Sealed    []byte    `gorm:"not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Credential) TableName() string { return "user_credentials" }

type Store struct {
	db     *gorm.DB
	sealer *auth.Sealer
}

func NewStore(db *gorm.DB, sealer *auth.Sealer) *Store {
	return &Store{db: db, sealer: sealer}
}

// Put seals and stores apiKey, replacing any previous key of the user.
func (s *Store) Put(ctx context.Context, userID, provider, apiKey string) error {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return ErrEmptyKey
	}
	sealed, err := s.sealer.Seal(apiKey)
	if err != nil {
		return err
	}
	c := Credential{UserID: userID, Provider: provider, Sealed: sealed}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"provider", "sealed", "updated_at"}),
	}).Create(&c).Error
}

func (s *Store) Delete(ctx context.Context, userID string) error {
	return s.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&Credential{}).Error
}

func (s *Store) Has(ctx context.Context, userID string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Credential{}).Where("user_id = ?", userID).Count(&n).Error
	return n > 0, err
}

// APIKey returns the user's key, or "" when none is stored.
func (s *Store) APIKey(ctx context.Context, userID string) (string, error) {
	var c Credential
	err := s.db.WithContext(ctx).First(&c, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return s.sealer.Open(c.Sealed)
}
