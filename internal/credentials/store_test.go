package credentials

import (
	"context"
	"strings"
	"testing"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/suPer8Hu/turn-gateway/internal/auth"
)

func newStore(t *testing.T) (*Store, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(gormsqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&Credential{}))
	sealer, err := auth.NewSealer(strings.Repeat("11", 32))
	require.NoError(t, err)
	return NewStore(db, sealer), db
}

func TestStore_PutReplaceDelete(t *testing.T) {
	s, db := newStore(t)
	ctx := context.Background()

	has, err := s.Has(ctx, "u")
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, s.Put(ctx, "u", "openrouter", "sk-first"))
	require.NoError(t, s.Put(ctx, "u", "openrouter", " sk-second "))

	key, err := s.APIKey(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, "sk-second", key)

	var row Credential
	require.NoError(t, db.First(&row, "user_id = ?", "u").Error)
	assert.NotContains(t, string(row.Sealed), "sk-second")

	require.NoError(t, s.Delete(ctx, "u"))
	key, err = s.APIKey(ctx, "u")
	require.NoError(t, err)
	assert.Empty(t, key)

	assert.ErrorIs(t, s.Put(ctx, "u", "openrouter", "  "), ErrEmptyKey)
}
