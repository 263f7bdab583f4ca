package db

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConnectSqliteAndMigrate(t *testing.T) {
	gdb, err := Connect("sqlite:file:migrate_test?mode=memory&cache=shared")
	require.NoError(t, err)
	require.NoError(t, Migrate(gdb))

	for _, table := range []string{"chats", "chat_messages", "chat_streams", "user_credentials"} {
		require.True(t, gdb.Migrator().HasTable(table), table)
	}
	// idempotent
	require.NoError(t, Migrate(gdb))
}
