package db

import (
	"fmt"
	"strings"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/suPer8Hu/turn-gateway/internal/chat"
	"github.com/suPer8Hu/turn-gateway/internal/credentials"
)

const sqlitePrefix = "sqlite:"

// Connect opens dsn. "sqlite:<path>" selects the pure-Go sqlite driver,
// anything else is a MySQL DSN.
func Connect(dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	if strings.HasPrefix(dsn, sqlitePrefix) {
		dialector = gormsqlite.Open(strings.TrimPrefix(dsn, sqlitePrefix))
	} else {
		dialector = mysql.Open(dsn)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	return db, nil
}

// Migrate creates or updates every table the gateway uses.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&chat.Chat{},
		&chat.MessageRow{},
		&chat.StreamRecord{},
		&credentials.Credential{},
	)
}
