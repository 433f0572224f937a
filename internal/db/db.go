package db

import (
	"fmt"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/suPer8Hu/widget-chat/internal/chat"
	"github.com/suPer8Hu/widget-chat/internal/widget"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Connect opens a gorm connection for the configured driver ("mysql" or "sqlite").
func Connect(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "", "mysql":
		dialector = mysql.Open(dsn)
	case "sqlite":
		dialector = gormsqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("db: unsupported driver %q", driver)
	}
	gdb, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("db: connect (%s): %w", driver, err)
	}
	return gdb, nil
}

// Migrate creates or updates every table the service owns.
func Migrate(gdb *gorm.DB) error {
	if err := gdb.AutoMigrate(
		&widget.Widget{},
		&chat.Session{},
		&chat.Message{},
		&chat.Job{},
	); err != nil {
		return fmt.Errorf("db: migrate: %w", err)
	}
	return nil
}
