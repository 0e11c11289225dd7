package db

import (
	"fmt"
	"time"

	"courier/internal/attachment"
	"courier/internal/jobs"
	"courier/internal/schedule"
	"courier/internal/webhook"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Connect opens the database for driver ("postgres" or "sqlite"). Timestamps
// are written in UTC.
func Connect(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported db driver %q", driver)
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, err
	}

	if driver == "sqlite" {
		// one writer at a time
		sqlDB, err := gdb.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return gdb, nil
}

func AutoMigrateAndIndexes(gdb *gorm.DB) error {
	// Tables
	if err := gdb.AutoMigrate(
		&webhook.Webhook{},
		&schedule.ScheduledMessage{},
		&attachment.Attachment{},
	); err != nil {
		return err
	}
	if err := jobs.Migrate(gdb); err != nil {
		return err
	}

	stmts := []string{
		`create index if not exists idx_messages_due on scheduled_messages(status, next_send_at);`,
		`create index if not exists idx_messages_user_created on scheduled_messages(user_id, created_at desc);`,
		`create index if not exists idx_attachments_message on attachments(message_id, created_at);`,
		`create index if not exists idx_webhooks_user on webhooks(user_id, created_at);`,
	}
	for _, s := range stmts {
		if err := gdb.Exec(s).Error; err != nil {
			return fmt.Errorf("index exec failed: %w (sql=%s)", err, s)
		}
	}
	return nil
}
