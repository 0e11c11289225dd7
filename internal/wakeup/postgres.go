package wakeup

import (
	"context"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Postgres publishes with pg_notify and listens on a dedicated lib/pq
// connection.
type Postgres struct {
	DB  *gorm.DB
	DSN string

	listener *pq.Listener
}

func NewPostgres(gdb *gorm.DB, dsn string) *Postgres {
	return &Postgres{DB: gdb, DSN: dsn}
}

func (p *Postgres) Notify(ctx context.Context) error {
	return p.DB.WithContext(ctx).Exec(`select pg_notify(?, '')`, channelName).Error
}

func (p *Postgres) Listen(ctx context.Context, fn func()) error {
	p.listener = pq.NewListener(p.DSN, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logrus.WithError(err).WithField("event", ev).Warn("[WAKEUP] Listener event")
		}
	})
	if err := p.listener.Listen(channelName); err != nil {
		_ = p.listener.Close()
		return err
	}
	logrus.WithField("channel", channelName).Info("[WAKEUP] Listening on postgres")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.listener.Notify:
			// a nil notification follows a reconnect; scanning covers anything missed
			fn()
		case <-time.After(90 * time.Second):
			go func() { _ = p.listener.Ping() }()
		}
	}
}

func (p *Postgres) Close() error {
	if p.listener == nil {
		return nil
	}
	return p.listener.Close()
}
