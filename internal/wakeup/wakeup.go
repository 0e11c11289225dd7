// Package wakeup carries a "something may be due" signal from the API to the
// scanner, within one process or across several.
package wakeup

import (
	"context"
	"fmt"

	"gorm.io/gorm"
)

const channelName = "courier_wakeup"

// Signal is published after a write that may make a message due, and
// listened to by the scanner.
type Signal interface {
	Notify(ctx context.Context) error
	// Listen calls fn for every signal until ctx is done.
	Listen(ctx context.Context, fn func()) error
	Close() error
}

type Config struct {
	Driver      string // none | postgres | valkey
	DatabaseURL string
	Valkey      ValkeyConfig
}

// Open builds the Signal for cfg.Driver. gdb is used to publish on Postgres.
func Open(cfg Config, gdb *gorm.DB) (Signal, error) {
	switch cfg.Driver {
	case "", "none":
		return NewLocal(), nil
	case "postgres":
		return NewPostgres(gdb, cfg.DatabaseURL), nil
	case "valkey":
		c, err := NewValkeyClient(cfg.Valkey)
		if err != nil {
			return nil, err
		}
		return &Valkey{Client: c}, nil
	default:
		return nil, fmt.Errorf("unknown wakeup driver %q", cfg.Driver)
	}
}

// Local is an in-process Signal. Bursts of notifications collapse into one.
type Local struct {
	ch chan struct{}
}

func NewLocal() *Local {
	return &Local{ch: make(chan struct{}, 1)}
}

func (l *Local) Notify(context.Context) error {
	select {
	case l.ch <- struct{}{}:
	default:
	}
	return nil
}

func (l *Local) Listen(ctx context.Context, fn func()) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-l.ch:
			fn()
		}
	}
}

func (l *Local) Close() error { return nil }
