package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// DueSource is the message store the scanner polls.
type DueSource interface {
	RecoverStale(ctx context.Context, cutoff time.Time) (int64, error)
	ReviveFailed(ctx context.Context, now time.Time) (int64, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]string, error)
}

// Scanner turns due messages into dispatch jobs on a cron schedule.
type Scanner struct {
	Source DueSource
	Repo   *Repo

	Schedule   string        // cron spec, default "@every 15s"
	Batch      int           // default 100
	StaleAfter time.Duration // default 5m

	// Ready is poked after a scan enqueued work.
	Ready chan<- struct{}

	mu sync.Mutex
}

func (s *Scanner) now() time.Time { return s.Repo.now() }

// Scan runs one pass and returns how many jobs it enqueued.
func (s *Scanner) Scan(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	stale := s.StaleAfter
	if stale <= 0 {
		stale = 5 * time.Minute
	}
	batch := s.Batch
	if batch <= 0 {
		batch = 100
	}

	if _, err := s.Source.RecoverStale(ctx, now.Add(-stale)); err != nil {
		return 0, fmt.Errorf("recover stale: %w", err)
	}
	if n, err := s.Source.ReviveFailed(ctx, now); err != nil {
		return 0, fmt.Errorf("revive failed: %w", err)
	} else if n > 0 {
		logrus.WithField("count", n).Info("[SCANNER] Revived recurring messages")
	}

	ids, err := s.Source.ListDue(ctx, now, batch)
	if err != nil {
		return 0, fmt.Errorf("list due: %w", err)
	}
	enqueued := 0
	for _, id := range ids {
		ok, err := s.Repo.EnqueueDispatch(ctx, id, now)
		if err != nil {
			logrus.WithError(err).WithField("message_id", id).Error("[SCANNER] Enqueue failed")
			continue
		}
		if ok {
			enqueued++
		}
	}
	if enqueued > 0 {
		logrus.WithField("count", enqueued).Debug("[SCANNER] Enqueued dispatch jobs")
		s.poke()
	}
	return enqueued, nil
}

func (s *Scanner) poke() {
	if s.Ready == nil {
		return
	}
	select {
	case s.Ready <- struct{}{}:
	default:
	}
}

// Run scans on the cron schedule and whenever trigger fires, until ctx ends.
func (s *Scanner) Run(ctx context.Context, trigger <-chan struct{}) error {
	spec := s.Schedule
	if spec == "" {
		spec = "@every 15s"
	}
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithLocation(time.UTC))

	scan := func() {
		if _, err := s.Scan(ctx); err != nil && ctx.Err() == nil {
			logrus.WithError(err).Error("[SCANNER] Scan failed")
		}
	}
	if _, err := c.AddFunc(spec, scan); err != nil {
		return fmt.Errorf("scan schedule %q: %w", spec, err)
	}

	c.Start()
	logrus.WithField("schedule", spec).Info("[SCANNER] Started")
	scan()

	for {
		select {
		case <-ctx.Done():
			<-c.Stop().Done()
			logrus.Info("[SCANNER] Stopped")
			return nil
		case <-trigger:
			scan()
		}
	}
}
