package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Repo struct {
	DB  *gorm.DB
	Now func() time.Time

	// StaleAfter is how long a RUNNING job may hold its lock before it is
	// handed back to the queue.
	StaleAfter time.Duration
	// MaxAttempts applies to new jobs; zero means DefaultMaxAttempts.
	MaxAttempts int
}

func (r *Repo) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

// Migrate creates the jobs table and its indexes. At most one PENDING or
// RUNNING job may exist per message.
func Migrate(gdb *gorm.DB) error {
	if err := gdb.AutoMigrate(&Job{}); err != nil {
		return err
	}
	stmts := []string{
		`create index if not exists idx_jobs_due on jobs(status, run_at);`,
		`create index if not exists idx_jobs_lock on jobs(status, locked_at);`,
		`create unique index if not exists uq_jobs_active_message on jobs(message_id) where status in ('PENDING', 'RUNNING');`,
	}
	for _, s := range stmts {
		if err := gdb.Exec(s).Error; err != nil {
			return fmt.Errorf("index exec failed: %w (sql=%s)", err, s)
		}
	}
	return nil
}

// EnqueueDispatch queues a dispatch job for messageID unless one is already
// pending or running. It reports whether a job was created.
func (r *Repo) EnqueueDispatch(ctx context.Context, messageID string, runAt time.Time) (bool, error) {
	var active int64
	err := r.DB.WithContext(ctx).Model(&Job{}).
		Where("message_id = ? AND status IN ?", messageID, []string{StatusPending, StatusRunning}).
		Count(&active).Error
	if err != nil {
		return false, err
	}
	if active > 0 {
		return false, nil
	}

	payload, _ := json.Marshal(dispatchPayload{MessageID: messageID})
	maxAttempts := r.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	now := r.now()
	j := Job{
		MessageID:   messageID,
		Type:        TypeMessageDispatch,
		Payload:     datatypes.JSON(payload),
		RunAt:       runAt.UTC(),
		Status:      StatusPending,
		MaxAttempts: maxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := r.DB.WithContext(ctx).Create(&j).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Claim takes one due job. Postgres uses FOR UPDATE SKIP LOCKED; other
// dialects fall back to a conditional update on the status column. A nil job
// means nothing is due.
func (r *Repo) Claim(ctx context.Context, workerID string) (*Job, error) {
	now := r.now()
	stale := r.StaleAfter
	if stale <= 0 {
		stale = 5 * time.Minute
	}

	var job Job
	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		requeued := tx.Model(&Job{}).
			Where("status = ? AND locked_at IS NOT NULL AND locked_at < ?", StatusRunning, now.Add(-stale)).
			Updates(map[string]any{
				"status":     StatusPending,
				"locked_by":  nil,
				"locked_at":  nil,
				"updated_at": now,
			})
		if requeued.Error != nil {
			return requeued.Error
		}
		if requeued.RowsAffected > 0 {
			logrus.WithField("count", requeued.RowsAffected).Warn("[WORKER] Requeued stale jobs")
		}

		if tx.Dialector.Name() == "postgres" {
			return tx.Raw(`
with cte as (
  select id
  from jobs
  where status='PENDING' and run_at <= ?
  order by run_at asc
  limit 1
  for update skip locked
)
update jobs
set status='RUNNING', locked_by=?, locked_at=?, updated_at=?
where id in (select id from cte)
returning *;
`, now, workerID, now, now).Scan(&job).Error
		}

		var ids []uint64
		if err := tx.Model(&Job{}).
			Where("status = ? AND run_at <= ?", StatusPending, now).
			Order("run_at asc").
			Limit(1).
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		res := tx.Model(&Job{}).
			Where("id = ? AND status = ?", ids[0], StatusPending).
			Updates(map[string]any{
				"status":     StatusRunning,
				"locked_by":  workerID,
				"locked_at":  now,
				"updated_at": now,
			})
		if res.Error != nil || res.RowsAffected == 0 {
			return res.Error
		}
		return tx.First(&job, ids[0]).Error
	})
	if err != nil {
		return nil, err
	}
	if job.ID == 0 {
		return nil, nil
	}
	return &job, nil
}

func (r *Repo) MarkDone(ctx context.Context, id uint64, attempts int) error {
	return r.DB.WithContext(ctx).Model(&Job{}).Where("id = ?", id).Updates(map[string]any{
		"status":     StatusDone,
		"attempts":   attempts,
		"locked_by":  nil,
		"locked_at":  nil,
		"updated_at": r.now(),
	}).Error
}

func (r *Repo) MarkFailed(ctx context.Context, id uint64, attempts int, errMsg string) error {
	return r.DB.WithContext(ctx).Model(&Job{}).Where("id = ?", id).Updates(map[string]any{
		"status":     StatusFailed,
		"attempts":   attempts,
		"last_error": errMsg,
		"locked_by":  nil,
		"locked_at":  nil,
		"updated_at": r.now(),
	}).Error
}

func (r *Repo) RetryLater(ctx context.Context, id uint64, attempts int, runAt time.Time, errMsg string) error {
	return r.DB.WithContext(ctx).Model(&Job{}).Where("id = ?", id).Updates(map[string]any{
		"status":     StatusPending,
		"attempts":   attempts,
		"run_at":     runAt.UTC(),
		"locked_by":  nil,
		"locked_at":  nil,
		"last_error": errMsg,
		"updated_at": r.now(),
	}).Error
}

// CancelForMessage cancels queued jobs of a deleted message. A RUNNING job is
// left to finish; it will find the message gone.
func (r *Repo) CancelForMessage(ctx context.Context, messageID string) error {
	return r.DB.WithContext(ctx).Model(&Job{}).
		Where("message_id = ? AND status = ?", messageID, StatusPending).
		Updates(map[string]any{
			"status":     StatusCancelled,
			"updated_at": r.now(),
		}).Error
}
