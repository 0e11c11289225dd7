package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"courier/internal/recurrence"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Repo persists scheduled messages and owns their status transitions. Every
// transition is a single conditional UPDATE keyed on the expected source
// status, so two workers can never both move the same message.
type Repo struct {
	DB  *gorm.DB
	Now func() time.Time
}

func (r *Repo) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

func (r *Repo) Get(ctx context.Context, id string) (ScheduledMessage, error) {
	var m ScheduledMessage
	if err := r.DB.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ScheduledMessage{}, ErrNotFound
		}
		return ScheduledMessage{}, err
	}
	return m, nil
}

// transition applies updates to id only if its status is still from.
func (r *Repo) transition(ctx context.Context, id string, from Status, updates map[string]any, extra ...func(*gorm.DB) *gorm.DB) error {
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = r.now()
	}
	q := r.DB.WithContext(ctx).Model(&ScheduledMessage{}).Where("id = ? AND status = ?", id, from)
	for _, fn := range extra {
		q = fn(q)
	}
	res := q.Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s is not %s", ErrInvalidTransition, id, from)
	}
	return nil
}

func underCap(q *gorm.DB) *gorm.DB {
	return q.Where("(max_sends IS NULL OR send_count < max_sends)")
}

// Claim moves a pending message to processing. It fails with
// ErrInvalidTransition when another worker got there first, the message was
// paused, or its send cap is reached.
func (r *Repo) Claim(ctx context.Context, id string) (ScheduledMessage, error) {
	err := r.transition(ctx, id, StatusPending, map[string]any{
		"status": StatusProcessing,
	}, underCap)
	if err != nil {
		return ScheduledMessage{}, err
	}
	return r.Get(ctx, id)
}

// MarkSent records a successful delivery of a claimed message. One-time
// messages and recurring messages that hit their cap complete; other
// recurring messages go back to pending with the next slot after sentAt.
func (r *Repo) MarkSent(ctx context.Context, m ScheduledMessage, sentAt time.Time) (ScheduledMessage, error) {
	count := m.SendCount + 1
	updates := map[string]any{
		"send_count":   count,
		"last_sent_at": sentAt.UTC(),
		"last_error":   nil,
	}

	capped := m.MaxSends != nil && count >= *m.MaxSends
	if m.ScheduleType == TypeOnce || capped {
		updates["status"] = StatusCompleted
		updates["next_send_at"] = nil
	} else {
		next, err := recurrence.Next(m.Pattern(), m.Timezone, sentAt)
		if err != nil {
			return ScheduledMessage{}, err
		}
		updates["status"] = StatusPending
		updates["next_send_at"] = next
	}

	if err := r.transition(ctx, m.ID, StatusProcessing, updates); err != nil {
		return ScheduledMessage{}, err
	}
	return r.Get(ctx, m.ID)
}

// Requeue hands a claimed message back to pending after a failed attempt that
// will be retried. next_send_at is left alone.
func (r *Repo) Requeue(ctx context.Context, id, reason string) error {
	return r.transition(ctx, id, StatusProcessing, map[string]any{
		"status":     StatusPending,
		"last_error": reason,
	})
}

// MarkFailed records a failed attempt that will not be retried. Recurring
// messages move next_send_at to their following slot so they can be revived
// there.
func (r *Repo) MarkFailed(ctx context.Context, id, reason string) error {
	m, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	return r.fail(ctx, m, StatusProcessing, reason)
}

// Exhausted is the terminal hook run after the last attempt of a dispatch job.
// It records the failure whatever the in-flight state was, and leaves
// completed, paused or deleted messages alone.
func (r *Repo) Exhausted(ctx context.Context, id string, attempts int, cause error) error {
	m, err := r.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	switch m.Status {
	case StatusCompleted, StatusPaused:
		return nil
	}
	reason := fmt.Sprintf("delivery failed after %d attempts: %v", attempts, cause)
	return r.fail(ctx, m, m.Status, reason)
}

func (r *Repo) fail(ctx context.Context, m ScheduledMessage, from Status, reason string) error {
	updates := map[string]any{
		"status":     StatusFailed,
		"last_error": reason,
	}
	now := r.now()
	if m.ScheduleType == TypeRecurring && (m.NextSendAt == nil || !m.NextSendAt.After(now)) {
		if next, err := recurrence.Next(m.Pattern(), m.Timezone, now); err == nil {
			updates["next_send_at"] = next
		}
	}
	return r.transition(ctx, m.ID, from, updates)
}

// Pause takes a pending recurring message out of scheduling.
func (r *Repo) Pause(ctx context.Context, m ScheduledMessage) error {
	if m.ScheduleType != TypeRecurring {
		return fmt.Errorf("%w: only recurring messages can be paused", ErrInvalidTransition)
	}
	return r.transition(ctx, m.ID, StatusPending, map[string]any{"status": StatusPaused})
}

// Resume puts a paused message back to pending with its next slot computed
// from now.
func (r *Repo) Resume(ctx context.Context, m ScheduledMessage) (time.Time, error) {
	if m.Status != StatusPaused {
		return time.Time{}, fmt.Errorf("%w: %s is %s", ErrInvalidTransition, m.ID, m.Status)
	}
	next, err := recurrence.Next(m.Pattern(), m.Timezone, r.now())
	if err != nil {
		return time.Time{}, err
	}
	err = r.transition(ctx, m.ID, StatusPaused, map[string]any{
		"status":       StatusPending,
		"next_send_at": next,
	})
	return next, err
}

// ListDue returns ids of pending messages whose next_send_at has passed.
func (r *Repo) ListDue(ctx context.Context, now time.Time, limit int) ([]string, error) {
	var ids []string
	err := underCap(r.DB.WithContext(ctx).Model(&ScheduledMessage{})).
		Where("status = ? AND next_send_at IS NOT NULL AND next_send_at <= ?", StatusPending, now.UTC()).
		Order("next_send_at asc").
		Limit(limit).
		Pluck("id", &ids).Error
	return ids, err
}

// RecoverStale returns messages stuck in processing since before cutoff to
// pending. This covers workers that died mid-attempt.
func (r *Repo) RecoverStale(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.DB.WithContext(ctx).Model(&ScheduledMessage{}).
		Where("status = ? AND updated_at < ?", StatusProcessing, cutoff.UTC()).
		Updates(map[string]any{
			"status":     StatusPending,
			"last_error": "recovered from stale processing state",
			"updated_at": r.now(),
		})
	if res.RowsAffected > 0 {
		logrus.WithField("count", res.RowsAffected).Warn("[SCHEDULE] Recovered stale processing messages")
	}
	return res.RowsAffected, res.Error
}

// ReviveFailed returns failed recurring messages whose next slot is due to
// pending, unless their cap is reached.
func (r *Repo) ReviveFailed(ctx context.Context, now time.Time) (int64, error) {
	res := underCap(r.DB.WithContext(ctx).Model(&ScheduledMessage{})).
		Where("status = ? AND schedule_type = ? AND next_send_at IS NOT NULL AND next_send_at <= ?",
			StatusFailed, TypeRecurring, now.UTC()).
		Updates(map[string]any{
			"status":     StatusPending,
			"updated_at": r.now(),
		})
	return res.RowsAffected, res.Error
}
