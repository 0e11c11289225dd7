package schedule

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"courier/internal/payload"
	"courier/internal/recurrence"
	"courier/internal/webhook"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// AttachmentReleaser deletes every attachment owned by a message.
type AttachmentReleaser interface {
	ReleaseAll(ctx context.Context, messageID string) error
}

// JobCanceller drops queued dispatch jobs of a message.
type JobCanceller interface {
	CancelForMessage(ctx context.Context, messageID string) error
}

// Notifier wakes the scanner when a message may have become due.
type Notifier interface {
	Notify(ctx context.Context) error
}

// Service implements the inbound operations used by the CRUD layer.
type Service struct {
	Repo        *Repo
	Webhooks    *webhook.Repo
	Attachments AttachmentReleaser
	Jobs        JobCanceller
	Signal      Notifier
}

type CreateInput struct {
	WebhookID    string
	TemplateID   *string
	Content      payload.Message
	ScheduleType Type
	ScheduledAt  *time.Time
	Recurrence   *recurrence.Pattern
	Timezone     string
	MaxSends     *int
}

func (in CreateInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.WebhookID, validation.Required),
		validation.Field(&in.ScheduleType, validation.Required, validation.In(TypeOnce, TypeRecurring)),
		validation.Field(&in.ScheduledAt, validation.When(in.ScheduleType == TypeOnce, validation.Required)),
		validation.Field(&in.Recurrence, validation.When(in.ScheduleType == TypeRecurring, validation.Required)),
		validation.Field(&in.MaxSends, validation.When(in.MaxSends != nil, validation.Min(1))),
	)
}

// UpdateInput carries the fields an owner may change before the first send.
// Nil fields are left as they are.
type UpdateInput struct {
	WebhookID    *string
	Content      *payload.Message
	ScheduleType *Type
	ScheduledAt  *time.Time
	Recurrence   *recurrence.Pattern
	Timezone     *string
	MaxSends     *int
}

// nextFor validates the schedule fields and returns the first send instant.
func nextFor(st Type, scheduledAt *time.Time, p *recurrence.Pattern, tz string, now time.Time) (time.Time, error) {
	switch st {
	case TypeOnce:
		if scheduledAt == nil {
			return time.Time{}, fmt.Errorf("%w: scheduled_at required for once", ErrInvalidSchedule)
		}
		if !scheduledAt.After(now) {
			return time.Time{}, fmt.Errorf("%w: scheduled_at must be in the future", ErrInvalidSchedule)
		}
		return scheduledAt.UTC(), nil
	case TypeRecurring:
		if p == nil {
			return time.Time{}, fmt.Errorf("%w: recurrence_pattern required for recurring", ErrInvalidSchedule)
		}
		return recurrence.Next(*p, tz, now)
	default:
		return time.Time{}, fmt.Errorf("%w: unknown schedule_type %q", ErrInvalidSchedule, st)
	}
}

func normalizeTimezone(tz string) string {
	if tz = strings.TrimSpace(tz); tz == "" {
		return "UTC"
	}
	return tz
}

func (s *Service) Create(ctx context.Context, userID uint64, in CreateInput) (ScheduledMessage, error) {
	if err := in.Validate(); err != nil {
		return ScheduledMessage{}, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	if _, err := s.Webhooks.GetOwned(ctx, userID, in.WebhookID); err != nil {
		return ScheduledMessage{}, err
	}
	content, err := payload.Prepare(in.Content)
	if err != nil {
		return ScheduledMessage{}, err
	}

	now := s.Repo.now()
	tz := normalizeTimezone(in.Timezone)
	next, err := nextFor(in.ScheduleType, in.ScheduledAt, in.Recurrence, tz, now)
	if err != nil {
		return ScheduledMessage{}, err
	}

	m := ScheduledMessage{
		ID:           uuid.NewString(),
		UserID:       userID,
		WebhookID:    in.WebhookID,
		TemplateID:   in.TemplateID,
		Content:      datatypes.NewJSONType(content),
		ScheduleType: in.ScheduleType,
		Timezone:     tz,
		NextSendAt:   &next,
		Status:       StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if in.ScheduleType == TypeOnce {
		at := in.ScheduledAt.UTC()
		m.ScheduledAt = &at
	} else {
		m.Recurrence = datatypes.NewJSONType(*in.Recurrence)
		m.MaxSends = in.MaxSends
	}

	if err := s.Repo.DB.WithContext(ctx).Create(&m).Error; err != nil {
		return ScheduledMessage{}, err
	}
	logrus.WithFields(logrus.Fields{
		"message_id":   m.ID,
		"user_id":      userID,
		"type":         m.ScheduleType,
		"next_send_at": next,
	}).Info("[SCHEDULE] Message scheduled")
	s.notify(ctx)
	return m, nil
}

// GetOwned loads a message only if it belongs to userID.
func (s *Service) GetOwned(ctx context.Context, userID uint64, id string) (ScheduledMessage, error) {
	m, err := s.Repo.Get(ctx, id)
	if err != nil {
		return ScheduledMessage{}, err
	}
	if m.UserID != userID {
		return ScheduledMessage{}, ErrNotFound
	}
	return m, nil
}

func (s *Service) List(ctx context.Context, userID uint64, status Status, limit int) ([]ScheduledMessage, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	q := s.Repo.DB.WithContext(ctx).Where("user_id = ?", userID)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var out []ScheduledMessage
	err := q.Order("created_at desc").Limit(limit).Find(&out).Error
	return out, err
}

// Update edits a message that has never been sent. Editing a failed message
// re-arms it.
func (s *Service) Update(ctx context.Context, userID uint64, id string, in UpdateInput) (ScheduledMessage, error) {
	m, err := s.GetOwned(ctx, userID, id)
	if err != nil {
		return ScheduledMessage{}, err
	}
	if m.SendCount > 0 {
		return ScheduledMessage{}, ErrAlreadySent
	}
	switch m.Status {
	case StatusPending, StatusPaused, StatusFailed:
	default:
		return ScheduledMessage{}, fmt.Errorf("%w: cannot edit a %s message", ErrInvalidTransition, m.Status)
	}

	updates := map[string]any{}
	if in.WebhookID != nil {
		if _, err := s.Webhooks.GetOwned(ctx, userID, *in.WebhookID); err != nil {
			return ScheduledMessage{}, err
		}
		updates["webhook_id"] = *in.WebhookID
	}
	if in.Content != nil {
		content, err := payload.Prepare(*in.Content)
		if err != nil {
			return ScheduledMessage{}, err
		}
		updates["message_content"] = datatypes.NewJSONType(content)
	}

	st := m.ScheduleType
	if in.ScheduleType != nil {
		st = *in.ScheduleType
	}
	scheduledAt := m.ScheduledAt
	if in.ScheduledAt != nil {
		scheduledAt = in.ScheduledAt
	}
	pattern := m.Pattern()
	if in.Recurrence != nil {
		pattern = *in.Recurrence
	}
	tz := m.Timezone
	if in.Timezone != nil {
		tz = normalizeTimezone(*in.Timezone)
	}

	scheduleChanged := in.ScheduleType != nil || in.ScheduledAt != nil || in.Recurrence != nil || in.Timezone != nil
	if scheduleChanged || m.Status == StatusFailed {
		var p *recurrence.Pattern
		if st == TypeRecurring {
			p = &pattern
		}
		next, err := nextFor(st, scheduledAt, p, tz, s.Repo.now())
		if err != nil {
			return ScheduledMessage{}, err
		}
		updates["schedule_type"] = st
		updates["timezone"] = tz
		updates["next_send_at"] = next
		if st == TypeOnce {
			updates["scheduled_at"] = scheduledAt.UTC()
			updates["recurrence_pattern"] = datatypes.NewJSONType(recurrence.Pattern{})
			updates["max_sends"] = nil
		} else {
			updates["scheduled_at"] = nil
			updates["recurrence_pattern"] = datatypes.NewJSONType(pattern)
		}
	}
	if in.MaxSends != nil {
		if *in.MaxSends < 1 {
			return ScheduledMessage{}, fmt.Errorf("%w: max_sends must be at least 1", ErrInvalidSchedule)
		}
		if st == TypeRecurring {
			updates["max_sends"] = *in.MaxSends
		}
	}
	if m.Status == StatusFailed {
		updates["status"] = StatusPending
		updates["last_error"] = nil
	}
	if len(updates) == 0 {
		return m, nil
	}

	err = s.Repo.transition(ctx, m.ID, m.Status, updates, func(q *gorm.DB) *gorm.DB {
		return q.Where("send_count = 0")
	})
	if errors.Is(err, ErrInvalidTransition) {
		// status or send_count moved under us
		fresh, gerr := s.Repo.Get(ctx, id)
		if gerr == nil && fresh.SendCount > 0 {
			return ScheduledMessage{}, ErrAlreadySent
		}
		return ScheduledMessage{}, err
	}
	if err != nil {
		return ScheduledMessage{}, err
	}
	s.notify(ctx)
	return s.Repo.Get(ctx, id)
}

func (s *Service) Pause(ctx context.Context, userID uint64, id string) (ScheduledMessage, error) {
	m, err := s.GetOwned(ctx, userID, id)
	if err != nil {
		return ScheduledMessage{}, err
	}
	if err := s.Repo.Pause(ctx, m); err != nil {
		return ScheduledMessage{}, err
	}
	logrus.WithField("message_id", id).Info("[SCHEDULE] Paused")
	return s.Repo.Get(ctx, id)
}

func (s *Service) Resume(ctx context.Context, userID uint64, id string) (ScheduledMessage, error) {
	m, err := s.GetOwned(ctx, userID, id)
	if err != nil {
		return ScheduledMessage{}, err
	}
	next, err := s.Repo.Resume(ctx, m)
	if err != nil {
		return ScheduledMessage{}, err
	}
	logrus.WithFields(logrus.Fields{
		"message_id":   id,
		"next_send_at": next,
	}).Info("[SCHEDULE] Resumed")
	s.notify(ctx)
	return s.Repo.Get(ctx, id)
}

// Delete cancels a message's queued jobs, releases its attachments and then
// removes it. The row goes last so a failed release leaves the message in
// place for another delete. An attempt already in flight finds the record
// gone and stops.
func (s *Service) Delete(ctx context.Context, userID uint64, id string) error {
	m, err := s.GetOwned(ctx, userID, id)
	if err != nil {
		return err
	}
	if s.Jobs != nil {
		if err := s.Jobs.CancelForMessage(ctx, m.ID); err != nil {
			return err
		}
	}
	if s.Attachments != nil {
		if err := s.Attachments.ReleaseAll(ctx, m.ID); err != nil {
			return fmt.Errorf("release attachments: %w", err)
		}
	}
	if err := s.Repo.DB.WithContext(ctx).Delete(&ScheduledMessage{}, "id = ?", m.ID).Error; err != nil {
		return err
	}
	logrus.WithField("message_id", m.ID).Info("[SCHEDULE] Deleted")
	return nil
}

func (s *Service) notify(ctx context.Context) {
	if s.Signal == nil {
		return
	}
	if err := s.Signal.Notify(ctx); err != nil {
		logrus.WithError(err).Warn("[SCHEDULE] Wake-up signal failed")
	}
}
