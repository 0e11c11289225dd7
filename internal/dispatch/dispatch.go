// Package dispatch runs one delivery attempt of a scheduled message. It is the
// body of a MESSAGE_DISPATCH job.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"courier/internal/attachment"
	"courier/internal/delivery"
	"courier/internal/jobs"
	"courier/internal/payload"
	"courier/internal/schedule"
	"courier/internal/webhook"

	"github.com/sirupsen/logrus"
)

type Dispatcher struct {
	Messages    *schedule.Repo
	Webhooks    *webhook.Repo
	Attachments *attachment.Store
	Client      *delivery.Client
	Now         func() time.Time
}

var _ jobs.Handler = (*Dispatcher)(nil)

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now().UTC()
	}
	return time.Now().UTC()
}

// Dispatch claims messageID, posts it to its webhook and records the outcome.
// Ineligible messages are skipped without error. Failures that cannot improve
// on retry come back wrapped in jobs.NoRetry.
func (d *Dispatcher) Dispatch(ctx context.Context, messageID string, attempt, maxAttempts int) error {
	log := logrus.WithFields(logrus.Fields{
		"message_id": messageID,
		"attempt":    attempt,
	})

	m, err := d.Messages.Get(ctx, messageID)
	if errors.Is(err, schedule.ErrNotFound) {
		log.Info("[DISPATCH] Message gone, skipping")
		return nil
	}
	if err != nil {
		return err
	}
	if !m.CanSend() {
		log.WithField("status", m.Status).Debug("[DISPATCH] Not eligible, skipping")
		return nil
	}

	m, err = d.Messages.Claim(ctx, messageID)
	if errors.Is(err, schedule.ErrInvalidTransition) {
		log.Debug("[DISPATCH] Claimed elsewhere, skipping")
		return nil
	}
	if err != nil {
		return err
	}
	// state writes after this point must land even when the attempt timed out
	book := context.WithoutCancel(ctx)

	hook, err := d.Webhooks.Get(ctx, m.WebhookID)
	if err != nil {
		if errors.Is(err, webhook.ErrNotFound) {
			reason := fmt.Sprintf("webhook %s not found", m.WebhookID)
			d.markFailed(book, log, m.ID, reason)
			return jobs.NoRetry(errors.New(reason))
		}
		return d.failAttempt(book, log, m.ID, attempt, maxAttempts, err)
	}
	log = log.WithField("webhook_id", hook.ID)

	msg, err := payload.Prepare(m.Message())
	if err != nil {
		d.markFailed(book, log, m.ID, err.Error())
		return jobs.NoRetry(err)
	}

	atts, err := d.Attachments.Resolve(ctx, m.ID)
	if err != nil {
		return d.failAttempt(book, log, m.ID, attempt, maxAttempts, fmt.Errorf("resolve attachments: %w", err))
	}
	files := make([]payload.File, 0, len(atts))
	for _, a := range atts {
		files = append(files, payload.File{Name: a.Filename, Path: a.StoragePath})
	}

	res, err := d.Client.Send(ctx, hook.URL, msg, files)
	if err == nil {
		err = res.Err()
	}
	if err != nil {
		ferr := d.failAttempt(book, log, m.ID, attempt, maxAttempts, err)
		if res.RetryAfter > 0 {
			return jobs.RetryAfter(ferr, res.RetryAfter)
		}
		return ferr
	}

	sent, err := d.Messages.MarkSent(book, m, d.now())
	if err != nil {
		// delivered, so retrying would post twice
		log.WithError(err).Error("[DISPATCH] Delivered but could not record send")
		return jobs.NoRetry(fmt.Errorf("record send: %w", err))
	}
	log.WithFields(logrus.Fields{
		"status":     sent.Status,
		"send_count": sent.SendCount,
		"files":      len(files),
	}).Info("[DISPATCH] Delivered")

	if len(atts) > 0 {
		if err := d.Attachments.ReleaseSent(book, m.ID, atts); err != nil {
			log.WithError(err).Error("[DISPATCH] Attachment release failed")
		}
	}
	return nil
}

// Exhausted records the final failure once the queue gives up.
func (d *Dispatcher) Exhausted(ctx context.Context, messageID string, attempts int, cause error) error {
	return d.Messages.Exhausted(ctx, messageID, attempts, cause)
}

// failAttempt hands the message back to pending when another attempt will
// follow, or marks it failed on the last one. It returns cause.
func (d *Dispatcher) failAttempt(ctx context.Context, log *logrus.Entry, id string, attempt, maxAttempts int, cause error) error {
	reason := cause.Error()
	if attempt < maxAttempts {
		log.WithError(cause).Warn("[DISPATCH] Attempt failed")
		if err := d.Messages.Requeue(ctx, id, reason); err != nil {
			log.WithError(err).Error("[DISPATCH] Requeue failed")
		}
		return cause
	}
	d.markFailed(ctx, log, id, reason)
	return cause
}

func (d *Dispatcher) markFailed(ctx context.Context, log *logrus.Entry, id, reason string) {
	log.WithField("reason", reason).Warn("[DISPATCH] Marking failed")
	if err := d.Messages.MarkFailed(ctx, id, reason); err != nil {
		log.WithError(err).Error("[DISPATCH] Mark failed failed")
	}
}
