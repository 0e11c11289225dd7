package jobs

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"github.com/sirupsen/logrus"
)

// Handler runs the body of a dispatch job.
type Handler interface {
	// Dispatch performs one attempt. attempt counts from 1.
	Dispatch(ctx context.Context, messageID string, attempt, maxAttempts int) error
	// Exhausted runs once after the last attempt failed with a retryable error.
	Exhausted(ctx context.Context, messageID string, attempts int, cause error) error
}

type Worker struct {
	ID      string
	Repo    *Repo
	Handler Handler

	Poll    time.Duration // default 800ms
	Timeout time.Duration // per attempt, default 60s
	Wake    <-chan struct{}
}

func (w *Worker) Run(ctx context.Context) {
	poll := w.Poll
	if poll <= 0 {
		poll = 800 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	logrus.WithField("worker", w.ID).Info("[WORKER] Started")
	for {
		select {
		case <-ctx.Done():
			logrus.WithField("worker", w.ID).Info("[WORKER] Stopped")
			return
		case <-ticker.C:
		case <-w.Wake:
		}
		for ctx.Err() == nil {
			ran, err := w.RunOnce(ctx)
			if err != nil {
				logrus.WithError(err).WithField("worker", w.ID).Error("[WORKER] Claim failed")
				break
			}
			if !ran {
				break
			}
		}
	}
}

// RunOnce claims and handles a single due job. It reports whether a job ran.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.Repo.Claim(ctx, w.ID)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	// bookkeeping must survive shutdown of the run context
	w.handle(ctx, context.WithoutCancel(ctx), job)
	return true, nil
}

func (w *Worker) handle(ctx, bookCtx context.Context, job *Job) {
	switch job.Type {
	case TypeMessageDispatch:
		w.handleDispatch(ctx, bookCtx, job)
	default:
		_ = w.Repo.MarkFailed(bookCtx, job.ID, job.Attempts, "unknown job type")
	}
}

func (w *Worker) handleDispatch(ctx, bookCtx context.Context, job *Job) {
	var p dispatchPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil || p.MessageID == "" {
		_ = w.Repo.MarkFailed(bookCtx, job.ID, job.Attempts, "bad payload")
		return
	}

	attempt := job.Attempts + 1
	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	timeout := w.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	log := logrus.WithFields(logrus.Fields{
		"worker":     w.ID,
		"job_id":     job.ID,
		"message_id": p.MessageID,
		"attempt":    attempt,
	})

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	err := w.Handler.Dispatch(attemptCtx, p.MessageID, attempt, maxAttempts)
	cancel()

	if err == nil {
		if err := w.Repo.MarkDone(bookCtx, job.ID, attempt); err != nil {
			log.WithError(err).Error("[WORKER] Mark done failed")
		}
		return
	}

	switch {
	case IsNoRetry(err):
		log.WithError(err).Warn("[WORKER] Permanent failure")
		_ = w.Repo.MarkFailed(bookCtx, job.ID, attempt, err.Error())
	case attempt >= maxAttempts:
		log.WithError(err).Error("[WORKER] Attempts exhausted")
		_ = w.Repo.MarkFailed(bookCtx, job.ID, attempt, err.Error())
		if herr := w.Handler.Exhausted(bookCtx, p.MessageID, attempt, err); herr != nil {
			log.WithError(herr).Error("[WORKER] Exhausted hook failed")
		}
	default:
		delay := Backoff(attempt)
		if hint, ok := retryHint(err); ok {
			delay = min(hint, maxBackoff)
		}
		log.WithError(err).WithField("retry_in", delay).Warn("[WORKER] Attempt failed, retrying")
		_ = w.Repo.RetryLater(bookCtx, job.ID, attempt, w.Repo.now().Add(delay), err.Error())
	}
}

const maxBackoff = 600 * time.Second

// Backoff is 2^attempts seconds, capped at ten minutes.
func Backoff(attempts int) time.Duration {
	sec := math.Min(math.Pow(2, float64(attempts)), maxBackoff.Seconds())
	return time.Duration(sec) * time.Second
}
