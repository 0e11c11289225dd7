package schedule

import (
	"context"
	"errors"
	"testing"
	"time"

	"courier/internal/db/dbtest"
	"courier/internal/payload"
	"courier/internal/recurrence"
	"courier/internal/webhook"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time          { return c.t }
func (c *clock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type fakeReleaser struct {
	released []string
	err      error
}

func (f *fakeReleaser) ReleaseAll(_ context.Context, id string) error {
	if f.err != nil {
		return f.err
	}
	f.released = append(f.released, id)
	return nil
}

type fakeJobs struct{ cancelled []string }

func (f *fakeJobs) CancelForMessage(_ context.Context, id string) error {
	f.cancelled = append(f.cancelled, id)
	return nil
}

type fixture struct {
	svc     *Service
	repo    *Repo
	clock   *clock
	hook    webhook.Webhook
	release *fakeReleaser
	jobs    *fakeJobs
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := dbtest.Open(t, &ScheduledMessage{}, &webhook.Webhook{})
	c := &clock{t: time.Date(2024, 3, 10, 10, 0, 0, 0, time.UTC)}
	repo := &Repo{DB: db, Now: c.Now}
	hooks := &webhook.Repo{DB: db}
	hook, err := hooks.Create(context.Background(), 1, webhook.CreateInput{Name: "ops", URL: "https://chat.example/hook"})
	require.NoError(t, err)
	rel := &fakeReleaser{}
	jobs := &fakeJobs{}
	return &fixture{
		svc:     &Service{Repo: repo, Webhooks: hooks, Attachments: rel, Jobs: jobs},
		repo:    repo,
		clock:   c,
		hook:    hook,
		release: rel,
		jobs:    jobs,
	}
}

func (f *fixture) once(t *testing.T, at time.Time) ScheduledMessage {
	t.Helper()
	m, err := f.svc.Create(context.Background(), 1, CreateInput{
		WebhookID:    f.hook.ID,
		Content:      payload.Message{Content: "hello"},
		ScheduleType: TypeOnce,
		ScheduledAt:  &at,
	})
	require.NoError(t, err)
	return m
}

func (f *fixture) daily(t *testing.T, maxSends *int) ScheduledMessage {
	t.Helper()
	m, err := f.svc.Create(context.Background(), 1, CreateInput{
		WebhookID:    f.hook.ID,
		Content:      payload.Message{Content: "standup"},
		ScheduleType: TypeRecurring,
		Recurrence:   &recurrence.Pattern{Frequency: recurrence.Daily, Time: "09:00"},
		Timezone:     "Europe/Madrid",
		MaxSends:     maxSends,
	})
	require.NoError(t, err)
	return m
}

func TestCreate_Recurring(t *testing.T) {
	f := newFixture(t)
	m := f.daily(t, nil)

	assert.Equal(t, StatusPending, m.Status)
	require.NotNil(t, m.NextSendAt)
	// 09:00 Madrid on 2024-03-11 is 08:00 UTC.
	assert.Equal(t, time.Date(2024, 3, 11, 8, 0, 0, 0, time.UTC), m.NextSendAt.UTC())

	got, err := f.repo.Get(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, "standup", got.Message().Content)
	assert.Equal(t, recurrence.Daily, got.Pattern().Frequency)
}

func TestCreate_Rejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	past := f.clock.t.Add(-time.Minute)
	zero := 0

	cases := []struct {
		name string
		in   CreateInput
		want error
	}{
		{"past once", CreateInput{WebhookID: f.hook.ID, Content: payload.Message{Content: "x"}, ScheduleType: TypeOnce, ScheduledAt: &past}, ErrInvalidSchedule},
		{"missing pattern", CreateInput{WebhookID: f.hook.ID, Content: payload.Message{Content: "x"}, ScheduleType: TypeRecurring}, ErrInvalidSchedule},
		{"zero max sends", CreateInput{WebhookID: f.hook.ID, Content: payload.Message{Content: "x"}, ScheduleType: TypeRecurring,
			Recurrence: &recurrence.Pattern{Frequency: recurrence.Daily, Time: "09:00"}, MaxSends: &zero}, ErrInvalidSchedule},
		{"bad timezone", CreateInput{WebhookID: f.hook.ID, Content: payload.Message{Content: "x"}, ScheduleType: TypeRecurring,
			Recurrence: &recurrence.Pattern{Frequency: recurrence.Daily, Time: "09:00"}, Timezone: "Mars/Olympus"}, recurrence.ErrInvalidPattern},
		{"empty message", CreateInput{WebhookID: f.hook.ID, ScheduleType: TypeRecurring,
			Recurrence: &recurrence.Pattern{Frequency: recurrence.Daily, Time: "09:00"}}, payload.ErrEmptyMessage},
		{"foreign webhook", CreateInput{WebhookID: "nope", Content: payload.Message{Content: "x"}, ScheduleType: TypeRecurring,
			Recurrence: &recurrence.Pattern{Frequency: recurrence.Daily, Time: "09:00"}}, webhook.ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Create(ctx, 1, tc.in)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestOnce_ClaimAndComplete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.once(t, f.clock.t.Add(time.Hour))

	f.clock.Advance(time.Hour)
	due, err := f.repo.ListDue(ctx, f.clock.t, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{m.ID}, due)

	claimed, err := f.repo.Claim(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, claimed.Status)

	_, err = f.repo.Claim(ctx, m.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	sent, err := f.repo.MarkSent(ctx, claimed, f.clock.t)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, sent.Status)
	assert.Nil(t, sent.NextSendAt)
	assert.Equal(t, 1, sent.SendCount)

	due, err = f.repo.ListDue(ctx, f.clock.t.Add(24*time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestRecurring_MaxSendsCompletesOnLastSend(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	three := 3
	m := f.daily(t, &three)

	for i := 1; i <= 3; i++ {
		f.clock.t = m.NextSendAt.UTC()
		claimed, err := f.repo.Claim(ctx, m.ID)
		require.NoError(t, err, "send %d", i)
		m, err = f.repo.MarkSent(ctx, claimed, f.clock.t)
		require.NoError(t, err)
		assert.Equal(t, i, m.SendCount)
	}

	assert.Equal(t, StatusCompleted, m.Status)
	assert.Nil(t, m.NextSendAt)
	_, err := f.repo.Claim(ctx, m.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestRecurring_MarkSentAdvancesFromSendTime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.daily(t, nil)

	// Worker picked it up two days late.
	sentAt := m.NextSendAt.Add(48*time.Hour + time.Minute)
	claimed, err := f.repo.Claim(ctx, m.ID)
	require.NoError(t, err)
	m, err = f.repo.MarkSent(ctx, claimed, sentAt)
	require.NoError(t, err)

	assert.Equal(t, StatusPending, m.Status)
	assert.True(t, m.NextSendAt.After(sentAt))
	assert.Equal(t, time.Date(2024, 3, 14, 8, 0, 0, 0, time.UTC), m.NextSendAt.UTC())
}

func TestPauseResume(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.daily(t, nil)

	paused, err := f.svc.Pause(ctx, 1, m.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, paused.Status)

	_, err = f.repo.Claim(ctx, m.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	f.clock.t = time.Date(2024, 3, 20, 12, 0, 0, 0, time.UTC)
	resumed, err := f.svc.Resume(ctx, 1, m.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, resumed.Status)
	assert.Equal(t, time.Date(2024, 3, 21, 8, 0, 0, 0, time.UTC), resumed.NextSendAt.UTC())

	_, err = f.svc.Resume(ctx, 1, m.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestPause_OnceRejected(t *testing.T) {
	f := newFixture(t)
	m := f.once(t, f.clock.t.Add(time.Hour))
	_, err := f.svc.Pause(context.Background(), 1, m.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestUpdate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.once(t, f.clock.t.Add(time.Hour))

	later := f.clock.t.Add(3 * time.Hour)
	content := payload.Message{Content: "edited"}
	got, err := f.svc.Update(ctx, 1, m.ID, UpdateInput{Content: &content, ScheduledAt: &later})
	require.NoError(t, err)
	assert.Equal(t, "edited", got.Message().Content)
	assert.Equal(t, later, got.NextSendAt.UTC())

	_, err = f.svc.Update(ctx, 2, m.ID, UpdateInput{Content: &content})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdate_AlreadySent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.daily(t, nil)

	claimed, err := f.repo.Claim(ctx, m.ID)
	require.NoError(t, err)
	_, err = f.repo.MarkSent(ctx, claimed, f.clock.t)
	require.NoError(t, err)

	content := payload.Message{Content: "too late"}
	_, err = f.svc.Update(ctx, 1, m.ID, UpdateInput{Content: &content})
	assert.ErrorIs(t, err, ErrAlreadySent)
}

func TestUpdate_RearmsFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.once(t, f.clock.t.Add(time.Hour))

	_, err := f.repo.Claim(ctx, m.ID)
	require.NoError(t, err)
	require.NoError(t, f.repo.MarkFailed(ctx, m.ID, "http 400"))

	later := f.clock.t.Add(2 * time.Hour)
	got, err := f.svc.Update(ctx, 1, m.ID, UpdateInput{ScheduledAt: &later})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Nil(t, got.LastError)
}

func TestRequeueAndExhausted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.once(t, f.clock.t.Add(time.Hour))

	_, err := f.repo.Claim(ctx, m.ID)
	require.NoError(t, err)
	require.NoError(t, f.repo.Requeue(ctx, m.ID, "http 503"))

	got, err := f.repo.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "http 503", *got.LastError)

	require.NoError(t, f.repo.Exhausted(ctx, m.ID, 3, errors.New("http 503")))
	got, err = f.repo.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "delivery failed after 3 attempts: http 503", *got.LastError)
	assert.NotNil(t, got.NextSendAt)
}

func TestExhausted_IgnoresMissingAndCompleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	assert.NoError(t, f.repo.Exhausted(ctx, "gone", 3, errors.New("x")))

	m := f.once(t, f.clock.t.Add(time.Hour))
	claimed, err := f.repo.Claim(ctx, m.ID)
	require.NoError(t, err)
	_, err = f.repo.MarkSent(ctx, claimed, f.clock.t)
	require.NoError(t, err)

	require.NoError(t, f.repo.Exhausted(ctx, m.ID, 3, errors.New("x")))
	got, _ := f.repo.Get(ctx, m.ID)
	assert.Equal(t, StatusCompleted, got.Status)
}

func TestRecurringFailure_RevivedAtNextSlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.daily(t, nil)
	slot := m.NextSendAt.UTC()

	f.clock.t = slot
	_, err := f.repo.Claim(ctx, m.ID)
	require.NoError(t, err)
	require.NoError(t, f.repo.MarkFailed(ctx, m.ID, "http 404"))

	got, err := f.repo.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, slot.Add(24*time.Hour), got.NextSendAt.UTC())

	n, err := f.repo.ReviveFailed(ctx, slot.Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = f.repo.ReviveFailed(ctx, slot.Add(24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	got, _ = f.repo.Get(ctx, m.ID)
	assert.Equal(t, StatusPending, got.Status)
}

func TestRecoverStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.once(t, f.clock.t.Add(time.Hour))

	_, err := f.repo.Claim(ctx, m.ID)
	require.NoError(t, err)

	n, err := f.repo.RecoverStale(ctx, f.clock.t.Add(-time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(10 * time.Minute)
	n, err = f.repo.RecoverStale(ctx, f.clock.t.Add(-5*time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, _ := f.repo.Get(ctx, m.ID)
	assert.Equal(t, StatusPending, got.Status)
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.once(t, f.clock.t.Add(time.Hour))

	require.ErrorIs(t, f.svc.Delete(ctx, 2, m.ID), ErrNotFound)
	require.NoError(t, f.svc.Delete(ctx, 1, m.ID))

	assert.Equal(t, []string{m.ID}, f.jobs.cancelled)
	assert.Equal(t, []string{m.ID}, f.release.released)
	_, err := f.repo.Get(ctx, m.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDelete_KeepsMessageWhenReleaseFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.once(t, f.clock.t.Add(time.Hour))

	f.release.err = errors.New("disk unavailable")
	err := f.svc.Delete(ctx, 1, m.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, f.release.err)

	got, err := f.repo.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)

	f.release.err = nil
	require.NoError(t, f.svc.Delete(ctx, 1, m.ID))
	assert.Equal(t, []string{m.ID}, f.release.released)
	_, err = f.repo.Get(ctx, m.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestList(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.once(t, f.clock.t.Add(time.Hour))
	f.daily(t, nil)

	all, err := f.svc.List(ctx, 1, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	others, err := f.svc.List(ctx, 2, "", 0)
	require.NoError(t, err)
	assert.Empty(t, others)
}
