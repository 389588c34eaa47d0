package campaign_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/linkforge/internal/core/campaign"
	"github.com/jinford/linkforge/internal/core/job"
	"github.com/jinford/linkforge/internal/core/opportunity"
	"github.com/jinford/linkforge/internal/infra/memory"
	"github.com/jinford/linkforge/internal/platform/clock"
)

type fixture struct {
	clock    *clock.Fake
	jobs     *job.LeaseManager
	campaign *campaign.Service
}

func newFixture() *fixture {
	store := memory.New()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	fake := clock.NewFake(time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC))
	jobs := job.NewLeaseManager(store, job.WithClock(fake), job.WithLogger(logger))
	return &fixture{
		clock: fake,
		jobs:  jobs,
		campaign: campaign.NewService(store, jobs,
			campaign.WithServiceClock(fake),
			campaign.WithServiceLogger(logger),
		),
	}
}

func (f *fixture) create(t *testing.T, rules campaign.Rules) *campaign.Campaign {
	t.Helper()
	category := uuid.New()
	rules.CategoryID = &category
	c, err := f.campaign.Create(context.Background(), campaign.CreateParams{
		UserID:   uuid.New(),
		DomainID: uuid.New(),
		Name:     "spring launch",
		Rules:    rules,
		Plan:     opportunity.PlanLimits{Name: "pro", MaxPA: 100, MaxDA: 100},
	})
	require.NoError(t, err)
	return c
}

func TestService_AddTargetsDeduplicates(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	c := f.create(t, campaign.Rules{})

	result, err := f.campaign.AddTargets(ctx, c.ID, []campaign.TargetInput{
		{URL: "https://blog.example.com/post"},
		{URL: "https://BLOG.example.com/post/"},
		{URL: "https://forum.example.com/thread#reply"},
	})
	require.NoError(t, err)
	assert.Len(t, result.Added, 2)
	assert.Equal(t, 1, result.Duplicates)
	assert.Zero(t, result.Jobs, "draft campaigns do not create jobs")

	result, err = f.campaign.AddTargets(ctx, c.ID, []campaign.TargetInput{
		{URL: "https://forum.example.com/thread"},
		{URL: "https://wiki.example.com/page"},
	})
	require.NoError(t, err)
	assert.Len(t, result.Added, 1)
	assert.Equal(t, 1, result.Duplicates)

	targets, err := f.campaign.Targets(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, targets, 3)

	_, err = f.campaign.AddTargets(ctx, c.ID, []campaign.TargetInput{{URL: "not a url"}})
	assert.ErrorIs(t, err, campaign.ErrInvalidTarget)
}

func TestService_ImportTargetsCSV(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	c := f.create(t, campaign.Rules{})

	input := strings.NewReader("url,anchor_text,link_url\n" +
		"https://a.example.com/1,best shoes,https://shop.example.com\n" +
		"https://a.example.com/1/,dup,https://shop.example.com\n" +
		",,\n" +
		"https://b.example.com/2,cheap shoes,https://shop.example.com/sale\n")

	result, err := f.campaign.ImportTargetsCSV(ctx, c.ID, input)
	require.NoError(t, err)
	require.Len(t, result.Added, 2)
	assert.Equal(t, 1, result.Duplicates)
	assert.Equal(t, campaign.SourceCSV, result.Added[0].Source)
	assert.Equal(t, "best shoes", result.Added[0].AnchorText)

	_, err = f.campaign.ImportTargetsCSV(ctx, c.ID, strings.NewReader("anchor\nx\n"))
	assert.ErrorIs(t, err, campaign.ErrInvalidTarget)
}

func TestService_LifecycleAndAutoComplete(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	c := f.create(t, campaign.Rules{AllowedActions: []job.Action{job.ActionComment, job.ActionProfile}})

	_, err := f.campaign.AddTargets(ctx, c.ID, []campaign.TargetInput{
		{URL: "https://a.example.com"},
		{URL: "https://b.example.com"},
	})
	require.NoError(t, err)

	queued, err := f.campaign.Queue(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, campaign.StatusQueued, queued.Status)
	assert.Equal(t, 4, queued.Totals.Total)
	assert.Equal(t, 4, queued.Totals.Pending)

	_, err = f.campaign.Queue(ctx, c.ID)
	assert.ErrorIs(t, err, campaign.ErrInvalidTransition)

	running, err := f.campaign.Start(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, campaign.StatusRunning, running.Status)

	// 実行中に追加したターゲットはすぐにジョブ化される
	added, err := f.campaign.AddTargets(ctx, c.ID, []campaign.TargetInput{{URL: "https://c.example.com"}})
	require.NoError(t, err)
	assert.Equal(t, 2, added.Jobs)

	for {
		claimed, err := f.jobs.Claim(ctx, "w")
		require.NoError(t, err)
		j, ok := claimed.Get()
		if !ok {
			break
		}
		_, err = f.jobs.Start(ctx, j.ID, j.Lease.Token)
		require.NoError(t, err)
		_, err = f.jobs.ReportSuccess(ctx, j.ID, j.Lease.Token, job.SuccessReport{PlacedURL: j.TargetURL + "#c"})
		require.NoError(t, err)
	}

	completed, err := f.campaign.Recompute(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, campaign.StatusCompleted, completed.Status)
	assert.Equal(t, 6, completed.Totals.Success)
	assert.Zero(t, completed.Totals.Pending)
	assert.NotNil(t, completed.Totals.RecomputedAt)

	again, err := f.campaign.Recompute(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, completed.Totals.Success, again.Totals.Success)
	assert.Equal(t, completed.Status, again.Status)
}

func TestService_PauseResumeAndCancel(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	c := f.create(t, campaign.Rules{})
	_, err := f.campaign.AddTargets(ctx, c.ID, []campaign.TargetInput{{URL: "https://a.example.com"}})
	require.NoError(t, err)
	_, err = f.campaign.Queue(ctx, c.ID)
	require.NoError(t, err)

	paused, err := f.campaign.Pause(ctx, c.ID, campaign.PausedManual)
	require.NoError(t, err)
	assert.Equal(t, campaign.StatusPaused, paused.Status)
	assert.Equal(t, campaign.PausedManual, *paused.PausedReason)

	none, err := f.jobs.Claim(ctx, "w")
	require.NoError(t, err)
	assert.True(t, none.IsAbsent())

	resumed, err := f.campaign.Resume(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, campaign.StatusRunning, resumed.Status)
	assert.Nil(t, resumed.PausedReason)

	cancelled, err := f.campaign.Cancel(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, campaign.StatusFailed, cancelled.Status)
	assert.Equal(t, 1, cancelled.Totals.Skipped)

	_, err = f.campaign.Resume(ctx, c.ID)
	assert.ErrorIs(t, err, campaign.ErrInvalidTransition)
}

func TestService_RetryRequeuesFailedJobs(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	c := f.create(t, campaign.Rules{})
	_, err := f.campaign.AddTargets(ctx, c.ID, []campaign.TargetInput{{URL: "https://a.example.com"}})
	require.NoError(t, err)
	_, err = f.campaign.Queue(ctx, c.ID)
	require.NoError(t, err)
	_, err = f.campaign.Start(ctx, c.ID)
	require.NoError(t, err)

	for range job.DefaultMaxAttempts {
		claimed, err := f.jobs.Claim(ctx, "w")
		require.NoError(t, err)
		j := claimed.MustGet()
		_, err = f.jobs.Start(ctx, j.ID, j.Lease.Token)
		require.NoError(t, err)
		_, err = f.jobs.ReportFailure(ctx, j.ID, j.Lease.Token, job.FailureReport{Code: job.ErrorFormSubmitFailed})
		require.NoError(t, err)
	}

	completed, err := f.campaign.Recompute(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, campaign.StatusCompleted, completed.Status)
	assert.InDelta(t, 1.0, completed.Totals.FailureRate, 1e-9)

	retried, n, err := f.campaign.Retry(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, campaign.StatusRunning, retried.Status)
	assert.Equal(t, 1, retried.Totals.Pending)
	assert.Equal(t, 1, retried.Totals.Total, "the superseded job is not counted")
	assert.Zero(t, retried.Totals.Failed)

	_, n, err = f.campaign.Retry(ctx, c.ID)
	require.NoError(t, err)
	assert.Zero(t, n, "a failed job is retried only once")

	claimed, err := f.jobs.Claim(ctx, "w")
	require.NoError(t, err)
	j := claimed.MustGet()
	_, err = f.jobs.Start(ctx, j.ID, j.Lease.Token)
	require.NoError(t, err)
	_, err = f.jobs.ReportSuccess(ctx, j.ID, j.Lease.Token, job.SuccessReport{PlacedURL: "https://a.example.com/#c"})
	require.NoError(t, err)

	done, err := f.campaign.Recompute(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, campaign.StatusCompleted, done.Status)
	assert.Equal(t, 1, done.Totals.Total)
	assert.Equal(t, 1, done.Totals.Success)
	assert.Zero(t, done.Totals.Failed)
	assert.Zero(t, done.Totals.FailureRate)
}

// failingQueue は Enqueue だけを失敗させる
type failingQueue struct {
	*job.LeaseManager
	err error
}

func (q *failingQueue) Enqueue(context.Context, []job.NewJob) ([]*job.Job, error) {
	return nil, q.err
}

func TestService_QueueRollsBackWhenEnqueueFails(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	fake := clock.NewFake(time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC))
	jobs := job.NewLeaseManager(store, job.WithClock(fake), job.WithLogger(logger))
	queue := &failingQueue{LeaseManager: jobs, err: errors.New("database is down")}
	svc := campaign.NewService(store, queue, campaign.WithServiceClock(fake), campaign.WithServiceLogger(logger))

	c, err := svc.Create(ctx, campaign.CreateParams{UserID: uuid.New(), DomainID: uuid.New(), Name: "flaky"})
	require.NoError(t, err)
	_, err = svc.AddTargets(ctx, c.ID, []campaign.TargetInput{{URL: "https://a.example.com"}})
	require.NoError(t, err)

	_, err = svc.Queue(ctx, c.ID)
	require.ErrorIs(t, err, queue.err)

	got, err := svc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, campaign.StatusDraft, got.Status)

	svc = campaign.NewService(store, jobs, campaign.WithServiceClock(fake), campaign.WithServiceLogger(logger))
	queued, err := svc.Queue(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, campaign.StatusQueued, queued.Status)
	assert.Equal(t, 1, queued.Totals.Total)
}

func TestService_EnforceSchedule(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	windowed := f.create(t, campaign.Rules{Schedule: &campaign.Schedule{StartHour: 9, EndHour: 17}})
	manual := f.create(t, campaign.Rules{Schedule: &campaign.Schedule{StartHour: 9, EndHour: 17}})
	always := f.create(t, campaign.Rules{})

	for _, c := range []*campaign.Campaign{windowed, manual, always} {
		_, err := f.campaign.Queue(ctx, c.ID)
		require.NoError(t, err)
		_, err = f.campaign.Start(ctx, c.ID)
		require.NoError(t, err)
	}
	_, err := f.campaign.Pause(ctx, manual.ID, campaign.PausedManual)
	require.NoError(t, err)

	night := time.Date(2026, 6, 1, 20, 0, 0, 0, time.UTC)
	paused, resumed, err := f.campaign.EnforceSchedule(ctx, night)
	require.NoError(t, err)
	assert.Equal(t, 1, paused)
	assert.Zero(t, resumed)

	got, err := f.campaign.Get(ctx, windowed.ID)
	require.NoError(t, err)
	assert.Equal(t, campaign.StatusPaused, got.Status)
	assert.Equal(t, campaign.PausedSchedule, *got.PausedReason)

	morning := time.Date(2026, 6, 2, 9, 0, 0, 0, time.UTC)
	paused, resumed, err = f.campaign.EnforceSchedule(ctx, morning)
	require.NoError(t, err)
	assert.Zero(t, paused)
	assert.Equal(t, 1, resumed)

	got, err = f.campaign.Get(ctx, manual.ID)
	require.NoError(t, err)
	assert.Equal(t, campaign.StatusPaused, got.Status, "manual pauses are left alone")

	got, err = f.campaign.Get(ctx, always.ID)
	require.NoError(t, err)
	assert.Equal(t, campaign.StatusRunning, got.Status)
}

func TestService_MatchProfile(t *testing.T) {
	f := newFixture()
	limit := 5
	c := f.create(t, campaign.Rules{DailyLimit: &limit})

	profile, err := f.campaign.MatchProfile(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.ID, profile.ID)
	assert.True(t, profile.HasCategory())
	assert.Equal(t, 5, *profile.DailyLimit)
	assert.Equal(t, "pro", profile.Plan.Name)

	_, err = f.campaign.MatchProfile(context.Background(), uuid.New())
	assert.ErrorIs(t, err, campaign.ErrNotFound)
}
