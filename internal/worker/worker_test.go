package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/linkforge/internal/core/account"
	"github.com/jinford/linkforge/internal/core/campaign"
	"github.com/jinford/linkforge/internal/core/job"
	"github.com/jinford/linkforge/internal/core/ledger"
	"github.com/jinford/linkforge/internal/core/opportunity"
	"github.com/jinford/linkforge/internal/core/proxy"
	"github.com/jinford/linkforge/internal/infra/memory"
	"github.com/jinford/linkforge/internal/platform/clock"
)

var technology = uuid.New()

func intPtr(v int) *int { return &v }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// placeFunc は関数を Placer として扱う
type placeFunc func(ctx context.Context, req PlacementRequest) (*PlacementResult, error)

func (f placeFunc) Place(ctx context.Context, req PlacementRequest) (*PlacementResult, error) {
	return f(ctx, req)
}

type stubSolver struct {
	token string
	cost  *float64
	err   error
}

func (s *stubSolver) Service() string { return "2captcha" }

func (s *stubSolver) Solve(context.Context, CaptchaChallenge) (*CaptchaSolution, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &CaptchaSolution{Token: s.token, Cost: s.cost}, nil
}

type stubProvisioner struct {
	registration *Registration
	emailFound   bool
	registered   int
}

func (p *stubProvisioner) Register(context.Context, *opportunity.Opportunity, *proxy.Proxy) (*Registration, error) {
	p.registered++
	return p.registration, nil
}

func (p *stubProvisioner) CheckEmail(context.Context, *account.SiteAccount) (bool, error) {
	return p.emailFound, nil
}

type stubRecorder struct {
	mu       sync.Mutex
	busy     int
	observed []job.Status
}

func (r *stubRecorder) WorkerBusy(delta int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.busy += delta
}

func (r *stubRecorder) PlacementObserved(_ job.Action, status job.Status, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observed = append(r.observed, status)
}

type fixture struct {
	store     *memory.Store
	clock     *clock.Fake
	jobs      *job.LeaseManager
	campaigns *campaign.Service
	opps      *opportunity.Service
	proxies   *proxy.Pool
	accounts  *account.Service
	ledger    *ledger.Service
	recorder  *stubRecorder

	campaign *campaign.Campaign
	site     *opportunity.Opportunity
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	fake := clock.NewFake(time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC))
	logger := testLogger()

	f := &fixture{store: store, clock: fake, recorder: &stubRecorder{}}
	f.ledger = ledger.NewService(store, ledger.WithServiceClock(fake), ledger.WithServiceLogger(logger))
	f.jobs = job.NewLeaseManager(store, job.WithClock(fake), job.WithLogger(logger), job.WithCaptchaQueue(f.ledger))
	f.campaigns = campaign.NewService(store, f.jobs, campaign.WithServiceClock(fake), campaign.WithServiceLogger(logger))
	f.opps = opportunity.NewService(store, f.campaigns, opportunity.WithServiceClock(fake), opportunity.WithServiceLogger(logger))
	f.proxies = proxy.NewPool(store, proxy.WithPoolClock(fake), proxy.WithPoolLogger(logger))
	f.accounts = account.NewService(store, account.WithServiceClock(fake), account.WithServiceLogger(logger))

	site, err := f.opps.Upsert(ctx, &opportunity.Opportunity{
		URL:         "https://blog.example.com/post",
		Domain:      "blog.example.com",
		PA:          intPtr(40),
		DA:          intPtr(50),
		SiteType:    opportunity.SiteTypeBlog,
		Status:      opportunity.StatusActive,
		CategoryIDs: []uuid.UUID{technology},
	})
	require.NoError(t, err)
	f.site = site

	c, err := f.campaigns.Create(ctx, campaign.CreateParams{
		UserID:   uuid.New(),
		DomainID: uuid.New(),
		Name:     "worker test",
		Rules: campaign.Rules{
			AllowedActions: []job.Action{job.ActionComment},
			CategoryID:     &technology,
		},
		Plan: opportunity.PlanLimits{
			Name:             "pro",
			MaxPA:            100,
			MaxDA:            100,
			AllowedSiteTypes: []opportunity.SiteType{opportunity.SiteTypeBlog},
		},
	})
	require.NoError(t, err)
	f.campaign = c
	return f
}

func (f *fixture) addProxy(t *testing.T, host string) *proxy.Proxy {
	t.Helper()
	px, err := f.proxies.Add(context.Background(), proxy.AddParams{Host: host, Port: 3128, Type: proxy.TypeHTTP})
	require.NoError(t, err)
	return px
}

// queue はターゲットを n 件追加してキャンペーンを開始する
func (f *fixture) queue(t *testing.T, n int) {
	t.Helper()
	ctx := context.Background()
	inputs := make([]campaign.TargetInput, n)
	for i := range inputs {
		inputs[i] = campaign.TargetInput{
			URL:        fmt.Sprintf("https://customer.example.com/page-%d", i),
			AnchorText: "customer",
			LinkURL:    "https://customer.example.com",
		}
	}
	_, err := f.campaigns.AddTargets(ctx, f.campaign.ID, inputs)
	require.NoError(t, err)
	_, err = f.campaigns.Queue(ctx, f.campaign.ID)
	require.NoError(t, err)
	_, err = f.campaigns.Start(ctx, f.campaign.ID)
	require.NoError(t, err)
}

func (f *fixture) worker(placer Placer, opts ...Option) *Worker {
	opts = append([]Option{WithClock(f.clock), WithLogger(testLogger()), WithRecorder(f.recorder)}, opts...)
	return New(Dependencies{
		Jobs:     f.jobs,
		Matcher:  f.opps,
		Proxies:  f.proxies,
		Accounts: f.accounts,
		Ledger:   f.ledger,
		Placer:   placer,
	}, opts...)
}

func (f *fixture) onlyJob(t *testing.T) *job.Job {
	t.Helper()
	list, err := f.jobs.List(context.Background(), job.Filter{CampaignID: &f.campaign.ID})
	require.NoError(t, err)
	require.Len(t, list, 1)
	return list[0]
}

func succeed(placed string) placeFunc {
	return func(context.Context, PlacementRequest) (*PlacementResult, error) {
		return &PlacementResult{PlacedURL: placed, Result: json.RawMessage(`{"ok":true}`)}, nil
	}
}

func failWith(code job.ErrorCode) placeFunc {
	return func(context.Context, PlacementRequest) (*PlacementResult, error) {
		return nil, NewPlacementError(code, "placement failed")
	}
}

func TestWorker_RunOnce_NoJob(t *testing.T) {
	f := newFixture(t)
	w := f.worker(succeed("unused"))

	worked, err := w.RunOnce(context.Background(), "w-1")
	require.NoError(t, err)
	assert.False(t, worked)
	assert.Empty(t, f.recorder.observed)
}

func TestWorker_RunOnce_Success(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	px := f.addProxy(t, "10.0.0.1")
	f.queue(t, 1)

	var got PlacementRequest
	w := f.worker(placeFunc(func(_ context.Context, req PlacementRequest) (*PlacementResult, error) {
		got = req
		return &PlacementResult{PlacedURL: "https://blog.example.com/post#comment-9"}, nil
	}))

	worked, err := w.RunOnce(ctx, "w-1")
	require.NoError(t, err)
	assert.True(t, worked)

	require.NotNil(t, got.Opportunity)
	assert.Equal(t, f.site.ID, got.Opportunity.ID)
	assert.Equal(t, px.ID, got.Proxy.ID)
	assert.Nil(t, got.Credentials)

	j := f.onlyJob(t)
	assert.Equal(t, job.StatusSuccess, j.Status)
	require.NotNil(t, j.OpportunityID)
	assert.Equal(t, f.site.ID, *j.OpportunityID)

	backlinks, err := f.jobs.Backlinks(ctx, f.campaign.ID)
	require.NoError(t, err)
	require.Len(t, backlinks, 1)
	assert.Equal(t, "https://blog.example.com/post#comment-9", backlinks[0].PlacedURL)

	site, err := f.opps.Get(ctx, f.site.ID)
	require.NoError(t, err)
	assert.NotNil(t, site.LastUsedAt)

	assert.Equal(t, []job.Status{job.StatusSuccess}, f.recorder.observed)
	assert.Equal(t, 0, f.recorder.busy)
}

func TestWorker_RunOnce_RotatesProxyAfterBlock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addProxy(t, "10.0.0.1")
	f.addProxy(t, "10.0.0.2")
	f.queue(t, 1)

	var used []uuid.UUID
	attempt := 0
	w := f.worker(placeFunc(func(_ context.Context, req PlacementRequest) (*PlacementResult, error) {
		used = append(used, req.Proxy.ID)
		attempt++
		if attempt == 1 {
			return nil, NewPlacementError(job.ErrorBlockedByCloudflare, "cf challenge")
		}
		return &PlacementResult{PlacedURL: "https://blog.example.com/post#c"}, nil
	}))

	_, err := w.RunOnce(ctx, "w-1")
	require.NoError(t, err)

	j := f.onlyJob(t)
	assert.Equal(t, job.StatusQueued, j.Status)
	assert.True(t, j.RotateProxy)
	require.NotNil(t, j.LastProxyID)
	assert.Equal(t, used[0], *j.LastProxyID)

	blocked, err := f.store.GetProxy(ctx, used[0])
	require.NoError(t, err)
	assert.Equal(t, 1, blocked.MustGet().ErrorCount)

	// 再試行待ちの間は取得されない
	worked, err := w.RunOnce(ctx, "w-1")
	require.NoError(t, err)
	assert.False(t, worked)

	f.clock.Advance(2 * time.Minute)
	worked, err = w.RunOnce(ctx, "w-1")
	require.NoError(t, err)
	assert.True(t, worked)

	require.Len(t, used, 2)
	assert.NotEqual(t, used[0], used[1])
	assert.Equal(t, job.StatusSuccess, f.onlyJob(t).Status)
}

func TestWorker_RunOnce_TimeoutIsClassified(t *testing.T) {
	f := newFixture(t)
	f.addProxy(t, "10.0.0.1")
	f.queue(t, 1)

	w := f.worker(placeFunc(func(ctx context.Context, _ PlacementRequest) (*PlacementResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}), WithPlacementTimeout(10*time.Millisecond))

	worked, err := w.RunOnce(context.Background(), "w-1")
	require.NoError(t, err)
	assert.True(t, worked)

	j := f.onlyJob(t)
	assert.Equal(t, job.StatusQueued, j.Status)
	require.NotNil(t, j.LastErrorCode)
	assert.Equal(t, job.ErrorTimeout, *j.LastErrorCode)
	assert.Equal(t, 1, j.Attempts)
}

func TestWorker_RunOnce_FailsAfterMaxAttempts(t *testing.T) {
	f := newFixture(t)
	f.addProxy(t, "10.0.0.1")
	f.queue(t, 1)
	w := f.worker(failWith(job.ErrorFormSubmitFailed))

	for range job.DefaultMaxAttempts {
		worked, err := w.RunOnce(context.Background(), "w-1")
		require.NoError(t, err)
		require.True(t, worked)
	}

	j := f.onlyJob(t)
	assert.Equal(t, job.StatusFailed, j.Status)
	assert.Equal(t, job.DefaultMaxAttempts, j.Attempts)

	worked, err := w.RunOnce(context.Background(), "w-1")
	require.NoError(t, err)
	assert.False(t, worked)
}

func TestWorker_RunOnce_NoProxyReportsFailure(t *testing.T) {
	f := newFixture(t)
	f.queue(t, 1)
	called := false
	w := f.worker(placeFunc(func(context.Context, PlacementRequest) (*PlacementResult, error) {
		called = true
		return &PlacementResult{}, nil
	}))

	_, err := w.RunOnce(context.Background(), "w-1")
	require.NoError(t, err)
	assert.False(t, called)

	j := f.onlyJob(t)
	require.NotNil(t, j.LastErrorCode)
	assert.Equal(t, job.ErrorUnknown, *j.LastErrorCode)
	assert.Contains(t, j.LastErrorMessage, "no proxy")
}

func TestWorker_RunOnce_SolvesCaptchaThroughLedger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addProxy(t, "10.0.0.1")
	f.queue(t, 1)

	cost := 0.004
	w := f.worker(placeFunc(func(ctx context.Context, req PlacementRequest) (*PlacementResult, error) {
		token, err := req.SolveCaptcha(ctx, CaptchaChallenge{Kind: "recaptcha", PageURL: req.Opportunity.URL})
		if err != nil {
			return nil, err
		}
		return &PlacementResult{PlacedURL: req.Opportunity.URL + "#" + token}, nil
	}), WithCaptchaSolver(&stubSolver{token: "tok", cost: &cost}))

	_, err := w.RunOnce(ctx, "w-1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusSuccess, f.onlyJob(t).Status)

	now := f.clock.Now()
	entries, err := f.store.ListEntries(ctx, now.Add(-time.Hour), now.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, entries[0].AttemptID, entries[1].AttemptID)

	summary, err := f.ledger.Summarize(ctx, ledger.Daily(now))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Solved)
	assert.InDelta(t, 0.004, summary.TotalCost, 1e-9)
}

func TestWorker_RunOnce_CaptchaWithoutSolverIsReported(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addProxy(t, "10.0.0.1")
	f.queue(t, 1)

	w := f.worker(placeFunc(func(ctx context.Context, req PlacementRequest) (*PlacementResult, error) {
		_, err := req.SolveCaptcha(ctx, CaptchaChallenge{Kind: "hcaptcha"})
		return nil, err
	}))

	_, err := w.RunOnce(ctx, "w-1")
	require.NoError(t, err)

	j := f.onlyJob(t)
	require.NotNil(t, j.LastErrorCode)
	assert.Equal(t, job.ErrorCaptcha, *j.LastErrorCode)

	// CAPTCHA 失敗時はリースマネージャーが解決リクエストを台帳に積む
	now := f.clock.Now()
	entries, err := f.store.ListEntries(ctx, now.Add(-time.Hour), now.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.StatusPending, entries[0].Status)
}

func TestWorker_RunOnce_RoutesThroughAccountLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addProxy(t, "10.0.0.1")
	f.queue(t, 1)

	provisioner := &stubProvisioner{registration: &Registration{Username: "writer", Email: "w@example.com", Password: "s3cret"}}
	var creds *account.Credentials
	attempt := 0
	w := f.worker(placeFunc(func(_ context.Context, req PlacementRequest) (*PlacementResult, error) {
		attempt++
		if attempt == 1 {
			return nil, NewPlacementError(job.ErrorLoginRequired, "login wall")
		}
		creds = req.Credentials
		return &PlacementResult{PlacedURL: "https://blog.example.com/post#c"}, nil
	}), WithProvisioner(provisioner))

	_, err := w.RunOnce(ctx, "w-1")
	require.NoError(t, err)
	assert.True(t, f.onlyJob(t).RequiresAccount)

	f.clock.Advance(5 * time.Minute)
	_, err = w.RunOnce(ctx, "w-1")
	require.NoError(t, err)

	assert.Equal(t, job.StatusSuccess, f.onlyJob(t).Status)
	require.NotNil(t, creds)
	assert.Equal(t, "writer", creds.Username)
	assert.Equal(t, "s3cret", creds.Password)
	assert.Equal(t, 1, provisioner.registered)

	a, err := f.accounts.Find(ctx, f.campaign.UserID, f.site.Domain, f.campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, account.StatusVerified, a.Status)
}

func TestWorker_RunOnce_WaitsForEmailVerification(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addProxy(t, "10.0.0.1")
	f.queue(t, 1)

	provisioner := &stubProvisioner{registration: &Registration{Username: "writer", Email: "w@example.com", Password: "pw", EmailVerification: true}}
	attempt := 0
	w := f.worker(placeFunc(func(context.Context, PlacementRequest) (*PlacementResult, error) {
		attempt++
		if attempt == 1 {
			return nil, NewPlacementError(job.ErrorLoginRequired, "login wall")
		}
		return &PlacementResult{PlacedURL: "https://blog.example.com/post#c"}, nil
	}), WithProvisioner(provisioner))

	_, err := w.RunOnce(ctx, "w-1")
	require.NoError(t, err)

	f.clock.Advance(5 * time.Minute)
	_, err = w.RunOnce(ctx, "w-1")
	require.NoError(t, err)

	j := f.onlyJob(t)
	require.NotNil(t, j.LastErrorCode)
	assert.Equal(t, job.ErrorEmailVerificationRequired, *j.LastErrorCode)
	a, err := f.accounts.Find(ctx, f.campaign.UserID, f.site.Domain, f.campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, account.StatusWaitingEmail, a.Status)

	provisioner.emailFound = true
	f.clock.Advance(10 * time.Minute)
	_, err = w.RunOnce(ctx, "w-1")
	require.NoError(t, err)

	assert.Equal(t, job.StatusSuccess, f.onlyJob(t).Status)
	assert.Equal(t, 1, provisioner.registered)
}

func TestWorker_RunOnce_CancelledJobRejectsLateReport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addProxy(t, "10.0.0.1")
	f.queue(t, 1)

	w := f.worker(placeFunc(func(ctx context.Context, req PlacementRequest) (*PlacementResult, error) {
		_, err := f.jobs.Cancel(ctx, req.Job.ID)
		require.NoError(t, err)
		return &PlacementResult{PlacedURL: "https://late.example.com"}, nil
	}))

	worked, err := w.RunOnce(ctx, "w-1")
	require.NoError(t, err)
	assert.True(t, worked)

	assert.Equal(t, job.StatusSkipped, f.onlyJob(t).Status)
	backlinks, err := f.jobs.Backlinks(ctx, f.campaign.ID)
	require.NoError(t, err)
	assert.Empty(t, backlinks)
}

func TestWorker_RunOnce_ShutdownLeavesLease(t *testing.T) {
	f := newFixture(t)
	f.addProxy(t, "10.0.0.1")
	f.queue(t, 1)

	ctx, cancel := context.WithCancel(context.Background())
	w := f.worker(placeFunc(func(context.Context, PlacementRequest) (*PlacementResult, error) {
		cancel()
		return nil, context.Canceled
	}))

	worked, err := w.RunOnce(ctx, "w-1")
	assert.True(t, worked)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, job.StatusRunning, f.onlyJob(t).Status)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		code    job.ErrorCode
		message string
	}{
		{
			name:    "placement error",
			err:     NewPlacementError(job.ErrorRateLimit, "429"),
			code:    job.ErrorRateLimit,
			message: "429",
		},
		{
			name:    "wrapped placement error",
			err:     fmt.Errorf("outer: %w", NewPlacementError(job.ErrorElementNotFound, "#comment missing")),
			code:    job.ErrorElementNotFound,
			message: "#comment missing",
		},
		{
			name:    "unknown code in placement error",
			err:     NewPlacementError("SOMETHING_NEW", "x"),
			code:    job.ErrorUnknown,
			message: "x",
		},
		{
			name:    "message falls back to cause",
			err:     &PlacementError{Code: job.ErrorCaptcha, Err: errors.New("solver down")},
			code:    job.ErrorCaptcha,
			message: "solver down",
		},
		{
			name:    "deadline",
			err:     fmt.Errorf("navigate: %w", context.DeadlineExceeded),
			code:    job.ErrorTimeout,
			message: "navigate: context deadline exceeded",
		},
		{
			name:    "plain error",
			err:     errors.New("boom"),
			code:    job.ErrorUnknown,
			message: "boom",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, message := Classify(tt.err)
			assert.Equal(t, tt.code, code)
			assert.Equal(t, tt.message, message)
		})
	}
}

func TestSiteTypeFor(t *testing.T) {
	assert.Equal(t, opportunity.SiteTypeBlog, siteTypeFor(job.ActionComment))
	assert.Equal(t, opportunity.SiteTypeProfile, siteTypeFor(job.ActionProfile))
	assert.Equal(t, opportunity.SiteTypeForum, siteTypeFor(job.ActionForum))
	assert.Equal(t, opportunity.SiteTypeGuestPost, siteTypeFor(job.ActionGuest))
}

func TestWorker_RunOnce_RematchesWhenPinnedSiteIsBanned(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addProxy(t, "10.0.0.1")
	f.queue(t, 1)

	var sites []uuid.UUID
	w := f.worker(placeFunc(func(_ context.Context, req PlacementRequest) (*PlacementResult, error) {
		sites = append(sites, req.Opportunity.ID)
		if len(sites) == 1 {
			return nil, NewPlacementError(job.ErrorElementNotFound, "comment form missing")
		}
		return &PlacementResult{PlacedURL: req.Opportunity.URL + "#c"}, nil
	}))

	_, err := w.RunOnce(ctx, "w-1")
	require.NoError(t, err)
	require.Equal(t, f.site.ID, *f.onlyJob(t).OpportunityID)

	_, err = f.opps.SetStatus(ctx, f.site.ID, opportunity.StatusBanned)
	require.NoError(t, err)
	replacement, err := f.opps.Upsert(ctx, &opportunity.Opportunity{
		URL:         "https://other.example.com/post",
		Domain:      "other.example.com",
		PA:          intPtr(30),
		DA:          intPtr(35),
		SiteType:    opportunity.SiteTypeBlog,
		CategoryIDs: []uuid.UUID{technology},
	})
	require.NoError(t, err)

	_, err = w.RunOnce(ctx, "w-1")
	require.NoError(t, err)

	require.Len(t, sites, 2)
	assert.Equal(t, replacement.ID, sites[1])
	j := f.onlyJob(t)
	assert.Equal(t, job.StatusSuccess, j.Status)
	assert.Equal(t, replacement.ID, *j.OpportunityID)
}

func TestWorker_RunOnce_RetryHonoursDailySiteLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addProxy(t, "10.0.0.1")

	limited := *f.site
	limited.DailySiteLimit = intPtr(1)
	_, err := f.opps.Upsert(ctx, &limited)
	require.NoError(t, err)
	f.queue(t, 2)

	var sites []uuid.UUID
	w := f.worker(placeFunc(func(_ context.Context, req PlacementRequest) (*PlacementResult, error) {
		sites = append(sites, req.Opportunity.ID)
		if len(sites) == 1 {
			return nil, NewPlacementError(job.ErrorElementNotFound, "comment form missing")
		}
		return &PlacementResult{PlacedURL: req.Opportunity.URL + "#c"}, nil
	}))

	// 1 件目は失敗してサイトを確定したまま再キューされ、2 件目が同じサイトの上限を使い切る
	for range 2 {
		_, err := w.RunOnce(ctx, "w-1")
		require.NoError(t, err)
	}
	require.Equal(t, []uuid.UUID{f.site.ID, f.site.ID}, sites)

	replacement, err := f.opps.Upsert(ctx, &opportunity.Opportunity{
		URL:         "https://other.example.com/post",
		Domain:      "other.example.com",
		PA:          intPtr(30),
		DA:          intPtr(35),
		SiteType:    opportunity.SiteTypeBlog,
		CategoryIDs: []uuid.UUID{technology},
	})
	require.NoError(t, err)

	worked, err := w.RunOnce(ctx, "w-1")
	require.NoError(t, err)
	require.True(t, worked)
	require.Len(t, sites, 3)
	assert.Equal(t, replacement.ID, sites[2])

	counts, err := f.store.CountBacklinksSince(ctx, []uuid.UUID{f.site.ID}, clock.StartOfDay(f.clock.Now()))
	require.NoError(t, err)
	assert.Equal(t, 1, counts[f.site.ID])

	list, err := f.jobs.List(ctx, job.Filter{CampaignID: &f.campaign.ID})
	require.NoError(t, err)
	for _, j := range list {
		assert.Equal(t, job.StatusSuccess, j.Status)
	}
}

func TestWorker_RunOnce_MissingCategoryFailsWithoutRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addProxy(t, "10.0.0.1")

	c, err := f.campaigns.Create(ctx, campaign.CreateParams{
		UserID:   uuid.New(),
		DomainID: uuid.New(),
		Name:     "uncategorised",
		Plan:     f.campaign.Plan,
	})
	require.NoError(t, err)
	f.campaign = c
	f.queue(t, 1)

	w := f.worker(succeed("unused"))
	worked, err := w.RunOnce(ctx, "w-1")
	require.NoError(t, err)
	assert.True(t, worked)

	j := f.onlyJob(t)
	assert.Equal(t, job.StatusFailed, j.Status)
	assert.Equal(t, 1, j.Attempts)
	assert.Contains(t, j.LastErrorMessage, "category")

	worked, err = w.RunOnce(ctx, "w-1")
	require.NoError(t, err)
	assert.False(t, worked)
}

func TestWorker_RunOnce_FailedCaptchaSolveIsRecordedOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addProxy(t, "10.0.0.1")
	f.queue(t, 1)

	w := f.worker(placeFunc(func(ctx context.Context, req PlacementRequest) (*PlacementResult, error) {
		_, err := req.SolveCaptcha(ctx, CaptchaChallenge{Kind: "recaptcha"})
		return nil, err
	}), WithCaptchaSolver(&stubSolver{err: errors.New("unsolvable")}))

	_, err := w.RunOnce(ctx, "w-1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusQueued, f.onlyJob(t).Status)

	summary, err := f.ledger.Summarize(ctx, ledger.Daily(f.clock.Now()))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Attempts)
	assert.Equal(t, 1, summary.Failed)
	assert.Zero(t, summary.Pending)
}

func TestWorker_RunOnce_SolverTakesOverQueuedRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addProxy(t, "10.0.0.1")
	f.queue(t, 1)

	place := placeFunc(func(ctx context.Context, req PlacementRequest) (*PlacementResult, error) {
		token, err := req.SolveCaptcha(ctx, CaptchaChallenge{Kind: "hcaptcha"})
		if err != nil {
			return nil, err
		}
		return &PlacementResult{PlacedURL: req.Opportunity.URL + "#" + token}, nil
	})

	_, err := f.worker(place).RunOnce(ctx, "w-1")
	require.NoError(t, err)
	summary, err := f.ledger.Summarize(ctx, ledger.Daily(f.clock.Now()))
	require.NoError(t, err)
	require.Equal(t, 1, summary.Pending)

	f.clock.Advance(time.Minute)
	_, err = f.worker(place, WithCaptchaSolver(&stubSolver{token: "tok"})).RunOnce(ctx, "w-1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusSuccess, f.onlyJob(t).Status)

	summary, err = f.ledger.Summarize(ctx, ledger.Daily(f.clock.Now()))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Attempts)
	assert.Equal(t, 1, summary.Solved)
	assert.Zero(t, summary.Pending)
}
