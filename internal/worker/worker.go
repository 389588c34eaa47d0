// Package worker はジョブを取得してプレースメントを実行するプル型のワーカーを提供する。
// ワーカーはリトライを自分で行わず、失敗は分類してリースマネージャーに報告する。
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/samber/mo"

	"github.com/jinford/linkforge/internal/core/account"
	"github.com/jinford/linkforge/internal/core/job"
	"github.com/jinford/linkforge/internal/core/ledger"
	"github.com/jinford/linkforge/internal/core/opportunity"
	"github.com/jinford/linkforge/internal/core/proxy"
	"github.com/jinford/linkforge/internal/platform/clock"
)

// DefaultPlacementTimeout は 1 回のプレースメントの既定の制限時間
const DefaultPlacementTimeout = 5 * time.Minute

// Jobs はリースマネージャーのワーカー向け操作
type Jobs interface {
	Claim(ctx context.Context, workerID string) (mo.Option[*job.Job], error)
	Start(ctx context.Context, id uuid.UUID, token string) (*job.Job, error)
	Pin(ctx context.Context, id uuid.UUID, token string, opportunityID uuid.UUID) (*job.Job, error)
	ReportSuccess(ctx context.Context, id uuid.UUID, token string, report job.SuccessReport) (*job.Job, error)
	ReportFailure(ctx context.Context, id uuid.UUID, token string, report job.FailureReport) (*job.Job, error)
}

// Matcher は候補サイトの選定
type Matcher interface {
	MatchForCampaign(ctx context.Context, req opportunity.MatchRequest) (*opportunity.MatchResult, error)
	Reserve(ctx context.Context, id uuid.UUID) error
	Recheck(ctx context.Context, campaignID, id uuid.UUID, siteType opportunity.SiteType) (*opportunity.Opportunity, bool, error)
}

// Proxies はプロキシプールの操作
type Proxies interface {
	Acquire(ctx context.Context, filter proxy.Filter) (*proxy.Proxy, error)
	MarkError(ctx context.Context, id uuid.UUID) (*proxy.Proxy, error)
}

// Accounts はサイトアカウントのライフサイクル操作
type Accounts interface {
	Find(ctx context.Context, userID uuid.UUID, domain string, campaignID uuid.UUID) (*account.SiteAccount, error)
	Register(ctx context.Context, params account.RegisterParams) (*account.SiteAccount, error)
	AwaitEmail(ctx context.Context, id uuid.UUID) (*account.SiteAccount, error)
	ConfirmEmail(ctx context.Context, id uuid.UUID) (*account.SiteAccount, error)
	MarkVerified(ctx context.Context, id uuid.UUID) (*account.SiteAccount, error)
	Credentials(ctx context.Context, id uuid.UUID) (*account.Credentials, error)
}

// CaptchaLedger は CAPTCHA 試行の台帳
type CaptchaLedger interface {
	Begin(ctx context.Context, jobID uuid.UUID, service string) (*ledger.Entry, error)
	Resolve(ctx context.Context, attemptID uuid.UUID, solved bool, cost *float64) (*ledger.Entry, error)
}

// Recorder はワーカーのメトリクス記録先
type Recorder interface {
	WorkerBusy(delta int)
	PlacementObserved(action job.Action, status job.Status, d time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) WorkerBusy(int) {}
func (nopRecorder) PlacementObserved(job.Action, job.Status, time.Duration) {}

// Dependencies はワーカーが必要とするサービス
type Dependencies struct {
	Jobs     Jobs
	Matcher  Matcher
	Proxies  Proxies
	Accounts Accounts
	Ledger   CaptchaLedger
	Placer   Placer
}

// Worker は 1 件ずつジョブを処理する。状態を持たないため複数 goroutine から共有できる。
type Worker struct {
	deps        Dependencies
	solver      CaptchaSolver
	provisioner AccountProvisioner
	timeout     time.Duration
	recorder    Recorder
	clock       clock.Clock
	logger      *slog.Logger
}

type options struct {
	solver      CaptchaSolver
	provisioner AccountProvisioner
	timeout     time.Duration
	recorder    Recorder
	clock       clock.Clock
	logger      *slog.Logger
}

// Option は Worker 構築時のオプション
type Option func(*options)

// WithCaptchaSolver は CAPTCHA 解決サービスを設定する
func WithCaptchaSolver(s CaptchaSolver) Option {
	return func(o *options) { o.solver = s }
}

// WithProvisioner はアカウント登録を行うコンポーネントを設定する
func WithProvisioner(p AccountProvisioner) Option {
	return func(o *options) { o.provisioner = p }
}

// WithPlacementTimeout はプレースメントの制限時間を設定する
func WithPlacementTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithRecorder はメトリクス記録先を設定する
func WithRecorder(r Recorder) Option {
	return func(o *options) { o.recorder = r }
}

// WithClock は時計を差し替える
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger はロガーを設定する
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// New は Worker を作成する
func New(deps Dependencies, opts ...Option) *Worker {
	o := options{
		timeout:  DefaultPlacementTimeout,
		recorder: nopRecorder{},
		clock:    clock.Real(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Worker{
		deps:        deps,
		solver:      o.solver,
		provisioner: o.provisioner,
		timeout:     o.timeout,
		recorder:    o.recorder,
		clock:       o.clock,
		logger:      o.logger,
	}
}

// RunOnce はジョブを 1 件取得して処理する。取得できなければ false を返す。
// 親コンテキストがキャンセルされた場合は報告せず、リースは TTL で回収される。
func (w *Worker) RunOnce(ctx context.Context, workerID string) (bool, error) {
	claimed, err := w.deps.Jobs.Claim(ctx, workerID)
	if err != nil {
		return false, err
	}
	j, ok := claimed.Get()
	if !ok {
		return false, nil
	}

	w.recorder.WorkerBusy(1)
	defer w.recorder.WorkerBusy(-1)

	began := w.clock.Now()
	status, err := w.process(ctx, j)
	if status != "" {
		w.recorder.PlacementObserved(j.Action, status, w.clock.Now().Sub(began))
	}
	return true, err
}

// attempt は 1 回の処理で失敗報告に載せる情報
type attempt struct {
	job     *job.Job
	token   string
	logger  *slog.Logger
	proxyID *uuid.UUID
	// captchaRecorded はこの試行で CAPTCHA 解決を台帳に記録したか
	captchaRecorded atomic.Bool
}

func (w *Worker) process(ctx context.Context, claimed *job.Job) (job.Status, error) {
	logger := w.logger.With("job_id", claimed.ID, "worker_id", claimed.Lease.WorkerID)
	token := claimed.Lease.Token

	j, err := w.deps.Jobs.Start(ctx, claimed.ID, token)
	if err != nil {
		if errors.Is(err, job.ErrStaleLease) {
			logger.Warn("lease lost before start")
			return "", nil
		}
		return "", err
	}
	a := &attempt{job: j, token: token, logger: logger}

	site, err := w.resolveOpportunity(ctx, a)
	if err != nil {
		return w.fail(ctx, a, err)
	}

	px, err := w.deps.Proxies.Acquire(ctx, proxyFilter(j))
	if err != nil {
		return w.fail(ctx, a, err)
	}
	a.proxyID = &px.ID

	creds, err := w.ensureAccount(ctx, j, site, px)
	if err != nil {
		return w.fail(ctx, a, err)
	}

	placeCtx, cancel := context.WithTimeout(ctx, w.timeout)
	result, err := w.deps.Placer.Place(placeCtx, PlacementRequest{
		Job:          j,
		Opportunity:  site,
		Proxy:        px,
		Credentials:  creds,
		SolveCaptcha: w.captchaFunc(a),
	})
	cancel()
	if err != nil {
		return w.fail(ctx, a, err)
	}
	if result == nil {
		result = &PlacementResult{}
	}

	done, err := w.deps.Jobs.ReportSuccess(ctx, j.ID, token, job.SuccessReport{
		PlacedURL: result.PlacedURL,
		Result:    result.Result,
	})
	if err != nil {
		if errors.Is(err, job.ErrStaleLease) {
			logger.Warn("success report rejected, lease was lost")
			return "", nil
		}
		return "", err
	}
	return done.Status, nil
}

// fail はエラーを分類して報告する。報告後のジョブ状態を返す。
func (w *Worker) fail(ctx context.Context, a *attempt, cause error) (job.Status, error) {
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if errors.Is(cause, job.ErrStaleLease) {
		a.logger.Warn("lease lost during placement", "error", cause)
		return "", nil
	}

	code, message := Classify(cause)
	if a.proxyID != nil && blamesProxy(code) {
		if _, err := w.deps.Proxies.MarkError(ctx, *a.proxyID); err != nil {
			a.logger.Error("failed to record proxy error", "proxy_id", *a.proxyID, "error", err)
		}
	}

	updated, err := w.deps.Jobs.ReportFailure(ctx, a.job.ID, a.token, job.FailureReport{
		Code:            code,
		Message:         message,
		ProxyID:         a.proxyID,
		Fatal:           isFatal(cause),
		CaptchaRecorded: a.captchaRecorded.Load(),
	})
	if err != nil {
		if errors.Is(err, job.ErrStaleLease) {
			a.logger.Warn("failure report rejected, lease was lost", "code", code)
			return "", nil
		}
		return "", err
	}
	a.logger.Info("placement failed", "code", code, "status", updated.Status)
	return updated.Status, nil
}

// resolveOpportunity は確定済みの候補サイトを再判定し、条件を満たさなくなっていれば選び直す
func (w *Worker) resolveOpportunity(ctx context.Context, a *attempt) (*opportunity.Opportunity, error) {
	j := a.job
	siteType := siteTypeFor(j.Action)
	if j.OpportunityID != nil {
		site, ok, err := w.deps.Matcher.Recheck(ctx, j.CampaignID, *j.OpportunityID, siteType)
		if err != nil {
			return nil, fmt.Errorf("failed to recheck opportunity: %w", err)
		}
		if ok {
			return site, nil
		}
		a.logger.Info("pinned opportunity no longer eligible, matching again", "opportunity_id", *j.OpportunityID)
	}

	matched, err := w.deps.Matcher.MatchForCampaign(ctx, opportunity.MatchRequest{
		CampaignID: j.CampaignID,
		Count:      1,
		SiteType:   siteType,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to match opportunity: %w", err)
	}
	if len(matched.Opportunities) == 0 {
		return nil, NewPlacementError(job.ErrorUnknown, "no matching opportunity")
	}

	site := matched.Opportunities[0]
	if _, err := w.deps.Jobs.Pin(ctx, j.ID, a.token, site.ID); err != nil {
		return nil, err
	}
	if err := w.deps.Matcher.Reserve(ctx, site.ID); err != nil {
		a.logger.Warn("failed to reserve opportunity", "opportunity_id", site.ID, "error", err)
	}
	return site, nil
}

func (w *Worker) ensureAccount(ctx context.Context, j *job.Job, site *opportunity.Opportunity, px *proxy.Proxy) (*account.Credentials, error) {
	if !j.RequiresAccount {
		return nil, nil
	}

	a, err := w.deps.Accounts.Find(ctx, j.UserID, site.Domain, j.CampaignID)
	switch {
	case errors.Is(err, account.ErrNotFound):
		a, err = w.provision(ctx, j, site, px)
		if err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	}

	if a.Status == account.StatusWaitingEmail {
		if w.provisioner == nil {
			return nil, NewPlacementError(job.ErrorEmailVerificationRequired, "waiting for email verification")
		}
		found, err := w.provisioner.CheckEmail(ctx, a)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, NewPlacementError(job.ErrorEmailVerificationRequired, "waiting for email verification")
		}
		if a, err = w.deps.Accounts.ConfirmEmail(ctx, a.ID); err != nil {
			return nil, err
		}
	}

	if a.Status != account.StatusVerified {
		return nil, NewPlacementError(job.ErrorLoginRequired, fmt.Sprintf("site account is %s: %s", a.Status, a.FailureReason))
	}
	return w.deps.Accounts.Credentials(ctx, a.ID)
}

func (w *Worker) provision(ctx context.Context, j *job.Job, site *opportunity.Opportunity, px *proxy.Proxy) (*account.SiteAccount, error) {
	if w.provisioner == nil {
		return nil, NewPlacementError(job.ErrorLoginRequired, "no site account and no provisioner configured")
	}
	reg, err := w.provisioner.Register(ctx, site, px)
	if err != nil {
		return nil, err
	}

	a, err := w.deps.Accounts.Register(ctx, account.RegisterParams{
		UserID:     j.UserID,
		CampaignID: j.CampaignID,
		SiteDomain: site.Domain,
		Username:   reg.Username,
		Email:      reg.Email,
		Password:   reg.Password,
	})
	if err != nil {
		return nil, err
	}
	if reg.EmailVerification {
		return w.deps.Accounts.AwaitEmail(ctx, a.ID)
	}
	return w.deps.Accounts.MarkVerified(ctx, a.ID)
}

// captchaFunc は台帳に積まれた解決リクエストを引き継いで解決を試みる
func (w *Worker) captchaFunc(a *attempt) func(context.Context, CaptchaChallenge) (string, error) {
	return func(ctx context.Context, challenge CaptchaChallenge) (string, error) {
		if w.solver == nil || w.deps.Ledger == nil {
			return "", NewPlacementError(job.ErrorCaptcha, "captcha solver is not configured")
		}

		entry, err := w.deps.Ledger.Begin(ctx, a.job.ID, w.solver.Service())
		if err != nil {
			return "", fmt.Errorf("failed to begin captcha attempt: %w", err)
		}
		a.captchaRecorded.Store(true)

		solution, solveErr := w.solver.Solve(ctx, challenge)
		if solveErr == nil && (solution == nil || solution.Token == "") {
			solveErr = errors.New("empty captcha solution")
		}
		var cost *float64
		if solution != nil {
			cost = solution.Cost
		}
		if _, err := w.deps.Ledger.Resolve(ctx, entry.AttemptID, solveErr == nil, cost); err != nil {
			a.logger.Error("failed to resolve captcha attempt", "attempt_id", entry.AttemptID, "error", err)
		}
		if solveErr != nil {
			return "", &PlacementError{Code: job.ErrorCaptcha, Message: "captcha solve failed", Err: solveErr}
		}
		return solution.Token, nil
	}
}

// proxyFilter は次回試行へのヒントからプロキシの選択条件を作る
func proxyFilter(j *job.Job) proxy.Filter {
	var f proxy.Filter
	if j.RotateProxy && j.LastProxyID != nil {
		f.Exclude = []uuid.UUID{*j.LastProxyID}
	}
	return f
}
