package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/linkforge/internal/core/campaign"
	"github.com/jinford/linkforge/internal/core/job"
	"github.com/jinford/linkforge/internal/core/ledger"
	"github.com/jinford/linkforge/internal/core/opportunity"
	"github.com/jinford/linkforge/internal/core/proxy"
	"github.com/jinford/linkforge/internal/infra/memory"
	"github.com/jinford/linkforge/internal/platform/clock"
	"github.com/jinford/linkforge/internal/platform/config"
	"github.com/jinford/linkforge/internal/platform/metrics"
)

const adminToken = "s3cret"

var technology = uuid.New()

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

func intPtr(v int) *int { return &v }

type stubReloader struct {
	err   error
	calls int
}

func (r *stubReloader) Reload() (config.Settings, error) {
	r.calls++
	if r.err != nil {
		return config.Settings{}, r.err
	}
	return config.DefaultSettings(), nil
}

type fixture struct {
	router    *gin.Engine
	jobs      *job.LeaseManager
	campaigns *campaign.Service
	opps      *opportunity.Service
	proxies   *proxy.Pool
	ledger    *ledger.Service
	reloader  *stubReloader
	campaign  *campaign.Campaign
	site      *opportunity.Opportunity
}

func newFixture(t *testing.T, ping func(context.Context) error) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	fake := clock.NewFake(time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New(nil)

	f := &fixture{reloader: &stubReloader{}}
	f.ledger = ledger.NewService(store, ledger.WithServiceClock(fake), ledger.WithServiceLogger(logger))
	f.jobs = job.NewLeaseManager(store, job.WithClock(fake), job.WithLogger(logger), job.WithRecorder(m), job.WithCaptchaQueue(f.ledger))
	f.campaigns = campaign.NewService(store, f.jobs, campaign.WithServiceClock(fake), campaign.WithServiceLogger(logger))
	f.opps = opportunity.NewService(store, f.campaigns, opportunity.WithServiceClock(fake), opportunity.WithServiceLogger(logger))
	f.proxies = proxy.NewPool(store, proxy.WithPoolClock(fake), proxy.WithPoolLogger(logger), proxy.WithPoolRecorder(m))

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

	f.campaign = f.createCampaign(t, &technology)

	f.router = NewRouter(Services{
		Jobs:          f.jobs,
		Campaigns:     f.campaigns,
		Opportunities: f.opps,
		Proxies:       f.proxies,
		Ledger:        f.ledger,
		Settings:      f.reloader,
		Metrics:       m.Handler(),
		Ping:          ping,
	}, RouterOptions{AdminToken: adminToken, Logger: logger})
	return f
}

func (f *fixture) createCampaign(t *testing.T, category *uuid.UUID) *campaign.Campaign {
	t.Helper()
	c, err := f.campaigns.Create(context.Background(), campaign.CreateParams{
		UserID:   uuid.New(),
		DomainID: uuid.New(),
		Name:     "api test",
		Rules: campaign.Rules{
			AllowedActions: []job.Action{job.ActionComment},
			CategoryID:     category,
		},
		Plan: opportunity.PlanLimits{
			Name:             "pro",
			MaxPA:            100,
			MaxDA:            100,
			AllowedSiteTypes: []opportunity.SiteType{opportunity.SiteTypeBlog},
		},
	})
	require.NoError(t, err)
	return c
}

// queue はターゲットを 1 件追加してキャンペーンを running にする
func (f *fixture) queue(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	_, err := f.campaigns.AddTargets(ctx, f.campaign.ID, []campaign.TargetInput{{
		URL:        "https://customer.example.com/page",
		AnchorText: "customer",
		LinkURL:    "https://customer.example.com",
	}})
	require.NoError(t, err)
	_, err = f.campaigns.Queue(ctx, f.campaign.ID)
	require.NoError(t, err)
	_, err = f.campaigns.Start(ctx, f.campaign.ID)
	require.NoError(t, err)
}

func (f *fixture) do(t *testing.T, method, path string, body any, headers ...string) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 && json.Valid(rec.Body.Bytes()) {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec.Code, out
}

func (f *fixture) admin(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	return f.do(t, method, path, body, "Authorization", "Bearer "+adminToken)
}

// claim はジョブを 1 件リースして ID とトークンを返す
func (f *fixture) claim(t *testing.T) (string, string) {
	t.Helper()
	code, body := f.do(t, http.MethodPost, "/jobs/claim", gin.H{"worker_id": "w1"})
	require.Equal(t, http.StatusOK, code)
	claimed, ok := body["job"].(map[string]any)
	require.True(t, ok, "expected a job in %v", body)
	lease := claimed["lease"].(map[string]any)
	return claimed["id"].(string), lease["token"].(string)
}

func TestHealthz(t *testing.T) {
	tests := []struct {
		name       string
		ping       func(context.Context) error
		wantStatus int
	}{
		{name: "ping なし", wantStatus: http.StatusOK},
		{name: "疎通成功", ping: func(context.Context) error { return nil }, wantStatus: http.StatusOK},
		{name: "疎通失敗", ping: func(context.Context) error { return errors.New("down") }, wantStatus: http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.ping)
			code, _ := f.do(t, http.MethodGet, "/healthz", nil)
			assert.Equal(t, tt.wantStatus, code)
		})
	}
}

func TestForCampaign_ReturnsMatches(t *testing.T) {
	f := newFixture(t, nil)

	code, body := f.do(t, http.MethodGet, fmt.Sprintf("/opportunities/for-campaign/%s?count=5&site_type=blog", f.campaign.ID), nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["success"])

	opps := body["opportunities"].([]any)
	require.Len(t, opps, 1)
	first := opps[0].(map[string]any)
	assert.Equal(t, f.site.ID.String(), first["id"])
	assert.Equal(t, "blog", first["site_type"])
	assert.EqualValues(t, 40, first["pa"])
	assert.EqualValues(t, 50, first["da"])
	assert.Equal(t, []any{technology.String()}, first["categories"])

	assert.Equal(t, f.campaign.ID.String(), body["campaign"].(map[string]any)["id"])
	assert.Equal(t, "pro", body["plan_limits"].(map[string]any)["name"])
}

func TestForCampaign_Errors(t *testing.T) {
	f := newFixture(t, nil)
	uncategorized := f.createCampaign(t, nil)

	tests := []struct {
		name       string
		path       string
		wantStatus int
		wantError  string
	}{
		{
			name:       "カテゴリ未設定",
			path:       "/opportunities/for-campaign/" + uncategorized.ID.String(),
			wantStatus: http.StatusBadRequest,
			wantError:  "Campaign must have a category or subcategory selected",
		},
		{
			name:       "不正な ID",
			path:       "/opportunities/for-campaign/not-a-uuid",
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid campaignId",
		},
		{
			name:       "不正な count",
			path:       "/opportunities/for-campaign/" + f.campaign.ID.String() + "?count=abc",
			wantStatus: http.StatusBadRequest,
			wantError:  "count must be a non-negative integer",
		},
		{
			name:       "存在しないキャンペーン",
			path:       "/opportunities/for-campaign/" + uuid.NewString(),
			wantStatus: http.StatusNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := f.do(t, http.MethodGet, tt.path, nil)
			assert.Equal(t, tt.wantStatus, code)
			assert.Equal(t, false, body["success"])
			if tt.wantError != "" {
				assert.Equal(t, tt.wantError, body["error"])
			}
		})
	}
}

func TestJobs_ClaimStartReportSuccess(t *testing.T) {
	f := newFixture(t, nil)
	f.queue(t)

	id, token := f.claim(t)

	code, body := f.do(t, http.MethodPost, "/jobs/"+id+"/start", gin.H{"token": token})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "running", body["job"].(map[string]any)["status"])

	code, body = f.do(t, http.MethodPost, "/jobs/"+id+"/report", gin.H{
		"token":      token,
		"success":    true,
		"placed_url": "https://blog.example.com/post#comment-1",
		"result":     gin.H{"comment_id": 1},
	})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "success", body["job"].(map[string]any)["status"])

	backlinks, err := f.jobs.Backlinks(context.Background(), f.campaign.ID)
	require.NoError(t, err)
	require.Len(t, backlinks, 1)
	assert.Equal(t, "https://blog.example.com/post#comment-1", backlinks[0].PlacedURL)
}

func TestJobs_ClaimWithoutWork(t *testing.T) {
	f := newFixture(t, nil)

	code, body := f.do(t, http.MethodPost, "/jobs/claim", gin.H{"worker_id": "w1"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["success"])
	assert.Nil(t, body["job"])

	code, _ = f.do(t, http.MethodPost, "/jobs/claim", gin.H{})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestJobs_ReportFailureRequeues(t *testing.T) {
	f := newFixture(t, nil)
	f.queue(t)
	id, token := f.claim(t)
	code, _ := f.do(t, http.MethodPost, "/jobs/"+id+"/start", gin.H{"token": token})
	require.Equal(t, http.StatusOK, code)

	code, body := f.do(t, http.MethodPost, "/jobs/"+id+"/report", gin.H{"token": token, "success": false})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "error_code is required when success is false", body["error"])

	code, body = f.do(t, http.MethodPost, "/jobs/"+id+"/report", gin.H{
		"token":      token,
		"success":    false,
		"error_code": "RATE_LIMIT",
		"message":    "429 Too Many Requests",
	})
	require.Equal(t, http.StatusOK, code)
	reported := body["job"].(map[string]any)
	assert.Equal(t, "queued", reported["status"])
	assert.Equal(t, "RATE_LIMIT", reported["lastErrorCode"])
	assert.Equal(t, true, reported["rotateProxy"])
}

func TestJobs_StaleLeaseIsConflict(t *testing.T) {
	f := newFixture(t, nil)
	f.queue(t)
	id, token := f.claim(t)

	code, body := f.do(t, http.MethodPost, "/jobs/"+id+"/start", gin.H{"token": "other-token"})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, true, body["stale"])

	code, _ = f.do(t, http.MethodPost, "/jobs/"+id+"/start", gin.H{"token": token})
	require.Equal(t, http.StatusOK, code)

	code, _ = f.admin(t, http.MethodPost, "/admin/jobs/"+id+"/cancel", nil)
	require.Equal(t, http.StatusOK, code)

	code, body = f.do(t, http.MethodPost, "/jobs/"+id+"/report", gin.H{"token": token, "success": true})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, true, body["stale"])
}

func TestAdmin_RequiresToken(t *testing.T) {
	f := newFixture(t, nil)
	path := "/admin/campaigns/" + f.campaign.ID.String()

	code, _ := f.do(t, http.MethodGet, path, nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = f.do(t, http.MethodGet, path, nil, "Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = f.admin(t, http.MethodGet, path, nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestAdmin_CampaignLifecycle(t *testing.T) {
	f := newFixture(t, nil)
	f.queue(t)
	base := "/admin/campaigns/" + f.campaign.ID.String()

	code, body := f.admin(t, http.MethodPost, base+"/pause", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "paused", body["campaign"].(map[string]any)["status"])

	code, _ = f.do(t, http.MethodPost, "/jobs/claim", gin.H{"worker_id": "w1"})
	require.Equal(t, http.StatusOK, code)
	list, err := f.jobs.List(context.Background(), job.Filter{CampaignID: &f.campaign.ID})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, job.StatusQueued, list[0].Status)

	code, body = f.admin(t, http.MethodPost, base+"/resume", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "running", body["campaign"].(map[string]any)["status"])

	code, _ = f.admin(t, http.MethodPost, base+"/cancel", nil)
	require.Equal(t, http.StatusOK, code)

	code, body = f.admin(t, http.MethodPost, base+"/resume", nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, false, body["success"])
}

func TestAdmin_JobRetryAndDetail(t *testing.T) {
	f := newFixture(t, nil)
	f.queue(t)
	list, err := f.jobs.List(context.Background(), job.Filter{CampaignID: &f.campaign.ID})
	require.NoError(t, err)
	require.Len(t, list, 1)
	id := list[0].ID.String()

	code, _ := f.admin(t, http.MethodPost, "/admin/jobs/"+id+"/cancel", nil)
	require.Equal(t, http.StatusOK, code)

	code, body := f.admin(t, http.MethodPost, "/admin/jobs/"+id+"/retry", nil)
	require.Equal(t, http.StatusOK, code)
	retried := body["job"].(map[string]any)
	assert.NotEqual(t, id, retried["id"])
	assert.Equal(t, "queued", retried["status"])
	assert.Equal(t, id, retried["retryOf"])

	code, body = f.admin(t, http.MethodGet, "/admin/jobs/"+id, nil)
	require.Equal(t, http.StatusOK, code)
	assert.NotEmpty(t, body["logs"])

	code, _ = f.admin(t, http.MethodGet, "/admin/jobs/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestAdmin_ProxyReset(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	px, err := f.proxies.Add(ctx, proxy.AddParams{Host: "10.0.0.1", Port: 3128, Type: proxy.TypeHTTP})
	require.NoError(t, err)
	for range 3 {
		_, err = f.proxies.MarkError(ctx, px.ID)
		require.NoError(t, err)
	}

	code, body := f.admin(t, http.MethodPost, "/admin/proxies/"+px.ID.String()+"/reset", nil)
	require.Equal(t, http.StatusOK, code)
	reset := body["proxy"].(map[string]any)
	assert.Equal(t, "active", reset["status"])
	assert.EqualValues(t, 0, reset["errorCount"])
}

func TestAdmin_OpportunityStatus(t *testing.T) {
	f := newFixture(t, nil)
	path := "/admin/opportunities/" + f.site.ID.String() + "/status"

	code, body := f.admin(t, http.MethodPost, path, gin.H{"status": "banned"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "banned", body["opportunity"].(map[string]any)["status"])

	code, _ = f.admin(t, http.MethodPost, path, gin.H{"status": "bogus"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = f.admin(t, http.MethodPost, path, gin.H{})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestAdmin_LedgerSummary(t *testing.T) {
	f := newFixture(t, nil)
	cost := 0.003
	_, err := f.ledger.Record(context.Background(), nil, "2captcha", true, &cost)
	require.NoError(t, err)

	code, body := f.admin(t, http.MethodGet, "/admin/ledger/summary", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["summaries"], 3)

	code, body = f.admin(t, http.MethodGet, "/admin/ledger/summary?window=daily", nil)
	require.Equal(t, http.StatusOK, code)
	summaries := body["summaries"].([]any)
	require.Len(t, summaries, 1)
	daily := summaries[0].(map[string]any)
	assert.Equal(t, "daily", daily["window"])
	assert.EqualValues(t, 1, daily["solved"])
	assert.InDelta(t, 0.003, daily["totalCost"], 1e-9)

	code, _ = f.admin(t, http.MethodGet, "/admin/ledger/summary?window=yearly", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestAdmin_ReloadSettings(t *testing.T) {
	f := newFixture(t, nil)

	code, _ := f.admin(t, http.MethodPost, "/admin/settings/reload", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, f.reloader.calls)

	f.reloader.err = errors.New("lease_ttl must be positive")
	code, body := f.admin(t, http.MethodPost, "/admin/settings/reload", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, "lease_ttl must be positive", body["error"])
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	f.queue(t)
	f.claim(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "linkforge_jobs_claimed_total 1")
}

func TestJobs_PinCountsTowardSiteLimit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	limited := *f.site
	limited.DailySiteLimit = intPtr(1)
	_, err := f.opps.Upsert(ctx, &limited)
	require.NoError(t, err)

	_, err = f.campaigns.AddTargets(ctx, f.campaign.ID, []campaign.TargetInput{
		{URL: "https://customer.example.com/a", LinkURL: "https://customer.example.com"},
		{URL: "https://customer.example.com/b", LinkURL: "https://customer.example.com"},
	})
	require.NoError(t, err)
	_, err = f.campaigns.Queue(ctx, f.campaign.ID)
	require.NoError(t, err)
	_, err = f.campaigns.Start(ctx, f.campaign.ID)
	require.NoError(t, err)

	first, firstToken := f.claim(t)
	code, _ := f.do(t, http.MethodPost, "/jobs/"+first+"/start", gin.H{"token": firstToken})
	require.Equal(t, http.StatusOK, code)

	code, _ = f.do(t, http.MethodPost, "/jobs/"+first+"/pin", gin.H{"token": "other", "opportunity_id": f.site.ID})
	assert.Equal(t, http.StatusConflict, code)

	code, body := f.do(t, http.MethodPost, "/jobs/"+first+"/pin", gin.H{"token": firstToken, "opportunity_id": f.site.ID})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, f.site.ID.String(), body["job"].(map[string]any)["opportunityId"])

	// URL 未確定の成功報告も日次上限に数える
	code, _ = f.do(t, http.MethodPost, "/jobs/"+first+"/report", gin.H{"token": firstToken, "success": true})
	require.Equal(t, http.StatusOK, code)

	second, secondToken := f.claim(t)
	code, _ = f.do(t, http.MethodPost, "/jobs/"+second+"/start", gin.H{"token": secondToken})
	require.Equal(t, http.StatusOK, code)

	code, body = f.do(t, http.MethodPost, "/jobs/"+second+"/pin", gin.H{"token": secondToken, "opportunity_id": f.site.ID})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "opportunity is not eligible for this campaign", body["error"])

	code, _ = f.do(t, http.MethodPost, "/jobs/"+second+"/pin", gin.H{"token": secondToken})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestJobs_ReportFatalFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.queue(t)
	id, token := f.claim(t)
	code, _ := f.do(t, http.MethodPost, "/jobs/"+id+"/start", gin.H{"token": token})
	require.Equal(t, http.StatusOK, code)

	code, body := f.do(t, http.MethodPost, "/jobs/"+id+"/report", gin.H{
		"token":      token,
		"success":    false,
		"error_code": "UNKNOWN",
		"message":    "target page rejects links",
		"fatal":      true,
	})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "failed", body["job"].(map[string]any)["status"])
}

func TestAdmin_AdvanceBacklink(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.queue(t)
	id, token := f.claim(t)
	code, _ := f.do(t, http.MethodPost, "/jobs/"+id+"/start", gin.H{"token": token})
	require.Equal(t, http.StatusOK, code)
	code, _ = f.do(t, http.MethodPost, "/jobs/"+id+"/report", gin.H{"token": token, "success": true})
	require.Equal(t, http.StatusOK, code)

	backlinks, err := f.jobs.Backlinks(ctx, f.campaign.ID)
	require.NoError(t, err)
	require.Len(t, backlinks, 1)
	path := "/admin/backlinks/" + backlinks[0].ID.String() + "/status"

	code, _ = f.do(t, http.MethodPost, path, gin.H{"status": "submitted", "placed_url": "https://blog.example.com/post#c"})
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = f.admin(t, http.MethodPost, path, gin.H{"status": "submitted"})
	assert.Equal(t, http.StatusConflict, code)

	code, body := f.admin(t, http.MethodPost, path, gin.H{"status": "submitted", "placed_url": "https://blog.example.com/post#c"})
	require.Equal(t, http.StatusOK, code)
	b := body["backlink"].(map[string]any)
	assert.Equal(t, "submitted", b["status"])
	assert.Equal(t, "https://blog.example.com/post#c", b["placedUrl"])

	code, body = f.admin(t, http.MethodPost, path, gin.H{"status": "verified"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "verified", body["backlink"].(map[string]any)["status"])

	code, _ = f.admin(t, http.MethodPost, path, gin.H{"status": "error"})
	assert.Equal(t, http.StatusConflict, code)

	code, _ = f.admin(t, http.MethodPost, "/admin/backlinks/"+uuid.NewString()+"/status", gin.H{"status": "verified"})
	assert.Equal(t, http.StatusNotFound, code)
}
