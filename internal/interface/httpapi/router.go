// Package httpapi はワーカー契約・マッチング・管理操作の HTTP API を提供する。
package httpapi

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jinford/linkforge/internal/core/campaign"
	"github.com/jinford/linkforge/internal/core/job"
	"github.com/jinford/linkforge/internal/core/ledger"
	"github.com/jinford/linkforge/internal/core/opportunity"
	"github.com/jinford/linkforge/internal/core/proxy"
	"github.com/jinford/linkforge/internal/platform/config"
)

// SettingsReloader は実行時設定の再読み込み先
type SettingsReloader interface {
	Reload() (config.Settings, error)
}

// Services はハンドラが利用するサービス群
type Services struct {
	Jobs          *job.LeaseManager
	Campaigns     *campaign.Service
	Opportunities *opportunity.Service
	Proxies       *proxy.Pool
	Ledger        *ledger.Service
	Settings      SettingsReloader
	// Metrics は /metrics で公開するハンドラ。nil の場合は公開しない
	Metrics http.Handler
	// Ping はヘルスチェックでのストレージ疎通確認。nil の場合は常に健全
	Ping func(ctx context.Context) error
}

// RouterOptions はルーターの設定
type RouterOptions struct {
	AdminToken string
	Logger     *slog.Logger
}

// NewRouter は gin のルーターを組み立てる
func NewRouter(svc Services, opts RouterOptions) *gin.Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	router := gin.New()
	router.Use(requestLogger(logger))
	router.Use(gin.Recovery())

	health := &healthHandler{ping: svc.Ping}
	router.GET("/healthz", health.Check)
	if svc.Metrics != nil {
		router.GET("/metrics", gin.WrapH(svc.Metrics))
	}

	opps := newOpportunityHandler(svc.Opportunities, logger)
	router.GET("/opportunities/for-campaign/:campaignId", opps.ForCampaign)

	jobs := newJobHandler(svc.Jobs, svc.Opportunities, logger)
	jobGroup := router.Group("/jobs")
	{
		jobGroup.POST("/claim", jobs.Claim)
		jobGroup.POST("/:id/start", jobs.Start)
		jobGroup.POST("/:id/pin", jobs.Pin)
		jobGroup.POST("/:id/report", jobs.Report)
	}

	admin := newAdminHandler(svc, logger)
	adminGroup := router.Group("/admin")
	adminGroup.Use(adminAuth(opts.AdminToken))
	{
		adminGroup.GET("/jobs/:id", admin.GetJob)
		adminGroup.POST("/jobs/:id/retry", admin.RetryJob)
		adminGroup.POST("/jobs/:id/cancel", admin.CancelJob)
		adminGroup.POST("/backlinks/:id/status", admin.AdvanceBacklink)

		adminGroup.GET("/campaigns/:id", admin.GetCampaign)
		adminGroup.POST("/campaigns/:id/retry", admin.RetryCampaign)
		adminGroup.POST("/campaigns/:id/cancel", admin.CancelCampaign)
		adminGroup.POST("/campaigns/:id/pause", admin.PauseCampaign)
		adminGroup.POST("/campaigns/:id/resume", admin.ResumeCampaign)

		adminGroup.POST("/proxies/:id/reset", admin.ResetProxy)
		adminGroup.POST("/opportunities/:id/status", admin.SetOpportunityStatus)
		adminGroup.GET("/ledger/summary", admin.LedgerSummary)
		adminGroup.POST("/settings/reload", admin.ReloadSettings)
	}

	return router
}

// requestLogger はリクエストごとにメソッド・パス・ステータス・所要時間を記録する
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			"method", method,
			"path", path,
			"status", status,
			"client_ip", c.ClientIP(),
			"duration", time.Since(start),
		}
		switch {
		case status >= http.StatusInternalServerError:
			logger.Error("http request", attrs...)
		case status >= http.StatusBadRequest:
			logger.Warn("http request", attrs...)
		default:
			logger.Debug("http request", attrs...)
		}
	}
}

// adminAuth は Bearer トークンを検証する。token が空なら素通しする
func adminAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}
		given, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(given), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "error": "unauthorized"})
			return
		}
		c.Next()
	}
}

type healthHandler struct {
	ping func(ctx context.Context) error
}

func (h *healthHandler) Check(c *gin.Context) {
	if h.ping != nil {
		if err := h.ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
