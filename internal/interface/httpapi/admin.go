package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jinford/linkforge/internal/core/campaign"
	"github.com/jinford/linkforge/internal/core/job"
	"github.com/jinford/linkforge/internal/core/ledger"
	"github.com/jinford/linkforge/internal/core/opportunity"
)

type statusRequest struct {
	Status string `json:"status" binding:"required"`
}

type backlinkStatusRequest struct {
	Status    string `json:"status" binding:"required"`
	PlacedURL string `json:"placed_url"`
}

// adminHandler は運用者向けの操作を扱う
type adminHandler struct {
	svc    Services
	logger *slog.Logger
}

func newAdminHandler(svc Services, logger *slog.Logger) *adminHandler {
	return &adminHandler{svc: svc, logger: logger}
}

// GetJob はジョブと試行ログを返す
func (h *adminHandler) GetJob(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	j, err := h.svc.Jobs.Get(ctx, id)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	logs, err := h.svc.Jobs.Logs(ctx, id)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "job": j, "logs": logs})
}

func (h *adminHandler) RetryJob(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	j, err := h.svc.Jobs.Retry(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "job": j})
}

func (h *adminHandler) CancelJob(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	j, err := h.svc.Jobs.Cancel(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "job": j})
}

// AdvanceBacklink はバックリンクの確認結果を記録する
func (h *adminHandler) AdvanceBacklink(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req backlinkStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	b, err := h.svc.Jobs.AdvanceBacklink(c.Request.Context(), id, job.BacklinkStatus(req.Status), req.PlacedURL)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "backlink": b})
}

func (h *adminHandler) GetCampaign(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	found, err := h.svc.Campaigns.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "campaign": found})
}

// RetryCampaign は failed ジョブをまとめて再キューする
func (h *adminHandler) RetryCampaign(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	updated, requeued, err := h.svc.Campaigns.Retry(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "campaign": updated, "requeued": requeued})
}

func (h *adminHandler) CancelCampaign(c *gin.Context) {
	h.campaignAction(c, func(c *gin.Context, id uuid.UUID) (*campaign.Campaign, error) {
		return h.svc.Campaigns.Cancel(c.Request.Context(), id)
	})
}

func (h *adminHandler) PauseCampaign(c *gin.Context) {
	h.campaignAction(c, func(c *gin.Context, id uuid.UUID) (*campaign.Campaign, error) {
		return h.svc.Campaigns.Pause(c.Request.Context(), id, campaign.PausedManual)
	})
}

func (h *adminHandler) ResumeCampaign(c *gin.Context) {
	h.campaignAction(c, func(c *gin.Context, id uuid.UUID) (*campaign.Campaign, error) {
		return h.svc.Campaigns.Resume(c.Request.Context(), id)
	})
}

func (h *adminHandler) campaignAction(c *gin.Context, action func(*gin.Context, uuid.UUID) (*campaign.Campaign, error)) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	updated, err := action(c, id)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "campaign": updated})
}

// ResetProxy はエラーカウントを 0 に戻し、ブラックリストを解除する
func (h *adminHandler) ResetProxy(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	px, err := h.svc.Proxies.ResetErrors(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "proxy": px})
}

func (h *adminHandler) SetOpportunityStatus(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	o, err := h.svc.Opportunities.SetStatus(c.Request.Context(), id, opportunity.Status(req.Status))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "opportunity": o})
}

// LedgerSummary は CAPTCHA 費用を期間別に集計する。window 指定がなければ全期間
func (h *adminHandler) LedgerSummary(c *gin.Context) {
	name := c.Query("window")
	summaries := make([]ledger.Summary, 0, 3)
	for _, w := range h.svc.Ledger.Windows() {
		if name != "" && w.Name != name {
			continue
		}
		s, err := h.svc.Ledger.Summarize(c.Request.Context(), w)
		if err != nil {
			respondError(c, h.logger, err)
			return
		}
		summaries = append(summaries, s)
	}
	if len(summaries) == 0 {
		badRequest(c, "unknown window: "+name)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "summaries": summaries})
}

func (h *adminHandler) ReloadSettings(c *gin.Context) {
	if h.svc.Settings == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"success": false, "error": "settings reload is not configured"})
		return
	}
	settings, err := h.svc.Settings.Reload()
	if err != nil {
		h.logger.Error("settings reload failed", "error", err)
		c.JSON(http.StatusUnprocessableEntity, gin.H{"success": false, "error": err.Error()})
		return
	}
	h.logger.Info("settings reloaded", "lease_ttl", settings.LeaseTTL, "max_attempts", settings.MaxAttempts)
	c.JSON(http.StatusOK, gin.H{"success": true})
}
