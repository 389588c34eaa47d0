package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jinford/linkforge/internal/core/job"
	"github.com/jinford/linkforge/internal/core/opportunity"
)

type claimRequest struct {
	WorkerID string `json:"worker_id" binding:"required"`
}

type startRequest struct {
	Token string `json:"token" binding:"required"`
}

// reportRequest は success=true なら成功報告、false なら error_code による失敗報告
type reportRequest struct {
	Token     string          `json:"token" binding:"required"`
	Success   bool            `json:"success"`
	PlacedURL string          `json:"placed_url"`
	Result    json.RawMessage `json:"result"`
	ErrorCode string          `json:"error_code"`
	Message   string          `json:"message"`
	ProxyID   *uuid.UUID      `json:"proxy_id"`
	// Fatal はリトライしても結果が変わらない失敗であること
	Fatal bool `json:"fatal"`
}

type pinRequest struct {
	Token         string    `json:"token" binding:"required"`
	OpportunityID uuid.UUID `json:"opportunity_id" binding:"required"`
}

type jobHandler struct {
	jobs   *job.LeaseManager
	opps   *opportunity.Service
	logger *slog.Logger
}

func newJobHandler(jobs *job.LeaseManager, opps *opportunity.Service, logger *slog.Logger) *jobHandler {
	return &jobHandler{jobs: jobs, opps: opps, logger: logger}
}

// Claim は実行可能なジョブを 1 件リースする。対象がない場合 job は null
func (h *jobHandler) Claim(c *gin.Context) {
	var req claimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	claimed, err := h.jobs.Claim(c.Request.Context(), req.WorkerID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	j, ok := claimed.Get()
	if !ok {
		c.JSON(http.StatusOK, gin.H{"success": true, "job": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "job": j})
}

func (h *jobHandler) Start(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	j, err := h.jobs.Start(c.Request.Context(), id, req.Token)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "job": j})
}

func (h *jobHandler) Report(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req reportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	ctx := c.Request.Context()
	var (
		j   *job.Job
		err error
	)
	if req.Success {
		j, err = h.jobs.ReportSuccess(ctx, id, req.Token, job.SuccessReport{
			PlacedURL: req.PlacedURL,
			Result:    req.Result,
		})
	} else {
		if req.ErrorCode == "" {
			badRequest(c, "error_code is required when success is false")
			return
		}
		j, err = h.jobs.ReportFailure(ctx, id, req.Token, job.FailureReport{
			Code:    job.ParseErrorCode(req.ErrorCode),
			Message: req.Message,
			ProxyID: req.ProxyID,
			Fatal:   req.Fatal,
		})
	}
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "job": j})
}

// Pin は外部ワーカーが選んだ候補サイトを実行中のジョブに確定させる。
// サイトがキャンペーンの条件や日次上限を満たさなければ 409 を返す。
func (h *jobHandler) Pin(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req pinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	ctx := c.Request.Context()
	current, err := h.jobs.Get(ctx, id)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	_, eligible, err := h.opps.Recheck(ctx, current.CampaignID, req.OpportunityID, "")
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if !eligible {
		c.JSON(http.StatusConflict, gin.H{"success": false, "error": "opportunity is not eligible for this campaign"})
		return
	}

	j, err := h.jobs.Pin(ctx, id, req.Token, req.OpportunityID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if err := h.opps.Reserve(ctx, req.OpportunityID); err != nil {
		h.logger.Warn("failed to reserve opportunity", "opportunity_id", req.OpportunityID, "error", err)
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "job": j})
}
