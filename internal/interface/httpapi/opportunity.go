package httpapi

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jinford/linkforge/internal/core/opportunity"
)

type opportunityView struct {
	ID         uuid.UUID            `json:"id"`
	URL        string               `json:"url"`
	PA         *int                 `json:"pa"`
	DA         *int                 `json:"da"`
	SiteType   opportunity.SiteType `json:"site_type"`
	Categories []uuid.UUID          `json:"categories"`
}

type opportunityHandler struct {
	service *opportunity.Service
	logger  *slog.Logger
}

func newOpportunityHandler(service *opportunity.Service, logger *slog.Logger) *opportunityHandler {
	return &opportunityHandler{service: service, logger: logger}
}

// ForCampaign はキャンペーンの条件に合う候補サイトを返す
func (h *opportunityHandler) ForCampaign(c *gin.Context) {
	campaignID, ok := pathID(c, "campaignId")
	if !ok {
		return
	}

	req := opportunity.MatchRequest{
		CampaignID: campaignID,
		SiteType:   opportunity.SiteType(c.Query("site_type")),
	}
	if raw := c.Query("count"); raw != "" {
		count, err := strconv.Atoi(raw)
		if err != nil || count < 0 {
			badRequest(c, "count must be a non-negative integer")
			return
		}
		req.Count = count
	}

	result, err := h.service.MatchForCampaign(c.Request.Context(), req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	views := make([]opportunityView, 0, len(result.Opportunities))
	for _, o := range result.Opportunities {
		categories := o.CategoryIDs
		if categories == nil {
			categories = []uuid.UUID{}
		}
		views = append(views, opportunityView{
			ID:         o.ID,
			URL:        o.URL,
			PA:         o.PA,
			DA:         o.DA,
			SiteType:   o.SiteType,
			Categories: categories,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"success":       true,
		"opportunities": views,
		"campaign":      result.Campaign,
		"plan_limits":   result.PlanLimits,
	})
}
