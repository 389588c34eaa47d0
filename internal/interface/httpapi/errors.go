package httpapi

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jinford/linkforge/internal/core/account"
	"github.com/jinford/linkforge/internal/core/campaign"
	"github.com/jinford/linkforge/internal/core/job"
	"github.com/jinford/linkforge/internal/core/ledger"
	"github.com/jinford/linkforge/internal/core/opportunity"
	"github.com/jinford/linkforge/internal/core/proxy"
)

// categoryRequiredMessage はカテゴリ未設定キャンペーンへのマッチング要求に返す文言
const categoryRequiredMessage = "Campaign must have a category or subcategory selected"

var (
	notFoundErrors = []error{
		job.ErrNotFound,
		campaign.ErrNotFound,
		opportunity.ErrNotFound,
		proxy.ErrNotFound,
		ledger.ErrNotFound,
		account.ErrNotFound,
	}
	conflictErrors = []error{
		job.ErrInvalidTransition,
		campaign.ErrInvalidTransition,
		account.ErrInvalidTransition,
		ledger.ErrAlreadyResolved,
	}
	badRequestErrors = []error{
		opportunity.ErrInvalidStatus,
		proxy.ErrInvalidProxy,
		campaign.ErrInvalidTarget,
	}
)

func isAny(err error, targets []error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// respondError はドメインエラーを HTTP ステータスに対応付けて返す
func respondError(c *gin.Context, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, job.ErrStaleLease):
		c.JSON(http.StatusConflict, gin.H{"success": false, "stale": true, "error": err.Error()})
	case errors.Is(err, opportunity.ErrCategoryRequired):
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": categoryRequiredMessage})
	case isAny(err, notFoundErrors):
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": err.Error()})
	case isAny(err, conflictErrors):
		c.JSON(http.StatusConflict, gin.H{"success": false, "error": err.Error()})
	case isAny(err, badRequestErrors):
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
	default:
		logger.Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "internal server error"})
	}
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": message})
}

// pathID はパスパラメータ name を UUID として読む。失敗時は 400 を返して false
func pathID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		badRequest(c, "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}
