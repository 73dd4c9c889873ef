package api

import (
	"errors"
	"net/http"

	"creative-studio-server/models"
	"creative-studio-server/service"

	"github.com/gin-gonic/gin"
)

var (
	orchestrator *service.Orchestrator
	listCache    *service.ProjectCache
	verifier     *service.AssetVerifier
)

// Setup 注入依赖，必须在 InitRouter 之前调用。
func Setup(orc *service.Orchestrator, cache *service.ProjectCache) {
	orchestrator = orc
	listCache = cache
	verifier = service.NewAssetVerifier()
}

// writeError 错误分类 -> HTTP 状态码。响应体统一 {"detail": ...}。
func writeError(c *gin.Context, err error) {
	var ve *models.ValidationError
	var se *models.InvalidStateError
	var be *models.BudgetExceededError

	switch {
	case errors.Is(err, models.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"detail": "项目未找到"})
	case errors.As(err, &ve):
		c.JSON(http.StatusBadRequest, gin.H{"detail": ve.Error()})
	case errors.As(err, &se):
		c.JSON(http.StatusConflict, gin.H{"detail": se.Error()})
	case errors.As(err, &be):
		c.JSON(http.StatusConflict, gin.H{"detail": be.Error()})
	default:
		if pe, ok := models.AsProviderError(err); ok {
			switch pe.Kind {
			case models.ProviderErrTransient:
				c.JSON(http.StatusGatewayTimeout, gin.H{"detail": pe.Error()})
			case models.ProviderErrCredential:
				c.JSON(http.StatusBadGateway, gin.H{"detail": "生成服务凭证失效: " + pe.Error()})
			default:
				c.JSON(http.StatusBadGateway, gin.H{"detail": pe.Error()})
			}
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
	}
}
