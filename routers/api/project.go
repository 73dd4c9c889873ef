package api

import (
	"net/http"

	"creative-studio-server/service"

	"github.com/gin-gonic/gin"
)

// 创建项目
func CreateProject(c *gin.Context) {
	var req struct {
		Title           string  `json:"title"`
		Brief           string  `json:"brief"`
		DurationSeconds int     `json:"duration_seconds"`
		Style           string  `json:"style"`
		BudgetLimitUSD  float64 `json:"budget_limit_usd"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "请求体解析失败: " + err.Error()})
		return
	}

	project, err := orchestrator.CreateProject(c.Request.Context(), service.CreateProjectSpec{
		Title:           req.Title,
		Brief:           req.Brief,
		DurationSeconds: req.DurationSeconds,
		Style:           req.Style,
		BudgetLimitUSD:  req.BudgetLimitUSD,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	listCache.Invalidate(c.Request.Context())
	c.JSON(http.StatusCreated, gin.H{"project": project})
}

// 项目列表（经过 Redis 旁路缓存）
func ListProjects(c *gin.Context) {
	ctx := c.Request.Context()
	if list, ok := listCache.GetList(ctx); ok {
		c.JSON(http.StatusOK, gin.H{"projects": list})
		return
	}
	list, err := orchestrator.ListProjects()
	if err != nil {
		writeError(c, err)
		return
	}
	listCache.SetList(ctx, list)
	c.JSON(http.StatusOK, gin.H{"projects": list})
}

// 项目详情（含分镜和渲染状态）
func GetProject(c *gin.Context) {
	project, err := orchestrator.GetProject(c.Param("project_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"project": project})
}
