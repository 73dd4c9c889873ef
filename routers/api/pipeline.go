package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// 审批脚本：script_review -> 分镜生成
func ApproveScript(c *gin.Context) {
	project, err := orchestrator.ApproveScript(c.Request.Context(), c.Param("project_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	listCache.Invalidate(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"project": project})
}

// 推进流水线一步。重复触发在途阶段是幂等的，返回当前快照。
func AdvanceProject(c *gin.Context) {
	var req struct {
		AcceptPartial bool `json:"accept_partial"`
	}
	// 请求体可以为空
	_ = c.ShouldBindJSON(&req)

	project, err := orchestrator.Advance(c.Request.Context(), c.Param("project_id"), req.AcceptPartial)
	if err != nil {
		writeError(c, err)
		return
	}
	listCache.Invalidate(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"project": project})
}

// 重新生成分镜（storyboard_ready 专属，失败不丢旧分镜）
func RegenerateStoryboard(c *gin.Context) {
	project, err := orchestrator.RegenerateStoryboard(c.Request.Context(), c.Param("project_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	listCache.Invalidate(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"project": project})
}

// 校验项目外链资源的可达性（参考图 / 分镜视频 / 预览）
func VerifyAssets(c *gin.Context) {
	project, err := orchestrator.GetProject(c.Param("project_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	checks := verifier.Verify(c.Request.Context(), project)
	c.JSON(http.StatusOK, gin.H{
		"project_id": project.ID,
		"state":      project.State,
		"assets":     checks,
	})
}
