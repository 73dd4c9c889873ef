package routers

import (
	"creative-studio-server/routers/api"

	"github.com/gin-gonic/gin"
)

func InitRouter() *gin.Engine {
	r := gin.Default()
	v1 := r.Group("/creative")
	{
		v1.POST("/projects", api.CreateProject)
		v1.GET("/projects", api.ListProjects)
		v1.GET("/projects/:project_id", api.GetProject)
		v1.POST("/projects/:project_id/approve-script", api.ApproveScript)
		v1.POST("/projects/:project_id/advance", api.AdvanceProject)
		v1.POST("/projects/:project_id/regenerate-storyboard", api.RegenerateStoryboard)
		v1.GET("/projects/:project_id/assets/verify", api.VerifyAssets)
	}
	r.GET("/creative/projects/:project_id/progress", api.ProjectProgressWebSocket)
	return r
}
