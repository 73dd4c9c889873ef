package api

import (
	"log"
	"net/http"
	"time"

	"creative-studio-server/models"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type progressFrame struct {
	ProjectId       string  `json:"projectId"`
	State           string  `json:"state"`
	CompletionRatio float64 `json:"completionRatio"`
	ShotsCompleted  int     `json:"shotsCompleted"`
	ShotsFailed     int     `json:"shotsFailed"`
	ShotsTotal      int     `json:"shotsTotal"`
	CostUSD         float64 `json:"costUsd"`
	ErrorMessage    string  `json:"errorMessage,omitempty"`
}

func frameOf(p *models.Project) progressFrame {
	completed, failed := 0, 0
	for i := range p.Shots {
		switch p.Shots[i].Status {
		case models.ShotStatusCompleted:
			completed++
		case models.ShotStatusFailed:
			failed++
		}
	}
	return progressFrame{
		ProjectId:       p.ID,
		State:           string(p.State),
		CompletionRatio: p.State.CompletionRatio(),
		ShotsCompleted:  completed,
		ShotsFailed:     failed,
		ShotsTotal:      len(p.Shots),
		CostUSD:         p.CostUSD,
		ErrorMessage:    p.ErrorMessage,
	}
}

// ProjectProgressWebSocket 每秒轮询 DB 推送进度变化，项目到达稳定状态后断开。
func ProjectProgressWebSocket(c *gin.Context) {
	projectID := c.Param("project_id")
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "WebSocket升级失败"})
		return
	}
	defer conn.Close()

	p, err := orchestrator.GetProject(projectID)
	if err != nil {
		conn.WriteJSON(map[string]interface{}{"detail": "项目未找到: " + err.Error()})
		return
	}
	prev := frameOf(p)
	_ = conn.WriteJSON(prev)
	if p.State.IsTerminal() {
		return
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for range ticker.C {
		cur, err := orchestrator.GetProject(projectID)
		if err != nil {
			continue
		}
		frame := frameOf(cur)
		if frame != prev {
			if err := conn.WriteJSON(frame); err != nil {
				break
			}
			prev = frame
		}
		// 稳定状态没有后台进度可推，客户端收到最后一帧后断开
		if cur.State.IsStable() && !cur.State.IsGatewayPending() {
			break
		}
	}
	log.Printf("进度推送结束: project=%s", projectID)
}
