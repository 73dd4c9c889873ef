package service

import (
	"context"
	"fmt"
	"time"

	"creative-studio-server/models"
)

// MockGateway 本地假数据网关：provider.mode = "mock" 时使用，测试也用它。
// 行为确定、零成本外部调用，输出形状与 WorkerGateway 一致。
type MockGateway struct{}

func NewMockGateway() *MockGateway { return &MockGateway{} }

func (g *MockGateway) WriteScript(ctx context.Context, brief string, durationSeconds int, style string) (*ScriptResult, error) {
	return &ScriptResult{
		Script:  fmt.Sprintf("[%s] 开场：%s。中段：展开核心卖点。结尾：行动号召。(时长 %d 秒)", style, headOf(brief, 60), durationSeconds),
		Summary: headOf(brief, 120),
		CostUSD: costScript,
	}, nil
}

func (g *MockGateway) GenerateStoryboard(ctx context.Context, script string, sceneCount int, style string) ([]models.Scene, float64, error) {
	if sceneCount < 1 {
		sceneCount = 1
	}
	per := 5
	scenes := make([]models.Scene, 0, sceneCount)
	for i := 1; i <= sceneCount; i++ {
		scenes = append(scenes, models.Scene{
			SceneNumber:         i,
			Description:         fmt.Sprintf("场景 %d（%s 风格）", i, style),
			CameraNotes:         "auto",
			VisualReferencePath: fmt.Sprintf("https://assets.invalid/panels/scene-%d.png", i),
			DurationSeconds:     per,
		})
	}
	return scenes, costStoryboard, nil
}

func (g *MockGateway) RenderShot(ctx context.Context, scene models.Scene, style string) (*ShotResult, error) {
	return &ShotResult{
		JobId:    fmt.Sprintf("mock-job-%d", scene.SceneNumber),
		VideoUrl: fmt.Sprintf("https://assets.invalid/shots/scene-%d.mp4", scene.SceneNumber),
		CostUSD:  costShot,
	}, nil
}

func (g *MockGateway) BuildPreview(ctx context.Context, p *models.Project) (*models.PreviewRecord, float64, error) {
	rec := &models.PreviewRecord{
		QualityScore: 0.9,
		QCStatus:     "pending",
		CreatedAt:    time.Now(),
	}
	for i := range p.Shots {
		if p.Shots[i].Status == models.ShotStatusCompleted && p.Shots[i].VideoUrl != "" {
			rec.PreviewURL = p.Shots[i].VideoUrl
			break
		}
	}
	return rec, costPreview, nil
}

func (g *MockGateway) ValidatePreview(ctx context.Context, p *models.Project) (*ValidationOutcome, error) {
	return &ValidationOutcome{Passed: true, Score: 0.9, CostUSD: costValidation}, nil
}

func (g *MockGateway) StoreArtifact(ctx context.Context, p *models.Project) (string, float64, error) {
	return fmt.Sprintf("projects/%s/master.mp4", p.ID), costDistribution, nil
}
