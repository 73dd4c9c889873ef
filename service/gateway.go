package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"creative-studio-server/models"
)

// 各阶段的成本估计（美元），worker 响应里带 cost 时以响应为准
const (
	costScript       = 0.05
	costStoryboard   = 0.08
	costShot         = 0.50
	costPreview      = 0.10
	costValidation   = 0.05
	costDistribution = 0.05
)

type ScriptResult struct {
	Script  string
	Summary string
	CostUSD float64
}

type ShotResult struct {
	JobId    string
	VideoUrl string
	CostUSD  float64
}

type ValidationOutcome struct {
	Passed  bool
	Score   float64
	Notes   string
	CostUSD float64
}

// Gateway 三类外部生成能力的统一抽象，每个实现可独立替换。
// 所有方法都不改账本——编排器在成功后才原子提交。
type Gateway interface {
	WriteScript(ctx context.Context, brief string, durationSeconds int, style string) (*ScriptResult, error)
	GenerateStoryboard(ctx context.Context, script string, sceneCount int, style string) ([]models.Scene, float64, error)
	RenderShot(ctx context.Context, scene models.Scene, style string) (*ShotResult, error)
	BuildPreview(ctx context.Context, p *models.Project) (*models.PreviewRecord, float64, error)
	ValidatePreview(ctx context.Context, p *models.Project) (*ValidationOutcome, error)
	StoreArtifact(ctx context.Context, p *models.Project) (string, float64, error)
}

// WorkerGateway 走 worker HTTP 服务的网关实现：
// POST /v1/generate 拿 job_id，轮询 GET /v1/jobs/{id} 直到出结果。
// transient 错误在这里退避重试（最多 maxRetries 次），其余直接上浮。
type WorkerGateway struct {
	Endpoint   string
	Client     *http.Client
	maxRetries int
}

func NewWorkerGateway(endpoint string) *WorkerGateway {
	return &WorkerGateway{
		Endpoint:   endpoint,
		Client:     &http.Client{Timeout: 30 * time.Second},
		maxRetries: 3,
	}
}

// workerJob worker 侧的任务视图
type workerJob struct {
	Id     string                 `json:"id"`
	Status string                 `json:"status"`
	Result map[string]interface{} `json:"result"`
	Error  string                 `json:"error"`
	Cost   float64                `json:"cost_usd"`
}

func (g *WorkerGateway) WriteScript(ctx context.Context, brief string, durationSeconds int, style string) (*ScriptResult, error) {
	job, err := g.generate(ctx, "write_script", map[string]interface{}{
		"brief":            brief,
		"duration_seconds": durationSeconds,
		"style":            style,
	})
	if err != nil {
		return nil, wrapOp(err, "writeScript")
	}
	script := getString(job.Result, "script")
	if script == "" {
		return nil, &models.ProviderError{Kind: models.ProviderErrPermanent, Op: "writeScript", Err: errors.New("worker returned empty script")}
	}
	summary := getString(job.Result, "summary")
	if summary == "" {
		summary = headOf(brief, 120)
	}
	cost := job.Cost
	if cost <= 0 {
		cost = costScript
	}
	return &ScriptResult{Script: script, Summary: summary, CostUSD: cost}, nil
}

func (g *WorkerGateway) GenerateStoryboard(ctx context.Context, script string, sceneCount int, style string) ([]models.Scene, float64, error) {
	job, err := g.generate(ctx, "generate_storyboard", map[string]interface{}{
		"script":      script,
		"scene_count": sceneCount,
		"style":       style,
	})
	if err != nil {
		return nil, 0, wrapOp(err, "generateStoryboard")
	}

	raw, _ := json.Marshal(job.Result["scenes"])
	var scenes []struct {
		SceneNumber         int    `json:"scene_number"`
		Description         string `json:"description"`
		CameraNotes         string `json:"camera_notes"`
		VisualReferencePath string `json:"visual_reference_path"`
		DurationSeconds     int    `json:"duration_seconds"`
	}
	if err := json.Unmarshal(raw, &scenes); err != nil {
		return nil, 0, &models.ProviderError{Kind: models.ProviderErrPermanent, Op: "generateStoryboard", Err: fmt.Errorf("解析分镜 JSON 失败: %w", err)}
	}
	if len(scenes) == 0 {
		return nil, 0, &models.ProviderError{Kind: models.ProviderErrPermanent, Op: "generateStoryboard", Err: errors.New("worker returned no scenes")}
	}

	out := make([]models.Scene, 0, len(scenes))
	for i, s := range scenes {
		n := s.SceneNumber
		if n == 0 {
			n = i + 1
		}
		out = append(out, models.Scene{
			SceneNumber:         n,
			Description:         s.Description,
			CameraNotes:         s.CameraNotes,
			VisualReferencePath: s.VisualReferencePath,
			DurationSeconds:     s.DurationSeconds,
		})
	}
	cost := job.Cost
	if cost <= 0 {
		cost = costStoryboard
	}
	return out, cost, nil
}

func (g *WorkerGateway) RenderShot(ctx context.Context, scene models.Scene, style string) (*ShotResult, error) {
	job, err := g.generate(ctx, "render_shot", map[string]interface{}{
		"scene_number":     scene.SceneNumber,
		"description":      scene.Description,
		"camera_notes":     scene.CameraNotes,
		"reference_image":  scene.VisualReferencePath,
		"duration_seconds": scene.DurationSeconds,
		"style":            style,
	})
	if err != nil {
		return nil, wrapOp(err, "renderShot")
	}
	videoURL := getString(job.Result, "video_url")
	if videoURL == "" {
		return nil, &models.ProviderError{Kind: models.ProviderErrPermanent, Op: "renderShot", Err: errors.New("worker returned no video_url")}
	}
	cost := job.Cost
	if cost <= 0 {
		cost = costShot
	}
	return &ShotResult{JobId: job.Id, VideoUrl: videoURL, CostUSD: cost}, nil
}

func (g *WorkerGateway) BuildPreview(ctx context.Context, p *models.Project) (*models.PreviewRecord, float64, error) {
	job, err := g.generate(ctx, "build_preview", map[string]interface{}{
		"project_id": p.ID,
		"shot_count": len(p.Shots),
	})
	if err != nil {
		return nil, 0, wrapOp(err, "buildPreview")
	}
	score := getFloat(job.Result, "quality_score")
	rec := &models.PreviewRecord{
		PreviewURL:   getString(job.Result, "preview_url"),
		QualityScore: score,
		QCStatus:     "pending",
		CreatedAt:    time.Now(),
	}
	// worker 没给预览地址时退回第一条完成分镜的视频
	if rec.PreviewURL == "" {
		for i := range p.Shots {
			if p.Shots[i].Status == models.ShotStatusCompleted && p.Shots[i].VideoUrl != "" {
				rec.PreviewURL = p.Shots[i].VideoUrl
				break
			}
		}
	}
	cost := job.Cost
	if cost <= 0 {
		cost = costPreview
	}
	return rec, cost, nil
}

func (g *WorkerGateway) ValidatePreview(ctx context.Context, p *models.Project) (*ValidationOutcome, error) {
	job, err := g.generate(ctx, "validate_preview", map[string]interface{}{
		"project_id": p.ID,
		"title":      p.Title,
		"style":      p.Style,
		"duration":   p.DurationSeconds,
	})
	if err != nil {
		return nil, wrapOp(err, "validatePreview")
	}
	cost := job.Cost
	if cost <= 0 {
		cost = costValidation
	}
	return &ValidationOutcome{
		Passed:  getBool(job.Result, "approved"),
		Score:   getFloat(job.Result, "score"),
		Notes:   getString(job.Result, "notes"),
		CostUSD: cost,
	}, nil
}

func (g *WorkerGateway) StoreArtifact(ctx context.Context, p *models.Project) (string, float64, error) {
	job, err := g.generate(ctx, "store_artifact", map[string]interface{}{
		"project_id":  p.ID,
		"master_path": masterPathOf(p),
	})
	if err != nil {
		return "", 0, wrapOp(err, "storeArtifact")
	}
	path := getString(job.Result, "artifact_path")
	if path == "" {
		path = masterPathOf(p)
	}
	cost := job.Cost
	if cost <= 0 {
		cost = costDistribution
	}
	return path, cost, nil
}

// generate 派发 + 轮询，transient 错误整体重试
func (g *WorkerGateway) generate(ctx context.Context, taskType string, params map[string]interface{}) (*workerJob, error) {
	var lastErr error
	backoff := time.Second
	for attempt := 0; attempt <= g.maxRetries; attempt++ {
		if attempt > 0 {
			log.Printf("[Gateway] %s 第 %d 次重试", taskType, attempt)
			select {
			case <-ctx.Done():
				return nil, &models.ProviderError{Kind: models.ProviderErrTransient, Op: taskType, Err: ctx.Err()}
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		jobID, err := g.dispatch(ctx, taskType, params)
		if err == nil {
			var job *workerJob
			job, err = g.pollJob(ctx, jobID)
			if err == nil {
				return job, nil
			}
		}
		lastErr = err
		if pe, ok := models.AsProviderError(err); ok && !pe.Retryable() {
			return nil, err
		}
	}
	return nil, lastErr
}

// dispatch 发送 POST 请求，返回 job_id
func (g *WorkerGateway) dispatch(ctx context.Context, taskType string, params map[string]interface{}) (string, error) {
	reqBody := map[string]interface{}{
		"type":       taskType,
		"parameters": params,
	}
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return "", &models.ProviderError{Kind: models.ProviderErrPermanent, Op: taskType, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.Endpoint+"/v1/generate", bytes.NewBuffer(jsonBody))
	if err != nil {
		return "", &models.ProviderError{Kind: models.ProviderErrPermanent, Op: taskType, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.Client.Do(req)
	if err != nil {
		return "", &models.ProviderError{Kind: models.ProviderErrTransient, Op: taskType, Err: err}
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode, taskType); err != nil {
		return "", err
	}

	var respData map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&respData); err != nil {
		return "", &models.ProviderError{Kind: models.ProviderErrTransient, Op: taskType, Err: fmt.Errorf("decode response failed: %w", err)}
	}
	if id := getString(respData, "id"); id != "" {
		return id, nil
	}
	if id := getString(respData, "job_id"); id != "" {
		return id, nil
	}
	return "", &models.ProviderError{Kind: models.ProviderErrPermanent, Op: taskType, Err: errors.New("response missing 'id'")}
}

// pollJob 轮询 GET /v1/jobs/{job_id} 直到 worker 报告完成或失败
func (g *WorkerGateway) pollJob(ctx context.Context, jobID string) (*workerJob, error) {
	jobURL := fmt.Sprintf("%s/v1/jobs/%s", g.Endpoint, jobID)
	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// 超时不代表 worker 侧失败了——调用方应继续轮询项目状态
			return nil, &models.ProviderError{Kind: models.ProviderErrTransient, Op: "pollJob", Err: fmt.Errorf("polling canceled: %w", ctx.Err())}
		case <-ticker.C:
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, jobURL, nil)
			if err != nil {
				continue
			}
			resp, err := g.Client.Do(req)
			if err != nil {
				log.Printf("轮询网络错误(重试中): %v", err)
				continue
			}
			body, err := io.ReadAll(resp.Body)
			resp.Body.Close()
			if err != nil {
				continue
			}
			if err := classifyStatus(resp.StatusCode, "pollJob"); err != nil {
				if pe, ok := models.AsProviderError(err); ok && pe.Retryable() {
					continue
				}
				return nil, err
			}
			var job workerJob
			if err := json.Unmarshal(body, &job); err != nil {
				log.Printf("解析响应失败: %v", err)
				continue
			}
			switch job.Status {
			case "finished", "success", "completed", "succeeded":
				return &job, nil
			case "failed", "error":
				kind := models.ProviderErrPermanent
				if job.Error == "" {
					job.Error = "worker reported failure"
				}
				return nil, &models.ProviderError{Kind: kind, Op: "pollJob", Err: errors.New(job.Error)}
			}
			// 其他状态继续轮询
		}
	}
}

// classifyStatus HTTP 状态码 -> 错误分类
func classifyStatus(code int, op string) error {
	switch {
	case code == http.StatusOK || code == http.StatusCreated || code == http.StatusAccepted:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return &models.ProviderError{Kind: models.ProviderErrCredential, Op: op, Err: fmt.Errorf("worker status code: %d", code)}
	case code == http.StatusTooManyRequests || code >= 500:
		return &models.ProviderError{Kind: models.ProviderErrTransient, Op: op, Err: fmt.Errorf("worker status code: %d", code)}
	default:
		return &models.ProviderError{Kind: models.ProviderErrPermanent, Op: op, Err: fmt.Errorf("worker status code: %d", code)}
	}
}

func wrapOp(err error, op string) error {
	if pe, ok := models.AsProviderError(err); ok {
		return &models.ProviderError{Kind: pe.Kind, Op: op, Err: pe.Err}
	}
	return &models.ProviderError{Kind: models.ProviderErrTransient, Op: op, Err: err}
}

func masterPathOf(p *models.Project) string {
	if p.RenderManifest != nil {
		return p.RenderManifest.MasterPath
	}
	return ""
}

// 工具函数：安全取值
func getString(m map[string]interface{}, key string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func getFloat(m map[string]interface{}, key string) float64 {
	if v, ok := m[key]; ok {
		if f, ok := v.(float64); ok {
			return f
		}
	}
	return 0
}

func getBool(m map[string]interface{}, key string) bool {
	if v, ok := m[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return false
}

func headOf(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
