package service

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"creative-studio-server/models"

	"github.com/google/uuid"
)

// CreateProjectSpec 创建参数。title 为空时取 brief 开头自动生成。
type CreateProjectSpec struct {
	Title           string
	Brief           string
	DurationSeconds int
	Style           string
	BudgetLimitUSD  float64
}

// Orchestrator 项目生命周期的对外门面：协调账本、网关和状态机。
//
// 并发模型：每个项目一个互斥锁，所有写操作串行；耗时的网关调用
// 在锁外执行，调用前先把 *_pending 状态和在途标记落下去，
// 这样重复的 advance 只会看到在途状态并原样返回（不会二次计费）。
type Orchestrator struct {
	ledger    models.Ledger
	gateway   Gateway
	artifacts ArtifactStore
	costs     CostMonitor
	enqueuer  ShotEnqueuer

	StageTimeout time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	// 在途网关调用注册表（projectID -> 阶段名）
	inflight sync.Map
}

func NewOrchestrator(ledger models.Ledger, gateway Gateway, artifacts ArtifactStore, costs CostMonitor, enqueuer ShotEnqueuer) *Orchestrator {
	if artifacts == nil {
		artifacts = PassthroughStore{}
	}
	if costs == nil {
		costs = NopCostMonitor{}
	}
	return &Orchestrator{
		ledger:       ledger,
		gateway:      gateway,
		artifacts:    artifacts,
		costs:        costs,
		enqueuer:     enqueuer,
		StageTimeout: 120 * time.Second,
		locks:        make(map[string]*sync.Mutex),
	}
}

func (o *Orchestrator) projectLock(id string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.locks[id]
	if !ok {
		l = &sync.Mutex{}
		o.locks[id] = l
	}
	return l
}

func (o *Orchestrator) beginStage(id, phase string) bool {
	_, loaded := o.inflight.LoadOrStore(id, phase)
	return !loaded
}

func (o *Orchestrator) endStage(id string) {
	o.inflight.Delete(id)
}

func (o *Orchestrator) isInflight(id string) bool {
	_, ok := o.inflight.Load(id)
	return ok
}

func (o *Orchestrator) stageCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, o.StageTimeout)
}

// ---------------------------------------------------------------------------
// 对外操作
// ---------------------------------------------------------------------------

func (o *Orchestrator) CreateProject(ctx context.Context, spec CreateProjectSpec) (*models.Project, error) {
	if strings.TrimSpace(spec.Brief) == "" {
		return nil, &models.ValidationError{Field: "brief", Reason: "must not be empty"}
	}
	if spec.DurationSeconds <= 0 {
		return nil, &models.ValidationError{Field: "duration_seconds", Reason: "must be positive"}
	}
	title := strings.TrimSpace(spec.Title)
	if title == "" {
		title = headOf(strings.TrimSpace(spec.Brief), 40)
	}
	style := spec.Style
	if style == "" {
		style = "cinematic"
	}
	p := &models.Project{
		ID:              uuid.NewString(),
		Title:           title,
		Brief:           spec.Brief,
		DurationSeconds: spec.DurationSeconds,
		Style:           style,
		State:           models.StageBriefPending,
		BudgetLimitUSD:  spec.BudgetLimitUSD,
	}
	if err := o.ledger.Create(p); err != nil {
		return nil, err
	}
	log.Printf("项目已创建: %s (%s)", p.ID, p.Title)
	return o.ledger.Get(p.ID)
}

func (o *Orchestrator) GetProject(id string) (*models.Project, error) {
	return o.ledger.Get(id)
}

func (o *Orchestrator) ListProjects() ([]models.ProjectSummary, error) {
	return o.ledger.List()
}

// ApproveScript script_review -> storyboard_pending，然后同步生成分镜。
func (o *Orchestrator) ApproveScript(ctx context.Context, id string) (*models.Project, error) {
	lock := o.projectLock(id)
	lock.Lock()

	p, err := o.ledger.Get(id)
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	if p.State != models.StageScriptReview || p.Script == "" {
		lock.Unlock()
		return nil, &models.InvalidStateError{State: p.State, Expected: p.State.ExpectedTrigger()}
	}
	if err := o.checkBudget(p); err != nil {
		lock.Unlock()
		return nil, err
	}
	if !o.beginStage(id, "storyboard") {
		lock.Unlock()
		return o.ledger.Get(id)
	}
	if _, err := o.ledger.TransitionState(id, models.StageStoryboardPending); err != nil {
		o.endStage(id)
		lock.Unlock()
		return nil, err
	}
	lock.Unlock()

	return o.runStoryboardStage(ctx, id)
}

// RegenerateStoryboard "不满意重来"流程：storyboard_ready 的唯一回退边。
// 只有生成成功才整体替换旧分镜；失败时回到 storyboard_ready，旧分镜原封不动。
func (o *Orchestrator) RegenerateStoryboard(ctx context.Context, id string) (*models.Project, error) {
	lock := o.projectLock(id)
	lock.Lock()

	p, err := o.ledger.Get(id)
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	if p.State != models.StageStoryboardReady {
		lock.Unlock()
		return nil, &models.InvalidStateError{State: p.State, Expected: p.State.ExpectedTrigger()}
	}
	if err := o.checkBudget(p); err != nil {
		lock.Unlock()
		return nil, err
	}
	if !o.beginStage(id, "storyboard") {
		lock.Unlock()
		return o.ledger.Get(id)
	}
	if _, err := o.ledger.TransitionState(id, models.StageStoryboardPending); err != nil {
		o.endStage(id)
		lock.Unlock()
		return nil, err
	}
	lock.Unlock()

	project, err := o.runStoryboardStage(ctx, id)
	if err != nil {
		// 生成失败：状态退回 storyboard_ready，之前提交的分镜仍然有效
		lock.Lock()
		if cur, gerr := o.ledger.Get(id); gerr == nil && cur.State == models.StageStoryboardPending {
			o.ledger.TransitionState(id, models.StageStoryboardReady)
		}
		lock.Unlock()
		return nil, err
	}
	return project, nil
}

// Advance 推进项目到下一阶段。对在途的 *_pending 阶段是幂等 no-op。
// acceptPartial: storyboard_ready -> render_pending 时允许部分场景缺参考图。
func (o *Orchestrator) Advance(ctx context.Context, id string, acceptPartial bool) (*models.Project, error) {
	lock := o.projectLock(id)
	lock.Lock()

	p, err := o.ledger.Get(id)
	if err != nil {
		lock.Unlock()
		return nil, err
	}

	// 在途的网关阶段：重复触发直接返回当前快照，绝不二次调用网关
	if p.State.IsGatewayPending() && o.isInflight(id) {
		lock.Unlock()
		return p, nil
	}

	if !p.State.AcceptsAdvance() {
		lock.Unlock()
		return nil, &models.InvalidStateError{State: p.State, Expected: p.State.ExpectedTrigger()}
	}
	if err := o.checkBudget(p); err != nil {
		lock.Unlock()
		return nil, err
	}

	switch p.State {
	case models.StageBriefPending, models.StageScriptPending:
		if !o.beginStage(id, "script") {
			lock.Unlock()
			return o.ledger.Get(id)
		}
		if p.State == models.StageBriefPending {
			if _, err := o.ledger.TransitionState(id, models.StageScriptPending); err != nil {
				o.endStage(id)
				lock.Unlock()
				return nil, err
			}
		}
		lock.Unlock()
		return o.runScriptStage(ctx, id)

	case models.StageStoryboardPending:
		// 没有在途调用却停在 pending：上次尝试失败了，重试生成
		if !o.beginStage(id, "storyboard") {
			lock.Unlock()
			return o.ledger.Get(id)
		}
		lock.Unlock()
		return o.runStoryboardStage(ctx, id)

	case models.StageStoryboardReady:
		defer lock.Unlock()
		return o.startRender(p, acceptPartial)

	case models.StageRenderPending:
		lock.Unlock()
		// 先补一次汇总：所有 shot 都到终态却还停在 render_pending，
		// 说明之前的汇总被错过了（worker 在提交后崩溃等）
		if err := o.settleRenderIfDone(ctx, id); err != nil {
			return nil, err
		}
		cur, err := o.ledger.Get(id)
		if err != nil {
			return nil, err
		}
		if cur.State != models.StageRenderPending {
			return cur, nil
		}
		return o.resumeRender(cur)

	case models.StagePreviewPending:
		if !o.beginStage(id, "preview") {
			lock.Unlock()
			return o.ledger.Get(id)
		}
		lock.Unlock()
		return o.runPreviewStage(ctx, id)

	case models.StagePreviewReady:
		if !o.beginStage(id, "validation") {
			lock.Unlock()
			return o.ledger.Get(id)
		}
		if _, err := o.ledger.TransitionState(id, models.StageValidationPending); err != nil {
			o.endStage(id)
			lock.Unlock()
			return nil, err
		}
		lock.Unlock()
		return o.runValidationStage(ctx, id)

	case models.StageValidationPending:
		if !o.beginStage(id, "validation") {
			lock.Unlock()
			return o.ledger.Get(id)
		}
		lock.Unlock()
		return o.runValidationStage(ctx, id)

	case models.StageDistributionPending:
		if !o.beginStage(id, "distribution") {
			lock.Unlock()
			return o.ledger.Get(id)
		}
		lock.Unlock()
		return o.runDistributionStage(ctx, id)
	}

	lock.Unlock()
	return nil, &models.InvalidStateError{State: p.State, Expected: p.State.ExpectedTrigger()}
}

// ---------------------------------------------------------------------------
// 各阶段执行（网关调用在项目锁外）
// ---------------------------------------------------------------------------

func (o *Orchestrator) runScriptStage(ctx context.Context, id string) (*models.Project, error) {
	defer o.endStage(id)

	p, err := o.ledger.Get(id)
	if err != nil {
		return nil, err
	}
	sctx, cancel := o.stageCtx(ctx)
	defer cancel()
	result, gerr := o.gateway.WriteScript(sctx, p.Brief, p.DurationSeconds, p.Style)

	lock := o.projectLock(id)
	lock.Lock()
	defer lock.Unlock()

	if gerr != nil {
		// 脚本阶段没有可保留的中间产物：permanent 直接判死项目；
		// transient/凭证问题留在 script_pending，修好后可以再 advance 重试
		if pe, ok := models.AsProviderError(gerr); ok && pe.Kind == models.ProviderErrPermanent {
			o.failProject(id, gerr.Error())
		} else {
			o.ledger.SetError(id, gerr.Error())
		}
		return nil, gerr
	}

	project, err := o.ledger.CommitScript(id, result.Script, result.Summary)
	if err != nil {
		return nil, err
	}
	o.ledger.RecordCost(id, result.CostUSD)
	o.costs.Record(id, "script", result.CostUSD)
	log.Printf("脚本生成完成: project=%s cost=%.2f", id, result.CostUSD)
	return o.ledger.Get(project.ID)
}

func (o *Orchestrator) runStoryboardStage(ctx context.Context, id string) (*models.Project, error) {
	defer o.endStage(id)

	p, err := o.ledger.Get(id)
	if err != nil {
		return nil, err
	}
	sceneCount := sceneCountFor(p.DurationSeconds)
	sctx, cancel := o.stageCtx(ctx)
	defer cancel()
	scenes, cost, gerr := o.gateway.GenerateStoryboard(sctx, p.Script, sceneCount, p.Style)

	lock := o.projectLock(id)
	lock.Lock()
	defer lock.Unlock()

	if gerr != nil {
		// 脚本还在，项目有救：记录错误，停在 storyboard_pending 等重试
		o.ledger.SetError(id, gerr.Error())
		return nil, gerr
	}

	for i := range scenes {
		scenes[i].ID = uuid.NewString()
		scenes[i].ProjectId = id
	}
	project, err := o.ledger.CommitStoryboard(id, scenes)
	if err != nil {
		return nil, err
	}
	o.ledger.RecordCost(id, cost)
	o.costs.Record(id, "storyboard", cost)
	log.Printf("分镜生成完成: project=%s scenes=%d cost=%.2f", id, len(scenes), cost)
	return o.ledger.Get(project.ID)
}

// startRender 在项目锁内调用：建 shot 行、落 render_pending、逐场景入队。
func (o *Orchestrator) startRender(p *models.Project, acceptPartial bool) (*models.Project, error) {
	if len(p.Storyboard) == 0 {
		return nil, &models.InvalidStateError{State: p.State, Expected: "advance"}
	}
	if !acceptPartial {
		for i := range p.Storyboard {
			if p.Storyboard[i].VisualReferencePath == "" {
				return nil, &models.ValidationError{
					Field:  "storyboard",
					Reason: fmt.Sprintf("scene %d has no visual reference; pass accept_partial to render anyway", p.Storyboard[i].SceneNumber),
				}
			}
		}
	}

	shots := make([]models.Shot, 0, len(p.Storyboard))
	for i := range p.Storyboard {
		sc := p.Storyboard[i]
		shots = append(shots, models.Shot{
			ID:          uuid.NewString(),
			ProjectId:   p.ID,
			SceneNumber: sc.SceneNumber,
			Prompt:      shotPrompt(p, &sc),
			Status:      models.ShotStatusQueued,
		})
	}
	if err := o.ledger.CreateShots(p.ID, shots); err != nil {
		return nil, err
	}
	project, err := o.ledger.TransitionState(p.ID, models.StageRenderPending)
	if err != nil {
		return nil, err
	}
	for i := range shots {
		if err := o.enqueuer.EnqueueRenderShot(p.ID, shots[i].SceneNumber); err != nil {
			log.Printf("渲染任务入队失败 project=%s scene=%d: %v", p.ID, shots[i].SceneNumber, err)
		}
	}
	return project, nil
}

// resumeRender render_pending 下的 advance：把还停在 queued 的分镜重新入队。
// 客户端超时放弃后 worker 侧可能已经完成，也可能整条丢了，这里兜底。
func (o *Orchestrator) resumeRender(p *models.Project) (*models.Project, error) {
	requeued := 0
	for i := range p.Shots {
		if p.Shots[i].Status == models.ShotStatusQueued {
			if err := o.enqueuer.EnqueueRenderShot(p.ID, p.Shots[i].SceneNumber); err != nil {
				log.Printf("重新入队失败 project=%s scene=%d: %v", p.ID, p.Shots[i].SceneNumber, err)
				continue
			}
			requeued++
		}
	}
	if requeued > 0 {
		log.Printf("render_pending 重新入队 %d 个分镜: project=%s", requeued, p.ID)
	}
	return p, nil
}

func (o *Orchestrator) runPreviewStage(ctx context.Context, id string) (*models.Project, error) {
	defer o.endStage(id)
	return o.buildPreview(ctx, id)
}

func (o *Orchestrator) runValidationStage(ctx context.Context, id string) (*models.Project, error) {
	defer o.endStage(id)

	p, err := o.ledger.Get(id)
	if err != nil {
		return nil, err
	}
	sctx, cancel := o.stageCtx(ctx)
	defer cancel()
	outcome, gerr := o.gateway.ValidatePreview(sctx, p)

	lock := o.projectLock(id)
	lock.Lock()
	defer lock.Unlock()

	if gerr != nil {
		o.ledger.SetError(id, gerr.Error())
		return nil, gerr
	}
	o.ledger.RecordCost(id, outcome.CostUSD)
	o.costs.Record(id, "validation", outcome.CostUSD)

	if !outcome.Passed {
		// 质检未过：退回 preview_ready 等人工处理，附上修改意见
		if p.PreviewRecord != nil {
			rec := *p.PreviewRecord
			rec.QCStatus = "needs_revision"
			rec.QCNotes = outcome.Notes
			o.ledger.SetPreviewRecord(id, &rec)
		}
		return o.ledger.TransitionState(id, models.StagePreviewReady)
	}
	if p.PreviewRecord != nil {
		rec := *p.PreviewRecord
		rec.QCStatus = "approved"
		o.ledger.SetPreviewRecord(id, &rec)
	}
	return o.ledger.TransitionState(id, models.StageDistributionPending)
}

func (o *Orchestrator) runDistributionStage(ctx context.Context, id string) (*models.Project, error) {
	defer o.endStage(id)

	p, err := o.ledger.Get(id)
	if err != nil {
		return nil, err
	}
	sctx, cancel := o.stageCtx(ctx)
	defer cancel()
	path, cost, gerr := o.gateway.StoreArtifact(sctx, p)

	lock := o.projectLock(id)
	lock.Lock()
	defer lock.Unlock()

	if gerr != nil {
		if pe, ok := models.AsProviderError(gerr); ok && pe.Kind == models.ProviderErrPermanent {
			o.failProject(id, gerr.Error())
		} else {
			o.ledger.SetError(id, gerr.Error())
		}
		return nil, gerr
	}
	if p.RenderManifest != nil {
		m := *p.RenderManifest
		m.MasterPath = path
		m.Status = "ready"
		o.ledger.SetRenderManifest(id, &m)
	}
	o.ledger.RecordCost(id, cost)
	o.costs.Record(id, "distribution", cost)
	log.Printf("项目交付完成: %s -> %s", id, path)
	return o.ledger.TransitionState(id, models.StageCompleted)
}

// ---------------------------------------------------------------------------
// 渲染任务处理（由队列 worker 调用）
// ---------------------------------------------------------------------------

// ProcessRenderShot 渲染单个分镜并提交结果，然后做汇总检查。
// 业务失败记到 shot 行上返回 nil（不触发队列重试）；基础设施错误返回 err。
func (o *Orchestrator) ProcessRenderShot(ctx context.Context, projectID string, sceneNumber int) error {
	p, err := o.ledger.Get(projectID)
	if err != nil {
		return err
	}

	var scene *models.Scene
	for i := range p.Storyboard {
		if p.Storyboard[i].SceneNumber == sceneNumber {
			scene = &p.Storyboard[i]
			break
		}
	}
	if scene == nil {
		// 分镜被重新生成过，旧任务作废
		log.Printf("scene %d 已不存在于 project %s，跳过", sceneNumber, projectID)
		return nil
	}
	for i := range p.Shots {
		if p.Shots[i].SceneNumber == sceneNumber && p.Shots[i].Terminal() {
			// 队列重投递，结果已提交过。汇总仍要补查一次：
			// 上一次投递可能在提交结果之后、汇总之前挂掉了
			return o.settleRenderIfDone(ctx, projectID)
		}
	}

	if _, err := o.ledger.CommitShotUpdate(projectID, sceneNumber, models.ShotStatusProcessing, "", "", 0); err != nil {
		return err
	}

	result, gerr := o.gateway.RenderShot(ctx, *scene, p.Style)
	if gerr != nil {
		log.Printf("分镜渲染失败 project=%s scene=%d: %v", projectID, sceneNumber, gerr)
		if _, err := o.ledger.CommitShotUpdate(projectID, sceneNumber, models.ShotStatusFailed, "", gerr.Error(), 0); err != nil {
			return err
		}
		return o.settleRenderIfDone(ctx, projectID)
	}

	// 提供商的 URL 限时有效，先转存再落库
	objectName := fmt.Sprintf("projects/%s/shots/scene-%d.mp4", projectID, sceneNumber)
	finalURL, merr := o.artifacts.Mirror(ctx, result.VideoUrl, objectName)
	if merr != nil {
		// 转存失败不致命：原始地址还能用一阵子，先用它
		log.Printf("转存分镜视频失败(使用源地址) project=%s scene=%d: %v", projectID, sceneNumber, merr)
		finalURL = result.VideoUrl
	}

	if _, err := o.ledger.CommitShotUpdate(projectID, sceneNumber, models.ShotStatusCompleted, finalURL, "", result.CostUSD); err != nil {
		return err
	}
	o.ledger.RecordCost(projectID, result.CostUSD)
	o.costs.Record(projectID, "shots", result.CostUSD)
	log.Printf("分镜渲染完成 project=%s scene=%d", projectID, sceneNumber)

	return o.settleRenderIfDone(ctx, projectID)
}

// settleRenderIfDone 汇总检查必须拿着项目锁做，
// 否则两个几乎同时完成的分镜都会认为自己是"最后一个"，把预览阶段触发两次。
func (o *Orchestrator) settleRenderIfDone(ctx context.Context, projectID string) error {
	lock := o.projectLock(projectID)
	lock.Lock()

	p, err := o.ledger.Get(projectID)
	if err != nil {
		lock.Unlock()
		return err
	}
	if p.State != models.StageRenderPending {
		// 迟到的完成：状态已被推进（或项目已失败），结果照留，不再迁移
		lock.Unlock()
		return nil
	}
	settled, completed, failed := models.ShotsSettled(p.Shots)
	if !settled {
		lock.Unlock()
		return nil
	}
	if completed == 0 {
		log.Printf("全部 %d 个分镜渲染失败: project=%s", failed, projectID)
		o.failProject(projectID, "all shots failed to render")
		lock.Unlock()
		return nil
	}
	// 部分失败可以容忍：带着完成的分镜进预览
	if !o.beginStage(projectID, "preview") {
		lock.Unlock()
		return nil
	}
	if _, err := o.ledger.TransitionState(projectID, models.StagePreviewPending); err != nil {
		o.endStage(projectID)
		lock.Unlock()
		return err
	}
	lock.Unlock()

	_, err = o.runPreviewStage(ctx, projectID)
	return err
}

// buildPreview 组装渲染清单 + 生成预览记录，最后落 preview_ready。
func (o *Orchestrator) buildPreview(ctx context.Context, id string) (*models.Project, error) {
	p, err := o.ledger.Get(id)
	if err != nil {
		return nil, err
	}

	sources := make([]string, 0, len(p.Shots))
	allCompleted := true
	for i := range p.Shots {
		sources = append(sources, p.Shots[i].VideoUrl)
		if p.Shots[i].Status != models.ShotStatusCompleted {
			allCompleted = false
		}
	}
	manifest := &models.RenderManifest{
		DurationSeconds: p.DurationSeconds,
		ShotCount:       len(p.Shots),
		Sources:         sources,
		Status:          "assembling",
	}
	if allCompleted {
		manifest.Status = "ready"
	}
	masterPath, perr := o.artifacts.PutJSON(ctx, fmt.Sprintf("projects/%s/render_manifest.json", id), manifest)
	if perr != nil {
		log.Printf("渲染清单存储失败 project=%s: %v", id, perr)
		masterPath = fmt.Sprintf("projects/%s/render_manifest.json", id)
	}
	manifest.MasterPath = masterPath

	sctx, cancel := o.stageCtx(ctx)
	defer cancel()
	rec, cost, gerr := o.gateway.BuildPreview(sctx, p)

	lock := o.projectLock(id)
	lock.Lock()
	defer lock.Unlock()

	if gerr != nil {
		o.ledger.SetError(id, gerr.Error())
		return nil, gerr
	}
	if err := o.ledger.SetRenderManifest(id, manifest); err != nil {
		return nil, err
	}
	if err := o.ledger.SetPreviewRecord(id, rec); err != nil {
		return nil, err
	}
	o.ledger.RecordCost(id, cost)
	o.costs.Record(id, "preview", cost)
	return o.ledger.TransitionState(id, models.StagePreviewReady)
}

// ---------------------------------------------------------------------------
// 辅助
// ---------------------------------------------------------------------------

// checkBudget 预算闸门（可选）：限额配了且已花超时拦截 advance。
func (o *Orchestrator) checkBudget(p *models.Project) error {
	if p.BudgetLimitUSD > 0 && p.CostUSD >= p.BudgetLimitUSD {
		return &models.BudgetExceededError{SpentUSD: p.CostUSD, LimitUSD: p.BudgetLimitUSD}
	}
	return nil
}

func (o *Orchestrator) failProject(id, msg string) {
	o.ledger.SetError(id, msg)
	if _, err := o.ledger.TransitionState(id, models.StageFailed); err != nil {
		log.Printf("标记项目失败时出错 %s: %v", id, err)
	}
}

func sceneCountFor(durationSeconds int) int {
	n := durationSeconds / 5
	if n < 1 {
		n = 1
	}
	if n > 12 {
		n = 12
	}
	return n
}

func shotPrompt(p *models.Project, sc *models.Scene) string {
	notes := sc.CameraNotes
	if notes == "" {
		notes = "auto"
	}
	return fmt.Sprintf("%s style scene %d: %s. Camera notes: %s. Duration %ds.",
		p.Style, sc.SceneNumber, sc.Description, notes, sc.DurationSeconds)
}
