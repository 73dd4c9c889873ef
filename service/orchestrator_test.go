package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"creative-studio-server/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGateway 包一层 MockGateway，允许按方法注入钩子并统计调用次数。
type fakeGateway struct {
	*MockGateway

	mu              sync.Mutex
	scriptCalls     int
	storyboardCalls int
	renderCalls     int

	scriptHook     func() error
	storyboardHook func() error
	renderErr      error
	validateHook   func() (*ValidationOutcome, error)
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{MockGateway: NewMockGateway()}
}

func (g *fakeGateway) WriteScript(ctx context.Context, brief string, durationSeconds int, style string) (*ScriptResult, error) {
	g.mu.Lock()
	g.scriptCalls++
	hook := g.scriptHook
	g.mu.Unlock()
	if hook != nil {
		if err := hook(); err != nil {
			return nil, err
		}
	}
	return g.MockGateway.WriteScript(ctx, brief, durationSeconds, style)
}

func (g *fakeGateway) GenerateStoryboard(ctx context.Context, script string, sceneCount int, style string) ([]models.Scene, float64, error) {
	g.mu.Lock()
	g.storyboardCalls++
	hook := g.storyboardHook
	g.mu.Unlock()
	if hook != nil {
		if err := hook(); err != nil {
			return nil, 0, err
		}
	}
	return g.MockGateway.GenerateStoryboard(ctx, script, sceneCount, style)
}

func (g *fakeGateway) RenderShot(ctx context.Context, scene models.Scene, style string) (*ShotResult, error) {
	g.mu.Lock()
	g.renderCalls++
	err := g.renderErr
	g.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return g.MockGateway.RenderShot(ctx, scene, style)
}

func (g *fakeGateway) ValidatePreview(ctx context.Context, p *models.Project) (*ValidationOutcome, error) {
	g.mu.Lock()
	hook := g.validateHook
	g.mu.Unlock()
	if hook != nil {
		return hook()
	}
	return g.MockGateway.ValidatePreview(ctx, p)
}

func (g *fakeGateway) scriptCallCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.scriptCalls
}

// recordingEnqueuer 只记录入队请求，测试里手动驱动 ProcessRenderShot。
type recordingEnqueuer struct {
	mu       sync.Mutex
	enqueued []RenderShotPayload
}

func (e *recordingEnqueuer) EnqueueRenderShot(projectID string, sceneNumber int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.enqueued = append(e.enqueued, RenderShotPayload{ProjectID: projectID, SceneNumber: sceneNumber})
	return nil
}

func (e *recordingEnqueuer) payloads() []RenderShotPayload {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]RenderShotPayload(nil), e.enqueued...)
}

func newTestOrchestrator(gw Gateway) (*Orchestrator, *models.MemoryLedger, *recordingEnqueuer) {
	ledger := models.NewMemoryLedger()
	enq := &recordingEnqueuer{}
	orc := NewOrchestrator(ledger, gw, PassthroughStore{}, NopCostMonitor{}, enq)
	return orc, ledger, enq
}

func mustCreate(t *testing.T, orc *Orchestrator) *models.Project {
	t.Helper()
	p, err := orc.CreateProject(context.Background(), CreateProjectSpec{
		Brief:           "为新款降噪耳机做一支 30 秒宣传片",
		DurationSeconds: 30,
	})
	require.NoError(t, err)
	return p
}

// 把项目推到 storyboard_ready
func mustReachStoryboard(t *testing.T, orc *Orchestrator) *models.Project {
	t.Helper()
	ctx := context.Background()
	p := mustCreate(t, orc)
	p, err := orc.Advance(ctx, p.ID, false)
	require.NoError(t, err)
	require.Equal(t, models.StageScriptReview, p.State)
	p, err = orc.ApproveScript(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, models.StageStoryboardReady, p.State)
	return p
}

func TestCreateProject(t *testing.T) {
	orc, _, _ := newTestOrchestrator(newFakeGateway())
	ctx := context.Background()

	p1 := mustCreate(t, orc)
	p2 := mustCreate(t, orc)
	assert.NotEqual(t, p1.ID, p2.ID)
	assert.Equal(t, models.StageBriefPending, p1.State)
	assert.NotEmpty(t, p1.Title) // brief 开头自动生成

	_, err := orc.CreateProject(ctx, CreateProjectSpec{Brief: "   ", DurationSeconds: 30})
	var ve *models.ValidationError
	assert.ErrorAs(t, err, &ve)

	_, err = orc.CreateProject(ctx, CreateProjectSpec{Brief: "ok", DurationSeconds: 0})
	assert.ErrorAs(t, err, &ve)
}

func TestAdvanceGeneratesScript(t *testing.T) {
	gw := newFakeGateway()
	orc, _, _ := newTestOrchestrator(gw)
	p := mustCreate(t, orc)

	got, err := orc.Advance(context.Background(), p.ID, false)
	require.NoError(t, err)
	assert.Equal(t, models.StageScriptReview, got.State)
	assert.NotEmpty(t, got.Script)
	assert.Greater(t, got.CostUSD, 0.0)
	assert.Equal(t, 1, gw.scriptCallCount())
}

// 在途阶段的重复 advance 必须是 no-op：网关只被调用一次。
func TestDuplicateAdvanceSingleGatewayCall(t *testing.T) {
	gw := newFakeGateway()
	entered := make(chan struct{})
	release := make(chan struct{})
	gw.scriptHook = func() error {
		close(entered)
		<-release
		return nil
	}
	orc, _, _ := newTestOrchestrator(gw)
	p := mustCreate(t, orc)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := orc.Advance(ctx, p.ID, false)
		done <- err
	}()
	<-entered

	// 第一次调用还挂在网关里，此时触发第二次 advance
	snap, err := orc.Advance(ctx, p.ID, false)
	require.NoError(t, err)
	assert.Equal(t, models.StageScriptPending, snap.State)

	close(release)
	require.NoError(t, <-done)

	assert.Equal(t, 1, gw.scriptCallCount())
	got, err := orc.GetProject(p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StageScriptReview, got.State)
}

func TestApproveScriptRequiresReview(t *testing.T) {
	orc, _, _ := newTestOrchestrator(newFakeGateway())
	p := mustCreate(t, orc)

	_, err := orc.ApproveScript(context.Background(), p.ID)
	var se *models.InvalidStateError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, models.StageBriefPending, se.State)

	got, _ := orc.GetProject(p.ID)
	assert.Equal(t, models.StageBriefPending, got.State)
}

func TestApproveScriptGeneratesStoryboard(t *testing.T) {
	orc, _, _ := newTestOrchestrator(newFakeGateway())
	p := mustReachStoryboard(t, orc)

	// duration 30s -> 6 个场景
	assert.Len(t, p.Storyboard, 6)
	for i, sc := range p.Storyboard {
		assert.Equal(t, i+1, sc.SceneNumber)
		assert.NotEmpty(t, sc.VisualReferencePath)
	}
}

// 分镜生成失败不判死项目：脚本还在，停在 storyboard_pending 可重试。
func TestStoryboardFailureKeepsProjectAlive(t *testing.T) {
	gw := newFakeGateway()
	gw.storyboardHook = func() error {
		return &models.ProviderError{Kind: models.ProviderErrTransient, Op: "generateStoryboard", Err: errors.New("worker unavailable")}
	}
	orc, _, _ := newTestOrchestrator(gw)
	ctx := context.Background()
	p := mustCreate(t, orc)
	p, err := orc.Advance(ctx, p.ID, false)
	require.NoError(t, err)

	_, err = orc.ApproveScript(ctx, p.ID)
	require.Error(t, err)

	got, err := orc.GetProject(p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StageStoryboardPending, got.State)
	assert.NotEmpty(t, got.Script)
	assert.NotEmpty(t, got.ErrorMessage)

	// 故障恢复后 advance 重试成功
	gw.mu.Lock()
	gw.storyboardHook = nil
	gw.mu.Unlock()
	got, err = orc.Advance(ctx, p.ID, false)
	require.NoError(t, err)
	assert.Equal(t, models.StageStoryboardReady, got.State)
}

// 重新生成失败时旧分镜必须原封不动。
func TestRegenerateRoundTripSafety(t *testing.T) {
	gw := newFakeGateway()
	orc, _, _ := newTestOrchestrator(gw)
	ctx := context.Background()
	p := mustReachStoryboard(t, orc)
	original := p.Storyboard

	gw.mu.Lock()
	gw.storyboardHook = func() error {
		return &models.ProviderError{Kind: models.ProviderErrPermanent, Op: "generateStoryboard", Err: errors.New("bad prompt")}
	}
	gw.mu.Unlock()

	_, err := orc.RegenerateStoryboard(ctx, p.ID)
	require.Error(t, err)

	got, err := orc.GetProject(p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StageStoryboardReady, got.State)
	require.Len(t, got.Storyboard, len(original))
	for i := range original {
		assert.Equal(t, original[i].Description, got.Storyboard[i].Description)
	}

	// 成功的重新生成整体替换
	gw.mu.Lock()
	gw.storyboardHook = nil
	gw.mu.Unlock()
	got, err = orc.RegenerateStoryboard(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StageStoryboardReady, got.State)
	assert.Empty(t, got.Shots)
}

func TestRegenerateOnlyFromStoryboardReady(t *testing.T) {
	orc, _, _ := newTestOrchestrator(newFakeGateway())
	p := mustCreate(t, orc)

	_, err := orc.RegenerateStoryboard(context.Background(), p.ID)
	var se *models.InvalidStateError
	assert.ErrorAs(t, err, &se)
}

func TestAdvanceToRenderEnqueuesShots(t *testing.T) {
	orc, _, enq := newTestOrchestrator(newFakeGateway())
	p := mustReachStoryboard(t, orc)

	got, err := orc.Advance(context.Background(), p.ID, false)
	require.NoError(t, err)
	assert.Equal(t, models.StageRenderPending, got.State)
	require.Len(t, got.Shots, len(p.Storyboard))
	for _, sh := range got.Shots {
		assert.Equal(t, models.ShotStatusQueued, sh.Status)
	}
	assert.Len(t, enq.payloads(), len(p.Storyboard))
}

func TestAdvanceRejectsMissingReferences(t *testing.T) {
	orc, ledger, _ := newTestOrchestrator(newFakeGateway())
	ctx := context.Background()
	p := mustCreate(t, orc)
	for _, next := range []models.Stage{
		models.StageScriptPending, models.StageScriptReview, models.StageStoryboardPending,
	} {
		_, err := ledger.TransitionState(p.ID, next)
		require.NoError(t, err)
	}
	_, err := ledger.CommitStoryboard(p.ID, []models.Scene{
		{SceneNumber: 1, Description: "有参考图", VisualReferencePath: "https://assets.invalid/1.png"},
		{SceneNumber: 2, Description: "缺参考图"},
	})
	require.NoError(t, err)

	_, err = orc.Advance(ctx, p.ID, false)
	var ve *models.ValidationError
	require.ErrorAs(t, err, &ve)

	// accept_partial 放行
	got, err := orc.Advance(ctx, p.ID, true)
	require.NoError(t, err)
	assert.Equal(t, models.StageRenderPending, got.State)
}

func TestShotAggregationToPreview(t *testing.T) {
	orc, _, enq := newTestOrchestrator(newFakeGateway())
	ctx := context.Background()
	p := mustReachStoryboard(t, orc)
	_, err := orc.Advance(ctx, p.ID, false)
	require.NoError(t, err)

	for _, payload := range enq.payloads() {
		require.NoError(t, orc.ProcessRenderShot(ctx, payload.ProjectID, payload.SceneNumber))
	}

	got, err := orc.GetProject(p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StagePreviewReady, got.State)
	require.NotNil(t, got.RenderManifest)
	assert.Equal(t, len(p.Storyboard), got.RenderManifest.ShotCount)
	require.NotNil(t, got.PreviewRecord)
	assert.NotEmpty(t, got.PreviewRecord.PreviewURL)
}

func TestAllShotsFailedFailsProject(t *testing.T) {
	gw := newFakeGateway()
	gw.renderErr = &models.ProviderError{Kind: models.ProviderErrPermanent, Op: "renderShot", Err: errors.New("model rejected prompt")}
	orc, _, enq := newTestOrchestrator(gw)
	ctx := context.Background()
	p := mustReachStoryboard(t, orc)
	_, err := orc.Advance(ctx, p.ID, false)
	require.NoError(t, err)

	for _, payload := range enq.payloads() {
		require.NoError(t, orc.ProcessRenderShot(ctx, payload.ProjectID, payload.SceneNumber))
	}

	got, err := orc.GetProject(p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StageFailed, got.State)
	assert.NotEmpty(t, got.ErrorMessage)
}

// 部分失败可容忍：只要有一个成功就进预览。
func TestPartialShotFailureStillPreviews(t *testing.T) {
	gw := newFakeGateway()
	orc, _, enq := newTestOrchestrator(gw)
	ctx := context.Background()
	p := mustReachStoryboard(t, orc)
	_, err := orc.Advance(ctx, p.ID, false)
	require.NoError(t, err)

	payloads := enq.payloads()
	// 第一个场景失败，其余成功
	gw.mu.Lock()
	gw.renderErr = &models.ProviderError{Kind: models.ProviderErrPermanent, Op: "renderShot", Err: errors.New("boom")}
	gw.mu.Unlock()
	require.NoError(t, orc.ProcessRenderShot(ctx, payloads[0].ProjectID, payloads[0].SceneNumber))

	gw.mu.Lock()
	gw.renderErr = nil
	gw.mu.Unlock()
	for _, payload := range payloads[1:] {
		require.NoError(t, orc.ProcessRenderShot(ctx, payload.ProjectID, payload.SceneNumber))
	}

	got, err := orc.GetProject(p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StagePreviewReady, got.State)

	// 失败场景的结果保留在 shot 行上
	failed := 0
	for _, sh := range got.Shots {
		if sh.Status == models.ShotStatusFailed {
			failed++
			assert.NotEmpty(t, sh.ErrorMessage)
		}
	}
	assert.Equal(t, 1, failed)
}

// 汇总被错过（比如 worker 在最后一次提交后崩溃）时，
// 下一次 advance 必须把项目从 render_pending 捞出来。
func TestAdvanceRecoversMissedAggregation(t *testing.T) {
	orc, ledger, enq := newTestOrchestrator(newFakeGateway())
	ctx := context.Background()
	p := mustReachStoryboard(t, orc)
	_, err := orc.Advance(ctx, p.ID, false)
	require.NoError(t, err)

	// 直接在账本上把所有 shot 提交成完成，不触发汇总
	for _, payload := range enq.payloads() {
		_, err := ledger.CommitShotUpdate(payload.ProjectID, payload.SceneNumber,
			models.ShotStatusCompleted, "https://assets.invalid/recovered.mp4", "", 0.5)
		require.NoError(t, err)
	}
	got, err := orc.GetProject(p.ID)
	require.NoError(t, err)
	require.Equal(t, models.StageRenderPending, got.State)

	got, err = orc.Advance(ctx, p.ID, false)
	require.NoError(t, err)
	assert.Equal(t, models.StagePreviewReady, got.State)
	require.NotNil(t, got.PreviewRecord)
}

// 同一场景的队列重投递也要补做汇总检查。
func TestRedeliveryRecoversMissedAggregation(t *testing.T) {
	orc, ledger, enq := newTestOrchestrator(newFakeGateway())
	ctx := context.Background()
	p := mustReachStoryboard(t, orc)
	_, err := orc.Advance(ctx, p.ID, false)
	require.NoError(t, err)

	for _, payload := range enq.payloads() {
		_, err := ledger.CommitShotUpdate(payload.ProjectID, payload.SceneNumber,
			models.ShotStatusCompleted, "https://assets.invalid/recovered.mp4", "", 0.5)
		require.NoError(t, err)
	}

	// 重投递打到一个已是终态的 shot 上
	first := enq.payloads()[0]
	require.NoError(t, orc.ProcessRenderShot(ctx, first.ProjectID, first.SceneNumber))

	got, err := orc.GetProject(p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StagePreviewReady, got.State)
}

// 队列重投递：已到终态的 shot 不再触发网关。
func TestProcessRenderShotIdempotent(t *testing.T) {
	gw := newFakeGateway()
	orc, _, enq := newTestOrchestrator(gw)
	ctx := context.Background()
	p := mustReachStoryboard(t, orc)
	_, err := orc.Advance(ctx, p.ID, false)
	require.NoError(t, err)

	payload := enq.payloads()[0]
	require.NoError(t, orc.ProcessRenderShot(ctx, payload.ProjectID, payload.SceneNumber))
	gw.mu.Lock()
	before := gw.renderCalls
	gw.mu.Unlock()

	require.NoError(t, orc.ProcessRenderShot(ctx, payload.ProjectID, payload.SceneNumber))
	gw.mu.Lock()
	after := gw.renderCalls
	gw.mu.Unlock()
	assert.Equal(t, before, after)
}

func TestValidationFailureReturnsToPreview(t *testing.T) {
	gw := newFakeGateway()
	gw.validateHook = func() (*ValidationOutcome, error) {
		return &ValidationOutcome{Passed: false, Score: 0.4, Notes: "音画不同步", CostUSD: 0.05}, nil
	}
	orc, _, enq := newTestOrchestrator(gw)
	ctx := context.Background()
	p := mustReachStoryboard(t, orc)
	_, err := orc.Advance(ctx, p.ID, false)
	require.NoError(t, err)
	for _, payload := range enq.payloads() {
		require.NoError(t, orc.ProcessRenderShot(ctx, payload.ProjectID, payload.SceneNumber))
	}

	got, err := orc.Advance(ctx, p.ID, false)
	require.NoError(t, err)
	assert.Equal(t, models.StagePreviewReady, got.State)
	require.NotNil(t, got.PreviewRecord)
	assert.Equal(t, "needs_revision", got.PreviewRecord.QCStatus)
	assert.Equal(t, "音画不同步", got.PreviewRecord.QCNotes)
}

func TestFullPipelineToCompleted(t *testing.T) {
	orc, _, enq := newTestOrchestrator(newFakeGateway())
	ctx := context.Background()
	p := mustReachStoryboard(t, orc)

	_, err := orc.Advance(ctx, p.ID, false)
	require.NoError(t, err)
	for _, payload := range enq.payloads() {
		require.NoError(t, orc.ProcessRenderShot(ctx, payload.ProjectID, payload.SceneNumber))
	}

	// preview_ready -> 质检 -> distribution_pending
	got, err := orc.Advance(ctx, p.ID, false)
	require.NoError(t, err)
	assert.Equal(t, models.StageDistributionPending, got.State)
	assert.Equal(t, "approved", got.PreviewRecord.QCStatus)

	// distribution_pending -> completed
	got, err = orc.Advance(ctx, p.ID, false)
	require.NoError(t, err)
	assert.Equal(t, models.StageCompleted, got.State)
	require.NotNil(t, got.RenderManifest)
	assert.NotEmpty(t, got.RenderManifest.MasterPath)
	assert.Equal(t, "ready", got.RenderManifest.Status)

	// 终态后任何触发都报 InvalidState，项目保持不变
	_, err = orc.Advance(ctx, p.ID, false)
	var se *models.InvalidStateError
	assert.ErrorAs(t, err, &se)
	cur, _ := orc.GetProject(p.ID)
	assert.Equal(t, models.StageCompleted, cur.State)
}

func TestBudgetGateBlocksAdvance(t *testing.T) {
	orc, ledger, _ := newTestOrchestrator(newFakeGateway())
	ctx := context.Background()
	p, err := orc.CreateProject(ctx, CreateProjectSpec{
		Brief:           "预算很紧的项目",
		DurationSeconds: 30,
		BudgetLimitUSD:  0.10,
	})
	require.NoError(t, err)
	require.NoError(t, ledger.RecordCost(p.ID, 0.15))

	_, err = orc.Advance(ctx, p.ID, false)
	var be *models.BudgetExceededError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, 0.10, be.LimitUSD)

	// 没配限额时不拦
	p2 := mustCreate(t, orc)
	require.NoError(t, ledger.RecordCost(p2.ID, 100))
	_, err = orc.Advance(ctx, p2.ID, false)
	assert.NoError(t, err)
}

func TestScriptPermanentFailureFailsProject(t *testing.T) {
	gw := newFakeGateway()
	gw.scriptHook = func() error {
		return &models.ProviderError{Kind: models.ProviderErrPermanent, Op: "writeScript", Err: errors.New("content policy")}
	}
	orc, _, _ := newTestOrchestrator(gw)
	p := mustCreate(t, orc)

	_, err := orc.Advance(context.Background(), p.ID, false)
	require.Error(t, err)

	got, _ := orc.GetProject(p.ID)
	assert.Equal(t, models.StageFailed, got.State)
}

// transient 失败留在 script_pending，凭证修好后能继续。
func TestScriptTransientFailureStalls(t *testing.T) {
	gw := newFakeGateway()
	gw.scriptHook = func() error {
		return &models.ProviderError{Kind: models.ProviderErrCredential, Op: "writeScript", Err: errors.New("api key expired")}
	}
	orc, _, _ := newTestOrchestrator(gw)
	ctx := context.Background()
	p := mustCreate(t, orc)

	_, err := orc.Advance(ctx, p.ID, false)
	require.Error(t, err)

	got, _ := orc.GetProject(p.ID)
	assert.Equal(t, models.StageScriptPending, got.State)

	gw.mu.Lock()
	gw.scriptHook = nil
	gw.mu.Unlock()
	got, err = orc.Advance(ctx, p.ID, false)
	require.NoError(t, err)
	assert.Equal(t, models.StageScriptReview, got.State)
}

// 并发 advance 同一项目：恰好一个赢，其余拿到快照或状态冲突，不会重复建 shot。
func TestConcurrentAdvanceFromStoryboardReady(t *testing.T) {
	orc, _, _ := newTestOrchestrator(newFakeGateway())
	ctx := context.Background()
	p := mustReachStoryboard(t, orc)
	sceneCount := len(p.Storyboard)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			orc.Advance(ctx, p.ID, false)
		}()
	}
	wg.Wait()

	got, err := orc.GetProject(p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StageRenderPending, got.State)
	assert.Len(t, got.Shots, sceneCount)
}
