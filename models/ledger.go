package models

// Ledger 项目流水线字段的单写者账本。
// 所有写方法都会刷新 updatedAt；状态守卫在这里执行，
// 迁移合法性由上层状态机判定后通过 TransitionState 落库。
type Ledger interface {
	Create(p *Project) error
	Get(id string) (*Project, error)
	List() ([]ProjectSummary, error)

	// CommitScript 要求当前状态在 {brief_pending, script_pending}，
	// 写入脚本并推进到 script_review。
	CommitScript(id, script, summary string) (*Project, error)

	// CommitStoryboard 要求当前状态为 storyboard_pending；
	// 整体替换分镜并删除旧 shots（按场景号挂接的旧渲染对新分镜无意义），
	// 推进到 storyboard_ready。失败的生成尝试不会走到这里，旧分镜保持原样。
	CommitStoryboard(id string, scenes []Scene) (*Project, error)

	// CreateShots 渲染开始时批量建立 queued 状态的 shot 行。
	CreateShots(id string, shots []Shot) error

	// CommitShotUpdate 按 sceneNumber upsert 单个 shot，不改项目状态——
	// 何时"全部完成即进入预览"由上层在项目锁内判定。
	CommitShotUpdate(id string, sceneNumber int, status, videoURL, errMsg string, costUSD float64) (*Project, error)

	SetRenderManifest(id string, m *RenderManifest) error
	SetPreviewRecord(id string, r *PreviewRecord) error

	// TransitionState 裸状态覆写，仅供状态机在校验合法后调用。
	TransitionState(id string, to Stage) (*Project, error)

	RecordCost(id string, amountUSD float64) error
	SetError(id string, msg string) error
}
