package models

// Stage 是项目在流水线中的位置，全系统唯一权威定义。
// 之前各处用裸字符串比较状态，容易漂移，这里集中成一张迁移表。
type Stage string

const (
	StageBriefPending        Stage = "brief_pending"
	StageScriptPending       Stage = "script_pending"
	StageScriptReview        Stage = "script_review"
	StageStoryboardPending   Stage = "storyboard_pending"
	StageStoryboardReady     Stage = "storyboard_ready"
	StageRenderPending       Stage = "render_pending"
	StagePreviewPending      Stage = "preview_pending"
	StagePreviewReady        Stage = "preview_ready"
	StageValidationPending   Stage = "validation_pending"
	StageDistributionPending Stage = "distribution_pending"
	StageCompleted           Stage = "completed"
	StageFailed              Stage = "failed"
)

// stageEdges 正向迁移表。failed 作为通用失败边单独在 CanTransition 里处理。
// storyboard_ready -> storyboard_pending 是唯一的回退边（重新生成分镜）。
var stageEdges = map[Stage][]Stage{
	StageBriefPending:        {StageScriptPending},
	StageScriptPending:       {StageScriptReview},
	StageScriptReview:        {StageStoryboardPending},
	StageStoryboardPending:   {StageStoryboardReady},
	StageStoryboardReady:     {StageRenderPending, StageStoryboardPending},
	StageRenderPending:       {StagePreviewPending},
	StagePreviewPending:      {StagePreviewReady},
	StagePreviewReady:        {StageValidationPending},
	StageValidationPending:   {StageDistributionPending, StagePreviewReady},
	StageDistributionPending: {StageCompleted},
	StageCompleted:           {},
	StageFailed:              {},
}

func (s Stage) Valid() bool {
	_, ok := stageEdges[s]
	return ok
}

// IsTerminal 终态：不再接受任何触发。
func (s Stage) IsTerminal() bool {
	return s == StageCompleted || s == StageFailed
}

// IsStable 稳定态：客户端轮询到这些状态即可停止。
func (s Stage) IsStable() bool {
	switch s {
	case StageScriptReview, StageStoryboardReady, StagePreviewReady, StageCompleted, StageFailed:
		return true
	}
	return false
}

// IsGatewayPending 这些状态表示有一次网关调用可能在途，
// 在途期间重复 advance 必须是 no-op（防止重复计费）。
func (s Stage) IsGatewayPending() bool {
	switch s {
	case StageScriptPending, StageStoryboardPending, StageRenderPending, StagePreviewPending:
		return true
	}
	return false
}

// CanTransition 判定 from -> to 是否合法。任何非终态都允许进入 failed。
func CanTransition(from, to Stage) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if to == StageFailed {
		return !from.IsTerminal()
	}
	for _, next := range stageEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ExpectedTrigger 返回当前状态期望的外部命令名，用于 InvalidStateError 提示。
// 空串表示该状态不接受任何命令。
func (s Stage) ExpectedTrigger() string {
	switch s {
	case StageScriptReview:
		return "approve-script"
	case StageCompleted, StageFailed:
		return ""
	default:
		return "advance"
	}
}

// AcceptsAdvance advance 命令从该状态是否有意义（含在途 no-op 的 pending 态）。
func (s Stage) AcceptsAdvance() bool {
	return s.ExpectedTrigger() == "advance"
}

// CompletionRatio 粗略完成度，供成本监控做异常预测用。
func (s Stage) CompletionRatio() float64 {
	order := []Stage{
		StageBriefPending, StageScriptPending, StageScriptReview,
		StageStoryboardPending, StageStoryboardReady, StageRenderPending,
		StagePreviewPending, StagePreviewReady, StageValidationPending,
		StageDistributionPending, StageCompleted,
	}
	for i, st := range order {
		if st == s {
			return float64(i) / float64(len(order)-1)
		}
	}
	return 1.0
}
