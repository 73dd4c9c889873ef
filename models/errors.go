package models

import (
	"errors"
	"fmt"
)

// ErrNotFound 项目不存在。
var ErrNotFound = errors.New("project not found")

// ValidationError 创建参数非法（空简报、非正时长等），不重试。
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// InvalidStateError 当前状态不接受该触发，携带当前状态方便调用方重新同步。
type InvalidStateError struct {
	State    Stage
	Expected string // 当前状态期望的触发名，可为空
}

func (e *InvalidStateError) Error() string {
	if e.Expected != "" {
		return fmt.Sprintf("operation not allowed in state %q (expected trigger: %s)", e.State, e.Expected)
	}
	return fmt.Sprintf("operation not allowed in state %q", e.State)
}

// 网关错误分类：transient 可退避重试，permanent 内容/策略拒绝不重试，
// expired_credential 是配置问题，立即上浮。
const (
	ProviderErrTransient  = "transient"
	ProviderErrPermanent  = "permanent"
	ProviderErrCredential = "expired_credential"
)

type ProviderError struct {
	Kind string // transient / permanent / expired_credential
	Op   string // writeScript / generateStoryboard / renderShot / ...
	Err  error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s failed (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Retryable transient 错误在网关边界内重试，其余直接上浮。
func (e *ProviderError) Retryable() bool { return e.Kind == ProviderErrTransient }

// BudgetExceededError 预算护栏拦截了 advance（可选闸门，非核心状态机的一部分）。
type BudgetExceededError struct {
	SpentUSD float64
	LimitUSD float64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("budget exceeded: spent %.2f of limit %.2f USD", e.SpentUSD, e.LimitUSD)
}

// AsProviderError errors.As 的便捷封装。
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
