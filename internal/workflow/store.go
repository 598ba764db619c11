package workflow

import (
	"context"

	"OrcaFlow/internal/jobrun"
)

// Store 抽象了工作流与步骤状态的持久化接口。
// 所有状态变更方法都以条件更新实现，保证并发调用下的单次生效：
// 前置条件不满足时返回 ErrStepConflict 或 ErrInvalidWorkflowState，
// 由调用方决定是重读还是报错。
type Store interface {
	// CreateWorkflow 持久化新的工作流。ID 冲突时返回 ErrStepConflict。
	CreateWorkflow(ctx context.Context, w *Workflow) error
	// GetWorkflow 返回指定工作流。
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	// ListWorkflows 返回符合过滤条件的工作流列表。
	ListWorkflows(ctx context.Context, opts ListOptions) ([]*Workflow, error)
	// Stats 返回符合过滤条件的工作流统计。
	Stats(ctx context.Context, opts ListOptions) (Stats, error)
	// TransitionStatus 在工作流当前状态属于 from 集合时将其置为 to，
	// 否则返回 ErrInvalidWorkflowState。
	TransitionStatus(ctx context.Context, id string, from []Status, to Status) (*Workflow, error)
	// Advance 在 CurrentStep 等于 fromIndex 且状态为 active 时将
	// CurrentStep 置为 fromIndex+1 并把状态置为 to，否则返回
	// ErrStepConflict。
	Advance(ctx context.Context, id string, fromIndex int, to Status) (*Workflow, error)

	// CreateStepResult 持久化新的步骤记录。(WorkflowID, StepIndex)
	// 已存在时返回 ErrStepConflict。
	CreateStepResult(ctx context.Context, r *StepResult) error
	// GetStepResult 返回指定步骤记录。
	GetStepResult(ctx context.Context, id string) (*StepResult, error)
	// StepResultByIndex 按 (workflowID, stepIndex) 返回步骤记录。
	StepResultByIndex(ctx context.Context, workflowID string, stepIndex int) (*StepResult, error)
	// ClaimAttempt 在 Attempts 等于 expect 且任务未进入终态时将
	// Attempts 加一，否则返回 ErrStepConflict。
	ClaimAttempt(ctx context.Context, stepID string, expect int) (*StepResult, error)
	// BindJob 记录远端任务句柄并把任务状态置为 running。
	BindJob(ctx context.Context, stepID string, handle jobrun.Handle) (*StepResult, error)
	// ReconcileJob 将远端观察到的任务结果写入步骤记录。已进入终态的
	// 任务状态不会被覆盖，此时返回库中现状。payment 非空时一并更新
	// 支付状态。
	ReconcileJob(ctx context.Context, stepID string, res jobrun.Result, payment PaymentStatus) (*StepResult, error)
	// RecordPayment 写入一次支付核验的结论。仅当支付状态为
	// awaiting_payment 或 rejected 时生效，否则返回 ErrStepConflict。
	// status 为 rejected 时 PaymentAttempts 加一。
	RecordPayment(ctx context.Context, stepID string, txnIDs []string, status PaymentStatus, reason string) (*StepResult, error)
	// Close 释放底层资源。
	Close() error
}
