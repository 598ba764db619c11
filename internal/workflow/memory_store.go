package workflow

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "OrcaFlow/internal/errors"
	"OrcaFlow/internal/jobrun"
)

// MemoryStore 以内存方式保存工作流与步骤状态，用于测试与本地开发。
type MemoryStore struct {
	mu        sync.RWMutex
	workflows map[string]*Workflow
	steps     map[string]*StepResult
	byIndex   map[string]map[int]string
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows: make(map[string]*Workflow),
		steps:     make(map[string]*StepResult),
		byIndex:   make(map[string]map[int]string),
	}
}

// CreateWorkflow 实现 Store 接口。
func (m *MemoryStore) CreateWorkflow(_ context.Context, w *Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "workflow 不能为空")
	}
	if w.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "工作流 ID 不能为空")
	}
	if _, ok := m.workflows[w.ID]; ok {
		return ErrStepConflict
	}
	now := time.Now().Unix()
	if w.CreatedAt == 0 {
		w.CreatedAt = now
	}
	w.UpdatedAt = now
	m.workflows[w.ID] = cloneWorkflow(w)
	return nil
}

// GetWorkflow 返回工作流。
func (m *MemoryStore) GetWorkflow(_ context.Context, id string) (*Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workflows[id]
	if !ok {
		return nil, ErrWorkflowNotFound
	}
	return cloneWorkflow(w), nil
}

// ListWorkflows 返回符合过滤条件的工作流列表。
func (m *MemoryStore) ListWorkflows(_ context.Context, opts ListOptions) ([]*Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	matched := make([]*Workflow, 0, len(m.workflows))
	for _, w := range m.workflows {
		if !matchesListFilters(w, opts) {
			continue
		}
		matched = append(matched, w)
	}

	sort.Slice(matched, func(i, j int) bool {
		if opts.Order == SortByUpdatedAsc {
			return matched[i].UpdatedAt < matched[j].UpdatedAt
		}
		return matched[i].UpdatedAt > matched[j].UpdatedAt
	})

	if opts.Offset >= len(matched) {
		return []*Workflow{}, nil
	}
	matched = matched[opts.Offset:]
	if len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}

	results := make([]*Workflow, len(matched))
	for i, w := range matched {
		results[i] = cloneWorkflow(w)
	}
	return results, nil
}

// Stats 返回符合过滤条件的工作流统计。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	var stats Stats
	for _, w := range m.workflows {
		if !matchesListFilters(w, opts) {
			continue
		}
		stats.add(w.Status, w.UpdatedAt)
	}
	return stats, nil
}

// TransitionStatus 实现 Store 接口。
func (m *MemoryStore) TransitionStatus(_ context.Context, id string, from []Status, to Status) (*Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workflows[id]
	if !ok {
		return nil, ErrWorkflowNotFound
	}
	if !statusIn(w.Status, from) {
		return cloneWorkflow(w), ErrInvalidWorkflowState
	}
	w.Status = to
	w.UpdatedAt = time.Now().Unix()
	return cloneWorkflow(w), nil
}

// Advance 实现 Store 接口。
func (m *MemoryStore) Advance(_ context.Context, id string, fromIndex int, to Status) (*Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workflows[id]
	if !ok {
		return nil, ErrWorkflowNotFound
	}
	if w.Status != StatusActive || w.CurrentStep != fromIndex {
		return cloneWorkflow(w), ErrStepConflict
	}
	w.CurrentStep = fromIndex + 1
	w.Status = to
	w.UpdatedAt = time.Now().Unix()
	return cloneWorkflow(w), nil
}

// CreateStepResult 实现 Store 接口。
func (m *MemoryStore) CreateStepResult(_ context.Context, r *StepResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "step result 不能为空")
	}
	if r.ID == "" || r.WorkflowID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "步骤记录缺少标识")
	}
	if _, ok := m.steps[r.ID]; ok {
		return ErrStepConflict
	}
	if _, ok := m.byIndex[r.WorkflowID][r.StepIndex]; ok {
		return ErrStepConflict
	}
	now := time.Now().Unix()
	if r.CreatedAt == 0 {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	m.steps[r.ID] = cloneStepResult(r)
	if m.byIndex[r.WorkflowID] == nil {
		m.byIndex[r.WorkflowID] = make(map[int]string)
	}
	m.byIndex[r.WorkflowID][r.StepIndex] = r.ID
	return nil
}

// GetStepResult 返回步骤记录。
func (m *MemoryStore) GetStepResult(_ context.Context, id string) (*StepResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.steps[id]
	if !ok {
		return nil, ErrStepNotFound
	}
	return cloneStepResult(r), nil
}

// StepResultByIndex 按 (workflowID, stepIndex) 返回步骤记录。
func (m *MemoryStore) StepResultByIndex(_ context.Context, workflowID string, stepIndex int) (*StepResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byIndex[workflowID][stepIndex]
	if !ok {
		return nil, ErrStepNotFound
	}
	return cloneStepResult(m.steps[id]), nil
}

// ClaimAttempt 实现 Store 接口。
func (m *MemoryStore) ClaimAttempt(_ context.Context, stepID string, expect int) (*StepResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.steps[stepID]
	if !ok {
		return nil, ErrStepNotFound
	}
	if r.Attempts != expect || jobrun.IsTerminal(r.JobStatus) {
		return cloneStepResult(r), ErrStepConflict
	}
	r.Attempts++
	r.UpdatedAt = time.Now().Unix()
	return cloneStepResult(r), nil
}

// BindJob 实现 Store 接口。
func (m *MemoryStore) BindJob(_ context.Context, stepID string, handle jobrun.Handle) (*StepResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.steps[stepID]
	if !ok {
		return nil, ErrStepNotFound
	}
	if jobrun.IsTerminal(r.JobStatus) {
		return cloneStepResult(r), ErrStepConflict
	}
	r.Handle = handle
	r.JobStatus = jobrun.StatusRunning
	r.LastError = ""
	r.UpdatedAt = time.Now().Unix()
	return cloneStepResult(r), nil
}

// ReconcileJob 实现 Store 接口。终态不会被覆盖。
func (m *MemoryStore) ReconcileJob(_ context.Context, stepID string, res jobrun.Result, payment PaymentStatus) (*StepResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.steps[stepID]
	if !ok {
		return nil, ErrStepNotFound
	}
	if jobrun.IsTerminal(r.JobStatus) {
		return cloneStepResult(r), nil
	}
	r.JobStatus = res.Status
	if res.Output != nil {
		r.Output = cloneMap(res.Output)
	}
	r.LastError = res.Reason
	if payment != "" {
		r.PaymentStatus = payment
	}
	r.UpdatedAt = time.Now().Unix()
	return cloneStepResult(r), nil
}

// RecordPayment 实现 Store 接口。
func (m *MemoryStore) RecordPayment(_ context.Context, stepID string, txnIDs []string, status PaymentStatus, reason string) (*StepResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.steps[stepID]
	if !ok {
		return nil, ErrStepNotFound
	}
	if r.PaymentStatus != PaymentAwaiting && r.PaymentStatus != PaymentRejected {
		return cloneStepResult(r), ErrStepConflict
	}
	r.TxnIDs = append([]string(nil), txnIDs...)
	r.PaymentStatus = status
	r.RejectReason = reason
	if status == PaymentRejected {
		r.PaymentAttempts++
	}
	r.UpdatedAt = time.Now().Unix()
	return cloneStepResult(r), nil
}

// Close 实现 Store 接口。
func (m *MemoryStore) Close() error {
	return nil
}

func matchesListFilters(w *Workflow, opts ListOptions) bool {
	if len(opts.Statuses) > 0 && !statusIn(w.Status, opts.Statuses) {
		return false
	}
	if opts.PayerWallet != "" && w.PayerWallet != opts.PayerWallet {
		return false
	}
	if opts.UpdatedGTE > 0 && w.UpdatedAt < opts.UpdatedGTE {
		return false
	}
	if opts.UpdatedLTE > 0 && w.UpdatedAt > opts.UpdatedLTE {
		return false
	}
	if opts.Query != "" {
		needle := strings.ToLower(opts.Query)
		if !strings.Contains(strings.ToLower(w.UserMessage), needle) &&
			!strings.Contains(strings.ToLower(w.Reasoning), needle) {
			return false
		}
	}
	return true
}

func statusIn(status Status, set []Status) bool {
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}

var _ Store = (*MemoryStore)(nil)
