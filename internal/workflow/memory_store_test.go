package workflow

import (
	"context"
	stdErrors "errors"
	"testing"

	"OrcaFlow/internal/jobrun"
)

func seedWorkflow(t *testing.T, store Store, status Status) *Workflow {
	t.Helper()
	w := &Workflow{
		ID:          "wf-" + string(status),
		PayerWallet: "0xabc",
		UserMessage: "translate this",
		Steps: []StepSpec{
			{Capability: "translation", AgentID: "agent-1"},
			{Capability: "nlp", AgentID: "agent-2"},
		},
		Status: status,
	}
	if err := store.CreateWorkflow(context.Background(), w); err != nil {
		t.Fatalf("创建工作流失败: %v", err)
	}
	return w
}

func seedStep(t *testing.T, store Store, workflowID string, index int) *StepResult {
	t.Helper()
	r := &StepResult{
		ID:            "step-" + workflowID + "-" + string(rune('0'+index)),
		WorkflowID:    workflowID,
		StepIndex:     index,
		AgentID:       "agent-1",
		MaxAttempts:   3,
		JobStatus:     jobrun.StatusPending,
		PaymentStatus: PaymentPending,
	}
	if err := store.CreateStepResult(context.Background(), r); err != nil {
		t.Fatalf("创建步骤记录失败: %v", err)
	}
	return r
}

func TestMemoryStoreStepResultUniquePerIndex(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	w := seedWorkflow(t, store, StatusActive)
	first := seedStep(t, store, w.ID, 0)

	dup := &StepResult{ID: "step-dup", WorkflowID: w.ID, StepIndex: 0, JobStatus: jobrun.StatusPending}
	if err := store.CreateStepResult(ctx, dup); !stdErrors.Is(err, ErrStepConflict) {
		t.Fatalf("期望 ErrStepConflict，实际 %v", err)
	}

	got, err := store.StepResultByIndex(ctx, w.ID, 0)
	if err != nil {
		t.Fatalf("按索引查询失败: %v", err)
	}
	if got.ID != first.ID {
		t.Fatalf("期望保留第一条记录 %s，实际 %s", first.ID, got.ID)
	}
}

func TestMemoryStoreTransitionStatus(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	w := seedWorkflow(t, store, StatusDraft)

	updated, err := store.TransitionStatus(ctx, w.ID, []Status{StatusDraft}, StatusActive)
	if err != nil {
		t.Fatalf("激活失败: %v", err)
	}
	if updated.Status != StatusActive {
		t.Fatalf("期望 active，实际 %s", updated.Status)
	}

	// 前置状态不匹配时返回现状与 ErrInvalidWorkflowState。
	current, err := store.TransitionStatus(ctx, w.ID, []Status{StatusDraft}, StatusActive)
	if !stdErrors.Is(err, ErrInvalidWorkflowState) {
		t.Fatalf("期望 ErrInvalidWorkflowState，实际 %v", err)
	}
	if current == nil || current.Status != StatusActive {
		t.Fatalf("期望返回现状 active，实际 %+v", current)
	}
}

func TestMemoryStoreAdvanceConflict(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	w := seedWorkflow(t, store, StatusActive)

	updated, err := store.Advance(ctx, w.ID, 0, StatusActive)
	if err != nil {
		t.Fatalf("推进失败: %v", err)
	}
	if updated.CurrentStep != 1 {
		t.Fatalf("期望 current_step=1，实际 %d", updated.CurrentStep)
	}

	// 同一位置的第二次推进输掉竞争，拿到的是对方推进后的现状。
	current, err := store.Advance(ctx, w.ID, 0, StatusActive)
	if !stdErrors.Is(err, ErrStepConflict) {
		t.Fatalf("期望 ErrStepConflict，实际 %v", err)
	}
	if current.CurrentStep != 1 {
		t.Fatalf("期望返回现状 current_step=1，实际 %d", current.CurrentStep)
	}
}

func TestMemoryStoreClaimAttemptSerializes(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	w := seedWorkflow(t, store, StatusActive)
	r := seedStep(t, store, w.ID, 0)

	claimed, err := store.ClaimAttempt(ctx, r.ID, 0)
	if err != nil {
		t.Fatalf("占用尝试失败: %v", err)
	}
	if claimed.Attempts != 1 {
		t.Fatalf("期望 attempts=1，实际 %d", claimed.Attempts)
	}

	if _, err := store.ClaimAttempt(ctx, r.ID, 0); !stdErrors.Is(err, ErrStepConflict) {
		t.Fatalf("重复占用期望 ErrStepConflict，实际 %v", err)
	}
}

func TestMemoryStoreReconcileJobKeepsTerminal(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	w := seedWorkflow(t, store, StatusActive)
	r := seedStep(t, store, w.ID, 0)

	if _, err := store.BindJob(ctx, r.ID, jobrun.Handle{AgentEndpoint: "http://a", JobID: "job-1"}); err != nil {
		t.Fatalf("绑定任务失败: %v", err)
	}
	done, err := store.ReconcileJob(ctx, r.ID, jobrun.Result{
		Status: jobrun.StatusSucceeded,
		Output: map[string]any{"text": "你好"},
	}, PaymentNotRequired)
	if err != nil {
		t.Fatalf("对账失败: %v", err)
	}
	if done.JobStatus != jobrun.StatusSucceeded || done.PaymentStatus != PaymentNotRequired {
		t.Fatalf("期望 succeeded/not_required，实际 %s/%s", done.JobStatus, done.PaymentStatus)
	}

	// 迟到的失败报告不能覆盖终态。
	after, err := store.ReconcileJob(ctx, r.ID, jobrun.Result{Status: jobrun.StatusFailed, Reason: "late"}, "")
	if err != nil {
		t.Fatalf("二次对账失败: %v", err)
	}
	if after.JobStatus != jobrun.StatusSucceeded {
		t.Fatalf("终态被覆盖为 %s", after.JobStatus)
	}
	if after.Output["text"] != "你好" {
		t.Fatalf("输出被覆盖: %v", after.Output)
	}
}

func TestMemoryStoreRecordPaymentGuards(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	w := seedWorkflow(t, store, StatusActive)
	r := seedStep(t, store, w.ID, 0)

	// 步骤尚未进入待支付状态时拒绝记录。
	if _, err := store.RecordPayment(ctx, r.ID, []string{"0x1"}, PaymentSettled, ""); !stdErrors.Is(err, ErrStepConflict) {
		t.Fatalf("期望 ErrStepConflict，实际 %v", err)
	}

	if _, err := store.BindJob(ctx, r.ID, jobrun.Handle{JobID: "job-1"}); err != nil {
		t.Fatalf("绑定任务失败: %v", err)
	}
	if _, err := store.ReconcileJob(ctx, r.ID, jobrun.Result{Status: jobrun.StatusSucceeded}, PaymentAwaiting); err != nil {
		t.Fatalf("对账失败: %v", err)
	}

	rejected, err := store.RecordPayment(ctx, r.ID, []string{"0x1"}, PaymentRejected, "insufficient")
	if err != nil {
		t.Fatalf("记录拒绝失败: %v", err)
	}
	if rejected.PaymentAttempts != 1 || rejected.RejectReason != "insufficient" {
		t.Fatalf("拒绝后状态异常: %+v", rejected)
	}

	settled, err := store.RecordPayment(ctx, r.ID, []string{"0x1", "0x2"}, PaymentSettled, "")
	if err != nil {
		t.Fatalf("记录结清失败: %v", err)
	}
	if settled.PaymentStatus != PaymentSettled || !settled.SameTxnSet([]string{"0x2", "0x1"}) {
		t.Fatalf("结清后状态异常: %+v", settled)
	}

	// 结清后不再接受任何支付记录。
	if _, err := store.RecordPayment(ctx, r.ID, []string{"0x3"}, PaymentSettled, ""); !stdErrors.Is(err, ErrStepConflict) {
		t.Fatalf("期望 ErrStepConflict，实际 %v", err)
	}
}

func TestMemoryStoreListWorkflows(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	seedWorkflow(t, store, StatusDraft)
	seedWorkflow(t, store, StatusActive)
	seedWorkflow(t, store, StatusCompleted)

	active, err := store.ListWorkflows(ctx, ListOptions{Statuses: []Status{StatusActive}})
	if err != nil {
		t.Fatalf("列表查询失败: %v", err)
	}
	if len(active) != 1 || active[0].Status != StatusActive {
		t.Fatalf("期望 1 条 active，实际 %d", len(active))
	}

	stats, err := store.Stats(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("统计查询失败: %v", err)
	}
	if stats.Total != 3 || stats.Draft != 1 || stats.Active != 1 || stats.Completed != 1 {
		t.Fatalf("统计结果异常: %+v", stats)
	}
}
