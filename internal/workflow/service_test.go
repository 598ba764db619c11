package workflow

import (
	"context"
	stdErrors "errors"
	"sync"
	"testing"

	"OrcaFlow/internal/agent"
	xerrors "OrcaFlow/internal/errors"
	"OrcaFlow/internal/jobrun"
	"OrcaFlow/internal/ledger"
	"OrcaFlow/internal/observability/alerting"
	"OrcaFlow/internal/planner"
)

const (
	testPayer = "0xabc"
	testPayee = "0x1111111111111111111111111111111111111111"
	paidPrice = int64(100)
)

type captureAlerts struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (c *captureAlerts) Notify(_ context.Context, event alerting.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *captureAlerts) Events() []alerting.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]alerting.Event(nil), c.events...)
}

type serviceEnv struct {
	store   *MemoryStore
	backend *jobrun.MemoryBackend
	ledger  *ledger.MemoryLedger
	alerts  *captureAlerts
	service *Service
}

func newServiceEnv(t *testing.T, backend *jobrun.MemoryBackend, mutate func(*ServiceConfig)) *serviceEnv {
	t.Helper()
	ctx := context.Background()

	directory := agent.NewMemoryDirectory()
	seed := []*agent.Record{
		{ID: "agent-translator", Name: "translator", Category: "translation", Tags: []string{"translate"},
			Endpoint: "http://translator.local", Price: 0},
		{ID: "agent-summarizer", Name: "summarizer", Category: "nlp", Tags: []string{"summary"},
			Endpoint: "http://summarizer.local", Price: paidPrice, PayeeWallet: testPayee},
	}
	for _, record := range seed {
		if err := directory.Put(ctx, record); err != nil {
			t.Fatalf("登记智能体失败: %v", err)
		}
	}

	env := &serviceEnv{
		store:   NewMemoryStore(),
		backend: backend,
		ledger:  ledger.NewMemoryLedger(),
		alerts:  &captureAlerts{},
	}
	cfg := ServiceConfig{
		Store:     env.store,
		Directory: directory,
		Planner:   planner.NewStaticPlanner(),
		Backend:   env.backend,
		Verifier:  env.ledger,
		Alerts:    env.alerts,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	service, err := NewService(cfg)
	if err != nil {
		t.Fatalf("构造服务失败: %v", err)
	}
	env.service = service
	return env
}

// planAndStart 规划并激活一个工作流，返回激活后的状态。
func planAndStart(t *testing.T, env *serviceEnv, message string) *Workflow {
	t.Helper()
	ctx := context.Background()
	w, err := env.service.Plan(ctx, PlanRequest{PayerWallet: testPayer, Message: message})
	if err != nil {
		t.Fatalf("规划失败: %v", err)
	}
	started, err := env.service.Start(ctx, w.ID)
	if err != nil {
		t.Fatalf("激活失败: %v", err)
	}
	return started
}

func stepAt(t *testing.T, env *serviceEnv, workflowID string, index int) *StepResult {
	t.Helper()
	r, err := env.store.StepResultByIndex(context.Background(), workflowID, index)
	if err != nil {
		t.Fatalf("查询第 %d 步失败: %v", index, err)
	}
	return r
}

func TestPlanCreatesDraftWorkflow(t *testing.T) {
	ctx := context.Background()
	env := newServiceEnv(t, jobrun.NewMemoryBackend(), nil)

	w, err := env.service.Plan(ctx, PlanRequest{
		PayerWallet: testPayer,
		Message:     "translate hello then summary the result",
	})
	if err != nil {
		t.Fatalf("规划失败: %v", err)
	}
	if w.Status != StatusDraft || w.CurrentStep != 0 {
		t.Fatalf("期望 draft/0，实际 %s/%d", w.Status, w.CurrentStep)
	}
	if len(w.Steps) != 2 {
		t.Fatalf("期望 2 个步骤，实际 %d", len(w.Steps))
	}
	if w.Steps[0].AgentID != "agent-translator" || !w.Steps[0].Terms.Free() {
		t.Fatalf("第一步应为免费翻译步骤: %+v", w.Steps[0])
	}
	if w.Steps[1].AgentID != "agent-summarizer" ||
		w.Steps[1].Terms.Amount != paidPrice || w.Steps[1].Terms.PayeeWallet != testPayee {
		t.Fatalf("第二步计费条款异常: %+v", w.Steps[1])
	}

	if _, err := env.service.Plan(ctx, PlanRequest{PayerWallet: testPayer}); err == nil {
		t.Fatal("空请求应当被拒绝")
	}
	if _, err := env.service.Plan(ctx, PlanRequest{Message: "translate hi"}); err == nil {
		t.Fatal("缺少付款钱包应当被拒绝")
	}
}

func TestWorkflowCompletesFreeAndPaidSteps(t *testing.T) {
	ctx := context.Background()
	backend := jobrun.NewMemoryBackend(jobrun.Result{
		Status: jobrun.StatusSucceeded,
		Output: map[string]any{"text": "你好"},
	})
	env := newServiceEnv(t, backend, nil)

	w := planAndStart(t, env, "translate hello then summary the result")
	if w.Status != StatusActive {
		t.Fatalf("期望 active，实际 %s", w.Status)
	}
	if backend.Submissions() != 1 {
		t.Fatalf("激活后应只提交一个任务，实际 %d", backend.Submissions())
	}

	step0 := stepAt(t, env, w.ID, 0)
	polled, err := env.service.Poll(ctx, step0.ID)
	if err != nil {
		t.Fatalf("轮询失败: %v", err)
	}
	if polled.JobStatus != jobrun.StatusSucceeded || polled.PaymentStatus != PaymentNotRequired {
		t.Fatalf("免费步骤应直接结清，实际 %s/%s", polled.JobStatus, polled.PaymentStatus)
	}

	// 结清的免费步骤触发自动推进并派发下一步。
	current, err := env.service.Get(ctx, w.ID)
	if err != nil {
		t.Fatalf("查询工作流失败: %v", err)
	}
	if current.CurrentStep != 1 || current.Status != StatusActive {
		t.Fatalf("期望推进到第 1 步，实际 %d/%s", current.CurrentStep, current.Status)
	}
	if backend.Submissions() != 2 {
		t.Fatalf("推进后应提交第二个任务，实际 %d", backend.Submissions())
	}

	// 上一步输出接力进第二步的输入。
	step1 := stepAt(t, env, w.ID, 1)
	input, ok := backend.JobInput(step1.Handle.JobID)
	if !ok {
		t.Fatal("未找到第二步的任务输入")
	}
	prev, ok := input["previous_output"].(map[string]any)
	if !ok || prev["text"] != "你好" {
		t.Fatalf("上一步输出未接力: %v", input)
	}

	polled, err = env.service.Poll(ctx, step1.ID)
	if err != nil {
		t.Fatalf("轮询第二步失败: %v", err)
	}
	if polled.PaymentStatus != PaymentAwaiting {
		t.Fatalf("计费步骤应等待支付，实际 %s", polled.PaymentStatus)
	}

	env.ledger.Credit("0xt1", paidPrice)
	paid, err := env.service.SubmitPayment(ctx, step1.ID, []string{"0xt1"})
	if err != nil {
		t.Fatalf("提交支付失败: %v", err)
	}
	if paid.PaymentStatus != PaymentSettled {
		t.Fatalf("期望结清，实际 %s", paid.PaymentStatus)
	}

	final, err := env.service.Get(ctx, w.ID)
	if err != nil {
		t.Fatalf("查询工作流失败: %v", err)
	}
	if final.Status != StatusCompleted {
		t.Fatalf("期望 completed，实际 %s", final.Status)
	}
}

func TestStartIsIdempotent(t *testing.T) {
	ctx := context.Background()
	env := newServiceEnv(t, jobrun.NewMemoryBackend(), nil)
	w := planAndStart(t, env, "translate hello")

	again, err := env.service.Start(ctx, w.ID)
	if err != nil {
		t.Fatalf("重复激活失败: %v", err)
	}
	if again.Status != StatusActive {
		t.Fatalf("期望 active，实际 %s", again.Status)
	}
	if env.backend.Submissions() != 1 {
		t.Fatalf("重复激活不应重复派发，实际提交 %d 次", env.backend.Submissions())
	}
}

func TestCreateJobIdempotentAndOrdered(t *testing.T) {
	ctx := context.Background()
	env := newServiceEnv(t, jobrun.NewMemoryBackend(), nil)
	w := planAndStart(t, env, "translate hello then summary the result")

	step0 := stepAt(t, env, w.ID, 0)
	repeat, err := env.service.CreateJob(ctx, w.ID, 0, "")
	if err != nil {
		t.Fatalf("重复创建任务失败: %v", err)
	}
	if repeat.ID != step0.ID || repeat.Handle.JobID != step0.Handle.JobID {
		t.Fatalf("重复创建应返回同一条记录: %s vs %s", repeat.ID, step0.ID)
	}
	if env.backend.Submissions() != 1 {
		t.Fatalf("重复创建不应重复提交，实际 %d", env.backend.Submissions())
	}

	if _, err := env.service.CreateJob(ctx, w.ID, 1, ""); !stdErrors.Is(err, ErrOutOfOrderStep) {
		t.Fatalf("越序创建期望 ErrOutOfOrderStep，实际 %v", err)
	}
	if _, err := env.service.CreateJob(ctx, w.ID, 0, "0xother"); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("钱包不一致期望 INVALID_ARGUMENT，实际 %v", err)
	}
}

func TestPollRetriesThenFailsWorkflow(t *testing.T) {
	ctx := context.Background()
	backend := jobrun.NewMemoryBackend(jobrun.Result{Status: jobrun.StatusFailed, Reason: "agent crashed"})
	env := newServiceEnv(t, backend, nil)
	w := planAndStart(t, env, "translate hello")

	step0 := stepAt(t, env, w.ID, 0)
	for attempt := 1; attempt <= 2; attempt++ {
		polled, err := env.service.Poll(ctx, step0.ID)
		if err != nil {
			t.Fatalf("第 %d 次轮询失败: %v", attempt, err)
		}
		if polled.JobStatus != jobrun.StatusPending {
			t.Fatalf("预算内失败应回到 pending，实际 %s", polled.JobStatus)
		}
		if _, err := env.service.CreateJob(ctx, w.ID, 0, ""); err != nil {
			t.Fatalf("第 %d 次重派失败: %v", attempt, err)
		}
	}
	if backend.Submissions() != 3 {
		t.Fatalf("期望提交 3 次，实际 %d", backend.Submissions())
	}

	// 第三次失败耗尽预算，步骤与工作流一并失败。
	final, err := env.service.Poll(ctx, step0.ID)
	if err != nil {
		t.Fatalf("最后一次轮询失败: %v", err)
	}
	if final.JobStatus != jobrun.StatusFailed {
		t.Fatalf("期望 failed，实际 %s", final.JobStatus)
	}
	current, err := env.service.Get(ctx, w.ID)
	if err != nil {
		t.Fatalf("查询工作流失败: %v", err)
	}
	if current.Status != StatusFailed {
		t.Fatalf("期望工作流 failed，实际 %s", current.Status)
	}

	events := env.alerts.Events()
	if len(events) != 1 || events[0].Code != CodeStepExhausted {
		t.Fatalf("期望一条 STEP_RETRIES_EXHAUSTED 告警，实际 %+v", events)
	}

	if _, err := env.service.CreateJob(ctx, w.ID, 0, ""); !stdErrors.Is(err, ErrInvalidWorkflowState) {
		t.Fatalf("失败工作流上创建任务期望 ErrInvalidWorkflowState，实际 %v", err)
	}
}

func TestSubmitPaymentLifecycle(t *testing.T) {
	ctx := context.Background()
	env := newServiceEnv(t, jobrun.NewMemoryBackend(), nil)
	w := planAndStart(t, env, "summary this document")
	step0 := stepAt(t, env, w.ID, 0)

	// 任务尚未成功，支付不被接受。
	if _, err := env.service.SubmitPayment(ctx, step0.ID, []string{"0xt1"}); !stdErrors.Is(err, ErrPaymentNotExpected) {
		t.Fatalf("期望 ErrPaymentNotExpected，实际 %v", err)
	}

	if _, err := env.service.Poll(ctx, step0.ID); err != nil {
		t.Fatalf("轮询失败: %v", err)
	}

	// 未预置的交易被账本拒绝，消耗一次支付尝试。
	rejected, err := env.service.SubmitPayment(ctx, step0.ID, []string{"0xbogus"})
	if err != nil {
		t.Fatalf("提交支付失败: %v", err)
	}
	if rejected.PaymentStatus != PaymentRejected || rejected.PaymentAttempts != 1 {
		t.Fatalf("期望 rejected/1，实际 %s/%d", rejected.PaymentStatus, rejected.PaymentAttempts)
	}

	// 账本暂时性故障不改变任何状态。
	env.ledger.SetFailing(true)
	if _, err := env.service.SubmitPayment(ctx, step0.ID, []string{"0xt1"}); err == nil {
		t.Fatal("账本故障期间应返回错误")
	}
	unchanged := stepAt(t, env, w.ID, 0)
	if unchanged.PaymentStatus != PaymentRejected || unchanged.PaymentAttempts != 1 {
		t.Fatalf("暂时性故障不应改变状态: %s/%d", unchanged.PaymentStatus, unchanged.PaymentAttempts)
	}
	env.ledger.SetFailing(false)

	env.ledger.Credit("0xt1", paidPrice/2)
	env.ledger.Credit("0xt2", paidPrice/2)
	settled, err := env.service.SubmitPayment(ctx, step0.ID, []string{"0xt1", "0xt2"})
	if err != nil {
		t.Fatalf("结清失败: %v", err)
	}
	if settled.PaymentStatus != PaymentSettled {
		t.Fatalf("期望 settled，实际 %s", settled.PaymentStatus)
	}
	final, err := env.service.Get(ctx, w.ID)
	if err != nil {
		t.Fatalf("查询工作流失败: %v", err)
	}
	if final.Status != StatusCompleted {
		t.Fatalf("期望 completed，实际 %s", final.Status)
	}

	// 同一交易集合的重放是幂等的，不再触碰账本。
	calls := env.ledger.Calls()
	replay, err := env.service.SubmitPayment(ctx, step0.ID, []string{"0xt2", "0xt1"})
	if err != nil {
		t.Fatalf("幂等重放失败: %v", err)
	}
	if replay.PaymentStatus != PaymentSettled || env.ledger.Calls() != calls {
		t.Fatalf("重放不应触碰账本: calls %d -> %d", calls, env.ledger.Calls())
	}

	// 结清后提交不同的交易集合被拒绝。
	if _, err := env.service.SubmitPayment(ctx, step0.ID, []string{"0xt3"}); !stdErrors.Is(err, ErrPaymentNotExpected) {
		t.Fatalf("期望 ErrPaymentNotExpected，实际 %v", err)
	}
}

func TestSubmitPaymentCountsDuplicateTxnOnce(t *testing.T) {
	ctx := context.Background()
	env := newServiceEnv(t, jobrun.NewMemoryBackend(), nil)
	w := planAndStart(t, env, "summary this document")
	step0 := stepAt(t, env, w.ID, 0)
	if _, err := env.service.Poll(ctx, step0.ID); err != nil {
		t.Fatalf("轮询失败: %v", err)
	}

	// 半额交易重复引用两次只计一次，仍然是不足额支付。
	env.ledger.Credit("0xhalf", paidPrice/2)
	rejected, err := env.service.SubmitPayment(ctx, step0.ID, []string{"0xhalf", "0xhalf"})
	if err != nil {
		t.Fatalf("提交支付失败: %v", err)
	}
	if rejected.PaymentStatus != PaymentRejected {
		t.Fatalf("重复引用不应结清，实际 %s", rejected.PaymentStatus)
	}

	env.ledger.Credit("0xrest", paidPrice/2)
	settled, err := env.service.SubmitPayment(ctx, step0.ID, []string{"0xhalf", "0xrest"})
	if err != nil {
		t.Fatalf("结清失败: %v", err)
	}
	if settled.PaymentStatus != PaymentSettled {
		t.Fatalf("期望 settled，实际 %s", settled.PaymentStatus)
	}

	// 含重复引用的重放规范化后与已接受集合一致，幂等返回且不触碰账本。
	calls := env.ledger.Calls()
	replay, err := env.service.SubmitPayment(ctx, step0.ID, []string{"0xrest", "0xhalf", "0xhalf"})
	if err != nil {
		t.Fatalf("幂等重放失败: %v", err)
	}
	if replay.PaymentStatus != PaymentSettled || env.ledger.Calls() != calls {
		t.Fatalf("重放不应触碰账本: calls %d -> %d", calls, env.ledger.Calls())
	}
}

func TestPaymentRejectionExhaustsWorkflow(t *testing.T) {
	ctx := context.Background()
	env := newServiceEnv(t, jobrun.NewMemoryBackend(), func(cfg *ServiceConfig) {
		cfg.MaxPaymentAttempts = 2
	})
	w := planAndStart(t, env, "summary this document")
	step0 := stepAt(t, env, w.ID, 0)
	if _, err := env.service.Poll(ctx, step0.ID); err != nil {
		t.Fatalf("轮询失败: %v", err)
	}

	for i := 1; i <= 2; i++ {
		rejected, err := env.service.SubmitPayment(ctx, step0.ID, []string{"0xbogus"})
		if err != nil {
			t.Fatalf("第 %d 次支付提交失败: %v", i, err)
		}
		if rejected.PaymentStatus != PaymentRejected || rejected.PaymentAttempts != i {
			t.Fatalf("第 %d 次拒绝后状态异常: %s/%d", i, rejected.PaymentStatus, rejected.PaymentAttempts)
		}
	}

	current, err := env.service.Get(ctx, w.ID)
	if err != nil {
		t.Fatalf("查询工作流失败: %v", err)
	}
	if current.Status != StatusFailed {
		t.Fatalf("支付尝试耗尽后期望 failed，实际 %s", current.Status)
	}
	events := env.alerts.Events()
	if len(events) != 1 || events[0].Code != CodePaymentExhausted {
		t.Fatalf("期望一条 PAYMENT_RETRIES_EXHAUSTED 告警，实际 %+v", events)
	}
}

func TestCancelWorkflow(t *testing.T) {
	ctx := context.Background()
	env := newServiceEnv(t, jobrun.NewMemoryBackend(), nil)
	w := planAndStart(t, env, "translate hello then summary the result")

	cancelled, err := env.service.Cancel(ctx, w.ID)
	if err != nil {
		t.Fatalf("取消失败: %v", err)
	}
	if cancelled.Status != StatusCancelled {
		t.Fatalf("期望 cancelled，实际 %s", cancelled.Status)
	}

	// 取消后的工作流拒绝新任务与推进，重复取消是空操作。
	if _, err := env.service.CreateJob(ctx, w.ID, 0, ""); !stdErrors.Is(err, ErrInvalidWorkflowState) {
		t.Fatalf("期望 ErrInvalidWorkflowState，实际 %v", err)
	}
	if _, err := env.service.Advance(ctx, w.ID); !stdErrors.Is(err, ErrInvalidWorkflowState) {
		t.Fatalf("期望 ErrInvalidWorkflowState，实际 %v", err)
	}
	again, err := env.service.Cancel(ctx, w.ID)
	if err != nil {
		t.Fatalf("重复取消失败: %v", err)
	}
	if again.Status != StatusCancelled {
		t.Fatalf("期望 cancelled，实际 %s", again.Status)
	}
}

func TestAdvanceRequiresSettledStep(t *testing.T) {
	ctx := context.Background()
	env := newServiceEnv(t, jobrun.NewMemoryBackend(), nil)
	w := planAndStart(t, env, "summary this document")

	// 步骤仍在执行中，推进被拒绝。
	if _, err := env.service.Advance(ctx, w.ID); !stdErrors.Is(err, ErrStepNotReady) {
		t.Fatalf("期望 ErrStepNotReady，实际 %v", err)
	}

	step0 := stepAt(t, env, w.ID, 0)
	if _, err := env.service.Poll(ctx, step0.ID); err != nil {
		t.Fatalf("轮询失败: %v", err)
	}
	// 成功但未支付的计费步骤同样不可推进。
	if _, err := env.service.Advance(ctx, w.ID); !stdErrors.Is(err, ErrStepNotReady) {
		t.Fatalf("期望 ErrStepNotReady，实际 %v", err)
	}

	env.ledger.Credit("0xt1", paidPrice)
	if _, err := env.service.SubmitPayment(ctx, step0.ID, []string{"0xt1"}); err != nil {
		t.Fatalf("结清失败: %v", err)
	}

	// 已完成的工作流上推进是幂等的空操作。
	done, err := env.service.Advance(ctx, w.ID)
	if err != nil {
		t.Fatalf("完成后推进失败: %v", err)
	}
	if done.Status != StatusCompleted {
		t.Fatalf("期望 completed，实际 %s", done.Status)
	}
}

func TestListAndStats(t *testing.T) {
	ctx := context.Background()
	env := newServiceEnv(t, jobrun.NewMemoryBackend(), nil)
	planAndStart(t, env, "translate hello")
	if _, err := env.service.Plan(ctx, PlanRequest{PayerWallet: testPayer, Message: "summary this"}); err != nil {
		t.Fatalf("规划失败: %v", err)
	}

	active, err := env.service.List(ctx, WithStatuses(StatusActive))
	if err != nil {
		t.Fatalf("列表查询失败: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("期望 1 条 active，实际 %d", len(active))
	}

	stats, err := env.service.Stats(ctx)
	if err != nil {
		t.Fatalf("统计查询失败: %v", err)
	}
	if stats.Total != 2 || stats.Active != 1 || stats.Draft != 1 {
		t.Fatalf("统计结果异常: %+v", stats)
	}
}
