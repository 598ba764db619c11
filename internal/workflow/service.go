package workflow

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"OrcaFlow/internal/agent"
	xerrors "OrcaFlow/internal/errors"
	"OrcaFlow/internal/jobrun"
	"OrcaFlow/internal/ledger"
	"OrcaFlow/internal/observability/alerting"
	"OrcaFlow/internal/planner"
	"OrcaFlow/pkg/logger"
)

// Service 负责工作流的规划、执行与结算。所有状态变更都先经过
// 工作流状态检查，再通过 Store 的条件更新落库。
type Service struct {
	store              Store
	directory          agent.Directory
	planner            planner.Planner
	backend            jobrun.Backend
	verifier           ledger.Verifier
	producer           Producer
	alerts             alerting.Dispatcher
	maxJobAttempts     int
	maxPaymentAttempts int
}

// ServiceConfig 汇集 Service 的依赖。
type ServiceConfig struct {
	Store              Store
	Directory          agent.Directory
	Planner            planner.Planner
	Backend            jobrun.Backend
	Verifier           ledger.Verifier
	Producer           Producer
	Alerts             alerting.Dispatcher
	MaxJobAttempts     int
	MaxPaymentAttempts int
}

// NewService 构造工作流服务。
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "工作流存储未初始化")
	}
	if cfg.Directory == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "智能体目录未初始化")
	}
	if cfg.Planner == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "规划器未初始化")
	}
	if cfg.Backend == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务后端未初始化")
	}
	if cfg.Verifier == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "支付校验器未初始化")
	}
	if cfg.MaxJobAttempts <= 0 {
		cfg.MaxJobAttempts = 3
	}
	if cfg.MaxPaymentAttempts <= 0 {
		cfg.MaxPaymentAttempts = 3
	}
	return &Service{
		store:              cfg.Store,
		directory:          cfg.Directory,
		planner:            cfg.Planner,
		backend:            cfg.Backend,
		verifier:           cfg.Verifier,
		producer:           cfg.Producer,
		alerts:             cfg.Alerts,
		maxJobAttempts:     cfg.MaxJobAttempts,
		maxPaymentAttempts: cfg.MaxPaymentAttempts,
	}, nil
}

// PlanRequest 描述一次规划请求。
type PlanRequest struct {
	PayerWallet string `json:"payer_wallet"`
	Message     string `json:"message"`
}

// Plan 将用户请求分解为有序步骤并持久化为 draft 工作流。
func (s *Service) Plan(ctx context.Context, req PlanRequest) (*Workflow, error) {
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "用户请求不能为空")
	}
	wallet := normalizeWallet(req.PayerWallet)
	if wallet == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "付款钱包不能为空")
	}

	agents, err := s.directory.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	if len(agents) == 0 {
		return nil, xerrors.New(CodePlanningFailure, "没有可用的智能体")
	}

	plan, err := s.planner.Plan(ctx, planner.Request{Message: message, Agents: agents})
	if err != nil {
		return nil, err
	}
	if len(plan.Steps) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "用户请求无法分解为任何步骤")
	}

	byID := make(map[string]*agent.Record, len(agents))
	for _, a := range agents {
		byID[a.ID] = a
	}

	steps := make([]StepSpec, 0, len(plan.Steps))
	for _, draft := range plan.Steps {
		record, ok := byID[draft.AgentID]
		if !ok {
			return nil, xerrors.New(CodePlanningFailure, "规划引用了不存在的智能体",
				xerrors.WithMetadata("agent_id", draft.AgentID))
		}
		steps = append(steps, StepSpec{
			Capability:  draft.Capability,
			AgentID:     record.ID,
			AgentName:   record.Name,
			Description: draft.Description,
			Input:       cloneMap(draft.Input),
			Terms: ledger.Terms{
				Amount:      record.Price,
				PayeeWallet: record.PayeeWallet,
			},
		})
	}

	w := &Workflow{
		ID:          uuid.NewString(),
		PayerWallet: wallet,
		UserMessage: message,
		Reasoning:   plan.Reasoning,
		Steps:       steps,
		CurrentStep: 0,
		Status:      StatusDraft,
	}
	if err := s.store.CreateWorkflow(ctx, w); err != nil {
		return nil, err
	}
	logger.Audit().Info("工作流规划完成",
		slog.String("workflow_id", w.ID),
		slog.String("payer_wallet", w.PayerWallet),
		slog.Int("steps", len(w.Steps)),
	)
	return w, nil
}

// Start 激活 draft 工作流并派发第一个步骤。重复调用是幂等的。
func (s *Service) Start(ctx context.Context, id string) (*Workflow, error) {
	w, err := s.store.TransitionStatus(ctx, id, []Status{StatusDraft}, StatusActive)
	if err != nil {
		if stdErrors.Is(err, ErrInvalidWorkflowState) && w != nil && w.Status == StatusActive {
			return w, nil
		}
		return nil, err
	}
	logger.Audit().Info("工作流已激活", slog.String("workflow_id", w.ID))

	if len(w.Steps) > 0 {
		if _, dispatchErr := s.CreateJob(ctx, w.ID, 0, ""); dispatchErr != nil {
			logger.L().Warn("首个步骤派发失败，等待客户端重试",
				slog.String("workflow_id", w.ID),
				slog.Any("error", dispatchErr),
			)
		}
	}
	return s.store.GetWorkflow(ctx, id)
}

// Cancel 终止尚未结束的工作流。对终态工作流是无害的空操作。
func (s *Service) Cancel(ctx context.Context, id string) (*Workflow, error) {
	w, err := s.store.TransitionStatus(ctx, id, []Status{StatusDraft, StatusActive}, StatusCancelled)
	if err != nil {
		if stdErrors.Is(err, ErrInvalidWorkflowState) && w != nil && w.Status.IsTerminal() {
			return w, nil
		}
		return nil, err
	}
	logger.Audit().Info("工作流已取消",
		slog.String("workflow_id", w.ID),
		slog.Int("current_step", w.CurrentStep),
	)
	return w, nil
}

// Get 返回指定工作流。
func (s *Service) Get(ctx context.Context, id string) (*Workflow, error) {
	return s.store.GetWorkflow(ctx, id)
}

// GetStep 返回指定步骤记录。
func (s *Service) GetStep(ctx context.Context, stepID string) (*StepResult, error) {
	return s.store.GetStepResult(ctx, stepID)
}

// List 返回符合过滤条件的工作流列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Workflow, error) {
	return s.store.ListWorkflows(ctx, buildListOptions(opts))
}

// Stats 返回符合过滤条件的工作流统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (Stats, error) {
	return s.store.Stats(ctx, buildListOptions(opts))
}

// Advance 在当前步骤结清后把工作流推进到下一步。最后一步结清后
// 工作流进入 completed。输掉推进竞争的调用收到当前状态而不是错误。
func (s *Service) Advance(ctx context.Context, id string) (*Workflow, error) {
	w, err := s.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	switch {
	case w.Status == StatusCompleted:
		return w, nil
	case w.Status != StatusActive:
		return nil, ErrInvalidWorkflowState
	}

	idx := w.CurrentStep
	if idx >= len(w.Steps) {
		// 指针已越过最后一步但状态仍为 active，补一次终态迁移。
		return s.store.TransitionStatus(ctx, id, []Status{StatusActive}, StatusCompleted)
	}

	r, err := s.store.StepResultByIndex(ctx, id, idx)
	if err != nil {
		if stdErrors.Is(err, ErrStepNotFound) {
			return nil, ErrStepNotReady
		}
		return nil, err
	}
	if !r.Settled() {
		return nil, ErrStepNotReady
	}

	to := StatusActive
	if idx+1 >= len(w.Steps) {
		to = StatusCompleted
	}
	updated, err := s.store.Advance(ctx, id, idx, to)
	if err != nil {
		if stdErrors.Is(err, ErrStepConflict) && updated != nil &&
			(updated.CurrentStep > idx || updated.Status == StatusCompleted) {
			return updated, nil
		}
		return nil, err
	}
	logger.Audit().Info("工作流已推进",
		slog.String("workflow_id", id),
		slog.Int("from_step", idx),
		slog.String("status", string(updated.Status)),
	)

	if to == StatusActive {
		if _, dispatchErr := s.CreateJob(ctx, id, idx+1, ""); dispatchErr != nil {
			logger.L().Warn("下一步骤派发失败，等待客户端重试",
				slog.String("workflow_id", id),
				slog.Int("step_index", idx+1),
				slog.Any("error", dispatchErr),
			)
		}
	}
	return updated, nil
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.producer != nil {
		if err := s.producer.Close(); err != nil {
			return err
		}
	}
	if s.verifier != nil {
		s.verifier.Close()
	}
	return s.store.Close()
}

// WaitUntilSettled 在指定超时时间内轮询工作流状态直至终态。
func (s *Service) WaitUntilSettled(ctx context.Context, id string, interval time.Duration) (*Workflow, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		w, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if w.Status.IsTerminal() {
			return w, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Service) failWorkflow(ctx context.Context, workflowID string, event alerting.Event) {
	if _, err := s.store.TransitionStatus(ctx, workflowID, []Status{StatusActive}, StatusFailed); err != nil {
		if !stdErrors.Is(err, ErrInvalidWorkflowState) {
			logger.L().Error("标记工作流失败时出错",
				slog.String("workflow_id", workflowID),
				slog.Any("error", err),
			)
		}
		return
	}
	logger.Audit().Warn("工作流已失败",
		slog.String("workflow_id", workflowID),
		slog.String("code", string(event.Code)),
		slog.String("reason", event.Message),
	)
	if s.alerts != nil {
		event.WorkflowID = workflowID
		if event.OccurredAt.IsZero() {
			event.OccurredAt = time.Now()
		}
		if err := s.alerts.Notify(ctx, event); err != nil {
			logger.L().Warn("告警发送失败", slog.Any("error", err))
		}
	}
}
