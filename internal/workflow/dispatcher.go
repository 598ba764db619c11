package workflow

import (
	"context"
	stdErrors "errors"
	"log/slog"

	"github.com/google/uuid"

	xerrors "OrcaFlow/internal/errors"
	"OrcaFlow/internal/jobrun"
	"OrcaFlow/pkg/logger"
)

// CreateJob 为当前步骤创建远端任务。(workflowID, stepIndex) 上的
// 步骤记录是幂等锁：重复调用返回同一条记录，并发调用只会提交
// 一个远端任务。payerWallet 为空时使用工作流的付款钱包。
func (s *Service) CreateJob(ctx context.Context, workflowID string, stepIndex int, payerWallet string) (*StepResult, error) {
	w, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if w.Status != StatusActive {
		return nil, ErrInvalidWorkflowState
	}
	if stepIndex != w.CurrentStep {
		return nil, ErrOutOfOrderStep
	}
	step, err := w.Step(stepIndex)
	if err != nil {
		return nil, err
	}
	wallet := normalizeWallet(payerWallet)
	if wallet == "" {
		wallet = w.PayerWallet
	} else if wallet != w.PayerWallet {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "付款钱包与工作流不一致")
	}

	r, err := s.ensureStepResult(ctx, w, stepIndex, step)
	if err != nil {
		return nil, err
	}
	if r.JobStatus != jobrun.StatusPending {
		return r, nil
	}
	return s.dispatch(ctx, w, stepIndex, step, r)
}

// ensureStepResult 创建或取回该步骤的记录。并发创建只有一个赢家，
// 输家重读赢家写入的记录。
func (s *Service) ensureStepResult(ctx context.Context, w *Workflow, stepIndex int, step StepSpec) (*StepResult, error) {
	existing, err := s.store.StepResultByIndex(ctx, w.ID, stepIndex)
	if err == nil {
		return existing, nil
	}
	if !stdErrors.Is(err, ErrStepNotFound) {
		return nil, err
	}

	r := &StepResult{
		ID:            uuid.NewString(),
		WorkflowID:    w.ID,
		StepIndex:     stepIndex,
		AgentID:       step.AgentID,
		MaxAttempts:   s.maxJobAttempts,
		JobStatus:     jobrun.StatusPending,
		PaymentStatus: PaymentPending,
	}
	if createErr := s.store.CreateStepResult(ctx, r); createErr != nil {
		if stdErrors.Is(createErr, ErrStepConflict) {
			return s.store.StepResultByIndex(ctx, w.ID, stepIndex)
		}
		return nil, createErr
	}
	return r, nil
}

// dispatch 占用一次执行尝试并向远端后端提交任务。提交失败消耗
// 该次尝试，步骤停留在 pending，等待下一次 CreateJob 或巡检重试。
func (s *Service) dispatch(ctx context.Context, w *Workflow, stepIndex int, step StepSpec, r *StepResult) (*StepResult, error) {
	if r.Attempts >= r.MaxAttempts {
		return nil, xerrors.New(CodeStepExhausted, "步骤重试次数已耗尽",
			xerrors.WithMetadata("step_id", r.ID))
	}

	claimed, err := s.store.ClaimAttempt(ctx, r.ID, r.Attempts)
	if err != nil {
		if stdErrors.Is(err, ErrStepConflict) {
			// 被并发的调用抢先，返回对方推进后的现状。
			return claimed, nil
		}
		return nil, err
	}

	record, err := s.directory.Get(ctx, step.AgentID)
	if err != nil {
		_, _ = s.store.ReconcileJob(ctx, r.ID, jobrun.Result{
			Status: jobrun.StatusPending,
			Reason: err.Error(),
		}, "")
		return nil, err
	}

	input, err := s.buildJobInput(ctx, w, stepIndex, step)
	if err != nil {
		return nil, err
	}

	handle, err := s.backend.Submit(ctx, jobrun.Spec{
		AgentEndpoint: record.Endpoint,
		PayerWallet:   w.PayerWallet,
		Input:         input,
	})
	if err != nil {
		logger.L().Warn("任务提交失败",
			slog.String("workflow_id", w.ID),
			slog.Int("step_index", stepIndex),
			slog.Int("attempt", claimed.Attempts),
			slog.Any("error", err),
		)
		failed, recErr := s.store.ReconcileJob(ctx, r.ID, jobrun.Result{
			Status: jobrun.StatusPending,
			Reason: err.Error(),
		}, "")
		if recErr != nil {
			return nil, recErr
		}
		if failed.Attempts >= failed.MaxAttempts {
			s.failWorkflow(ctx, w.ID, alertEventForStep(failed, CodeStepExhausted, "任务提交重试耗尽"))
			_, _ = s.store.ReconcileJob(ctx, r.ID, jobrun.Result{
				Status: jobrun.StatusFailed,
				Reason: err.Error(),
			}, "")
		}
		return nil, err
	}

	bound, err := s.store.BindJob(ctx, r.ID, handle)
	if err != nil {
		if stdErrors.Is(err, ErrStepConflict) {
			return bound, nil
		}
		return nil, err
	}

	if s.producer != nil {
		if pubErr := s.producer.Publish(ctx, bound.ID); pubErr != nil {
			logger.L().Warn("步骤入巡检队列失败",
				slog.String("step_id", bound.ID),
				slog.Any("error", pubErr),
			)
		}
	}

	logger.Audit().Info("任务已派发",
		slog.String("workflow_id", w.ID),
		slog.Int("step_index", stepIndex),
		slog.String("step_id", bound.ID),
		slog.String("agent_id", step.AgentID),
		slog.String("job_id", handle.JobID),
		slog.Int("attempt", bound.Attempts),
	)
	return bound, nil
}

// buildJobInput 组装提交给智能体的输入，上一步的输出接力进来。
func (s *Service) buildJobInput(ctx context.Context, w *Workflow, stepIndex int, step StepSpec) (map[string]any, error) {
	input := cloneMap(step.Input)
	if input == nil {
		input = make(map[string]any)
	}
	if stepIndex == 0 {
		return input, nil
	}
	prev, err := s.store.StepResultByIndex(ctx, w.ID, stepIndex-1)
	if err != nil {
		if stdErrors.Is(err, ErrStepNotFound) {
			return input, nil
		}
		return nil, err
	}
	if prev.Output != nil {
		input["previous_output"] = prev.Output
	}
	return input, nil
}
