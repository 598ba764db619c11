package workflow

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	xerrors "OrcaFlow/internal/errors"
	"OrcaFlow/internal/jobrun"
	"OrcaFlow/internal/observability/alerting"
	"OrcaFlow/pkg/logger"
)

// Poll 查询远端任务状态并把结论同步进步骤记录。落库的终态不会被
// 远端的回退覆盖；任务首次成功时解析支付状态，结清的步骤顺带
// 尝试一次推进。
func (s *Service) Poll(ctx context.Context, stepID string) (*StepResult, error) {
	r, err := s.store.GetStepResult(ctx, stepID)
	if err != nil {
		return nil, err
	}
	if jobrun.IsTerminal(r.JobStatus) {
		return r, nil
	}
	if r.JobStatus == jobrun.StatusPending || r.Handle.JobID == "" {
		// 还没有远端任务可查。
		return r, nil
	}

	res, err := s.backend.Status(ctx, r.Handle)
	if err != nil {
		// 暂时性故障不改变任何状态，调用方稍后重试。
		return nil, err
	}

	switch res.Status {
	case jobrun.StatusSucceeded:
		return s.reconcileSuccess(ctx, r, res)
	case jobrun.StatusFailed:
		return s.reconcileFailure(ctx, r, res)
	case jobrun.StatusPending:
		// 远端声称任务回到了 pending，视为异常并保留现状。
		logger.L().Warn("远端任务状态回退",
			slog.String("step_id", r.ID),
			slog.String("job_id", r.Handle.JobID),
			slog.String("reported", string(res.Status)),
		)
		return r, nil
	default:
		return r, nil
	}
}

func (s *Service) reconcileSuccess(ctx context.Context, r *StepResult, res jobrun.Result) (*StepResult, error) {
	w, err := s.store.GetWorkflow(ctx, r.WorkflowID)
	if err != nil {
		return nil, err
	}
	step, err := w.Step(r.StepIndex)
	if err != nil {
		return nil, err
	}

	payment := PaymentAwaiting
	if step.Terms.Free() {
		payment = PaymentNotRequired
	}
	updated, err := s.store.ReconcileJob(ctx, r.ID, res, payment)
	if err != nil {
		return nil, err
	}
	logger.Audit().Info("任务已成功",
		slog.String("workflow_id", r.WorkflowID),
		slog.Int("step_index", r.StepIndex),
		slog.String("step_id", r.ID),
		slog.String("payment_status", string(updated.PaymentStatus)),
	)

	if updated.Settled() && w.Status == StatusActive {
		if _, advErr := s.Advance(ctx, r.WorkflowID); advErr != nil &&
			!stdErrors.Is(advErr, ErrStepNotReady) && !stdErrors.Is(advErr, ErrInvalidWorkflowState) {
			logger.L().Warn("成功后的自动推进失败",
				slog.String("workflow_id", r.WorkflowID),
				slog.Any("error", advErr),
			)
		}
	}
	return updated, nil
}

// reconcileFailure 处理远端给出的权威失败：预算内回到 pending 等待
// 重新派发，预算耗尽则步骤与工作流一并失败。
func (s *Service) reconcileFailure(ctx context.Context, r *StepResult, res jobrun.Result) (*StepResult, error) {
	if r.Attempts < r.MaxAttempts {
		updated, err := s.store.ReconcileJob(ctx, r.ID, jobrun.Result{
			Status: jobrun.StatusPending,
			Reason: res.Reason,
		}, "")
		if err != nil {
			return nil, err
		}
		logger.L().Warn("任务失败，等待重新派发",
			slog.String("step_id", r.ID),
			slog.Int("attempts", updated.Attempts),
			slog.Int("max_attempts", updated.MaxAttempts),
			slog.String("reason", res.Reason),
		)
		if s.producer != nil {
			_ = s.producer.Publish(ctx, r.ID)
		}
		return updated, nil
	}

	updated, err := s.store.ReconcileJob(ctx, r.ID, res, "")
	if err != nil {
		return nil, err
	}
	s.failWorkflow(ctx, r.WorkflowID, alertEventForStep(updated, CodeStepExhausted, res.Reason))
	return updated, nil
}

func alertEventForStep(r *StepResult, code xerrors.Code, reason string) alerting.Event {
	if reason == "" {
		reason = "步骤执行失败"
	}
	return alerting.Event{
		Code:        code,
		Message:     reason,
		Severity:    xerrors.SeverityCritical,
		WorkflowID:  r.WorkflowID,
		StepIndex:   r.StepIndex,
		Attempts:    r.Attempts,
		MaxAttempts: r.MaxAttempts,
		OccurredAt:  time.Now(),
	}
}
