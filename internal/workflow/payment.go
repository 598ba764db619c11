package workflow

import (
	"context"
	stdErrors "errors"
	"log/slog"

	"OrcaFlow/internal/jobrun"
	"OrcaFlow/internal/ledger"
	"OrcaFlow/pkg/logger"
)

// SubmitPayment 用一组链上交易结算当前步骤。(stepID, 交易集合) 是
// 幂等键：已接受的集合原样重放直接返回现状，不再触碰账本。
// 账本的暂时性故障不改变任何状态；拒绝消耗一次支付尝试，
// 尝试耗尽时工作流失败。
func (s *Service) SubmitPayment(ctx context.Context, stepID string, txnIDs []string) (*StepResult, error) {
	normalized, err := ledger.NormalizeTxnIDs(txnIDs)
	if err != nil {
		return nil, err
	}

	r, err := s.store.GetStepResult(ctx, stepID)
	if err != nil {
		return nil, err
	}

	// 已结清步骤的幂等重放不依赖工作流状态，完成后的对账也能成功。
	if r.PaymentStatus == PaymentSettled {
		if r.SameTxnSet(normalized) {
			return r, nil
		}
		return nil, ErrPaymentNotExpected
	}
	if r.PaymentStatus != PaymentAwaiting && r.PaymentStatus != PaymentRejected {
		return nil, ErrPaymentNotExpected
	}

	w, err := s.store.GetWorkflow(ctx, r.WorkflowID)
	if err != nil {
		return nil, err
	}
	if w.Status != StatusActive {
		return nil, ErrInvalidWorkflowState
	}
	step, err := w.Step(r.StepIndex)
	if err != nil {
		return nil, err
	}

	receipt, err := s.verifier.Verify(ctx, step.Terms, normalized)
	if err != nil {
		return nil, err
	}

	if receipt.Settled {
		updated, recErr := s.store.RecordPayment(ctx, r.ID, normalized, PaymentSettled, "")
		if recErr != nil {
			if stdErrors.Is(recErr, ErrStepConflict) && updated != nil &&
				updated.PaymentStatus == PaymentSettled && updated.SameTxnSet(normalized) {
				return updated, nil
			}
			return nil, recErr
		}
		logger.Audit().Info("支付已结清",
			slog.String("workflow_id", r.WorkflowID),
			slog.Int("step_index", r.StepIndex),
			slog.String("step_id", r.ID),
			slog.Int64("amount", step.Terms.Amount),
		)
		if _, advErr := s.Advance(ctx, r.WorkflowID); advErr != nil &&
			!stdErrors.Is(advErr, ErrStepNotReady) && !stdErrors.Is(advErr, ErrInvalidWorkflowState) {
			logger.L().Warn("结清后的自动推进失败",
				slog.String("workflow_id", r.WorkflowID),
				slog.Any("error", advErr),
			)
		}
		return s.store.GetStepResult(ctx, r.ID)
	}

	updated, recErr := s.store.RecordPayment(ctx, r.ID, normalized, PaymentRejected, receipt.Reason)
	if recErr != nil {
		if stdErrors.Is(recErr, ErrStepConflict) && updated != nil {
			return updated, nil
		}
		return nil, recErr
	}
	logger.L().Warn("支付被拒绝",
		slog.String("workflow_id", r.WorkflowID),
		slog.String("step_id", r.ID),
		slog.String("reason", receipt.Reason),
		slog.Int("payment_attempts", updated.PaymentAttempts),
		slog.Int("max_payment_attempts", s.maxPaymentAttempts),
	)
	if updated.PaymentAttempts >= s.maxPaymentAttempts {
		s.failWorkflow(ctx, r.WorkflowID, alertEventForStep(updated, CodePaymentExhausted, receipt.Reason))
	}
	return updated, nil
}

// paymentExpected 判断任务状态下支付是否可能发生，供巡检使用。
func paymentExpected(r *StepResult) bool {
	return r.JobStatus == jobrun.StatusSucceeded &&
		(r.PaymentStatus == PaymentAwaiting || r.PaymentStatus == PaymentRejected)
}
