package workflow

import (
	"net/http"
	"strings"

	xerrors "OrcaFlow/internal/errors"
	"OrcaFlow/internal/jobrun"
	"OrcaFlow/internal/ledger"
)

// Status 表示工作流在生命周期中的状态。
type Status string

const (
	StatusDraft     Status = "draft"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal 判断工作流状态是否为终态。
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// PaymentStatus 表示某一步骤的支付进度。
type PaymentStatus string

const (
	// PaymentPending 表示任务尚未成功，支付还未开始。
	PaymentPending PaymentStatus = "pending"
	// PaymentNotRequired 表示该步骤免费，无需支付。
	PaymentNotRequired PaymentStatus = "not_required"
	// PaymentAwaiting 表示任务已成功，等待用户提交支付。
	PaymentAwaiting PaymentStatus = "awaiting_payment"
	// PaymentSettled 表示支付已核验通过。
	PaymentSettled PaymentStatus = "settled"
	// PaymentRejected 表示最近一次提交的支付被拒绝，可以重试。
	PaymentRejected PaymentStatus = "rejected"
)

// StepSpec 描述规划阶段确定的单个执行步骤。
type StepSpec struct {
	Capability  string         `json:"capability"`
	AgentID     string         `json:"agent_id"`
	AgentName   string         `json:"agent_name"`
	Description string         `json:"description"`
	Input       map[string]any `json:"input,omitempty"`
	Terms       ledger.Terms   `json:"terms"`
}

// Workflow 是一次多步骤委托的聚合根。Steps 在规划后不再变化，
// CurrentStep 指向下一个待执行的步骤下标。
type Workflow struct {
	ID          string     `json:"id"`
	PayerWallet string     `json:"payer_wallet"`
	UserMessage string     `json:"user_message"`
	Reasoning   string     `json:"reasoning,omitempty"`
	Steps       []StepSpec `json:"steps"`
	CurrentStep int        `json:"current_step"`
	Status      Status     `json:"status"`
	CreatedAt   int64      `json:"created_at"`
	UpdatedAt   int64      `json:"updated_at"`
}

// Step 返回指定下标的步骤定义。
func (w *Workflow) Step(index int) (StepSpec, error) {
	if index < 0 || index >= len(w.Steps) {
		return StepSpec{}, xerrors.New(CodeStepOutOfRange, "步骤下标越界")
	}
	return w.Steps[index], nil
}

// StepResult 记录某一步骤的执行与支付进度。
// 每个 (WorkflowID, StepIndex) 至多存在一条记录，这条记录就是
// createAgentJob 的幂等锁。
type StepResult struct {
	ID              string         `json:"id"`
	WorkflowID      string         `json:"workflow_id"`
	StepIndex       int            `json:"step_index"`
	AgentID         string         `json:"agent_id"`
	Handle          jobrun.Handle  `json:"handle"`
	Attempts        int            `json:"attempts"`
	MaxAttempts     int            `json:"max_attempts"`
	PaymentAttempts int            `json:"payment_attempts"`
	JobStatus       jobrun.Status  `json:"job_status"`
	PaymentStatus   PaymentStatus  `json:"payment_status"`
	Output          map[string]any `json:"output,omitempty"`
	TxnIDs          []string       `json:"txn_ids,omitempty"`
	RejectReason    string         `json:"reject_reason,omitempty"`
	LastError       string         `json:"last_error,omitempty"`
	CreatedAt       int64          `json:"created_at"`
	UpdatedAt       int64          `json:"updated_at"`
}

// Settled 判断该步骤是否已经完全结清，可以推进到下一步。
func (r *StepResult) Settled() bool {
	if r.JobStatus != jobrun.StatusSucceeded {
		return false
	}
	return r.PaymentStatus == PaymentSettled || r.PaymentStatus == PaymentNotRequired
}

// SameTxnSet 判断给定交易集合是否与已记录的集合一致。按集合语义比较，
// 顺序与重复引用都不影响结果。
func (r *StepResult) SameTxnSet(txnIDs []string) bool {
	recorded := make(map[string]struct{}, len(r.TxnIDs))
	for _, id := range r.TxnIDs {
		recorded[id] = struct{}{}
	}
	submitted := make(map[string]struct{}, len(txnIDs))
	for _, id := range txnIDs {
		if _, ok := recorded[id]; !ok {
			return false
		}
		submitted[id] = struct{}{}
	}
	return len(submitted) == len(recorded)
}

var (
	// ErrWorkflowNotFound 表示指定的工作流不存在。
	ErrWorkflowNotFound = xerrors.New(CodeWorkflowNotFound, "workflow not found")
	// ErrStepNotFound 表示指定的步骤记录不存在。
	ErrStepNotFound = xerrors.New(CodeStepNotFound, "step result not found")
	// ErrStepConflict 表示步骤记录在当前状态下无法进行所请求的操作。
	ErrStepConflict = xerrors.New(CodeStepConflict, "step conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrOutOfOrderStep 表示请求的步骤不是工作流当前待执行的步骤。
	ErrOutOfOrderStep = xerrors.New(CodeOutOfOrderStep, "step is not the current step", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrStepNotReady 表示当前步骤尚未结清，工作流无法推进。
	ErrStepNotReady = xerrors.New(CodeStepNotReady, "current step is not settled", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrPaymentNotExpected 表示该步骤当前不接受支付提交。
	ErrPaymentNotExpected = xerrors.New(CodePaymentNotExpected, "payment not expected", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrInvalidWorkflowState 表示工作流状态不允许所请求的操作。
	ErrInvalidWorkflowState = xerrors.New(CodeInvalidWorkflowState, "workflow state does not permit operation", xerrors.WithSeverity(xerrors.SeverityWarning))
)

const (
	CodeWorkflowNotFound     xerrors.Code = "WORKFLOW_NOT_FOUND"
	CodeStepNotFound         xerrors.Code = "STEP_NOT_FOUND"
	CodeStepConflict         xerrors.Code = "STEP_CONFLICT"
	CodeStepOutOfRange       xerrors.Code = "STEP_OUT_OF_RANGE"
	CodeOutOfOrderStep       xerrors.Code = "STEP_OUT_OF_ORDER"
	CodeStepNotReady         xerrors.Code = "STEP_NOT_READY"
	CodePaymentNotExpected   xerrors.Code = "PAYMENT_NOT_EXPECTED"
	CodeInvalidWorkflowState xerrors.Code = "WORKFLOW_INVALID_STATE"
	CodePlanningFailure      xerrors.Code = "WORKFLOW_PLANNING_FAILED"
	CodeStepExhausted        xerrors.Code = "STEP_RETRIES_EXHAUSTED"
	CodePaymentExhausted     xerrors.Code = "PAYMENT_RETRIES_EXHAUSTED"
)

func init() {
	xerrors.Register(CodeWorkflowNotFound, xerrors.Attributes{
		Message:    "workflow not found",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusNotFound,
	})
	xerrors.Register(CodeStepNotFound, xerrors.Attributes{
		Message:    "step result not found",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusNotFound,
	})
	xerrors.Register(CodeStepConflict, xerrors.Attributes{
		Message:    "step conflict",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodeStepOutOfRange, xerrors.Attributes{
		Message:    "step index out of range",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusBadRequest,
	})
	xerrors.Register(CodeOutOfOrderStep, xerrors.Attributes{
		Message:    "step is not the current step",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodeStepNotReady, xerrors.Attributes{
		Message:    "current step is not settled",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodePaymentNotExpected, xerrors.Attributes{
		Message:    "payment not expected",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodeInvalidWorkflowState, xerrors.Attributes{
		Message:    "workflow state does not permit operation",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodePlanningFailure, xerrors.Attributes{
		Message:    "workflow planning failed",
		Severity:   xerrors.SeverityWarning,
		Retryable:  true,
		Alert:      true,
		HTTPStatus: http.StatusBadGateway,
	})
	xerrors.Register(CodeStepExhausted, xerrors.Attributes{
		Message:    "step retries exhausted",
		Severity:   xerrors.SeverityCritical,
		Alert:      true,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodePaymentExhausted, xerrors.Attributes{
		Message:    "payment retries exhausted",
		Severity:   xerrors.SeverityCritical,
		Alert:      true,
		HTTPStatus: http.StatusConflict,
	})
}

// IsWorkflowError 判断错误是否携带指定的工作流错误码。
func IsWorkflowError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	return xerrors.CodeOf(err) == target
}

func cloneWorkflow(w *Workflow) *Workflow {
	if w == nil {
		return nil
	}
	out := *w
	out.Steps = make([]StepSpec, len(w.Steps))
	for i, step := range w.Steps {
		out.Steps[i] = step
		out.Steps[i].Input = cloneMap(step.Input)
	}
	return &out
}

func cloneStepResult(r *StepResult) *StepResult {
	if r == nil {
		return nil
	}
	out := *r
	out.Output = cloneMap(r.Output)
	out.TxnIDs = append([]string(nil), r.TxnIDs...)
	return &out
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func normalizeWallet(wallet string) string {
	return strings.TrimSpace(wallet)
}
