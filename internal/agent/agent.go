package agent

import (
	xerrors "OrcaFlow/internal/errors"
)

// Status 表示智能体在目录中的可用状态。
type Status string

const (
	StatusActive   Status = "active"
	StatusDisabled Status = "disabled"
)

// Record 描述市场目录中的一个智能体及其计费条款。
// Endpoint 是其任务执行后端的基础地址，Price 为每次任务的基础计费单位，
// 0 表示该智能体的步骤无需支付。
type Record struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Description   string   `json:"description"`
	Endpoint      string   `json:"endpoint"`
	Category      string   `json:"category"`
	Tags          []string `json:"tags,omitempty"`
	ExampleInput  string   `json:"example_input,omitempty"`
	ExampleOutput string   `json:"example_output,omitempty"`
	Price         int64    `json:"price"`
	PayeeWallet   string   `json:"payee_wallet"`
	Status        Status   `json:"status"`
	CreatedAt     int64    `json:"created_at"`
	UpdatedAt     int64    `json:"updated_at"`
}

var (
	// ErrAgentNotFound 表示指定的智能体不存在或未激活。
	ErrAgentNotFound = xerrors.New(CodeAgentNotFound, "agent not found")
)

const (
	CodeAgentNotFound xerrors.Code = "AGENT_NOT_FOUND"
)

func init() {
	xerrors.Register(CodeAgentNotFound, xerrors.Attributes{
		Message:    "agent not found",
		Severity:   xerrors.SeverityInfo,
		Retryable:  false,
		Alert:      false,
		HTTPStatus: 404,
	})
}

func cloneRecord(record *Record) *Record {
	clone := *record
	if record.Tags != nil {
		clone.Tags = append([]string(nil), record.Tags...)
	}
	return &clone
}

// IsValidStatus 检查给定的智能体状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusActive, StatusDisabled:
		return true
	default:
		return false
	}
}
