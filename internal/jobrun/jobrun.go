// Package jobrun 定义了远端任务执行后端的边界：编排器通过它创建异步任务
// 并查询任务状态。瞬时网络失败以 error 形式返回，权威的失败结果通过
// Result.Status 表达，两者在上层走不同的处理路径。
package jobrun

import "context"

// Status 表示远端任务的执行状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Spec 描述需要创建的一个远端任务。
type Spec struct {
	AgentEndpoint string         `json:"agent_endpoint"`
	PayerWallet   string         `json:"payer_wallet"`
	Input         map[string]any `json:"input,omitempty"`
}

// Handle 唯一标识一个已创建的远端任务，状态查询需要它携带的端点信息。
type Handle struct {
	AgentEndpoint string `json:"agent_endpoint"`
	JobID         string `json:"job_id"`
}

// Result 是一次状态查询的权威结果。
type Result struct {
	Status Status         `json:"status"`
	Output map[string]any `json:"output,omitempty"`
	Reason string         `json:"reason,omitempty"`
}

// Backend 定义了任务执行后端的统一接口。
type Backend interface {
	Submit(ctx context.Context, spec Spec) (Handle, error)
	Status(ctx context.Context, handle Handle) (Result, error)
}

// IsTerminal 判断任务状态是否已到达终态。
func IsTerminal(status Status) bool {
	return status == StatusSucceeded || status == StatusFailed
}
