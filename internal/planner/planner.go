package planner

import (
	"context"

	"OrcaFlow/internal/agent"
)

// Request 描述一次规划请求：用户的自然语言目标与可选的候选智能体。
type Request struct {
	Message string
	Agents  []*agent.Record
}

// StepDraft 是规划器产出的单个步骤草案，尚未绑定支付条款。
type StepDraft struct {
	AgentID     string
	Capability  string
	Description string
	Input       map[string]any
}

// Plan 是规划器的结构化输出。
type Plan struct {
	Reasoning string
	Steps     []StepDraft
}

// Planner 定义了将自然语言请求分解为有序步骤的统一接口。
// 实现必须保证返回的每个 StepDraft 都引用 Request.Agents 中的某个智能体。
type Planner interface {
	Plan(ctx context.Context, req Request) (*Plan, error)
}
