package planner

import (
	"context"
	"strings"

	"OrcaFlow/internal/agent"
	xerrors "OrcaFlow/internal/errors"
)

// StaticPlanner 是默认的确定性规划策略：把请求按连接词拆分为子句，
// 再按标签/类目关键词为每个子句匹配得分最高的激活智能体。
// 它不依赖外部服务，行为完全可预测，适合测试与离线环境。
type StaticPlanner struct{}

// NewStaticPlanner 创建 StaticPlanner。
func NewStaticPlanner() *StaticPlanner {
	return &StaticPlanner{}
}

var clauseSeparators = []string{" then ", " and then ", "，然后", "然后", "；", "; "}

// Plan 实现 Planner 接口。
func (p *StaticPlanner) Plan(_ context.Context, req Request) (*Plan, error) {
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "规划请求不能为空")
	}

	clauses := splitClauses(message)
	steps := make([]StepDraft, 0, len(clauses))
	matched := make([]string, 0, len(clauses))
	for _, clause := range clauses {
		record, capability := bestMatch(clause, req.Agents)
		if record == nil {
			continue
		}
		steps = append(steps, StepDraft{
			AgentID:     record.ID,
			Capability:  capability,
			Description: clause,
			Input:       map[string]any{"request": clause},
		})
		matched = append(matched, record.Name)
	}

	if len(steps) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "无法从请求中识别出任何步骤")
	}

	return &Plan{
		Reasoning: "matched agents by capability keywords: " + strings.Join(matched, ", "),
		Steps:     steps,
	}, nil
}

func splitClauses(message string) []string {
	clauses := []string{message}
	for _, sep := range clauseSeparators {
		next := make([]string, 0, len(clauses))
		for _, clause := range clauses {
			for _, part := range strings.Split(clause, sep) {
				part = strings.TrimSpace(part)
				if part != "" {
					next = append(next, part)
				}
			}
		}
		clauses = next
	}
	return clauses
}

// bestMatch 返回子句内关键词命中数最高的智能体及其命中的能力名。
func bestMatch(clause string, agents []*agent.Record) (*agent.Record, string) {
	lowered := strings.ToLower(clause)
	var best *agent.Record
	bestScore := 0
	bestCapability := ""
	for _, record := range agents {
		if record == nil || record.Status != agent.StatusActive {
			continue
		}
		score := 0
		capability := record.Category
		for _, tag := range record.Tags {
			tag = strings.ToLower(strings.TrimSpace(tag))
			if tag == "" {
				continue
			}
			if strings.Contains(lowered, tag) {
				score += 2
				capability = tag
			}
		}
		if record.Category != "" && strings.Contains(lowered, strings.ToLower(record.Category)) {
			score++
		}
		if record.Name != "" && strings.Contains(lowered, strings.ToLower(record.Name)) {
			score += 3
		}
		if score > bestScore {
			best = record
			bestScore = score
			bestCapability = capability
		}
	}
	if best == nil {
		return nil, ""
	}
	if bestCapability == "" {
		bestCapability = best.Category
	}
	return best, bestCapability
}

var _ Planner = (*StaticPlanner)(nil)
