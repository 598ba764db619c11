// Package ledger 定义支付结算的校验边界。工作流引擎只关心一个问题：
// 这组链上交易是否足额支付了某一步骤的报价。校验器返回的 Receipt 是
// 权威结论（接受或拒绝），而 error 只表达暂时性故障，调用方可以重试。
package ledger

import (
	"context"
	"strings"

	xerrors "OrcaFlow/internal/errors"
)

// Terms 描述某一步骤的收费条款。Amount 为零表示该步骤免费。
type Terms struct {
	// Amount 是以最小计价单位表示的应付金额。
	Amount int64 `json:"amount"`
	// PayeeWallet 是收款方钱包地址。
	PayeeWallet string `json:"payee_wallet"`
	// Token 标识计价资产；为空表示链上原生币。
	Token string `json:"token,omitempty"`
}

// Free 判断条款是否不要求任何支付。
func (t Terms) Free() bool {
	return t.Amount <= 0
}

// Receipt 是校验器对一组交易的权威结论。
type Receipt struct {
	// Settled 为 true 表示交易已确认且覆盖了应付金额。
	Settled bool
	// Reason 在拒绝时给出人类可读的原因。
	Reason string
}

// Verifier 校验一组交易是否满足给定条款。
// 返回非 nil error 表示暂时性故障（网络、节点不可达），
// 此时不应改变任何支付状态；拒绝必须通过 Receipt 表达。
type Verifier interface {
	// Verify 校验 txnIDs 指向的交易。txnIDs 至少包含一个元素。
	Verify(ctx context.Context, terms Terms, txnIDs []string) (Receipt, error)
	// Close 释放底层连接。
	Close()
}

// NormalizeTxnIDs 去除空白、剔除空元素并去重，返回排序无关的规范化副本。
// 同一笔交易被重复引用只计一次，不会被重复计入支付金额。
func NormalizeTxnIDs(txnIDs []string) ([]string, error) {
	out := make([]string, 0, len(txnIDs))
	seen := make(map[string]struct{}, len(txnIDs))
	for _, id := range txnIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	if len(out) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "交易列表不能为空")
	}
	return out, nil
}
