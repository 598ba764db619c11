package ledger

import (
	"context"
	"fmt"
	"sync"

	xerrors "OrcaFlow/internal/errors"
)

// MemoryLedger 是内存中的校验器实现，供测试与本地开发使用。
// 每笔交易的面值通过 Credit 预置；未预置的交易视为无效。
type MemoryLedger struct {
	mu      sync.Mutex
	credits map[string]int64
	failing bool
	calls   int
}

// NewMemoryLedger 创建空的内存账本。
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{credits: make(map[string]int64)}
}

// Credit 预置一笔交易及其面值。
func (l *MemoryLedger) Credit(txnID string, amount int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.credits[txnID] = amount
}

// SetFailing 控制后续 Verify 调用是否返回暂时性故障。
func (l *MemoryLedger) SetFailing(failing bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failing = failing
}

// Calls 返回累计的 Verify 调用次数，供测试断言幂等性。
func (l *MemoryLedger) Calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

// Verify 实现 Verifier 接口。所有交易面值之和达到应付金额即视为结清。
func (l *MemoryLedger) Verify(_ context.Context, terms Terms, txnIDs []string) (Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.failing {
		return Receipt{}, xerrors.New(xerrors.CodeLedgerFailure, "账本暂时不可用")
	}

	var total int64
	for _, id := range txnIDs {
		amount, ok := l.credits[id]
		if !ok {
			return Receipt{Reason: fmt.Sprintf("交易 %s 不存在", id)}, nil
		}
		total += amount
	}
	if total < terms.Amount {
		return Receipt{Reason: fmt.Sprintf("支付不足: 需要 %d 实付 %d", terms.Amount, total)}, nil
	}
	return Receipt{Settled: true}, nil
}

// Close 实现 Verifier 接口。
func (l *MemoryLedger) Close() {}

var _ Verifier = (*MemoryLedger)(nil)
