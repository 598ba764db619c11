package ledger

import (
	"context"
	"testing"
)

func TestNormalizeTxnIDs(t *testing.T) {
	normalized, err := NormalizeTxnIDs([]string{" 0x1 ", "0x2", "", "  "})
	if err != nil {
		t.Fatalf("规范化失败: %v", err)
	}
	if len(normalized) != 2 || normalized[0] != "0x1" || normalized[1] != "0x2" {
		t.Fatalf("规范化结果异常: %v", normalized)
	}

	// 重复引用同一笔交易只保留一份，金额不会被双计。
	deduped, err := NormalizeTxnIDs([]string{"0x1", " 0x1 ", "0x2", "0x1"})
	if err != nil {
		t.Fatalf("规范化失败: %v", err)
	}
	if len(deduped) != 2 || deduped[0] != "0x1" || deduped[1] != "0x2" {
		t.Fatalf("去重结果异常: %v", deduped)
	}

	if _, err := NormalizeTxnIDs(nil); err == nil {
		t.Fatal("空交易集合应当被拒绝")
	}
	if _, err := NormalizeTxnIDs([]string{"  ", ""}); err == nil {
		t.Fatal("全空白的交易集合应当被拒绝")
	}
}

func TestMemoryLedgerVerify(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	terms := Terms{Amount: 100, PayeeWallet: "0xpayee"}

	// 未预置的交易被拒绝，但不是错误。
	receipt, err := l.Verify(ctx, terms, []string{"0x1"})
	if err != nil {
		t.Fatalf("校验失败: %v", err)
	}
	if receipt.Settled || receipt.Reason == "" {
		t.Fatalf("期望带原因的拒绝，实际 %+v", receipt)
	}

	// 面值不足同样是拒绝。
	l.Credit("0x1", 60)
	receipt, err = l.Verify(ctx, terms, []string{"0x1"})
	if err != nil {
		t.Fatalf("校验失败: %v", err)
	}
	if receipt.Settled {
		t.Fatal("不足额支付不应结清")
	}

	// 多笔交易的面值可以合并结清。
	l.Credit("0x2", 40)
	receipt, err = l.Verify(ctx, terms, []string{"0x1", "0x2"})
	if err != nil {
		t.Fatalf("校验失败: %v", err)
	}
	if !receipt.Settled {
		t.Fatalf("期望结清，实际 %+v", receipt)
	}

	// 暂时性故障以 error 表达，与拒绝不同路。
	l.SetFailing(true)
	if _, err := l.Verify(ctx, terms, []string{"0x1"}); err == nil {
		t.Fatal("故障模式下应返回错误")
	}
}

func TestTermsFree(t *testing.T) {
	if !(Terms{}).Free() {
		t.Fatal("零金额条款应为免费")
	}
	if (Terms{Amount: 1}).Free() {
		t.Fatal("非零金额条款不应为免费")
	}
}
