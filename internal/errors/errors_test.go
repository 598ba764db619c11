package errors

import (
	stdErrors "errors"
	"net/http"
	"testing"
)

func TestWithMetadata(t *testing.T) {
	err := New(CodeConflict, "冲突",
		WithMetadata("step_id", "step-1"),
		WithMetadata("txn_id", "0xabc"),
	)
	meta := err.Metadata()
	if meta["step_id"] != "step-1" || meta["txn_id"] != "0xabc" {
		t.Fatalf("附加信息异常: %v", meta)
	}

	// Metadata 返回副本，修改不影响原错误。
	meta["step_id"] = "tampered"
	if err.Metadata()["step_id"] != "step-1" {
		t.Fatal("Metadata 应返回副本")
	}
}

func TestMessage(t *testing.T) {
	if got := Message(New(CodeNotFound, "找不到工作流")); got != "找不到工作流" {
		t.Fatalf("期望统一错误的描述，实际 %q", got)
	}
	if got := Message(stdErrors.New("boom")); got != "boom" {
		t.Fatalf("外部错误应回退到 Error()，实际 %q", got)
	}
	if got := Message(nil); got != "" {
		t.Fatalf("nil 错误应返回空串，实际 %q", got)
	}

	wrapped := Wrap(CodeStorageFailure, stdErrors.New("db down"), "写入失败")
	if got := Message(wrapped); got != "写入失败" {
		t.Fatalf("包裹错误应返回自身描述，实际 %q", got)
	}
}

func TestHTTPStatusOf(t *testing.T) {
	if got := HTTPStatusOf(New(CodeInvalidArgument, "")); got != http.StatusBadRequest {
		t.Fatalf("期望 400，实际 %d", got)
	}
	if got := HTTPStatusOf(stdErrors.New("boom")); got != http.StatusInternalServerError {
		t.Fatalf("外部错误期望 500，实际 %d", got)
	}
	if got := HTTPStatusOf(nil); got != http.StatusOK {
		t.Fatalf("nil 期望 200，实际 %d", got)
	}
}
