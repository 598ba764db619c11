package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"OrcaFlow/internal/jobrun"
)

func TestSweeperDrivesWorkflowToCompletion(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// 远端任务先报两次进行中，第三次巡检才成功。
	backend := jobrun.NewMemoryBackend(
		jobrun.Result{Status: jobrun.StatusRunning},
		jobrun.Result{Status: jobrun.StatusRunning},
		jobrun.Result{Status: jobrun.StatusSucceeded, Output: map[string]any{"text": "done"}},
	)
	queue := NewMemoryQueue(64)
	env := newServiceEnv(t, backend, func(cfg *ServiceConfig) {
		cfg.Producer = queue
	})

	sweeper := NewSweeper(env.service, queue,
		WithSweeperWorkers(2),
		WithScanInterval(20*time.Millisecond),
	)
	go func() {
		if err := sweeper.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("巡检退出异常: %v", err)
		}
	}()

	w := planAndStart(t, env, "translate hello")

	final, err := env.service.WaitUntilSettled(ctx, w.ID, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("等待工作流结束失败: %v", err)
	}
	if final.Status != StatusCompleted {
		t.Fatalf("期望 completed，实际 %s", final.Status)
	}

	step0 := stepAt(t, env, w.ID, 0)
	if step0.JobStatus != jobrun.StatusSucceeded || step0.Output["text"] != "done" {
		t.Fatalf("步骤状态异常: %+v", step0)
	}
}

// 失败后回到 pending 的步骤由巡检在服务端补派发，客户端掉线
// 也不会让工作流卡死。
func TestSweeperRedispatchesFailedStep(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	backend := jobrun.NewMemoryBackend(jobrun.Result{Status: jobrun.StatusFailed, Reason: "agent crashed"})
	queue := NewMemoryQueue(64)
	env := newServiceEnv(t, backend, func(cfg *ServiceConfig) {
		cfg.Producer = queue
	})

	// 首次派发携带失败脚本，之后的新任务成功。
	w := planAndStart(t, env, "translate hello")
	backend.SetScript(jobrun.Result{Status: jobrun.StatusSucceeded, Output: map[string]any{"text": "done"}})

	sweeper := NewSweeper(env.service, queue,
		WithSweeperWorkers(2),
		WithScanInterval(20*time.Millisecond),
	)
	go func() {
		if err := sweeper.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("巡检退出异常: %v", err)
		}
	}()

	final, err := env.service.WaitUntilSettled(ctx, w.ID, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("等待工作流结束失败: %v", err)
	}
	if final.Status != StatusCompleted {
		t.Fatalf("期望 completed，实际 %s", final.Status)
	}
	if backend.Submissions() < 2 {
		t.Fatalf("失败步骤应被补派发，实际提交 %d 次", backend.Submissions())
	}
	step0 := stepAt(t, env, w.ID, 0)
	if step0.JobStatus != jobrun.StatusSucceeded || step0.Attempts < 2 {
		t.Fatalf("补派发后的步骤状态异常: %+v", step0)
	}
}
