package jobrun

import (
	"context"
	"fmt"
	"sync"

	xerrors "OrcaFlow/internal/errors"
)

// MemoryBackend 在内存中模拟任务执行后端，供测试与本地开发使用。
// 每个任务的状态序列可以用脚本预置，每次 Status 调用向前推进一格。
type MemoryBackend struct {
	mu      sync.Mutex
	nextID  int
	jobs    map[string]*memoryJob
	script  []Result
	submits int
}

type memoryJob struct {
	spec    Spec
	results []Result
	cursor  int
}

// NewMemoryBackend 创建 MemoryBackend。script 是新任务的默认状态序列；
// 为空时任务立即成功。
func NewMemoryBackend(script ...Result) *MemoryBackend {
	if len(script) == 0 {
		script = []Result{{Status: StatusSucceeded}}
	}
	return &MemoryBackend{
		jobs:   make(map[string]*memoryJob),
		script: script,
	}
}

// SetScript 替换后续新任务的状态序列。
func (b *MemoryBackend) SetScript(script ...Result) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.script = script
}

// Submit 实现 Backend 接口。
func (b *MemoryBackend) Submit(_ context.Context, spec Spec) (Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.submits++
	jobID := fmt.Sprintf("job-%d", b.nextID)
	b.jobs[jobID] = &memoryJob{
		spec:    spec,
		results: append([]Result(nil), b.script...),
	}
	return Handle{AgentEndpoint: spec.AgentEndpoint, JobID: jobID}, nil
}

// Status 实现 Backend 接口。状态序列耗尽后停留在最后一个结果。
func (b *MemoryBackend) Status(_ context.Context, handle Handle) (Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	job, ok := b.jobs[handle.JobID]
	if !ok {
		return Result{}, xerrors.New(xerrors.CodeNotFound, "任务不存在")
	}
	if len(job.results) == 0 {
		return Result{Status: StatusSucceeded}, nil
	}
	idx := job.cursor
	if idx >= len(job.results) {
		idx = len(job.results) - 1
	} else {
		job.cursor++
	}
	return job.results[idx], nil
}

// Submissions 返回累计的任务创建次数，供测试断言幂等性。
func (b *MemoryBackend) Submissions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.submits
}

// JobInput 返回指定任务的提交输入，供测试检查输出接力。
func (b *MemoryBackend) JobInput(jobID string) (map[string]any, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	job, ok := b.jobs[jobID]
	if !ok {
		return nil, false
	}
	return job.spec.Input, true
}

var _ Backend = (*MemoryBackend)(nil)
