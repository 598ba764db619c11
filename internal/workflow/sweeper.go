package workflow

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	"OrcaFlow/internal/jobrun"
	"OrcaFlow/pkg/logger"
)

// Sweeper 在服务端兜底对账：消费派发时投递的步骤 ID 巡检远端状态，
// 并周期性扫描 active 工作流，把滞留的步骤重新投回队列，避免
// 客户端掉线后工作流卡死。
type Sweeper struct {
	service  *Service
	consumer Consumer
	workers  int
	interval time.Duration
	log      *slog.Logger
}

// SweeperOption 调整 Sweeper 行为。
type SweeperOption func(*Sweeper)

// WithSweeperWorkers 设置消费协程数量。
func WithSweeperWorkers(workers int) SweeperOption {
	return func(s *Sweeper) {
		if workers > 0 {
			s.workers = workers
		}
	}
}

// WithScanInterval 设置滞留扫描的周期。
func WithScanInterval(interval time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if interval > 0 {
			s.interval = interval
		}
	}
}

// WithSweeperLogger 注入自定义日志器。
func WithSweeperLogger(log *slog.Logger) SweeperOption {
	return func(s *Sweeper) {
		if log != nil {
			s.log = log
		}
	}
}

// NewSweeper 构造 Sweeper。
func NewSweeper(service *Service, consumer Consumer, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		service:  service,
		consumer: consumer,
		workers:  2,
		interval: 30 * time.Second,
		log:      logger.Named("sweeper"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Start 阻塞运行直到 ctx 取消。
func (s *Sweeper) Start(ctx context.Context) error {
	if s.service == nil || s.consumer == nil {
		return nil
	}

	go s.scanLoop(ctx)
	return s.consumer.Consume(ctx, s.workers, s.handle)
}

// handle 巡检单个步骤。进行中的步骤重新投递，等待下一轮；
// 失败后回到 pending 的步骤在服务端补派发，客户端掉线也能继续。
func (s *Sweeper) handle(ctx context.Context, stepID string) error {
	r, err := s.service.Poll(ctx, stepID)
	if err != nil {
		if stdErrors.Is(err, ErrStepNotFound) {
			return nil
		}
		s.log.Warn("巡检步骤失败", slog.String("step_id", stepID), slog.Any("error", err))
		return err
	}
	if r.JobStatus == jobrun.StatusRunning {
		return stdErrors.New("步骤仍在执行中")
	}
	if r.JobStatus == jobrun.StatusPending {
		return s.redispatch(ctx, r)
	}
	if paymentExpected(r) {
		s.log.Debug("步骤等待支付", slog.String("step_id", r.ID))
	}
	return nil
}

// redispatch 为 pending 步骤补派发任务。预算耗尽或工作流已离开
// 该步骤时放弃处理。
func (s *Sweeper) redispatch(ctx context.Context, r *StepResult) error {
	if r.Attempts >= r.MaxAttempts {
		return nil
	}
	if _, err := s.service.CreateJob(ctx, r.WorkflowID, r.StepIndex, ""); err != nil {
		if stdErrors.Is(err, ErrInvalidWorkflowState) ||
			stdErrors.Is(err, ErrOutOfOrderStep) ||
			stdErrors.Is(err, ErrStepConflict) {
			return nil
		}
		s.log.Warn("补派发步骤失败", slog.String("step_id", r.ID), slog.Any("error", err))
		return err
	}
	return nil
}

// scanLoop 周期扫描 active 工作流，把当前步骤补投回队列。
func (s *Sweeper) scanLoop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scanOnce(ctx)
		}
	}
}

func (s *Sweeper) scanOnce(ctx context.Context) {
	workflows, err := s.service.List(ctx,
		WithStatuses(StatusActive),
		WithLimit(100),
		WithSortOrder(SortByUpdatedAsc),
	)
	if err != nil {
		s.log.Warn("扫描 active 工作流失败", slog.Any("error", err))
		return
	}

	for _, w := range workflows {
		r, err := s.service.store.StepResultByIndex(ctx, w.ID, w.CurrentStep)
		if err != nil {
			if !stdErrors.Is(err, ErrStepNotFound) {
				s.log.Warn("读取当前步骤失败",
					slog.String("workflow_id", w.ID),
					slog.Any("error", err),
				)
			}
			continue
		}
		switch r.JobStatus {
		case jobrun.StatusRunning:
			if s.service.producer != nil {
				if err := s.service.producer.Publish(ctx, r.ID); err != nil {
					s.log.Warn("补投步骤失败", slog.String("step_id", r.ID), slog.Any("error", err))
				}
			}
		case jobrun.StatusPending:
			_ = s.redispatch(ctx, r)
		}
	}
}
