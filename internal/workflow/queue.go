package workflow

import (
	"context"
)

// Handler 处理来自对账队列的步骤记录 ID。
type Handler func(ctx context.Context, stepID string) error

// Producer 负责向对账队列投递待巡检的步骤。
type Producer interface {
	Publish(ctx context.Context, stepID string) error
	Close() error
}

// Consumer 负责从对账队列中消费步骤。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}
