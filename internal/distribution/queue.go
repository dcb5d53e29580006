package distribution

import "context"

// Handler 处理来自队列的分配运行 ID。
type Handler func(ctx context.Context, runID string) error

// Producer 负责向队列投递分配运行。
type Producer interface {
	Publish(ctx context.Context, runID string) error
	Close() error
}

// Consumer 负责从队列中消费分配运行。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}
