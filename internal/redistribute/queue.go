package redistribute

import (
	"context"
)

// Handler 处理来自消息队列的结算作业，载荷为来源报价 ID。
type Handler func(ctx context.Context, offerID string) error

// Producer 负责向队列投递结算作业。
type Producer interface {
	Publish(ctx context.Context, offerID string) error
	Close() error
}

// Consumer 负责从队列中消费结算作业。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}
