package redistribute

import "context"

// Store 抽象了批次状态的持久化接口。批次记录只服务于在途批次的
// 崩溃恢复与运维可见性，不构成决策依据。
type Store interface {
	Create(ctx context.Context, batch *Batch) error
	Get(ctx context.Context, id string) (*Batch, error)
	Update(ctx context.Context, batch *Batch) error
	List(ctx context.Context, opts ListOptions) ([]*Batch, error)
	Stats(ctx context.Context, opts ListOptions) (BatchStats, error)
	Close() error
}
