package redistribute

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "TradeWarden/internal/errors"
)

// MemoryStore 以内存方式保存批次状态，主要用于测试。
type MemoryStore struct {
	mu      sync.RWMutex
	batches map[string]*Batch
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{batches: make(map[string]*Batch)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, batch *Batch) error {
	if batch == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "batch 不能为空")
	}
	if batch.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "批次 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.batches[batch.ID]; ok {
		return ErrBatchConflict
	}
	now := time.Now().Unix()
	if batch.CreatedAt == 0 {
		batch.CreatedAt = now
	}
	batch.UpdatedAt = now
	m.batches[batch.ID] = cloneBatch(batch)
	return nil
}

// Get 返回批次。
func (m *MemoryStore) Get(_ context.Context, id string) (*Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	batch, ok := m.batches[id]
	if !ok {
		return nil, ErrBatchNotFound
	}
	return cloneBatch(batch), nil
}

// Update 覆盖写入批次的当前状态。
func (m *MemoryStore) Update(_ context.Context, batch *Batch) error {
	if batch == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "batch 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.batches[batch.ID]
	if !ok {
		return ErrBatchNotFound
	}
	batch.CreatedAt = existing.CreatedAt
	batch.UpdatedAt = time.Now().Unix()
	m.batches[batch.ID] = cloneBatch(batch)
	return nil
}

// List 返回最近的批次。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	results := make([]*Batch, 0, len(m.batches))
	for _, batch := range m.batches {
		if !matchesListFilters(batch, opts) {
			continue
		}
		results = append(results, cloneBatch(batch))
	}

	sort.Slice(results, func(i, j int) bool {
		less := func(a, b *Batch) bool {
			if a.UpdatedAt == b.UpdatedAt {
				if a.CreatedAt == b.CreatedAt {
					return a.ID < b.ID
				}
				return a.CreatedAt < b.CreatedAt
			}
			return a.UpdatedAt < b.UpdatedAt
		}
		if opts.Order == SortByUpdatedAsc {
			return less(results[i], results[j])
		}
		return less(results[j], results[i])
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(results) {
			return []*Batch{}, nil
		}
		results = results[opts.Offset:]
	}
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Stats 统计符合过滤条件的批次数量与更新时间范围。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (BatchStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	stats := BatchStats{}
	for _, batch := range m.batches {
		if !matchesListFilters(batch, opts) {
			continue
		}
		stats.Total++
		switch batch.Status {
		case StateBuilding:
			stats.Building++
		case StateReady:
			stats.Ready++
		case StateSent:
			stats.Sent++
		case StateConfirmed:
			stats.Confirmed++
		case StateVoided:
			stats.Voided++
		}
		if batch.UpdatedAt > stats.NewestUpdatedAt {
			stats.NewestUpdatedAt = batch.UpdatedAt
		}
		if stats.OldestUpdatedAt == 0 || (batch.UpdatedAt != 0 && batch.UpdatedAt < stats.OldestUpdatedAt) {
			stats.OldestUpdatedAt = batch.UpdatedAt
		}
	}
	if stats.Total == 0 {
		stats.OldestUpdatedAt = 0
		stats.NewestUpdatedAt = 0
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func matchesListFilters(batch *Batch, opts ListOptions) bool {
	if len(opts.States) > 0 {
		matched := false
		for _, state := range opts.States {
			if batch.Status == state {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if opts.UpdatedGTE > 0 && batch.UpdatedAt < opts.UpdatedGTE {
		return false
	}
	if opts.UpdatedLTE > 0 && batch.UpdatedAt > opts.UpdatedLTE {
		return false
	}
	if opts.Query != "" {
		if !strings.Contains(batch.ID, opts.Query) &&
			!strings.Contains(batch.SourceOfferID, opts.Query) &&
			!strings.Contains(batch.Destination, opts.Query) &&
			!strings.Contains(batch.SentOfferID, opts.Query) &&
			!strings.Contains(batch.LastError, opts.Query) {
			return false
		}
	}
	return true
}

// ensure interface compliance at compile time
var _ Store = (*MemoryStore)(nil)
