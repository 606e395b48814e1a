package redistribute

import (
	"context"
	stdErrors "errors"
	"fmt"
	"testing"
)

func seedBatch(t *testing.T, store *MemoryStore, id string, status State) *Batch {
	t.Helper()
	batch := &Batch{
		ID:            id,
		SourceOfferID: "source-" + id,
		Destination:   testDestination,
		Status:        StateBuilding,
	}
	if err := store.Create(context.Background(), batch); err != nil {
		t.Fatalf("create %s: %v", id, err)
	}
	if status != StateBuilding {
		batch.Status = status
		if err := store.Update(context.Background(), batch); err != nil {
			t.Fatalf("update %s: %v", id, err)
		}
	}
	return batch
}

func TestMemoryStoreCreateAndGet(t *testing.T) {
	store := NewMemoryStore()
	seedBatch(t, store, "batch-1", StateBuilding)

	got, err := store.Get(context.Background(), "batch-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.SourceOfferID != "source-batch-1" {
		t.Fatalf("unexpected source offer: %q", got.SourceOfferID)
	}
	if got.CreatedAt == 0 || got.UpdatedAt == 0 {
		t.Fatalf("时间戳应在创建时填充")
	}

	if _, err := store.Get(context.Background(), "missing"); !stdErrors.Is(err, ErrBatchNotFound) {
		t.Fatalf("期望 ErrBatchNotFound，实际 %v", err)
	}
}

func TestMemoryStoreCreateConflict(t *testing.T) {
	store := NewMemoryStore()
	seedBatch(t, store, "batch-1", StateBuilding)

	err := store.Create(context.Background(), &Batch{ID: "batch-1", Status: StateBuilding})
	if !stdErrors.Is(err, ErrBatchConflict) {
		t.Fatalf("期望 ErrBatchConflict，实际 %v", err)
	}
}

func TestMemoryStoreUpdateMissing(t *testing.T) {
	store := NewMemoryStore()
	err := store.Update(context.Background(), &Batch{ID: "ghost", Status: StateReady})
	if !stdErrors.Is(err, ErrBatchNotFound) {
		t.Fatalf("期望 ErrBatchNotFound，实际 %v", err)
	}
}

func TestMemoryStoreGetReturnsCopy(t *testing.T) {
	store := NewMemoryStore()
	seedBatch(t, store, "batch-1", StateBuilding)

	first, err := store.Get(context.Background(), "batch-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	first.Destination = "mutated"

	second, err := store.Get(context.Background(), "batch-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if second.Destination != testDestination {
		t.Fatalf("读取结果不应共享底层数据: %q", second.Destination)
	}
}

func TestMemoryStoreListFilters(t *testing.T) {
	store := NewMemoryStore()
	seedBatch(t, store, "batch-1", StateVoided)
	seedBatch(t, store, "batch-2", StateSent)
	seedBatch(t, store, "batch-3", StateSent)

	sent, err := store.List(context.Background(), ListOptions{States: []State{StateSent}})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sent) != 2 {
		t.Fatalf("期望两个 sent 批次，实际 %d", len(sent))
	}
	for _, batch := range sent {
		if batch.Status != StateSent {
			t.Fatalf("过滤结果含有其它状态: %q", batch.Status)
		}
	}

	byQuery, err := store.List(context.Background(), ListOptions{Query: "source-batch-3"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(byQuery) != 1 || byQuery[0].ID != "batch-3" {
		t.Fatalf("模糊匹配结果不符: %+v", byQuery)
	}
}

func TestMemoryStoreListPagination(t *testing.T) {
	store := NewMemoryStore()
	for i := 0; i < 5; i++ {
		seedBatch(t, store, fmt.Sprintf("batch-%d", i), StateBuilding)
	}

	page, err := store.List(context.Background(), ListOptions{Limit: 2, Offset: 1, Order: SortByUpdatedAsc})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("期望两条结果，实际 %d", len(page))
	}

	empty, err := store.List(context.Background(), ListOptions{Offset: 100})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("越界偏移应返回空结果")
	}
}

func TestMemoryStoreStats(t *testing.T) {
	store := NewMemoryStore()
	seedBatch(t, store, "batch-1", StateVoided)
	seedBatch(t, store, "batch-2", StateSent)
	seedBatch(t, store, "batch-3", StateConfirmed)
	seedBatch(t, store, "batch-4", StateBuilding)

	stats, err := store.Stats(context.Background(), ListOptions{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 4 {
		t.Fatalf("unexpected total: %d", stats.Total)
	}
	if stats.Voided != 1 || stats.Sent != 1 || stats.Confirmed != 1 || stats.Building != 1 {
		t.Fatalf("unexpected distribution: %+v", stats)
	}
	if stats.OldestUpdatedAt == 0 || stats.NewestUpdatedAt < stats.OldestUpdatedAt {
		t.Fatalf("更新时间范围不合法: %+v", stats)
	}

	empty, err := store.Stats(context.Background(), ListOptions{States: []State{StateReady}})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if empty.Total != 0 || empty.OldestUpdatedAt != 0 || empty.NewestUpdatedAt != 0 {
		t.Fatalf("空结果的统计应全部为零: %+v", empty)
	}
}

func TestBatchTransition(t *testing.T) {
	batch := &Batch{ID: "batch-1", Status: StateBuilding}
	for _, next := range []State{StateReady, StateSent, StateConfirmed} {
		if err := batch.Transition(next); err != nil {
			t.Fatalf("transition to %s: %v", next, err)
		}
	}
	if err := batch.Transition(StateVoided); err == nil {
		t.Fatalf("已确认的批次不应再转移")
	}

	voided := &Batch{ID: "batch-2", Status: StateBuilding}
	if err := voided.Transition(StateVoided); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if err := voided.Transition(StateReady); err == nil {
		t.Fatalf("已作废的批次不应再转移")
	}

	skipped := &Batch{ID: "batch-3", Status: StateBuilding}
	if err := skipped.Transition(StateSent); err == nil {
		t.Fatalf("不允许跳过 ready 直接发送")
	}
}
