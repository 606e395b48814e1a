package redistribute

import (
	"context"
	"sync"
	"testing"
	"time"

	xerrors "TradeWarden/internal/errors"
	"TradeWarden/internal/observability/alerting"
)

type fakeSettler struct {
	mu     sync.Mutex
	calls  []string
	errFor map[string]error
}

func (f *fakeSettler) Settle(_ context.Context, offerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, offerID)
	if f.errFor != nil {
		return f.errFor[offerID]
	}
	return nil
}

func (f *fakeSettler) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeDispatcher struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (f *fakeDispatcher) Notify(_ context.Context, event alerting.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakeDispatcher) recorded() []alerting.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]alerting.Event(nil), f.events...)
}

func TestProcessorHandleSuccess(t *testing.T) {
	settler := &fakeSettler{}
	processor := NewProcessor(settler, nil)

	if err := processor.handle(context.Background(), "offer-1"); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if settler.callCount() != 1 {
		t.Fatalf("期望一次结算调用，实际 %d", settler.callCount())
	}
}

func TestProcessorHandleRetryablePropagates(t *testing.T) {
	settler := &fakeSettler{
		errFor: map[string]error{
			"offer-1": xerrors.New(xerrors.CodeSessionExpired, "会话未认证"),
		},
	}
	dispatcher := &fakeDispatcher{}
	processor := NewProcessor(settler, nil, WithAlertDispatcher(dispatcher))

	err := processor.handle(context.Background(), "offer-1")
	if err == nil {
		t.Fatalf("可重试错误应向队列层传递")
	}
	if xerrors.CodeOf(err) != xerrors.CodeSessionExpired {
		t.Fatalf("unexpected code: %v", xerrors.CodeOf(err))
	}
	if len(dispatcher.recorded()) != 0 {
		t.Fatalf("可重试错误不应触发告警")
	}
}

func TestProcessorHandleNonRetryableAlertsOnce(t *testing.T) {
	settler := &fakeSettler{
		errFor: map[string]error{
			"offer-1": xerrors.New(CodeSettlementFailed, "读取收到物品失败",
				xerrors.WithMetadata("batch_id", "batch-9")),
		},
	}
	dispatcher := &fakeDispatcher{}
	processor := NewProcessor(settler, nil, WithAlertDispatcher(dispatcher))

	if err := processor.handle(context.Background(), "offer-1"); err != nil {
		t.Fatalf("业务性失败不应触发重投: %v", err)
	}

	events := dispatcher.recorded()
	if len(events) != 1 {
		t.Fatalf("期望一条告警，实际 %d", len(events))
	}
	event := events[0]
	if event.Code != CodeSettlementFailed {
		t.Fatalf("unexpected alert code: %v", event.Code)
	}
	if event.OfferID != "offer-1" {
		t.Fatalf("unexpected offer id: %q", event.OfferID)
	}
	if event.BatchID != "batch-9" {
		t.Fatalf("告警应携带批次 ID: %q", event.BatchID)
	}
}

func TestProcessorHandleContextCancellation(t *testing.T) {
	settler := &fakeSettler{
		errFor: map[string]error{"offer-1": context.Canceled},
	}
	dispatcher := &fakeDispatcher{}
	processor := NewProcessor(settler, nil, WithAlertDispatcher(dispatcher))

	if err := processor.handle(context.Background(), "offer-1"); err == nil {
		t.Fatalf("取消错误应原样返回")
	}
	if len(dispatcher.recorded()) != 0 {
		t.Fatalf("进程退出不应触发告警")
	}
}

func TestProcessorConsumesFromQueue(t *testing.T) {
	settler := &fakeSettler{}
	queue := NewMemoryQueue(8)
	processor := NewProcessor(settler, queue, WithWorkerCount(2))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = processor.Start(ctx)
		close(done)
	}()

	for _, offerID := range []string{"offer-1", "offer-2", "offer-3"} {
		if err := queue.Publish(ctx, offerID); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for settler.callCount() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("等待结算作业超时，已处理 %d", settler.callCount())
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("处理循环未随上下文退出")
	}
	_ = queue.Close()
}

func TestProcessorStartRequiresConsumer(t *testing.T) {
	processor := NewProcessor(&fakeSettler{}, nil)
	if err := processor.Start(context.Background()); err == nil {
		t.Fatalf("缺少消费者应当报错")
	}
}
