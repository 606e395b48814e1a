package redistribute

import (
	"context"
	stdErrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"TradeWarden/internal/confirm"
	xerrors "TradeWarden/internal/errors"
	"TradeWarden/internal/offer"
	"TradeWarden/internal/pricing"
)

const (
	testDestination    = "76561198000000002"
	testIdentitySecret = "aWRlbnRpdHktc2VjcmV0LWZvci10ZXN0"
)

type fakePlatform struct {
	mu       sync.Mutex
	received []offer.Item
	recvErr  error

	sendStatus SendStatus
	sendErr    error
	sentID     string
	sends      int
	lastDraft  Draft

	confirms   atomic.Int32
	confirmErr error
}

func (f *fakePlatform) ReceivedItems(context.Context, string) ([]offer.Item, error) {
	if f.recvErr != nil {
		return nil, f.recvErr
	}
	return f.received, nil
}

func (f *fakePlatform) SendOffer(_ context.Context, draft Draft) (string, SendStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends++
	f.lastDraft = draft
	if f.sendErr != nil {
		return "", "", f.sendErr
	}
	sentID := f.sentID
	if sentID == "" {
		sentID = "sent-1"
	}
	status := f.sendStatus
	if status == "" {
		status = SendDone
	}
	return sentID, status, nil
}

func (f *fakePlatform) Confirm(context.Context, string, confirm.Request) error {
	f.confirms.Add(1)
	return f.confirmErr
}

func (f *fakePlatform) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sends
}

func (f *fakePlatform) draft() Draft {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastDraft
}

type fakeOracle struct {
	prices map[string]int64
	errs   map[string]error
	delays map[string]time.Duration
}

func (f *fakeOracle) Quote(ctx context.Context, appID uint32, name string) (*pricing.Quote, error) {
	if d, ok := f.delays[name]; ok {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err, ok := f.errs[name]; ok {
		return nil, err
	}
	cents, ok := f.prices[name]
	if !ok {
		return nil, pricing.ErrNoListing
	}
	return &pricing.Quote{AppID: appID, MarketHashName: name, LowestPrice: cents, FetchedAt: time.Now()}, nil
}

type fakeSessionGuard struct {
	authenticated bool
	expirations   atomic.Int32
}

func (f *fakeSessionGuard) Authenticated() bool { return f.authenticated }

func (f *fakeSessionGuard) HandleExpired(context.Context) { f.expirations.Add(1) }

func noSleep(context.Context, time.Duration) error { return nil }

func testWorkflowConfig() Config {
	return Config{
		Destination:    testDestination,
		ThresholdCents: 100,
		Message:        "settlement",
		SettleDelay:    3 * time.Second,
	}
}

func newTestWorkflow(platform *fakePlatform, oracle *fakeOracle, store Store, guard SessionGuard, cfg Config) *Workflow {
	return NewWorkflow(platform, oracle, store, guard, cfg, testIdentitySecret,
		WithWorkflowSleeper(noSleep))
}

func mustOnlyBatch(t *testing.T, store Store) *Batch {
	t.Helper()
	batches, err := store.List(context.Background(), ListOptions{})
	if err != nil {
		t.Fatalf("list batches: %v", err)
	}
	if len(batches) != 1 {
		t.Fatalf("期望恰好一个批次，实际 %d", len(batches))
	}
	return batches[0]
}

func marketItem(name string) offer.Item {
	return offer.Item{AppID: 730, MarketHashName: name, Amount: 1}
}

func TestSettleSelectsItemsAboveThreshold(t *testing.T) {
	platform := &fakePlatform{
		received: []offer.Item{marketItem("cheap"), marketItem("expensive")},
	}
	oracle := &fakeOracle{prices: map[string]int64{"cheap": 50, "expensive": 500}}
	store := NewMemoryStore()
	guard := &fakeSessionGuard{authenticated: true}
	workflow := newTestWorkflow(platform, oracle, store, guard, testWorkflowConfig())

	if err := workflow.Settle(context.Background(), "offer-1001"); err != nil {
		t.Fatalf("settle: %v", err)
	}

	draft := platform.draft()
	if len(draft.Items) != 1 || draft.Items[0].MarketHashName != "expensive" {
		t.Fatalf("应只发送达到阈值的物品: %+v", draft.Items)
	}
	if draft.Destination != testDestination {
		t.Fatalf("unexpected destination: %q", draft.Destination)
	}
	if draft.Message != "settlement" {
		t.Fatalf("unexpected message: %q", draft.Message)
	}

	batch := mustOnlyBatch(t, store)
	if batch.Status != StateSent {
		t.Fatalf("unexpected batch status: %q", batch.Status)
	}
	if batch.SourceOfferID != "offer-1001" {
		t.Fatalf("unexpected source offer: %q", batch.SourceOfferID)
	}
	if batch.SentOfferID != "sent-1" {
		t.Fatalf("unexpected sent offer: %q", batch.SentOfferID)
	}
	if platform.confirms.Load() != 0 {
		t.Fatalf("非挂起的发送不应触发确认")
	}
}

func TestSettleVoidsWhenNothingQualifies(t *testing.T) {
	platform := &fakePlatform{
		received: []offer.Item{marketItem("cheap"), marketItem("cheaper")},
	}
	oracle := &fakeOracle{prices: map[string]int64{"cheap": 50, "cheaper": 4}}
	store := NewMemoryStore()
	guard := &fakeSessionGuard{authenticated: true}
	workflow := newTestWorkflow(platform, oracle, store, guard, testWorkflowConfig())

	if err := workflow.Settle(context.Background(), "offer-1001"); err != nil {
		t.Fatalf("settle: %v", err)
	}

	if platform.sendCount() != 0 {
		t.Fatalf("无合格物品时不应发送报价")
	}
	batch := mustOnlyBatch(t, store)
	if batch.Status != StateVoided {
		t.Fatalf("unexpected batch status: %q", batch.Status)
	}
	if batch.LastError != "" {
		t.Fatalf("正常作废不应记录错误: %q", batch.LastError)
	}
}

func TestSettlePendingSendConfirmsExactlyOnce(t *testing.T) {
	platform := &fakePlatform{
		received:   []offer.Item{marketItem("expensive")},
		sendStatus: SendPending,
		sentID:     "sent-42",
	}
	oracle := &fakeOracle{prices: map[string]int64{"expensive": 6210}}
	store := NewMemoryStore()
	guard := &fakeSessionGuard{authenticated: true}
	workflow := newTestWorkflow(platform, oracle, store, guard, testWorkflowConfig())

	if err := workflow.Settle(context.Background(), "offer-1001"); err != nil {
		t.Fatalf("settle: %v", err)
	}

	if platform.confirms.Load() != 1 {
		t.Fatalf("挂起的发送应恰好确认一次，实际 %d", platform.confirms.Load())
	}
	batch := mustOnlyBatch(t, store)
	if batch.Status != StateConfirmed {
		t.Fatalf("unexpected batch status: %q", batch.Status)
	}
	if batch.SentOfferID != "sent-42" {
		t.Fatalf("unexpected sent offer: %q", batch.SentOfferID)
	}
}

func TestSettleSkipsUnlistedItemsSilently(t *testing.T) {
	platform := &fakePlatform{
		received: []offer.Item{marketItem("unlisted"), marketItem("expensive")},
	}
	oracle := &fakeOracle{prices: map[string]int64{"expensive": 500}}
	store := NewMemoryStore()
	guard := &fakeSessionGuard{authenticated: true}
	workflow := newTestWorkflow(platform, oracle, store, guard, testWorkflowConfig())

	if err := workflow.Settle(context.Background(), "offer-1001"); err != nil {
		t.Fatalf("settle: %v", err)
	}

	draft := platform.draft()
	if len(draft.Items) != 1 || draft.Items[0].MarketHashName != "expensive" {
		t.Fatalf("无挂牌物品应被静默跳过: %+v", draft.Items)
	}
}

func TestSettleBarrierWaitsForSlowLookups(t *testing.T) {
	platform := &fakePlatform{
		received: []offer.Item{marketItem("slow"), marketItem("fast")},
	}
	oracle := &fakeOracle{
		prices: map[string]int64{"slow": 500, "fast": 300},
		delays: map[string]time.Duration{"slow": 50 * time.Millisecond},
	}
	store := NewMemoryStore()
	guard := &fakeSessionGuard{authenticated: true}
	// FinalizeDelay 为零时等待全部查询返回。
	workflow := newTestWorkflow(platform, oracle, store, guard, testWorkflowConfig())

	if err := workflow.Settle(context.Background(), "offer-1001"); err != nil {
		t.Fatalf("settle: %v", err)
	}

	draft := platform.draft()
	if len(draft.Items) != 2 {
		t.Fatalf("汇合模式应包含慢查询的结果: %+v", draft.Items)
	}
}

func TestSettleFinalizeDelayDropsSlowLookups(t *testing.T) {
	platform := &fakePlatform{
		received: []offer.Item{marketItem("slow"), marketItem("fast")},
	}
	oracle := &fakeOracle{
		prices: map[string]int64{"slow": 500, "fast": 300},
		delays: map[string]time.Duration{"slow": 2 * time.Second},
	}
	store := NewMemoryStore()
	guard := &fakeSessionGuard{authenticated: true}
	cfg := testWorkflowConfig()
	cfg.FinalizeDelay = 50 * time.Millisecond
	workflow := newTestWorkflow(platform, oracle, store, guard, cfg)

	if err := workflow.Settle(context.Background(), "offer-1001"); err != nil {
		t.Fatalf("settle: %v", err)
	}

	draft := platform.draft()
	if len(draft.Items) != 1 || draft.Items[0].MarketHashName != "fast" {
		t.Fatalf("兼容模式应放弃超时的查询: %+v", draft.Items)
	}
}

func TestSettleDeferredWhenUnauthenticated(t *testing.T) {
	platform := &fakePlatform{received: []offer.Item{marketItem("expensive")}}
	oracle := &fakeOracle{prices: map[string]int64{"expensive": 500}}
	store := NewMemoryStore()
	guard := &fakeSessionGuard{authenticated: false}
	workflow := newTestWorkflow(platform, oracle, store, guard, testWorkflowConfig())

	err := workflow.Settle(context.Background(), "offer-1001")
	if err == nil {
		t.Fatalf("未认证时应当报错")
	}
	if xerrors.CodeOf(err) != xerrors.CodeSessionExpired {
		t.Fatalf("unexpected code: %v", xerrors.CodeOf(err))
	}
	if !xerrors.RetryableError(err) {
		t.Fatalf("会话未认证应为可重试错误")
	}
	if platform.sendCount() != 0 {
		t.Fatalf("未认证时不应执行任何平台动作")
	}
	batches, listErr := store.List(context.Background(), ListOptions{})
	if listErr != nil {
		t.Fatalf("list batches: %v", listErr)
	}
	if len(batches) != 0 {
		t.Fatalf("未认证时不应创建批次记录")
	}
}

func TestSettleStaleSessionSurfacesForRedelivery(t *testing.T) {
	platform := &fakePlatform{
		recvErr: xerrors.New(xerrors.CodeSessionExpired, "cookie expired"),
	}
	oracle := &fakeOracle{}
	store := NewMemoryStore()
	guard := &fakeSessionGuard{authenticated: true}
	workflow := newTestWorkflow(platform, oracle, store, guard, testWorkflowConfig())

	err := workflow.Settle(context.Background(), "offer-1001")
	if err == nil {
		t.Fatalf("会话失效应向上传递")
	}
	if xerrors.CodeOf(err) != xerrors.CodeSessionExpired {
		t.Fatalf("unexpected code: %v", xerrors.CodeOf(err))
	}
	if guard.expirations.Load() != 1 {
		t.Fatalf("应触发一次重新认证，实际 %d", guard.expirations.Load())
	}
}

func TestSettleSendFailureVoidsBatch(t *testing.T) {
	platform := &fakePlatform{
		received: []offer.Item{marketItem("expensive")},
		sendErr:  stdErrors.New("platform rejected the offer"),
	}
	oracle := &fakeOracle{prices: map[string]int64{"expensive": 500}}
	store := NewMemoryStore()
	guard := &fakeSessionGuard{authenticated: true}
	workflow := newTestWorkflow(platform, oracle, store, guard, testWorkflowConfig())

	err := workflow.Settle(context.Background(), "offer-1001")
	if err == nil {
		t.Fatalf("发送失败应当报错")
	}
	if xerrors.CodeOf(err) != offer.CodeOfferActionFailed {
		t.Fatalf("unexpected code: %v", xerrors.CodeOf(err))
	}
	if xerrors.RetryableError(err) {
		t.Fatalf("发送失败不应触发队列重投")
	}

	batch := mustOnlyBatch(t, store)
	if batch.Status != StateVoided {
		t.Fatalf("unexpected batch status: %q", batch.Status)
	}
	if batch.ErrorCode != string(offer.CodeOfferActionFailed) {
		t.Fatalf("unexpected error code: %q", batch.ErrorCode)
	}
	if batch.LastError == "" {
		t.Fatalf("失败原因应记录在批次上")
	}
}

func TestSettleConfirmationFailureKeepsBatchSent(t *testing.T) {
	platform := &fakePlatform{
		received:   []offer.Item{marketItem("expensive")},
		sendStatus: SendPending,
		confirmErr: stdErrors.New("confirmation rejected"),
	}
	oracle := &fakeOracle{prices: map[string]int64{"expensive": 500}}
	store := NewMemoryStore()
	guard := &fakeSessionGuard{authenticated: true}
	workflow := newTestWorkflow(platform, oracle, store, guard, testWorkflowConfig())

	err := workflow.Settle(context.Background(), "offer-1001")
	if err == nil {
		t.Fatalf("确认失败应当报错")
	}
	if xerrors.CodeOf(err) != offer.CodeConfirmationFailed {
		t.Fatalf("unexpected code: %v", xerrors.CodeOf(err))
	}
	if platform.confirms.Load() != 1 {
		t.Fatalf("确认不应重试，实际 %d", platform.confirms.Load())
	}

	// 报价已经发出，批次停留在 Sent 并带上失败原因。
	batch := mustOnlyBatch(t, store)
	if batch.Status != StateSent {
		t.Fatalf("unexpected batch status: %q", batch.Status)
	}
	if batch.ErrorCode != string(offer.CodeConfirmationFailed) {
		t.Fatalf("unexpected error code: %q", batch.ErrorCode)
	}
}

func TestSettleSelectionIsSubsetOfReceived(t *testing.T) {
	received := []offer.Item{
		marketItem("a"), marketItem("b"), marketItem("c"), marketItem("d"),
	}
	platform := &fakePlatform{received: received}
	oracle := &fakeOracle{prices: map[string]int64{"a": 150, "c": 9999, "d": 99}}
	store := NewMemoryStore()
	guard := &fakeSessionGuard{authenticated: true}
	workflow := newTestWorkflow(platform, oracle, store, guard, testWorkflowConfig())

	if err := workflow.Settle(context.Background(), "offer-1001"); err != nil {
		t.Fatalf("settle: %v", err)
	}

	names := map[string]bool{}
	for _, item := range received {
		names[item.MarketHashName] = true
	}
	draft := platform.draft()
	if len(draft.Items) != 2 {
		t.Fatalf("期望两件入选物品，实际 %d", len(draft.Items))
	}
	for _, item := range draft.Items {
		if !names[item.MarketHashName] {
			t.Fatalf("入选物品不在收到的物品之内: %q", item.MarketHashName)
		}
		if item.MarketHashName == "b" || item.MarketHashName == "d" {
			t.Fatalf("低于阈值或无挂牌的物品不应入选: %q", item.MarketHashName)
		}
	}
}

func TestShouldSettle(t *testing.T) {
	privileged := "76561198000000001"

	completed := offer.Restore("offer-1", privileged, nil, nil, offer.StateCompleted)
	if !ShouldSettle(privileged, completed, offer.StateAccepted) {
		t.Fatalf("特权报价从 accepted 到 completed 应触发结算")
	}

	if ShouldSettle(privileged, completed, offer.StateCreated) {
		t.Fatalf("未经过 accepted 的变更不应触发结算")
	}

	stranger := offer.Restore("offer-2", "stranger", nil, nil, offer.StateCompleted)
	if ShouldSettle(privileged, stranger, offer.StateAccepted) {
		t.Fatalf("非特权来源不应触发结算")
	}

	pending := offer.Restore("offer-3", privileged, nil, nil, offer.StateConfirmed)
	if ShouldSettle(privileged, pending, offer.StateAccepted) {
		t.Fatalf("未完成的报价不应触发结算")
	}

	if ShouldSettle("", completed, offer.StateAccepted) {
		t.Fatalf("未配置特权身份时不应触发结算")
	}
	if ShouldSettle(privileged, nil, offer.StateAccepted) {
		t.Fatalf("空报价不应触发结算")
	}
}
