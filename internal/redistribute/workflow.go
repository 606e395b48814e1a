package redistribute

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"TradeWarden/internal/confirm"
	xerrors "TradeWarden/internal/errors"
	"TradeWarden/internal/offer"
	"TradeWarden/internal/pricing"
	"TradeWarden/pkg/logger"
)

// SendStatus 是平台发送动作的返回状态。
type SendStatus string

const (
	SendDone    SendStatus = "sent"
	SendPending SendStatus = "pending"
)

// Draft 描述一条待发送的再分发报价。
type Draft struct {
	Destination string
	Items       []offer.Item
	Message     string
}

// Platform 定义了工作流需要的平台动作。
type Platform interface {
	ReceivedItems(ctx context.Context, offerID string) ([]offer.Item, error)
	SendOffer(ctx context.Context, draft Draft) (string, SendStatus, error)
	Confirm(ctx context.Context, actionID string, req confirm.Request) error
}

// SessionGuard 提供会话状态查询与过期处理入口。
type SessionGuard interface {
	Authenticated() bool
	HandleExpired(ctx context.Context)
}

// Config 汇总工作流的再分发参数。
type Config struct {
	// Destination 是接收再分发批次的托管身份。
	Destination string
	// ThresholdCents 为入选阈值，单位为分。
	ThresholdCents int64
	// Message 附在再分发报价上的说明文字。
	Message string
	// SettleDelay 是读取收到物品前的等待时长，用于等平台完成入账。
	SettleDelay time.Duration
	// FinalizeDelay 大于零时启用兼容模式：选件阶段最多等待该时长，
	// 超时后用已返回的结果定稿，未返回的查询结果被丢弃。为零时
	// 等待全部价格查询返回后再定稿。
	FinalizeDelay time.Duration
}

// Workflow 在报价结算后挑选达到阈值的物品并转发给托管身份。
type Workflow struct {
	platform       Platform
	oracle         pricing.Oracle
	store          Store
	sessions       SessionGuard
	cfg            Config
	identitySecret string
	now            func() time.Time
	sleep          func(ctx context.Context, d time.Duration) error
	logger         *slog.Logger
}

// WorkflowOption 定义可选配置。
type WorkflowOption func(*Workflow)

// WithWorkflowClock 替换时钟，主要用于测试。
func WithWorkflowClock(now func() time.Time) WorkflowOption {
	return func(w *Workflow) {
		if now != nil {
			w.now = now
		}
	}
}

// WithWorkflowSleeper 替换延时实现，主要用于测试。
func WithWorkflowSleeper(sleep func(ctx context.Context, d time.Duration) error) WorkflowOption {
	return func(w *Workflow) {
		if sleep != nil {
			w.sleep = sleep
		}
	}
}

// WithWorkflowLogger 指定日志输出。
func WithWorkflowLogger(l *slog.Logger) WorkflowOption {
	return func(w *Workflow) {
		if l != nil {
			w.logger = l
		}
	}
}

// NewWorkflow 构造再分发工作流。
func NewWorkflow(platform Platform, oracle pricing.Oracle, store Store, sessions SessionGuard, cfg Config, identitySecret string, opts ...WorkflowOption) *Workflow {
	w := &Workflow{
		platform:       platform,
		oracle:         oracle,
		store:          store,
		sessions:       sessions,
		cfg:            cfg,
		identitySecret: identitySecret,
		now:            time.Now,
		sleep:          sleepContext,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	if w.logger == nil {
		w.logger = logger.Named("redistribute")
	}
	return w
}

// Settle 对一条已结算的来源报价执行完整的再分发流程。
// 可重试的基础设施错误会向上传递，交由队列重投；
// 业务性失败记录在批次上并结束流程。
func (w *Workflow) Settle(ctx context.Context, sourceOfferID string) error {
	if w.platform == nil || w.oracle == nil || w.store == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "再分发工作流未初始化")
	}
	if w.sessions != nil && !w.sessions.Authenticated() {
		return xerrors.New(xerrors.CodeSessionExpired, "会话未认证，结算被推迟",
			xerrors.WithMetadata("source_offer_id", sourceOfferID))
	}

	batch := &Batch{
		ID:            uuid.NewString(),
		SourceOfferID: sourceOfferID,
		Destination:   w.cfg.Destination,
		Message:       w.cfg.Message,
		Status:        StateBuilding,
	}
	if err := w.store.Create(ctx, batch); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建批次记录失败")
	}

	// 结算通知可能先于平台入账到达，读取前等待一段时间。
	if w.cfg.SettleDelay > 0 {
		if err := w.sleep(ctx, w.cfg.SettleDelay); err != nil {
			return err
		}
	}

	received, err := w.platform.ReceivedItems(ctx, sourceOfferID)
	if err != nil {
		if xerrors.CodeOf(err) == xerrors.CodeSessionExpired {
			if w.sessions != nil {
				w.sessions.HandleExpired(ctx)
			}
			return err
		}
		w.recordFailure(ctx, batch, CodeSettlementFailed, err)
		return xerrors.Wrap(CodeSettlementFailed, err, "读取收到物品失败",
			xerrors.WithMetadata("batch_id", batch.ID))
	}

	selected, selection := w.selectItems(ctx, received)
	switch selection {
	case SelectionInvalid:
		w.recordFailure(ctx, batch, CodeSettlementFailed, ctx.Err())
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return xerrors.New(CodeSettlementFailed, "价格筛选未完成，批次作废",
			xerrors.WithMetadata("batch_id", batch.ID))
	case SelectionNone:
		if err := batch.Transition(StateVoided); err != nil {
			return err
		}
		if err := w.store.Update(ctx, batch); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新批次记录失败")
		}
		logger.Audit().Info("批次作废，无达到阈值的物品",
			slog.String("batch_id", batch.ID),
			slog.String("source_offer_id", sourceOfferID),
			slog.Int("received", len(received)),
		)
		return nil
	}

	batch.Items = selected
	if err := batch.Transition(StateReady); err != nil {
		return err
	}
	if err := w.store.Update(ctx, batch); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新批次记录失败")
	}

	return w.send(ctx, batch)
}

// selectItems 并发查询每件物品的价格，返回达到阈值的子集。
// 无挂牌的物品静默跳过。兼容模式下（FinalizeDelay > 0）以定时定稿，
// 超时未返回的查询被放弃，复刻原有的竞态行为。
func (w *Workflow) selectItems(ctx context.Context, received []offer.Item) ([]offer.Item, Selection) {
	if len(received) == 0 {
		return nil, SelectionNone
	}

	var (
		mu       sync.Mutex
		selected []offer.Item
		wg       sync.WaitGroup
	)
	for _, item := range received {
		wg.Add(1)
		go func(item offer.Item) {
			defer wg.Done()
			quote, err := w.oracle.Quote(ctx, item.AppID, item.MarketHashName)
			if err != nil {
				if !stdErrors.Is(err, pricing.ErrNoListing) {
					w.logger.Debug("价格查询失败，跳过物品",
						slog.String("market_hash_name", item.MarketHashName),
						slog.Any("error", err))
				}
				return
			}
			if quote.LowestPrice < w.cfg.ThresholdCents {
				return
			}
			mu.Lock()
			selected = append(selected, item)
			mu.Unlock()
		}(item)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	if w.cfg.FinalizeDelay > 0 {
		select {
		case <-done:
		case <-time.After(w.cfg.FinalizeDelay):
			w.logger.Warn("选件定稿超时，放弃未返回的价格查询",
				slog.Duration("finalize_delay", w.cfg.FinalizeDelay))
		case <-ctx.Done():
			return nil, SelectionInvalid
		}
	} else {
		select {
		case <-done:
		case <-ctx.Done():
			return nil, SelectionInvalid
		}
	}

	mu.Lock()
	result := append([]offer.Item(nil), selected...)
	mu.Unlock()
	if len(result) == 0 {
		return nil, SelectionNone
	}
	return result, SelectionReady
}

// send 发送批次并在平台要求时执行恰好一次确认。
// 发送与确认失败都记录在批次上，不进入重试循环。
func (w *Workflow) send(ctx context.Context, batch *Batch) error {
	sentID, status, err := w.platform.SendOffer(ctx, Draft{
		Destination: batch.Destination,
		Items:       batch.Items,
		Message:     batch.Message,
	})
	if err != nil {
		if xerrors.CodeOf(err) == xerrors.CodeSessionExpired {
			if w.sessions != nil {
				w.sessions.HandleExpired(ctx)
			}
			return err
		}
		w.recordFailure(ctx, batch, offer.CodeOfferActionFailed, err)
		return xerrors.Wrap(offer.CodeOfferActionFailed, err, "发送批次失败",
			xerrors.WithMetadata("batch_id", batch.ID))
	}

	batch.SentOfferID = sentID
	if err := batch.Transition(StateSent); err != nil {
		return err
	}
	if err := w.store.Update(ctx, batch); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新批次记录失败")
	}
	logger.Audit().Info("批次已发送",
		slog.String("batch_id", batch.ID),
		slog.String("source_offer_id", batch.SourceOfferID),
		slog.String("sent_offer_id", sentID),
		slog.String("destination", batch.Destination),
		slog.Int("items", len(batch.Items)),
	)

	if status != SendPending {
		return nil
	}
	return w.finalize(ctx, batch)
}

// finalize 为挂起的发送动作签发并提交一次确认。
func (w *Workflow) finalize(ctx context.Context, batch *Batch) error {
	req, err := confirm.Sign(confirm.TagAllow, w.identitySecret, w.now())
	if err != nil {
		w.recordFailure(ctx, batch, offer.CodeConfirmationFailed, err)
		return xerrors.Wrap(offer.CodeConfirmationFailed, err, "派生确认凭据失败",
			xerrors.WithMetadata("batch_id", batch.ID))
	}
	if err := w.platform.Confirm(ctx, batch.SentOfferID, req); err != nil {
		if xerrors.CodeOf(err) == xerrors.CodeSessionExpired {
			if w.sessions != nil {
				w.sessions.HandleExpired(ctx)
			}
			return err
		}
		w.recordFailure(ctx, batch, offer.CodeConfirmationFailed, err)
		return xerrors.Wrap(offer.CodeConfirmationFailed, err, "提交批次确认失败",
			xerrors.WithMetadata("batch_id", batch.ID))
	}
	if err := batch.Transition(StateConfirmed); err != nil {
		return err
	}
	if err := w.store.Update(ctx, batch); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新批次记录失败")
	}
	logger.Audit().Info("批次确认完成",
		slog.String("batch_id", batch.ID),
		slog.String("sent_offer_id", batch.SentOfferID),
	)
	return nil
}

// recordFailure 把失败原因落在批次上供运维查看。处于可作废状态的
// 批次同时转为 Voided。写回失败只记日志，不覆盖原始错误。
func (w *Workflow) recordFailure(ctx context.Context, batch *Batch, code xerrors.Code, cause error) {
	if cause != nil {
		batch.LastError = cause.Error()
	} else {
		batch.LastError = xerrors.AttributesOf(code).Message
	}
	batch.ErrorCode = string(code)
	if batch.Status == StateBuilding || batch.Status == StateReady {
		_ = batch.Transition(StateVoided)
	}
	if err := w.store.Update(ctx, batch); err != nil {
		w.logger.Error("写回批次失败状态出错",
			slog.String("batch_id", batch.ID),
			slog.Any("error", err))
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
