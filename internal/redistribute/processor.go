package redistribute

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	xerrors "TradeWarden/internal/errors"
	"TradeWarden/internal/observability/alerting"
	"TradeWarden/pkg/logger"
)

// Settler 定义了处理器所需的结算能力。
type Settler interface {
	Settle(ctx context.Context, sourceOfferID string) error
}

// Processor 负责从队列消费结算作业并交给工作流执行。
type Processor struct {
	settler     Settler
	consumer    Consumer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(settler Settler, consumer Consumer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		settler:     settler,
		consumer:    consumer,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.logger == nil {
		p.logger = logger.Named("settlement")
	}
	return p
}

// Start 启动结算作业处理循环。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置结算消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

// handle 执行单条结算作业。可重试错误向队列层传递以触发重投；
// 业务性失败已落在批次上，这里只记录与告警，不再重试。
func (p *Processor) handle(ctx context.Context, offerID string) error {
	if p.settler == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	err := p.settler.Settle(ctx, offerID)
	if err == nil {
		return nil
	}
	if stdErrors.Is(err, context.Canceled) || stdErrors.Is(err, context.DeadlineExceeded) {
		return err
	}

	code := xerrors.CodeOf(err)
	if xerrors.RetryableError(err) {
		p.logger.Warn("结算作业暂不可执行，等待重投",
			slog.String("source_offer_id", offerID),
			slog.String("error_code", string(code)),
			slog.Any("error", err))
		return err
	}

	logger.Audit().Warn("结算作业失败",
		slog.String("source_offer_id", offerID),
		slog.String("error_code", string(code)),
		slog.String("error", err.Error()),
	)
	if xerrors.ShouldAlert(err) {
		p.emitAlert(ctx, offerID, code, err)
	}
	return nil
}

func (p *Processor) emitAlert(ctx context.Context, offerID string, code xerrors.Code, cause error) {
	if p == nil || p.alerter == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	metadata := map[string]string{}
	if cause != nil {
		message = cause.Error()
		metadata["cause"] = cause.Error()
	}
	if e, ok := xerrors.From(cause); ok {
		for k, v := range e.Metadata() {
			metadata[k] = v
		}
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		OfferID:    offerID,
		BatchID:    metadata["batch_id"],
		Metadata:   metadata,
		OccurredAt: time.Now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("source_offer_id", offerID),
		)
	}
}
