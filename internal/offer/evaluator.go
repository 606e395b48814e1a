package offer

import (
	"context"
	"log/slog"
	"time"

	"TradeWarden/internal/confirm"
	xerrors "TradeWarden/internal/errors"
	"TradeWarden/pkg/logger"
)

// Decision 表示评估器对一条报价的裁决。
type Decision string

const (
	DecisionAccepted Decision = "accepted"
	DecisionDeclined Decision = "declined"
)

// AcceptStatus 是平台 accept 动作的返回状态。
type AcceptStatus string

const (
	AcceptDone    AcceptStatus = "accepted"
	AcceptPending AcceptStatus = "pending"
)

// Actions 定义了评估器需要的平台动作。
type Actions interface {
	Accept(ctx context.Context, offerID string) (AcceptStatus, error)
	Decline(ctx context.Context, offerID string) error
	Confirm(ctx context.Context, actionID string, req confirm.Request) error
}

// SessionGuard 提供会话状态查询与过期处理入口。
type SessionGuard interface {
	Authenticated() bool
	HandleExpired(ctx context.Context)
}

// Policy 决定一条报价是否应被接受。可替换，便于将来引入
// 基于市场价值的策略。
type Policy func(*Offer) bool

// DefaultPolicy 返回默认策略：特权身份无条件接受，
// 其余报价按收支数量比较，收到的不少于给出的即接受。
func DefaultPolicy(privilegedID string) Policy {
	return func(o *Offer) bool {
		if privilegedID != "" && o.Partner == privilegedID {
			return true
		}
		return len(o.ToReceive) >= len(o.ToGive)
	}
}

// Evaluator 对入站报价执行接受/拒绝策略并落实对应的平台动作。
type Evaluator struct {
	actions        Actions
	sessions       SessionGuard
	policy         Policy
	identitySecret string
	now            func() time.Time
	logger         *slog.Logger
}

// EvaluatorOption 定义可选配置。
type EvaluatorOption func(*Evaluator)

// WithClock 替换时钟，主要用于测试。
func WithClock(now func() time.Time) EvaluatorOption {
	return func(e *Evaluator) {
		if now != nil {
			e.now = now
		}
	}
}

// WithEvaluatorLogger 指定日志输出。
func WithEvaluatorLogger(l *slog.Logger) EvaluatorOption {
	return func(e *Evaluator) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewEvaluator 构造评估器。policy 为 nil 时拒绝一切报价。
func NewEvaluator(actions Actions, sessions SessionGuard, policy Policy, identitySecret string, opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{
		actions:        actions,
		sessions:       sessions,
		policy:         policy,
		identitySecret: identitySecret,
		now:            time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.logger == nil {
		e.logger = logger.Named("evaluator")
	}
	return e
}

// Evaluate 对报价做出裁决并执行相应动作。
// 会话未认证时不执行任何有状态动作，直接返回可重试错误，
// 等待平台在重新认证后再次送达。
func (e *Evaluator) Evaluate(ctx context.Context, o *Offer) (Decision, error) {
	if o == nil {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "offer 不能为空")
	}
	if e.actions == nil {
		return "", xerrors.New(xerrors.CodeInitializationFailure, "评估器未配置平台动作")
	}
	if e.sessions != nil && !e.sessions.Authenticated() {
		return "", xerrors.New(xerrors.CodeSessionExpired, "会话未认证，报价处理被推迟",
			xerrors.WithMetadata("offer_id", o.ID))
	}

	if e.policy != nil && e.policy(o) {
		return e.accept(ctx, o)
	}
	return e.decline(ctx, o)
}

func (e *Evaluator) accept(ctx context.Context, o *Offer) (Decision, error) {
	if err := o.Transition(StateAccepted); err != nil {
		return "", err
	}

	status, err := e.actions.Accept(ctx, o.ID)
	if err != nil {
		if xerrors.CodeOf(err) == xerrors.CodeSessionExpired {
			// 会话失效：触发重登，但本条报价不自动重放，等待平台重投。
			if e.sessions != nil {
				e.sessions.HandleExpired(ctx)
			}
			return "", err
		}
		_ = o.Transition(StateFailed)
		wrapped := xerrors.Wrap(CodeOfferActionFailed, err, "接受报价失败",
			xerrors.WithMetadata("offer_id", o.ID))
		e.logger.Error("接受报价失败", slog.String("offer_id", o.ID), slog.Any("error", err))
		return "", wrapped
	}

	logger.Audit().Info("报价已接受",
		slog.String("offer_id", o.ID),
		slog.String("partner", o.Partner),
		slog.Int("to_receive", len(o.ToReceive)),
		slog.Int("to_give", len(o.ToGive)),
	)

	if status != AcceptPending {
		return DecisionAccepted, nil
	}

	if err := o.Transition(StatePendingConfirmation); err != nil {
		return DecisionAccepted, err
	}
	if err := e.finalize(ctx, o); err != nil {
		return DecisionAccepted, err
	}
	return DecisionAccepted, nil
}

// finalize 为挂起的接受动作执行一次确认。每个挂起动作恰好确认一次，
// 确认失败只记录，不进入重试循环。
func (e *Evaluator) finalize(ctx context.Context, o *Offer) error {
	req, err := confirm.Sign(confirm.TagAllow, e.identitySecret, e.now())
	if err != nil {
		wrapped := xerrors.Wrap(CodeConfirmationFailed, err, "派生确认凭据失败",
			xerrors.WithMetadata("offer_id", o.ID))
		e.logger.Error("派生确认凭据失败", slog.String("offer_id", o.ID), slog.Any("error", err))
		return wrapped
	}
	if err := e.actions.Confirm(ctx, o.ID, req); err != nil {
		if xerrors.CodeOf(err) == xerrors.CodeSessionExpired {
			if e.sessions != nil {
				e.sessions.HandleExpired(ctx)
			}
			return err
		}
		wrapped := xerrors.Wrap(CodeConfirmationFailed, err, "提交确认失败",
			xerrors.WithMetadata("offer_id", o.ID))
		e.logger.Error("提交确认失败", slog.String("offer_id", o.ID), slog.Any("error", err))
		return wrapped
	}
	if err := o.Transition(StateConfirmed); err != nil {
		return err
	}
	logger.Audit().Info("报价确认完成", slog.String("offer_id", o.ID))
	return nil
}

func (e *Evaluator) decline(ctx context.Context, o *Offer) (Decision, error) {
	if err := o.Transition(StateDeclined); err != nil {
		return "", err
	}
	if err := e.actions.Decline(ctx, o.ID); err != nil {
		if xerrors.CodeOf(err) == xerrors.CodeSessionExpired {
			if e.sessions != nil {
				e.sessions.HandleExpired(ctx)
			}
			return "", err
		}
		wrapped := xerrors.Wrap(CodeOfferActionFailed, err, "拒绝报价失败",
			xerrors.WithMetadata("offer_id", o.ID))
		e.logger.Error("拒绝报价失败", slog.String("offer_id", o.ID), slog.Any("error", err))
		return "", wrapped
	}
	logger.Audit().Info("报价已拒绝",
		slog.String("offer_id", o.ID),
		slog.String("partner", o.Partner),
		slog.Int("to_receive", len(o.ToReceive)),
		slog.Int("to_give", len(o.ToGive)),
	)
	return DecisionDeclined, nil
}
