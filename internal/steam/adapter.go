package steam

import (
	"context"

	"TradeWarden/internal/offer"
	"TradeWarden/internal/redistribute"
	"TradeWarden/internal/session"
)

// Hooks 汇总守护进程注册给平台适配器的事件回调。
// 未设置的回调被忽略。
type Hooks struct {
	// NewOffer 在平台送达一条新报价时触发。
	NewOffer func(ctx context.Context, o *offer.Offer)
	// ReceivedOfferChanged 在入站报价状态变化时触发，携带变化前的状态。
	ReceivedOfferChanged func(ctx context.Context, o *offer.Offer, previous offer.State)
	// SessionExpired 在平台宣告 Web 会话失效时触发。
	SessionExpired func(ctx context.Context)
}

// Adapter 定义了守护进程对交易平台的全部依赖：
// 登录与会话刷新、参考时钟、报价动作以及再分发所需的读写能力。
// 生产实现由部署侧注入，sim 驱动用于联调与测试。
type Adapter interface {
	session.AuthGateway
	session.TimeSource
	offer.Actions
	redistribute.Platform

	// SetHooks 注册事件回调，必须在 Run 之前调用。
	SetHooks(hooks Hooks)
	// Run 驱动事件循环直到 ctx 结束。
	Run(ctx context.Context) error
	// Close 释放适配器持有的连接资源。
	Close() error
}
