package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	xerrors "TradeWarden/internal/errors"
	"TradeWarden/pkg/logger"
)

// Config 描述会话管理器的账号参数。
type Config struct {
	AccountName  string
	Password     string
	SharedSecret string
	// RefreshCoalesce 内重复触发的刷新会被合并为一次。
	RefreshCoalesce time.Duration
}

// Manager 负责认证生命周期：计算时钟偏移、派生登录码、登录，
// 以及在会话失效后透明地重新建立。凭据替换是一次原子指针更新，
// 所有依赖方通过 Current 读取最新值。
type Manager struct {
	gateway AuthGateway
	clock   TimeSource
	codes   CodeSource
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time

	offsetNanos atomic.Int64
	current     atomic.Pointer[Session]

	refreshMu   sync.Mutex
	lastRefresh time.Time
}

// ManagerOption 定义可选配置。
type ManagerOption func(*Manager)

// WithCodeSource 替换登录码实现。
func WithCodeSource(codes CodeSource) ManagerOption {
	return func(m *Manager) {
		if codes != nil {
			m.codes = codes
		}
	}
}

// WithManagerClock 替换本地时钟，主要用于测试。
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithManagerLogger 指定日志输出。
func WithManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewManager 构造会话管理器。
func NewManager(gateway AuthGateway, clock TimeSource, cfg Config, opts ...ManagerOption) *Manager {
	if cfg.RefreshCoalesce <= 0 {
		cfg.RefreshCoalesce = 10 * time.Second
	}
	m := &Manager{
		gateway: gateway,
		clock:   clock,
		codes:   GuardCodeSource{},
		cfg:     cfg,
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	if m.logger == nil {
		m.logger = logger.Named("session")
	}
	return m
}

// Initialize 建立初始会话。时钟偏移获取失败或账号受限均为致命错误，
// 由调用方终止进程。
func (m *Manager) Initialize(ctx context.Context) (*Session, error) {
	if m.gateway == nil || m.clock == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "会话管理器未配置平台网关")
	}

	serverNow, err := m.clock.ServerTime(ctx)
	if err != nil {
		return nil, xerrors.Wrap(CodeAuthFailure, err, "获取平台参考时钟失败")
	}
	offset := serverNow.Sub(m.now())
	m.offsetNanos.Store(int64(offset))

	code, err := m.codes.LoginCode(m.cfg.SharedSecret, m.now().Add(offset))
	if err != nil {
		return nil, xerrors.Wrap(CodeAuthFailure, err, "派生一次性登录码失败")
	}

	result, err := m.gateway.LogOn(ctx, Credentials{
		AccountName: m.cfg.AccountName,
		Password:    m.cfg.Password,
		OneTimeCode: code,
	})
	if err != nil {
		return nil, xerrors.Wrap(CodeAuthFailure, err, "登录失败")
	}
	if result.TradeRestricted {
		return nil, xerrors.New(CodeTradeRestricted,
			"账号处于交易受限状态，无法作为托管账号使用")
	}

	sess := &Session{
		AccountName:   m.cfg.AccountName,
		Identity:      result.Identity,
		Authenticated: true,
		Credential:    result.Credential,
	}
	m.current.Store(sess)

	logger.Audit().Info("会话已建立",
		slog.String("account", m.cfg.AccountName),
		slog.String("identity", result.Identity),
		slog.Duration("clock_offset", offset),
	)
	return sess, nil
}

// Current 返回当前会话快照，可能为 nil。
func (m *Manager) Current() *Session {
	return m.current.Load()
}

// Authenticated 报告当前是否可以执行有状态的平台动作。
func (m *Manager) Authenticated() bool {
	sess := m.current.Load()
	return sess != nil && sess.Authenticated && !sess.Expired
}

// Offset 返回最近一次测得的平台时钟偏移。
func (m *Manager) Offset() time.Duration {
	return time.Duration(m.offsetNanos.Load())
}

// HandleExpired 响应平台的会话过期信号：标记当前会话失效并刷新。
// 不需要操作员介入，短时间内的重复触发是幂等的。
func (m *Manager) HandleExpired(ctx context.Context) {
	if sess := m.current.Load(); sess != nil && !sess.Expired {
		stale := *sess
		stale.Authenticated = false
		stale.Expired = true
		m.current.CompareAndSwap(sess, &stale)
	}
	if err := m.Refresh(ctx); err != nil {
		m.logger.Error("会话刷新失败", slog.Any("error", err))
	}
}

// Refresh 使用既有身份重新建立 Web 会话，不再派生登录码。
// RefreshCoalesce 窗口内的重复调用直接复用上一次的结果。
func (m *Manager) Refresh(ctx context.Context) error {
	if m.gateway == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "会话管理器未配置平台网关")
	}

	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	if !m.lastRefresh.IsZero() && m.now().Sub(m.lastRefresh) < m.cfg.RefreshCoalesce {
		return nil
	}

	cred, err := m.gateway.RefreshSession(ctx)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeSessionExpired, err, "重新建立 Web 会话失败")
	}

	prev := m.current.Load()
	next := &Session{
		AccountName:   m.cfg.AccountName,
		Authenticated: true,
		Credential:    cred,
	}
	if prev != nil {
		next.Identity = prev.Identity
	}
	m.current.Store(next)
	m.lastRefresh = m.now()

	logger.Audit().Info("会话已刷新", slog.String("account", m.cfg.AccountName))
	return nil
}
