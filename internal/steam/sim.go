package steam

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"TradeWarden/internal/confirm"
	xerrors "TradeWarden/internal/errors"
	"TradeWarden/internal/offer"
	"TradeWarden/internal/redistribute"
	"TradeWarden/internal/session"
	"TradeWarden/pkg/logger"
)

// Fixture 是 sim 驱动的脚本文件结构。offers 描述平台上的报价，
// events 按顺序回放事件流。
type Fixture struct {
	Identity        string         `json:"identity"`
	TradeRestricted bool           `json:"trade_restricted"`
	AcceptStatus    string         `json:"accept_status"`
	SendStatus      string         `json:"send_status"`
	Offers          []FixtureOffer `json:"offers"`
	Events          []FixtureEvent `json:"events"`
}

// FixtureOffer 描述脚本中的一条报价。
type FixtureOffer struct {
	ID        string       `json:"id"`
	Partner   string       `json:"partner"`
	ToReceive []offer.Item `json:"to_receive"`
	ToGive    []offer.Item `json:"to_give"`
}

// FixtureEvent 描述脚本中的一个事件。
// Type 取值 new_offer、offer_changed、session_expired。
type FixtureEvent struct {
	Type     string `json:"type"`
	OfferID  string `json:"offer_id,omitempty"`
	Previous string `json:"previous,omitempty"`
	State    string `json:"state,omitempty"`
	DelayMS  int    `json:"delay_ms,omitempty"`
}

// Sim 按脚本回放平台行为的适配器实现，主要用于联调与测试。
// session_expired 事件后所有有状态动作返回会话过期错误，
// 直到 RefreshSession 被调用。
type Sim struct {
	fixture Fixture
	hooks   Hooks

	mu        sync.Mutex
	offers    map[string]FixtureOffer
	accepted  []string
	declined  []string
	confirmed []string
	sent      []redistribute.Draft
	stale     bool
	sentSeq   atomic.Int64
	logger    *slog.Logger
}

// NewSim 从脚本文件创建 sim 适配器。
func NewSim(fixturePath string) (*Sim, error) {
	if strings.TrimSpace(fixturePath) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "sim 驱动需要 fixture 文件")
	}
	content, err := os.ReadFile(fixturePath)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取 fixture 失败")
	}
	var fixture Fixture
	if err := json.Unmarshal(content, &fixture); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "解析 fixture 失败")
	}
	return NewSimFromFixture(fixture), nil
}

// NewSimFromFixture 直接从内存脚本创建 sim 适配器，便于测试。
func NewSimFromFixture(fixture Fixture) *Sim {
	offers := make(map[string]FixtureOffer, len(fixture.Offers))
	for _, o := range fixture.Offers {
		offers[o.ID] = o
	}
	if fixture.Identity == "" {
		fixture.Identity = "sim-operator"
	}
	return &Sim{
		fixture: fixture,
		offers:  offers,
		logger:  logger.Named("sim"),
	}
}

// SetHooks 实现 Adapter。
func (s *Sim) SetHooks(hooks Hooks) {
	s.hooks = hooks
}

// LogOn 实现 session.AuthGateway。
func (s *Sim) LogOn(_ context.Context, creds session.Credentials) (*session.LogOnResult, error) {
	if creds.AccountName == "" || creds.Password == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "缺少登录凭据")
	}
	if creds.OneTimeCode == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "缺少一次性登录码")
	}
	s.mu.Lock()
	s.stale = false
	s.mu.Unlock()
	return &session.LogOnResult{
		Identity: s.fixture.Identity,
		Credential: &session.WebCredential{
			SessionID: "sim-session",
			Cookies:   []string{"sim=1"},
			IssuedAt:  time.Now(),
		},
		TradeRestricted: s.fixture.TradeRestricted,
	}, nil
}

// RefreshSession 实现 session.AuthGateway。
func (s *Sim) RefreshSession(_ context.Context) (*session.WebCredential, error) {
	s.mu.Lock()
	s.stale = false
	s.mu.Unlock()
	return &session.WebCredential{
		SessionID: fmt.Sprintf("sim-session-%d", time.Now().UnixNano()),
		Cookies:   []string{"sim=1"},
		IssuedAt:  time.Now(),
	}, nil
}

// ServerTime 实现 session.TimeSource。
func (s *Sim) ServerTime(_ context.Context) (time.Time, error) {
	return time.Now(), nil
}

// Accept 实现 offer.Actions。
func (s *Sim) Accept(_ context.Context, offerID string) (offer.AcceptStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stale {
		return "", xerrors.New(xerrors.CodeSessionExpired, "会话已过期")
	}
	if _, ok := s.offers[offerID]; !ok {
		return "", xerrors.New(xerrors.CodeNotFound, "报价不存在: "+offerID)
	}
	s.accepted = append(s.accepted, offerID)
	if s.fixture.AcceptStatus == string(offer.AcceptPending) {
		return offer.AcceptPending, nil
	}
	return offer.AcceptDone, nil
}

// Decline 实现 offer.Actions。
func (s *Sim) Decline(_ context.Context, offerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stale {
		return xerrors.New(xerrors.CodeSessionExpired, "会话已过期")
	}
	s.declined = append(s.declined, offerID)
	return nil
}

// Confirm 实现 offer.Actions 与 redistribute.Platform。
func (s *Sim) Confirm(_ context.Context, actionID string, req confirm.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stale {
		return xerrors.New(xerrors.CodeSessionExpired, "会话已过期")
	}
	if len(req.Key) == 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "确认凭据为空")
	}
	s.confirmed = append(s.confirmed, actionID)
	return nil
}

// ReceivedItems 实现 redistribute.Platform。
func (s *Sim) ReceivedItems(_ context.Context, offerID string) ([]offer.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stale {
		return nil, xerrors.New(xerrors.CodeSessionExpired, "会话已过期")
	}
	o, ok := s.offers[offerID]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, "报价不存在: "+offerID)
	}
	return append([]offer.Item(nil), o.ToReceive...), nil
}

// SendOffer 实现 redistribute.Platform。
func (s *Sim) SendOffer(_ context.Context, draft redistribute.Draft) (string, redistribute.SendStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stale {
		return "", "", xerrors.New(xerrors.CodeSessionExpired, "会话已过期")
	}
	if draft.Destination == "" {
		return "", "", xerrors.New(xerrors.CodeInvalidArgument, "缺少目标身份")
	}
	if len(draft.Items) == 0 {
		return "", "", xerrors.New(xerrors.CodeInvalidArgument, "批次不含任何物品")
	}
	s.sent = append(s.sent, draft)
	id := fmt.Sprintf("sim-sent-%d", s.sentSeq.Add(1))
	if s.fixture.SendStatus == string(redistribute.SendPending) {
		return id, redistribute.SendPending, nil
	}
	return id, redistribute.SendDone, nil
}

// Run 按脚本顺序回放事件，直到事件耗尽或 ctx 结束。
func (s *Sim) Run(ctx context.Context) error {
	for _, event := range s.fixture.Events {
		if event.DelayMS > 0 {
			timer := time.NewTimer(time.Duration(event.DelayMS) * time.Millisecond)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		s.dispatch(ctx, event)
	}
	<-ctx.Done()
	return ctx.Err()
}

func (s *Sim) dispatch(ctx context.Context, event FixtureEvent) {
	switch event.Type {
	case "new_offer":
		fo, ok := s.lookup(event.OfferID)
		if !ok || s.hooks.NewOffer == nil {
			return
		}
		s.hooks.NewOffer(ctx, offer.New(fo.ID, fo.Partner, fo.ToReceive, fo.ToGive))
	case "offer_changed":
		fo, ok := s.lookup(event.OfferID)
		if !ok || s.hooks.ReceivedOfferChanged == nil {
			return
		}
		o := offer.Restore(fo.ID, fo.Partner, fo.ToReceive, fo.ToGive, offer.State(event.State))
		s.hooks.ReceivedOfferChanged(ctx, o, offer.State(event.Previous))
	case "session_expired":
		s.mu.Lock()
		s.stale = true
		s.mu.Unlock()
		if s.hooks.SessionExpired != nil {
			s.hooks.SessionExpired(ctx)
		}
	default:
		s.logger.Warn("未知的 fixture 事件类型", slog.String("type", event.Type))
	}
}

func (s *Sim) lookup(offerID string) (FixtureOffer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fo, ok := s.offers[offerID]
	return fo, ok
}

// Accepted 返回已执行 accept 的报价 ID，供测试断言。
func (s *Sim) Accepted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.accepted...)
}

// Declined 返回已执行 decline 的报价 ID，供测试断言。
func (s *Sim) Declined() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.declined...)
}

// Confirmed 返回已确认的动作 ID，供测试断言。
func (s *Sim) Confirmed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.confirmed...)
}

// Sent 返回已发送的批次草稿，供测试断言。
func (s *Sim) Sent() []redistribute.Draft {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]redistribute.Draft(nil), s.sent...)
}

// Close 实现 Adapter。
func (s *Sim) Close() error {
	return nil
}

var _ Adapter = (*Sim)(nil)
