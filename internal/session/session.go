package session

import (
	"context"
	"time"

	xerrors "TradeWarden/internal/errors"
)

// Credentials 是一次登录所需的全部信息。
type Credentials struct {
	AccountName string
	Password    string
	OneTimeCode string
}

// WebCredential 是登录成功后平台下发的 Web 凭据。
// 凭据整体替换，从不原地修改。
type WebCredential struct {
	SessionID string
	Cookies   []string
	IssuedAt  time.Time
}

// Session 描述当前操作身份的认证状态。只由本包创建和替换。
type Session struct {
	AccountName   string
	Identity      string
	Authenticated bool
	Expired       bool
	Credential    *WebCredential
}

// LogOnResult 是平台登录动作的结果。
type LogOnResult struct {
	Identity        string
	Credential      *WebCredential
	TradeRestricted bool
}

// AuthGateway 定义了会话管理器需要的平台登录能力。
type AuthGateway interface {
	LogOn(ctx context.Context, creds Credentials) (*LogOnResult, error)
	RefreshSession(ctx context.Context) (*WebCredential, error)
}

// TimeSource 提供平台参考时钟，用于计算本地时钟偏移。
type TimeSource interface {
	ServerTime(ctx context.Context) (time.Time, error)
}

// CodeSource 根据共享密钥和时间派生一次性登录码。
// 算法本身属于外部协作者，这里只约定边界。
type CodeSource interface {
	LoginCode(sharedSecret string, at time.Time) (string, error)
}

const (
	CodeAuthFailure     xerrors.Code = "AUTH_FAILURE"
	CodeTradeRestricted xerrors.Code = "AUTH_TRADE_RESTRICTED"
)

func init() {
	xerrors.Register(CodeAuthFailure, xerrors.Attributes{
		Message:   "authentication failed",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
		Fatal:     true,
	})
	xerrors.Register(CodeTradeRestricted, xerrors.Attributes{
		Message:   "account is trade restricted",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
		Fatal:     true,
	})
}
