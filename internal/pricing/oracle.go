package pricing

import (
	"context"
	"strings"
	"time"

	xerrors "TradeWarden/internal/errors"
)

// Quote 是一次市场价格查询的结果。价格以最小货币单位（分）表示。
// 每次出现都重新查询，跨报价不做缓存。
type Quote struct {
	AppID          uint32
	MarketHashName string
	LowestPrice    int64
	FetchedAt      time.Time
}

// Oracle 定义市场价格查询的统一接口。
// 无挂牌数据时返回 ErrNoListing，调用方静默跳过该物品。
type Oracle interface {
	Quote(ctx context.Context, appID uint32, marketHashName string) (*Quote, error)
}

// CodePriceUnavailable 表示物品没有可用的市场价格。
const CodePriceUnavailable xerrors.Code = "PRICE_UNAVAILABLE"

// ErrNoListing 表示物品没有市场挂牌。这不是值得上报的错误。
var ErrNoListing = xerrors.New(CodePriceUnavailable, "no market listing")

func init() {
	xerrors.Register(CodePriceUnavailable, xerrors.Attributes{
		Message:   "no market price available",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// ParsePrice 将平台返回的价格文本解析为分。
// 支持 "$5.00"、"5,00€"、"1,234.56" 这类常见格式。
func ParsePrice(raw string) (int64, error) {
	cleaned := make([]rune, 0, len(raw))
	for _, r := range raw {
		if (r >= '0' && r <= '9') || r == '.' || r == ',' {
			cleaned = append(cleaned, r)
		}
	}
	text := string(cleaned)
	if text == "" {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, "价格文本为空: "+raw)
	}

	// 同时出现 , 和 . 时，靠后的那个是小数点；只出现 , 且后面正好
	// 两位数字时按欧式小数点处理，否则视为千位分隔符。
	lastComma := strings.LastIndex(text, ",")
	lastDot := strings.LastIndex(text, ".")
	sep := -1
	switch {
	case lastComma >= 0 && lastDot >= 0:
		sep = lastDot
		if lastComma > lastDot {
			sep = lastComma
		}
	case lastDot >= 0:
		sep = lastDot
	case lastComma >= 0 && len(text)-lastComma-1 == 2:
		sep = lastComma
	}

	whole, frac := text, ""
	if sep >= 0 {
		whole, frac = text[:sep], text[sep+1:]
	}
	strip := strings.NewReplacer(",", "", ".", "")
	whole = strip.Replace(whole)
	frac = strip.Replace(frac)

	if len(frac) > 2 {
		frac = frac[:2]
	}
	for len(frac) < 2 {
		frac += "0"
	}

	var cents int64
	for _, r := range whole + frac {
		if r < '0' || r > '9' {
			return 0, xerrors.New(xerrors.CodeInvalidArgument, "无法解析价格: "+raw)
		}
		cents = cents*10 + int64(r-'0')
	}
	return cents, nil
}
