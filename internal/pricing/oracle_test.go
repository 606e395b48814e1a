package pricing

import (
	"testing"

	xerrors "TradeWarden/internal/errors"
)

func TestParsePrice(t *testing.T) {
	cases := []struct {
		raw   string
		cents int64
	}{
		{"$5.00", 500},
		{"5,00€", 500},
		{"1,234.56", 123456},
		{"1.234,56", 123456},
		{"$0.50", 50},
		{"$0.04", 4},
		{"12", 1200},
		{"¥ 620.5", 62050},
	}
	for _, tc := range cases {
		got, err := ParsePrice(tc.raw)
		if err != nil {
			t.Fatalf("parse %q: %v", tc.raw, err)
		}
		if got != tc.cents {
			t.Fatalf("parse %q: got %d want %d", tc.raw, got, tc.cents)
		}
	}
}

func TestParsePriceRejectsGarbage(t *testing.T) {
	for _, raw := range []string{"", "free", "n/a", "---"} {
		if _, err := ParsePrice(raw); err == nil {
			t.Fatalf("非法价格文本应当报错: %q", raw)
		}
	}
}

func TestErrNoListingAttributes(t *testing.T) {
	if xerrors.CodeOf(ErrNoListing) != CodePriceUnavailable {
		t.Fatalf("unexpected code: %v", xerrors.CodeOf(ErrNoListing))
	}
	if xerrors.RetryableError(ErrNoListing) {
		t.Fatalf("缺少挂牌不应被视作可重试错误")
	}
	if xerrors.ShouldAlert(ErrNoListing) {
		t.Fatalf("缺少挂牌不应触发告警")
	}
}
