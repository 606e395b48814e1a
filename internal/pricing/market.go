package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	xerrors "TradeWarden/internal/errors"
)

const (
	defaultMarketBaseURL = "https://steamcommunity.com"
	defaultMarketTimeout = 10 * time.Second
)

// MarketConfig 描述市场价格接口的调用方式。
type MarketConfig struct {
	BaseURL  string
	Currency int
	Timeout  time.Duration
}

// MarketClient 通过社区市场的 priceoverview 接口查询最低挂牌价。
type MarketClient struct {
	baseURL    string
	currency   int
	httpClient *http.Client
	now        func() time.Time
}

// NewMarketClient 根据配置创建市场价格客户端。
func NewMarketClient(cfg MarketConfig) *MarketClient {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultMarketBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	currency := cfg.Currency
	if currency <= 0 {
		currency = 1
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultMarketTimeout
	}

	return &MarketClient{
		baseURL:  baseURL,
		currency: currency,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		now: time.Now,
	}
}

// Quote 实现 Oracle。无挂牌或平台返回失败时为 ErrNoListing。
func (c *MarketClient) Quote(ctx context.Context, appID uint32, marketHashName string) (*Quote, error) {
	if strings.TrimSpace(marketHashName) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "market hash name 不能为空")
	}

	query := url.Values{}
	query.Set("appid", strconv.FormatUint(uint64(appID), 10))
	query.Set("market_hash_name", marketHashName)
	query.Set("currency", strconv.Itoa(c.currency))
	endpoint := c.baseURL + "/market/priceoverview/?" + query.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("构建价格查询请求失败: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "请求市场价格接口失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNoListing
	}
	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, xerrors.New(xerrors.CodeUpstreamFailure,
			fmt.Sprintf("市场接口返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var decoded struct {
		Success     bool   `json:"success"`
		LowestPrice string `json:"lowest_price"`
		MedianPrice string `json:"median_price"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "解析市场价格响应失败")
	}
	if !decoded.Success || decoded.LowestPrice == "" {
		return nil, ErrNoListing
	}

	cents, err := ParsePrice(decoded.LowestPrice)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "解析最低挂牌价失败")
	}

	return &Quote{
		AppID:          appID,
		MarketHashName: marketHashName,
		LowestPrice:    cents,
		FetchedAt:      c.now(),
	}, nil
}
