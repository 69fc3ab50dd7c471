package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	sessionCookieName = "gravity"
	accountIDHeader   = "X-Grvt-Account-Id"
	maxResponseBytes  = 4 << 20
)

// OrderSigner 为订单载荷附加签名；未配置时拒绝下单（ErrNoSigner）
type OrderSigner interface {
	SignOrder(ctx context.Context, privateKey string, order *OrderPayload) error
}

// OrderSignature 订单签名
type OrderSignature struct {
	Signer     string `json:"signer"`
	R          string `json:"r"`
	S          string `json:"s"`
	V          int    `json:"v"`
	Expiration string `json:"expiration"` // unix ns
	Nonce      uint32 `json:"nonce"`
}

// OrderLeg 订单腿
type OrderLeg struct {
	Instrument    string `json:"instrument"`
	Size          string `json:"size"`
	LimitPrice    string `json:"limit_price"`
	IsBuyingAsset bool   `json:"is_buying_asset"`
}

// OrderPayload GRVT 下单载荷
type OrderPayload struct {
	SubAccountID string         `json:"sub_account_id"`
	IsMarket     bool           `json:"is_market"`
	TimeInForce  string         `json:"time_in_force"`
	PostOnly     bool           `json:"post_only"`
	ReduceOnly   bool           `json:"reduce_only"`
	Legs         []OrderLeg     `json:"legs"`
	Signature    OrderSignature `json:"signature"`
	Metadata     struct {
		ClientOrderID string `json:"client_order_id"`
	} `json:"metadata"`
}

// GRVTConfig GRVT 客户端配置
type GRVTConfig struct {
	Env          string
	APIKey       string
	PrivateKey   string
	SubAccountID string

	HTTPClient *http.Client
	Limiter    RateLimiter
	Retry      RetryConfig
	Signer     OrderSigner
	WS         WSReconnectConfig

	// Endpoints 非空时覆盖 Env 对应的地址
	Endpoints *Endpoints
}

// GRVTClient 实现 Client
type GRVTClient struct {
	cfg       GRVTConfig
	endpoints Endpoints
	http      *http.Client

	mu        sync.Mutex
	session   string
	accountID string

	closed atomic.Bool
	wsMu   sync.Mutex
	wsMgrs map[*WSReconnectManager]struct{}
}

// NewGRVTClient 创建客户端，不发起网络请求
func NewGRVTClient(cfg GRVTConfig) (*GRVTClient, error) {
	var ep Endpoints
	if cfg.Endpoints != nil {
		ep = *cfg.Endpoints
	} else {
		var err error
		if ep, err = EndpointsFor(cfg.Env); err != nil {
			return nil, err
		}
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.Limiter == nil {
		cfg.Limiter = NewCompositeLimiter(20, 40, 1200)
	}
	if cfg.Retry == (RetryConfig{}) {
		cfg.Retry = DefaultRetryConfig()
	}
	if cfg.WS == (WSReconnectConfig{}) {
		cfg.WS = DefaultWSReconnectConfig()
	}
	if cfg.Signer == nil {
		log.Warn().Str("env", cfg.Env).Msg("未配置订单签名器，下单将被拒绝")
	}
	return &GRVTClient{
		cfg:       cfg,
		endpoints: ep,
		http:      cfg.HTTPClient,
		wsMgrs:    make(map[*WSReconnectManager]struct{}),
	}, nil
}

type apiEnvelope struct {
	Result json.RawMessage `json:"result"`
	Next   string          `json:"next"`
}

type instrumentResp struct {
	Instrument   string          `json:"instrument"`
	Base         string          `json:"base"`
	Quote        string          `json:"quote"`
	Kind         string          `json:"kind"`
	TickSize     decimal.Decimal `json:"tick_size"`
	MinSize      decimal.Decimal `json:"min_size"`
	BaseDecimals *int32          `json:"base_decimals"`
}

// LoadInstruments 加载永续合约表；缺省 tick 0.5、最小量 0.001、精度 8
func (c *GRVTClient) LoadInstruments(ctx context.Context) (map[string]Instrument, error) {
	req := map[string]any{"kind": []string{"PERPETUAL"}, "is_active": true, "limit": 1000}
	var items []instrumentResp
	if _, err := c.getWithRetry(ctx, c.endpoints.MarketData, "/full/v1/instruments", req, &items); err != nil {
		return nil, err
	}

	out := make(map[string]Instrument, len(items))
	for _, it := range items {
		if it.Instrument == "" {
			continue
		}
		inst := Instrument{
			Symbol:       it.Instrument,
			Base:         it.Base,
			Quote:        it.Quote,
			Kind:         it.Kind,
			TickSize:     it.TickSize,
			MinSize:      it.MinSize,
			BaseDecimals: 8,
		}
		if inst.TickSize.IsZero() {
			inst.TickSize = decimal.RequireFromString("0.5")
		}
		if inst.MinSize.IsZero() {
			inst.MinSize = decimal.RequireFromString("0.001")
		}
		if it.BaseDecimals != nil {
			inst.BaseDecimals = *it.BaseDecimals
		}
		out[inst.Symbol] = inst
	}
	return out, nil
}

// FetchTicker 行情快照
func (c *GRVTClient) FetchTicker(ctx context.Context, symbol string) (RawTicker, error) {
	var t RawTicker
	_, err := c.getWithRetry(ctx, c.endpoints.MarketData, "/full/v1/ticker", map[string]any{"instrument": symbol}, &t)
	return t, err
}

// FetchPositions 当前子账户在该交易对的仓位
func (c *GRVTClient) FetchPositions(ctx context.Context, symbol string) ([]RawPosition, error) {
	if c.cfg.SubAccountID == "" {
		return nil, ErrMissingPrivateID
	}
	req := map[string]any{"sub_account_id": c.cfg.SubAccountID, "kind": []string{"PERPETUAL"}}
	var all []RawPosition
	if _, err := c.privateWithRetry(ctx, "/full/v1/positions", req, &all); err != nil {
		return nil, err
	}
	out := all[:0]
	for _, p := range all {
		if p.Instrument == symbol {
			out = append(out, p)
		}
	}
	return out, nil
}

type accountSummaryResp struct {
	SpotBalances []struct {
		Currency string `json:"currency"`
		Balance  string `json:"balance"`
	} `json:"spot_balances"`
}

// FetchBalance 子账户现货余额
func (c *GRVTClient) FetchBalance(ctx context.Context) (Balance, error) {
	if c.cfg.SubAccountID == "" {
		return nil, ErrMissingPrivateID
	}
	var summary accountSummaryResp
	if _, err := c.privateWithRetry(ctx, "/full/v1/account_summary", map[string]any{"sub_account_id": c.cfg.SubAccountID}, &summary); err != nil {
		return nil, err
	}
	bal := make(Balance, len(summary.SpotBalances))
	for _, b := range summary.SpotBalances {
		bal[b.Currency] = b.Balance
	}
	return bal, nil
}

// FetchFills 最近成交
func (c *GRVTClient) FetchFills(ctx context.Context, symbol string, limit int) ([]RawFill, error) {
	if c.cfg.SubAccountID == "" {
		return nil, ErrMissingPrivateID
	}
	req := map[string]any{
		"sub_account_id": c.cfg.SubAccountID,
		"kind":           []string{"PERPETUAL"},
		"limit":          limit,
	}
	if base, quote, ok := splitSymbol(symbol); ok {
		req["base"] = []string{base}
		req["quote"] = []string{quote}
	}
	var fills []RawFill
	if _, err := c.privateWithRetry(ctx, "/full/v1/fill_history", req, &fills); err != nil {
		return nil, err
	}
	return fills, nil
}

// FetchTrades 公共成交分页
func (c *GRVTClient) FetchTrades(ctx context.Context, symbol string, sinceNs int64, limit int, cursor string) (TradePage, error) {
	req := map[string]any{"instrument": symbol, "start_time": fmt.Sprint(sinceNs), "limit": limit}
	if cursor != "" {
		req["cursor"] = cursor
	}
	var page TradePage
	next, err := c.getWithRetry(ctx, c.endpoints.MarketData, "/full/v1/trade_history", req, &page.Trades)
	page.Next = next
	return page, err
}

// FetchCandles K 线分页
func (c *GRVTClient) FetchCandles(ctx context.Context, symbol, timeframe string, sinceNs int64, limit int, cursor string) (CandlePage, error) {
	req := map[string]any{
		"instrument": symbol,
		"interval":   candleInterval(timeframe),
		"type":       "TRADE",
		"start_time": fmt.Sprint(sinceNs),
		"limit":      limit,
	}
	if cursor != "" {
		req["cursor"] = cursor
	}
	var page CandlePage
	next, err := c.getWithRetry(ctx, c.endpoints.MarketData, "/full/v1/kline", req, &page.Candles)
	page.Next = next
	return page, err
}

type createOrderResp struct {
	OrderID string `json:"order_id"`
}

// CreateLimitOrder 提交 GTT 限价单，不重试
func (c *GRVTClient) CreateLimitOrder(ctx context.Context, req OrderRequest) (string, error) {
	if c.cfg.SubAccountID == "" {
		return "", ErrMissingPrivateID
	}
	// 未签名的订单必被交易所拒绝，提前失败
	if c.cfg.Signer == nil {
		return "", ErrNoSigner
	}
	order := OrderPayload{
		SubAccountID: c.cfg.SubAccountID,
		TimeInForce:  "GOOD_TILL_TIME",
		PostOnly:     req.PostOnly,
		ReduceOnly:   req.ReduceOnly,
		Legs: []OrderLeg{{
			Instrument:    req.Symbol,
			Size:          req.Size.String(),
			LimitPrice:    req.Price.String(),
			IsBuyingAsset: req.Side == "buy",
		}},
	}
	ttl := req.TTLSeconds
	if ttl <= 0 {
		ttl = 10
	}
	order.Signature.Expiration = fmt.Sprint(time.Now().Add(time.Duration(ttl) * time.Second).UnixNano())
	order.Signature.Nonce = uint32(time.Now().UnixNano())
	order.Metadata.ClientOrderID = req.ClientOrderID

	if err := c.cfg.Signer.SignOrder(ctx, c.cfg.PrivateKey, &order); err != nil {
		return "", fmt.Errorf("sign order: %w", err)
	}

	var resp createOrderResp
	if _, err := c.private(ctx, "/full/v1/create_order", map[string]any{"order": order}, &resp); err != nil {
		return "", err
	}
	return resp.OrderID, nil
}

// CancelOrder 撤单，不重试
func (c *GRVTClient) CancelOrder(ctx context.Context, orderID string) error {
	if c.cfg.SubAccountID == "" {
		return ErrMissingPrivateID
	}
	req := map[string]any{"sub_account_id": c.cfg.SubAccountID, "order_id": orderID}
	_, err := c.private(ctx, "/full/v1/cancel_order", req, nil)
	return err
}

// Close 关闭推送连接，之后的调用返回 ErrNotConnected
func (c *GRVTClient) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	for _, m := range c.streams() {
		_ = m.Stop()
	}
	c.http.CloseIdleConnections()
	return nil
}

func (c *GRVTClient) streams() []*WSReconnectManager {
	c.wsMu.Lock()
	defer c.wsMu.Unlock()
	mgrs := make([]*WSReconnectManager, 0, len(c.wsMgrs))
	for m := range c.wsMgrs {
		mgrs = append(mgrs, m)
	}
	return mgrs
}

// StreamStats 汇总所有推送连接：任一在线即视为已连接
func (c *GRVTClient) StreamStats() WSStats {
	var out WSStats
	for _, m := range c.streams() {
		st := m.GetStats()
		out.Connected = out.Connected || st.Connected
		out.TotalReconnects += st.TotalReconnects
		if st.LastConnectTime.After(out.LastConnectTime) {
			out.LastConnectTime = st.LastConnectTime
		}
	}
	return out
}

// ReconnectStreams 强制所有推送连接重连，返回触发数量
func (c *GRVTClient) ReconnectStreams() int {
	mgrs := c.streams()
	for _, m := range mgrs {
		m.TriggerReconnect()
	}
	return len(mgrs)
}

func (c *GRVTClient) getWithRetry(ctx context.Context, base, path string, req, out any) (string, error) {
	var next string
	err := WithRetry(ctx, c.cfg.Retry, func() error {
		var err error
		next, err = c.post(ctx, base, path, req, out, false)
		return err
	})
	return next, err
}

func (c *GRVTClient) privateWithRetry(ctx context.Context, path string, req, out any) (string, error) {
	var next string
	err := WithRetry(ctx, c.cfg.Retry, func() error {
		var err error
		next, err = c.post(ctx, c.endpoints.Trades, path, req, out, true)
		return err
	})
	return next, err
}

func (c *GRVTClient) private(ctx context.Context, path string, req, out any) (string, error) {
	return c.post(ctx, c.endpoints.Trades, path, req, out, true)
}

// post GRVT 的查询与写入均为 POST JSON
func (c *GRVTClient) post(ctx context.Context, base, path string, req, out any, auth bool) (string, error) {
	if c.closed.Load() {
		return "", ErrNotConnected
	}
	if err := c.cfg.Limiter.Wait(ctx); err != nil {
		return "", err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal %s: %w", path, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+path, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if auth {
		session, accountID, err := c.login(ctx)
		if err != nil {
			return "", err
		}
		httpReq.AddCookie(&http.Cookie{Name: sessionCookieName, Value: session})
		if accountID != "" {
			httpReq.Header.Set(accountIDHeader, accountID)
		}
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", err
	}

	if resp.StatusCode >= 300 {
		if resp.StatusCode == http.StatusUnauthorized {
			c.resetSession()
		}
		return "", decodeAPIError(resp.StatusCode, data)
	}

	var env apiEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("decode %s: %w", path, err)
	}
	if out != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return "", fmt.Errorf("decode %s result: %w", path, err)
		}
	}
	return env.Next, nil
}

// login 首次私有调用时用 API key 换取会话 cookie
func (c *GRVTClient) login(ctx context.Context) (string, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != "" {
		return c.session, c.accountID, nil
	}
	if c.cfg.APIKey == "" {
		return "", "", ErrMissingAPIKey
	}

	body, _ := json.Marshal(map[string]string{"api_key": c.cfg.APIKey})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoints.Edge+"/auth/api_key/login", bytes.NewReader(body))
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Cookie", "rm=true;")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if resp.StatusCode >= 300 {
		return "", "", decodeAPIError(resp.StatusCode, data)
	}

	for _, ck := range resp.Cookies() {
		if ck.Name == sessionCookieName {
			c.session = ck.Value
		}
	}
	if c.session == "" {
		return "", "", &APIError{Status: http.StatusUnauthorized, Message: "login returned no session cookie"}
	}
	c.accountID = resp.Header.Get(accountIDHeader)
	log.Info().Str("env", c.cfg.Env).Str("account_id", c.accountID).Msg("GRVT 登录成功")
	return c.session, c.accountID, nil
}

func (c *GRVTClient) resetSession() {
	c.mu.Lock()
	c.session = ""
	c.mu.Unlock()
}

func decodeAPIError(status int, data []byte) error {
	apiErr := &APIError{Status: status}
	if err := json.Unmarshal(data, apiErr); err != nil || apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(bytes.TrimSpace(data)))
	}
	apiErr.Status = status
	return apiErr
}

// splitSymbol BTC_USDT_Perp -> BTC, USDT
func splitSymbol(symbol string) (string, string, bool) {
	parts := strings.Split(symbol, "_")
	if len(parts) < 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

var errStreamClosed = errors.New("ticker stream closed")
