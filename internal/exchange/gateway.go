package gateway

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PriceMultiplier 价格定点倍数
var PriceMultiplier = decimal.New(1, 9)

// Ticker 归一化后的行情
type Ticker struct {
	Mid     float64
	BestBid float64
	BestAsk float64
}

// Position 归一化后的仓位
type Position struct {
	Size          float64
	EntryPrice    float64
	MarkPrice     float64
	UnrealizedPnL float64
}

// Fill 归一化后的成交
type Fill struct {
	TradeID string
	Symbol  string
	Side    string // 按 taker 买方标志推断
	Price   float64
	Size    float64
}

// Gateway 在交易所原生定点值与浮点语义值之间转换，并按合约精度取整
type Gateway struct {
	client Client

	mu          sync.RWMutex
	instruments map[string]Instrument
}

// New 包装交易所客户端
func New(client Client) *Gateway {
	return &Gateway{client: client, instruments: make(map[string]Instrument)}
}

// Client 底层客户端
func (g *Gateway) Client() Client {
	return g.client
}

// LoadInstruments 加载并整体替换合约表
func (g *Gateway) LoadInstruments(ctx context.Context) (map[string]Instrument, error) {
	instruments, err := g.client.LoadInstruments(ctx)
	if err != nil {
		return nil, fmt.Errorf("加载合约失败: %w", err)
	}
	if len(instruments) == 0 {
		return nil, ErrNoInstruments
	}

	g.mu.Lock()
	g.instruments = instruments
	g.mu.Unlock()
	return instruments, nil
}

// Instrument 查询合约
func (g *Gateway) Instrument(symbol string) (Instrument, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	inst, ok := g.instruments[symbol]
	return inst, ok
}

// ResolveSymbol 配置的交易对不存在时，回退到 preferBase 的永续合约，再回退到任意合约
func (g *Gateway) ResolveSymbol(configured, preferBase string) (string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if len(g.instruments) == 0 {
		return "", ErrNoInstruments
	}
	if _, ok := g.instruments[configured]; ok {
		return configured, nil
	}

	symbols := make([]string, 0, len(g.instruments))
	for s := range g.instruments {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	for _, s := range symbols {
		inst := g.instruments[s]
		if inst.Base == preferBase && strings.EqualFold(inst.Kind, "PERPETUAL") {
			return s, nil
		}
	}
	return symbols[0], nil
}

// NormalizePrice 原生价格 / 1e9
func NormalizePrice(raw string) float64 {
	d, err := parseDecimal(raw)
	if err != nil {
		return 0
	}
	f, _ := d.Div(PriceMultiplier).Float64()
	return f
}

// NormalizeSize 原生数量 / 10^base_decimals；未知合约原样返回
func (g *Gateway) NormalizeSize(symbol, raw string) float64 {
	d, err := parseDecimal(raw)
	if err != nil {
		return 0
	}
	inst, ok := g.Instrument(symbol)
	if !ok {
		f, _ := d.Float64()
		return f
	}
	f, _ := d.Shift(-inst.BaseDecimals).Float64()
	return f
}

// RoundPrice 向下取整到 tick
func (g *Gateway) RoundPrice(symbol string, price float64) float64 {
	inst, ok := g.Instrument(symbol)
	if !ok {
		return price
	}
	return FloorToStep(price, inst.TickSize)
}

// RoundSize 向下取整到最小数量步长，且不低于最小下单量
func (g *Gateway) RoundSize(symbol string, size float64) float64 {
	inst, ok := g.Instrument(symbol)
	if !ok {
		return size
	}
	step := decimal.New(1, -inst.BaseDecimals)
	rounded := floorDecimal(decimal.NewFromFloat(size), step)
	if rounded.LessThan(inst.MinSize) {
		f, _ := inst.MinSize.Float64()
		return f
	}
	f, _ := rounded.Float64()
	return f
}

// FloorToStep 以十进制精确计算 floor(v/step)*step
func FloorToStep(v float64, step decimal.Decimal) float64 {
	if !step.IsPositive() {
		return v
	}
	f, _ := floorDecimal(decimal.NewFromFloat(v), step).Float64()
	return f
}

// floorDecimal 整数商按零方向截断，与价格/数量均为正的场景一致
func floorDecimal(v, step decimal.Decimal) decimal.Decimal {
	q, _ := v.QuoRem(step, 0)
	return q.Mul(step)
}

// NormalizeTicker 中间价依次取 mid、mark、last
func NormalizeTicker(raw RawTicker) Ticker {
	mid := NormalizePrice(raw.MidPrice)
	if mid == 0 {
		mid = NormalizePrice(raw.MarkPrice)
	}
	if mid == 0 {
		mid = NormalizePrice(raw.LastPrice)
	}
	return Ticker{
		Mid:     mid,
		BestBid: NormalizePrice(raw.BestBidPrice),
		BestAsk: NormalizePrice(raw.BestAskPrice),
	}
}

// Ticker 拉取行情快照
func (g *Gateway) Ticker(ctx context.Context, symbol string) (Ticker, error) {
	raw, err := g.client.FetchTicker(ctx, symbol)
	if err != nil {
		return Ticker{}, err
	}
	return NormalizeTicker(raw), nil
}

// Position 返回该交易对的第一条仓位；无仓位时 ok=false
func (g *Gateway) Position(ctx context.Context, symbol string) (Position, bool, error) {
	positions, err := g.client.FetchPositions(ctx, symbol)
	if err != nil {
		return Position{}, false, err
	}
	if len(positions) == 0 {
		return Position{}, false, nil
	}
	p := positions[0]
	pnl, _ := parseDecimal(p.UnrealizedPnL)
	pnlF, _ := pnl.Float64()
	return Position{
		Size:          g.NormalizeSize(symbol, p.Size),
		EntryPrice:    NormalizePrice(p.EntryPrice),
		MarkPrice:     NormalizePrice(p.MarkPrice),
		UnrealizedPnL: pnlF,
	}, true, nil
}

// FreeBalance 某币种可用余额
func (g *Gateway) FreeBalance(ctx context.Context, currency string) (float64, error) {
	bal, err := g.client.FetchBalance(ctx)
	if err != nil {
		return 0, err
	}
	raw, ok := bal[currency]
	if !ok {
		return 0, fmt.Errorf("balance for %s not found", currency)
	}
	d, err := parseDecimal(raw)
	if err != nil {
		return 0, fmt.Errorf("parse balance %q: %w", raw, err)
	}
	f, _ := d.Float64()
	return f, nil
}

// RecentFills 最近成交，方向按 taker 买方标志推断
func (g *Gateway) RecentFills(ctx context.Context, symbol string, limit int) ([]Fill, error) {
	raws, err := g.client.FetchFills(ctx, symbol, limit)
	if err != nil {
		return nil, err
	}
	fills := make([]Fill, 0, len(raws))
	for _, r := range raws {
		side := "sell"
		if r.IsTakerBuyer {
			side = "buy"
		}
		fills = append(fills, Fill{
			TradeID: r.TradeID,
			Symbol:  symbol,
			Side:    side,
			Price:   NormalizePrice(r.Price),
			Size:    g.NormalizeSize(symbol, r.Size),
		})
	}
	return fills, nil
}

// PlaceLimitOrder 下限价单，价格和数量应已取整
func (g *Gateway) PlaceLimitOrder(ctx context.Context, symbol, side string, size, price float64, postOnly bool, ttlSeconds int) (string, error) {
	id, err := g.client.CreateLimitOrder(ctx, OrderRequest{
		Symbol:        symbol,
		Side:          side,
		Size:          decimal.NewFromFloat(size),
		Price:         decimal.NewFromFloat(price),
		PostOnly:      postOnly,
		TTLSeconds:    ttlSeconds,
		ClientOrderID: uuid.NewString(),
	})
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", ErrEmptyOrderID
	}
	return id, nil
}

// CancelOrder 撤单
func (g *Gateway) CancelOrder(ctx context.Context, orderID string) error {
	return g.client.CancelOrder(ctx, orderID)
}

// SubscribeTicker 订阅推送行情，阻塞直到 ctx 结束
func (g *Gateway) SubscribeTicker(ctx context.Context, symbol string, onTicker func(Ticker)) error {
	return g.client.SubscribeTicker(ctx, symbol, func(raw RawTicker) {
		onTicker(NormalizeTicker(raw))
	})
}

// StreamStats 推送连接统计；客户端不支持时第二个返回值为 false
func (g *Gateway) StreamStats() (WSStats, bool) {
	sc, ok := g.client.(StreamController)
	if !ok {
		return WSStats{}, false
	}
	return sc.StreamStats(), true
}

// ReconnectStream 强制推送重连；没有可重连的连接时返回 false
func (g *Gateway) ReconnectStream() bool {
	sc, ok := g.client.(StreamController)
	if !ok {
		return false
	}
	return sc.ReconnectStreams() > 0
}

// Close 释放底层连接
func (g *Gateway) Close() error {
	return g.client.Close()
}

func parseDecimal(raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(raw)
}
