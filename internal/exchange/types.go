package gateway

import (
	"context"

	"github.com/shopspring/decimal"
)

// Instrument 合约元数据，每次连接整体加载
type Instrument struct {
	Symbol       string
	Base         string
	Quote        string
	Kind         string
	TickSize     decimal.Decimal
	MinSize      decimal.Decimal
	BaseDecimals int32
}

// 以下 Raw* 结构中的价格与数量为交易所原生定点值（十进制字符串）

// RawTicker 行情快照
type RawTicker struct {
	MidPrice     string `json:"mid_price"`
	MarkPrice    string `json:"mark_price"`
	LastPrice    string `json:"last_price"`
	BestBidPrice string `json:"best_bid_price"`
	BestAskPrice string `json:"best_ask_price"`
}

// RawPosition 仓位
type RawPosition struct {
	Instrument    string `json:"instrument"`
	Size          string `json:"size"`
	EntryPrice    string `json:"entry_price"`
	MarkPrice     string `json:"mark_price"`
	UnrealizedPnL string `json:"unrealized_pnl"` // 已是计价币单位
}

// RawFill 自己的成交
type RawFill struct {
	TradeID      string `json:"trade_id"`
	Instrument   string `json:"instrument"`
	Price        string `json:"price"`
	Size         string `json:"size"`
	IsTakerBuyer bool   `json:"is_taker_buyer"`
}

// RawTrade 公共成交
type RawTrade struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// RawCandle K 线
type RawCandle struct {
	OpenTime string `json:"open_time"`
	Close    string `json:"close"`
}

// TradePage 成交分页
type TradePage struct {
	Trades []RawTrade
	Next   string
}

// CandlePage K 线分页
type CandlePage struct {
	Candles []RawCandle
	Next    string
}

// Balance 可用余额，按币种（计价币单位，非定点）
type Balance map[string]string

// OrderRequest 限价单请求，价格与数量已按合约精度取整
type OrderRequest struct {
	Symbol        string
	Side          string // "buy" | "sell"
	Size          decimal.Decimal
	Price         decimal.Decimal
	PostOnly      bool
	ReduceOnly    bool
	TTLSeconds    int
	ClientOrderID string
}

// Client 交易所能力契约
type Client interface {
	LoadInstruments(ctx context.Context) (map[string]Instrument, error)

	FetchTicker(ctx context.Context, symbol string) (RawTicker, error)
	FetchPositions(ctx context.Context, symbol string) ([]RawPosition, error)
	FetchBalance(ctx context.Context) (Balance, error)
	FetchFills(ctx context.Context, symbol string, limit int) ([]RawFill, error)
	FetchTrades(ctx context.Context, symbol string, sinceNs int64, limit int, cursor string) (TradePage, error)
	FetchCandles(ctx context.Context, symbol, timeframe string, sinceNs int64, limit int, cursor string) (CandlePage, error)

	// SubscribeTicker 阻塞直到 ctx 结束，期间断线自动重连
	SubscribeTicker(ctx context.Context, symbol string, onTicker func(RawTicker)) error

	CreateLimitOrder(ctx context.Context, req OrderRequest) (string, error)
	CancelOrder(ctx context.Context, orderID string) error

	Close() error
}

// StreamController 可选能力：查询并重建推送连接
type StreamController interface {
	StreamStats() WSStats
	ReconnectStreams() int
}
