package engine

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/newplayman/glft-maker/internal/config"
	gateway "github.com/newplayman/glft-maker/internal/exchange"
	"github.com/newplayman/glft-maker/internal/repository"
	"github.com/newplayman/glft-maker/internal/store"
)

var (
	tickSize = decimal.RequireFromString("0.5")
	lotStep  = decimal.RequireFromString("0.001")
)

const minSize = 0.001

type placedOrder struct {
	ID    string
	Side  string
	Price float64
	Size  float64
	TTL   int
}

// fakeExchange 模拟交易所
type fakeExchange struct {
	mu sync.Mutex

	ticker    gateway.Ticker
	tickerErr error

	position    gateway.Position
	hasPosition bool
	positionErr error

	balance    float64
	balanceErr error

	fills    []gateway.Fill
	fillsErr error

	placeErr  map[string]error // side -> err
	cancelErr map[string]error // order id -> err

	seq          int
	placed       []placedOrder
	canceled     []string
	cancelCalls  int
	tickerCalls  int
	fillCalls    int
	balanceCalls int
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{
		ticker:    gateway.Ticker{Mid: 50000},
		balance:   1000,
		placeErr:  make(map[string]error),
		cancelErr: make(map[string]error),
	}
}

func (f *fakeExchange) Ticker(ctx context.Context, symbol string) (gateway.Ticker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tickerCalls++
	if err := ctx.Err(); err != nil {
		return gateway.Ticker{}, err
	}
	return f.ticker, f.tickerErr
}

func (f *fakeExchange) Position(ctx context.Context, symbol string) (gateway.Position, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.position, f.hasPosition, f.positionErr
}

func (f *fakeExchange) FreeBalance(ctx context.Context, currency string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balanceCalls++
	return f.balance, f.balanceErr
}

func (f *fakeExchange) RecentFills(ctx context.Context, symbol string, limit int) ([]gateway.Fill, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fillCalls++
	return f.fills, f.fillsErr
}

func (f *fakeExchange) RoundPrice(symbol string, price float64) float64 {
	return gateway.FloorToStep(price, tickSize)
}

func (f *fakeExchange) RoundSize(symbol string, size float64) float64 {
	return math.Max(gateway.FloorToStep(size, lotStep), minSize)
}

func (f *fakeExchange) PlaceLimitOrder(ctx context.Context, symbol, side string, size, price float64, postOnly bool, ttlSeconds int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.placeErr[side]; err != nil {
		return "", err
	}
	f.seq++
	id := fmt.Sprintf("order-%d", f.seq)
	f.placed = append(f.placed, placedOrder{ID: id, Side: side, Price: price, Size: size, TTL: ttlSeconds})
	return id, nil
}

func (f *fakeExchange) CancelOrder(ctx context.Context, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelCalls++
	if err := f.cancelErr[orderID]; err != nil {
		return err
	}
	f.canceled = append(f.canceled, orderID)
	return nil
}

func (f *fakeExchange) placedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.placed)
}

func (f *fakeExchange) setTickerErr(err error) {
	f.mu.Lock()
	f.tickerErr = err
	f.mu.Unlock()
}

type riskEventRow struct {
	Level, Type, Message string
}

// fakeRepo 内存持久化
type fakeRepo struct {
	mu sync.Mutex

	params    config.StrategyParams
	limits    config.RiskLimits
	paramsErr error

	positions map[string]store.PositionState
	trades    map[string]repository.Trade
	orders    map[string]string // order id -> status
	events    []riskEventRow
	metrics   map[string][]float64
	metricSeq []string // 写入顺序
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		params:    config.DefaultStrategyParams(),
		limits:    config.DefaultRiskLimits(),
		positions: make(map[string]store.PositionState),
		trades:    make(map[string]repository.Trade),
		orders:    make(map[string]string),
		metrics:   make(map[string][]float64),
	}
}

func (r *fakeRepo) GetOrCreateParams(ctx context.Context) (config.StrategyParams, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.params, r.paramsErr
}

func (r *fakeRepo) GetOrCreateRiskLimits(ctx context.Context) (config.RiskLimits, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.limits, nil
}

func (r *fakeRepo) UpdateCalibratedParams(ctx context.Context, sigma, a, k float64) (config.StrategyParams, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.paramsErr != nil {
		return config.StrategyParams{}, r.paramsErr
	}
	r.params.Sigma, r.params.A, r.params.K = sigma, a, k
	return r.params, nil
}

func (r *fakeRepo) UpsertPosition(ctx context.Context, symbol string, p store.PositionState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.positions[symbol] = p
	return nil
}

func (r *fakeRepo) TradeExists(ctx context.Context, tradeID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.trades[tradeID]
	return ok, nil
}

func (r *fakeRepo) RecordTrade(ctx context.Context, t repository.Trade) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trades[t.TradeID] = t
	return nil
}

func (r *fakeRepo) RecordOrder(ctx context.Context, orderID, symbol, side string, price, size float64, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders[orderID] = status
	return nil
}

func (r *fakeRepo) UpdateOrderStatus(ctx context.Context, orderID, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders[orderID] = status
	return nil
}

func (r *fakeRepo) RecordRiskEvent(ctx context.Context, level, eventType, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, riskEventRow{Level: level, Type: eventType, Message: message})
	return nil
}

func (r *fakeRepo) RecordMetric(ctx context.Context, name string, value float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics[name] = append(r.metrics[name], value)
	r.metricSeq = append(r.metricSeq, name)
	return nil
}

func (r *fakeRepo) eventRows() []riskEventRow {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]riskEventRow(nil), r.events...)
}

type alertRow struct {
	Level, Message string
}

type fakeAlerter struct {
	mu     sync.Mutex
	alerts []alertRow
}

func (a *fakeAlerter) Raise(ctx context.Context, level, message string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, alertRow{Level: level, Message: message})
	return nil
}

func (a *fakeAlerter) rows() []alertRow {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]alertRow(nil), a.alerts...)
}
