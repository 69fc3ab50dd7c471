package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/newplayman/glft-maker/internal/alert"
	"github.com/newplayman/glft-maker/internal/config"
	gateway "github.com/newplayman/glft-maker/internal/exchange"
	"github.com/newplayman/glft-maker/internal/metrics"
	"github.com/newplayman/glft-maker/internal/repository"
	"github.com/newplayman/glft-maker/internal/risk"
	"github.com/newplayman/glft-maker/internal/store"
	"github.com/newplayman/glft-maker/internal/strategy"
)

const (
	defaultPositionSyncInterval = 2 * time.Second
	defaultTradeSyncInterval    = 10 * time.Second
	defaultStopTimeout          = 5 * time.Second
	defaultQuoteInterval        = 250 * time.Millisecond
	defaultOrderTTLSeconds      = 10

	tradeSyncLimit = 50
	quoteCurrency  = "USDT"
	churnEpsilon   = 1e-9
	minEquity      = 1e-6
)

// 风控事件类型
const (
	EventRiskBlock     = "RISK_BLOCK"
	EventOrderFail     = "ORDER_FAIL"
	EventExchangeError = "EXCHANGE_ERROR"
)

// 订单状态
const (
	OrderStatusOpen     = "open"
	OrderStatusCanceled = "canceled"
)

// Exchange 引擎所需的交易所能力（已归一化）
type Exchange interface {
	Ticker(ctx context.Context, symbol string) (gateway.Ticker, error)
	Position(ctx context.Context, symbol string) (gateway.Position, bool, error)
	FreeBalance(ctx context.Context, currency string) (float64, error)
	RecentFills(ctx context.Context, symbol string, limit int) ([]gateway.Fill, error)
	RoundPrice(symbol string, price float64) float64
	RoundSize(symbol string, size float64) float64
	PlaceLimitOrder(ctx context.Context, symbol, side string, size, price float64, postOnly bool, ttlSeconds int) (string, error)
	CancelOrder(ctx context.Context, orderID string) error
}

// Repository 引擎所需的持久化能力
type Repository interface {
	GetOrCreateParams(ctx context.Context) (config.StrategyParams, error)
	GetOrCreateRiskLimits(ctx context.Context) (config.RiskLimits, error)
	UpsertPosition(ctx context.Context, symbol string, p store.PositionState) error
	TradeExists(ctx context.Context, tradeID string) (bool, error)
	RecordTrade(ctx context.Context, t repository.Trade) error
	RecordOrder(ctx context.Context, orderID, symbol, side string, price, size float64, status string) error
	UpdateOrderStatus(ctx context.Context, orderID, status string) error
	RecordRiskEvent(ctx context.Context, level, eventType, message string) error
	RecordMetric(ctx context.Context, name string, value float64) error
}

// Alerter 告警出口
type Alerter interface {
	Raise(ctx context.Context, level, message string) error
}

// RuntimeConfig 无需重连即可热更新的运行参数
type RuntimeConfig struct {
	QuoteInterval   time.Duration
	OrderTTLSeconds int
}

// Options 控制器构造参数
type Options struct {
	Symbol               string
	Runtime              RuntimeConfig
	StopTimeout          time.Duration
	PositionSyncInterval time.Duration
	TradeSyncInterval    time.Duration
	Clock                func() time.Time
}

// Status 看板快照
type Status struct {
	Symbol        string
	Running       bool
	LastEvent     string
	MidPrice      float64
	Inventory     float64
	UnrealizedPnL float64
	Spread        float64
	CancelRatio   float64
	OrderRate     float64
	ParamsVersion uint64
}

// tickStats 每轮结束后发布给读者，避免读者触碰风控队列
type tickStats struct {
	spread      float64
	cancelRatio float64
	orderRate   float64
}

// Controller 单交易对报价控制器，状态为 stopped / running
type Controller struct {
	symbol string
	exch   Exchange
	repo   Repository
	alerts Alerter
	store  *store.Store
	now    func() time.Time

	positionSyncInterval time.Duration
	tradeSyncInterval    time.Duration
	stopTimeout          time.Duration

	runtime atomic.Pointer[RuntimeConfig]
	limits  atomic.Pointer[config.RiskLimits]
	stats   atomic.Pointer[tickStats]

	// 以下字段只由报价循环访问
	risk             *risk.Engine
	lastPositionSync time.Time
	lastTradeSync    time.Time
	lastBid, lastAsk float64
	lastSpread       float64

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewController 创建控制器，初始为 stopped
func NewController(exch Exchange, repo Repository, alerts Alerter, st *store.Store, opts Options) *Controller {
	c := &Controller{
		symbol:               opts.Symbol,
		exch:                 exch,
		repo:                 repo,
		alerts:               alerts,
		store:                st,
		now:                  opts.Clock,
		positionSyncInterval: opts.PositionSyncInterval,
		tradeSyncInterval:    opts.TradeSyncInterval,
		stopTimeout:          opts.StopTimeout,
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.positionSyncInterval <= 0 {
		c.positionSyncInterval = defaultPositionSyncInterval
	}
	if c.tradeSyncInterval <= 0 {
		c.tradeSyncInterval = defaultTradeSyncInterval
	}
	if c.stopTimeout <= 0 {
		c.stopTimeout = defaultStopTimeout
	}
	c.runtime.Store(&RuntimeConfig{QuoteInterval: defaultQuoteInterval, OrderTTLSeconds: defaultOrderTTLSeconds})
	c.ApplyRuntimeConfig(opts.Runtime)
	c.stats.Store(&tickStats{})
	return c
}

// Symbol 报价交易对
func (c *Controller) Symbol() string {
	return c.symbol
}

// Start 启动报价循环；已在运行时直接返回
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return nil
	}
	if c.symbol == "" {
		return errors.New("未设置交易对")
	}
	if c.done != nil {
		select {
		case <-c.done:
		default:
			return errors.New("上一轮报价循环尚未退出")
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.running = true
	c.store.SetRunning(true)
	metrics.SetEngineRunning(true)

	go c.run(loopCtx, c.done)

	log.Info().Str("symbol", c.symbol).Dur("interval", c.runtime.Load().QuoteInterval).Msg("报价引擎已启动")
	return nil
}

// Stop 取消报价循环并在超时内等待退出；已停止时直接返回
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return
	}
	c.running = false
	c.cancel()

	t := time.NewTimer(c.stopTimeout)
	defer t.Stop()
	select {
	case <-c.done:
	case <-t.C:
		log.Warn().Str("symbol", c.symbol).Dur("timeout", c.stopTimeout).Msg("等待报价循环退出超时")
	}

	c.store.SetRunning(false)
	metrics.SetEngineRunning(false)
	log.Info().Str("symbol", c.symbol).Msg("报价引擎已停止")
}

// IsRunning 是否运行中
func (c *Controller) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// ApplyRuntimeConfig 热更新报价间隔与挂单有效期，非正值保留原值
func (c *Controller) ApplyRuntimeConfig(rc RuntimeConfig) {
	cur := *c.runtime.Load()
	if rc.QuoteInterval > 0 {
		cur.QuoteInterval = rc.QuoteInterval
	}
	if rc.OrderTTLSeconds > 0 {
		cur.OrderTTLSeconds = rc.OrderTTLSeconds
	}
	c.runtime.Store(&cur)
}

// Runtime 当前运行参数
func (c *Controller) Runtime() RuntimeConfig {
	return *c.runtime.Load()
}

// SetRiskLimits 热更新风控阈值，下一轮生效
func (c *Controller) SetRiskLimits(l config.RiskLimits) {
	c.limits.Store(&l)
}

// Status 看板快照
func (c *Controller) Status() Status {
	market := c.store.Market()
	pos := c.store.Position()
	eng := c.store.Engine()
	stats := c.stats.Load()

	var version uint64
	if snap, ok := c.store.Params().Load(); ok {
		version = snap.Version
	}
	return Status{
		Symbol:        c.symbol,
		Running:       c.IsRunning(),
		LastEvent:     eng.LastEvent,
		MidPrice:      market.MidPrice,
		Inventory:     pos.Size,
		UnrealizedPnL: pos.UnrealizedPnL,
		Spread:        stats.spread,
		CancelRatio:   stats.cancelRatio,
		OrderRate:     stats.orderRate,
		ParamsVersion: version,
	}
}

func (c *Controller) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			start := time.Now()
			c.tick(ctx)
			metrics.RecordTick(c.symbol, time.Since(start).Seconds())
			timer.Reset(c.runtime.Load().QuoteInterval)
		}
	}
}

// tick 一轮报价；任何步骤失败只结束本轮
func (c *Controller) tick(ctx context.Context) {
	// 1. 风控引擎懒加载并刷新阈值
	c.ensureRisk(ctx)
	defer c.publishStats()

	params, ok := c.loadParams(ctx)
	if !ok {
		return
	}
	now := c.now()

	// 2. 仓位同步
	if now.Sub(c.lastPositionSync) >= c.positionSyncInterval {
		c.lastPositionSync = now
		if err := c.refreshPosition(ctx); err != nil {
			c.reportExchangeError(ctx, "仓位同步失败", err)
			return
		}
	}

	// 3. 成交同步，失败下轮再试
	if now.Sub(c.lastTradeSync) >= c.tradeSyncInterval {
		c.lastTradeSync = now
		c.syncTrades(ctx)
	}

	// 4. 中间价
	mid, err := c.midPrice(ctx)
	if err != nil {
		c.reportExchangeError(ctx, "行情获取失败", err)
		return
	}
	if mid <= 0 {
		log.Debug().Str("symbol", c.symbol).Msg("中间价无效，跳过本轮")
		return
	}

	// 5. 下单量
	size := c.exch.RoundSize(c.symbol, math.Max(params.OrderCapUSD/mid, 0))
	if size <= 0 {
		return
	}

	// 6. 杠杆估算
	leverage := c.estimateLeverage(ctx, mid, size)

	// 7. 风控准入
	inventory := c.store.Position().Size
	inventoryUSD := inventory * mid
	decision := c.risk.CheckLimits(inventoryUSD, params.OrderCapUSD, leverage)
	if !decision.Allowed {
		c.block(ctx, decision.Reason)
		return
	}

	// 8. 库存自适应 gamma
	gamma := params.Gamma
	if params.AutoTuningEnabled {
		gamma = strategy.TuneGamma(gamma, inventoryUSD, params.InventoryCapUSD)
	}

	// 9. 报价并取整
	q := computeQuote(mid, inventory, size, gamma, params)
	bid := c.exch.RoundPrice(c.symbol, q.Bid)
	ask := c.exch.RoundPrice(c.symbol, q.Ask)
	if bid <= 0 || ask <= 0 || bid >= ask {
		log.Debug().Str("symbol", c.symbol).Float64("bid", bid).Float64("ask", ask).Msg("报价无效，跳过本轮")
		return
	}

	// 10. 记录价差并对账
	if err := c.repo.RecordMetric(ctx, "spread", q.Spread); err != nil && ctx.Err() == nil {
		log.Warn().Err(err).Msg("价差指标落库失败")
	}
	metrics.UpdateQuoteMetrics(c.symbol, q.Spread, q.Reservation, gamma)
	c.lastSpread = q.Spread

	c.reconcile(ctx, bid, ask, size)
}

func (c *Controller) ensureRisk(ctx context.Context) {
	limits := c.currentLimits(ctx)
	if c.risk == nil {
		c.risk = risk.NewEngine(limits).WithClock(c.now)
		return
	}
	c.risk.SetLimits(limits)
}

func (c *Controller) currentLimits(ctx context.Context) config.RiskLimits {
	if l := c.limits.Load(); l != nil {
		return *l
	}
	l, err := c.repo.GetOrCreateRiskLimits(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("读取风控阈值失败，使用默认值")
		return config.DefaultRiskLimits()
	}
	c.limits.CompareAndSwap(nil, &l)
	return *c.limits.Load()
}

// loadParams 读取已提交的参数行；尚无提交时从持久化加载并提交
func (c *Controller) loadParams(ctx context.Context) (config.StrategyParams, bool) {
	book := c.store.Params()
	if snap, ok := book.Load(); ok {
		return snap.Params, true
	}
	p, err := c.repo.GetOrCreateParams(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Error().Err(err).Msg("读取策略参数失败")
		}
		return config.StrategyParams{}, false
	}
	return book.Commit(p).Params, true
}

func (c *Controller) refreshPosition(ctx context.Context) error {
	pos, ok, err := c.exch.Position(ctx, c.symbol)
	if err != nil {
		return err
	}
	// 交易所无仓位即为空仓，覆盖快照或旧交易对遗留的库存
	if !ok {
		pos = gateway.Position{}
	}
	at := c.now()
	state := store.PositionState{
		Size:          pos.Size,
		EntryPrice:    pos.EntryPrice,
		MarkPrice:     pos.MarkPrice,
		UnrealizedPnL: pos.UnrealizedPnL,
		LastUpdate:    &at,
	}
	c.store.SetPosition(state)
	metrics.UpdatePositionMetrics(c.symbol, pos.Size, pos.UnrealizedPnL)
	if err := c.repo.UpsertPosition(ctx, c.symbol, state); err != nil && ctx.Err() == nil {
		log.Warn().Err(err).Str("symbol", c.symbol).Msg("仓位落库失败")
	}
	return nil
}

func (c *Controller) syncTrades(ctx context.Context) {
	fills, err := c.exch.RecentFills(ctx, c.symbol, tradeSyncLimit)
	if err != nil {
		log.Debug().Err(err).Str("symbol", c.symbol).Msg("成交同步失败")
		return
	}
	for _, f := range fills {
		if f.TradeID == "" {
			continue
		}
		exists, err := c.repo.TradeExists(ctx, f.TradeID)
		if err != nil {
			log.Debug().Err(err).Msg("成交查重失败")
			return
		}
		if exists {
			continue
		}
		t := repository.Trade{
			TradeID: f.TradeID,
			Symbol:  c.symbol,
			Side:    f.Side,
			Price:   f.Price,
			Size:    f.Size,
		}
		if err := c.repo.RecordTrade(ctx, t); err != nil {
			log.Debug().Err(err).Str("trade_id", f.TradeID).Msg("成交落库失败")
			return
		}
		metrics.RecordFill(c.symbol, f.Side, f.Size)
	}
}

// midPrice 优先使用推送行情，无效时拉取快照并回写
func (c *Controller) midPrice(ctx context.Context) (float64, error) {
	if mid := c.store.Market().MidPrice; mid > 0 {
		return mid, nil
	}
	t, err := c.exch.Ticker(ctx, c.symbol)
	if err != nil {
		return 0, err
	}
	if t.Mid > 0 {
		c.store.SetMidPrice(t.Mid, c.now())
		metrics.RecordMarketUpdate(c.symbol, "fallback", t.Mid)
	}
	return t.Mid, nil
}

// estimateLeverage 权益取 USDT 可用余额，拉取失败按 1.0 计
func (c *Controller) estimateLeverage(ctx context.Context, mid, size float64) float64 {
	equity, err := c.exch.FreeBalance(ctx, quoteCurrency)
	if err != nil {
		log.Debug().Err(err).Msg("余额获取失败，权益按 1.0 计")
		equity = 1.0
	}
	return mid * size / math.Max(equity, minEquity)
}

func (c *Controller) block(ctx context.Context, reason string) {
	c.store.SetLastEvent(reason)
	metrics.RecordRiskBlock(c.symbol, reason)
	log.Warn().Str("symbol", c.symbol).Str("reason", reason).Msg("风控拦截")
	c.recordEvent(ctx, alert.LevelWarn, EventRiskBlock, reason)
	c.raise(ctx, alert.LevelWarn, "风控触发："+reason)
}

// reportExchangeError 交易所调用失败：记录事件与告警，本轮结束；停止过程中的取消不上报
func (c *Controller) reportExchangeError(ctx context.Context, msg string, err error) {
	if ctx.Err() != nil {
		return
	}
	level := levelFor(err)
	log.Error().Err(err).Str("symbol", c.symbol).Str("class", gateway.Classify(err).String()).Msg(msg)
	metrics.RecordError("exchange", c.symbol)
	c.store.SetLastEvent(msg)
	c.recordEvent(ctx, level, EventExchangeError, fmt.Sprintf("%s: %v", msg, err))
	c.raise(ctx, level, msg)
}

func (c *Controller) recordEvent(ctx context.Context, level, eventType, message string) {
	if err := c.repo.RecordRiskEvent(ctx, level, eventType, message); err != nil {
		log.Warn().Err(err).Str("type", eventType).Msg("风控事件落库失败")
	}
}

func (c *Controller) raise(ctx context.Context, level, message string) {
	if c.alerts == nil {
		return
	}
	if err := c.alerts.Raise(ctx, level, message); err != nil {
		log.Warn().Err(err).Msg("告警记录失败")
	}
}

func (c *Controller) publishStats() {
	if c.risk == nil {
		return
	}
	cancelRatio := c.risk.CancelRatePerMin()
	orderRate := c.risk.OrderRatePerMin()
	c.stats.Store(&tickStats{spread: c.lastSpread, cancelRatio: cancelRatio, orderRate: orderRate})
	metrics.UpdateRiskMetrics(c.symbol, cancelRatio, orderRate)
}

// levelFor 可重试失败记 WARN，其余记 ERROR
func levelFor(err error) string {
	if gateway.IsRetryable(err) {
		return alert.LevelWarn
	}
	return alert.LevelError
}
