package watchdog

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/newplayman/glft-maker/internal/metrics"
	"github.com/newplayman/glft-maker/internal/store"
)

// Hooks 行情异常与恢复时的动作
type Hooks interface {
	MarketStale(reason string, age time.Duration)
	MarketRecovered(reason string)
	Reconnect(reason string)
}

// Config 看门狗配置
type Config struct {
	CheckInterval     time.Duration
	StaleThreshold    time.Duration
	FailureThreshold  int
	RecoveryThreshold int
}

func (c *Config) normalize() {
	if c.CheckInterval <= 0 {
		c.CheckInterval = 5 * time.Second
	}
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = 10 * time.Second
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.RecoveryThreshold <= 0 {
		c.RecoveryThreshold = 2
	}
}

// Watchdog 监控行情视图的更新时间，推送与轮询都中断时触发重连和告警
type Watchdog struct {
	cfg   Config
	store *store.Store
	hooks Hooks
	now   func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup

	failures   int
	recoveries int
	unhealthy  atomic.Bool
}

// NewWatchdog 创建看门狗
func NewWatchdog(cfg Config, st *store.Store, hooks Hooks) *Watchdog {
	cfg.normalize()
	return &Watchdog{
		cfg:   cfg,
		store: st,
		hooks: hooks,
		now:   time.Now,
	}
}

// Start 启动看门狗
func (w *Watchdog) Start(ctx context.Context) {
	if w.store == nil || w.hooks == nil {
		log.Warn().Msg("watchdog 未启用：缺少 store 或 hooks")
		return
	}

	childCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(childCtx)
	}()
}

// Stop 停止看门狗
func (w *Watchdog) Stop() {
	if w.cancel != nil {
		w.cancel()
		w.wg.Wait()
		w.cancel = nil
	}
}

// Healthy 行情是否正常，可在检查协程之外调用
func (w *Watchdog) Healthy() bool {
	return !w.unhealthy.Load()
}

func (w *Watchdog) run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.check()
		}
	}
}

func (w *Watchdog) check() {
	market := w.store.Market()
	if market.LastUpdate == nil {
		return
	}

	age := w.now().Sub(*market.LastUpdate)
	if age > w.cfg.StaleThreshold {
		w.failures++
		w.recoveries = 0
		log.Error().
			Str("symbol", market.Symbol).
			Dur("age", age).
			Dur("stale_threshold", w.cfg.StaleThreshold).
			Msg("行情长时间无更新，触发重连")
		w.hooks.Reconnect("market_stale")
		if w.failures >= w.cfg.FailureThreshold && !w.unhealthy.Load() {
			w.unhealthy.Store(true)
			metrics.SetMarketHealthy(false)
			w.hooks.MarketStale("market_stale", age)
		}
		return
	}

	w.failures = 0
	if w.unhealthy.Load() {
		w.recoveries++
		if w.recoveries >= w.cfg.RecoveryThreshold {
			w.unhealthy.Store(false)
			metrics.SetMarketHealthy(true)
			w.recoveries = 0
			log.Info().Str("symbol", market.Symbol).Msg("行情恢复")
			w.hooks.MarketRecovered("market_recovered")
		}
	}
}
