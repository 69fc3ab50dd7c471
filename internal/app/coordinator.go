package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/newplayman/glft-maker/internal/alert"
	"github.com/newplayman/glft-maker/internal/calibration"
	"github.com/newplayman/glft-maker/internal/config"
	"github.com/newplayman/glft-maker/internal/engine"
	gateway "github.com/newplayman/glft-maker/internal/exchange"
	"github.com/newplayman/glft-maker/internal/marketdata"
	"github.com/newplayman/glft-maker/internal/repository"
	"github.com/newplayman/glft-maker/internal/scheduler"
	"github.com/newplayman/glft-maker/internal/store"
	"github.com/newplayman/glft-maker/internal/watchdog"
)

// fallbackBase 配置的交易对不存在时优先选择的基础币
const fallbackBase = "BTC"

// ErrNotInitialized 尚未完成初始化或上次重建失败
var ErrNotInitialized = errors.New("服务未初始化")

// ClientFactory 按环境与凭证创建交易所客户端
type ClientFactory func(env string, creds config.Credentials) (gateway.Client, error)

// GRVTClientFactory 创建 GRVT 客户端
func GRVTClientFactory(env string, creds config.Credentials) (gateway.Client, error) {
	return gateway.NewGRVTClient(gateway.GRVTConfig{
		Env:          env,
		APIKey:       creds.APIKey,
		PrivateKey:   creds.PrivateKey,
		SubAccountID: creds.SubAccountID,
	})
}

// Options 协调器依赖
type Options struct {
	Settings  *config.Settings
	Repo      *repository.Repository
	Store     *store.Store
	Alerts    *alert.Service
	NewClient ClientFactory
	Watchdog  watchdog.Config
}

// Coordinator 持有当前配置快照与交易所会话、行情服务、报价控制器；
// 环境或交易对变化时整体重建，并保持运行/停止状态不变
type Coordinator struct {
	settings  *config.Settings
	repo      *repository.Repository
	store     *store.Store
	alerts    *alert.Service
	newClient ClientFactory
	wdConfig  watchdog.Config

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	snapshot config.AppConfig
	gw       *gateway.Gateway
	ingest   *marketdata.Service
	ctrl     *engine.Controller

	sched     *scheduler.Scheduler
	wd        *watchdog.Watchdog
	calOut    chan calibration.Outcome
	committer *engine.ParamCommitter
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New 创建协调器，不做任何 IO
func New(opts Options) *Coordinator {
	if opts.NewClient == nil {
		opts.NewClient = GRVTClientFactory
	}
	if opts.Settings == nil {
		opts.Settings = &config.Settings{App: config.DefaultAppConfig(), Strategy: config.DefaultStrategyParams(), Risk: config.DefaultRiskLimits()}
	}
	c := &Coordinator{
		settings:  opts.Settings,
		repo:      opts.Repo,
		store:     opts.Store,
		alerts:    opts.Alerts,
		newClient: opts.NewClient,
		wdConfig:  opts.Watchdog,
		calOut:    make(chan calibration.Outcome, 1),
	}
	c.committer = engine.NewParamCommitter(opts.Repo, opts.Store.Params())
	c.sched = scheduler.New(c.Calibrate, opts.Repo)
	c.wd = watchdog.NewWatchdog(c.wdConfig, opts.Store, marketHooks{c})
	return c
}

// Initialize 读取持久化配置（缺失时以配置文件为初始值），建立交易所会话并启动后台任务
func (c *Coordinator) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ctx, c.cancel = context.WithCancel(ctx)
	c.repo.SetDefaults(c.settings.App, c.settings.Strategy, c.settings.Risk)

	cfg, err := c.repo.GetOrCreateAppConfig(ctx)
	if err != nil {
		return fmt.Errorf("读取系统配置失败: %w", err)
	}
	params, err := c.repo.GetOrCreateParams(ctx)
	if err != nil {
		return fmt.Errorf("读取策略参数失败: %w", err)
	}
	c.store.Params().Commit(params)
	c.alerts.SetRouting(cfg.AlertRouting())

	if err := c.buildServices(ctx, cfg); err != nil {
		return err
	}
	c.snapshot = cfg

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.committer.Run(c.ctx, c.calOut)
	}()

	if err := c.sched.Reschedule(cfg); err != nil {
		return err
	}
	c.sched.Start(c.ctx)
	c.wd.Start(c.ctx)

	log.Info().Str("env", cfg.GrvtEnv).Str("symbol", c.store.Market().Symbol).Msg("服务初始化完成")
	return nil
}

// ApplyConfig 校验并保存系统配置，然后按差异生效
func (c *Coordinator) ApplyConfig(ctx context.Context, cfg config.AppConfig) error {
	saved, err := c.repo.UpdateAppConfig(ctx, cfg)
	if err != nil {
		return err
	}
	return c.apply(ctx, saved)
}

// Reload 重新读取持久化的系统配置、策略参数与风控阈值并生效
func (c *Coordinator) Reload(ctx context.Context) error {
	cfg, err := c.repo.GetOrCreateAppConfig(ctx)
	if err != nil {
		return err
	}
	params, err := c.repo.GetOrCreateParams(ctx)
	if err != nil {
		return err
	}
	c.store.Params().Commit(params)
	if err := c.apply(ctx, cfg); err != nil {
		return err
	}
	return c.pushRiskLimits(ctx)
}

// Reconnect 强制重建交易所会话（凭证变化时使用）
func (c *Coordinator) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rebuild(ctx, c.snapshot)
}

// UpdateCredentials 加密保存新凭证并重建会话
func (c *Coordinator) UpdateCredentials(ctx context.Context, creds config.Credentials) error {
	if err := c.repo.SaveAPIKeys(ctx, creds); err != nil {
		return err
	}
	return c.Reconnect(ctx)
}

// UpdateParams 保存策略参数并整行发布
func (c *Coordinator) UpdateParams(ctx context.Context, p config.StrategyParams) (config.StrategyParams, error) {
	saved, err := c.repo.UpdateParams(ctx, p)
	if err != nil {
		return config.StrategyParams{}, err
	}
	c.store.Params().Commit(saved)
	return saved, nil
}

// UpdateRiskLimits 保存风控阈值并推送给控制器
func (c *Coordinator) UpdateRiskLimits(ctx context.Context, l config.RiskLimits) (config.RiskLimits, error) {
	saved, err := c.repo.UpdateRiskLimits(ctx, l)
	if err != nil {
		return config.RiskLimits{}, err
	}
	c.mu.Lock()
	if c.ctrl != nil {
		c.ctrl.SetRiskLimits(saved)
	}
	c.mu.Unlock()
	return saved, nil
}

// StartEngine 启动报价
func (c *Coordinator) StartEngine() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctrl == nil {
		return ErrNotInitialized
	}
	return c.ctrl.Start(c.ctx)
}

// StopEngine 停止报价
func (c *Coordinator) StopEngine() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctrl != nil {
		c.ctrl.Stop()
	}
}

// Status 看板快照
func (c *Coordinator) Status() engine.Status {
	c.mu.Lock()
	ctrl := c.ctrl
	c.mu.Unlock()
	if ctrl == nil {
		eng := c.store.Engine()
		return engine.Status{Symbol: c.store.Market().Symbol, LastEvent: eng.LastEvent}
	}
	return ctrl.Status()
}

// Config 当前系统配置快照
func (c *Coordinator) Config() config.AppConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot
}

// Calibrate 立即运行一次校准，结果交给参数提交器
func (c *Coordinator) Calibrate(ctx context.Context) error {
	job := calibration.Job{Build: c.buildCalibrator, Out: c.calOut}
	_, err := job.Run(ctx)
	return err
}

func (c *Coordinator) buildCalibrator() (*calibration.Calibrator, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gw == nil {
		return nil, ErrNotInitialized
	}
	cfg := c.snapshot
	return &calibration.Calibrator{
		Source:      c.gw.Client(),
		Symbol:      c.store.Market().Symbol,
		WindowDays:  cfg.CalibrationWindowDays,
		Timeframe:   cfg.CalibrationTimeframe,
		TradeSample: cfg.CalibrationTradeSample,
	}, nil
}

// Close 停止全部后台任务并释放交易所连接
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		c.wd.Stop()
		c.sched.Stop()

		c.mu.Lock()
		c.teardown()
		cancel := c.cancel
		c.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		c.wg.Wait()
		c.alerts.Wait()
		log.Info().Msg("服务已关闭")
	})
}

// apply 环境或交易对变化时重建，其余变化热更新
func (c *Coordinator) apply(ctx context.Context, cfg config.AppConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.alerts.SetRouting(cfg.AlertRouting())
	if err := c.sched.Reschedule(cfg); err != nil {
		return err
	}

	if c.ctrl == nil || cfg.NeedsReconnect(c.snapshot) {
		return c.rebuild(ctx, cfg)
	}

	c.ctrl.ApplyRuntimeConfig(runtimeFrom(cfg))
	c.snapshot = cfg
	log.Info().Int("quote_interval_ms", cfg.QuoteIntervalMs).Int("order_duration_secs", cfg.OrderDurationSecs).Msg("运行参数已热更新")
	return nil
}

// rebuild 先停止依赖任务再关闭旧会话，之后按原运行状态恢复；调用方持有 mu
func (c *Coordinator) rebuild(ctx context.Context, cfg config.AppConfig) error {
	wasRunning := c.ctrl != nil && c.ctrl.IsRunning()
	c.teardown()

	if err := c.buildServices(ctx, cfg); err != nil {
		c.store.SetLastEvent("交易所会话重建失败")
		if c.alerts != nil {
			_ = c.alerts.Raise(ctx, alert.LevelError, fmt.Sprintf("交易所会话重建失败: %v", err))
		}
		return err
	}
	c.snapshot = cfg

	if wasRunning {
		if err := c.ctrl.Start(c.ctx); err != nil {
			return err
		}
	}
	log.Info().Str("env", cfg.GrvtEnv).Str("symbol", c.store.Market().Symbol).Bool("running", wasRunning).Msg("交易所会话已重建")
	return nil
}

// teardown 停止控制器与行情服务后关闭旧客户端；调用方持有 mu
func (c *Coordinator) teardown() {
	if c.ctrl != nil {
		c.ctrl.Stop()
		c.ctrl = nil
	}
	if c.ingest != nil {
		c.ingest.Stop()
		c.ingest = nil
	}
	if c.gw != nil {
		if err := c.gw.Close(); err != nil {
			log.Warn().Err(err).Msg("关闭交易所客户端失败")
		}
		c.gw = nil
	}
}

// buildServices 建立会话、解析交易对并创建行情服务与控制器；调用方持有 mu
func (c *Coordinator) buildServices(ctx context.Context, cfg config.AppConfig) error {
	creds, err := c.credentials(ctx)
	if err != nil {
		return err
	}
	client, err := c.newClient(cfg.GrvtEnv, creds)
	if err != nil {
		return fmt.Errorf("创建交易所客户端失败: %w", err)
	}
	gw := gateway.New(client)

	if _, err := gw.LoadInstruments(ctx); err != nil {
		_ = gw.Close()
		return fmt.Errorf("加载合约信息失败: %w", err)
	}
	symbol, err := gw.ResolveSymbol(cfg.GrvtSymbol, fallbackBase)
	if err != nil {
		_ = gw.Close()
		return fmt.Errorf("解析交易对失败: %w", err)
	}
	if symbol != cfg.GrvtSymbol {
		log.Warn().Str("configured", cfg.GrvtSymbol).Str("resolved", symbol).Msg("配置的交易对不存在，已回退")
	}

	inst, _ := gw.Instrument(symbol)
	tick, _ := inst.TickSize.Float64()
	minSize, _ := inst.MinSize.Float64()
	c.store.ResetMarket(symbol, store.InstrumentInfo{TickSize: tick, MinSize: minSize, BaseDecimals: inst.BaseDecimals})

	ingest := marketdata.NewService(gw, c.store, c.settings.PollInterval())
	if err := ingest.Start(c.ctx); err != nil {
		_ = gw.Close()
		return err
	}

	ctrl := engine.NewController(gw, c.repo, c.alerts, c.store, engine.Options{
		Symbol:      symbol,
		Runtime:     runtimeFrom(cfg),
		StopTimeout: c.settings.StopTimeout(),
	})
	limits, err := c.repo.GetOrCreateRiskLimits(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("读取风控阈值失败，控制器将在首轮重试")
	} else {
		ctrl.SetRiskLimits(limits)
	}

	c.gw, c.ingest, c.ctrl = gw, ingest, ctrl
	return nil
}

func (c *Coordinator) pushRiskLimits(ctx context.Context) error {
	limits, err := c.repo.GetOrCreateRiskLimits(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.ctrl != nil {
		c.ctrl.SetRiskLimits(limits)
	}
	c.mu.Unlock()
	return nil
}

// credentials 优先使用数据库中的加密凭证
func (c *Coordinator) credentials(ctx context.Context) (config.Credentials, error) {
	creds, ok, err := c.repo.LatestAPIKeys(ctx)
	if err != nil {
		return config.Credentials{}, fmt.Errorf("读取 API 凭证失败: %w", err)
	}
	if ok {
		return creds, nil
	}
	return c.settings.GRVT, nil
}

func runtimeFrom(cfg config.AppConfig) engine.RuntimeConfig {
	return engine.RuntimeConfig{
		QuoteInterval:   cfg.QuoteInterval(),
		OrderTTLSeconds: cfg.OrderDurationSecs,
	}
}
