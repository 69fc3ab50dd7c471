package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Settings 进程级配置（文件 + 环境变量）
type Settings struct {
	AppEnv           string `mapstructure:"app_env"`
	LogLevel         string `mapstructure:"log_level"`
	MetricsPort      int    `mapstructure:"metrics_port"`
	DatabaseURL      string `mapstructure:"database_url"`
	EncryptionKey    string `mapstructure:"app_encryption_key"`
	SnapshotPath     string `mapstructure:"snapshot_path"`
	SnapshotInterval int    `mapstructure:"snapshot_interval"` // 秒
	AutoStart        bool   `mapstructure:"auto_start"`        // 启动后立即开始做市
	PollIntervalMs   int    `mapstructure:"poll_interval_ms"`  // 行情轮询兜底间隔
	StopTimeoutMs    int    `mapstructure:"stop_timeout_ms"`   // 停止引擎的最长等待

	GRVT     Credentials    `mapstructure:"grvt"`
	App      AppConfig      `mapstructure:"app"`
	Strategy StrategyParams `mapstructure:"strategy"`
	Risk     RiskLimits     `mapstructure:"risk"`
}

// Credentials 交易所凭证（数据库中存在加密记录时以数据库为准）
type Credentials struct {
	APIKey       string `mapstructure:"api_key"`
	PrivateKey   string `mapstructure:"private_key"`
	SubAccountID string `mapstructure:"sub_account_id"`
}

var (
	mu       sync.RWMutex
	current  *Settings
	onChange []func(*Settings)
)

// LoadSettings 加载配置文件，path 为空时只使用默认值与环境变量
func LoadSettings(path string) (*Settings, error) {
	setDefaults()

	viper.SetEnvPrefix("GLFT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	viper.BindEnv("grvt.api_key", "GRVT_API_KEY")
	viper.BindEnv("grvt.private_key", "GRVT_PRIVATE_KEY")
	viper.BindEnv("grvt.sub_account_id", "GRVT_SUB_ACCOUNT_ID")
	viper.BindEnv("app.grvt_env", "GRVT_ENV")
	viper.BindEnv("app.grvt_symbol", "GRVT_SYMBOL")
	viper.BindEnv("database_url", "DATABASE_URL")
	viper.BindEnv("app_encryption_key", "APP_ENCRYPTION_KEY")

	if path != "" {
		viper.SetConfigFile(path)
		viper.SetConfigType("yaml")
		if err := viper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	s, err := decode()
	if err != nil {
		return nil, err
	}

	mu.Lock()
	current = s
	mu.Unlock()

	log.Info().Str("path", path).Str("env", s.App.GrvtEnv).Str("symbol", s.App.GrvtSymbol).Msg("配置加载成功")
	return s, nil
}

// GetSettings 获取当前配置
func GetSettings() *Settings {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// OnChange 注册配置热重载回调，回调只会收到通过校验的新配置
func OnChange(fn func(*Settings)) {
	mu.Lock()
	onChange = append(onChange, fn)
	mu.Unlock()
}

// Watch 监听配置文件变化
func Watch() {
	viper.OnConfigChange(func(e fsnotify.Event) {
		log.Info().Str("file", e.Name).Msg("检测到配置文件变化，正在重载...")

		s, err := decode()
		if err != nil {
			log.Error().Err(err).Msg("新配置无效，保持旧配置")
			return
		}

		mu.Lock()
		current = s
		callbacks := append([]func(*Settings){}, onChange...)
		mu.Unlock()

		for _, fn := range callbacks {
			fn(s)
		}
		log.Info().Msg("配置热重载成功")
	})
	viper.WatchConfig()
}

func decode() (*Settings, error) {
	var s Settings
	if err := viper.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}
	return &s, nil
}

func setDefaults() {
	viper.SetDefault("app_env", "prod")
	viper.SetDefault("log_level", "info")
	viper.SetDefault("metrics_port", 9100)
	viper.SetDefault("database_url", "sqlite://glft.db")
	viper.SetDefault("snapshot_path", "glft_state.json")
	viper.SetDefault("snapshot_interval", 30)
	viper.SetDefault("auto_start", false)
	viper.SetDefault("poll_interval_ms", 1000)
	viper.SetDefault("stop_timeout_ms", 5000)

	app := DefaultAppConfig()
	viper.SetDefault("app.grvt_env", app.GrvtEnv)
	viper.SetDefault("app.grvt_symbol", app.GrvtSymbol)
	viper.SetDefault("app.quote_interval_ms", app.QuoteIntervalMs)
	viper.SetDefault("app.order_duration_secs", app.OrderDurationSecs)
	viper.SetDefault("app.calibration_window_days", app.CalibrationWindowDays)
	viper.SetDefault("app.calibration_timeframe", app.CalibrationTimeframe)
	viper.SetDefault("app.calibration_update_time", app.CalibrationUpdateTime)
	viper.SetDefault("app.calibration_trade_sample", app.CalibrationTradeSample)
	viper.SetDefault("app.log_retention_days", app.LogRetentionDays)
	viper.SetDefault("app.smtp_port", app.SMTPPort)
	viper.SetDefault("app.smtp_tls", app.SMTPTLS)

	p := DefaultStrategyParams()
	viper.SetDefault("strategy.gamma", p.Gamma)
	viper.SetDefault("strategy.sigma", p.Sigma)
	viper.SetDefault("strategy.a", p.A)
	viper.SetDefault("strategy.k", p.K)
	viper.SetDefault("strategy.time_horizon_seconds", p.TimeHorizonSeconds)
	viper.SetDefault("strategy.inventory_cap_usd", p.InventoryCapUSD)
	viper.SetDefault("strategy.order_cap_usd", p.OrderCapUSD)
	viper.SetDefault("strategy.leverage_limit", p.LeverageLimit)
	viper.SetDefault("strategy.auto_tuning_enabled", p.AutoTuningEnabled)

	l := DefaultRiskLimits()
	viper.SetDefault("risk.max_inventory_usd", l.MaxInventoryUSD)
	viper.SetDefault("risk.max_order_usd", l.MaxOrderUSD)
	viper.SetDefault("risk.max_leverage", l.MaxLeverage)
	viper.SetDefault("risk.max_cancel_rate_per_min", l.MaxCancelRatePerMin)
	viper.SetDefault("risk.max_order_rate_per_min", l.MaxOrderRatePerMin)
}

// Validate 验证配置有效性
func (s *Settings) Validate() error {
	if s.DatabaseURL == "" {
		return fmt.Errorf("database_url 不能为空")
	}
	if s.SnapshotInterval <= 0 {
		return fmt.Errorf("snapshot_interval 必须 > 0")
	}
	if s.PollIntervalMs < 100 {
		return fmt.Errorf("poll_interval_ms 必须 >= 100")
	}
	if err := s.App.Validate(); err != nil {
		return fmt.Errorf("app: %w", err)
	}
	if err := s.Strategy.Validate(); err != nil {
		return fmt.Errorf("strategy: %w", err)
	}
	if err := s.Risk.Validate(); err != nil {
		return fmt.Errorf("risk: %w", err)
	}
	return nil
}

// PollInterval 行情轮询间隔
func (s *Settings) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalMs) * time.Millisecond
}

// StopTimeout 停止引擎的最长等待
func (s *Settings) StopTimeout() time.Duration {
	if s.StopTimeoutMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(s.StopTimeoutMs) * time.Millisecond
}
