package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// AppConfig 运维可编辑的系统配置
type AppConfig struct {
	GrvtEnv                string `mapstructure:"grvt_env" json:"grvt_env"`
	GrvtSymbol             string `mapstructure:"grvt_symbol" json:"grvt_symbol"`
	QuoteIntervalMs        int    `mapstructure:"quote_interval_ms" json:"quote_interval_ms"`
	OrderDurationSecs      int    `mapstructure:"order_duration_secs" json:"order_duration_secs"`
	CalibrationWindowDays  int    `mapstructure:"calibration_window_days" json:"calibration_window_days"`
	CalibrationTimeframe   string `mapstructure:"calibration_timeframe" json:"calibration_timeframe"`
	CalibrationUpdateTime  string `mapstructure:"calibration_update_time" json:"calibration_update_time"` // HH:MM
	CalibrationTradeSample int    `mapstructure:"calibration_trade_sample" json:"calibration_trade_sample"`
	LogRetentionDays       int    `mapstructure:"log_retention_days" json:"log_retention_days"`

	AlertEmailTo string `mapstructure:"alert_email_to" json:"alert_email_to"`
	SMTPHost     string `mapstructure:"smtp_host" json:"smtp_host"`
	SMTPPort     int    `mapstructure:"smtp_port" json:"smtp_port"`
	SMTPUser     string `mapstructure:"smtp_user" json:"smtp_user"`
	SMTPPassword string `mapstructure:"smtp_password" json:"-"`
	SMTPTLS      bool   `mapstructure:"smtp_tls" json:"smtp_tls"`
}

// DefaultAppConfig 默认系统配置
func DefaultAppConfig() AppConfig {
	return AppConfig{
		GrvtEnv:                "prod",
		GrvtSymbol:             "BTC_USDT_Perp",
		QuoteIntervalMs:        250,
		OrderDurationSecs:      10,
		CalibrationWindowDays:  30,
		CalibrationTimeframe:   "5m",
		CalibrationUpdateTime:  "00:10",
		CalibrationTradeSample: 5000,
		LogRetentionDays:       30,
		SMTPPort:               587,
		SMTPTLS:                true,
	}
}

var validEnvs = map[string]bool{"prod": true, "testnet": true, "staging": true, "dev": true}

// Validate 验证系统配置
func (c AppConfig) Validate() error {
	if !validEnvs[c.GrvtEnv] {
		return fmt.Errorf("grvt_env 无效: %q", c.GrvtEnv)
	}
	if c.GrvtSymbol == "" {
		return fmt.Errorf("grvt_symbol 不能为空")
	}
	if c.QuoteIntervalMs < 50 || c.QuoteIntervalMs > 60000 {
		return fmt.Errorf("quote_interval_ms 必须在 50-60000 之间")
	}
	if c.OrderDurationSecs <= 0 {
		return fmt.Errorf("order_duration_secs 必须 > 0")
	}
	if c.CalibrationWindowDays <= 0 {
		return fmt.Errorf("calibration_window_days 必须 > 0")
	}
	if c.CalibrationTradeSample <= 0 {
		return fmt.Errorf("calibration_trade_sample 必须 > 0")
	}
	if c.CalibrationTimeframe == "" {
		return fmt.Errorf("calibration_timeframe 不能为空")
	}
	if _, _, err := ParseClock(c.CalibrationUpdateTime); err != nil {
		return fmt.Errorf("calibration_update_time: %w", err)
	}
	if c.LogRetentionDays <= 0 {
		return fmt.Errorf("log_retention_days 必须 > 0")
	}
	if c.SMTPHost != "" && (c.SMTPPort <= 0 || c.SMTPPort > 65535) {
		return fmt.Errorf("smtp_port 无效: %d", c.SMTPPort)
	}
	return nil
}

// QuoteInterval 报价间隔
func (c AppConfig) QuoteInterval() time.Duration {
	return time.Duration(c.QuoteIntervalMs) * time.Millisecond
}

// NeedsReconnect 环境或交易对变化时需要重建交易所连接
func (c AppConfig) NeedsReconnect(prev AppConfig) bool {
	return c.GrvtEnv != prev.GrvtEnv || c.GrvtSymbol != prev.GrvtSymbol
}

// AlertRouting 告警投递配置
func (c AppConfig) AlertRouting() AlertRouting {
	return AlertRouting{
		EmailTo:  c.AlertEmailTo,
		Host:     c.SMTPHost,
		Port:     c.SMTPPort,
		User:     c.SMTPUser,
		Password: c.SMTPPassword,
		TLS:      c.SMTPTLS,
	}
}

// AlertRouting 邮件告警路由
type AlertRouting struct {
	EmailTo  string
	Host     string
	Port     int
	User     string
	Password string
	TLS      bool
}

// Enabled 未配置收件人或 SMTP 主机时不发送
func (r AlertRouting) Enabled() bool {
	return r.EmailTo != "" && r.Host != ""
}

// ParseClock 解析 HH:MM
func ParseClock(s string) (hour, minute int, err error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("时间格式必须为 HH:MM: %q", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("小时无效: %q", s)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("分钟无效: %q", s)
	}
	return hour, minute, nil
}

// StrategyParams GLFT 模型参数
type StrategyParams struct {
	Gamma              float64 `mapstructure:"gamma" json:"gamma"`
	Sigma              float64 `mapstructure:"sigma" json:"sigma"`
	A                  float64 `mapstructure:"a" json:"A"`
	K                  float64 `mapstructure:"k" json:"k"`
	TimeHorizonSeconds int     `mapstructure:"time_horizon_seconds" json:"time_horizon_seconds"`
	InventoryCapUSD    float64 `mapstructure:"inventory_cap_usd" json:"inventory_cap_usd"`
	OrderCapUSD        float64 `mapstructure:"order_cap_usd" json:"order_cap_usd"`
	LeverageLimit      float64 `mapstructure:"leverage_limit" json:"leverage_limit"`
	AutoTuningEnabled  bool    `mapstructure:"auto_tuning_enabled" json:"auto_tuning_enabled"`
}

// DefaultStrategyParams 首次访问时创建的默认参数
func DefaultStrategyParams() StrategyParams {
	return StrategyParams{
		Gamma:              0.1,
		Sigma:              0.5,
		A:                  0.5,
		K:                  1.5,
		TimeHorizonSeconds: 3600,
		InventoryCapUSD:    100,
		OrderCapUSD:        20,
		LeverageLimit:      50,
		AutoTuningEnabled:  true,
	}
}

// Validate 验证模型参数
func (p StrategyParams) Validate() error {
	positive := []struct {
		name string
		v    float64
	}{
		{"gamma", p.Gamma},
		{"sigma", p.Sigma},
		{"A", p.A},
		{"k", p.K},
		{"inventory_cap_usd", p.InventoryCapUSD},
		{"order_cap_usd", p.OrderCapUSD},
		{"leverage_limit", p.LeverageLimit},
	}
	for _, f := range positive {
		if f.v <= 0 {
			return fmt.Errorf("%s 必须 > 0", f.name)
		}
	}
	if p.TimeHorizonSeconds <= 0 {
		return fmt.Errorf("time_horizon_seconds 必须 > 0")
	}
	return nil
}

// RiskLimits 风控阈值
type RiskLimits struct {
	MaxInventoryUSD     float64 `mapstructure:"max_inventory_usd" json:"max_inventory_usd"`
	MaxOrderUSD         float64 `mapstructure:"max_order_usd" json:"max_order_usd"`
	MaxLeverage         float64 `mapstructure:"max_leverage" json:"max_leverage"`
	MaxCancelRatePerMin float64 `mapstructure:"max_cancel_rate_per_min" json:"max_cancel_rate_per_min"`
	MaxOrderRatePerMin  float64 `mapstructure:"max_order_rate_per_min" json:"max_order_rate_per_min"`
}

// DefaultRiskLimits 默认风控阈值
func DefaultRiskLimits() RiskLimits {
	return RiskLimits{
		MaxInventoryUSD:     100,
		MaxOrderUSD:         20,
		MaxLeverage:         50,
		MaxCancelRatePerMin: 0.85,
		MaxOrderRatePerMin:  120,
	}
}

// Validate 所有阈值必须为正
func (l RiskLimits) Validate() error {
	if l.MaxInventoryUSD <= 0 {
		return fmt.Errorf("max_inventory_usd 必须 > 0")
	}
	if l.MaxOrderUSD <= 0 {
		return fmt.Errorf("max_order_usd 必须 > 0")
	}
	if l.MaxLeverage <= 0 {
		return fmt.Errorf("max_leverage 必须 > 0")
	}
	if l.MaxCancelRatePerMin <= 0 {
		return fmt.Errorf("max_cancel_rate_per_min 必须 > 0")
	}
	if l.MaxOrderRatePerMin <= 0 {
		return fmt.Errorf("max_order_rate_per_min 必须 > 0")
	}
	return nil
}
