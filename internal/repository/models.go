package repository

import (
	"time"

	"github.com/newplayman/glft-maker/internal/config"
)

// Order 挂单记录
type Order struct {
	ID        uint    `gorm:"primaryKey"`
	OrderID   string  `gorm:"size:128;index"`
	Symbol    string  `gorm:"size:64;index"`
	Side      string  `gorm:"size:8"`
	Price     float64
	Size      float64
	Status    string `gorm:"size:32"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Trade 成交记录，trade_id 去重
type Trade struct {
	ID          uint    `gorm:"primaryKey"`
	TradeID     string  `gorm:"size:128;uniqueIndex"`
	Symbol      string  `gorm:"size:64;index"`
	Side        string  `gorm:"size:8"`
	Price       float64
	Size        float64
	Fee         float64
	RealizedPnL float64   `gorm:"column:realized_pnl"`
	CreatedAt   time.Time `gorm:"index"`
}

// Position 每个交易对一行
type Position struct {
	ID            uint    `gorm:"primaryKey"`
	Symbol        string  `gorm:"size:64;uniqueIndex"`
	Size          float64
	EntryPrice    float64
	MarkPrice     float64
	UnrealizedPnL float64 `gorm:"column:unrealized_pnl"`
	UpdatedAt     time.Time
}

// RiskEvent 风控事件
type RiskEvent struct {
	ID        uint   `gorm:"primaryKey"`
	Level     string `gorm:"size:16"`
	EventType string `gorm:"size:64;index"`
	Message   string `gorm:"type:text"`
	Resolved  bool
	CreatedAt time.Time `gorm:"index"`
}

// SystemMetric 数值指标
type SystemMetric struct {
	ID        uint   `gorm:"primaryKey"`
	Name      string `gorm:"size:64;index"`
	Value     float64
	CreatedAt time.Time `gorm:"index"`
}

// Alert 告警
type Alert struct {
	ID        uint   `gorm:"primaryKey"`
	Level     string `gorm:"size:16"`
	Message   string `gorm:"type:text"`
	IsRead    bool
	CreatedAt time.Time `gorm:"index"`
}

// ApiKeyRecord 加密存储的交易所凭证
type ApiKeyRecord struct {
	ID                  uint   `gorm:"primaryKey"`
	EncryptedAPIKey     string `gorm:"column:encrypted_api_key;type:text"`
	EncryptedPrivateKey string `gorm:"column:encrypted_private_key;type:text"`
	SubAccountID        string `gorm:"column:sub_account_id;size:64"`
	IPWhitelist         string `gorm:"column:ip_whitelist;size:255"`
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

func (ApiKeyRecord) TableName() string { return "api_keys" }

// AppConfigRecord 系统配置，SMTP 密码加密存储
type AppConfigRecord struct {
	ID                     uint   `gorm:"primaryKey"`
	GrvtEnv                string `gorm:"size:16"`
	GrvtSymbol             string `gorm:"size:64"`
	QuoteIntervalMs        int
	OrderDurationSecs      int
	CalibrationWindowDays  int
	CalibrationTimeframe   string `gorm:"size:8"`
	CalibrationUpdateTime  string `gorm:"size:8"`
	CalibrationTradeSample int
	LogRetentionDays       int
	AlertEmailTo           string `gorm:"size:255"`
	SMTPHost               string `gorm:"column:smtp_host;size:255"`
	SMTPPort               int    `gorm:"column:smtp_port"`
	SMTPUser               string `gorm:"column:smtp_user;size:255"`
	EncryptedSMTPPassword  string `gorm:"column:encrypted_smtp_password;type:text"`
	SMTPTLS                bool   `gorm:"column:smtp_tls"`
	UpdatedAt              time.Time
}

func (AppConfigRecord) TableName() string { return "app_config" }

// StrategyParamsRecord 模型参数，取最新一行
type StrategyParamsRecord struct {
	ID                 uint    `gorm:"primaryKey"`
	Gamma              float64 `gorm:"column:gamma"`
	Sigma              float64 `gorm:"column:sigma"`
	A                  float64 `gorm:"column:a"`
	K                  float64 `gorm:"column:k"`
	TimeHorizonSeconds int     `gorm:"column:time_horizon_seconds"`
	InventoryCapUSD    float64 `gorm:"column:inventory_cap_usd"`
	OrderCapUSD        float64 `gorm:"column:order_cap_usd"`
	LeverageLimit      float64 `gorm:"column:leverage_limit"`
	AutoTuningEnabled  bool    `gorm:"column:auto_tuning_enabled"`
	UpdatedAt          time.Time
}

func (StrategyParamsRecord) TableName() string { return "strategy_params" }

// RiskLimitsRecord 风控阈值，取最新一行
type RiskLimitsRecord struct {
	ID                  uint    `gorm:"primaryKey"`
	MaxInventoryUSD     float64 `gorm:"column:max_inventory_usd"`
	MaxOrderUSD         float64 `gorm:"column:max_order_usd"`
	MaxLeverage         float64 `gorm:"column:max_leverage"`
	MaxCancelRatePerMin float64 `gorm:"column:max_cancel_rate_per_min"`
	MaxOrderRatePerMin  float64 `gorm:"column:max_order_rate_per_min"`
	UpdatedAt           time.Time
}

func (RiskLimitsRecord) TableName() string { return "risk_limits" }

func (r StrategyParamsRecord) Params() config.StrategyParams {
	return config.StrategyParams{
		Gamma:              r.Gamma,
		Sigma:              r.Sigma,
		A:                  r.A,
		K:                  r.K,
		TimeHorizonSeconds: r.TimeHorizonSeconds,
		InventoryCapUSD:    r.InventoryCapUSD,
		OrderCapUSD:        r.OrderCapUSD,
		LeverageLimit:      r.LeverageLimit,
		AutoTuningEnabled:  r.AutoTuningEnabled,
	}
}

func (r *StrategyParamsRecord) apply(p config.StrategyParams) {
	r.Gamma = p.Gamma
	r.Sigma = p.Sigma
	r.A = p.A
	r.K = p.K
	r.TimeHorizonSeconds = p.TimeHorizonSeconds
	r.InventoryCapUSD = p.InventoryCapUSD
	r.OrderCapUSD = p.OrderCapUSD
	r.LeverageLimit = p.LeverageLimit
	r.AutoTuningEnabled = p.AutoTuningEnabled
}

func (r RiskLimitsRecord) Limits() config.RiskLimits {
	return config.RiskLimits{
		MaxInventoryUSD:     r.MaxInventoryUSD,
		MaxOrderUSD:         r.MaxOrderUSD,
		MaxLeverage:         r.MaxLeverage,
		MaxCancelRatePerMin: r.MaxCancelRatePerMin,
		MaxOrderRatePerMin:  r.MaxOrderRatePerMin,
	}
}

func (r *RiskLimitsRecord) apply(l config.RiskLimits) {
	r.MaxInventoryUSD = l.MaxInventoryUSD
	r.MaxOrderUSD = l.MaxOrderUSD
	r.MaxLeverage = l.MaxLeverage
	r.MaxCancelRatePerMin = l.MaxCancelRatePerMin
	r.MaxOrderRatePerMin = l.MaxOrderRatePerMin
}

func (r AppConfigRecord) appConfig(smtpPassword string) config.AppConfig {
	return config.AppConfig{
		GrvtEnv:                r.GrvtEnv,
		GrvtSymbol:             r.GrvtSymbol,
		QuoteIntervalMs:        r.QuoteIntervalMs,
		OrderDurationSecs:      r.OrderDurationSecs,
		CalibrationWindowDays:  r.CalibrationWindowDays,
		CalibrationTimeframe:   r.CalibrationTimeframe,
		CalibrationUpdateTime:  r.CalibrationUpdateTime,
		CalibrationTradeSample: r.CalibrationTradeSample,
		LogRetentionDays:       r.LogRetentionDays,
		AlertEmailTo:           r.AlertEmailTo,
		SMTPHost:               r.SMTPHost,
		SMTPPort:               r.SMTPPort,
		SMTPUser:               r.SMTPUser,
		SMTPPassword:           smtpPassword,
		SMTPTLS:                r.SMTPTLS,
	}
}

func (r *AppConfigRecord) apply(c config.AppConfig) {
	r.GrvtEnv = c.GrvtEnv
	r.GrvtSymbol = c.GrvtSymbol
	r.QuoteIntervalMs = c.QuoteIntervalMs
	r.OrderDurationSecs = c.OrderDurationSecs
	r.CalibrationWindowDays = c.CalibrationWindowDays
	r.CalibrationTimeframe = c.CalibrationTimeframe
	r.CalibrationUpdateTime = c.CalibrationUpdateTime
	r.CalibrationTradeSample = c.CalibrationTradeSample
	r.LogRetentionDays = c.LogRetentionDays
	r.AlertEmailTo = c.AlertEmailTo
	r.SMTPHost = c.SMTPHost
	r.SMTPPort = c.SMTPPort
	r.SMTPUser = c.SMTPUser
	r.SMTPTLS = c.SMTPTLS
}

func allModels() []any {
	return []any{
		&Order{}, &Trade{}, &Position{}, &RiskEvent{}, &SystemMetric{}, &Alert{},
		&ApiKeyRecord{}, &AppConfigRecord{}, &StrategyParamsRecord{}, &RiskLimitsRecord{},
	}
}
