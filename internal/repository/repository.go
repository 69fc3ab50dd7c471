package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/newplayman/glft-maker/internal/config"
	"github.com/newplayman/glft-maker/internal/secret"
	"github.com/newplayman/glft-maker/internal/store"
)

const sqlitePrefix = "sqlite://"

// ErrNoCipher 写入敏感字段时未配置加密密钥
var ErrNoCipher = errors.New("未配置加密密钥，无法保存敏感字段")

// Repository 持久化实现
type Repository struct {
	db     *gorm.DB
	cipher *secret.Cipher

	// 首次创建配置行时写入的初始值
	defaultApp    config.AppConfig
	defaultParams config.StrategyParams
	defaultLimits config.RiskLimits
}

// Open 按 DSN 打开数据库并迁移表结构；sqlite://path 使用 sqlite，其他视为 postgres
func Open(dsn string, cipher *secret.Cipher) (*Repository, error) {
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}

	var (
		db  *gorm.DB
		err error
	)
	if strings.HasPrefix(dsn, sqlitePrefix) {
		db, err = gorm.Open(sqlite.Open(strings.TrimPrefix(dsn, sqlitePrefix)), cfg)
		if err == nil {
			// sqlite 单写者
			if sqlDB, e := db.DB(); e == nil {
				sqlDB.SetMaxOpenConns(1)
			}
		}
	} else {
		db, err = gorm.Open(postgres.Open(dsn), cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}

	repo := New(db, cipher)
	if err := repo.Migrate(); err != nil {
		_ = repo.Close()
		return nil, err
	}
	return repo, nil
}

// New 包装已有连接
func New(db *gorm.DB, cipher *secret.Cipher) *Repository {
	return &Repository{
		db:            db,
		cipher:        cipher,
		defaultApp:    config.DefaultAppConfig(),
		defaultParams: config.DefaultStrategyParams(),
		defaultLimits: config.DefaultRiskLimits(),
	}
}

// SetDefaults 设置配置行不存在时的初始值（通常来自配置文件）
func (r *Repository) SetDefaults(app config.AppConfig, params config.StrategyParams, limits config.RiskLimits) {
	r.defaultApp = app
	r.defaultParams = params
	r.defaultLimits = limits
}

// Migrate 建表
func (r *Repository) Migrate() error {
	if err := r.db.AutoMigrate(allModels()...); err != nil {
		return fmt.Errorf("迁移表结构失败: %w", err)
	}
	return nil
}

// DB 返回底层连接
func (r *Repository) DB() *gorm.DB {
	if r == nil {
		return nil
	}
	return r.db
}

// Close 关闭连接池
func (r *Repository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ---- 配置行 ----

// GetOrCreateParams 读取最新参数行，不存在时写入默认值
func (r *Repository) GetOrCreateParams(ctx context.Context) (config.StrategyParams, error) {
	rec, err := latestParams(r.db.WithContext(ctx), r.defaultParams)
	if err != nil {
		return config.StrategyParams{}, err
	}
	return rec.Params(), nil
}

// UpdateParams 覆盖最新参数行
func (r *Repository) UpdateParams(ctx context.Context, p config.StrategyParams) (config.StrategyParams, error) {
	if err := p.Validate(); err != nil {
		return config.StrategyParams{}, err
	}
	var out config.StrategyParams
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec, err := latestParams(tx, r.defaultParams)
		if err != nil {
			return err
		}
		rec.apply(p)
		if err := tx.Save(&rec).Error; err != nil {
			return err
		}
		out = rec.Params()
		return nil
	})
	return out, err
}

// UpdateCalibratedParams 在一次更新中写入校准得到的 sigma/A/k
func (r *Repository) UpdateCalibratedParams(ctx context.Context, sigma, a, k float64) (config.StrategyParams, error) {
	var out config.StrategyParams
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec, err := latestParams(tx, r.defaultParams)
		if err != nil {
			return err
		}
		if err := tx.Model(&rec).Updates(map[string]any{"sigma": sigma, "a": a, "k": k}).Error; err != nil {
			return err
		}
		rec.Sigma, rec.A, rec.K = sigma, a, k
		out = rec.Params()
		return nil
	})
	return out, err
}

func latestParams(tx *gorm.DB, def config.StrategyParams) (StrategyParamsRecord, error) {
	var rec StrategyParamsRecord
	err := tx.Order("id desc").First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		rec.apply(def)
		err = tx.Create(&rec).Error
	}
	return rec, err
}

// GetOrCreateRiskLimits 读取最新风控阈值，不存在时写入默认值
func (r *Repository) GetOrCreateRiskLimits(ctx context.Context) (config.RiskLimits, error) {
	rec, err := latestRiskLimits(r.db.WithContext(ctx), r.defaultLimits)
	if err != nil {
		return config.RiskLimits{}, err
	}
	return rec.Limits(), nil
}

// UpdateRiskLimits 覆盖最新风控阈值
func (r *Repository) UpdateRiskLimits(ctx context.Context, l config.RiskLimits) (config.RiskLimits, error) {
	if err := l.Validate(); err != nil {
		return config.RiskLimits{}, err
	}
	var out config.RiskLimits
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec, err := latestRiskLimits(tx, r.defaultLimits)
		if err != nil {
			return err
		}
		rec.apply(l)
		if err := tx.Save(&rec).Error; err != nil {
			return err
		}
		out = rec.Limits()
		return nil
	})
	return out, err
}

func latestRiskLimits(tx *gorm.DB, def config.RiskLimits) (RiskLimitsRecord, error) {
	var rec RiskLimitsRecord
	err := tx.Order("id desc").First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		rec.apply(def)
		err = tx.Create(&rec).Error
	}
	return rec, err
}

// GetOrCreateAppConfig 读取系统配置（SMTP 密码已解密）
func (r *Repository) GetOrCreateAppConfig(ctx context.Context) (config.AppConfig, error) {
	rec, err := r.latestAppConfig(r.db.WithContext(ctx))
	if err != nil {
		return config.AppConfig{}, err
	}
	return rec.appConfig(r.decrypt(rec.EncryptedSMTPPassword)), nil
}

// UpdateAppConfig 覆盖系统配置；SMTPPassword 为空时保留原密码
func (r *Repository) UpdateAppConfig(ctx context.Context, c config.AppConfig) (config.AppConfig, error) {
	if err := c.Validate(); err != nil {
		return config.AppConfig{}, err
	}
	var out config.AppConfig
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec, err := r.latestAppConfig(tx)
		if err != nil {
			return err
		}
		rec.apply(c)
		if c.SMTPPassword != "" {
			enc, err := r.encrypt(c.SMTPPassword)
			if err != nil {
				return err
			}
			rec.EncryptedSMTPPassword = enc
		}
		// Save 写全部列，布尔 false 也会落库
		if err := tx.Save(&rec).Error; err != nil {
			return err
		}
		out = rec.appConfig(r.decrypt(rec.EncryptedSMTPPassword))
		return nil
	})
	return out, err
}

func (r *Repository) latestAppConfig(tx *gorm.DB) (AppConfigRecord, error) {
	var rec AppConfigRecord
	err := tx.Order("id desc").First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		rec.apply(r.defaultApp)
		if r.defaultApp.SMTPPassword != "" && r.cipher != nil {
			if enc, encErr := r.cipher.Encrypt(r.defaultApp.SMTPPassword); encErr == nil {
				rec.EncryptedSMTPPassword = enc
			}
		}
		err = tx.Create(&rec).Error
	}
	return rec, err
}

// ---- 凭证 ----

// SaveAPIKeys 加密保存交易所凭证，新增一行
func (r *Repository) SaveAPIKeys(ctx context.Context, creds config.Credentials) error {
	apiKey, err := r.encrypt(creds.APIKey)
	if err != nil {
		return err
	}
	privateKey, err := r.encrypt(creds.PrivateKey)
	if err != nil {
		return err
	}
	rec := ApiKeyRecord{
		EncryptedAPIKey:     apiKey,
		EncryptedPrivateKey: privateKey,
		SubAccountID:        creds.SubAccountID,
	}
	return r.db.WithContext(ctx).Create(&rec).Error
}

// LatestAPIKeys 最新一组凭证；无记录或无法解密时 ok=false
func (r *Repository) LatestAPIKeys(ctx context.Context) (config.Credentials, bool, error) {
	var rec ApiKeyRecord
	err := r.db.WithContext(ctx).Order("id desc").First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return config.Credentials{}, false, nil
	}
	if err != nil {
		return config.Credentials{}, false, err
	}
	creds := config.Credentials{
		APIKey:       r.decrypt(rec.EncryptedAPIKey),
		PrivateKey:   r.decrypt(rec.EncryptedPrivateKey),
		SubAccountID: rec.SubAccountID,
	}
	if creds.APIKey == "" {
		log.Warn().Uint("id", rec.ID).Msg("API 凭证无法解密，忽略该记录")
		return config.Credentials{}, false, nil
	}
	return creds, true, nil
}

func (r *Repository) encrypt(plain string) (string, error) {
	if plain == "" {
		return "", nil
	}
	if r.cipher == nil {
		return "", ErrNoCipher
	}
	return r.cipher.Encrypt(plain)
}

func (r *Repository) decrypt(token string) string {
	if token == "" || r.cipher == nil {
		return ""
	}
	return r.cipher.Decrypt(token)
}

// ---- 引擎写入 ----

// UpsertPosition 按交易对覆盖仓位
func (r *Repository) UpsertPosition(ctx context.Context, symbol string, p store.PositionState) error {
	row := Position{
		Symbol:        symbol,
		Size:          p.Size,
		EntryPrice:    p.EntryPrice,
		MarkPrice:     p.MarkPrice,
		UnrealizedPnL: p.UnrealizedPnL,
		UpdatedAt:     time.Now(),
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "symbol"}},
		DoUpdates: clause.AssignmentColumns([]string{"size", "entry_price", "mark_price", "unrealized_pnl", "updated_at"}),
	}).Create(&row).Error
}

// GetPosition 读取持久化仓位
func (r *Repository) GetPosition(ctx context.Context, symbol string) (Position, bool, error) {
	var row Position
	err := r.db.WithContext(ctx).Where("symbol = ?", symbol).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Position{}, false, nil
	}
	return row, err == nil, err
}

// LatestPosition 最近更新的仓位，交易对回退后仍能找到引擎实际写入的那一行
func (r *Repository) LatestPosition(ctx context.Context) (Position, bool, error) {
	var row Position
	err := r.db.WithContext(ctx).Order("updated_at desc, id desc").First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Position{}, false, nil
	}
	return row, err == nil, err
}

// TradeExists 成交是否已记录
func (r *Repository) TradeExists(ctx context.Context, tradeID string) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&Trade{}).Where("trade_id = ?", tradeID).Count(&n).Error
	return n > 0, err
}

// RecordTrade 记录成交；trade_id 重复时忽略
func (r *Repository) RecordTrade(ctx context.Context, t Trade) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "trade_id"}},
		DoNothing: true,
	}).Create(&t).Error
}

// RecordOrder 记录新挂单
func (r *Repository) RecordOrder(ctx context.Context, orderID, symbol, side string, price, size float64, status string) error {
	o := Order{OrderID: orderID, Symbol: symbol, Side: side, Price: price, Size: size, Status: status}
	return r.db.WithContext(ctx).Create(&o).Error
}

// UpdateOrderStatus 更新挂单状态
func (r *Repository) UpdateOrderStatus(ctx context.Context, orderID, status string) error {
	return r.db.WithContext(ctx).Model(&Order{}).
		Where("order_id = ?", orderID).
		Updates(map[string]any{"status": status, "updated_at": time.Now()}).Error
}

// RecordRiskEvent 记录风控事件
func (r *Repository) RecordRiskEvent(ctx context.Context, level, eventType, message string) error {
	ev := RiskEvent{Level: level, EventType: eventType, Message: message}
	return r.db.WithContext(ctx).Create(&ev).Error
}

// RecordMetric 记录数值指标
func (r *Repository) RecordMetric(ctx context.Context, name string, value float64) error {
	m := SystemMetric{Name: name, Value: value}
	return r.db.WithContext(ctx).Create(&m).Error
}

// RecordAlert 记录告警
func (r *Repository) RecordAlert(ctx context.Context, level, message string) (Alert, error) {
	a := Alert{Level: level, Message: message}
	err := r.db.WithContext(ctx).Create(&a).Error
	return a, err
}

// ---- 查询 ----

// RecentRiskEvents 最近的风控事件，新的在前
func (r *Repository) RecentRiskEvents(ctx context.Context, limit int) ([]RiskEvent, error) {
	var out []RiskEvent
	err := r.db.WithContext(ctx).Order("created_at desc, id desc").Limit(limit).Find(&out).Error
	return out, err
}

// RecentAlerts 最近的告警，新的在前
func (r *Repository) RecentAlerts(ctx context.Context, limit int) ([]Alert, error) {
	var out []Alert
	err := r.db.WithContext(ctx).Order("created_at desc, id desc").Limit(limit).Find(&out).Error
	return out, err
}

// MarkAlertRead 标记告警已读
func (r *Repository) MarkAlertRead(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Model(&Alert{}).Where("id = ?", id).Update("is_read", true).Error
}

// LatestMetric 指定指标的最新值
func (r *Repository) LatestMetric(ctx context.Context, name string) (SystemMetric, bool, error) {
	var m SystemMetric
	err := r.db.WithContext(ctx).Where("name = ?", name).Order("created_at desc, id desc").First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return SystemMetric{}, false, nil
	}
	return m, err == nil, err
}

// ---- 清理 ----

// PurgeBefore 删除 cutoff 之前的指标、风控事件与告警，返回删除行数
func (r *Repository) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var total int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, model := range []any{&SystemMetric{}, &RiskEvent{}, &Alert{}} {
			res := tx.Where("created_at < ?", cutoff).Delete(model)
			if res.Error != nil {
				return res.Error
			}
			total += res.RowsAffected
		}
		return nil
	})
	return total, err
}
