package repository

import (
	"bytes"
	"context"
	"encoding/csv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newplayman/glft-maker/internal/config"
	"github.com/newplayman/glft-maker/internal/secret"
	"github.com/newplayman/glft-maker/internal/store"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	key, err := secret.GenerateKey()
	require.NoError(t, err)
	c, err := secret.NewCipher(key)
	require.NoError(t, err)

	repo, err := Open("sqlite://:memory:", c)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestParamsDefaultsAndUpdate(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	p, err := repo.GetOrCreateParams(ctx)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultStrategyParams(), p)

	p.Gamma = 0.3
	p.AutoTuningEnabled = false
	got, err := repo.UpdateParams(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, 0.3, got.Gamma)
	assert.False(t, got.AutoTuningEnabled)

	again, err := repo.GetOrCreateParams(ctx)
	require.NoError(t, err)
	assert.Equal(t, got, again)

	var n int64
	require.NoError(t, repo.DB().Model(&StrategyParamsRecord{}).Count(&n).Error)
	assert.EqualValues(t, 1, n)
}

func TestUpdateParamsRejectsInvalid(t *testing.T) {
	repo := newTestRepo(t)
	p := config.DefaultStrategyParams()
	p.K = 0
	_, err := repo.UpdateParams(context.Background(), p)
	assert.Error(t, err)
}

func TestUpdateCalibratedParamsKeepsOtherFields(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	p := config.DefaultStrategyParams()
	p.Gamma = 0.7
	_, err := repo.UpdateParams(ctx, p)
	require.NoError(t, err)

	got, err := repo.UpdateCalibratedParams(ctx, 0.02, 3.5, 0.8)
	require.NoError(t, err)
	assert.Equal(t, 0.02, got.Sigma)
	assert.Equal(t, 3.5, got.A)
	assert.Equal(t, 0.8, got.K)
	assert.Equal(t, 0.7, got.Gamma)

	stored, err := repo.GetOrCreateParams(ctx)
	require.NoError(t, err)
	assert.Equal(t, got, stored)
}

func TestRiskLimitsRoundTrip(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	l, err := repo.GetOrCreateRiskLimits(ctx)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultRiskLimits(), l)

	l.MaxOrderRatePerMin = 30
	_, err = repo.UpdateRiskLimits(ctx, l)
	require.NoError(t, err)

	got, err := repo.GetOrCreateRiskLimits(ctx)
	require.NoError(t, err)
	assert.Equal(t, 30.0, got.MaxOrderRatePerMin)
}

func TestAppConfigEncryptsSMTPPassword(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	c, err := repo.GetOrCreateAppConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, "prod", c.GrvtEnv)

	c.SMTPHost = "smtp.example.com"
	c.SMTPPassword = "hunter2"
	c.SMTPTLS = false
	_, err = repo.UpdateAppConfig(ctx, c)
	require.NoError(t, err)

	var rec AppConfigRecord
	require.NoError(t, repo.DB().First(&rec).Error)
	assert.NotEqual(t, "hunter2", rec.EncryptedSMTPPassword)
	assert.NotEmpty(t, rec.EncryptedSMTPPassword)

	got, err := repo.GetOrCreateAppConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", got.SMTPPassword)
	assert.False(t, got.SMTPTLS)

	// 空密码保留原值
	got.SMTPPassword = ""
	got.QuoteIntervalMs = 500
	_, err = repo.UpdateAppConfig(ctx, got)
	require.NoError(t, err)
	final, err := repo.GetOrCreateAppConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", final.SMTPPassword)
	assert.Equal(t, 500, final.QuoteIntervalMs)
}

func TestAPIKeys(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	_, ok, err := repo.LatestAPIKeys(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, repo.SaveAPIKeys(ctx, config.Credentials{APIKey: "k1", PrivateKey: "p1", SubAccountID: "1"}))
	require.NoError(t, repo.SaveAPIKeys(ctx, config.Credentials{APIKey: "k2", PrivateKey: "p2", SubAccountID: "2"}))

	creds, ok, err := repo.LatestAPIKeys(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, config.Credentials{APIKey: "k2", PrivateKey: "p2", SubAccountID: "2"}, creds)

	var rec ApiKeyRecord
	require.NoError(t, repo.DB().Order("id desc").First(&rec).Error)
	assert.NotContains(t, rec.EncryptedAPIKey, "k2")
}

func TestSaveAPIKeysWithoutCipher(t *testing.T) {
	repo, err := Open("sqlite://:memory:", nil)
	require.NoError(t, err)
	defer repo.Close()

	err = repo.SaveAPIKeys(context.Background(), config.Credentials{APIKey: "k"})
	assert.ErrorIs(t, err, ErrNoCipher)
}

func TestUpsertPosition(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.UpsertPosition(ctx, "BTC_USDT_Perp", store.PositionState{Size: 0.01, EntryPrice: 50000}))
	require.NoError(t, repo.UpsertPosition(ctx, "BTC_USDT_Perp", store.PositionState{Size: -0.02, EntryPrice: 51000, UnrealizedPnL: -3}))

	pos, ok, err := repo.GetPosition(ctx, "BTC_USDT_Perp")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, -0.02, pos.Size)
	assert.Equal(t, 51000.0, pos.EntryPrice)
	assert.Equal(t, -3.0, pos.UnrealizedPnL)

	var n int64
	require.NoError(t, repo.DB().Model(&Position{}).Count(&n).Error)
	assert.EqualValues(t, 1, n)
}

func TestLatestPosition(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	_, ok, err := repo.LatestPosition(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, repo.UpsertPosition(ctx, "BTC_USDT_Perp", store.PositionState{Size: 0.01}))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, repo.UpsertPosition(ctx, "ETH_USDT_Perp", store.PositionState{Size: 0.3}))

	pos, ok, err := repo.LatestPosition(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "ETH_USDT_Perp", pos.Symbol)
	assert.Equal(t, 0.3, pos.Size)
}

func TestTradesDeduplicate(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	exists, err := repo.TradeExists(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, exists)

	tr := Trade{TradeID: "t1", Symbol: "BTC_USDT_Perp", Side: "buy", Price: 50000, Size: 0.001}
	require.NoError(t, repo.RecordTrade(ctx, tr))
	require.NoError(t, repo.RecordTrade(ctx, tr))

	exists, err = repo.TradeExists(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, exists)

	var n int64
	require.NoError(t, repo.DB().Model(&Trade{}).Count(&n).Error)
	assert.EqualValues(t, 1, n)
}

func TestOrderLifecycle(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.RecordOrder(ctx, "o1", "BTC_USDT_Perp", "buy", 49990, 0.001, "open"))
	require.NoError(t, repo.UpdateOrderStatus(ctx, "o1", "canceled"))

	var o Order
	require.NoError(t, repo.DB().Where("order_id = ?", "o1").First(&o).Error)
	assert.Equal(t, "canceled", o.Status)
	assert.Equal(t, "buy", o.Side)
}

func TestEventsAndAlertsNewestFirst(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.RecordRiskEvent(ctx, "WARN", "RISK_BLOCK", "库存超限"))
	require.NoError(t, repo.RecordRiskEvent(ctx, "ERROR", "ORDER_FAIL", "买单提交失败"))
	events, err := repo.RecentRiskEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "ORDER_FAIL", events[0].EventType)

	a, err := repo.RecordAlert(ctx, "WARN", "风控触发：库存超限")
	require.NoError(t, err)
	assert.NotZero(t, a.ID)
	require.NoError(t, repo.MarkAlertRead(ctx, a.ID))
	alerts, err := repo.RecentAlerts(ctx, 5)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.True(t, alerts[0].IsRead)
}

func TestLatestMetric(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	_, ok, err := repo.LatestMetric(ctx, "mid_price")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, repo.RecordMetric(ctx, "mid_price", 100))
	require.NoError(t, repo.RecordMetric(ctx, "mid_price", 101))
	m, ok, err := repo.LatestMetric(ctx, "mid_price")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 101.0, m.Value)
}

func TestPurgeBefore(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)

	db := repo.DB()
	require.NoError(t, db.Create(&SystemMetric{Name: "x", Value: 1, CreatedAt: old}).Error)
	require.NoError(t, db.Create(&RiskEvent{Level: "WARN", EventType: "RISK_BLOCK", CreatedAt: old}).Error)
	require.NoError(t, db.Create(&Alert{Level: "WARN", Message: "old", CreatedAt: old}).Error)
	_, err := repo.RecordAlert(ctx, "WARN", "fresh")
	require.NoError(t, err)
	require.NoError(t, repo.RecordTrade(ctx, Trade{TradeID: "keep", CreatedAt: old}))

	n, err := repo.PurgeBefore(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	alerts, err := repo.RecentAlerts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "fresh", alerts[0].Message)

	exists, err := repo.TradeExists(ctx, "keep")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestWritePnLReport(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, repo.RecordTrade(ctx, Trade{TradeID: "a", Symbol: "BTC_USDT_Perp", Side: "buy", Price: 50000, Size: 0.001, CreatedAt: base}))
	require.NoError(t, repo.RecordTrade(ctx, Trade{TradeID: "b", Symbol: "BTC_USDT_Perp", Side: "sell", Price: 50010.5, Size: 0.002, Fee: 0.01, RealizedPnL: 1.25, CreatedAt: base.Add(time.Minute)}))

	var buf bytes.Buffer
	require.NoError(t, repo.WritePnLReport(ctx, &buf))

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, pnlHeader, rows[0])
	assert.Equal(t, []string{"b", "BTC_USDT_Perp", "sell", "50010.5", "0.002", "0.01", "1.25", "2024-05-01T00:01:00Z"}, rows[1])
	assert.Equal(t, "a", rows[2][0])
}

func TestSetDefaultsSeedsFirstRows(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	app := config.DefaultAppConfig()
	app.GrvtEnv = "testnet"
	app.SMTPPassword = "seed-pass"
	params := config.DefaultStrategyParams()
	params.Gamma = 0.25
	limits := config.DefaultRiskLimits()
	limits.MaxLeverage = 5
	repo.SetDefaults(app, params, limits)

	gotApp, err := repo.GetOrCreateAppConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, "testnet", gotApp.GrvtEnv)
	assert.Equal(t, "seed-pass", gotApp.SMTPPassword)

	gotParams, err := repo.GetOrCreateParams(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0.25, gotParams.Gamma)

	gotLimits, err := repo.GetOrCreateRiskLimits(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5.0, gotLimits.MaxLeverage)
}
