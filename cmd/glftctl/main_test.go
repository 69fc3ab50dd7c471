package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newplayman/glft-maker/internal/calibration"
	"github.com/newplayman/glft-maker/internal/config"
	"github.com/newplayman/glft-maker/internal/repository"
	"github.com/newplayman/glft-maker/internal/store"
)

func newTestRepo(t *testing.T) *repository.Repository {
	t.Helper()
	repo, err := repository.Open("sqlite://:memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	repo.SetDefaults(config.DefaultAppConfig(), config.DefaultStrategyParams(), config.DefaultRiskLimits())
	return repo
}

func TestCommitCalibrationRecordsMetricsAndParams(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	p, err := commitCalibration(ctx, repo, "BTC_USDT_Perp", calibration.Result{Sigma: 0.0002, A: 0.8, K: 2.5})
	require.NoError(t, err)
	assert.Equal(t, 0.0002, p.Sigma)
	assert.Equal(t, 0.8, p.A)
	assert.Equal(t, 2.5, p.K)
	assert.Equal(t, 0.1, p.Gamma)

	saved, err := repo.GetOrCreateParams(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0.0002, saved.Sigma)

	for name, want := range map[string]float64{"sigma": 0.0002, "A": 0.8, "k": 2.5} {
		m, ok, err := repo.LatestMetric(ctx, name)
		require.NoError(t, err)
		require.True(t, ok, name)
		assert.Equal(t, want, m.Value, name)
	}
}

func TestStatusShowsPositionOfResolvedSymbol(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	var buf bytes.Buffer
	require.NoError(t, status(ctx, repo, &buf))
	assert.Contains(t, buf.String(), "仓位: 无记录")

	// 配置为 BTC_USDT_Perp，引擎回退后写入的是 ETH 仓位
	require.NoError(t, repo.UpsertPosition(ctx, "ETH_USDT_Perp", store.PositionState{Size: 0.25, EntryPrice: 3000}))

	buf.Reset()
	require.NoError(t, status(ctx, repo, &buf))
	out := buf.String()
	assert.Contains(t, out, "symbol=BTC_USDT_Perp")
	assert.Contains(t, out, "仓位: ETH_USDT_Perp size=0.250000")
	assert.NotContains(t, out, "无记录")
}
