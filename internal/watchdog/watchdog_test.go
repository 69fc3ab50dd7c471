package watchdog

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newplayman/glft-maker/internal/metrics"
	"github.com/newplayman/glft-maker/internal/store"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type recordingHooks struct {
	mu         sync.Mutex
	stale      int
	recovered  int
	reconnects int
}

func (h *recordingHooks) MarketStale(string, time.Duration) {
	h.mu.Lock()
	h.stale++
	h.mu.Unlock()
}

func (h *recordingHooks) MarketRecovered(string) {
	h.mu.Lock()
	h.recovered++
	h.mu.Unlock()
}

func (h *recordingHooks) Reconnect(string) {
	h.mu.Lock()
	h.reconnects++
	h.mu.Unlock()
}

func TestWatchdogStaleAndRecovery(t *testing.T) {
	st := store.NewStore("", 0)
	st.ResetMarket("BTC_USDT_Perp", store.InstrumentInfo{})
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	st.UpdateQuote(50000, 0, 0, base)

	hooks := &recordingHooks{}
	w := NewWatchdog(Config{StaleThreshold: 10 * time.Second, FailureThreshold: 2, RecoveryThreshold: 2}, st, hooks)
	now := base.Add(5 * time.Second)
	w.now = func() time.Time { return now }

	w.check()
	assert.Zero(t, hooks.reconnects)
	assert.True(t, w.Healthy())

	now = base.Add(20 * time.Second)
	w.check()
	assert.Equal(t, 1, hooks.reconnects)
	assert.Zero(t, hooks.stale)

	w.check()
	assert.Equal(t, 2, hooks.reconnects)
	assert.Equal(t, 1, hooks.stale)
	assert.False(t, w.Healthy())
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.MarketHealthy))

	w.check()
	assert.Equal(t, 1, hooks.stale, "stale hook fires once per outage")

	st.UpdateQuote(50010, 0, 0, now)
	w.check()
	assert.Zero(t, hooks.recovered)
	w.check()
	assert.Equal(t, 1, hooks.recovered)
	assert.True(t, w.Healthy())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.MarketHealthy))
}

func TestWatchdogIgnoresMissingData(t *testing.T) {
	st := store.NewStore("", 0)
	hooks := &recordingHooks{}
	w := NewWatchdog(Config{}, st, hooks)
	w.check()
	assert.Zero(t, hooks.reconnects)
}

func TestWatchdogStartStop(t *testing.T) {
	st := store.NewStore("", 0)
	st.UpdateQuote(1, 0, 0, time.Now().Add(-time.Hour))
	hooks := &recordingHooks{}
	w := NewWatchdog(Config{CheckInterval: 5 * time.Millisecond, StaleThreshold: time.Second}, st, hooks)

	w.Start(context.Background())
	require.Eventually(t, func() bool {
		hooks.mu.Lock()
		defer hooks.mu.Unlock()
		return hooks.reconnects > 0
	}, time.Second, 5*time.Millisecond)
	w.Stop()
	w.Stop()
}
