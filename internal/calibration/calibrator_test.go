package calibration

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	gateway "github.com/newplayman/glft-maker/internal/exchange"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	candlePages []gateway.CandlePage
	tradePages  []gateway.TradePage
	candleCalls []string
	tradeLimits []int
	endless     bool
	err         error
}

func (f *fakeSource) FetchCandles(ctx context.Context, symbol, timeframe string, sinceNs int64, limit int, cursor string) (gateway.CandlePage, error) {
	if f.err != nil {
		return gateway.CandlePage{}, f.err
	}
	f.candleCalls = append(f.candleCalls, cursor)
	if f.endless {
		page := gateway.CandlePage{Next: "more"}
		for i := 0; i < limit; i++ {
			page.Candles = append(page.Candles, gateway.RawCandle{Close: fmt.Sprint(int64(100+i%7) * 1e9)})
		}
		return page, nil
	}
	idx := len(f.candleCalls) - 1
	if idx >= len(f.candlePages) {
		return gateway.CandlePage{}, nil
	}
	return f.candlePages[idx], nil
}

func (f *fakeSource) FetchTrades(ctx context.Context, symbol string, sinceNs int64, limit int, cursor string) (gateway.TradePage, error) {
	if f.err != nil {
		return gateway.TradePage{}, f.err
	}
	f.tradeLimits = append(f.tradeLimits, limit)
	idx := len(f.tradeLimits) - 1
	if idx >= len(f.tradePages) {
		return gateway.TradePage{}, nil
	}
	return f.tradePages[idx], nil
}

func rawPrice(p float64) string {
	return fmt.Sprintf("%.0f", p*1e9)
}

func candles(closes ...float64) []gateway.RawCandle {
	out := make([]gateway.RawCandle, len(closes))
	for i, c := range closes {
		out[i] = gateway.RawCandle{Close: rawPrice(c)}
	}
	return out
}

func trades(prices ...float64) []gateway.RawTrade {
	out := make([]gateway.RawTrade, len(prices))
	for i, p := range prices {
		out[i] = gateway.RawTrade{Price: rawPrice(p), Size: "1"}
	}
	return out
}

func newCalibrator(src Source) *Calibrator {
	return &Calibrator{
		Source:      src,
		Symbol:      "BTC_USDT_Perp",
		WindowDays:  30,
		Timeframe:   "1m",
		TradeSample: 5000,
		Now:         func() time.Time { return time.Unix(1_700_000_000, 0) },
	}
}

func TestEstimateSigma(t *testing.T) {
	src := &fakeSource{candlePages: []gateway.CandlePage{
		{Candles: candles(100, 110), Next: "c1"},
		{Candles: candles(99)},
	}}
	sigma, err := newCalibrator(src).EstimateSigma(context.Background())
	require.NoError(t, err)

	r1, r2 := math.Log(110.0/100), math.Log(99.0/110)
	mean := (r1 + r2) / 2
	std := math.Sqrt(((r1-mean)*(r1-mean) + (r2-mean)*(r2-mean)) / 2)
	assert.InDelta(t, std/math.Sqrt(60), sigma, 1e-12)
	assert.Equal(t, []string{"", "c1"}, src.candleCalls)
}

func TestEstimateSigmaFallbackAndFloor(t *testing.T) {
	src := &fakeSource{candlePages: []gateway.CandlePage{{Candles: candles(100, 0, 101)}}}
	sigma, err := newCalibrator(src).EstimateSigma(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0.5, sigma)

	flat := &fakeSource{candlePages: []gateway.CandlePage{{Candles: candles(100, 100, 100, 100)}}}
	sigma, err = newCalibrator(flat).EstimateSigma(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1e-6, sigma)
}

func TestEstimateSigmaCandleCap(t *testing.T) {
	src := &fakeSource{endless: true}
	_, err := newCalibrator(src).EstimateSigma(context.Background())
	require.NoError(t, err)
	assert.Len(t, src.candleCalls, maxCandles/candlePageSize)
}

func TestEstimateAKFewTrades(t *testing.T) {
	src := &fakeSource{tradePages: []gateway.TradePage{{Trades: trades(1, 2, 3, 4, 5, 6, 7, 8, 9)}}}
	a, k, err := newCalibrator(src).EstimateAK(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0.5, a)
	assert.Equal(t, 1.5, k)
}

func TestEstimateAKZeroRange(t *testing.T) {
	src := &fakeSource{tradePages: []gateway.TradePage{{Trades: trades(100, 100, 100, 100, 100, 100, 100, 100, 100, 100, 100, 100)}}}
	a, k, err := newCalibrator(src).EstimateAK(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0.5, a)
	assert.Equal(t, 1.5, k)
}

func TestEstimateAKPagination(t *testing.T) {
	page := func(next string) gateway.TradePage {
		ps := make([]float64, 1000)
		for i := range ps {
			ps[i] = 100 + float64(i%10)/10
		}
		return gateway.TradePage{Trades: trades(ps...), Next: next}
	}
	src := &fakeSource{tradePages: []gateway.TradePage{page("a"), page("b"), page("c")}}
	cal := newCalibrator(src)
	cal.TradeSample = 2500

	_, _, err := cal.EstimateAK(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{1000, 1000, 500}, src.tradeLimits)
}

func TestEstimateAKDecayingFlow(t *testing.T) {
	// 偏离越大成交越少
	var prices []float64
	for d := 0; d < 20; d++ {
		n := 200 / (d + 1)
		for i := 0; i < n; i++ {
			prices = append(prices, 100+float64(d)*0.1, 100-float64(d)*0.1)
		}
	}
	src := &fakeSource{tradePages: []gateway.TradePage{{Trades: trades(prices...)}}}
	cal := newCalibrator(src)
	a, k, err := cal.EstimateAK(context.Background())
	require.NoError(t, err)
	assert.Greater(t, k, 1e-6)
	assert.Greater(t, a, 1.0)
}

func TestCalibratePropagatesErrors(t *testing.T) {
	src := &fakeSource{err: errors.New("network down")}
	_, err := newCalibrator(src).Calibrate(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "network down")
}

func TestIntervalSeconds(t *testing.T) {
	assert.Equal(t, 60, IntervalSeconds("1m"))
	assert.Equal(t, 86400, IntervalSeconds("1d"))
	assert.Equal(t, 300, IntervalSeconds("7m"))
}

func TestJobDeliversOutcome(t *testing.T) {
	src := &fakeSource{}
	out := make(chan Outcome, 1)
	job := &Job{
		Build: func() (*Calibrator, error) { return newCalibrator(src), nil },
		Out:   out,
	}
	res, err := job.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Sigma: 0.5, A: 0.5, K: 1.5}, res)

	got := <-out
	assert.Equal(t, "BTC_USDT_Perp", got.Symbol)
	assert.Equal(t, res, got.Result)
	assert.NoError(t, got.Err)
}

func TestJobDeliversFailure(t *testing.T) {
	out := make(chan Outcome, 1)
	job := &Job{
		Build: func() (*Calibrator, error) { return newCalibrator(&fakeSource{err: errors.New("boom")}), nil },
		Out:   out,
	}
	_, err := job.Run(context.Background())
	require.Error(t, err)
	assert.Error(t, (<-out).Err)
}
