package calibration

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	gateway "github.com/newplayman/glft-maker/internal/exchange"
	"github.com/rs/zerolog/log"
)

const (
	candlePageSize = 1000
	maxCandles     = 30000
	tradePageSize  = 1000
	histogramBins  = 15
	deviationQ     = 0.9

	fallbackSigma = 0.5
	fallbackA     = 0.5
	fallbackK     = 1.5
	minSigma      = 1e-6
	minK          = 1e-6
)

var intervalSeconds = map[string]int{
	"1m":  60,
	"3m":  180,
	"5m":  300,
	"15m": 900,
	"30m": 1800,
	"1h":  3600,
	"2h":  7200,
	"4h":  14400,
	"6h":  21600,
	"8h":  28800,
	"12h": 43200,
	"1d":  86400,
}

// IntervalSeconds 周期秒数，未知周期按 300s
func IntervalSeconds(timeframe string) int {
	if v, ok := intervalSeconds[timeframe]; ok {
		return v
	}
	return 300
}

// Source 历史数据来源，gateway.Client 即满足
type Source interface {
	FetchCandles(ctx context.Context, symbol, timeframe string, sinceNs int64, limit int, cursor string) (gateway.CandlePage, error)
	FetchTrades(ctx context.Context, symbol string, sinceNs int64, limit int, cursor string) (gateway.TradePage, error)
}

// Result 校准结果
type Result struct {
	Sigma float64 `json:"sigma"`
	A     float64 `json:"A"`
	K     float64 `json:"k"`
}

// Calibrator 从 K 线估计 sigma，从成交价偏离分布估计 A、k
type Calibrator struct {
	Source      Source
	Symbol      string
	WindowDays  int
	Timeframe   string
	TradeSample int

	Now func() time.Time
}

// Calibrate 依次估计 sigma 与 (A, k)；拉取失败直接返回错误
func (c *Calibrator) Calibrate(ctx context.Context) (Result, error) {
	sigma, err := c.EstimateSigma(ctx)
	if err != nil {
		return Result{}, err
	}
	a, k, err := c.EstimateAK(ctx)
	if err != nil {
		return Result{}, err
	}
	res := Result{Sigma: sigma, A: a, K: k}
	log.Info().
		Str("symbol", c.Symbol).
		Float64("sigma", res.Sigma).
		Float64("A", res.A).
		Float64("k", res.K).
		Msg("参数校准完成")
	return res, nil
}

func (c *Calibrator) sinceNs() int64 {
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	return now().Add(-time.Duration(c.WindowDays) * 24 * time.Hour).UnixNano()
}

// EstimateSigma 对数收益标准差 / sqrt(周期秒数)，下限 1e-6；有效收盘价不足 3 个时取 0.5
func (c *Calibrator) EstimateSigma(ctx context.Context) (float64, error) {
	since := c.sinceNs()

	var closes []float64
	fetched := 0
	cursor := ""
	for {
		page, err := c.Source.FetchCandles(ctx, c.Symbol, c.Timeframe, since, candlePageSize, cursor)
		if err != nil {
			return 0, fmt.Errorf("拉取K线失败: %w", err)
		}
		for _, cd := range page.Candles {
			if fetched >= maxCandles {
				break
			}
			fetched++
			if v := gateway.NormalizePrice(cd.Close); v > 0 {
				closes = append(closes, v)
			}
		}
		cursor = page.Next
		if cursor == "" || len(page.Candles) == 0 || fetched >= maxCandles {
			break
		}
	}

	if len(closes) < 3 {
		log.Warn().Str("symbol", c.Symbol).Int("closes", len(closes)).Msg("K线不足，sigma 使用默认值")
		return fallbackSigma, nil
	}

	std := logReturnStd(closes)
	sigma := std / math.Sqrt(float64(IntervalSeconds(c.Timeframe)))
	return math.Max(sigma, minSigma), nil
}

// EstimateAK 成交价相对中位数的偏离分布拟合；样本退化时返回 (0.5, 1.5)
func (c *Calibrator) EstimateAK(ctx context.Context) (float64, float64, error) {
	since := c.sinceNs()

	var prices []float64
	total := 0
	cursor := ""
	for total < c.TradeSample {
		limit := c.TradeSample - total
		if limit > tradePageSize {
			limit = tradePageSize
		}
		page, err := c.Source.FetchTrades(ctx, c.Symbol, since, limit, cursor)
		if err != nil {
			return 0, 0, fmt.Errorf("拉取成交失败: %w", err)
		}
		total += len(page.Trades)
		for _, t := range page.Trades {
			if p := gateway.NormalizePrice(t.Price); p > 0 {
				prices = append(prices, p)
			}
		}
		cursor = page.Next
		if cursor == "" || len(page.Trades) == 0 {
			break
		}
	}

	if total < 10 || len(prices) == 0 {
		log.Warn().Str("symbol", c.Symbol).Int("trades", total).Msg("成交样本不足，A/k 使用默认值")
		return fallbackA, fallbackK, nil
	}

	a, k, ok := fitIntensity(prices)
	if !ok {
		log.Warn().Str("symbol", c.Symbol).Msg("成交价偏离区间为零，A/k 使用默认值")
		return fallbackA, fallbackK, nil
	}
	return a, k, nil
}

// fitIntensity 以中位数为中间价，按 p90 偏离截断分箱后拟合 A·exp(-k·δ)
func fitIntensity(prices []float64) (a, k float64, ok bool) {
	mid := median(prices)
	deltas := make([]float64, len(prices))
	for i, p := range prices {
		deltas[i] = math.Abs(p - mid)
	}

	sorted := append([]float64(nil), deltas...)
	sort.Float64s(sorted)
	upper := quantileSorted(sorted, deviationQ)
	if upper <= 0 {
		return 0, 0, false
	}

	counts, centers := uniformHistogram(deltas, upper, histogramBins)
	intercept, slope := fitLogIntensity(centers, counts)
	return math.Exp(intercept), math.Max(-slope, minK), true
}
