package metrics

import (
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var (
	// 仓位指标
	PositionSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "glft_position_size",
			Help: "当前仓位（基础币数量，带符号）",
		},
		[]string{"symbol"},
	)

	UnrealizedPNL = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "glft_unrealized_pnl",
			Help: "未实现盈亏",
		},
		[]string{"symbol"},
	)

	// 市场数据指标
	MidPrice = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "glft_mid_price",
			Help: "中间价",
		},
		[]string{"symbol"},
	)

	MarketUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "glft_market_updates_total",
			Help: "行情更新次数（按来源）",
		},
		[]string{"symbol", "source"},
	)

	// 报价指标
	QuoteSpread = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "glft_quote_spread",
			Help: "模型报价价差（绝对值）",
		},
		[]string{"symbol"},
	)

	ReservationPrice = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "glft_reservation_price",
			Help: "保留价",
		},
		[]string{"symbol"},
	)

	EffectiveGamma = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "glft_effective_gamma",
			Help: "自动调参后的风险厌恶系数",
		},
		[]string{"symbol"},
	)

	// 模型参数
	ModelSigma = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "glft_model_sigma",
			Help: "当前波动率参数",
		},
		[]string{"symbol"},
	)

	ModelA = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "glft_model_a",
			Help: "当前成交强度参数 A",
		},
		[]string{"symbol"},
	)

	ModelK = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "glft_model_k",
			Help: "当前成交衰减参数 k",
		},
		[]string{"symbol"},
	)

	CalibrationRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "glft_calibration_runs_total",
			Help: "参数校准次数",
		},
		[]string{"result"},
	)

	// 风控指标
	CancelRatio = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "glft_cancel_ratio",
			Help: "60秒窗口撤单/下单比",
		},
		[]string{"symbol"},
	)

	OrderRate = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "glft_order_rate_per_min",
			Help: "60秒窗口下单数",
		},
		[]string{"symbol"},
	)

	RiskBlocks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "glft_risk_blocks_total",
			Help: "风控拦截次数",
		},
		[]string{"symbol", "reason"},
	)

	// 订单指标
	OrdersPlaced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "glft_orders_placed_total",
			Help: "下单成功次数",
		},
		[]string{"symbol", "side"},
	)

	OrderFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "glft_order_failures_total",
			Help: "下单失败次数",
		},
		[]string{"symbol", "side", "class"},
	)

	OrdersCanceled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "glft_orders_canceled_total",
			Help: "撤单成功次数",
		},
		[]string{"symbol", "side"},
	)

	FillCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "glft_fill_count_total",
			Help: "成交笔数",
		},
		[]string{"symbol", "side"},
	)

	FillVolume = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "glft_fill_volume_total",
			Help: "成交量",
		},
		[]string{"symbol", "side"},
	)

	// 引擎指标
	EngineRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "glft_engine_running",
			Help: "报价循环是否运行（1/0）",
		},
	)

	TickCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "glft_ticks_total",
			Help: "报价循环轮数",
		},
		[]string{"symbol"},
	)

	TickDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "glft_tick_duration_seconds",
			Help:    "单轮报价耗时",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"symbol"},
	)

	ErrorCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "glft_errors_total",
			Help: "错误次数",
		},
		[]string{"type", "symbol"},
	)

	// 告警指标
	AlertsRaised = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "glft_alerts_total",
			Help: "告警次数",
		},
		[]string{"level"},
	)

	AlertEmailFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "glft_alert_email_failures_total",
			Help: "告警邮件发送失败次数",
		},
	)

	// 推送连接与行情健康
	StreamConnected = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "glft_ws_connected",
			Help: "行情推送是否已连接（1=已连接）",
		},
		[]string{"symbol"},
	)

	StreamReconnects = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "glft_ws_reconnects",
			Help: "当前会话内推送连接建立次数",
		},
		[]string{"symbol"},
	)

	MarketHealthy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "glft_market_healthy",
			Help: "看门狗判定的行情健康状态（1=正常）",
		},
	)
)

func init() {
	prometheus.MustRegister(
		PositionSize,
		UnrealizedPNL,
		MidPrice,
		MarketUpdates,
		QuoteSpread,
		ReservationPrice,
		EffectiveGamma,
		ModelSigma,
		ModelA,
		ModelK,
		CalibrationRuns,
		CancelRatio,
		OrderRate,
		RiskBlocks,
		OrdersPlaced,
		OrderFailures,
		OrdersCanceled,
		FillCount,
		FillVolume,
		EngineRunning,
		TickCount,
		TickDuration,
		ErrorCount,
		AlertsRaised,
		AlertEmailFailures,
		StreamConnected,
		StreamReconnects,
		MarketHealthy,
	)
	MarketHealthy.Set(1)
}

// StartMetricsServer 启动Prometheus监控服务器，并返回实际监听端口
func StartMetricsServer(port int) (int, error) {
	if port < 0 {
		port = 0
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf(":%d", port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("listen on %s failed: %w", addr, err)
	}

	actualPort := listener.Addr().(*net.TCPAddr).Port

	log.Info().Int("port", actualPort).Msg("启动Prometheus监控服务器")

	go func() {
		if err := http.Serve(listener, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Prometheus服务器启动失败")
		}
	}()

	return actualPort, nil
}

// RecordFill 记录成交
func RecordFill(symbol, side string, size float64) {
	FillCount.WithLabelValues(symbol, side).Inc()
	FillVolume.WithLabelValues(symbol, side).Add(size)
}

// RecordError 记录错误
func RecordError(errType, symbol string) {
	ErrorCount.WithLabelValues(errType, symbol).Inc()
}

// UpdatePositionMetrics 更新仓位指标
func UpdatePositionMetrics(symbol string, size, unrealizedPNL float64) {
	PositionSize.WithLabelValues(symbol).Set(size)
	UnrealizedPNL.WithLabelValues(symbol).Set(unrealizedPNL)
}

// RecordMarketUpdate 记录行情写入（stream/poll/engine）
func RecordMarketUpdate(symbol, source string, mid float64) {
	MarketUpdates.WithLabelValues(symbol, source).Inc()
	if mid > 0 {
		MidPrice.WithLabelValues(symbol).Set(mid)
	}
}

// UpdateQuoteMetrics 更新报价指标
func UpdateQuoteMetrics(symbol string, spread, reservation, gamma float64) {
	QuoteSpread.WithLabelValues(symbol).Set(spread)
	ReservationPrice.WithLabelValues(symbol).Set(reservation)
	EffectiveGamma.WithLabelValues(symbol).Set(gamma)
}

// UpdateModelParams 更新模型参数
func UpdateModelParams(symbol string, sigma, a, k float64) {
	ModelSigma.WithLabelValues(symbol).Set(sigma)
	ModelA.WithLabelValues(symbol).Set(a)
	ModelK.WithLabelValues(symbol).Set(k)
}

// RecordCalibration 记录一次校准
func RecordCalibration(ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	CalibrationRuns.WithLabelValues(result).Inc()
}

// UpdateRiskMetrics 更新风控窗口指标
func UpdateRiskMetrics(symbol string, cancelRatio, orderRate float64) {
	CancelRatio.WithLabelValues(symbol).Set(cancelRatio)
	OrderRate.WithLabelValues(symbol).Set(orderRate)
}

// RecordRiskBlock 记录风控拦截
func RecordRiskBlock(symbol, reason string) {
	RiskBlocks.WithLabelValues(symbol, reason).Inc()
}

// RecordOrderPlaced 记录下单成功
func RecordOrderPlaced(symbol, side string) {
	OrdersPlaced.WithLabelValues(symbol, side).Inc()
}

// RecordOrderFailure 记录下单失败，class 为错误分类
func RecordOrderFailure(symbol, side, class string) {
	OrderFailures.WithLabelValues(symbol, side, class).Inc()
}

// RecordCancel 记录撤单成功
func RecordCancel(symbol, side string) {
	OrdersCanceled.WithLabelValues(symbol, side).Inc()
}

// SetEngineRunning 更新引擎运行状态
func SetEngineRunning(running bool) {
	if running {
		EngineRunning.Set(1)
		return
	}
	EngineRunning.Set(0)
}

// RecordTick 记录一轮报价
func RecordTick(symbol string, seconds float64) {
	TickCount.WithLabelValues(symbol).Inc()
	TickDuration.WithLabelValues(symbol).Observe(seconds)
}

// RecordAlert 记录告警
func RecordAlert(level string) {
	AlertsRaised.WithLabelValues(level).Inc()
}

// RecordAlertEmailFailure 记录邮件发送失败
func RecordAlertEmailFailure() {
	AlertEmailFailures.Inc()
}

// UpdateStreamMetrics 更新推送连接状态
func UpdateStreamMetrics(symbol string, connected bool, reconnects int) {
	v := 0.0
	if connected {
		v = 1
	}
	StreamConnected.WithLabelValues(symbol).Set(v)
	StreamReconnects.WithLabelValues(symbol).Set(float64(reconnects))
}

// SetMarketHealthy 更新行情健康状态
func SetMarketHealthy(healthy bool) {
	if healthy {
		MarketHealthy.Set(1)
		return
	}
	MarketHealthy.Set(0)
}
