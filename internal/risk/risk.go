package risk

import (
	"math"
	"time"

	"github.com/newplayman/glft-maker/internal/config"
)

// 拒绝原因，按检查顺序排列
const (
	ReasonInventory  = "库存超限"
	ReasonOrderSize  = "单笔超限"
	ReasonLeverage   = "杠杆超限"
	ReasonCancelRate = "撤单率超限"
	ReasonOrderRate  = "下单频率超限"
)

// Window 频率统计的滑动窗口
const Window = 60 * time.Second

// Decision 准入结果，拒绝不是错误
type Decision struct {
	Allowed bool
	Reason  string
}

// Engine 准入控制。队列只由报价循环访问，不做并发保护。
type Engine struct {
	limits  config.RiskLimits
	cancels []time.Time
	orders  []time.Time
	now     func() time.Time
}

// NewEngine 创建风控引擎
func NewEngine(limits config.RiskLimits) *Engine {
	return &Engine{limits: limits, now: time.Now}
}

// WithClock 替换时钟
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Limits 当前阈值
func (e *Engine) Limits() config.RiskLimits {
	return e.limits
}

// SetLimits 热更新阈值
func (e *Engine) SetLimits(limits config.RiskLimits) {
	e.limits = limits
}

// RecordOrder 记录一次下单
func (e *Engine) RecordOrder() {
	now := e.now()
	e.orders = append(e.orders, now)
	e.orders = evict(e.orders, now)
}

// RecordCancel 记录一次撤单
func (e *Engine) RecordCancel() {
	now := e.now()
	e.cancels = append(e.cancels, now)
	e.cancels = evict(e.cancels, now)
}

// CancelRatePerMin 窗口内撤单数与下单数之比（下单数至少按 1 计）
func (e *Engine) CancelRatePerMin() float64 {
	now := e.now()
	e.cancels = evict(e.cancels, now)
	e.orders = evict(e.orders, now)
	return float64(len(e.cancels)) / float64(max(len(e.orders), 1))
}

// OrderRatePerMin 窗口内下单数
func (e *Engine) OrderRatePerMin() float64 {
	e.orders = evict(e.orders, e.now())
	return float64(len(e.orders))
}

// CheckLimits 依次检查库存、单笔、杠杆、撤单率、下单频率，返回第一个违反项
func (e *Engine) CheckLimits(inventoryUSD, orderUSD, leverage float64) Decision {
	if math.Abs(inventoryUSD) > e.limits.MaxInventoryUSD {
		return Decision{Reason: ReasonInventory}
	}
	if orderUSD > e.limits.MaxOrderUSD {
		return Decision{Reason: ReasonOrderSize}
	}
	if leverage > e.limits.MaxLeverage {
		return Decision{Reason: ReasonLeverage}
	}
	if e.CancelRatePerMin() > e.limits.MaxCancelRatePerMin {
		return Decision{Reason: ReasonCancelRate}
	}
	if e.OrderRatePerMin() > e.limits.MaxOrderRatePerMin {
		return Decision{Reason: ReasonOrderRate}
	}
	return Decision{Allowed: true}
}

// evict 时间戳单调递增，只需从队首淘汰
func evict(ts []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-Window)
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	// 队首空间过多时搬移，避免底层数组无限增长
	if i > len(ts)/2 {
		return append(ts[:0:0], ts[i:]...)
	}
	return ts[i:]
}
