package risk

import (
	"testing"
	"time"

	"github.com/newplayman/glft-maker/internal/config"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestEngine() (*Engine, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	return NewEngine(config.DefaultRiskLimits()).WithClock(clock.Now), clock
}

func TestEngine_OrderRateWindow(t *testing.T) {
	e, clock := newTestEngine()

	e.RecordOrder()
	e.RecordOrder()
	clock.Advance(30 * time.Second)
	e.RecordOrder()

	if got := e.OrderRatePerMin(); got != 3 {
		t.Errorf("Expected 3 orders in window, got %v", got)
	}

	clock.Advance(31 * time.Second)
	if got := e.OrderRatePerMin(); got != 1 {
		t.Errorf("Expected 1 order after eviction, got %v", got)
	}

	clock.Advance(61 * time.Second)
	if got := e.OrderRatePerMin(); got != 0 {
		t.Errorf("Expected empty window, got %v", got)
	}
}

func TestEngine_CancelRatio(t *testing.T) {
	e, clock := newTestEngine()

	// 无下单时分母按 1 计
	e.RecordCancel()
	e.RecordCancel()
	if got := e.CancelRatePerMin(); got != 2 {
		t.Errorf("Expected ratio 2 with no orders, got %v", got)
	}

	for i := 0; i < 4; i++ {
		e.RecordOrder()
	}
	if got := e.CancelRatePerMin(); got != 0.5 {
		t.Errorf("Expected ratio 0.5, got %v", got)
	}

	clock.Advance(61 * time.Second)
	if got := e.CancelRatePerMin(); got != 0 {
		t.Errorf("Expected ratio 0 after window, got %v", got)
	}
}

// 插入事件后推进超过 60 秒再查询，结果应与从未插入一致
func TestEngine_StaleEventsNeverCounted(t *testing.T) {
	withEvents, clockA := newTestEngine()
	without, clockB := newTestEngine()

	withEvents.RecordOrder()
	withEvents.RecordCancel()
	withEvents.RecordCancel()

	clockA.Advance(Window + time.Millisecond)
	clockB.Advance(Window + time.Millisecond)

	if a, b := withEvents.OrderRatePerMin(), without.OrderRatePerMin(); a != b {
		t.Errorf("Order rate differs: %v vs %v", a, b)
	}
	if a, b := withEvents.CancelRatePerMin(), without.CancelRatePerMin(); a != b {
		t.Errorf("Cancel rate differs: %v vs %v", a, b)
	}
}

func TestEngine_CheckLimits(t *testing.T) {
	limits := config.RiskLimits{
		MaxInventoryUSD:     100,
		MaxOrderUSD:         20,
		MaxLeverage:         5,
		MaxCancelRatePerMin: 0.5,
		MaxOrderRatePerMin:  3,
	}

	tests := []struct {
		name      string
		inventory float64
		order     float64
		leverage  float64
		setup     func(e *Engine)
		want      string
	}{
		{"全部通过", 50, 10, 1, nil, ""},
		{"多头库存超限", 100.01, 10, 1, nil, ReasonInventory},
		{"空头库存超限", -150, 10, 1, nil, ReasonInventory},
		{"库存等于上限通过", 100, 10, 1, nil, ""},
		{"单笔超限", 0, 20.5, 1, nil, ReasonOrderSize},
		{"杠杆超限", 0, 10, 6, nil, ReasonLeverage},
		{"撤单率超限", 0, 10, 1, func(e *Engine) {
			e.RecordOrder()
			e.RecordCancel()
		}, ReasonCancelRate},
		{"下单频率超限", 0, 10, 1, func(e *Engine) {
			for i := 0; i < 4; i++ {
				e.RecordOrder()
			}
		}, ReasonOrderRate},
		{"按顺序返回第一个原因", 500, 500, 500, func(e *Engine) {
			for i := 0; i < 10; i++ {
				e.RecordCancel()
			}
		}, ReasonInventory},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := newTestEngine()
			e.SetLimits(limits)
			if tt.setup != nil {
				tt.setup(e)
			}
			d := e.CheckLimits(tt.inventory, tt.order, tt.leverage)
			if tt.want == "" {
				if !d.Allowed || d.Reason != "" {
					t.Errorf("Expected allowed, got %+v", d)
				}
				return
			}
			if d.Allowed || d.Reason != tt.want {
				t.Errorf("Expected rejection %q, got %+v", tt.want, d)
			}
		})
	}
}

func TestEngine_SetLimitsHotReload(t *testing.T) {
	e, _ := newTestEngine()
	if d := e.CheckLimits(150, 1, 1); d.Allowed {
		t.Fatal("Expected inventory rejection with default limits")
	}

	l := e.Limits()
	l.MaxInventoryUSD = 200
	e.SetLimits(l)
	if d := e.CheckLimits(150, 1, 1); !d.Allowed {
		t.Errorf("Expected admission after raising limit, got %+v", d)
	}
}
