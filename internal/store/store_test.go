package store

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/newplayman/glft-maker/internal/config"
)

func TestStore_MarketUpdates(t *testing.T) {
	s := NewStore("", time.Hour)
	s.ResetMarket("BTC_USDT_Perp", InstrumentInfo{TickSize: 0.1, MinSize: 0.001, BaseDecimals: 9})

	now := time.Now()
	s.UpdateQuote(50000, 49999.5, 50000.5, now)

	m := s.Market()
	if m.Symbol != "BTC_USDT_Perp" {
		t.Errorf("Expected symbol BTC_USDT_Perp, got %s", m.Symbol)
	}
	if m.MidPrice != 50000 || m.BestBid != 49999.5 || m.BestAsk != 50000.5 {
		t.Errorf("Unexpected market state %+v", m)
	}
	if m.LastUpdate == nil || !m.LastUpdate.Equal(now) {
		t.Errorf("Expected last update %v, got %v", now, m.LastUpdate)
	}

	// 缺失字段不覆盖已有值
	s.UpdateQuote(50010, 0, 0, now)
	m = s.Market()
	if m.MidPrice != 50010 || m.BestBid != 49999.5 {
		t.Errorf("Zero fields should be ignored, got %+v", m)
	}

	s.SetMidPrice(0, now)
	if s.Market().MidPrice != 50010 {
		t.Error("Non-positive mid should be ignored")
	}

	// 切换交易对整体替换
	s.ResetMarket("ETH_USDT_Perp", InstrumentInfo{TickSize: 0.01})
	m = s.Market()
	if m.MidPrice != 0 || m.LastUpdate != nil || m.Instrument.TickSize != 0.01 {
		t.Errorf("ResetMarket should replace state wholesale, got %+v", m)
	}
}

func TestStore_OrderTracking(t *testing.T) {
	s := NewStore("", time.Hour)

	if _, ok := s.OpenOrderID(SideBid); ok {
		t.Fatal("Expected no tracked bid")
	}

	s.TrackOrder(SideBid, "b-1")
	s.TrackOrder(SideBid, "b-2")
	s.TrackOrder(SideAsk, "a-1")

	id, ok := s.OpenOrderID(SideBid)
	if !ok || id != "b-2" {
		t.Errorf("Expected bid b-2, got %q", id)
	}
	if n := len(s.Engine().OpenOrderIDs); n != 2 {
		t.Errorf("Expected 2 tracked orders, got %d", n)
	}

	// 返回的是副本
	e := s.Engine()
	e.OpenOrderIDs[SideAsk] = "mutated"
	if id, _ := s.OpenOrderID(SideAsk); id != "a-1" {
		t.Error("Engine() should return a copy")
	}

	s.ClearOrder(SideBid)
	if _, ok := s.OpenOrderID(SideBid); ok {
		t.Error("Bid should be cleared")
	}
}

func TestStore_Snapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	s := NewStore(path, time.Hour)
	s.ResetMarket("BTC_USDT_Perp", InstrumentInfo{})
	s.SetPosition(PositionState{Size: 0.01, EntryPrice: 50000})
	s.TrackOrder(SideAsk, "a-9")
	s.SetLastEvent("库存超限")
	s.SetRunning(true)
	s.Close()

	restored := NewStore(path, time.Hour)
	defer restored.Close()

	if p := restored.Position(); p.Size != 0.01 || p.EntryPrice != 50000 {
		t.Errorf("Position not restored: %+v", p)
	}
	e := restored.Engine()
	if e.OpenOrderIDs[SideAsk] != "a-9" {
		t.Errorf("Open order not restored: %+v", e.OpenOrderIDs)
	}
	if e.LastEvent != "库存超限" {
		t.Errorf("Last event not restored: %q", e.LastEvent)
	}
	if e.IsRunning {
		t.Error("Running flag must not be restored")
	}

	restored.ResetMarket("BTC_USDT_Perp", InstrumentInfo{TickSize: 0.5})
	if p := restored.Position(); p.Size != 0.01 {
		t.Errorf("Same-symbol reset must keep position: %+v", p)
	}
}

func TestStore_ResetMarketDropsForeignPosition(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	s := NewStore(path, time.Hour)
	s.ResetMarket("ETH_USDT_Perp", InstrumentInfo{})
	s.SetPosition(PositionState{Size: 1.0, EntryPrice: 3000})
	s.Close()

	restored := NewStore(path, time.Hour)
	defer restored.Close()
	restored.ResetMarket("BTC_USDT_Perp", InstrumentInfo{TickSize: 0.5})
	if p := restored.Position(); p.Size != 0 || p.LastUpdate != nil {
		t.Errorf("Snapshot position of another symbol must be dropped: %+v", p)
	}

	restored.SetPosition(PositionState{Size: 0.02})
	restored.ResetMarket("SOL_USDT_Perp", InstrumentInfo{})
	if p := restored.Position(); p.Size != 0 {
		t.Errorf("Symbol switch must clear position: %+v", p)
	}
}

func TestParamBook_Commit(t *testing.T) {
	var b ParamBook
	if _, ok := b.Load(); ok {
		t.Fatal("Empty book should report no snapshot")
	}

	p := config.DefaultStrategyParams()
	first := b.Commit(p)
	p.Sigma = 0.9
	second := b.Commit(p)

	if second.Version <= first.Version {
		t.Errorf("Versions must increase: %d then %d", first.Version, second.Version)
	}
	got, _ := b.Load()
	if got.Params.Sigma != 0.9 {
		t.Errorf("Expected sigma 0.9, got %f", got.Params.Sigma)
	}
}

func TestParamBook_ConcurrentReadersSeeWholeRows(t *testing.T) {
	var b ParamBook
	b.Commit(config.StrategyParams{Sigma: 1, A: 1, K: 1})

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 2; i < 500; i++ {
			v := float64(i)
			b.Commit(config.StrategyParams{Sigma: v, A: v, K: v})
		}
		close(stop)
	}()

	for {
		select {
		case <-stop:
			wg.Wait()
			return
		default:
			snap, _ := b.Load()
			if snap.Params.Sigma != snap.Params.A || snap.Params.A != snap.Params.K {
				t.Fatalf("Torn parameter row observed: %+v", snap.Params)
			}
		}
	}
}
