package strategy

import (
	"math"
	"testing"
)

func defaultParams() Params {
	return Params{
		Gamma:              0.1,
		Sigma:              0.5,
		A:                  0.5,
		K:                  1.5,
		OrderSize:          0.01,
		TimeHorizonSeconds: 3600,
	}
}

func TestComputeQuotes_ReferenceCase(t *testing.T) {
	q := ComputeQuotes(50000, 0, defaultParams())

	if !(q.Bid < 50000 && 50000 < q.Ask) {
		t.Fatalf("Expected bid < mid < ask, got bid=%.6f ask=%.6f", q.Bid, q.Ask)
	}
	if math.Abs((50000-q.Bid)-(q.Ask-50000)) > 1e-9 {
		t.Errorf("Quotes should straddle mid symmetrically: bid=%.9f ask=%.9f", q.Bid, q.Ask)
	}
	if q.Reservation != 50000 {
		t.Errorf("Zero inventory should keep reservation at mid, got %.6f", q.Reservation)
	}
	// c1≈0.66644, c2≈4.2576 -> 半价差≈0.67709
	if math.Abs(q.Spread-1.35418) > 1e-3 {
		t.Errorf("Unexpected spread %.6f", q.Spread)
	}
	if !q.Valid() {
		t.Error("Reference quote should be valid")
	}
}

func TestComputeQuotes_SymmetricAroundReservation(t *testing.T) {
	cases := []struct {
		mid       float64
		inventory float64
		p         Params
	}{
		{50000, 0.02, defaultParams()},
		{50000, -0.05, defaultParams()},
		{3000, 1.5, Params{Gamma: 0.3, Sigma: 0.02, A: 2, K: 0.8, OrderSize: 0.1, TimeHorizonSeconds: 600}},
		{1.25, -100, Params{Gamma: 0.05, Sigma: 1.2, A: 0.7, K: 3, OrderSize: 10, TimeHorizonSeconds: 0}},
	}

	for _, c := range cases {
		q := ComputeQuotes(c.mid, c.inventory, c.p)
		up := q.Ask - q.Reservation
		down := q.Reservation - q.Bid
		if math.Abs(up-down) > 1e-9*math.Max(1, c.mid) {
			t.Errorf("Asymmetric quote for %+v: up=%.12f down=%.12f", c, up, down)
		}
	}
}

func TestComputeQuotes_InventorySkew(t *testing.T) {
	p := defaultParams()
	flat := ComputeQuotes(50000, 0, p)
	long := ComputeQuotes(50000, 0.5, p)
	short := ComputeQuotes(50000, -0.5, p)

	if !(long.Reservation < flat.Reservation) {
		t.Errorf("Long inventory should lower reservation: %.6f vs %.6f", long.Reservation, flat.Reservation)
	}
	if !(short.Reservation > flat.Reservation) {
		t.Errorf("Short inventory should raise reservation: %.6f vs %.6f", short.Reservation, flat.Reservation)
	}
	if math.Abs(long.Spread-flat.Spread) > 1e-9 {
		t.Error("Inventory must not change the spread width")
	}
}

func TestComputeQuotes_TimeHorizonFloor(t *testing.T) {
	p := defaultParams()
	p.TimeHorizonSeconds = 0
	zero := ComputeQuotes(50000, 1, p)
	p.TimeHorizonSeconds = 1
	one := ComputeQuotes(50000, 1, p)

	if zero.Reservation != one.Reservation {
		t.Errorf("Horizon below 1s should be floored to 1s: %.9f vs %.9f", zero.Reservation, one.Reservation)
	}
}

func TestCoefficients_KFloor(t *testing.T) {
	c1, c2 := Coefficients(0.1, 0.01, 0.5, 0)
	if math.IsInf(c1, 0) || math.IsNaN(c1) {
		t.Errorf("c1 should be finite with k floored, got %v", c1)
	}
	_ = c2
}

func TestQuoteValid(t *testing.T) {
	tests := []struct {
		q    Quote
		want bool
	}{
		{Quote{Bid: 99, Ask: 101}, true},
		{Quote{Bid: 0, Ask: 101}, false},
		{Quote{Bid: -1, Ask: 1}, false},
		{Quote{Bid: 101, Ask: 101}, false},
		{Quote{Bid: 102, Ask: 101}, false},
	}
	for _, tt := range tests {
		if got := tt.q.Valid(); got != tt.want {
			t.Errorf("Valid(%+v) = %v, want %v", tt.q, got, tt.want)
		}
	}
}

func TestTuneGamma(t *testing.T) {
	tests := []struct {
		inv  float64
		want float64
	}{
		{0, 0.1},
		{50, 0.15},
		{-50, 0.15},
		{100, 0.2},
		{1000, 0.2},
	}
	for _, tt := range tests {
		if got := TuneGamma(0.1, tt.inv, 100); math.Abs(got-tt.want) > 1e-12 {
			t.Errorf("TuneGamma(inv=%v) = %v, want %v", tt.inv, got, tt.want)
		}
	}
}
