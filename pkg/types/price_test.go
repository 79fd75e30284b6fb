package types

import (
	"testing"
)

func TestPriceTickMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		px   Price4
		tick TickIndex
	}{
		{"zero", 0, 0},
		{"sub-dollar min step", 1, 1},
		{"just below a dollar", 9999, 9999},
		{"one dollar", 10000, 10000},
		{"dollar plus a penny", 10100, 10001},
		{"hundred dollars", 100 * PriceScale, 10000 + 9900},
		{"sentinel", MaxPrice4, MaxTick},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.px.Tick(); got != tc.tick {
				t.Errorf("Tick(%d) = %d, want %d", tc.px, got, tc.tick)
			}
			if got := tc.tick.Price(); got != tc.px {
				t.Errorf("Price(%d) = %d, want %d", tc.tick, got, tc.px)
			}
		})
	}
}

func TestTickMappingMonotonic(t *testing.T) {
	t.Parallel()

	// Walk every price up to $2.00, across the granularity switch; the
	// mapping never decreases (prices between penny ticks share a tick).
	prev := Price4(0).Tick()
	for px := Price4(1); px <= 20000; px++ {
		tk := px.Tick()
		if tk < prev {
			t.Fatalf("tick mapping not monotonic at px=%d: %d < %d", px, tk, prev)
		}
		prev = tk
	}
}

func TestPriceLevels(t *testing.T) {
	t.Parallel()

	if got := PriceLevels(0, 10000); got != 10000 {
		t.Errorf("PriceLevels(0, $1.00) = %d, want 10000", got)
	}
	if got := PriceLevels(10000, 20000); got != 100 {
		t.Errorf("PriceLevels($1.00, $2.00) = %d, want 100", got)
	}
	if got := PriceLevels(20000, 10000); got != -100 {
		t.Errorf("PriceLevels($2.00, $1.00) = %d, want -100", got)
	}
}

func TestNewPrice4Range(t *testing.T) {
	t.Parallel()

	if _, err := NewPrice4(-1); err == nil {
		t.Error("NewPrice4(-1) should fail")
	}
	if _, err := NewPrice4(int32(MaxPrice4) + 1); err == nil {
		t.Error("NewPrice4(MaxPrice4+1) should fail")
	}
	if _, err := NewPrice4(100000); err != nil {
		t.Errorf("NewPrice4(100000) failed: %v", err)
	}
}

func TestPriceDecimal(t *testing.T) {
	t.Parallel()

	if got := Price4(100000).Decimal().StringFixed(4); got != "10.0000" {
		t.Errorf("Decimal(100000) = %s, want 10.0000", got)
	}
	if got := Price4(1).Decimal().StringFixed(4); got != "0.0001" {
		t.Errorf("Decimal(1) = %s, want 0.0001", got)
	}
}

func TestSymbolPadding(t *testing.T) {
	t.Parallel()

	s := NewSymbol("HSART")
	if string(s[:]) != "HSART   " {
		t.Errorf("NewSymbol(HSART) = %q, want %q", string(s[:]), "HSART   ")
	}
	if s.String() != "HSART" {
		t.Errorf("String() = %q, want HSART", s.String())
	}
}
