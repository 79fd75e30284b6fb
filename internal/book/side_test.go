package book

import (
	"errors"
	"log/slog"
	"os"
	"testing"

	"jaybeams/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// sideFactories builds each implementation for both directions so the
// contract tests run over the whole matrix.
func sideFactories() map[string]func(side types.Side) Side {
	return map[string]func(side types.Side) Side{
		"map": func(s types.Side) Side {
			return NewMapSide(s, testLogger())
		},
		"array": func(s types.Side) Side {
			return NewArraySide(5000, s, testLogger())
		},
	}
}

func mustAdd(t *testing.T, s Side, px types.Price4, qty int32) bool {
	t.Helper()
	changed, err := s.AddOrder(px, qty)
	if err != nil {
		t.Fatalf("AddOrder(%d, %d) failed: %v", px, qty, err)
	}
	return changed
}

func mustReduce(t *testing.T, s Side, px types.Price4, qty int32) bool {
	t.Helper()
	changed, err := s.ReduceOrder(px, qty)
	if err != nil {
		t.Fatalf("ReduceOrder(%d, %d) failed: %v", px, qty, err)
	}
	return changed
}

func TestSideEmptyQuotes(t *testing.T) {
	t.Parallel()
	for name, mk := range sideFactories() {
		t.Run(name, func(t *testing.T) {
			buy, sell := mk(types.Buy), mk(types.Sell)
			if got := buy.BestQuote(); got != types.EmptyBid() {
				t.Errorf("empty buy best = %+v, want empty bid", got)
			}
			if got := sell.BestQuote(); got != types.EmptyOffer() {
				t.Errorf("empty sell best = %+v, want empty offer", got)
			}
			if buy.Count() != 0 || sell.Count() != 0 {
				t.Errorf("empty sides should have count 0")
			}
		})
	}
}

func TestSideAddAndBest(t *testing.T) {
	t.Parallel()
	for name, mk := range sideFactories() {
		t.Run(name, func(t *testing.T) {
			buy := mk(types.Buy)
			if !mustAdd(t, buy, 100000, 100) {
				t.Error("first add should change the inside")
			}
			if mustAdd(t, buy, 99900, 200) {
				t.Error("worse bid should not change the inside")
			}
			if !mustAdd(t, buy, 100000, 50) {
				t.Error("add at the inside changes the best quote")
			}
			if !mustAdd(t, buy, 100100, 25) {
				t.Error("better bid should change the inside")
			}
			if got := buy.BestQuote(); got.Price != 100100 || got.Qty != 25 {
				t.Errorf("best = %+v, want (100100, 25)", got)
			}
			if got := buy.WorstQuote(); got.Price != 99900 || got.Qty != 200 {
				t.Errorf("worst = %+v, want (99900, 200)", got)
			}
			if got := buy.Count(); got != 3 {
				t.Errorf("count = %d, want 3", got)
			}

			sell := mk(types.Sell)
			mustAdd(t, sell, 100200, 10)
			if mustAdd(t, sell, 100500, 10) {
				t.Error("worse offer should not change the inside")
			}
			if !mustAdd(t, sell, 100100, 10) {
				t.Error("better offer should change the inside")
			}
			if got := sell.BestQuote(); got.Price != 100100 || got.Qty != 10 {
				t.Errorf("best = %+v, want (100100, 10)", got)
			}
			if got := sell.WorstQuote(); got.Price != 100500 || got.Qty != 10 {
				t.Errorf("worst = %+v, want (100500, 10)", got)
			}
		})
	}
}

func TestSideReduce(t *testing.T) {
	t.Parallel()
	for name, mk := range sideFactories() {
		t.Run(name, func(t *testing.T) {
			buy := mk(types.Buy)
			mustAdd(t, buy, 100000, 100)
			mustAdd(t, buy, 99900, 200)

			if !mustReduce(t, buy, 100000, 50) {
				t.Error("reducing the inside changes the best quote")
			}
			if got := buy.BestQuote(); got.Price != 100000 || got.Qty != 50 {
				t.Errorf("best = %+v, want (100000, 50)", got)
			}
			if mustReduce(t, buy, 99900, 100) {
				t.Error("reducing a non-inside level should not change the inside")
			}
			if !mustReduce(t, buy, 100000, 50) {
				t.Error("emptying the inside changes the best quote")
			}
			if got := buy.BestQuote(); got.Price != 99900 || got.Qty != 100 {
				t.Errorf("best after inside removal = %+v, want (99900, 100)", got)
			}
			if got := buy.Count(); got != 1 {
				t.Errorf("count = %d, want 1", got)
			}
		})
	}
}

func TestSideInvalidOperations(t *testing.T) {
	t.Parallel()
	for name, mk := range sideFactories() {
		t.Run(name, func(t *testing.T) {
			s := mk(types.Buy)
			if _, err := s.AddOrder(100000, 0); !errors.Is(err, types.ErrInvalidParams) {
				t.Errorf("zero qty: err = %v, want ErrInvalidParams", err)
			}
			if _, err := s.AddOrder(100000, -5); !errors.Is(err, types.ErrInvalidParams) {
				t.Errorf("negative qty: err = %v, want ErrInvalidParams", err)
			}
			if _, err := s.AddOrder(0, 10); !errors.Is(err, types.ErrInvalidParams) {
				t.Errorf("px=0: err = %v, want ErrInvalidParams", err)
			}
			if _, err := s.AddOrder(types.MaxPrice4, 10); !errors.Is(err, types.ErrInvalidParams) {
				t.Errorf("px=MAX: err = %v, want ErrInvalidParams", err)
			}
			if _, err := s.ReduceOrder(100000, 10); !errors.Is(err, ErrInvalidReduce) {
				t.Errorf("reduce on empty side: err = %v, want ErrInvalidReduce", err)
			}
			mustAdd(t, s, 100000, 10)
			if _, err := s.ReduceOrder(99000, 10); !errors.Is(err, ErrInvalidReduce) {
				t.Errorf("reduce of absent level: err = %v, want ErrInvalidReduce", err)
			}
		})
	}
}

// Add then reduce of the same (px, qty) restores the side, including
// its level count and quotes.
func TestSideAddReduceRoundTrip(t *testing.T) {
	t.Parallel()
	for name, mk := range sideFactories() {
		t.Run(name, func(t *testing.T) {
			for _, side := range []types.Side{types.Buy, types.Sell} {
				s := mk(side)
				mustAdd(t, s, 120000, 300)
				base := [3]any{s.BestQuote(), s.WorstQuote(), s.Count()}

				cases := []struct {
					px  types.Price4
					qty int32
				}{
					{120000, 100}, {119900, 50}, {130000, 75}, {5000, 10},
				}
				for _, tc := range cases {
					mustAdd(t, s, tc.px, tc.qty)
					mustReduce(t, s, tc.px, tc.qty)
					got := [3]any{s.BestQuote(), s.WorstQuote(), s.Count()}
					if got != base {
						t.Errorf("%v side not restored after add/reduce(%d, %d): got %v, want %v",
							side, tc.px, tc.qty, got, base)
					}
				}
			}
		})
	}
}

// Negative stored quantity from a feed anomaly clamps to zero and
// removes the level.
func TestSideNegativeClamp(t *testing.T) {
	t.Parallel()
	for name, mk := range sideFactories() {
		t.Run(name, func(t *testing.T) {
			s := mk(types.Buy)
			mustAdd(t, s, 100000, 100)
			mustAdd(t, s, 99000, 10)
			if !mustReduce(t, s, 100000, 150) {
				t.Error("clamped reduce of the inside should report an inside change")
			}
			if got := s.BestQuote(); got.Price != 99000 {
				t.Errorf("best after clamp = %+v, want level 99000", got)
			}
			if got := s.Count(); got != 1 {
				t.Errorf("count = %d, want 1", got)
			}
		})
	}
}

// The array window recenters around a new inside and spills the far
// edge into the tail map.
func TestArraySideSpillAndRecenter(t *testing.T) {
	t.Parallel()

	s := NewArraySide(10, types.Buy, testLogger())
	// $1.00 == tick 10000. Adds at ticks 10000, 10001, 10002, then
	// 9999 down to 9991.
	ticks := []types.TickIndex{10000, 10001, 10002, 9999, 9998, 9997, 9996, 9995, 9994, 9993, 9992, 9991}
	for _, tk := range ticks {
		mustAdd(t, s, tk.Price(), 10)
	}
	if s.tkBegin != 9995 || s.tkEnd != 10005 {
		t.Errorf("window = [%d, %d), want [9995, 10005)", s.tkBegin, s.tkEnd)
	}
	if s.tkInside != 10002 {
		t.Errorf("inside = %d, want 10002", s.tkInside)
	}
	if got := len(s.bottom); got != 4 {
		t.Errorf("tail size = %d, want 4 (ticks 9991..9994)", got)
	}
	for tk := types.TickIndex(9991); tk <= 9994; tk++ {
		if _, ok := s.bottom[tk]; !ok {
			t.Errorf("tick %d missing from the tail map", tk)
		}
	}
	if got := s.Count(); got != 12 {
		t.Errorf("count = %d, want 12", got)
	}
	if got := s.BestQuote(); got.Price != types.TickIndex(10002).Price() || got.Qty != 10 {
		t.Errorf("best = %+v, want (tick 10002, 10)", got)
	}
	if got := s.WorstQuote(); got.Price != types.TickIndex(9991).Price() {
		t.Errorf("worst = %+v, want tick 9991", got)
	}
}

// Draining the window pulls the head of the tail map back in and
// recenters around it.
func TestArraySideRefillFromTail(t *testing.T) {
	t.Parallel()

	s := NewArraySide(10, types.Buy, testLogger())
	ticks := []types.TickIndex{10000, 10001, 10002, 9999, 9998, 9997, 9996, 9995, 9994, 9993, 9992, 9991}
	for _, tk := range ticks {
		mustAdd(t, s, tk.Price(), 10)
	}
	// Remove everything in the window, best first.
	for _, tk := range []types.TickIndex{10002, 10001, 10000, 9999, 9998, 9997, 9996, 9995} {
		if !mustReduce(t, s, tk.Price(), 10) {
			t.Errorf("removing inside level %d should change the best quote", tk)
		}
	}
	if got := s.BestQuote(); got.Price != types.TickIndex(9994).Price() || got.Qty != 10 {
		t.Errorf("best after window drain = %+v, want tick 9994", got)
	}
	if got := s.Count(); got != 4 {
		t.Errorf("count = %d, want 4", got)
	}
	if len(s.bottom) != 0 {
		t.Errorf("tail should have migrated into the window, still holds %d levels", len(s.bottom))
	}
}

// With maxSize=1 the window degenerates to the inside alone; every
// other price lives in the tail map.
func TestArraySideDegenerateWindow(t *testing.T) {
	t.Parallel()

	s := NewArraySide(1, types.Buy, testLogger())
	mustAdd(t, s, 100000, 10)
	mustAdd(t, s, 99900, 20)
	mustAdd(t, s, 99800, 30)
	if got := len(s.bottom); got != 2 {
		t.Errorf("tail size = %d, want 2", got)
	}
	if got := s.BestQuote(); got.Price != 100000 {
		t.Errorf("best = %+v, want 100000", got)
	}
	mustAdd(t, s, 100100, 5)
	if got := s.BestQuote(); got.Price != 100100 || got.Qty != 5 {
		t.Errorf("best = %+v, want (100100, 5)", got)
	}
	if got := len(s.bottom); got != 3 {
		t.Errorf("tail size = %d, want 3 after the old inside spilled", got)
	}
	if got := s.Count(); got != 4 {
		t.Errorf("count = %d, want 4", got)
	}
}

// Array- and map-based sides must agree on every quote after every
// operation of an identical stream.
func TestSideImplementationEquivalence(t *testing.T) {
	t.Parallel()

	type op struct {
		reduce bool
		px     types.Price4
		qty    int32
	}
	// A deterministic stream mixing window-local updates, tail spills,
	// recenters and drains. maxSize is tiny to force migrations.
	stream := []op{
		{false, 100000, 100},
		{false, 100100, 50},
		{false, 99000, 25},
		{false, 101000, 10},
		{false, 100090, 30},
		{true, 100100, 50},
		{false, 5000, 40},
		{true, 101000, 10},
		{true, 100090, 30},
		{false, 150000, 60},
		{true, 100000, 100},
		{true, 150000, 60},
		{true, 99000, 25},
		{true, 5000, 40},
	}
	for _, side := range []types.Side{types.Buy, types.Sell} {
		arr := NewArraySide(8, side, testLogger())
		mp := NewMapSide(side, testLogger())
		for i, o := range stream {
			var aChanged, mChanged bool
			if o.reduce {
				aChanged = mustReduce(t, arr, o.px, o.qty)
				mChanged = mustReduce(t, mp, o.px, o.qty)
			} else {
				aChanged = mustAdd(t, arr, o.px, o.qty)
				mChanged = mustAdd(t, mp, o.px, o.qty)
			}
			if aChanged != mChanged {
				t.Errorf("%v op %d: inside-changed array=%v map=%v", side, i, aChanged, mChanged)
			}
			if a, m := arr.BestQuote(), mp.BestQuote(); a != m {
				t.Errorf("%v op %d: best array=%+v map=%+v", side, i, a, m)
			}
			if a, m := arr.WorstQuote(), mp.WorstQuote(); a != m {
				t.Errorf("%v op %d: worst array=%+v map=%+v", side, i, a, m)
			}
			if a, m := arr.Count(), mp.Count(); a != m {
				t.Errorf("%v op %d: count array=%d map=%d", side, i, a, m)
			}
		}
	}
}

func TestBookCount(t *testing.T) {
	t.Parallel()

	b := New(DefaultConfig(), testLogger())
	mustAdd(t, b.Side(types.Buy), 100000, 100)
	mustAdd(t, b.Side(types.Buy), 99900, 100)
	mustAdd(t, b.Side(types.Sell), 100100, 100)
	if got := b.Count(); got != 3 {
		t.Errorf("Count() = %d, want 3", got)
	}
	if got := b.BestBid(); got.Price != 100000 {
		t.Errorf("BestBid = %+v", got)
	}
	if got := b.BestOffer(); got.Price != 100100 {
		t.Errorf("BestOffer = %+v", got)
	}
}
