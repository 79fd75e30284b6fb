package engine

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"jaybeams/internal/book"
	"jaybeams/internal/itch"
	"jaybeams/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type recorder struct {
	updates []BookUpdate
	books   []*book.Book
}

func (r *recorder) record(u BookUpdate, b *book.Book) {
	r.updates = append(r.updates, u)
	r.books = append(r.books, b)
}

func newTestEngine(rec *recorder, opts ...Option) *Engine {
	return New(book.DefaultConfig(), rec.record, testLogger(), opts...)
}

func ts(d time.Duration) itch.Header {
	return itch.Header{Timestamp: d}
}

func addOrder(ref uint64, side types.Side, qty int32, px types.Price4, stock string) itch.AddOrder {
	return itch.AddOrder{
		Header:   ts(time.Second),
		OrderRef: ref,
		Side:     side,
		Shares:   qty,
		Stock:    types.NewSymbol(stock),
		Price:    px,
	}
}

// The simple lifecycle: directory, two adds, a partial execution, and
// a full delete.
func TestEngineAddExecuteDelete(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	eng := newTestEngine(rec)
	now := time.Now()

	eng.OnStockDirectory(itch.StockDirectory{Header: ts(time.Second), Stock: types.NewSymbol("HSART")})
	b := eng.Book(types.NewSymbol("HSART"))
	if b == nil {
		t.Fatal("directory message should create the book")
	}
	if got, want := b.BestBid(), types.EmptyBid(); got != want {
		t.Errorf("initial bid = %+v, want %+v", got, want)
	}
	if got, want := b.BestOffer(), types.EmptyOffer(); got != want {
		t.Errorf("initial offer = %+v, want %+v", got, want)
	}

	eng.OnAddOrder(now, addOrder(2, types.Buy, 100, 100000, "HSART"))
	if got := b.BestBid(); got.Price != 100000 || got.Qty != 100 {
		t.Errorf("bid after add = %+v, want (100000, 100)", got)
	}
	eng.OnAddOrder(now, addOrder(3, types.Sell, 100, 100100, "HSART"))
	if got := b.BestOffer(); got.Price != 100100 || got.Qty != 100 {
		t.Errorf("offer after add = %+v, want (100100, 100)", got)
	}

	exec := itch.OrderExecuted{Header: ts(2 * time.Second), OrderRef: 2, Shares: 50}
	exec.Header.Type = itch.TypeOrderExecuted
	eng.reduce(now, exec.Header, exec.OrderRef, exec.Shares, false)
	if got := b.BestBid(); got.Price != 100000 || got.Qty != 50 {
		t.Errorf("bid after execute = %+v, want (100000, 50)", got)
	}

	eng.reduce(now, ts(3*time.Second), 3, 0, true)
	if got, want := b.BestOffer(), types.EmptyOffer(); got != want {
		t.Errorf("offer after delete = %+v, want %+v", got, want)
	}

	if got := len(rec.updates); got != 4 {
		t.Fatalf("update events = %d, want 4", got)
	}
	last := rec.updates[3]
	if last.Side != types.Sell || last.QtyDelta != -100 {
		t.Errorf("last update = %+v, want SELL Δqty=-100", last)
	}
	if eng.LiveOrders() != 0 {
		t.Errorf("live orders = %d, want 0", eng.LiveOrders())
	}
}

// A replace applies both legs atomically and emits a single event
// carrying the reduction and the insertion.
func TestEngineCancelReplaceAtomicity(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	eng := newTestEngine(rec)
	now := time.Now()

	eng.OnAddOrder(now, addOrder(1, types.Buy, 500, 100000, "HSART"))
	rec.updates = nil

	eng.OnOrderReplace(now, itch.OrderReplace{
		Header:  ts(2 * time.Second),
		OrigRef: 1,
		NewRef:  3,
		Shares:  600,
		Price:   100100,
	})

	if got := len(rec.updates); got != 1 {
		t.Fatalf("update events = %d, want exactly 1", got)
	}
	u := rec.updates[0]
	if !u.CxlReplx {
		t.Error("replace event should carry cxlreplx")
	}
	if u.OldPrice != 100000 || u.OldQtyDelta != -500 {
		t.Errorf("old leg = (%d, %d), want (100000, -500)", u.OldPrice, u.OldQtyDelta)
	}
	if u.Price != 100100 || u.QtyDelta != 600 {
		t.Errorf("new leg = (%d, %d), want (100100, +600)", u.Price, u.QtyDelta)
	}

	b := eng.Book(types.NewSymbol("HSART"))
	if got := b.BestBid(); got.Price != 100100 || got.Qty != 600 {
		t.Errorf("bid after replace = %+v, want (100100, 600)", got)
	}
	if _, dup := eng.orders[1]; dup {
		t.Error("original order should be gone from the index")
	}
	if od, ok := eng.orders[3]; !ok || od.qty != 600 || od.price != 100100 {
		t.Errorf("replacement order = %+v, want indexed with qty 600 @ 100100", od)
	}
}

// A duplicate add is dropped without touching any state.
func TestEngineDuplicateAdd(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	eng := newTestEngine(rec)
	now := time.Now()

	eng.OnAddOrder(now, addOrder(7, types.Buy, 100, 100000, "HSART"))
	eng.OnAddOrder(now, addOrder(7, types.Buy, 999, 200000, "HSART"))

	if got := len(rec.updates); got != 1 {
		t.Fatalf("update events = %d, want 1", got)
	}
	b := eng.Book(types.NewSymbol("HSART"))
	if got := b.BestBid(); got.Price != 100000 || got.Qty != 100 {
		t.Errorf("bid = %+v, want the original order only", got)
	}
	if od := eng.orders[7]; od.qty != 100 {
		t.Errorf("indexed qty = %d, want 100", od.qty)
	}
}

// Reductions for an unknown order are dropped.
func TestEngineMissingOrder(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	eng := newTestEngine(rec)

	eng.reduce(time.Now(), ts(time.Second), 42, 10, false)
	if len(rec.updates) != 0 {
		t.Errorf("update events = %d, want 0", len(rec.updates))
	}
}

// An execution larger than the remaining quantity clamps and removes
// the order.
func TestEngineOversizedExecution(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	eng := newTestEngine(rec)
	now := time.Now()

	eng.OnAddOrder(now, addOrder(9, types.Sell, 100, 100100, "HSART"))
	eng.reduce(now, ts(time.Second), 9, 250, false)

	if got := len(rec.updates); got != 2 {
		t.Fatalf("update events = %d, want 2", got)
	}
	if got := rec.updates[1].QtyDelta; got != -100 {
		t.Errorf("applied Δqty = %d, want -100 (clamped)", got)
	}
	if eng.LiveOrders() != 0 {
		t.Errorf("live orders = %d, want 0", eng.LiveOrders())
	}
	b := eng.Book(types.NewSymbol("HSART"))
	if got, want := b.BestOffer(), types.EmptyOffer(); got != want {
		t.Errorf("offer = %+v, want empty", got)
	}
}

// HandleMessage routes raw encoded messages end to end and tolerates
// unknown types.
func TestEngineHandleRawMessages(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	eng := newTestEngine(rec)
	now := time.Now()

	var feed [][]byte
	feed = append(feed, itch.StockDirectory{Header: ts(time.Second), Stock: types.NewSymbol("HSART")}.Encode(nil))
	feed = append(feed, addOrder(2, types.Buy, 100, 100000, "HSART").Encode(nil))
	feed = append(feed, itch.OrderCancel{Header: ts(2 * time.Second), OrderRef: 2, Shares: 40}.Encode(nil))
	feed = append(feed, itch.OrderDelete{Header: ts(3 * time.Second), OrderRef: 2}.Encode(nil))
	// A system event the engine consumes silently.
	feed = append(feed, append([]byte{'S'}, make([]byte, 11)...))

	for _, msg := range feed {
		eng.HandleMessage(now, msg)
	}
	if got := len(rec.updates); got != 3 {
		t.Fatalf("update events = %d, want 3", got)
	}
	if got := rec.updates[1].QtyDelta; got != -40 {
		t.Errorf("cancel Δqty = %d, want -40", got)
	}
	if got := rec.updates[2].QtyDelta; got != -60 {
		t.Errorf("delete Δqty = %d, want -60 (remaining)", got)
	}

	// Unknown type byte is dropped.
	eng.HandleMessage(now, []byte{0xFF})
	if got := len(rec.updates); got != 3 {
		t.Errorf("unknown message should not emit updates, got %d", got)
	}
}

// The symbol filter ignores everything but the listed symbols.
func TestEngineSymbolFilter(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	eng := newTestEngine(rec, WithSymbols([]string{"HSART"}))
	now := time.Now()

	eng.OnAddOrder(now, addOrder(1, types.Buy, 100, 100000, "HSART"))
	eng.OnAddOrder(now, addOrder(2, types.Buy, 100, 100000, "OTHER"))

	if eng.Book(types.NewSymbol("OTHER")) != nil {
		t.Error("filtered symbol should not get a book")
	}
	if got := len(rec.updates); got != 1 {
		t.Errorf("update events = %d, want 1", got)
	}
}
