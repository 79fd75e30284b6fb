// Package engine maintains per-symbol limit order books from an ITCH-5.0
// message stream.
//
// The engine is deliberately tolerant: feed anomalies (duplicate order,
// missing order, reduce of a non-existent level) are counted, logged,
// and the offending message dropped, with no state half-updated. An
// execution larger than the order's remaining quantity is logged and
// clamped to that quantity. The host daemon owns the engine from a single
// goroutine; nothing here locks.
package engine

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"jaybeams/internal/book"
	"jaybeams/internal/itch"
	"jaybeams/internal/stats"
	"jaybeams/pkg/types"
)

// BookUpdate is the flat record emitted after every successful book
// mutation. For a cancel-replace both legs appear in one event:
// OldPrice/OldQtyDelta describe the reduction leg, Price/QtyDelta the
// new order.
type BookUpdate struct {
	RecvTime    time.Time
	Symbol      types.Symbol
	Side        types.Side
	Price       types.Price4
	QtyDelta    int32
	CxlReplx    bool
	OldPrice    types.Price4
	OldQtyDelta int32
}

// UpdateFunc receives each book update together with the book it
// mutated, already in its post-update state.
type UpdateFunc func(update BookUpdate, b *book.Book)

// Metrics counts the anomalies and traffic the admin surface exposes.
type Metrics struct {
	Messages        prometheus.Counter
	UnknownMessages prometheus.Counter
	DuplicateOrders prometheus.Counter
	MissingOrders   prometheus.Counter
	InvalidReduces  prometheus.Counter
}

// NewMetrics registers the engine counters with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Messages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "itch_messages_total", Help: "ITCH messages processed."}),
		UnknownMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "itch_unknown_messages_total", Help: "Messages with an unknown type byte."}),
		DuplicateOrders: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "itch_duplicate_orders_total", Help: "Add messages carrying an already-known order id."}),
		MissingOrders: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "itch_missing_orders_total", Help: "Reductions referencing an unknown order id."}),
		InvalidReduces: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "itch_invalid_reduces_total", Help: "Reductions of a non-existent price level."}),
	}
	reg.MustRegister(m.Messages, m.UnknownMessages, m.DuplicateOrders,
		m.MissingOrders, m.InvalidReduces)
	return m
}

type orderData struct {
	symbol types.Symbol
	side   types.Side
	price  types.Price4
	qty    int32
}

// Engine holds the books and the order-id index.
type Engine struct {
	cfg      book.Config
	books    map[types.Symbol]*book.Book
	orders   map[uint64]orderData
	onUpdate UpdateFunc
	filter   map[types.Symbol]struct{}
	stats    *stats.FeedStats
	metrics  *Metrics
	logger   *slog.Logger
}

// Option configures optional engine behavior.
type Option func(*Engine)

// WithSymbols restricts the engine to the listed symbols; everything
// else on the feed is silently ignored.
func WithSymbols(symbols []string) Option {
	return func(e *Engine) {
		e.filter = make(map[types.Symbol]struct{}, len(symbols))
		for _, s := range symbols {
			e.filter[types.NewSymbol(s)] = struct{}{}
		}
	}
}

// WithStats attaches an offline feed-statistics collector.
func WithStats(s *stats.FeedStats) Option {
	return func(e *Engine) { e.stats = s }
}

// WithMetrics attaches prometheus counters.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New creates an engine that calls onUpdate after every book change.
func New(cfg book.Config, onUpdate UpdateFunc, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		cfg:      cfg,
		books:    make(map[types.Symbol]*book.Book),
		orders:   make(map[uint64]orderData),
		onUpdate: onUpdate,
		logger:   logger.With("component", "book-engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Book returns the book for symbol, or nil if none exists yet.
func (e *Engine) Book(symbol types.Symbol) *book.Book { return e.books[symbol] }

// Symbols returns the symbols with a live book.
func (e *Engine) Symbols() []types.Symbol {
	out := make([]types.Symbol, 0, len(e.books))
	for s := range e.books {
		out = append(out, s)
	}
	return out
}

// LiveOrders returns the number of orders in the index.
func (e *Engine) LiveOrders() int { return len(e.orders) }

// HandleMessage decodes one raw ITCH message and applies it. recvTime
// is the wall clock when the message arrived; it is carried into the
// update event and used for processing-latency statistics.
func (e *Engine) HandleMessage(recvTime time.Time, raw []byte) {
	if len(raw) == 0 {
		return
	}
	e.count(func(m *Metrics) prometheus.Counter { return m.Messages })
	var ts time.Duration
	switch raw[0] {
	case itch.TypeStockDirectory:
		msg, err := itch.DecodeStockDirectory(raw)
		if err != nil {
			e.decodeError(raw[0], err)
			return
		}
		ts = msg.Header.Timestamp
		e.OnStockDirectory(msg)
	case itch.TypeAddOrder, itch.TypeAddOrderMPID:
		msg, err := itch.DecodeAddOrder(raw)
		if err != nil {
			e.decodeError(raw[0], err)
			return
		}
		ts = msg.Header.Timestamp
		e.OnAddOrder(recvTime, msg)
	case itch.TypeOrderExecuted, itch.TypeOrderExecutedPx:
		msg, err := itch.DecodeOrderExecuted(raw)
		if err != nil {
			e.decodeError(raw[0], err)
			return
		}
		ts = msg.Header.Timestamp
		// The execution price on a 'C' message is informational only;
		// both types reduce the resting order by the executed shares.
		e.reduce(recvTime, msg.Header, msg.OrderRef, msg.Shares, false)
	case itch.TypeOrderCancel:
		msg, err := itch.DecodeOrderCancel(raw)
		if err != nil {
			e.decodeError(raw[0], err)
			return
		}
		ts = msg.Header.Timestamp
		e.reduce(recvTime, msg.Header, msg.OrderRef, msg.Shares, false)
	case itch.TypeOrderDelete:
		msg, err := itch.DecodeOrderDelete(raw)
		if err != nil {
			e.decodeError(raw[0], err)
			return
		}
		ts = msg.Header.Timestamp
		e.reduce(recvTime, msg.Header, msg.OrderRef, 0, true)
	case itch.TypeOrderReplace:
		msg, err := itch.DecodeOrderReplace(raw)
		if err != nil {
			e.decodeError(raw[0], err)
			return
		}
		ts = msg.Header.Timestamp
		e.OnOrderReplace(recvTime, msg)
	default:
		if _, err := itch.MessageLength(raw[0]); err != nil {
			e.count(func(m *Metrics) prometheus.Counter { return m.UnknownMessages })
			e.logger.Error("unknown message type", "type", string(raw[0]))
			return
		}
		// A known type the book does not care about; consume silently.
		if h, err := itch.DecodeHeader(raw); err == nil {
			ts = h.Timestamp
		}
	}
	if e.stats != nil {
		e.stats.Sample(ts, time.Since(recvTime))
	}
}

func (e *Engine) decodeError(msgType byte, err error) {
	e.count(func(m *Metrics) prometheus.Counter { return m.UnknownMessages })
	e.logger.Error("message decode failed", "type", string(msgType), "error", err)
}

func (e *Engine) count(sel func(*Metrics) prometheus.Counter) {
	if e.metrics != nil {
		sel(e.metrics).Inc()
	}
}

func (e *Engine) tracked(symbol types.Symbol) bool {
	if e.filter == nil {
		return true
	}
	_, ok := e.filter[symbol]
	return ok
}

// OnStockDirectory creates an empty book for the symbol if absent.
func (e *Engine) OnStockDirectory(msg itch.StockDirectory) {
	if !e.tracked(msg.Stock) {
		return
	}
	if _, ok := e.books[msg.Stock]; !ok {
		e.books[msg.Stock] = book.New(e.cfg, e.logger)
	}
}

// OnAddOrder indexes the order, creates the book if the directory
// message was never seen, applies the add, and emits an update event.
func (e *Engine) OnAddOrder(recvTime time.Time, msg itch.AddOrder) {
	if !e.tracked(msg.Stock) {
		return
	}
	if _, dup := e.orders[msg.OrderRef]; dup {
		e.count(func(m *Metrics) prometheus.Counter { return m.DuplicateOrders })
		e.logger.Warn("duplicate order id in add message",
			"order_ref", msg.OrderRef, "symbol", msg.Stock.String())
		return
	}
	b, ok := e.books[msg.Stock]
	if !ok {
		b = book.New(e.cfg, e.logger)
		e.books[msg.Stock] = b
	}
	if _, err := b.Side(msg.Side).AddOrder(msg.Price, msg.Shares); err != nil {
		e.logger.Warn("add order rejected",
			"order_ref", msg.OrderRef, "symbol", msg.Stock.String(),
			"px", msg.Price.String(), "qty", msg.Shares, "error", err)
		return
	}
	e.orders[msg.OrderRef] = orderData{
		symbol: msg.Stock, side: msg.Side, price: msg.Price, qty: msg.Shares,
	}
	e.emit(BookUpdate{
		RecvTime: recvTime,
		Symbol:   msg.Stock,
		Side:     msg.Side,
		Price:    msg.Price,
		QtyDelta: msg.Shares,
	}, b)
}

// reduce applies an execution, partial cancel, or (full=true) delete.
// The reduction amount is the message's shares, clamped to the order's
// remaining quantity; a delete reduces by everything that remains.
func (e *Engine) reduce(recvTime time.Time, h itch.Header, ref uint64, shares int32, full bool) {
	od, ok := e.orders[ref]
	if !ok {
		e.missingOrder(ref)
		return
	}
	applied := shares
	if full {
		applied = od.qty
	} else if applied > od.qty {
		e.logger.Warn("execution larger than remaining quantity",
			"order_ref", ref, "shares", shares, "remaining", od.qty)
		applied = od.qty
	}
	b := e.books[od.symbol]
	if _, err := b.Side(od.side).ReduceOrder(od.price, applied); err != nil {
		e.count(func(m *Metrics) prometheus.Counter { return m.InvalidReduces })
		e.logger.Warn("reduce rejected", "order_ref", ref,
			"px", od.price.String(), "qty", applied, "error", err)
		return
	}
	od.qty -= applied
	if od.qty == 0 {
		delete(e.orders, ref)
	} else {
		e.orders[ref] = od
	}
	e.emit(BookUpdate{
		RecvTime: recvTime,
		Symbol:   od.symbol,
		Side:     od.side,
		Price:    od.price,
		QtyDelta: -applied,
	}, b)
}

// OnOrderReplace applies the reduction of the old order and the
// insertion of the new one atomically, emitting a single event that
// carries both legs.
func (e *Engine) OnOrderReplace(recvTime time.Time, msg itch.OrderReplace) {
	od, ok := e.orders[msg.OrigRef]
	if !ok {
		e.missingOrder(msg.OrigRef)
		return
	}
	if _, dup := e.orders[msg.NewRef]; dup {
		e.count(func(m *Metrics) prometheus.Counter { return m.DuplicateOrders })
		e.logger.Warn("replacement order id already known",
			"orig_ref", msg.OrigRef, "new_ref", msg.NewRef)
		return
	}
	// Validate the new leg before touching the book so a bad replace
	// never leaves the reduction applied on its own.
	if msg.Shares <= 0 || msg.Price <= 0 || msg.Price >= types.MaxPrice4 {
		e.logger.Warn("replace with invalid new leg",
			"orig_ref", msg.OrigRef, "px", msg.Price.String(), "qty", msg.Shares)
		return
	}
	b := e.books[od.symbol]
	side := b.Side(od.side)
	if _, err := side.ReduceOrder(od.price, od.qty); err != nil {
		e.count(func(m *Metrics) prometheus.Counter { return m.InvalidReduces })
		e.logger.Warn("replace reduction rejected",
			"orig_ref", msg.OrigRef, "px", od.price.String(), "error", err)
		return
	}
	delete(e.orders, msg.OrigRef)
	side.AddOrder(msg.Price, msg.Shares)
	e.orders[msg.NewRef] = orderData{
		symbol: od.symbol, side: od.side, price: msg.Price, qty: msg.Shares,
	}
	e.emit(BookUpdate{
		RecvTime:    recvTime,
		Symbol:      od.symbol,
		Side:        od.side,
		Price:       msg.Price,
		QtyDelta:    msg.Shares,
		CxlReplx:    true,
		OldPrice:    od.price,
		OldQtyDelta: -od.qty,
	}, b)
}

func (e *Engine) missingOrder(ref uint64) {
	e.count(func(m *Metrics) prometheus.Counter { return m.MissingOrders })
	// With a symbol filter active, reductions for untracked symbols are
	// expected; keep them out of the warning stream.
	if e.filter != nil {
		e.logger.Debug("reduction for unknown order", "order_ref", ref)
		return
	}
	e.logger.Warn("reduction for unknown order", "order_ref", ref)
}

func (e *Engine) emit(u BookUpdate, b *book.Book) {
	if e.onUpdate != nil {
		e.onUpdate(u, b)
	}
}
