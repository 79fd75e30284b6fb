// Package book implements one-sided price ladders and the two-sided limit
// order book built from them.
//
// Two side implementations are provided behind the Side interface:
//
//   - MapSide:   a plain level map. Correctness reference, and the right
//     choice for workloads with unbounded price dispersion.
//   - ArraySide: a fixed-size dense array centered on the inside, with an
//     overflow map for the tail. Updates near the inside are O(1), which
//     is where almost all market-data traffic lands.
//
// Neither implementation is safe for concurrent use; the book engine owns
// its books from a single goroutine.
package book

import (
	"errors"
	"fmt"
	"log/slog"

	"jaybeams/pkg/types"
)

// ErrInvalidReduce reports an attempt to reduce a price level that does
// not exist on the side. The engine treats it as a feed anomaly.
var ErrInvalidReduce = errors.New("invalid reduce")

// Side is the capability set shared by the order-book side
// implementations. AddOrder and ReduceOrder report whether the best
// quote changed as a result of the operation (an "inside event").
type Side interface {
	AddOrder(px types.Price4, qty int32) (bool, error)
	ReduceOrder(px types.Price4, qty int32) (bool, error)
	BestQuote() types.HalfQuote
	WorstQuote() types.HalfQuote
	Count() int
}

// Config selects and sizes the side implementation.
type Config struct {
	Type    string `mapstructure:"type"`
	MaxSize int    `mapstructure:"max-size"`
}

// DefaultConfig returns the production defaults: an array-based book
// with a 5000-tick dense window.
func DefaultConfig() Config {
	return Config{Type: "array", MaxSize: 5000}
}

// Validate checks the configuration ranges.
func (c Config) Validate() error {
	switch c.Type {
	case "array", "map":
	default:
		return fmt.Errorf("book-config.type must be \"array\" or \"map\", got %q", c.Type)
	}
	if c.MaxSize <= 0 || c.MaxSize > 10000 {
		return fmt.Errorf("book-config.max-size must be in (0, 10000], got %d", c.MaxSize)
	}
	return nil
}

// NewSide constructs a side of the given direction per the configuration.
func NewSide(cfg Config, side types.Side, logger *slog.Logger) Side {
	if cfg.Type == "map" {
		return NewMapSide(side, logger)
	}
	return NewArraySide(cfg.MaxSize, side, logger)
}

// Book is a pair of sides for one security.
type Book struct {
	buy  Side
	sell Side
}

// New creates an empty book with both sides per the configuration.
func New(cfg Config, logger *slog.Logger) *Book {
	return &Book{
		buy:  NewSide(cfg, types.Buy, logger),
		sell: NewSide(cfg, types.Sell, logger),
	}
}

// Side returns the requested side of the book.
func (b *Book) Side(s types.Side) Side {
	if s == types.Buy {
		return b.buy
	}
	return b.sell
}

// BestBid returns the best (highest) bid, or the empty bid (0, 0).
func (b *Book) BestBid() types.HalfQuote { return b.buy.BestQuote() }

// BestOffer returns the best (lowest) offer, or the empty offer (MAX, 0).
func (b *Book) BestOffer() types.HalfQuote { return b.sell.BestQuote() }

// Count returns the number of distinct price levels across both sides.
func (b *Book) Count() int { return b.buy.Count() + b.sell.Count() }

// direction folds the BUY/SELL asymmetry into a handful of primitives,
// so the side implementations are written once.
type direction struct {
	buy bool
}

func newDirection(s types.Side) direction { return direction{buy: s == types.Buy} }

// better reports whether tick a is a strictly better price than tick b.
func (d direction) better(a, b types.TickIndex) bool {
	if d.buy {
		return a > b
	}
	return a < b
}

// emptyTick is the tick of the side's empty-quote sentinel price.
func (d direction) emptyTick() types.TickIndex {
	if d.buy {
		return 0
	}
	return types.MaxTick
}

func (d direction) emptyQuote() types.HalfQuote {
	if d.buy {
		return types.EmptyBid()
	}
	return types.EmptyOffer()
}

// toRelative converts a tick to its offset from the worst edge of a
// dense window starting at begin. The caller guarantees tk is not
// worse than begin.
func (d direction) toRelative(begin, tk types.TickIndex) int {
	if d.buy {
		return int(tk - begin)
	}
	return int(begin - tk)
}

// fromRelative is the inverse of toRelative.
func (d direction) fromRelative(begin types.TickIndex, rel int) types.TickIndex {
	if d.buy {
		return begin + types.TickIndex(rel)
	}
	return begin - types.TickIndex(rel)
}

// validateOp checks the shared add/reduce preconditions.
func validateOp(op string, px types.Price4, qty int32) error {
	if qty <= 0 {
		return fmt.Errorf("%w: %s qty=%d must be positive", types.ErrInvalidParams, op, qty)
	}
	if px <= 0 || px >= types.MaxPrice4 {
		return fmt.Errorf("%w: %s px=%d outside (0, %d)", types.ErrInvalidParams, op, px, types.MaxPrice4)
	}
	return nil
}
