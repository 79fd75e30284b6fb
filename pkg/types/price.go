// Package types defines the value types shared across the feed handlers:
// fixed-point prices, tick indices, sides, symbols and half-quotes.
//
// Prices on the ITCH-5.0 feed are 32-bit fixed-point numbers with four
// implicit decimals.  Price levels are also addressable as dense integers
// ("tick indices"): below $1.00 the feed quotes in $0.0001 increments,
// at $1.00 and above in $0.01 increments.  The tick mapping is total and
// strictly monotonic over the legal price range, which is what makes the
// array-based order book possible.
package types

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Price4 is a fixed-point price in units of $0.0001.
type Price4 int32

const (
	// PriceScale is the number of fixed-point units per dollar.
	PriceScale = 10000

	// MaxPrice4 is the upper bound of the legal price range, and doubles
	// as the "no offer" sentinel. The "no bid" sentinel is 0.
	MaxPrice4 Price4 = 200000 * PriceScale

	// dollarTick is the tick index of $1.00, where the feed granularity
	// changes from $0.0001 to $0.01 steps.
	dollarTick TickIndex = 10000

	// pennyScale is the number of fixed-point units per tick at and
	// above $1.00.
	pennyScale = 100
)

// ErrInvalidParams reports a violated precondition: a non-positive
// quantity, or a price outside the open interval (0, MaxPrice4).
var ErrInvalidParams = errors.New("invalid parameters")

// NewPrice4 validates that raw is inside the legal price range.
func NewPrice4(raw int32) (Price4, error) {
	p := Price4(raw)
	if p < 0 || p > MaxPrice4 {
		return 0, fmt.Errorf("%w: price %d out of range [0, %d]", ErrInvalidParams, raw, MaxPrice4)
	}
	return p, nil
}

// Decimal returns the price as an exact decimal dollar amount.
func (p Price4) Decimal() decimal.Decimal {
	return decimal.New(int64(p), -4)
}

func (p Price4) String() string {
	if p == MaxPrice4 {
		return "MAX"
	}
	return p.Decimal().StringFixed(4)
}

// TickIndex is a dense integer addressing of the legal price levels.
type TickIndex int32

// MaxTick is the tick index of MaxPrice4, i.e. the sentinel tick.
const MaxTick = dollarTick + TickIndex((int32(MaxPrice4)-10000)/pennyScale)

// Tick maps a price to its tick index. The mapping is total on
// [0, MaxPrice4] and never decreases: prices on tick boundaries map to
// strictly increasing ticks, and a price between two penny ticks maps
// to the lower one. MaxPrice4 maps to MaxTick.
func (p Price4) Tick() TickIndex {
	if p < Price4(dollarTick) {
		return TickIndex(p)
	}
	return dollarTick + TickIndex((int32(p)-int32(dollarTick))/pennyScale)
}

// Price maps a tick index back to the lowest price at that level.
func (t TickIndex) Price() Price4 {
	if t < dollarTick {
		return Price4(t)
	}
	return Price4(int32(dollarTick) + int32(t-dollarTick)*pennyScale)
}

// PriceLevels returns the number of price levels between a and b,
// i.e. Tick(b) - Tick(a). Negative when b < a.
func PriceLevels(a, b Price4) int {
	return int(b.Tick()) - int(a.Tick())
}

// HalfQuote is one side of the inside: a price and the total quantity
// available at that price.
type HalfQuote struct {
	Price Price4
	Qty   int32
}

// EmptyBid is the quote reported by an empty BUY side.
func EmptyBid() HalfQuote { return HalfQuote{Price: 0, Qty: 0} }

// EmptyOffer is the quote reported by an empty SELL side.
func EmptyOffer() HalfQuote { return HalfQuote{Price: MaxPrice4, Qty: 0} }

// PriceRange is a closed interval of prices.
type PriceRange struct {
	Low  Price4
	High Price4
}

// Levels returns the number of price levels spanned by the range.
func (r PriceRange) Levels() int {
	return PriceLevels(r.Low, r.High)
}
