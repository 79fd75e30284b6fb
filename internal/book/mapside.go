package book

import (
	"fmt"
	"log/slog"

	"jaybeams/pkg/types"
)

// MapSide keeps every price level in a map keyed by tick index, with the
// best tick cached. All operations are O(1) except removing the inside,
// which rescans the levels for the new best, and WorstQuote, which scans
// every level.
type MapSide struct {
	dir    direction
	levels map[types.TickIndex]int32
	best   types.TickIndex
	logger *slog.Logger
}

// NewMapSide creates an empty map-based side.
func NewMapSide(side types.Side, logger *slog.Logger) *MapSide {
	d := newDirection(side)
	return &MapSide{
		dir:    d,
		levels: make(map[types.TickIndex]int32),
		best:   d.emptyTick(),
		logger: logger,
	}
}

// AddOrder adds qty units at px. Returns true iff the best quote changed.
func (s *MapSide) AddOrder(px types.Price4, qty int32) (bool, error) {
	if err := validateOp("add_order", px, qty); err != nil {
		return false, err
	}
	tk := px.Tick()
	s.levels[tk] += qty
	if len(s.levels) == 1 || s.dir.better(tk, s.best) || tk == s.best {
		s.best = tk
		return true, nil
	}
	return false, nil
}

// ReduceOrder removes qty units at px, erasing the level when it reaches
// zero. Returns true iff the best quote changed.
func (s *MapSide) ReduceOrder(px types.Price4, qty int32) (bool, error) {
	if err := validateOp("reduce_order", px, qty); err != nil {
		return false, err
	}
	tk := px.Tick()
	lv, ok := s.levels[tk]
	if !ok {
		return false, fmt.Errorf("%w: no level at px=%s", ErrInvalidReduce, px)
	}
	lv -= qty
	if lv < 0 {
		s.logger.Warn("negative quantity in order book", "px", px.String(), "qty", qty)
		lv = 0
	}
	if lv == 0 {
		delete(s.levels, tk)
	} else {
		s.levels[tk] = lv
	}
	if tk != s.best {
		return false, nil
	}
	if lv == 0 {
		s.best = s.rescanBest()
	}
	return true, nil
}

func (s *MapSide) rescanBest() types.TickIndex {
	best := s.dir.emptyTick()
	first := true
	for tk := range s.levels {
		if first || s.dir.better(tk, best) {
			best = tk
			first = false
		}
	}
	return best
}

// BestQuote returns the best price level, or the side's empty quote.
func (s *MapSide) BestQuote() types.HalfQuote {
	if len(s.levels) == 0 {
		return s.dir.emptyQuote()
	}
	return types.HalfQuote{Price: s.best.Price(), Qty: s.levels[s.best]}
}

// WorstQuote returns the worst price level, or the side's empty quote.
func (s *MapSide) WorstQuote() types.HalfQuote {
	if len(s.levels) == 0 {
		return s.dir.emptyQuote()
	}
	worst := s.best
	for tk := range s.levels {
		if s.dir.better(worst, tk) {
			worst = tk
		}
	}
	return types.HalfQuote{Price: worst.Price(), Qty: s.levels[worst]}
}

// Count returns the number of live price levels.
func (s *MapSide) Count() int { return len(s.levels) }
