package book

import (
	"fmt"
	"log/slog"

	"jaybeams/pkg/types"
)

// ArraySide keeps the maxSize price levels nearest the inside in a dense
// array indexed by tick offset, and spills everything worse into a tail
// map. Three tick indices describe the dense window:
//
//	tkBegin  — the worst price stored in the window
//	tkEnd    — one past the best-ward edge of the window
//	tkInside — the current best
//
// Prices strictly worse than tkBegin live in the tail map. When a new
// inside lands outside [tkBegin, tkEnd) the window recenters around it
// and the evicted far edge migrates to the tail.
type ArraySide struct {
	dir     direction
	maxSize int
	top     []int32
	bottom  map[types.TickIndex]int32
	tkInside, tkBegin, tkEnd types.TickIndex
	logger  *slog.Logger
}

// NewArraySide creates an empty array-based side with a dense window of
// maxSize price levels.
func NewArraySide(maxSize int, side types.Side, logger *slog.Logger) *ArraySide {
	d := newDirection(side)
	empty := d.emptyTick()
	return &ArraySide{
		dir:      d,
		maxSize:  maxSize,
		top:      make([]int32, maxSize),
		bottom:   make(map[types.TickIndex]int32),
		tkInside: empty,
		tkBegin:  empty,
		tkEnd:    empty,
		logger:   logger,
	}
}

// AddOrder adds qty units at px. Returns true iff the best quote changed.
func (s *ArraySide) AddOrder(px types.Price4, qty int32) (bool, error) {
	if err := validateOp("add_order", px, qty); err != nil {
		return false, err
	}
	tk := px.Tick()
	// Worse than the window: the tail map absorbs it, no inside change.
	if s.dir.better(s.tkBegin, tk) {
		s.bottom[tk] += qty
		return false, nil
	}
	// Equal to or better than the inside: the best quote changes.
	if !s.dir.better(s.tkInside, tk) {
		if !s.dir.better(s.tkEnd, tk) {
			// The new inside falls outside the window; recenter around it
			// and spill the evicted far edge into the tail.
			begin, end := s.windowLimits(tk)
			s.moveTopToBottom(begin)
			s.tkBegin, s.tkEnd = begin, end
		}
		s.tkInside = tk
		s.top[s.dir.toRelative(s.tkBegin, tk)] += qty
		return true, nil
	}
	// Between the window's worst edge and the inside.
	s.top[s.dir.toRelative(s.tkBegin, tk)] += qty
	return false, nil
}

// ReduceOrder removes qty units at px. Returns true iff the best quote
// changed. A level driven negative by a feed anomaly is clamped to zero
// with a warning.
func (s *ArraySide) ReduceOrder(px types.Price4, qty int32) (bool, error) {
	if err := validateOp("reduce_order", px, qty); err != nil {
		return false, err
	}
	tk := px.Tick()
	if s.dir.better(s.tkBegin, tk) {
		lv, ok := s.bottom[tk]
		if !ok {
			return false, fmt.Errorf("%w: no tail level at px=%s", ErrInvalidReduce, px)
		}
		lv -= qty
		if lv < 0 {
			s.logger.Warn("negative quantity in order book", "px", px.String(), "qty", qty)
			lv = 0
		}
		if lv == 0 {
			delete(s.bottom, tk)
		} else {
			s.bottom[tk] = lv
		}
		return false, nil
	}
	if s.dir.better(tk, s.tkInside) {
		return false, fmt.Errorf("%w: px=%s better than the inside", ErrInvalidReduce, px)
	}
	rel := s.dir.toRelative(s.tkBegin, tk)
	if s.top[rel] == 0 {
		return false, fmt.Errorf("%w: no level at px=%s", ErrInvalidReduce, px)
	}
	s.top[rel] -= qty
	if s.top[rel] < 0 {
		s.logger.Warn("negative quantity in order book", "px", px.String(), "qty", qty)
		s.top[rel] = 0
	}
	if tk != s.tkInside {
		return false, nil
	}
	if s.top[rel] == 0 {
		// The inside emptied; find the next best level in the window,
		// falling back to the head of the tail map.
		s.tkInside = s.nextBestLevel()
		if s.tkInside == s.dir.emptyTick() {
			if len(s.bottom) > 0 {
				s.tkInside = s.bestBottomLevel()
			}
			begin, end := s.windowLimits(s.tkInside)
			s.tkBegin, s.tkEnd = begin, end
			s.moveBottomToTop()
		}
	}
	return true, nil
}

// BestQuote returns the inside of the window, or the empty quote.
func (s *ArraySide) BestQuote() types.HalfQuote {
	if s.tkInside == s.dir.emptyTick() {
		return s.dir.emptyQuote()
	}
	rel := s.dir.toRelative(s.tkBegin, s.tkInside)
	return types.HalfQuote{Price: s.tkInside.Price(), Qty: s.top[rel]}
}

// WorstQuote returns the worst live level: the worst tail entry if the
// tail is non-empty, the worst window entry otherwise.
func (s *ArraySide) WorstQuote() types.HalfQuote {
	if s.tkInside == s.dir.emptyTick() {
		return s.dir.emptyQuote()
	}
	if len(s.bottom) > 0 {
		worst := types.TickIndex(-1)
		for tk := range s.bottom {
			if worst < 0 || s.dir.better(worst, tk) {
				worst = tk
			}
		}
		return types.HalfQuote{Price: worst.Price(), Qty: s.bottom[worst]}
	}
	rel := s.relativeWorstTopLevel()
	tk := s.dir.fromRelative(s.tkBegin, rel)
	return types.HalfQuote{Price: tk.Price(), Qty: s.top[rel]}
}

// Count returns the number of live price levels on the side.
func (s *ArraySide) Count() int {
	return len(s.bottom) + s.topLevelsCount()
}

// windowLimits computes the dense window endpoints (begin at the worst
// edge, end one past the best edge) for an inside at tk. The window
// spans maxSize/2 levels on each side of tk, clamped to the legal tick
// range while preserving the full width where possible.
func (s *ArraySide) windowLimits(tk types.TickIndex) (begin, end types.TickIndex) {
	if tk == s.dir.emptyTick() {
		return tk, tk
	}
	half := types.TickIndex(s.maxSize / 2)
	width := 2 * half
	lo := types.TickIndex(0)
	if tk > half {
		lo = tk - half
	}
	hi := tk + half
	if hi > types.MaxTick {
		hi = types.MaxTick
	}
	if hi-lo < width {
		if lo == 0 {
			hi = width
			if hi > types.MaxTick {
				hi = types.MaxTick
			}
		} else {
			lo = hi - width
			if lo < 0 {
				lo = 0
			}
		}
	}
	if s.dir.buy {
		return lo, hi
	}
	return hi, lo
}

// moveTopToBottom spills window entries worse than newBegin into the
// tail map and shifts the survivors so offsets align to newBegin.
func (s *ArraySide) moveTopToBottom(newBegin types.TickIndex) {
	if s.tkInside == s.dir.emptyTick() {
		return
	}
	relInside := s.dir.toRelative(s.tkBegin, s.tkInside)
	if s.dir.better(newBegin, s.tkInside) {
		// Everything in the window is worse than the new begin.
		for i := 0; i <= relInside; i++ {
			if s.top[i] != 0 {
				s.bottom[s.dir.fromRelative(s.tkBegin, i)] = s.top[i]
				s.top[i] = 0
			}
		}
		return
	}
	relNewBegin := s.dir.toRelative(s.tkBegin, newBegin)
	for i := 0; i < relNewBegin; i++ {
		if s.top[i] != 0 {
			s.bottom[s.dir.fromRelative(s.tkBegin, i)] = s.top[i]
			s.top[i] = 0
		}
	}
	// Shift the retained entries down so relNewBegin becomes offset 0.
	for i, j := relNewBegin, 0; i <= relInside; i, j = i+1, j+1 {
		if s.top[i] != 0 {
			s.top[j] = s.top[i]
			s.top[i] = 0
		}
	}
}

// moveBottomToTop migrates tail entries that now fall inside the window
// (at or better than tkBegin) back into dense storage.
func (s *ArraySide) moveBottomToTop() {
	for tk, qty := range s.bottom {
		if !s.dir.better(s.tkBegin, tk) {
			s.top[s.dir.toRelative(s.tkBegin, tk)] = qty
			delete(s.bottom, tk)
		}
	}
}

// nextBestLevel scans toward the tail for the next non-zero window level
// below the inside, returning the empty tick if the window is exhausted.
func (s *ArraySide) nextBestLevel() types.TickIndex {
	rel := s.dir.toRelative(s.tkBegin, s.tkInside)
	for rel > 0 {
		rel--
		if s.top[rel] != 0 {
			return s.dir.fromRelative(s.tkBegin, rel)
		}
	}
	return s.dir.emptyTick()
}

// bestBottomLevel returns the best tick in the tail map.
func (s *ArraySide) bestBottomLevel() types.TickIndex {
	best := types.TickIndex(-1)
	for tk := range s.bottom {
		if best < 0 || s.dir.better(tk, best) {
			best = tk
		}
	}
	return best
}

func (s *ArraySide) relativeWorstTopLevel() int {
	for i := range s.top {
		if s.top[i] != 0 {
			return i
		}
	}
	return 0
}

func (s *ArraySide) topLevelsCount() int {
	if s.tkInside == s.dir.emptyTick() {
		return 0
	}
	relInside := s.dir.toRelative(s.tkBegin, s.tkInside)
	n := 0
	for i := 0; i <= relInside; i++ {
		if s.top[i] != 0 {
			n++
		}
	}
	return n
}
