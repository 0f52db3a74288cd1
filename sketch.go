package cmsketch

import "math"

// MaxCells is the largest number of counters a single sketch will allocate.
// A snapshot records the counter bytes in a uint32, so no more than
// math.MaxUint32/4 counters fit.
const MaxCells = math.MaxUint32 / 4

// A Sketch is a count-min sketch (http://en.wikipedia.org/wiki/Count-min_sketch)
// over explicit column indices. Each update or estimate takes one column
// index per row; choosing those indices for a key is the caller's job (see
// Hasher).
//
// Counters are unsigned and saturate at both ends: an increment past
// math.MaxUint32 stays at the maximum, and a decrement of a zero counter
// stays at zero and reports ErrCounterUnderflow.
//
// A Sketch is not safe for concurrent use. Wrap it (or the Counter that owns
// it) in a SyncCounter, or otherwise serialize access.
type Sketch struct {
	width      uint32
	depth      uint32
	cells      []uint32 // row-major, depth*width
	total      uint64
	underflows uint64
	destroyed  bool
}

// Stats summarizes the state of a sketch.
type Stats struct {
	Width      uint32
	Depth      uint32
	Cells      uint64
	Occupied   uint64 // counters that are non-zero
	Total      uint64 // net amount added across all updates
	Underflows uint64 // decrements that saturated at zero
}

// New returns a sketch of depth rows by width columns with every counter
// set to zero.
func New(width, depth uint32) (*Sketch, error) {
	if width == 0 || depth == 0 {
		return nil, ErrInvalidDimensions
	}
	if uint64(width)*uint64(depth) > MaxCells {
		return nil, ErrAllocation
	}
	return &Sketch{
		width: width,
		depth: depth,
		cells: make([]uint32, int(width)*int(depth)),
	}, nil
}

// Width returns the number of counters per row.
func (s *Sketch) Width() uint32 { return s.width }

// Depth returns the number of rows.
func (s *Sketch) Depth() uint32 { return s.depth }

// Total returns the net amount added to the sketch since it was created or
// last reset. An increment counts only as much as the row that took the
// most of it, so saturated counters do not inflate the total.
func (s *Sketch) Total() uint64 { return s.total }

// check validates indices before any counter is touched, so a rejected call
// never leaves a partial update behind.
func (s *Sketch) check(indices []uint32) error {
	if s.destroyed {
		return ErrDestroyed
	}
	if len(indices) != int(s.depth) {
		return ErrIndexCount
	}
	for i, col := range indices {
		if col >= s.width {
			return &IndexError{Row: i, Index: col, Width: s.width}
		}
	}
	return nil
}

// Increment adds one to the counter at indices[i] in each row i.
func (s *Sketch) Increment(indices []uint32) error {
	_, err := s.Add(indices, 1)
	return err
}

// Decrement subtracts one from the counter at indices[i] in each row i.
// Counters already at zero stay at zero, and ErrCounterUnderflow is
// returned after the other rows have been updated.
func (s *Sketch) Decrement(indices []uint32) error {
	_, err := s.Add(indices, -1)
	return err
}

// Add applies delta to the counter at indices[i] in each row i and returns
// the updated estimate. A negative delta that would take any counter below
// zero clamps that counter to zero and returns ErrCounterUnderflow along
// with the estimate.
func (s *Sketch) Add(indices []uint32, delta int64) (uint32, error) {
	if err := s.check(indices); err != nil {
		return 0, err
	}

	min := uint32(math.MaxUint32)
	under := false
	added := uint64(0)
	for i, col := range indices {
		k := i*int(s.width) + int(col)
		v, u := saturatingAdd(s.cells[k], delta)
		if v > s.cells[k] {
			added = max(added, uint64(v-s.cells[k]))
		}
		s.cells[k] = v
		if u {
			s.underflows++
			under = true
		}
		if v < min {
			min = v
		}
	}

	if delta >= 0 {
		// Rows that saturated at math.MaxUint32 took less than delta.
		s.total += added
	} else if d := magnitude(delta); d > s.total {
		s.total = 0
	} else {
		s.total -= d
	}

	if under {
		return min, ErrCounterUnderflow
	}
	return min, nil
}

// Estimate returns the smallest counter among the indexed cells of every
// row. Collisions only ever inflate counters, so this is the tightest upper
// bound the sketch can give on the true count.
func (s *Sketch) Estimate(indices []uint32) (uint32, error) {
	if err := s.check(indices); err != nil {
		return 0, err
	}

	min := uint32(math.MaxUint32)
	for i, col := range indices {
		if v := s.cells[i*int(s.width)+int(col)]; v < min {
			min = v
		}
	}
	return min, nil
}

// Reset sets every counter back to zero. The dimensions and storage of the
// sketch are kept, so it behaves like a freshly created one afterwards.
func (s *Sketch) Reset() {
	clear(s.cells)
	s.total = 0
	s.underflows = 0
}

// Destroy releases the counters. Any later update, estimate or merge
// returns ErrDestroyed. Calling Destroy more than once is harmless.
func (s *Sketch) Destroy() {
	s.cells = nil
	s.total = 0
	s.underflows = 0
	s.destroyed = true
}

// Merge adds the counters of other into s. Both sketches must have the same
// shape, and their indices must have been produced by the same hasher for
// the result to mean anything.
func (s *Sketch) Merge(other *Sketch) error {
	if s.destroyed || other.destroyed {
		return ErrDestroyed
	}
	if s.width != other.width || s.depth != other.depth {
		return &DimensionError{
			Width: s.width, Depth: s.depth,
			OtherWidth: other.width, OtherDepth: other.depth,
		}
	}
	for k, v := range other.cells {
		s.cells[k], _ = saturatingAdd(s.cells[k], int64(v))
	}
	s.total += other.total
	s.underflows += other.underflows
	return nil
}

// Clone returns an independent copy of s.
func (s *Sketch) Clone() *Sketch {
	c := *s
	if s.cells != nil {
		c.cells = make([]uint32, len(s.cells))
		copy(c.cells, s.cells)
	}
	return &c
}

// Stats returns a summary of the sketch.
func (s *Sketch) Stats() Stats {
	st := Stats{
		Width:      s.width,
		Depth:      s.depth,
		Cells:      uint64(len(s.cells)),
		Total:      s.total,
		Underflows: s.underflows,
	}
	for _, v := range s.cells {
		if v != 0 {
			st.Occupied++
		}
	}
	return st
}

// row returns the counters of row i.
func (s *Sketch) row(i int) []uint32 {
	w := int(s.width)
	return s.cells[i*w : (i+1)*w]
}

func saturatingAdd(v uint32, delta int64) (uint32, bool) {
	if delta >= 0 {
		if uint64(delta) > uint64(math.MaxUint32-v) {
			return math.MaxUint32, false
		}
		return v + uint32(delta), false
	}
	d := magnitude(delta)
	if d > uint64(v) {
		return 0, true
	}
	return v - uint32(d), false
}

// magnitude returns |delta| for a negative delta without overflowing on
// math.MinInt64.
func magnitude(delta int64) uint64 {
	return uint64(-(delta + 1)) + 1
}
