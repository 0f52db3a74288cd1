package cmsketch

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"math"
)

var (
	DefaultEpsilon = 0.999
	DefaultDelta   = 0.99
)

// A CountSketch counts occurrences of keys and returns approximate total
// counts.
type CountSketch interface {
	// Count adds delta to the count of occurrences of the given key.
	// Returns the updated estimated count.
	Count(key []byte, delta int) uint64

	// Query returns the estimated count of the given key.
	Query(key []byte) uint64
}

// maxStackDepth is the deepest sketch whose indices are computed without a
// heap allocation. delta=0.99999999 needs only 19 rows.
const maxStackDepth = 32

// Counter is a keyed count-min sketch: a Sketch plus the Hasher that picks
// its column indices.
type Counter struct {
	epsilon float64
	delta   float64
	hasher  Hasher
	sketch  *Sketch
	logger  *Logger
}

var _ CountSketch = (*Counter)(nil)

// Dimensions returns the sketch width and depth for the given accuracy.
// Queries will be within a factor of epsilon of the true count, with
// probability delta. Zero values are replaced by DefaultEpsilon and
// DefaultDelta.
//
// The closer these parameters are to 1, the greater the storage and
// computation cost. The value of delta determines how many hashes we must
// compute for each key: ceil(ln(1 / (1-delta))). The value of epsilon
// determines the size of the domain we map these hashes to: e / (1-epsilon).
// So, for epsilon=0.999, delta=0.99, we store 2719 counters for each of
// five rows.
//
// Accuracies that would need more than MaxCells counters return
// ErrAllocation.
func Dimensions(epsilon, delta float64) (width, depth uint32, err error) {
	if epsilon == 0 {
		epsilon = DefaultEpsilon
	}
	if delta == 0 {
		delta = DefaultDelta
	}
	if !(epsilon > 0 && epsilon < 1 && delta > 0 && delta < 1) {
		return 0, 0, ErrInvalidAccuracy
	}
	w := math.Ceil(math.E / (1 - epsilon))
	d := math.Ceil(math.Log(1 / (1 - delta)))
	if w*d > MaxCells {
		return 0, 0, ErrAllocation
	}
	return uint32(w), max(uint32(d), 1), nil
}

// NewCounter returns a new, empty counter sized for the given accuracy (see
// Dimensions).
func NewCounter(epsilon, delta float64, opts ...Option) (*Counter, error) {
	width, depth, err := Dimensions(epsilon, delta)
	if err != nil {
		return nil, err
	}
	sketch, err := New(width, depth)
	if err != nil {
		return nil, err
	}
	if epsilon == 0 {
		epsilon = DefaultEpsilon
	}
	if delta == 0 {
		delta = DefaultDelta
	}
	o := applyOptions(opts)
	return &Counter{
		epsilon: epsilon,
		delta:   delta,
		hasher:  o.hasher,
		sketch:  sketch,
		logger:  o.logger.WithSketch(width, depth),
	}, nil
}

// Epsilon returns the accuracy factor the counter was sized for.
func (c *Counter) Epsilon() float64 { return c.epsilon }

// Delta returns the confidence the counter was sized for.
func (c *Counter) Delta() float64 { return c.delta }

// Hasher returns the hasher used to index the sketch.
func (c *Counter) Hasher() Hasher { return c.hasher }

// Sketch returns the underlying sketch.
func (c *Counter) Sketch() *Sketch { return c.sketch }

func (c *Counter) indices(key []byte, buf []uint32) []uint32 {
	return c.hasher.Indices(key, c.sketch.width, c.sketch.depth, buf)
}

// Count adds delta to the count of occurrences of the given key.
// Returns the updated estimated count. Counts never drop below zero.
func (c *Counter) Count(key []byte, delta int) uint64 {
	var buf [maxStackDepth]uint32
	v, err := c.sketch.Add(c.indices(key, buf[:0]), int64(delta))
	if errors.Is(err, ErrCounterUnderflow) {
		c.logger.LogUnderflow(context.Background(), key, delta, v)
	}
	return uint64(v)
}

// Query returns the estimated count of the given key.
func (c *Counter) Query(key []byte) uint64 {
	var buf [maxStackDepth]uint32
	v, _ := c.sketch.Estimate(c.indices(key, buf[:0]))
	return uint64(v)
}

// Reset forgets every count.
func (c *Counter) Reset() {
	c.logger.LogReset(context.Background(), c.sketch.total)
	c.sketch.Reset()
}

// Merge adds the counts of other into c. Both counters must have the same
// dimensions and hasher.
func (c *Counter) Merge(other *Counter) error {
	err := ErrHasherMismatch
	if c.hasher == other.hasher {
		err = c.sketch.Merge(other.sketch)
	}
	c.logger.LogMerge(context.Background(), other.sketch.total, err)
	return err
}

// Stats returns a summary of the underlying sketch.
func (c *Counter) Stats() Stats { return c.sketch.Stats() }

type counterState struct {
	Epsilon float64
	Delta   float64
	Hasher  Hasher
	Sketch  *Sketch
}

// GobEncode returns the gob encoding of the counter.
func (c *Counter) GobEncode() ([]byte, error) {
	buf := &bytes.Buffer{}
	err := gob.NewEncoder(buf).Encode(counterState{
		Epsilon: c.epsilon,
		Delta:   c.delta,
		Hasher:  c.hasher,
		Sketch:  c.sketch,
	})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// GobDecode replaces the counter with the gob-encoded state in data. The
// logger is kept.
func (c *Counter) GobDecode(data []byte) error {
	var st counterState
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&st); err != nil {
		return err
	}
	if st.Sketch == nil {
		return ErrCorruptSnapshot
	}
	c.epsilon = st.Epsilon
	c.delta = st.Delta
	c.hasher = st.Hasher
	c.sketch = st.Sketch
	if c.logger == nil {
		c.logger = NoopLogger()
	}
	c.logger = c.logger.WithSketch(st.Sketch.width, st.Sketch.depth)
	return nil
}
