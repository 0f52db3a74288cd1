package cmsketch

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"sync"
	"time"
)

// RateSketch tracks the rate at which keys are observed.
type RateSketch interface {
	// Count records delta occurrences of key, returning the updated observed
	// rate over the given interval. If interval is smaller than time.Second,
	// or the available data covers less than a second, then 0 is returned.
	Count(key []byte, delta int, interval time.Duration) float64

	// Query returns the observed rate of the given key over the given interval.
	// If interval is smaller than time.Second, or the available data covers
	// less than a second, then 0 is returned.
	Query(key []byte, interval time.Duration) float64
}

// window is a Counter covering the time from Start until the next window
// starts (or now, for the newest window).
type window struct {
	Counter *Counter
	Start   time.Time
}

// RollingCounter maintains a series of count-min sketches to count events in
// time-based windows. Counts are always applied to the newest window, which
// is replaced once it is older than interval. Rate queries combine as many
// windows as the query interval needs, scaling the oldest one down when the
// interval starts inside it.
//
// At most num windows are kept; starting one more forgets the oldest.
func RollingCounter(epsilon, delta float64, interval time.Duration, num int, opts ...Option) (RateSketch, error) {
	return newRollingCounter(epsilon, delta, interval, num, applyOptions(opts))
}

func newRollingCounter(epsilon, delta float64, interval time.Duration, num int, o options) (*rollingCounter, error) {
	if interval <= 0 || num < 1 {
		return nil, ErrInvalidWindow
	}
	if _, _, err := Dimensions(epsilon, delta); err != nil {
		return nil, err
	}
	return &rollingCounter{
		Epsilon:    epsilon,
		Delta:      delta,
		Interval:   interval,
		MaxWindows: num,
		opts:       o,
	}, nil
}

type rollingCounter struct {
	Epsilon    float64       // Epsilon of each window's counter.
	Delta      float64       // Delta of each window's counter.
	Interval   time.Duration // The duration covered by each window.
	MaxWindows int

	opts    options
	m       sync.Mutex
	windows []window
}

func (rl *rollingCounter) newCounter() *Counter {
	c, err := NewCounter(rl.Epsilon, rl.Delta, WithHasher(rl.opts.hasher), WithLogger(rl.opts.logger))
	if err != nil {
		// Dimensions accepted these parameters in newRollingCounter (or
		// GobDecode), so New cannot fail.
		panic(err)
	}
	return c
}

// advance starts a new window at now if there is none yet or the newest one
// has run for a full interval.
func (rl *rollingCounter) advance(now time.Time) {
	n := len(rl.windows)
	if n > 0 && now.Sub(rl.windows[n-1].Start) < rl.Interval {
		return
	}
	w := window{Counter: rl.newCounter(), Start: now}
	evicted := n >= rl.MaxWindows
	if evicted {
		copy(rl.windows, rl.windows[1:])
		rl.windows[n-1] = w
	} else {
		rl.windows = append(rl.windows, w)
	}
	rl.opts.logger.LogWindow(context.Background(), len(rl.windows), evicted)
}

// span adds up the count of key over the interval ending at now, walking
// from the newest window back. It returns the count and the duration that
// the visited windows actually cover. If latest is non-zero it is used as the
// newest window's count instead of querying it again.
func (rl *rollingCounter) span(key []byte, now time.Time, interval time.Duration, latest uint64) (float64, time.Duration) {
	var (
		total   float64
		covered time.Duration
	)

	from := now.Add(-interval)
	newest := len(rl.windows) - 1
	for i := newest; i >= 0 && interval > 0; i-- {
		w := rl.windows[i]
		d := now.Sub(w.Start)
		if d <= 0 {
			continue
		}
		interval -= d

		n := float64(latest)
		if i != newest || latest == 0 {
			n = float64(w.Counter.Query(key))
		}

		// The interval starts inside this window: count only the part of it
		// that falls after from.
		if from.After(w.Start) {
			end := w.Start.Add(rl.Interval)
			if end.After(now) {
				end = now
			}
			part := end.Sub(from)
			if d-part > rl.Interval {
				break
			}
			n = n * float64(part) / float64(d)
			d = now.Sub(from)
		}

		total += n
		covered += d
		now = w.Start
	}
	if covered < time.Second {
		return 0, 0
	}
	return total, covered
}

func (rl *rollingCounter) add(key []byte, delta int, now time.Time, interval time.Duration) (float64, time.Duration) {
	rl.advance(now)
	latest := rl.windows[len(rl.windows)-1].Counter.Count(key, delta)
	return rl.span(key, now, interval, latest)
}

func perSecond(n float64, d time.Duration) float64 {
	if d == 0 {
		return 0
	}
	return (n / float64(d)) * float64(time.Second)
}

// Query returns the observed rate of the given key over the given interval.
// If interval is smaller than time.Second, or the available data covers
// less than a second, then 0 is returned.
func (rl *rollingCounter) Query(key []byte, interval time.Duration) float64 {
	rl.m.Lock()
	defer rl.m.Unlock()

	if len(rl.windows) == 0 {
		return 0
	}
	return perSecond(rl.span(key, rl.opts.clock(), interval, 0))
}

// Count records delta occurrences of key, returning the updated observed
// rate over the given interval. If interval is smaller than time.Second,
// or the available data covers less than a second, then 0 is returned.
func (rl *rollingCounter) Count(key []byte, delta int, interval time.Duration) float64 {
	rl.m.Lock()
	defer rl.m.Unlock()

	return perSecond(rl.add(key, delta, rl.opts.clock(), interval))
}

type rollingState struct {
	Epsilon    float64
	Delta      float64
	Interval   time.Duration
	MaxWindows int
	Hasher     Hasher
	Windows    []window
}

// GobEncode returns the gob encoding of the current state of the counter.
func (rl *rollingCounter) GobEncode() ([]byte, error) {
	rl.m.Lock()
	defer rl.m.Unlock()

	buf := &bytes.Buffer{}
	err := gob.NewEncoder(buf).Encode(rollingState{
		Epsilon:    rl.Epsilon,
		Delta:      rl.Delta,
		Interval:   rl.Interval,
		MaxWindows: rl.MaxWindows,
		Hasher:     rl.opts.hasher,
		Windows:    rl.windows,
	})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// GobDecode resets the counter to the gob-encoded state provided in data.
// The clock and logger of the receiver are kept.
func (rl *rollingCounter) GobDecode(data []byte) error {
	rl.m.Lock()
	defer rl.m.Unlock()

	var st rollingState
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&st); err != nil {
		return err
	}
	if st.Interval <= 0 || st.MaxWindows < 1 || len(st.Windows) > st.MaxWindows {
		return ErrCorruptSnapshot
	}
	if _, _, err := Dimensions(st.Epsilon, st.Delta); err != nil {
		return fmt.Errorf("%w: %w", ErrCorruptSnapshot, err)
	}
	if rl.opts.logger == nil {
		rl.opts = applyOptions(nil)
	}
	for _, w := range st.Windows {
		if w.Counter == nil {
			return ErrCorruptSnapshot
		}
		w.Counter.logger = rl.opts.logger.WithSketch(w.Counter.sketch.width, w.Counter.sketch.depth)
	}
	rl.Epsilon = st.Epsilon
	rl.Delta = st.Delta
	rl.Interval = st.Interval
	rl.MaxWindows = st.MaxWindows
	rl.opts.hasher = st.Hasher
	rl.windows = st.Windows
	return nil
}

// RollupCounter cascades rolling counters of increasing window size, so
// that recent activity is tracked at fine resolution and older activity at
// coarse resolution. Level i uses windows of durations[i] and keeps enough
// of them to cover durations[i+1].
func RollupCounter(epsilon, delta float64, durations []time.Duration, opts ...Option) (RateSketch, error) {
	if len(durations) < 2 {
		return nil, ErrInvalidWindow
	}
	o := applyOptions(opts)
	rc := &rollupCounter{
		Levels: make([]*rollingCounter, len(durations)-1),
		clock:  o.clock,
	}
	for i := 1; i < len(durations); i++ {
		from, to := durations[i-1], durations[i]
		if from <= 0 || to <= from {
			return nil, ErrInvalidWindow
		}
		num := int(to / from)
		if to%from > 0 {
			num++
		}
		level, err := newRollingCounter(epsilon, delta, from, num, o)
		if err != nil {
			return nil, err
		}
		rc.Levels[i-1] = level
	}
	return rc, nil
}

type rollupCounter struct {
	Levels []*rollingCounter

	clock func() time.Time
	m     sync.Mutex
}

// Query returns the observed rate of the given key over the given interval.
// If interval is smaller than time.Second, or the available data covers
// less than a second, then 0 is returned.
func (rc *rollupCounter) Query(key []byte, interval time.Duration) float64 {
	rc.m.Lock()
	defer rc.m.Unlock()

	now := rc.clock()
	var (
		total   float64
		covered time.Duration
	)
	for _, level := range rc.Levels {
		if interval <= 0 {
			break
		}
		n, d := level.span(key, now, interval, 0)
		total += n
		covered += d
		now = now.Add(-d)
		interval -= d
	}
	return perSecond(total, covered)
}

// Count records delta occurrences of key in every level, returning the
// updated observed rate over the given interval. If interval is smaller
// than time.Second, or the available data covers less than a second, then
// 0 is returned.
func (rc *rollupCounter) Count(key []byte, delta int, interval time.Duration) float64 {
	rc.m.Lock()
	defer rc.m.Unlock()

	now := rc.clock()
	var (
		total   float64
		covered time.Duration
	)
	for _, level := range rc.Levels {
		interval = max(interval, 0)
		n, d := level.add(key, delta, now, interval)
		total += n
		covered += d
		interval -= d
	}
	return perSecond(total, covered)
}

// GobEncode returns the gob encoding of every level.
func (rc *rollupCounter) GobEncode() ([]byte, error) {
	rc.m.Lock()
	defer rc.m.Unlock()

	buf := &bytes.Buffer{}
	if err := gob.NewEncoder(buf).Encode(rc.Levels); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// GobDecode resets every level to the gob-encoded state in data.
func (rc *rollupCounter) GobDecode(data []byte) error {
	rc.m.Lock()
	defer rc.m.Unlock()

	var levels []*rollingCounter
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&levels); err != nil {
		return err
	}
	if rc.clock == nil {
		rc.clock = time.Now
	}
	rc.Levels = levels
	return nil
}
