package cmsketch

import "sync"

// SyncCounter guards a Counter with a read-write lock so that it can be
// shared between goroutines.
type SyncCounter struct {
	m sync.RWMutex
	c *Counter
}

var _ CountSketch = (*SyncCounter)(nil)

// Synchronized wraps c. The caller must not use c directly afterwards.
func Synchronized(c *Counter) *SyncCounter {
	return &SyncCounter{c: c}
}

// Count adds delta to the count of occurrences of the given key.
// Returns the updated estimated count.
func (sc *SyncCounter) Count(key []byte, delta int) uint64 {
	sc.m.Lock()
	defer sc.m.Unlock()
	return sc.c.Count(key, delta)
}

// Query returns the estimated count of the given key.
func (sc *SyncCounter) Query(key []byte) uint64 {
	sc.m.RLock()
	defer sc.m.RUnlock()
	return sc.c.Query(key)
}

// Reset forgets every count.
func (sc *SyncCounter) Reset() {
	sc.m.Lock()
	defer sc.m.Unlock()
	sc.c.Reset()
}

// Merge adds the counts of other into sc.
func (sc *SyncCounter) Merge(other *Counter) error {
	sc.m.Lock()
	defer sc.m.Unlock()
	return sc.c.Merge(other)
}

// Stats returns a summary of the wrapped counter's sketch.
func (sc *SyncCounter) Stats() Stats {
	sc.m.RLock()
	defer sc.m.RUnlock()
	return sc.c.Stats()
}

// Snapshot encodes the wrapped counter's sketch.
func (sc *SyncCounter) Snapshot(c Compression) ([]byte, error) {
	sc.m.RLock()
	defer sc.m.RUnlock()
	return Snapshot(sc.c.sketch, c)
}
