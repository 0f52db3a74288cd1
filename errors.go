package cmsketch

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidDimensions is returned when a sketch is created with a zero
	// width or depth.
	ErrInvalidDimensions = errors.New("cmsketch: width and depth must be positive")

	// ErrInvalidAccuracy is returned when epsilon or delta is outside (0, 1).
	ErrInvalidAccuracy = errors.New("cmsketch: epsilon and delta must be in (0, 1)")

	// ErrInvalidWindow is returned when a rate counter is configured with a
	// non-positive window duration or window count, or with durations that
	// do not increase.
	ErrInvalidWindow = errors.New("cmsketch: invalid rate window")

	// ErrAllocation is returned when the counter storage for a sketch cannot
	// be obtained.
	ErrAllocation = errors.New("cmsketch: cannot allocate counters")

	// ErrIndexCount is returned when an index slice does not hold exactly
	// one index per row.
	ErrIndexCount = errors.New("cmsketch: index count does not match depth")

	// ErrInvalidIndex is wrapped by *IndexError.
	ErrInvalidIndex = errors.New("cmsketch: index out of range")

	// ErrCounterUnderflow is returned when a decrement hit a counter that was
	// already zero. The counter saturates at zero and the remaining rows are
	// still updated.
	ErrCounterUnderflow = errors.New("cmsketch: counter underflow")

	// ErrDimensionMismatch is wrapped by *DimensionError.
	ErrDimensionMismatch = errors.New("cmsketch: dimension mismatch")

	// ErrHasherMismatch is returned when merging counters that hash keys
	// differently.
	ErrHasherMismatch = errors.New("cmsketch: hasher mismatch")

	// ErrDestroyed is returned by operations on a destroyed sketch.
	ErrDestroyed = errors.New("cmsketch: sketch destroyed")

	// ErrCorruptSnapshot is returned when a snapshot cannot be decoded.
	ErrCorruptSnapshot = errors.New("cmsketch: corrupt snapshot")
)

// IndexError reports a column index that is not below the sketch width.
type IndexError struct {
	Row   int
	Index uint32
	Width uint32
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("cmsketch: index %d in row %d out of range [0, %d)", e.Index, e.Row, e.Width)
}

func (e *IndexError) Unwrap() error { return ErrInvalidIndex }

// DimensionError reports two sketches whose shapes differ.
type DimensionError struct {
	Width, Depth           uint32
	OtherWidth, OtherDepth uint32
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("cmsketch: dimension mismatch: %dx%d vs %dx%d",
		e.Depth, e.Width, e.OtherDepth, e.OtherWidth)
}

func (e *DimensionError) Unwrap() error { return ErrDimensionMismatch }
