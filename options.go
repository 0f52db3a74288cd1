package cmsketch

import "time"

type options struct {
	hasher Hasher
	logger *Logger
	clock  func() time.Time
}

// Option configures a Counter or one of the rate counters.
type Option func(*options)

// WithHasher sets the hasher that maps keys to column indices. The default
// is the zero Hasher (FNV1).
func WithHasher(h Hasher) Option {
	return func(o *options) {
		o.hasher = h
	}
}

// WithLogger sets the logger. If nil is passed, logging is disabled.
func WithLogger(l *Logger) Option {
	return func(o *options) {
		if l == nil {
			l = NoopLogger()
		}
		o.logger = l
	}
}

// WithClock sets the time source of RollingCounter and RollupCounter.
// Counters ignore it.
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		o.clock = clock
	}
}

func applyOptions(opts []Option) options {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = NoopLogger()
	}
	if o.clock == nil {
		o.clock = time.Now
	}
	return o
}
