package quiver

import (
	"log/slog"

	"github.com/quiverdb/quiver/resource"
)

type options struct {
	logger           *Logger
	metricsCollector MetricsCollector
	resourceConfig   resource.Config
	blockCacheBytes  int64
	conflictRetries  int
	indexStaleness   uint64 // 0 = unlimited
}

// Option configures a connection.
type Option func(*options)

// DefaultConflictRetries is how many times a writer rebases and retries
// after losing a publish race before giving up with ErrWriteConflict.
const DefaultConflictRetries = 5

// WithLogger configures structured logging for operations.
// The default discards all output.
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithMetricsCollector configures a metrics collector for monitoring
// operations. The default collects nothing.
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc != nil {
			o.metricsCollector = mc
		}
	}
}

// WithResourceConfig bounds background work: concurrent index builds, their
// blobstore throughput and scan memory.
func WithResourceConfig(cfg resource.Config) Option {
	return func(o *options) {
		o.resourceConfig = cfg
	}
}

// WithBlockCache layers an LRU block cache of the given byte size over the
// blobstore, so repeated queries avoid re-fetching hot fragment blocks.
// Most useful over object-store backends.
func WithBlockCache(bytes int64) Option {
	return func(o *options) {
		o.blockCacheBytes = bytes
	}
}

// WithConflictRetries sets the publish retry budget for writes.
// Values below 1 keep the default.
func WithConflictRetries(n int) Option {
	return func(o *options) {
		if n >= 1 {
			o.conflictRetries = n
		}
	}
}

// WithIndexStaleness sets how many versions an index artifact may trail
// the queried snapshot and still be used; fragments created after the
// artifact are always scanned exactly, so this trades latency, not
// correctness. 0 (the default) means no horizon.
func WithIndexStaleness(versions uint64) Option {
	return func(o *options) {
		o.indexStaleness = versions
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		logger:           NoopLogger(),
		metricsCollector: NoopMetricsCollector{},
		conflictRetries:  DefaultConflictRetries,
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}
