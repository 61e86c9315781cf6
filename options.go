package dasdb

import "github.com/datacratic/dasdb/mmapfile"

// Perm is the access mask for an open file handle.
type Perm = mmapfile.Perm

const (
	// Read grants lookups and iteration.
	Read = mmapfile.Read
	// Write grants region allocation and store mutation.
	Write = mmapfile.Write
	// ReadWrite grants both.
	ReadWrite = mmapfile.ReadWrite
)

type options struct {
	create       bool
	perm         Perm
	initialPages int
	logger       *Logger
	metrics      MetricsCollector
}

// Option configures Open behavior.
type Option func(*options)

// Create makes Open initialize the backing file if the path is absent or
// empty. An existing file at the path must carry a recognizable layout.
func Create() Option {
	return func(o *options) {
		o.create = true
	}
}

// ReadOnly opens the file with the Read permission only. Region allocation
// and every mutating store operation fail with ErrCapability.
func ReadOnly() Option {
	return func(o *options) {
		o.perm = Read
	}
}

// WithPerm sets an explicit permission mask. The mask must be a non-empty
// subset of ReadWrite; anything else fails with ErrInvalidArgument.
func WithPerm(p Perm) Option {
	return func(o *options) {
		o.perm = p
	}
}

// WithInitialPages sets the initial file size in pages. Only honored
// together with Create; the default is 64 pages.
func WithInitialPages(n int) Option {
	return func(o *options) {
		o.initialPages = n
	}
}

// WithLogger sets the structured logger. If nil, logging is disabled.
func WithLogger(l *Logger) Option {
	return func(o *options) {
		if l == nil {
			l = NoopLogger()
		}
		o.logger = l
	}
}

// WithMetrics sets a metrics collector for monitoring operations.
// Pass nil to disable metrics collection.
func WithMetrics(m MetricsCollector) Option {
	return func(o *options) {
		if m == nil {
			m = NoopMetricsCollector{}
		}
		o.metrics = m
	}
}
