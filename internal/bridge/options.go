package bridge

import (
	"log/slog"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/paveg/gorillabind/internal/logging"
	"github.com/paveg/gorillabind/internal/monitoring"
)

const defaultReleaseTimeout = 3 * time.Second

type options struct {
	queueDepth     int
	mem            memory.Allocator
	log            *slog.Logger
	metrics        *monitoring.BridgeMetrics
	releaseTimeout time.Duration
}

// Option configures a Dispatcher or DeferredPool.
type Option func(*options)

// WithQueueDepth sets the dispatcher inbound buffer size.
func WithQueueDepth(n int) Option {
	return func(o *options) {
		o.queueDepth = n
	}
}

// WithAllocator sets the allocator used for batches built on the host side.
func WithAllocator(mem memory.Allocator) Option {
	return func(o *options) {
		o.mem = mem
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.log = l
	}
}

// WithMetrics attaches prometheus metrics.
func WithMetrics(m *monitoring.BridgeMetrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithReleaseTimeout bounds how long DeferredPool.Close waits for pool goroutines.
func WithReleaseTimeout(d time.Duration) Option {
	return func(o *options) {
		o.releaseTimeout = d
	}
}

func buildOptions(opts []Option) options {
	o := options{
		queueDepth:     DefaultQueueDepth,
		releaseTimeout: defaultReleaseTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.mem == nil {
		o.mem = memory.NewGoAllocator()
	}
	if o.log == nil {
		o.log = logging.Get()
	}
	return o
}
