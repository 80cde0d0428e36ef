// Package gorillabind lets a multi-threaded columnar engine call back into a
// single-threaded host interpreter. This package is the sole public API for
// the library.
//
// A Session owns the host-execution goroutine: whichever goroutine calls Open
// becomes the only goroutine allowed to run host closures. Engine operators
// run on worker goroutines and reach the host through the bridge, while the
// session pumps requests on the host goroutine until the operator returns.
//
// Basic usage:
//
//	s, err := gorillabind.Open()
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer s.Close()
//
//	double := s.Lambda("double", func(args ...gorillabind.Value) (gorillabind.Value, error) {
//		in := args[0].([]float64)
//		out := make([]float64, len(in))
//		for i, x := range in {
//			out[i] = x * 2
//		}
//		return out, nil
//	})
//	defer double.Release()
//
//	batch, _ := gorillabind.NewBatch([]float64{1, 2, 3}, nil)
//	defer batch.Release()
//
//	result, err := s.MapBatches(ctx, batch, double)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer result.Release()
//
// Deferred work does not keep a worker waiting for the host. It is described
// by a Snapshot of a global host function and its arguments, executed on the
// session's deferred pool, and collected with Await:
//
//	snap, _ := s.Snapshot("double")
//	task, _ := s.Submit(snap, batch)
//	result, err := s.Await(task)
//
// Errors from the bridge are typed. Use errors.Is with ErrDisconnected,
// ErrCallbackFailed and the other sentinels below to classify them.
package gorillabind

import (
	"context"
	"log/slog"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/paveg/gorillabind/internal/bridge"
	"github.com/paveg/gorillabind/internal/config"
	"github.com/paveg/gorillabind/internal/errors"
	"github.com/paveg/gorillabind/internal/host"
	"github.com/paveg/gorillabind/internal/logging"
	"github.com/paveg/gorillabind/internal/monitoring"
	"github.com/paveg/gorillabind/internal/ops"
	"github.com/paveg/gorillabind/internal/series"
)

// Value is a host interpreter value: float64, string, bool, the matching
// slices, or nil.
type Value = host.Value

// Func is the signature of a host function. Payload arguments come first,
// followed by any bound arguments.
type Func = host.Func

// Snapshot is a serialized reference to a global host function and its
// materialized arguments. It can be executed on any goroutine's behalf.
type Snapshot = host.Snapshot

// Task is a deferred call submitted with Session.Submit.
type Task = bridge.Task

// Config is the library configuration.
type Config = config.Config

// Error sentinels. Match them with errors.Is.
var (
	ErrUninitialized    = errors.ErrUninitialized
	ErrDisconnected     = errors.ErrDisconnected
	ErrShapeMismatch    = errors.ErrShapeMismatch
	ErrCallbackFailed   = errors.ErrCallbackFailed
	ErrDoubleResolve    = errors.ErrDoubleResolve
	ErrMismatchedLength = errors.ErrMismatchedLength
	ErrNilCallback      = errors.ErrNilHandle
)

// ISeries provides a type-erased interface for Series of any type
type ISeries interface {
	Name() string
	Len() int
	DataType() arrow.DataType
	IsNull(index int) bool
	String() string
	Array() arrow.Array
	Release()
}

// NewSeries creates a named Series from a slice.
// Supported types are float64, int64, int32, float32, string and bool.
func NewSeries[T any](name string, values []T, mem memory.Allocator) ISeries {
	return series.New(name, values, mem)
}

// NewBatch builds an arrow batch from a slice. mem may be nil.
func NewBatch(values any, mem memory.Allocator) (arrow.Array, error) {
	return series.BuildArray(values, mem)
}

// NewConfig returns the default configuration.
func NewConfig() Config {
	return config.NewConfig()
}

// DefaultConfig returns the configuration Open uses when no WithConfig
// option is given.
func DefaultConfig() Config {
	return config.GetGlobalConfig()
}

// SetDefaultConfig replaces the configuration Open uses when no WithConfig
// option is given. Sessions already open are unaffected.
func SetDefaultConfig(cfg Config) {
	config.SetGlobalConfig(cfg)
}

// LoadConfig reads a JSON or YAML configuration file.
func LoadConfig(path string) (Config, error) {
	return config.LoadFromFile(path)
}

type sessionOptions struct {
	cfg      config.Config
	registry *bridge.Registry
	log      *slog.Logger
	mem      memory.Allocator
}

// Option configures Open.
type Option func(*sessionOptions)

// WithConfig sets the session configuration. The default is the global
// configuration.
func WithConfig(cfg Config) Option {
	return func(o *sessionOptions) {
		o.cfg = cfg
	}
}

// WithIsolatedRegistry gives the session its own registry instead of the
// process-wide one, so several sessions can coexist in one process.
func WithIsolatedRegistry() Option {
	return func(o *sessionOptions) {
		o.registry = bridge.NewRegistry()
	}
}

// WithLogger sets the logger. The default is built from the configuration.
func WithLogger(l *slog.Logger) Option {
	return func(o *sessionOptions) {
		o.log = l
	}
}

// WithAllocator sets the allocator for batches produced by the session.
func WithAllocator(mem memory.Allocator) Option {
	return func(o *sessionOptions) {
		o.mem = mem
	}
}

// Session binds one host interpreter to the engine. All methods except Close
// must be called from the goroutine that called Open.
type Session struct {
	interp    *host.Interpreter
	disp      *bridge.Dispatcher
	engine    *ops.Engine
	deferred  *bridge.DeferredPool
	collector *monitoring.MetricsCollector
	gatherer  *prometheus.Registry
	cfg       config.Config
	log       *slog.Logger

	closeOnce sync.Once
}

// Open creates a session whose host-execution goroutine is the caller.
// A registry serves one session for its whole life, so opening a second
// session on the process-wide registry fails.
func Open(opts ...Option) (*Session, error) {
	o := sessionOptions{cfg: config.GetGlobalConfig()}
	for _, opt := range opts {
		opt(&o)
	}

	cfg := o.cfg.WithDefaults()
	_, warnings, err := config.NewConfigValidator().Validate(cfg)
	if err != nil {
		return nil, err
	}
	if o.registry == nil {
		o.registry = bridge.Default()
	}
	if o.log == nil {
		o.log = logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	}
	if o.mem == nil {
		o.mem = memory.NewGoAllocator()
	}

	var collector *monitoring.MetricsCollector
	if cfg.MetricsCollection {
		collector = monitoring.NewMetricsCollector(true)
		monitoring.SetGlobalCollector(collector)
	}
	gatherer := prometheus.NewRegistry()
	metrics := monitoring.NewBridgeMetrics(gatherer, collector)

	bopts := []bridge.Option{
		bridge.WithQueueDepth(cfg.QueueDepth),
		bridge.WithAllocator(o.mem),
		bridge.WithLogger(o.log),
		bridge.WithMetrics(metrics),
	}

	interp := host.New()
	disp, err := bridge.NewDispatcher(o.registry, interp, bopts...)
	if err != nil {
		return nil, err
	}
	deferred, err := bridge.NewDeferredPool(o.registry, cfg.DeferredPoolSize, bopts...)
	if err != nil {
		disp.Close()
		return nil, err
	}

	for _, w := range warnings {
		o.log.Debug("configuration advice", "detail", w)
	}
	sys := config.GetSystemInfo()
	o.log.Info("gorillabind session opened",
		"workers", cfg.Workers(),
		"deferred_pool", cfg.DeferredPoolSize,
		"queue_depth", cfg.QueueDepth,
		"cpus", sys.CPUCount,
		"platform", sys.OSType+"/"+sys.Architecture,
	)

	return &Session{
		interp:    interp,
		disp:      disp,
		engine:    ops.NewEngine(o.registry, cfg, ops.WithAllocator(o.mem), ops.WithLogger(o.log)),
		deferred:  deferred,
		collector: collector,
		gatherer:  gatherer,
		cfg:       cfg,
		log:       o.log,
	}, nil
}

// Config returns the effective configuration.
func (s *Session) Config() Config {
	return s.cfg
}

// Define installs a global host function. Only global functions can be
// named by a Snapshot.
func (s *Session) Define(name string, fn Func) {
	s.interp.Define(name, fn)
}

// Functions lists the global host functions.
func (s *Session) Functions() []string {
	return s.interp.Names()
}

// Callback returns a callback for a global host function.
func (s *Session) Callback(name string) (*Callback, error) {
	c, err := s.interp.Lookup(name)
	if err != nil {
		return nil, err
	}
	return &Callback{h: s.disp.Register(c)}, nil
}

// Lambda registers an anonymous closure and returns a callback for it.
// name only labels the closure in errors and metrics.
func (s *Session) Lambda(name string, fn Func) *Callback {
	return &Callback{h: s.disp.Register(s.interp.Lambda(name, fn))}
}

// Snapshot serializes a call to the global function name with bound args.
func (s *Session) Snapshot(name string, args ...Value) (Snapshot, error) {
	c, err := s.interp.Lookup(name)
	if err != nil {
		return nil, err
	}
	return s.interp.Snapshot(c.With(args...))
}

// MapOption adjusts a map operator. See WithOutputType and AggList.
type MapOption = ops.MapOption

// WithOutputType declares the type of a map result. Numeric callback
// results are cast to it.
func WithOutputType(dtype arrow.DataType) MapOption {
	return ops.WithOutputType(dtype)
}

// AggList passes the whole input to a single callback call.
func AggList() MapOption {
	return ops.AggList()
}

// MapBatches applies cb to every chunk of arr and concatenates the results
// in order.
func (s *Session) MapBatches(ctx context.Context, arr arrow.Array, cb *Callback, opts ...MapOption) (arrow.Array, error) {
	return drive(s, func() (arrow.Array, error) {
		return s.engine.MapBatches(ctx, arr, cb.handle(), opts...)
	})
}

// MapBatchesWith is MapBatches with a scalar parameter passed after each chunk.
func (s *Session) MapBatchesWith(ctx context.Context, arr arrow.Array, param float64, cb *Callback, opts ...MapOption) (arrow.Array, error) {
	return drive(s, func() (arrow.Array, error) {
		return s.engine.MapBatchesWith(ctx, arr, param, cb.handle(), opts...)
	})
}

// Filter keeps the rows of arr for which the predicate cb returns true. A
// null predicate entry drops its row; kept null rows stay null.
func (s *Session) Filter(ctx context.Context, arr arrow.Array, cb *Callback) (arrow.Array, error) {
	return drive(s, func() (arrow.Array, error) {
		return s.engine.Filter(ctx, arr, cb.handle())
	})
}

// Aggregate reduces every chunk of arr to a scalar with cb.
func (s *Session) Aggregate(ctx context.Context, arr arrow.Array, cb *Callback) ([]float64, error) {
	return drive(s, func() ([]float64, error) {
		return s.engine.Aggregate(ctx, arr, cb.handle())
	})
}

// RenameColumns maps every column name through cb.
func (s *Session) RenameColumns(ctx context.Context, names []string, cb *Callback) ([]string, error) {
	return drive(s, func() ([]string, error) {
		return s.engine.NameMap(ctx, names, cb.handle())
	})
}

// FieldNames asks cb for the name of each of n struct fields by index.
func (s *Session) FieldNames(ctx context.Context, n int, cb *Callback) ([]string, error) {
	return drive(s, func() ([]string, error) {
		return s.engine.FieldNames(ctx, n, cb.handle())
	})
}

// MapBatchesInBackground is MapBatches through the deferred pool.
func (s *Session) MapBatchesInBackground(ctx context.Context, arr arrow.Array, snap Snapshot, opts ...MapOption) (arrow.Array, error) {
	return drive(s, func() (arrow.Array, error) {
		return s.engine.MapBatchesInBackground(ctx, arr, snap, s.deferred, opts...)
	})
}

// MapElementsInBackground runs snap once per row of arr on the deferred
// pool. Each call must return a single value.
func (s *Session) MapElementsInBackground(ctx context.Context, arr arrow.Array, snap Snapshot, opts ...MapOption) (arrow.Array, error) {
	return drive(s, func() (arrow.Array, error) {
		return s.engine.MapElementsInBackground(ctx, arr, snap, s.deferred, opts...)
	})
}

// Submit queues a deferred call of snap on batch. The caller keeps its own
// reference to batch.
func (s *Session) Submit(snap Snapshot, batch arrow.Array) (*Task, error) {
	return s.deferred.Submit(snap, batch)
}

// Await serves host requests until t completes and returns its batch.
func (s *Session) Await(t *Task) (arrow.Array, error) {
	p, err := s.disp.Await(t)
	if err != nil {
		return nil, err
	}
	return p.Batch, nil
}

// Pump serves every queued host request without blocking and returns how
// many it served. Hosts with their own event loop call it periodically.
func (s *Session) Pump() int {
	return s.disp.TryPump()
}

// Run serves host requests until ctx is done or the session is closed.
func (s *Session) Run(ctx context.Context) error {
	return s.disp.Run(ctx)
}

// Stats describes the session's bridge activity.
type Stats struct {
	Served      uint64                    `json:"served"`
	Registered  int                       `json:"registered"`
	HostCalls   uint64                    `json:"host_calls"`
	Backlog     int                       `json:"deferred_backlog"`
	Workers     int                       `json:"workers"`
	DeferredCap int                       `json:"deferred_pool_size"`
	Channels    int64                     `json:"deferred_channels"`
	Summary     monitoring.MetricsSummary `json:"summary"`
}

// Stats returns a snapshot of the session's counters.
func (s *Session) Stats() Stats {
	st := Stats{
		Served:      s.disp.Served(),
		Registered:  s.disp.Registered(),
		HostCalls:   s.interp.Calls(),
		Backlog:     s.deferred.Backlog(),
		Workers:     s.cfg.Workers(),
		DeferredCap: s.deferred.Size(),
		Channels:    s.deferred.Channels(),
	}
	if s.collector != nil {
		st.Summary = s.collector.GetSummary()
	}
	return st
}

// Gatherer exposes the session's prometheus metrics.
func (s *Session) Gatherer() prometheus.Gatherer {
	return s.gatherer
}

// MonitoringServer returns an HTTP server exposing /metrics, /stats and
// /health on the configured port. The caller starts and stops it.
func (s *Session) MonitoringServer() *monitoring.Server {
	collector := s.collector
	if collector == nil {
		collector = monitoring.NewMetricsCollector(false)
	}
	return monitoring.NewMonitoringServer(collector, s.gatherer, s.cfg.MetricsPort)
}

// Close tears the bridge down. Workers waiting on the host get
// ErrDisconnected. Safe from any goroutine and idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.disp.Close()
		s.deferred.Close()
		s.engine.Close()
		if s.collector != nil && monitoring.GetGlobalCollector() == s.collector {
			monitoring.DisableGlobalMonitoring()
		}
	})
}

// drive runs fn on an engine goroutine while the caller serves host requests.
func drive[T any](s *Session, fn func() (T, error)) (T, error) {
	var out T
	err := s.disp.Drive(func() error {
		var err error
		out, err = fn()
		return err
	})
	return out, err
}

// Callback is a reference to a host closure that engine goroutines can carry.
// It cannot be invoked directly; operators route calls to the host goroutine.
type Callback struct {
	h *bridge.Handle
}

// Name returns the closure's name.
func (c *Callback) Name() string {
	if c == nil {
		return ""
	}
	return c.h.Name()
}

// Bind returns a new callback that passes args after the payload on every
// call. It must be released separately.
func (c *Callback) Bind(args ...Value) *Callback {
	return &Callback{h: c.h.Bind(args...)}
}

// Clone returns another reference to the same closure.
func (c *Callback) Clone() *Callback {
	return &Callback{h: c.h.Clone()}
}

// Release drops this reference. The closure is freed on the host once every
// reference is released. Releasing twice returns ErrDoubleResolve.
func (c *Callback) Release() error {
	return c.h.Release()
}

func (c *Callback) handle() *bridge.Handle {
	if c == nil {
		return nil
	}
	return c.h
}
