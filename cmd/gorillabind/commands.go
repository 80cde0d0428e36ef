package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/paveg/gorillabind"
	"github.com/paveg/gorillabind/internal/bridge"
	"github.com/paveg/gorillabind/internal/host"
	"github.com/paveg/gorillabind/internal/logging"
	"github.com/paveg/gorillabind/internal/series"
	"github.com/paveg/gorillabind/internal/validation"
)

const defaultServeInterval = 250 * time.Millisecond

// double is the host function every command calls back into.
func double(args ...host.Value) (host.Value, error) {
	in, ok := args[0].([]float64)
	if !ok {
		return nil, fmt.Errorf("double: expected float64 batch, got %T", args[0])
	}
	out := make([]float64, len(in))
	for i, x := range in {
		out[i] = 2 * x
	}
	return out, nil
}

func ramp(start, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = float64(start + i)
	}
	return out
}

type stressOptions struct {
	workers int
	calls   int
	rows    int
}

// runStress has o.workers goroutines each send o.calls batches through their
// own worker channel while the calling goroutine serves them. Every reply is
// checked against its own request.
func runStress(ctx context.Context, out io.Writer, o stressOptions) error {
	if err := validation.NewCompoundValidator(
		validation.NewCountValidator(o.workers, 1, "stress", "workers"),
		validation.NewCountValidator(o.calls, 1, "stress", "calls"),
		validation.NewCountValidator(o.rows, 1, "stress", "rows"),
	).Validate(); err != nil {
		return err
	}
	cfg := gorillabind.DefaultConfig()
	log := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	interp := host.New()
	interp.Define("double", double)

	reg := bridge.NewRegistry()
	disp, err := bridge.NewDispatcher(reg, interp, bridge.WithQueueDepth(cfg.QueueDepth), bridge.WithLogger(log))
	if err != nil {
		return err
	}
	defer disp.Close()

	closure, err := interp.Lookup("double")
	if err != nil {
		return err
	}
	h := disp.Register(closure)
	defer func() { _ = h.Release() }()

	var mismatches atomic.Int64
	start := time.Now()
	err = disp.Drive(func() error {
		g, gctx := errgroup.WithContext(ctx)
		for w := range o.workers {
			g.Go(func() error {
				ch, err := reg.Acquire()
				if err != nil {
					return err
				}
				defer ch.Close()

				values := make([]float64, o.rows)
				for i := range o.calls {
					if err := gctx.Err(); err != nil {
						return err
					}
					base := float64((w*o.calls + i) * o.rows)
					for j := range values {
						values[j] = base + float64(j)
					}
					if !roundTrip(ch, h, values) {
						mismatches.Add(1)
					}
				}
				return nil
			})
		}
		return g.Wait()
	})
	elapsed := time.Since(start)
	if err != nil {
		return err
	}

	total := o.workers * o.calls
	fmt.Fprintf(out, "workers:    %d\n", o.workers)
	fmt.Fprintf(out, "calls:      %d\n", total)
	fmt.Fprintf(out, "served:     %d\n", disp.Served())
	fmt.Fprintf(out, "elapsed:    %s\n", elapsed)
	fmt.Fprintf(out, "throughput: %.0f calls/s\n", float64(total)/elapsed.Seconds())
	fmt.Fprintf(out, "mismatches: %d\n", mismatches.Load())

	if n := mismatches.Load(); n > 0 {
		return fmt.Errorf("%d replies did not match their request", n)
	}
	return nil
}

// roundTrip sends values through ch and reports whether the reply is their
// doubled values. Transport failures count as mismatches.
func roundTrip(ch *bridge.WorkerChannel, h *bridge.Handle, values []float64) bool {
	batch, err := series.BuildArray(values, nil)
	if err != nil {
		return false
	}
	p, err := ch.Call(bridge.NewBatchRequest(h, batch))
	batch.Release()
	if err != nil {
		return false
	}
	defer p.Release()

	v, err := host.FromArrow(p.Batch)
	if err != nil {
		return false
	}
	got, ok := v.([]float64)
	if !ok || len(got) != len(values) {
		return false
	}
	for i, x := range values {
		if got[i] != 2*x {
			return false
		}
	}
	return true
}

// runBackground submits tasks deferred calls and awaits them in order.
func runBackground(out io.Writer, cfg gorillabind.Config, tasks, rows int) error {
	if err := validation.NewCompoundValidator(
		validation.NewCountValidator(tasks, 1, "background", "tasks"),
		validation.NewCountValidator(rows, 1, "background", "rows"),
	).Validate(); err != nil {
		return err
	}
	s, err := gorillabind.Open(gorillabind.WithConfig(cfg), gorillabind.WithIsolatedRegistry())
	if err != nil {
		return err
	}
	defer s.Close()
	s.Define("double", double)

	snap, err := s.Snapshot("double")
	if err != nil {
		return err
	}

	start := time.Now()
	return gorillabind.WithMemoryManager(func(m *gorillabind.MemoryManager) error {
		pending := make([]*gorillabind.Task, 0, tasks)
		for i := range tasks {
			values := make([]float64, rows)
			for j := range values {
				values[j] = float64(i*rows + j)
			}
			batch, err := gorillabind.NewBatch(values, nil)
			if err != nil {
				return err
			}
			m.Track(batch)

			t, err := s.Submit(snap, batch)
			if err != nil {
				return err
			}
			pending = append(pending, t)
		}

		for i, t := range pending {
			result, err := s.Await(t)
			if err != nil {
				return fmt.Errorf("task %d (%s): %w", i, t.ID(), err)
			}
			m.Track(result)
			if result.Len() != rows {
				return fmt.Errorf("task %d returned %d rows, want %d", i, result.Len(), rows)
			}
		}

		st := s.Stats()
		fmt.Fprintf(out, "tasks:     %d\n", tasks)
		fmt.Fprintf(out, "pool size: %d\n", st.DeferredCap)
		fmt.Fprintf(out, "served:    %d\n", st.Served)
		fmt.Fprintf(out, "elapsed:   %s\n", time.Since(start))
		return nil
	})
}

// runServe exposes the monitoring endpoints and maps a batch every interval
// until ctx is done.
func runServe(ctx context.Context, out io.Writer, cfg gorillabind.Config, interval time.Duration) error {
	if interval <= 0 {
		interval = defaultServeInterval
	}
	cfg.MetricsCollection = true
	s, err := gorillabind.Open(gorillabind.WithConfig(cfg), gorillabind.WithIsolatedRegistry())
	if err != nil {
		return err
	}
	defer s.Close()

	cb := s.Lambda("double", double)
	defer func() { _ = cb.Release() }()

	srv := s.MonitoringServer()
	serveErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()
	defer func() { _ = srv.Stop() }()
	fmt.Fprintf(out, "monitoring on :%d (/metrics, /stats, /health)\n", s.Config().MetricsPort)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var n int
	stopped := func() error {
		fmt.Fprintf(out, "stopped after %d batches\n", n)
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return stopped()
		case err := <-serveErr:
			return err
		case <-ticker.C:
			batch, err := gorillabind.NewBatch(ramp(n, s.Config().ParallelThreshold), nil)
			if err != nil {
				return err
			}
			result, err := s.MapBatches(ctx, batch, cb)
			batch.Release()
			if err != nil {
				// A batch cut short by shutdown is not a failure.
				if ctx.Err() != nil {
					return stopped()
				}
				return err
			}
			result.Release()
			n++
		}
	}
}
