// Package worker runs periodic diagnostic probes against a target and publishes samples.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"nicmon/internal/execx"
	"nicmon/internal/model"
)

// ErrConnectionFailed is returned when the worker's connection failed for good.
var ErrConnectionFailed = errors.New("connection failed terminally")

// Probe collects one payload from a target.
type Probe interface {
	Kind() model.MetricKind
	Collect(ctx context.Context, ex execx.Executor) (any, error)
}

// Publisher receives samples. Publish must not block.
type Publisher interface {
	Publish(model.Sample)
}

// Worker polls a single probe at a fixed interval.
type Worker struct {
	task   model.WorkerTask
	probe  Probe
	ex     execx.Executor
	pub    Publisher
	source string
	log    *zap.Logger

	state    atomic.String
	ticks    atomic.Int64
	gaps     atomic.Int64
	last     atomic.Time
	terminal atomic.Bool
	lastErr  atomic.String
}

// New returns an idle worker for task.
func New(task model.WorkerTask, p Probe, ex execx.Executor, pub Publisher, log *zap.Logger) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	w := &Worker{
		task:   task,
		probe:  p,
		ex:     ex,
		pub:    pub,
		source: ex.String(),
		log:    log.With(zap.String("probe", string(task.Kind)), zap.String("target", ex.String())),
	}
	w.state.Store(string(model.WorkerIdle))
	return w
}

// Run polls until ctx is cancelled or the connection fails terminally.
func (w *Worker) Run(ctx context.Context) error {
	interval := w.task.Interval
	if interval <= 0 {
		return fmt.Errorf("worker %s: interval must be positive", w.task.Kind)
	}
	w.setState(model.WorkerRunning)
	defer w.setState(model.WorkerStopped)
	w.log.Debug("worker started", zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.setState(model.WorkerStopping)
			return nil
		case <-ticker.C:
		}

		err := w.tick(ctx)
		if err == nil {
			continue
		}
		if !execx.IsConnectionLost(err) {
			continue
		}
		live, ok := w.ex.(execx.Liveness)
		if !ok {
			continue
		}
		if err := w.pause(ctx, live); err != nil {
			if ctx.Err() != nil {
				w.setState(model.WorkerStopping)
				return nil
			}
			return err
		}
		ticker.Reset(interval)
	}
}

// tick runs the probe once. A failure leaves exactly one gap.
func (w *Worker) tick(ctx context.Context) error {
	w.ticks.Inc()
	payload, err := w.probe.Collect(ctx, w.ex)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.gaps.Inc()
		w.lastErr.Store(err.Error())
		w.log.Warn("probe failed", zap.Error(err))
		return err
	}

	now := time.Now()
	w.pub.Publish(model.Sample{
		SourceID:  w.source,
		Kind:      w.task.Kind,
		Timestamp: now,
		Payload:   payload,
	})
	w.last.Store(now)
	w.lastErr.Store("")
	return nil
}

func (w *Worker) pause(ctx context.Context, live execx.Liveness) error {
	w.setState(model.WorkerPaused)
	w.log.Info("connection lost, pausing")
	if err := live.WaitConnected(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.terminal.Store(true)
		w.lastErr.Store(err.Error())
		w.log.Error("connection failed, stopping", zap.Error(err))
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	w.setState(model.WorkerRunning)
	w.log.Info("connection restored, resuming")
	return nil
}

func (w *Worker) setState(s model.WorkerState) {
	w.state.Store(string(s))
}

// Health returns the worker's current status.
func (w *Worker) Health() model.WorkerHealth {
	return model.WorkerHealth{
		Kind:       w.task.Kind,
		State:      model.WorkerState(w.state.Load()),
		Ticks:      w.ticks.Load(),
		Gaps:       w.gaps.Load(),
		LastSample: w.last.Load(),
		Terminal:   w.terminal.Load(),
		Error:      w.lastErr.Load(),
	}
}
