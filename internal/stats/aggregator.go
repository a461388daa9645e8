// Package stats aggregates bandwidth samples into rolling per-interface statistics and
// writes flushed windows to sinks.
package stats

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"nicmon/internal/model"
)

// Sink receives every flushed window. Sinks are only called from the aggregator goroutine.
type Sink interface {
	Write(w model.StatsWindow) error
	Close() error
}

// rolling accumulates observations over the whole run.
type rolling struct {
	current float64
	sum     float64
	max     float64
	min     float64
	count   int
}

func (r *rolling) observe(v float64) {
	r.current = v
	r.sum += v
	if r.count == 0 || v > r.max {
		r.max = v
	}
	if r.count == 0 || v < r.min {
		r.min = v
	}
	r.count++
}

func (r *rolling) snapshot() model.InterfaceStats {
	if r.count == 0 {
		return model.InterfaceStats{}
	}
	return model.InterfaceStats{
		Current: r.current,
		Avg:     r.sum / float64(r.count),
		Max:     r.max,
		Min:     r.min,
		Count:   r.count,
	}
}

// Aggregator owns the rolling statistics of one run.
type Aggregator struct {
	in      chan model.BandwidthSample
	flushEv time.Duration
	flushRq chan chan struct{}
	sinks   []Sink
	log     *zap.Logger
	now     func() time.Time

	// owned by Run
	per     map[string]*rolling
	total   rolling
	dirty   bool
	lastEnd time.Time

	mu     sync.RWMutex
	latest model.StatsWindow
	has    bool
	done   chan struct{}
}

// NewAggregator returns an aggregator that flushes every interval.
func NewAggregator(interval time.Duration, log *zap.Logger, sinks ...Sink) *Aggregator {
	if log == nil {
		log = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Aggregator{
		in:      make(chan model.BandwidthSample, 256),
		flushEv: interval,
		flushRq: make(chan chan struct{}),
		sinks:   sinks,
		log:     log,
		now:     time.Now,
		per:     map[string]*rolling{},
		done:    make(chan struct{}),
	}
}

// Add queues s, blocking until there is room or ctx ends.
func (a *Aggregator) Add(ctx context.Context, s model.BandwidthSample) error {
	select {
	case <-a.done:
		return errors.New("aggregator stopped")
	default:
	}
	select {
	case a.in <- s:
		return nil
	case <-a.done:
		return errors.New("aggregator stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush forces a window out now and waits until sinks have been written.
func (a *Aggregator) Flush(ctx context.Context) error {
	ack := make(chan struct{})
	select {
	case a.flushRq <- ack:
	case <-a.done:
		return errors.New("aggregator stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run consumes samples and flushes on a fixed ticker until ctx ends. Queued samples are
// drained into a final window before the sinks are closed.
func (a *Aggregator) Run(ctx context.Context) error {
	defer close(a.done)
	ticker := time.NewTicker(a.flushEv)
	defer ticker.Stop()
	a.lastEnd = a.now()

	for {
		select {
		case s := <-a.in:
			a.observe(s)
		case <-ticker.C:
			a.flush()
		case ack := <-a.flushRq:
			a.drain()
			a.flush()
			close(ack)
		case <-ctx.Done():
			a.drain()
			a.flush()
			return a.closeSinks()
		}
	}
}

func (a *Aggregator) drain() {
	for {
		select {
		case s := <-a.in:
			a.observe(s)
		default:
			return
		}
	}
}

func (a *Aggregator) observe(s model.BandwidthSample) {
	rate := s.BytesPerSec()
	if s.Interval <= 0 || math.IsNaN(rate) || math.IsInf(rate, 0) || rate < 0 {
		a.log.Debug("dropping sample without a rate", zap.String("flow", s.FlowID))
		return
	}
	r, ok := a.per[s.InterfaceID]
	if !ok {
		r = &rolling{}
		a.per[s.InterfaceID] = r
	}
	r.observe(rate)
	a.dirty = true
}

// flush emits a window when samples arrived since the previous one.
func (a *Aggregator) flush() {
	if !a.dirty {
		return
	}
	a.dirty = false

	end := a.now()
	if !end.After(a.lastEnd) {
		end = a.lastEnd.Add(time.Nanosecond)
	}
	w := model.StatsWindow{
		Start:        a.lastEnd,
		End:          end,
		PerInterface: make(map[string]model.InterfaceStats, len(a.per)),
	}
	a.lastEnd = end

	var total float64
	for id, r := range a.per {
		snap := r.snapshot()
		w.PerInterface[id] = snap
		total += snap.Current
	}
	a.total.observe(total)
	w.Total = total
	w.TotalStats = a.total.snapshot()

	a.mu.Lock()
	a.latest = w
	a.has = true
	a.mu.Unlock()

	for _, sink := range a.sinks {
		if err := sink.Write(w); err != nil {
			a.log.Warn("sink write failed", zap.Error(err))
		}
	}
}

func (a *Aggregator) closeSinks() error {
	var result *multierror.Error
	for _, sink := range a.sinks {
		if err := sink.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Latest returns the most recently flushed window.
func (a *Aggregator) Latest() (model.StatsWindow, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.latest, a.has
}
