// Package traffic runs iperf3 flows between two hosts and reports their bandwidth.
package traffic

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"nicmon/internal/execx"
	"nicmon/internal/model"
)

// Hosts are the executors of the two traffic endpoints. Server owns the configured server
// IPs and Client the client IPs.
type Hosts struct {
	Server execx.Executor
	Client execx.Executor
}

// SampleSink consumes bandwidth samples. *stats.Aggregator satisfies it.
type SampleSink interface {
	Add(ctx context.Context, s model.BandwidthSample) error
	Flush(ctx context.Context) error
}

// Options tune an Orchestrator.
type Options struct {
	ReadyTimeout time.Duration
	Grace        time.Duration
	Poll         time.Duration
	Binary       string
	LogDir       string
	RunID        string
	IntervalSec  int
	Prober       Prober
	Logger       *zap.Logger
}

func (o *Options) applyDefaults() {
	if o.ReadyTimeout <= 0 {
		o.ReadyTimeout = 10 * time.Second
	}
	if o.Grace <= 0 {
		o.Grace = 5 * time.Second
	}
	if o.Poll <= 0 {
		o.Poll = time.Second
	}
	if o.LogDir == "" {
		o.LogDir = "/tmp"
	}
	if o.RunID == "" {
		o.RunID = "run"
	}
	if o.Prober == nil {
		o.Prober = LogProber{Poll: o.Poll / 10}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Orchestrator starts, monitors and stops the flows of one run.
type Orchestrator struct {
	flows []*Flow
	sink  SampleSink
	opts  Options
	log   *zap.Logger

	mu       sync.Mutex
	started  bool
	stopped  bool
	stopErr  error
	monitors *errgroup.Group
	cancel   context.CancelFunc
}

// New builds one flow per spec. Forward flows run their server on hosts.Server and their
// client on hosts.Client; reverse flows swap the two.
func New(specs []model.FlowSpec, hosts Hosts, sink SampleSink, opts Options) (*Orchestrator, error) {
	if len(specs) == 0 {
		return nil, errors.New("no flows")
	}
	if hosts.Server == nil || hosts.Client == nil {
		return nil, errors.New("server and client executors are required")
	}
	opts.applyDefaults()
	cmds := IperfCommands{Binary: opts.Binary, LogDir: opts.LogDir, RunID: opts.RunID, IntervalSec: opts.IntervalSec}

	o := &Orchestrator{sink: sink, opts: opts, log: opts.Logger}
	seen := map[int]string{}
	for _, spec := range specs {
		if prev, dup := seen[spec.Port]; dup {
			return nil, fmt.Errorf("flows %s and %s share port %d", prev, spec.ID, spec.Port)
		}
		seen[spec.Port] = spec.ID

		srv, cl := hosts.Server, hosts.Client
		if spec.Direction == model.Reverse {
			srv, cl = cl, srv
		}
		o.flows = append(o.flows, newFlow(spec, srv, cl, cmds, opts.Prober, opts.Poll, opts.Logger))
	}
	return o, nil
}

// Flows returns the managed flows in plan order.
func (o *Orchestrator) Flows() []*Flow {
	return o.flows
}

// Start brings every server up and verifies it before any client starts. If a server fails,
// everything started so far is torn down and the first error is returned.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return errors.New("orchestrator already started")
	}
	o.started = true
	o.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, f := range o.flows {
		f := f
		g.Go(func() error {
			return f.StartServer(gctx, o.opts.ReadyTimeout)
		})
	}
	if err := g.Wait(); err != nil {
		o.log.Error("server start failed, tearing down", zap.Error(err))
		o.teardown(err)
		return err
	}
	o.log.Info("servers ready", zap.Int("flows", len(o.flows)))

	g, gctx = errgroup.WithContext(ctx)
	for _, f := range o.flows {
		f := f
		g.Go(func() error {
			return f.StartClient(gctx)
		})
	}
	if err := g.Wait(); err != nil {
		o.log.Error("client start failed, tearing down", zap.Error(err))
		o.teardown(err)
		return err
	}
	o.log.Info("clients started", zap.Int("flows", len(o.flows)))

	if o.indefinite() {
		o.startMonitors(ctx)
	}
	return nil
}

func (o *Orchestrator) indefinite() bool {
	for _, f := range o.flows {
		if !f.Spec.Indefinite() {
			return false
		}
	}
	return true
}

func (o *Orchestrator) startMonitors(ctx context.Context) {
	cctx, cancel := context.WithCancel(ctx)
	// A crashed client ends the whole run.
	g, mctx := errgroup.WithContext(cctx)
	emit := func(ctx context.Context, s model.BandwidthSample) error {
		if o.sink == nil {
			return nil
		}
		return o.sink.Add(ctx, s)
	}
	for _, f := range o.flows {
		f := f
		g.Go(func() error {
			return f.Monitor(mctx, emit)
		})
	}
	o.mu.Lock()
	o.monitors = g
	o.cancel = cancel
	o.mu.Unlock()
}

// Wait blocks until a finite run completes, feeds each flow's final summary to the sink
// once, flushes it and stops the servers. For an indefinite run it blocks until ctx ends or
// a monitor fails, then stops everything.
func (o *Orchestrator) Wait(ctx context.Context) error {
	if o.indefinite() {
		return o.waitIndefinite(ctx)
	}

	longest := 0
	for _, f := range o.flows {
		longest = max(longest, f.Spec.DurationSec)
	}
	wctx, cancel := context.WithTimeout(ctx, time.Duration(longest)*time.Second+o.opts.Grace+o.opts.ReadyTimeout)
	defer cancel()

	g := &errgroup.Group{}
	for _, f := range o.flows {
		f := f
		g.Go(func() error {
			return f.WaitClient(wctx)
		})
	}
	if err := g.Wait(); err != nil {
		o.log.Warn("clients did not finish in time", zap.Error(err))
		return multierror.Append(err, o.Stop(context.WithoutCancel(ctx)))
	}

	var result *multierror.Error
	for _, f := range o.flows {
		s, err := f.Summary(ctx)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		o.log.Info("flow finished",
			zap.String("flow", f.Spec.ID),
			zap.Float64("mbps", model.Mbps(s.BytesPerSec())))
		if o.sink != nil {
			if err := o.sink.Add(ctx, s); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}
	if o.sink != nil {
		if err := o.sink.Flush(ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := o.Stop(context.WithoutCancel(ctx)); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

func (o *Orchestrator) waitIndefinite(ctx context.Context) error {
	o.mu.Lock()
	g := o.monitors
	o.mu.Unlock()
	if g == nil {
		return errors.New("orchestrator not started")
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-done:
	}
	if err := o.Stop(context.WithoutCancel(ctx)); err != nil {
		return multierror.Append(runErr, err)
	}
	return runErr
}

// Stop terminates every client before any server. It is safe to call more than once; later
// calls return the first call's result.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if o.stopped {
		err := o.stopErr
		o.mu.Unlock()
		return err
	}
	o.stopped = true
	cancel, monitors := o.cancel, o.monitors
	o.mu.Unlock()

	if cancel != nil {
		cancel()
		_ = monitors.Wait()
	}
	if o.sink != nil {
		if err := o.sink.Flush(ctx); err != nil {
			o.log.Debug("final flush", zap.Error(err))
		}
	}

	err := o.stopAll(ctx)
	o.mu.Lock()
	o.stopErr = err
	o.mu.Unlock()
	if err != nil {
		o.log.Warn("stop finished with errors", zap.Error(err))
	} else {
		o.log.Info("all flows stopped")
	}
	return err
}

func (o *Orchestrator) stopAll(ctx context.Context) error {
	var (
		mu     sync.Mutex
		result *multierror.Error
	)
	collect := func(err error) {
		if err != nil {
			mu.Lock()
			result = multierror.Append(result, err)
			mu.Unlock()
		}
	}

	var wg sync.WaitGroup
	for _, f := range o.flows {
		f := f
		wg.Add(1)
		go func() {
			defer wg.Done()
			collect(f.StopClient(ctx, o.opts.Grace))
		}()
	}
	wg.Wait()

	for _, f := range o.flows {
		f := f
		wg.Add(1)
		go func() {
			defer wg.Done()
			collect(f.StopServer(ctx, o.opts.Grace))
		}()
	}
	wg.Wait()
	return result.ErrorOrNil()
}

// teardown stops whatever a failed Start left running.
func (o *Orchestrator) teardown(cause error) {
	o.mu.Lock()
	o.stopped = true
	o.mu.Unlock()
	if err := o.stopAll(context.Background()); err != nil {
		o.log.Warn("teardown after failed start", zap.NamedError("cause", cause), zap.Error(err))
	}
}

// Run starts the flows and waits for them.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.Start(ctx); err != nil {
		return err
	}
	return o.Wait(ctx)
}

// Status returns a snapshot of every flow.
func (o *Orchestrator) Status() []model.FlowStatus {
	out := make([]model.FlowStatus, len(o.flows))
	for i, f := range o.flows {
		out[i] = f.Status()
	}
	return out
}
