package traffic

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"nicmon/internal/execx"
	"nicmon/internal/model"
)

// Flow drives one iperf3 server/client pair.
type Flow struct {
	Spec model.FlowSpec

	serverEx execx.Executor
	clientEx execx.Executor
	cmds     IperfCommands
	prober   Prober
	poll     time.Duration
	log      *zap.Logger

	state atomic.Int32

	mu         sync.Mutex
	server     *Process
	client     *Process
	lastSample model.BandwidthSample
	cumBytes   int64
	nextLine   int
	lastEnd    float64
	err        error
}

func newFlow(spec model.FlowSpec, serverEx, clientEx execx.Executor, cmds IperfCommands, prober Prober, poll time.Duration, log *zap.Logger) *Flow {
	f := &Flow{
		Spec:     spec,
		serverEx: serverEx,
		clientEx: clientEx,
		cmds:     cmds,
		prober:   prober,
		poll:     poll,
		log:      log.With(zap.String("flow", spec.ID), zap.Int("port", spec.Port)),
		nextLine: 1,
	}
	f.setState(model.FlowIdle)
	return f
}

func (f *Flow) State() model.FlowState { return model.FlowState(f.state.Load()) }

func (f *Flow) setState(s model.FlowState) { f.state.Store(int32(s)) }

func (f *Flow) fail(err error) error {
	var fe *FlowError
	if errors.As(err, &fe) {
		if fe.FlowID == "" {
			fe.FlowID = f.Spec.ID
		}
	}
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
	f.setState(model.FlowFailed)
	return err
}

// StartServer launches the server and waits until it is ready or readyTimeout passes.
func (f *Flow) StartServer(ctx context.Context, readyTimeout time.Duration) error {
	f.setState(model.FlowServerStarting)
	srv, err := startProcess(ctx, f.serverEx, f.cmds.Server(f.Spec), f.cmds.ServerLog(f.Spec))
	if err != nil {
		return f.fail(&FlowError{Kind: ProcessCrashed, FlowID: f.Spec.ID, Err: fmt.Errorf("start server: %w", err)})
	}
	f.mu.Lock()
	f.server = srv
	f.mu.Unlock()

	rctx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()
	if err := f.prober.WaitReady(rctx, srv, f.Spec); err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = &FlowError{Kind: ReadinessTimeout, FlowID: f.Spec.ID, Err: fmt.Errorf("server not listening after %s", readyTimeout)}
		}
		return f.fail(err)
	}
	f.setState(model.FlowServerReady)
	f.log.Debug("server ready", zap.Int("pid", srv.PID), zap.String("on", f.serverEx.String()))
	return nil
}

// StartClient launches the client. The server must be ready.
func (f *Flow) StartClient(ctx context.Context) error {
	if st := f.State(); st != model.FlowServerReady {
		return fmt.Errorf("flow %s: client start in state %s", f.Spec.ID, st)
	}
	f.setState(model.FlowClientStarting)
	cl, err := startProcess(ctx, f.clientEx, f.cmds.Client(f.Spec), f.cmds.ClientLog(f.Spec))
	if err != nil {
		return f.fail(&FlowError{Kind: ProcessCrashed, FlowID: f.Spec.ID, Err: fmt.Errorf("start client: %w", err)})
	}
	f.mu.Lock()
	f.client = cl
	f.mu.Unlock()
	f.setState(model.FlowRunning)
	f.log.Debug("client started", zap.Int("pid", cl.PID), zap.String("on", f.clientEx.String()))
	return nil
}

func (f *Flow) record(s model.BandwidthSample) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastSample = s
	f.cumBytes += s.Bytes
}

func (f *Flow) sample(r Report, at time.Time) model.BandwidthSample {
	return model.BandwidthSample{
		FlowID:      f.Spec.ID,
		InterfaceID: f.Spec.InterfaceID(),
		Timestamp:   at,
		Bytes:       r.Bytes,
		Interval:    r.Duration(),
	}
}

// Poll reads new interval lines from the client log. Intervals already seen are skipped.
func (f *Flow) Poll(ctx context.Context) ([]model.BandwidthSample, error) {
	f.mu.Lock()
	cl, from := f.client, f.nextLine
	f.mu.Unlock()
	if cl == nil {
		return nil, errors.New("client not started")
	}

	text, err := cl.ReadLog(ctx, from)
	if err != nil {
		return nil, err
	}
	if text == "" {
		return nil, nil
	}
	// The last line may still be partially written; read it again next time.
	complete := strings.Count(text, "\n")

	now := time.Now()
	var out []model.BandwidthSample
	f.mu.Lock()
	f.nextLine += complete
	for _, r := range IntervalReports(text) {
		// With parallel streams only SUM lines carry the flow total.
		if f.Spec.Parallel > 1 && r.Stream != "SUM" {
			continue
		}
		if r.End <= f.lastEnd {
			continue
		}
		f.lastEnd = r.End
		out = append(out, f.sample(r, now))
	}
	f.mu.Unlock()

	for _, s := range out {
		f.record(s)
	}
	return out, nil
}

// Monitor polls the client log every poll interval, passing new samples to emit, until ctx
// ends or the client exits.
func (f *Flow) Monitor(ctx context.Context, emit func(context.Context, model.BandwidthSample) error) error {
	ticker := time.NewTicker(f.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		samples, err := f.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			f.log.Warn("poll client log", zap.Error(err))
			continue
		}
		for _, s := range samples {
			if err := emit(ctx, s); err != nil {
				return nil
			}
		}

		if len(samples) == 0 {
			alive, err := f.clientAlive(ctx)
			if err == nil && !alive && ctx.Err() == nil {
				err := &FlowError{Kind: ProcessCrashed, FlowID: f.Spec.ID, Err: errors.New("client exited")}
				f.log.Error("client exited during indefinite run", zap.Error(err))
				return f.fail(err)
			}
		}
	}
}

func (f *Flow) clientAlive(ctx context.Context) (bool, error) {
	f.mu.Lock()
	cl := f.client
	f.mu.Unlock()
	if cl == nil {
		return false, nil
	}
	return cl.Alive(ctx)
}

// WaitClient blocks until the client exits or ctx ends.
func (f *Flow) WaitClient(ctx context.Context) error {
	f.mu.Lock()
	cl := f.client
	f.mu.Unlock()
	if cl == nil {
		return errors.New("client not started")
	}
	return cl.Wait(ctx, f.poll)
}

// Summary parses the client's final report into a single sample.
func (f *Flow) Summary(ctx context.Context) (model.BandwidthSample, error) {
	f.mu.Lock()
	cl := f.client
	f.mu.Unlock()
	if cl == nil {
		return model.BandwidthSample{}, errors.New("client not started")
	}
	text, err := cl.ReadLog(ctx, 1)
	if err != nil {
		return model.BandwidthSample{}, err
	}
	r, ok := FinalReport(text)
	if !ok {
		return model.BandwidthSample{}, f.fail(&FlowError{Kind: ProcessCrashed, FlowID: f.Spec.ID, Err: errors.New("client log has no final summary")})
	}
	s := f.sample(r, time.Now())
	f.record(s)
	return s, nil
}

// StopClient terminates the client, escalating to SIGKILL after grace.
func (f *Flow) StopClient(ctx context.Context, grace time.Duration) error {
	f.mu.Lock()
	cl := f.client
	f.mu.Unlock()
	if cl == nil {
		return nil
	}
	if st := f.State(); st != model.FlowFailed {
		f.setState(model.FlowStopping)
	}
	if err := cl.Stop(ctx, grace, f.poll); err != nil {
		return fmt.Errorf("flow %s: stop client pid %d: %w", f.Spec.ID, cl.PID, err)
	}
	return nil
}

// StopServer terminates the server, escalating to SIGKILL after grace.
func (f *Flow) StopServer(ctx context.Context, grace time.Duration) error {
	f.mu.Lock()
	srv := f.server
	f.mu.Unlock()
	if srv != nil {
		if err := srv.Stop(ctx, grace, f.poll); err != nil {
			return fmt.Errorf("flow %s: stop server pid %d: %w", f.Spec.ID, srv.PID, err)
		}
	}
	if f.State() != model.FlowFailed {
		f.setState(model.FlowStopped)
	}
	return nil
}

// Status returns a snapshot of the flow.
func (f *Flow) Status() model.FlowStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := model.FlowStatus{
		Spec:            f.Spec,
		State:           f.State().String(),
		LastSample:      f.lastSample,
		CumulativeBytes: f.cumBytes,
	}
	if f.server != nil {
		st.ServerPID = f.server.PID
	}
	if f.client != nil {
		st.ClientPID = f.client.PID
	}
	if f.err != nil {
		st.Error = f.err.Error()
	}
	return st
}
