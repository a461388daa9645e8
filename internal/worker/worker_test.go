package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"nicmon/internal/execx"
	"nicmon/internal/execx/execxtest"
	"nicmon/internal/model"
)

type recorder struct {
	mu      sync.Mutex
	samples []model.Sample
}

func (r *recorder) Publish(s model.Sample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, s)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.samples)
}

// cmdProbe runs a fixed command and returns its stdout.
type cmdProbe struct {
	kind model.MetricKind
	cmd  string
}

func (p cmdProbe) Kind() model.MetricKind { return p.kind }

func (p cmdProbe) Collect(ctx context.Context, ex execx.Executor) (any, error) {
	res, err := execx.Run(ctx, ex, p.cmd, time.Second)
	if err != nil {
		return nil, err
	}
	return res.Stdout, nil
}

// liveFake adds connection liveness to a scripted executor.
type liveFake struct {
	*execxtest.Fake
	mu      sync.Mutex
	up      chan struct{}
	done    chan struct{}
	err     error
	waiting chan struct{}
}

func newLiveFake(name string) *liveFake {
	return &liveFake{
		Fake:    execxtest.New(name),
		up:      make(chan struct{}),
		done:    make(chan struct{}),
		waiting: make(chan struct{}, 16),
	}
}

func (l *liveFake) Done() <-chan struct{} { return l.done }

func (l *liveFake) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *liveFake) WaitConnected(ctx context.Context) error {
	l.waiting <- struct{}{}
	select {
	case <-l.up:
		return nil
	case <-l.done:
		return l.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *liveFake) failTerminally(err error) {
	l.mu.Lock()
	l.err = err
	l.mu.Unlock()
	close(l.done)
}

func task(kind model.MetricKind) model.WorkerTask {
	return model.WorkerTask{Kind: kind, Interval: 5 * time.Millisecond, Enabled: true}
}

func TestWorker_IntermittentFailureLeavesOneGapPerTick(t *testing.T) {
	t.Parallel()

	ex := execxtest.New("dut").On("mget_temp", execxtest.Sequence(
		execxtest.Output("50"),
		execxtest.Fail(execx.NonZeroExit),
		execxtest.Output("51"),
		execxtest.Fail(execx.Timeout),
		execxtest.Output("52"),
	))
	rec := &recorder{}
	w := New(task(model.KindMtemp), cmdProbe{model.KindMtemp, "mget_temp"}, ex, rec, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return rec.count() >= 4 }, 2*time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	h := w.Health()
	assert.Equal(t, int64(2), h.Gaps)
	assert.Equal(t, model.WorkerStopped, h.State)
	assert.False(t, h.Terminal)
	assert.False(t, h.LastSample.IsZero())
	assert.Empty(t, h.Error)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []any{"50", "51", "52", "52"}, payloads(rec.samples[:4]))
	for _, s := range rec.samples {
		assert.Equal(t, model.KindMtemp, s.Kind)
		assert.Equal(t, "dut", s.SourceID)
	}
}

func payloads(samples []model.Sample) []any {
	out := make([]any, len(samples))
	for i, s := range samples {
		out[i] = s.Payload
	}
	return out
}

func TestWorker_PausesOnConnectionLostAndResumes(t *testing.T) {
	t.Parallel()

	ex := newLiveFake("dut")
	ex.On("mlxlink", execxtest.Sequence(execxtest.Fail(execx.ConnectionLost), execxtest.Output("State: Active")))
	rec := &recorder{}
	w := New(task(model.KindMlxlink), cmdProbe{model.KindMlxlink, "mlxlink"}, ex, rec, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	<-ex.waiting
	assert.Equal(t, model.WorkerPaused, w.Health().State)
	calls := ex.Count("mlxlink")
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, calls, ex.Count("mlxlink"), "paused worker must not poll")

	close(ex.up)
	require.Eventually(t, func() bool { return rec.count() > 0 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, model.WorkerRunning, w.Health().State)
	assert.Equal(t, int64(1), w.Health().Gaps)

	cancel()
	require.NoError(t, <-done)
}

func TestWorker_TerminalConnectionFailureStops(t *testing.T) {
	t.Parallel()

	ex := newLiveFake("dut")
	ex.On("dmesg", execxtest.Fail(execx.ConnectionLost))
	w := New(task(model.KindDmesg), cmdProbe{model.KindDmesg, "dmesg"}, ex, &recorder{}, zaptest.NewLogger(t))

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	<-ex.waiting
	ex.failTerminally(errors.New("hop 0: timeout"))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrConnectionFailed)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
	h := w.Health()
	assert.True(t, h.Terminal)
	assert.Equal(t, model.WorkerStopped, h.State)
	assert.Contains(t, h.Error, "timeout")
}

func TestWorker_RejectsZeroInterval(t *testing.T) {
	t.Parallel()

	w := New(model.WorkerTask{Kind: model.KindMtemp, Enabled: true}, cmdProbe{model.KindMtemp, "x"}, execxtest.New("dut"), &recorder{}, nil)
	assert.Error(t, w.Run(context.Background()))
}
