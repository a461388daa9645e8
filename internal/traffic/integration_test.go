//go:build integration

package traffic

import (
	"context"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"nicmon/internal/execx"
	"nicmon/internal/stats"
)

// This test requires iperf3 on PATH and loopback only. It is gated behind
// -tags=integration and NICMON_INTEGRATION=1.
func TestIperf3_LoopbackFiniteRun(t *testing.T) {
	if os.Getenv("NICMON_INTEGRATION") != "1" {
		t.Skip("set NICMON_INTEGRATION=1 to run")
	}
	if _, err := exec.LookPath("iperf3"); err != nil {
		t.Skip("missing iperf3")
	}

	log := zaptest.NewLogger(t)
	local := execx.NewLocalExecutor(log)
	specs, err := Plan(PlanConfig{
		ServerIPs:     []string{"127.0.0.1"},
		ClientIPs:     []string{"127.0.0.1"},
		StartPort:     25201,
		DurationSec:   2,
		Bidirectional: true,
	})
	require.NoError(t, err)

	agg := stats.NewAggregator(time.Second, log)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- agg.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	o, err := New(specs, Hosts{Server: local, Client: local}, agg, Options{
		ReadyTimeout: 5 * time.Second,
		Grace:        2 * time.Second,
		Poll:         200 * time.Millisecond,
		LogDir:       t.TempDir(),
		RunID:        "it",
		Logger:       log,
	})
	require.NoError(t, err)

	runCtx, runCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer runCancel()
	require.NoError(t, o.Run(runCtx))

	win, ok := agg.Latest()
	require.True(t, ok)
	assert.Len(t, win.PerInterface, 2)
	assert.Positive(t, win.Total)
}
