package telemetry

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nicmon/internal/model"
)

func TestMetrics_WriteWindow(t *testing.T) {
	t.Parallel()

	m := New()
	require.NoError(t, m.Write(model.StatsWindow{
		PerInterface: map[string]model.InterfaceStats{
			"10.1.0.1:5001": {Current: 10, Avg: 8, Max: 12, Min: 4, Count: 3},
		},
		Total: 10,
	}))
	require.NoError(t, m.Write(model.StatsWindow{Total: 0}))

	assert.Equal(t, 12.0, testutil.ToFloat64(m.bandwidth.WithLabelValues("10.1.0.1:5001", "max")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.total))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.windows))
}

func TestMetrics_ObserveState(t *testing.T) {
	t.Parallel()

	m := New()
	m.ObserveWorkers(map[model.MetricKind]model.WorkerHealth{
		model.KindMtemp: {State: model.WorkerRunning, Ticks: 5, Gaps: 2},
		model.KindDmesg: {State: model.WorkerPaused},
	})
	m.ObserveConnections([]model.ConnectionStatus{{Name: "ssh:a->b", State: "connected"}})
	m.ObserveFlows([]model.FlowStatus{{
		Spec:            model.FlowSpec{ID: "fwd-0", LocalIP: "10.1.0.1", Port: 5001},
		State:           model.FlowRunning.String(),
		CumulativeBytes: 1 << 20,
	}})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.workerUp.WithLabelValues("mtemp")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.workerUp.WithLabelValues("dmesg")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.workerGaps.WithLabelValues("mtemp")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connUp.WithLabelValues("ssh:a->b")))
	assert.Equal(t, float64(1<<20), testutil.ToFloat64(m.flowBytes.WithLabelValues("fwd-0", "10.1.0.1:5001")))
}

func TestMetrics_Handler(t *testing.T) {
	t.Parallel()

	m := New()
	m.ObserveDropped(7)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "nicmon_samples_dropped 7")
}
