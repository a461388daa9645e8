// Package telemetry exposes run state as Prometheus metrics on a private registry.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"nicmon/internal/model"
)

const namespace = "nicmon"

// Metrics holds every collector. It doubles as a stats sink.
type Metrics struct {
	reg *prometheus.Registry

	bandwidth *prometheus.GaugeVec
	total     prometheus.Gauge
	windows   prometheus.Counter

	workerUp    *prometheus.GaugeVec
	workerTicks *prometheus.GaugeVec
	workerGaps  *prometheus.GaugeVec

	connUp *prometheus.GaugeVec

	flowBytes   *prometheus.GaugeVec
	flowRunning *prometheus.GaugeVec
	dropped     prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		bandwidth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "interface_bandwidth_bytes_per_second",
			Help:      "Bandwidth per interface from the last flushed window.",
		}, []string{"interface", "stat"}),
		total: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "total_bandwidth_bytes_per_second",
			Help:      "Sum of current bandwidth over all interfaces.",
		}),
		windows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stats_windows_total",
			Help:      "Flushed aggregation windows.",
		}),
		workerUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_running",
			Help:      "1 when the sampling worker is running.",
		}, []string{"kind"}),
		workerTicks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_ticks",
			Help:      "Ticks executed by the sampling worker.",
		}, []string{"kind"}),
		workerGaps: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_gaps",
			Help:      "Ticks that produced no sample.",
		}, []string{"kind"}),
		connUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_up",
			Help:      "1 when the remote session is connected.",
		}, []string{"name"}),
		flowBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "flow_bytes",
			Help:      "Bytes moved by the flow so far.",
		}, []string{"flow", "interface"}),
		flowRunning: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "flow_running",
			Help:      "1 when the flow's client is running.",
		}, []string{"flow"}),
		dropped: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "samples_dropped",
			Help:      "Samples dropped because a subscriber was slow.",
		}),
	}
	m.reg.MustRegister(
		m.bandwidth, m.total, m.windows,
		m.workerUp, m.workerTicks, m.workerGaps,
		m.connUp, m.flowBytes, m.flowRunning, m.dropped,
	)
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Write records a flushed stats window.
func (m *Metrics) Write(w model.StatsWindow) error {
	for id, st := range w.PerInterface {
		m.bandwidth.WithLabelValues(id, "current").Set(st.Current)
		m.bandwidth.WithLabelValues(id, "avg").Set(st.Avg)
		m.bandwidth.WithLabelValues(id, "max").Set(st.Max)
		m.bandwidth.WithLabelValues(id, "min").Set(st.Min)
	}
	m.total.Set(w.Total)
	m.windows.Inc()
	return nil
}

func (m *Metrics) Close() error { return nil }

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// ObserveWorkers updates worker gauges.
func (m *Metrics) ObserveWorkers(workers map[model.MetricKind]model.WorkerHealth) {
	for kind, h := range workers {
		k := string(kind)
		m.workerUp.WithLabelValues(k).Set(boolGauge(h.State == model.WorkerRunning))
		m.workerTicks.WithLabelValues(k).Set(float64(h.Ticks))
		m.workerGaps.WithLabelValues(k).Set(float64(h.Gaps))
	}
}

// ObserveConnections updates connection gauges.
func (m *Metrics) ObserveConnections(conns []model.ConnectionStatus) {
	for _, c := range conns {
		m.connUp.WithLabelValues(c.Name).Set(boolGauge(c.State == model.Connected.String()))
	}
}

// ObserveFlows updates flow gauges.
func (m *Metrics) ObserveFlows(flows []model.FlowStatus) {
	for _, f := range flows {
		m.flowBytes.WithLabelValues(f.Spec.ID, f.Spec.InterfaceID()).Set(float64(f.CumulativeBytes))
		m.flowRunning.WithLabelValues(f.Spec.ID).Set(boolGauge(f.State == model.FlowRunning.String()))
	}
}

// ObserveDropped records the broadcaster's drop count.
func (m *Metrics) ObserveDropped(n int64) {
	m.dropped.Set(float64(n))
}
