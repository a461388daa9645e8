// Package status assembles a point-in-time view of a running nicmon and serves it over HTTP.
package status

import (
	"errors"
	"sync"
	"time"

	"nicmon/internal/model"
	"nicmon/internal/remote"
)

// Connection is a remote session as seen by the health surface.
type Connection interface {
	String() string
	State() model.ConnState
	Err() error
}

// WorkerSource reports sampling worker health.
type WorkerSource interface {
	HealthSnapshot() map[model.MetricKind]model.WorkerHealth
}

// FlowSource reports traffic flow state.
type FlowSource interface {
	Status() []model.FlowStatus
}

// WindowSource reports the last flushed stats window.
type WindowSource interface {
	Latest() (model.StatsWindow, bool)
}

// SampleSource reports the last sample per probe kind.
type SampleSource interface {
	Latest() map[model.MetricKind]model.Sample
	Dropped() int64
}

// Snapshot is the health surface document.
type Snapshot struct {
	At             time.Time                               `json:"at"`
	RunID          string                                  `json:"run_id,omitempty"`
	Connections    []model.ConnectionStatus                `json:"connections"`
	Workers        map[model.MetricKind]model.WorkerHealth `json:"workers,omitempty"`
	Flows          []model.FlowStatus                      `json:"flows,omitempty"`
	LatestWindow   *model.StatsWindow                      `json:"latest_window,omitempty"`
	LatestSamples  map[model.MetricKind]model.Sample       `json:"latest_samples,omitempty"`
	DroppedSamples int64                                   `json:"dropped_samples"`
}

// Healthy reports whether nothing has failed for good.
func (s Snapshot) Healthy() bool {
	for _, c := range s.Connections {
		if c.State == model.Failed.String() {
			return false
		}
	}
	for _, w := range s.Workers {
		if w.Terminal {
			return false
		}
	}
	for _, f := range s.Flows {
		if f.State == model.FlowFailed.String() {
			return false
		}
	}
	return true
}

// Collector polls the registered sources. Sources may be added while serving.
type Collector struct {
	RunID string

	mu      sync.RWMutex
	conns   []Connection
	workers WorkerSource
	flows   []FlowSource
	window  WindowSource
	samples SampleSource
	now     func() time.Time
}

func NewCollector(runID string) *Collector {
	return &Collector{RunID: runID, now: time.Now}
}

func (c *Collector) AddConnection(conn Connection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conns = append(c.conns, conn)
}

func (c *Collector) SetWorkers(w WorkerSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.workers = w
}

func (c *Collector) AddFlows(f FlowSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flows = append(c.flows, f)
}

func (c *Collector) SetStats(w WindowSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.window = w
}

func (c *Collector) SetSamples(s SampleSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples = s
}

// Snapshot reads every source once.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := Snapshot{At: c.now().UTC(), RunID: c.RunID, Connections: []model.ConnectionStatus{}}
	for _, conn := range c.conns {
		st := model.ConnectionStatus{Name: conn.String(), State: conn.State().String()}
		if err := conn.Err(); err != nil && !errors.Is(err, remote.ErrClosed) {
			st.Error = err.Error()
		}
		snap.Connections = append(snap.Connections, st)
	}
	if c.workers != nil {
		snap.Workers = c.workers.HealthSnapshot()
	}
	for _, f := range c.flows {
		snap.Flows = append(snap.Flows, f.Status()...)
	}
	if c.window != nil {
		if w, ok := c.window.Latest(); ok {
			snap.LatestWindow = &w
		}
	}
	if c.samples != nil {
		snap.LatestSamples = c.samples.Latest()
		snap.DroppedSamples = c.samples.Dropped()
	}
	return snap
}
