package model

import (
	"net"
	"sort"
	"strconv"
	"time"
)

// HopRole distinguishes intermediate hops from the host commands run on.
type HopRole string

const (
	RoleJump     HopRole = "jump"
	RoleTerminal HopRole = "terminal"
)

// Hop is one SSH target in a host chain.
type Hop struct {
	Address  string  `yaml:"address" mapstructure:"address" json:"address"`
	User     string  `yaml:"user" mapstructure:"user" json:"user"`
	Password string  `yaml:"password,omitempty" mapstructure:"password" json:"-"`
	KeyFile  string  `yaml:"key_file,omitempty" mapstructure:"key_file" json:"key_file,omitempty"`
	Role     HopRole `yaml:"role,omitempty" mapstructure:"role" json:"role,omitempty"`
}

// ConnState is the lifecycle state of a remote connection.
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
	Failed
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// MetricKind names a diagnostic probe.
type MetricKind string

const (
	KindSysInfo MetricKind = "sys_info"
	KindMlxlink MetricKind = "mlxlink"
	KindMtemp   MetricKind = "mtemp"
	KindDmesg   MetricKind = "dmesg"
	KindEyeScan MetricKind = "eye_scan"
)

// AllKinds lists every probe kind in display order.
func AllKinds() []MetricKind {
	return []MetricKind{KindSysInfo, KindMlxlink, KindMtemp, KindDmesg, KindEyeScan}
}

// Sample is a single timestamped probe result. Payload is owned by the parser that built it.
type Sample struct {
	SourceID  string
	Kind      MetricKind
	Timestamp time.Time
	Payload   any
}

// WorkerTask describes one polling loop.
type WorkerTask struct {
	Kind     MetricKind
	Interval time.Duration
	Enabled  bool
}

// WorkerState is the lifecycle state of a sampling worker.
type WorkerState string

const (
	WorkerIdle     WorkerState = "idle"
	WorkerRunning  WorkerState = "running"
	WorkerPaused   WorkerState = "paused"
	WorkerStopping WorkerState = "stopping"
	WorkerStopped  WorkerState = "stopped"
)

// WorkerHealth is the externally visible status of one worker.
type WorkerHealth struct {
	Kind       MetricKind  `json:"kind"`
	State      WorkerState `json:"state"`
	Ticks      int64       `json:"ticks"`
	Gaps       int64       `json:"gaps"`
	LastSample time.Time   `json:"last_sample,omitempty"`
	Terminal   bool        `json:"terminal"`
	Error      string      `json:"error,omitempty"`
}

// ConnectionStatus reports liveness of one owned connection.
type ConnectionStatus struct {
	Name  string `json:"name"`
	State string `json:"state"`
	Error string `json:"error,omitempty"`
}

// Direction of a traffic flow relative to the configured client host.
type Direction string

const (
	Forward Direction = "forward"
	Reverse Direction = "reverse"
)

// Protocol of a traffic flow.
type Protocol string

const (
	TCP Protocol = "tcp"
	UDP Protocol = "udp"
)

// FlowSpec is the immutable description of one client/server pairing.
// DurationSec == 0 runs the client until it is stopped.
type FlowSpec struct {
	ID          string    `json:"id" yaml:"id"`
	Direction   Direction `json:"direction" yaml:"direction"`
	LocalIP     string    `json:"local_ip" yaml:"local_ip"`
	RemoteIP    string    `json:"remote_ip" yaml:"remote_ip"`
	Port        int       `json:"port" yaml:"port"`
	Protocol    Protocol  `json:"protocol" yaml:"protocol"`
	Bandwidth   string    `json:"bandwidth,omitempty" yaml:"bandwidth,omitempty"`
	Parallel    int       `json:"parallel" yaml:"parallel"`
	DurationSec int       `json:"duration_sec" yaml:"duration_sec"`
}

// Indefinite reports whether the flow runs until cancelled.
func (f FlowSpec) Indefinite() bool {
	return f.DurationSec <= 0
}

// InterfaceID keys aggregated statistics for the flow (client address and port).
func (f FlowSpec) InterfaceID() string {
	return net.JoinHostPort(f.LocalIP, strconv.Itoa(f.Port))
}

// FlowState is the lifecycle state of a traffic flow.
type FlowState int

const (
	FlowIdle FlowState = iota
	FlowServerStarting
	FlowServerReady
	FlowClientStarting
	FlowRunning
	FlowStopping
	FlowStopped
	FlowFailed
)

func (s FlowState) String() string {
	switch s {
	case FlowIdle:
		return "idle"
	case FlowServerStarting:
		return "server_starting"
	case FlowServerReady:
		return "server_ready"
	case FlowClientStarting:
		return "client_starting"
	case FlowRunning:
		return "running"
	case FlowStopping:
		return "stopping"
	case FlowStopped:
		return "stopped"
	case FlowFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// FlowStatus is a point-in-time view of a flow's runtime state.
type FlowStatus struct {
	Spec            FlowSpec        `json:"spec"`
	State           string          `json:"state"`
	ServerPID       int             `json:"server_pid,omitempty"`
	ClientPID       int             `json:"client_pid,omitempty"`
	LastSample      BandwidthSample `json:"last_sample"`
	CumulativeBytes int64           `json:"cumulative_bytes"`
	Error           string          `json:"error,omitempty"`
}

// BandwidthSample is the number of bytes a flow moved during Interval.
type BandwidthSample struct {
	FlowID      string        `json:"flow_id"`
	InterfaceID string        `json:"interface_id"`
	Timestamp   time.Time     `json:"timestamp"`
	Bytes       int64         `json:"bytes"`
	Interval    time.Duration `json:"interval"`
}

// BytesPerSec converts the sample to a rate. Samples without an interval have no rate.
func (s BandwidthSample) BytesPerSec() float64 {
	if s.Interval <= 0 {
		return 0
	}
	return float64(s.Bytes) / s.Interval.Seconds()
}

// InterfaceStats are rolling bandwidth statistics in bytes per second.
type InterfaceStats struct {
	Current float64 `json:"current"`
	Avg     float64 `json:"avg"`
	Max     float64 `json:"max"`
	Min     float64 `json:"min"`
	Count   int     `json:"count"`
}

// StatsWindow is one flushed aggregation interval. Avg/Max/Min cover the whole run so far.
type StatsWindow struct {
	Start        time.Time                 `json:"start"`
	End          time.Time                 `json:"end"`
	PerInterface map[string]InterfaceStats `json:"per_interface"`
	Total        float64                   `json:"total"`
	TotalStats   InterfaceStats            `json:"total_stats"`
}

// Interfaces returns the window's interface IDs in stable order.
func (w StatsWindow) Interfaces() []string {
	ids := make([]string, 0, len(w.PerInterface))
	for id := range w.PerInterface {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Mbps converts a bytes-per-second rate to megabits per second.
func Mbps(bytesPerSec float64) float64 {
	return bytesPerSec * 8 / 1_000_000
}
