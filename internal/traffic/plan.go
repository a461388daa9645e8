package traffic

import (
	"errors"
	"fmt"

	"nicmon/internal/model"
)

const maxPort = 65535

// PlanConfig describes the flows of one traffic run.
type PlanConfig struct {
	ServerIPs     []string
	ClientIPs     []string
	StartPort     int
	Protocol      model.Protocol
	Bandwidth     string
	Parallel      int
	DurationSec   int
	Bidirectional bool
}

// Plan pairs ClientIPs[i] with ServerIPs[i]. Forward flows come first; reverse flows swap
// the roles of the two hosts. Ports increase strictly from StartPort across the whole run.
func Plan(cfg PlanConfig) ([]model.FlowSpec, error) {
	if len(cfg.ServerIPs) == 0 {
		return nil, errors.New("no server ips")
	}
	if len(cfg.ServerIPs) != len(cfg.ClientIPs) {
		return nil, fmt.Errorf("%d server ips but %d client ips", len(cfg.ServerIPs), len(cfg.ClientIPs))
	}
	if cfg.Protocol == "" {
		cfg.Protocol = model.TCP
	}
	if cfg.Protocol != model.TCP && cfg.Protocol != model.UDP {
		return nil, fmt.Errorf("unsupported protocol %q", cfg.Protocol)
	}
	if cfg.Parallel <= 0 {
		cfg.Parallel = 1
	}
	if cfg.DurationSec < 0 {
		return nil, errors.New("duration must be >= 0")
	}

	n := len(cfg.ClientIPs)
	total := n
	if cfg.Bidirectional {
		total *= 2
	}
	if cfg.StartPort <= 0 || cfg.StartPort+total-1 > maxPort {
		return nil, fmt.Errorf("start port %d cannot fit %d flows", cfg.StartPort, total)
	}

	specs := make([]model.FlowSpec, 0, total)
	port := cfg.StartPort
	add := func(dir model.Direction, i int, local, remote string) {
		prefix := "fwd"
		if dir == model.Reverse {
			prefix = "rev"
		}
		specs = append(specs, model.FlowSpec{
			ID:          fmt.Sprintf("%s-%d", prefix, i),
			Direction:   dir,
			LocalIP:     local,
			RemoteIP:    remote,
			Port:        port,
			Protocol:    cfg.Protocol,
			Bandwidth:   cfg.Bandwidth,
			Parallel:    cfg.Parallel,
			DurationSec: cfg.DurationSec,
		})
		port++
	}

	for i := 0; i < n; i++ {
		add(model.Forward, i, cfg.ClientIPs[i], cfg.ServerIPs[i])
	}
	if cfg.Bidirectional {
		for i := 0; i < n; i++ {
			add(model.Reverse, i, cfg.ServerIPs[i], cfg.ClientIPs[i])
		}
	}
	return specs, nil
}

// Interfaces returns the stats keys of specs in plan order.
func Interfaces(specs []model.FlowSpec) []string {
	out := make([]string, len(specs))
	for i, s := range specs {
		out[i] = s.InterfaceID()
	}
	return out
}
