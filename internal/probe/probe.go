// Package probe defines the diagnostic commands sampled from a target and the
// default parsers that turn their output into sample payloads.
package probe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"nicmon/internal/execx"
	"nicmon/internal/model"
)

// DefaultTimeout bounds a single probe command.
const DefaultTimeout = 10 * time.Second

// ErrorKind classifies probe failures that are not execution failures.
type ErrorKind int

const (
	ParseFailure ErrorKind = iota + 1
	ToolUnavailable
)

func (k ErrorKind) String() string {
	switch k {
	case ParseFailure:
		return "parse failure"
	case ToolUnavailable:
		return "tool unavailable"
	default:
		return "unknown"
	}
}

// Error reports a probe whose output could not be used.
type Error struct {
	Kind  ErrorKind
	Probe model.MetricKind
	Err   error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("probe %s: %s: %v", e.Probe, e.Kind, e.Err)
	}
	return fmt.Sprintf("probe %s: %s", e.Probe, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Target names the interface and PCI device a probe inspects.
type Target struct {
	Interface string
	Device    string
}

// ParseFunc turns raw command output into a payload.
type ParseFunc func(raw string) (any, error)

// Probe is one diagnostic command bound to a target, plus its parser.
// A Probe may keep parser state between samples and must not be shared between workers.
type Probe struct {
	kind    model.MetricKind
	command string
	parse   ParseFunc
	Timeout time.Duration
}

// New returns the default probe for kind against target.
func New(kind model.MetricKind, target Target) (*Probe, error) {
	iface := shellQuote(target.Interface)
	dev := shellQuote(target.Device)
	if target.Device == "" {
		dev = iface
	}

	p := &Probe{kind: kind, Timeout: DefaultTimeout}
	switch kind {
	case model.KindSysInfo:
		if target.Interface == "" {
			return nil, errors.New("sys_info probe needs an interface")
		}
		p.command = fmt.Sprintf("ethtool -i %s && ethtool %s", iface, iface)
		p.parse = func(raw string) (any, error) { return ParseSysInfo(raw) }
	case model.KindMlxlink:
		p.command = fmt.Sprintf("mlxlink -d %s", dev)
		p.parse = func(raw string) (any, error) { return ParseKeyValues(raw, ':') }
	case model.KindMtemp:
		p.command = fmt.Sprintf("mget_temp -d %s", dev)
		p.parse = func(raw string) (any, error) { return ParseTemperature(raw) }
	case model.KindDmesg:
		if target.Interface == "" {
			return nil, errors.New("dmesg probe needs an interface")
		}
		flaps := NewFlapTracker(target.Interface)
		p.command = fmt.Sprintf("dmesg --time-format iso | grep -F %s || true", iface)
		p.parse = func(raw string) (any, error) { return flaps.Parse(raw), nil }
	case model.KindEyeScan:
		p.command = fmt.Sprintf("mlxlink -d %s --show_eye", dev)
		p.parse = func(raw string) (any, error) { return ParseEyeScan(raw) }
	default:
		return nil, fmt.Errorf("unknown probe kind %q", kind)
	}
	return p, nil
}

// WithParser replaces the default parser.
func (p *Probe) WithParser(fn ParseFunc) *Probe {
	p.parse = fn
	return p
}

func (p *Probe) Kind() model.MetricKind { return p.kind }

func (p *Probe) Command() string { return p.command }

// Collect runs the probe command on ex and parses its output.
func (p *Probe) Collect(ctx context.Context, ex execx.Executor) (any, error) {
	res, err := execx.Run(ctx, ex, p.command, p.Timeout)
	if err != nil {
		if toolMissing(res, err) {
			return nil, &Error{Kind: ToolUnavailable, Probe: p.kind, Err: err}
		}
		return nil, err
	}
	payload, err := p.parse(res.Stdout)
	if err != nil {
		return nil, &Error{Kind: ParseFailure, Probe: p.kind, Err: err}
	}
	return payload, nil
}

func toolMissing(res execx.Result, err error) bool {
	if !errors.Is(err, execx.ErrNonZeroExit) {
		return false
	}
	if res.ExitCode == 127 {
		return true
	}
	stderr := strings.ToLower(res.Stderr)
	return strings.Contains(stderr, "command not found") || strings.Contains(stderr, "no such file or directory")
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
