package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"nicmon/internal/model"
)

// Skip flags accepted in show_parts. Every probe runs unless its flag is present.
const (
	SkipSysInfo = "no_sys_info"
	SkipMlxlink = "no_mlxlink"
	SkipMtemp   = "no_mtemp"
	SkipDmesg   = "no_dmesg"
	SkipEyeScan = "no_eye_scan"
)

var skipFlagKinds = map[string]model.MetricKind{
	SkipSysInfo: model.KindSysInfo,
	SkipMlxlink: model.KindMlxlink,
	SkipMtemp:   model.KindMtemp,
	SkipDmesg:   model.KindDmesg,
	SkipEyeScan: model.KindEyeScan,
}

// SkipFlags returns every accepted skip flag, sorted.
func SkipFlags() []string {
	flags := make([]string, 0, len(skipFlagKinds))
	for f := range skipFlagKinds {
		flags = append(flags, f)
	}
	sort.Strings(flags)
	return flags
}

// ParseSkipFlags maps show_parts entries to the probe kinds they disable.
// Connect types are no longer accepted here; they live in connect_type.
func ParseSkipFlags(parts []string) (map[model.MetricKind]bool, error) {
	skipped := make(map[model.MetricKind]bool, len(parts))
	for _, raw := range parts {
		part := strings.ToLower(strings.TrimSpace(raw))
		if part == "" {
			continue
		}
		kind, ok := skipFlagKinds[part]
		if !ok {
			if part == ConnectLocal || part == ConnectRemote {
				return nil, fmt.Errorf("show_parts: %q is a connect type, set connect_type instead", raw)
			}
			return nil, fmt.Errorf("show_parts: unknown skip flag %q (want one of %s)", raw, strings.Join(SkipFlags(), ", "))
		}
		skipped[kind] = true
	}
	return skipped, nil
}

// Tasks builds one task per probe kind, enabled unless skipped.
func Tasks(cfg Config) ([]model.WorkerTask, error) {
	skipped, err := ParseSkipFlags(cfg.ShowParts)
	if err != nil {
		return nil, err
	}
	kinds := model.AllKinds()
	tasks := make([]model.WorkerTask, 0, len(kinds))
	for _, kind := range kinds {
		tasks = append(tasks, model.WorkerTask{
			Kind:     kind,
			Interval: cfg.Interval(kind),
			Enabled:  !skipped[kind],
		})
	}
	return tasks, nil
}

// Interval returns the polling interval for kind, honouring per-kind overrides.
func (c Config) Interval(kind model.MetricKind) time.Duration {
	if sec, ok := c.Intervals[string(kind)]; ok && sec > 0 {
		return time.Duration(sec) * time.Second
	}
	sec := c.IntervalSec
	if sec <= 0 {
		sec = DefaultIntervalSec
	}
	return time.Duration(sec) * time.Second
}
