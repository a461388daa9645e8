package probe

import (
	"bufio"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// LinkState is the ethtool view of an interface.
type LinkState struct {
	Detected bool   `json:"detected"`
	Speed    string `json:"speed,omitempty"`
	Duplex   string `json:"duplex,omitempty"`
}

// SysInfo is driver/firmware identity plus link state.
type SysInfo struct {
	Fields map[string]string `json:"fields"`
	Link   LinkState         `json:"link"`
}

// Temperature is an ASIC temperature reading.
type Temperature struct {
	Celsius int `json:"celsius"`
}

// FlapEvent is one link up/down transition reported by the kernel.
type FlapEvent struct {
	Time      string `json:"time"`
	Interface string `json:"interface"`
	Up        bool   `json:"up"`
	Line      string `json:"line"`
}

// EyeScan holds raw eye-opening lines; their grammar is device specific.
type EyeScan struct {
	Lines []string `json:"lines"`
}

// ParseKeyValues reads "key<sep>value" lines. Lines without sep are ignored.
func ParseKeyValues(raw string, sep byte) (map[string]string, error) {
	out := map[string]string{}
	sc := bufio.NewScanner(strings.NewReader(raw))
	for sc.Scan() {
		line := sc.Text()
		i := strings.IndexByte(line, sep)
		if i <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:i])
		val := strings.TrimSpace(line[i+1:])
		if key == "" {
			continue
		}
		if _, dup := out[key]; !dup {
			out[key] = val
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, errors.New("no key/value pairs in output")
	}
	return out, nil
}

// ParseSysInfo parses `ethtool -i` followed by `ethtool` output.
func ParseSysInfo(raw string) (SysInfo, error) {
	fields, err := ParseKeyValues(raw, ':')
	if err != nil {
		return SysInfo{}, err
	}
	info := SysInfo{Fields: fields}
	if v, ok := fields["Link detected"]; ok {
		info.Link.Detected = strings.EqualFold(v, "yes")
	} else {
		return SysInfo{}, errors.New(`missing "Link detected"`)
	}
	info.Link.Speed = fields["Speed"]
	info.Link.Duplex = fields["Duplex"]
	return info, nil
}

var tempRe = regexp.MustCompile(`-?\d+`)

// ParseTemperature reads the first integer of mget_temp output as degrees celsius.
func ParseTemperature(raw string) (Temperature, error) {
	m := tempRe.FindString(raw)
	if m == "" {
		return Temperature{}, fmt.Errorf("no temperature in %q", strings.TrimSpace(raw))
	}
	c, err := strconv.Atoi(m)
	if err != nil {
		return Temperature{}, err
	}
	return Temperature{Celsius: c}, nil
}

// ParseEyeScan keeps non-empty lines.
func ParseEyeScan(raw string) (EyeScan, error) {
	var lines []string
	for _, line := range strings.Split(raw, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 {
		return EyeScan{}, errors.New("empty eye scan output")
	}
	return EyeScan{Lines: lines}, nil
}

var flapRe = regexp.MustCompile(`(?i)\blink (?:is )?(up|down)\b`)

// FlapTracker emits each kernel link flap once even though dmesg repeats history.
type FlapTracker struct {
	iface string

	mu   sync.Mutex
	seen map[string]struct{}
}

func NewFlapTracker(iface string) *FlapTracker {
	return &FlapTracker{iface: iface, seen: map[string]struct{}{}}
}

// Parse returns flap events not reported by an earlier call.
func (f *FlapTracker) Parse(raw string) []FlapEvent {
	f.mu.Lock()
	defer f.mu.Unlock()

	var events []FlapEvent
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !strings.Contains(line, f.iface) {
			continue
		}
		m := flapRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		if _, ok := f.seen[line]; ok {
			continue
		}
		f.seen[line] = struct{}{}

		ts, _, _ := strings.Cut(line, " ")
		events = append(events, FlapEvent{
			Time:      ts,
			Interface: f.iface,
			Up:        strings.EqualFold(m[1], "up"),
			Line:      line,
		})
	}
	return events
}
