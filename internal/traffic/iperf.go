package traffic

import (
	"bufio"
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"nicmon/internal/model"
)

// iperf3 prints this once its listener is bound.
const listeningMarker = "Server listening on"

// IperfCommands renders the shell commands driving iperf3 for one run.
type IperfCommands struct {
	Binary      string
	LogDir      string
	RunID       string
	IntervalSec int
}

func (c IperfCommands) binary() string {
	if c.Binary == "" {
		return "iperf3"
	}
	return c.Binary
}

// ServerLog is where the server of spec writes its output.
func (c IperfCommands) ServerLog(spec model.FlowSpec) string {
	return path.Join(c.LogDir, fmt.Sprintf("nicmon-%s-%s-%d-server.log", c.RunID, spec.ID, spec.Port))
}

// ClientLog is where the client of spec writes its output.
func (c IperfCommands) ClientLog(spec model.FlowSpec) string {
	return path.Join(c.LogDir, fmt.Sprintf("nicmon-%s-%s-%d-client.log", c.RunID, spec.ID, spec.Port))
}

// Server starts an iperf3 server bound to the flow's remote address.
func (c IperfCommands) Server(spec model.FlowSpec) string {
	args := []string{
		c.binary(), "-s",
		"-B", spec.RemoteIP,
		"-p", strconv.Itoa(spec.Port),
		"--forceflush",
		"--logfile", quote(c.ServerLog(spec)),
	}
	return background(strings.Join(args, " "), c.ServerLog(spec))
}

// Client starts an iperf3 client sending from the flow's local address.
func (c IperfCommands) Client(spec model.FlowSpec) string {
	interval := c.IntervalSec
	if interval <= 0 {
		interval = 1
	}
	parallel := spec.Parallel
	if parallel <= 0 {
		parallel = 1
	}
	args := []string{
		c.binary(), "-c", spec.RemoteIP,
		"-B", spec.LocalIP,
		"-p", strconv.Itoa(spec.Port),
		"-P", strconv.Itoa(parallel),
		"-t", strconv.Itoa(max(spec.DurationSec, 0)),
		"-i", strconv.Itoa(interval),
	}
	if spec.Protocol == model.UDP {
		args = append(args, "-u")
	}
	if spec.Bandwidth != "" {
		args = append(args, "-b", quote(spec.Bandwidth))
	}
	args = append(args, "--forceflush", "--logfile", quote(c.ClientLog(spec)))
	return background(strings.Join(args, " "), c.ClientLog(spec))
}

// background detaches command from the executing shell and prints its pid.
func background(command, logPath string) string {
	return fmt.Sprintf("rm -f %s; nohup %s > /dev/null 2>&1 & echo $!", quote(logPath), command)
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// Report is one iperf3 bandwidth line.
type Report struct {
	Stream     string
	Start      float64
	End        float64
	Bytes      int64
	BitsPerSec float64
	// Role is "sender" or "receiver" on final summary lines, empty on interval lines.
	Role string
}

// Duration of the reported interval.
func (r Report) Duration() time.Duration {
	return time.Duration((r.End - r.Start) * float64(time.Second))
}

var reportRe = regexp.MustCompile(`^\[\s*(\d+|SUM)\]\s+([\d.]+)-([\d.]+)\s+sec\s+([\d.]+)\s+([KMGT]?)Bytes\s+([\d.]+)\s+([KMGT]?)bits/sec(.*)$`)

var byteUnits = map[string]float64{"": 1, "K": 1 << 10, "M": 1 << 20, "G": 1 << 30, "T": 1 << 40}
var bitUnits = map[string]float64{"": 1, "K": 1e3, "M": 1e6, "G": 1e9, "T": 1e12}

// ParseReport parses one iperf3 output line.
func ParseReport(line string) (Report, bool) {
	m := reportRe.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return Report{}, false
	}
	start, err1 := strconv.ParseFloat(m[2], 64)
	end, err2 := strconv.ParseFloat(m[3], 64)
	amount, err3 := strconv.ParseFloat(m[4], 64)
	rate, err4 := strconv.ParseFloat(m[6], 64)
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		return Report{}, false
	}

	r := Report{
		Stream:     m[1],
		Start:      start,
		End:        end,
		Bytes:      int64(amount * byteUnits[m[5]]),
		BitsPerSec: rate * bitUnits[m[7]],
	}
	tail := strings.Fields(m[8])
	if n := len(tail); n > 0 && (tail[n-1] == "sender" || tail[n-1] == "receiver") {
		r.Role = tail[n-1]
	}
	return r, true
}

// IntervalReports returns the per-interval totals in text: SUM lines when the client runs
// parallel streams, the single stream's lines otherwise. Summary lines are skipped.
func IntervalReports(text string) []Report {
	var streams, sums []Report
	sc := bufio.NewScanner(strings.NewReader(text))
	for sc.Scan() {
		r, ok := ParseReport(sc.Text())
		if !ok || r.Role != "" {
			continue
		}
		if r.Stream == "SUM" {
			sums = append(sums, r)
		} else {
			streams = append(streams, r)
		}
	}
	if len(sums) > 0 {
		return sums
	}
	return streams
}

// FinalReport returns the end-of-test summary, preferring the receiver's view and the
// SUM line over a single stream.
func FinalReport(text string) (Report, bool) {
	var best Report
	found := false
	score := func(r Report) int {
		s := 0
		if r.Role == "receiver" {
			s += 2
		}
		if r.Stream == "SUM" {
			s++
		}
		return s
	}
	sc := bufio.NewScanner(strings.NewReader(text))
	for sc.Scan() {
		r, ok := ParseReport(sc.Text())
		if !ok || r.Role == "" {
			continue
		}
		if !found || score(r) > score(best) {
			best, found = r, true
		}
	}
	return best, found
}
