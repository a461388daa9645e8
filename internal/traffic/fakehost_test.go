package traffic

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"nicmon/internal/execx"
	"nicmon/internal/model"
)

// event is one process action observed by a fakeHost.
type event struct {
	host   string
	action string // start, TERM or KILL
	role   string // server or client
	port   int
}

// procTable hands out pids and records events across hosts in one global order.
type procTable struct {
	mu      sync.Mutex
	nextPID int
	events  []event
}

func (t *procTable) record(e event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, e)
}

func (t *procTable) pid() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextPID++
	return 1000 + t.nextPID
}

func (t *procTable) all() []event {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]event, len(t.events))
	copy(out, t.events)
	return out
}

// indexes returns the positions of matching events.
func (t *procTable) indexes(action, role string) []int {
	var out []int
	for i, e := range t.all() {
		if e.action == action && e.role == role {
			out = append(out, i)
		}
	}
	return out
}

type fakeProc struct {
	role  string
	port  int
	alive bool
}

// fakeHost emulates the shell commands a flow sends to a host: backgrounded iperf3 starts,
// kill and tail.
type fakeHost struct {
	name  string
	table *procTable

	// serverLog and clientLog return the log content a process writes for a port.
	serverLog func(port int) string
	clientLog func(port int) string
	// serverDies and clientExits make the process exit right after start.
	serverDies  func(port int) bool
	clientExits bool

	mu    sync.Mutex
	procs map[int]*fakeProc
	logs  map[string]string
}

var _ execx.Executor = (*fakeHost)(nil)

func newFakeHost(name string, table *procTable) *fakeHost {
	return &fakeHost{
		name:  name,
		table: table,
		serverLog: func(port int) string {
			return fmt.Sprintf("-----------------------------------------------------------\nServer listening on %d (test #1)\n-----------------------------------------------------------", port)
		},
		clientLog:  func(int) string { return "" },
		serverDies: func(int) bool { return false },
		procs:      map[int]*fakeProc{},
		logs:       map[string]string{},
	}
}

func (h *fakeHost) String() string { return h.name }

var (
	rmLogRe = regexp.MustCompile(`^rm -f '([^']+)'`)
	portRe  = regexp.MustCompile(` -p (\d+)`)
	killRe  = regexp.MustCompile(`^kill -(\w+) (\d+)$`)
	tailRe  = regexp.MustCompile(`^tail -n \+(\d+) '([^']+)'`)
)

func nonZero(command string) error {
	return &execx.ExecError{Kind: execx.NonZeroExit, Command: command, Result: execx.Result{ExitCode: 1}}
}

func (h *fakeHost) Execute(ctx context.Context, command string, _ time.Duration) (execx.Result, error) {
	if err := ctx.Err(); err != nil {
		return execx.Result{}, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if m := rmLogRe.FindStringSubmatch(command); m != nil {
		port, _ := strconv.Atoi(portRe.FindStringSubmatch(command)[1])
		role, alive := "client", !h.clientExits
		content := h.clientLog(port)
		if strings.Contains(command, " -s ") {
			role, alive = "server", !h.serverDies(port)
			content = h.serverLog(port)
		}
		pid := h.table.pid()
		h.procs[pid] = &fakeProc{role: role, port: port, alive: alive}
		h.logs[m[1]] = content
		h.table.record(event{host: h.name, action: "start", role: role, port: port})
		return execx.Result{Stdout: strconv.Itoa(pid)}, nil
	}

	if m := killRe.FindStringSubmatch(command); m != nil {
		pid, _ := strconv.Atoi(m[2])
		p, ok := h.procs[pid]
		if !ok || !p.alive {
			return execx.Result{ExitCode: 1}, nonZero(command)
		}
		if m[1] != "0" {
			p.alive = false
			h.table.record(event{host: h.name, action: m[1], role: p.role, port: p.port})
		}
		return execx.Result{}, nil
	}

	if m := tailRe.FindStringSubmatch(command); m != nil {
		from, _ := strconv.Atoi(m[1])
		content, ok := h.logs[m[2]]
		if !ok || content == "" {
			return execx.Result{}, nil
		}
		lines := strings.Split(content, "\n")
		if from > len(lines) {
			return execx.Result{}, nil
		}
		return execx.Result{Stdout: strings.Join(lines[from-1:], "\n")}, nil
	}

	return execx.Result{}, fmt.Errorf("fake host: unexpected command %q", command)
}

// appendClientLog adds lines to every client log on the host.
func (h *fakeHost) appendClientLog(lines ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for path, content := range h.logs {
		if !strings.HasSuffix(path, "-client.log") {
			continue
		}
		for _, l := range lines {
			if content != "" {
				content += "\n"
			}
			content += l
		}
		h.logs[path] = content
	}
}

func (h *fakeHost) killClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, p := range h.procs {
		if p.role == "client" {
			p.alive = false
		}
	}
}

// recordingSink collects samples handed to it.
type recordingSink struct {
	mu      sync.Mutex
	samples []model.BandwidthSample
	flushes int
}

func (r *recordingSink) Add(_ context.Context, s model.BandwidthSample) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, s)
	return nil
}

func (r *recordingSink) Flush(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushes++
	return nil
}

func (r *recordingSink) all() []model.BandwidthSample {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.BandwidthSample, len(r.samples))
	copy(out, r.samples)
	return out
}
