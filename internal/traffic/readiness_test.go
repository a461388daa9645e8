package traffic

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nicmon/internal/execx"
	"nicmon/internal/execx/execxtest"
	"nicmon/internal/model"
)

func TestProcess_StartParsesPid(t *testing.T) {
	t.Parallel()

	ex := execxtest.New("host").On("nohup", execxtest.Output("some noise\n4242"))
	p, err := startProcess(context.Background(), ex, "rm -f 'x'; nohup sleep 1 > /dev/null 2>&1 & echo $!", "x")
	require.NoError(t, err)
	assert.Equal(t, 4242, p.PID)

	bad := execxtest.New("host").On("nohup", execxtest.Output("sh: nohup: not found"))
	_, err = startProcess(context.Background(), bad, "nohup x & echo $!", "x")
	assert.Error(t, err)
}

func TestProcess_StopEscalatesToKill(t *testing.T) {
	t.Parallel()

	ex := execxtest.New("host").
		On("kill -0", func(context.Context, string) (execx.Result, error) { return execx.Result{}, nil })
	p := &Process{ex: ex, PID: 7, LogPath: "/tmp/x"}

	require.NoError(t, p.Stop(context.Background(), 30*time.Millisecond, 5*time.Millisecond))
	assert.Equal(t, 1, ex.Count("kill -TERM 7"))
	assert.Equal(t, 1, ex.Count("kill -KILL 7"))
}

func TestProcess_StopOfExitedProcess(t *testing.T) {
	t.Parallel()

	ex := execxtest.New("host").On("kill", execxtest.Fail(execx.NonZeroExit))
	p := &Process{ex: ex, PID: 7}
	require.NoError(t, p.Stop(context.Background(), time.Second, time.Millisecond))
	assert.Zero(t, ex.Count("kill -KILL"))
}

func TestProcess_ReadLogFromLine(t *testing.T) {
	t.Parallel()

	ex := execxtest.New("host").On("tail -n +3 '/tmp/it'\"'\"'s.log'", execxtest.Output("third"))
	p := &Process{ex: ex, PID: 1, LogPath: "/tmp/it's.log"}
	out, err := p.ReadLog(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, "third", out)
}

func TestBindFailure(t *testing.T) {
	t.Parallel()

	err := bindFailure("-----\niperf3: error - unable to start listener for connections: Address already in use\niperf3: exiting")
	var fe *FlowError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, BindFailed, fe.Kind)
	assert.Equal(t, "iperf3: error - unable to start listener for connections: Address already in use", fe.Err.Error())

	assert.NoError(t, bindFailure("Server listening on 5001"))
}

func TestLogProber_CrashedServer(t *testing.T) {
	t.Parallel()

	ex := execxtest.New("host").
		On("tail", execxtest.Output("")).
		On("kill -0", execxtest.Fail(execx.NonZeroExit))
	p := &Process{ex: ex, PID: 3, LogPath: "/tmp/s.log"}

	err := LogProber{Poll: time.Millisecond}.WaitReady(context.Background(), p, model.FlowSpec{Port: 5001})
	var fe *FlowError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, ProcessCrashed, fe.Kind)
}

func TestTCPProber_WaitsForListener(t *testing.T) {
	t.Parallel()

	// Reserve a free port, then release it so the prober first sees it closed.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	ex := execxtest.New("host").On("kill -0", execxtest.Output(""))
	p := &Process{ex: ex, PID: 3}
	spec := model.FlowSpec{RemoteIP: "127.0.0.1", Port: port}

	go func() {
		time.Sleep(50 * time.Millisecond)
		l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
		if err != nil {
			return
		}
		t.Cleanup(func() { l.Close() })
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, TCPProber{Poll: 5 * time.Millisecond, DialTimeout: 100 * time.Millisecond}.WaitReady(ctx, p, spec))
}

// forwardingHost is a scripted executor that also opens TCP connections from its host.
type forwardingHost struct {
	*execxtest.Fake

	mu      sync.Mutex
	refuse  int
	dialled []string
}

func (h *forwardingHost) DialContext(_ context.Context, network, addr string) (net.Conn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dialled = append(h.dialled, network+" "+addr)
	if h.refuse > 0 {
		h.refuse--
		return nil, errors.New("connect: connection refused")
	}
	local, remote := net.Pipe()
	go remote.Close()
	return local, nil
}

func TestTCPProber_DialsFromServerHost(t *testing.T) {
	t.Parallel()

	host := &forwardingHost{Fake: execxtest.New("server").On("kill -0", execxtest.Output("")), refuse: 2}
	p := &Process{ex: host, PID: 3}
	// Documentation range address: only reachable through the server host.
	spec := model.FlowSpec{RemoteIP: "192.0.2.10", Port: 5001}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, TCPProber{Poll: time.Millisecond, DialTimeout: 100 * time.Millisecond}.WaitReady(ctx, p, spec))

	host.mu.Lock()
	defer host.mu.Unlock()
	assert.Equal(t, []string{"tcp 192.0.2.10:5001", "tcp 192.0.2.10:5001", "tcp 192.0.2.10:5001"}, host.dialled)
	assert.Equal(t, 2, host.Count("kill -0"))
}
