package traffic

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"nicmon/internal/model"
)

const defaultReadyPoll = 100 * time.Millisecond

// Prober decides when a started server accepts clients.
type Prober interface {
	WaitReady(ctx context.Context, srv *Process, spec model.FlowSpec) error
}

var bindErrors = []string{
	"Address already in use",
	"Cannot assign requested address",
	"unable to start listener",
}

func bindFailure(log string) error {
	for _, marker := range bindErrors {
		if i := strings.Index(log, marker); i >= 0 {
			line := log[strings.LastIndexByte(log[:i], '\n')+1:]
			if j := strings.IndexByte(line, '\n'); j >= 0 {
				line = line[:j]
			}
			return &FlowError{Kind: BindFailed, Err: errors.New(strings.TrimSpace(line))}
		}
	}
	return nil
}

// checkExited classifies a server that is no longer running.
func checkExited(ctx context.Context, srv *Process) error {
	alive, err := srv.Alive(ctx)
	if err != nil || alive {
		return err
	}
	log, _ := srv.ReadLog(ctx, 1)
	if err := bindFailure(log); err != nil {
		return err
	}
	return &FlowError{Kind: ProcessCrashed, Err: fmt.Errorf("server pid %d exited before listening", srv.PID)}
}

func sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// LogProber polls the server log for iperf3's listening line.
type LogProber struct {
	Poll time.Duration
}

func (p LogProber) WaitReady(ctx context.Context, srv *Process, spec model.FlowSpec) error {
	poll := p.Poll
	if poll <= 0 {
		poll = defaultReadyPoll
	}
	marker := listeningMarker + " " + strconv.Itoa(spec.Port)
	for {
		log, err := srv.ReadLog(ctx, 1)
		if err != nil {
			return err
		}
		if strings.Contains(log, marker) {
			return nil
		}
		if err := bindFailure(log); err != nil {
			return err
		}
		if err := checkExited(ctx, srv); err != nil {
			return err
		}
		if err := sleep(ctx, poll); err != nil {
			return err
		}
	}
}

// ContextDialer is implemented by executors that can open TCP connections from their
// host, such as a remote session forwarding through its terminal hop.
type ContextDialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// TCPProber dials the server's address until it accepts. The dial leaves from the
// server's host when its executor is a ContextDialer, and from this host otherwise.
type TCPProber struct {
	Poll        time.Duration
	DialTimeout time.Duration
}

func (p TCPProber) WaitReady(ctx context.Context, srv *Process, spec model.FlowSpec) error {
	poll := p.Poll
	if poll <= 0 {
		poll = defaultReadyPoll
	}
	timeout := p.DialTimeout
	if timeout <= 0 {
		timeout = time.Second
	}
	var dialer ContextDialer = &net.Dialer{}
	if d, ok := srv.ex.(ContextDialer); ok {
		dialer = d
	}
	addr := net.JoinHostPort(spec.RemoteIP, strconv.Itoa(spec.Port))
	for {
		dctx, cancel := context.WithTimeout(ctx, timeout)
		conn, err := dialer.DialContext(dctx, "tcp", addr)
		cancel()
		if err == nil {
			conn.Close()
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := checkExited(ctx, srv); err != nil {
			return err
		}
		if err := sleep(ctx, poll); err != nil {
			return err
		}
	}
}
