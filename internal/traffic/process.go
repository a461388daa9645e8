package traffic

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"nicmon/internal/execx"
)

const commandTimeout = 10 * time.Second

// Process is a detached process on a host, controlled by pid through the host's executor.
type Process struct {
	ex      execx.Executor
	PID     int
	LogPath string
}

// startProcess runs a command rendered by background and returns the detached process.
func startProcess(ctx context.Context, ex execx.Executor, command, logPath string) (*Process, error) {
	res, err := execx.Run(ctx, ex, command, commandTimeout)
	if err != nil {
		return nil, err
	}
	out := strings.TrimSpace(res.Stdout)
	if i := strings.LastIndexByte(out, '\n'); i >= 0 {
		out = out[i+1:]
	}
	pid, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil || pid <= 0 {
		return nil, fmt.Errorf("no pid in output %q", res.Stdout)
	}
	return &Process{ex: ex, PID: pid, LogPath: logPath}, nil
}

// Alive reports whether the process still exists.
func (p *Process) Alive(ctx context.Context) (bool, error) {
	_, err := execx.Run(ctx, p.ex, fmt.Sprintf("kill -0 %d", p.PID), commandTimeout)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, execx.ErrNonZeroExit) {
		return false, nil
	}
	return false, err
}

func (p *Process) signal(ctx context.Context, sig string) error {
	_, err := execx.Run(ctx, p.ex, fmt.Sprintf("kill -%s %d", sig, p.PID), commandTimeout)
	if errors.Is(err, execx.ErrNonZeroExit) {
		// Already gone.
		return nil
	}
	return err
}

// Stop sends SIGTERM, waits up to grace for the process to exit, then sends SIGKILL.
func (p *Process) Stop(ctx context.Context, grace, poll time.Duration) error {
	if err := p.signal(ctx, "TERM"); err != nil {
		return err
	}
	deadline := time.Now().Add(grace)
	for {
		alive, err := p.Alive(ctx)
		if err != nil {
			return err
		}
		if !alive {
			return nil
		}
		if time.Now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(poll):
		}
	}
	return p.signal(ctx, "KILL")
}

// Wait polls until the process has exited or ctx ends.
func (p *Process) Wait(ctx context.Context, poll time.Duration) error {
	for {
		alive, err := p.Alive(ctx)
		if err != nil {
			return err
		}
		if !alive {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(poll):
		}
	}
}

// ReadLog returns the log from line from (1-based) onwards. A missing log reads as empty.
func (p *Process) ReadLog(ctx context.Context, from int) (string, error) {
	if from < 1 {
		from = 1
	}
	cmd := fmt.Sprintf("tail -n +%d %s 2>/dev/null || true", from, quote(p.LogPath))
	res, err := execx.Run(ctx, p.ex, cmd, commandTimeout)
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}
