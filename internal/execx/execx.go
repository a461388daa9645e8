package execx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultTimeout bounds commands whose caller passed no timeout.
const DefaultTimeout = 30 * time.Second

// Result is the outcome of one command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Executor runs shell commands on a target. Samplers and traffic flows depend only on this
// capability so they work the same against local and remote hosts.
type Executor interface {
	Execute(ctx context.Context, command string, timeout time.Duration) (Result, error)
	String() string
}

// Liveness is implemented by executors backed by a connection that can drop and come back.
// Done is closed once the connection has failed for good; Err then returns the reason.
type Liveness interface {
	Done() <-chan struct{}
	Err() error
	WaitConnected(ctx context.Context) error
}

// Run executes command on ex. It is the single entry point used above the executor layer.
func Run(ctx context.Context, ex Executor, command string, timeout time.Duration) (Result, error) {
	if ex == nil {
		return Result{}, errors.New("executor not initialized")
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return ex.Execute(ctx, command, timeout)
}

// LocalExecutor runs commands as subprocesses of this host via os/exec.
type LocalExecutor struct {
	Shell string
	log   *zap.Logger
}

// NewLocalExecutor returns an executor that runs commands through /bin/sh.
func NewLocalExecutor(log *zap.Logger) *LocalExecutor {
	if log == nil {
		log = zap.NewNop()
	}
	return &LocalExecutor{Shell: "/bin/sh", log: log}
}

func (l *LocalExecutor) String() string { return "local" }

func (l *LocalExecutor) Execute(ctx context.Context, command string, timeout time.Duration) (Result, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, l.Shell, "-c", command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Backgrounded children may inherit the pipes; do not wait on them forever.
	cmd.WaitDelay = time.Second

	start := time.Now()
	err := cmd.Run()
	res := Result{
		Stdout:   strings.TrimSpace(stdout.String()),
		Stderr:   strings.TrimSpace(stderr.String()),
		Duration: time.Since(start),
	}
	l.log.Debug("local command", zap.String("command", command), zap.Duration("took", res.Duration), zap.Error(err))

	if err == nil {
		return res, nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return res, &ExecError{Kind: Timeout, Command: command, Result: res, Err: ctx.Err()}
	}
	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, &ExecError{Kind: NonZeroExit, Command: command, Result: res, Err: err}
	}
	return res, fmt.Errorf("run %q: %w", command, err)
}
