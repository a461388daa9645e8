// Package execxtest provides a scripted execx.Executor for unit tests.
package execxtest

import (
	"context"
	"strings"
	"sync"
	"time"

	"nicmon/internal/execx"
)

// HandlerFunc answers one command.
type HandlerFunc func(ctx context.Context, command string) (execx.Result, error)

// Call records one executed command.
type Call struct {
	Command string
	At      time.Time
}

type rule struct {
	match string
	fn    HandlerFunc
}

// Fake matches commands by substring against registered rules in order.
// Unmatched commands succeed with empty output.
type Fake struct {
	Name string

	mu    sync.Mutex
	rules []rule
	calls []Call
}

var _ execx.Executor = (*Fake)(nil)

func New(name string) *Fake {
	return &Fake{Name: name}
}

// On registers fn for commands containing match.
func (f *Fake) On(match string, fn HandlerFunc) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, rule{match: match, fn: fn})
	return f
}

func (f *Fake) String() string { return f.Name }

func (f *Fake) Execute(ctx context.Context, command string, timeout time.Duration) (execx.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, Call{Command: command, At: time.Now()})
	var fn HandlerFunc
	for _, r := range f.rules {
		if strings.Contains(command, r.match) {
			fn = r.fn
			break
		}
	}
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return execx.Result{}, err
	}
	if fn == nil {
		return execx.Result{}, nil
	}
	return fn(ctx, command)
}

// Calls returns a copy of every recorded call.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// Count returns how many recorded commands contain match.
func (f *Fake) Count(match string) int {
	n := 0
	for _, c := range f.Calls() {
		if strings.Contains(c.Command, match) {
			n++
		}
	}
	return n
}

// Output answers with stdout.
func Output(stdout string) HandlerFunc {
	return func(context.Context, string) (execx.Result, error) {
		return execx.Result{Stdout: stdout}, nil
	}
}

// Fail answers with an *execx.ExecError of the given kind.
func Fail(kind execx.ErrorKind) HandlerFunc {
	return func(_ context.Context, command string) (execx.Result, error) {
		res := execx.Result{}
		if kind == execx.NonZeroExit {
			res.ExitCode = 1
		}
		return res, &execx.ExecError{Kind: kind, Command: command, Result: res}
	}
}

// Sequence answers successive calls with successive handlers, repeating the last one.
func Sequence(fns ...HandlerFunc) HandlerFunc {
	var mu sync.Mutex
	i := 0
	return func(ctx context.Context, command string) (execx.Result, error) {
		mu.Lock()
		fn := fns[i]
		if i < len(fns)-1 {
			i++
		}
		mu.Unlock()
		return fn(ctx, command)
	}
}
