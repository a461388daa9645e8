package execx

import (
	"errors"
	"fmt"
)

// ErrorKind classifies command execution failures.
type ErrorKind int

const (
	ConnectionLost ErrorKind = iota + 1
	Timeout
	NonZeroExit
)

func (k ErrorKind) String() string {
	switch k {
	case ConnectionLost:
		return "connection lost"
	case Timeout:
		return "timeout"
	case NonZeroExit:
		return "non-zero exit"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is matching against an *ExecError of the same kind.
var (
	ErrConnectionLost = errors.New("connection lost")
	ErrTimeout        = errors.New("command timed out")
	ErrNonZeroExit    = errors.New("non-zero exit status")
)

// ExecError is returned by executors when a command did not complete successfully.
type ExecError struct {
	Kind    ErrorKind
	Command string
	Result  Result
	Err     error
}

func (e *ExecError) Error() string {
	switch e.Kind {
	case NonZeroExit:
		if e.Result.Stderr != "" {
			return fmt.Sprintf("%q exited %d: %s", e.Command, e.Result.ExitCode, e.Result.Stderr)
		}
		return fmt.Sprintf("%q exited %d", e.Command, e.Result.ExitCode)
	default:
		if e.Err != nil {
			return fmt.Sprintf("%q: %s: %v", e.Command, e.Kind, e.Err)
		}
		return fmt.Sprintf("%q: %s", e.Command, e.Kind)
	}
}

func (e *ExecError) Unwrap() error { return e.Err }

func (e *ExecError) Is(target error) bool {
	switch target {
	case ErrConnectionLost:
		return e.Kind == ConnectionLost
	case ErrTimeout:
		return e.Kind == Timeout
	case ErrNonZeroExit:
		return e.Kind == NonZeroExit
	}
	return false
}

// IsConnectionLost reports whether err means the underlying connection dropped.
func IsConnectionLost(err error) bool {
	return errors.Is(err, ErrConnectionLost)
}
