package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"nicmon/internal/model"
)

// ConnectErrorKind classifies why a hop chain could not be established.
type ConnectErrorKind int

const (
	HopUnreachable ConnectErrorKind = iota + 1
	AuthFailed
	Timeout
)

func (k ConnectErrorKind) String() string {
	switch k {
	case HopUnreachable:
		return "hop unreachable"
	case AuthFailed:
		return "authentication failed"
	case Timeout:
		return "timeout"
	default:
		return "unknown"
	}
}

var (
	// ErrClosed is returned once Close has been called on a session.
	ErrClosed = errors.New("session closed")
	// ErrNotConnected is returned by operations that need an established chain.
	ErrNotConnected = errors.New("session not connected")
)

// ConnectError identifies the first hop of a chain that failed.
type ConnectError struct {
	Kind    ConnectErrorKind
	Hop     int
	Address string
	Err     error
}

func (e *ConnectError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("hop %d (%s): %s: %v", e.Hop, e.Address, e.Kind, e.Err)
	}
	return fmt.Sprintf("hop %d (%s): %s", e.Hop, e.Address, e.Kind)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// classify turns a dial failure at hop index i into a *ConnectError.
func classify(ctx context.Context, i int, hop model.Hop, err error) *ConnectError {
	var ce *ConnectError
	if errors.As(err, &ce) {
		out := *ce
		out.Hop = i
		if out.Address == "" {
			out.Address = hop.Address
		}
		return &out
	}

	kind := HopUnreachable
	var netErr net.Error
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		kind = Timeout
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = Timeout
	case isAuthError(err):
		kind = AuthFailed
	}
	return &ConnectError{Kind: kind, Hop: i, Address: hop.Address, Err: err}
}

func isAuthError(err error) bool {
	s := err.Error()
	return strings.Contains(s, "unable to authenticate") || strings.Contains(s, "no supported methods remain")
}
