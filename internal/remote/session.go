// Package remote maintains command sessions to hosts reached through a chain of SSH hops.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"nicmon/internal/execx"
	"nicmon/internal/model"
)

const (
	DefaultConnectTimeout    = 10 * time.Second
	DefaultKeepalive         = 15 * time.Second
	DefaultReconnectAttempts = 5
	DefaultReconnectBase     = time.Second
	DefaultReconnectMax      = 30 * time.Second
)

// Options tune a Session. Zero values take the defaults above.
type Options struct {
	Name              string
	ConnectTimeout    time.Duration
	Keepalive         time.Duration
	ReconnectAttempts int
	ReconnectBase     time.Duration
	ReconnectMax      time.Duration
	Logger            *zap.Logger
}

func (o *Options) applyDefaults() {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.Keepalive <= 0 {
		o.Keepalive = DefaultKeepalive
	}
	if o.ReconnectAttempts <= 0 {
		o.ReconnectAttempts = DefaultReconnectAttempts
	}
	if o.ReconnectBase <= 0 {
		o.ReconnectBase = DefaultReconnectBase
	}
	if o.ReconnectMax <= 0 {
		o.ReconnectMax = DefaultReconnectMax
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Session runs commands on the terminal hop of a chain and keeps the chain alive.
// Commands are serialised in submission order.
type Session struct {
	opts   Options
	dialer Dialer
	log    *zap.Logger

	state atomic.Int32
	cmds  fifoLock
	lost  chan struct{}

	mu    sync.Mutex
	chain []model.Hop
	hops  []Conn
	up    chan struct{}
	err   error

	done      chan struct{}
	doneOnce  sync.Once
	closeOnce sync.Once
	closed    atomic.Bool
	started   atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

var (
	_ execx.Executor = (*Session)(nil)
	_ execx.Liveness = (*Session)(nil)
)

// New returns a disconnected session that dials hops through d.
func New(d Dialer, opts Options) *Session {
	opts.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		opts:   opts,
		dialer: d,
		log:    opts.Logger.With(zap.String("session", opts.Name)),
		lost:   make(chan struct{}, 1),
		up:     make(chan struct{}),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Connect dials chain in order. On failure every hop already established is closed in
// reverse order and a *ConnectError naming the first failing hop is returned.
func (s *Session) Connect(ctx context.Context, chain []model.Hop, timeout time.Duration) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if len(chain) == 0 {
		return errors.New("empty hop chain")
	}
	if timeout <= 0 {
		timeout = s.opts.ConnectTimeout
	}

	s.mu.Lock()
	s.chain = append([]model.Hop(nil), chain...)
	s.mu.Unlock()

	s.drop()
	s.setState(model.Connecting)
	hops, err := s.dial(ctx, chain, timeout)
	if err != nil {
		s.setState(model.Disconnected)
		s.log.Warn("connect failed", zap.Error(err))
		return err
	}
	s.install(hops)
	s.log.Info("connected", zap.String("chain", s.String()))

	if s.started.CompareAndSwap(false, true) {
		s.wg.Add(1)
		go s.keepalive()
	}
	return nil
}

func (s *Session) dial(ctx context.Context, chain []model.Hop, timeout time.Duration) ([]Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	hops := make([]Conn, 0, len(chain))
	for i, hop := range chain {
		var via Conn
		if i > 0 {
			via = hops[i-1]
		}
		c, err := s.dialer.DialHop(ctx, hop, via)
		if err != nil {
			if cerr := closeReverse(hops); cerr != nil {
				s.log.Debug("teardown after failed hop", zap.Error(cerr))
			}
			return nil, classify(ctx, i, hop, err)
		}
		hops = append(hops, c)
	}
	return hops, nil
}

// closeReverse closes hops from terminal back to the first jump host.
func closeReverse(hops []Conn) error {
	var result *multierror.Error
	for i := len(hops) - 1; i >= 0; i-- {
		if err := hops[i].Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close hop %d: %w", i, err))
		}
	}
	return result.ErrorOrNil()
}

func (s *Session) install(hops []Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		_ = closeReverse(hops)
		return
	}
	s.hops = hops
	s.setState(model.Connected)
	select {
	case <-s.up:
	default:
		close(s.up)
	}
}

// drop tears down the current chain and re-arms WaitConnected.
func (s *Session) drop() {
	s.mu.Lock()
	hops := s.hops
	s.hops = nil
	select {
	case <-s.up:
		s.up = make(chan struct{})
	default:
	}
	s.mu.Unlock()
	if err := closeReverse(hops); err != nil {
		s.log.Debug("teardown", zap.Error(err))
	}
}

func (s *Session) terminal() Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.hops) == 0 {
		return nil
	}
	return s.hops[len(s.hops)-1]
}

// IsConnected probes the terminal hop with a keepalive request.
func (s *Session) IsConnected(ctx context.Context) bool {
	conn := s.terminal()
	if conn == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	defer cancel()
	return conn.Keepalive(ctx) == nil
}

// DialContext opens a TCP connection from the terminal hop to addr.
func (s *Session) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	if network != "tcp" {
		return nil, fmt.Errorf("dial %s: unsupported network %q", addr, network)
	}
	conn := s.terminal()
	if conn == nil || s.State() != model.Connected {
		return nil, fmt.Errorf("dial %s: %w", addr, ErrNotConnected)
	}
	return conn.Forward(ctx, addr)
}

// Execute runs command on the terminal hop.
func (s *Session) Execute(ctx context.Context, command string, timeout time.Duration) (execx.Result, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	if err := s.cmds.Lock(ctx); err != nil {
		return execx.Result{}, s.ctxError(ctx, command, execx.Result{}, err)
	}
	defer s.cmds.Unlock()

	conn := s.terminal()
	if conn == nil || s.State() != model.Connected {
		cause := s.Err()
		if cause == nil {
			cause = ErrNotConnected
		}
		return execx.Result{}, &execx.ExecError{Kind: execx.ConnectionLost, Command: command, Err: cause}
	}

	res, err := conn.Run(ctx, command)
	res.Duration = time.Since(start)
	s.log.Debug("remote command", zap.String("command", command), zap.Duration("took", res.Duration), zap.Error(err))

	if err != nil {
		if ctx.Err() != nil {
			return res, s.ctxError(ctx, command, res, ctx.Err())
		}
		s.signalLost()
		return res, &execx.ExecError{Kind: execx.ConnectionLost, Command: command, Result: res, Err: err}
	}
	if res.ExitCode != 0 {
		return res, &execx.ExecError{Kind: execx.NonZeroExit, Command: command, Result: res}
	}
	return res, nil
}

func (s *Session) ctxError(ctx context.Context, command string, res execx.Result, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &execx.ExecError{Kind: execx.Timeout, Command: command, Result: res, Err: err}
	}
	return err
}

func (s *Session) signalLost() {
	select {
	case s.lost <- struct{}{}:
	default:
	}
}

func (s *Session) keepalive() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.Keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.lost:
			if s.IsConnected(s.ctx) {
				continue
			}
		case <-ticker.C:
			if s.IsConnected(s.ctx) {
				continue
			}
		}
		if s.ctx.Err() != nil {
			return
		}

		s.log.Warn("connection lost, reconnecting")
		s.drop()
		if err := s.reconnect(s.ctx); err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.fail(err)
			return
		}
		// Commands that failed on the old chain signalled a loss that is already handled.
		select {
		case <-s.lost:
		default:
		}
		s.log.Info("reconnected", zap.String("chain", s.String()))
	}
}

func (s *Session) reconnect(ctx context.Context) error {
	s.mu.Lock()
	chain := s.chain
	s.mu.Unlock()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.ReconnectBase
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = s.opts.ReconnectMax
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.opts.ReconnectAttempts-1)), ctx)

	var lastErr error
	attempt := 0
	op := func() error {
		attempt++
		s.setState(model.Connecting)
		hops, err := s.dial(ctx, chain, s.opts.ConnectTimeout)
		if err != nil {
			lastErr = err
			var ce *ConnectError
			if errors.As(err, &ce) && ce.Kind == AuthFailed {
				return backoff.Permanent(err)
			}
			return err
		}
		s.install(hops)
		return nil
	}
	notify := func(err error, wait time.Duration) {
		s.log.Warn("reconnect attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("budget", s.opts.ReconnectAttempts),
			zap.Duration("retry_in", wait),
			zap.Error(err))
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		if lastErr != nil {
			return lastErr
		}
		return err
	}
	return nil
}

// fail moves the session to its terminal Failed state.
func (s *Session) fail(err error) {
	s.log.Error("session failed", zap.Error(err))
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.setState(model.Failed)
	s.doneOnce.Do(func() { close(s.done) })
}

// Done is closed once the session has failed for good or was closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns why Done was closed.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// WaitConnected blocks until the chain is up, the session terminally fails, or ctx ends.
func (s *Session) WaitConnected(ctx context.Context) error {
	for {
		select {
		case <-s.done:
			if err := s.Err(); err != nil {
				return err
			}
			return ErrClosed
		default:
		}

		s.mu.Lock()
		up := s.up
		s.mu.Unlock()
		select {
		case <-up:
			if s.State() == model.Connected {
				return nil
			}
			// up is re-armed by drop; yield until that happens.
			if err := sleepCtx(ctx, 10*time.Millisecond); err != nil {
				return err
			}
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the current connection state.
func (s *Session) State() model.ConnState {
	return model.ConnState(s.state.Load())
}

func (s *Session) setState(st model.ConnState) {
	s.state.Store(int32(st))
}

func (s *Session) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.chain) == 0 {
		return "ssh:" + s.opts.Name
	}
	addrs := make([]string, len(s.chain))
	for i, hop := range s.chain {
		addrs[i] = hop.Address
	}
	return "ssh:" + strings.Join(addrs, "->")
}

// Close tears the chain down. It is safe to call more than once and from any goroutine.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.cancel()
		s.wg.Wait()

		s.mu.Lock()
		hops := s.hops
		s.hops = nil
		if s.err == nil {
			s.err = ErrClosed
		}
		s.mu.Unlock()

		err = closeReverse(hops)
		s.setState(model.Disconnected)
		s.doneOnce.Do(func() { close(s.done) })
	})
	return err
}

// fifoLock is a mutex that grants ownership in arrival order.
type fifoLock struct {
	mu      sync.Mutex
	busy    bool
	waiters []chan struct{}
}

func (l *fifoLock) Lock(ctx context.Context) error {
	l.mu.Lock()
	if !l.busy {
		l.busy = true
		l.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	l.waiters = append(l.waiters, ch)
	l.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		for i, w := range l.waiters {
			if w == ch {
				l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
				l.mu.Unlock()
				return ctx.Err()
			}
		}
		l.mu.Unlock()
		// Ownership was handed over concurrently; pass it on.
		l.Unlock()
		return ctx.Err()
	}
}

func (l *fifoLock) Unlock() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.waiters) > 0 {
		next := l.waiters[0]
		l.waiters = l.waiters[1:]
		close(next)
		return
	}
	l.busy = false
}

func (l *fifoLock) waiting() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.waiters)
}
