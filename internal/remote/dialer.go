package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"nicmon/internal/addrutil"
	"nicmon/internal/execx"
	"nicmon/internal/model"
)

// Conn is one established hop.
type Conn interface {
	// Forward opens a TCP channel from this hop to addr.
	Forward(ctx context.Context, addr string) (net.Conn, error)
	// Run executes command on this hop. A returned error means the transport failed;
	// a command that ran and exited non-zero is reported through Result.ExitCode.
	Run(ctx context.Context, command string) (execx.Result, error)
	// Keepalive round-trips a request over the connection.
	Keepalive(ctx context.Context) error
	Close() error
}

// Dialer establishes hops. via is nil for the first hop of a chain.
type Dialer interface {
	DialHop(ctx context.Context, hop model.Hop, via Conn) (Conn, error)
}

// DialerConfig configures an SSHDialer.
type DialerConfig struct {
	KnownHosts         string
	InsecureSkipVerify bool
	// Aliases resolves ~/.ssh/config host aliases. Optional.
	Aliases *Aliases
	Logger  *zap.Logger
}

// SSHDialer dials hops with golang.org/x/crypto/ssh.
type SSHDialer struct {
	hostKeys ssh.HostKeyCallback
	aliases  *Aliases
	log      *zap.Logger

	agentOnce sync.Once
	agentConn net.Conn
	agent     agent.ExtendedAgent
}

// NewSSHDialer builds a dialer with host key verification configured from cfg.
func NewSSHDialer(cfg DialerConfig) (*SSHDialer, error) {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	callback, err := hostKeyCallback(cfg, log)
	if err != nil {
		return nil, err
	}
	return &SSHDialer{hostKeys: callback, aliases: cfg.Aliases, log: log}, nil
}

func hostKeyCallback(cfg DialerConfig, log *zap.Logger) (ssh.HostKeyCallback, error) {
	path := cfg.KnownHosts
	if path == "" && !cfg.InsecureSkipVerify {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, ".ssh", "known_hosts")
		}
	}
	if path != "" {
		if _, err := os.Stat(path); err == nil || cfg.KnownHosts != "" {
			callback, err := knownhosts.New(path)
			if err != nil {
				return nil, fmt.Errorf("parse known_hosts %s: %w", path, err)
			}
			return callback, nil
		}
	}
	if cfg.InsecureSkipVerify {
		log.Warn("ssh host key verification is disabled")
		return ssh.InsecureIgnoreHostKey(), nil
	}
	return nil, errors.New("no ssh host key source: set remote.known_hosts or remote.insecure_skip_verify")
}

// Close releases the ssh-agent connection, if one was opened.
func (d *SSHDialer) Close() error {
	if d.agentConn != nil {
		return d.agentConn.Close()
	}
	return nil
}

func (d *SSHDialer) DialHop(ctx context.Context, hop model.Hop, via Conn) (Conn, error) {
	hop = d.aliases.Resolve(hop)
	user, rest := addrutil.SplitUser(hop.Address)
	if hop.User == "" {
		hop.User = user
	}
	addr, ok := addrutil.HostPort(rest, addrutil.DefaultSSHPort)
	if !ok {
		return nil, &ConnectError{Kind: HopUnreachable, Address: hop.Address, Err: errors.New("invalid address")}
	}

	auth, err := d.authMethods(hop)
	if err != nil {
		return nil, &ConnectError{Kind: AuthFailed, Address: addr, Err: err}
	}
	clientCfg := &ssh.ClientConfig{
		User:            hop.User,
		Auth:            auth,
		HostKeyCallback: d.hostKeys,
	}
	if deadline, ok := ctx.Deadline(); ok {
		clientCfg.Timeout = time.Until(deadline)
	}

	var raw net.Conn
	if via == nil {
		var nd net.Dialer
		raw, err = nd.DialContext(ctx, "tcp", addr)
	} else {
		raw, err = via.Forward(ctx, addr)
	}
	if err != nil {
		return nil, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = raw.SetDeadline(deadline)
	}
	c, chans, reqs, err := ssh.NewClientConn(raw, addr, clientCfg)
	if err != nil {
		raw.Close()
		return nil, err
	}
	_ = raw.SetDeadline(time.Time{})

	d.log.Debug("hop established", zap.String("addr", addr), zap.String("role", string(hop.Role)))
	return &sshConn{client: ssh.NewClient(c, chans, reqs)}, nil
}

func (d *SSHDialer) authMethods(hop model.Hop) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if hop.KeyFile != "" {
		key, err := os.ReadFile(expandHome(hop.KeyFile))
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if ag := d.sshAgent(); ag != nil {
		methods = append(methods, ssh.PublicKeysCallback(ag.Signers))
	}
	if hop.Password != "" {
		methods = append(methods, ssh.Password(hop.Password))
	}
	if len(methods) == 0 {
		return nil, errors.New("no ssh authentication methods: set key_file, password or SSH_AUTH_SOCK")
	}
	return methods, nil
}

func (d *SSHDialer) sshAgent() agent.ExtendedAgent {
	d.agentOnce.Do(func() {
		sock := os.Getenv("SSH_AUTH_SOCK")
		if sock == "" {
			return
		}
		conn, err := net.Dial("unix", sock)
		if err != nil {
			d.log.Debug("ssh agent unavailable", zap.Error(err))
			return
		}
		d.agentConn = conn
		d.agent = agent.NewClient(conn)
	})
	return d.agent
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}

type sshConn struct {
	client *ssh.Client
}

func (c *sshConn) Forward(ctx context.Context, addr string) (net.Conn, error) {
	return c.client.DialContext(ctx, "tcp", addr)
}

func (c *sshConn) Run(ctx context.Context, command string) (execx.Result, error) {
	sess, err := c.client.NewSession()
	if err != nil {
		return execx.Result{}, err
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr
	if err := sess.Start(command); err != nil {
		return execx.Result{}, err
	}

	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()

	collect := func() execx.Result {
		return execx.Result{
			Stdout: strings.TrimSpace(stdout.String()),
			Stderr: strings.TrimSpace(stderr.String()),
		}
	}

	select {
	case err := <-done:
		res := collect()
		if err == nil {
			return res, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		return res, err
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		_ = sess.Close()
		<-done
		return collect(), ctx.Err()
	}
}

func (c *sshConn) Keepalive(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		_, _, err := c.client.SendRequest("keepalive@openssh.com", true, nil)
		errc <- err
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *sshConn) Close() error {
	return c.client.Close()
}
