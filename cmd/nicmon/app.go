package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"nicmon/internal/config"
	"nicmon/internal/execx"
	"nicmon/internal/model"
	"nicmon/internal/remote"
	"nicmon/internal/status"
	"nicmon/internal/store"
	"nicmon/internal/telemetry"
)

// app holds what every long-running command shares.
type app struct {
	cfg     config.Config
	log     *zap.Logger
	run     *store.Run
	meta    store.Meta
	col     *status.Collector
	metrics *telemetry.Metrics

	mu       sync.Mutex
	dialer   *remote.SSHDialer
	sessions []*remote.Session
}

func newApp(command string) (*app, error) {
	log, err := newLogger()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", configPath, err)
	}

	run, err := store.NewRun(cfg.OutputDir, time.Now())
	if err != nil {
		return nil, err
	}
	log = log.With(zap.String("run", run.ID))
	log.Info("run started", zap.String("command", command), zap.String("dir", run.Dir))

	return &app{
		cfg:     cfg,
		log:     log,
		run:     run,
		meta:    run.Meta(command, cfg),
		col:     status.NewCollector(run.ID),
		metrics: telemetry.New(),
	}, nil
}

// executor returns a local executor or a connected session over hops.
func (a *app) executor(ctx context.Context, name, connectType string, hops []model.Hop) (execx.Executor, error) {
	if connectType == config.ConnectLocal {
		return execx.NewLocalExecutor(a.log.Named("local")), nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.dialer == nil {
		aliases, err := remote.LoadAliases(a.cfg.Remote.SSHConfigPath)
		if err != nil {
			return nil, err
		}
		a.dialer, err = remote.NewSSHDialer(remote.DialerConfig{
			KnownHosts:         a.cfg.Remote.KnownHosts,
			InsecureSkipVerify: a.cfg.Remote.InsecureSkipVerify,
			Aliases:            aliases,
			Logger:             a.log.Named("ssh"),
		})
		if err != nil {
			return nil, err
		}
	}

	r := a.cfg.Remote
	sess := remote.New(a.dialer, remote.Options{
		Name:              name,
		ConnectTimeout:    time.Duration(r.ConnectTimeoutSec) * time.Second,
		Keepalive:         time.Duration(r.KeepaliveSec) * time.Second,
		ReconnectAttempts: r.ReconnectAttempts,
		ReconnectMax:      time.Duration(r.ReconnectMaxSec) * time.Second,
		Logger:            a.log.Named("session").With(zap.String("name", name)),
	})
	if err := sess.Connect(ctx, hops, time.Duration(r.ConnectTimeoutSec)*time.Second); err != nil {
		_ = sess.Close()
		return nil, err
	}
	a.sessions = append(a.sessions, sess)
	a.col.AddConnection(sess)
	a.log.Info("connected", zap.String("session", sess.String()))
	return sess, nil
}

// serveStatus runs the status server until ctx ends. An empty listen address disables it.
func (a *app) serveStatus(ctx context.Context) {
	if a.cfg.Listen == "" {
		return
	}
	srv := status.NewServer(a.col, a.metrics, a.log.Named("status"))
	go func() {
		if err := srv.ListenAndServe(ctx, a.cfg.Listen); err != nil {
			a.log.Warn("status server stopped", zap.Error(err))
		}
	}()
}

// finish records the outcome in run.yaml and closes every session.
func (a *app) finish(runErr error) error {
	a.meta.FinishedAt = time.Now().UTC()
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		a.meta.Error = runErr.Error()
	}
	var result *multierror.Error
	if err := store.WriteMeta(a.run.Dir, a.meta); err != nil {
		result = multierror.Append(result, fmt.Errorf("write run metadata: %w", err))
	}
	for i := len(a.sessions) - 1; i >= 0; i-- {
		if err := a.sessions[i].Close(); err != nil && !errors.Is(err, remote.ErrClosed) {
			result = multierror.Append(result, err)
		}
	}
	if a.dialer != nil {
		if err := a.dialer.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	_ = a.log.Sync()
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return multierror.Append(runErr, result.ErrorOrNil())
	}
	return result.ErrorOrNil()
}
