package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"nicmon/internal/execx"
	"nicmon/internal/model"
)

// ProbeFactory builds a fresh probe for kind.
type ProbeFactory func(kind model.MetricKind) (Probe, error)

type entry struct {
	task   model.WorkerTask
	w      *Worker
	cancel context.CancelFunc
	done   chan struct{}
}

// Supervisor owns the workers sampling one target.
type Supervisor struct {
	ex      execx.Executor
	factory ProbeFactory
	pub     Publisher
	log     *zap.Logger

	mu      sync.Mutex
	ctx     context.Context
	workers map[model.MetricKind]*entry
	wg      sync.WaitGroup
}

func NewSupervisor(ex execx.Executor, factory ProbeFactory, pub Publisher, log *zap.Logger) *Supervisor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Supervisor{
		ex:      ex,
		factory: factory,
		pub:     pub,
		log:     log,
		workers: map[model.MetricKind]*entry{},
	}
}

// Start launches one goroutine per enabled task. Disabled tasks are never instantiated.
func (s *Supervisor) Start(ctx context.Context, tasks []model.WorkerTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx != nil {
		return errors.New("supervisor already started")
	}
	s.ctx = ctx

	for _, task := range tasks {
		if !task.Enabled {
			s.log.Debug("probe disabled", zap.String("probe", string(task.Kind)))
			continue
		}
		if _, dup := s.workers[task.Kind]; dup {
			return fmt.Errorf("duplicate task %s", task.Kind)
		}
		if err := s.spawnLocked(task); err != nil {
			return err
		}
	}
	s.log.Info("workers started", zap.Int("count", len(s.workers)), zap.String("target", s.ex.String()))
	return nil
}

func (s *Supervisor) spawnLocked(task model.WorkerTask) error {
	p, err := s.factory(task.Kind)
	if err != nil {
		return fmt.Errorf("probe %s: %w", task.Kind, err)
	}
	w := New(task, p, s.ex, s.pub, s.log)
	ctx, cancel := context.WithCancel(s.ctx)
	e := &entry{task: task, w: w, cancel: cancel, done: make(chan struct{})}
	s.workers[task.Kind] = e

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(e.done)
		if err := w.Run(ctx); err != nil {
			s.log.Warn("worker exited", zap.String("probe", string(task.Kind)), zap.Error(err))
		}
	}()
	return nil
}

// HealthSnapshot returns the status of every running or exited worker.
func (s *Supervisor) HealthSnapshot() map[model.MetricKind]model.WorkerHealth {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[model.MetricKind]model.WorkerHealth, len(s.workers))
	for kind, e := range s.workers {
		out[kind] = e.w.Health()
	}
	return out
}

// Restart replaces the worker for kind. It refuses when the target's connection has
// failed terminally.
func (s *Supervisor) Restart(kind model.MetricKind) error {
	if live, ok := s.ex.(execx.Liveness); ok {
		select {
		case <-live.Done():
			return fmt.Errorf("restart %s: %w: %v", kind, ErrConnectionFailed, live.Err())
		default:
		}
	}

	s.mu.Lock()
	e, ok := s.workers[kind]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("restart %s: no such worker", kind)
	}
	e.cancel()
	<-e.done

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return s.ctx.Err()
	}
	s.log.Info("restarting worker", zap.String("probe", string(kind)))
	return s.spawnLocked(e.task)
}

// Stop cancels every worker and waits for them to exit.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	for _, e := range s.workers {
		e.cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Wait blocks until every worker has exited.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}
