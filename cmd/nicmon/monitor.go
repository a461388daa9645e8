package main

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"nicmon/internal/config"
	"nicmon/internal/model"
	"nicmon/internal/probe"
	"nicmon/internal/worker"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Sample NIC diagnostics until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("monitor")
		if err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()

		a.serveStatus(ctx)
		return a.finish(a.monitor(ctx))
	},
}

// monitor runs the sampling workers against the configured target until ctx ends.
func (a *app) monitor(ctx context.Context) error {
	tasks, err := config.Tasks(a.cfg)
	if err != nil {
		return err
	}
	a.meta.Tasks = tasks

	ex, err := a.executor(ctx, "monitor", a.cfg.ConnectType, a.cfg.Hops)
	if err != nil {
		return err
	}

	bus := worker.NewBroadcaster()
	defer bus.Close()
	a.col.SetSamples(bus)

	target := probe.Target{Interface: a.cfg.Interface, Device: a.cfg.Device}
	timeout := time.Duration(a.cfg.ProbeTimeoutSec) * time.Second
	factory := func(kind model.MetricKind) (worker.Probe, error) {
		p, err := probe.New(kind, target)
		if err != nil {
			return nil, err
		}
		p.Timeout = timeout
		return p, nil
	}

	sup := worker.NewSupervisor(ex, factory, bus, a.log.Named("worker"))
	a.col.SetWorkers(sup)

	samples, unsubscribe := bus.Subscribe(64)
	defer unsubscribe()
	go a.logSamples(samples)

	if err := sup.Start(ctx, tasks); err != nil {
		return err
	}
	a.log.Info("sampling", zap.String("target", ex.String()), zap.Int("workers", len(sup.HealthSnapshot())))

	<-ctx.Done()
	sup.Stop()
	sup.Wait()

	for kind, h := range sup.HealthSnapshot() {
		if h.Terminal {
			return errors.New(string(kind) + " worker stopped: " + h.Error)
		}
	}
	return ctx.Err()
}

func (a *app) logSamples(samples <-chan model.Sample) {
	log := a.log.Named("sample")
	for s := range samples {
		switch p := s.Payload.(type) {
		case []probe.FlapEvent:
			for _, ev := range p {
				log.Warn("link flap", zap.String("interface", ev.Interface), zap.Bool("up", ev.Up), zap.String("time", ev.Time))
			}
		case probe.Temperature:
			log.Info("temperature", zap.Int("celsius", p.Celsius))
		case probe.SysInfo:
			log.Info("link", zap.Bool("detected", p.Link.Detected), zap.String("speed", p.Link.Speed))
		default:
			log.Debug("sample", zap.String("kind", string(s.Kind)), zap.Time("at", s.Timestamp))
		}
	}
}
