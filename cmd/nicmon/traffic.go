package main

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"nicmon/internal/model"
	"nicmon/internal/stats"
	"nicmon/internal/traffic"
)

var (
	trafficDuration int
	trafficBidir    bool
)

var trafficCmd = &cobra.Command{
	Use:   "traffic",
	Short: "Run iperf3 flows between the configured hosts",
	Long: `Starts one iperf3 server per flow, verifies every server is listening, then starts
the clients. With traffic_duration_sec 0 the flows run until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("traffic")
		if err != nil {
			return err
		}
		if a.cfg.Traffic == nil {
			return a.finish(errors.New("config has no traffic section"))
		}
		if cmd.Flags().Changed("duration") {
			a.cfg.Traffic.TrafficDurationSec = trafficDuration
		}
		if cmd.Flags().Changed("bidirectional") {
			a.cfg.Traffic.Bidirectional = trafficBidir
		}
		ctx, cancel := signalContext()
		defer cancel()

		a.serveStatus(ctx)
		return a.finish(a.traffic(ctx))
	},
}

func init() {
	trafficCmd.Flags().IntVar(&trafficDuration, "duration", 0, "override traffic_duration_sec (0 runs until interrupted)")
	trafficCmd.Flags().BoolVar(&trafficBidir, "bidirectional", false, "override bidirectional")
}

// traffic plans and runs the iperf3 flows, writing bandwidth windows into the run directory.
func (a *app) traffic(ctx context.Context) error {
	t := a.cfg.Traffic
	specs, err := traffic.Plan(traffic.PlanConfig{
		ServerIPs:     t.Server.IPs,
		ClientIPs:     t.Client.IPs,
		StartPort:     t.StartPort,
		Protocol:      model.Protocol(t.Protocol),
		Bandwidth:     t.Bandwidth,
		Parallel:      t.ParallelStreams,
		DurationSec:   t.TrafficDurationSec,
		Bidirectional: t.Bidirectional,
	})
	if err != nil {
		return err
	}
	a.meta.Flows = specs
	a.meta.Config.Traffic.TrafficDurationSec = t.TrafficDurationSec
	a.meta.Config.Traffic.Bidirectional = t.Bidirectional

	serverEx, err := a.executor(ctx, "traffic-server", t.Server.ConnectType, t.Server.Hops)
	if err != nil {
		return err
	}
	clientEx, err := a.executor(ctx, "traffic-client", t.Client.ConnectType, t.Client.Hops)
	if err != nil {
		return err
	}

	bandwidth, err := stats.NewBandwidthCSV(a.run.Dir, traffic.Interfaces(specs), a.log.Named("csv"))
	if err != nil {
		return err
	}
	summary, err := stats.NewSummaryCSV(a.run.Dir, a.run.Started)
	if err != nil {
		_ = bandwidth.Close()
		return err
	}
	agg := stats.NewAggregator(time.Duration(t.FlushSec)*time.Second, a.log.Named("stats"), bandwidth, summary, a.metrics)
	a.col.SetStats(agg)

	aggCtx, stopAgg := context.WithCancel(context.WithoutCancel(ctx))
	aggDone := make(chan error, 1)
	go func() { aggDone <- agg.Run(aggCtx) }()

	var prober traffic.Prober = traffic.LogProber{}
	if t.Readiness == "tcp" {
		prober = traffic.TCPProber{}
	}
	orch, err := traffic.New(specs, traffic.Hosts{Server: serverEx, Client: clientEx}, agg, traffic.Options{
		ReadyTimeout: time.Duration(t.ReadyTimeoutSec) * time.Second,
		Grace:        time.Duration(t.GraceSec) * time.Second,
		Poll:         time.Duration(t.StatsPollSec) * time.Second,
		Binary:       t.IperfBinary,
		LogDir:       t.RemoteLogDir,
		RunID:        a.run.ID[:8],
		IntervalSec:  t.StatsPollSec,
		Prober:       prober,
		Logger:       a.log.Named("traffic"),
	})
	if err != nil {
		stopAgg()
		<-aggDone
		return err
	}
	a.col.AddFlows(orch)

	a.log.Info("starting flows", zap.Int("flows", len(specs)), zap.Int("duration_sec", t.TrafficDurationSec))
	runErr := orch.Run(ctx)

	stopAgg()
	if err := <-aggDone; err != nil {
		a.log.Warn("closing stats sinks", zap.Error(err))
	}
	if win, ok := agg.Latest(); ok {
		a.log.Info("bandwidth",
			zap.Float64("total_mbps", model.Mbps(win.Total)),
			zap.Float64("avg_total_mbps", model.Mbps(win.TotalStats.Avg)),
			zap.String("dir", a.run.Dir))
	}
	if runErr == nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return runErr
}
