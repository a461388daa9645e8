package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"nicmon/internal/config"
	"nicmon/internal/model"
	"nicmon/internal/status"
)

var (
	statusAddr string
	statusJSON bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of a running nicmon",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr := statusAddr
		if addr == "" {
			addr = config.DefaultListen
			if cfg, err := config.Load(configPath); err == nil && cfg.Listen != "" {
				addr = cfg.Listen
			}
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		snap, err := status.NewClient(addr).Status(ctx)
		if err != nil {
			return err
		}
		if statusJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		}
		printSnapshot(os.Stdout, snap)
		return nil
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusAddr, "addr", "", "status server address (default: listen from config)")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print the raw snapshot")
}

func printSnapshot(w io.Writer, snap status.Snapshot) {
	health := "healthy"
	if !snap.Healthy() {
		health = "UNHEALTHY"
	}
	fmt.Fprintf(w, "run=%s at=%s %s\n", snap.RunID, snap.At.Format(time.RFC3339), health)

	for _, c := range snap.Connections {
		fmt.Fprintf(w, "connection %s state=%s", c.Name, c.State)
		if c.Error != "" {
			fmt.Fprintf(w, " error=%q", c.Error)
		}
		fmt.Fprintln(w)
	}

	kinds := make([]string, 0, len(snap.Workers))
	for k := range snap.Workers {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		h := snap.Workers[model.MetricKind(k)]
		fmt.Fprintf(w, "worker %s state=%s ticks=%d gaps=%d", k, h.State, h.Ticks, h.Gaps)
		if h.Error != "" {
			fmt.Fprintf(w, " error=%q", h.Error)
		}
		fmt.Fprintln(w)
	}

	for _, f := range snap.Flows {
		fmt.Fprintf(w, "flow %s %s %s->%s:%d state=%s bytes=%d\n",
			f.Spec.ID, f.Spec.Protocol, f.Spec.LocalIP, f.Spec.RemoteIP, f.Spec.Port, f.State, f.CumulativeBytes)
	}

	if win := snap.LatestWindow; win != nil {
		fmt.Fprintf(w, "bandwidth total=%.3f Mbps avg=%.3f max=%.3f min=%.3f\n",
			model.Mbps(win.Total), model.Mbps(win.TotalStats.Avg), model.Mbps(win.TotalStats.Max), model.Mbps(win.TotalStats.Min))
		for _, id := range win.Interfaces() {
			st := win.PerInterface[id]
			fmt.Fprintf(w, "  %s current=%.3f avg=%.3f max=%.3f min=%.3f count=%d\n",
				id, model.Mbps(st.Current), model.Mbps(st.Avg), model.Mbps(st.Max), model.Mbps(st.Min), st.Count)
		}
	}
	if snap.DroppedSamples > 0 {
		fmt.Fprintf(w, "dropped samples=%d\n", snap.DroppedSamples)
	}
}
