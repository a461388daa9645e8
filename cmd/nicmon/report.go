package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"nicmon/internal/config"
	"nicmon/internal/stats"
	"nicmon/internal/store"
)

var (
	reportRun    string
	reportFile   string
	reportWindow time.Duration
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Summarise a run's bandwidth CSV",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := reportPath()
		if err != nil {
			return err
		}
		rows, err := stats.ReadBandwidthCSV(path)
		if err != nil {
			return err
		}

		var since time.Time
		if reportWindow > 0 && len(rows) > 0 {
			since = rows[len(rows)-1].Timestamp.Add(-reportWindow)
		}
		return printReport(os.Stdout, path, stats.Report(rows, since))
	},
}

func init() {
	reportCmd.Flags().StringVar(&reportRun, "run", "", "run directory (default: newest under output_dir)")
	reportCmd.Flags().StringVar(&reportFile, "file", "", "bandwidth CSV path, overrides --run")
	reportCmd.Flags().DurationVar(&reportWindow, "window", 0, "only the last window of the run (0 = whole run)")
}

func reportPath() (string, error) {
	if reportFile != "" {
		return reportFile, nil
	}
	dir := reportRun
	if dir == "" {
		root := config.DefaultOutputDir
		if cfg, err := config.Load(configPath); err == nil {
			root = cfg.OutputDir
		}
		var err error
		dir, err = store.LatestRun(root)
		if err != nil {
			return "", err
		}
	}
	return filepath.Join(dir, stats.BandwidthFile), nil
}

func printReport(w io.Writer, path string, report map[string]stats.Summary) error {
	total, ok := report[stats.TotalKey]
	if !ok || total.Count == 0 {
		fmt.Fprintf(w, "%s: no samples in window\n", path)
		return nil
	}
	fmt.Fprintf(w, "%s samples=%d from=%s to=%s\n", path, total.Count, total.From.Format(time.RFC3339), total.To.Format(time.RFC3339))

	ids := make([]string, 0, len(report))
	for id := range report {
		if id != stats.TotalKey {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range append([]string{stats.TotalKey}, ids...) {
		s := report[id]
		fmt.Fprintf(w, "%-24s avg=%.3f p95=%.3f min=%.3f max=%.3f Mbps count=%d\n", id, s.Avg, s.P95, s.Min, s.Max, s.Count)
	}
	return nil
}
