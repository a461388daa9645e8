package stats

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"

	"nicmon/internal/model"
)

const (
	BandwidthFile = "bandwidth.csv"
	SummaryFile   = "summary.csv"
	totalColumn   = "total_mbps"
)

func formatMbps(bytesPerSec float64) string {
	return strconv.FormatFloat(model.Mbps(bytesPerSec), 'f', 3, 64)
}

// BandwidthCSV appends one row per window: timestamp, total, then one column per interface.
// Columns are fixed by the interfaces passed in or, if none, by the first window.
type BandwidthCSV struct {
	f       *os.File
	w       *csv.Writer
	columns []string
	known   map[string]bool
	warned  map[string]bool
	log     *zap.Logger
}

// NewBandwidthCSV creates dir/bandwidth.csv.
func NewBandwidthCSV(dir string, interfaces []string, log *zap.Logger) (*BandwidthCSV, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, BandwidthFile), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	s := &BandwidthCSV{f: f, w: csv.NewWriter(f), warned: map[string]bool{}, log: log}
	if len(interfaces) > 0 {
		if err := s.writeHeader(interfaces); err != nil {
			f.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *BandwidthCSV) writeHeader(interfaces []string) error {
	s.columns = append([]string(nil), interfaces...)
	s.known = make(map[string]bool, len(interfaces))
	for _, id := range interfaces {
		s.known[id] = true
	}
	header := append([]string{"timestamp", totalColumn}, s.columns...)
	if err := s.w.Write(header); err != nil {
		return err
	}
	s.w.Flush()
	return s.w.Error()
}

func (s *BandwidthCSV) Write(win model.StatsWindow) error {
	if s.columns == nil {
		if err := s.writeHeader(win.Interfaces()); err != nil {
			return err
		}
	}
	for _, id := range win.Interfaces() {
		if !s.known[id] && !s.warned[id] {
			s.warned[id] = true
			s.log.Warn("interface not in bandwidth.csv header, column dropped", zap.String("interface", id))
		}
	}

	record := make([]string, 0, len(s.columns)+2)
	record = append(record, win.End.UTC().Format(time.RFC3339Nano), formatMbps(win.Total))
	for _, id := range s.columns {
		if st, ok := win.PerInterface[id]; ok {
			record = append(record, formatMbps(st.Current))
		} else {
			record = append(record, "")
		}
	}
	if err := s.w.Write(record); err != nil {
		return err
	}
	s.w.Flush()
	return s.w.Error()
}

func (s *BandwidthCSV) Close() error {
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		s.f.Close()
		return err
	}
	return s.f.Close()
}

// SummaryCSV rewrites dir/summary.csv on every window with run-long statistics.
type SummaryCSV struct {
	path    string
	started time.Time
}

func NewSummaryCSV(dir string, started time.Time) (*SummaryCSV, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &SummaryCSV{path: filepath.Join(dir, SummaryFile), started: started}, nil
}

func (s *SummaryCSV) Write(win model.StatsWindow) error {
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if err := WriteSummary(f, win, win.End.Sub(s.started)); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *SummaryCSV) Close() error { return nil }

// WriteSummary writes the total row followed by one row per interface.
func WriteSummary(w io.Writer, win model.StatsWindow, duration time.Duration) error {
	writer := csv.NewWriter(w)
	header := []string{"interface", "avg_mbps", "max_mbps", "min_mbps", "count", "duration_sec"}
	if err := writer.Write(header); err != nil {
		return err
	}

	dur := strconv.FormatFloat(duration.Seconds(), 'f', 1, 64)
	row := func(name string, st model.InterfaceStats) []string {
		return []string{
			name,
			formatMbps(st.Avg),
			formatMbps(st.Max),
			formatMbps(st.Min),
			strconv.Itoa(st.Count),
			dur,
		}
	}
	if err := writer.Write(row("total", win.TotalStats)); err != nil {
		return err
	}
	for _, id := range win.Interfaces() {
		if err := writer.Write(row(id, win.PerInterface[id])); err != nil {
			return fmt.Errorf("summary row %s: %w", id, err)
		}
	}
	writer.Flush()
	return writer.Error()
}
