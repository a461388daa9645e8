package stats

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"
)

// Row is one line of a bandwidth CSV, in Mbps.
type Row struct {
	Timestamp    time.Time
	Total        float64
	PerInterface map[string]float64
}

// ReadBandwidthCSV loads rows from a bandwidth CSV file.
func ReadBandwidthCSV(path string) ([]Row, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return readBandwidthCSV(file)
}

func readBandwidthCSV(r io.Reader) ([]Row, error) {
	reader := csv.NewReader(r)
	records, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}

	header := records[0]
	if len(header) < 2 || header[0] != "timestamp" || header[1] != totalColumn {
		return nil, fmt.Errorf("not a bandwidth csv: header %v", header)
	}
	columns := header[2:]

	rows := make([]Row, 0, len(records)-1)
	for i := 1; i < len(records); i++ {
		rec := records[i]
		if len(rec) != len(header) {
			return nil, fmt.Errorf("invalid record at line %d", i+1)
		}
		ts, err := time.Parse(time.RFC3339Nano, rec[0])
		if err != nil {
			return nil, fmt.Errorf("invalid timestamp at line %d: %w", i+1, err)
		}
		total, err := strconv.ParseFloat(rec[1], 64)
		if err != nil {
			return nil, fmt.Errorf("invalid total at line %d: %w", i+1, err)
		}
		row := Row{Timestamp: ts, Total: total, PerInterface: make(map[string]float64, len(columns))}
		for j, id := range columns {
			if rec[j+2] == "" {
				continue
			}
			v, err := strconv.ParseFloat(rec[j+2], 64)
			if err != nil {
				return nil, fmt.Errorf("invalid value for %s at line %d: %w", id, i+1, err)
			}
			row.PerInterface[id] = v
		}
		rows = append(rows, row)
	}
	return rows, nil
}
