package stats

import (
	"math"
	"sort"
	"time"
)

// TotalKey names the total series in a Report.
const TotalKey = "total"

// Summary is a basic statistics snapshot of one series, in Mbps.
type Summary struct {
	Count int
	From  time.Time
	To    time.Time
	Avg   float64
	P95   float64
	Min   float64
	Max   float64
}

// Report summarises each interface column and the total of rows at or after since.
func Report(rows []Row, since time.Time) map[string]Summary {
	series := map[string][]float64{}
	var from, to time.Time
	for _, r := range rows {
		if r.Timestamp.Before(since) {
			continue
		}
		if from.IsZero() || r.Timestamp.Before(from) {
			from = r.Timestamp
		}
		if r.Timestamp.After(to) {
			to = r.Timestamp
		}
		series[TotalKey] = append(series[TotalKey], r.Total)
		for id, v := range r.PerInterface {
			series[id] = append(series[id], v)
		}
	}

	out := make(map[string]Summary, len(series))
	for id, values := range series {
		s := summarize(values)
		s.From, s.To = from, to
		out[id] = s
	}
	return out
}

func summarize(values []float64) Summary {
	if len(values) == 0 {
		return Summary{}
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	return Summary{
		Count: len(sorted),
		Avg:   sum / float64(len(sorted)),
		P95:   percentile(sorted, 0.95),
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
	}
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	if p <= 0 {
		return values[0]
	}
	if p >= 1 {
		return values[len(values)-1]
	}
	idx := int(math.Ceil(p*float64(len(values)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(values) {
		idx = len(values) - 1
	}
	return values[idx]
}
