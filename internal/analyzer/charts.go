package analyzer

import (
	"sort"
	"time"
)

// DefaultChartBucket is the time-bucket width for token series.
const DefaultChartBucket = time.Hour

// TokenBucket is one point of the token-usage series.
type TokenBucket struct {
	Start  time.Time      `json:"start"`
	Models map[string]int `json:"models"`
	Total  int            `json:"total"`
}

// TokenSeries buckets token usage by message timestamp across the current
// snapshot. bucket <= 0 takes the default width. Nil before the first
// rebuild. Series are served from the computation cache, keyed by bucket
// width with the transcript files as deps, so both file invalidation and
// client refresh requests force a recompute.
func (a *Analyzer) TokenSeries(bucket time.Duration) []TokenBucket {
	snap := a.snap.Load()
	if snap == nil {
		return nil
	}
	if bucket <= 0 {
		bucket = DefaultChartBucket
	}

	deps := make([]string, len(snap.Conversations))
	for i := range snap.Conversations {
		deps[i] = snap.Conversations[i].Filepath
	}
	v, err := a.cache.GetComputed("charts.tokens:"+bucket.String(), func() (any, error) {
		return buildTokenSeries(snap, bucket), nil
	}, deps, 0)
	if err != nil {
		return buildTokenSeries(snap, bucket)
	}
	return v.([]TokenBucket)
}

func buildTokenSeries(snap *Snapshot, bucket time.Duration) []TokenBucket {
	byStart := make(map[time.Time]*TokenBucket)
	for i := range snap.Conversations {
		for j := range snap.Conversations[i].Messages {
			m := &snap.Conversations[i].Messages[j]
			if !m.CountsForTokens() || m.Timestamp.IsZero() {
				continue
			}
			total := m.Usage.Total()
			if total == 0 {
				continue
			}
			model := m.Model
			if model == "" {
				model = "unknown"
			}
			start := m.Timestamp.Truncate(bucket)
			b, ok := byStart[start]
			if !ok {
				b = &TokenBucket{Start: start, Models: make(map[string]int)}
				byStart[start] = b
			}
			b.Models[model] += total
			b.Total += total
		}
	}

	series := make([]TokenBucket, 0, len(byStart))
	for _, b := range byStart {
		series = append(series, *b)
	}
	sort.Slice(series, func(i, j int) bool { return series[i].Start.Before(series[j].Start) })
	return series
}
