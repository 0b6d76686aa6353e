// Package perf records timings and counters for the observability server
// itself. Counters are lock-free atomics; rolling timing windows sit behind
// a mutex with short critical sections.
package perf

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// errorWindow is how far back Summary counts recent errors.
const errorWindow = 5 * time.Minute

// maxTimingSamples bounds the rolling window kept per operation.
const maxTimingSamples = 128

// Monitor aggregates operational metrics for the health endpoint and the
// system_updates channel.
type Monitor struct {
	start time.Time

	parseErrors    atomic.Int64
	filesExcluded  atomic.Int64
	framesDropped  atomic.Int64
	clientErrors   atomic.Int64
	procFailures   atomic.Int64
	watcherErrors  atomic.Int64
	degraded       atomic.Bool

	mu       sync.Mutex
	timings  map[string]*rollingTiming
	errTimes []time.Time // ring of recent error instants
}

type rollingTiming struct {
	samples []time.Duration
	next    int
	count   int64
	max     time.Duration
}

// New creates a Monitor with its uptime clock started.
func New() *Monitor {
	return &Monitor{
		start:   time.Now(),
		timings: make(map[string]*rollingTiming),
	}
}

// AddParseErrors counts malformed transcript lines. These are silently
// skipped at parse time; the counter is how operators notice data loss.
func (m *Monitor) AddParseErrors(n int) {
	if n <= 0 {
		return
	}
	m.parseErrors.Add(int64(n))
	m.recordError(time.Now())
}

// FileExcluded counts a log file dropped from the snapshot.
func (m *Monitor) FileExcluded() {
	m.filesExcluded.Add(1)
	m.recordError(time.Now())
}

// FrameDropped counts an outbox overflow drop.
func (m *Monitor) FrameDropped() { m.framesDropped.Add(1) }

// ClientError counts a WebSocket protocol violation.
func (m *Monitor) ClientError() {
	m.clientErrors.Add(1)
	m.recordError(time.Now())
}

// ProcessFailure counts a failed OS process enumeration.
func (m *Monitor) ProcessFailure() {
	m.procFailures.Add(1)
	m.recordError(time.Now())
}

// WatcherError counts a transient filesystem watcher error.
func (m *Monitor) WatcherError() {
	m.watcherErrors.Add(1)
	m.recordError(time.Now())
}

// SetDegraded flags the server as producing partial data.
func (m *Monitor) SetDegraded(v bool) { m.degraded.Store(v) }

// Degraded reports whether the server is in a degraded state.
func (m *Monitor) Degraded() bool { return m.degraded.Load() }

// FramesDropped returns the total outbox overflow count.
func (m *Monitor) FramesDropped() int64 { return m.framesDropped.Load() }

// ParseErrors returns the total malformed-line count.
func (m *Monitor) ParseErrors() int64 { return m.parseErrors.Load() }

// Observe records one duration sample for a named operation.
func (m *Monitor) Observe(op string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt, ok := m.timings[op]
	if !ok {
		rt = &rollingTiming{samples: make([]time.Duration, 0, maxTimingSamples)}
		m.timings[op] = rt
	}
	if len(rt.samples) < maxTimingSamples {
		rt.samples = append(rt.samples, d)
	} else {
		rt.samples[rt.next] = d
		rt.next = (rt.next + 1) % maxTimingSamples
	}
	rt.count++
	if d > rt.max {
		rt.max = d
	}
}

func (m *Monitor) recordError(at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := at.Add(-errorWindow)
	keep := m.errTimes[:0]
	for _, t := range m.errTimes {
		if t.After(cutoff) {
			keep = append(keep, t)
		}
	}
	m.errTimes = append(keep, at)
}

// errorsSince counts recorded errors after the cutoff.
func (m *Monitor) errorsSince(cutoff time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.errTimes {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}

// TimingSummary is the rolled-up view of one operation's samples.
type TimingSummary struct {
	Count int64   `json:"count"`
	AvgMs float64 `json:"avgMs"`
	MaxMs float64 `json:"maxMs"`
}

// Summary is the health payload served over HTTP and the system channel.
type Summary struct {
	UptimeSec     int64                    `json:"uptimeSec"`
	MemoryMB      float64                  `json:"memoryMB"`
	CacheHitRate  float64                  `json:"cacheHitRate"`
	ErrorsLast5m  int                      `json:"errorsLast5m"`
	ParseErrors   int64                    `json:"parseErrors"`
	FilesExcluded int64                    `json:"filesExcluded"`
	FramesDropped int64                    `json:"framesDropped"`
	ClientErrors  int64                    `json:"clientErrors"`
	ProcFailures  int64                    `json:"processFailures"`
	Degraded      bool                     `json:"degraded"`
	Timings       map[string]TimingSummary `json:"timings,omitempty"`
}

// Summarize builds the current health summary. The cache hit rate is
// supplied by the caller because the cache owns its own counters.
func (m *Monitor) Summarize(cacheHitRate float64) Summary {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	s := Summary{
		UptimeSec:     int64(time.Since(m.start).Seconds()),
		MemoryMB:      float64(ms.Alloc) / (1024 * 1024),
		CacheHitRate:  cacheHitRate,
		ErrorsLast5m:  m.errorsSince(time.Now().Add(-errorWindow)),
		ParseErrors:   m.parseErrors.Load(),
		FilesExcluded: m.filesExcluded.Load(),
		FramesDropped: m.framesDropped.Load(),
		ClientErrors:  m.clientErrors.Load(),
		ProcFailures:  m.procFailures.Load(),
		Degraded:      m.degraded.Load(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.timings) > 0 {
		s.Timings = make(map[string]TimingSummary, len(m.timings))
		for op, rt := range m.timings {
			var sum time.Duration
			for _, d := range rt.samples {
				sum += d
			}
			ts := TimingSummary{Count: rt.count, MaxMs: float64(rt.max.Microseconds()) / 1000}
			if len(rt.samples) > 0 {
				ts.AvgMs = float64((sum / time.Duration(len(rt.samples))).Microseconds()) / 1000
			}
			s.Timings[op] = ts
		}
	}
	return s
}
