// Package cache holds the multi-level read cache for transcript files:
// raw bytes, parsed messages, stat metadata, and derived computations.
// Validity is mtime-driven for file-backed entries and wall-clock for the
// rest; a periodic sweep evicts expired entries and enforces size caps.
package cache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nextlevelbuilder/clawscope/internal/perf"
	"github.com/nextlevelbuilder/clawscope/internal/transcript"
)

// ErrFileUnavailable marks a log file that disappeared or cannot be read.
// Callers exclude the file from the snapshot; its cache entries are evicted.
var ErrFileUnavailable = errors.New("file unavailable")

// Default TTLs per sub-cache.
const (
	DefaultFileTTL     = 30 * time.Second
	DefaultParsedTTL   = 15 * time.Second
	DefaultComputedTTL = 10 * time.Second
	DefaultMetaTTL     = 5 * time.Second

	// DefaultMaxEntries caps each sub-cache; the sweep drops the oldest
	// entries by store time past the cap.
	DefaultMaxEntries = 512

	// DefaultSweepInterval is how often the sweep runs.
	DefaultSweepInterval = 15 * time.Second
)

// Options tunes the cache. Zero values take the defaults above.
type Options struct {
	FileTTL       time.Duration
	ParsedTTL     time.Duration
	ComputedTTL   time.Duration
	MetaTTL       time.Duration
	MaxEntries    int
	SweepInterval time.Duration
}

func (o *Options) fill() {
	if o.FileTTL <= 0 {
		o.FileTTL = DefaultFileTTL
	}
	if o.ParsedTTL <= 0 {
		o.ParsedTTL = DefaultParsedTTL
	}
	if o.ComputedTTL <= 0 {
		o.ComputedTTL = DefaultComputedTTL
	}
	if o.MetaTTL <= 0 {
		o.MetaTTL = DefaultMetaTTL
	}
	if o.MaxEntries <= 0 {
		o.MaxEntries = DefaultMaxEntries
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = DefaultSweepInterval
	}
}

// Stats exposes cache counters for the health summary.
type Stats struct {
	Hits                    int64 `json:"hits"`
	Misses                  int64 `json:"misses"`
	Invalidations           int64 `json:"invalidations"`
	FilesInvalidated        int64 `json:"filesInvalidated"`
	ComputationsInvalidated int64 `json:"computationsInvalidated"`
	Evictions               int64 `json:"evictions"`
}

type fileEntry struct {
	data     []byte
	mtime    time.Time
	size     int64
	storedAt time.Time
}

type parsedEntry struct {
	msgs     []transcript.Message
	mtime    time.Time
	storedAt time.Time
}

type metaEntry struct {
	info     fs.FileInfo
	storedAt time.Time
}

// Cache is safe for concurrent use; each sub-cache has its own
// shared-exclusive lock.
type Cache struct {
	opts Options
	perf *perf.Monitor

	filesMu sync.RWMutex
	files   map[string]*fileEntry

	parsedMu sync.RWMutex
	parsed   map[string]*parsedEntry

	metaMu sync.RWMutex
	meta   map[string]*metaEntry

	compMu   sync.Mutex
	comps    map[string]*compEntry
	inflight map[string]*inflightCall

	hits                    atomic.Int64
	misses                  atomic.Int64
	invalidations           atomic.Int64
	filesInvalidated        atomic.Int64
	computationsInvalidated atomic.Int64
	evictions               atomic.Int64
}

// New creates a Cache. The perf monitor receives parse-error counts from
// cache-driven reparses; pass nil to disable.
func New(opts Options, mon *perf.Monitor) *Cache {
	opts.fill()
	return &Cache{
		opts:     opts,
		perf:     mon,
		files:    make(map[string]*fileEntry),
		parsed:   make(map[string]*parsedEntry),
		meta:     make(map[string]*metaEntry),
		comps:    make(map[string]*compEntry),
		inflight: make(map[string]*inflightCall),
	}
}

// GetFileContent returns the file's bytes, reloading from disk whenever the
// mtime moved. A stat failure evicts the entry and surfaces as
// ErrFileUnavailable.
func (c *Cache) GetFileContent(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		c.InvalidateFile(path)
		return nil, fmt.Errorf("%w: stat %s: %v", ErrFileUnavailable, path, err)
	}

	c.filesMu.RLock()
	e, ok := c.files[path]
	c.filesMu.RUnlock()
	if ok && e.mtime.Equal(info.ModTime()) {
		c.hits.Add(1)
		return e.data, nil
	}
	c.misses.Add(1)

	data, err := os.ReadFile(path)
	if err != nil {
		c.InvalidateFile(path)
		return nil, fmt.Errorf("%w: read %s: %v", ErrFileUnavailable, path, err)
	}

	c.filesMu.Lock()
	c.files[path] = &fileEntry{data: data, mtime: info.ModTime(), size: info.Size(), storedAt: time.Now()}
	c.filesMu.Unlock()
	return data, nil
}

// GetParsed returns the parsed message sequence for a transcript, recomputing
// whenever the file content changed on disk. Validity is checked against a
// fresh stat, not the metadata cache, so an append is visible on the very
// next read.
func (c *Cache) GetParsed(path string) ([]transcript.Message, error) {
	info, err := os.Stat(path)
	if err != nil {
		c.InvalidateFile(path)
		return nil, fmt.Errorf("%w: stat %s: %v", ErrFileUnavailable, path, err)
	}

	c.parsedMu.RLock()
	e, ok := c.parsed[path]
	c.parsedMu.RUnlock()
	// Valid while the on-disk mtime has not advanced past the cached one.
	if ok && !info.ModTime().After(e.mtime) {
		c.hits.Add(1)
		return e.msgs, nil
	}
	c.misses.Add(1)

	data, err := c.GetFileContent(path)
	if err != nil {
		return nil, err
	}
	msgs, stats := transcript.Parse(data)
	if c.perf != nil {
		c.perf.AddParseErrors(stats.Malformed)
	}

	c.parsedMu.Lock()
	c.parsed[path] = &parsedEntry{msgs: msgs, mtime: info.ModTime(), storedAt: time.Now()}
	c.parsedMu.Unlock()
	return msgs, nil
}

// GetStat returns file metadata, cached on a short wall-clock TTL to keep
// snapshot rebuilds from re-statting every file.
func (c *Cache) GetStat(path string) (fs.FileInfo, error) {
	now := time.Now()
	c.metaMu.RLock()
	e, ok := c.meta[path]
	c.metaMu.RUnlock()
	if ok && now.Sub(e.storedAt) <= c.opts.MetaTTL {
		c.hits.Add(1)
		return e.info, nil
	}
	c.misses.Add(1)

	info, err := os.Stat(path)
	if err != nil {
		c.InvalidateFile(path)
		return nil, fmt.Errorf("%w: stat %s: %v", ErrFileUnavailable, path, err)
	}
	c.metaMu.Lock()
	c.meta[path] = &metaEntry{info: info, storedAt: now}
	c.metaMu.Unlock()
	return info, nil
}

// InvalidateFile drops the path from the file, parsed, and metadata caches
// and clears every computation that declared the path as a dependency.
func (c *Cache) InvalidateFile(path string) {
	c.invalidations.Add(1)
	c.filesInvalidated.Add(1)

	c.filesMu.Lock()
	delete(c.files, path)
	c.filesMu.Unlock()

	c.parsedMu.Lock()
	delete(c.parsed, path)
	c.parsedMu.Unlock()

	c.metaMu.Lock()
	delete(c.meta, path)
	c.metaMu.Unlock()

	c.compMu.Lock()
	for key, e := range c.comps {
		if _, dep := e.deps[path]; dep {
			delete(c.comps, key)
			c.computationsInvalidated.Add(1)
		}
	}
	c.compMu.Unlock()
}

// InvalidateComputations clears the computation cache only. Used by client
// refresh requests, which want derived data rebuilt without re-reading
// unchanged files.
func (c *Cache) InvalidateComputations() {
	c.compMu.Lock()
	n := len(c.comps)
	c.comps = make(map[string]*compEntry)
	c.compMu.Unlock()
	c.invalidations.Add(1)
	c.computationsInvalidated.Add(int64(n))
}

// ClearAll empties every sub-cache and resets hit/miss counters.
func (c *Cache) ClearAll() {
	c.filesMu.Lock()
	c.files = make(map[string]*fileEntry)
	c.filesMu.Unlock()

	c.parsedMu.Lock()
	c.parsed = make(map[string]*parsedEntry)
	c.parsedMu.Unlock()

	c.metaMu.Lock()
	c.meta = make(map[string]*metaEntry)
	c.metaMu.Unlock()

	c.compMu.Lock()
	c.comps = make(map[string]*compEntry)
	c.compMu.Unlock()

	c.hits.Store(0)
	c.misses.Store(0)
	c.invalidations.Store(0)
	c.filesInvalidated.Store(0)
	c.computationsInvalidated.Store(0)
	c.evictions.Store(0)
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:                    c.hits.Load(),
		Misses:                  c.misses.Load(),
		Invalidations:           c.invalidations.Load(),
		FilesInvalidated:        c.filesInvalidated.Load(),
		ComputationsInvalidated: c.computationsInvalidated.Load(),
		Evictions:               c.evictions.Load(),
	}
}

// HitRate returns hits/(hits+misses), or 0 before any access.
func (c *Cache) HitRate() float64 {
	h, m := c.hits.Load(), c.misses.Load()
	if h+m == 0 {
		return 0
	}
	return float64(h) / float64(h+m)
}
