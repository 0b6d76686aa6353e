package cache

import (
	"context"
	"log/slog"
	"sort"
	"time"
)

// StartSweeper runs the periodic sweep until ctx is cancelled. One sweep
// does both jobs: TTL eviction and per-cache size-cap enforcement.
func (c *Cache) StartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(c.opts.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				evicted := c.Sweep(now)
				if evicted > 0 {
					slog.Debug("cache.sweep", "evicted", evicted)
				}
			}
		}
	}()
}

// Sweep evicts expired entries and trims each sub-cache to the entry cap,
// oldest store time first. Returns the number of evicted entries.
func (c *Cache) Sweep(now time.Time) int {
	evicted := 0

	c.filesMu.Lock()
	evicted += sweepMap(c.files, now, c.opts.FileTTL, c.opts.MaxEntries,
		func(e *fileEntry) time.Time { return e.storedAt })
	c.filesMu.Unlock()

	c.parsedMu.Lock()
	evicted += sweepMap(c.parsed, now, c.opts.ParsedTTL, c.opts.MaxEntries,
		func(e *parsedEntry) time.Time { return e.storedAt })
	c.parsedMu.Unlock()

	c.metaMu.Lock()
	evicted += sweepMap(c.meta, now, c.opts.MetaTTL, c.opts.MaxEntries,
		func(e *metaEntry) time.Time { return e.storedAt })
	c.metaMu.Unlock()

	c.compMu.Lock()
	for key, e := range c.comps {
		if now.Sub(e.storedAt) > e.ttl {
			delete(c.comps, key)
			evicted++
		}
	}
	evicted += trimOldest(c.comps, c.opts.MaxEntries,
		func(e *compEntry) time.Time { return e.storedAt })
	c.compMu.Unlock()

	c.evictions.Add(int64(evicted))
	return evicted
}

func sweepMap[E any](m map[string]*E, now time.Time, ttl time.Duration, max int, storedAt func(*E) time.Time) int {
	evicted := 0
	for key, e := range m {
		if now.Sub(storedAt(e)) > ttl {
			delete(m, key)
			evicted++
		}
	}
	return evicted + trimOldest(m, max, storedAt)
}

func trimOldest[E any](m map[string]*E, max int, storedAt func(*E) time.Time) int {
	if len(m) <= max {
		return 0
	}
	type aged struct {
		key string
		at  time.Time
	}
	entries := make([]aged, 0, len(m))
	for key, e := range m {
		entries = append(entries, aged{key, storedAt(e)})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].at.Before(entries[j].at) })
	excess := len(m) - max
	for _, e := range entries[:excess] {
		delete(m, e.key)
	}
	return excess
}
