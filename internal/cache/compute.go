package cache

import (
	"os"
	"time"
)

type compEntry struct {
	value    any
	deps     map[string]time.Time // dep path → mtime at store time
	ttl      time.Duration
	storedAt time.Time
}

// inflightCall is the per-key latch that coalesces concurrent computations:
// the first caller runs fn, everyone else blocks on done and shares the
// result.
type inflightCall struct {
	done chan struct{}
	val  any
	err  error
}

func (e *compEntry) valid(now time.Time) bool {
	if now.Sub(e.storedAt) > e.ttl {
		return false
	}
	for path, mtime := range e.deps {
		info, err := os.Stat(path)
		if err != nil {
			return false
		}
		if info.ModTime().After(mtime) {
			return false
		}
	}
	return true
}

// GetComputed returns the cached value for key, recomputing via fn when any
// declared dep's mtime advanced past its recorded value or the entry's age
// exceeded ttl (<= 0 takes the default). Concurrent callers for the same
// key share a single in-flight computation.
func (c *Cache) GetComputed(key string, fn func() (any, error), deps []string, ttl time.Duration) (any, error) {
	if ttl <= 0 {
		ttl = c.opts.ComputedTTL
	}
	now := time.Now()

	c.compMu.Lock()
	if e, ok := c.comps[key]; ok && e.valid(now) {
		c.compMu.Unlock()
		c.hits.Add(1)
		return e.value, nil
	}
	if call, ok := c.inflight[key]; ok {
		c.compMu.Unlock()
		<-call.done
		return call.val, call.err
	}
	c.misses.Add(1)
	call := &inflightCall{done: make(chan struct{})}
	c.inflight[key] = call
	c.compMu.Unlock()

	val, err := fn()
	call.val, call.err = val, err

	c.compMu.Lock()
	delete(c.inflight, key)
	if err == nil {
		depMtimes := make(map[string]time.Time, len(deps))
		for _, path := range deps {
			if info, statErr := os.Stat(path); statErr == nil {
				depMtimes[path] = info.ModTime()
			} else {
				// Dep vanished mid-computation; record a zero mtime so
				// the entry invalidates as soon as the file reappears.
				depMtimes[path] = time.Time{}
			}
		}
		c.comps[key] = &compEntry{value: val, deps: depMtimes, ttl: ttl, storedAt: time.Now()}
	}
	c.compMu.Unlock()
	close(call.done)

	return val, err
}
