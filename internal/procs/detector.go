// Package procs finds running assistant CLI processes and correlates them
// with the conversation files they are writing.
package procs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	gops "github.com/shirou/gopsutil/v4/process"
)

// ErrEnumeration marks a failed OS process listing. Callers proceed without
// live-process correlation.
var ErrEnumeration = errors.New("process enumeration failed")

// DefaultSnapshotTTL is how long one enumeration result is reused.
const DefaultSnapshotTTL = 500 * time.Millisecond

// Info is a point-in-time view of one assistant process. Fields the
// platform cannot provide are left empty, never faked.
type Info struct {
	PID                int32     `json:"pid"`
	CommandLine        string    `json:"commandLine,omitempty"`
	StartedAt          time.Time `json:"startedAt,omitempty"`
	Cwd                string    `json:"cwd,omitempty"`
	CorrelatedFilepath string    `json:"correlatedFilepath,omitempty"`
}

// Detector enumerates host processes matching the assistant CLI. Snapshots
// are cached briefly because rebuilds can fire in quick bursts.
type Detector struct {
	matchName    string // substring of the executable name, lowercased
	matchCmdline string // optional command-line substring filter
	ttl          time.Duration

	mu        sync.Mutex
	snapshot  []Info
	fetchedAt time.Time
}

// NewDetector creates a detector matching executables whose name contains
// matchName (case-insensitive). matchCmdline further filters on the full
// command line when non-empty.
func NewDetector(matchName, matchCmdline string, ttl time.Duration) *Detector {
	if matchName == "" {
		matchName = "claude"
	}
	if ttl <= 0 {
		ttl = DefaultSnapshotTTL
	}
	return &Detector{
		matchName:    strings.ToLower(matchName),
		matchCmdline: matchCmdline,
		ttl:          ttl,
	}
}

// List returns the current assistant processes, reusing the last snapshot
// when it is younger than the TTL.
func (d *Detector) List(ctx context.Context) ([]Info, error) {
	d.mu.Lock()
	if d.snapshot != nil && time.Since(d.fetchedAt) <= d.ttl {
		snap := d.snapshot
		d.mu.Unlock()
		return snap, nil
	}
	d.mu.Unlock()

	infos, err := d.enumerate(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEnumeration, err)
	}

	d.mu.Lock()
	d.snapshot = infos
	d.fetchedAt = time.Now()
	d.mu.Unlock()
	return infos, nil
}

// Invalidate drops the cached snapshot so the next List re-enumerates.
func (d *Detector) Invalidate() {
	d.mu.Lock()
	d.snapshot = nil
	d.mu.Unlock()
}

func (d *Detector) enumerate(ctx context.Context) ([]Info, error) {
	procs, err := gops.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}

	var infos []Info
	for _, p := range procs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name, err := p.NameWithContext(ctx)
		if err != nil || !strings.Contains(strings.ToLower(name), d.matchName) {
			continue
		}
		cmdline, _ := p.CmdlineWithContext(ctx)
		if d.matchCmdline != "" && !strings.Contains(cmdline, d.matchCmdline) {
			continue
		}

		info := Info{PID: p.Pid, CommandLine: cmdline}
		// Best effort: cwd and start time are unreadable for other users'
		// processes on some platforms.
		if cwd, err := p.CwdWithContext(ctx); err == nil {
			info.Cwd = cwd
		}
		if ms, err := p.CreateTimeWithContext(ctx); err == nil && ms > 0 {
			info.StartedAt = time.UnixMilli(ms)
		}
		infos = append(infos, info)
	}
	return infos, nil
}
