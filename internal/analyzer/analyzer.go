// Package analyzer assembles point-in-time snapshots of every conversation
// under the log root: parsed messages, live-process correlation, state
// classification, project grouping, and aggregates.
package analyzer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/clawscope/internal/cache"
	"github.com/nextlevelbuilder/clawscope/internal/perf"
	"github.com/nextlevelbuilder/clawscope/internal/procs"
	"github.com/nextlevelbuilder/clawscope/internal/state"
	"github.com/nextlevelbuilder/clawscope/internal/tracing"
	"github.com/nextlevelbuilder/clawscope/internal/transcript"
)

// ErrSnapshotUnavailable means the log root could not be stat'd during a
// rebuild. The HTTP layer maps it to 500 until the root recovers.
var ErrSnapshotUnavailable = errors.New("snapshot unavailable")

// DefaultRebuildInterval throttles MaybeRebuild to one rebuild per window.
const DefaultRebuildInterval = 500 * time.Millisecond

const previewLimit = 120

// Conversation is the derived view of one transcript file.
type Conversation struct {
	Filepath     string               `json:"filepath"`
	ProjectPath  string               `json:"projectPath"`
	Messages     []transcript.Message `json:"messages"`
	LastModified time.Time            `json:"lastModified"`
	TokenUsage   map[string]int       `json:"tokenUsage"`
	State        state.State          `json:"state"`
	LiveProcess  *procs.Info          `json:"liveProcess,omitempty"`
	Preview      string               `json:"preview,omitempty"`
	TurnCount    int                  `json:"turnCount"`
}

// SessionID is the conversation's short identity, the file name without
// its extension.
func (c *Conversation) SessionID() string {
	base := filepath.Base(c.Filepath)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Rollup summarizes the conversations of one project.
type Rollup struct {
	Conversations int                 `json:"conversations"`
	ByState       map[state.State]int `json:"byState"`
	TokensByModel map[string]int      `json:"tokensByModel"`
	LastActivity  time.Time           `json:"lastActivity"`
}

// Project groups conversations sharing a derived root directory.
// Conversations holds filepaths into the snapshot's conversation list.
type Project struct {
	Path          string   `json:"path"`
	Name          string   `json:"name"`
	Conversations []string `json:"conversations"`
	Rollup        Rollup   `json:"rollup"`
}

// Aggregates are the snapshot-wide totals.
type Aggregates struct {
	Conversations int                 `json:"conversations"`
	Projects      int                 `json:"projects"`
	ByState       map[state.State]int `json:"byState"`
	TokensByModel map[string]int      `json:"tokensByModel"`
	TotalTokens   int                 `json:"totalTokens"`
	LastActivity  time.Time           `json:"lastActivity,omitzero"`
}

// Snapshot is an immutable view of all conversations at one instant.
// Readers share it through an atomic pointer and must not mutate it.
type Snapshot struct {
	Version       int64          `json:"snapshotVersion"`
	GeneratedAt   time.Time      `json:"generatedAt"`
	Conversations []Conversation `json:"conversations"`
	Projects      []Project      `json:"projects"`
	Aggregates    Aggregates     `json:"aggregates"`
}

// Conversation looks a conversation up by session id.
func (s *Snapshot) Conversation(id string) *Conversation {
	for i := range s.Conversations {
		if s.Conversations[i].SessionID() == id {
			return &s.Conversations[i]
		}
	}
	return nil
}

// StateMap is the lightweight filepath → state projection.
func (s *Snapshot) StateMap() map[string]state.State {
	m := make(map[string]state.State, len(s.Conversations))
	for i := range s.Conversations {
		m[s.Conversations[i].Filepath] = s.Conversations[i].State
	}
	return m
}

// Notifier receives rebuild results. The hub implements it; tests use
// stubs.
type Notifier interface {
	SnapshotRebuilt(snap *Snapshot)
	ConversationStateChanged(filepath string, oldState, newState state.State, at time.Time)
}

// Analyzer orchestrates cache, detector, and classifier into snapshots.
type Analyzer struct {
	root       string
	cache      *cache.Cache
	detector   *procs.Detector
	mon        *perf.Monitor
	thresholds state.Thresholds
	notifier   Notifier

	version atomic.Int64
	snap    atomic.Pointer[Snapshot]

	limiter  *rate.Limiter
	inflight chan struct{}

	mu           sync.Mutex
	projectPaths []string
}

// New creates an analyzer over root. interval <= 0 takes the default
// rebuild throttle.
func New(root string, c *cache.Cache, det *procs.Detector, mon *perf.Monitor, th state.Thresholds, interval time.Duration) *Analyzer {
	if interval <= 0 {
		interval = DefaultRebuildInterval
	}
	return &Analyzer{
		root:       root,
		cache:      c,
		detector:   det,
		mon:        mon,
		thresholds: th,
		limiter:    rate.NewLimiter(rate.Every(interval), 1),
		inflight:   make(chan struct{}, 1),
	}
}

// SetNotifier installs the rebuild listener. Call before the first
// rebuild; not safe to swap while rebuilds run.
func (a *Analyzer) SetNotifier(n Notifier) { a.notifier = n }

// RegisterProjectPath records a directory that conversations group under
// when it is an ancestor of their decoded working directory.
func (a *Analyzer) RegisterProjectPath(path string) {
	cleaned := filepath.Clean(path)
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, p := range a.projectPaths {
		if p == cleaned {
			return
		}
	}
	a.projectPaths = append(a.projectPaths, cleaned)
}

// Snapshot returns the latest snapshot, nil before the first rebuild.
func (a *Analyzer) Snapshot() *Snapshot { return a.snap.Load() }

// Version returns the latest snapshot version.
func (a *Analyzer) Version() int64 { return a.version.Load() }

// MaybeRebuild returns a fresh snapshot, reusing the current one while the
// throttle window is closed and coalescing concurrent callers onto a
// single rebuild.
func (a *Analyzer) MaybeRebuild(ctx context.Context) (*Snapshot, error) {
	if cur := a.snap.Load(); cur != nil {
		if !a.limiter.Allow() {
			return cur, nil
		}
	} else {
		// First rebuild spends a token too, so the window applies from
		// startup.
		a.limiter.Allow()
	}

	select {
	case a.inflight <- struct{}{}:
		defer func() { <-a.inflight }()
		return a.rebuild(ctx)
	default:
	}

	// A rebuild is already running. Ride on its result unless no snapshot
	// exists yet, in which case wait our turn.
	if cur := a.snap.Load(); cur != nil {
		return cur, nil
	}
	select {
	case a.inflight <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-a.inflight }()
	if cur := a.snap.Load(); cur != nil {
		return cur, nil
	}
	return a.rebuild(ctx)
}

// RebuildSnapshot forces a rebuild, queueing behind any rebuild already
// in flight so a slower rebuild can never overwrite a newer snapshot.
func (a *Analyzer) RebuildSnapshot(ctx context.Context) (*Snapshot, error) {
	select {
	case a.inflight <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-a.inflight }()
	return a.rebuild(ctx)
}

// rebuild walks the log root and produces a new snapshot. Files that
// cannot be read or parsed are excluded with a warning metric; a root
// that cannot be stat'd is fatal. Callers must hold the inflight latch.
func (a *Analyzer) rebuild(ctx context.Context) (*Snapshot, error) {
	ctx, span := tracing.Tracer("analyzer").Start(ctx, "snapshot.rebuild")
	defer span.End()
	started := time.Now()

	if _, err := os.Stat(a.root); err != nil {
		return nil, fmt.Errorf("%w: stat %s: %v", ErrSnapshotUnavailable, a.root, err)
	}

	files, err := a.listTranscripts(ctx)
	if err != nil {
		return nil, err
	}

	_, parseSpan := tracing.Tracer("analyzer").Start(ctx, "snapshot.parse")
	convs := make([]Conversation, 0, len(files))
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			parseSpan.End()
			return nil, err
		}
		conv, ok := a.buildConversation(path)
		if !ok {
			continue
		}
		convs = append(convs, conv)
	}
	parseSpan.End()

	a.correlate(ctx, convs)

	now := time.Now()
	for i := range convs {
		c := &convs[i]
		c.State = state.Classify(c.Messages, c.LastModified, c.LiveProcess != nil, now, a.thresholds)
	}

	sort.Slice(convs, func(i, j int) bool { return convs[i].Filepath < convs[j].Filepath })

	prev := a.snap.Load()
	snap := &Snapshot{
		Version:       a.version.Add(1),
		GeneratedAt:   now,
		Conversations: convs,
		Projects:      a.groupProjects(convs),
		Aggregates:    aggregate(convs),
	}
	snap.Aggregates.Projects = len(snap.Projects)
	a.snap.Store(snap)

	a.mon.Observe("snapshot.rebuild", time.Since(started))
	slog.Debug("analyzer.rebuilt",
		"version", snap.Version,
		"conversations", len(convs),
		"took", time.Since(started))

	a.notify(prev, snap, now)
	return snap, nil
}

func (a *Analyzer) notify(prev, snap *Snapshot, at time.Time) {
	if a.notifier == nil {
		return
	}
	if prev != nil {
		old := prev.StateMap()
		for i := range snap.Conversations {
			c := &snap.Conversations[i]
			if before, ok := old[c.Filepath]; ok && before != c.State {
				a.notifier.ConversationStateChanged(c.Filepath, before, c.State, at)
			}
		}
	}
	a.notifier.SnapshotRebuilt(snap)
}

// listTranscripts finds every *.jsonl under the root, skipping subagent
// transcripts (agent_ prefix).
func (a *Analyzer) listTranscripts(ctx context.Context) ([]string, error) {
	var files []string
	err := filepath.WalkDir(a.root, func(path string, d fs.DirEntry, err error) error {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if err != nil {
			if path == a.root {
				return fmt.Errorf("%w: %v", ErrSnapshotUnavailable, err)
			}
			return nil
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".jsonl") {
			return nil
		}
		if strings.HasPrefix(d.Name(), "agent_") {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

func (a *Analyzer) buildConversation(path string) (Conversation, bool) {
	info, err := a.cache.GetStat(path)
	if err != nil {
		a.mon.FileExcluded()
		slog.Warn("analyzer.file_excluded", "path", path, "error", err)
		return Conversation{}, false
	}
	msgs, err := a.cache.GetParsed(path)
	if err != nil {
		a.mon.FileExcluded()
		slog.Warn("analyzer.file_excluded", "path", path, "error", err)
		return Conversation{}, false
	}

	return Conversation{
		Filepath:     path,
		ProjectPath:  a.projectPathFor(path),
		Messages:     msgs,
		LastModified: info.ModTime(),
		TokenUsage:   transcript.TokensByModel(msgs),
		Preview:      preview(msgs),
		TurnCount:    len(msgs),
	}, true
}

func (a *Analyzer) correlate(ctx context.Context, convs []Conversation) {
	if len(convs) == 0 {
		return
	}
	processes, err := a.detector.List(ctx)
	if err != nil {
		// Correlation is best-effort; the snapshot proceeds without it.
		a.mon.ProcessFailure()
		a.mon.SetDegraded(true)
		slog.Warn("analyzer.process_enumeration_failed", "error", err)
		return
	}
	a.mon.SetDegraded(false)

	cands := make([]procs.Candidate, len(convs))
	for i := range convs {
		cands[i] = procs.Candidate{Filepath: convs[i].Filepath, LastModified: convs[i].LastModified}
	}
	matched := procs.Correlate(cands, processes)
	for i := range convs {
		if p, ok := matched[convs[i].Filepath]; ok {
			proc := p
			convs[i].LiveProcess = &proc
		}
	}
}

// projectPathFor maps a transcript file to its project directory: the
// longest registered ancestor of the decoded working directory, else the
// decoded directory itself, else the file's parent.
func (a *Analyzer) projectPathFor(file string) string {
	parent := filepath.Dir(file)
	target := parent
	if decoded, ok := procs.DecodeProjectDir(filepath.Base(parent)); ok {
		target = decoded
	}

	a.mu.Lock()
	registered := a.projectPaths
	a.mu.Unlock()

	best := ""
	for _, p := range registered {
		if p != target && !strings.HasPrefix(target, p+string(filepath.Separator)) {
			continue
		}
		if len(p) > len(best) {
			best = p
		}
	}
	if best != "" {
		return best
	}
	return target
}

func (a *Analyzer) groupProjects(convs []Conversation) []Project {
	byPath := make(map[string]*Project)
	for i := range convs {
		c := &convs[i]
		p, ok := byPath[c.ProjectPath]
		if !ok {
			p = &Project{
				Path: c.ProjectPath,
				Name: filepath.Base(c.ProjectPath),
				Rollup: Rollup{
					ByState:       make(map[state.State]int),
					TokensByModel: make(map[string]int),
				},
			}
			byPath[c.ProjectPath] = p
		}
		p.Conversations = append(p.Conversations, c.Filepath)
		p.Rollup.Conversations++
		p.Rollup.ByState[c.State]++
		for model, n := range c.TokenUsage {
			p.Rollup.TokensByModel[model] += n
		}
		if c.LastModified.After(p.Rollup.LastActivity) {
			p.Rollup.LastActivity = c.LastModified
		}
	}

	projects := make([]Project, 0, len(byPath))
	for _, p := range byPath {
		projects = append(projects, *p)
	}
	sort.Slice(projects, func(i, j int) bool { return projects[i].Path < projects[j].Path })
	return projects
}

func aggregate(convs []Conversation) Aggregates {
	agg := Aggregates{
		Conversations: len(convs),
		ByState:       make(map[state.State]int),
		TokensByModel: make(map[string]int),
	}
	for i := range convs {
		c := &convs[i]
		agg.ByState[c.State]++
		for model, n := range c.TokenUsage {
			agg.TokensByModel[model] += n
			agg.TotalTokens += n
		}
		if c.LastModified.After(agg.LastActivity) {
			agg.LastActivity = c.LastModified
		}
	}
	return agg
}

func preview(msgs []transcript.Message) string {
	for i := range msgs {
		if msgs[i].Type != transcript.TypeUser {
			continue
		}
		text := strings.TrimSpace(msgs[i].Content.Text())
		if text == "" {
			continue
		}
		runes := []rune(text)
		if len(runes) > previewLimit {
			return string(runes[:previewLimit]) + "…"
		}
		return text
	}
	return ""
}
