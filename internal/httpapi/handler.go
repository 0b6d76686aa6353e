// Package httpapi serves the read-only JSON endpoints backing the
// dashboard. Every response is stamped with the snapshot version.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/nextlevelbuilder/clawscope/internal/analyzer"
	"github.com/nextlevelbuilder/clawscope/internal/cache"
	"github.com/nextlevelbuilder/clawscope/internal/perf"
)

// DefaultRequestTimeout bounds a single API request.
const DefaultRequestTimeout = 30 * time.Second

// Handler serves the /api routes.
type Handler struct {
	analyzer *analyzer.Analyzer
	cache    *cache.Cache
	mon      *perf.Monitor
	timeout  time.Duration
}

// NewHandler creates the API handler. timeout <= 0 takes the default.
func NewHandler(a *analyzer.Analyzer, c *cache.Cache, mon *perf.Monitor, timeout time.Duration) *Handler {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Handler{analyzer: a, cache: c, mon: mon, timeout: timeout}
}

// RegisterRoutes attaches all API endpoints to mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/data", h.withTimeout(h.handleData))
	mux.HandleFunc("GET /api/conversation-state", h.withTimeout(h.handleConversationState))
	mux.HandleFunc("GET /api/session/{id}", h.withTimeout(h.handleSession))
	mux.HandleFunc("GET /api/charts/tokens", h.withTimeout(h.handleTokenCharts))
	mux.HandleFunc("GET /api/health", h.withTimeout(h.handleHealth))
}

func (h *Handler) withTimeout(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
		defer cancel()
		next(w, r.WithContext(ctx))
	}
}

// handleData returns the full snapshot: conversations, projects, and
// aggregates.
//
//	GET /api/data
func (h *Handler) handleData(w http.ResponseWriter, r *http.Request) {
	snap, err := h.analyzer.MaybeRebuild(r.Context())
	if err != nil {
		h.snapshotError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleConversationState returns the filepath → state projection.
//
//	GET /api/conversation-state
func (h *Handler) handleConversationState(w http.ResponseWriter, r *http.Request) {
	snap, err := h.analyzer.MaybeRebuild(r.Context())
	if err != nil {
		h.snapshotError(w, err)
		return
	}
	// Filepaths are absolute, so the version key cannot collide.
	body := make(map[string]any, len(snap.Conversations)+1)
	for fp, st := range snap.StateMap() {
		body[fp] = st
	}
	body["snapshotVersion"] = snap.Version
	writeJSON(w, http.StatusOK, body)
}

// handleSession returns one conversation with its full message list. The
// id is the transcript file name without extension.
//
//	GET /api/session/{id}
func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request) {
	snap, err := h.analyzer.MaybeRebuild(r.Context())
	if err != nil {
		h.snapshotError(w, err)
		return
	}
	conv := snap.Conversation(r.PathValue("id"))
	if conv == nil {
		writeError(w, http.StatusNotFound, "unknown session", "not_found")
		return
	}
	writeJSON(w, http.StatusOK, struct {
		*analyzer.Conversation
		SnapshotVersion int64 `json:"snapshotVersion"`
	}{conv, snap.Version})
}

// handleTokenCharts returns time-bucketed token usage. The bucket width
// is a Go duration, default 1h.
//
//	GET /api/charts/tokens?bucket=15m
func (h *Handler) handleTokenCharts(w http.ResponseWriter, r *http.Request) {
	bucket := analyzer.DefaultChartBucket
	if raw := r.URL.Query().Get("bucket"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid bucket duration", "bad_request")
			return
		}
		bucket = d
	}

	snap, err := h.analyzer.MaybeRebuild(r.Context())
	if err != nil {
		h.snapshotError(w, err)
		return
	}
	series := h.analyzer.TokenSeries(bucket)
	if series == nil {
		series = []analyzer.TokenBucket{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"bucket":          bucket.String(),
		"series":          series,
		"snapshotVersion": snap.Version,
	})
}

// handleHealth returns the perf summary. It never rebuilds, so health
// stays reachable while the log root is broken.
//
//	GET /api/health
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	summary := h.mon.Summarize(h.cache.HitRate())
	writeJSON(w, http.StatusOK, struct {
		perf.Summary
		SnapshotVersion int64 `json:"snapshotVersion"`
	}{summary, h.analyzer.Version()})
}

func (h *Handler) snapshotError(w http.ResponseWriter, err error) {
	kind := "internal"
	if errors.Is(err, analyzer.ErrSnapshotUnavailable) {
		kind = "snapshot_unavailable"
	}
	slog.Error("api.snapshot_failed", "error", err)
	writeError(w, http.StatusInternalServerError, err.Error(), kind)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg, kind string) {
	writeJSON(w, status, map[string]string{"error": msg, "kind": kind})
}
