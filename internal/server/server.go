// Package server wires cache, watcher, detector, analyzer, hub, and the
// HTTP API into one runnable unit.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/nextlevelbuilder/clawscope/internal/analyzer"
	"github.com/nextlevelbuilder/clawscope/internal/cache"
	"github.com/nextlevelbuilder/clawscope/internal/config"
	"github.com/nextlevelbuilder/clawscope/internal/httpapi"
	"github.com/nextlevelbuilder/clawscope/internal/hub"
	"github.com/nextlevelbuilder/clawscope/internal/perf"
	"github.com/nextlevelbuilder/clawscope/internal/procs"
	"github.com/nextlevelbuilder/clawscope/internal/state"
	"github.com/nextlevelbuilder/clawscope/internal/tracing"
	"github.com/nextlevelbuilder/clawscope/internal/watcher"
)

// Startup failure classes; the CLI maps them to exit codes.
var (
	ErrConfig         = errors.New("invalid configuration")
	ErrPortInUse      = errors.New("listen failed")
	ErrRootUnreadable = errors.New("log root unreadable")
)

// Server owns every component for one running instance.
type Server struct {
	cfg     *config.Config
	version string

	mon      *perf.Monitor
	cache    *cache.Cache
	detector *procs.Detector
	analyzer *analyzer.Analyzer
	hub      *hub.Hub
	api      *httpapi.Handler
	watch    *watcher.Watcher

	httpServer *http.Server
	mux        *http.ServeMux
}

// New assembles a server from cfg. version is advertised to clients.
func New(cfg *config.Config, version string) *Server {
	mon := perf.New()
	c := cache.New(cache.Options{
		FileTTL:       cfg.Cache.FileTTL.Std(),
		ParsedTTL:     cfg.Cache.ParsedTTL.Std(),
		ComputedTTL:   cfg.Cache.ComputedTTL.Std(),
		MetaTTL:       cfg.Cache.MetaTTL.Std(),
		MaxEntries:    cfg.Cache.MaxEntries,
		SweepInterval: cfg.Cache.SweepInterval.Std(),
	}, mon)
	det := procs.NewDetector(cfg.Process.MatchName, cfg.Process.MatchCmdline, cfg.Process.SnapshotTTL.Std())

	th := state.Thresholds{
		ErrorWindow:    cfg.State.ErrorWindow.Std(),
		ActiveWindow:   cfg.State.ActiveWindow.Std(),
		AwaitingWindow: cfg.State.AwaitingWindow.Std(),
		IdleWindow:     cfg.State.IdleWindow.Std(),
	}
	a := analyzer.New(cfg.Logs.Root, c, det, mon, th, cfg.Hub.RebuildInterval.Std())

	h := hub.New(hub.Options{
		Version:     version,
		AllowRemote: cfg.Server.AllowRemote,
		OutboxCap:   cfg.Hub.OutboxSize,
		Heartbeat:   cfg.Hub.Heartbeat.Std(),
	}, mon)
	a.SetNotifier(h)
	h.SetRefreshHook(func() {
		c.InvalidateComputations()
		// Explicit requests bypass the rebuild throttle so the promised
		// data_refresh ack always follows.
		go a.RebuildSnapshot(context.Background())
	})

	s := &Server{
		cfg:      cfg,
		version:  version,
		mon:      mon,
		cache:    c,
		detector: det,
		analyzer: a,
		hub:      h,
		api:      httpapi.NewHandler(a, c, mon, cfg.Server.RequestTimeout.Std()),
		watch:    watcher.New(cfg.Watcher.Debounce.Std()),
	}
	s.watch.OnDegraded(func(err error) {
		mon.WatcherError()
		mon.SetDegraded(true)
	})
	return s
}

// Analyzer exposes the analyzer, mainly for tests.
func (s *Server) Analyzer() *analyzer.Analyzer { return s.analyzer }

// Hub exposes the hub, mainly for tests.
func (s *Server) Hub() *hub.Hub { return s.hub }

// BuildMux creates and caches the HTTP mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.hub.HandleWebSocket)
	s.api.RegisterRoutes(mux)
	s.mux = mux
	return mux
}

// Run starts everything and blocks until ctx is cancelled or startup
// fails. Startup errors wrap ErrConfig, ErrPortInUse, or
// ErrRootUnreadable.
func (s *Server) Run(ctx context.Context) error {
	if err := s.cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if _, err := os.Stat(s.cfg.Logs.Root); err != nil {
		return fmt.Errorf("%w: %v", ErrRootUnreadable, err)
	}

	ln, err := net.Listen("tcp", s.cfg.Server.Addr())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPortInUse, err)
	}

	stopTracing, err := tracing.Setup(ctx, s.version)
	if err != nil {
		ln.Close()
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}

	if err := s.start(ctx); err != nil {
		ln.Close()
		return err
	}

	s.httpServer = &http.Server{Handler: s.BuildMux()}
	slog.Info("server.listening", "addr", ln.Addr().String(), "root", s.cfg.Logs.Root)

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.Serve(ln) }()

	select {
	case <-ctx.Done():
		s.shutdown()
		<-errCh
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			s.shutdown()
			return fmt.Errorf("serve: %w", err)
		}
	}

	flushCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	stopTracing(flushCtx)
	return nil
}

// start brings up the background machinery: sweeper, watcher, initial
// rebuild, health broadcasting.
func (s *Server) start(ctx context.Context) error {
	s.cache.StartSweeper(ctx)

	err := s.watch.Start(s.cfg.Logs.Root,
		s.cache.InvalidateFile,
		func(path string) {
			go s.analyzer.MaybeRebuild(context.Background())
		},
		func(path string) {
			s.detector.Invalidate()
			go s.analyzer.MaybeRebuild(context.Background())
		},
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRootUnreadable, err)
	}

	s.hub.MarkRefreshSource("startup")
	if _, err := s.analyzer.RebuildSnapshot(ctx); err != nil {
		// The root was readable moments ago; keep running and let the
		// next rebuild retry.
		slog.Warn("server.initial_rebuild_failed", "error", err)
	}

	go s.healthLoop(ctx)
	return nil
}

func (s *Server) healthLoop(ctx context.Context) {
	interval := s.cfg.Hub.HealthInterval.Std()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.hub.BroadcastHealth(s.mon.Summarize(s.cache.HitRate()))
		}
	}
}

func (s *Server) shutdown() {
	slog.Info("server.shutting_down")
	s.watch.Stop()
	s.hub.CloseAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.httpServer.Shutdown(shutdownCtx)
}

// StartTestServer runs s on 127.0.0.1:0 and returns the bound address.
// The server stops when ctx is cancelled. Used by integration tests.
func StartTestServer(ctx context.Context, s *Server) (addr string, err error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	if err := s.start(ctx); err != nil {
		ln.Close()
		return "", err
	}

	s.httpServer = &http.Server{Handler: s.BuildMux()}
	go func() {
		<-ctx.Done()
		s.watch.Stop()
		s.hub.CloseAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()
	go s.httpServer.Serve(ln)

	return ln.Addr().String(), nil
}
