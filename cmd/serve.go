package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawscope/internal/config"
	"github.com/nextlevelbuilder/clawscope/internal/server"
)

// Exit codes beyond the usual 0/1.
const (
	exitConfig         = 2
	exitPortInUse      = 3
	exitRootUnreadable = 4
)

var (
	flagPort        int
	flagBind        string
	flagRoot        string
	flagAllowRemote bool
)

func serveCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "serve",
		Short: "Run the dashboard server",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
	c.Flags().IntVar(&flagPort, "port", 0, "listen port (overrides config)")
	c.Flags().StringVar(&flagBind, "bind", "", "bind address (overrides config)")
	c.Flags().StringVar(&flagRoot, "root", "", "transcript root directory (overrides config)")
	c.Flags().BoolVar(&flagAllowRemote, "allow-remote", false, "allow non-loopback binds")
	return c
}

func runServe() {
	setupLogging()

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(exitConfig)
	}
	if flagPort != 0 {
		cfg.Server.Port = flagPort
	}
	if flagBind != "" {
		cfg.Server.Bind = flagBind
	}
	if flagRoot != "" {
		cfg.Logs.Root = config.ExpandHome(flagRoot)
	}
	if flagAllowRemote {
		cfg.Server.AllowRemote = true
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("signal received", "signal", sig.String())
		cancel()
	}()

	if err := server.New(cfg, Version).Run(ctx); err != nil {
		slog.Error("server failed", "error", err)
		switch {
		case errors.Is(err, server.ErrConfig):
			os.Exit(exitConfig)
		case errors.Is(err, server.ErrPortInUse):
			os.Exit(exitPortInUse)
		case errors.Is(err, server.ErrRootUnreadable):
			os.Exit(exitRootUnreadable)
		default:
			os.Exit(1)
		}
	}
}

func setupLogging() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	} else {
		switch os.Getenv("CLAWSCOPE_LOG") {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})))
}
