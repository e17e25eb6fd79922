package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/Deseer/websocket-postman/internal/config"
	"github.com/Deseer/websocket-postman/internal/correlation"
	"github.com/Deseer/websocket-postman/internal/dispatcher"
	"github.com/Deseer/websocket-postman/internal/frontend"
	"github.com/Deseer/websocket-postman/internal/repository"
	"github.com/Deseer/websocket-postman/internal/style"
	"github.com/Deseer/websocket-postman/internal/upstream"
)

// ServeCmd runs the dispatcher as a long-lived process: frontend hub,
// upstream pool, router, style manager, and the fsnotify config watcher.
func ServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the dispatcher server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
}

func runServe(path string) error {
	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: slog.LevelInfo})))

	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	snapshot := config.NewSnapshot(cfg)

	repo, err := repository.NewSQLite(cfg.SQLitePath)
	if err != nil {
		return fmt.Errorf("opening repository: %w", err)
	}
	defer repo.Close()

	corr := correlation.New()
	defer corr.Close()

	styleMgr := style.New(repo, nil)
	defer styleMgr.Close()

	frontendHub := frontend.NewServer()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go frontendHub.Run(ctx)

	var d *dispatcher.Dispatcher
	pool := upstream.NewPool(cfg, func(connID string, raw []byte) {
		d.HandleUpstreamFrame(connID, raw)
	})
	defer pool.Close()

	d = dispatcher.New(snapshot, repo, corr, styleMgr, frontendHub, pool)
	defer d.Close()
	pool.OnStateChange(func(connID string, state upstream.State) {
		d.NotifyConnectionState(connID, state.String())
	})
	styleMgr.SetStats(dispatcherStats{d: d})

	watcher, err := config.NewWatcher(path)
	if err != nil {
		slog.Warn("config watcher unavailable, hot-reload disabled", "error", err)
	} else {
		watcher.OnChange = func(p string) {
			if err := d.ReloadConfig(p); err != nil {
				slog.Error("config reload failed, keeping previous configuration", "error", err)
				return
			}
			slog.Info("configuration reloaded", "path", p)
		}
		go watcher.Run(ctx)
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", frontendHub)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig.String())
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	slog.Info("dispatcher listening", "addr", httpServer.Addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// dispatcherStats adapts *dispatcher.Dispatcher to style.StatsProvider.
type dispatcherStats struct {
	d *dispatcher.Dispatcher
}

func (s dispatcherStats) ConnectionStats() (total, connected int) {
	stats := s.d.SnapshotStats()
	return stats.Connections.Total, stats.Connections.Connected
}

func (s dispatcherStats) CorrelationInFlight() int {
	return s.d.SnapshotStats().Correlation.InFlight
}
