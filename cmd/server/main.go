// Package main is the entrypoint for the relaize API server and its worker.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kiranshivaraju/relaize/internal/app"
	"github.com/kiranshivaraju/relaize/internal/config"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, failing fast on invalid values
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded",
		"env", cfg.Server.Env,
		"inference_provider", cfg.Inference.Provider,
		"database_driver", cfg.Database.Driver,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Build the application context
	a, err := app.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build app: %w", err)
	}
	defer a.Close()

	// 3. Serve HTTP and run the worker until shutdown
	srv := newServer(fmt.Sprintf(":%d", cfg.Server.Port), a.Router)
	return serve(ctx, srv, a.Worker, a.Queue)
}

func newServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

type runner interface {
	Run(ctx context.Context)
}

type stopper interface {
	PushShutdown(ctx context.Context) error
	DrainShutdown(ctx context.Context) (int64, error)
}

// serve runs srv and the worker side by side. On shutdown the server drains
// first, then the worker is woken with the shutdown sentinel and given the
// remainder of the timeout to finish its current task. A sentinel the worker
// never consumed is removed so the next start does not stop at once.
func serve(ctx context.Context, srv *http.Server, w runner, q stopper) error {
	dropStaleSentinels(ctx, q)

	workerCtx, stopWorker := context.WithCancel(context.Background())
	defer stopWorker()
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		w.Run(workerCtx)
	}()
	slog.Info("worker started")

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case err := <-errCh:
		serveErr = fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		serveErr = fmt.Errorf("server shutdown: %w", err)
	}

	stopWorker()
	if err := q.PushShutdown(shutdownCtx); err != nil {
		slog.Warn("failed to enqueue worker shutdown", "error", err)
	}
	select {
	case <-workerDone:
		slog.Info("worker stopped")
		dropStaleSentinels(shutdownCtx, q)
	case <-shutdownCtx.Done():
		slog.Warn("worker did not stop before shutdown timeout")
	}

	if serveErr == nil {
		slog.Info("server stopped gracefully")
	}
	return serveErr
}

func dropStaleSentinels(ctx context.Context, q stopper) {
	n, err := q.DrainShutdown(ctx)
	if err != nil {
		slog.Warn("failed to drain worker shutdown sentinels", "error", err)
		return
	}
	if n > 0 {
		slog.Info("removed stale worker shutdown sentinels", "count", n)
	}
}
