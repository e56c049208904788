// Command bridged runs the llm-bridge server: an OpenAI-compatible
// chat completions endpoint in front of the configured providers, plus
// the admin API, Prometheus metrics, and a health probe.
package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	llmbridge "github.com/ferro-labs/llm-bridge"
	"github.com/ferro-labs/llm-bridge/internal/logging"
	"github.com/ferro-labs/llm-bridge/internal/settings"
	"github.com/ferro-labs/llm-bridge/internal/version"
)

func main() {
	if err := run(); err != nil {
		logging.Logger.Error("bridged exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	dbPath := os.Getenv("DB_PATH")
	if dbPath == "" {
		dbPath = "bridge.db"
	}

	g, err := llmbridge.New(llmbridge.Options{DBPath: dbPath})
	if err != nil {
		return err
	}
	defer func() { _ = g.Close() }()

	// Seed providers, models, and settings from the bootstrap file
	// before anything loads. Existing rows always win over the file.
	if cfgPath := os.Getenv("BRIDGE_CONFIG"); cfgPath != "" {
		cfg, err := llmbridge.LoadBootstrap(cfgPath)
		if err != nil {
			return err
		}
		if err := g.Seed(cfg); err != nil {
			return err
		}
		logging.Logger.Info("bootstrap config applied", "path", cfgPath,
			"providers", len(cfg.Providers), "models", len(cfg.Models))
	}

	if err := g.Start(); err != nil {
		return err
	}

	host := g.Settings().Get(settings.KeyServerHost)
	port := g.Settings().Get(settings.KeyServerPort)
	timeout := 120 * time.Second
	if ms, err := g.Settings().GetInt(settings.KeyServerTimeout); err == nil && ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}

	srv := &http.Server{
		Addr:        net.JoinHostPort(host, port),
		Handler:     newRouter(g),
		ReadTimeout: 30 * time.Second,
		// Write timeout must outlive the longest streamed completion.
		WriteTimeout: timeout,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		logging.Logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logging.Logger.Error("shutdown error", "error", err)
		}
	}()

	logging.Logger.Info("llm-bridge listening", "addr", srv.Addr, "version", version.Short(), "db", dbPath)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logging.Logger.Info("server stopped")
	return nil
}
