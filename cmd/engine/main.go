// Command engine launches the trading engine core and its control plane.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/tidemark-io/tidemark/config"
	"github.com/tidemark-io/tidemark/internal/adapters/binance"
	"github.com/tidemark-io/tidemark/internal/adapters/paper"
	"github.com/tidemark-io/tidemark/internal/archive"
	"github.com/tidemark-io/tidemark/internal/controlplane"
	"github.com/tidemark-io/tidemark/internal/exchange"
	"github.com/tidemark-io/tidemark/internal/observability"
	"github.com/tidemark-io/tidemark/internal/supervisor"
	"github.com/tidemark-io/tidemark/internal/telemetry"
)

const (
	defaultConfigPath        = "config/engine.yaml"
	engineLoggerPrefix       = "engine "
	stopTimeout              = 30 * time.Second
	controlShutdownTimeout   = 5 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "path to the engine configuration document")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	backend := log.New(os.Stderr, engineLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
	observability.SetLogger(observability.NewStdLogger(backend, *debug))

	cfg, doc, err := config.Load(*configPath)
	if err != nil {
		backend.Fatalf("load configuration: %v", err)
	}
	backend.Printf("configuration loaded: accounts=%d listen=%s", len(cfg.Accounts), cfg.Engine.ListenAddr)

	_, shutdownTelemetry, err := telemetry.Init(ctx, cfg.Engine.Telemetry)
	if err != nil {
		backend.Fatalf("initialise telemetry: %v", err)
	}
	metrics := telemetry.NewEngineMetrics()

	var archiver *archive.Archive
	if cfg.Engine.ArchiveDSN != "" {
		archiver, err = archive.Open(ctx, cfg.Engine.ArchiveDSN)
		if err != nil {
			backend.Fatalf("open archive: %v", err)
		}
		backend.Print("order archive connected")
	}

	registry := exchange.NewRegistry()
	paper.Register(registry)
	binance.Register(registry)

	sup := supervisor.New(cfg, doc, registry, metrics, archiver)
	if err := sup.Start(ctx); err != nil {
		backend.Fatalf("start engine: %v", err)
	}

	server := controlplane.NewServer(cfg.Engine.ListenAddr, sup)
	serverErr := make(chan error, 1)
	var lifecycle conc.WaitGroup
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	})
	backend.Printf("control plane listening on %s", cfg.Engine.ListenAddr)

	select {
	case <-ctx.Done():
		backend.Print("shutdown signal received")
	case err := <-serverErr:
		backend.Printf("control server failed: %v", err)
	}

	shutdownCtx := context.Background()

	stepCtx, stepCancel := context.WithTimeout(shutdownCtx, controlShutdownTimeout)
	if err := server.Shutdown(stepCtx); err != nil {
		backend.Printf("shutdown: control server: %v", err)
	}
	stepCancel()

	stepCtx, stepCancel = context.WithTimeout(shutdownCtx, stopTimeout)
	if err := sup.Stop(stepCtx); err != nil {
		backend.Printf("shutdown: engine stop: %v", err)
	}
	stepCancel()

	lifecycle.Wait()

	if archiver != nil {
		archiver.Close()
	}

	stepCtx, stepCancel = context.WithTimeout(shutdownCtx, telemetryShutdownTimeout)
	if err := shutdownTelemetry(stepCtx); err != nil {
		backend.Printf("shutdown: telemetry: %v", err)
	}
	stepCancel()

	backend.Print("engine exited")
}
