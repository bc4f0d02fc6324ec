// Command stewardq runs the steward task queue daemon: HTTP gateway for task
// submission and admin reads, worker pool for claim/execute/settle, and the
// recurring-schedule sweeper.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/basket/stewardq/internal/bus"
	"github.com/basket/stewardq/internal/config"
	"github.com/basket/stewardq/internal/cron"
	"github.com/basket/stewardq/internal/gateway"
	"github.com/basket/stewardq/internal/ledger"
	"github.com/basket/stewardq/internal/orchestrator"
	otelx "github.com/basket/stewardq/internal/otel"
	"github.com/basket/stewardq/internal/queue"
	"github.com/basket/stewardq/internal/routing"
	"github.com/basket/stewardq/internal/telemetry"
	"github.com/basket/stewardq/internal/worker"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                          Start the queue daemon
  %s status                   Show daemon health (/healthz)

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  STEWARDQ_HOME               Data directory (default: ~/.stewardq)
  STEWARDQ_DB_PATH            SQLite database path
  STEWARDQ_BIND_ADDR          HTTP listen address
  STEWARDQ_AUTH_TOKEN         Bearer token for the API
  STEWARDQ_LEASE_TTL_MS       Default claim lease duration
  STEWARDQ_ROUTING_THRESHOLD  Routing confidence threshold
  STEWARDQ_SPECULATIVE_SEARCH Enable speculative search routing
`)
}

func main() {
	home := flag.String("home", "", "data directory (default: $STEWARDQ_HOME or ~/.stewardq)")
	flag.Usage = printUsage
	flag.Parse()

	homeDir := *home
	if homeDir == "" {
		homeDir = os.Getenv("STEWARDQ_HOME")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, homeDir))
		default:
			fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	if err := run(ctx, homeDir); err != nil {
		fmt.Fprintf(os.Stderr, "stewardq: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, homeDir string) error {
	cfg, err := config.Load(homeDir)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer func() { _ = logCloser.Close() }()
	logger = logger.With("version", Version)
	logger.Info("starting", "home", cfg.HomeDir, "bind", cfg.BindAddr,
		"workers", cfg.WorkerCount, "config_fingerprint", cfg.Fingerprint())

	provider, err := otelx.Init(ctx, cfg.OTel)
	if err != nil {
		return fmt.Errorf("init otel: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("otel shutdown failed", "error", err)
		}
	}()
	metrics, err := otelx.NewMetrics(provider.Meter)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	eventBus := bus.New()

	store, err := queue.Open(cfg.DBPath, eventBus, queue.WithLeaseTTL(cfg.LeaseTTL()))
	if err != nil {
		return fmt.Errorf("open queue store: %w", err)
	}
	defer func() { _ = store.Close() }()

	recorder := ledger.NewRecorder(store.DB(), eventBus, logger)

	var classifier routing.Classifier
	if cfg.Routing.ClassifierEndpoint != "" {
		classifier = routing.NewHTTPClassifier(cfg.Routing.ClassifierEndpoint)
	}
	policy := routing.NewPolicy(classifier, cfg.Routing.ConfidenceThreshold, cfg.Routing.SpeculativeSearch)

	registry := orchestrator.NewRegistry()
	registry.SetFallback(orchestrator.NewHTTPExecutor(cfg.HandlerEndpoints))
	orch := orchestrator.New(policy, recorder, registry, logger, provider.Tracer)

	pool := worker.NewPool(store, orch, recorder, logger, metrics, worker.Config{
		Workers:      cfg.WorkerCount,
		PollInterval: cfg.PollInterval(),
		LeaseTTL:     cfg.LeaseTTL(),
		ClaimBatch:   cfg.Queue.ClaimBatchSize,
		MaxAttempts:  cfg.Queue.MaxAttempts,
	})
	scheduler := cron.NewScheduler(store, logger, 30*time.Second)

	gw, err := gateway.New(gateway.Config{
		Store:              store,
		Recorder:           recorder,
		Bus:                eventBus,
		Logger:             logger,
		AuthToken:          cfg.AuthToken,
		AllowOrigins:       cfg.AllowOrigins,
		ConfigFingerprint:  cfg.Fingerprint(),
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		RateLimitBurst:     cfg.RateLimitBurst,
	})
	if err != nil {
		return fmt.Errorf("init gateway: %w", err)
	}
	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Hot-reload of routing tunables; everything else needs a restart.
	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for range watcher.Events() {
				fresh, err := config.Load(cfg.HomeDir)
				if err != nil {
					logger.Error("config reload failed", "error", err)
					continue
				}
				policy.SetThreshold(fresh.Routing.ConfidenceThreshold)
				policy.SetSpeculative(fresh.Routing.SpeculativeSearch)
				logger.Info("routing config reloaded",
					"threshold", fresh.Routing.ConfidenceThreshold,
					"speculative", fresh.Routing.SpeculativeSearch)
			}
		}()
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		pool.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		scheduler.Run(ctx)
	}()

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		stopServer(httpServer, logger)
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	stopServer(httpServer, logger)
	wg.Wait()
	logger.Info("stopped")
	return nil
}

func stopServer(srv *http.Server, logger *slog.Logger) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", "error", err)
	}
}
