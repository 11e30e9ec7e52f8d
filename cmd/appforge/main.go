// Command appforge runs the agent orchestration engine: the HTTP
// trigger surface, the scheduled task-queue sweep, and the pipeline
// workers behind it.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"appforge/pkg/agent"
	"appforge/pkg/config"
	"appforge/pkg/dispatch"
	"appforge/pkg/limiter"
	"appforge/pkg/logx"
	"appforge/pkg/metrics"
	"appforge/pkg/persistence"
	"appforge/pkg/pipeline"
	"appforge/pkg/sandbox"
	"appforge/pkg/workflow"
)

// Version information - set by goreleaser via ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const shutdownGrace = 15 * time.Second

func main() {
	var (
		configPath  = flag.String("config", "", "Path to YAML config file")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("appforge %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
		os.Exit(0)
	}

	os.Exit(run(*configPath))
}

// run contains the main application logic and returns an exit code.
// This allows defers to execute before os.Exit is called.
func run(configPath string) int {
	logger := logx.NewLogger("appforge")

	// .env is optional; deployments set real environment variables.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	store, err := persistence.Open(cfg.DatabasePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		return 1
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			logger.Warn("failed to close store: %v", closeErr)
		}
	}()

	registry := prometheus.NewRegistry()
	engineMetrics := metrics.New(registry)

	lim := limiter.New(store, cfg.RateLimiter.Window)
	provider := sandbox.NewHTTPProvider(cfg.Sandbox.Endpoint, cfg.Sandbox.APIKey)
	sandboxes := sandbox.NewManager(provider, lim, store, sandbox.Quotas{
		MaxCreatesPerWindow:  cfg.Sandbox.MaxCreatesPerHour,
		MaxConnectsPerWindow: cfg.Sandbox.MaxConnectsPerHr,
	}, engineMetrics)

	clients, err := buildClients(cfg.Models, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build completion clients: %v\n", err)
		return 1
	}

	deps := pipeline.Deps{
		Store:          store,
		Sandboxes:      sandboxes,
		Clients:        clients,
		Metrics:        engineMetrics,
		Cfg:            cfg.Pipeline,
		MaxTokens:      cfg.Models.MaxTokens,
		CommandTimeout: cfg.Sandbox.CommandTimeout,
	}
	executor := workflow.NewExecutor(store, cfg.Executor, engineMetrics)
	dispatcher := dispatch.NewDispatcher(deps, executor, nil)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	scheduler, err := startScheduler(ctx, cfg, dispatcher, store, lim, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start scheduler: %v\n", err)
		return 1
	}
	defer func() {
		if shutdownErr := scheduler.Shutdown(); shutdownErr != nil {
			logger.Warn("scheduler shutdown: %v", shutdownErr)
		}
	}()

	srv := &http.Server{
		Addr: cfg.ListenAddr,
		Handler: newServer(serverDeps{
			cfg:        cfg,
			store:      store,
			limiter:    lim,
			deps:       deps,
			executor:   executor,
			dispatcher: dispatcher,
			registry:   registry,
			logger:     logx.NewLogger("http"),
		}).routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("appforge %s listening on %s", version, cfg.ListenAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown: %v", err)
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "Server failed: %v\n", err)
			return 1
		}
	}

	return 0
}

// buildClients resolves one completion client per pipeline role.
// Roles sharing a model name share a client instance.
func buildClients(models config.ModelsConfig, logger *logx.Logger) (pipeline.Clients, error) {
	keys := agent.ProviderKeys{
		Anthropic: os.Getenv("ANTHROPIC_API_KEY"),
		OpenAI:    os.Getenv("OPENAI_API_KEY"),
	}

	cache := make(map[string]agent.CompletionClient)
	forModel := func(model string) (agent.CompletionClient, error) {
		if c, ok := cache[model]; ok {
			return c, nil
		}
		c, err := agent.NewClientForModel(model, keys, logger)
		if err != nil {
			return nil, err
		}
		cache[model] = c
		return c, nil
	}

	var clients pipeline.Clients
	var err error
	if clients.Planner, err = forModel(models.Planner); err != nil {
		return pipeline.Clients{}, fmt.Errorf("planner: %w", err)
	}
	if clients.Coder, err = forModel(models.Coder); err != nil {
		return pipeline.Clients{}, fmt.Errorf("coder: %w", err)
	}
	if clients.Reviewer, err = forModel(models.Reviewer); err != nil {
		return pipeline.Clients{}, fmt.Errorf("reviewer: %w", err)
	}
	if clients.Tester, err = forModel(models.Tester); err != nil {
		return pipeline.Clients{}, fmt.Errorf("tester: %w", err)
	}
	return clients, nil
}

// startScheduler runs the periodic queue sweep and the hourly prune of
// expired rate records.
func startScheduler(ctx context.Context, cfg *config.Config, dispatcher *dispatch.Dispatcher, store *persistence.Store, lim *limiter.Limiter, logger *logx.Logger) (gocron.Scheduler, error) {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(cfg.Dispatcher.SweepInterval),
		gocron.NewTask(func() {
			if _, sweepErr := dispatcher.Sweep(ctx, cfg.Dispatcher.SweepBatch); sweepErr != nil {
				logger.Error("queue sweep failed: %v", sweepErr)
			}
		}),
		gocron.WithName("queue-sweep"),
	)
	if err != nil {
		return nil, fmt.Errorf("schedule queue sweep: %w", err)
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(time.Hour),
		gocron.NewTask(func() {
			cutoff := time.Now().UTC().Add(-lim.Window())
			pruned, pruneErr := store.PruneAllRateRecords(ctx, cutoff)
			if pruneErr != nil {
				logger.Error("rate record prune failed: %v", pruneErr)
				return
			}
			if pruned > 0 {
				logger.Debug("pruned %d expired rate records", pruned)
			}
		}),
		gocron.WithName("rate-record-prune"),
	)
	if err != nil {
		return nil, fmt.Errorf("schedule rate record prune: %w", err)
	}

	scheduler.Start()
	return scheduler, nil
}
