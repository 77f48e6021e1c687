// Agentd is a local orchestration daemon for CLI coding agents.
//
// It runs a durable task queue, dispatches tasks to agent endpoints through
// per-endpoint circuit breakers and rate budgets, and routes every finished
// task through an independent verifier before it can complete.
//
// Configuration is loaded from ~/.config/agentd/config.yaml and AGENTD_*
// environment variables. See internal/config for details.
//
// Usage:
//
//	# Start the daemon with defaults
//	agentd
//
//	# Point at an alternate config file
//	agentd -config /etc/agentd/config.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/agent"
	"github.com/fyrsmithlabs/agentd/internal/breaker"
	"github.com/fyrsmithlabs/agentd/internal/config"
	"github.com/fyrsmithlabs/agentd/internal/eventbus"
	"github.com/fyrsmithlabs/agentd/internal/health"
	"github.com/fyrsmithlabs/agentd/internal/httpapi"
	"github.com/fyrsmithlabs/agentd/internal/logging"
	"github.com/fyrsmithlabs/agentd/internal/metrics"
	"github.com/fyrsmithlabs/agentd/internal/queue"
	"github.com/fyrsmithlabs/agentd/internal/ratelimit"
	"github.com/fyrsmithlabs/agentd/internal/resolver"
	"github.com/fyrsmithlabs/agentd/internal/services"
	"github.com/fyrsmithlabs/agentd/internal/store"
	"github.com/fyrsmithlabs/agentd/internal/task"
	"github.com/fyrsmithlabs/agentd/internal/verify"
	"github.com/fyrsmithlabs/agentd/internal/worker"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	mode := flag.String("mode", "standard", "startup mode: standard or degraded")
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  agentd           Start the agentd daemon\n")
			fmt.Fprintf(os.Stderr, "  agentd version   Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath, *mode); err != nil {
		log.Fatalf("Daemon error: %v", err)
	}

	log.Println("Daemon shutdown complete")
}

func printVersion() {
	fmt.Printf("agentd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts the daemon and blocks until ctx is cancelled.
//
// Startup order:
//  1. Load and validate configuration
//  2. Initialize logger
//  3. Open the state store and restore circuit/budget state
//  4. Load the endpoint roster and build the resolver
//  5. Wire queue, verifier, worker pool and health monitor
//  6. Start background loops and the HTTP API
//  7. Perform graceful shutdown on context cancellation
func run(ctx context.Context, configPath, mode string) error {
	if mode != "standard" && mode != "degraded" {
		return fmt.Errorf("unknown mode %q (expected standard or degraded)", mode)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := config.EnsureConfigDir(); err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logging.Sync(logger)

	logger.Info("starting agentd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("store", cfg.Store.Path),
		zap.String("roster", cfg.Roster.Path))

	reg, err := initServices(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if mode == "degraded" {
		reg.Health().ForceDegraded()
	}
	defer func() {
		if err := reg.Store().Close(); err != nil {
			logger.Warn("store close failed", zap.Error(err))
		}
	}()

	// The pool, monitor and queue maintenance stop when runCtx is cancelled,
	// either by a signal or by a shutdown request over the HTTP API.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	srv, err := httpapi.NewServer(
		reg.Queue(), reg.Store(), reg.Health(), reg.Breaker(), reg.Limiter(),
		reg.Metrics(), reg.Events(), cancel, logger,
		&httpapi.Config{Host: "localhost", Port: cfg.Server.Port})
	if err != nil {
		return fmt.Errorf("failed to create http api: %w", err)
	}

	pool := worker.New(
		reg.Queue(), reg.Store(), reg.Resolver(), agent.NewCLIInvoker(logger),
		reg.Sessions(), reg.Breaker(), reg.Verifier(), reg.Health(),
		reg.Metrics(), worker.Options{
			Workers:           cfg.Workers.Max,
			InvokeTimeout:     cfg.Workers.InvokeTimeout,
			DispatchPerSecond: cfg.Workers.DispatchPerSecond,
		}, logger)

	var wg conc.WaitGroup
	wg.Go(func() { pool.Run(runCtx) })
	wg.Go(func() { reg.Health().Run(runCtx) })
	wg.Go(func() { reg.Queue().Maintain(runCtx) })

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		cancel()
		wg.Wait()
		return fmt.Errorf("http api failed: %w", err)
	case <-runCtx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http api shutdown failed", zap.Error(err))
	}
	wg.Wait()
	persistResilienceState(shutdownCtx, reg, logger)
	return nil
}

// initServices opens the store, restores persisted resilience state and wires
// every service into a registry.
func initServices(ctx context.Context, cfg *config.Config, logger *zap.Logger) (services.Registry, error) {
	st, err := store.Open(cfg.Store.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}

	bus := eventbus.New()
	m := metrics.New()

	br := breaker.New(cfg.Breaker.FailureThreshold, cfg.Breaker.OpenTimeout, logger)
	lim := ratelimit.New(cfg.RateLimit.Window, cfg.RateLimit.DefaultLimit,
		cfg.RateLimit.WarnPct, cfg.RateLimit.PausePct, cfg.RateLimit.StopPct, logger)

	if err := restoreResilienceState(ctx, st, br, lim, m); err != nil {
		_ = st.Close()
		return nil, err
	}
	wireResilienceHooks(st, br, lim, m, bus, logger)

	roster, err := resolver.LoadRoster(cfg.Roster.Path)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to load endpoint roster: %w", err)
	}
	logger.Info("roster loaded",
		zap.Strings("roles", roster.Roles()),
		zap.Int("endpoints", len(roster.AllEndpoints())))

	res := resolver.New(roster, br, lim, logger)
	sessions := agent.NewSessionManager(cfg.Session.TokenBudget, cfg.Session.MaxLifetime, logger)

	q := queue.New(st, bus, m, queue.Options{
		MaxRetries:       cfg.Queue.MaxRetries,
		UnavailableLimit: cfg.Queue.UnavailableLimit,
		StuckThreshold:   cfg.Queue.StuckThreshold,
		SweepInterval:    cfg.Queue.SweepInterval,
		BoostInterval:    cfg.Queue.BoostInterval,
		BoostAfter:       cfg.Queue.BoostThresholds(),
		Retention:        cfg.Queue.Retention,
		PurgeInterval:    cfg.Queue.PurgeInterval,
	}, logger)

	verifier := verify.New(st, q, res, agent.NewCLIInvoker(logger), sessions,
		br, bus, m, verify.Options{
			StalemateLimit: cfg.Verify.StalemateLimit,
			InvokeTimeout:  cfg.Workers.InvokeTimeout,
		}, logger)

	h := health.New(health.Deps{
		QueueDepth: func(ctx context.Context) (int, error) {
			return st.CountState(ctx, task.StateQueued)
		},
		OpenCircuits: br.OpenCount,
		Endpoints:    len(roster.AllEndpoints()),
		WorstTier:    lim.WorstTier,
	}, health.Options{
		Interval:          cfg.Health.Interval,
		DegradedThreshold: cfg.Health.DegradedThreshold,
		RecoveryTicks:     cfg.Health.RecoveryTicks,
		MaxWorkers:        cfg.Workers.Max,
		FloorWorkers:      cfg.Workers.Floor,
	}, bus, m, logger)

	return services.NewRegistry(services.Options{
		Store:    st,
		Queue:    q,
		Breaker:  br,
		Limiter:  lim,
		Resolver: res,
		Sessions: sessions,
		Verifier: verifier,
		Health:   h,
		Events:   bus,
		Metrics:  m,
	}), nil
}

// wireResilienceHooks keeps SQLite, the gauges and the event stream in sync
// with every circuit and budget change so a restart picks up where the daemon
// left off and subscribers see resilience transitions as they happen.
func wireResilienceHooks(st *store.Store, br *breaker.Registry, lim *ratelimit.Limiter,
	m *metrics.Metrics, bus *eventbus.Bus, logger *zap.Logger) {
	br.OnChange(func(endpoint string, snap breaker.Snapshot) {
		m.SetCircuitState(endpoint, snap.Status)
		bus.Emit(eventbus.CircuitChanged, endpoint, snap.Status, map[string]string{
			"failures": strconv.Itoa(snap.Failures),
		})
		err := st.SaveCircuit(context.Background(), store.CircuitState{
			Endpoint:  endpoint,
			Status:    snap.Status,
			FailCount: snap.Failures,
			OpenUntil: snap.OpenUntil,
		})
		if err != nil {
			logger.Warn("circuit persistence failed",
				zap.String("endpoint", endpoint), zap.Error(err))
		}
	})
	lim.OnChange(func(endpoint string, consumed, limit int64) {
		m.RateWindowConsumed.WithLabelValues(endpoint).Set(float64(consumed))
		snap, ok := lim.Snapshot()[endpoint]
		if !ok {
			return
		}
		err := st.SaveBudget(context.Background(), store.BudgetState{
			Endpoint:    endpoint,
			WindowStart: snap.Start,
			Consumed:    consumed,
		})
		if err != nil {
			logger.Warn("budget persistence failed",
				zap.String("endpoint", endpoint), zap.Error(err))
		}
	})
	lim.OnReset(func(endpoint string) {
		m.RateWindowResets.WithLabelValues(endpoint).Inc()
		m.RateWindowConsumed.WithLabelValues(endpoint).Set(0)
		bus.Emit(eventbus.BudgetReset, endpoint, "", nil)
	})
}

// restoreResilienceState seeds the breaker and limiter from the last persisted
// snapshot so open circuits and spent budgets survive a restart.
func restoreResilienceState(ctx context.Context, st *store.Store,
	br *breaker.Registry, lim *ratelimit.Limiter, m *metrics.Metrics) error {
	circuits, err := st.LoadCircuits(ctx)
	if err != nil {
		return fmt.Errorf("failed to load circuit state: %w", err)
	}
	for _, c := range circuits {
		br.Restore(c.Endpoint, c.Status, c.FailCount, c.OpenUntil)
		m.SetCircuitState(c.Endpoint, c.Status)
	}

	budgets, err := st.LoadBudgets(ctx)
	if err != nil {
		return fmt.Errorf("failed to load budget state: %w", err)
	}
	for _, b := range budgets {
		lim.Restore(b.Endpoint, b.WindowStart, b.Consumed)
		m.RateWindowConsumed.WithLabelValues(b.Endpoint).Set(float64(b.Consumed))
	}
	return nil
}

// persistResilienceState writes a final snapshot of every circuit and window
// on shutdown. The change hooks already persist incrementally; this catches
// anything that raced the shutdown.
func persistResilienceState(ctx context.Context, reg services.Registry, logger *zap.Logger) {
	for endpoint, snap := range reg.Breaker().Snapshot() {
		err := reg.Store().SaveCircuit(ctx, store.CircuitState{
			Endpoint:  endpoint,
			Status:    snap.Status,
			FailCount: snap.Failures,
			OpenUntil: snap.OpenUntil,
		})
		if err != nil {
			logger.Warn("final circuit snapshot failed",
				zap.String("endpoint", endpoint), zap.Error(err))
		}
	}
	for endpoint, snap := range reg.Limiter().Snapshot() {
		err := reg.Store().SaveBudget(ctx, store.BudgetState{
			Endpoint:    endpoint,
			WindowStart: snap.Start,
			Consumed:    snap.Consumed,
		})
		if err != nil {
			logger.Warn("final budget snapshot failed",
				zap.String("endpoint", endpoint), zap.Error(err))
		}
	}
}
