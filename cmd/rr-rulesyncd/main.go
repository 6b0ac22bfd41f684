package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"

	"github.com/haukened/rr-rulesync/internal/rulesync/common/clock"
	"github.com/haukened/rr-rulesync/internal/rulesync/common/log"
	"github.com/haukened/rr-rulesync/internal/rulesync/config"
	"github.com/haukened/rr-rulesync/internal/rulesync/gateways/adguard"
	"github.com/haukened/rr-rulesync/internal/rulesync/gateways/httpapi"
	"github.com/haukened/rr-rulesync/internal/rulesync/gateways/pihole"
	"github.com/haukened/rr-rulesync/internal/rulesync/repos/appliedstate"
	"github.com/haukened/rr-rulesync/internal/rulesync/repos/appliedstate/bolt"
	"github.com/haukened/rr-rulesync/internal/rulesync/repos/decisioncache/lru"
	"github.com/haukened/rr-rulesync/internal/rulesync/repos/rulestore/yamlfile"
	"github.com/haukened/rr-rulesync/internal/rulesync/services/lookup"
	"github.com/haukened/rr-rulesync/internal/rulesync/services/resolver"
	"github.com/haukened/rr-rulesync/internal/rulesync/services/synchronizer"
)

const (
	version = "0.1.0-dev"
	appName = "rr-rulesyncd"

	defaultShutdownTimeout = 10 * time.Second
)

// Application holds all the components of the sync daemon.
type Application struct {
	config   *config.AppConfig
	clock    clock.Clock
	state    synchronizer.AppliedState
	sync     *synchronizer.Synchronizer
	lookup   *lookup.Service
	registry *prometheus.Registry
	http     *http.Server
	// newTrigger is swapped in tests to drive sweeps by hand.
	newTrigger func(time.Duration) synchronizer.Trigger
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	err = log.Configure(cfg.Env, cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Logging configuration error: %v\n", err)
		os.Exit(1)
	}

	log.Info(map[string]any{
		"version":     version,
		"env":         cfg.Env,
		"log_level":   cfg.Log.Level,
		"location":    cfg.Location,
		"interval":    cfg.Sync.Interval.String(),
		"rules":       cfg.Rules.Path,
		"state":       cfg.State.Path,
		"concurrency": cfg.Sync.Concurrency,
	}, "Starting "+appName)

	app, err := buildApplication(cfg)
	if err != nil {
		log.Fatal(map[string]any{"error": err}, "Failed to build application")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx); err != nil {
		log.Fatal(map[string]any{"error": err}, "Daemon failed")
	}

	log.Info(nil, appName+" stopped gracefully")
}

// buildApplication constructs all components and wires them together.
func buildApplication(cfg *config.AppConfig) (*Application, error) {
	clk := &clock.RealClock{}
	logger := log.GetLogger()

	loc, err := cfg.TimeLocation()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve location: %w", err)
	}
	res := resolver.NewResolver(resolver.Options{Location: loc})

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := synchronizer.NewMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	cache, err := lru.New(cfg.Lookup.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create decision cache: %w", err)
	}
	lookupService := lookup.NewService(lookup.Options{
		Resolver: res,
		Cache:    cache,
		Logger:   logger,
		FPRate:   cfg.Lookup.FPRate,
	})

	state, err := buildState(cfg)
	if err != nil {
		return nil, err
	}

	adapters, err := buildAdapters(cfg, logger)
	if err != nil {
		return nil, multierr.Append(err, state.Close())
	}

	syncService, err := synchronizer.New(synchronizer.Options{
		Store:          yamlfile.New(cfg.Rules.Path, logger),
		State:          state,
		Adapters:       adapters,
		Resolver:       res,
		Publisher:      lookupService,
		Clock:          clk,
		Logger:         logger,
		Metrics:        metrics,
		Concurrency:    cfg.Sync.Concurrency,
		AdapterTimeout: cfg.Sync.AdapterTimeout,
	})
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("failed to build synchronizer: %w", err), state.Close())
	}

	app := &Application{
		config:     cfg,
		clock:      clk,
		state:      state,
		sync:       syncService,
		lookup:     lookupService,
		registry:   registry,
		newTrigger: synchronizer.NewIntervalTrigger,
	}
	if cfg.HTTP.Listen != "" {
		app.http = &http.Server{
			Addr: cfg.HTTP.Listen,
			Handler: httpapi.NewRouter(httpapi.Options{
				Sweeper:  syncService,
				Lookup:   lookupService,
				Clock:    clk,
				Logger:   logger,
				Gatherer: registry,
				Token:    cfg.HTTP.Token,
			}),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}
	return app, nil
}

func buildState(cfg *config.AppConfig) (synchronizer.AppliedState, error) {
	if cfg.State.Path == "" {
		log.Warn(nil, "No state path configured, applied state is kept in memory")
		return appliedstate.NewMemory(), nil
	}
	store, err := bolt.New(cfg.State.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}
	fields := map[string]any{"path": cfg.State.Path}
	if updated := store.Updated(); !updated.IsZero() {
		fields["last_updated"] = updated
	}
	log.Info(fields, "Applied state store opened")
	return store, nil
}

func buildAdapters(cfg *config.AppConfig, logger log.Logger) ([]synchronizer.Adapter, error) {
	var adapters []synchronizer.Adapter
	if cfg.AdGuard.URL != "" {
		client, err := adguard.New(adguard.Options{
			URL:      cfg.AdGuard.URL,
			Username: cfg.AdGuard.Username,
			Password: cfg.AdGuard.Password,
			Timeout:  cfg.Sync.AdapterTimeout,
			Logger:   logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create adguard adapter: %w", err)
		}
		adapters = append(adapters, client)
		log.Info(map[string]any{"url": cfg.AdGuard.URL}, "AdGuard adapter configured")
	}
	if cfg.PiHole.URL != "" || cfg.PiHole.Token != "" {
		client := pihole.New(pihole.Options{
			URL:     cfg.PiHole.URL,
			Token:   cfg.PiHole.Token,
			Timeout: cfg.Sync.AdapterTimeout,
			Logger:  logger,
		})
		if client.Enabled() {
			adapters = append(adapters, client)
			log.Info(map[string]any{"url": cfg.PiHole.URL}, "Pi-hole adapter configured")
		}
	}
	if len(adapters) == 0 {
		log.Warn(nil, "No enforcement backends configured, sweeps will only resolve")
	}
	return adapters, nil
}

// Run starts the sweep loop and the optional admin server, and blocks until
// ctx is cancelled. A sweep in flight at shutdown is allowed to finish.
func (app *Application) Run(ctx context.Context) error {
	var httpErr chan error
	if app.http != nil {
		httpErr = make(chan error, 1)
		go func() {
			log.Info(map[string]any{"address": app.http.Addr}, "Admin HTTP server started")
			if err := app.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				httpErr <- err
			}
		}()
	}

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	loopDone := make(chan error, 1)
	go func() {
		loopDone <- app.sync.Run(loopCtx, app.newTrigger(app.config.Sync.Interval))
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info(nil, "Shutdown initiated")
	case err := <-httpErr:
		runErr = fmt.Errorf("admin server failed: %w", err)
	}
	cancel()
	runErr = multierr.Append(runErr, <-loopDone)
	return multierr.Append(runErr, app.shutdown())
}

func (app *Application) shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()

	var err error
	if app.http != nil {
		err = multierr.Append(err, app.http.Shutdown(shutdownCtx))
	}
	err = multierr.Append(err, app.state.Close())
	if err != nil {
		log.Warn(map[string]any{"error": err}, "Errors during shutdown")
	} else {
		log.Info(nil, "Graceful shutdown completed")
	}
	return err
}
