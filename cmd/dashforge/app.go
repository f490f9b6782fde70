package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/mohammad-safakhou/dashforge/config"
	core "github.com/mohammad-safakhou/dashforge/internal/agent/core"
	"github.com/mohammad-safakhou/dashforge/internal/agent/telemetry"
	"github.com/mohammad-safakhou/dashforge/internal/catalog"
	"github.com/mohammad-safakhou/dashforge/internal/history"
	"github.com/mohammad-safakhou/dashforge/internal/queue/streams"
	"github.com/mohammad-safakhou/dashforge/internal/runtime"
	"github.com/mohammad-safakhou/dashforge/internal/store"
	"github.com/mohammad-safakhou/dashforge/provider"
	"github.com/mohammad-safakhou/dashforge/repository"
	"github.com/mohammad-safakhou/dashforge/repository/redis_repository"
	"github.com/mohammad-safakhou/dashforge/tools/web_fetch"
	"github.com/redis/go-redis/v9"
)

// app holds every long-lived collaborator built from the config.
type app struct {
	cfg          *config.Config
	logger       *log.Logger
	llm          provider.Client
	runner       *runtime.Runner
	launcher     *runtime.Launcher
	telemetry    *telemetry.Telemetry
	orchestrator *core.Orchestrator
	store        *store.Store
	redis        *redis.Client
	events       *streams.GenerationEvents
	history      *history.Index
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// newApp wires the pipeline. Postgres and Redis are optional: without them
// generations live in memory and events stay in process.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, logger: log.New(log.Writer(), "[DASHFORGE] ", log.LstdFlags)}

	if cfg.General.Workdir != "" {
		if err := os.MkdirAll(cfg.General.Workdir, 0o755); err != nil {
			return nil, fmt.Errorf("workdir: %w", err)
		}
	}

	llm, err := provider.New(cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("llm provider: %w", err)
	}
	a.llm = llm

	runnerCfg := cfg.Runner.Normalize()
	snap, err := web_fetch.NewWebFetcher(web_fetch.ChromedpFetcherType, runnerCfg.CaptureTimeout, runnerCfg.RenderWait)
	if err != nil {
		return nil, fmt.Errorf("snapshotter: %w", err)
	}
	sizing := runtime.NewRunner(runnerCfg, snap, nil)
	// Dashboards fetch live data, so a policy with network disabled stops startup.
	enforcer, _, err := runtime.EnsureSandbox(ctx, cfg.Security, "runner", nil, runtime.SandboxRequest{
		Timeout:        sizing.Budget(),
		NetworkEnabled: true,
	})
	if err != nil {
		return nil, fmt.Errorf("sandbox: %w", err)
	}
	env := enforcer.Policy().FilterEnv(os.Environ(), cfg.Pipeline.Normalize().SecretEnv...)
	a.runner = runtime.NewRunner(runnerCfg, snap, env)
	a.launcher = runtime.NewLauncher(runnerCfg, env)
	a.telemetry = telemetry.NewTelemetry(cfg.Telemetry, cfg.LLM)

	var opts core.Options
	if cfg.Storage.Postgres.Enabled() {
		st, err := store.NewWithDSN(ctx, cfg.Storage.Postgres.DSN())
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("postgres: %w", err)
		}
		a.store = st
		opts.Store = st
	}

	cacheType := repository.RepoTypeMemory
	if cfg.Storage.Redis.Enabled() {
		timeout := cfg.Storage.Redis.Timeout
		if timeout <= 0 {
			timeout = cfg.General.DefaultTimeout
		}
		client, err := redis_repository.Conn(ctx, cfg.Storage.Redis.Addr(), cfg.Storage.Redis.Password, cfg.Storage.Redis.DB, timeout)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("redis: %w", err)
		}
		a.redis = client
		registry, err := streams.NewBaseRegistry()
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("schema registry: %w", err)
		}
		a.events = streams.NewGenerationEvents(streams.NewPublisher(client, registry), cfg.Storage.Redis.Stream)
		opts.Events = a.events
		cacheType = repository.RepoTypeRedis
	}

	if cfg.Pipeline.UseCatalog && cfg.Catalog.URL != "" {
		cache, err := repository.NewCatalogCache(ctx, cacheType, cfg.Storage.Redis)
		if err != nil {
			a.logger.Printf("Warning: catalog cache unavailable, using memory: %v", err)
			cache = repository.NewMemoryCatalogCache()
		}
		opts.Catalog = catalog.New(cfg.Catalog, cache)
	}

	if cfg.Pipeline.UseHistory {
		idx, err := history.Open(cfg.Storage.History.IndexPath)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("history index: %w", err)
		}
		a.history = idx
		opts.History = idx
	}

	a.orchestrator = core.NewOrchestrator(cfg, llm, a.runner, a.telemetry, opts)
	return a, nil
}

// Close releases every connection the app opened and stops a launched
// dashboard.
func (a *app) Close() {
	if a.launcher != nil {
		a.launcher.Stop()
	}
	if a.history != nil {
		_ = a.history.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
}
