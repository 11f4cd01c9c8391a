package main

import (
	"context"
	"fmt"
	"os"

	"github.com/nats-io/nats.go"
	goredis "github.com/redis/go-redis/v9"
	temporalclient "go.temporal.io/sdk/client"

	natsstream "github.com/Apex-Business-Apps/APEX-OmniLink/features/eventstream/nats"
	"github.com/Apex-Business-Apps/APEX-OmniLink/features/notify"
	plancache "github.com/Apex-Business-Apps/APEX-OmniLink/features/plancache/redis"
	"github.com/Apex-Business-Apps/APEX-OmniLink/features/planner/heuristic"
	mongostore "github.com/Apex-Business-Apps/APEX-OmniLink/features/store/mongo"
	pgstore "github.com/Apex-Business-Apps/APEX-OmniLink/features/store/postgres"
	"github.com/Apex-Business-Apps/APEX-OmniLink/runtime/agent/engine"
	inmemengine "github.com/Apex-Business-Apps/APEX-OmniLink/runtime/agent/engine/inmem"
	"github.com/Apex-Business-Apps/APEX-OmniLink/runtime/agent/engine/temporal"
	"github.com/Apex-Business-Apps/APEX-OmniLink/runtime/agent/manmode"
	"github.com/Apex-Business-Apps/APEX-OmniLink/runtime/agent/planner"
	agentruntime "github.com/Apex-Business-Apps/APEX-OmniLink/runtime/agent/runtime"
	"github.com/Apex-Business-Apps/APEX-OmniLink/runtime/agent/store"
	inmemstore "github.com/Apex-Business-Apps/APEX-OmniLink/runtime/agent/store/inmem"
	"github.com/Apex-Business-Apps/APEX-OmniLink/runtime/agent/telemetry"
	"github.com/Apex-Business-Apps/APEX-OmniLink/runtime/agent/tools"
)

// app holds the assembled process dependencies. Both the worker and the API
// server build one; they differ only in what they run afterwards.
type app struct {
	cfg      Config
	logger   telemetry.Logger
	store    store.Store
	tasks    *manmode.TaskRepository
	policies *manmode.PolicyService
	engine   engine.Engine
	runtime  *agentruntime.Runtime
	client   *agentruntime.Client
	closers  []func() error
}

// buildApp assembles the store, engine, and runtime from cfg and registers
// the workflow on the task queue.
func buildApp(ctx context.Context, cfg Config, logger telemetry.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	st, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	a.store = st
	a.tasks = manmode.NewTaskRepository(st, manmode.TaskRepositoryOptions{})
	a.policies = manmode.NewPolicyService(st, manmode.PolicyServiceOptions{})

	if cfg.PolicySeedFile != "" {
		data, err := os.ReadFile(cfg.PolicySeedFile)
		if err != nil {
			return nil, fmt.Errorf("read policy seed: %w", err)
		}
		n, err := a.policies.ApplySeed(ctx, data)
		if err != nil {
			return nil, fmt.Errorf("apply policy seed: %w", err)
		}
		logger.Info(ctx, "seeded man policies", "count", n)
	}

	eng, err := a.openEngine()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.engine = eng

	cache, err := a.openPlanCache()
	if err != nil {
		a.Close()
		return nil, err
	}
	mirror, err := a.openMirror(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	rt, err := agentruntime.New(agentruntime.Options{
		Engine:         eng,
		TaskQueue:      cfg.TaskQueue,
		Tasks:          a.tasks,
		Policies:       a.policies,
		Triage:         manmode.NewEngine(manmode.EngineOptions{}),
		Planner:        heuristic.New(),
		PlanCache:      cache,
		Tools:          tools.Defaults(),
		Notifier:       notify.FromConfig(notify.FromEnv(), logger, nil),
		Mirror:         mirror,
		Logger:         logger,
		Metrics:        telemetry.NewClueMetrics(),
		MaxHistorySize: cfg.MaxHistorySize,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("build runtime: %w", err)
	}
	if err := rt.Register(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("register runtime: %w", err)
	}
	a.runtime = rt
	a.client = agentruntime.NewClient(eng, cfg.TaskQueue)
	return a, nil
}

func (a *app) openStore(ctx context.Context) (store.Store, error) {
	switch {
	case a.cfg.DatabaseURL != "":
		st, err := pgstore.Open(ctx, a.cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		if err := st.EnsureSchema(ctx); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("ensure postgres schema: %w", err)
		}
		a.closers = append(a.closers, st.Close)
		a.logger.Info(ctx, "task store ready", "backend", "postgres")
		return st, nil
	case a.cfg.MongoURL != "":
		st, err := mongostore.Open(ctx, a.cfg.MongoURL, a.cfg.MongoDatabase)
		if err != nil {
			return nil, fmt.Errorf("open mongo store: %w", err)
		}
		if err := st.EnsureIndexes(ctx); err != nil {
			return nil, fmt.Errorf("ensure mongo indexes: %w", err)
		}
		a.logger.Info(ctx, "task store ready", "backend", "mongo")
		return st, nil
	default:
		a.logger.Info(ctx, "task store ready", "backend", "inmem")
		return inmemstore.New(), nil
	}
}

func (a *app) openEngine() (engine.Engine, error) {
	if a.cfg.Engine == "inmem" {
		return inmemengine.New(), nil
	}
	eng, err := temporal.New(temporal.Options{
		ClientOptions: &temporalclient.Options{
			HostPort:  a.cfg.TemporalHost,
			Namespace: a.cfg.TemporalNamespace,
		},
		WorkerOptions: temporal.WorkerOptions{TaskQueue: a.cfg.TaskQueue},
		Logger:        a.logger,
		Metrics:       telemetry.NewClueMetrics(),
		Tracer:        telemetry.NewClueTracer(),
	})
	if err != nil {
		return nil, fmt.Errorf("connect temporal: %w", err)
	}
	a.closers = append(a.closers, eng.Close)
	return eng, nil
}

func (a *app) openPlanCache() (planner.Cache, error) {
	if a.cfg.RedisURL == "" {
		return nil, nil
	}
	opts, err := goredis.ParseURL(a.cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := goredis.NewClient(opts)
	a.closers = append(a.closers, rdb.Close)
	return plancache.New(rdb, plancache.Options{TTL: a.cfg.PlanCacheTTL}), nil
}

func (a *app) openMirror(ctx context.Context) (agentruntime.Mirror, error) {
	if a.cfg.NatsURL == "" {
		return nil, nil
	}
	nc, err := nats.Connect(a.cfg.NatsURL)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	a.closers = append(a.closers, func() error {
		nc.Close()
		return nil
	})
	mirror, err := natsstream.New(ctx, nc)
	if err != nil {
		return nil, fmt.Errorf("create event stream: %w", err)
	}
	return mirror, nil
}

// Close releases held connections in reverse acquisition order.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
	a.closers = nil
}
