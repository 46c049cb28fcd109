package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/fluxorio/orchestrator/pkg/agent"
	"github.com/fluxorio/orchestrator/pkg/concurrency"
	"github.com/fluxorio/orchestrator/pkg/config"
	"github.com/fluxorio/orchestrator/pkg/consensus"
	"github.com/fluxorio/orchestrator/pkg/db"
	"github.com/fluxorio/orchestrator/pkg/engine"
	"github.com/fluxorio/orchestrator/pkg/health"
	"github.com/fluxorio/orchestrator/pkg/journal"
	"github.com/fluxorio/orchestrator/pkg/logging"
	prom "github.com/fluxorio/orchestrator/pkg/observability/prometheus"
	"github.com/fluxorio/orchestrator/pkg/registry"
	"github.com/fluxorio/orchestrator/pkg/remote"
	"github.com/fluxorio/orchestrator/pkg/server"
	"github.com/fluxorio/orchestrator/pkg/sink"
)

// app owns every long-lived component of the orchestrator process.
type app struct {
	cfg      config.Config
	logger   *logging.ZapLogger
	metrics  *prom.Metrics
	registry *registry.Registry
	engine   *engine.Engine
	monitor  *health.Monitor
	server   *server.Server
	nc       *nats.Conn

	// closers run in reverse order on shutdown
	closers []func(context.Context) error
}

func newApp(ctx context.Context, cfg config.Config, logger *logging.ZapLogger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger, metrics: prom.GetMetrics()}
	defer func() {
		if err != nil {
			_ = a.close(context.Background())
		}
	}()

	a.registry = registry.New(
		registry.WithFailureThreshold(cfg.Registry.FailureThreshold),
		registry.WithCooldown(cfg.Registry.Cooldown),
		registry.WithOverloadThreshold(cfg.Registry.OverloadThreshold),
		registry.WithHealthTimeout(cfg.Registry.HealthTimeout),
		registry.WithLogger(logger),
		registry.WithMetrics(a.metrics),
	)

	if needsNATS(cfg) {
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name(cfg.NATS.Name))
		if err != nil {
			return nil, fmt.Errorf("connect nats %s: %w", cfg.NATS.URL, err)
		}
		a.nc = nc
		a.closers = append(a.closers, func(context.Context) error {
			nc.Close()
			return nil
		})
	}

	workers, err := buildWorkers(cfg.Workers, a.nc)
	if err != nil {
		return nil, err
	}
	for _, w := range workers {
		if err := a.registry.Register(w); err != nil {
			// the health monitor does not re-register, so an absent worker
			// stays out until restart
			logger.Warn("worker not registered", "worker_id", w.ID(), "error", err)
		}
		if c, ok := w.(interface{ Close() error }); ok {
			a.closers = append(a.closers, func(context.Context) error { return c.Close() })
		}
	}

	results, closers, err := buildSinks(ctx, cfg.Sink, a.nc)
	a.closers = append(a.closers, closers...)
	if err != nil {
		return nil, err
	}

	opts := []engine.Option{
		engine.WithResolver(consensus.NewResolver(weightPolicy(cfg.Engine, a.registry))),
		engine.WithLogger(logger),
		engine.WithMetrics(a.metrics),
		engine.WithLoadPerCall(cfg.Engine.LoadPerCall),
		engine.WithCallTimeout(cfg.Engine.CallTimeout),
	}
	if results != nil {
		opts = append(opts,
			engine.WithSink(results),
			engine.WithSinkTimeout(cfg.Engine.SinkTimeout),
			engine.WithDispatcher(concurrency.ExecutorConfig{
				Workers:   cfg.Engine.DispatchWorkers,
				QueueSize: cfg.Engine.DispatchQueue,
				Logger:    logger,
			}),
		)
	}
	if a.engine, err = engine.New(a.registry, opts...); err != nil {
		return nil, err
	}

	if a.monitor, err = health.NewMonitor(a.registry,
		health.WithInterval(cfg.Health.Interval),
		health.WithCheckTimeout(cfg.Health.CheckTimeout),
		health.WithLogger(logger),
		health.WithMetrics(a.metrics),
	); err != nil {
		return nil, err
	}

	if cfg.Server.Enabled {
		auth, err := server.NewAuthenticator(cfg.Server.Auth)
		if err != nil {
			return nil, err
		}
		a.server, err = server.New(server.Config{
			Addr:         cfg.Server.Addr,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			MaxInFlight:  cfg.Server.MaxInFlight,
			Auth:         auth,
			Gatherer:     prom.DefaultRegistry,
		}, a.engine, a.monitor, a.metrics, logger)
		if err != nil {
			return nil, err
		}
	}
	return a, nil
}

// run blocks until ctx is cancelled or the HTTP server fails.
func (a *app) run(ctx context.Context) error {
	go a.monitor.Run(ctx)

	if a.server == nil {
		<-ctx.Done()
		return nil
	}
	errCh := make(chan error, 1)
	go func() { errCh <- a.server.ListenAndServe() }()
	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// close stops intake first, then drains the engine's sink queue, then
// releases sinks and connections.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.server != nil {
		errs = append(errs, a.server.Shutdown(ctx))
	}
	if a.engine != nil {
		errs = append(errs, a.engine.Close(ctx))
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i](ctx))
	}
	a.closers = nil
	return errors.Join(errs...)
}

func needsNATS(cfg config.Config) bool {
	if cfg.Sink.NATS.Enabled {
		return true
	}
	for _, w := range cfg.Workers {
		if w.Transport == "nats" {
			return true
		}
	}
	return false
}

func weightPolicy(cfg config.EngineConfig, reg *registry.Registry) consensus.WeightPolicy {
	if cfg.Weights == "performance" {
		return consensus.PerformanceWeights{Registry: reg, Floor: cfg.WeightFloor}
	}
	return consensus.UniformWeights{}
}

func buildWorkers(cfgs []config.WorkerConfig, nc *nats.Conn) ([]agent.Worker, error) {
	out := make([]agent.Worker, 0, len(cfgs))
	for _, wc := range cfgs {
		switch wc.Transport {
		case "nats":
			w, err := remote.NewNATSWorker(nc, wc.ID, wc.Subject, wc.Capabilities)
			if err != nil {
				return nil, err
			}
			w.SetHealthTimeout(wc.Timeout)
			out = append(out, w)
		case "websocket":
			w, err := remote.NewWSWorker(wc.ID, wc.URL, wc.Capabilities)
			if err != nil {
				return nil, err
			}
			w.SetHealthTimeout(wc.Timeout)
			out = append(out, w)
		default:
			return nil, fmt.Errorf("worker %s: unknown transport %q", wc.ID, wc.Transport)
		}
	}
	return out, nil
}

// buildSinks opens every enabled sink. It returns a nil sink when none is
// enabled. Closers are returned even on error so partial setups are released.
func buildSinks(ctx context.Context, cfg config.SinkConfig, nc *nats.Conn) (sink.Sink, []func(context.Context) error, error) {
	var (
		sinks   sink.Multi
		closers []func(context.Context) error
	)

	if cfg.SQL.Enabled {
		poolCfg := db.DefaultPoolConfig(cfg.SQL.DSN, cfg.SQL.Driver)
		if cfg.SQL.MaxOpenConns > 0 {
			poolCfg.MaxOpenConns = cfg.SQL.MaxOpenConns
		}
		if cfg.SQL.MaxIdleConns > 0 {
			poolCfg.MaxIdleConns = cfg.SQL.MaxIdleConns
		}
		pool, err := db.NewPool(poolCfg)
		if err != nil {
			return nil, closers, fmt.Errorf("sql sink: %w", err)
		}
		closers = append(closers, func(context.Context) error { return pool.Close() })
		s, err := sink.NewSQLSink(ctx, pool)
		if err != nil {
			return nil, closers, fmt.Errorf("sql sink: %w", err)
		}
		sinks = append(sinks, s)
	}

	if cfg.Pgx.Enabled {
		pool, err := sink.NewPgxPool(ctx, cfg.Pgx.DSN, cfg.Pgx.MaxConns)
		if err != nil {
			return nil, closers, fmt.Errorf("pgx sink: %w", err)
		}
		closers = append(closers, func(context.Context) error {
			pool.Close()
			return nil
		})
		s, err := sink.NewPgxSink(ctx, pool)
		if err != nil {
			return nil, closers, fmt.Errorf("pgx sink: %w", err)
		}
		sinks = append(sinks, s)
	}

	if cfg.Journal.Enabled {
		jcfg := journal.DefaultConfig(cfg.Journal.Dir)
		if cfg.Journal.SegmentBytes > 0 {
			jcfg.MaxSegmentBytes = cfg.Journal.SegmentBytes
		}
		j, err := journal.Open(jcfg)
		if err != nil {
			return nil, closers, fmt.Errorf("journal sink: %w", err)
		}
		closers = append(closers, func(context.Context) error { return j.Close() })
		s, err := sink.NewJournalSink(j)
		if err != nil {
			return nil, closers, err
		}
		sinks = append(sinks, s)
	}

	if cfg.NATS.Enabled {
		s, err := sink.NewNATSSink(nc, cfg.NATS.Subject)
		if err != nil {
			return nil, closers, fmt.Errorf("nats sink: %w", err)
		}
		sinks = append(sinks, s)
	}

	switch len(sinks) {
	case 0:
		return nil, closers, nil
	case 1:
		return sinks[0], closers, nil
	default:
		return sinks, closers, nil
	}
}
