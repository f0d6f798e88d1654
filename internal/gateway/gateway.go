// Package gateway assembles the process-wide services from configuration
// and owns their startup and shutdown order.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/opensource-finance/fieldgate/internal/alerting"
	"github.com/opensource-finance/fieldgate/internal/api"
	"github.com/opensource-finance/fieldgate/internal/bus"
	"github.com/opensource-finance/fieldgate/internal/cache"
	"github.com/opensource-finance/fieldgate/internal/connection"
	"github.com/opensource-finance/fieldgate/internal/datasource"
	"github.com/opensource-finance/fieldgate/internal/domain"
	"github.com/opensource-finance/fieldgate/internal/ingest"
	"github.com/opensource-finance/fieldgate/internal/metrics"
	"github.com/opensource-finance/fieldgate/internal/polling"
	"github.com/opensource-finance/fieldgate/internal/repository"
	"github.com/opensource-finance/fieldgate/internal/scheduler"
	"github.com/opensource-finance/fieldgate/internal/subscription"
	"github.com/opensource-finance/fieldgate/internal/supervisor"
	"github.com/opensource-finance/fieldgate/internal/tags"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"
)

// Gateway holds every long-lived service. Fields are set by New and never
// replaced.
type Gateway struct {
	Config        *domain.Config
	Repo          domain.Repository
	Cache         domain.Cache
	Sink          domain.EventSink
	Metrics       *metrics.Metrics
	Tasks         *supervisor.Supervisor
	Pool          *datasource.Pool
	Resolver      *tags.Resolver
	Rules         *alerting.Engine
	Pipeline      *ingest.Pipeline
	Polling       *polling.Service
	Subscriptions *subscription.Manager
}

// Options overrides pieces of the default wiring, mainly for tests.
type Options struct {
	// Repo replaces the repository built from Config.Repository.
	Repo domain.Repository

	// Sink replaces the event sink built from Config.EventBus.
	Sink domain.EventSink

	// Connector replaces protocol construction for every datasource.
	Connector datasource.Connector
}

// New builds the services described by cfg. Nothing runs until Start.
func New(cfg *domain.Config, opts Options) (_ *Gateway, err error) {
	g := &Gateway{Config: cfg}
	defer func() {
		if err != nil {
			_ = g.Close(context.Background())
		}
	}()

	if !cfg.Tracing.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
	}

	g.Repo = opts.Repo
	if g.Repo == nil {
		repo, err := repository.New(cfg.Repository)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize repository: %w", err)
		}
		g.Repo = repo
	}
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	c, err := cache.New(cfg.Cache)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}
	g.Cache = c
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	g.Sink = opts.Sink
	if g.Sink == nil {
		sink, err := bus.New(cfg.EventBus)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize event sink: %w", err)
		}
		g.Sink = sink
	}
	slog.Info("event sink initialized", "type", cfg.EventBus.Type)

	var observer connection.Observer
	if cfg.Metrics.Enabled {
		g.Metrics = metrics.New()
		observer = g.Metrics
	}

	g.Tasks = supervisor.New(cfg.Supervisor)
	g.Pool = datasource.NewPool(g.Repo, g.Tasks, datasource.Options{
		Connection: cfg.Connection,
		Cache:      g.Cache,
		Connector:  opts.Connector,
		Observer:   observer,
	})
	g.Resolver = tags.New(g.Repo, g.Pool)

	if cfg.Alerting.Enabled {
		rules, err := alerting.NewEngine()
		if err != nil {
			return nil, fmt.Errorf("failed to initialize alert engine: %w", err)
		}
		g.Rules = rules
	}
	g.Pipeline = ingest.New(g.Repo, g.Sink, g.Rules, g.Metrics)

	g.Polling = polling.New(polling.Options{
		Store:     g.Repo,
		Reader:    g.Pool,
		Resolver:  g.Resolver,
		Scheduler: scheduler.New(g.Tasks),
		Pipeline:  g.Pipeline,
		Metrics:   g.Metrics,
		Config:    cfg.Polling,
	})
	g.Subscriptions = subscription.New(subscription.Options{
		Store:    g.Repo,
		Sources:  g.Pool,
		Resolver: g.Resolver,
		Pipeline: g.Pipeline,
		Metrics:  g.Metrics,
		Config:   cfg.Subscription,
	})
	return g, nil
}

// Start loads alert rules and restores persisted polling jobs and
// subscriptions. Restore failures are logged; the gateway keeps serving
// with whatever was restored.
func (g *Gateway) Start(ctx context.Context) error {
	if g.Rules != nil {
		if err := g.loadRules(ctx); err != nil {
			return err
		}
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		n, err := g.Polling.Restore(ctx)
		if err != nil {
			slog.Error("polling restore failed", "restored", n, "error", err)
			return ctx.Err()
		}
		slog.Info("polling jobs restored", "count", n)
		return nil
	})
	eg.Go(func() error {
		n, err := g.Subscriptions.Restore(ctx)
		if err != nil {
			slog.Error("subscription restore failed", "restored", n, "error", err)
			return ctx.Err()
		}
		slog.Info("subscriptions restored", "count", n)
		return nil
	})
	return eg.Wait()
}

// loadRules compiles each active tenant's alert rules. A tenant with an
// invalid rule keeps running without rules.
func (g *Gateway) loadRules(ctx context.Context) error {
	tenants, err := g.Repo.ListActiveTenants(ctx)
	if err != nil {
		return fmt.Errorf("failed to list tenants: %w", err)
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(8)
	for _, t := range tenants {
		t := t
		eg.Go(func() error {
			if err := g.Rules.Refresh(ctx, g.Repo, t.ID); err != nil {
				slog.Warn("failed to load alert rules", "tenant_id", t.ID, "error", err)
				return nil
			}
			slog.Info("alert rules loaded", "tenant_id", t.ID, "rules_count", g.Rules.RulesCount(t.ID))
			return nil
		})
	}
	return eg.Wait()
}

// Services exposes the gateway to the HTTP control surface.
func (g *Gateway) Services(version string) api.Services {
	return api.Services{
		Repo:          g.Repo,
		Sink:          g.Sink,
		Pool:          g.Pool,
		Polling:       g.Polling,
		Subscriptions: g.Subscriptions,
		Tasks:         g.Tasks,
		Rules:         g.Rules,
		Metrics:       g.Metrics,
		MetricsPath:   g.Config.Metrics.Path,
		Version:       version,
	}
}

// Close stops everything in dependency order: subscriptions and polling
// jobs first, then connections, background tasks, the sink, the cache and
// finally storage. Persisted task rows stay active for the next start.
func (g *Gateway) Close(ctx context.Context) error {
	var errs []error

	if g.Subscriptions != nil {
		g.Subscriptions.Close(ctx)
	}
	if g.Polling != nil {
		g.Polling.Close(ctx)
	}
	if g.Pool != nil {
		g.Pool.Shutdown(ctx)
	}
	if g.Tasks != nil {
		if err := g.Tasks.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tasks: %w", err))
		}
	}
	if g.Sink != nil {
		if err := g.Sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("event sink: %w", err))
		}
	}
	if g.Cache != nil {
		if err := g.Cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("cache: %w", err))
		}
	}
	if g.Repo != nil {
		if err := g.Repo.Close(); err != nil {
			errs = append(errs, fmt.Errorf("repository: %w", err))
		}
	}
	return errors.Join(errs...)
}
