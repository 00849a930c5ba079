// Package app assembles the governance components from configuration. Both
// the API server and the scheduler build on it.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/biznespilot/governor/pkg/abuse"
	"github.com/biznespilot/governor/pkg/algorithms"
	"github.com/biznespilot/governor/pkg/archive"
	"github.com/biznespilot/governor/pkg/async"
	"github.com/biznespilot/governor/pkg/audit"
	"github.com/biznespilot/governor/pkg/billing"
	"github.com/biznespilot/governor/pkg/cache"
	"github.com/biznespilot/governor/pkg/config"
	"github.com/biznespilot/governor/pkg/events"
	"github.com/biznespilot/governor/pkg/gate"
	"github.com/biznespilot/governor/pkg/observability"
	"github.com/biznespilot/governor/pkg/orchestrator"
	"github.com/biznespilot/governor/pkg/plans"
	"github.com/biznespilot/governor/pkg/ratelimit"
	"github.com/biznespilot/governor/pkg/storage"
	"github.com/biznespilot/governor/pkg/usage"
)

// App holds the wired components. Optional parts are nil when their
// configuration is absent: DB for the memory backend, Redis without a URL,
// Audit without SQL, Billing without a webhook secret and Archiver without
// an S3 bucket.
type App struct {
	Config    *config.Config
	Logger    *observability.Logger
	Registry  *prometheus.Registry
	Metrics   *observability.Metrics
	Telemetry *observability.OTelMetrics

	DB    *storage.ConnectionManager
	Redis *redis.Client

	Catalogue plans.Provider
	Watcher   *plans.Watcher

	Subscriptions plans.SubscriptionStore
	Usage         usage.Store
	Bindings      abuse.Store
	Audit         audit.Store

	Limiter      ratelimit.Limiter
	Cache        *cache.Manager
	Bus          *events.Bus
	Dispatcher   *async.Dispatcher
	Gate         *gate.Gate
	Abuse        *abuse.Detector
	Billing      *billing.Service
	Orchestrator *orchestrator.Orchestrator
	Archiver     *archive.S3Archiver

	closers []closer
}

type closer struct {
	name string
	fn   func(context.Context) error
}

// Build connects the configured backends and wires every component. On
// error everything opened so far is closed again.
func Build(ctx context.Context, cfg *config.Config, logger *observability.Logger) (_ *App, err error) {
	if logger == nil {
		logger = observability.NopLogger()
	}
	a := &App{Config: cfg, Logger: logger, Registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	if cfg.Observability.MetricsEnabled {
		a.Metrics = observability.NewMetrics(a.Registry)
	}
	if cfg.Observability.OTelEnabled {
		if a.Telemetry, err = observability.NewOTelMetrics(); err != nil {
			return nil, fmt.Errorf("failed to create otel metrics: %w", err)
		}
	}

	if err = a.openStores(ctx); err != nil {
		return nil, err
	}
	if err = a.loadCatalogue(); err != nil {
		return nil, err
	}

	if a.Redis != nil {
		a.Limiter = ratelimit.NewRedisLimiter(a.Redis, cfg.RateLimit, logger)
	} else {
		a.Limiter = ratelimit.NewMemoryLimiter(cfg.RateLimit)
	}
	a.Cache = cache.NewManager(cfg.Cache, a.Redis, logger).WithTelemetry(a.Telemetry)

	a.Bus = events.NewBus(events.DefaultConfig(), logger, a.Metrics)
	a.onClose("event bus", a.Bus.Close)
	events.RegisterCacheInvalidation(a.Bus, a.Cache, logger)
	events.RegisterMetrics(a.Bus, a.Metrics)
	events.RegisterLogging(a.Bus, logger)
	if a.Audit != nil {
		audit.NewRecorder(a.Audit, logger).Subscribe(a.Bus)
	}

	dc := cfg.Dispatcher
	dc.OnFinish = orchestrator.JobObserver(a.Metrics, a.Telemetry)
	a.Dispatcher = async.NewDispatcher(dc, logger)
	a.Dispatcher.Start()
	a.onClose("dispatcher", a.Dispatcher.Shutdown)

	a.Gate = gate.New(a.Catalogue, a.Subscriptions, a.Usage, gate.DefaultRegistry())
	a.Abuse = abuse.NewDetector(a.Bindings, a.Subscriptions, logger)

	opts := cfg.Orchestrator
	opts.Telemetry = a.Telemetry
	a.Orchestrator = orchestrator.New(a.Gate, a.Limiter, a.Cache, a.Dispatcher, a.Usage,
		algorithms.DefaultRegistry(), a.Bus, logger, a.Metrics, opts)

	if cfg.Billing.WebhookSecret != "" {
		a.Billing = billing.NewService(billing.Config{
			Secret:  cfg.Billing.WebhookSecret,
			MaxSkew: cfg.Billing.MaxSkew,
		}, a.Subscriptions, a.Catalogue, a.Bus, logger)
	}

	if cfg.Storage.S3Bucket != "" {
		if a.Archiver, err = archive.NewS3Archiver(ctx, cfg.Storage, logger); err != nil {
			return nil, err
		}
	}

	logger.WithFields(map[string]any{
		"storage": cfg.Storage.Type,
		"redis":   a.Redis != nil,
		"audit":   a.Audit != nil,
		"billing": a.Billing != nil,
		"archive": a.Archiver != nil,
	}).Info("Components initialized")
	return a, nil
}

func (a *App) openStores(ctx context.Context) error {
	cfg := a.Config.Storage
	switch cfg.Type {
	case storage.TypeMemory:
		a.Subscriptions = plans.NewMemoryStore()
		a.Usage = usage.NewMemoryStore()
		a.Bindings = abuse.NewMemoryStore()
	default:
		cm, err := storage.Open(ctx, cfg, a.Logger)
		if err != nil {
			return fmt.Errorf("failed to open %s storage: %w", cfg.Type, err)
		}
		a.DB = cm
		a.onClose("database", func(context.Context) error { return cm.Close() })
		db := cm.Primary()
		a.Subscriptions = plans.NewSQLStore(db)
		a.Usage = usage.NewSQLStore(db)
		a.Bindings = abuse.NewSQLStore(db)
		a.Audit = audit.NewSQLStore(db)
	}

	if cfg.RedisURL != "" {
		client, err := storage.NewRedisClient(cfg)
		if err != nil {
			return err
		}
		a.Redis = client
		a.onClose("redis", func(context.Context) error { return client.Close() })
		// counters are shared by every instance
		a.Usage = usage.NewRedisStore(client)
	}
	return nil
}

func (a *App) loadCatalogue() error {
	cc := a.Config.Catalogue
	switch {
	case cc.Path == "":
		a.Catalogue = plans.DefaultCatalogue()
	case cc.Watch:
		w, err := plans.NewWatcher(cc.Path, a.Logger, plans.WithReloadHook(func(c *plans.Catalogue) {
			a.Logger.WithField("plans", len(c.Plans)).Info("Plan catalogue reloaded")
		}))
		if err != nil {
			return fmt.Errorf("failed to load catalogue: %w", err)
		}
		a.Watcher = w
		a.Catalogue = w
	default:
		c, err := plans.LoadCatalogue(cc.Path)
		if err != nil {
			return fmt.Errorf("failed to load catalogue: %w", err)
		}
		a.Catalogue = c
	}
	return nil
}

func (a *App) onClose(name string, fn func(context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// Start runs the background loops on g until ctx is done
func (a *App) Start(ctx context.Context, g *errgroup.Group) {
	if a.Watcher != nil {
		g.Go(func() error { return a.Watcher.Run(ctx) })
	}
	if ml, ok := a.Limiter.(*ratelimit.MemoryLimiter); ok {
		ml.StartCleanup(ctx, time.Minute)
	}
	if a.DB != nil {
		a.DB.StartHealthCheckRoutine(ctx, 30*time.Second)
	}
	if a.Metrics != nil {
		g.Go(func() error {
			orchestrator.ObserveQueue(ctx, a.Dispatcher, a.Metrics, 5*time.Second)
			return nil
		})
		if a.DB != nil {
			g.Go(func() error {
				a.recordDBStats(ctx, 15*time.Second)
				return nil
			})
		}
	}
}

func (a *App) recordDBStats(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Metrics.RecordDBStats(a.DB.Primary().Stats())
		}
	}
}

// HealthChecker probes the database, Redis and the archive bucket
func (a *App) HealthChecker(version string) *observability.HealthChecker {
	var h *observability.HealthChecker
	if a.DB != nil {
		h = observability.NewHealthChecker(a.DB.Primary(), a.Redis, version)
	} else {
		h = observability.NewHealthChecker(nil, a.Redis, version)
	}
	if a.Archiver != nil {
		h.AddCheck("archive", false, a.Archiver.HealthCheck)
	}
	return h
}

// Close releases components in reverse order of creation
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			a.Logger.WithError(err).WithField("component", c.name).Warn("Failed to close component")
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
