// Package bootstrap wires configuration into a ready ledger store, change
// feed and service layer. The binaries share it so that every entry point
// selects the store strategy the same way.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/vanshika/uplink/internal/config"
	"github.com/vanshika/uplink/internal/domain"
	"github.com/vanshika/uplink/internal/graph"
	"github.com/vanshika/uplink/internal/ledger"
	"github.com/vanshika/uplink/internal/metrics"
	"github.com/vanshika/uplink/internal/notify"
	"github.com/vanshika/uplink/internal/postgres"
	"github.com/vanshika/uplink/internal/referral"
	"github.com/vanshika/uplink/internal/repository"
	"github.com/vanshika/uplink/internal/service"
)

// App holds the wired components.
type App struct {
	Config   config.Config
	Logger   *zap.Logger
	Store    ledger.Store
	Engine   *service.Engine
	Members  *service.MembershipService
	Retrier  *service.Retrier
	Feed     notify.Feed
	Metrics  *metrics.Metrics
	Registry *prometheus.Registry

	closers []func(context.Context) error
}

// New opens the configured store and builds the services over it. The root
// member is created when missing.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	calc, err := referral.NewCalculator(service.PolicyFromConfig(cfg.Commission))
	if err != nil {
		return nil, fmt.Errorf("commission policy: %w", err)
	}

	app := &App{
		Config:   cfg,
		Logger:   logger,
		Registry: prometheus.NewRegistry(),
		Retrier:  service.NewRetrier(cfg.Retry, logger),
	}
	app.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	app.Metrics = metrics.New(app.Registry)

	store, err := OpenStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	app.Store = store
	app.closers = append(app.closers, store.Close)

	app.Feed = app.openFeed(ctx)

	opts := []service.Option{
		service.WithFeed(app.Feed),
		service.WithMetrics(app.Metrics),
		service.WithLogger(logger),
	}
	app.Engine = service.NewEngine(store, calc, opts...)
	app.Members = service.NewMembershipService(store, app.Engine, cfg.Commission, opts...)

	err = app.Retrier.Do(ctx, "ensure root", func(ctx context.Context) error {
		_, err := app.Members.EnsureRoot(ctx)
		return err
	})
	if err != nil {
		_ = app.Close(context.Background())
		return nil, err
	}
	return app, nil
}

// OpenStore returns the store selected by cfg.Store.Backend, with its schema
// in place.
func OpenStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (ledger.Store, error) {
	switch cfg.Store.Backend {
	case config.BackendMemory:
		store := ledger.NewMemoryStore()
		if cfg.Store.DemoFixtures {
			users, records := ledger.DemoFixtures(cfg.Commission.RootUID, time.Now())
			store.Seed(users, records)
			logger.Info("demo fixtures loaded", zap.String("uid", ledger.DemoUserUID))
		}
		return store, nil

	case config.BackendNeo4j:
		client, err := buildGraphClient(ctx, logger, cfg.Graph)
		if err != nil {
			return nil, err
		}
		repo := repository.New(client)
		if err := repo.EnsureSchema(ctx); err != nil {
			_ = client.Close(context.Background())
			return nil, fmt.Errorf("ensure graph schema: %w", err)
		}
		return repo, nil

	case config.BackendPostgres:
		store, err := postgres.Open(ctx, cfg.Postgres)
		if err != nil {
			return nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			_ = store.Close(context.Background())
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
		logger.Info("connected to postgres")
		return store, nil

	default:
		return nil, fmt.Errorf("unknown store backend %q: %w", cfg.Store.Backend, domain.ErrInvalidInput)
	}
}

func buildGraphClient(ctx context.Context, logger *zap.Logger, cfg config.GraphConfig) (graph.Client, error) {
	if cfg.URI == "" {
		return nil, graph.ErrMissingURI
	}
	client, err := graph.NewNeo4jClient(ctx, graph.Options{
		URI:            cfg.URI,
		Database:       cfg.Database,
		Username:       cfg.Username,
		Password:       cfg.Password,
		MaxConnections: cfg.MaxConnections,
	})
	if err != nil {
		return nil, err
	}
	if err := client.VerifyConnectivity(ctx); err != nil {
		_ = client.Close(ctx)
		return nil, err
	}
	logger.Info("connected to graph", zap.String("uri", cfg.URI), zap.String("database", cfg.Database))
	return client, nil
}

// openFeed prefers Redis when configured and reachable, and falls back to the
// in-process hub.
func (a *App) openFeed(ctx context.Context) notify.Feed {
	if a.Config.Redis.Addr == "" {
		return notify.NewHub()
	}
	feed := notify.NewRedisFeed(a.Logger, notify.RedisOptions{
		Addr:          a.Config.Redis.Addr,
		Password:      a.Config.Redis.Password,
		DB:            a.Config.Redis.DB,
		ChannelPrefix: a.Config.Redis.ChannelPrefix,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := feed.Ping(pingCtx); err != nil {
		a.Logger.Warn("redis unreachable, using in-process change feed", zap.String("addr", a.Config.Redis.Addr), zap.Error(err))
		_ = feed.Close()
		return notify.NewHub()
	}
	a.closers = append(a.closers, func(context.Context) error { return feed.Close() })
	a.Logger.Info("change feed on redis", zap.String("addr", a.Config.Redis.Addr))
	return feed
}

// Close releases the store and feed connections.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
