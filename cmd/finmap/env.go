package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/lahari-sy/finmap/modules/mapping/domain/dataset"
	"github.com/lahari-sy/finmap/modules/mapping/infrastructure/persistence"
	"github.com/lahari-sy/finmap/modules/mapping/services"
	"github.com/lahari-sy/finmap/pkg/composables"
	"github.com/lahari-sy/finmap/pkg/configuration"
)

// env is what a database-backed command runs against.
type env struct {
	conf       *configuration.Configuration
	pool       *pgxpool.Pool
	logger     *logrus.Entry
	reconciler *services.Reconciler
	redis      *redis.Client
}

func (e *env) Close() {
	if e.redis != nil {
		_ = e.redis.Close()
	}
	if e.pool != nil {
		e.pool.Close()
	}
	e.conf.Unload()
}

func loadConfig(g *globalOptions) (*configuration.Configuration, error) {
	conf, err := configuration.Load(g.envFiles...)
	if err != nil {
		return nil, withCode(exitUsage, fmt.Errorf("load configuration: %w", err))
	}
	if g.datasetsPath != "" {
		conf.Mapping.DatasetsPath = g.datasetsPath
	}
	return conf, nil
}

func connectDB(ctx context.Context, conf *configuration.Configuration) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	pool, err := pgxpool.New(ctx, conf.Database.Opts)
	if err != nil {
		return nil, withCode(exitDB, fmt.Errorf("db connect failed: %w", err))
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, withCode(exitDB, fmt.Errorf("db connect failed: %w", err))
	}
	return pool, nil
}

// openEnv loads configuration and definitions, connects to the database
// and returns a context that carries the pool.
func openEnv(ctx context.Context, g *globalOptions) (context.Context, *env, error) {
	conf, err := loadConfig(g)
	if err != nil {
		return ctx, nil, err
	}
	defs, err := dataset.Load(conf.Mapping.DatasetsPath)
	if err != nil {
		conf.Unload()
		return ctx, nil, withCode(exitUsage, err)
	}
	pool, err := connectDB(ctx, conf)
	if err != nil {
		conf.Unload()
		return ctx, nil, err
	}

	e := &env{conf: conf, pool: pool, logger: logrus.NewEntry(conf.Logger())}
	var epoch services.Epoch
	if conf.Redis.EpochEnabled {
		opts, err := redis.ParseURL(conf.Redis.URL)
		if err != nil {
			e.Close()
			return ctx, nil, withCode(exitUsage, fmt.Errorf("invalid REDIS_URL: %w", err))
		}
		e.redis = redis.NewClient(opts)
		epoch = persistence.NewRedisEpoch(e.redis, conf.Redis.EpochKey)
	}

	store := persistence.NewPgStore(persistence.PgStoreOptions{
		WatermarkColumns: defs.WatermarkColumns(),
		Logger:           e.logger,
	})
	provider := services.NewCascadeProvider(defs, services.CascadeProviderOptions{
		Reader: store,
		Probe:  store,
		Epoch:  epoch,
		TTL:    conf.Mapping.CascadeTTL,
		Logger: e.logger,
	})
	e.reconciler = services.NewReconciler(defs, services.ReconcilerOptions{
		Store:        store,
		Provider:     provider,
		DefaultActor: conf.Mapping.DefaultActor,
		Logger:       e.logger,
	})
	return composables.WithPool(ctx, pool), e, nil
}
