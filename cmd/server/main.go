package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/lahari-sy/finmap/internal/server"
	"github.com/lahari-sy/finmap/modules"
	"github.com/lahari-sy/finmap/modules/mapping"
	"github.com/lahari-sy/finmap/modules/mapping/domain/dataset"
	"github.com/lahari-sy/finmap/modules/mapping/infrastructure/persistence"
	"github.com/lahari-sy/finmap/modules/mapping/services"
	"github.com/lahari-sy/finmap/pkg/application"
	"github.com/lahari-sy/finmap/pkg/configuration"
	"github.com/lahari-sy/finmap/pkg/logging"
	"github.com/lahari-sy/finmap/pkg/metrics"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			configuration.Use().Unload()
			log.Println(r)
			debug.PrintStack()
			os.Exit(1)
		}
	}()

	conf := configuration.Use()
	logger := conf.Logger()

	if conf.OpenTelemetry.Enabled {
		tracingCleanup := logging.SetupTracing(
			context.Background(),
			conf.OpenTelemetry.ServiceName,
			conf.OpenTelemetry.TempoURL,
		)
		defer tracingCleanup()
		logger.Info("OpenTelemetry tracing enabled, exporting to Tempo at " + conf.OpenTelemetry.TempoURL)
	}

	defs, err := dataset.Load(conf.Mapping.DatasetsPath)
	if err != nil {
		log.Fatalf("failed to load dataset definitions: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	pool, err := pgxpool.New(ctx, conf.Database.Opts)
	if err != nil {
		panic(err)
	}
	defer pool.Close()

	entry := logrus.NewEntry(logger)
	app := application.New(&application.ApplicationOptions{
		Pool:   pool,
		Logger: logger,
	})
	if err := modules.Load(app, mapping.NewModule(&mapping.ModuleOptions{
		Definitions: defs,
		Store: persistence.NewPgStore(persistence.PgStoreOptions{
			WatermarkColumns: defs.WatermarkColumns(),
			Logger:           entry.WithField("component", "pg-store"),
		}),
		Epoch:         cascadeEpoch(conf, entry),
		CascadeTTL:    conf.Mapping.CascadeTTL,
		DefaultActor:  conf.Mapping.DefaultActor,
		MaxUploadSize: conf.Mapping.MaxUploadSize,
		Logger:        entry.WithField("component", "mapping"),
	})); err != nil {
		log.Fatalf("failed to load modules: %v", err)
	}

	if conf.Prometheus.Enabled {
		app.RegisterControllers(metrics.NewPrometheusController(conf.Prometheus.Path))
	}
	serverInstance, err := server.Default(&server.DefaultOptions{
		Logger:        logger,
		Configuration: conf,
		Application:   app,
		Pool:          pool,
	})
	if err != nil {
		log.Fatalf("failed to create server: %v", err)
	}

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	log.Printf("Listening on: %s\n", conf.SocketAddress)
	if err := serverInstance.Start(runCtx, conf.SocketAddress); err != nil {
		log.Fatalf("failed to start server: %v", err)
	}
}

// cascadeEpoch returns the shared invalidation counter, or nil when
// replicas do not share one.
func cascadeEpoch(conf *configuration.Configuration, logger *logrus.Entry) services.Epoch {
	if !conf.Redis.EpochEnabled {
		return nil
	}
	opts, err := redis.ParseURL(conf.Redis.URL)
	if err != nil {
		logger.WithError(err).Warn("invalid REDIS_URL; cascade epoch disabled")
		return nil
	}
	return persistence.NewRedisEpoch(redis.NewClient(opts), conf.Redis.EpochKey)
}
