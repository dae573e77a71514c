package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/edulink-sl/edulink/internal/server"
	"github.com/edulink-sl/edulink/modules"
	registryoutbox "github.com/edulink-sl/edulink/modules/registry/infrastructure/outbox"
	"github.com/edulink-sl/edulink/modules/registry/services"
	"github.com/edulink-sl/edulink/pkg/application"
	"github.com/edulink-sl/edulink/pkg/composables"
	"github.com/edulink-sl/edulink/pkg/configuration"
	"github.com/edulink-sl/edulink/pkg/eventbus"
	"github.com/edulink-sl/edulink/pkg/logging"
	"github.com/edulink-sl/edulink/pkg/metrics"
	"github.com/edulink-sl/edulink/pkg/outbox"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
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

	var tracingCleanup func()
	if conf.OpenTelemetry.Enabled {
		tracingCleanup = logging.SetupTracing(
			context.Background(),
			conf.OpenTelemetry.ServiceName,
			conf.OpenTelemetry.TempoURL,
		)
		defer tracingCleanup()
		logger.Info("OpenTelemetry tracing enabled, exporting to Tempo at " + conf.OpenTelemetry.TempoURL)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	pool, err := pgxpool.New(ctx, conf.Database.Opts)
	if err != nil {
		panic(err)
	}
	app := application.New(&application.ApplicationOptions{
		Pool:     pool,
		EventBus: eventbus.NewEventPublisher(logger),
		Logger:   logger,
	})
	if err := modules.Load(app, modules.BuiltInModules...); err != nil {
		log.Fatalf("failed to load modules: %v", err)
	}
	if err := app.Migrations().Run(); err != nil {
		log.Fatalf("failed to run migrations: %v", err)
	}

	startOutboxBackground(conf, pool, logger, app.EventPublisher())
	stopWorkers := startImportBackground(pool, logger, app)
	defer stopWorkers()

	if conf.Prometheus.Enabled {
		app.RegisterControllers(metrics.NewPrometheusController(conf.Prometheus.Path))
	}
	options := &server.DefaultOptions{
		Logger:        logger,
		Configuration: conf,
		Application:   app,
		Pool:          pool,
	}
	serverInstance, err := server.Default(options)
	if err != nil {
		log.Fatalf("failed to create server: %v", err)
	}
	log.Printf("Listening on: %s\n", conf.Origin)
	if err := serverInstance.Start(conf.SocketAddress); err != nil {
		log.Fatalf("failed to start server: %v", err)
	}
}

// startImportBackground launches the import pipeline workers and the
// stuck-run janitor. The returned stop function cancels both and is safe
// to call more than once.
func startImportBackground(pool *pgxpool.Pool, logger *logrus.Logger, app application.Application) func() {
	pipeline := app.Service(services.PipelineService{}).(*services.PipelineService)
	janitor := app.Service(services.Janitor{}).(*services.Janitor)

	workerCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	workerCtx = composables.WithPool(workerCtx, pool)

	go func() {
		if err := pipeline.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.WithError(err).Error("import pipeline stopped")
		}
	}()
	if err := janitor.Start(workerCtx); err != nil {
		logger.WithError(err).Error("failed to start import janitor")
	}

	return func() {
		stop()
		janitor.Stop()
	}
}

func startOutboxBackground(
	conf *configuration.Configuration,
	pool *pgxpool.Pool,
	logger *logrus.Logger,
	bus eventbus.EventBus,
) {
	outboxLog := logger.WithField("component", "outbox")

	relayTables, relayTablesErr := outbox.ParseIdentifierList(conf.Outbox.RelayTables)
	if relayTablesErr != nil {
		outboxLog.WithError(relayTablesErr).Warn("outbox: invalid OUTBOX_RELAY_TABLES; relay disabled")
		relayTables = nil
	}

	var cleanerTables []pgx.Identifier
	if conf.Outbox.CleanerTables == "" {
		cleanerTables = relayTables
	} else {
		var cleanerTablesErr error
		cleanerTables, cleanerTablesErr = outbox.ParseIdentifierList(conf.Outbox.CleanerTables)
		if cleanerTablesErr != nil {
			outboxLog.WithError(cleanerTablesErr).Warn("outbox: invalid OUTBOX_CLEANER_TABLES; cleaner disabled")
			cleanerTables = nil
		}
	}

	if conf.Outbox.RelayEnabled {
		if len(relayTables) == 0 {
			if relayTablesErr == nil {
				outboxLog.Info("outbox: relay enabled but OUTBOX_RELAY_TABLES is empty")
			}
		} else {
			eb, ok := bus.(eventbus.EventBusWithError)
			if !ok {
				outboxLog.Warn("outbox: eventbus does not support PublishE; relay not started")
			} else {
				dispatcher := registryoutbox.NewDispatcher(eb)
				for _, table := range relayTables {
					relay, err := outbox.NewRelay(pool, table, dispatcher, outbox.RelayOptions{
						PollInterval:    conf.Outbox.RelayPollInterval,
						BatchSize:       conf.Outbox.RelayBatchSize,
						LockTTL:         conf.Outbox.RelayLockTTL,
						MaxAttempts:     conf.Outbox.RelayMaxAttempts,
						SingleActive:    conf.Outbox.RelaySingleActive,
						LastErrorMaxLen: conf.Outbox.LastErrorMaxBytes,
						DispatchTimeout: conf.Outbox.RelayDispatchTimeout,
						Logger:          outboxLog.WithField("table", outbox.TableLabel(table)),
					})
					if err != nil {
						outboxLog.WithError(err).Warn("outbox: failed to create relay")
						continue
					}
					go func(r *outbox.Relay) {
						if err := r.Run(context.Background()); err != nil {
							outboxLog.WithError(err).Error("outbox: relay stopped")
						}
					}(relay)
				}
			}
		}
	}

	if conf.Outbox.CleanerEnabled && len(cleanerTables) > 0 {
		for _, table := range cleanerTables {
			cleaner, err := outbox.NewCleaner(pool, table, outbox.CleanerOptions{
				Enabled:               true,
				Interval:              conf.Outbox.CleanerInterval,
				Retention:             conf.Outbox.CleanerRetention,
				DeadRetention:         conf.Outbox.CleanerDeadRetention,
				DeadAttemptsThreshold: conf.Outbox.RelayMaxAttempts,
				Logger:                outboxLog.WithField("table", outbox.TableLabel(table)),
			})
			if err != nil {
				outboxLog.WithError(err).Warn("outbox: failed to create cleaner")
				continue
			}
			go func(c *outbox.Cleaner) {
				if err := c.Run(context.Background()); err != nil {
					outboxLog.WithError(err).Error("outbox: cleaner stopped")
				}
			}(cleaner)
		}
	} else if conf.Outbox.CleanerEnabled && len(cleanerTables) == 0 {
		outboxLog.Info("outbox: cleaner enabled but no tables configured")
	}
}
