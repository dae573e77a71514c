package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/edulink-sl/edulink/modules"
	"github.com/edulink-sl/edulink/pkg/application"
	"github.com/edulink-sl/edulink/pkg/composables"
	"github.com/edulink-sl/edulink/pkg/configuration"
	"github.com/edulink-sl/edulink/pkg/eventbus"
)

func connectDB(ctx context.Context) (*pgxpool.Pool, error) {
	conf := configuration.Use()
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	pool, err := pgxpool.New(ctx, conf.Database.Opts)
	if err != nil {
		return nil, fmt.Errorf("db connect failed: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db ping failed: %w", err)
	}
	return pool, nil
}

// buildApp assembles the same module graph the server runs, so CLI
// commands exercise the real services instead of raw SQL.
func buildApp(pool *pgxpool.Pool) (application.Application, error) {
	conf := configuration.Use()
	app := application.New(&application.ApplicationOptions{
		Pool:     pool,
		EventBus: eventbus.NewEventPublisher(conf.Logger()),
		Logger:   conf.Logger(),
	})
	if err := modules.Load(app, modules.BuiltInModules...); err != nil {
		return nil, fmt.Errorf("load modules: %w", err)
	}
	return app, nil
}

func serviceContext(ctx context.Context, pool *pgxpool.Pool) context.Context {
	return composables.WithPool(ctx, pool)
}
