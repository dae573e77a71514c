// Package itf provisions throwaway databases and fully wired applications
// for integration tests. Each test gets its own database named after the
// test, migrated to the latest schema, and a context carrying the pool and
// operator params the same way the HTTP middleware builds them, so services
// under test behave exactly as they do in the server.
package itf

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/edulink-sl/edulink/modules"
	"github.com/edulink-sl/edulink/pkg/application"
	"github.com/edulink-sl/edulink/pkg/composables"
	"github.com/edulink-sl/edulink/pkg/configuration"
	"github.com/edulink-sl/edulink/pkg/eventbus"
)

type TestEnvironment struct {
	Ctx  context.Context
	Pool *pgxpool.Pool
	App  application.Application
}

// Setup provisions a fresh database for the test, loads the given modules
// (all built-in modules when none are named) and brings the schema up.
// The pool closes on cleanup.
func Setup(tb testing.TB, mods ...application.Module) *TestEnvironment {
	tb.Helper()

	if len(mods) == 0 {
		mods = modules.BuiltInModules
	}

	name := DBName(tb)
	CreateDB(tb, name)
	pool := NewPool(tb, DBOpts(name))
	tb.Cleanup(pool.Close)

	app, err := SetupApplication(pool, mods...)
	if err != nil {
		tb.Fatal(err)
	}

	ctx := composables.WithPool(context.Background(), pool)
	ctx = composables.WithParams(ctx, DefaultParams())

	return &TestEnvironment{Ctx: ctx, Pool: pool, App: app}
}

// SetupApplication wires an application over the pool and runs migrations.
func SetupApplication(pool *pgxpool.Pool, mods ...application.Module) (application.Application, error) {
	conf := configuration.Use()
	app := application.New(&application.ApplicationOptions{
		Pool:     pool,
		EventBus: eventbus.NewEventPublisher(conf.Logger()),
		Logger:   conf.Logger(),
	})
	if err := modules.Load(app, mods...); err != nil {
		return nil, err
	}
	if err := app.Migrations().Run(); err != nil {
		return nil, err
	}
	return app, nil
}

// GetService pulls a registered service out of the environment by type.
func GetService[T any](te *TestEnvironment) *T {
	var zero T
	return te.App.Service(zero).(*T)
}

func DefaultParams() *composables.Params {
	return &composables.Params{Operator: "itf"}
}
