package application

import (
	"context"
	"embed"
	"reflect"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/edulink-sl/edulink/pkg/eventbus"
)

// Application is the composition root shared by HTTP and CLI entrypoints.
// Modules register their services, controllers and schema against it.
type Application interface {
	DB() *pgxpool.Pool
	Logger() *logrus.Logger
	EventPublisher() eventbus.EventBus
	Migrations() MigrationManager

	Controllers() []Controller
	Middleware() []mux.MiddlewareFunc

	RegisterControllers(controllers ...Controller)
	RegisterMiddleware(middleware ...mux.MiddlewareFunc)
	RegisterServices(services ...interface{})
	Service(service interface{}) interface{}
	Services() map[reflect.Type]interface{}
}

// Controller mounts routes on the root router. Key must be unique per
// controller; registering the same key twice replaces the former.
type Controller interface {
	Key() string
	Register(r *mux.Router)
}

// Module is a self-contained feature unit (services + controllers + schema).
type Module interface {
	Name() string
	Register(app Application) error
}

// MigrationManager collects embedded goose schemas and applies them.
type MigrationManager interface {
	RegisterSchema(fs *embed.FS)
	Run() error
	Rollback() error
}

type SeedFunc func(ctx context.Context, app Application) error

// Seeder runs registered seed functions in registration order.
type Seeder interface {
	Register(seedFuncs ...SeedFunc)
	Seed(ctx context.Context, app Application) error
}
