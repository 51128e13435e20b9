package mapping

import (
	"embed"
	"io/fs"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lahari-sy/finmap/modules/mapping/domain/dataset"
	"github.com/lahari-sy/finmap/modules/mapping/presentation/controllers"
	"github.com/lahari-sy/finmap/modules/mapping/services"
	"github.com/lahari-sy/finmap/pkg/application"
)

//go:embed infrastructure/persistence/schema/migrations/*.sql
var migrationFiles embed.FS

// Migrations returns the reference table migrations with the .sql files at
// the root.
func Migrations() fs.FS {
	sub, err := fs.Sub(migrationFiles, "infrastructure/persistence/schema/migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

type ModuleOptions struct {
	Definitions *dataset.Definitions
	Store       services.Store
	// Epoch is optional.
	Epoch         services.Epoch
	CascadeTTL    time.Duration
	DefaultActor  string
	MaxUploadSize int64
	Logger        *logrus.Entry
}

func NewModule(opts *ModuleOptions) application.Module {
	return &Module{opts: opts}
}

type Module struct {
	opts *ModuleOptions
}

func (m *Module) Register(app application.Application) error {
	provider := services.NewCascadeProvider(m.opts.Definitions, services.CascadeProviderOptions{
		Reader: m.opts.Store,
		Probe:  m.opts.Store,
		Epoch:  m.opts.Epoch,
		TTL:    m.opts.CascadeTTL,
		Logger: m.opts.Logger,
	})
	reconciler := services.NewReconciler(m.opts.Definitions, services.ReconcilerOptions{
		Store:        m.opts.Store,
		Provider:     provider,
		DefaultActor: m.opts.DefaultActor,
		Logger:       m.opts.Logger,
	})
	app.RegisterServices(reconciler, provider)

	app.RegisterControllers(
		controllers.NewMappingAPIController(app, controllers.MappingAPIOptions{MaxUploadSize: m.opts.MaxUploadSize}),
		controllers.NewCascadeAPIController(app),
	)
	return nil
}

func (m *Module) Name() string {
	return "mapping"
}
