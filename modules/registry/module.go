package registry

import (
	"github.com/edulink-sl/edulink/modules/registry/infrastructure/persistence"
	"github.com/edulink-sl/edulink/modules/registry/presentation/controllers"
	"github.com/edulink-sl/edulink/modules/registry/services"
	"github.com/edulink-sl/edulink/pkg/application"
	"github.com/edulink-sl/edulink/pkg/configuration"
	"github.com/edulink-sl/edulink/pkg/outbox"
)

func NewModule() application.Module {
	return &Module{}
}

type Module struct{}

func (m *Module) Register(app application.Application) error {
	app.Migrations().RegisterSchema(&persistence.SchemaFS)

	conf := configuration.Use()

	runRepo := persistence.NewImportRunRepository()
	rowRepo := persistence.NewStagingRowRepository()
	schoolRepo := persistence.NewSchoolRepository()
	changesetRepo := persistence.NewChangesetRepository()

	councilService := services.NewCouncilService(persistence.NewCouncilRepository())
	runService := services.NewRunService(runRepo, rowRepo, councilService, outbox.NewPublisher())
	importService := services.NewImportService(runRepo, rowRepo, changesetRepo, conf.UploadsPath, conf.MaxUploadSize)

	pipelineService := services.NewPipelineService(runService, runRepo, rowRepo, councilService, services.PipelineOptions{
		Workers:      conf.Import.Workers,
		PollInterval: conf.Import.PollInterval,
		RunTimeout:   conf.Import.RunTimeout,
		BatchSize:    conf.Import.StagingBatchSize,
		MaxRows:      conf.Import.MaxRows,
		Logger:       conf.Logger().WithField("component", "registry.pipeline"),
	})
	importService.OnUpload(pipelineService.Wake)

	app.RegisterServices(
		councilService,
		runService,
		importService,
		pipelineService,
		services.NewCommitService(
			runService,
			rowRepo,
			schoolRepo,
			changesetRepo,
			conf.Import.CommitTimeout,
			conf.Logger().WithField("component", "registry.commit"),
		),
		services.NewRollbackService(runService, schoolRepo, changesetRepo, conf.Import.CommitTimeout),
		services.NewJanitor(
			runService,
			runRepo,
			conf.Import.RunTimeout,
			conf.Import.JanitorSchedule,
			conf.Logger().WithField("component", "registry.janitor"),
		),
	)

	app.RegisterControllers(
		controllers.NewImportAPIController(app),
		controllers.NewCouncilAPIController(app),
	)

	return nil
}

func (m *Module) Name() string {
	return "registry"
}
