package modules

import (
	"github.com/edulink-sl/edulink/modules/registry"
	"github.com/edulink-sl/edulink/pkg/application"
)

var (
	BuiltInModules = []application.Module{
		registry.NewModule(),
	}
)

func Load(app application.Application, externalModules ...application.Module) error {
	for _, module := range externalModules {
		if err := module.Register(app); err != nil {
			return err
		}
	}
	return nil
}
