package rules

import (
	"github.com/smallbiznis/arengine/internal/rules/repository"
	"github.com/smallbiznis/arengine/internal/rules/service"
	"go.uber.org/fx"
)

var Module = fx.Module("rules.engine",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
	fx.Provide(service.NewEmitter),
)
