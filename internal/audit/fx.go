package audit

import (
	"github.com/smallbiznis/arengine/internal/audit/domain"
	"github.com/smallbiznis/arengine/internal/audit/repository"
	"github.com/smallbiznis/arengine/internal/audit/service"
	"go.uber.org/fx"
)

var Module = fx.Module("audit.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
	fx.Provide(func(s domain.Service) domain.Recorder { return s }),
)
