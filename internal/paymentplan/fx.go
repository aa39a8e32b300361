package paymentplan

import (
	"github.com/smallbiznis/arengine/internal/paymentplan/repository"
	"github.com/smallbiznis/arengine/internal/paymentplan/service"
	"go.uber.org/fx"
)

var Module = fx.Module("paymentplan.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
