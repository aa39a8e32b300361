package ledger

import (
	"github.com/smallbiznis/arengine/internal/ledger/repository"
	"github.com/smallbiznis/arengine/internal/ledger/service"
	"go.uber.org/fx"
)

var Module = fx.Module("ledger.reader",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
