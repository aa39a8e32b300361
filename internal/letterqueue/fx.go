package letterqueue

import (
	"context"

	"github.com/smallbiznis/arengine/internal/letterqueue/repository"
	"github.com/smallbiznis/arengine/internal/letterqueue/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("letterqueue",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewDispatcher),
)

// DispatcherModule runs the dispatcher loop for the lifetime of the app.
var DispatcherModule = fx.Module("letterqueue.dispatcher",
	fx.Invoke(StartDispatcher),
)

func StartDispatcher(lc fx.Lifecycle, log *zap.Logger, d *service.Dispatcher) {
	if !d.Enabled() {
		log.Info("letter dispatcher disabled: no publisher")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go d.RunForever(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}
