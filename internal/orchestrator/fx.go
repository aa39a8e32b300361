package orchestrator

import (
	"context"

	"github.com/smallbiznis/arengine/internal/orchestrator/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("orchestrator",
	fx.Provide(repository.Provide),
	fx.Provide(New),
)

// LoopModule runs RunForever for the lifetime of the app.
var LoopModule = fx.Module("orchestrator.loop",
	fx.Invoke(StartLoop),
)

func StartLoop(lc fx.Lifecycle, o *Orchestrator) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go o.RunForever(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}
