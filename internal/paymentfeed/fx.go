package paymentfeed

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("paymentfeed",
	fx.Provide(NewHandler),
	fx.Provide(NewConsumer),
)

// ConsumerModule runs the consumer for the lifetime of the app.
var ConsumerModule = fx.Module("paymentfeed.consumer",
	fx.Invoke(StartConsumer),
)

func StartConsumer(lc fx.Lifecycle, log *zap.Logger, c *Consumer) {
	if !c.Enabled() {
		log.Info("payment feed consumer disabled: amqp not configured")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go c.Run(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}
