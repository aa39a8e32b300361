package paymentfeed

import (
	"context"
	"errors"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/smallbiznis/arengine/internal/config"
	"github.com/smallbiznis/arengine/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/arengine/internal/observability/metrics"
	"github.com/smallbiznis/arengine/pkg/broker"
	"github.com/smallbiznis/arengine/pkg/telemetry/correlation"
	"go.uber.org/zap"
)

const (
	prefetchCount  = 16
	reconnectDelay = 5 * time.Second
)

// Consumer reads posted payments from RabbitMQ. Every delivery is acked only
// after its plan transaction commits.
type Consumer struct {
	conn    *broker.Connection
	queue   string
	handler *Handler
	log     *zap.Logger
	metrics *obsmetrics.EngineMetrics
}

func NewConsumer(conn *broker.Connection, cfg config.Config, handler *Handler, log *zap.Logger) *Consumer {
	return &Consumer{
		conn:    conn,
		queue:   cfg.PaymentQueue,
		handler: handler,
		log:     log.Named("paymentfeed.consumer"),
		metrics: obsmetrics.Engine(),
	}
}

func (c *Consumer) Enabled() bool {
	return c.conn.Enabled()
}

// Run consumes until ctx is done, reopening the channel when the broker drops it.
func (c *Consumer) Run(ctx context.Context) {
	for {
		err := c.consume(ctx)
		if ctx.Err() != nil {
			return
		}
		c.log.Warn("paymentfeed.consumer.interrupted", zap.Error(err), zap.Duration("retry_in", reconnectDelay))
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (c *Consumer) consume(ctx context.Context) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := broker.DeclareQueue(ch, c.queue); err != nil {
		return err
	}
	if err := ch.Qos(prefetchCount, 0, false); err != nil {
		return err
	}
	msgs, err := ch.ConsumeWithContext(ctx,
		c.queue,
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return err
	}
	c.log.Info("paymentfeed.consumer.started", zap.String("queue", c.queue))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return errors.New("delivery channel closed")
			}
			c.process(ctx, msg)
		}
	}
}

func (c *Consumer) process(ctx context.Context, msg amqp.Delivery) {
	ctx = correlation.ContextFromHeaders(ctx, broker.HeadersFromTable(msg.Headers))
	ctx, _ = correlation.EnsureCorrelationID(ctx)
	log := logger.WithContext(ctx, c.log).With(zap.String("message_id", msg.MessageId))

	err := c.handler.Handle(ctx, msg.Body)
	switch {
	case err == nil:
		if ackErr := msg.Ack(false); ackErr != nil {
			log.Warn("paymentfeed.ack.failed", zap.Error(ackErr))
		}
	case Permanent(err):
		c.metrics.IncJobError("payment_feed", err)
		log.Warn("paymentfeed.message.dropped", zap.Error(err))
		_ = msg.Nack(false, false)
	default:
		c.metrics.IncJobError("payment_feed", err)
		log.Error("paymentfeed.message.requeued", zap.Error(err))
		_ = msg.Nack(false, true)
	}
}
