package broker

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/smallbiznis/arengine/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("broker",
	fx.Provide(Open),
)

// Connection is a shared RabbitMQ connection. A nil *Connection means the broker
// is not configured; callers check Enabled before opening channels.
type Connection struct {
	mu   sync.Mutex
	url  string
	conn *amqp.Connection
	log  *zap.Logger
}

// Open dials RabbitMQ when AMQP_URL is set and returns nil otherwise.
func Open(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (*Connection, error) {
	if !cfg.AMQPEnabled() {
		log.Info("amqp disabled")
		return nil, nil
	}

	conn, err := amqp.Dial(cfg.AMQPURL)
	if err != nil {
		return nil, fmt.Errorf("connect amqp: %w", err)
	}
	c := &Connection{url: cfg.AMQPURL, conn: conn, log: log.Named("broker")}

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(context.Context) error {
				return c.Close()
			},
		})
	}

	c.log.Info("amqp connected")
	return c, nil
}

func (c *Connection) Enabled() bool {
	return c != nil
}

// Channel opens a channel, redialing once when the connection was closed by the server.
func (c *Connection) Channel() (*amqp.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || c.conn.IsClosed() {
		conn, err := amqp.Dial(c.url)
		if err != nil {
			return nil, fmt.Errorf("redial amqp: %w", err)
		}
		c.log.Warn("amqp reconnected")
		c.conn = conn
	}
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	return ch, nil
}

func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || c.conn.IsClosed() {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// DeclareQueue declares a durable queue on ch.
func DeclareQueue(ch *amqp.Channel, name string) error {
	_, err := ch.QueueDeclare(
		name,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", name, err)
	}
	return nil
}

// HeadersFromTable converts AMQP headers into a plain map.
func HeadersFromTable(table amqp.Table) map[string]interface{} {
	headers := make(map[string]interface{}, len(table))
	for k, v := range table {
		headers[k] = v
	}
	return headers
}
