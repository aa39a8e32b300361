package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/smallbiznis/arengine/internal/letterqueue/domain"
	"github.com/smallbiznis/arengine/pkg/broker"
	"github.com/smallbiznis/arengine/pkg/telemetry/correlation"
)

// AMQPPublisher publishes letters to a durable queue with publisher confirms.
type AMQPPublisher struct {
	conn  *broker.Connection
	queue string

	mu sync.Mutex
	ch *amqp.Channel
}

func NewAMQPPublisher(conn *broker.Connection, queue string) *AMQPPublisher {
	return &AMQPPublisher{conn: conn, queue: queue}
}

func (p *AMQPPublisher) Publish(ctx context.Context, entry domain.Entry) error {
	body, err := json.Marshal(entry.Message())
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.channel()
	if err != nil {
		return err
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx,
		"",      // default exchange
		p.queue, // routing key
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    entry.DedupKey,
			Type:         "collection.letter",
			Headers:      amqp.Table(correlation.InjectIntoHeaders(ctx, nil)),
			Body:         body,
		},
	)
	if err != nil {
		p.reset()
		return fmt.Errorf("publish letter %d: %w", entry.ID, err)
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		p.reset()
		return fmt.Errorf("confirm letter %d: %w", entry.ID, err)
	}
	if !acked {
		return domain.ErrPublishNacked
	}
	return nil
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil {
		return nil
	}
	err := p.ch.Close()
	p.ch = nil
	return err
}

func (p *AMQPPublisher) channel() (*amqp.Channel, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	if !p.conn.Enabled() {
		return nil, domain.ErrPublisherClosed
	}
	ch, err := p.conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("enable confirms: %w", err)
	}
	if err := broker.DeclareQueue(ch, p.queue); err != nil {
		ch.Close()
		return nil, err
	}
	p.ch = ch
	return ch, nil
}

func (p *AMQPPublisher) reset() {
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
}
