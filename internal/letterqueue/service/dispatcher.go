package service

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/arengine/internal/clock"
	"github.com/smallbiznis/arengine/internal/config"
	"github.com/smallbiznis/arengine/internal/letterqueue/domain"
	obsmetrics "github.com/smallbiznis/arengine/internal/observability/metrics"
	"github.com/smallbiznis/arengine/pkg/broker"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const dispatchBatchSize = 100

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	Clock     clock.Clock
	Config    config.Config
	Repo      domain.Repository
	Broker    *broker.Connection `optional:"true"`
	Publisher domain.Publisher   `optional:"true"`
}

// Dispatcher drains pending letter queue entries to the publisher.
type Dispatcher struct {
	db        *gorm.DB
	log       *zap.Logger
	clock     clock.Clock
	repo      domain.Repository
	publisher domain.Publisher
	interval  time.Duration
	metrics   *obsmetrics.EngineMetrics
}

func NewDispatcher(p Params) *Dispatcher {
	publisher := p.Publisher
	if publisher == nil && p.Broker.Enabled() {
		publisher = NewAMQPPublisher(p.Broker, p.Config.LetterQueue)
	}
	interval := p.Config.LetterDispatchTick
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Dispatcher{
		db:        p.DB,
		log:       p.Log.Named("letterqueue.dispatcher"),
		clock:     p.Clock,
		repo:      p.Repo,
		publisher: publisher,
		interval:  interval,
		metrics:   obsmetrics.Engine(),
	}
}

func (d *Dispatcher) Enabled() bool {
	return d.publisher != nil
}

// DispatchOnce publishes one batch of pending entries. A failed publish leaves
// the entry pending until it exhausts its attempts.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (published int, failed int, err error) {
	if d.publisher == nil {
		return 0, 0, domain.ErrPublisherClosed
	}
	entries, err := d.repo.ListPending(ctx, d.db, dispatchBatchSize)
	if err != nil {
		return 0, 0, err
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			return published, failed, ctx.Err()
		}
		now := d.clock.Now().UTC()
		if pubErr := d.publisher.Publish(ctx, entry); pubErr != nil {
			failed++
			d.metrics.IncLetterDispatched("failed")
			d.log.Warn("letterqueue.publish.failed",
				zap.String("letter_id", entry.ID.String()),
				zap.Int("attempts", entry.Attempts+1),
				zap.Error(pubErr),
			)
			err = errors.Join(err, d.repo.MarkFailed(ctx, d.db, entry.ID, pubErr.Error(), now))
			continue
		}
		published++
		d.metrics.IncLetterDispatched("published")
		err = errors.Join(err, d.repo.MarkPublished(ctx, d.db, entry.ID, now))
	}
	return published, failed, err
}

func (d *Dispatcher) RunForever(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		published, failed, err := d.DispatchOnce(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			d.log.Warn("letterqueue.dispatch.failed", zap.Error(err))
		}
		if published > 0 || failed > 0 {
			d.log.Info("letterqueue.dispatch.done",
				zap.Int("published", published),
				zap.Int("failed", failed),
			)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
