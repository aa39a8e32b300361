package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes OTLP-exported domain instruments.
type Metrics struct {
	paymentPostings metric.Int64Counter
	amountApplied   metric.Int64Counter
	lettersQueued   metric.Int64Counter
	tasksCreated    metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "arengine"
	}
	meter := provider.Meter(name)

	paymentPostings, err := meter.Int64Counter("arengine_payment_postings_total")
	if err != nil {
		return nil, err
	}
	amountApplied, err := meter.Int64Counter("arengine_payment_applied_minor_total",
		metric.WithDescription("Minor currency units applied to payment plans."))
	if err != nil {
		return nil, err
	}
	lettersQueued, err := meter.Int64Counter("arengine_letters_queued_total")
	if err != nil {
		return nil, err
	}
	tasksCreated, err := meter.Int64Counter("arengine_tasks_created_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		paymentPostings: paymentPostings,
		amountApplied:   amountApplied,
		lettersQueued:   lettersQueued,
		tasksCreated:    tasksCreated,
	}, nil
}

// RecordPaymentPosting counts a plan posting and the amount it applied.
func (m *Metrics) RecordPaymentPosting(ctx context.Context, currency, result string, applied int64) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("currency", strings.ToUpper(strings.TrimSpace(currency))),
		attribute.String("result", strings.TrimSpace(result)),
	)
	m.paymentPostings.Add(ctx, 1, metric.WithAttributes(attrs...))
	if applied > 0 {
		m.amountApplied.Add(ctx, applied, metric.WithAttributes(attrs...))
	}
}

// RecordLetterQueued increments letter queue counts by template.
func (m *Metrics) RecordLetterQueued(ctx context.Context, template string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("template", strings.TrimSpace(template)))
	m.lettersQueued.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordTaskCreated increments collector task counts by priority.
func (m *Metrics) RecordTaskCreated(ctx context.Context, priority string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("priority", strings.TrimSpace(priority)))
	m.tasksCreated.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"currency": {},
	"result":   {},
	"template": {},
	"priority": {},
	"reason":   {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
