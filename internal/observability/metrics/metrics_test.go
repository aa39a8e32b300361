package metrics

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("currency", "USD"),
		attribute.String("account_id", "456"),
		attribute.String("template", "final_notice"),
	)
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes, got %d", len(attrs))
	}
	for _, attr := range attrs {
		if attr.Key == "account_id" {
			t.Fatalf("account_id must be dropped")
		}
	}
}

func TestNewWithNoopProvider(t *testing.T) {
	m, err := New(Config{}, noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	m.RecordPaymentPosting(context.Background(), "usd", "applied", 10000)
	m.RecordLetterQueued(context.Background(), "first_notice")
	m.RecordTaskCreated(context.Background(), "high")
}
