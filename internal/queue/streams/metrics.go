package streams

import (
	"context"
	"log"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

var (
	streamMetricsOnce sync.Once
	publishedEvents   otelmetric.Int64Counter
	consumedEvents    otelmetric.Int64Counter
)

func initStreamMetrics() {
	meter := otel.Meter("dashforge/queue/streams")
	var err error
	publishedEvents, err = meter.Int64Counter(
		"stream_events_published_total",
		otelmetric.WithDescription("Events appended to Redis streams by outcome"),
	)
	if err != nil {
		log.Printf("queue streams metrics init: stream_events_published_total: %v", err)
	}
	consumedEvents, err = meter.Int64Counter(
		"stream_events_consumed_total",
		otelmetric.WithDescription("Events read from Redis streams by outcome"),
	)
	if err != nil {
		log.Printf("queue streams metrics init: stream_events_consumed_total: %v", err)
	}
}

func recordPublish(ctx context.Context, eventType, outcome string) {
	streamMetricsOnce.Do(initStreamMetrics)
	if publishedEvents == nil {
		return
	}
	publishedEvents.Add(ctx, 1, otelmetric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.String("outcome", outcome),
	))
}

func recordConsume(ctx context.Context, outcome string) {
	streamMetricsOnce.Do(initStreamMetrics)
	if consumedEvents == nil {
		return
	}
	consumedEvents.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("outcome", outcome)))
}
