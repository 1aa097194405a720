package store

import (
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "outbox-relay"

func addDBStatsToSpan(span trace.Span, system, statement string, messageCount int, duration time.Duration) {
	span.SetAttributes(
		attribute.Int("messageCount", messageCount),
		attribute.String("db.system", system),
		attribute.String("db.statement", statement),
		attribute.Float64("db.execution_time_ms", float64(duration.Milliseconds())),
	)
}
