package queue

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "elasticsearch-raven"

// Status is the lifecycle state of a message stored in a database-backed
// queue. Completed messages are deleted.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
)

const (
	defaultPollInterval   = time.Second
	defaultLockExpiration = 15 * time.Minute
)

func addDBStatsToSpan(span trace.Span, system, statement string, messages int, duration time.Duration) {
	span.SetAttributes(
		attribute.Int("messages", messages),
		attribute.String("db.system", system),
		attribute.String("db.statement", statement),
		attribute.Float64("db.execution_time_ms", float64(duration.Milliseconds())),
	)
}

// pollUntil calls claim every interval until it yields a message, the timeout
// passes or ctx is done. A non-positive timeout polls until ctx is done.
func pollUntil[T any](ctx context.Context, timeout, interval time.Duration, claim func(context.Context) (T, bool, error)) (T, error) {
	var zero T
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		item, ok, err := claim(ctx)
		if err != nil {
			return zero, err
		}
		if ok {
			return item, nil
		}

		wait := interval
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return zero, ErrEmpty
			}
			if remaining < wait {
				wait = remaining
			}
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		}
	}
}
