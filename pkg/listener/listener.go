// Package listener accepts sentry reports over UDP and HTTP and enqueues them.
package listener

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/zoff-tech/elasticsearch-raven/pkg/queue"
	"github.com/zoff-tech/elasticsearch-raven/pkg/sentry"
	"github.com/zoff-tech/elasticsearch-raven/pkg/telemetry"
)

// Listener is an ingest transport.
type Listener interface {
	// Serve accepts messages until Shutdown is called or ctx is done.
	// Cancelling ctx also aborts enqueues blocked on a full queue.
	Serve(ctx context.Context) error
	// Shutdown stops accepting messages and waits for in-flight ones to be
	// enqueued, or for ctx to be done.
	Shutdown(ctx context.Context) error
}

// Dependencies are shared by both transports.
type Dependencies struct {
	Queue   queue.Queue
	Metrics *telemetry.Metrics
	Log     zerolog.Logger
	Debug   bool
}

func (d Dependencies) validate() error {
	if d.Queue == nil {
		return errors.New("listener: queue is required")
	}
	if d.Metrics == nil {
		return errors.New("listener: metrics are required")
	}
	return nil
}

// ingest builds a message, checks that its body decodes and enqueues it.
// Undecodable input is logged, counted and dropped; only enqueue failures
// are returned.
func (d Dependencies) ingest(ctx context.Context, transport string, build func() (*sentry.Message, error)) error {
	msg, err := build()
	if err == nil {
		_, err = msg.DecodeBody()
	}
	if err != nil {
		reason := rejectReason(err)
		d.Metrics.Rejected.WithLabelValues(transport, reason).Inc()
		d.Log.Warn().Err(err).Str("transport", transport).Str("reason", reason).Msg("discarding message")
		return nil
	}

	if err := d.Queue.Put(ctx, msg); err != nil {
		return errors.Wrap(err, "enqueue message")
	}
	d.Metrics.Received.WithLabelValues(transport).Inc()
	return nil
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, sentry.ErrBadHeader):
		return "bad_header"
	case errors.Is(err, sentry.ErrCorruptBody):
		return "corrupt_body"
	default:
		return "malformed"
	}
}
