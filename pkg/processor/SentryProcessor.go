package processor

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/elasticsearch-raven/pkg/config"
	"github.com/zoff-tech/elasticsearch-raven/pkg/postfix"
	"github.com/zoff-tech/elasticsearch-raven/pkg/queue"
	"github.com/zoff-tech/elasticsearch-raven/pkg/retry"
	"github.com/zoff-tech/elasticsearch-raven/pkg/sentry"
	"github.com/zoff-tech/elasticsearch-raven/pkg/store"
	"github.com/zoff-tech/elasticsearch-raven/pkg/telemetry"
)

const (
	defaultPollTimeout    = time.Second
	defaultAttemptTimeout = 30 * time.Second
)

// Dependencies wires a SentryProcessor.
type Dependencies struct {
	Queue         queue.Queue
	Store         store.DocumentStore // per-message credentials
	ErrorStore    store.DocumentStore // process credentials, error records only
	Elasticsearch config.ElasticsearchSettings
	Retry         config.RetrySettings
	Metrics       *telemetry.Metrics
	Log           zerolog.Logger

	// Optional.
	Clock       backoff.Clock
	Sleep       func(ctx context.Context, d time.Duration) error
	PollTimeout time.Duration
}

// SentryProcessor delivers queued sentry messages to the document store.
type SentryProcessor struct {
	queue       queue.Queue
	store       store.DocumentStore
	errorStore  store.DocumentStore
	es          config.ElasticsearchSettings
	retry       retry.Settings
	metrics     *telemetry.Metrics
	log         zerolog.Logger
	clock       backoff.Clock
	sleep       func(ctx context.Context, d time.Duration) error
	pollTimeout time.Duration
	// attemptTimeout bounds store and queue calls that outlive a cancelled ctx.
	attemptTimeout time.Duration
	tracer         trace.Tracer
}

// NewSentryProcessor checks deps and fills in the optional ones.
func NewSentryProcessor(deps Dependencies) (*SentryProcessor, error) {
	switch {
	case deps.Queue == nil:
		return nil, errors.New("processor: queue is required")
	case deps.Store == nil:
		return nil, errors.New("processor: store is required")
	case deps.ErrorStore == nil:
		return nil, errors.New("processor: error store is required")
	case deps.Metrics == nil:
		return nil, errors.New("processor: metrics are required")
	}
	p := &SentryProcessor{
		queue:      deps.Queue,
		store:      deps.Store,
		errorStore: deps.ErrorStore,
		es:         deps.Elasticsearch,
		retry: retry.Settings{
			InitialDelay: deps.Retry.InitialDelay,
			BackOff:      deps.Retry.BackOff,
			MaxElapsed:   deps.Retry.MaxElapsed,
		},
		metrics:        deps.Metrics,
		log:            deps.Log.With().Str("component", "processor").Logger(),
		clock:          deps.Clock,
		sleep:          deps.Sleep,
		pollTimeout:    deps.PollTimeout,
		attemptTimeout: deps.Retry.AttemptTimeout,
		tracer:         otel.Tracer(telemetry.TracerName),
	}
	if p.clock == nil {
		p.clock = backoff.SystemClock
	}
	if p.sleep == nil {
		p.sleep = retry.Sleep
	}
	if p.pollTimeout <= 0 {
		p.pollTimeout = defaultPollTimeout
	}
	if p.attemptTimeout <= 0 {
		p.attemptTimeout = defaultAttemptTimeout
	}
	return p, nil
}

// ProcessMessages delivers messages until ctx is cancelled, which is a clean
// stop. Cancellation is observed between messages and between retries; a
// store request already in flight runs to completion or to the attempt
// timeout. Any other returned error is fatal to the pipeline.
func (p *SentryProcessor) ProcessMessages(ctx context.Context) error {
	p.log.Info().Msg("processor started")
	defer p.log.Info().Msg("processor stopped")
	for {
		if ctx.Err() != nil {
			return nil
		}
		msg, err := p.queue.Get(ctx, p.pollTimeout)
		if errors.Is(err, queue.ErrEmpty) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "get message")
		}
		if err := p.SendMessage(ctx, msg); err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				return nil
			}
			return err
		}
	}
}

// SendMessage delivers one dequeued message and completes it on the queue.
// Store rejections and undecodable messages are recorded in the error index.
// A returned error leaves the message uncompleted. Once an outcome is known it
// is recorded and completed even if ctx has been cancelled meanwhile.
func (p *SentryProcessor) SendMessage(ctx context.Context, msg *sentry.Message) error {
	ctx, span := p.tracer.Start(ctx, "SendMessage")
	defer span.End()
	start := time.Now()

	doc, err := p.prepare(msg)
	if err == nil {
		span.SetAttributes(
			attribute.String("document.index", doc.Index),
			attribute.String("document.id", doc.ID),
		)
		err = p.deliver(ctx, doc)
	}

	switch {
	case err == nil:
		p.metrics.Delivered.Inc()
	case store.IsRejected(err) || errors.Is(err, sentry.ErrMalformedMessage) || errors.Is(err, ErrBadProject):
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.log.Error().Err(err).Str("message", msg.String()).Msg("message rejected")
		if err := p.recordFailure(ctx, msg, err); err != nil {
			return err
		}
		p.metrics.Failed.Inc()
	case ctx.Err() != nil:
		span.SetStatus(codes.Error, "cancelled")
		return ctx.Err()
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	p.metrics.DeliveryDuration.Observe(time.Since(start).Seconds())
	doneCtx, cancel := p.detached(ctx)
	defer cancel()
	if err := p.queue.TaskDone(doneCtx); err != nil {
		return errors.Wrap(err, "complete message")
	}
	return nil
}

// detached keeps ctx values and trace but drops its cancellation, bounded by
// the attempt timeout.
func (p *SentryProcessor) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), p.attemptTimeout)
}

func (p *SentryProcessor) prepare(msg *sentry.Message) (*store.Document, error) {
	body, err := msg.DecodeBody()
	if err != nil {
		return nil, err
	}
	postfix.Normalize(body)
	id, err := HashDocument(body)
	if err != nil {
		return nil, err
	}
	index, err := IndexName(body, p.clock.Now())
	if err != nil {
		return nil, err
	}
	username, password := msg.Credentials()
	return &store.Document{
		Index:   index,
		ID:      id,
		DocType: p.es.DocType,
		Body:    body,
		Auth:    &store.BasicAuth{Username: username, Password: password},
	}, nil
}

// deliver indexes doc, retrying transient failures until the retry ceiling.
// ctx stops further attempts but not the one in flight.
func (p *SentryProcessor) deliver(ctx context.Context, doc *store.Document) error {
	loop := retry.NewLoop(p.retry, p.clock)
	for {
		attemptCtx, cancel := p.detached(ctx)
		err := p.store.Index(attemptCtx, doc)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !store.IsTransient(err) {
			return err
		}

		loop.RecordFailure(err)
		failures := loop.Failures()
		delay, ok := loop.NextDelay()
		if !ok {
			return errors.Wrapf(loop.Err(), "delivery to %s gave up after %s", doc.Index, loop.Elapsed())
		}
		for _, failure := range failures {
			p.log.Warn().Err(failure).Str("index", doc.Index).Dur("retry_in", delay).Msg("store unavailable")
		}
		p.metrics.Retried.Inc()
		if err := p.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func (p *SentryProcessor) recordFailure(ctx context.Context, msg *sentry.Message, cause error) error {
	ctx, cancel := p.detached(ctx)
	defer cancel()
	err := p.errorStore.Index(ctx, &store.Document{
		Index:   p.es.ErrorIndex,
		DocType: p.es.ErrorDocType,
		Body: map[string]any{
			"message": msg.String(),
			"error":   cause.Error(),
		},
	})
	return errors.Wrap(err, "write error record")
}
