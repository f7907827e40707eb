package queue

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/streadway/amqp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/elasticsearch-raven/pkg/sentry"
)

type amqpChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// AMQPQueue keeps messages in a durable RabbitMQ queue. Publishing and
// consuming use separate channels; the consumer holds at most one unacked
// delivery, which TaskDone acknowledges.
type AMQPQueue struct {
	name    string
	publish amqpChannel
	consume amqpChannel
	conn    interface{ Close() error }
	tracer  trace.Tracer
	log     zerolog.Logger

	publishMu  sync.Mutex
	consumeMu  sync.Mutex
	deliveries <-chan amqp.Delivery
	unacked    *amqp.Delivery
}

// DialAMQP connects to url and declares the durable queue name.
func DialAMQP(url, name string, log zerolog.Logger) (*AMQPQueue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to RabbitMQ")
	}
	notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		for err := range notifyClose {
			log.Error().Err(err).Msg("RabbitMQ connection closed")
		}
	}()

	publish, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "open publish channel")
	}
	consume, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "open consume channel")
	}
	q, err := newAMQPQueue(name, publish, consume, conn, log)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return q, nil
}

func newAMQPQueue(name string, publish, consume amqpChannel, conn interface{ Close() error }, log zerolog.Logger) (*AMQPQueue, error) {
	if _, err := publish.QueueDeclare(name, true, false, false, false, nil); err != nil {
		return nil, errors.Wrapf(err, "declare queue %q", name)
	}
	log.Info().Str("queue", name).Msg("RabbitMQ queue declared")
	return &AMQPQueue{
		name:    name,
		publish: publish,
		consume: consume,
		conn:    conn,
		tracer:  otel.Tracer(tracerName),
		log:     log,
	}, nil
}

func (a *AMQPQueue) Put(ctx context.Context, msg *sentry.Message) error {
	ctx, span := a.tracer.Start(ctx, "Put",
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("rabbitmq"),
			semconv.MessagingDestinationKindKey.String("queue"),
			semconv.MessagingDestinationKey.String(a.name),
			semconv.MessagingRabbitmqRoutingKeyKey.String(a.name),
		),
	)
	defer span.End()

	payload, err := sentry.MarshalEnvelope(msg)
	if err != nil {
		span.RecordError(err)
		return err
	}

	traceHeaders := make(map[string]string)
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(traceHeaders))
	headers := make(amqp.Table, len(traceHeaders))
	for k, v := range traceHeaders {
		headers[k] = v
	}

	a.publishMu.Lock()
	err = a.publish.Publish("", a.name, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         payload,
		Headers:      headers,
	})
	a.publishMu.Unlock()
	if err != nil {
		span.RecordError(err)
		return errors.Wrap(err, "publish message")
	}

	span.SetAttributes(attribute.Int("messaging.message_payload_size_bytes", len(payload)))
	return nil
}

func (a *AMQPQueue) Get(ctx context.Context, timeout time.Duration) (*sentry.Message, error) {
	a.consumeMu.Lock()
	defer a.consumeMu.Unlock()
	if err := a.startConsumingLocked(); err != nil {
		return nil, err
	}

	expired, stop := waitTimeout(timeout)
	defer stop()
	for {
		select {
		case d, ok := <-a.deliveries:
			if !ok {
				return nil, errors.Wrap(ErrClosed, "RabbitMQ delivery channel closed")
			}
			msg, err := sentry.UnmarshalEnvelope(d.Body)
			if err != nil {
				a.log.Error().Err(err).Uint64("delivery_tag", d.DeliveryTag).Msg("dropping undecodable delivery")
				if err := d.Reject(false); err != nil {
					return nil, errors.Wrap(err, "reject delivery")
				}
				continue
			}
			a.unacked = &d
			return msg, nil
		case <-expired:
			return nil, ErrEmpty
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (a *AMQPQueue) startConsumingLocked() error {
	if a.deliveries != nil {
		return nil
	}
	if err := a.consume.Qos(1, 0, false); err != nil {
		return errors.Wrap(err, "set prefetch")
	}
	deliveries, err := a.consume.Consume(a.name, "", false, false, false, false, nil)
	if err != nil {
		return errors.Wrapf(err, "consume queue %q", a.name)
	}
	a.deliveries = deliveries
	return nil
}

func (a *AMQPQueue) TaskDone(context.Context) error {
	a.consumeMu.Lock()
	defer a.consumeMu.Unlock()
	if a.unacked == nil {
		return ErrNoTask
	}
	if err := a.unacked.Ack(false); err != nil {
		return errors.Wrap(err, "ack delivery")
	}
	a.unacked = nil
	return nil
}

func (a *AMQPQueue) Join(context.Context) error { return nil }

func (a *AMQPQueue) HasPendingWork() bool { return false }

func (a *AMQPQueue) Close() error {
	a.publish.Close()
	a.consume.Close()
	if a.conn != nil {
		return a.conn.Close()
	}
	return nil
}
