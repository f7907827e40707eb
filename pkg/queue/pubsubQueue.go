package queue

import (
	"context"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/option"

	"github.com/zoff-tech/elasticsearch-raven/pkg/sentry"
)

// PubSubQueue publishes to a topic and pulls from a subscription with a
// single outstanding message, acknowledged by TaskDone.
type PubSubQueue struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	tracer trace.Tracer
	log    zerolog.Logger

	startOnce  sync.Once
	stop       context.CancelFunc
	incoming   chan *pubsub.Message
	receiveErr chan error

	mu      sync.Mutex
	unacked *pubsub.Message
}

// NewPubSubQueue connects to projectID and makes sure the topic and the
// subscription exist. An empty subscription name reuses the topic name.
func NewPubSubQueue(ctx context.Context, projectID, topicID, subscriptionID string, log zerolog.Logger, opts ...option.ClientOption) (*PubSubQueue, error) {
	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "create pubsub client")
	}
	if subscriptionID == "" {
		subscriptionID = topicID
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, errors.Wrapf(err, "check topic %q", topicID)
	}
	if !exists {
		if topic, err = client.CreateTopic(ctx, topicID); err != nil {
			client.Close()
			return nil, errors.Wrapf(err, "create topic %q", topicID)
		}
	}

	sub := client.Subscription(subscriptionID)
	exists, err = sub.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, errors.Wrapf(err, "check subscription %q", subscriptionID)
	}
	if !exists {
		sub, err = client.CreateSubscription(ctx, subscriptionID, pubsub.SubscriptionConfig{
			Topic:       topic,
			AckDeadline: time.Minute,
		})
		if err != nil {
			client.Close()
			return nil, errors.Wrapf(err, "create subscription %q", subscriptionID)
		}
	}
	sub.ReceiveSettings.MaxOutstandingMessages = 1
	sub.ReceiveSettings.NumGoroutines = 1

	return &PubSubQueue{
		client:     client,
		topic:      topic,
		sub:        sub,
		tracer:     otel.Tracer(tracerName),
		log:        log,
		incoming:   make(chan *pubsub.Message),
		receiveErr: make(chan error, 1),
	}, nil
}

func (p *PubSubQueue) Put(ctx context.Context, msg *sentry.Message) error {
	ctx, span := p.tracer.Start(ctx, "Put",
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("pubsub"),
			semconv.MessagingDestinationKindKey.String("topic"),
			semconv.MessagingDestinationKey.String(p.topic.ID()),
		),
	)
	defer span.End()

	payload, err := sentry.MarshalEnvelope(msg)
	if err != nil {
		span.RecordError(err)
		return err
	}

	attributes := make(map[string]string)
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(attributes))

	res := p.topic.Publish(ctx, &pubsub.Message{Data: payload, Attributes: attributes})
	if _, err := res.Get(ctx); err != nil {
		span.RecordError(err)
		return errors.Wrap(err, "publish message")
	}

	span.SetAttributes(attribute.Int("messaging.message_payload_size_bytes", len(payload)))
	return nil
}

func (p *PubSubQueue) Get(ctx context.Context, timeout time.Duration) (*sentry.Message, error) {
	p.startOnce.Do(p.startReceiving)

	expired, stop := waitTimeout(timeout)
	defer stop()
	for {
		select {
		case m := <-p.incoming:
			msg, err := sentry.UnmarshalEnvelope(m.Data)
			if err != nil {
				p.log.Error().Err(err).Str("message_id", m.ID).Msg("dropping undecodable message")
				m.Ack()
				continue
			}
			p.mu.Lock()
			p.unacked = m
			p.mu.Unlock()
			return msg, nil
		case err := <-p.receiveErr:
			if err == nil {
				err = ErrClosed
			}
			return nil, errors.Wrap(err, "pubsub receive stopped")
		case <-expired:
			return nil, ErrEmpty
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (p *PubSubQueue) startReceiving() {
	ctx, cancel := context.WithCancel(context.Background())
	p.stop = cancel
	go func() {
		err := p.sub.Receive(ctx, func(ctx context.Context, m *pubsub.Message) {
			select {
			case p.incoming <- m:
			case <-ctx.Done():
				m.Nack()
			}
		})
		p.receiveErr <- err
	}()
}

func (p *PubSubQueue) TaskDone(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.unacked == nil {
		return ErrNoTask
	}
	p.unacked.Ack()
	p.unacked = nil
	return nil
}

func (p *PubSubQueue) Join(context.Context) error { return nil }

func (p *PubSubQueue) HasPendingWork() bool { return false }

func (p *PubSubQueue) Close() error {
	if p.stop != nil {
		p.stop()
	}
	p.topic.Stop()
	return p.client.Close()
}
