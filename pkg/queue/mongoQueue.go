package queue

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/elasticsearch-raven/pkg/sentry"
)

type mongoEntry struct {
	ID         primitive.ObjectID `bson:"_id,omitempty"`
	Headers    map[string]string  `bson:"headers"`
	Body       []byte             `bson:"body"`
	Status     Status             `bson:"status"`
	RetryCount int                `bson:"retry_count"`
	CreatedAt  time.Time          `bson:"created_at"`
	UpdatedAt  time.Time          `bson:"updated_at"`
}

// MongoQueue stores messages as documents and claims the oldest pending one
// with findAndModify.
type MongoQueue struct {
	collection     *mongo.Collection
	pollInterval   time.Duration
	lockExpiration time.Duration
	tracer         trace.Tracer

	mu      sync.Mutex
	claimed *primitive.ObjectID
}

func NewMongoQueue(collection *mongo.Collection, pollInterval, lockExpiration time.Duration) *MongoQueue {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	if lockExpiration <= 0 {
		lockExpiration = defaultLockExpiration
	}
	return &MongoQueue{
		collection:     collection,
		pollInterval:   pollInterval,
		lockExpiration: lockExpiration,
		tracer:         otel.Tracer(tracerName),
	}
}

func (m *MongoQueue) Put(ctx context.Context, msg *sentry.Message) error {
	ctx, span := m.tracer.Start(ctx, "Put")
	defer span.End()

	start := time.Now()
	_, err := m.collection.InsertOne(ctx, mongoEntry{
		Headers:   msg.Headers,
		Body:      msg.Body,
		Status:    StatusPending,
		CreatedAt: start,
		UpdatedAt: start,
	})
	if err != nil {
		span.RecordError(err)
		return errors.Wrap(err, "insert message")
	}
	addDBStatsToSpan(span, "mongodb", "Put", 1, time.Since(start))
	return nil
}

func (m *MongoQueue) Get(ctx context.Context, timeout time.Duration) (*sentry.Message, error) {
	return pollUntil(ctx, timeout, m.pollInterval, m.claim)
}

func (m *MongoQueue) claim(ctx context.Context) (*sentry.Message, bool, error) {
	ctx, span := m.tracer.Start(ctx, "Claim")
	defer span.End()

	start := time.Now()
	filter := bson.M{
		"$or": []bson.M{
			{"status": StatusPending},
			{"status": StatusProcessing, "updated_at": bson.M{"$lt": start.Add(-m.lockExpiration)}},
		},
	}
	update := bson.M{
		"$set": bson.M{
			"status":     StatusProcessing,
			"updated_at": start,
		},
		"$inc": bson.M{"retry_count": 1},
	}
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetReturnDocument(options.After)

	var entry mongoEntry
	err := m.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&entry)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, false, nil
	}
	if err != nil {
		span.RecordError(err)
		return nil, false, errors.Wrap(err, "claim message")
	}
	addDBStatsToSpan(span, "mongodb", "Claim", 1, time.Since(start))

	m.mu.Lock()
	m.claimed = &entry.ID
	m.mu.Unlock()
	return sentry.NewMessage(entry.Headers, entry.Body), true, nil
}

func (m *MongoQueue) TaskDone(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.claimed == nil {
		return ErrNoTask
	}

	ctx, span := m.tracer.Start(ctx, "TaskDone")
	defer span.End()

	start := time.Now()
	if _, err := m.collection.DeleteOne(ctx, bson.M{"_id": *m.claimed}); err != nil {
		span.RecordError(err)
		return errors.Wrap(err, "delete completed message")
	}
	addDBStatsToSpan(span, "mongodb", "TaskDone", 1, time.Since(start))
	m.claimed = nil
	return nil
}

func (m *MongoQueue) Join(context.Context) error { return nil }

func (m *MongoQueue) HasPendingWork() bool { return false }

func (m *MongoQueue) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.collection.Database().Client().Disconnect(ctx)
}
