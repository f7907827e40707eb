package queue

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/zoff-tech/elasticsearch-raven/pkg/config"
)

// Creator builds a queue backend from its settings.
type Creator func(ctx context.Context, cfg config.QueueSettings, log zerolog.Logger) (Queue, error)

var NewAMQP Creator = func(ctx context.Context, cfg config.QueueSettings, log zerolog.Logger) (Queue, error) {
	return DialAMQP(cfg.URL, cfg.Name, log)
}

var NewPubSub Creator = func(ctx context.Context, cfg config.QueueSettings, log zerolog.Logger) (Queue, error) {
	return NewPubSubQueue(ctx, cfg.ProjectID, cfg.Name, cfg.Subscription, log)
}

var NewPostgres Creator = func(ctx context.Context, cfg config.QueueSettings, log zerolog.Logger) (Queue, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "connect to postgres")
	}
	q := NewPostgresQueue(db, cfg.Name, cfg.PollInterval, cfg.LockExpiration)
	if err := q.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return q, nil
}

var NewMongo Creator = func(ctx context.Context, cfg config.QueueSettings, log zerolog.Logger) (Queue, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, errors.Wrap(err, "connect to mongo")
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, errors.Wrap(err, "ping mongo")
	}
	return NewMongoQueue(client.Database(cfg.Database).Collection(cfg.Name), cfg.PollInterval, cfg.LockExpiration), nil
}

// New returns the backend selected by cfg.Type.
func New(ctx context.Context, cfg config.QueueSettings, log zerolog.Logger) (Queue, error) {
	log = log.With().Str("queue", cfg.Type).Logger()
	switch cfg.Type {
	case config.QueueMemory, "":
		return NewMemoryQueue(cfg.MaxSize), nil
	case config.QueueAMQP:
		return NewAMQP(ctx, cfg, log)
	case config.QueuePubSub:
		return NewPubSub(ctx, cfg, log)
	case config.QueuePostgres:
		return NewPostgres(ctx, cfg, log)
	case config.QueueMongo:
		return NewMongo(ctx, cfg, log)
	default:
		return nil, errors.Errorf("unsupported queue type: %s", cfg.Type)
	}
}
