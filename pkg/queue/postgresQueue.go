package queue

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/elasticsearch-raven/pkg/sentry"
)

// PostgresQueue stores messages in a table and claims them one at a time
// with FOR UPDATE SKIP LOCKED. Claimed rows whose lock expired are handed
// out again, so a crashed sender does not lose its message.
type PostgresQueue struct {
	db             *sql.DB
	table          string
	pollInterval   time.Duration
	lockExpiration time.Duration
	tracer         trace.Tracer

	mu      sync.Mutex
	claimed *int64
}

// NewPostgresQueue wraps db. The table is created by EnsureSchema.
func NewPostgresQueue(db *sql.DB, table string, pollInterval, lockExpiration time.Duration) *PostgresQueue {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	if lockExpiration <= 0 {
		lockExpiration = defaultLockExpiration
	}
	return &PostgresQueue{
		db:             db,
		table:          pq.QuoteIdentifier(table),
		pollInterval:   pollInterval,
		lockExpiration: lockExpiration,
		tracer:         otel.Tracer(tracerName),
	}
}

// EnsureSchema creates the queue table if it does not exist.
func (p *PostgresQueue) EnsureSchema(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	headers TEXT NOT NULL,
	body BYTEA NOT NULL,
	status TEXT NOT NULL,
	retry_count INT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
)`, p.table))
	return errors.Wrap(err, "create queue table")
}

func (p *PostgresQueue) Put(ctx context.Context, msg *sentry.Message) error {
	headers, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalToString(msg.Headers)
	if err != nil {
		return errors.Wrap(err, "marshal headers")
	}
	_, err = p.withTransaction(ctx, "Put", func(ctx context.Context, tx *sql.Tx) (int, error) {
		now := time.Now()
		_, err := tx.ExecContext(ctx,
			fmt.Sprintf(`INSERT INTO %s (headers, body, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $4)`, p.table),
			headers, msg.Body, StatusPending, now)
		if err != nil {
			return 0, err
		}
		return 1, nil
	})
	return err
}

func (p *PostgresQueue) Get(ctx context.Context, timeout time.Duration) (*sentry.Message, error) {
	return pollUntil(ctx, timeout, p.pollInterval, p.claim)
}

func (p *PostgresQueue) claim(ctx context.Context) (*sentry.Message, bool, error) {
	var msg *sentry.Message
	var id int64
	n, err := p.withTransaction(ctx, "Claim", func(ctx context.Context, tx *sql.Tx) (int, error) {
		var headers string
		var body []byte
		err := tx.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT id, headers, body FROM %s WHERE (status=$1 OR (status=$2 AND updated_at < $3)) ORDER BY id FOR UPDATE SKIP LOCKED LIMIT 1`, p.table),
			StatusPending, StatusProcessing, time.Now().Add(-p.lockExpiration)).Scan(&id, &headers, &body)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		if err != nil {
			return 0, err
		}

		var parsed map[string]string
		if err := jsoniter.ConfigCompatibleWithStandardLibrary.UnmarshalFromString(headers, &parsed); err != nil {
			return 0, errors.Wrapf(err, "unmarshal headers of row %d", id)
		}
		msg = sentry.NewMessage(parsed, body)

		_, err = tx.ExecContext(ctx,
			fmt.Sprintf(`UPDATE %s SET status=$1, retry_count = retry_count + 1, updated_at=$2 WHERE id=$3`, p.table),
			StatusProcessing, time.Now(), id)
		if err != nil {
			return 0, err
		}
		return 1, nil
	})
	if err != nil || n == 0 {
		return nil, false, err
	}

	p.mu.Lock()
	p.claimed = &id
	p.mu.Unlock()
	return msg, true, nil
}

func (p *PostgresQueue) TaskDone(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.claimed == nil {
		return ErrNoTask
	}
	id := *p.claimed
	_, err := p.withTransaction(ctx, "TaskDone", func(ctx context.Context, tx *sql.Tx) (int, error) {
		_, err := tx.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE id=$1`, p.table), id)
		if err != nil {
			return 0, err
		}
		return 1, nil
	})
	if err != nil {
		return err
	}
	p.claimed = nil
	return nil
}

// Join returns immediately: accepted rows survive a restart.
func (p *PostgresQueue) Join(context.Context) error { return nil }

func (p *PostgresQueue) HasPendingWork() bool { return false }

func (p *PostgresQueue) Close() error { return p.db.Close() }

func (p *PostgresQueue) withTransaction(ctx context.Context, spanName string, fn func(ctx context.Context, tx *sql.Tx) (int, error)) (int, error) {
	ctx, span := p.tracer.Start(ctx, spanName)
	defer span.End()

	start := time.Now()
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return 0, errors.Wrap(err, "begin transaction")
	}

	n, err := fn(ctx, tx)
	if err != nil {
		_ = tx.Rollback()
		span.RecordError(err)
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		return 0, errors.Wrap(err, "commit transaction")
	}

	addDBStatsToSpan(span, "postgresql", spanName, n, time.Since(start))
	return n, nil
}
