package listener

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/zoff-tech/elasticsearch-raven/pkg/queue"
	"github.com/zoff-tech/elasticsearch-raven/pkg/sentry"
	"github.com/zoff-tech/elasticsearch-raven/pkg/telemetry"
)

const testAuth = "Sentry sentry_version=5, sentry_client=raven-python/5.0, sentry_timestamp=1, sentry_key=key, sentry_secret=secret"

func newDeps(t *testing.T, maxSize int) (Dependencies, *queue.MemoryQueue, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	q := queue.NewMemoryQueue(maxSize)
	return Dependencies{
		Queue:   q,
		Metrics: telemetry.NewMetrics(reg),
		Log:     zerolog.Nop(),
	}, q, reg
}

func encodedBody(t *testing.T, doc sentry.Document) string {
	body, err := sentry.EncodeBody(doc)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(body)
}

func takeMessage(t *testing.T, q *queue.MemoryQueue) *sentry.Message {
	msg, err := q.Get(context.Background(), 5*time.Second)
	require.NoError(t, err)
	return msg
}
