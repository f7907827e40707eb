package processor

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoff-tech/elasticsearch-raven/pkg/config"
	"github.com/zoff-tech/elasticsearch-raven/pkg/queue"
	"github.com/zoff-tech/elasticsearch-raven/pkg/sentry"
	"github.com/zoff-tech/elasticsearch-raven/pkg/store"
	"github.com/zoff-tech/elasticsearch-raven/pkg/telemetry"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeStore struct {
	mu      sync.Mutex
	docs    []*store.Document
	errs    []error
	fail    error
	indexed chan *store.Document
}

func (f *fakeStore) Index(ctx context.Context, doc *store.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs = append(f.docs, doc)
	if f.indexed != nil {
		f.indexed <- doc
	}
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return err
	}
	return f.fail
}

func (f *fakeStore) calls() []*store.Document {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*store.Document(nil), f.docs...)
}

type harness struct {
	processor  *SentryProcessor
	queue      *queue.MemoryQueue
	store      *fakeStore
	errorStore *fakeStore
	clock      *fakeClock
	sleeps     []time.Duration
	metrics    *telemetry.Metrics
}

func newHarness(t *testing.T, retrySettings config.RetrySettings) *harness {
	h := &harness{
		queue:      queue.NewMemoryQueue(10),
		store:      &fakeStore{},
		errorStore: &fakeStore{},
		clock:      &fakeClock{now: time.Date(2024, time.January, 15, 12, 0, 0, 0, time.UTC)},
		metrics:    telemetry.NewMetrics(nil),
	}
	p, err := NewSentryProcessor(Dependencies{
		Queue:      h.queue,
		Store:      h.store,
		ErrorStore: h.errorStore,
		Elasticsearch: config.ElasticsearchSettings{
			DocType:      "raven-log",
			ErrorIndex:   "elasticsearch-raven-error",
			ErrorDocType: "elasticsearch-raven-log",
		},
		Retry:   retrySettings,
		Metrics: h.metrics,
		Log:     zerolog.Nop(),
		Clock:   h.clock,
		Sleep: func(ctx context.Context, d time.Duration) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			h.sleeps = append(h.sleeps, d)
			h.clock.Advance(d)
			return nil
		},
		PollTimeout: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	h.processor = p
	return h
}

var defaultRetry = config.RetrySettings{InitialDelay: time.Second, BackOff: 1.5, MaxElapsed: 15 * time.Minute}

func encodeMessage(t *testing.T, doc sentry.Document) *sentry.Message {
	body, err := sentry.EncodeBody(doc)
	require.NoError(t, err)
	return sentry.NewMessage(map[string]string{"sentry_key": "key", "sentry_secret": "secret"}, body)
}

// put enqueues msg and takes it back out, as the processing loop would.
func (h *harness) put(t *testing.T, msg *sentry.Message) *sentry.Message {
	ctx := context.Background()
	require.NoError(t, h.queue.Put(ctx, msg))
	got, err := h.queue.Get(ctx, time.Second)
	require.NoError(t, err)
	return got
}

func TestNewSentryProcessorRequiresDependencies(t *testing.T) {
	_, err := NewSentryProcessor(Dependencies{})
	assert.Error(t, err)
}

func TestSendMessageDelivers(t *testing.T) {
	h := newHarness(t, defaultRetry)
	msg := h.put(t, encodeMessage(t, sentry.Document{"project": "app-{date}", "extra": map[string]any{"k": 1}}))

	require.NoError(t, h.processor.SendMessage(context.Background(), msg))

	calls := h.store.calls()
	require.Len(t, calls, 1)
	expected := map[string]any{
		"project": "app-{date}",
		"extra":   map[string]any{"k<int>": json.Number("1")},
	}
	assert.Equal(t, "app-2024.01.15", calls[0].Index)
	assert.Equal(t, "196685b37a7520ae9a622a63606b081553d8a0e9", calls[0].ID)
	assert.Equal(t, "raven-log", calls[0].DocType)
	assert.Equal(t, expected, calls[0].Body)
	assert.Equal(t, &store.BasicAuth{Username: "key", Password: "secret"}, calls[0].Auth)
	assert.Empty(t, h.errorStore.calls())
	assert.False(t, h.queue.HasPendingWork())
}

func TestSendMessageRetriesTransientFailures(t *testing.T) {
	h := newHarness(t, defaultRetry)
	unavailable := &store.ConnectionError{Err: errors.New("connection refused")}
	h.store.errs = []error{unavailable, unavailable}
	msg := h.put(t, encodeMessage(t, sentry.Document{"project": "app"}))

	require.NoError(t, h.processor.SendMessage(context.Background(), msg))

	assert.Len(t, h.store.calls(), 3)
	assert.Equal(t, []time.Duration{time.Second, 1500 * time.Millisecond}, h.sleeps)
	assert.False(t, h.queue.HasPendingWork())
}

func TestSendMessageGivesUpAtCeiling(t *testing.T) {
	h := newHarness(t, config.RetrySettings{InitialDelay: time.Second, BackOff: 2, MaxElapsed: 10 * time.Second})
	unavailable := &store.ConnectionError{Err: errors.New("connection refused")}
	h.store.fail = unavailable
	msg := h.put(t, encodeMessage(t, sentry.Document{"project": "app"}))

	err := h.processor.SendMessage(context.Background(), msg)

	assert.ErrorIs(t, err, unavailable)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, h.sleeps)
	assert.Empty(t, h.errorStore.calls())
	assert.True(t, h.queue.HasPendingWork())
}

func TestSendMessageRecordsPermanentFailures(t *testing.T) {
	rejected := &store.RejectedError{StatusCode: 400, Type: "mapper_parsing_exception", Reason: "failed to parse"}

	tests := []struct {
		name      string
		msg       func(t *testing.T) *sentry.Message
		storeErr  error
		wantError string
	}{
		{
			name:      "store rejection",
			msg:       func(t *testing.T) *sentry.Message { return encodeMessage(t, sentry.Document{"project": "app"}) },
			storeErr:  rejected,
			wantError: rejected.Error(),
		},
		{
			name: "corrupt body",
			msg: func(t *testing.T) *sentry.Message {
				return sentry.NewMessage(map[string]string{"sentry_key": "key", "sentry_secret": "secret"}, []byte("not zlib"))
			},
		},
		{
			name:      "missing project",
			msg:       func(t *testing.T) *sentry.Message { return encodeMessage(t, sentry.Document{"message": "boom"}) },
			wantError: "missing project field: bad project",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, defaultRetry)
			h.store.fail = tt.storeErr
			msg := h.put(t, tt.msg(t))

			require.NoError(t, h.processor.SendMessage(context.Background(), msg))

			records := h.errorStore.calls()
			require.Len(t, records, 1)
			assert.Equal(t, "elasticsearch-raven-error", records[0].Index)
			assert.Equal(t, "elasticsearch-raven-log", records[0].DocType)
			assert.Empty(t, records[0].ID)
			assert.Nil(t, records[0].Auth)
			assert.Equal(t, msg.String(), records[0].Body["message"])
			if tt.wantError != "" {
				assert.Equal(t, tt.wantError, records[0].Body["error"])
			}
			assert.Empty(t, h.sleeps)
			assert.False(t, h.queue.HasPendingWork())
		})
	}
}

func TestSendMessageFailsWhenErrorRecordFails(t *testing.T) {
	h := newHarness(t, defaultRetry)
	h.store.fail = &store.RejectedError{StatusCode: 400, Reason: "bad"}
	h.errorStore.fail = &store.ConnectionError{Err: errors.New("connection refused")}
	msg := h.put(t, encodeMessage(t, sentry.Document{"project": "app"}))

	err := h.processor.SendMessage(context.Background(), msg)

	assert.Error(t, err)
	assert.True(t, h.queue.HasPendingWork())
}

func TestSendMessageCancelledMidRetry(t *testing.T) {
	h := newHarness(t, defaultRetry)
	ctx, cancel := context.WithCancel(context.Background())
	h.store.fail = &store.ConnectionError{Err: errors.New("connection refused")}
	h.store.indexed = make(chan *store.Document, 1)
	msg := h.put(t, encodeMessage(t, sentry.Document{"project": "app"}))

	done := make(chan error, 1)
	go func() { done <- h.processor.SendMessage(ctx, msg) }()
	<-h.store.indexed
	cancel()
	go func() {
		for range h.store.indexed {
		}
	}()

	err := <-done
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, h.queue.HasPendingWork())
	assert.Empty(t, h.errorStore.calls())
}

// gatedStore blocks Index until release is closed.
type gatedStore struct {
	entered chan struct{}
	release chan struct{}
	ctxErr  error
}

func (g *gatedStore) Index(ctx context.Context, doc *store.Document) error {
	close(g.entered)
	<-g.release
	g.ctxErr = ctx.Err()
	return ctx.Err()
}

func TestSendMessageFinishesAttemptInFlightWhenCancelled(t *testing.T) {
	h := newHarness(t, defaultRetry)
	gate := &gatedStore{entered: make(chan struct{}), release: make(chan struct{})}
	p, err := NewSentryProcessor(Dependencies{
		Queue:      h.queue,
		Store:      gate,
		ErrorStore: h.errorStore,
		Retry:      defaultRetry,
		Metrics:    h.metrics,
		Log:        zerolog.Nop(),
		Clock:      h.clock,
	})
	require.NoError(t, err)
	msg := h.put(t, encodeMessage(t, sentry.Document{"project": "app"}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.SendMessage(ctx, msg) }()
	<-gate.entered
	cancel()
	close(gate.release)

	require.NoError(t, <-done)
	assert.NoError(t, gate.ctxErr)
	assert.False(t, h.queue.HasPendingWork())
}

func TestProcessMessagesFromUDPDatagram(t *testing.T) {
	h := newHarness(t, defaultRetry)
	h.store.indexed = make(chan *store.Document, 1)

	body, err := sentry.EncodeBody(sentry.Document{"project": "app-{date}", "extra": map[string]any{"k": 1}})
	require.NoError(t, err)
	datagram := append([]byte("Sentry sentry_timestamp=1, sentry_client=raven-python/5.0, sentry_key=key, sentry_secret=secret\n\n"),
		base64.StdEncoding.EncodeToString(body)...)
	msg, err := sentry.CreateFromUDP(datagram)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.processor.ProcessMessages(ctx) }()
	require.NoError(t, h.queue.Put(ctx, msg))

	select {
	case doc := <-h.store.indexed:
		assert.Equal(t, "app-2024.01.15", doc.Index)
		expectedID, err := HashDocument(doc.Body)
		require.NoError(t, err)
		assert.Equal(t, expectedID, doc.ID)
		assert.Equal(t, map[string]any{"project": "app-{date}", "extra": map[string]any{"k<int>": json.Number("1")}}, doc.Body)
	case <-time.After(5 * time.Second):
		t.Fatal("message was not delivered")
	}

	joinCtx, joinCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer joinCancel()
	require.NoError(t, h.queue.Join(joinCtx))
	cancel()
	assert.NoError(t, <-done)
}

func TestProcessMessagesSurfacesFatalErrors(t *testing.T) {
	h := newHarness(t, config.RetrySettings{InitialDelay: time.Second, BackOff: 2, MaxElapsed: 3 * time.Second})
	h.store.fail = &store.ConnectionError{Err: errors.New("connection refused")}
	require.NoError(t, h.queue.Put(context.Background(), encodeMessage(t, sentry.Document{"project": "app"})))

	err := h.processor.ProcessMessages(context.Background())
	assert.True(t, store.IsTransient(err))
}
