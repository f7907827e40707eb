package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/zoff-tech/elasticsearch-raven/pkg/config"
	"github.com/zoff-tech/elasticsearch-raven/pkg/listener"
	"github.com/zoff-tech/elasticsearch-raven/pkg/logging"
	"github.com/zoff-tech/elasticsearch-raven/pkg/pipeline"
	"github.com/zoff-tech/elasticsearch-raven/pkg/processor"
	"github.com/zoff-tech/elasticsearch-raven/pkg/queue"
	"github.com/zoff-tech/elasticsearch-raven/pkg/store"
	"github.com/zoff-tech/elasticsearch-raven/pkg/telemetry"
)

// app holds what every command builds from the configuration.
type app struct {
	configDir string
	debug     bool

	settings          *config.Settings
	log               zerolog.Logger
	registry          *prometheus.Registry
	metrics           *telemetry.Metrics
	shutdownTelemetry func()
}

func (a *app) init() error {
	settings, err := config.LoadFromFile(a.configDir)
	if err != nil {
		return err
	}
	if a.debug {
		settings.Listener.Debug = true
	}
	a.settings = settings

	a.log, err = logging.New(settings.Logging.Environment, settings.Logging.Level)
	if err != nil {
		return errors.Wrap(err, "configure logging")
	}

	a.shutdownTelemetry, err = telemetry.Init(settings.Observability, settings.Logging.Environment, a.log)
	if err != nil {
		return errors.Wrap(err, "initialize telemetry")
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = telemetry.NewMetrics(a.registry)
	return nil
}

func (a *app) close() {
	if a.shutdownTelemetry != nil {
		a.shutdownTelemetry()
	}
}

func (a *app) openQueue(ctx context.Context) (queue.Queue, error) {
	q, err := queue.New(ctx, a.settings.Queue, a.log)
	if err != nil {
		return nil, errors.Wrap(err, "open queue")
	}
	if memory, ok := q.(*queue.MemoryQueue); ok {
		telemetry.RegisterQueueDepth(a.registry, memory.Len)
	}
	return q, nil
}

func (a *app) listenerDeps(q queue.Queue) listener.Dependencies {
	return listener.Dependencies{
		Queue:   q,
		Metrics: a.metrics,
		Log:     a.log,
		Debug:   a.settings.Listener.Debug,
	}
}

// errorStore connects with the process-wide credentials.
func (a *app) errorStore() (*store.Elasticsearch, error) {
	user, password := a.settings.Elasticsearch.Credentials()
	return store.NewElasticsearch(a.settings.Elasticsearch, user, password)
}

func (a *app) newProcessor(q queue.Queue) (*processor.SentryProcessor, error) {
	primary, err := store.NewElasticsearch(a.settings.Elasticsearch, "", "")
	if err != nil {
		return nil, err
	}
	errorStore, err := a.errorStore()
	if err != nil {
		return nil, err
	}
	return processor.NewSentryProcessor(processor.Dependencies{
		Queue:         q,
		Store:         primary,
		ErrorStore:    errorStore,
		Elasticsearch: a.settings.Elasticsearch,
		Retry:         a.settings.Retry,
		Metrics:       a.metrics,
		Log:           a.log,
	})
}

// run supervises l and p until a stop signal or a fatal error.
func (a *app) run(ctx context.Context, l listener.Listener, p pipeline.Processor, q queue.Queue) error {
	signals := make(chan os.Signal, 2)
	signal.Notify(signals, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGINT)
	defer signal.Stop(signals)

	runner := &pipeline.Runner{
		Listener:     l,
		Processor:    p,
		Queue:        q,
		DrainTimeout: a.settings.DrainTimeout,
		Signals:      signals,
		Log:          a.log.With().Str("component", "pipeline").Logger(),
	}
	if err := runner.Run(ctx); err != nil {
		a.log.Error().Err(err).Msg("pipeline failed")
		return err
	}
	return nil
}
