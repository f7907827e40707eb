package listener

import (
	"context"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zoff-tech/elasticsearch-raven/pkg/sentry"
)

const (
	authHeader = "X-Sentry-Auth"
	// maxReportSize caps a request body; larger reports are discarded.
	maxReportSize = 1 << 20
)

// HTTPListener accepts sentry reports POSTed to any path. It also serves
// /metrics and /healthz.
type HTTPListener struct {
	server *http.Server
	deps   Dependencies
	ctx    context.Context
	fatal  chan error
}

// NewHTTPListener serves on address. A nil gatherer disables /metrics.
func NewHTTPListener(address string, gatherer prometheus.Gatherer, deps Dependencies) (*HTTPListener, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	deps.Log = deps.Log.With().Str("component", "http").Logger()
	h := &HTTPListener{deps: deps, ctx: context.Background(), fatal: make(chan error, 1)}

	mux := http.NewServeMux()
	if gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/", h.handleReport)

	h.server = &http.Server{
		Addr:              address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return h, nil
}

// Handler exposes the routes for tests and embedding.
func (h *HTTPListener) Handler() http.Handler {
	return h.server.Handler
}

func (h *HTTPListener) handleReport(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxReportSize))
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		h.deps.Metrics.Rejected.WithLabelValues("http", "too_large").Inc()
		h.deps.Log.Warn().Int64("limit", tooLarge.Limit).Msg("discarding oversized message")
	} else if err != nil {
		h.deps.Log.Warn().Err(err).Msg("reading request body")
	} else if err := h.deps.ingest(h.ctx, "http", func() (*sentry.Message, error) {
		return sentry.CreateFromHTTP(r.Header.Get(authHeader), data)
	}); err != nil {
		h.deps.Log.Error().Err(err).Msg("message lost")
		if h.ctx.Err() == nil {
			select {
			case h.fatal <- err:
			default:
			}
		}
	}
	if h.deps.Debug {
		h.deps.Log.Info().Msgf("%s [%s]", r.RemoteAddr, time.Now().Format("2006-01-02 15:04:05.000000"))
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
}

func (h *HTTPListener) Serve(ctx context.Context) error {
	h.ctx = ctx
	ln, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", h.server.Addr)
	}
	h.deps.Log.Info().Str("address", ln.Addr().String()).Msg("listening")

	served := make(chan error, 1)
	go func() { served <- h.server.Serve(ln) }()

	select {
	case err := <-served:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server")
		}
		return nil
	case err := <-h.fatal:
		h.server.Close()
		<-served
		return err
	case <-ctx.Done():
		h.server.Close()
		<-served
		return nil
	}
}

func (h *HTTPListener) Shutdown(ctx context.Context) error {
	return h.server.Shutdown(ctx)
}
