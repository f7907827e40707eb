// Package pipeline supervises a listener and a delivery worker sharing a queue.
package pipeline

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/zoff-tech/elasticsearch-raven/pkg/listener"
	"github.com/zoff-tech/elasticsearch-raven/pkg/queue"
)

// Processor consumes the queue until its context is cancelled.
type Processor interface {
	ProcessMessages(ctx context.Context) error
}

// Runner runs the listener and the processor until a stop signal or the
// first error from either of them. Either side may be nil for split
// deployments.
//
// On the first signal the listener stops accepting, in-flight messages are
// enqueued and the queue is drained before the processor is stopped. A
// second signal or DrainTimeout cuts the drain short. Stopping the processor
// cancels its context; the processor lets a store attempt already in flight
// finish before returning.
type Runner struct {
	Listener     listener.Listener
	Processor    Processor
	Queue        queue.Queue
	DrainTimeout time.Duration
	Signals      <-chan os.Signal
	Log          zerolog.Logger
}

func (r *Runner) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	workerCtx, stopWorker := context.WithCancel(gctx)
	defer stopWorker()

	listenerDone := make(chan struct{})
	if r.Listener != nil {
		g.Go(func() error {
			defer close(listenerDone)
			return r.Listener.Serve(gctx)
		})
	} else {
		close(listenerDone)
	}
	if r.Processor != nil {
		g.Go(func() error {
			return r.Processor.ProcessMessages(workerCtx)
		})
	}

	g.Go(func() error {
		select {
		case sig := <-r.Signals:
			r.Log.Info().Str("signal", sig.String()).Msg("shutting down")
		case <-gctx.Done():
			return nil
		}

		abortCtx, abort := context.WithCancel(gctx)
		defer abort()
		go func() {
			select {
			case sig := <-r.Signals:
				r.Log.Warn().Str("signal", sig.String()).Msg("second signal, abandoning queued messages")
				abort()
			case <-abortCtx.Done():
			}
		}()

		if r.Listener != nil {
			if err := r.Listener.Shutdown(abortCtx); err != nil {
				r.Log.Warn().Err(err).Msg("listener shutdown interrupted")
			}
		}
		select {
		case <-listenerDone:
		case <-abortCtx.Done():
		}

		if r.Processor != nil && r.Queue != nil {
			r.drain(abortCtx)
		}
		stopWorker()
		return nil
	})

	return g.Wait()
}

func (r *Runner) drain(ctx context.Context) {
	if r.DrainTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.DrainTimeout)
		defer cancel()
	}
	r.Log.Info().Bool("pending", r.Queue.HasPendingWork()).Msg("draining queue")
	if err := r.Queue.Join(ctx); err != nil {
		r.Log.Warn().Err(err).Msg("queue not drained, unsent messages dropped")
		return
	}
	r.Log.Info().Msg("queue drained")
}
