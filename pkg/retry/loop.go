// Package retry implements the bounded exponential backoff used for store deliveries.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Settings configures a Loop.
type Settings struct {
	InitialDelay time.Duration
	BackOff      float64
	MaxElapsed   time.Duration
}

// Loop tracks one delivery's retry state: elapsed time since the first attempt,
// the current delay and the distinct failures recorded since the last sleep.
//
//	loop := retry.NewLoop(settings, clock)
//	for {
//		err := attempt()
//		if err == nil { return nil }
//		loop.RecordFailure(err)
//		delay, ok := loop.NextDelay()
//		if !ok { return loop.Err() }
//		sleep(delay)
//	}
type Loop struct {
	backOff  *backoff.ExponentialBackOff
	clock    backoff.Clock
	start    time.Time
	ceiling  time.Duration
	failures []error
	kinds    map[string]struct{}
	last     error
}

// NewLoop starts a loop. A nil clock uses the system clock.
func NewLoop(settings Settings, clock backoff.Clock) *Loop {
	if clock == nil {
		clock = backoff.SystemClock
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     settings.InitialDelay,
		RandomizationFactor: 0,
		Multiplier:          settings.BackOff,
		MaxInterval:         maxInterval(settings),
		MaxElapsedTime:      settings.MaxElapsed,
		Stop:                backoff.Stop,
		Clock:               clock,
	}
	b.Reset()
	return &Loop{
		backOff: b,
		clock:   clock,
		start:   clock.Now(),
		ceiling: settings.MaxElapsed,
		kinds:   make(map[string]struct{}),
	}
}

func maxInterval(settings Settings) time.Duration {
	if settings.MaxElapsed > settings.InitialDelay {
		return settings.MaxElapsed
	}
	return settings.InitialDelay
}

// RecordFailure notes a failed attempt. Repeated failures of one kind between
// two sleeps are recorded once.
func (l *Loop) RecordFailure(err error) {
	l.last = err
	kind := fmt.Sprintf("%T: %v", err, err)
	if _, seen := l.kinds[kind]; seen {
		return
	}
	l.kinds[kind] = struct{}{}
	l.failures = append(l.failures, err)
}

// Failures returns the distinct failures recorded since the last sleep.
func (l *Loop) Failures() []error {
	return l.failures
}

// Elapsed is the time since the loop started.
func (l *Loop) Elapsed() time.Duration {
	return l.clock.Now().Sub(l.start)
}

// Expired reports whether the elapsed time passed the ceiling.
func (l *Loop) Expired() bool {
	return l.Elapsed() > l.ceiling
}

// NextDelay returns how long to sleep before the next attempt and clears the
// recorded failures. It returns false once the ceiling is reached; Err then
// holds the error to surface.
func (l *Loop) NextDelay() (time.Duration, bool) {
	if l.Expired() {
		return 0, false
	}
	delay := l.backOff.NextBackOff()
	if delay == backoff.Stop {
		return 0, false
	}
	l.failures = nil
	l.kinds = make(map[string]struct{})
	return delay, true
}

// Err is the last recorded failure.
func (l *Loop) Err() error {
	return l.last
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
