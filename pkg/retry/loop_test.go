package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) sleep(d time.Duration) { c.now = c.now.Add(d) }

func runAlwaysFailing(t *testing.T, settings Settings, attempts int) ([]time.Duration, error) {
	t.Helper()
	clock := &fakeClock{now: time.Unix(0, 0)}
	loop := NewLoop(settings, clock)

	var sleeps []time.Duration
	for i := 0; i < attempts; i++ {
		loop.RecordFailure(errors.New("connection refused"))
		delay, ok := loop.NextDelay()
		if !ok {
			return sleeps, loop.Err()
		}
		sleeps = append(sleeps, delay)
		clock.sleep(delay)
	}
	return sleeps, nil
}

func TestLoop_BackOff(t *testing.T) {
	sleeps, err := runAlwaysFailing(t, Settings{InitialDelay: time.Second, BackOff: 2, MaxElapsed: 10 * time.Second}, 10)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, sleeps)
	assert.EqualError(t, err, "connection refused")
}

func TestLoop_ConstantDelay(t *testing.T) {
	sleeps, err := runAlwaysFailing(t, Settings{InitialDelay: time.Second, BackOff: 1, MaxElapsed: 10 * time.Second}, 3)
	assert.NoError(t, err)
	assert.Equal(t, []time.Duration{time.Second, time.Second, time.Second}, sleeps)
}

func TestLoop_ZeroCeilingRaises(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	loop := NewLoop(Settings{InitialDelay: 0, BackOff: 1, MaxElapsed: 0}, clock)
	loop.RecordFailure(errors.New("test"))
	clock.sleep(time.Millisecond)

	assert.True(t, loop.Expired())
	_, ok := loop.NextDelay()
	assert.False(t, ok)
	assert.EqualError(t, loop.Err(), "test")
}

func TestLoop_FailuresClearedAfterSleep(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	loop := NewLoop(Settings{InitialDelay: time.Second, BackOff: 1.5, MaxElapsed: time.Minute}, clock)

	loop.RecordFailure(errors.New("a"))
	loop.RecordFailure(errors.New("a"))
	loop.RecordFailure(errors.New("b"))
	assert.Len(t, loop.Failures(), 2)

	delay, ok := loop.NextDelay()
	require.True(t, ok)
	assert.Equal(t, time.Second, delay)
	assert.Empty(t, loop.Failures())

	clock.sleep(delay)
	loop.RecordFailure(errors.New("c"))
	delay, ok = loop.NextDelay()
	require.True(t, ok)
	assert.Equal(t, 1500*time.Millisecond, delay)
	assert.EqualError(t, loop.Err(), "c")
}

func TestSleep(t *testing.T) {
	assert.NoError(t, Sleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
}
