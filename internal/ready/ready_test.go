package ready

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAwaitImmediateSuccess(t *testing.T) {
	probe := func(context.Context) error { return nil }
	err := Await(context.Background(), "dep", probe, time.Second, 10*time.Millisecond)
	require.NoError(t, err)
}

func TestAwaitRecoversAfterFailures(t *testing.T) {
	attempts := 0
	probe := func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("connection refused")
		}
		return nil
	}
	err := Await(context.Background(), "dep", probe, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

// An unreachable dependency must time out at roughly maxWait: not
// before, and never hang indefinitely.
func TestAwaitTimesOutAgainstUnreachableDependency(t *testing.T) {
	// Port 1 on loopback refuses connections immediately.
	probe := TCPProbe("127.0.0.1:1")

	start := time.Now()
	err := Await(context.Background(), "unreachable", probe, 2*time.Second, 100*time.Millisecond)
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrTimedOut)
	assert.GreaterOrEqual(t, elapsed, 1900*time.Millisecond, "timed out too early")
	assert.Less(t, elapsed, 4*time.Second, "timed out far too late")
}

func TestAwaitHonorsParentCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	probe := func(context.Context) error { return errors.New("nope") }

	done := make(chan error, 1)
	go func() {
		done <- Await(ctx, "dep", probe, time.Minute, 10*time.Millisecond)
	}()
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrTimedOut)
	case <-time.After(time.Second):
		t.Fatal("Await did not return after parent cancellation")
	}
}

func TestBackoffDelayIsCapped(t *testing.T) {
	var gaps []time.Duration
	last := time.Now()
	probe := func(context.Context) error {
		now := time.Now()
		gaps = append(gaps, now.Sub(last))
		last = now
		return errors.New("still down")
	}

	_ = Await(context.Background(), "dep", probe, 400*time.Millisecond, 20*time.Millisecond)

	require.Greater(t, len(gaps), 2)
	for i := 2; i < len(gaps); i++ {
		// Allow generous scheduling slack; the point is boundedness.
		assert.Less(t, gaps[i], maxPollDelay+time.Second)
	}
}
