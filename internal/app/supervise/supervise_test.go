package supervise

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRestartsOnRuntimeError(t *testing.T) {
	var calls int32
	var restarts int32
	err := Run(context.Background(), "flaky", func(ctx context.Context) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return errors.New("boom")
		}
		return nil
	}, WithRestartDelay(time.Millisecond), OnRestart(func(string, error) { atomic.AddInt32(&restarts, 1) }))

	require.NoError(t, err)
	assert.EqualValues(t, 3, calls)
	assert.EqualValues(t, 2, restarts)
}

func TestRestartsAfterPanic(t *testing.T) {
	var calls int32
	err := Run(context.Background(), "panicky", func(ctx context.Context) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			panic("oops")
		}
		return nil
	}, WithRestartDelay(time.Millisecond))

	require.NoError(t, err)
	assert.EqualValues(t, 2, calls)
}

func TestPermanentErrorStops(t *testing.T) {
	var calls int32
	cause := errors.New("bad setup")
	err := Run(context.Background(), "broken", func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return Permanent(cause)
	}, WithRestartDelay(time.Millisecond))

	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, cause)
	assert.EqualValues(t, 1, calls)
	assert.Nil(t, Permanent(nil))
}

func TestCancelStopsRestarts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, "forever", func(ctx context.Context) error {
			return errors.New("again")
		}, WithRestartDelay(time.Hour))
	}()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestPanicIsReportedAsRestart(t *testing.T) {
	var got atomic.Value
	err := Run(context.Background(), "panicky", func(ctx context.Context) error {
		if got.Load() == nil {
			panic("oops")
		}
		return nil
	}, WithRestartDelay(time.Millisecond), OnRestart(func(name string, err error) {
		assert.Equal(t, "panicky", name)
		got.Store(err)
	}))

	require.NoError(t, err)
	assert.ErrorContains(t, got.Load().(error), "oops")
}
