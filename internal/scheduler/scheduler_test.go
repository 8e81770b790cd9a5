package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimerRunsImmediately(t *testing.T) {
	var runs atomic.Int32
	timer := NewTimer("test", time.Hour, func(context.Context) error {
		runs.Add(1)
		return nil
	}, zerolog.Nop())

	require.NoError(t, timer.Start(context.Background()))
	assert.Equal(t, int32(1), runs.Load())

	require.NoError(t, timer.Stop(context.Background()))
}

func TestTimerRepeats(t *testing.T) {
	var runs atomic.Int32
	timer := NewTimer("test", time.Second, func(context.Context) error {
		runs.Add(1)
		return errors.New("failures do not stop the timer")
	}, zerolog.Nop())

	require.NoError(t, timer.Start(context.Background()))
	defer timer.Stop(context.Background())

	assert.Eventually(t, func() bool { return runs.Load() >= 3 }, 5*time.Second, 50*time.Millisecond)
}

func TestTimerRecoversPanics(t *testing.T) {
	var runs atomic.Int32
	timer := NewTimer("test", time.Second, func(context.Context) error {
		if runs.Add(1) == 2 {
			panic("boom")
		}
		return nil
	}, zerolog.Nop())

	require.NoError(t, timer.Start(context.Background()))
	defer timer.Stop(context.Background())

	assert.Eventually(t, func() bool { return runs.Load() >= 3 }, 5*time.Second, 50*time.Millisecond)
}

func TestTimerRecoversPanicOnFirstRun(t *testing.T) {
	var runs atomic.Int32
	timer := NewTimer("test", time.Second, func(context.Context) error {
		if runs.Add(1) == 1 {
			panic("boom")
		}
		return nil
	}, zerolog.Nop())

	require.NotPanics(t, func() { require.NoError(t, timer.Start(context.Background())) })
	defer timer.Stop(context.Background())

	assert.Eventually(t, func() bool { return runs.Load() >= 3 }, 5*time.Second, 50*time.Millisecond)
}

func TestTimerStartTwice(t *testing.T) {
	timer := NewTimer("test", time.Hour, func(context.Context) error { return nil }, zerolog.Nop())

	require.NoError(t, timer.Start(context.Background()))
	defer timer.Stop(context.Background())

	assert.Error(t, timer.Start(context.Background()))
}

func TestTimerStopCancelsTaskContext(t *testing.T) {
	var taskCtx context.Context
	timer := NewTimer("test", time.Hour, func(ctx context.Context) error {
		taskCtx = ctx
		return nil
	}, zerolog.Nop())

	require.NoError(t, timer.Start(context.Background()))
	require.NoError(t, timer.Stop(context.Background()))

	assert.ErrorIs(t, taskCtx.Err(), context.Canceled)
}

func TestTimerStopWithoutStart(t *testing.T) {
	timer := NewTimer("test", time.Hour, func(context.Context) error { return nil }, zerolog.Nop())
	assert.NoError(t, timer.Stop(context.Background()))
}

func TestTimerStopWaitsForRunningTask(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var runs atomic.Int32

	timer := NewTimer("test", time.Second, func(context.Context) error {
		if runs.Add(1) == 2 {
			close(started)
			<-release
		}
		return nil
	}, zerolog.Nop())

	require.NoError(t, timer.Start(context.Background()))

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduled run did not start")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.Error(t, timer.Stop(ctx))

	close(release)
}

func TestSchedulerStartsInOrder(t *testing.T) {
	var order []string
	s := New(zerolog.Nop())
	s.Every("lwt", time.Hour, func(context.Context) error {
		order = append(order, "lwt")
		return nil
	})
	s.Every("sensors", time.Hour, func(context.Context) error {
		order = append(order, "sensors")
		return nil
	})

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Stop(context.Background()))

	assert.Equal(t, []string{"lwt", "sensors"}, order)
}
