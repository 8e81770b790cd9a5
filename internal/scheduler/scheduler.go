// Package scheduler runs tasks at a fixed interval on top of robfig/cron
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"rpimqtt/internal/logging"
)

// Task is the work run on every tick
type Task func(ctx context.Context) error

// Timer runs one task repeatedly. Runs never overlap: a tick arriving while
// the previous run is still busy is skipped. A panicking task is recovered
// and the timer keeps going.
type Timer struct {
	name     string
	interval time.Duration
	task     Task
	logger   zerolog.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// NewTimer creates a stopped timer
func NewTimer(name string, interval time.Duration, task Task, logger zerolog.Logger) *Timer {
	return &Timer{
		name:     name,
		interval: interval,
		task:     task,
		logger:   logger.With().Str("timer", name).Logger(),
	}
}

// Name returns the timer name
func (t *Timer) Name() string {
	return t.name
}

// Start runs the task once, synchronously, then schedules it every interval
func (t *Timer) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.started {
		return fmt.Errorf("timer %s already started", t.name)
	}

	t.ctx, t.cancel = context.WithCancel(ctx)

	cronLogger := logging.CronLogger{Logger: t.logger}
	t.cron = cron.New(
		cron.WithLogger(cronLogger),
		// Recover sits inside SkipIfStillRunning so a panic still frees the run slot
		cron.WithChain(cron.SkipIfStillRunning(cronLogger), cron.Recover(cronLogger)),
	)

	t.run()

	t.cron.Schedule(cron.Every(t.interval), cron.FuncJob(t.run))
	t.cron.Start()
	t.started = true

	t.logger.Info().Dur("interval", t.interval).Msg("Timer started")
	return nil
}

func (t *Timer) run() {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error().Interface("panic", r).Msg("Timer task panicked")
		}
	}()

	if err := t.task(t.ctx); err != nil {
		t.logger.Error().Err(err).Msg("Timer task failed")
	}
}

// Stop cancels the timer and waits for a running task to finish, or for
// ctx to end. Stopping a timer that was never started does nothing.
func (t *Timer) Stop(ctx context.Context) error {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return nil
	}
	t.started = false
	c := t.cron
	cancel := t.cancel
	t.mu.Unlock()

	done := c.Stop()
	cancel()

	select {
	case <-done.Done():
		t.logger.Info().Msg("Timer stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timer %s did not stop: %w", t.name, ctx.Err())
	}
}

// Scheduler owns a set of timers
type Scheduler struct {
	logger zerolog.Logger

	mu     sync.Mutex
	timers []*Timer
}

// New creates an empty scheduler
func New(logger zerolog.Logger) *Scheduler {
	return &Scheduler{logger: logger}
}

// Every registers a task to run at a fixed interval. Timers are started in
// registration order.
func (s *Scheduler) Every(name string, interval time.Duration, task Task) *Timer {
	t := NewTimer(name, interval, task, s.logger)

	s.mu.Lock()
	s.timers = append(s.timers, t)
	s.mu.Unlock()

	return t
}

// Start starts every timer
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	timers := append([]*Timer(nil), s.timers...)
	s.mu.Unlock()

	for _, t := range timers {
		if err := t.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Stop stops every timer. All timers are stopped even if one fails.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	timers := append([]*Timer(nil), s.timers...)
	s.mu.Unlock()

	var errs []error
	for _, t := range timers {
		if err := t.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
