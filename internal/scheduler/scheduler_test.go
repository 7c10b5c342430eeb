/*
 * Copyright 2026 The Pakfire Build Service Authors
 * See LICENSE file for licensing details.
 *
 * Unit tests for the scheduler.
 */

package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestOneShotEvent(t *testing.T) {
	var runs atomic.Int32

	s := New()
	s.Add(Event{
		Name:     "one-shot",
		Interval: -1,
		Run: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// Start returns nil once the last one-shot event has run.
	err := s.Start(ctx)
	assert.NoError(t, err)
	assert.Equal(t, int32(1), runs.Load())
}

func TestPeriodicEvent(t *testing.T) {
	var runs atomic.Int32

	s := New()
	s.AddAt(Event{
		Name:     "periodic",
		Interval: 10 * time.Millisecond,
		Run: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	}, time.Now())

	ctx, cancel := context.WithTimeout(context.Background(), 105*time.Millisecond)
	defer cancel()

	err := s.Start(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.GreaterOrEqual(t, runs.Load(), int32(3), "event should have run repeatedly")
}

func TestImmediateReschedule(t *testing.T) {
	var runs atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := New()
	s.Add(Event{
		Name:     "busy",
		Interval: 0,
		Run: func(ctx context.Context) error {
			if runs.Add(1) >= 5 {
				cancel()
			}
			return nil
		},
	})

	err := s.Start(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.GreaterOrEqual(t, runs.Load(), int32(5))
}

func TestPriorityBreaksTies(t *testing.T) {
	var order []string
	due := time.Now()

	s := New()
	s.AddAt(Event{
		Name:     "routine",
		Interval: -1,
		Priority: 5,
		Run: func(ctx context.Context) error {
			order = append(order, "routine")
			return nil
		},
	}, due)
	s.AddAt(Event{
		Name:     "urgent",
		Interval: -1,
		Priority: 0,
		Run: func(ctx context.Context) error {
			order = append(order, "urgent")
			return nil
		},
	}, due)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := s.Start(ctx)
	assert.NoError(t, err)
	assert.Equal(t, []string{"urgent", "routine"}, order)
}

func TestPriorityOrdersBacklog(t *testing.T) {
	var order []string
	now := time.Now()

	// Both events are overdue. The lower priority value runs first even
	// though the other one has been due for longer.
	s := New()
	s.AddAt(Event{
		Name:     "late",
		Interval: -1,
		Priority: 9,
		Run: func(ctx context.Context) error {
			order = append(order, "late")
			return nil
		},
	}, now.Add(-20*time.Millisecond))
	s.AddAt(Event{
		Name:     "top",
		Interval: -1,
		Priority: 0,
		Run: func(ctx context.Context) error {
			order = append(order, "top")
			return nil
		},
	}, now.Add(-10*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := s.Start(ctx)
	assert.NoError(t, err)
	assert.Equal(t, []string{"top", "late"}, order)
}

func TestPanickingEventKeepsSchedulerAlive(t *testing.T) {
	var panics, runs atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := New()
	s.AddAt(Event{
		Name:     "panicky",
		Interval: 5 * time.Millisecond,
		Run: func(ctx context.Context) error {
			panics.Add(1)
			panic("boom")
		},
	}, time.Now())
	s.AddAt(Event{
		Name:     "survivor",
		Interval: 5 * time.Millisecond,
		Run: func(ctx context.Context) error {
			if runs.Add(1) >= 3 {
				cancel()
			}
			return nil
		},
	}, time.Now())

	err := s.Start(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.GreaterOrEqual(t, panics.Load(), int32(2), "panicking event should be rescheduled")
	assert.GreaterOrEqual(t, runs.Load(), int32(3))
}

func TestEventTimeout(t *testing.T) {
	var sawDeadline atomic.Bool

	s := New()
	s.Add(Event{
		Name:     "slow",
		Interval: -1,
		Timeout:  10 * time.Millisecond,
		Run: func(ctx context.Context) error {
			select {
			case <-ctx.Done():
				sawDeadline.Store(true)
				return ctx.Err()
			case <-time.After(2 * time.Second):
				return errors.New("should have been cancelled")
			}
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := s.Start(ctx)
	assert.NoError(t, err)
	assert.True(t, sawDeadline.Load(), "event should see its deadline")
}

func TestFailingEventIsRescheduled(t *testing.T) {
	var runs atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := New()
	s.AddAt(Event{
		Name:     "flaky",
		Interval: 5 * time.Millisecond,
		Run: func(ctx context.Context) error {
			if runs.Add(1) >= 3 {
				cancel()
			}
			return errors.New("transient failure")
		},
	}, time.Now())

	err := s.Start(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.GreaterOrEqual(t, runs.Load(), int32(3))
}

func TestRunCommand(t *testing.T) {
	t.Run("shouldReturnStdout", func(t *testing.T) {
		out, err := RunCommand(context.Background(), "sh", "-c", "echo hello")
		assert.NoError(t, err)
		assert.Equal(t, "hello\n", string(out))
	})

	t.Run("shouldIncludeStderrInError", func(t *testing.T) {
		_, err := RunCommand(context.Background(), "sh", "-c", "echo broken >&2; exit 1")
		assert.ErrorContains(t, err, "broken")
	})

	t.Run("shouldStopOnContextCancel", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		_, err := RunCommand(ctx, "sleep", "10")
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}
