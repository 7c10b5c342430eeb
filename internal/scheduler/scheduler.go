/*
 * Copyright 2026 The Pakfire Build Service Authors
 * See LICENSE file for licensing details.
 */

// Package scheduler runs the periodic maintenance work of the build
// service: watchdog sweeps, dependency rechecks, repository promotion.
package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"time"

	"github.com/ipfire/pbs/internal/telemetry"
)

var logger = telemetry.NewLogger("github.com/ipfire/pbs/internal/scheduler")

// Event is one periodic task. Events with an interval of zero are
// rescheduled immediately after each run; a negative interval makes the
// event one-shot.
type Event struct {
	Name     string
	Interval time.Duration

	// Priority orders events that are due at the same time. Lower
	// runs first.
	Priority int

	// Timeout bounds one run of the event. Zero means no bound beyond
	// the scheduler's context.
	Timeout time.Duration

	Run func(ctx context.Context) error
}

type scheduledEvent struct {
	event Event
	due   time.Time
	index int
}

// eventHeap keeps the earliest due time on top so the loop knows how long
// to sleep. Which due event actually runs next is decided by popDue.
type eventHeap []*scheduledEvent

func (h eventHeap) Len() int { return len(h) }

func (h eventHeap) Less(i, j int) bool {
	if !h[i].due.Equal(h[j].due) {
		return h[i].due.Before(h[j].due)
	}
	return h[i].event.Priority < h[j].event.Priority
}

func (h eventHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *eventHeap) Push(x any) {
	se := x.(*scheduledEvent)
	se.index = len(*h)
	*h = append(*h, se)
}

func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	se := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return se
}

// Scheduler runs events on their intervals, one at a time. A panicking
// event is logged and rescheduled; it never takes the loop down.
type Scheduler struct {
	events eventHeap
}

func New() *Scheduler {
	return &Scheduler{}
}

// Add schedules an event to run for the first time after its interval.
// Add must not be called after Start.
func (s *Scheduler) Add(event Event) {
	s.AddAt(event, time.Now().Add(max(event.Interval, 0)))
}

// AddAt schedules an event for a specific first run.
func (s *Scheduler) AddAt(event Event, due time.Time) {
	heap.Push(&s.events, &scheduledEvent{event: event, due: due})
}

// Start runs the scheduler loop until the context is cancelled or the last
// one-shot event is done.
func (s *Scheduler) Start(ctx context.Context) error {
	logger.InfoContext(ctx, "starting scheduler", "events", s.events.Len())

	timer := time.NewTimer(0)
	defer timer.Stop()

	for s.events.Len() > 0 {
		next := s.events[0]
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(time.Until(next.due))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		se := s.popDue(time.Now())
		s.run(ctx, se.event)

		if se.event.Interval >= 0 {
			se.due = time.Now().Add(se.event.Interval)
			heap.Push(&s.events, se)
		}
	}
	return nil
}

// popDue removes and returns the event to run next: among all events
// already due, the one with the lowest priority value, earlier due time
// breaking ties. Falls back to the heap top, which the timer just fired
// for.
func (s *Scheduler) popDue(now time.Time) *scheduledEvent {
	best := 0
	for i := 1; i < len(s.events); i++ {
		candidate := s.events[i]
		if candidate.due.After(now) {
			continue
		}
		chosen := s.events[best]
		if candidate.event.Priority < chosen.event.Priority ||
			(candidate.event.Priority == chosen.event.Priority && candidate.due.Before(chosen.due)) {
			best = i
		}
	}
	return heap.Remove(&s.events, best).(*scheduledEvent)
}

// run executes one event, bounded by its timeout and insulated against
// panics.
func (s *Scheduler) run(ctx context.Context, event Event) {
	runCtx := ctx
	if event.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, event.Timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			logger.ErrorContext(ctx, "scheduler event panicked", "event", event.Name, "panic", fmt.Sprintf("%v", r))
		}
	}()

	start := time.Now()
	err := event.Run(runCtx)
	elapsed := time.Since(start)

	if err != nil && ctx.Err() == nil {
		logger.ErrorContext(ctx, "scheduler event failed", "event", event.Name, "elapsed", elapsed, "error", err)
		return
	}
	logger.DebugContext(ctx, "scheduler event done", "event", event.Name, "elapsed", elapsed)
}
