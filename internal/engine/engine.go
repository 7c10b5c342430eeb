/*
 * Copyright 2026 The Pakfire Build Service Authors
 * See LICENSE file for licensing details.
 */

// Package engine holds the build and job state machines and the policies
// built on top of them: dependency resolution, the watchdog sweeps and the
// repository promotion pipeline.
//
// The state machines are the only place allowed to mutate state. Everything
// else (dispatch protocol, watchdog, promotion) goes through them so that
// history logging, cascades and invariant checks are never bypassed.
// Cascades run inside one transaction; notifications are handed to the sink
// only after the transaction committed, and a delivery failure is logged,
// never propagated.
package engine

import (
	"fmt"
	"time"

	"github.com/ipfire/pbs/internal/database"
	"github.com/ipfire/pbs/internal/notify"
	"github.com/ipfire/pbs/internal/resolver"
	"github.com/ipfire/pbs/internal/telemetry"
)

// RetryPolicy holds the operational timing constants of the watchdog and
// retry machinery. The zero value is not usable; start from DefaultPolicy.
type RetryPolicy struct {
	// MaxTries bounds automatic retries of a failed job. Beyond it the job
	// stays failed until a human intervenes.
	MaxTries int

	// DispatchTimeout fails a job stuck in dispatching; the builder likely
	// crashed before starting.
	DispatchTimeout time.Duration

	// MaxRuntime fails a runaway job stuck in running or uploading.
	MaxRuntime time.Duration

	// DependencyRecheck is how long a job parks in dependency_error before
	// another resolution attempt.
	DependencyRecheck time.Duration

	// FailedCooldown is how long a failed job rests before an automatic
	// retry.
	FailedCooldown time.Duration

	// OnlineThreshold is the keepalive age beyond which a builder counts as
	// offline. Derived state only; nothing is written.
	OnlineThreshold time.Duration

	// InfoRefreshAfter is the age of the last full capability push after
	// which a keepalive response asks the builder to send a new one.
	InfoRefreshAfter time.Duration
}

// DefaultPolicy returns the stock policy.
func DefaultPolicy() RetryPolicy {
	return RetryPolicy{
		MaxTries:          9,
		DispatchTimeout:   15 * time.Minute,
		MaxRuntime:        24 * time.Hour,
		DependencyRecheck: 5 * time.Minute,
		FailedCooldown:    72 * time.Hour,
		OnlineThreshold:   5 * time.Minute,
		InfoRefreshAfter:  24 * time.Hour,
	}
}

// TransitionError is returned for a state change the state machine does not
// allow. It indicates a caller bug or a stale read, never a transient
// condition.
type TransitionError struct {
	From database.JobState
	To   database.JobState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid job transition %s -> %s", e.From, e.To)
}

// InvariantError is a fatal consistency violation; the operation must be
// aborted rather than persist inconsistent state.
type InvariantError struct {
	Reason string
}

func (e *InvariantError) Error() string {
	return e.Reason
}

var logger = telemetry.NewLogger("github.com/ipfire/pbs/internal/engine")

// Engine wires the state machines to their collaborators. All handles are
// explicit; there is no global state.
type Engine struct {
	db       *database.Database
	resolver resolver.Resolver
	notifier notify.Notifier
	policy   RetryPolicy
}

// New creates an Engine. A nil resolver resolves everything; a nil notifier
// discards notifications.
func New(db *database.Database, res resolver.Resolver, notifier notify.Notifier, policy RetryPolicy) *Engine {
	if res == nil {
		res = resolver.Always{}
	}
	if notifier == nil {
		notifier = notify.Discard{}
	}
	return &Engine{db: db, resolver: res, notifier: notifier, policy: policy}
}

// Policy returns the engine's retry policy.
func (e *Engine) Policy() RetryPolicy {
	return e.policy
}

// DB exposes the underlying store for read-only consumers (dispatch
// listings, metrics). Mutations go through the engine.
func (e *Engine) DB() *database.Database {
	return e.db
}
