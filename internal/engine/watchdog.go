/*
 * Copyright 2026 The Pakfire Build Service Authors
 * See LICENSE file for licensing details.
 */

package engine

import (
	"context"
	"time"

	"github.com/ipfire/pbs/internal/database"
)

// WatchdogSweep detects stuck and retry-eligible jobs and forces them
// through the normal state machine, so history, cascades and notifications
// still fire. Individual failures are logged and do not stop the sweep.
func (e *Engine) WatchdogSweep(ctx context.Context) error {
	now := time.Now()

	// A job stuck in dispatching never reached its builder, or the builder
	// crashed before reporting.
	e.failStuckJobs(ctx,
		[]database.JobState{database.JobStateDispatching},
		now.Add(-e.policy.DispatchTimeout),
		"builder did not pick up the job in time")

	// Runaway builds.
	e.failStuckJobs(ctx,
		[]database.JobState{database.JobStateRunning, database.JobStateUploading},
		now.Add(-e.policy.MaxRuntime),
		"job exceeded the maximum runtime")

	e.recheckDependencyErrors(ctx, now)
	e.retryFailedJobs(ctx, now)
	return ctx.Err()
}

// ResolveNewJobs runs the first dependency resolution for jobs that were
// created with build requirements. Jobs whose dependencies resolve move to
// pending; the rest are parked in dependency_error for the recheck sweep.
func (e *Engine) ResolveNewJobs(ctx context.Context) error {
	jobs, err := e.db.ListJobs(ctx, database.JobFilter{
		States: []database.JobState{database.JobStateNew},
	})
	if err != nil {
		logger.ErrorContext(ctx, "failed to list new jobs", "error", err)
		return err
	}
	for i := range jobs {
		job := &jobs[i]
		if err := e.Resolvdep(ctx, job); err != nil {
			logger.ErrorContext(ctx, "dependency resolution failed", "job", job.UUID, "error", err)
		}
	}
	return ctx.Err()
}

func (e *Engine) failStuckJobs(ctx context.Context, states []database.JobState, startedBefore time.Time, message string) {
	jobs, err := e.db.ListJobs(ctx, database.JobFilter{
		States:        states,
		StartedBefore: startedBefore,
	})
	if err != nil {
		logger.ErrorContext(ctx, "watchdog failed to list stuck jobs", "error", err)
		return
	}
	for i := range jobs {
		job := &jobs[i]
		logger.WarnContext(ctx, "watchdog failing stuck job",
			"job", job.UUID, "state", job.State, "started_at", job.StartedAt)
		if err := e.SetJobState(ctx, job, database.JobStateFailed, message); err != nil {
			logger.ErrorContext(ctx, "watchdog failed to fail job", "job", job.UUID, "error", err)
		}
	}
}

// recheckDependencyErrors re-runs the solver for jobs that have been parked
// in dependency_error long enough. The cycle repeats until resolution
// succeeds or an administrator steps in.
func (e *Engine) recheckDependencyErrors(ctx context.Context, now time.Time) {
	jobs, err := e.db.ListJobs(ctx, database.JobFilter{
		States:         []database.JobState{database.JobStateDependencyError},
		FinishedBefore: now.Add(-e.policy.DependencyRecheck),
	})
	if err != nil {
		logger.ErrorContext(ctx, "watchdog failed to list dependency errors", "error", err)
		return
	}
	for i := range jobs {
		job := &jobs[i]
		if err := e.Resolvdep(ctx, job); err != nil {
			logger.ErrorContext(ctx, "watchdog dependency recheck failed", "job", job.UUID, "error", err)
		}
	}
}

// retryFailedJobs requeues failed jobs after the cooldown, as long as they
// have tries left. Beyond max tries a job stays failed for a human to look
// at.
func (e *Engine) retryFailedJobs(ctx context.Context, now time.Time) {
	jobs, err := e.db.ListJobs(ctx, database.JobFilter{
		States:         []database.JobState{database.JobStateFailed},
		FinishedBefore: now.Add(-e.policy.FailedCooldown),
		MaxTries:       e.policy.MaxTries,
	})
	if err != nil {
		logger.ErrorContext(ctx, "watchdog failed to list failed jobs", "error", err)
		return
	}
	for i := range jobs {
		job := &jobs[i]
		logger.InfoContext(ctx, "watchdog retrying failed job", "job", job.UUID, "tries", job.Tries)
		if err := e.SetJobState(ctx, job, database.JobStatePending, ""); err != nil {
			logger.ErrorContext(ctx, "watchdog failed to retry job", "job", job.UUID, "error", err)
		}
	}
}
