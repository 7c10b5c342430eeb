/*
 * Copyright 2026 The Pakfire Build Service Authors
 * See LICENSE file for licensing details.
 */

package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ipfire/pbs/internal/database"
	"github.com/ipfire/pbs/internal/notify"
	"github.com/ipfire/pbs/internal/resolver"
)

// jobTransitions lists the allowed state changes. A transition into new is
// special-cased: it is an internal requeue, allowed from every state except
// finished and never logged.
var jobTransitions = map[database.JobState][]database.JobState{
	database.JobStateNew:             {database.JobStatePending, database.JobStateDependencyError, database.JobStateAborted},
	database.JobStatePending:         {database.JobStateDispatching, database.JobStateDependencyError, database.JobStateAborted},
	database.JobStateDispatching:     {database.JobStateRunning, database.JobStateUploading, database.JobStateFailed, database.JobStateAborted},
	database.JobStateRunning:         {database.JobStateUploading, database.JobStateFinished, database.JobStateFailed, database.JobStateAborted, database.JobStateDependencyError},
	database.JobStateUploading:       {database.JobStateFinished, database.JobStateFailed, database.JobStateAborted},
	database.JobStateFailed:          {database.JobStatePending},
	database.JobStateDependencyError: {database.JobStatePending, database.JobStateDependencyError, database.JobStateAborted},
}

func transitionAllowed(from, to database.JobState) bool {
	if to == database.JobStateNew {
		return from != database.JobStateFinished
	}
	for _, s := range jobTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// SetJobState runs one job state machine transition with all its side
// effects: timestamps, the tries counter, artifact purging, the history log,
// and the cascade into the owning build. Everything happens in a single
// transaction; notifications go out after it commits.
func (e *Engine) SetJobState(ctx context.Context, job *database.Job, state database.JobState, message string) error {
	var notes []notify.Notification
	err := e.db.WithTx(ctx, func(tx *database.Database) error {
		return e.setJobState(ctx, tx, job, state, message, &notes)
	})
	if err != nil {
		return err
	}
	e.send(ctx, notes)
	return nil
}

func (e *Engine) setJobState(ctx context.Context, tx *database.Database, job *database.Job, state database.JobState, message string, notes *[]notify.Notification) error {
	from := job.State
	if !transitionAllowed(from, state) {
		return &TransitionError{From: from, To: state}
	}

	// The builder that performed the transition, recorded in history even
	// when the transition itself drops the binding.
	actingBuilder := job.BuilderID

	now := time.Now()
	job.State = state
	job.Message = message

	switch state {
	case database.JobStateNew:
		job.BuilderID = nil
		job.StartedAt = nil
		job.FinishedAt = nil

	case database.JobStatePending:
		job.Tries++
		job.BuilderID = nil
		job.StartedAt = nil
		job.FinishedAt = nil
		job.StartNotBefore = nil

	case database.JobStateDispatching, database.JobStateRunning:
		job.StartedAt = &now
		job.FinishedAt = nil

	case database.JobStateUploading:
		// No timestamps; the job is still bound to its builder.

	case database.JobStateFinished, database.JobStateFailed,
		database.JobStateAborted, database.JobStateDependencyError:
		job.FinishedAt = &now
		job.BuilderID = nil
	}

	if state == database.JobStateFailed {
		// Packages uploaded by a failed attempt are not trustworthy.
		if err := tx.DeleteJobPackages(ctx, job.ID); err != nil {
			return err
		}
	}

	// Re-entering new is an internal requeue, not a user-facing event.
	var history *database.JobHistoryEntry
	if state != database.JobStateNew {
		history = &database.JobHistoryEntry{
			State:     state,
			BuilderID: actingBuilder,
			Message:   message,
		}
	}

	// The guarded write loses against a concurrent transition; the caller
	// was holding a stale row and must not overwrite the winner.
	if err := tx.UpdateJob(ctx, job, from, history); err != nil {
		if errors.Is(err, database.ErrNotExist) {
			return &TransitionError{From: from, To: state}
		}
		return err
	}

	// Test jobs never affect build state and never notify end users.
	if job.Type != database.JobTypeBuild {
		return nil
	}

	build, err := tx.GetBuild(ctx, job.BuildID)
	if err != nil {
		return fmt.Errorf("failed to load build for job %s: %w", job.UUID, err)
	}
	if err := e.autoUpdateBuildState(ctx, tx, build, notes); err != nil {
		return err
	}

	if state.Terminal() && build.Owner != nil {
		*notes = append(*notes, notify.Notification{
			Recipients: []string{*build.Owner},
			Subject:    fmt.Sprintf("[%s] %s.%s %s", build.PkgName, build.PkgEVR, job.Arch, state),
			Template:   "job-" + string(state),
			Context: map[string]any{
				"job":     job.UUID.String(),
				"build":   build.UUID.String(),
				"pkg":     build.PkgName,
				"arch":    job.Arch,
				"state":   string(state),
				"message": message,
			},
		})
	}
	return nil
}

// Resolvdep runs the external dependency solver for a job in new or
// dependency_error. Solver success queues the job; a dependency failure
// parks it in dependency_error with the solver's message. Failed jobs are
// never touched here; only the watchdog requeues those, after cooldown.
func (e *Engine) Resolvdep(ctx context.Context, job *database.Job) error {
	switch job.State {
	case database.JobStateNew, database.JobStateDependencyError:
	default:
		return nil
	}

	cfg, build, err := e.resolverConfig(ctx, job)
	if err != nil {
		return err
	}

	err = e.resolver.Resolve(ctx, cfg, build.SourceURL)
	if err == nil {
		return e.SetJobState(ctx, job, database.JobStatePending, "")
	}

	var depErr *resolver.DependencyError
	if errors.As(err, &depErr) {
		return e.SetJobState(ctx, job, database.JobStateDependencyError, depErr.Message)
	}
	return fmt.Errorf("dependency resolution for job %s: %w", job.UUID, err)
}

// resolverConfig builds the repository view the solver resolves against:
// the repository the build currently sits in, or the head of the
// distribution's chain when it is not in one yet.
func (e *Engine) resolverConfig(ctx context.Context, job *database.Job) (resolver.Config, *database.Build, error) {
	build, err := e.db.GetBuild(ctx, job.BuildID)
	if err != nil {
		return resolver.Config{}, nil, fmt.Errorf("failed to load build: %w", err)
	}
	distro, err := e.db.GetDistribution(ctx, build.DistroID)
	if err != nil {
		return resolver.Config{}, nil, fmt.Errorf("failed to load distribution: %w", err)
	}

	var repo *database.Repository
	entry, err := e.db.GetBuildRepository(ctx, build.ID)
	switch {
	case err == nil:
		repo, err = e.db.GetRepository(ctx, entry.RepoID)
	case errors.Is(err, database.ErrNotExist):
		repo, err = e.db.FirstRepository(ctx, distro.ID)
	}
	if err != nil {
		return resolver.Config{}, nil, fmt.Errorf("failed to load repository: %w", err)
	}

	return resolver.Config{
		Distro: distro.Slug,
		Repo:   repo.Name,
		Arch:   job.Arch,
	}, build, nil
}

// ScheduleRebuild requeues a job from scratch. A finished job is left alone.
// The transition to new is internal and unlogged; an optional
// startNotBefore delays the next dispatch.
func (e *Engine) ScheduleRebuild(ctx context.Context, job *database.Job, startNotBefore *time.Time) error {
	if job.State == database.JobStateFinished {
		return nil
	}
	return e.db.WithTx(ctx, func(tx *database.Database) error {
		from := job.State
		job.State = database.JobStateNew
		job.Message = ""
		job.BuilderID = nil
		job.StartedAt = nil
		job.FinishedAt = nil
		job.StartNotBefore = startNotBefore
		if err := tx.UpdateJob(ctx, job, from, nil); err != nil {
			if errors.Is(err, database.ErrNotExist) {
				return &TransitionError{From: from, To: database.JobStateNew}
			}
			return err
		}
		return nil
	})
}

// ScheduleTest spawns a test job for a finished build job, sharing its
// build and architecture. The old job keeps a reference to the new one for
// audit.
func (e *Engine) ScheduleTest(ctx context.Context, job *database.Job, startNotBefore *time.Time) (*database.Job, error) {
	if job.State != database.JobStateFinished {
		return nil, &InvariantError{Reason: "only a finished job can spawn a test"}
	}

	test := &database.Job{
		UUID:           uuid.New(),
		Type:           database.JobTypeTest,
		BuildID:        job.BuildID,
		Arch:           job.Arch,
		State:          database.JobStatePending,
		Tries:          1,
		StartNotBefore: startNotBefore,
	}
	err := e.db.WithTx(ctx, func(tx *database.Database) error {
		if err := tx.CreateJob(ctx, test); err != nil {
			return err
		}
		job.SupersededBy = &test.ID
		return tx.UpdateJob(ctx, job, database.JobStateFinished, nil)
	})
	if err != nil {
		return nil, err
	}
	return test, nil
}

// AbortJob cancels a job. Cancellation is advisory: the builder discovers
// it on its next state report and must stop locally.
func (e *Engine) AbortJob(ctx context.Context, job *database.Job, message string) error {
	return e.SetJobState(ctx, job, database.JobStateAborted, message)
}

func (e *Engine) send(ctx context.Context, notes []notify.Notification) {
	for _, n := range notes {
		if err := e.notifier.Notify(ctx, n); err != nil {
			logger.ErrorContext(ctx, "failed to deliver notification",
				"template", n.Template, "error", err)
		}
	}
}
