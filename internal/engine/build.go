/*
 * Copyright 2026 The Pakfire Build Service Authors
 * See LICENSE file for licensing details.
 */

package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/ipfire/pbs/internal/database"
	"github.com/ipfire/pbs/internal/notify"
)

// buildTerminal reports whether the build state machine never leaves this
// state again.
func buildTerminal(state database.BuildState) bool {
	return state == database.BuildStateObsolete || state == database.BuildStateBroken
}

// abortableJobStates are the job states cut short when a build goes broken.
var abortableJobStates = []database.JobState{
	database.JobStateNew,
	database.JobStatePending,
	database.JobStateRunning,
	database.JobStateDependencyError,
}

// UpdateBuildState runs one build state machine transition.
//
// Entering broken forces removal from any repository and aborts every job
// that has not reached a terminal state. Entering testing puts a release
// build that is not in a repository yet into the head of its distribution's
// chain. The acting user is recorded on repository history entries; nil
// means the transition was automatic.
func (e *Engine) UpdateBuildState(ctx context.Context, build *database.Build, state database.BuildState, remove bool, user *string) error {
	var notes []notify.Notification
	err := e.db.WithTx(ctx, func(tx *database.Database) error {
		return e.updateBuildState(ctx, tx, build, state, remove, user, &notes)
	})
	if err != nil {
		return err
	}
	e.send(ctx, notes)
	return nil
}

func (e *Engine) updateBuildState(ctx context.Context, tx *database.Database, build *database.Build, state database.BuildState, remove bool, user *string, notes *[]notify.Notification) error {
	if buildTerminal(build.State) && build.State != state {
		return &InvariantError{Reason: fmt.Sprintf("build %s is %s and cannot become %s", build.UUID, build.State, state)}
	}

	changed := build.State != state
	if changed {
		// Persist the state first so the job-abort cascade below sees the
		// terminal state and does not re-derive an old one.
		build.State = state
		if err := tx.UpdateBuildState(ctx, build.ID, state); err != nil {
			return err
		}
	}

	if state == database.BuildStateBroken {
		remove = true
		if err := e.abortBuildJobs(ctx, tx, build, notes); err != nil {
			return err
		}
	}

	if remove {
		if err := tx.RemoveBuildFromRepository(ctx, build.ID, user); err != nil {
			return err
		}
	}

	if state == database.BuildStateTesting && build.Type == database.BuildTypeRelease {
		if err := e.addToFirstRepository(ctx, tx, build); err != nil {
			return err
		}
	}

	if !changed {
		return nil
	}

	if buildTerminal(state) && build.Owner != nil {
		*notes = append(*notes, notify.Notification{
			Recipients: []string{*build.Owner},
			Subject:    fmt.Sprintf("[%s] %s marked %s", build.PkgName, build.PkgEVR, state),
			Template:   "build-" + string(state),
			Context: map[string]any{
				"build": build.UUID.String(),
				"pkg":   build.PkgName,
				"state": string(state),
			},
		})
	}
	return nil
}

// autoUpdateBuildState recomputes a build's state after a job transition.
// It never overrides broken or obsolete. A build sitting in a stable
// repository is stable; otherwise a build with at least one finished job is
// testing.
func (e *Engine) autoUpdateBuildState(ctx context.Context, tx *database.Database, build *database.Build, notes *[]notify.Notification) error {
	if buildTerminal(build.State) {
		return nil
	}

	entry, err := tx.GetBuildRepository(ctx, build.ID)
	if err == nil {
		repo, err := tx.GetRepository(ctx, entry.RepoID)
		if err != nil {
			return err
		}
		if repo.Type == database.RepoTypeStable {
			return e.updateBuildState(ctx, tx, build, database.BuildStateStable, false, nil, notes)
		}
	} else if !errors.Is(err, database.ErrNotExist) {
		return err
	}

	jobs, err := tx.ListJobs(ctx, database.JobFilter{
		BuildID: build.ID,
		States:  []database.JobState{database.JobStateFinished},
		Limit:   1,
	})
	if err != nil {
		return err
	}
	if len(jobs) > 0 {
		return e.updateBuildState(ctx, tx, build, database.BuildStateTesting, false, nil, notes)
	}
	return nil
}

func (e *Engine) abortBuildJobs(ctx context.Context, tx *database.Database, build *database.Build, notes *[]notify.Notification) error {
	jobs, err := tx.ListJobs(ctx, database.JobFilter{
		BuildID: build.ID,
		States:  abortableJobStates,
	})
	if err != nil {
		return err
	}
	for i := range jobs {
		if err := e.setJobState(ctx, tx, &jobs[i], database.JobStateAborted, "build marked broken", notes); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) addToFirstRepository(ctx context.Context, tx *database.Database, build *database.Build) error {
	_, err := tx.GetBuildRepository(ctx, build.ID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, database.ErrNotExist) {
		return err
	}
	first, err := tx.FirstRepository(ctx, build.DistroID)
	if err != nil {
		if errors.Is(err, database.ErrNotExist) {
			logger.WarnContext(ctx, "distribution has no repository to hold build",
				"build", build.UUID, "distro", build.DistroID)
			return nil
		}
		return err
	}
	return tx.AddBuildToRepository(ctx, build.ID, first.ID, nil)
}

// obsoleteOthers ensures at most one live release build per package name:
// every other non-broken, non-obsolete release build of the same package is
// transitioned to obsolete and removed from its repository.
func (e *Engine) obsoleteOthers(ctx context.Context, tx *database.Database, build *database.Build, notes *[]notify.Notification) error {
	others, err := tx.ListReleaseBuilds(ctx, build.PkgName, build.ID)
	if err != nil {
		return err
	}
	for i := range others {
		if err := e.updateBuildState(ctx, tx, &others[i], database.BuildStateObsolete, true, nil, notes); err != nil {
			return err
		}
	}
	return nil
}

// BreakBuild marks a build broken by moderator action.
func (e *Engine) BreakBuild(ctx context.Context, build *database.Build, user string) error {
	return e.UpdateBuildState(ctx, build, database.BuildStateBroken, true, &user)
}

// ObsoleteBuild marks a build obsolete by moderator action.
func (e *Engine) ObsoleteBuild(ctx context.Context, build *database.Build, user string) error {
	return e.UpdateBuildState(ctx, build, database.BuildStateObsolete, true, &user)
}

// DeleteBuild removes a build and everything hanging off it. Administrative
// use only; normal lifecycles end in obsolete or broken, not deletion.
func (e *Engine) DeleteBuild(ctx context.Context, build *database.Build) error {
	return e.db.DeleteBuild(ctx, build.ID)
}
