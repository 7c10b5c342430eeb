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

	"github.com/ipfire/pbs/internal/database"
	"github.com/ipfire/pbs/internal/notify"
)

// CanMoveForward decides whether a build may advance to the next repository
// in its distribution's chain. False when the build is not in a repository
// or the chain ends. Otherwise the build moves when its review score
// reaches the next repository's threshold, or when it has served the
// minimum dwell time (a repository without one lets builds through), or
// unconditionally once forced out by the maximum dwell time.
func (e *Engine) CanMoveForward(ctx context.Context, build *database.Build) (bool, error) {
	entry, err := e.db.GetBuildRepository(ctx, build.ID)
	if err != nil {
		if errors.Is(err, database.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	next, err := e.db.NextRepository(ctx, entry.RepoID)
	if err != nil {
		if errors.Is(err, database.ErrNotExist) {
			return false, nil
		}
		return false, err
	}

	if build.Score >= next.ScoreNeeded {
		return true, nil
	}

	dwell := time.Since(entry.AddedAt)
	if next.TimeMax > 0 && dwell >= time.Duration(next.TimeMax)*time.Second {
		return true, nil
	}
	if next.TimeMin == 0 {
		return true, nil
	}
	return dwell >= time.Duration(next.TimeMin)*time.Second, nil
}

// PromoteBuild moves a build one step forward in its chain and recomputes
// its state (a build arriving in a stable repository becomes stable). The
// acting user is recorded in history; nil means an automatic move.
func (e *Engine) PromoteBuild(ctx context.Context, build *database.Build, user *string) error {
	entry, err := e.db.GetBuildRepository(ctx, build.ID)
	if err != nil {
		return fmt.Errorf("build %s is not in a repository: %w", build.UUID, err)
	}
	next, err := e.db.NextRepository(ctx, entry.RepoID)
	if err != nil {
		return fmt.Errorf("build %s has no next repository: %w", build.UUID, err)
	}

	var notes []notify.Notification
	err = e.db.WithTx(ctx, func(tx *database.Database) error {
		if err := tx.MoveBuild(ctx, build.ID, next.ID, user); err != nil {
			return err
		}
		return e.autoUpdateBuildState(ctx, tx, build, &notes)
	})
	if err != nil {
		return err
	}

	notes = append(notes, repoMoveNotification(build, &entry.RepoID, &next.ID))
	e.send(ctx, notes)
	return nil
}

// PromotionSweep advances every release build whose gates are open.
func (e *Engine) PromotionSweep(ctx context.Context) error {
	candidates, err := e.db.ListPromotionCandidates(ctx)
	if err != nil {
		return err
	}
	for _, entry := range candidates {
		build, err := e.db.GetBuild(ctx, entry.BuildID)
		if err != nil {
			logger.ErrorContext(ctx, "promotion sweep failed to load build", "build_id", entry.BuildID, "error", err)
			continue
		}
		ok, err := e.CanMoveForward(ctx, build)
		if err != nil {
			logger.ErrorContext(ctx, "promotion gate check failed", "build", build.UUID, "error", err)
			continue
		}
		if !ok {
			continue
		}
		logger.InfoContext(ctx, "promoting build", "build", build.UUID, "pkg", build.PkgName)
		if err := e.PromoteBuild(ctx, build, nil); err != nil {
			logger.ErrorContext(ctx, "promotion failed", "build", build.UUID, "error", err)
		}
	}
	return ctx.Err()
}

// PushBuild places a build into a repository by moderator action. A build
// already in a repository is moved; one outside any repository is added.
func (e *Engine) PushBuild(ctx context.Context, build *database.Build, repo *database.Repository, user string) error {
	var notes []notify.Notification
	err := e.db.WithTx(ctx, func(tx *database.Database) error {
		entry, err := tx.GetBuildRepository(ctx, build.ID)
		switch {
		case err == nil:
			if entry.RepoID == repo.ID {
				return nil
			}
			if err := tx.MoveBuild(ctx, build.ID, repo.ID, &user); err != nil {
				return err
			}
		case errors.Is(err, database.ErrNotExist):
			if err := tx.AddBuildToRepository(ctx, build.ID, repo.ID, &user); err != nil {
				return err
			}
		default:
			return err
		}
		return e.autoUpdateBuildState(ctx, tx, build, &notes)
	})
	if err != nil {
		return err
	}
	notes = append(notes, repoMoveNotification(build, nil, &repo.ID))
	e.send(ctx, notes)
	return nil
}

// UnpushBuild removes a build from its repository by moderator action.
// A no-op when the build is not in one. The build state is recomputed in
// the same transaction; a build pulled out of a stable repository is no
// longer stable.
func (e *Engine) UnpushBuild(ctx context.Context, build *database.Build, user string) error {
	var notes []notify.Notification
	err := e.db.WithTx(ctx, func(tx *database.Database) error {
		if err := tx.RemoveBuildFromRepository(ctx, build.ID, &user); err != nil {
			return err
		}
		return e.autoUpdateBuildState(ctx, tx, build, &notes)
	})
	if err != nil {
		return err
	}
	e.send(ctx, notes)
	return nil
}

func repoMoveNotification(build *database.Build, from, to *int64) notify.Notification {
	ctx := map[string]any{
		"build": build.UUID.String(),
		"pkg":   build.PkgName,
	}
	if from != nil {
		ctx["from_repo"] = *from
	}
	if to != nil {
		ctx["to_repo"] = *to
	}
	return notify.Notification{
		Recipients: buildRecipients(build),
		Subject:    fmt.Sprintf("[%s] %s moved", build.PkgName, build.PkgEVR),
		Template:   "repo-move",
		Context:    ctx,
	}
}

func buildRecipients(build *database.Build) []string {
	if build.Owner != nil {
		return []string{*build.Owner}
	}
	return nil
}
