/*
 * Copyright 2026 The Pakfire Build Service Authors
 * See LICENSE file for licensing details.
 */

package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const repoColumns = `
	id, distro_id, name, type, parent_id, score_needed, time_min, time_max,
	enabled_for_builds`

// CreateRepository inserts a promotion stage for a distribution.
// Returns ErrExist if (distro, name) is already taken.
func (d *Database) CreateRepository(ctx context.Context, repo *Repository) error {
	row := d.conn.QueryRow(ctx, `
		INSERT INTO repositories (
			distro_id, name, type, parent_id, score_needed, time_min, time_max,
			enabled_for_builds
		) VALUES (
			@distro_id, @name, @type, @parent_id, @score_needed, @time_min, @time_max,
			@enabled_for_builds
		)
		ON CONFLICT (distro_id, name) DO NOTHING
		RETURNING id`,
		pgx.NamedArgs{
			"distro_id":          repo.DistroID,
			"name":               repo.Name,
			"type":               repo.Type,
			"parent_id":          repo.ParentID,
			"score_needed":       repo.ScoreNeeded,
			"time_min":           repo.TimeMin,
			"time_max":           repo.TimeMax,
			"enabled_for_builds": repo.EnabledForBuilds,
		})
	if err := row.Scan(&repo.ID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrExist
		}
		return fmt.Errorf("failed to insert repository: %w", err)
	}
	return nil
}

// GetRepository returns a repository by id.
func (d *Database) GetRepository(ctx context.Context, id int64) (*Repository, error) {
	return d.getRepository(ctx, "id = $1", id)
}

// GetRepositoryByName returns a repository by (distro, name).
func (d *Database) GetRepositoryByName(ctx context.Context, distroID int64, name string) (*Repository, error) {
	return d.getRepository(ctx, "distro_id = $1 AND name = $2", distroID, name)
}

// FirstRepository returns the most-unstable repository of a distribution,
// the head of the promotion chain.
func (d *Database) FirstRepository(ctx context.Context, distroID int64) (*Repository, error) {
	return d.getRepository(ctx, "distro_id = $1 AND parent_id IS NULL AND enabled_for_builds", distroID)
}

// NextRepository returns the repository a build in repoID would be promoted
// into, or ErrNotExist at the end of the chain.
func (d *Database) NextRepository(ctx context.Context, repoID int64) (*Repository, error) {
	return d.getRepository(ctx, "parent_id = $1", repoID)
}

func (d *Database) getRepository(ctx context.Context, where string, args ...any) (*Repository, error) {
	rows, err := d.conn.Query(ctx, "SELECT "+repoColumns+" FROM repositories WHERE "+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get repository: %w", err)
	}
	repo, err := pgx.CollectExactlyOneRow(rows, pgx.RowToAddrOfStructByName[Repository])
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotExist
		}
		return nil, fmt.Errorf("failed to get repository: %w", err)
	}
	return repo, nil
}

// GetBuildRepository returns the membership row of a build, or ErrNotExist
// if the build is not in any repository.
func (d *Database) GetBuildRepository(ctx context.Context, buildID int64) (*RepositoryEntry, error) {
	rows, err := d.conn.Query(ctx, `
		SELECT repo_id, build_id, added_at
		FROM repositories_builds
		WHERE build_id = $1`, buildID)
	if err != nil {
		return nil, fmt.Errorf("failed to get build repository: %w", err)
	}
	entry, err := pgx.CollectExactlyOneRow(rows, pgx.RowToAddrOfStructByName[RepositoryEntry])
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotExist
		}
		return nil, fmt.Errorf("failed to get build repository: %w", err)
	}
	return entry, nil
}

// AddBuildToRepository makes a build a member of a repository and logs it.
// Idempotent: adding a build to a repository it is already in does nothing
// and writes no history. A build already in a different repository is left
// alone; use MoveBuild for that.
func (d *Database) AddBuildToRepository(ctx context.Context, buildID, repoID int64, user *string) error {
	return d.WithTx(ctx, func(tx *Database) error {
		tag, err := tx.conn.Exec(ctx, `
			INSERT INTO repositories_builds (repo_id, build_id)
			VALUES ($1, $2)
			ON CONFLICT (build_id) DO NOTHING`, repoID, buildID)
		if err != nil {
			return fmt.Errorf("failed to add build to repository: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		return tx.logRepoHistory(ctx, buildID, RepoActionAdded, nil, &repoID, user)
	})
}

// RemoveBuildFromRepository removes a build from whatever repository it is
// in and logs it. Idempotent: removing a build that is not a member is a
// no-op and writes no history.
func (d *Database) RemoveBuildFromRepository(ctx context.Context, buildID int64, user *string) error {
	return d.WithTx(ctx, func(tx *Database) error {
		var repoID int64
		row := tx.conn.QueryRow(ctx, `
			DELETE FROM repositories_builds
			WHERE build_id = $1
			RETURNING repo_id`, buildID)
		if err := row.Scan(&repoID); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("failed to remove build from repository: %w", err)
		}
		return tx.logRepoHistory(ctx, buildID, RepoActionRemoved, &repoID, nil, user)
	})
}

// MoveBuild moves a build from its current repository into toRepo and logs
// it. Returns ErrNotExist if the build is not in any repository.
func (d *Database) MoveBuild(ctx context.Context, buildID, toRepo int64, user *string) error {
	return d.WithTx(ctx, func(tx *Database) error {
		var fromRepo int64
		row := tx.conn.QueryRow(ctx, `
			UPDATE repositories_builds AS rb
			SET repo_id = $2, added_at = now()
			FROM (SELECT repo_id FROM repositories_builds WHERE build_id = $1) AS old
			WHERE rb.build_id = $1
			RETURNING old.repo_id`, buildID, toRepo)
		if err := row.Scan(&fromRepo); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotExist
			}
			return fmt.Errorf("failed to move build: %w", err)
		}
		return tx.logRepoHistory(ctx, buildID, RepoActionMoved, &fromRepo, &toRepo, user)
	})
}

func (d *Database) logRepoHistory(ctx context.Context, buildID int64, action RepoAction, fromRepo, toRepo *int64, user *string) error {
	_, err := d.conn.Exec(ctx, `
		INSERT INTO repositories_history (build_id, action, from_repo, to_repo, user_name)
		VALUES (@build_id, @action, @from_repo, @to_repo, @user_name)`,
		pgx.NamedArgs{
			"build_id":  buildID,
			"action":    action,
			"from_repo": fromRepo,
			"to_repo":   toRepo,
			"user_name": user,
		})
	if err != nil {
		return fmt.Errorf("failed to append repository history: %w", err)
	}
	return nil
}

// RepositoryHistory returns the membership audit trail of a build, oldest
// first.
func (d *Database) RepositoryHistory(ctx context.Context, buildID int64) ([]RepositoryHistoryEntry, error) {
	rows, err := d.conn.Query(ctx, `
		SELECT id, build_id, action, from_repo, to_repo, user_name, created_at
		FROM repositories_history
		WHERE build_id = $1
		ORDER BY id`, buildID)
	if err != nil {
		return nil, fmt.Errorf("failed to get repository history: %w", err)
	}
	entries, err := pgx.CollectRows(rows, pgx.RowToStructByName[RepositoryHistoryEntry])
	if err != nil {
		return nil, fmt.Errorf("failed to get repository history: %w", err)
	}
	return entries, nil
}

// ListPromotionCandidates returns membership rows of release builds that
// have a next repository in their chain. The promotion sweep evaluates the
// score and dwell-time gates on each candidate.
func (d *Database) ListPromotionCandidates(ctx context.Context) ([]RepositoryEntry, error) {
	rows, err := d.conn.Query(ctx, `
		SELECT rb.repo_id, rb.build_id, rb.added_at
		FROM repositories_builds AS rb
		JOIN repositories AS next ON next.parent_id = rb.repo_id
		JOIN builds AS b ON b.id = rb.build_id
		WHERE b.type = 'release'
		  AND b.state NOT IN ('obsolete', 'broken')
		ORDER BY rb.added_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list promotion candidates: %w", err)
	}
	entries, err := pgx.CollectRows(rows, pgx.RowToStructByName[RepositoryEntry])
	if err != nil {
		return nil, fmt.Errorf("failed to list promotion candidates: %w", err)
	}
	return entries, nil
}
