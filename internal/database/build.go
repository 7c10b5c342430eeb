/*
 * Copyright 2026 The Pakfire Build Service Authors
 * See LICENSE file for licensing details.
 */

package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const buildColumns = `
	id, uuid, type, pkg_name, pkg_evr, distro_id, state, priority, public,
	score, owner, depends_on, source_url, source_hash, created_at`

// CreateDistribution inserts a distribution.
// Returns ErrExist if the slug is already taken.
func (d *Database) CreateDistribution(ctx context.Context, distro *Distribution) error {
	row := d.conn.QueryRow(ctx, `
		INSERT INTO distributions (name, slug, arches)
		VALUES (@name, @slug, @arches)
		ON CONFLICT (slug) DO NOTHING
		RETURNING id`,
		pgx.NamedArgs{"name": distro.Name, "slug": distro.Slug, "arches": distro.Arches})
	if err := row.Scan(&distro.ID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrExist
		}
		return fmt.Errorf("failed to insert distribution: %w", err)
	}
	return nil
}

// GetDistribution returns a distribution by id.
func (d *Database) GetDistribution(ctx context.Context, id int64) (*Distribution, error) {
	return d.getDistribution(ctx, "id = $1", id)
}

// GetDistributionBySlug returns a distribution by its unique slug.
func (d *Database) GetDistributionBySlug(ctx context.Context, slug string) (*Distribution, error) {
	return d.getDistribution(ctx, "slug = $1", slug)
}

func (d *Database) getDistribution(ctx context.Context, where string, arg any) (*Distribution, error) {
	rows, err := d.conn.Query(ctx, "SELECT id, name, slug, arches FROM distributions WHERE "+where, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to get distribution: %w", err)
	}
	distro, err := pgx.CollectExactlyOneRow(rows, pgx.RowToAddrOfStructByName[Distribution])
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotExist
		}
		return nil, fmt.Errorf("failed to get distribution: %w", err)
	}
	return distro, nil
}

// CreateBuild inserts a build. UUID must be set by the caller; ID and
// CreatedAt are filled in from the database.
func (d *Database) CreateBuild(ctx context.Context, build *Build) error {
	row := d.conn.QueryRow(ctx, `
		INSERT INTO builds (
			uuid, type, pkg_name, pkg_evr, distro_id, state, priority, public,
			owner, depends_on, source_url, source_hash
		) VALUES (
			@uuid, @type, @pkg_name, @pkg_evr, @distro_id, @state, @priority, @public,
			@owner, @depends_on, @source_url, @source_hash
		)
		ON CONFLICT (uuid) DO NOTHING
		RETURNING id, created_at`,
		pgx.NamedArgs{
			"uuid":        build.UUID,
			"type":        build.Type,
			"pkg_name":    build.PkgName,
			"pkg_evr":     build.PkgEVR,
			"distro_id":   build.DistroID,
			"state":       build.State,
			"priority":    build.Priority,
			"public":      build.Public,
			"owner":       build.Owner,
			"depends_on":  build.DependsOn,
			"source_url":  build.SourceURL,
			"source_hash": build.SourceHash,
		})
	if err := row.Scan(&build.ID, &build.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrExist
		}
		return fmt.Errorf("failed to insert build: %w", err)
	}
	return nil
}

// GetBuild returns a build by id.
func (d *Database) GetBuild(ctx context.Context, id int64) (*Build, error) {
	return d.getBuild(ctx, "id = $1", id)
}

// GetBuildByUUID returns a build by its external identity.
func (d *Database) GetBuildByUUID(ctx context.Context, id uuid.UUID) (*Build, error) {
	return d.getBuild(ctx, "uuid = $1", id)
}

func (d *Database) getBuild(ctx context.Context, where string, arg any) (*Build, error) {
	rows, err := d.conn.Query(ctx, "SELECT "+buildColumns+" FROM builds WHERE "+where, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to get build: %w", err)
	}
	build, err := pgx.CollectExactlyOneRow(rows, pgx.RowToAddrOfStructByName[Build])
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotExist
		}
		return nil, fmt.Errorf("failed to get build: %w", err)
	}
	return build, nil
}

// UpdateBuildState persists a build's state. Callers go through the engine
// state machine, never here directly.
func (d *Database) UpdateBuildState(ctx context.Context, id int64, state BuildState) error {
	tag, err := d.conn.Exec(ctx,
		"UPDATE builds SET state = $1 WHERE id = $2", state, id)
	if err != nil {
		return fmt.Errorf("failed to update build state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotExist
	}
	return nil
}

// ListReleaseBuilds returns all non-obsolete, non-broken release builds of
// the given package name, excluding excludeID. Used to obsolete superseded
// builds when a new release build is created.
func (d *Database) ListReleaseBuilds(ctx context.Context, pkgName string, excludeID int64) ([]Build, error) {
	rows, err := d.conn.Query(ctx, `
		SELECT `+buildColumns+`
		FROM builds
		WHERE type = 'release'
		  AND pkg_name = @pkg_name
		  AND id <> @exclude_id
		  AND state NOT IN ('obsolete', 'broken')
		ORDER BY created_at`,
		pgx.NamedArgs{"pkg_name": pkgName, "exclude_id": excludeID})
	if err != nil {
		return nil, fmt.Errorf("failed to list release builds: %w", err)
	}
	builds, err := pgx.CollectRows(rows, pgx.RowToStructByName[Build])
	if err != nil {
		return nil, fmt.Errorf("failed to list release builds: %w", err)
	}
	return builds, nil
}

// DeleteBuild removes a build. Jobs, artifacts, comments, memberships and
// history rows cascade away with it.
func (d *Database) DeleteBuild(ctx context.Context, id int64) error {
	tag, err := d.conn.Exec(ctx, "DELETE FROM builds WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete build: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotExist
	}
	return nil
}

// AddComment stores a reviewer comment and folds its vote into the build's
// score in the same transaction.
func (d *Database) AddComment(ctx context.Context, comment *Comment) error {
	return d.WithTx(ctx, func(tx *Database) error {
		row := tx.conn.QueryRow(ctx, `
			INSERT INTO builds_comments (build_id, user_name, text, vote)
			VALUES (@build_id, @user_name, @text, @vote)
			RETURNING id, created_at`,
			pgx.NamedArgs{
				"build_id":  comment.BuildID,
				"user_name": comment.User,
				"text":      comment.Text,
				"vote":      comment.Vote,
			})
		if err := row.Scan(&comment.ID, &comment.CreatedAt); err != nil {
			return fmt.Errorf("failed to insert comment: %w", err)
		}
		tag, err := tx.conn.Exec(ctx,
			"UPDATE builds SET score = score + $1 WHERE id = $2", comment.Vote, comment.BuildID)
		if err != nil {
			return fmt.Errorf("failed to update build score: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotExist
		}
		return nil
	})
}

// ListComments returns all comments on a build, oldest first.
func (d *Database) ListComments(ctx context.Context, buildID int64) ([]Comment, error) {
	rows, err := d.conn.Query(ctx, `
		SELECT id, build_id, user_name, text, vote, created_at
		FROM builds_comments
		WHERE build_id = $1
		ORDER BY created_at`, buildID)
	if err != nil {
		return nil, fmt.Errorf("failed to list comments: %w", err)
	}
	comments, err := pgx.CollectRows(rows, pgx.RowToStructByName[Comment])
	if err != nil {
		return nil, fmt.Errorf("failed to list comments: %w", err)
	}
	return comments, nil
}
