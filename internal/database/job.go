/*
 * Copyright 2026 The Pakfire Build Service Authors
 * See LICENSE file for licensing details.
 */

package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const jobColumns = `
	id, uuid, type, build_id, arch, state, builder_id, tries, message,
	start_not_before, superseded_by, created_at, started_at, finished_at`

// JobFilter narrows ListJobs results. Zero fields are ignored.
type JobFilter struct {
	BuildID        int64
	BuilderID      int64
	States         []JobState
	StartedBefore  time.Time
	FinishedBefore time.Time
	MaxTries       int
	Limit          int
}

// CreateJob inserts a job. UUID must be set by the caller; ID and CreatedAt
// are filled in from the database.
func (d *Database) CreateJob(ctx context.Context, job *Job) error {
	return d.WithTx(ctx, func(tx *Database) error {
		row := tx.conn.QueryRow(ctx, `
			INSERT INTO jobs (uuid, type, build_id, arch, state, tries, start_not_before)
			VALUES (@uuid, @type, @build_id, @arch, @state, @tries, @start_not_before)
			RETURNING id, created_at`,
			pgx.NamedArgs{
				"uuid":             job.UUID,
				"type":             job.Type,
				"build_id":         job.BuildID,
				"arch":             job.Arch,
				"state":            job.State,
				"tries":            job.Tries,
				"start_not_before": job.StartNotBefore,
			})
		if err := row.Scan(&job.ID, &job.CreatedAt); err != nil {
			return fmt.Errorf("failed to insert job: %w", err)
		}
		if job.State == JobStatePending || job.State == JobStateNew {
			return tx.notifyJobChange(ctx)
		}
		return nil
	})
}

// GetJob returns a job by id.
func (d *Database) GetJob(ctx context.Context, id int64) (*Job, error) {
	return d.getJob(ctx, "id = $1", id)
}

// GetJobByUUID returns a job by its external identity.
func (d *Database) GetJobByUUID(ctx context.Context, id uuid.UUID) (*Job, error) {
	return d.getJob(ctx, "uuid = $1", id)
}

func (d *Database) getJob(ctx context.Context, where string, arg any) (*Job, error) {
	rows, err := d.conn.Query(ctx, "SELECT "+jobColumns+" FROM jobs WHERE "+where, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	job, err := pgx.CollectExactlyOneRow(rows, pgx.RowToAddrOfStructByName[Job])
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotExist
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// UpdateJob writes all mutable job fields back to the row and, when history
// is non-nil, appends it to the transition log. The history entry carries
// its own builder reference because terminal transitions clear the binding
// on the job row itself. The write is guarded on the state the caller
// transitioned away from: when a concurrent writer moved the job first,
// nothing is written and ErrNotExist is returned. Only the engine state
// machine calls this.
func (d *Database) UpdateJob(ctx context.Context, job *Job, from JobState, history *JobHistoryEntry) error {
	return d.WithTx(ctx, func(tx *Database) error {
		tag, err := tx.conn.Exec(ctx, `
			UPDATE jobs
			SET state            = @state,
			    builder_id       = @builder_id,
			    tries            = @tries,
			    message          = @message,
			    start_not_before = @start_not_before,
			    superseded_by    = @superseded_by,
			    started_at       = @started_at,
			    finished_at      = @finished_at
			WHERE id = @id AND state = @from`,
			pgx.NamedArgs{
				"id":               job.ID,
				"from":             from,
				"state":            job.State,
				"builder_id":       job.BuilderID,
				"tries":            job.Tries,
				"message":          job.Message,
				"start_not_before": job.StartNotBefore,
				"superseded_by":    job.SupersededBy,
				"started_at":       job.StartedAt,
				"finished_at":      job.FinishedAt,
			})
		if err != nil {
			return fmt.Errorf("failed to update job: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotExist
		}

		if history != nil {
			_, err = tx.conn.Exec(ctx, `
				INSERT INTO jobs_history (job_id, state, builder_id, message)
				VALUES (@job_id, @state, @builder_id, @message)`,
				pgx.NamedArgs{
					"job_id":     job.ID,
					"state":      history.State,
					"builder_id": history.BuilderID,
					"message":    history.Message,
				})
			if err != nil {
				return fmt.Errorf("failed to append job history: %w", err)
			}
		}

		if job.State == JobStatePending || job.State == JobStateNew {
			return tx.notifyJobChange(ctx)
		}
		return nil
	})
}

// ListJobs returns jobs matching the filter, oldest first.
func (d *Database) ListJobs(ctx context.Context, filter JobFilter) ([]Job, error) {
	sql := "SELECT " + jobColumns + " FROM jobs WHERE TRUE"
	args := pgx.NamedArgs{}

	if filter.BuildID != 0 {
		sql += "\nAND build_id = @build_id"
		args["build_id"] = filter.BuildID
	}
	if filter.BuilderID != 0 {
		sql += "\nAND builder_id = @builder_id"
		args["builder_id"] = filter.BuilderID
	}
	if len(filter.States) > 0 {
		sql += "\nAND state = ANY(@states)"
		args["states"] = filter.States
	}
	if !filter.StartedBefore.IsZero() {
		sql += "\nAND started_at < @started_before"
		args["started_before"] = filter.StartedBefore
	}
	if !filter.FinishedBefore.IsZero() {
		sql += "\nAND finished_at < @finished_before"
		args["finished_before"] = filter.FinishedBefore
	}
	if filter.MaxTries > 0 {
		sql += "\nAND tries <= @max_tries"
		args["max_tries"] = filter.MaxTries
	}

	limit := filter.Limit
	if limit == 0 {
		limit = DefaultLimit
	}
	sql += "\nORDER BY created_at LIMIT @limit"
	args["limit"] = limit

	rows, err := d.conn.Query(ctx, sql, args)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	jobs, err := pgx.CollectRows(rows, pgx.RowToStructByName[Job])
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

// ActiveJobCount returns the number of jobs currently occupying a slot on
// the given builder. Used for the max_jobs capacity check.
func (d *Database) ActiveJobCount(ctx context.Context, builderID int64) (int, error) {
	var count int
	row := d.conn.QueryRow(ctx, `
		SELECT COUNT(*) FROM jobs
		WHERE builder_id = $1 AND state IN ('dispatching', 'running', 'uploading')`,
		builderID)
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count active jobs: %w", err)
	}
	return count, nil
}

// CountJobsByState returns the number of jobs per state. Used by metrics.
func (d *Database) CountJobsByState(ctx context.Context) (map[JobState]int, error) {
	rows, err := d.conn.Query(ctx, "SELECT state, COUNT(*) FROM jobs GROUP BY state")
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[JobState]int)
	for rows.Next() {
		var state JobState
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("failed to count jobs: %w", err)
		}
		counts[state] = count
	}
	return counts, rows.Err()
}

// JobHistory returns the full transition log of a job, oldest first.
func (d *Database) JobHistory(ctx context.Context, jobID int64) ([]JobHistoryEntry, error) {
	rows, err := d.conn.Query(ctx, `
		SELECT id, job_id, state, builder_id, message, created_at
		FROM jobs_history
		WHERE job_id = $1
		ORDER BY id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to get job history: %w", err)
	}
	entries, err := pgx.CollectRows(rows, pgx.RowToStructByName[JobHistoryEntry])
	if err != nil {
		return nil, fmt.Errorf("failed to get job history: %w", err)
	}
	return entries, nil
}

// AddJobFile attaches an artifact to a job.
func (d *Database) AddJobFile(ctx context.Context, file *JobFile) error {
	row := d.conn.QueryRow(ctx, `
		INSERT INTO jobs_files (job_id, type, path)
		VALUES (@job_id, @type, @path)
		RETURNING id, created_at`,
		pgx.NamedArgs{"job_id": file.JobID, "type": file.Type, "path": file.Path})
	if err := row.Scan(&file.ID, &file.CreatedAt); err != nil {
		return fmt.Errorf("failed to insert job file: %w", err)
	}
	return nil
}

// ListJobFiles returns all artifacts attached to a job.
func (d *Database) ListJobFiles(ctx context.Context, jobID int64) ([]JobFile, error) {
	rows, err := d.conn.Query(ctx, `
		SELECT id, job_id, type, path, created_at
		FROM jobs_files
		WHERE job_id = $1
		ORDER BY id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list job files: %w", err)
	}
	files, err := pgx.CollectRows(rows, pgx.RowToStructByName[JobFile])
	if err != nil {
		return nil, fmt.Errorf("failed to list job files: %w", err)
	}
	return files, nil
}

// DeleteJobPackages drops the package artifacts of a job. Logs are kept.
// Called when a job fails; packages of a failed attempt are not trustworthy.
func (d *Database) DeleteJobPackages(ctx context.Context, jobID int64) error {
	_, err := d.conn.Exec(ctx,
		"DELETE FROM jobs_files WHERE job_id = $1 AND type = 'package'", jobID)
	if err != nil {
		return fmt.Errorf("failed to delete job packages: %w", err)
	}
	return nil
}
