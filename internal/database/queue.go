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

// Queue ordering: build jobs before test jobs, then highest build priority,
// then oldest first. Shared by the claim and the read-only queue view.
const queueOrderSql = `
	ORDER BY CASE j.type WHEN 'build' THEN 0 ELSE 1 END,
	         b.priority DESC,
	         j.created_at`

const queuePredicateSql = `
	      j.state IN ('pending', 'new')
	  AND (j.start_not_before IS NULL OR j.start_not_before <= now())
	  AND j.tries <= @max_tries
	  AND b.state NOT IN ('obsolete', 'broken')`

// ClaimNextJob atomically selects the best dispatchable job for the given
// architecture set, transitions it to dispatching and binds it to the
// builder. Two concurrent claims can never return the same job: the
// selection locks the row with SKIP LOCKED and the state change happens in
// the same statement. Jobs belonging to build types the builder is not
// allowed to run are skipped. Returns ErrNotExist when no job is available.
func (d *Database) ClaimNextJob(ctx context.Context, builderID int64, arches []string, types []JobType, buildTypes []BuildType, maxTries int) (*Job, error) {
	var job *Job
	err := d.WithTx(ctx, func(tx *Database) error {
		rows, err := tx.conn.Query(ctx, `
			WITH next AS (
				SELECT j.id
				FROM jobs AS j
				JOIN builds AS b ON b.id = j.build_id
				WHERE `+queuePredicateSql+`
				  AND j.arch = ANY(@arches)
				  AND j.type = ANY(@types)
				  AND b.type = ANY(@build_types)
				`+queueOrderSql+`
				FOR UPDATE OF j SKIP LOCKED
				LIMIT 1
			)
			UPDATE jobs
			SET state       = 'dispatching',
			    builder_id  = @builder_id,
			    started_at  = now(),
			    finished_at = NULL,
			    message     = ''
			FROM next
			WHERE jobs.id = next.id
			RETURNING `+jobColumns2("jobs"),
			pgx.NamedArgs{
				"builder_id":  builderID,
				"arches":      arches,
				"types":       types,
				"build_types": buildTypes,
				"max_tries":   maxTries,
			})
		if err != nil {
			return fmt.Errorf("failed to claim job: %w", err)
		}
		job, err = pgx.CollectExactlyOneRow(rows, pgx.RowToAddrOfStructByName[Job])
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotExist
			}
			return fmt.Errorf("failed to claim job: %w", err)
		}

		_, err = tx.conn.Exec(ctx, `
			INSERT INTO jobs_history (job_id, state, builder_id)
			VALUES ($1, 'dispatching', $2)`, job.ID, builderID)
		if err != nil {
			return fmt.Errorf("failed to append job history: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// ReleaseClaim rolls a dispatching job back to pending so it is not lost
// when a step after selection fails. The tries counter is not incremented;
// the job never reached a builder.
func (d *Database) ReleaseClaim(ctx context.Context, jobID int64) error {
	return d.WithTx(ctx, func(tx *Database) error {
		tag, err := tx.conn.Exec(ctx, `
			UPDATE jobs
			SET state = 'pending', builder_id = NULL, started_at = NULL
			WHERE id = $1 AND state = 'dispatching'`, jobID)
		if err != nil {
			return fmt.Errorf("failed to release claim: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotExist
		}
		return tx.notifyJobChange(ctx)
	})
}

// PeekQueue returns the dispatch queue in dispatch order without claiming
// anything. An empty arches slice means all architectures.
func (d *Database) PeekQueue(ctx context.Context, arches []string, maxTries, limit int) ([]Job, error) {
	sql := `
		SELECT ` + jobColumns2("j") + `
		FROM jobs AS j
		JOIN builds AS b ON b.id = j.build_id
		WHERE` + queuePredicateSql
	args := pgx.NamedArgs{"max_tries": maxTries}

	if len(arches) > 0 {
		sql += "\nAND j.arch = ANY(@arches)"
		args["arches"] = arches
	}

	if limit == 0 {
		limit = DefaultLimit
	}
	sql += queueOrderSql + "\nLIMIT @limit"
	args["limit"] = limit

	rows, err := d.conn.Query(ctx, sql, args)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue: %w", err)
	}
	jobs, err := pgx.CollectRows(rows, pgx.RowToStructByName[Job])
	if err != nil {
		return nil, fmt.Errorf("failed to read queue: %w", err)
	}
	return jobs, nil
}

// CountQueuedJobs returns the per-architecture depth of the dispatch queue.
func (d *Database) CountQueuedJobs(ctx context.Context) (map[string]int, error) {
	rows, err := d.conn.Query(ctx, `
		SELECT arch, COUNT(*) FROM jobs
		WHERE state IN ('pending', 'new')
		GROUP BY arch`)
	if err != nil {
		return nil, fmt.Errorf("failed to count queued jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var arch string
		var count int
		if err := rows.Scan(&arch, &count); err != nil {
			return nil, fmt.Errorf("failed to count queued jobs: %w", err)
		}
		counts[arch] = count
	}
	return counts, rows.Err()
}

// jobColumns2 qualifies the job column list with a table alias for joins.
func jobColumns2(alias string) string {
	return alias + `.id, ` + alias + `.uuid, ` + alias + `.type, ` + alias + `.build_id, ` +
		alias + `.arch, ` + alias + `.state, ` + alias + `.builder_id, ` + alias + `.tries, ` +
		alias + `.message, ` + alias + `.start_not_before, ` + alias + `.superseded_by, ` +
		alias + `.created_at, ` + alias + `.started_at, ` + alias + `.finished_at`
}
