/*
 * Copyright 2026 The Pakfire Build Service Authors
 * See LICENSE file for licensing details.
 */

package database

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const builderColumns = `
	id, name, passphrase, status, build_release, build_scratch, build_test,
	arch, compat_arches, max_jobs, loadavg1, loadavg5, loadavg15,
	mem_total, mem_free, disk_free, last_keepalive, last_info_at`

// HashPassphrase returns the hex SHA-256 digest stored for a passphrase.
func HashPassphrase(passphrase string) string {
	sum := sha256.Sum256([]byte(passphrase))
	return hex.EncodeToString(sum[:])
}

// CreateBuilder registers a builder and returns its one-time passphrase.
// Only the digest is persisted; the plaintext cannot be recovered later.
// Returns ErrExist if the name is already taken.
func (d *Database) CreateBuilder(ctx context.Context, builder *Builder) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate passphrase: %w", err)
	}
	passphrase := hex.EncodeToString(raw)
	builder.Passphrase = HashPassphrase(passphrase)

	row := d.conn.QueryRow(ctx, `
		INSERT INTO builders (
			name, passphrase, status, build_release, build_scratch, build_test,
			arch, compat_arches, max_jobs
		) VALUES (
			@name, @passphrase, @status, @build_release, @build_scratch, @build_test,
			@arch, @compat_arches, @max_jobs
		)
		ON CONFLICT (name) DO NOTHING
		RETURNING id`,
		pgx.NamedArgs{
			"name":          builder.Name,
			"passphrase":    builder.Passphrase,
			"status":        builder.Status,
			"build_release": builder.BuildRelease,
			"build_scratch": builder.BuildScratch,
			"build_test":    builder.BuildTest,
			"arch":          builder.Arch,
			"compat_arches": builder.CompatArches,
			"max_jobs":      builder.MaxJobs,
		})
	if err := row.Scan(&builder.ID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrExist
		}
		return "", fmt.Errorf("failed to insert builder: %w", err)
	}
	return passphrase, nil
}

// GetBuilderByName returns a builder by hostname. Soft-deleted builders are
// returned too; callers check Status.
func (d *Database) GetBuilderByName(ctx context.Context, name string) (*Builder, error) {
	rows, err := d.conn.Query(ctx,
		"SELECT "+builderColumns+" FROM builders WHERE name = $1", name)
	if err != nil {
		return nil, fmt.Errorf("failed to get builder: %w", err)
	}
	builder, err := pgx.CollectExactlyOneRow(rows, pgx.RowToAddrOfStructByName[Builder])
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotExist
		}
		return nil, fmt.Errorf("failed to get builder: %w", err)
	}
	return builder, nil
}

// ListBuilders returns all builders that are not soft-deleted.
func (d *Database) ListBuilders(ctx context.Context) ([]Builder, error) {
	rows, err := d.conn.Query(ctx,
		"SELECT "+builderColumns+" FROM builders WHERE status <> 'deleted' ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("failed to list builders: %w", err)
	}
	builders, err := pgx.CollectRows(rows, pgx.RowToStructByName[Builder])
	if err != nil {
		return nil, fmt.Errorf("failed to list builders: %w", err)
	}
	return builders, nil
}

// SetBuilderStatus enables, disables or soft-deletes a builder.
// Deleted is terminal: a deleted builder cannot be re-enabled.
func (d *Database) SetBuilderStatus(ctx context.Context, name string, status BuilderStatus) error {
	tag, err := d.conn.Exec(ctx, `
		UPDATE builders SET status = $1
		WHERE name = $2 AND status <> 'deleted'`, status, name)
	if err != nil {
		return fmt.Errorf("failed to set builder status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotExist
	}
	// Enabling or disabling changes what the queue can dispatch.
	return d.notifyJobChange(ctx)
}

// UpdateBuilderStats records keepalive telemetry. Accepted from any
// authenticated builder regardless of status; it never re-enables a
// disabled builder.
func (d *Database) UpdateBuilderStats(ctx context.Context, id int64, loadavg1, loadavg5, loadavg15 float64, memTotal, memFree, diskFree int64) error {
	tag, err := d.conn.Exec(ctx, `
		UPDATE builders
		SET loadavg1 = @loadavg1, loadavg5 = @loadavg5, loadavg15 = @loadavg15,
		    mem_total = @mem_total, mem_free = @mem_free, disk_free = @disk_free,
		    last_keepalive = now()
		WHERE id = @id`,
		pgx.NamedArgs{
			"id":        id,
			"loadavg1":  loadavg1,
			"loadavg5":  loadavg5,
			"loadavg15": loadavg15,
			"mem_total": memTotal,
			"mem_free":  memFree,
			"disk_free": diskFree,
		})
	if err != nil {
		return fmt.Errorf("failed to update builder stats: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotExist
	}
	return nil
}

// UpdateBuilderInfo records a full capability push from the builder itself.
func (d *Database) UpdateBuilderInfo(ctx context.Context, id int64, arch string, compatArches []string, maxJobs int) error {
	tag, err := d.conn.Exec(ctx, `
		UPDATE builders
		SET arch = @arch, compat_arches = @compat_arches, max_jobs = @max_jobs,
		    last_info_at = now()
		WHERE id = @id`,
		pgx.NamedArgs{
			"id":            id,
			"arch":          arch,
			"compat_arches": compatArches,
			"max_jobs":      maxJobs,
		})
	if err != nil {
		return fmt.Errorf("failed to update builder info: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotExist
	}
	return nil
}

// CountOnlineBuilders returns the number of enabled builders whose last
// keepalive is younger than threshold. Online is derived, never stored.
func (d *Database) CountOnlineBuilders(ctx context.Context, threshold time.Duration) (int, error) {
	var count int
	row := d.conn.QueryRow(ctx, `
		SELECT COUNT(*) FROM builders
		WHERE status = 'enabled' AND last_keepalive > now() - $1::interval`,
		threshold)
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count online builders: %w", err)
	}
	return count, nil
}
