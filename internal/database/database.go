/*
 * Copyright 2026 The Pakfire Build Service Authors
 * See LICENSE file for licensing details.
 */

// Package database provides persistent storage for builds, jobs, builders and
// repositories, and the atomic job-claim used by the dispatch protocol.
//
// All mutations that touch more than one row happen inside a single
// transaction via WithTx, so observers never see a partially applied cascade.
// Writes that change the set of dispatchable jobs emit a NOTIFY on the
// job_change channel; the dispatch long-poll listens on it.
package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	DefaultLimit         = 100
	channelBufferSize    = 16
	jobChangeChannelName = `job_change`
	jobChangeSql         = `NOTIFY ` + jobChangeChannelName + `;`
)

var (
	ErrNotExist = errors.New("does not exist")
	ErrExist    = errors.New("already exists")
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, so every store
// method works inside or outside a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

type Database struct {
	conn querier
	pool *pgxpool.Pool
}

// New creates a new Database instance backed by a pgx connection pool.
func New(ctx context.Context, uri string) (*Database, error) {
	pool, err := pgxpool.New(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to the database: %v", err)
	}
	return &Database{conn: pool, pool: pool}, nil
}

// Close closes all database connections in the pool.
func (d *Database) Close() {
	if d.pool != nil {
		d.pool.Close()
	}
}

// WithTx runs fn with a Database bound to a single transaction. The
// transaction is committed when fn returns nil and rolled back otherwise.
// Nested calls reuse the surrounding transaction.
func (d *Database) WithTx(ctx context.Context, fn func(tx *Database) error) error {
	if d.pool == nil {
		// Already inside a transaction.
		return fn(d)
	}
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			slog.Error("failed to roll back transaction", "error", err)
		}
	}()

	if err := fn(&Database{conn: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// notifyJobChange wakes up dispatch long-polls. Must be called after a write
// that can make a job dispatchable.
func (d *Database) notifyJobChange(ctx context.Context) error {
	if _, err := d.conn.Exec(ctx, jobChangeSql); err != nil {
		return fmt.Errorf("failed to notify job change: %w", err)
	}
	return nil
}

// SubscribeToJobChange returns a channel that receives an element whenever
// the set of dispatchable jobs may have changed. The channel is closed when
// ctx is cancelled or the connection is lost.
func (d *Database) SubscribeToJobChange(ctx context.Context) (<-chan struct{}, error) {
	if d.pool == nil {
		return nil, errors.New("cannot subscribe inside a transaction")
	}
	pConn, err := d.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to the database for job change listener: %w", err)
	}
	conn := pConn.Hijack()

	if _, err := conn.Exec(ctx, "LISTEN "+jobChangeChannelName+";"); err != nil {
		return nil, fmt.Errorf("failed to listen for job change events: %w", err)
	}

	ch := make(chan struct{}, channelBufferSize)
	go func() {
		defer conn.Close(context.Background())
		defer close(ch)

		for {
			_, err := conn.WaitForNotification(ctx)
			if err != nil {
				slog.DebugContext(ctx, "failed to receive job change event from database", "error", err)
				return
			}
			select {
			case ch <- struct{}{}:
			default:
				// A pending wakeup is already queued.
			}
		}
	}()
	return ch, nil
}
