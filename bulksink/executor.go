package bulksink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/driver/pgdriver"
)

// PostInsertHook runs once per committed batch, handed the still-open
// connection the batch was written on (closed by the caller right
// after the hook returns) so it can run further statements against the
// same session without paying for a second round trip to acquire one.
type PostInsertHook[T any] func(ctx context.Context, conn bun.IConn, target TargetTable, batch []T) error

// bulkCopyTimeoutMinutesAsMillis: the name says minutes-converted-to-
// milliseconds, but the value below is already a millisecond count.
// Ported as-is rather than silently corrected; halving or doubling it
// to "fix" the name would change behaviour for anyone already tuned to
// the current (30-minute) timeout.
const bulkCopyTimeoutMinutesAsMillis = 30 * 60 * 1000

// Stats tracks bulk-write outcomes across every batch an Executor has
// handled.
type Stats struct {
	mu                sync.Mutex
	batchesCommitted  int
	batchesRolledBack int
	rowsWritten       int
}

func (s *Stats) recordCommit(rows int) {
	s.mu.Lock()
	s.batchesCommitted++
	s.rowsWritten += rows
	s.mu.Unlock()
}

func (s *Stats) recordRollback() {
	s.mu.Lock()
	s.batchesRolledBack++
	s.mu.Unlock()
}

// Snapshot returns the current committed-batch, rolled-back-batch and
// total-rows-written counts.
func (s *Stats) Snapshot() (committed, rolledBack, rows int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batchesCommitted, s.batchesRolledBack, s.rowsWritten
}

// Executor commits one batch of T records per call, inside a single
// transaction, invoking hook on the same connection only after a
// successful commit.
type Executor[T any] struct {
	db     *bun.DB
	target TargetTable
	hook   PostInsertHook[T]
	stats  *Stats
}

// NewExecutor builds an Executor writing to target (an empty Name uses
// T's own bun table tag) with an optional post-commit hook.
func NewExecutor[T any](db *bun.DB, target TargetTable, hook PostInsertHook[T]) *Executor[T] {
	return &Executor[T]{db: db, target: target, hook: hook, stats: &Stats{}}
}

func (e *Executor[T]) Stats() *Stats { return e.stats }

// Write commits batch inside a transaction. On any failure up to and
// including the commit the transaction rolls back and Write returns a
// wrapped error — with a pointed diagnostic when Postgres reports a
// not-null violation, since that almost always means the in-memory
// record is missing a Go-side required-field guard. A failing
// post-insert hook runs after the commit, so its batch stays written
// and Write returns the hook's error. There are no retries: a failed batch is this
// layer's terminal error, not something to paper over here.
func (e *Executor[T]) Write(ctx context.Context, batch []T) error {
	if len(batch) == 0 {
		return nil
	}

	writeCtx, cancel := context.WithTimeout(ctx, bulkCopyTimeoutMinutesAsMillis*time.Millisecond)
	defer cancel()

	correlationID := uuid.New().String()
	slog.Debug("bulk insert starting",
		slog.String("batch_id", correlationID),
		slog.Int("rows", len(batch)),
		slog.String("table", e.target.Name),
	)

	conn, err := e.db.Conn(writeCtx)
	if err != nil {
		e.stats.recordRollback()
		return fmt.Errorf("bulksink: acquire connection for %d rows (batch %s): %w", len(batch), correlationID, err)
	}

	tx, err := conn.BeginTx(writeCtx, nil)
	if err != nil {
		_ = conn.Close()
		e.stats.recordRollback()
		return fmt.Errorf("bulksink: begin transaction for %d rows (batch %s): %w", len(batch), correlationID, err)
	}

	q := tx.NewInsert().Model(&batch)
	if e.target.Name != "" {
		q = q.Table(e.target.Name)
	}
	if _, err := q.Exec(writeCtx); err != nil {
		_ = tx.Rollback()
		_ = conn.Close()
		e.stats.recordRollback()
		return e.diagnose(err, len(batch), correlationID)
	}

	if err := tx.Commit(); err != nil {
		_ = conn.Close()
		e.stats.recordRollback()
		return e.diagnose(err, len(batch), correlationID)
	}

	e.stats.recordCommit(len(batch))
	slog.Debug("bulk insert committed", slog.String("batch_id", correlationID), slog.Int("rows", len(batch)))

	// conn stays open past the commit: the hook runs on the same session
	// the batch was written on, and only then goes back to the pool.
	if e.hook != nil {
		if err := e.hook(ctx, conn, e.target, batch); err != nil {
			_ = conn.Close()
			return fmt.Errorf("bulksink: post-insert hook for %d rows (batch %s): %w", len(batch), correlationID, err)
		}
	}
	return conn.Close()
}

// diagnose wraps a failed-write error, calling out a not-null
// violation (SQLSTATE 23502) by column name when bun's Postgres driver
// surfaces one.
func (e *Executor[T]) diagnose(err error, rows int, correlationID string) error {
	var pgErr pgdriver.Error
	if errors.As(err, &pgErr) && pgErr.Field('C') == "23502" {
		column := pgErr.Field('c')
		slog.Warn("bulk insert hit a not-null constraint; the in-memory record is probably missing a required-field guard",
			slog.String("batch_id", correlationID),
			slog.String("table", e.target.Name),
			slog.String("column", column),
		)
		return fmt.Errorf("bulksink: rolled back %d rows (batch %s): not-null violation on column %q (missing field guard?): %w", rows, correlationID, column, err)
	}
	return fmt.Errorf("bulksink: rolled back %d rows (batch %s): %w", rows, correlationID, err)
}
