package scheduler

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// lockKey is the fixed 64-bit advisory-lock identifier every replica
// tries to acquire. It is a constant, not configuration: two replicas
// pointed at the same database must agree on it to ever contend for the
// same lock, and a deployment-specific override would defeat that.
const lockKey int64 = 7318558812590102017

// PgLock is the production Locker: a session-scoped Postgres advisory
// lock held on one dedicated *sql.Conn checked out of the pool for the
// Scheduler's lifetime, never returned until Release. A transaction-
// scoped lock (pg_advisory_xact_lock) would release on the next commit,
// which is not what a long-lived leadership token needs.
type PgLock struct {
	db   *sqlx.DB
	conn *sql.Conn
}

// NewPgLock wraps db. Callers share db with the rest of the store; the
// lock checks out its own connection lazily on first TryAcquire.
func NewPgLock(db *sqlx.DB) *PgLock {
	return &PgLock{db: db}
}

func (l *PgLock) TryAcquire(ctx context.Context) (bool, error) {
	if l.conn == nil {
		conn, err := l.db.Conn(ctx)
		if err != nil {
			return false, fmt.Errorf("scheduler: checkout advisory lock connection: %w", err)
		}
		l.conn = conn
	}

	var acquired bool
	err := l.conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, lockKey).Scan(&acquired)
	if err != nil {
		// The checked-out connection may have gone bad (e.g. the pool
		// reaped it). Drop it so the next TryAcquire starts fresh.
		_ = l.conn.Close()
		l.conn = nil
		return false, fmt.Errorf("scheduler: pg_try_advisory_lock: %w", err)
	}
	return acquired, nil
}

func (l *PgLock) Heartbeat(ctx context.Context) error {
	if l.conn == nil {
		return fmt.Errorf("scheduler: heartbeat with no held connection")
	}
	if _, err := l.conn.ExecContext(ctx, `SELECT 1`); err != nil {
		_ = l.conn.Close()
		l.conn = nil
		return fmt.Errorf("scheduler: heartbeat: %w", err)
	}
	return nil
}

func (l *PgLock) Release(ctx context.Context) error {
	if l.conn == nil {
		return nil
	}
	_, err := l.conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, lockKey)
	closeErr := l.conn.Close()
	l.conn = nil
	if err != nil {
		return fmt.Errorf("scheduler: pg_advisory_unlock: %w", err)
	}
	return closeErr
}

// NoopLock grants leadership to the first TryAcquire and refuses further
// attempts until Release. It backs deployments running against
// the in-memory Store (no database to hold an advisory lock on), where
// cross-replica exclusion does not apply because there is only one
// process by construction.
type NoopLock struct{ held bool }

// NewNoopLock constructs a NoopLock.
func NewNoopLock() *NoopLock { return &NoopLock{} }

func (l *NoopLock) TryAcquire(ctx context.Context) (bool, error) {
	if l.held {
		return false, nil
	}
	l.held = true
	return true, nil
}

func (l *NoopLock) Heartbeat(ctx context.Context) error { return nil }

func (l *NoopLock) Release(ctx context.Context) error {
	l.held = false
	return nil
}
