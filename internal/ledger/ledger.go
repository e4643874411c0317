// Package ledger implements the hierarchical budget ledger: durable
// accounting in a single-writer, WAL-enabled embedded SQL store. The store
// shape (sql.Open with WAL + busy-timeout pragmas, schema applied via a
// single db.Exec, incremental migrate step) is grounded on this ecosystem's
// embedded-SQLite-store convention for single-process durable state.
package ledger

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"rye.dev/core/internal/coreerr"
)

const schema = `
CREATE TABLE IF NOT EXISTS budget_threads (
	thread_id        TEXT PRIMARY KEY,
	parent_thread_id TEXT NOT NULL DEFAULT '',
	reserved_spend   REAL NOT NULL DEFAULT 0,
	actual_spend     REAL NOT NULL DEFAULT 0,
	max_spend        REAL NOT NULL DEFAULT 0,
	status           TEXT NOT NULL DEFAULT 'active',
	updated_at       DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_budget_threads_parent ON budget_threads(parent_thread_id);
CREATE INDEX IF NOT EXISTS idx_budget_threads_status ON budget_threads(status);
`

// Status mirrors the ledger row's status column.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
)

// Ledger is the durable hierarchical budget accounting store.
type Ledger struct {
	db *sql.DB
}

// Open creates or opens a WAL-enabled SQLite database at dbPath and ensures
// the schema exists.
func Open(dbPath string) (*Ledger, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_txlock=immediate")
	if err != nil {
		return nil, coreerr.Wrap(coreerr.FileSystem, "opening ledger store", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, coreerr.Wrap(coreerr.FileSystem, "creating ledger schema", err)
	}
	l := &Ledger{db: db}
	if err := l.ensureThreadSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

// Close releases the underlying database handle.
func (l *Ledger) Close() error { return l.db.Close() }

// withImmediate runs fn inside a transaction opened at SQLite's IMMEDIATE
// isolation level, matching the spec's requirement that every ledger
// operation be a single IMMEDIATE-isolation transaction. The DSN's
// _txlock=immediate makes every db.BeginTx acquire the RESERVED write lock
// up front on the same connection fn runs against — there is no separate
// raw BEGIN to leak a lock on a different pooled connection.
func (l *Ledger) withImmediate(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return coreerr.Wrap(coreerr.FileSystem, "beginning immediate transaction", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return coreerr.Wrap(coreerr.FileSystem, "committing transaction", err)
	}
	return nil
}

// Register inserts a root or child thread row with reserved=0, actual=0,
// status=active.
func (l *Ledger) Register(ctx context.Context, threadID, parentID string, maxSpend float64) error {
	return l.withImmediate(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO budget_threads (thread_id, parent_thread_id, reserved_spend, actual_spend, max_spend, status, updated_at)
			VALUES (?, ?, 0, 0, ?, 'active', datetime('now'))`,
			threadID, parentID, maxSpend)
		if err != nil {
			return coreerr.Wrap(coreerr.FileSystem, "registering ledger row", err)
		}
		return nil
	})
}

// Reserve computes the parent's remaining budget and, if amount fits,
// inserts the child row with reserved=amount. The read-check-insert is
// atomic under the transaction, so two racing siblings can never both
// succeed beyond the parent's remaining budget.
func (l *Ledger) Reserve(ctx context.Context, parentID, childID string, amount float64) (bool, error) {
	if parentID == "" {
		// Root threads with no parent budget are unconstrained.
		return true, l.Register(ctx, childID, "", amount)
	}

	ok := false
	err := l.withImmediate(ctx, func(tx *sql.Tx) error {
		var maxSpend, actualSpend float64
		row := tx.QueryRowContext(ctx, `SELECT max_spend, actual_spend FROM budget_threads WHERE thread_id = ?`, parentID)
		if err := row.Scan(&maxSpend, &actualSpend); err != nil {
			if err == sql.ErrNoRows {
				return coreerr.New(coreerr.ThreadNotFound, "parent thread not found in ledger: "+parentID)
			}
			return coreerr.Wrap(coreerr.FileSystem, "reading parent ledger row", err)
		}

		var activeReserved, completedActual float64
		row = tx.QueryRowContext(ctx, `
			SELECT COALESCE(SUM(reserved_spend), 0) FROM budget_threads
			WHERE parent_thread_id = ? AND status = 'active'`, parentID)
		if err := row.Scan(&activeReserved); err != nil {
			return coreerr.Wrap(coreerr.FileSystem, "summing active reservations", err)
		}
		row = tx.QueryRowContext(ctx, `
			SELECT COALESCE(SUM(actual_spend), 0) FROM budget_threads
			WHERE parent_thread_id = ? AND status = 'completed'`, parentID)
		if err := row.Scan(&completedActual); err != nil {
			return coreerr.Wrap(coreerr.FileSystem, "summing completed spend", err)
		}

		remaining := maxSpend - actualSpend - activeReserved - completedActual
		if amount > remaining {
			ok = false
			return nil
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO budget_threads (thread_id, parent_thread_id, reserved_spend, actual_spend, max_spend, status, updated_at)
			VALUES (?, ?, ?, 0, ?, 'active', datetime('now'))`,
			childID, parentID, amount, amount)
		if err != nil {
			return coreerr.Wrap(coreerr.FileSystem, "inserting reservation", err)
		}
		ok = true
		return nil
	})
	return ok, err
}

// ReportActual clamps actual to min(actual, reserved), zeroes the
// reservation, and marks the row completed.
func (l *Ledger) ReportActual(ctx context.Context, threadID string, actual float64) error {
	return l.withImmediate(ctx, func(tx *sql.Tx) error {
		var reserved float64
		row := tx.QueryRowContext(ctx, `SELECT reserved_spend FROM budget_threads WHERE thread_id = ?`, threadID)
		if err := row.Scan(&reserved); err != nil {
			if err == sql.ErrNoRows {
				return coreerr.New(coreerr.ThreadNotFound, "thread not found in ledger: "+threadID)
			}
			return coreerr.Wrap(coreerr.FileSystem, "reading ledger row", err)
		}
		clamped := actual
		if clamped > reserved {
			clamped = reserved
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE budget_threads SET actual_spend = ?, reserved_spend = 0, status = 'completed', updated_at = datetime('now')
			WHERE thread_id = ?`, clamped, threadID)
		if err != nil {
			return coreerr.Wrap(coreerr.FileSystem, "settling ledger row", err)
		}
		return nil
	})
}

// Snapshot is a point-in-time view of a thread's ledger row.
type Snapshot struct {
	ThreadID       string
	ParentThreadID string
	ReservedSpend  float64
	ActualSpend    float64
	MaxSpend       float64
	Status         Status
}

// CheckRemaining returns a snapshot of the thread's current remaining
// budget: max_spend - actual_spend - active children's reserved -
// completed children's actual.
func (l *Ledger) CheckRemaining(ctx context.Context, threadID string) (remaining float64, snap Snapshot, err error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT thread_id, parent_thread_id, reserved_spend, actual_spend, max_spend, status
		FROM budget_threads WHERE thread_id = ?`, threadID)
	var status string
	if scanErr := row.Scan(&snap.ThreadID, &snap.ParentThreadID, &snap.ReservedSpend, &snap.ActualSpend, &snap.MaxSpend, &status); scanErr != nil {
		if scanErr == sql.ErrNoRows {
			return 0, Snapshot{}, coreerr.New(coreerr.ThreadNotFound, "thread not found in ledger: "+threadID)
		}
		return 0, Snapshot{}, coreerr.Wrap(coreerr.FileSystem, "reading ledger row", scanErr)
	}
	snap.Status = Status(status)

	var activeReserved, completedActual float64
	row = l.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(reserved_spend), 0) FROM budget_threads
		WHERE parent_thread_id = ? AND status = 'active'`, threadID)
	if scanErr := row.Scan(&activeReserved); scanErr != nil {
		return 0, Snapshot{}, coreerr.Wrap(coreerr.FileSystem, "summing active reservations", scanErr)
	}
	row = l.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(actual_spend), 0) FROM budget_threads
		WHERE parent_thread_id = ? AND status = 'completed'`, threadID)
	if scanErr := row.Scan(&completedActual); scanErr != nil {
		return 0, Snapshot{}, coreerr.Wrap(coreerr.FileSystem, "summing completed spend", scanErr)
	}

	remaining = snap.MaxSpend - snap.ActualSpend - activeReserved - completedActual
	return remaining, snap, nil
}

// ErrNoBudgetDeclared is returned by callers (not the ledger itself) when a
// non-root thread declares no spend limit; kept here so thread-runner and
// ledger error handling share one taxonomy code.
func ErrNoBudgetDeclared(threadID string) error {
	return coreerr.New(coreerr.ChildBudgetInsufficient, fmt.Sprintf("thread %s declared no budget", threadID)).
		WithDetails(map[string]string{"reason": "no_budget_declared"})
}
