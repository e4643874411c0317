package ledger

import (
	"context"
	"database/sql"
	"time"

	"rye.dev/core/internal/coreerr"
)

// threadSchema colocates the thread registry table in the same embedded
// store as the budget ledger, per §6's registry.db layout ("registry.db
// (thread + budget tables)") and the teacher's single-file-embedded-store
// convention of one SQLite database opened once per process.
const threadSchema = `
CREATE TABLE IF NOT EXISTS threads (
	thread_id        TEXT PRIMARY KEY,
	parent_thread_id TEXT NOT NULL DEFAULT '',
	directive_id     TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL DEFAULT 'running',
	suspend_reason   TEXT NOT NULL DEFAULT '',
	depth            INTEGER NOT NULL DEFAULT 0,
	created_at       DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at       DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_threads_parent ON threads(parent_thread_id);
CREATE INDEX IF NOT EXISTS idx_threads_status ON threads(status);
`

// ThreadStatus mirrors the spec's thread lifecycle states.
type ThreadStatus string

const (
	ThreadRunning   ThreadStatus = "running"
	ThreadCompleted ThreadStatus = "completed"
	ThreadError     ThreadStatus = "error"
	ThreadSuspended ThreadStatus = "suspended"
	ThreadCancelled ThreadStatus = "cancelled"
)

// SuspendReason mirrors the spec's §3 suspend_reason enum.
type SuspendReason string

const (
	SuspendNone   SuspendReason = ""
	SuspendLimit  SuspendReason = "limit"
	SuspendError  SuspendReason = "error"
	SuspendBudget SuspendReason = "budget"
)

// ThreadRow is a snapshot of a registered thread's persistent state.
type ThreadRow struct {
	ThreadID       string
	ParentThreadID string
	DirectiveID    string
	Status         ThreadStatus
	SuspendReason  SuspendReason
	Depth          int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ensureThreadSchema applies the thread registry table; callers open it
// alongside the budget schema so a single Ledger backs both (see Open).
func (l *Ledger) ensureThreadSchema() error {
	_, err := l.db.Exec(threadSchema)
	if err != nil {
		return coreerr.Wrap(coreerr.FileSystem, "creating thread registry schema", err)
	}
	return nil
}

// RegisterThread inserts a new thread row with status running, per §4.7
// startup step 2 ("Register thread in the persistent thread registry with
// status running").
func (l *Ledger) RegisterThread(ctx context.Context, threadID, parentThreadID, directiveID string, depth int) error {
	return l.withImmediate(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO threads (thread_id, parent_thread_id, directive_id, status, depth, created_at, updated_at)
			VALUES (?, ?, ?, 'running', ?, datetime('now'), datetime('now'))`,
			threadID, parentThreadID, directiveID, depth)
		if err != nil {
			return coreerr.Wrap(coreerr.FileSystem, "registering thread", err)
		}
		return nil
	})
}

// UpdateThreadStatus transitions a registered thread to a terminal (or
// suspended) status, recording the suspend reason when applicable.
func (l *Ledger) UpdateThreadStatus(ctx context.Context, threadID string, status ThreadStatus, reason SuspendReason) error {
	return l.withImmediate(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE threads SET status = ?, suspend_reason = ?, updated_at = datetime('now')
			WHERE thread_id = ?`, string(status), string(reason), threadID)
		if err != nil {
			return coreerr.Wrap(coreerr.FileSystem, "updating thread status", err)
		}
		return nil
	})
}

// GetThread reads a thread's current registry row.
func (l *Ledger) GetThread(ctx context.Context, threadID string) (ThreadRow, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT thread_id, parent_thread_id, directive_id, status, suspend_reason, depth, created_at, updated_at
		FROM threads WHERE thread_id = ?`, threadID)
	var tr ThreadRow
	var status, reason string
	if err := row.Scan(&tr.ThreadID, &tr.ParentThreadID, &tr.DirectiveID, &status, &reason, &tr.Depth, &tr.CreatedAt, &tr.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return ThreadRow{}, coreerr.New(coreerr.ThreadNotFound, "thread not found in registry: "+threadID)
		}
		return ThreadRow{}, coreerr.Wrap(coreerr.FileSystem, "reading thread row", err)
	}
	tr.Status = ThreadStatus(status)
	tr.SuspendReason = SuspendReason(reason)
	return tr, nil
}
