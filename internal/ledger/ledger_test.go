package ledger_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"rye.dev/core/internal/ledger"
)

func tempLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "budget.db")
	l, err := ledger.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestRegisterRoot(t *testing.T) {
	l := tempLedger(t)
	ctx := context.Background()

	require.NoError(t, l.Register(ctx, "root-1", "", 10.0))

	remaining, snap, err := l.CheckRemaining(ctx, "root-1")
	require.NoError(t, err)
	require.Equal(t, 10.0, remaining)
	require.Equal(t, ledger.StatusActive, snap.Status)
}

func TestReserveWithinBudget(t *testing.T) {
	l := tempLedger(t)
	ctx := context.Background()
	require.NoError(t, l.Register(ctx, "root-1", "", 10.0))

	ok, err := l.Reserve(ctx, "root-1", "child-1", 4.0)
	require.NoError(t, err)
	require.True(t, ok)

	remaining, _, err := l.CheckRemaining(ctx, "root-1")
	require.NoError(t, err)
	require.Equal(t, 6.0, remaining)
}

func TestReserveRejectsOverBudget(t *testing.T) {
	l := tempLedger(t)
	ctx := context.Background()
	require.NoError(t, l.Register(ctx, "root-1", "", 10.0))

	ok, err := l.Reserve(ctx, "root-1", "child-1", 7.0)
	require.NoError(t, err)
	require.True(t, ok)

	// A sibling reservation that would overshoot the parent's remaining
	// budget must be rejected, not merely clamped.
	ok, err = l.Reserve(ctx, "root-1", "child-2", 7.0)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestReportActualClampsToReserved(t *testing.T) {
	l := tempLedger(t)
	ctx := context.Background()
	require.NoError(t, l.Register(ctx, "root-1", "", 10.0))

	ok, err := l.Reserve(ctx, "root-1", "child-1", 4.0)
	require.NoError(t, err)
	require.True(t, ok)

	// Actual spend reported above the reservation is clamped down, never
	// allowed to silently overdraw the parent.
	require.NoError(t, l.ReportActual(ctx, "child-1", 9.0))

	remaining, _, err := l.CheckRemaining(ctx, "root-1")
	require.NoError(t, err)
	require.Equal(t, 6.0, remaining)
}

func TestBudgetConservationAcrossSiblings(t *testing.T) {
	l := tempLedger(t)
	ctx := context.Background()
	require.NoError(t, l.Register(ctx, "root-1", "", 10.0))

	ok, err := l.Reserve(ctx, "root-1", "child-1", 5.0)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, l.ReportActual(ctx, "child-1", 3.0))

	ok, err = l.Reserve(ctx, "root-1", "child-2", 5.0)
	require.NoError(t, err)
	require.True(t, ok)

	remaining, _, err := l.CheckRemaining(ctx, "root-1")
	require.NoError(t, err)
	// 10 - 3 (child-1 actual) - 5 (child-2 reserved) = 2
	require.Equal(t, 2.0, remaining)
}

func TestReserveUnconstrainedRoot(t *testing.T) {
	l := tempLedger(t)
	ctx := context.Background()

	ok, err := l.Reserve(ctx, "", "root-1", 100.0)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCheckRemainingUnknownThread(t *testing.T) {
	l := tempLedger(t)
	_, _, err := l.CheckRemaining(context.Background(), "missing")
	require.Error(t, err)
}
