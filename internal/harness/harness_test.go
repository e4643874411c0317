package harness_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"rye.dev/core/internal/capability"
	"rye.dev/core/internal/harness"
)

func TestResolveLimitsClampsToParentNeverWidens(t *testing.T) {
	defaults := harness.Limits{Turns: 50, Spend: 10}
	declared := harness.Limits{Turns: 100}
	parent := &harness.Limits{Turns: 20, Spend: 5, Depth: 3}

	effective, err := harness.ResolveLimits(defaults, declared, harness.Limits{}, parent)
	require.NoError(t, err)
	require.Equal(t, 20, effective.Turns, "child declared 100 but parent caps at 20")
	require.Equal(t, 5.0, effective.Spend)
	require.Equal(t, 2, effective.Depth)
}

func TestResolveLimitsRejectsNegativeDepth(t *testing.T) {
	parent := &harness.Limits{Depth: 0}
	_, err := harness.ResolveLimits(harness.Limits{}, harness.Limits{}, harness.Limits{}, parent)
	require.Error(t, err)
}

func TestResolveLimitsRootHasNoParentClamp(t *testing.T) {
	declared := harness.Limits{Turns: 100, Depth: 5}
	effective, err := harness.ResolveLimits(harness.Limits{}, declared, harness.Limits{}, nil)
	require.NoError(t, err)
	require.Equal(t, 100, effective.Turns)
	require.Equal(t, 5, effective.Depth)
}

func TestCheckLimitsReportsFirstExceeded(t *testing.T) {
	tok, err := capability.Mint("root", []string{"rye.execute.tool.*"}, time.Now())
	require.NoError(t, err)
	h := harness.New("t1", harness.Limits{Turns: 3}, tok, harness.NewBus(nil, nil, nil), nil, "")
	h.AddCost(harness.Cost{Turns: 3})

	code, err := h.CheckLimits()
	require.NoError(t, err)
	require.Equal(t, harness.LimitTurns, code)
}

func TestCheckLimitsConsultsLedgerRemaining(t *testing.T) {
	tok, err := capability.Mint("root", nil, time.Now())
	require.NoError(t, err)
	h := harness.New("t1", harness.Limits{}, tok, harness.NewBus(nil, nil, nil), func() (float64, error) {
		return 0, nil
	}, "")

	code, err := h.CheckLimits()
	require.NoError(t, err)
	require.Equal(t, harness.LimitLedgerBudget, code)
}

func TestCancellationDurableMarker(t *testing.T) {
	dir := t.TempDir()
	poison := dir + "/cancel.marker"
	tok, err := capability.Mint("root", nil, time.Now())
	require.NoError(t, err)
	h := harness.New("t1", harness.Limits{}, tok, harness.NewBus(nil, nil, nil), nil, poison)

	require.False(t, h.IsCancelled())
	require.NoError(t, h.Cancel())
	require.True(t, h.IsCancelled())

	// A fresh harness over the same poison file observes cancellation even
	// without ever calling Cancel itself.
	h2 := harness.New("t1", harness.Limits{}, tok, harness.NewBus(nil, nil, nil), nil, poison)
	require.True(t, h2.IsCancelled())
}

func TestCheckPermissionDelegatesToToken(t *testing.T) {
	tok, err := capability.Mint("root", []string{"rye.execute.tool.fs.read"}, time.Now())
	require.NoError(t, err)
	h := harness.New("t1", harness.Limits{}, tok, harness.NewBus(nil, nil, nil), nil, "")
	require.True(t, h.CheckPermission("rye.execute.tool.fs.read"))
	require.False(t, h.CheckPermission("rye.execute.tool.fs.write"))
}

func TestHookBusDispatchOrderAndWhenMatching(t *testing.T) {
	var order []string
	hooks := []harness.Hook{
		{Event: harness.EventLimit, When: "exceeded_field == \"spend\"", Action: harness.Action{DirectiveRef: "escalate"}, Source: "directive"},
		{Event: harness.EventLimit, When: "", Action: harness.Action{DirectiveRef: "log_limit"}, Source: "infrastructure"},
	}
	bus := harness.NewBus(hooks, nil, nil)

	matched, err := bus.Dispatch(harness.HookFields{Event: harness.EventLimit, ExceededField: "spend"}, func(a harness.Action) error {
		order = append(order, a.DirectiveRef)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"escalate", "log_limit"}, order)
	require.Len(t, matched, 2)
}

func TestHookBusSkipsNonMatchingWhen(t *testing.T) {
	hooks := []harness.Hook{
		{Event: harness.EventLimit, When: "exceeded_field == \"turns\"", Action: harness.Action{DirectiveRef: "escalate"}},
	}
	bus := harness.NewBus(hooks, nil, nil)
	matched, err := bus.Dispatch(harness.HookFields{Event: harness.EventLimit, ExceededField: "spend"}, nil)
	require.NoError(t, err)
	require.Empty(t, matched)
}

func TestHookBusFailFastOnSubscriberError(t *testing.T) {
	hooks := []harness.Hook{
		{Event: harness.EventError, Action: harness.Action{DirectiveRef: "first"}},
		{Event: harness.EventError, Action: harness.Action{DirectiveRef: "second"}},
	}
	bus := harness.NewBus(hooks, nil, nil)
	calls := 0
	boom := errors.New("boom")
	_, err := bus.Dispatch(harness.HookFields{Event: harness.EventError}, func(a harness.Action) error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, calls, "fail-fast stops after the first subscriber errors")
}
