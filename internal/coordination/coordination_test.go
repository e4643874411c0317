package coordination_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"rye.dev/core/internal/coordination"
)

func TestSpawnAndAwaitCompletion(t *testing.T) {
	eng := coordination.NewInProcessEngine()
	require.NoError(t, eng.Register("child-1", "root-1"))

	_, err := eng.Spawn(context.Background(), "child-1", func(ctx context.Context, tc *coordination.TaskContext) (any, error) {
		return "done", nil
	})
	require.NoError(t, err)

	res, err := eng.Await(context.Background(), "child-1")
	require.NoError(t, err)
	require.Equal(t, coordination.StatusCompleted, res.Status)
	require.Equal(t, "done", res.Output)
}

func TestAwaitBeforeSpawnNeverRaces(t *testing.T) {
	// Registration happens before the goroutine starts, so a sibling that
	// calls Await immediately after Register (before Spawn runs) still
	// blocks on the real completion channel instead of erroring.
	eng := coordination.NewInProcessEngine()
	require.NoError(t, eng.Register("child-1", "root-1"))

	done := make(chan struct{})
	go func() {
		res, err := eng.Await(context.Background(), "child-1")
		require.NoError(t, err)
		require.Equal(t, coordination.StatusCompleted, res.Status)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	_, err := eng.Spawn(context.Background(), "child-1", func(ctx context.Context, tc *coordination.TaskContext) (any, error) {
		return nil, nil
	})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("await never observed completion")
	}
}

func TestCancelPropagatesToTaskContext(t *testing.T) {
	eng := coordination.NewInProcessEngine()
	require.NoError(t, eng.Register("child-1", "root-1"))

	cancelled := make(chan struct{})
	_, err := eng.Spawn(context.Background(), "child-1", func(ctx context.Context, tc *coordination.TaskContext) (any, error) {
		<-tc.Done()
		close(cancelled)
		return nil, nil
	})
	require.NoError(t, err)

	require.NoError(t, eng.Cancel("child-1"))

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("task never observed cancellation")
	}

	res, err := eng.Await(context.Background(), "child-1")
	require.NoError(t, err)
	require.Equal(t, coordination.StatusCancelled, res.Status)
}

func TestCancelPropagatesToRegisteredChildren(t *testing.T) {
	eng := coordination.NewInProcessEngine()
	require.NoError(t, eng.Register("parent-1", ""))
	require.NoError(t, eng.Register("child-1", "parent-1"))

	cancelled := make(chan struct{})
	_, err := eng.Spawn(context.Background(), "child-1", func(ctx context.Context, tc *coordination.TaskContext) (any, error) {
		<-tc.Done()
		close(cancelled)
		return nil, nil
	})
	require.NoError(t, err)
	_, err = eng.Spawn(context.Background(), "parent-1", func(ctx context.Context, tc *coordination.TaskContext) (any, error) {
		<-tc.Done()
		return nil, nil
	})
	require.NoError(t, err)

	require.NoError(t, eng.Cancel("parent-1"))

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("child never observed cascading cancellation")
	}
}

func TestAwaitUnknownThreadFails(t *testing.T) {
	eng := coordination.NewInProcessEngine()
	_, err := eng.Await(context.Background(), "missing")
	require.Error(t, err)
}

func TestAwaitTimesOutOnContextDeadline(t *testing.T) {
	eng := coordination.NewInProcessEngine()
	require.NoError(t, eng.Register("child-1", ""))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, err := eng.Await(ctx, "child-1")
	require.Error(t, err)
}
