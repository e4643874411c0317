// Package coordination provides the in-process task and completion registries
// that back thread spawning and the "wait" tool. Every exchange happens
// through goroutines and channels inside one process; there is no
// out-of-process polling or wire transport here. The Engine/TaskContext/
// Future shape is grounded directly on this codebase's pluggable workflow
// engine abstraction, narrowed from a generic workflow-activity model to the
// specific thread-spawn/await-completion operations a thread needs. The
// in-memory implementation returned by NewInProcessEngine is the only one.
package coordination

import (
	"context"
	"sync"

	"rye.dev/core/internal/coreerr"
)

// Status is the lifecycle state of a registered task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Result is what a completed task produced.
type Result struct {
	ThreadID string
	Output   any
	Err      error
	Status   Status
}

// Future resolves to a task's Result once it completes. Get may be called
// any number of times and always returns the same value.
type Future interface {
	Get(ctx context.Context) (Result, error)
	IsReady() bool
}

// TaskFunc is the body a registered task runs. It receives the coordination
// context so it can, in turn, spawn and await its own children.
type TaskFunc func(ctx context.Context, tc *TaskContext) (any, error)

// Engine registers and starts tasks. NewInProcessEngine returns the only
// implementation, and TaskContext is bound to it.
type Engine interface {
	// Register pre-creates a pending entry for threadID before the task's
	// goroutine starts, closing the race where a sibling could try to await
	// a thread whose entry does not exist yet.
	Register(threadID, parentThreadID string) error
	// Spawn runs fn in a new goroutine under threadID, which must already be
	// Register-ed.
	Spawn(ctx context.Context, threadID string, fn TaskFunc) (Future, error)
	// Await blocks until threadID completes, or ctx is done.
	Await(ctx context.Context, threadID string) (Result, error)
	// Status reports the current lifecycle state of threadID.
	Status(threadID string) (Status, error)
	// Cancel marks threadID and its registered descendants cancelled; tasks
	// observe cancellation through their TaskContext's Done channel.
	Cancel(threadID string) error
}

// TaskContext is handed to a running TaskFunc.
type TaskContext struct {
	ThreadID       string
	ParentThreadID string
	engine         *inProcEngine
}

// Done returns a channel closed when this task's thread is cancelled.
func (tc *TaskContext) Done() <-chan struct{} {
	tc.engine.mu.RLock()
	defer tc.engine.mu.RUnlock()
	return tc.engine.entries[tc.ThreadID].cancelCh
}

type entry struct {
	status         Status
	parentThreadID string
	done           chan struct{}
	cancelCh       chan struct{}
	cancelOnce     sync.Once
	result         Result
}

type inProcEngine struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// NewInProcessEngine returns the default in-process coordination Engine.
func NewInProcessEngine() Engine {
	return &inProcEngine{entries: make(map[string]*entry)}
}

func (e *inProcEngine) Register(threadID, parentThreadID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.entries[threadID]; exists {
		return coreerr.New(coreerr.ThreadNotFound, "thread already registered: "+threadID)
	}
	e.entries[threadID] = &entry{
		status:         StatusPending,
		parentThreadID: parentThreadID,
		done:           make(chan struct{}),
		cancelCh:       make(chan struct{}),
	}
	return nil
}

func (e *inProcEngine) Spawn(ctx context.Context, threadID string, fn TaskFunc) (Future, error) {
	e.mu.Lock()
	ent, ok := e.entries[threadID]
	if !ok {
		e.mu.Unlock()
		return nil, coreerr.New(coreerr.ThreadNotFound, "thread not registered: "+threadID)
	}
	ent.status = StatusRunning
	e.mu.Unlock()

	tc := &TaskContext{ThreadID: threadID, ParentThreadID: ent.parentThreadID, engine: e}

	go func() {
		defer close(ent.done)
		out, err := fn(ctx, tc)

		e.mu.Lock()
		defer e.mu.Unlock()
		select {
		case <-ent.cancelCh:
			ent.status = StatusCancelled
		default:
			if err != nil {
				ent.status = StatusFailed
			} else {
				ent.status = StatusCompleted
			}
		}
		ent.result = Result{ThreadID: threadID, Output: out, Err: err, Status: ent.status}
	}()

	return &future{engine: e, threadID: threadID}, nil
}

func (e *inProcEngine) Await(ctx context.Context, threadID string) (Result, error) {
	e.mu.RLock()
	ent, ok := e.entries[threadID]
	e.mu.RUnlock()
	if !ok {
		return Result{}, coreerr.New(coreerr.ThreadNotFound, "thread not registered: "+threadID)
	}
	select {
	case <-ctx.Done():
		return Result{}, coreerr.Wrap(coreerr.WaitTimeout, "awaiting thread "+threadID, ctx.Err())
	case <-ent.done:
		e.mu.RLock()
		defer e.mu.RUnlock()
		return ent.result, nil
	}
}

func (e *inProcEngine) Status(threadID string) (Status, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ent, ok := e.entries[threadID]
	if !ok {
		return "", coreerr.New(coreerr.ThreadNotFound, "thread not registered: "+threadID)
	}
	return ent.status, nil
}

func (e *inProcEngine) Cancel(threadID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.entries[threadID]
	if !ok {
		return coreerr.New(coreerr.ThreadNotFound, "thread not registered: "+threadID)
	}
	ent.cancelOnce.Do(func() { close(ent.cancelCh) })
	seen := map[string]bool{threadID: true}
	queue := []string{threadID}
	for len(queue) > 0 {
		parent := queue[0]
		queue = queue[1:]
		for id, e2 := range e.entries {
			if !seen[id] && e2.parentThreadID == parent {
				seen[id] = true
				e2.cancelOnce.Do(func() { close(e2.cancelCh) })
				queue = append(queue, id)
			}
		}
	}
	return nil
}

type future struct {
	engine   *inProcEngine
	threadID string
}

func (f *future) Get(ctx context.Context) (Result, error) {
	return f.engine.Await(ctx, f.threadID)
}

func (f *future) IsReady() bool {
	f.engine.mu.RLock()
	ent, ok := f.engine.entries[f.threadID]
	f.engine.mu.RUnlock()
	if !ok {
		return false
	}
	select {
	case <-ent.done:
		return true
	default:
		return false
	}
}
