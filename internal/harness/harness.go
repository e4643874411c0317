// Package harness implements the per-thread safety harness: resolved
// limits, the hook table, cost accounting, and the cancellation flag a
// thread checks at every loop checkpoint. Limit resolution's
// never-widen-only-narrow clamp is grounded directly on this codebase's
// policy-engine limitCap helper, generalized from a single call-cap field to
// every numeric limit a thread tracks.
package harness

import (
	"os"
	"sync"
	"sync/atomic"

	"rye.dev/core/internal/capability"
	"rye.dev/core/internal/coreerr"
)

// Limits is the resolved set of numeric bounds a thread must respect.
type Limits struct {
	Turns    int
	Tokens   int
	Spend    float64
	Duration int // seconds
	Depth    int
	Spawns   int
}

// limitCap narrows current to at most limit; a non-positive limit means "no
// parent constraint at this level" and leaves current untouched. This is the
// same clamp-never-widen shape as the policy engine's tool-call cap, lifted
// to every numeric field a harness resolves.
func limitCap(current, limit int) int {
	if limit <= 0 {
		return current
	}
	if current <= 0 || current > limit {
		return limit
	}
	return current
}

func limitCapF(current, limit float64) float64 {
	if limit <= 0 {
		return current
	}
	if current <= 0 || current > limit {
		return limit
	}
	return current
}

// ResolveLimits overlays configuration defaults, then directive-declared
// limits, then explicit caller overrides, then clamps every field to the
// parent's effective limit (never widening). Depth is parent_depth - 1;
// callers must reject the thread if the result is negative.
func ResolveLimits(defaults, declared, overrides Limits, parent *Limits) (Limits, error) {
	effective := defaults
	effective = overlay(effective, declared)
	effective = overlay(effective, overrides)

	if parent != nil {
		effective.Turns = limitCap(effective.Turns, parent.Turns)
		effective.Tokens = limitCap(effective.Tokens, parent.Tokens)
		effective.Spend = limitCapF(effective.Spend, parent.Spend)
		effective.Duration = limitCap(effective.Duration, parent.Duration)
		effective.Spawns = limitCap(effective.Spawns, parent.Spawns)
		effective.Depth = parent.Depth - 1
	}

	if effective.Depth < 0 {
		return Limits{}, coreerr.New(coreerr.SpawnDepthExceeded, "resolved depth is negative")
	}
	return effective, nil
}

// overlay returns base with every non-zero field in patch applied on top.
func overlay(base, patch Limits) Limits {
	if patch.Turns != 0 {
		base.Turns = patch.Turns
	}
	if patch.Tokens != 0 {
		base.Tokens = patch.Tokens
	}
	if patch.Spend != 0 {
		base.Spend = patch.Spend
	}
	if patch.Duration != 0 {
		base.Duration = patch.Duration
	}
	if patch.Depth != 0 {
		base.Depth = patch.Depth
	}
	if patch.Spawns != 0 {
		base.Spawns = patch.Spawns
	}
	return base
}

// Event names a harness hook point.
type Event string

const (
	EventBeforeStep              Event = "before_step"
	EventAfterStep                Event = "after_step"
	EventError                    Event = "error"
	EventLimit                    Event = "limit"
	EventAfterComplete            Event = "after_complete"
	EventContextWindowPressure     Event = "context_window_pressure"
)

// HookFields is the pre-computed set of event data a hook's when-expression
// may reference. No arbitrary code ever runs — only comparisons against
// these fields.
type HookFields struct {
	Event          Event
	Cost           Cost
	Limit          Limits
	ExceededField  string
	TokenRatio     float64
	ErrorCode      string
}

// Action is what a matched hook does: run a directive by reference, carrying
// its own (necessarily narrower or equal) capability token.
type Action struct {
	DirectiveRef string
	Params       map[string]any
}

// Hook is a (event, when, action) triple. When is a tiny closed boolean
// expression evaluated against HookFields — see EvalWhen.
type Hook struct {
	Event  Event
	When   string
	Action Action
	Source string // "directive" | "project" | "infrastructure"
}

// Cost is the cumulative resource usage a thread has consumed so far.
type Cost struct {
	Turns    int
	Tokens   int
	Spend    float64
	Duration int
	Spawns   int
}

// LimitCode reports which bound, if any, check_limits found exceeded.
type LimitCode string

const (
	LimitOK           LimitCode = "ok"
	LimitTurns        LimitCode = "turns"
	LimitTokens       LimitCode = "tokens"
	LimitSpend        LimitCode = "spend"
	LimitDuration     LimitCode = "duration"
	LimitSpawns       LimitCode = "spawns"
	LimitLedgerBudget LimitCode = "ledger_budget"
)

// RemainingChecker reports whether the hierarchical ledger still has budget
// for this thread; the harness never talks to the ledger store directly.
type RemainingChecker func() (remaining float64, err error)

// Bus is the in-process fan-out hook dispatcher: publish-to-all-subscribers,
// registration-ordered, fail-fast on the first subscriber error. This is
// architecturally identical to this codebase's event-bus hook-dispatch
// layer, narrowed to the harness's six event names.
type Bus struct {
	mu    sync.Mutex
	hooks map[Event][]Hook
}

// NewBus composes hooks from three layers, directive-declared first,
// then project defaults, then infrastructure defaults, preserving
// registration order within and across layers.
func NewBus(directive, project, infrastructure []Hook) *Bus {
	b := &Bus{hooks: make(map[Event][]Hook)}
	for _, layer := range [][]Hook{directive, project, infrastructure} {
		for _, h := range layer {
			b.hooks[h.Event] = append(b.hooks[h.Event], h)
		}
	}
	return b
}

// Dispatch evaluates every hook registered for fields.Event in registration
// order, running the Actions of those whose When expression matches.
// Returns the first subscriber error encountered, or the list of matched
// actions.
func (b *Bus) Dispatch(fields HookFields, run func(Action) error) ([]Action, error) {
	b.mu.Lock()
	hooks := append([]Hook(nil), b.hooks[fields.Event]...)
	b.mu.Unlock()

	var matched []Action
	for _, h := range hooks {
		ok, err := EvalWhen(h.When, fields)
		if err != nil {
			return matched, coreerr.Wrap(coreerr.Config, "evaluating hook when-expression", err)
		}
		if !ok {
			continue
		}
		matched = append(matched, h.Action)
		if run != nil {
			if err := run(h.Action); err != nil {
				return matched, err
			}
		}
	}
	return matched, nil
}

// Harness is the per-thread safety object: resolved limits, effective
// capability token, hook bus, cost accumulator, cancellation flag, and a
// closure back into the budget ledger for check_limits' final clause.
type Harness struct {
	ThreadID   string
	Limits     Limits
	Token      capability.Token
	Bus        *Bus
	remaining  RemainingChecker
	poisonFile string

	mu        sync.Mutex
	cost      Cost
	cancelled atomic.Bool
}

// New builds a Harness. poisonFile, if non-empty, is checked by IsCancelled
// in addition to the in-process flag, so a cancellation survives a process
// restart mid-thread.
func New(threadID string, limits Limits, token capability.Token, bus *Bus, remaining RemainingChecker, poisonFile string) *Harness {
	return &Harness{ThreadID: threadID, Limits: limits, Token: token, Bus: bus, remaining: remaining, poisonFile: poisonFile}
}

// AddCost accumulates spend against the harness's running totals.
func (h *Harness) AddCost(delta Cost) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cost.Turns += delta.Turns
	h.cost.Tokens += delta.Tokens
	h.cost.Spend += delta.Spend
	h.cost.Duration += delta.Duration
	h.cost.Spawns += delta.Spawns
}

// Cost returns a snapshot of accumulated cost.
func (h *Harness) Cost() Cost {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cost
}

// CheckLimits returns LimitOK, or the first bound exceeded by the current
// cost snapshot, or the ledger budget exhaustion code if the hierarchical
// remaining-budget check fails.
func (h *Harness) CheckLimits() (LimitCode, error) {
	cost := h.Cost()

	switch {
	case h.Limits.Turns > 0 && cost.Turns >= h.Limits.Turns:
		return LimitTurns, nil
	case h.Limits.Tokens > 0 && cost.Tokens >= h.Limits.Tokens:
		return LimitTokens, nil
	case h.Limits.Spend > 0 && cost.Spend >= h.Limits.Spend:
		return LimitSpend, nil
	case h.Limits.Duration > 0 && cost.Duration >= h.Limits.Duration:
		return LimitDuration, nil
	case h.Limits.Spawns > 0 && cost.Spawns >= h.Limits.Spawns:
		return LimitSpawns, nil
	}

	if h.remaining != nil {
		remaining, err := h.remaining()
		if err != nil {
			return LimitOK, err
		}
		if remaining <= 0 {
			return LimitLedgerBudget, nil
		}
	}
	return LimitOK, nil
}

// Cancel sets the in-process cancellation flag and writes the durable
// poison-file marker, if configured, so cancellation is observable even if
// the process restarts before the thread next checks in.
func (h *Harness) Cancel() error {
	h.cancelled.Store(true)
	if h.poisonFile == "" {
		return nil
	}
	if err := os.WriteFile(h.poisonFile, []byte("cancelled"), 0o644); err != nil {
		return coreerr.Wrap(coreerr.FileSystem, "writing cancellation marker", err)
	}
	return nil
}

// IsCancelled reports the in-process flag, or the durable marker's
// existence if the flag was never set in this process (e.g. after a
// restart).
func (h *Harness) IsCancelled() bool {
	if h.cancelled.Load() {
		return true
	}
	if h.poisonFile == "" {
		return false
	}
	if _, err := os.Stat(h.poisonFile); err == nil {
		h.cancelled.Store(true)
		return true
	}
	return false
}

// CheckPermission reports whether required is covered by the harness's
// effective capability token. Hooks can narrow or augment thread behavior
// but must never call this with a pattern wider than the token already
// carries — the harness offers no widen path at all.
func (h *Harness) CheckPermission(required string) bool {
	return h.Token.Check(required)
}
