// Package policy codifies policy evaluation and enforcement for agent
// threads. Policy engines decide which tools are available to a thread on
// each turn, enforce resource caps (max tool calls, consecutive failures,
// time budgets), and react to tool retry hints. This allows runtime-level
// control over thread behavior without modifying execution-chain or tool
// implementations.
package policy

import (
	"context"
	"time"
)

type (
	// Engine decides which tools remain available to a thread on each turn.
	// The thread runner invokes the policy engine before each turn (start and
	// resume) to compute the allowlist and update caps. This enables dynamic
	// tool filtering, circuit breaking, and budget enforcement without the
	// turn loop needing to know about policy internals.
	//
	// Implementations can inspect retry hints, track failure patterns, consult
	// external systems (approval workflows, rate limiters), or apply
	// rule-based logic to restrict tool access. The default implementation (if
	// no Engine is configured) allows all tools and enforces basic cap
	// counting.
	Engine interface {
		// Decide evaluates policy constraints and returns the decision for
		// this turn. The runner passes candidate tools, remaining caps, retry
		// hints, and thread context. Returns an error if the policy engine
		// fails (e.g., external system unavailable); this terminates the
		// thread.
		//
		// Implementations should be fast (< 100ms) to avoid blocking turn
		// execution. Heavy operations (API calls, database lookups) should use
		// caching or background precomputation.
		Decide(ctx context.Context, input Input) (Decision, error)
	}

	// ThreadContext carries the thread-level identifiers, labels, and caps
	// configuration made available to policy decisions. It intentionally
	// mirrors only the fields a policy engine needs, not the full thread
	// runner state, to avoid import cycles between policy and the runner.
	ThreadContext struct {
		// ThreadID identifies the thread being evaluated.
		ThreadID string

		// ParentThreadID identifies the spawning thread, empty for root threads.
		ParentThreadID string

		// Labels are arbitrary key/value pairs describing the thread (for
		// example, {"environment": "production"}).
		Labels map[string]string
	}

	// Input groups all the information made available to the policy engine
	// for decision making. The thread runner constructs this before each turn.
	Input struct {
		// Thread carries thread-level identifiers, labels, and caps
		// configuration. Policies can inspect labels for routing decisions
		// (e.g., allow privileged tools for "admin" threads).
		Thread ThreadContext

		// Tools lists all candidate tools allowed by the resolved directive
		// chain and runtime registration. The policy engine filters this list
		// down to the allowlist for the current turn.
		Tools []ToolMetadata

		// RetryHint carries tool-loop suggestions after a tool failure (e.g.,
		// "disable this tool", "increase timeout"). Nil if no hint was
		// provided. Policies can honor or ignore these hints based on
		// configuration.
		RetryHint *RetryHint

		// RemainingCaps reflects the current execution budgets (remaining
		// tool calls, consecutive failures allowed, time budget). Policies use
		// this to decide whether to allow more tool invocations or terminate
		// the thread.
		RemainingCaps CapsState

		// Requested enumerates tools explicitly requested by the caller or by
		// a prior tool_use part (e.g., via caller override). Policies can use
		// this to prioritize or restrict requested tools.
		Requested []ToolHandle

		// Labels are arbitrary key/value pairs propagated to policy
		// decisions. These come from ThreadContext or may be augmented by
		// prior policy decisions.
		Labels map[string]string
	}

	// Decision captures the outcome of a policy evaluation for a turn. The
	// thread runner applies this decision before invoking the model: it
	// filters tools to the allowlist, updates caps, and may terminate the
	// thread if DisableTools is true.
	Decision struct {
		// AllowedTools is the final allowlist of tools for this turn. The
		// runner ensures the model can only invoke tools in this list. Empty
		// means no tools are allowed (the model must produce a final
		// response).
		AllowedTools []ToolHandle

		// Caps carries the updated caps that should be enforced for this turn
		// and subsequent turns. Policies can decrement counts (consume
		// budget) or adjust limits based on observed behavior.
		Caps CapsState

		// DisableTools signals that no further tool calls should be executed
		// for this thread. If true, the runner forces a final response or
		// terminates with an error. Used for circuit breaking or budget
		// exhaustion.
		DisableTools bool

		// Labels allows policies to annotate downstream telemetry or hooks.
		// These labels are merged into ThreadContext and propagated to
		// subsequent turns. Example: {"policy_applied": "failure_circuit_breaker"}.
		Labels map[string]string

		// Metadata captures policy-specific information (e.g., reason codes,
		// approval IDs) that should be persisted for audit trails or surfaced
		// via hooks.
		Metadata map[string]any
	}

	// ToolMetadata describes a candidate tool available to the thread. The
	// runner provides this metadata to the policy engine for filtering and
	// allowlist decisions.
	ToolMetadata struct {
		// ID is the fully qualified tool identifier (e.g.,
		// "weather.search.forecast"). Format matches capability pattern
		// segments: <namespace>.<toolset>.<tool>.
		ID string

		// Name is the human-readable tool name (e.g., "Get Weather
		// Forecast"). Used for UI display or logging.
		Name string

		// Description documents the tool's purpose and behavior. Policies may
		// inspect this for keyword-based filtering (e.g., block tools
		// mentioning "delete").
		Description string

		// Tags lists metadata labels for filtering (e.g., ["privileged",
		// "external"]). Policies can allowlist/blocklist based on tags
		// without hardcoding tool IDs.
		Tags []string
	}

	// ToolHandle identifies a tool by its fully qualified ID. Used in
	// allowlists, requested tool lists, and policy decisions to reference
	// specific tools without carrying full metadata.
	ToolHandle struct {
		// ID is the fully qualified tool identifier (matches ToolMetadata.ID).
		ID string
	}

	// CapsState tracks remaining execution budgets for a thread. The runner
	// decrements these counters as tool calls execute and failures occur.
	// When caps are exhausted, the runner terminates the thread or forces a
	// final response. This is independent of and complementary to the
	// spend-denominated harness limits: CapsState governs tool-call shape,
	// the harness governs turns/tokens/spend/duration/depth/spawns.
	CapsState struct {
		// MaxToolCalls is the total allowed tool invocations for the thread.
		// Zero means unlimited.
		MaxToolCalls int

		// RemainingToolCalls tracks how many tool invocations are still
		// allowed. The runner decrements this after each tool execution
		// (success or failure). When this reaches zero, no more tool calls
		// are permitted.
		RemainingToolCalls int

		// MaxConsecutiveFailedToolCalls caps consecutive failures per thread.
		// Zero means unlimited. Used for circuit breaking: if N tools fail in
		// a row, terminate.
		MaxConsecutiveFailedToolCalls int

		// RemainingConsecutiveFailedToolCalls tracks how many consecutive
		// failures are allowed before circuit breaking. The runner decrements
		// this on each failure and resets it to
		// MaxConsecutiveFailedToolCalls on success. When this reaches zero,
		// the thread is terminated.
		RemainingConsecutiveFailedToolCalls int

		// ExpiresAt conveys when the thread-level budgets expire (wall-clock
		// deadline). Zero means no deadline. The runner terminates the thread
		// if time.Now() exceeds this timestamp.
		ExpiresAt time.Time
	}
)

// RetryReason categorizes tool-loop failures communicated via RetryHint.
type RetryReason string

const (
	RetryReasonInvalidArguments  RetryReason = "invalid_arguments"
	RetryReasonMissingFields     RetryReason = "missing_fields"
	RetryReasonMalformedResponse RetryReason = "malformed_response"
	RetryReasonTimeout           RetryReason = "timeout"
	RetryReasonRateLimited       RetryReason = "rate_limited"
	RetryReasonToolUnavailable   RetryReason = "tool_unavailable"
)

// RetryHint communicates tool-loop guidance after tool failures so policy
// engines can adjust allowlists or caps. The runner converts execution-chain
// failures into this type before invoking Engine.Decide.
type RetryHint struct {
	Reason             RetryReason
	Tool               string
	RestrictToTool     bool
	MissingFields      []string
	ExampleInput       map[string]any
	PriorInput         map[string]any
	ClarifyingQuestion string
	Message            string
}
