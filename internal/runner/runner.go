package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"rye.dev/core/internal/capability"
	"rye.dev/core/internal/chain"
	"rye.dev/core/internal/coordination"
	"rye.dev/core/internal/coreerr"
	"rye.dev/core/internal/harness"
	"rye.dev/core/internal/integrity"
	"rye.dev/core/internal/item"
	"rye.dev/core/internal/ledger"
	"rye.dev/core/internal/space"
	"rye.dev/core/internal/telemetry"
	"rye.dev/core/runtime/agent/model"
	"rye.dev/core/runtime/agent/policy"
)

// defaultMaxConcurrentDispatches is the concurrency cap §4.7 names for
// parallel tool dispatch within one turn.
const defaultMaxConcurrentDispatches = 25

// defaultContextPressureRatio is the cumulative-tokens / token-limit ratio
// at which the context_window_pressure hook fires.
const defaultContextPressureRatio = 0.8

// Config bundles the thread runner's tunables.
type Config struct {
	DefaultLimits              harness.Limits
	MaxConcurrentDispatches    int
	ContextWindowPressureRatio float64
	StateDir                   string // base dir for per-thread persisted state (transcript, poison file)
	ProjectHooks               []harness.Hook
	InfrastructureHooks        []harness.Hook
}

// Deps wires every other core component the runner orchestrates.
type Deps struct {
	Resolver  *space.Resolver
	Trust     integrity.TrustStore
	Cache     *integrity.Cache
	Ledger    *ledger.Ledger
	Engine    coordination.Engine
	Executor  *chain.Executor
	Providers map[model.ModelClass]model.Client
	ToolDefs  []*model.ToolDefinition // catalog of tools/directives surfaced to the model, exclusive of the built-in "wait" tool
	Policy    policy.Engine           // optional; nil means every candidate tool is offered every turn with no caps
	Logger    telemetry.Logger
	Metrics   telemetry.Metrics
	Config    Config
	Clock     func() time.Time
}

// Runner is the thread runner: it owns no state of its own beyond Deps, so a
// single Runner safely serves many concurrent threads.
type Runner struct {
	deps Deps
}

// New builds a Runner, filling in unset Config tunables with their defaults.
func New(deps Deps) *Runner {
	if deps.Config.MaxConcurrentDispatches <= 0 {
		deps.Config.MaxConcurrentDispatches = defaultMaxConcurrentDispatches
	}
	if deps.Config.ContextWindowPressureRatio <= 0 {
		deps.Config.ContextWindowPressureRatio = defaultContextPressureRatio
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	return &Runner{deps: deps}
}

// StartOptions parameterizes a root thread invocation — the (item_type,
// item_id, parameters) shape of the public execute() operation (§6) for the
// directive case.
type StartOptions struct {
	DirectiveID string
	Inputs      map[string]any
	Overrides   harness.Limits
}

// ThreadResult is what a thread produces once it reaches a terminal state.
type ThreadResult struct {
	ThreadID string
	Status   ledger.ThreadStatus
	Text     string
	Error    *coreerr.Error
}

// Start runs a root thread (no parent) to completion and returns its
// result. Root threads mint their capability token directly from the
// directive's declared permissions (§4.5) rather than attenuating a parent.
func (r *Runner) Start(ctx context.Context, opts StartOptions) (*ThreadResult, error) {
	threadID := r.newThreadID(opts.DirectiveID)
	return r.execute(ctx, runRequest{
		DirectiveID: opts.DirectiveID,
		Inputs:      opts.Inputs,
		Overrides:   opts.Overrides,
		ThreadID:    threadID,
	})
}

// StartAsync starts a root thread fire-and-forget: the thread is registered
// with the coordination engine and begins running in its own goroutine: the
// caller gets the thread id back immediately rather than blocking for
// completion. Status/Await against the returned id works the same way it
// does for any child thread spawned by dispatchChild.
func (r *Runner) StartAsync(ctx context.Context, opts StartOptions) (string, error) {
	threadID := r.newThreadID(opts.DirectiveID)
	if err := r.deps.Engine.Register(threadID, ""); err != nil {
		return "", err
	}
	_, err := r.deps.Engine.Spawn(ctx, threadID, func(spawnCtx context.Context, _ *coordination.TaskContext) (any, error) {
		return r.execute(spawnCtx, runRequest{
			DirectiveID: opts.DirectiveID,
			Inputs:      opts.Inputs,
			Overrides:   opts.Overrides,
			ThreadID:    threadID,
		})
	})
	if err != nil {
		return "", err
	}
	return threadID, nil
}

// runRequest is the internal shape shared by root Start and the recursive
// child-thread spawn path (dispatchChild).
type runRequest struct {
	DirectiveID string
	Inputs      map[string]any

	ParentToken          *capability.Token
	ParentThreadID       string
	ParentLimits         *harness.Limits
	ParentSpawnIncrement func() error // nil for root threads

	Overrides harness.Limits
	ThreadID  string
}

func (r *Runner) newThreadID(directiveID string) string {
	return fmt.Sprintf("%s-%d-%s", directiveID, r.deps.Clock().Unix(), uuid.NewString()[:8])
}

func (r *Runner) threadDir(threadID string) string {
	if r.deps.Config.StateDir == "" {
		return filepath.Join(".", ".rye", "threads", threadID)
	}
	return filepath.Join(r.deps.Config.StateDir, threadID)
}

// execute is the full startup-sequence-plus-turn-loop implementation of
// §4.7, shared by root invocations and every spawned child thread.
func (r *Runner) execute(ctx context.Context, req runRequest) (result *ThreadResult, outerErr error) {
	logger := r.deps.Logger
	if logger != nil {
		logger = logger.With("thread_id", req.ThreadID, "parent_thread_id", req.ParentThreadID)
	}

	directive, err := loadDirective(r.deps.Resolver, r.deps.Trust, r.deps.Cache, req.DirectiveID)
	if err != nil {
		return nil, err
	}

	declared := toHarnessLimits(directive.Meta.Limits)
	effLimits, err := harness.ResolveLimits(r.deps.Config.DefaultLimits, declared, req.Overrides, req.ParentLimits)
	if err != nil {
		return nil, err
	}

	if req.ParentSpawnIncrement != nil {
		if err := req.ParentSpawnIncrement(); err != nil {
			return nil, err
		}
	}

	if err := r.deps.Ledger.RegisterThread(ctx, req.ThreadID, req.ParentThreadID, req.DirectiveID, effLimits.Depth); err != nil {
		return nil, err
	}

	// Capability token: mint at root, attenuate-only-narrows everywhere else
	// (§4.5 — a child invoked without an injected parent token is a hard
	// PermissionDenied, never a fallback mint).
	var token capability.Token
	if req.ParentThreadID == "" {
		token, err = capability.Mint(req.ThreadID, directive.Meta.Permissions.Patterns, r.deps.Clock())
		if err != nil {
			return nil, r.terminalError(ctx, req.ThreadID, err)
		}
	} else {
		if req.ParentToken == nil {
			return nil, r.terminalError(ctx, req.ThreadID,
				coreerr.New(coreerr.PermissionDenied, "child thread "+req.ThreadID+" invoked without an injected parent token"))
		}
		attn, aerr := capability.Attenuate(*req.ParentToken, directive.Meta.Permissions.Patterns, req.ThreadID, r.deps.Clock())
		if aerr != nil {
			return nil, r.terminalError(ctx, req.ThreadID, aerr)
		}
		token = attn.Token
		if logger != nil {
			for _, d := range attn.Dropped {
				logger.Warn(ctx, "capability pattern dropped during attenuation", "pattern", d)
			}
		}
	}

	// Budget reservation: every non-root thread must declare spend, per
	// ledger.ErrNoBudgetDeclared.
	if req.ParentThreadID != "" && effLimits.Spend <= 0 {
		return nil, r.terminalError(ctx, req.ThreadID, ledger.ErrNoBudgetDeclared(req.ThreadID))
	}
	ok, err := r.deps.Ledger.Reserve(ctx, req.ParentThreadID, req.ThreadID, effLimits.Spend)
	if err != nil {
		return nil, r.terminalError(ctx, req.ThreadID, err)
	}
	if !ok {
		return nil, r.terminalError(ctx, req.ThreadID,
			coreerr.New(coreerr.BudgetExceeded, "parent has insufficient remaining budget for "+req.ThreadID))
	}

	bus := harness.NewBus(directiveHooks(directive.Meta.Hooks), r.deps.Config.ProjectHooks, r.deps.Config.InfrastructureHooks)
	poisonFile := filepath.Join(r.threadDir(req.ThreadID), "cancel.requested")
	h := harness.New(req.ThreadID, effLimits, token, bus, r.remainingChecker(ctx, req.ThreadID), poisonFile)

	transcript, err := OpenTranscript(r.threadDir(req.ThreadID), req.ThreadID)
	if err != nil {
		return nil, r.terminalError(ctx, req.ThreadID, err)
	}
	defer transcript.Close()

	status := ledger.ThreadRunning
	reason := ledger.SuspendNone
	var resultText string
	var resultErr *coreerr.Error

	defer func() {
		cost := h.Cost()
		bg := context.Background()
		_ = r.deps.Ledger.ReportActual(bg, req.ThreadID, cost.Spend)
		if status == ledger.ThreadRunning {
			status = ledger.ThreadCompleted
		}
		_ = r.deps.Ledger.UpdateThreadStatus(bg, req.ThreadID, status, reason)

		switch status {
		case ledger.ThreadCompleted:
			_ = transcript.Append(EventThreadCompleted, map[string]any{"text": resultText})
		case ledger.ThreadSuspended:
			_ = transcript.Append(EventThreadSuspended, map[string]any{"reason": reason})
		case ledger.ThreadCancelled:
			_ = transcript.Append(EventThreadCancelled, nil)
		case ledger.ThreadError:
			_ = transcript.Append(EventThreadError, map[string]any{"error": resultErr})
		}

		bus.Dispatch(harness.HookFields{Event: harness.EventAfterComplete, Cost: h.Cost(), Limit: h.Limits}, nil)

		result = &ThreadResult{ThreadID: req.ThreadID, Status: status, Text: resultText, Error: resultErr}
	}()

	provider, ok := r.deps.Providers[model.ModelClass(directive.Meta.Model)]
	if !ok {
		resultErr = coreerr.New(coreerr.Config, "no provider registered for model class "+directive.Meta.Model)
		status = ledger.ThreadError
		reason = ledger.SuspendError
		return nil, resultErr
	}

	prefix := r.runBeforeStepHooks(ctx, bus, directive)
	firstBody := interpolateBody(directive.Body, req.Inputs)
	messages := []*model.Message{{
		Role:  model.ConversationRoleUser,
		Parts: []model.Part{model.TextPart{Text: prefix + firstBody}},
	}}

	_ = transcript.Append(EventThreadStarted, map[string]any{
		"directive_id": req.DirectiveID,
		"depth":        effLimits.Depth,
		"inputs":       req.Inputs,
	})

	var capsState policy.CapsState
	var retryHint *policy.RetryHint

	for {
		if code, cerr := h.CheckLimits(); cerr != nil {
			status, reason, resultErr = ledger.ThreadError, ledger.SuspendError, asCoreErr(cerr)
			return nil, resultErr
		} else if code != harness.LimitOK {
			bus.Dispatch(harness.HookFields{Event: harness.EventLimit, Cost: h.Cost(), Limit: h.Limits, ExceededField: string(code)}, nil)
			status, reason = ledger.ThreadSuspended, mapLimitToSuspendReason(code)
			return nil, nil
		}
		if h.IsCancelled() {
			status = ledger.ThreadCancelled
			return nil, nil
		}

		_ = transcript.Append(EventStepStart, map[string]any{"turn": h.Cost().Turns})

		tools := r.toolDefsFor()
		if r.deps.Policy != nil {
			decision, perr := r.deps.Policy.Decide(ctx, policy.Input{
				Thread: policy.ThreadContext{
					ThreadID:       req.ThreadID,
					ParentThreadID: req.ParentThreadID,
				},
				Tools:         toolMetadataFrom(tools),
				RetryHint:     retryHint,
				RemainingCaps: capsState,
			})
			if perr != nil {
				status, reason, resultErr = ledger.ThreadError, ledger.SuspendError, asCoreErr(perr)
				bus.Dispatch(harness.HookFields{Event: harness.EventError, Cost: h.Cost(), ErrorCode: string(coreerr.CodeOf(perr))}, nil)
				return nil, resultErr
			}
			capsState = decision.Caps
			retryHint = nil
			if decision.DisableTools {
				tools = nil
			} else {
				tools = filterToolDefs(tools, decision.AllowedTools)
			}
		}

		streamReq := &model.Request{
			RunID:    req.ThreadID,
			Messages: messages,
			Tools:    tools,
			Stream:   true,
		}
		streamer, serr := provider.Stream(ctx, streamReq)
		if serr != nil {
			status, reason, resultErr = ledger.ThreadError, ledger.SuspendError, asCoreErr(serr)
			bus.Dispatch(harness.HookFields{Event: harness.EventError, Cost: h.Cost(), ErrorCode: string(coreerr.CodeOf(serr))}, nil)
			return nil, resultErr
		}

		text, calls, usage, derr := r.drainStream(streamer, transcript, h)
		_ = streamer.Close()
		if derr != nil {
			status, reason, resultErr = ledger.ThreadError, ledger.SuspendError, asCoreErr(derr)
			bus.Dispatch(harness.HookFields{Event: harness.EventError, Cost: h.Cost(), ErrorCode: string(coreerr.CodeOf(derr))}, nil)
			return nil, resultErr
		}

		h.AddCost(harness.Cost{Turns: 1, Tokens: usage.TotalTokens})
		_ = transcript.Append(EventStepFinish, map[string]any{"turn": h.Cost().Turns, "tool_calls": len(calls)})

		if len(calls) == 0 {
			resultText = text
			status = ledger.ThreadCompleted
			return nil, nil
		}

		outcomes := r.dispatchTurn(ctx, req.ThreadID, h, calls, transcript)
		messages = appendTurn(messages, text, calls, outcomes)

		if r.deps.Policy != nil {
			capsState = applyOutcomesToCaps(capsState, calls, outcomes)
			if hint := retryHintFrom(calls, outcomes); hint != nil {
				retryHint = hint
			}
			if capsState.MaxToolCalls > 0 && capsState.RemainingToolCalls <= 0 {
				status = ledger.ThreadSuspended
				reason = ledger.SuspendBudget
				return nil, nil
			}
			if capsState.MaxConsecutiveFailedToolCalls > 0 && capsState.RemainingConsecutiveFailedToolCalls <= 0 {
				status, reason, resultErr = ledger.ThreadError, ledger.SuspendError,
					asCoreErr(coreerr.New(coreerr.PrimitiveFailure, "thread exceeded consecutive tool failure cap"))
				return nil, resultErr
			}
		}

		bus.Dispatch(harness.HookFields{Event: harness.EventAfterStep, Cost: h.Cost(), Limit: h.Limits}, nil)

		if ratio := contextPressureRatio(h); ratio >= r.deps.Config.ContextWindowPressureRatio {
			bus.Dispatch(harness.HookFields{Event: harness.EventContextWindowPressure, Cost: h.Cost(), TokenRatio: ratio}, nil)
		}
	}
}

func (r *Runner) terminalError(ctx context.Context, threadID string, err error) error {
	ce := asCoreErr(err)
	_ = r.deps.Ledger.ReportActual(ctx, threadID, 0)
	_ = r.deps.Ledger.UpdateThreadStatus(ctx, threadID, ledger.ThreadError, ledger.SuspendError)
	return ce
}

func (r *Runner) remainingChecker(ctx context.Context, threadID string) harness.RemainingChecker {
	return func() (float64, error) {
		remaining, _, err := r.deps.Ledger.CheckRemaining(ctx, threadID)
		return remaining, err
	}
}

func mapLimitToSuspendReason(code harness.LimitCode) ledger.SuspendReason {
	if code == harness.LimitSpend || code == harness.LimitLedgerBudget {
		return ledger.SuspendBudget
	}
	return ledger.SuspendLimit
}

func contextPressureRatio(h *harness.Harness) float64 {
	if h.Limits.Tokens <= 0 {
		return 0
	}
	return float64(h.Cost().Tokens) / float64(h.Limits.Tokens)
}

// directiveHooks adapts a directive's declared <hooks> block into harness
// Hook values (the directive layer of the three-layer hook composition).
func directiveHooks(decls []item.HookDecl) []harness.Hook {
	hooks := make([]harness.Hook, 0, len(decls))
	for _, d := range decls {
		hooks = append(hooks, harness.Hook{
			Event:  harness.Event(d.Event),
			When:   d.When,
			Action: harness.Action{DirectiveRef: d.DirectiveRef},
			Source: "directive",
		})
	}
	return hooks
}

// runBeforeStepHooks evaluates before_step hooks and concatenates the body
// of every knowledge item their actions reference, building the persona/
// rules/domain-context prefix described in §4.7 step 9. A hook action whose
// DirectiveRef does not resolve as a knowledge item is logged and skipped —
// before_step is specifically the "load context" event, not a general
// directive-invocation point.
func (r *Runner) runBeforeStepHooks(ctx context.Context, bus *harness.Bus, directive *loadedDirective) string {
	var sb strings.Builder
	bus.Dispatch(harness.HookFields{Event: harness.EventBeforeStep}, func(a harness.Action) error {
		if a.DirectiveRef == "" {
			return nil
		}
		body, err := LoadKnowledgeBody(r.deps.Resolver, r.deps.Trust, r.deps.Cache, a.DirectiveRef)
		if err != nil {
			if r.deps.Logger != nil {
				r.deps.Logger.Warn(ctx, "before_step hook knowledge load failed", "ref", a.DirectiveRef, "error", err)
			}
			return nil
		}
		sb.WriteString(body)
		sb.WriteString("\n\n")
		return nil
	})
	return sb.String()
}

func (r *Runner) toolDefsFor() []*model.ToolDefinition {
	defs := append([]*model.ToolDefinition(nil), r.deps.ToolDefs...)
	defs = append(defs, waitToolDefinition)
	return defs
}

// toolMetadataFrom projects the model-facing tool catalog into the shape the
// policy engine consumes, so runtime/agent/policy never needs to know about
// runtime/agent/model's JSON-schema-bearing ToolDefinition.
func toolMetadataFrom(defs []*model.ToolDefinition) []policy.ToolMetadata {
	meta := make([]policy.ToolMetadata, 0, len(defs))
	for _, d := range defs {
		meta = append(meta, policy.ToolMetadata{ID: d.Name, Name: d.Name, Description: d.Description})
	}
	return meta
}

// filterToolDefs narrows defs down to the IDs named in allowed, preserving
// defs' order.
func filterToolDefs(defs []*model.ToolDefinition, allowed []policy.ToolHandle) []*model.ToolDefinition {
	if allowed == nil {
		return nil
	}
	keep := make(map[string]struct{}, len(allowed))
	for _, h := range allowed {
		keep[h.ID] = struct{}{}
	}
	filtered := make([]*model.ToolDefinition, 0, len(defs))
	for _, d := range defs {
		if _, ok := keep[d.Name]; ok {
			filtered = append(filtered, d)
		}
	}
	return filtered
}

// applyOutcomesToCaps decrements the policy engine's remaining-call and
// consecutive-failure counters by what this turn's dispatch actually did.
// The policy engine only sets the caps' shape (via Decision.Caps); the
// runner is the one source of truth for how many calls were made.
func applyOutcomesToCaps(caps policy.CapsState, calls []model.ToolCall, outcomes []toolOutcome) policy.CapsState {
	if caps.MaxToolCalls > 0 {
		caps.RemainingToolCalls -= len(calls)
		if caps.RemainingToolCalls < 0 {
			caps.RemainingToolCalls = 0
		}
	}
	if caps.MaxConsecutiveFailedToolCalls > 0 {
		failed := false
		for _, o := range outcomes {
			if o.IsError {
				failed = true
				break
			}
		}
		if failed {
			caps.RemainingConsecutiveFailedToolCalls--
			if caps.RemainingConsecutiveFailedToolCalls < 0 {
				caps.RemainingConsecutiveFailedToolCalls = 0
			}
		} else {
			caps.RemainingConsecutiveFailedToolCalls = caps.MaxConsecutiveFailedToolCalls
		}
	}
	return caps
}

// retryHintFrom surfaces the first failing call in the turn as a RetryHint
// so the next Decide call can react (restrict to that tool, drop it from the
// allowlist, and so on). Returns nil if nothing failed.
func retryHintFrom(calls []model.ToolCall, outcomes []toolOutcome) *policy.RetryHint {
	for i, o := range outcomes {
		if !o.IsError {
			continue
		}
		msg := ""
		if s, ok := o.Result.(string); ok {
			msg = s
		}
		return &policy.RetryHint{
			Reason:  policy.RetryReasonToolUnavailable,
			Tool:    string(calls[i].Name),
			Message: msg,
		}
	}
	return nil
}

var waitToolDefinition = &model.ToolDefinition{
	Name:        "wait",
	Description: "Block until one or more previously spawned child threads reach a terminal state.",
	InputSchema: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"thread_ids":                  map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"require_all":                 map[string]any{"type": "boolean"},
			"fail_fast":                   map[string]any{"type": "boolean"},
			"cancel_siblings_on_failure":  map[string]any{"type": "boolean"},
			"timeout_seconds":             map[string]any{"type": "number"},
		},
		"required": []string{"thread_ids"},
	},
}

// drainStream reads a streamer to completion, accumulating assistant text,
// tool calls, and token usage. Tool calls are recorded as soon as each one
// completes streaming (tool_call_progress), then dispatched together as one
// parallel batch once the stream closes — the turn boundary the spec's
// "dispatch buffered calls" fallback describes.
func (r *Runner) drainStream(s model.Streamer, transcript *Transcript, h *harness.Harness) (string, []model.ToolCall, model.TokenUsage, error) {
	var textBuf strings.Builder
	var calls []model.ToolCall
	var usage model.TokenUsage

	for {
		if h.IsCancelled() {
			return textBuf.String(), calls, usage, coreerr.New(coreerr.Cancelled, "thread cancelled while reading model stream")
		}
		chunk, err := s.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", nil, usage, coreerr.Wrap(coreerr.Timeout, "reading model stream", err)
		}
		switch chunk.Type {
		case model.ChunkTypeText:
			if chunk.Message != nil {
				for _, p := range chunk.Message.Parts {
					if tp, ok := p.(model.TextPart); ok {
						textBuf.WriteString(tp.Text)
					}
				}
			}
		case model.ChunkTypeToolCall:
			if chunk.ToolCall != nil {
				calls = append(calls, *chunk.ToolCall)
				_ = transcript.Append(EventToolCallProgress, map[string]any{"name": string(chunk.ToolCall.Name), "call_id": chunk.ToolCall.ID})
			}
		case model.ChunkTypeUsage:
			if chunk.UsageDelta != nil {
				usage.InputTokens += chunk.UsageDelta.InputTokens
				usage.OutputTokens += chunk.UsageDelta.OutputTokens
				usage.TotalTokens += chunk.UsageDelta.TotalTokens
			}
		}
	}
	_ = transcript.Append(EventCognitionOut, map[string]any{"text": textBuf.String()})
	return textBuf.String(), calls, usage, nil
}

// toolOutcome is the result of dispatching one tool call, ready to be
// spliced into the next user message as a ToolResultPart.
type toolOutcome struct {
	CallID  string
	Result  any
	IsError bool
}

// dispatchTurn runs every call in the turn: calls sharing an item_id (the
// model-requested tool/directive name) run strictly sequentially relative to
// each other; calls with distinct item_ids run concurrently, bounded by
// MaxConcurrentDispatches.
func (r *Runner) dispatchTurn(ctx context.Context, threadID string, h *harness.Harness, calls []model.ToolCall, transcript *Transcript) []toolOutcome {
	var lastByItem sync.Map // item_id -> chan struct{} signaling the previous call's completion
	group, groupCtx := errgroup.WithContext(ctx)
	if n := r.deps.Config.MaxConcurrentDispatches; n > 0 {
		group.SetLimit(n)
	}
	outcomes := make([]toolOutcome, len(calls))

	for i, call := range calls {
		i, call := i, call
		key := string(call.Name)
		myDone := make(chan struct{})
		prevVal, _ := lastByItem.Swap(key, myDone)
		var prevDone chan struct{}
		if c, ok := prevVal.(chan struct{}); ok {
			prevDone = c
		}

		group.Go(func() error {
			defer close(myDone)
			if prevDone != nil {
				select {
				case <-prevDone:
				case <-groupCtx.Done():
				}
			}
			outcomes[i] = r.dispatchOne(ctx, threadID, h, call, transcript)
			return nil
		})
	}
	_ = group.Wait()
	return outcomes
}

// dispatchOne routes a single tool call: the built-in "wait" tool, a child
// directive invocation, or a tool execution through the executor chain.
func (r *Runner) dispatchOne(ctx context.Context, threadID string, h *harness.Harness, call model.ToolCall, transcript *Transcript) toolOutcome {
	_ = transcript.Append(EventToolCallStart, map[string]any{"call_id": call.ID, "name": string(call.Name)})

	if string(call.Name) == "wait" {
		res := r.dispatchWait(ctx, call)
		_ = transcript.Append(EventToolCallResult, map[string]any{"call_id": call.ID, "result": res})
		return toolOutcome{CallID: call.ID, Result: res}
	}

	var params map[string]any
	_ = json.Unmarshal(call.Payload, &params)

	if _, err := r.deps.Resolver.Resolve("directives", string(call.Name)); err == nil {
		return r.dispatchChild(ctx, threadID, h, call, params, transcript)
	}

	res, err := r.deps.Executor.Execute(ctx, string(call.Name), params, h.Token)
	if err != nil {
		ce := asCoreErr(err)
		_ = transcript.Append(EventToolCallResult, map[string]any{"call_id": call.ID, "error": ce})
		return toolOutcome{CallID: call.ID, Result: map[string]any{"error": ce.Message, "code": string(ce.Code)}, IsError: true}
	}
	_ = transcript.Append(EventToolCallResult, map[string]any{"call_id": call.ID, "success": res.Success})
	return toolOutcome{CallID: call.ID, Result: res, IsError: !res.Success}
}

// dispatchChild spawns a directive invocation as a child thread through the
// coordination engine, injecting the current thread's token and limits as
// the parent context (§4.7's "inject parent token/thread id out of band" —
// expressed here as direct Go values passed into the recursive execute call
// rather than a serialized side-channel, since both sides run in this
// process).
func (r *Runner) dispatchChild(ctx context.Context, threadID string, h *harness.Harness, call model.ToolCall, params map[string]any, transcript *Transcript) toolOutcome {
	required := "directive.execute." + string(call.Name)
	if !h.CheckPermission(required) {
		err := coreerr.New(coreerr.PermissionDenied, "capability token does not grant "+required).WithDetails(required)
		_ = transcript.Append(EventToolCallResult, map[string]any{"call_id": call.ID, "error": err})
		return toolOutcome{CallID: call.ID, Result: map[string]any{"error": err.Message, "code": string(err.Code)}, IsError: true}
	}

	async, _ := params["async"].(bool)
	childID := r.newThreadID(string(call.Name))
	limits := h.Limits
	token := h.Token

	if err := r.deps.Engine.Register(childID, threadID); err != nil {
		ce := asCoreErr(err)
		_ = transcript.Append(EventChildThreadFailed, map[string]any{"child_thread_id": childID, "error": ce})
		return toolOutcome{CallID: call.ID, Result: map[string]any{"error": ce.Message}, IsError: true}
	}
	_ = transcript.Append(EventChildThreadStarted, map[string]any{"child_thread_id": childID, "directive_id": string(call.Name), "async": async})

	spawnIncrement := func() error {
		h.AddCost(harness.Cost{Spawns: 1})
		code, cerr := h.CheckLimits()
		if cerr != nil {
			return cerr
		}
		if code == harness.LimitSpawns {
			return coreerr.New(coreerr.SpawnCountExceeded, "spawn limit exceeded for thread "+threadID)
		}
		return nil
	}

	future, err := r.deps.Engine.Spawn(ctx, childID, func(spawnCtx context.Context, _ *coordination.TaskContext) (any, error) {
		return r.execute(spawnCtx, runRequest{
			DirectiveID:          string(call.Name),
			Inputs:               params,
			ParentToken:          &token,
			ParentThreadID:       threadID,
			ParentLimits:         &limits,
			ParentSpawnIncrement: spawnIncrement,
			ThreadID:             childID,
		})
	})
	if err != nil {
		ce := asCoreErr(err)
		_ = transcript.Append(EventChildThreadFailed, map[string]any{"child_thread_id": childID, "error": ce})
		return toolOutcome{CallID: call.ID, Result: map[string]any{"error": ce.Message}, IsError: true}
	}

	if async {
		return toolOutcome{CallID: call.ID, Result: map[string]any{"thread_id": childID, "status": "started"}}
	}

	coordResult, err := future.Get(ctx)
	if err != nil {
		ce := asCoreErr(err)
		_ = transcript.Append(EventChildThreadFailed, map[string]any{"child_thread_id": childID, "error": ce})
		return toolOutcome{CallID: call.ID, Result: map[string]any{"error": ce.Message}, IsError: true}
	}
	tr, _ := coordResult.Output.(*ThreadResult)
	if coordResult.Err != nil || tr == nil {
		msg := "child thread failed"
		if coordResult.Err != nil {
			msg = coordResult.Err.Error()
		}
		_ = transcript.Append(EventChildThreadFailed, map[string]any{"child_thread_id": childID, "error": msg})
		return toolOutcome{CallID: call.ID, Result: map[string]any{"error": msg}, IsError: true}
	}
	return toolOutcome{CallID: call.ID, Result: map[string]any{"thread_id": childID, "status": string(tr.Status), "text": tr.Text}}
}

// waitPayload is the "wait" tool's decoded argument shape.
type waitPayload struct {
	ThreadIDs               []string `json:"thread_ids"`
	RequireAll              bool     `json:"require_all"`
	FailFast                bool     `json:"fail_fast"`
	CancelSiblingsOnFailure bool     `json:"cancel_siblings_on_failure"`
	TimeoutSeconds          float64  `json:"timeout_seconds"`
}

// dispatchWait implements the built-in join/coordination tool: block on one
// or more sibling thread ids through the coordination engine's Await, never
// through the transcript (§3 invariant 5 — the transcript is observational
// only). Ids are awaited one after another in list order. require_all is
// decoded but not consulted: the call always waits for every listed id,
// unless fail_fast stops it at the first failure.
func (r *Runner) dispatchWait(ctx context.Context, call model.ToolCall) map[string]any {
	var p waitPayload
	_ = json.Unmarshal(call.Payload, &p)

	waitCtx := ctx
	if p.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, time.Duration(p.TimeoutSeconds*float64(time.Second)))
		defer cancel()
	}

	results := make(map[string]any, len(p.ThreadIDs))
	var firstErr string

	cancelSiblings := func(except string) {
		if !p.CancelSiblingsOnFailure {
			return
		}
		for _, sib := range p.ThreadIDs {
			if sib != except {
				_ = r.deps.Engine.Cancel(sib)
			}
		}
	}

	for _, id := range p.ThreadIDs {
		res, err := r.deps.Engine.Await(waitCtx, id)
		if err != nil {
			results[id] = map[string]any{"error": err.Error()}
			if p.FailFast && firstErr == "" {
				firstErr = err.Error()
				cancelSiblings(id)
				break
			}
			continue
		}
		entry := map[string]any{"status": string(res.Status)}
		if res.Err != nil {
			entry["error"] = res.Err.Error()
			if p.FailFast && firstErr == "" {
				firstErr = res.Err.Error()
				results[id] = entry
				cancelSiblings(id)
				break
			}
		}
		results[id] = entry
	}

	out := map[string]any{"results": results}
	if firstErr != "" {
		out["error"] = firstErr
	}
	return out
}

func appendTurn(messages []*model.Message, text string, calls []model.ToolCall, outcomes []toolOutcome) []*model.Message {
	var assistantParts []model.Part
	if text != "" {
		assistantParts = append(assistantParts, model.TextPart{Text: text})
	}
	for _, c := range calls {
		assistantParts = append(assistantParts, model.ToolUsePart{ID: c.ID, Name: string(c.Name), Input: json.RawMessage(c.Payload)})
	}
	if len(assistantParts) > 0 {
		messages = append(messages, &model.Message{Role: model.ConversationRoleAssistant, Parts: assistantParts})
	}

	if len(outcomes) > 0 {
		var resultParts []model.Part
		for _, o := range outcomes {
			resultParts = append(resultParts, model.ToolResultPart{ToolUseID: o.CallID, Content: o.Result, IsError: o.IsError})
		}
		messages = append(messages, &model.Message{Role: model.ConversationRoleUser, Parts: resultParts})
	}
	return messages
}

func asCoreErr(err error) *coreerr.Error {
	if err == nil {
		return nil
	}
	if ce, ok := err.(*coreerr.Error); ok {
		return ce
	}
	return coreerr.Wrap(coreerr.Unknown, err.Error(), err)
}
