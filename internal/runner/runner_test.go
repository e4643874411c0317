package runner_test

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"rye.dev/core/features/policy/basic"
	"rye.dev/core/internal/chain"
	"rye.dev/core/internal/coordination"
	"rye.dev/core/internal/harness"
	"rye.dev/core/internal/integrity"
	"rye.dev/core/internal/ledger"
	"rye.dev/core/internal/runner"
	"rye.dev/core/internal/space"
	"rye.dev/core/runtime/agent/model"
	"rye.dev/core/runtime/agent/policy"
)

// stubStreamer replays one pre-baked chunk then io.EOF.
type stubStreamer struct {
	chunk model.Chunk
	sent  bool
}

func (s *stubStreamer) Recv() (model.Chunk, error) {
	if s.sent {
		return model.Chunk{}, io.EOF
	}
	s.sent = true
	return s.chunk, nil
}
func (s *stubStreamer) Close() error             { return nil }
func (s *stubStreamer) Metadata() map[string]any { return nil }

// stubClient returns the next scripted chunk on each Stream call, so a test
// can script a multi-turn conversation (e.g. a tool call on turn one, plain
// text on turn two) without a real model provider.
type stubClient struct {
	script   []model.Chunk
	calls    int
	requests []*model.Request // every Stream request, in order, for assertions on what the runner sent
}

func (c *stubClient) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	return nil, nil
}
func (c *stubClient) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	c.requests = append(c.requests, req)
	chunk := c.script[c.calls]
	if c.calls < len(c.script)-1 {
		c.calls++
	}
	return &stubStreamer{chunk: chunk}, nil
}

func textChunk(text string) model.Chunk {
	return model.Chunk{
		Type:    model.ChunkTypeText,
		Message: &model.Message{Role: model.ConversationRoleAssistant, Parts: []model.Part{model.TextPart{Text: text}}},
	}
}

func waitToolCallChunk() model.Chunk {
	payload, _ := json.Marshal(map[string]any{"thread_ids": []string{}})
	return model.Chunk{
		Type:     model.ChunkTypeToolCall,
		ToolCall: &model.ToolCall{Name: "wait", Payload: payload, ID: "call-1"},
	}
}

func writeSignedDirective(t *testing.T, path string, body []byte, priv ed25519.PrivateKey) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	sig := integrity.Sign(body, priv)
	out := append(append(append([]byte(nil), body...), '\n'), []byte(sig+"\n")...)
	require.NoError(t, os.WriteFile(path, out, 0o644))
}

// testRig bundles a Runner wired against a fresh temp project, along with
// the project root and signing key its directives must be signed with.
type testRig struct {
	runner  *runner.Runner
	project string
	priv    ed25519.PrivateKey
}

func newTestRig(t *testing.T, client model.Client, limits harness.Limits) testRig {
	t.Helper()
	return newTestRigWithPolicy(t, client, limits, nil)
}

func newTestRigWithPolicy(t *testing.T, client model.Client, limits harness.Limits, eng policy.Engine) testRig {
	t.Helper()
	dir := t.TempDir()
	project := filepath.Join(dir, ".ai")

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	trust := integrity.NewMapTrustStore()
	trust.Trust(integrity.Fingerprint(pub), pub)

	resolver := space.NewResolver(project, "", "")
	cache := integrity.NewCache()
	builder := chain.NewBuilder(resolver, trust, cache, nil)
	executor := chain.NewExecutor(builder, dir, priv)

	led, err := ledger.Open(filepath.Join(dir, "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { led.Close() })

	r := runner.New(runner.Deps{
		Resolver: resolver,
		Trust:    trust,
		Cache:    cache,
		Ledger:   led,
		Engine:   coordination.NewInProcessEngine(),
		Executor: executor,
		Providers: map[model.ModelClass]model.Client{
			model.ModelClassDefault: client,
		},
		Policy: eng,
		Config: runner.Config{
			DefaultLimits: limits,
			StateDir:      filepath.Join(dir, "state"),
		},
	})
	return testRig{runner: r, project: project, priv: priv}
}

const greetDirectiveTmpl = `<metadata>
  <name>greet</name>
  <version>1.0.0</version>
  <description>Say hello</description>
  <model>default</model>
  <limits><turns>%d</turns></limits>
</metadata>
Greet the user.
`

func (rig testRig) writeGreetDirective(t *testing.T, turns int) {
	t.Helper()
	body := []byte(fmt.Sprintf(greetDirectiveTmpl, turns))
	writeSignedDirective(t, filepath.Join(rig.project, "directives", "greet.md"), body, rig.priv)
}

func TestStartCompletesWhenModelReturnsNoToolCalls(t *testing.T) {
	client := &stubClient{script: []model.Chunk{textChunk("hello from the model")}}
	rig := newTestRig(t, client, harness.Limits{Turns: 5, Tokens: 10_000, Spend: 1})
	rig.writeGreetDirective(t, 3)

	result, err := rig.runner.Start(context.Background(), runner.StartOptions{DirectiveID: "greet"})
	require.NoError(t, err)
	require.Equal(t, ledger.ThreadCompleted, result.Status)
	require.Equal(t, "hello from the model", result.Text)
}

func TestStartSuspendsWhenTurnLimitExceeded(t *testing.T) {
	// Turn one issues a "wait" tool call with no thread ids (resolves
	// instantly), forcing a second turn; by then the turn limit of 1 has
	// already been reached, so the top-of-loop limit check suspends before
	// streaming again.
	client := &stubClient{script: []model.Chunk{waitToolCallChunk(), textChunk("unreachable")}}
	rig := newTestRig(t, client, harness.Limits{Turns: 1, Tokens: 10_000, Spend: 1})
	rig.writeGreetDirective(t, 1)

	result, err := rig.runner.Start(context.Background(), runner.StartOptions{DirectiveID: "greet"})
	require.NoError(t, err)
	require.Equal(t, ledger.ThreadSuspended, result.Status)
	require.Nil(t, result.Error)
}

func TestStartFiltersToolsThroughPolicyEngine(t *testing.T) {
	// Blocking the "wait" tool by name means every Decide call strips it from
	// the candidate list, so the runner must hand the model a streamReq with
	// an empty Tools slice despite toolDefsFor always including it.
	eng, err := basic.New(basic.Options{BlockTools: []string{"wait"}})
	require.NoError(t, err)

	client := &stubClient{script: []model.Chunk{textChunk("hello from the model")}}
	rig := newTestRigWithPolicy(t, client, harness.Limits{Turns: 5, Tokens: 10_000, Spend: 1}, eng)
	rig.writeGreetDirective(t, 3)

	result, err := rig.runner.Start(context.Background(), runner.StartOptions{DirectiveID: "greet"})
	require.NoError(t, err)
	require.Equal(t, ledger.ThreadCompleted, result.Status)
	require.Len(t, client.requests, 1)
	require.Empty(t, client.requests[0].Tools, "policy engine should have filtered the blocked wait tool out of every candidate")
}

func TestStartSuspendsWhenPolicyEngineExhaustsToolCallCap(t *testing.T) {
	// A policy engine that grants exactly one tool call should suspend the
	// thread once that call is spent, even though the harness's own turn
	// limit is nowhere near exhausted.
	eng := &capToolCallsEngine{max: 1}
	client := &stubClient{script: []model.Chunk{waitToolCallChunk(), textChunk("unreachable")}}
	rig := newTestRigWithPolicy(t, client, harness.Limits{Turns: 5, Tokens: 10_000, Spend: 1}, eng)
	rig.writeGreetDirective(t, 3)

	result, err := rig.runner.Start(context.Background(), runner.StartOptions{DirectiveID: "greet"})
	require.NoError(t, err)
	require.Equal(t, ledger.ThreadSuspended, result.Status)
}

// capToolCallsEngine is a minimal policy.Engine that hands out a fixed tool
// call budget up front and never revises it; used to exercise the runner's
// own cap-exhaustion termination path independent of features/policy/basic.
type capToolCallsEngine struct {
	max int
	set bool
}

func (e *capToolCallsEngine) Decide(_ context.Context, input policy.Input) (policy.Decision, error) {
	caps := input.RemainingCaps
	if !e.set {
		caps.MaxToolCalls = e.max
		caps.RemainingToolCalls = e.max
		e.set = true
	}
	handles := make([]policy.ToolHandle, 0, len(input.Tools))
	for _, md := range input.Tools {
		handles = append(handles, policy.ToolHandle{ID: md.ID})
	}
	return policy.Decision{AllowedTools: handles, Caps: caps}, nil
}

func TestStartFailsOnUntrustedDirective(t *testing.T) {
	client := &stubClient{script: []model.Chunk{textChunk("hello")}}
	rig := newTestRig(t, client, harness.Limits{Turns: 5, Tokens: 10_000, Spend: 1})

	_, otherPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	body := []byte(fmt.Sprintf(greetDirectiveTmpl, 3))
	writeSignedDirective(t, filepath.Join(rig.project, "directives", "greet.md"), body, otherPriv)

	_, err = rig.runner.Start(context.Background(), runner.StartOptions{DirectiveID: "greet"})
	require.Error(t, err)
}
