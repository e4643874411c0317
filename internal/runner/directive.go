// Package runner implements the thread runner (§4.7): the LLM tool-use loop
// with streaming dispatch, parallel tool execution, parent-context
// injection, join/wait, and context-window-pressure handling. It is the
// component that ties together every other package in this module — item
// extraction, the resolver, integrity verification, capability tokens, the
// safety harness, the executor chain, the coordination layer, and the
// budget ledger — into the single execute(directive, inputs) flow described
// in §2's data-flow narrative.
package runner

import (
	"os"
	"strings"

	"rye.dev/core/internal/coreerr"
	"rye.dev/core/internal/harness"
	"rye.dev/core/internal/integrity"
	"rye.dev/core/internal/item"
	"rye.dev/core/internal/space"
)

// loadedDirective bundles a verified directive's parsed metadata with the
// raw prompt body the turn loop seeds its first message from.
type loadedDirective struct {
	ItemID string
	Meta   *item.DirectiveMetadata
	Body   string
	Space  space.Space
	Path   string
}

// loadDirective resolves, verifies, and extracts a directive item. Integrity
// failures are never recoverable in place (§7): they bubble straight out.
func loadDirective(resolver *space.Resolver, trust integrity.TrustStore, cache *integrity.Cache, itemID string) (*loadedDirective, error) {
	res, err := resolver.Resolve("directives", itemID)
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(res.Path)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.FileSystem, "reading directive "+itemID, err)
	}

	var status integrity.Status
	var err2 error
	if cache != nil {
		status, _, err2 = cache.VerifyCached(res.Path, content, trust)
	} else {
		status, _, err2 = integrity.Verify(content, trust)
	}
	if status != integrity.Trusted {
		code := statusCode(status)
		return nil, coreerr.Wrap(code, "verifying directive "+itemID, err2).WithDetails(itemID)
	}

	body, _ := integrity.SplitSignature(content)
	extracted, err := item.ExtractDirective(string(body))
	if err != nil {
		return nil, err
	}
	meta, ok := extracted.Metadata.(*item.DirectiveMetadata)
	if !ok {
		return nil, coreerr.New(coreerr.Parsing, "directive "+itemID+" did not parse to directive metadata")
	}

	return &loadedDirective{ItemID: itemID, Meta: meta, Body: extracted.Body, Space: res.Space, Path: res.Path}, nil
}

// PeekDirective loads and verifies a directive without starting a thread —
// the dry_run path of the public execute() operation (§6).
func PeekDirective(resolver *space.Resolver, trust integrity.TrustStore, cache *integrity.Cache, itemID string) (*item.DirectiveMetadata, error) {
	d, err := loadDirective(resolver, trust, cache, itemID)
	if err != nil {
		return nil, err
	}
	return d.Meta, nil
}

func statusCode(status integrity.Status) coreerr.Code {
	switch status {
	case integrity.Tampered:
		return coreerr.Tampered
	case integrity.Unsigned:
		return coreerr.Unsigned
	default:
		return coreerr.Untrusted
	}
}

// toHarnessLimits converts a directive's declared <limits> block into the
// harness's Limits shape.
func toHarnessLimits(l item.Limits) harness.Limits {
	return harness.Limits{
		Turns:    l.Turns,
		Tokens:   l.Tokens,
		Spend:    l.Spend,
		Duration: l.Duration,
		Depth:    l.Depth,
		Spawns:   l.Spawns,
	}
}

// interpolateBody performs the startup-sequence input interpolation over a
// directive's prompt body (§4.7 step 9): every "{name}" placeholder is
// replaced by the corresponding caller-supplied input, rendered with fmt's
// default verb. Unresolved placeholders are left verbatim so the model sees
// its own prompt's literal text rather than a silently dropped field.
func interpolateBody(body string, inputs map[string]any) string {
	if len(inputs) == 0 {
		return body
	}
	var pairs []string
	for k, v := range inputs {
		pairs = append(pairs, "{"+k+"}", renderInput(v))
	}
	return strings.NewReplacer(pairs...).Replace(body)
}

func renderInput(v any) string {
	switch t := v.(type) {
	case string:
		return t
	default:
		return toJSONLoose(t)
	}
}
