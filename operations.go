// Package core is the module's public surface: the four operations (search,
// load, execute, sign) described in §6 of the specification, wired on top of
// the resolver, integrity substrate, metadata extractor, executor chain, and
// thread runner. A Facade is the single entry point a CLI or embedding host
// constructs once per process, mirroring the teacher's top-level Runtime
// wiring a single set of collaborators behind a small method surface.
package core

import (
	"context"
	"crypto/ed25519"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"rye.dev/core/internal/capability"
	"rye.dev/core/internal/chain"
	"rye.dev/core/internal/coreerr"
	"rye.dev/core/internal/integrity"
	"rye.dev/core/internal/item"
	"rye.dev/core/internal/runner"
	"rye.dev/core/internal/space"
)

// Facade bundles the collaborators every public operation needs.
type Facade struct {
	Resolver   *space.Resolver
	Trust      integrity.TrustStore
	Cache      *integrity.Cache
	Executor   *chain.Executor
	Runner     *runner.Runner
	SigningKey ed25519.PrivateKey
}

// New builds a Facade.
func New(resolver *space.Resolver, trust integrity.TrustStore, cache *integrity.Cache, executor *chain.Executor, r *runner.Runner, signingKey ed25519.PrivateKey) *Facade {
	return &Facade{Resolver: resolver, Trust: trust, Cache: cache, Executor: executor, Runner: r, SigningKey: signingKey}
}

func dirFor(t item.Type) string {
	switch t {
	case item.TypeDirective:
		return "directives"
	case item.TypeTool:
		return "tools"
	case item.TypeKnowledge:
		return "knowledge"
	default:
		return string(t)
	}
}

// SearchResult is one match from Search, in the shape §6's external
// interface table specifies.
type SearchResult struct {
	ItemID  string
	Type    item.Type
	Space   space.Space
	Score   float64
	Summary string
}

// Search walks the configured spaces looking for items whose dotted scope
// (e.g. "tool.fs.*", "directive.category.*" — item type followed by the
// item_id's path segments joined with '.') matches scope, and whose file
// name or extracted summary contains query as a case-insensitive substring.
// Verification is intentionally skipped here: search is discovery, not
// execution, so an unsigned or untrusted item still surfaces (callers must
// still go through Load/Execute, which do verify, before acting on it).
func (f *Facade) Search(scope, query string, sp *space.Space, limit int) ([]SearchResult, error) {
	g, err := compileScope(scope)
	if err != nil {
		return nil, err
	}
	query = strings.ToLower(query)

	var results []SearchResult
	for _, typ := range []item.Type{item.TypeDirective, item.TypeTool, item.TypeKnowledge} {
		for _, candidateSpace := range []space.Space{space.Project, space.User, space.System} {
			if sp != nil && *sp != candidateSpace {
				continue
			}
			root := f.Resolver.Root(candidateSpace)
			if root == "" {
				continue
			}
			base := filepath.Join(root, dirFor(typ))
			entries, walkErr := listItemFiles(base)
			if walkErr != nil {
				continue
			}
			for _, rel := range entries {
				itemID := stripKnownSuffix(rel)
				dotted := string(typ) + "." + strings.ReplaceAll(itemID, string(filepath.Separator), ".")
				if !g.Match(dotted) {
					continue
				}
				summary := summarize(f, typ, candidateSpace, itemID)
				if query != "" && !strings.Contains(strings.ToLower(itemID), query) && !strings.Contains(strings.ToLower(summary), query) {
					continue
				}
				results = append(results, SearchResult{ItemID: itemID, Type: typ, Space: candidateSpace, Score: score(itemID, query), Summary: summary})
			}
		}
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func compileScope(scope string) (globMatcher, error) {
	if scope == "" {
		scope = "**"
	}
	return capability.CompileScope(scope)
}

// globMatcher is the minimal surface Search needs from a compiled scope
// pattern; capability.CompileScope returns one backed by gobwas/glob so the
// same dotted-glob semantics govern both capability checks and search scope.
type globMatcher interface {
	Match(s string) bool
}

func listItemFiles(base string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(base, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil //nolint:nilerr // best-effort listing; unreadable subtrees are skipped, not fatal
		}
		if d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(base, path)
		if relErr != nil {
			return nil
		}
		out = append(out, rel)
		return nil
	})
	if os.IsNotExist(err) {
		return nil, nil
	}
	return out, err
}

var knownSuffixes = []string{".md", ".py", ".yaml", ".yml", ".js", ".ts", ".sh"}

func stripKnownSuffix(rel string) string {
	ext := filepath.Ext(rel)
	for _, s := range knownSuffixes {
		if ext == s {
			return strings.TrimSuffix(rel, ext)
		}
	}
	return rel
}

// summarize best-effort extracts a one-line description for search results.
// Extraction failures are swallowed: a missing summary never excludes an
// otherwise-matching item.
func summarize(f *Facade, typ item.Type, sp space.Space, itemID string) string {
	res, err := f.Resolver.Resolve(dirFor(typ), itemID)
	if err != nil {
		return ""
	}
	content, err := os.ReadFile(res.Path)
	if err != nil {
		return ""
	}
	body, _ := integrity.SplitSignature(content)
	switch typ {
	case item.TypeDirective:
		if extracted, err := item.ExtractDirective(string(body)); err == nil {
			if meta, ok := extracted.Metadata.(*item.DirectiveMetadata); ok {
				return meta.Description
			}
		}
	case item.TypeKnowledge:
		if extracted, err := item.ExtractKnowledge(string(body)); err == nil {
			if meta, ok := extracted.Metadata.(*item.KnowledgeMetadata); ok {
				return meta.Category
			}
		}
	case item.TypeTool:
		if extracted, err := item.ExtractTool(string(body)); err == nil {
			if meta, ok := extracted.Metadata.(*item.ToolMetadata); ok {
				return meta.Category
			}
		}
	}
	return ""
}

// score is a minimal relevance signal: exact item_id match scores highest,
// an item_id starting with the query scores next, presence in any scope match is the
// floor. No external ranking library is wired in: §11 lists no search/rank
// dependency in the pack for this concern, so a tiny deterministic heuristic
// stands in rather than reaching for an unrelated library just to have one.
func score(itemID, query string) float64 {
	if query == "" {
		return 1
	}
	lower := strings.ToLower(itemID)
	if lower == query {
		return 3
	}
	if strings.HasPrefix(lower, query) {
		return 2
	}
	return 1
}

// Load reads a verified item's full file content (including its metadata
// block and signature line), optionally copying it to destination.
func (f *Facade) Load(itemType item.Type, itemID, destination string) (string, error) {
	res, err := f.Resolver.Resolve(dirFor(itemType), itemID)
	if err != nil {
		return "", err
	}
	content, err := os.ReadFile(res.Path)
	if err != nil {
		return "", coreerr.Wrap(coreerr.FileSystem, "reading "+itemID, err)
	}

	var status integrity.Status
	if f.Cache != nil {
		status, _, err = f.Cache.VerifyCached(res.Path, content, f.Trust)
	} else {
		status, _, err = integrity.Verify(content, f.Trust)
	}
	if status != integrity.Trusted {
		return "", coreerr.Wrap(verifyCode(status), "verifying "+itemID, err).WithDetails(itemID)
	}

	if destination != "" {
		if err := os.MkdirAll(filepath.Dir(destination), 0o755); err != nil {
			return "", coreerr.Wrap(coreerr.FileSystem, "creating destination directory", err)
		}
		if err := os.WriteFile(destination, content, 0o644); err != nil {
			return "", coreerr.Wrap(coreerr.FileSystem, "writing destination copy", err)
		}
	}
	return string(content), nil
}

func verifyCode(status integrity.Status) coreerr.Code {
	switch status {
	case integrity.Tampered:
		return coreerr.Tampered
	case integrity.Unsigned:
		return coreerr.Unsigned
	default:
		return coreerr.Untrusted
	}
}

// ExecuteResult is the typed union of §6's three execute() outcomes: a
// chain.Result for tools, a runner.ThreadResult (or bare thread id when
// fire-and-forget) for directives, and parsed body text for knowledge.
type ExecuteResult struct {
	ItemType      item.Type
	ToolResult    *chain.Result
	ThreadResult  *runner.ThreadResult
	ThreadID      string
	KnowledgeBody string
	DryRun        bool
}

// operatorPatterns grants full authority for the direct-tool-execution path
// of the public Execute operation, which (unlike a nested directive-to-tool
// call inside the thread runner) has no caller-supplied capability token to
// attenuate from — it is invoked by a human operator or an external
// integration the deployment already trusts. "**" matches across every
// dotted segment under gobwas/glob's separator-aware compilation.
var operatorPatterns = []string{"**"}

func operatorToken() capability.Token {
	tok, _ := capability.Mint("operator", operatorPatterns, time.Now())
	return tok
}

// Execute runs item_id through the operation appropriate to item_type. For
// tool, dryRun builds and validates the chain without invoking the terminal
// primitive. For directive, dryRun loads and verifies the directive without
// starting a thread; parameters["async"] requests fire-and-forget (the
// thread is started but not awaited before Execute returns).
func (f *Facade) Execute(ctx context.Context, itemType item.Type, itemID string, parameters map[string]any, dryRun bool) (*ExecuteResult, error) {
	switch itemType {
	case item.TypeKnowledge:
		body, err := runner.LoadKnowledgeBody(f.Resolver, f.Trust, f.Cache, itemID)
		if err != nil {
			return nil, err
		}
		return &ExecuteResult{ItemType: itemType, KnowledgeBody: body}, nil

	case item.TypeTool:
		if dryRun {
			if _, err := f.Executor.Builder.Build(itemID); err != nil {
				return nil, err
			}
			return &ExecuteResult{ItemType: itemType, DryRun: true}, nil
		}
		res, err := f.Executor.Execute(ctx, itemID, parameters, operatorToken())
		if err != nil {
			return nil, err
		}
		return &ExecuteResult{ItemType: itemType, ToolResult: res}, nil

	case item.TypeDirective:
		if dryRun {
			if _, err := runner.PeekDirective(f.Resolver, f.Trust, f.Cache, itemID); err != nil {
				return nil, err
			}
			return &ExecuteResult{ItemType: itemType, DryRun: true}, nil
		}
		if async, _ := parameters["async"].(bool); async {
			threadID, err := f.Runner.StartAsync(ctx, runner.StartOptions{DirectiveID: itemID, Inputs: parameters})
			if err != nil {
				return nil, err
			}
			return &ExecuteResult{ItemType: itemType, ThreadID: threadID}, nil
		}
		result, err := f.Runner.Start(ctx, runner.StartOptions{DirectiveID: itemID, Inputs: parameters})
		if err != nil {
			return nil, err
		}
		return &ExecuteResult{ItemType: itemType, ThreadResult: result}, nil

	default:
		return nil, coreerr.New(coreerr.SchemaNotFound, "unknown item type "+string(itemType))
	}
}

// Sign validates itemID's schema (it must parse with the extractor its type
// and suffix dictate) and embeds a fresh signature line, overwriting any
// stale one — the same "detached trailing line, re-derivable hash" scheme
// chain's lockfile writer uses for its own signed artifacts.
func (f *Facade) Sign(itemType item.Type, itemID string) (string, error) {
	if f.SigningKey == nil {
		return "", coreerr.New(coreerr.Config, "no signing key configured")
	}
	res, err := f.Resolver.Resolve(dirFor(itemType), itemID)
	if err != nil {
		return "", err
	}
	content, err := os.ReadFile(res.Path)
	if err != nil {
		return "", coreerr.Wrap(coreerr.FileSystem, "reading "+itemID, err)
	}
	body, _ := integrity.SplitSignature(content)

	if err := validateSchema(itemType, res.Suffix, body); err != nil {
		return "", err
	}

	sigLine := integrity.Sign(body, f.SigningKey)
	out := append([]byte(nil), body...)
	out = append(out, '\n')
	out = append(out, []byte(sigLine)...)
	out = append(out, '\n')
	if err := os.WriteFile(res.Path, out, 0o644); err != nil {
		return "", coreerr.Wrap(coreerr.FileSystem, "writing signed "+itemID, err)
	}
	return sigLine, nil
}

func validateSchema(itemType item.Type, suffix string, body []byte) error {
	switch itemType {
	case item.TypeDirective:
		_, err := item.ExtractDirective(string(body))
		return err
	case item.TypeKnowledge:
		_, err := item.ExtractKnowledge(string(body))
		return err
	case item.TypeTool:
		if suffix == ".yaml" || suffix == ".yml" {
			_, err := item.ExtractYAMLConfig(string(body))
			return err
		}
		_, err := item.ExtractTool(string(body))
		return err
	default:
		return coreerr.New(coreerr.SchemaNotFound, "unknown item type "+string(itemType))
	}
}
