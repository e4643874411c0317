// Package chain implements the executor chain: resolving a tool item down
// through its executor references to a terminal primitive, verifying and
// validating every hop, and invoking the primitive with a fully resolved
// environment and execution config. It is the core of the execute(item_id,
// parameters, caller_token) public operation.
package chain

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"rye.dev/core/internal/coreerr"
	"rye.dev/core/internal/integrity"
	"rye.dev/core/internal/item"
	"rye.dev/core/internal/space"
)

// MaxDepth bounds chain construction; exceeding it is treated as a cycle or
// pathological nesting rather than a legitimate deep chain.
const MaxDepth = 10

// normalized is the adapter view over the two distinct Go types item's
// extractors produce for a TypeTool element (*item.ToolMetadata from the
// source-code fallback parser, *item.YAMLConfig from the standalone config
// parser). Both are tagged item.TypeTool but carry different field sets;
// normalized lets the chain builder walk ExecutorID and merge Env/Config
// uniformly regardless of which extractor produced a given hop.
type normalized struct {
	ToolType        string
	ExecutorID      string
	Category        string
	Version         string
	RequiresVersion string
	Env             map[string]string
	Config          map[string]any
	ConfigSchema    string
	Anchor          *AnchorConfig
}

func normalize(extracted *item.Extracted) (*normalized, error) {
	switch m := extracted.Metadata.(type) {
	case *item.ToolMetadata:
		return &normalized{
			ToolType:     m.ToolType,
			ExecutorID:   m.ExecutorID,
			Category:     m.Category,
			Version:      m.Version,
			ConfigSchema: m.ConfigSchema,
		}, nil
	case *item.YAMLConfig:
		n := &normalized{
			ToolType:   m.ToolType,
			ExecutorID: m.ExecutorID,
			Category:   m.Category,
			Version:    m.Version,
			Env:        m.Env,
			Config:     m.Config,
		}
		if rv, ok := m.Config["requires_executor_version"].(string); ok {
			n.RequiresVersion = rv
		}
		if anchorRaw, ok := m.Config["anchor"]; ok {
			ac, err := parseAnchorConfig(anchorRaw)
			if err != nil {
				return nil, err
			}
			n.Anchor = ac
		}
		return n, nil
	default:
		return nil, coreerr.New(coreerr.ExecutorNotFound, fmt.Sprintf("item %q is not a tool-shaped item (%T)", extracted.Type, extracted.Metadata))
	}
}

// parseAnchorConfig decodes an "anchor" block from a YAML config's generic
// Config map via a JSON round-trip — the map already came from yaml.v3's
// map[string]any decoding, and re-marshaling through encoding/json is the
// simplest way to land it in a concrete Go struct without a new dependency.
func parseAnchorConfig(raw any) (*AnchorConfig, error) {
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.Config, "encoding anchor config", err)
	}
	var ac AnchorConfig
	if err := json.Unmarshal(encoded, &ac); err != nil {
		return nil, coreerr.Wrap(coreerr.Config, "decoding anchor config", err)
	}
	return &ac, nil
}

// Element is one verified, extracted hop in a chain, ordered [tool, ..., primitive].
type Element struct {
	ItemID string
	Path   string
	Space  space.Space
	Hash   string // hex sha256 of normalized content
	Meta   *normalized
}

// Chain is the fully built, verified, validated sequence from a root tool
// down to its terminal primitive.
type Chain struct {
	RootItemID   string
	Elements     []Element
	CombinedHash string
}

// Terminal is the chain's last element — the primitive invocation target.
func (c *Chain) Terminal() Element { return c.Elements[len(c.Elements)-1] }

// FileReader abstracts file content loading so tests can substitute an
// in-memory filesystem without touching disk.
type FileReader func(path string) ([]byte, error)

// Builder resolves, verifies, and assembles chains. It is stateless aside
// from its collaborators: every Build call is addressed purely by content
// hash, so concurrent Builds sharing a Builder are safe.
// Build is cached implicitly: every hop's verification is memoized by
// (path, content hash) in Cache, so repeated Builds for the same or
// overlapping chains only pay full verification cost once per changed file.
type Builder struct {
	Resolver *space.Resolver
	Trust    integrity.TrustStore
	Cache    *integrity.Cache
	ReadFile FileReader
}

// NewBuilder constructs a Builder. cache may be nil, in which case every
// verification call hits the trust store directly with no memoization.
func NewBuilder(resolver *space.Resolver, trust integrity.TrustStore, cache *integrity.Cache, readFile FileReader) *Builder {
	if readFile == nil {
		readFile = defaultReadFile
	}
	return &Builder{Resolver: resolver, Trust: trust, Cache: cache, ReadFile: readFile}
}

// Build resolves itemID as a tool and walks its executor_id references down
// to a terminal primitive, verifying and validating every hop.
func (b *Builder) Build(itemID string) (*Chain, error) {
	var elems []Element
	visited := make(map[string]bool, MaxDepth)
	cur := itemID

	for depth := 0; ; depth++ {
		if depth >= MaxDepth {
			return nil, coreerr.New(coreerr.ChainTooDeep, fmt.Sprintf("chain exceeds max depth %d starting at %q", MaxDepth, itemID)).WithDetails(cur)
		}
		if visited[cur] {
			return nil, coreerr.New(coreerr.CircularDependency, "executor chain revisits "+cur).WithDetails(cur)
		}
		visited[cur] = true

		elem, err := b.resolveElement(cur)
		if err != nil {
			return nil, err
		}
		elems = append(elems, *elem)

		if elem.Meta.ExecutorID == "" {
			break // primitive reached; chain terminates
		}
		cur = elem.Meta.ExecutorID
	}

	if err := validateAdjacentPairs(elems); err != nil {
		return nil, err
	}

	return &Chain{
		RootItemID:   itemID,
		Elements:     elems,
		CombinedHash: combinedHash(elems),
	}, nil
}

// resolveElement resolves, reads, verifies, and extracts a single chain hop.
func (b *Builder) resolveElement(itemID string) (*Element, error) {
	res, err := b.Resolver.Resolve("tools", itemID)
	if err != nil {
		return nil, err
	}
	content, err := b.ReadFile(res.Path)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.FileSystem, "reading chain element "+itemID, err)
	}

	var status integrity.Status
	var sig *integrity.Signature
	if b.Cache != nil {
		status, sig, err = b.Cache.VerifyCached(res.Path, content, b.Trust)
	} else {
		status, sig, err = integrity.Verify(content, b.Trust)
	}
	if status != integrity.Trusted {
		code := coreerr.Untrusted
		if status == integrity.Tampered {
			code = coreerr.Tampered
		}
		if status == integrity.Unsigned {
			code = coreerr.Unsigned
		}
		return nil, coreerr.Wrap(code, "verifying chain element "+itemID, err).WithDetails(itemID)
	}
	_ = sig

	body, _ := integrity.SplitSignature(content)
	extracted, err := extractElement(res.Suffix, string(body))
	if err != nil {
		return nil, err
	}
	meta, err := normalize(extracted)
	if err != nil {
		return nil, err
	}

	return &Element{
		ItemID: itemID,
		Path:   res.Path,
		Space:  res.Space,
		Hash:   integrity.Hash(integrity.Normalize(body)),
		Meta:   meta,
	}, nil
}

// extractElement dispatches to the YAML or source-code tool extractor based
// on the resolved file's suffix — standalone tool/runtime/primitive configs
// are always ".yaml"/".yml"; anything else is a source-code tool parsed via
// the regex-based constant-assignment fallback.
func extractElement(suffix, body string) (*item.Extracted, error) {
	switch strings.ToLower(suffix) {
	case ".yaml", ".yml":
		return item.ExtractYAMLConfig(body)
	default:
		return item.ExtractTool(body)
	}
}

// validateAdjacentPairs enforces the space-precedence, I/O-compatibility,
// and version-constraint rules between every consecutive pair in the chain.
func validateAdjacentPairs(elems []Element) error {
	for i := 0; i < len(elems)-1; i++ {
		a, z := elems[i], elems[i+1]

		// Space precedence: an element resolved from a more trusted (lower
		// precedence value) space must not silently depend on an executor
		// resolved from a less trusted (higher precedence) space — that
		// would let a project-local file override what a system or user
		// tool believes it is invoking.
		if z.Space.Precedence() > a.Space.Precedence() {
			return coreerr.New(coreerr.SpaceViolation,
				fmt.Sprintf("%s (space=%s) depends on %s resolved from a less trusted space=%s", a.ItemID, a.Space, z.ItemID, z.Space)).
				WithDetails(map[string]string{"from": a.ItemID, "to": z.ItemID})
		}

		if err := validateIOCompatibility(a, z); err != nil {
			return err
		}
		if err := validateVersionConstraint(a, z); err != nil {
			return err
		}
	}
	return nil
}

// validateIOCompatibility checks that a tool_type transition between
// adjacent elements is one this executor family recognizes. An untyped
// element on either side of the pair is always compatible — it is an
// escape hatch for generic executors (shell, http) that accept any tool.
func validateIOCompatibility(a, z Element) error {
	if a.Meta.ToolType == "" || z.Meta.ToolType == "" {
		return nil
	}
	if a.Meta.ToolType == z.Meta.ToolType {
		return nil
	}
	if isUniversalExecutor(z.Meta.ToolType) {
		return nil
	}
	// Family match: "python" tool accepts a "python-runtime" executor, etc.
	family := strings.SplitN(a.Meta.ToolType, "-", 2)[0]
	if strings.HasPrefix(z.Meta.ToolType, family) {
		return nil
	}
	return coreerr.New(coreerr.IOIncompatibility,
		fmt.Sprintf("%s (tool_type=%s) is not compatible with executor %s (tool_type=%s)", a.ItemID, a.Meta.ToolType, z.ItemID, z.Meta.ToolType)).
		WithDetails(map[string]string{"from": a.ItemID, "to": z.ItemID})
}

func isUniversalExecutor(toolType string) bool {
	switch toolType {
	case "shell", "http", "primitive":
		return true
	default:
		return false
	}
}

// validateVersionConstraint checks a declared requires_executor_version
// constraint (a dotted version prefix, e.g. "3" or "3.11") against the
// executor's declared version using prefix matching — the pack carries no
// semver-range library, and a simple dotted-prefix match is sufficient for
// the pinned, single-producer versioning this executor chain expects.
func validateVersionConstraint(a, z Element) error {
	if a.Meta.RequiresVersion == "" {
		return nil
	}
	if versionSatisfies(z.Meta.Version, a.Meta.RequiresVersion) {
		return nil
	}
	return coreerr.New(coreerr.VersionMismatch,
		fmt.Sprintf("%s requires executor version prefix %q, %s declares %q", a.ItemID, a.Meta.RequiresVersion, z.ItemID, z.Meta.Version)).
		WithDetails(map[string]string{"from": a.ItemID, "to": z.ItemID})
}

func versionSatisfies(actual, requiredPrefix string) bool {
	if actual == requiredPrefix {
		return true
	}
	return strings.HasPrefix(actual, requiredPrefix+".")
}

// combinedHash is a stable hash over every element's (itemID, hash) pair,
// in chain order — the key both the lockfile fast-path and any chain cache
// are addressed by.
func combinedHash(elems []Element) string {
	var b strings.Builder
	for _, e := range elems {
		b.WriteString(e.ItemID)
		b.WriteByte(':')
		b.WriteString(e.Hash)
		b.WriteByte('\n')
	}
	return integrity.Hash([]byte(b.String()))
}

func defaultReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// toolDir returns the directory an element's file lives in, used for anchor
// marker-file checks and anchor-scope resolution.
func toolDir(e Element) string {
	return filepath.Dir(e.Path)
}
