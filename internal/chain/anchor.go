package chain

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"rye.dev/core/internal/coreerr"
	"rye.dev/core/internal/integrity"
)

// AnchorConfig declares a tool's dynamic-dependency scope: a signed
// directory tree the chain builder must verify before the primitive runs,
// plus the load-path environment mutations that make the scope importable.
// It replaces the reference implementation's hidden runtime import hook
// (see SPEC_FULL's note on dynamic tool loading) with an explicit,
// signed-and-verified declaration.
type AnchorConfig struct {
	Mode         string            `json:"mode"`          // "always" or "auto"
	MarkerFiles  []string          `json:"marker_files"`   // checked against the tool's own directory when Mode == "auto"
	Scope        string            `json:"scope"`          // directory, relative to the tool's directory, to verify and expose
	PathMutation map[string]string `json:"path_mutation"`  // env var -> "prepend" | "append"
}

// AnchorContext is the result of walking and verifying a chain's anchor
// scopes: every verified dependency path, their content hashes (for the
// lockfile), and the environment-variable mutations to layer on afterward.
type AnchorContext struct {
	VerifiedPaths     []string
	DependencyHashes  map[string]string // relative path -> hex sha256
	PrependEnv        map[string][]string
	AppendEnv         map[string][]string
}

// ComputeAnchorContext walks every chain element that declares an anchor
// config whose activation condition is met, verifying every file the
// anchor's scope covers (pre-spawn dependency verification) and collecting
// the load-path mutations those tools declared.
func (b *Builder) ComputeAnchorContext(c *Chain) (*AnchorContext, error) {
	ac := &AnchorContext{
		DependencyHashes: map[string]string{},
		PrependEnv:       map[string][]string{},
		AppendEnv:        map[string][]string{},
	}
	for _, elem := range c.Elements {
		if elem.Meta.Anchor == nil {
			continue
		}
		if !anchorActive(elem.Meta.Anchor, toolDir(elem)) {
			continue
		}
		if err := b.verifyAnchorScope(elem, ac); err != nil {
			return nil, err
		}
		for envVar, mode := range elem.Meta.Anchor.PathMutation {
			scopeDir := filepath.Join(toolDir(elem), elem.Meta.Anchor.Scope)
			switch mode {
			case "prepend":
				ac.PrependEnv[envVar] = append(ac.PrependEnv[envVar], scopeDir)
			case "append":
				ac.AppendEnv[envVar] = append(ac.AppendEnv[envVar], scopeDir)
			}
		}
	}
	return ac, nil
}

// anchorActive evaluates an anchor's activation condition: "always" fires
// unconditionally; "auto" fires only if one of the declared marker files
// exists alongside the tool.
func anchorActive(a *AnchorConfig, toolDir string) bool {
	switch a.Mode {
	case "always":
		return true
	case "auto":
		for _, marker := range a.MarkerFiles {
			if _, err := os.Stat(filepath.Join(toolDir, marker)); err == nil {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// verifyAnchorScope walks the anchor's declared scope directory and
// verifies every file against the integrity substrate, recording each
// verified path's content hash keyed by its path relative to the scope
// root for lockfile persistence.
func (b *Builder) verifyAnchorScope(elem Element, ac *AnchorContext) error {
	scopeDir := filepath.Join(toolDir(elem), elem.Meta.Anchor.Scope)
	return filepath.WalkDir(scopeDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return coreerr.Wrap(coreerr.FileSystem, "walking anchor scope "+scopeDir, err)
		}
		if d.IsDir() {
			return nil
		}
		content, err := b.ReadFile(path)
		if err != nil {
			return coreerr.Wrap(coreerr.FileSystem, "reading anchor dependency "+path, err)
		}
		var status integrity.Status
		if b.Cache != nil {
			status, _, err = b.Cache.VerifyCached(path, content, b.Trust)
		} else {
			status, _, err = integrity.Verify(content, b.Trust)
		}
		if status != integrity.Trusted {
			return coreerr.Wrap(coreerr.Untrusted, "anchor dependency not trusted: "+path, err)
		}
		rel, relErr := filepath.Rel(scopeDir, path)
		if relErr != nil {
			rel = path
		}
		body, _ := integrity.SplitSignature(content)
		hash := integrity.Hash(integrity.Normalize(body))
		ac.VerifiedPaths = append(ac.VerifiedPaths, path)
		ac.DependencyHashes[filepath.ToSlash(rel)] = hash
		return nil
	})
}

// CombinedAnchorHash folds an AnchorContext's dependency hashes into a
// single stable digest, appended to the chain's CombinedHash to form the
// value the lockfile fast-path compares against.
func CombinedAnchorHash(ac *AnchorContext) string {
	if ac == nil || len(ac.DependencyHashes) == 0 {
		return ""
	}
	keys := make([]string, 0, len(ac.DependencyHashes))
	for k := range ac.DependencyHashes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte(':')
		b.WriteString(ac.DependencyHashes[k])
		b.WriteByte('\n')
	}
	return integrity.Hash([]byte(b.String()))
}
