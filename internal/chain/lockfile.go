package chain

import (
	"crypto/ed25519"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"rye.dev/core/internal/coreerr"
	"rye.dev/core/internal/integrity"
	"rye.dev/core/internal/space"
)

// LockedElement is one chain hop's pinned identity in a lockfile.
type LockedElement struct {
	ItemID    string `yaml:"item_id"`
	SpaceName string `yaml:"space"`
	Hash      string `yaml:"hash"`
}

// Lockfile is the content-hash pinning record written after a chain's
// first successful execution: the root item's identity, every hop's
// identity, and — when the anchor feature was used — the dependency tree's
// per-file hashes.
type Lockfile struct {
	RootItemID   string            `yaml:"root_item_id"`
	Version      string            `yaml:"version"`
	CombinedHash string            `yaml:"combined_hash"`
	Elements     []LockedElement   `yaml:"elements"`
	AnchorHashes map[string]string `yaml:"anchor_hashes,omitempty"`
}

// Matches reports whether a freshly built chain (plus its anchor context)
// still matches this lockfile's pinned hashes — the lockfile fast-path's
// validity check.
func (l *Lockfile) Matches(c *Chain, ac *AnchorContext) bool {
	if l.CombinedHash != c.CombinedHash {
		return false
	}
	if CombinedAnchorHash(ac) != combinedAnchorHashOf(l.AnchorHashes) {
		return false
	}
	return true
}

func combinedAnchorHashOf(hashes map[string]string) string {
	if len(hashes) == 0 {
		return ""
	}
	return CombinedAnchorHash(&AnchorContext{DependencyHashes: hashes})
}

// lockfilePath builds the path a root item's lockfile is written to —
// lockfiles live in the space the root tool was resolved from when that is
// project or user; a root resolved from system writes under project instead,
// since system-space lockfiles would require elevated write access the
// executor should not need.
func lockfilePath(resolver *space.Resolver, rootSpace space.Space, slug, version string) (string, error) {
	target := rootSpace
	if target == space.System {
		target = space.Project
	}
	root := resolver.Root(target)
	if root == "" {
		root = resolver.Root(space.Project)
	}
	if root == "" {
		return "", coreerr.New(coreerr.Config, "no writable space root configured for lockfiles")
	}
	return filepath.Join(root, "lockfiles", fmt.Sprintf("%s_%s.lock.yaml", slug, version)), nil
}

// LoadLockfile reads and parses a lockfile if present, verifying its
// signature when a trust store is supplied. An unsigned or absent lockfile
// is not an error — it simply means the fast-path is unavailable and the
// full chain verification in step 4 runs.
func LoadLockfile(resolver *space.Resolver, rootSpace space.Space, slug, version string, trust integrity.TrustStore) (*Lockfile, error) {
	path, err := lockfilePath(resolver, rootSpace, slug, version)
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, coreerr.Wrap(coreerr.FileSystem, "reading lockfile", err)
	}

	if trust != nil {
		status, _, verr := integrity.Verify(content, trust)
		if status != integrity.Trusted {
			return nil, nil // tampered or untrusted lockfile: treat as absent, fall through to full verify
		}
		_ = verr
	}

	body, _ := integrity.SplitSignature(content)
	var lf Lockfile
	if err := yaml.Unmarshal(body, &lf); err != nil {
		return nil, coreerr.Wrap(coreerr.Parsing, "parsing lockfile", err)
	}
	return &lf, nil
}

// WriteLockfile persists a chain's pinned hashes after first successful
// execution. When signingKey is non-nil the lockfile is signed; otherwise
// it is written unsigned, which forces LoadLockfile's trust check (when a
// trust store is configured) to treat it as absent on the next run.
func WriteLockfile(resolver *space.Resolver, slug, version string, c *Chain, ac *AnchorContext, signingKey ed25519.PrivateKey) error {
	rootSpace := c.Elements[0].Space
	path, err := lockfilePath(resolver, rootSpace, slug, version)
	if err != nil {
		return err
	}

	lf := Lockfile{
		RootItemID:   c.RootItemID,
		Version:      version,
		CombinedHash: c.CombinedHash,
	}
	for _, e := range c.Elements {
		lf.Elements = append(lf.Elements, LockedElement{ItemID: e.ItemID, SpaceName: e.Space.String(), Hash: e.Hash})
	}
	if ac != nil && len(ac.DependencyHashes) > 0 {
		lf.AnchorHashes = ac.DependencyHashes
	}

	encoded, err := yaml.Marshal(lf)
	if err != nil {
		return coreerr.Wrap(coreerr.Parsing, "encoding lockfile", err)
	}

	if signingKey != nil {
		sigLine := integrity.Sign(encoded, signingKey)
		encoded = append(encoded, '\n')
		encoded = append(encoded, []byte(sigLine)...)
		encoded = append(encoded, '\n')
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return coreerr.Wrap(coreerr.FileSystem, "creating lockfiles directory", err)
	}
	if err := os.WriteFile(path, encoded, 0o644); err != nil {
		return coreerr.Wrap(coreerr.FileSystem, "writing lockfile", err)
	}
	return nil
}
