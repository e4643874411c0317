// Package space implements the three-tier namespace resolver: project > user
// > system. Resolution walks the spaces in precedence order and returns the
// first path whose file exists.
package space

import (
	"os"
	"path/filepath"

	"rye.dev/core/internal/coreerr"
)

// Space is one of the three fixed mount points, ordered by precedence
// (higher Precedence wins).
type Space int

const (
	System Space = iota
	User
	Project
)

// Precedence returns the ordering value used to compare two spaces; higher
// wins. Defined as a method (rather than relying on enum order alone) so
// callers never need to assume iota ordering.
func (s Space) Precedence() int { return int(s) }

func (s Space) String() string {
	switch s {
	case Project:
		return "project"
	case User:
		return "user"
	case System:
		return "system"
	default:
		return "unknown"
	}
}

// suffixes is the ordered list of extensions the resolver tries for a given
// item_id when no extension is present in the id itself.
var suffixes = []string{".md", ".py", ".yaml", ".yml", ".js", ".ts", ".sh"}

// Resolver walks project, user, and system roots in that precedence order.
type Resolver struct {
	roots map[Space]string // base directory for each space, e.g. ".../.ai"
}

// NewResolver builds a Resolver from explicit per-space root directories.
// A space with an empty root is treated as absent and skipped during
// resolution.
func NewResolver(project, user, system string) *Resolver {
	return &Resolver{roots: map[Space]string{
		Project: project,
		User:    user,
		System:  system,
	}}
}

// precedenceOrder lists spaces from highest to lowest precedence, the order
// Resolve walks them in.
var precedenceOrder = []Space{Project, User, System}

// Root returns the configured base directory for sp, or "" if that space has
// no root configured. Callers that need to place new files relative to a
// space (lockfiles, newly signed items) use this rather than re-deriving a
// path from a Result.
func (r *Resolver) Root(sp Space) string { return r.roots[sp] }

// Result is the outcome of a successful resolution.
type Result struct {
	Path   string
	Space  Space
	Suffix string
}

// Resolve maps (itemType, itemID) to the first path whose file exists,
// walking spaces in project > user > system order. itemType is a
// subdirectory under each space root, e.g. "directives", "tools", "knowledge".
func (r *Resolver) Resolve(itemType, itemID string) (*Result, error) {
	rel := filepath.FromSlash(itemID)

	for _, sp := range precedenceOrder {
		root := r.roots[sp]
		if root == "" {
			continue
		}
		matches, err := matchingFiles(root, itemType, rel)
		if err != nil {
			return nil, coreerr.Wrap(coreerr.FileSystem, "listing candidate files", err)
		}
		if len(matches) > 1 {
			return nil, coreerr.New(coreerr.AmbiguousSuffix,
				"multiple files differ only by suffix for "+itemID).WithDetails(matches)
		}
		if len(matches) == 1 {
			suffix := filepath.Ext(matches[0])
			return &Result{Path: filepath.Join(root, itemType, matches[0]), Space: sp, Suffix: suffix}, nil
		}
	}
	return nil, coreerr.New(coreerr.ItemNotFound, "item not found in any space: "+itemID)
}

// matchingFiles returns, relative to root/itemType, the file name(s) that
// satisfy rel — either rel verbatim (already carries an extension) or
// rel+suffix for each candidate suffix, in suffix-try order. More than one
// distinct existing suffix for the same rel is reported by the caller as
// AmbiguousSuffix.
func matchingFiles(root, itemType, rel string) ([]string, error) {
	dir := filepath.Join(root, itemType)

	if filepath.Ext(rel) != "" {
		if fileExists(filepath.Join(dir, rel)) {
			return []string{rel}, nil
		}
		return nil, nil
	}

	var found []string
	for _, suf := range suffixes {
		candidate := rel + suf
		if fileExists(filepath.Join(dir, candidate)) {
			found = append(found, candidate)
		}
	}
	return found, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
