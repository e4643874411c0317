// Package capability implements capability tokens: immutable, dotted-glob
// permission sets that only ever narrow along a thread's spawn tree. The
// glob matching and narrow-never-widen discipline generalizes the allow/
// block-list filtering pattern used by this codebase's policy engine from a
// fixed tool/tag vocabulary to arbitrary dotted-glob capability strings.
package capability

import (
	"time"

	"github.com/gobwas/glob"

	"rye.dev/core/internal/coreerr"
)

// Token is an immutable set of capability patterns plus identifying
// metadata. Tokens are values: callers pass them by copy and cannot widen
// one in place, only derive a narrower Token via Attenuate.
type Token struct {
	patterns      []string
	globs         []glob.Glob
	IssuerThreadID string
	IssuedAt      time.Time
}

// Empty is the fail-closed zero value: it matches nothing.
var Empty = Token{}

// Mint produces a token whose capability set is the union of the declared
// patterns from a directive's permission block. Only root invocations (no
// parent thread id) may mint — see the thread runner's startup sequence,
// which enforces this by calling Mint only when no parent thread id is set.
func Mint(issuerThreadID string, patterns []string, issuedAt time.Time) (Token, error) {
	compiled := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p, '.')
		if err != nil {
			return Token{}, coreerr.Wrap(coreerr.Config, "compiling capability pattern "+p, err)
		}
		compiled = append(compiled, g)
	}
	return Token{
		patterns:       append([]string(nil), patterns...),
		globs:          compiled,
		IssuerThreadID: issuerThreadID,
		IssuedAt:       issuedAt,
	}, nil
}

// CompileScope compiles a dotted-glob scope string (e.g. "tool.fs.*", "**")
// with the same separator convention Check uses, for callers outside this
// package that need the identical matching semantics — the search operation
// matches item scopes against this, rather than against a second ad hoc glob
// dialect.
func CompileScope(scope string) (glob.Glob, error) {
	g, err := glob.Compile(scope, '.')
	if err != nil {
		return nil, coreerr.Wrap(coreerr.Config, "compiling scope "+scope, err)
	}
	return g, nil
}

// Patterns returns the token's capability patterns (read-only view).
func (t Token) Patterns() []string { return append([]string(nil), t.patterns...) }

// Check tests whether any pattern in the token covers required under
// glob matching. An empty token rejects everything (fail-closed).
func (t Token) Check(required string) bool {
	for _, g := range t.globs {
		if g.Match(required) {
			return true
		}
	}
	return false
}

// AttenuateResult reports both the narrowed token and any child-declared
// patterns that were dropped because the parent did not imply them — these
// are warnings, never errors, per the spec's narrowing-only contract.
type AttenuateResult struct {
	Token   Token
	Dropped []string
}

// Attenuate computes the child's effective capability set: for every
// (parent pattern, child-declared pattern) pair that overlaps, the narrower
// of the two is kept. This means a child that declares a broader wildcard
// than its parent grants (e.g. parent holds "rye.execute.tool.fs.read",
// child declares "rye.execute.tool.fs.*") still ends up with the parent's
// narrower "rye.execute.tool.fs.read" rather than losing the capability
// outright — only child-declared patterns that overlap nothing the parent
// grants are dropped, and dropping is reported as a warning, never an
// error, consistent with attenuation only ever narrowing.
func Attenuate(parent Token, childDeclared []string, issuerThreadID string, issuedAt time.Time) (AttenuateResult, error) {
	keptSet := map[string]struct{}{}
	var kept, dropped []string

	add := func(pattern string) {
		if _, ok := keptSet[pattern]; ok {
			return
		}
		keptSet[pattern] = struct{}{}
		kept = append(kept, pattern)
	}

	for _, c := range childDeclared {
		cGlob, err := glob.Compile(c, '.')
		if err != nil {
			return AttenuateResult{}, coreerr.Wrap(coreerr.Config, "compiling capability pattern "+c, err)
		}
		matched := false
		for i, p := range parent.patterns {
			switch {
			case c == p:
				matched = true
				add(p)
			case parent.globs[i].Match(c):
				// Parent pattern is broader and covers the child's literal
				// pattern: grant exactly what the child asked for.
				matched = true
				add(c)
			case cGlob.Match(p):
				// Child pattern is broader than the parent's narrower grant:
				// grant only the parent's narrower pattern.
				matched = true
				add(p)
			}
		}
		if !matched {
			dropped = append(dropped, c)
		}
	}

	tok, err := Mint(issuerThreadID, kept, issuedAt)
	if err != nil {
		return AttenuateResult{}, err
	}
	return AttenuateResult{Token: tok, Dropped: dropped}, nil
}
