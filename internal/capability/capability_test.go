package capability_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"rye.dev/core/internal/capability"
)

func TestCheckFailClosedOnEmptyToken(t *testing.T) {
	require.False(t, capability.Empty.Check("rye.execute.tool.fs.read"))
}

func TestMintAndCheck(t *testing.T) {
	tok, err := capability.Mint("root-1", []string{"rye.execute.tool.fs.*"}, time.Now())
	require.NoError(t, err)
	require.True(t, tok.Check("rye.execute.tool.fs.read"))
	require.False(t, tok.Check("rye.execute.tool.net.get"))
}

// Scenario 1 from the testable-properties section: a child declares a
// broader wildcard than the parent grants, and ends up with the parent's
// narrower literal pattern rather than losing the capability.
func TestAttenuateNarrowsToParentsGrant(t *testing.T) {
	parent, err := capability.Mint("root-1", []string{"rye.execute.tool.fs.read"}, time.Now())
	require.NoError(t, err)

	result, err := capability.Attenuate(parent, []string{"rye.execute.tool.fs.*"}, "child-1", time.Now())
	require.NoError(t, err)
	require.Empty(t, result.Dropped)
	require.True(t, result.Token.Check("rye.execute.tool.fs.read"))
	require.False(t, result.Token.Check("rye.execute.tool.fs.write"))
}

func TestAttenuateDropsUnimpliedPatterns(t *testing.T) {
	parent, err := capability.Mint("root-1", []string{"rye.execute.tool.fs.read"}, time.Now())
	require.NoError(t, err)

	result, err := capability.Attenuate(parent, []string{"rye.search.knowledge.*"}, "child-1", time.Now())
	require.NoError(t, err)
	require.Equal(t, []string{"rye.search.knowledge.*"}, result.Dropped)
	require.False(t, result.Token.Check("rye.search.knowledge.anything"))
}

func TestAttenuateMonotonicAcrossDepths(t *testing.T) {
	root, err := capability.Mint("root", []string{"rye.execute.tool.**"}, time.Now())
	require.NoError(t, err)

	d1, err := capability.Attenuate(root, []string{"rye.execute.tool.fs.*"}, "d1", time.Now())
	require.NoError(t, err)

	d2, err := capability.Attenuate(d1.Token, []string{"rye.execute.tool.fs.read"}, "d2", time.Now())
	require.NoError(t, err)

	require.True(t, root.Check("rye.execute.tool.net.get"))
	require.False(t, d1.Token.Check("rye.execute.tool.net.get"))
	require.True(t, d1.Token.Check("rye.execute.tool.fs.write"))
	require.False(t, d2.Token.Check("rye.execute.tool.fs.write"))
	require.True(t, d2.Token.Check("rye.execute.tool.fs.read"))
}
