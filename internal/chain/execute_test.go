package chain_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"rye.dev/core/internal/capability"
	"rye.dev/core/internal/chain"
	"rye.dev/core/internal/coreerr"
)

func newExecutor(t *testing.T, rig chainRig) *chain.Executor {
	t.Helper()
	return chain.NewExecutor(rig.builder(t), rig.project, rig.priv)
}

func rootToken(t *testing.T, itemID string) capability.Token {
	t.Helper()
	tok, err := capability.Mint("test-thread", []string{"tool.execute." + itemID}, time.Now())
	require.NoError(t, err)
	return tok
}

func TestExecuteRunsShellPrimitiveAndWritesLockfile(t *testing.T) {
	rig := newChainRig(t)
	rig.writeTool(t, "noop.yaml", "version: \"1.0.0\"\ntool_type: \"shell\"\nexecutor_id: \"\"\ncategory: \"fs\"\nconfig:\n  command: \"true\"\n")

	res, err := newExecutor(t, rig).Execute(context.Background(), "noop", nil, rootToken(t, "noop"))
	require.NoError(t, err)
	require.True(t, res.Success)

	lockPath := filepath.Join(rig.project, "lockfiles", "noop_1.0.0.lock.yaml")
	_, statErr := os.Stat(lockPath)
	require.NoError(t, statErr)
}

func TestExecuteDeniesCallerWithoutCapability(t *testing.T) {
	rig := newChainRig(t)
	rig.writeTool(t, "noop.yaml", "version: \"1.0.0\"\ntool_type: \"shell\"\nexecutor_id: \"\"\ncategory: \"fs\"\nconfig:\n  command: \"true\"\n")

	_, err := newExecutor(t, rig).Execute(context.Background(), "noop", nil, capability.Empty)
	require.Error(t, err)
	require.Equal(t, coreerr.PermissionDenied, coreerr.CodeOf(err))
}

// needs_path.py declares a config_schema requiring a "path" parameter and
// delegates actual invocation to run_shell, a terminal yaml executor. Schema
// validation runs against the root tool's declared schema, before the chain
// is ever resolved down to a runnable config.
const needsPathSource = "version: \"1.0.0\"\n" +
	"tool_type: \"python\"\n" +
	"executor_id: \"run_shell\"\n" +
	"category: \"fs\"\n" +
	"CONFIG_SCHEMA = {\n" +
	"  \"type\": \"object\",\n" +
	"  \"required\": [\"path\"]\n" +
	"}\n"

func writeNeedsPathChain(t *testing.T, rig chainRig) {
	t.Helper()
	rig.writeTool(t, "needs_path.py", needsPathSource)
	rig.writeTool(t, "run_shell.yaml", "version: \"1.0.0\"\ntool_type: \"shell\"\nexecutor_id: \"\"\ncategory: \"runtime\"\nconfig:\n  command: \"true\"\n")
}

func TestExecuteRejectsParametersViolatingConfigSchema(t *testing.T) {
	rig := newChainRig(t)
	writeNeedsPathChain(t, rig)

	_, err := newExecutor(t, rig).Execute(context.Background(), "needs_path", map[string]any{}, rootToken(t, "needs_path"))
	require.Error(t, err)
	require.Equal(t, coreerr.Config, coreerr.CodeOf(err))
}

func TestExecuteAcceptsParametersSatisfyingConfigSchema(t *testing.T) {
	rig := newChainRig(t)
	writeNeedsPathChain(t, rig)

	res, err := newExecutor(t, rig).Execute(context.Background(), "needs_path", map[string]any{"path": "/tmp"}, rootToken(t, "needs_path"))
	require.NoError(t, err)
	require.True(t, res.Success)
}
