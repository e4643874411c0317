package core_test

import (
	"context"
	"crypto/ed25519"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	core "rye.dev/core"
	"rye.dev/core/internal/chain"
	"rye.dev/core/internal/integrity"
	"rye.dev/core/internal/item"
	"rye.dev/core/internal/space"
)

func writeSigned(t *testing.T, path string, body []byte, priv ed25519.PrivateKey) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	sig := integrity.Sign(body, priv)
	out := append(append(append([]byte(nil), body...), '\n'), []byte(sig+"\n")...)
	require.NoError(t, os.WriteFile(path, out, 0o644))
}

func newFacade(t *testing.T) (*core.Facade, string, ed25519.PrivateKey) {
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

	facade := core.New(resolver, trust, cache, executor, nil, priv)
	return facade, project, priv
}

func TestSearchFindsKnowledgeByScope(t *testing.T) {
	facade, project, priv := newFacade(t)
	body := []byte("---\nid: bash-rules\ntags: [shell]\ncategory: rules\nversion: 1\n---\nQuote variables.\n")
	writeSigned(t, filepath.Join(project, "knowledge", "bash-rules.md"), body, priv)

	results, err := facade.Search("knowledge.**", "", nil, 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "bash-rules", results[0].ItemID)
	require.Equal(t, item.TypeKnowledge, results[0].Type)
}

func TestSearchScopeExcludesNonMatchingType(t *testing.T) {
	facade, project, priv := newFacade(t)
	body := []byte("---\nid: bash-rules\ncategory: rules\nversion: 1\n---\nQuote variables.\n")
	writeSigned(t, filepath.Join(project, "knowledge", "bash-rules.md"), body, priv)

	results, err := facade.Search("directive.**", "", nil, 0)
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestLoadVerifiesAndReturnsContent(t *testing.T) {
	facade, project, priv := newFacade(t)
	body := []byte("---\nid: bash-rules\ncategory: rules\nversion: 1\n---\nQuote variables.\n")
	writeSigned(t, filepath.Join(project, "knowledge", "bash-rules.md"), body, priv)

	content, err := facade.Load(item.TypeKnowledge, "bash-rules", "")
	require.NoError(t, err)
	require.Contains(t, content, "Quote variables.")
}

func TestLoadRejectsTamperedContent(t *testing.T) {
	facade, project, priv := newFacade(t)
	body := []byte("---\nid: bash-rules\ncategory: rules\nversion: 1\n---\nQuote variables.\n")
	writeSigned(t, filepath.Join(project, "knowledge", "bash-rules.md"), body, priv)

	path := filepath.Join(project, "knowledge", "bash-rules.md")
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := append(raw, []byte("extra\n")...)
	require.NoError(t, os.WriteFile(path, tampered, 0o644))

	_, err = facade.Load(item.TypeKnowledge, "bash-rules", "")
	require.Error(t, err)
}

func TestExecuteKnowledgeReturnsBody(t *testing.T) {
	facade, project, priv := newFacade(t)
	body := []byte("---\nid: bash-rules\ncategory: rules\nversion: 1\n---\nQuote variables.\n")
	writeSigned(t, filepath.Join(project, "knowledge", "bash-rules.md"), body, priv)

	out, err := facade.Execute(context.Background(), item.TypeKnowledge, "bash-rules", nil, false)
	require.NoError(t, err)
	require.Equal(t, "Quote variables.", out.KnowledgeBody)
}

func TestExecuteToolDryRunDoesNotInvoke(t *testing.T) {
	facade, project, priv := newFacade(t)
	body := []byte("version: \"1.0.0\"\ntool_type: \"shell\"\nexecutor_id: \"\"\ncategory: \"fs\"\nconfig:\n  command: \"true\"\n")
	writeSigned(t, filepath.Join(project, "tools", "noop.yaml"), body, priv)

	out, err := facade.Execute(context.Background(), item.TypeTool, "noop", nil, true)
	require.NoError(t, err)
	require.True(t, out.DryRun)
	require.Nil(t, out.ToolResult)
}

func TestSignEmbedsVerifiableSignature(t *testing.T) {
	facade, project, _ := newFacade(t)
	path := filepath.Join(project, "knowledge", "fresh.md")
	body := []byte("---\nid: fresh\ncategory: rules\nversion: 1\n---\nBe terse.\n")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, body, 0o644))

	_, err := facade.Sign(item.TypeKnowledge, "fresh")
	require.NoError(t, err)

	content, err := facade.Load(item.TypeKnowledge, "fresh", "")
	require.NoError(t, err)
	require.Contains(t, content, "Be terse.")
}
