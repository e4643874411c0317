package item_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"rye.dev/core/internal/item"
)

func TestExtractDirective(t *testing.T) {
	content := `<metadata>
  <name>plan_db_schema</name>
  <version>1.0.0</version>
  <description>Plan a database schema</description>
  <model>claude</model>
  <limits><turns>10</turns><spend>1.5</spend></limits>
  <permissions><pattern>rye.execute.tool.fs.read</pattern></permissions>
</metadata>
Design a schema for {{input.domain}}.
`
	ex, err := item.ExtractDirective(content)
	require.NoError(t, err)
	meta := ex.Metadata.(*item.DirectiveMetadata)
	require.Equal(t, "plan_db_schema", meta.Name)
	require.Equal(t, 10, meta.Limits.Turns)
	require.Equal(t, []string{"rye.execute.tool.fs.read"}, meta.Permissions.Patterns)
	require.Contains(t, ex.Body, "Design a schema")
}

func TestExtractDirectiveMissingMetadata(t *testing.T) {
	_, err := item.ExtractDirective("no metadata here")
	require.Error(t, err)
}

func TestExtractKnowledge(t *testing.T) {
	content := "---\nid: bash-rules\ntags: [shell, safety]\ncategory: rules\nversion: 2\n---\nAlways quote variables.\n"
	ex, err := item.ExtractKnowledge(content)
	require.NoError(t, err)
	meta := ex.Metadata.(*item.KnowledgeMetadata)
	require.Equal(t, "bash-rules", meta.ID)
	require.Equal(t, []string{"shell", "safety"}, meta.Tags)
	require.Equal(t, "Always quote variables.", ex.Body)
}

func TestExtractToolFallback(t *testing.T) {
	content := "version: \"1.0.0\"\ntool_type: \"shell\"\nexecutor_id: \"\"\ncategory: \"fs\"\n"
	ex, err := item.ExtractTool(content)
	require.NoError(t, err)
	meta := ex.Metadata.(*item.ToolMetadata)
	require.Equal(t, "1.0.0", meta.Version)
	require.Equal(t, "shell", meta.ToolType)
	require.Empty(t, meta.Missing)
}

func TestExtractToolMissingFields(t *testing.T) {
	ex, err := item.ExtractTool("category: fs\n")
	require.NoError(t, err)
	meta := ex.Metadata.(*item.ToolMetadata)
	require.Contains(t, meta.Missing, "version")
	require.Contains(t, meta.Missing, "tool_type")
}

func TestExtractYAMLConfigRequiresFields(t *testing.T) {
	_, err := item.ExtractYAMLConfig("category: fs\n")
	require.Error(t, err)
}
