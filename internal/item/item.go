// Package item implements the metadata extractor: parsing a verified item
// file into (metadata, raw body). Four parsers are chosen by file suffix and
// category, mirroring the four input shapes the framework's signed content
// takes: directive XML metadata blocks, knowledge YAML frontmatter,
// source-code tool metadata, and standalone YAML tool/runtime/primitive
// configs.
package item

import (
	"encoding/xml"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"rye.dev/core/internal/coreerr"
)

// Type distinguishes the three item kinds.
type Type string

const (
	TypeDirective Type = "directive"
	TypeTool      Type = "tool"
	TypeKnowledge Type = "knowledge"
)

// Limits mirrors a directive's declared resource bounds (§4.6 defaults are
// overlaid on top of these).
type Limits struct {
	Turns    int     `xml:"turns" yaml:"turns"`
	Tokens   int     `xml:"tokens" yaml:"tokens"`
	Spend    float64 `xml:"spend" yaml:"spend"`
	Duration int     `xml:"duration_seconds" yaml:"duration_seconds"`
	Depth    int     `xml:"depth" yaml:"depth"`
	Spawns   int     `xml:"spawns" yaml:"spawns"`
}

// Permissions is the declared capability-pattern block of a directive.
type Permissions struct {
	Patterns []string `xml:"pattern" yaml:"patterns"`
}

// DirectiveMetadata is the typed struct a directive's XML metadata block
// parses into.
type DirectiveMetadata struct {
	XMLName     xml.Name    `xml:"metadata"`
	Name        string      `xml:"name"`
	Version     string      `xml:"version"`
	Description string      `xml:"description"`
	Model       string      `xml:"model"`
	Limits      Limits      `xml:"limits"`
	Permissions Permissions `xml:"permissions"`
	Inputs      []Field     `xml:"inputs>field"`
	Outputs     []Field     `xml:"outputs>field"`
	Hooks       []HookDecl  `xml:"hooks>hook"`
}

// HookDecl is a directive-declared (event, when, action) triple, the
// directive layer of the harness's three-layer hook composition (§4.6).
type HookDecl struct {
	Event        string `xml:"event,attr"`
	When         string `xml:"when,attr"`
	DirectiveRef string `xml:"directive,attr"`
}

// Field names one declared input or output field of a directive.
type Field struct {
	Name     string `xml:"name,attr"`
	Type     string `xml:"type,attr"`
	Required bool   `xml:"required,attr"`
}

// ToolMetadata is extracted from a tool's top-level constant assignments
// (language-aware parse when possible, regex fallback otherwise).
type ToolMetadata struct {
	Version      string
	ToolType     string
	ExecutorID   string // empty means primitive (chain-terminal)
	Category     string
	ConfigSchema string // raw JSON schema text, validated lazily by callers

	// Inferred lists the fields the fallback extractor found but could not
	// confirm against a strict schema; Missing lists required fields neither
	// strategy found.
	Inferred []string
	Missing  []string
}

// KnowledgeMetadata is parsed from a knowledge item's YAML frontmatter.
type KnowledgeMetadata struct {
	ID       string   `yaml:"id"`
	Tags     []string `yaml:"tags"`
	Category string   `yaml:"category"`
	Version  string   `yaml:"version"`
}

// Extracted pairs a parsed metadata value with the raw body handed to
// downstream consumers (the LLM prompt body for directives, the remainder
// text for knowledge).
type Extracted struct {
	Type     Type
	Metadata any
	Body     string
}

var metadataFence = regexp.MustCompile(`(?s)<metadata>(.*?)</metadata>`)

// ExtractDirective strips the signature line (already done by callers via
// integrity.SplitSignature), locates the <metadata>...</metadata> XML
// fence, and treats everything outside the fence as the prompt body handed
// verbatim to the LLM.
func ExtractDirective(content string) (*Extracted, error) {
	loc := metadataFence.FindStringSubmatchIndex(content)
	if loc == nil {
		return nil, coreerr.New(coreerr.Parsing, "directive missing <metadata> block")
	}
	fenceStart, fenceEnd := loc[0], loc[1]
	inner := content[loc[2]:loc[3]]

	var meta DirectiveMetadata
	if err := xml.Unmarshal([]byte("<metadata>"+inner+"</metadata>"), &meta); err != nil {
		return nil, coreerr.Wrap(coreerr.Parsing, "parsing directive metadata block", err)
	}

	body := content[:fenceStart] + content[fenceEnd:]
	return &Extracted{Type: TypeDirective, Metadata: &meta, Body: strings.TrimSpace(body)}, nil
}

// ExtractKnowledge parses a "---\n...\n---\n" YAML frontmatter block and
// returns the remainder as the body.
func ExtractKnowledge(content string) (*Extracted, error) {
	const fence = "---"
	if !strings.HasPrefix(content, fence) {
		return nil, coreerr.New(coreerr.Parsing, "knowledge item missing frontmatter fence")
	}
	rest := content[len(fence):]
	end := strings.Index(rest, "\n"+fence)
	if end == -1 {
		return nil, coreerr.New(coreerr.Parsing, "knowledge item frontmatter not closed")
	}
	frontmatter := rest[:end]
	body := rest[end+len(fence)+1:]

	var meta KnowledgeMetadata
	if err := yaml.Unmarshal([]byte(frontmatter), &meta); err != nil {
		return nil, coreerr.Wrap(coreerr.Parsing, "parsing knowledge frontmatter", err)
	}
	return &Extracted{Type: TypeKnowledge, Metadata: &meta, Body: strings.TrimSpace(body)}, nil
}

// requiredToolFields lists the fields a strict validator requires; fields
// found by neither extraction strategy land in Missing.
var requiredToolFields = []string{"version", "tool_type", "category"}

var constAssignment = regexp.MustCompile(`(?m)^\s*(?:export\s+)?(version|tool_type|executor_id|category)\s*[:=]\s*["']?([^"'\n]*)["']?\s*$`)

var configSchemaBlock = regexp.MustCompile(`(?s)CONFIG_SCHEMA\s*[:=]\s*(\{.*?\n\})`)

// ExtractTool extracts top-level constant assignments matching the
// conventional names using a regex-based fallback strategy (the
// language-aware parse is a collaborator callers may substitute per source
// language; this fallback always runs and reports what it found versus what
// a strict schema still requires).
func ExtractTool(content string) (*Extracted, error) {
	meta := &ToolMetadata{}
	found := map[string]string{}
	for _, m := range constAssignment.FindAllStringSubmatch(content, -1) {
		found[m[1]] = strings.TrimSpace(m[2])
	}
	meta.Version = found["version"]
	meta.ToolType = found["tool_type"]
	meta.ExecutorID = found["executor_id"]
	meta.Category = found["category"]

	if m := configSchemaBlock.FindStringSubmatch(content); m != nil {
		meta.ConfigSchema = m[1]
	}

	for _, f := range requiredToolFields {
		if _, ok := found[f]; !ok {
			meta.Missing = append(meta.Missing, f)
		} else {
			meta.Inferred = append(meta.Inferred, f)
		}
	}

	return &Extracted{Type: TypeTool, Metadata: meta, Body: content}, nil
}

// YAMLConfig is the generic shape of a standalone tool/runtime/primitive
// YAML config file.
type YAMLConfig struct {
	ToolType   string            `yaml:"tool_type"`
	ExecutorID string            `yaml:"executor_id"`
	Category   string            `yaml:"category"`
	Version    string            `yaml:"version"`
	Env        map[string]string `yaml:"env"`
	Config     map[string]any    `yaml:"config"`
}

// ExtractYAMLConfig parses a YAML tool/runtime/primitive config and
// validates the required fields are present.
func ExtractYAMLConfig(content string) (*Extracted, error) {
	var cfg YAMLConfig
	if err := yaml.Unmarshal([]byte(content), &cfg); err != nil {
		return nil, coreerr.Wrap(coreerr.Parsing, "parsing yaml config", err)
	}
	var missing []string
	if cfg.ToolType == "" {
		missing = append(missing, "tool_type")
	}
	if cfg.Version == "" {
		missing = append(missing, "version")
	}
	if len(missing) > 0 {
		return nil, coreerr.New(coreerr.SchemaNotFound, "yaml config missing required fields").WithDetails(missing)
	}
	return &Extracted{Type: TypeTool, Metadata: &cfg, Body: content}, nil
}
