package chain

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"rye.dev/core/internal/capability"
	"rye.dev/core/internal/coreerr"
)

// Executor ties the chain builder, anchor verification, environment
// resolution, templating, lockfile fast-path, and primitive dispatch into
// the single execute(item_id, parameters, caller_token) operation.
type Executor struct {
	Builder     *Builder
	Primitives  map[string]Primitive // keyed by tool_type of the terminal element, e.g. "shell", "http"
	ProjectPath string
	SigningKey  ed25519.PrivateKey // optional; nil writes unsigned lockfiles
}

// NewExecutor builds an Executor with the standard shell and http
// primitives registered.
func NewExecutor(builder *Builder, projectPath string, signingKey ed25519.PrivateKey) *Executor {
	return &Executor{
		Builder:     builder,
		ProjectPath: projectPath,
		SigningKey:  signingKey,
		Primitives: map[string]Primitive{
			"shell": ShellPrimitive{},
			"http":  HTTPPrimitive{},
		},
	}
}

// Execute runs the full chain for itemID: build, verify, validate, resolve
// anchor context (consulting the lockfile fast-path first), resolve
// environment, build the execution config, and invoke the terminal
// primitive. callerToken gates the invocation: the caller must hold a
// capability covering "tool.execute.<itemID>".
func (ex *Executor) Execute(ctx context.Context, itemID string, parameters map[string]any, callerToken capability.Token) (*Result, error) {
	required := "tool.execute." + itemID
	if !callerToken.Check(required) {
		return nil, coreerr.New(coreerr.PermissionDenied, "caller token does not grant "+required).WithDetails(required)
	}

	c, err := ex.Builder.Build(itemID)
	if err != nil {
		return nil, err
	}

	if schema := c.Elements[0].Meta.ConfigSchema; schema != "" {
		if err := validateParameters(schema, parameters); err != nil {
			return nil, err
		}
	}

	version := c.Elements[0].Meta.Version
	if version == "" {
		version = "0"
	}
	slug := slugify(itemID)

	var ac *AnchorContext
	lf, lfErr := LoadLockfile(ex.Builder.Resolver, c.Elements[0].Space, slug, version, ex.Builder.Trust)
	if lfErr == nil && lf != nil {
		// Tentatively compute the anchor context only if some element
		// declares one; otherwise there is nothing to recompute and the
		// lockfile's combined-hash comparison alone decides the fast path.
		if chainHasAnchor(c) {
			ac, err = ex.Builder.ComputeAnchorContext(c)
			if err != nil {
				return nil, err
			}
		}
		if !lf.Matches(c, ac) {
			lf = nil // invalidated; fall through to full verification below
		}
	}
	if lf == nil && chainHasAnchor(c) && ac == nil {
		ac, err = ex.Builder.ComputeAnchorContext(c)
		if err != nil {
			return nil, err
		}
	}

	env := ResolveEnvironment(c, ac)

	paramsJSON, err := json.Marshal(parameters)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.Config, "serializing parameters", err)
	}
	anchorPath := ""
	if ac != nil && len(ac.VerifiedPaths) > 0 {
		anchorPath = ac.VerifiedPaths[0]
	}

	cfg, err := BuildExecutionConfig(c, env, anchorPath, ex.ProjectPath, string(paramsJSON))
	if err != nil {
		return nil, err
	}

	terminal := c.Terminal()
	prim, ok := ex.Primitives[terminal.Meta.ToolType]
	if !ok {
		return nil, coreerr.New(coreerr.ExecutorNotFound, "no primitive registered for tool_type "+terminal.Meta.ToolType).WithDetails(terminal.Meta.ToolType)
	}

	execCfg := toExecConfig(cfg, env)
	res, err := prim.Invoke(ctx, execCfg)
	if err != nil {
		return nil, err
	}

	if res.Success && lf == nil {
		if err := WriteLockfile(ex.Builder.Resolver, slug, version, c, ac, ex.SigningKey); err != nil {
			return nil, err
		}
	}

	return res, nil
}

// validateParameters checks caller-supplied parameters against a tool's
// declared config_schema (a JSON Schema document embedded in the tool's
// source metadata) before the chain is built into an execution config —
// catching a malformed invocation before it reaches a primitive.
func validateParameters(schemaJSON string, parameters map[string]any) error {
	var schemaDoc any
	if err := json.Unmarshal([]byte(schemaJSON), &schemaDoc); err != nil {
		return coreerr.Wrap(coreerr.Config, "parsing tool config_schema", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("config_schema.json", schemaDoc); err != nil {
		return coreerr.Wrap(coreerr.Config, "adding tool config_schema resource", err)
	}
	schema, err := compiler.Compile("config_schema.json")
	if err != nil {
		return coreerr.Wrap(coreerr.Config, "compiling tool config_schema", err)
	}

	encoded, err := json.Marshal(parameters)
	if err != nil {
		return coreerr.Wrap(coreerr.Config, "encoding parameters for schema validation", err)
	}
	var instance any
	if err := json.Unmarshal(encoded, &instance); err != nil {
		return coreerr.Wrap(coreerr.Config, "decoding parameters for schema validation", err)
	}

	if err := schema.Validate(instance); err != nil {
		return coreerr.Wrap(coreerr.Config, "parameters do not satisfy tool config_schema", err).WithDetails(err.Error())
	}
	return nil
}

func chainHasAnchor(c *Chain) bool {
	for _, e := range c.Elements {
		if e.Meta.Anchor != nil {
			return true
		}
	}
	return false
}

// toExecConfig lifts the merged, templated config map into the primitive
// interface's typed ExecConfig, reading the conventional "command"/"args"
// or "url"/"method"/"headers"/"body" keys a shell or http tool config
// declares.
func toExecConfig(cfg map[string]any, env map[string]string) ExecConfig {
	ec := ExecConfig{Env: env}
	if v, ok := cfg["command"].(string); ok {
		ec.Command = v
	}
	if v, ok := cfg["args"].([]any); ok {
		for _, a := range v {
			ec.Args = append(ec.Args, fmt.Sprintf("%v", a))
		}
	}
	if v, ok := cfg["work_dir"].(string); ok {
		ec.WorkDir = v
	}
	if v, ok := cfg["url"].(string); ok {
		ec.URL = v
	}
	if v, ok := cfg["method"].(string); ok {
		ec.Method = v
	}
	if v, ok := cfg["body"].(string); ok {
		ec.Body = v
	}
	if v, ok := cfg["headers"].(map[string]any); ok {
		ec.Headers = map[string]string{}
		for k, hv := range v {
			ec.Headers[k] = fmt.Sprintf("%v", hv)
		}
	}
	return ec
}

func slugify(itemID string) string {
	out := make([]rune, 0, len(itemID))
	for _, r := range itemID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
