package chain

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"rye.dev/core/internal/coreerr"
)

// ResolveEnvironment walks the chain from the terminal primitive back up to
// the root tool, merging each element's declared Env (interpreter paths,
// static vars) with `${VAR:-default}` substitution against the resolved
// environment so far, then layers the anchor context's path mutations on
// top. Earlier (closer to the root) elements override later ones, matching
// "tool overrides runtime" precedence used for config in step 7.
func ResolveEnvironment(c *Chain, ac *AnchorContext) map[string]string {
	env := map[string]string{}

	for i := len(c.Elements) - 1; i >= 0; i-- {
		elem := c.Elements[i]
		for k, v := range elem.Meta.Env {
			env[k] = substituteDefaults(v, env)
		}
	}

	if ac != nil {
		for k, prepend := range ac.PrependEnv {
			env[k] = joinPath(append(append([]string(nil), prepend...), splitPath(env[k])...))
		}
		for k, appendPaths := range ac.AppendEnv {
			env[k] = joinPath(append(splitPath(env[k]), appendPaths...))
		}
	}

	return env
}

var defaultExpr = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// substituteDefaults resolves `${VAR}` and `${VAR:-default}` references in
// value against vars already resolved in this environment or, failing
// that, the process environment, falling back to the declared default (or
// empty string if VAR is undeclared and carries no default).
func substituteDefaults(value string, resolved map[string]string) string {
	return defaultExpr.ReplaceAllStringFunc(value, func(match string) string {
		sub := defaultExpr.FindStringSubmatch(match)
		name, hasDefault, def := sub[1], sub[2] != "", sub[3]
		if v, ok := resolved[name]; ok {
			return v
		}
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		if hasDefault {
			return def
		}
		return ""
	})
}

func splitPath(v string) []string {
	if v == "" {
		return nil
	}
	return strings.Split(v, string(os.PathListSeparator))
}

func joinPath(parts []string) string {
	return strings.Join(parts, string(os.PathListSeparator))
}

// BuildExecutionConfig merges the config blocks of every chain element
// (tool overrides runtime — earlier elements win), injects the fixed
// execution-context keys, and resolves templating in two passes: pass 1
// expands `${VAR}` shell-safe against env; pass 2 resolves `{param}`
// references against the merged config itself via topological sort.
func BuildExecutionConfig(c *Chain, env map[string]string, anchorPath, projectPath string, parametersJSON string) (map[string]any, error) {
	merged := map[string]any{}
	for i := len(c.Elements) - 1; i >= 0; i-- {
		for k, v := range c.Elements[i].Meta.Config {
			merged[k] = v
		}
	}
	merged["tool_path"] = c.Elements[0].Path
	merged["project_path"] = projectPath
	merged["parameters"] = parametersJSON
	merged["anchor_path"] = anchorPath

	pass1, err := expandEnvPass(merged, env)
	if err != nil {
		return nil, err
	}
	return expandParamPass(pass1)
}

// expandEnvPass resolves `${VAR}` references in every string value of cfg
// against env, shell-escaping the substituted value so the result is safe
// to place directly into a shell command line downstream.
func expandEnvPass(cfg map[string]any, env map[string]string) (map[string]any, error) {
	out := make(map[string]any, len(cfg))
	for k, v := range cfg {
		s, ok := v.(string)
		if !ok {
			out[k] = v
			continue
		}
		out[k] = defaultExpr.ReplaceAllStringFunc(s, func(match string) string {
			sub := defaultExpr.FindStringSubmatch(match)
			name, hasDefault, def := sub[1], sub[2] != "", sub[3]
			if val, ok := env[name]; ok {
				return ShellEscape(val)
			}
			if hasDefault {
				return ShellEscape(def)
			}
			return "''"
		})
	}
	return out, nil
}

var paramExpr = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)

// expandParamPass resolves `{param}` references against cfg's own string
// values via a topological sort over the reference graph, rather than the
// bounded-iteration approach the reference implementation used: a cycle is
// reported as a TemplateError naming a node on the cycle instead of silently
// giving up after a fixed number of passes.
func expandParamPass(cfg map[string]any) (map[string]any, error) {
	refs := map[string][]string{}
	for k, v := range cfg {
		s, ok := v.(string)
		if !ok {
			continue
		}
		for _, m := range paramExpr.FindAllStringSubmatch(s, -1) {
			ref := m[1]
			if ref == k {
				continue // self-reference resolves to the literal braces, not a dependency
			}
			if _, exists := cfg[ref]; exists {
				refs[k] = append(refs[k], ref)
			}
		}
	}

	order, err := topoSort(refs, keysOf(cfg))
	if err != nil {
		return nil, err
	}

	resolved := make(map[string]any, len(cfg))
	for k, v := range cfg {
		resolved[k] = v
	}
	for _, k := range order {
		s, ok := resolved[k].(string)
		if !ok {
			continue
		}
		resolved[k] = paramExpr.ReplaceAllStringFunc(s, func(match string) string {
			sub := paramExpr.FindStringSubmatch(match)
			ref := sub[1]
			val, ok := resolved[ref]
			if !ok {
				return match
			}
			return fmt.Sprintf("%v", val)
		})
	}
	return resolved, nil
}

func keysOf(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

// topoSort orders nodes so that every node appears after all nodes it
// depends on (per deps[node]). Returns a TemplateError naming the node where
// a cycle was found if the dependency graph is not acyclic.
func topoSort(deps map[string][]string, nodes []string) ([]string, error) {
	const (
		white = iota
		gray
		black
	)
	state := make(map[string]int, len(nodes))
	for _, n := range nodes {
		state[n] = white
	}
	var order []string
	var visit func(n string) error
	visit = func(n string) error {
		switch state[n] {
		case black:
			return nil
		case gray:
			return coreerr.New(coreerr.TemplateError, "template parameter cycle detected at "+n).WithDetails(n)
		}
		state[n] = gray
		for _, dep := range deps[n] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[n] = black
		order = append(order, n)
		return nil
	}
	for _, n := range nodes {
		if err := visit(n); err != nil {
			return nil, err
		}
	}
	return order, nil
}
