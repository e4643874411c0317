// Command rye wires the core's collaborators into a single process and
// runs the Search and Execute operations against a project space rooted at
// the current directory. It mirrors the teacher's demo: no CLI framework,
// flags kept to a minimum, wiring done by hand in main so the dependency
// graph stays visible.
package main

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"os"
	"path/filepath"

	core "rye.dev/core"
	"rye.dev/core/features/model/anthropic"
	"rye.dev/core/features/policy/basic"
	"rye.dev/core/internal/chain"
	"rye.dev/core/internal/coordination"
	"rye.dev/core/internal/harness"
	"rye.dev/core/internal/integrity"
	"rye.dev/core/internal/item"
	"rye.dev/core/internal/ledger"
	"rye.dev/core/internal/runner"
	"rye.dev/core/internal/space"
	"rye.dev/core/internal/telemetry"
	"rye.dev/core/runtime/agent/model"
)

func main() {
	ctx := context.Background()

	projectRoot, err := os.Getwd()
	must(err)
	userRoot := filepath.Join(os.Getenv("HOME"), ".rye")
	systemRoot := "/etc/rye"
	stateDir := filepath.Join(projectRoot, ".rye", "state")
	must(os.MkdirAll(stateDir, 0o755))

	resolver := space.NewResolver(projectRoot, userRoot, systemRoot)
	trust := integrity.NewMapTrustStore()
	cache := integrity.NewCache()

	pub, priv, err := loadOrMintSigningKey(stateDir)
	must(err)
	trust.Trust(integrity.Fingerprint(pub), pub)

	builder := chain.NewBuilder(resolver, trust, cache, nil)
	executor := chain.NewExecutor(builder, projectRoot, priv)

	led, err := ledger.Open(filepath.Join(stateDir, "ledger.db"))
	must(err)
	defer led.Close()

	engine := coordination.NewInProcessEngine()

	policyEngine, err := basic.New(basic.Options{
		BlockTags: []string{"destructive"},
	})
	must(err)

	providers := map[model.ModelClass]model.Client{}
	if apiKey := os.Getenv("ANTHROPIC_API_KEY"); apiKey != "" {
		client, err := anthropic.NewFromAPIKey(apiKey, "claude-sonnet-4-5")
		must(err)
		providers[model.ModelClassDefault] = client
	}

	r := runner.New(runner.Deps{
		Resolver:  resolver,
		Trust:     trust,
		Cache:     cache,
		Ledger:    led,
		Engine:    engine,
		Executor:  executor,
		Providers: providers,
		Policy:    policyEngine,
		Logger:    telemetry.NewClueLogger(),
		Metrics:   telemetry.NewClueMetrics(),
		Config: runner.Config{
			DefaultLimits: harness.Limits{Turns: 25, Tokens: 200_000, Spend: 5.0, Duration: 600, Depth: 4, Spawns: 10},
			StateDir:      stateDir,
		},
	})

	facade := core.New(resolver, trust, cache, executor, r, priv)

	results, err := facade.Search("", "", nil, 20)
	must(err)
	fmt.Println("items found:", len(results))
	for _, res := range results {
		fmt.Printf("  %s [%s] (%s)\n", res.ItemID, res.Type, res.Space)
	}

	directiveID := firstOfType(results, item.TypeDirective)
	if directiveID == "" {
		return
	}
	out, err := facade.Execute(ctx, item.TypeDirective, directiveID, nil, false)
	must(err)
	if out.ThreadResult != nil {
		fmt.Println("thread", out.ThreadResult.ThreadID, "status", out.ThreadResult.Status)
		fmt.Println(out.ThreadResult.Text)
	}
}

func firstOfType(results []core.SearchResult, typ item.Type) string {
	for _, r := range results {
		if r.Type == typ {
			return r.ItemID
		}
	}
	return ""
}

// loadOrMintSigningKey reads a persisted ed25519 key from stateDir, minting
// and persisting a fresh one on first run. Losing this file invalidates
// every signature this install produced, so it lives under the project's
// own state directory rather than anywhere more ephemeral.
func loadOrMintSigningKey(stateDir string) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	path := filepath.Join(stateDir, "signing.key")
	if raw, err := os.ReadFile(path); err == nil && len(raw) == ed25519.PrivateKeySize {
		priv := ed25519.PrivateKey(raw)
		return priv.Public().(ed25519.PublicKey), priv, nil
	}
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, nil, err
	}
	if err := os.WriteFile(path, priv, 0o600); err != nil {
		return nil, nil, err
	}
	return pub, priv, nil
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}
