package runner

import (
	"os"

	"rye.dev/core/internal/coreerr"
	"rye.dev/core/internal/integrity"
	"rye.dev/core/internal/item"
	"rye.dev/core/internal/space"
)

// LoadKnowledgeBody resolves, verifies, and extracts a knowledge item,
// returning its body text only — the shape before_step hooks need to splice
// a persona, rule set, or domain context into the first turn's prompt, and
// the shape the knowledge-execution path of the public execute() operation
// returns directly to its caller.
func LoadKnowledgeBody(resolver *space.Resolver, trust integrity.TrustStore, cache *integrity.Cache, itemID string) (string, error) {
	res, err := resolver.Resolve("knowledge", itemID)
	if err != nil {
		return "", err
	}
	content, err := os.ReadFile(res.Path)
	if err != nil {
		return "", coreerr.Wrap(coreerr.FileSystem, "reading knowledge item "+itemID, err)
	}

	var status integrity.Status
	if cache != nil {
		status, _, err = cache.VerifyCached(res.Path, content, trust)
	} else {
		status, _, err = integrity.Verify(content, trust)
	}
	if status != integrity.Trusted {
		return "", coreerr.Wrap(statusCode(status), "verifying knowledge item "+itemID, err).WithDetails(itemID)
	}

	body, _ := integrity.SplitSignature(content)
	extracted, err := item.ExtractKnowledge(string(body))
	if err != nil {
		return "", err
	}
	return extracted.Body, nil
}
