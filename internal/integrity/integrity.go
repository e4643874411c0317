// Package integrity implements the signing and verification substrate every
// item (directive, tool, knowledge) passes through before its metadata is
// extracted or its chain is executed. The scheme is Ed25519 over SHA-256 of
// normalized content, grounded on the ed25519/sha256 verifier pattern used
// elsewhere in this ecosystem for artifact signature checking, generalized
// here to the framework's fixed signature-line layout and fail-closed policy.
package integrity

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Marker is the fixed short string identifying the signature line version
// this substrate produces and accepts.
const Marker = "rye1"

// Status is the outcome of Verify.
type Status string

const (
	Trusted   Status = "trusted"
	Untrusted Status = "untrusted"
	Tampered  Status = "tampered"
	Unsigned  Status = "unsigned"
)

// Signature is a parsed signature line:
// <marker>:<ISO-8601 UTC timestamp>:<hex content hash>:<base64 signature>:<hex fingerprint[|registry@<username>]>
type Signature struct {
	Marker      string
	Timestamp   time.Time
	ContentHash string // hex
	Sig         []byte
	Fingerprint string // may be "hex|registry@username"
}

// TrustStore resolves a public-key fingerprint to a public key. Concrete
// implementations walk the same three-space precedence as items (see
// package space) but the substrate only needs the lookup, not the walk.
type TrustStore interface {
	Lookup(fingerprint string) (ed25519.PublicKey, bool)
}

// MapTrustStore is an in-memory TrustStore keyed by hex fingerprint.
type MapTrustStore struct {
	mu   sync.RWMutex
	keys map[string]ed25519.PublicKey
}

func NewMapTrustStore() *MapTrustStore {
	return &MapTrustStore{keys: make(map[string]ed25519.PublicKey)}
}

// Trust registers a public key under the hex fingerprint of its own bytes.
func (s *MapTrustStore) Trust(fingerprint string, key ed25519.PublicKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[fingerprint] = key
}

func (s *MapTrustStore) Lookup(fingerprint string) (ed25519.PublicKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[fingerprint]
	return k, ok
}

// Fingerprint returns the hex SHA-256 of a public key, used both to register
// keys in a trust store and to embed in signature lines.
func Fingerprint(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])
}

// Normalize strips any existing signature line, normalizes line endings to
// "\n", and strips trailing whitespace — the canonical form every hash and
// signature is computed over. Verification is idempotent because Normalize
// of an already-normalized body is the identity.
func Normalize(content []byte) []byte {
	body, _ := SplitSignature(content)
	body = bytes.ReplaceAll(body, []byte("\r\n"), []byte("\n"))
	body = bytes.TrimRight(body, " \t\n\r")
	return body
}

// Hash computes the hex SHA-256 of already-normalized content.
func Hash(normalized []byte) string {
	sum := sha256.Sum256(normalized)
	return hex.EncodeToString(sum[:])
}

// SplitSignature separates a raw file's trailing signature line (if any)
// from the body that precedes it. The signature line is the last non-empty
// line of the file and begins with Marker+":". If no such line is present,
// body is the whole input and sigLine is empty.
func SplitSignature(content []byte) (body []byte, sigLine string) {
	trimmed := bytes.TrimRight(content, "\n")
	idx := bytes.LastIndexByte(trimmed, '\n')
	var lastLine []byte
	if idx == -1 {
		lastLine = trimmed
	} else {
		lastLine = trimmed[idx+1:]
	}
	if bytes.HasPrefix(lastLine, []byte(Marker+":")) {
		if idx == -1 {
			return nil, string(lastLine)
		}
		return trimmed[:idx], string(lastLine)
	}
	return content, ""
}

// ParseSignature parses a signature line into its typed fields.
func ParseSignature(line string) (*Signature, error) {
	parts := strings.SplitN(line, ":", 5)
	if len(parts) != 5 {
		return nil, fmt.Errorf("malformed signature line: expected 5 colon-separated fields, got %d", len(parts))
	}
	ts, err := time.Parse(time.RFC3339, parts[1])
	if err != nil {
		return nil, fmt.Errorf("malformed signature timestamp: %w", err)
	}
	sig, err := base64.StdEncoding.DecodeString(parts[3])
	if err != nil {
		return nil, fmt.Errorf("malformed signature payload: %w", err)
	}
	return &Signature{
		Marker:      parts[0],
		Timestamp:   ts,
		ContentHash: parts[2],
		Sig:         sig,
		Fingerprint: parts[4],
	}, nil
}

// String renders the signature line in the bit-exact wire format.
func (s *Signature) String() string {
	return fmt.Sprintf("%s:%s:%s:%s:%s",
		s.Marker,
		s.Timestamp.UTC().Format(time.RFC3339),
		s.ContentHash,
		base64.StdEncoding.EncodeToString(s.Sig),
		s.Fingerprint,
	)
}

// Sign produces a signature line over content's normalized form.
func Sign(content []byte, priv ed25519.PrivateKey) string {
	normalized := Normalize(content)
	h := Hash(normalized)
	sig := ed25519.Sign(priv, []byte(h))
	pub := priv.Public().(ed25519.PublicKey)
	s := &Signature{
		Marker:      Marker,
		Timestamp:   time.Now().UTC(),
		ContentHash: h,
		Sig:         sig,
		Fingerprint: Fingerprint(pub),
	}
	return s.String()
}

// splitFingerprint splits a possibly compound fingerprint of the form
// "hex|registry@username" into its constituent parts to look each up.
func splitFingerprint(fp string) []string {
	return strings.Split(fp, "|")
}

// Verify checks content (including its trailing signature line, if present)
// against the trust store and returns the fail-closed status. Only Trusted
// permits execution by convention of callers; every other status rejects.
func Verify(content []byte, store TrustStore) (Status, *Signature, error) {
	body, sigLine := SplitSignature(content)
	if sigLine == "" {
		return Unsigned, nil, nil
	}
	sig, err := ParseSignature(sigLine)
	if err != nil {
		return Tampered, nil, err
	}
	normalized := Normalize(body)
	expected := Hash(normalized)
	if expected != sig.ContentHash {
		return Tampered, sig, fmt.Errorf("content hash mismatch: expected %s, got %s", sig.ContentHash, expected)
	}

	var lastErr error
	for _, part := range splitFingerprint(sig.Fingerprint) {
		fp := part
		if i := strings.Index(part, "@"); strings.HasPrefix(part, "registry@") && i >= 0 {
			// "registry@{username}" carries no independent key material; the
			// preceding hex fingerprint (first part) is what is looked up.
			continue
		}
		pub, ok := store.Lookup(fp)
		if !ok {
			lastErr = fmt.Errorf("fingerprint %s not found in trust store", fp)
			continue
		}
		if !ed25519.Verify(pub, []byte(sig.ContentHash), sig.Sig) {
			return Tampered, sig, fmt.Errorf("bad signature for fingerprint %s", fp)
		}
		return Trusted, sig, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no usable fingerprint in signature")
	}
	return Untrusted, sig, lastErr
}

// Cache memoizes Verify results keyed by (realpath, content hash), guarded by
// a read-write lock per §9's "global mutable caches" re-architecture note:
// the cache is a handle passed by reference, never a package-level global.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	hash   string
	status Status
	sig    *Signature
}

func NewCache() *Cache {
	return &Cache{entries: make(map[string]cacheEntry)}
}

// VerifyCached verifies content for realpath, reusing a cached result only
// if the content hash is unchanged since the last verification.
func (c *Cache) VerifyCached(realpath string, content []byte, store TrustStore) (Status, *Signature, error) {
	body, _ := SplitSignature(content)
	hash := Hash(Normalize(body))

	c.mu.RLock()
	entry, ok := c.entries[realpath]
	c.mu.RUnlock()
	if ok && entry.hash == hash {
		return entry.status, entry.sig, nil
	}

	status, sig, err := Verify(content, store)
	if err == nil || status == Tampered || status == Untrusted {
		c.mu.Lock()
		c.entries[realpath] = cacheEntry{hash: hash, status: status, sig: sig}
		c.mu.Unlock()
	}
	return status, sig, err
}
