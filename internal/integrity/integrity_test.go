package integrity_test

import (
	"crypto/ed25519"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"rye.dev/core/internal/integrity"
)

func signedFixture(t *testing.T) ([]byte, *integrity.MapTrustStore) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	store := integrity.NewMapTrustStore()
	store.Trust(integrity.Fingerprint(pub), pub)

	body := []byte("---\nname: demo\n---\nhello world\n")
	line := integrity.Sign(body, priv)
	signed := append(append([]byte{}, body...), []byte(line+"\n")...)
	return signed, store
}

func TestVerifyTrusted(t *testing.T) {
	signed, store := signedFixture(t)
	status, sig, err := integrity.Verify(signed, store)
	require.NoError(t, err)
	require.Equal(t, integrity.Trusted, status)
	require.NotNil(t, sig)
}

func TestVerifyTamperedContent(t *testing.T) {
	signed, store := signedFixture(t)
	tampered := append([]byte{}, signed...)
	tampered[0] = tampered[0] ^ 0xFF
	status, _, err := integrity.Verify(tampered, store)
	require.Error(t, err)
	require.Equal(t, integrity.Tampered, status)
}

func TestVerifyTamperedSignature(t *testing.T) {
	signed, store := signedFixture(t)
	s := string(signed)
	idx := strings.LastIndex(s, integrity.Marker+":")
	require.GreaterOrEqual(t, idx, 0)
	mutated := []byte(s[:idx+len(integrity.Marker)+20] + "A" + s[idx+len(integrity.Marker)+21:])
	status, _, err := integrity.Verify(mutated, store)
	require.Error(t, err)
	require.Equal(t, integrity.Tampered, status)
}

func TestVerifyUnsigned(t *testing.T) {
	status, sig, err := integrity.Verify([]byte("plain body\n"), integrity.NewMapTrustStore())
	require.NoError(t, err)
	require.Nil(t, sig)
	require.Equal(t, integrity.Unsigned, status)
}

func TestVerifyUntrusted(t *testing.T) {
	signed, _ := signedFixture(t)
	status, _, err := integrity.Verify(signed, integrity.NewMapTrustStore())
	require.Error(t, err)
	require.Equal(t, integrity.Untrusted, status)
}

func TestVerifyIdempotent(t *testing.T) {
	signed, store := signedFixture(t)
	s1, _, err := integrity.Verify(signed, store)
	require.NoError(t, err)
	s2, _, err := integrity.Verify(signed, store)
	require.NoError(t, err)
	require.Equal(t, s1, s2)
}

func TestCompoundFingerprintRegistryProvenance(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	store := integrity.NewMapTrustStore()
	store.Trust(integrity.Fingerprint(pub), pub)

	body := []byte("hello\n")
	line := integrity.Sign(body, priv)
	// Append registry provenance suffix as described in the spec.
	line += "|registry@alice"
	signed := append(append([]byte{}, body...), []byte(line+"\n")...)

	status, _, err := integrity.Verify(signed, store)
	require.NoError(t, err)
	require.Equal(t, integrity.Trusted, status)
}
