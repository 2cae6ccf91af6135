package keystore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Tests for signing
// =============================================================================

func TestSignVerify(t *testing.T) {
	priv, err := GenerateKeyPair()
	require.NoError(t, err)

	message := []byte("document hash hex string")
	sig, err := Sign(priv, message)
	require.NoError(t, err)
	assert.Len(t, sig, SignatureSize)

	assert.True(t, Verify(&priv.PublicKey, message, sig))
	assert.False(t, Verify(&priv.PublicKey, []byte("other message"), sig))
}

func TestVerifyRejectsBadSignature(t *testing.T) {
	priv, err := GenerateKeyPair()
	require.NoError(t, err)

	message := []byte("message")
	sig, err := Sign(priv, message)
	require.NoError(t, err)

	tampered := make([]byte, len(sig))
	copy(tampered, sig)
	tampered[0] ^= 0xff
	assert.False(t, Verify(&priv.PublicKey, message, tampered))

	assert.False(t, Verify(&priv.PublicKey, message, sig[:95]), "short signature")
	assert.False(t, Verify(nil, message, sig), "nil key")
}

func TestSignNilKey(t *testing.T) {
	_, err := Sign(nil, []byte("message"))
	assert.Error(t, err)
}

// =============================================================================
// Tests for JWK export/import
// =============================================================================

func TestJWKRoundTrip(t *testing.T) {
	priv, err := GenerateKeyPair()
	require.NoError(t, err)

	jwk, err := ExportJWK(&priv.PublicKey)
	require.NoError(t, err)
	assert.Equal(t, "EC", jwk.Kty)
	assert.Equal(t, "P-384", jwk.Crv)

	pub, err := ImportJWK(jwk)
	require.NoError(t, err)
	assert.Zero(t, pub.X.Cmp(priv.PublicKey.X))
	assert.Zero(t, pub.Y.Cmp(priv.PublicKey.Y))

	// A signature verifies under the round-tripped key.
	sig, err := Sign(priv, []byte("portable"))
	require.NoError(t, err)
	assert.True(t, Verify(pub, []byte("portable"), sig))
}

func TestImportJWKRejectsGarbage(t *testing.T) {
	testCases := []struct {
		name string
		jwk  *JWK
	}{
		{"nil", nil},
		{"wrong kty", &JWK{Kty: "RSA", Crv: "P-384"}},
		{"wrong curve", &JWK{Kty: "EC", Crv: "P-256"}},
		{"bad base64", &JWK{Kty: "EC", Crv: "P-384", X: "!!!", Y: "!!!"}},
		{"not on curve", &JWK{
			Kty: "EC", Crv: "P-384",
			X: "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA",
			Y: "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA",
		}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ImportJWK(tc.jwk)
			assert.Error(t, err)
		})
	}
}

// =============================================================================
// Tests for PEM persistence
// =============================================================================

func TestPrivateKeyPEMRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "signing.pem")

	priv, err := GenerateKeyPair()
	require.NoError(t, err)
	require.NoError(t, SavePrivateKey(path, priv))

	loaded, err := LoadPrivateKey(path)
	require.NoError(t, err)
	assert.Zero(t, loaded.D.Cmp(priv.D))
}

func TestPublicKeyPEMRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "signing.pub")

	priv, err := GenerateKeyPair()
	require.NoError(t, err)
	require.NoError(t, SavePublicKey(path, &priv.PublicKey))

	loaded, err := LoadPublicKey(path)
	require.NoError(t, err)
	assert.Zero(t, loaded.X.Cmp(priv.PublicKey.X))
}

func TestLoadPrivateKeyMissingFile(t *testing.T) {
	_, err := LoadPrivateKey(filepath.Join(t.TempDir(), "missing.pem"))
	assert.Error(t, err)
}

func TestLoadPrivateKeyGarbage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "garbage.pem")
	require.NoError(t, os.WriteFile(path, []byte("not a pem file"), 0600))

	_, err := LoadPrivateKey(path)
	assert.ErrorIs(t, err, ErrInvalidKeyFormat)
}

// =============================================================================
// Tests for vault key derivation
// =============================================================================

func TestVaultKeyDeterministic(t *testing.T) {
	secret, err := NewBaseSecret()
	require.NoError(t, err)
	assert.Len(t, secret, BaseSecretSize)

	k1, err := VaultKey(secret)
	require.NoError(t, err)
	k2, err := VaultKey(secret)
	require.NoError(t, err)
	assert.Equal(t, k1, k2, "derivation should be deterministic")
	assert.Len(t, k1, 32)

	other, err := NewBaseSecret()
	require.NoError(t, err)
	k3, err := VaultKey(other)
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3, "different secrets should derive different keys")
}

func TestVaultKeyRejectsWrongSize(t *testing.T) {
	_, err := VaultKey([]byte("short"))
	assert.Error(t, err)
}
