package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"observd/internal/envelope"
	"observd/internal/epoch"
	"observd/internal/keystore"
	"observd/internal/vdf"
)

const testModulus = "bc975c587f80c63fc038828ed7416a2c0cf209e434494b77096086f47cbafff2" +
	"24d6c853998f3cfb8a8fd1c847b06666561e8ef5adfe5b3e11c09ac7324c4119"

func testKey(t *testing.T) []byte {
	t.Helper()
	secret, err := keystore.NewBaseSecret()
	require.NoError(t, err)
	key, err := keystore.VaultKey(secret)
	require.NoError(t, err)
	return key
}

func testEnvelope(t *testing.T, title string) *envelope.Envelope {
	t.Helper()
	computer, err := vdf.NewWithModulus(testModulus)
	require.NoError(t, err)

	chain := epoch.NewChain()
	chain.Genesis()
	proof, err := computer.ComputeProof(chain.Tip().Hash, 30, nil)
	require.NoError(t, err)
	deltas := []any{map[string]any{"ops": []any{map[string]any{"insert": "vault text"}}}}
	_, err = chain.Append(deltas, proof, 30, 1.0)
	require.NoError(t, err)

	env, err := envelope.Build(title, envelope.Content{HTML: "<p>vault</p>"}, chain)
	require.NoError(t, err)
	return env
}

func openTestVault(t *testing.T) (*Vault, []byte) {
	t.Helper()
	key := testKey(t)
	vault, err := Open(filepath.Join(t.TempDir(), "vault.db"), key)
	require.NoError(t, err)
	t.Cleanup(func() { vault.Close() })
	return vault, key
}

// =============================================================================
// Tests for the SQLite vault
// =============================================================================

func TestSaveLoadRoundTrip(t *testing.T) {
	vault, _ := openTestVault(t)
	env := testEnvelope(t, "First Draft")

	require.NoError(t, vault.Save(env))

	loaded, err := vault.Load("First Draft")
	require.NoError(t, err)
	assert.Equal(t, env.Title, loaded.Title)
	assert.Equal(t, env.Metadata.DocumentHash, loaded.Metadata.DocumentHash)
	assert.Len(t, loaded.ProofChain, 2)

	// Round-trip preserves the canonical document hash.
	recomputed, err := envelope.ComputeDocumentHash(loaded)
	require.NoError(t, err)
	assert.Equal(t, env.Metadata.DocumentHash, recomputed)
}

func TestSaveUpserts(t *testing.T) {
	vault, _ := openTestVault(t)
	env := testEnvelope(t, "Evolving Draft")
	require.NoError(t, vault.Save(env))

	env.Content.HTML = "<p>revised</p>"
	require.NoError(t, vault.Save(env))

	docs, err := vault.List()
	require.NoError(t, err)
	assert.Len(t, docs, 1, "second save of the same title should replace")

	loaded, err := vault.Load("Evolving Draft")
	require.NoError(t, err)
	assert.Equal(t, "<p>revised</p>", loaded.Content.HTML)
}

func TestLoadMissing(t *testing.T) {
	vault, _ := openTestVault(t)
	_, err := vault.Load("nonexistent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListBrowsesWithoutDecryption(t *testing.T) {
	vault, _ := openTestVault(t)
	require.NoError(t, vault.Save(testEnvelope(t, "Alpha")))
	require.NoError(t, vault.Save(testEnvelope(t, "Beta")))

	docs, err := vault.List()
	require.NoError(t, err)
	require.Len(t, docs, 2)
	titles := []string{docs[0].Title, docs[1].Title}
	assert.Contains(t, titles, "Alpha")
	assert.Contains(t, titles, "Beta")
}

func TestDelete(t *testing.T) {
	vault, _ := openTestVault(t)
	require.NoError(t, vault.Save(testEnvelope(t, "Doomed")))

	require.NoError(t, vault.Delete("Doomed"))
	_, err := vault.Load("Doomed")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, vault.Delete("Doomed"), ErrNotFound)
}

func TestWrongKeyFailsDecryption(t *testing.T) {
	key := testKey(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "vault.db")

	vault, err := Open(path, key)
	require.NoError(t, err)
	require.NoError(t, vault.Save(testEnvelope(t, "Sealed")))
	require.NoError(t, vault.Close())

	other, err := Open(path, testKey(t))
	require.NoError(t, err)
	defer other.Close()

	// Titles still browse; content does not decrypt.
	docs, err := other.List()
	require.NoError(t, err)
	assert.Len(t, docs, 1)

	_, err = other.Load("Sealed")
	assert.ErrorIs(t, err, ErrDecryption)
}

func TestOpenRejectsBadKey(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "vault.db"), []byte("short"))
	assert.ErrorIs(t, err, ErrInvalidKey)
}

// =============================================================================
// Tests for portable encrypted files
// =============================================================================

func TestExportImportRoundTrip(t *testing.T) {
	key := testKey(t)
	env := testEnvelope(t, "Portable")

	doc, err := Export(env, key)
	require.NoError(t, err)
	assert.Equal(t, "Portable", doc.Metadata.Title)
	assert.Len(t, doc.Payload.IV, NonceSize)
	assert.NotEmpty(t, doc.Payload.Content)

	imported, err := Import(doc, key)
	require.NoError(t, err)
	assert.Equal(t, env.Metadata.DocumentHash, imported.Metadata.DocumentHash)
}

func TestExportMetadataStaysPlaintext(t *testing.T) {
	key := testKey(t)
	env := testEnvelope(t, "Browsable Title")

	doc, err := Export(env, key)
	require.NoError(t, err)

	data, err := json.Marshal(doc)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Browsable Title",
		"title must remain readable without the key")
	assert.NotContains(t, string(data), "vault text",
		"document content must not leak")
}

func TestImportTamperedPayload(t *testing.T) {
	key := testKey(t)
	doc, err := Export(testEnvelope(t, "Tampered"), key)
	require.NoError(t, err)

	doc.Payload.Content[0] ^= 0xff
	_, err = Import(doc, key)
	assert.ErrorIs(t, err, ErrDecryption)
}

func TestImportWrongKey(t *testing.T) {
	doc, err := Export(testEnvelope(t, "Keyed"), testKey(t))
	require.NoError(t, err)

	_, err = Import(doc, testKey(t))
	assert.ErrorIs(t, err, ErrDecryption)
}

func TestFileRoundTrip(t *testing.T) {
	key := testKey(t)
	env := testEnvelope(t, "On Disk")
	path := filepath.Join(t.TempDir(), "document.obsd")

	require.NoError(t, WriteFile(path, env, key))

	// File is JSON with plaintext browse metadata.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(raw), `"metadata"`))

	loaded, err := ReadFile(path, key)
	require.NoError(t, err)
	assert.Equal(t, env.Metadata.DocumentHash, loaded.Metadata.DocumentHash)
}

func TestFromIntsRejectsOutOfRange(t *testing.T) {
	_, err := fromInts([]int{0, 300})
	assert.Error(t, err)
}
