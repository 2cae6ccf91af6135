package session

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"observd/internal/envelope"
	"observd/internal/keystore"
	"observd/internal/store"
	"observd/internal/verify"
)

// TestFullWitnessingFlow drives the whole pipeline: live session sealing
// epochs, envelope build and signing, encrypted persistence, reload, and
// offline verification of the reloaded artifact.
func TestFullWitnessingFlow(t *testing.T) {
	computer := testComputer(t)
	collector := newSealCollector()

	sess := New(Config{
		Computer:          computer,
		TargetSeconds:     0.05,
		InitialIterations: 50,
		OnSealed:          collector.onSealed,
	})
	t.Cleanup(sess.Close)
	require.NoError(t, sess.Start())

	require.NoError(t, sess.RecordDelta(insertGroup("It began, as these things do, ")))
	collector.waitFor(t, 1, 10*time.Second)
	require.NoError(t, sess.RecordDelta(insertGroup("with a letter that should never have arrived.")))
	collector.waitFor(t, 2, 10*time.Second)
	sess.Close()

	// Build and sign.
	env, err := envelope.Build("The Letter", envelope.Content{HTML: "<p>…</p>"}, sess.Chain())
	require.NoError(t, err)
	priv, err := keystore.GenerateKeyPair()
	require.NoError(t, err)
	require.NoError(t, envelope.Sign(env, priv))

	// Persist encrypted, reload.
	secret, err := keystore.NewBaseSecret()
	require.NoError(t, err)
	key, err := keystore.VaultKey(secret)
	require.NoError(t, err)

	vault, err := store.Open(filepath.Join(t.TempDir(), "vault.db"), key)
	require.NoError(t, err)
	defer vault.Close()
	require.NoError(t, vault.Save(env))

	reloaded, err := vault.Load("The Letter")
	require.NoError(t, err)

	// Offline verification of the reloaded artifact.
	result := verify.Verify(reloaded, verify.Options{Computer: computer, Level: verify.LevelForensic})
	assert.True(t, result.Valid, "errors: %v", result.Errors)
	assert.True(t, result.SignatureValid)
	assert.GreaterOrEqual(t, result.VerifiedEpochs, 2)
	require.NotNil(t, result.Authorship)
}
