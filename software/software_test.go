package software_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/effective-security/signer/cryptoprov"
	"github.com/effective-security/signer/software"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBackend(t *testing.T) *software.Backend {
	dir := t.TempDir()
	b, err := software.New(cryptoprov.SignerConfig{Name: "sw", Kind: cryptoprov.KindSoftware, KeysPath: filepath.Join(dir, "keys")})
	require.NoError(t, err)
	return b
}

func Test_GenerateAndGetKey(t *testing.T) {
	b := newBackend(t)

	priv, err := b.GenerateRSAKey("", 2048, cryptoprov.KeyPurposeSigning)
	require.NoError(t, err)

	keyID, label, err := b.IdentifyKey(priv)
	require.NoError(t, err)
	assert.NotEmpty(t, keyID)
	assert.Equal(t, keyID, label)

	fetched, err := b.GetKey(keyID)
	require.NoError(t, err)
	fetchedID, _, err := b.IdentifyKey(fetched)
	require.NoError(t, err)
	assert.Equal(t, keyID, fetchedID)
}

func Test_GenerateAndGetKey_Encrypted(t *testing.T) {
	dir := t.TempDir()
	b, err := software.New(cryptoprov.SignerConfig{
		Name:          "sw",
		Kind:          cryptoprov.KindSoftware,
		KeysPath:      filepath.Join(dir, "keys"),
		EncryptionKey: "super-secret-kek-material",
	})
	require.NoError(t, err)

	priv, err := b.GenerateRSAKey("", 2048, cryptoprov.KeyPurposeSigning)
	require.NoError(t, err)
	keyID, _, err := b.IdentifyKey(priv)
	require.NoError(t, err)

	// fresh backend instance, same directory and secret: must decrypt.
	b2, err := software.New(cryptoprov.SignerConfig{
		Name:          "sw",
		Kind:          cryptoprov.KindSoftware,
		KeysPath:      filepath.Join(dir, "keys"),
		EncryptionKey: "super-secret-kek-material",
	})
	require.NoError(t, err)
	_, err = b2.GetKey(keyID)
	require.NoError(t, err)
}

func Test_DestroyKeyPairOnSlot_Idempotent(t *testing.T) {
	b := newBackend(t)

	priv, err := b.GenerateRSAKey("", 2048, cryptoprov.KeyPurposeOneOff)
	require.NoError(t, err)
	keyID, _, err := b.IdentifyKey(priv)
	require.NoError(t, err)

	require.NoError(t, b.DestroyKeyPairOnSlot(0, keyID))
	require.NoError(t, b.DestroyKeyPairOnSlot(0, keyID))

	_, err = b.GetKey(keyID)
	assert.Error(t, err)
}

func Test_Random(t *testing.T) {
	b := newBackend(t)

	buf, err := b.Random(32)
	require.NoError(t, err)
	assert.Len(t, buf, 32)
}

func Test_EnumKeys(t *testing.T) {
	b := newBackend(t)

	priv, err := b.GenerateRSAKey("mykey", 2048, cryptoprov.KeyPurposeSigning)
	require.NoError(t, err)
	keyID, _, err := b.IdentifyKey(priv)
	require.NoError(t, err)

	keys, err := b.EnumKeys(0, "")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, keyID, keys[0].ID)
}

func Test_GetKey_NotFound(t *testing.T) {
	b := newBackend(t)

	_, err := b.GetKey("does-not-exist")
	assert.True(t, errors.Is(err, software.ErrKeyNotFound))
}

func Test_GetKey_Corrupt(t *testing.T) {
	dir := t.TempDir()
	keysPath := filepath.Join(dir, "keys")
	b, err := software.New(cryptoprov.SignerConfig{Name: "sw", Kind: cryptoprov.KindSoftware, KeysPath: keysPath})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(keysPath, "bad.key"), []byte("not json"), 0o600))

	_, err = b.GetKey("bad")
	assert.True(t, errors.Is(err, software.ErrKeyCorrupt))
}

func Test_KeyInfo_IncludesPublicKey(t *testing.T) {
	b := newBackend(t)

	priv, err := b.GenerateRSAKey("", 2048, cryptoprov.KeyPurposeSigning)
	require.NoError(t, err)
	keyID, _, err := b.IdentifyKey(priv)
	require.NoError(t, err)

	info, err := b.KeyInfo(0, keyID, true)
	require.NoError(t, err)
	assert.Contains(t, info.PublicKey, "PUBLIC KEY")
}
