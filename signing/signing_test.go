package signing

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"os"
	"path/filepath"
	"testing"

	"github.com/effective-security/signer/binding"
	"github.com/effective-security/signer/certutil"
	"github.com/effective-security/signer/cryptoprov"
	"github.com/effective-security/signer/signerrouter"
	"github.com/effective-security/signer/software"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAPI(t *testing.T) *API {
	a, _ := newTestAPIWithKeysDir(t)
	return a
}

func newTestAPIWithKeysDir(t *testing.T) (*API, string) {
	t.Helper()
	a, keysPath, _, _ := newTestAPIWithRouterBits(t)
	return a, keysPath
}

func newTestAPIWithRouterBits(t *testing.T) (*API, string, string, *binding.Store) {
	t.Helper()
	datadir := t.TempDir()
	store, err := binding.Open(filepath.Join(datadir, "bindings.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	keysPath := filepath.Join(datadir, "default-keys")
	router := newTestRouterOn(t, datadir, store, keysPath)
	return New(router), keysPath, datadir, store
}

func newTestRouterOn(t *testing.T, datadir string, store *binding.Store, keysPath string) *signerrouter.Router {
	t.Helper()
	cfg := &cryptoprov.RootConfig{
		DefaultSigner:           "default",
		SignerProbeRetrySeconds: 3600,
		Signers: []cryptoprov.SignerConfig{
			{Name: "default", Kind: cryptoprov.KindSoftware, KeysPath: keysPath},
		},
	}
	router, err := signerrouter.New(cfg, datadir, store)
	require.NoError(t, err)
	return router
}

func Test_CreateKey_Sign_Verify(t *testing.T) {
	a := newTestAPI(t)
	ctx := context.Background()

	id, err := a.CreateKey(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	sig, err := a.Sign(ctx, id, []byte("hello"), AlgoRSASHA256)
	require.NoError(t, err)
	assert.NotEmpty(t, sig)
}

func Test_DestroyKey_Idempotent(t *testing.T) {
	a := newTestAPI(t)
	ctx := context.Background()

	id, err := a.CreateKey(ctx)
	require.NoError(t, err)

	require.NoError(t, a.DestroyKey(ctx, id))
	require.NoError(t, a.DestroyKey(ctx, id))

	_, err = a.Sign(ctx, id, []byte("x"), "")
	assert.True(t, errors.Is(err, &Error{Kind: KindNotBound}))
}

func Test_SignOneOff_NoBindingCreated(t *testing.T) {
	a := newTestAPI(t)
	ctx := context.Background()

	sig, pub, err := a.SignOneOff(ctx, []byte("x"), "")
	require.NoError(t, err)
	assert.NotEmpty(t, sig)
	assert.NotEmpty(t, pub.PEM)

	rsaPub, err := certutil.ParseRSAPublicKeyFromPEM([]byte(pub.PEM))
	require.NoError(t, err)
	digest := sha256.Sum256([]byte("x"))
	assert.NoError(t, rsa.VerifyPKCS1v15(rsaPub, crypto.SHA256, digest[:], sig))
}

func Test_Random(t *testing.T) {
	a := newTestAPI(t)
	b, err := a.Random(context.Background(), 32)
	require.NoError(t, err)
	assert.Len(t, b, 32)
}

func Test_Sign_UnsupportedAlgo(t *testing.T) {
	a := newTestAPI(t)
	ctx := context.Background()
	id, err := a.CreateKey(ctx)
	require.NoError(t, err)

	_, err = a.Sign(ctx, id, []byte("x"), "ecdsa-sha256")
	assert.True(t, errors.Is(err, &Error{Kind: KindConfigInvalid}))
}

// Both tests below corrupt/remove a key file and then resolve it through a
// second Router built on the same datadir and Binding Store, so the lookup
// misses the first Router's decoded-key cache the same way a process
// restart would.

func Test_Sign_KeyFileRemoved_ClassifiedAsKeyNotFound(t *testing.T) {
	a, keysPath, datadir, store := newTestAPIWithRouterBits(t)
	ctx := context.Background()
	id, err := a.CreateKey(ctx)
	require.NoError(t, err)

	rec, err := store.Lookup(id)
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(keysPath, rec.BackendLocator+".key")))

	router2 := newTestRouterOn(t, datadir, store, keysPath)
	a2 := New(router2)

	_, err = a2.Sign(ctx, id, []byte("x"), AlgoRSASHA256)
	require.Error(t, err)
	assert.True(t, errors.Is(err, software.ErrKeyNotFound))
	var serr *Error
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, KindKeyNotFound, serr.Kind)
}

func Test_Sign_KeyFileCorrupt_ClassifiedAsKeyCorrupt(t *testing.T) {
	a, keysPath, datadir, store := newTestAPIWithRouterBits(t)
	ctx := context.Background()
	id, err := a.CreateKey(ctx)
	require.NoError(t, err)

	rec, err := store.Lookup(id)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(keysPath, rec.BackendLocator+".key"), []byte("not json"), 0o600))

	router2 := newTestRouterOn(t, datadir, store, keysPath)
	a2 := New(router2)

	_, err = a2.Sign(ctx, id, []byte("x"), AlgoRSASHA256)
	require.Error(t, err)
	assert.True(t, errors.Is(err, software.ErrKeyCorrupt))
	var serr *Error
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, KindKeyCorrupt, serr.Kind)
}
