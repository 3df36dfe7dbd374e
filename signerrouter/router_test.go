package signerrouter

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/effective-security/signer/binding"
	"github.com/effective-security/signer/cryptoprov"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	datadir := t.TempDir()
	store, err := binding.Open(filepath.Join(datadir, "bindings.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg := &cryptoprov.RootConfig{
		DefaultSigner:           "default",
		SignerProbeRetrySeconds: 3600,
		Signers: []cryptoprov.SignerConfig{
			{Name: "default", Kind: cryptoprov.KindSoftware, KeysPath: filepath.Join(datadir, "default-keys")},
		},
	}
	r, err := New(cfg, datadir, store)
	require.NoError(t, err)
	return r
}

func Test_New_SynthesizesOneOffSigner(t *testing.T) {
	r := newTestRouter(t)
	assert.Equal(t, "__one-off", r.oneOffSigner)
	assert.Contains(t, r.providers, "__one-off")
}

func Test_New_RequiresDefaultSigner(t *testing.T) {
	datadir := t.TempDir()
	store, err := binding.Open(filepath.Join(datadir, "bindings.db"))
	require.NoError(t, err)
	defer store.Close()

	_, err = New(&cryptoprov.RootConfig{}, datadir, store)
	assert.Error(t, err)
}

func Test_DefaultSigner_BecomesReady(t *testing.T) {
	r := newTestRouter(t)
	p, st, err := r.DefaultSigner(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, p)
	assert.NotEmpty(t, st.IdentityKeyID)
}

func Test_OneOffSigner_BecomesReady(t *testing.T) {
	r := newTestRouter(t)
	p, _, err := r.OneOffSigner(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, p)
}

func Test_Owner_BindAndLookup(t *testing.T) {
	r := newTestRouter(t)
	_, st, err := r.DefaultSigner(context.Background())
	require.NoError(t, err)

	require.NoError(t, r.Bind("default", "lk-1", "software:somewhere"))

	p, rec, err := r.Owner(context.Background(), "lk-1")
	require.NoError(t, err)
	assert.NotNil(t, p)
	assert.Equal(t, st.IdentityKeyID, rec.OwningIdentityKeyID)
}

func Test_Owner_UnboundKey(t *testing.T) {
	r := newTestRouter(t)
	_, _, err := r.Owner(context.Background(), "never-bound")
	assert.ErrorIs(t, err, binding.ErrNotBound)
}

func Test_New_SoftwareFallback_SynthesizedForNonSoftwareOneOff(t *testing.T) {
	datadir := t.TempDir()
	store, err := binding.Open(filepath.Join(datadir, "bindings.db"))
	require.NoError(t, err)
	defer store.Close()

	cfg := &cryptoprov.RootConfig{
		DefaultSigner: "default",
		OneOffSigner:  "kmip-one-off",
		Signers: []cryptoprov.SignerConfig{
			{Name: "default", Kind: cryptoprov.KindSoftware, KeysPath: filepath.Join(datadir, "default-keys")},
			{Name: "kmip-one-off", Kind: cryptoprov.KindKMIP, Host: "127.0.0.1"},
		},
	}
	r, err := New(cfg, datadir, store)
	require.NoError(t, err)

	assert.Equal(t, "kmip-one-off", r.oneOffSigner)
	assert.NotEqual(t, r.oneOffSigner, r.softwareFallback)
	assert.Contains(t, r.providers, r.softwareFallback)
}

func Test_New_SoftwareFallback_ReusesSoftwareOneOff(t *testing.T) {
	r := newTestRouter(t)
	assert.Equal(t, r.oneOffSigner, r.softwareFallback)
}
