package probe

import (
	"context"
	"crypto"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/effective-security/signer/binding"
	"github.com/effective-security/signer/cryptoprov"
	"github.com/effective-security/signer/software"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *binding.Store {
	t.Helper()
	store, err := binding.Open(filepath.Join(t.TempDir(), "bindings.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestBackend(t *testing.T) cryptoprov.Provider {
	t.Helper()
	b, err := software.New(cryptoprov.SignerConfig{Name: "test", KeysPath: t.TempDir()})
	require.NoError(t, err)
	return b
}

func Test_EnsureProbed_ReachesReady(t *testing.T) {
	store := newTestStore(t)
	e := NewEngine(map[string]cryptoprov.Provider{"default": newTestBackend(t)}, time.Hour, store)

	st, err := e.EnsureProbed(context.Background(), "default")
	require.NoError(t, err)
	assert.Equal(t, Ready, st.State)
	assert.NotEmpty(t, st.IdentityKeyID)
	assert.True(t, st.Capabilities.CanGenerateRSA2048)
	assert.True(t, st.Capabilities.SupportsRandom)
}

func Test_EnsureProbed_UnknownSigner(t *testing.T) {
	store := newTestStore(t)
	e := NewEngine(map[string]cryptoprov.Provider{}, time.Hour, store)

	_, err := e.EnsureProbed(context.Background(), "nope")
	assert.Error(t, err)
}

func Test_IdentityKey_StableAcrossReprobe(t *testing.T) {
	store := newTestStore(t)
	backend := newTestBackend(t)
	e := NewEngine(map[string]cryptoprov.Provider{"default": backend}, time.Hour, store)

	st1, err := e.EnsureProbed(context.Background(), "default")
	require.NoError(t, err)

	in := e.instances["default"]
	in.setStatus(Status{State: Probing})
	st2 := in.probeOnce(context.Background())

	assert.Equal(t, st1.IdentityKeyID, st2.IdentityKeyID)
}

func Test_Instance_Unusable_NonRSAPublicKey(t *testing.T) {
	store := newTestStore(t)
	in := newInstance("broken", brokenProvider{}, time.Hour, store)
	st := in.probeOnce(context.Background())
	assert.Equal(t, Unusable, st.State)
	assert.NotEmpty(t, st.Reason)
}

// brokenProvider generates test keys successfully but never returns an RSA
// public key, forcing probeOnce to fail at the verify step.
type brokenProvider struct{}

var _ cryptoprov.Provider = brokenProvider{}

func (brokenProvider) Manufacturer() string { return "Broken" }
func (brokenProvider) Model() string        { return "broken" }
func (brokenProvider) CurrentSlotID() uint  { return 0 }
func (brokenProvider) GenerateRSAKey(string, int, int) (crypto.PrivateKey, error) {
	return brokenSigner{}, nil
}
func (brokenProvider) IdentifyKey(crypto.PrivateKey) (string, string, error) { return "bad", "", nil }
func (brokenProvider) GetKey(string) (crypto.PrivateKey, error)              { return nil, errors.New("not found") }
func (brokenProvider) DestroyKeyPairOnSlot(uint, string) error               { return nil }
func (brokenProvider) KeyInfo(uint, string, bool) (*cryptoprov.KeyInfo, error) {
	return nil, errors.New("not supported")
}
func (brokenProvider) ExportKey(string) (string, []byte, error) { return "", nil, errors.New("not supported") }
func (brokenProvider) Close() error                             { return nil }

type brokenSigner struct{}

func (brokenSigner) Public() crypto.PublicKey { return "not an rsa key" }
func (brokenSigner) Sign(_ io.Reader, digest []byte, _ crypto.SignerOpts) ([]byte, error) {
	return digest, nil
}
