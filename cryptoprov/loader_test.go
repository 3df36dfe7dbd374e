package cryptoprov_test

import (
	"crypto"
	"testing"

	"github.com/effective-security/signer/cryptoprov"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProvider struct {
	manufacturer string
	model        string
}

func (s *stubProvider) Manufacturer() string { return s.manufacturer }
func (s *stubProvider) Model() string        { return s.model }
func (s *stubProvider) CurrentSlotID() uint  { return 0 }
func (s *stubProvider) GenerateRSAKey(string, int, int) (crypto.PrivateKey, error) {
	return nil, nil
}
func (s *stubProvider) IdentifyKey(crypto.PrivateKey) (string, string, error) { return "", "", nil }
func (s *stubProvider) GetKey(string) (crypto.PrivateKey, error)              { return nil, nil }
func (s *stubProvider) DestroyKeyPairOnSlot(uint, string) error               { return nil }
func (s *stubProvider) KeyInfo(uint, string, bool) (*cryptoprov.KeyInfo, error) {
	return nil, nil
}
func (s *stubProvider) ExportKey(string) (string, []byte, error) { return "", nil, nil }
func (s *stubProvider) Close() error                              { return nil }

func Test_RegisterBuild(t *testing.T) {
	const kind = cryptoprov.Kind("teststub")
	defer func() { _, _ = cryptoprov.Unregister(kind) }()

	err := cryptoprov.Register(kind, func(cfg cryptoprov.SignerConfig) (cryptoprov.Provider, error) {
		return &stubProvider{manufacturer: "Test", model: cfg.Name}, nil
	})
	require.NoError(t, err)

	err = cryptoprov.Register(kind, func(cfg cryptoprov.SignerConfig) (cryptoprov.Provider, error) {
		return nil, nil
	})
	assert.Error(t, err, "re-registering the same kind must fail")

	p, err := cryptoprov.Build(cryptoprov.SignerConfig{Name: "s1", Kind: kind})
	require.NoError(t, err)
	assert.Equal(t, "Test", p.Manufacturer())

	_, err = cryptoprov.Build(cryptoprov.SignerConfig{Name: "s2", Kind: "unregistered"})
	assert.Error(t, err)
}

func Test_Load(t *testing.T) {
	const kind = cryptoprov.Kind("teststub2")
	defer func() { _, _ = cryptoprov.Unregister(kind) }()

	require.NoError(t, cryptoprov.Register(kind, func(cfg cryptoprov.SignerConfig) (cryptoprov.Provider, error) {
		return &stubProvider{manufacturer: "Test", model: cfg.Name}, nil
	}))

	cfg := &cryptoprov.RootConfig{
		Signers: []cryptoprov.SignerConfig{
			{Name: "good", Kind: kind},
			{Name: "bad", Kind: "unregistered"},
		},
	}

	providers, failed := cryptoprov.Load(cfg)
	assert.Len(t, providers, 1)
	assert.Contains(t, providers, "good")
	assert.Len(t, failed, 1)
	assert.Contains(t, failed, "bad")
}
