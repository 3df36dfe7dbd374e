package cryptoprov_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/effective-security/signer/cryptoprov"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_LoadRootConfig_YAML(t *testing.T) {
	dir := t.TempDir()
	pinFile := filepath.Join(dir, "pin.txt")
	require.NoError(t, os.WriteFile(pinFile, []byte("s3cr3t\n"), 0o600))

	cfgPath := filepath.Join(dir, "signers.yaml")
	content := `
default_signer: primary
one_off_signer: ephemeral
signer_probe_retry_seconds: 15
signers:
  - name: primary
    type: OpenSSL
    keys_path: ./keys
  - name: hsm
    type: "PKCS#11"
    lib_path: /usr/lib/softhsm/libsofthsm2.so
    slot: "0"
    user_pin: file:pin.txt
  - name: ephemeral
    type: OpenSSL
`
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0o600))

	cfg, err := cryptoprov.LoadRootConfig(cfgPath)
	require.NoError(t, err)

	assert.Equal(t, "primary", cfg.DefaultSigner)
	assert.Equal(t, "ephemeral", cfg.OneOffSigner)
	assert.Equal(t, 15, cfg.SignerProbeRetrySeconds)
	require.Len(t, cfg.Signers, 3)

	hsm := cfg.Signers[1]
	assert.Equal(t, cryptoprov.KindPKCS11, hsm.Kind)
	assert.Equal(t, "s3cr3t", hsm.UserPin)
}

func Test_SignerConfig_Validate(t *testing.T) {
	cases := []struct {
		name    string
		cfg     cryptoprov.SignerConfig
		wantErr bool
	}{
		{"software ok", cryptoprov.SignerConfig{Name: "s1", Kind: cryptoprov.KindSoftware}, false},
		{"missing name", cryptoprov.SignerConfig{Kind: cryptoprov.KindSoftware}, true},
		{"pkcs11 missing lib", cryptoprov.SignerConfig{Name: "s2", Kind: cryptoprov.KindPKCS11, Slot: "0"}, true},
		{"pkcs11 missing slot", cryptoprov.SignerConfig{Name: "s3", Kind: cryptoprov.KindPKCS11, LibPath: "/x.so"}, true},
		{"pkcs11 ok", cryptoprov.SignerConfig{Name: "s4", Kind: cryptoprov.KindPKCS11, LibPath: "/x.so", Slot: "0"}, false},
		{"kmip missing host", cryptoprov.SignerConfig{Name: "s5", Kind: cryptoprov.KindKMIP}, true},
		{"kmip ok", cryptoprov.SignerConfig{Name: "s6", Kind: cryptoprov.KindKMIP, Host: "kmip.example.com"}, false},
		{"unknown kind", cryptoprov.SignerConfig{Name: "s7", Kind: "bogus"}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func Test_SignerConfig_ApplyDefaults(t *testing.T) {
	sc := cryptoprov.SignerConfig{Name: "s1", Kind: cryptoprov.KindKMIP, Host: "kmip.example.com"}
	sc.ApplyDefaults("/var/lib/signer")

	assert.Equal(t, 5696, sc.Port)
	assert.Equal(t, 5, sc.ConnectTimeoutSeconds)
	assert.Equal(t, 1800, sc.MaxUseSeconds)
	assert.Equal(t, 5, sc.MaxConnections)
	assert.InDelta(t, 2.0, sc.RetrySeconds, 0.0001)
	assert.InDelta(t, 1.5, sc.BackoffMultiplier, 0.0001)
	assert.InDelta(t, 30.0, sc.MaxRetrySeconds, 0.0001)

	sw := cryptoprov.SignerConfig{Name: "s2", Kind: cryptoprov.KindSoftware}
	sw.ApplyDefaults("/var/lib/signer")
	assert.Equal(t, filepath.Join("/var/lib/signer", "keys"), sw.KeysPath)
}

func Test_SignerConfig_LoginEnabled(t *testing.T) {
	sc := cryptoprov.SignerConfig{}
	assert.True(t, sc.LoginEnabled())

	f := false
	sc.Login = &f
	assert.False(t, sc.LoginEnabled())
}
