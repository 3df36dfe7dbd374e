package dataprotection

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_KEKProvider_ProtectUnprotect(t *testing.T) {
	p, err := NewKEKProvider([]byte("a software backend's key-encryption-key"))
	require.NoError(t, err)
	assert.True(t, p.IsReady())

	ctx := context.Background()
	plaintext := []byte("a pkcs8 private key, in real use")

	protected, err := p.Protect(ctx, plaintext)
	require.NoError(t, err)

	unprotected, err := p.Unprotect(ctx, protected)
	require.NoError(t, err)
	assert.Equal(t, plaintext, unprotected)

	tampered := append([]byte{}, protected...)
	tampered[len(tampered)-1] ^= 0xFF
	_, err = p.Unprotect(ctx, tampered)
	assert.ErrorContains(t, err, "decrypt key material")

	_, err = p.Unprotect(ctx, nil)
	assert.ErrorContains(t, err, "too short")

	badVersion := append([]byte{}, protected...)
	badVersion[0] = 0xFF
	_, err = p.Unprotect(ctx, badVersion)
	assert.ErrorContains(t, err, "unsupported envelope version")

	s := state{Str: "hello", ID: 123}
	b64, err := ProtectObject(ctx, p, s)
	require.NoError(t, err)
	var s2 state
	err = UnprotectObject(ctx, p, b64, &s2)
	require.NoError(t, err)
	assert.Equal(t, s, s2)
}

func Test_KEKProvider_DifferentKeysDontInteroperate(t *testing.T) {
	a, err := NewKEKProvider([]byte("key-a"))
	require.NoError(t, err)
	b, err := NewKEKProvider([]byte("key-b"))
	require.NoError(t, err)

	protected, err := a.Protect(context.Background(), []byte("secret"))
	require.NoError(t, err)

	_, err = b.Unprotect(context.Background(), protected)
	assert.Error(t, err)
}

type state struct {
	Str string `json:"str,omitempty"`
	ID  uint64 `json:"id,omitempty"`
}
