package pkcs11prov

import (
	"crypto"
	"testing"

	"github.com/miekg/pkcs11"
	"github.com/stretchr/testify/assert"
)

func Test_BytesToUlong(t *testing.T) {
	assert.Equal(t, uint(0), BytesToUlong(nil))
	assert.Equal(t, uint(0), BytesToUlong([]byte{1, 2, 3}))
	assert.Equal(t, uint(0x00000201), BytesToUlong([]byte{1, 2, 0, 0}))
	assert.Equal(t, uint(0x0000000000000201), BytesToUlong([]byte{1, 2, 0, 0, 0, 0, 0, 0}))
}

func Test_IsTransient(t *testing.T) {
	assert.True(t, isTransient(pkcs11.Error(pkcs11.CKR_SESSION_HANDLE_INVALID)))
	assert.True(t, isTransient(pkcs11.Error(pkcs11.CKR_DEVICE_ERROR)))
	assert.False(t, isTransient(pkcs11.Error(pkcs11.CKR_PIN_INCORRECT)))
	assert.False(t, isTransient(nil))
}

func Test_DigestInfoPrefixes(t *testing.T) {
	for _, h := range []crypto.Hash{crypto.SHA256, crypto.SHA384, crypto.SHA512} {
		prefix, ok := digestInfoPrefixes[h]
		assert.True(t, ok, "missing prefix for %v", h)
		assert.NotEmpty(t, prefix)
	}
	_, ok := digestInfoPrefixes[crypto.SHA1]
	assert.False(t, ok, "SHA1 is intentionally unsupported")
}
