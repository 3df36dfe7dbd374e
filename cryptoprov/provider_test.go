package cryptoprov_test

import (
	"testing"

	"github.com/effective-security/signer/cryptoprov"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Crypto_AddAndLookup(t *testing.T) {
	def := &stubProvider{manufacturer: "Software", model: "primary"}
	other := &stubProvider{manufacturer: "PKCS11", model: "slot-0"}

	c, err := cryptoprov.New(def, []cryptoprov.Provider{other})
	require.NoError(t, err)

	assert.Same(t, def, c.Default())
	assert.Len(t, c.All(), 2)

	p, err := c.ByManufacturer("PKCS11", "slot-0")
	require.NoError(t, err)
	assert.Same(t, other, p)

	_, err = c.ByManufacturer("KMIP", "missing")
	assert.Error(t, err)
}

func Test_Crypto_Add_DuplicateIsIdempotent(t *testing.T) {
	c, err := cryptoprov.New(nil, nil)
	require.NoError(t, err)

	p1 := &stubProvider{manufacturer: "Software", model: "primary"}
	p2 := &stubProvider{manufacturer: "Software", model: "primary"}

	require.NoError(t, c.Add(p1))
	require.NoError(t, c.Add(p2))
	assert.Len(t, c.All(), 1)
}

func Test_Crypto_Close(t *testing.T) {
	c, err := cryptoprov.New(&stubProvider{manufacturer: "Software", model: "primary"}, nil)
	require.NoError(t, err)
	assert.NoError(t, c.Close())
}
