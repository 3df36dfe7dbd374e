package kmip

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_nameAttribute_Roundtrip(t *testing.T) {
	attr := nameAttribute("signer-identity-key")

	nameItem, ok := attr.Find(TagAttributeName)
	require.True(t, ok)
	s, ok := nameItem.text()
	require.True(t, ok)
	assert.Equal(t, "Name", s)

	val, ok := attr.Find(TagAttributeValue)
	require.True(t, ok)
	assert.Equal(t, TypeStructure, val.Type)

	nv, ok := val.Find(TagNameValue)
	require.True(t, ok)
	s, ok = nv.text()
	require.True(t, ok)
	assert.Equal(t, "signer-identity-key", s)
}

func Test_capabilities_supports(t *testing.T) {
	var nilCaps *capabilities
	assert.False(t, nilCaps.supports(OpCreateKeyPair))

	caps := &capabilities{operations: map[int32]bool{OpCreateKeyPair: true}}
	assert.True(t, caps.supports(OpCreateKeyPair))
	assert.False(t, caps.supports(OpLocate))
}

func Test_attribute_PreservesValueType(t *testing.T) {
	attr := attribute("Cryptographic Length", Int32(TagAttributeValue, TypeInteger, 2048))
	val, ok := attr.Find(TagAttributeValue)
	require.True(t, ok)
	assert.Equal(t, TypeInteger, val.Type)
	n, ok := val.int32()
	require.True(t, ok)
	assert.EqualValues(t, 2048, n)
}
