package kmip

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundtrip(t *testing.T, it Item) Item {
	var buf bytes.Buffer
	require.NoError(t, it.Encode(&buf))
	// encoded length must be a multiple of 8 per TTLV padding rules.
	assert.Equal(t, 0, buf.Len()%8)

	got, err := Decode(&buf)
	require.NoError(t, err)
	return got
}

func Test_Roundtrip_Scalars(t *testing.T) {
	i := roundtrip(t, Int32(TagBatchCount, TypeInteger, 7))
	v, ok := i.int32()
	require.True(t, ok)
	assert.Equal(t, int32(7), v)

	s := roundtrip(t, Text(TagUsername, "alice"))
	str, ok := s.text()
	require.True(t, ok)
	assert.Equal(t, "alice", str)

	b := roundtrip(t, Bytes(TagData, []byte{1, 2, 3, 4, 5}))
	raw, ok := b.bytes()
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3, 4, 5}, raw)

	bo := roundtrip(t, Bool(TagRNGRetrievalMethod, true))
	bv, ok := bo.Value.(bool)
	require.True(t, ok)
	assert.True(t, bv)
}

func Test_Roundtrip_NestedStructure(t *testing.T) {
	orig := Struct(TagRequestPayload,
		Text(TagUniqueIdentifier, "uid-1"),
		Struct(TagAttribute,
			Text(TagAttributeName, "Cryptographic Length"),
			Int32(TagAttributeValue, TypeInteger, 2048),
		),
	)

	got := roundtrip(t, orig)
	assert.Equal(t, TypeStructure, got.Type)

	uid, ok := got.Find(TagUniqueIdentifier)
	require.True(t, ok)
	s, _ := uid.text()
	assert.Equal(t, "uid-1", s)

	attr, ok := got.Find(TagAttribute)
	require.True(t, ok)
	val, ok := attr.Find(TagAttributeValue)
	require.True(t, ok)
	n, _ := val.int32()
	assert.Equal(t, int32(2048), n)
}

func Test_FindAll(t *testing.T) {
	s := Struct(TagResponsePayload,
		Int32(TagOperation, TypeEnumeration, OpSign),
		Int32(TagOperation, TypeEnumeration, OpCreateKeyPair),
		Int32(TagOperation, TypeEnumeration, OpDestroy),
	)
	got := roundtrip(t, s)
	ops := got.FindAll(TagOperation)
	require.Len(t, ops, 3)
}
