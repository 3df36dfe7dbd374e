package kmip

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeBatchResponse(batch Item) Item {
	return Struct(TagResponseMessage, batch)
}

func Test_ResponsePayload_Success(t *testing.T) {
	batch := Struct(TagBatchItem,
		Int32(TagResultStatus, TypeEnumeration, ResultSuccess),
		Struct(TagResponsePayload, Text(TagUniqueIdentifier, "uid-1")),
	)

	payload, err := responsePayload(fakeBatchResponse(batch))
	require.NoError(t, err)
	assert.Equal(t, TagResponsePayload, payload.Tag)
}

func Test_ResponsePayload_AuthenticationFailed(t *testing.T) {
	batch := Struct(TagBatchItem,
		Int32(TagResultStatus, TypeEnumeration, ResultFailed),
		Int32(TagResultReason, TypeEnumeration, resultReasonAuthenticationFailed),
		Text(TagResultMessage, "bad credential"),
	)

	_, err := responsePayload(fakeBatchResponse(batch))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAuthFailed))
}

func Test_ResponsePayload_PermissionDenied(t *testing.T) {
	batch := Struct(TagBatchItem,
		Int32(TagResultStatus, TypeEnumeration, ResultFailed),
		Int32(TagResultReason, TypeEnumeration, resultReasonPermissionDenied),
		Text(TagResultMessage, "not authorized"),
	)

	_, err := responsePayload(fakeBatchResponse(batch))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAuthFailed))
}

func Test_ResponsePayload_OtherFailure_NotClassifiedAsAuthFailed(t *testing.T) {
	batch := Struct(TagBatchItem,
		Int32(TagResultStatus, TypeEnumeration, ResultFailed),
		Int32(TagResultReason, TypeEnumeration, 0x1),
		Text(TagResultMessage, "item not found"),
	)

	_, err := responsePayload(fakeBatchResponse(batch))
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrAuthFailed))
	assert.Contains(t, err.Error(), "item not found")
}

func Test_ResponsePayload_MissingBatchItem(t *testing.T) {
	_, err := responsePayload(Struct(TagResponseMessage))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing batch item")
}
