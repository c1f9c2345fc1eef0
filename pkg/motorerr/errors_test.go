package motorerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	err := Newf(KindConflict, "span %s already exists", "span-1")
	assert.Equal(t, KindConflict, KindOf(err))
	assert.Equal(t, Kind(""), KindOf(errors.New("opaque")))
}

func TestWrappedChain(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(KindStorageUnavailable, "result store put failed", cause)

	require.ErrorIs(t, err, cause)
	assert.True(t, IsKind(err, KindStorageUnavailable))

	// Kind survives further fmt wrapping.
	outer := fmt.Errorf("round 3: %w", err)
	assert.Equal(t, KindStorageUnavailable, KindOf(outer))
}

func TestContextRendering(t *testing.T) {
	err := New(KindOutOfOrder, "timestamp precedes parent").
		With("span_id", "s-2").
		With("parent_id", "s-1")
	assert.Equal(t, "OUT_OF_ORDER: timestamp precedes parent (parent_id=s-1, span_id=s-2)", err.Error())
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(New(KindStorageUnavailable, "down")))
	assert.True(t, Retryable(New(KindTimeout, "round deadline")))
	assert.False(t, Retryable(New(KindValidation, "bad draft")))
	assert.False(t, Retryable(errors.New("opaque")))
}
