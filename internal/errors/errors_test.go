package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func sentinels() []error {
	return []error{
		ErrMissingToken,
		ErrInvalidToken,
		ErrDecryptionFailed,
		ErrNotStarted,
		ErrMissingEndpoint,
		ErrSchemaTooNew,
		ErrAPIRequest,
		ErrAPIResponse,
	}
}

func TestSentinelErrors_ImplementErrorInterface(t *testing.T) {
	for _, err := range sentinels() {
		assert.NotEmpty(t, err.Error(), "sentinel error should have non-empty message")
	}
}

func TestSentinelErrors_AreDistinct(t *testing.T) {
	all := sentinels()
	for i := 0; i < len(all); i++ {
		for j := i + 1; j < len(all); j++ {
			assert.NotEqual(t, all[i], all[j],
				"sentinel errors should be distinct: %q vs %q", all[i], all[j])
		}
	}
}

func TestKind_String(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{KindNone, "none"},
		{KindNetwork, "network"},
		{KindAuth, "auth"},
		{KindServer, "server"},
		{KindUnknown, "unknown"},
		{Kind(99), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.kind.String())
	}
}

func TestNew_NilErrorStaysNil(t *testing.T) {
	assert.NoError(t, New(KindNetwork, "push", nil))
}

func TestKindOf_TypedError(t *testing.T) {
	err := New(KindNetwork, "push", errors.New("connection refused"))
	assert.Equal(t, KindNetwork, KindOf(err))
	assert.Contains(t, err.Error(), "push")
	assert.Contains(t, err.Error(), "network")
}

func TestKindOf_WrappedTypedError(t *testing.T) {
	err := fmt.Errorf("cycle: %w", New(KindServer, "push", errors.New("status 500")))
	assert.Equal(t, KindServer, KindOf(err))
}

func TestKindOf_Sentinels(t *testing.T) {
	assert.Equal(t, KindAuth, KindOf(ErrMissingToken))
	assert.Equal(t, KindAuth, KindOf(fmt.Errorf("x: %w", ErrInvalidToken)))
	assert.Equal(t, KindServer, KindOf(ErrMissingEndpoint))
	assert.Equal(t, KindUnknown, KindOf(ErrDecryptionFailed))
	assert.Equal(t, KindNone, KindOf(nil))
}

func TestIsAbort(t *testing.T) {
	assert.True(t, IsAbort(ErrMissingToken))
	assert.True(t, IsAbort(New(KindAuth, "push", errors.New("401"))))
	assert.True(t, IsAbort(ErrMissingEndpoint))
	assert.False(t, IsAbort(New(KindNetwork, "push", errors.New("timeout"))))
	assert.False(t, IsAbort(nil))
}
