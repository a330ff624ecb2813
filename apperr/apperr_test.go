package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *AppError
		expected string
	}{
		{
			name:     "without wrapped error",
			err:      New(12002, "store down"),
			expected: "[12002] store down",
		},
		{
			name:     "with wrapped error",
			err:      New(12002, "store down").Wrap(errors.New("dial tcp: refused")),
			expected: "[12002] store down: dial tcp: refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestAppError_WrapKeepsIdentity(t *testing.T) {
	cause := errors.New("connection reset")
	err := ErrStoreUnavailable.Wrap(cause)

	assert.Equal(t, CodeStoreUnavailable, err.Code)
	assert.Same(t, cause, errors.Unwrap(err))
	assert.True(t, errors.Is(err, ErrStoreUnavailable))
	assert.False(t, errors.Is(err, ErrCodec))

	// the predefined value itself stays untouched
	assert.Nil(t, ErrStoreUnavailable.Err)
}

func TestIsThroughFmtWrap(t *testing.T) {
	err := fmt.Errorf("enqueue: %w", ErrStoreUnavailable.Wrapf("ping: %s", "timeout"))

	assert.True(t, Is(err, ErrStoreUnavailable))
	assert.False(t, Is(err, ErrRateLimited))
	assert.False(t, Is(errors.New("plain"), ErrStoreUnavailable))
}

func TestGetCodeAndMessage(t *testing.T) {
	assert.Equal(t, CodeCodecError, GetCode(ErrCodec.Wrap(errors.New("bad hex"))))
	assert.Equal(t, CodeServerError, GetCode(errors.New("plain")))

	assert.Equal(t, "Too many messages, slow down", GetMessage(ErrRateLimited))
	assert.Equal(t, "Internal error", GetMessage(errors.New("plain")))
}
