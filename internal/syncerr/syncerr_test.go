package syncerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewAndAs(t *testing.T) {
	err := New(CodeConflict, "row changed")
	se, ok := As(err)
	assert.True(t, ok)
	assert.Equal(t, CodeConflict, se.Code)
	assert.Equal(t, CodeConflict, CodeOf(err))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(CodeStorageError, cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, CodeStorageError, CodeOf(err))
}

func TestCodeOfDefaultsForUntaggedErrors(t *testing.T) {
	plain := errors.New("boom")
	assert.Equal(t, CodeStorageError, CodeOf(plain))

	_, ok := As(plain)
	assert.False(t, ok)
}

func TestWithRetriable(t *testing.T) {
	err := New(CodeRateLimited, "too many requests").WithRetriable(true)
	assert.True(t, err.Retriable)
}
