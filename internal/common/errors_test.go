package common

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorDefinitions(t *testing.T) {
	t.Parallel()

	// Verify all errors are defined and unique
	errs := []error{
		ErrMalformedStream,
		ErrChecksumMismatch,
		ErrInvalidOperation,
		ErrInvalidState,
		ErrUnresolvedClone,
		ErrIncompleteSubvolume,
		ErrNotFound,
		ErrExists,
		ErrNotDir,
		ErrIsDir,
		ErrNotEmpty,
		ErrInvalidPath,
		ErrWrongType,
		ErrCycle,
		ErrReadOnly,
	}

	t.Run("all errors are non-nil", func(t *testing.T) {
		t.Parallel()
		for i, err := range errs {
			require.NotNil(t, err, "error at index %d should not be nil", i)
		}
	})

	t.Run("all error messages are unique", func(t *testing.T) {
		t.Parallel()
		seen := make(map[string]bool)
		for _, err := range errs {
			msg := err.Error()
			assert.False(t, seen[msg], "duplicate error message: %s", msg)
			seen[msg] = true
		}
	})
}

func TestErrorIs(t *testing.T) {
	t.Parallel()

	t.Run("kind and detail both match when wrapped together", func(t *testing.T) {
		t.Parallel()
		err := fmt.Errorf("%w: rename %q: %w", ErrInvalidOperation, "a/b", ErrNotFound)
		assert.True(t, errors.Is(err, ErrInvalidOperation))
		assert.True(t, errors.Is(err, ErrNotFound))
		assert.False(t, errors.Is(err, ErrExists))
	})

	t.Run("string concatenation does not wrap", func(t *testing.T) {
		t.Parallel()
		err := errors.New("wrapped: " + ErrChecksumMismatch.Error())
		assert.False(t, errors.Is(err, ErrChecksumMismatch))
	})
}
