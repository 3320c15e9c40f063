package policy

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorCodesAreStable(t *testing.T) {
	tests := []struct {
		err  *Error
		code uint32
	}{
		{ErrAlreadyInitialized, 1},
		{ErrNotInitialized, 2},
		{ErrNotFound, 3},
		{ErrNotAllowed, 4},
		{ErrTooSoon, 5},
		{ErrTooMuch, 6},
	}
	for _, tt := range tests {
		t.Run(tt.err.Name, func(t *testing.T) {
			assert.Equal(t, tt.code, tt.err.Code)
			got, ok := ErrorFromCode(tt.code)
			require.True(t, ok)
			assert.Same(t, tt.err, got)
		})
	}

	_, ok := ErrorFromCode(7)
	assert.False(t, ok)
}

func TestError_IsMatchesByCode(t *testing.T) {
	detailed := ErrTooSoon.withMessage("%ds left", 10)
	wrapped := fmt.Errorf("evaluate: %w", detailed)

	assert.ErrorIs(t, wrapped, ErrTooSoon)
	assert.NotErrorIs(t, wrapped, ErrTooMuch)
	assert.Equal(t, uint32(5), CodeOf(wrapped))
	assert.Zero(t, CodeOf(errors.New("boom")))
	assert.Contains(t, detailed.Error(), "TooSoon")
	assert.Contains(t, detailed.Error(), "10s left")

	// The sentinel itself is not mutated.
	assert.Equal(t, "interval has not elapsed", ErrTooSoon.Message)
}
