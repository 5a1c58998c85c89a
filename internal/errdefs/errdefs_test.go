package errdefs

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrappedKinds(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		is   func(error) bool
	}{
		{"not found", fmt.Errorf("session abc: %w", ErrNotFound), IsNotFound},
		{"already exists", fmt.Errorf("handle fleet_x: %w", ErrAlreadyExists), IsAlreadyExists},
		{"unavailable", fmt.Errorf("tmux: %w", ErrUnavailable), IsUnavailable},
		{"invalid state", fmt.Errorf("group work: %w", ErrInvalidState), IsInvalidState},
		{"timeout", fmt.Errorf("capture: %w", ErrTimeout), IsTimeout},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.True(t, tc.is(tc.err))
			assert.False(t, tc.is(fmt.Errorf("plain error")))
		})
	}
}

func TestKindsAreDistinct(t *testing.T) {
	t.Parallel()
	err := fmt.Errorf("wrap: %w", ErrNotFound)
	assert.False(t, IsAlreadyExists(err))
	assert.False(t, IsUnavailable(err))
	assert.False(t, IsInvalidState(err))
}
