package orders

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfirmationCodeShape(t *testing.T) {
	for i := 0; i < 100; i++ {
		code, err := NewConfirmationCode()
		require.NoError(t, err)
		require.Len(t, code, 6)
		for _, r := range code {
			assert.True(t, r >= '0' && r <= '9', "code %q contains non-digit", code)
		}
	}
}

func TestNewConfirmationCodeVaries(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		code, err := NewConfirmationCode()
		require.NoError(t, err)
		seen[code] = true
	}
	// 50 draws from a million-code space collapsing to one value would
	// mean the RNG is broken.
	assert.Greater(t, len(seen), 1)
}
