package random_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openkcm/identity-provider/internal/random"
)

func TestString(t *testing.T) {
	for _, n := range []int{0, 1, 32, 64} {
		s, err := random.String(n)
		require.NoError(t, err)
		assert.Len(t, s, n)
		assert.Regexp(t, "^[0-9A-Za-z]*$", s)
	}
}

func TestToken(t *testing.T) {
	short, err := random.Token(8)
	require.NoError(t, err)
	assert.Len(t, short, random.MinTokenLength, "short lengths are raised to the minimum")

	long, err := random.Token(48)
	require.NoError(t, err)
	assert.Len(t, long, 48)

	other, err := random.Token(48)
	require.NoError(t, err)
	assert.NotEqual(t, long, other)
}
