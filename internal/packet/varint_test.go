package packet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRemainingLengthRoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, 127, 128, 16383, 16384, 2097151, 2097152} {
		encoded := encodeRemainingLength(n)
		value, consumed, err := decodeRemainingLength(encoded)
		require.NoError(t, err)
		assert.Equal(t, n, value)
		assert.Equal(t, len(encoded), consumed)
	}
}

func TestDecodeRemainingLengthIncomplete(t *testing.T) {
	_, _, err := decodeRemainingLength([]byte{0x80, 0x80})
	assert.ErrorIs(t, err, errIncomplete)
}

func TestDecodeRemainingLengthFourByteMax(t *testing.T) {
	_, _, err := decodeRemainingLength([]byte{0xFF, 0xFF, 0xFF, 0x7F})
	assert.NoError(t, err)
}
