package operand

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFloat32Codec(t *testing.T) {
	values := []float32{0, 1.5, -2.25, 1e-3}
	assert.Equal(t, values, DecodeFloat32(EncodeFloat32(values)))
}

func TestFloat16Codec(t *testing.T) {
	// Exactly representable in half precision.
	values := []float32{0, 0.5, -2, 1024}
	buf := EncodeFloat16(values)
	require.Len(t, buf, 8)
	assert.Equal(t, values, DecodeFloat16(buf))
}

func TestInt8Codec(t *testing.T) {
	values := []int8{-128, -1, 0, 1, 127}
	buf := EncodeInt8(values)
	assert.Equal(t, []byte{0x80, 0xff, 0, 1, 0x7f}, buf)
	assert.Equal(t, values, DecodeInt8(buf))
}

func TestInt32Codec(t *testing.T) {
	values := []int32{-70000, 0, 3}
	assert.Equal(t, values, DecodeInt32(EncodeInt32(values)))
}

func TestDecodeAsFloat32(t *testing.T) {
	got, err := DecodeAsFloat32(QuantInt8SymmPerLayer, EncodeInt8([]int8{-3, 4}))
	require.NoError(t, err)
	assert.Equal(t, []float32{-3, 4}, got)

	got, err = DecodeAsFloat32(Int32, EncodeInt32([]int32{7}))
	require.NoError(t, err)
	assert.Equal(t, []float32{7}, got)

	_, err = DecodeAsFloat32(Bool8, []byte{1})
	assert.Error(t, err)
}
