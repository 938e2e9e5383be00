package operand

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/x448/float16"
)

// Operand buffers are little endian.

// DecodeFloat32 reads a float32 buffer.
func DecodeFloat32(buf []byte) []float32 {
	out := make([]float32, len(buf)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return out
}

// EncodeFloat32 writes values into a new float32 buffer.
func EncodeFloat32(values []float32) []byte {
	buf := make([]byte, len(values)*4)
	for i, v := range values {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// DecodeFloat16 reads an IEEE 754 half precision buffer.
func DecodeFloat16(buf []byte) []float32 {
	out := make([]float32, len(buf)/2)
	for i := range out {
		out[i] = float16.Frombits(binary.LittleEndian.Uint16(buf[i*2:])).Float32()
	}
	return out
}

// EncodeFloat16 writes values into a new half precision buffer.
func EncodeFloat16(values []float32) []byte {
	buf := make([]byte, len(values)*2)
	for i, v := range values {
		binary.LittleEndian.PutUint16(buf[i*2:], float16.Fromfloat32(v).Bits())
	}
	return buf
}

// DecodeInt8 reinterprets a buffer as signed bytes.
func DecodeInt8(buf []byte) []int8 {
	out := make([]int8, len(buf))
	for i, b := range buf {
		out[i] = int8(b)
	}
	return out
}

// EncodeInt8 writes signed bytes into a new buffer.
func EncodeInt8(values []int8) []byte {
	buf := make([]byte, len(values))
	for i, v := range values {
		buf[i] = byte(v)
	}
	return buf
}

// DecodeInt32 reads an int32 buffer.
func DecodeInt32(buf []byte) []int32 {
	out := make([]int32, len(buf)/4)
	for i := range out {
		out[i] = int32(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return out
}

// EncodeInt32 writes values into a new int32 buffer.
func EncodeInt32(values []int32) []byte {
	buf := make([]byte, len(values)*4)
	for i, v := range values {
		binary.LittleEndian.PutUint32(buf[i*4:], uint32(v))
	}
	return buf
}

// DecodeAsFloat32 widens a constant buffer of a float or integer precision to
// float32 values.
func DecodeAsFloat32(p Precision, buf []byte) ([]float32, error) {
	switch p {
	case Float32:
		return DecodeFloat32(buf), nil
	case Float16:
		return DecodeFloat16(buf), nil
	case Float64:
		out := make([]float32, len(buf)/8)
		for i := range out {
			out[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:])))
		}
		return out, nil
	case Int8, QuantInt8SymmPerLayer, QuantInt8SymmPerChannel:
		out := make([]float32, len(buf))
		for i, b := range buf {
			out[i] = float32(int8(b))
		}
		return out, nil
	case UInt8, QuantUInt8AsymmPerLayer:
		out := make([]float32, len(buf))
		for i, b := range buf {
			out[i] = float32(b)
		}
		return out, nil
	case Int32, QuantInt32SymmPerLayer, QuantInt32SymmPerChannel:
		vals := DecodeInt32(buf)
		out := make([]float32, len(vals))
		for i, v := range vals {
			out[i] = float32(v)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("cannot decode %s buffer as float32", p)
	}
}
