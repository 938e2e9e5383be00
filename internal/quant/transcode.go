// Package quant converts quantized data between the symmetric signed and the
// asymmetric unsigned 8-bit representations, and provides the scale helpers
// used by the quantization fusion passes.
//
// The conversion is applied at two points: once on operand metadata while the
// model is rewritten, and on raw buffers on every execution, so the device
// always computes in the signed representation whatever the caller declared.
package quant

import "fmt"

// SymmToAsymm maps v to clamp(v+zeroPoint, 0, 255). in and out must have the
// same length.
func SymmToAsymm(in []int8, zeroPoint int32, out []uint8) error {
	if len(in) != len(out) {
		return fmt.Errorf("length mismatch: %d != %d", len(in), len(out))
	}
	for i, v := range in {
		out[i] = clampUint8(int32(v) + zeroPoint)
	}
	return nil
}

// AsymmToSymm maps v to clamp(v-zeroPoint, -128, 127). in and out must have
// the same length.
func AsymmToSymm(in []uint8, zeroPoint int32, out []int8) error {
	if len(in) != len(out) {
		return fmt.Errorf("length mismatch: %d != %d", len(in), len(out))
	}
	for i, v := range in {
		out[i] = clampInt8(int32(v) - zeroPoint)
	}
	return nil
}

// SymmToAsymmBytes is SymmToAsymm over raw bytes; src and dst may alias.
func SymmToAsymmBytes(src []byte, zeroPoint int32, dst []byte) error {
	if len(src) != len(dst) {
		return fmt.Errorf("length mismatch: %d != %d", len(src), len(dst))
	}
	for i, b := range src {
		dst[i] = clampUint8(int32(int8(b)) + zeroPoint)
	}
	return nil
}

// AsymmToSymmBytes is AsymmToSymm over raw bytes; src and dst may alias.
func AsymmToSymmBytes(src []byte, zeroPoint int32, dst []byte) error {
	if len(src) != len(dst) {
		return fmt.Errorf("length mismatch: %d != %d", len(src), len(dst))
	}
	for i, b := range src {
		dst[i] = byte(clampInt8(int32(b) - zeroPoint))
	}
	return nil
}

func clampUint8(v int32) uint8 {
	return uint8(min(max(v, 0), 255))
}

func clampInt8(v int32) int8 {
	return int8(min(max(v, -128), 127))
}
