package quant

import (
	"fmt"
	"math"
)

// Range returns the largest positive value representable with bitLength
// signed bits, e.g. 127 for 8 bits.
func Range(bitLength int64) float32 {
	return float32(int64(1)<<(bitLength-1) - 1)
}

// AbsMax returns max |v| over values.
func AbsMax(values []float32) float32 {
	var m float32
	for _, v := range values {
		m = max(m, float32(math.Abs(float64(v))))
	}
	return m
}

// ChannelAbsMax returns max |v| of every slice along axis of a tensor with
// the given dims.
func ChannelAbsMax(values []float32, dims []int32, axis int) ([]float32, error) {
	outer, channels, inner, err := split(dims, axis)
	if err != nil {
		return nil, err
	}
	if err := checkLength(len(values), outer*channels*inner); err != nil {
		return nil, err
	}
	out := make([]float32, channels)
	for o := 0; o < outer; o++ {
		for c := 0; c < channels; c++ {
			base := (o*channels + c) * inner
			out[c] = max(out[c], AbsMax(values[base:base+inner]))
		}
	}
	return out, nil
}

// QuantizePerLayer rounds values/scale to int8, saturating at [-127, 127].
func QuantizePerLayer(values []float32, scale float32) []int8 {
	out := make([]int8, len(values))
	for i, v := range values {
		out[i] = roundToInt8(v, scale)
	}
	return out
}

// QuantizePerChannel rounds each slice along axis with its own scale.
func QuantizePerChannel(values []float32, dims []int32, axis int, scales []float32) ([]int8, error) {
	outer, channels, inner, err := split(dims, axis)
	if err != nil {
		return nil, err
	}
	if len(scales) != channels {
		return nil, fmt.Errorf("got %d scales for %d channels", len(scales), channels)
	}
	if err := checkLength(len(values), outer*channels*inner); err != nil {
		return nil, err
	}
	out := make([]int8, len(values))
	for o := 0; o < outer; o++ {
		for c := 0; c < channels; c++ {
			base := (o*channels + c) * inner
			for i := base; i < base+inner; i++ {
				out[i] = roundToInt8(values[i], scales[c])
			}
		}
	}
	return out, nil
}

// CastToInt8 converts floats that already hold integer values in the int8
// range, as produced by fake quantization ops, to int8.
func CastToInt8(values []float32) []int8 {
	out := make([]int8, len(values))
	for i, v := range values {
		out[i] = clampInt8(int32(math.Round(float64(v))))
	}
	return out
}

// Dequantize returns (q - zeroPoint) * scale for per-layer parameters, or
// per channel along axis when len(scales) > 1.
func Dequantize(q []float32, dims []int32, axis int, scales []float32, zeroPoints []float32) ([]float32, error) {
	if len(scales) == 0 {
		return nil, fmt.Errorf("no scale")
	}
	out := make([]float32, len(q))
	if len(scales) == 1 {
		zp := float32(0)
		if len(zeroPoints) > 0 {
			zp = zeroPoints[0]
		}
		for i, v := range q {
			out[i] = (v - zp) * scales[0]
		}
		return out, nil
	}

	outer, channels, inner, err := split(dims, axis)
	if err != nil {
		return nil, err
	}
	if len(scales) != channels {
		return nil, fmt.Errorf("got %d scales for %d channels", len(scales), channels)
	}
	if err := checkLength(len(q), outer*channels*inner); err != nil {
		return nil, err
	}
	for o := 0; o < outer; o++ {
		for c := 0; c < channels; c++ {
			zp := float32(0)
			if c < len(zeroPoints) {
				zp = zeroPoints[c]
			}
			base := (o*channels + c) * inner
			for i := base; i < base+inner; i++ {
				out[i] = (q[i] - zp) * scales[c]
			}
		}
	}
	return out, nil
}

func roundToInt8(v, scale float32) int8 {
	if scale == 0 {
		return 0
	}
	r := int32(math.Round(float64(v / scale)))
	return int8(min(max(r, -127), 127))
}

func checkLength(got, want int) error {
	if got != want {
		return fmt.Errorf("got %d values for %d elements", got, want)
	}
	return nil
}

func split(dims []int32, axis int) (outer, channels, inner int, err error) {
	if axis < 0 || axis >= len(dims) {
		return 0, 0, 0, fmt.Errorf("axis %d out of range for %d dimensions", axis, len(dims))
	}
	outer, inner = 1, 1
	for i, d := range dims {
		switch {
		case i < axis:
			outer *= int(d)
		case i > axis:
			inner *= int(d)
		}
	}
	return outer, int(dims[axis]), inner, nil
}
