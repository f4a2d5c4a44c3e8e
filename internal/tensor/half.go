package tensor

import "github.com/x448/float16"

// HalfToFloat decodes one IEEE 754 half-precision value.
func HalfToFloat(bits uint16) float32 {
	return float16.Frombits(bits).Float32()
}

// FloatToHalf encodes f to half precision with round-to-nearest-even.
func FloatToHalf(f float32) uint16 {
	return float16.Fromfloat32(f).Bits()
}

// DecodeHalf decodes src into dst. Both slices must have equal length.
func DecodeHalf(dst []float32, src []uint16) {
	if len(dst) != len(src) {
		panic("tensor: half decode length mismatch")
	}
	for i, b := range src {
		dst[i] = float16.Frombits(b).Float32()
	}
}

// EncodeHalf encodes src into dst. Both slices must have equal length.
func EncodeHalf(dst []uint16, src []float32) {
	if len(dst) != len(src) {
		panic("tensor: half encode length mismatch")
	}
	for i, f := range src {
		dst[i] = float16.Fromfloat32(f).Bits()
	}
}
