package onnxrt

import (
	"errors"
	"fmt"
)

// Tensor is a shape-annotated view over caller-owned data. The data slice is
// referenced, not copied, so a tensor can pin a reusable buffer across runs;
// exactly one of the typed slices is set.
type Tensor struct {
	shape []int64
	f32   []float32
	i64   []int64
}

// F32Tensor wraps float32 data. The shape product must equal len(data).
func F32Tensor(data []float32, shape ...int64) (*Tensor, error) {
	if err := checkShape(shape, len(data)); err != nil {
		return nil, err
	}
	return &Tensor{shape: shape, f32: data}, nil
}

// I64Tensor wraps int64 data. The shape product must equal len(data).
func I64Tensor(data []int64, shape ...int64) (*Tensor, error) {
	if err := checkShape(shape, len(data)); err != nil {
		return nil, err
	}
	return &Tensor{shape: shape, i64: data}, nil
}

// Shape returns the dimensions. Callers must not mutate the result.
func (t *Tensor) Shape() []int64 { return t.shape }

// Float32 returns the backing float32 slice, or nil for other dtypes.
func (t *Tensor) Float32() []float32 { return t.f32 }

// Int64 returns the backing int64 slice, or nil for other dtypes.
func (t *Tensor) Int64() []int64 { return t.i64 }

// Elems returns the element count.
func (t *Tensor) Elems() int {
	if t.f32 != nil {
		return len(t.f32)
	}
	return len(t.i64)
}

func checkShape(shape []int64, n int) error {
	if len(shape) == 0 {
		return errors.New("onnxrt: tensor needs at least one dimension")
	}
	count := int64(1)
	for i, d := range shape {
		if d < 1 {
			return fmt.Errorf("onnxrt: shape[%d]=%d is not positive", i, d)
		}
		count *= d
	}
	if count != int64(n) {
		return fmt.Errorf("onnxrt: shape %v expects %d elements, got %d", shape, count, n)
	}
	return nil
}
