package tensor

import "math/rand/v2"

// DType describes the element encoding of a Mat.
type DType int

const (
	// F32 keeps Data populated for direct access.
	F32 DType = iota
	// F16 keeps Half populated with IEEE 754 half-precision bits and decodes
	// on row access. Used for the large read-mostly tables (embeddings, KV)
	// where halving memory matters more than decode cost.
	F16
)

func (d DType) String() string {
	if d == F16 {
		return "f16"
	}
	return "f32"
}

// Mat is a dense row-major matrix. R and C are the row and column counts;
// Stride is the element distance between consecutive row starts (equal to C
// for freshly allocated mats). Exactly one of Data/Half is populated
// depending on DType. Index checks beyond Go's slice bounds are not
// performed; out-of-range rows panic.
type Mat struct {
	R, C   int
	Stride int

	DType DType
	Data  []float32
	Half  []uint16
}

// NewMat allocates a zeroed f32 matrix.
func NewMat(r, c int) Mat {
	if r < 0 || c < 0 {
		panic("tensor: negative matrix dimension")
	}
	return Mat{R: r, C: c, Stride: c, DType: F32, Data: make([]float32, r*c)}
}

// NewMatDType allocates a zeroed matrix with the given element encoding.
func NewMatDType(r, c int, dtype DType) Mat {
	if dtype == F16 {
		if r < 0 || c < 0 {
			panic("tensor: negative matrix dimension")
		}
		return Mat{R: r, C: c, Stride: c, DType: F16, Half: make([]uint16, r*c)}
	}
	return NewMat(r, c)
}

// NewMatFromData wraps existing f32 data. The data length must equal r*c.
func NewMatFromData(r, c int, data []float32) Mat {
	if r*c != len(data) {
		panic("tensor: data length mismatch")
	}
	return Mat{R: r, C: c, Stride: c, DType: F32, Data: data}
}

// Row returns the i-th row. For f32 mats this is a view into the backing
// array; mutations write through. For f16 mats a decoded copy is returned.
func (m *Mat) Row(i int) []float32 {
	if i < 0 || i >= m.R {
		panic("tensor: row index out of range")
	}
	if m.DType == F32 {
		start := i * m.Stride
		return m.Data[start : start+m.C]
	}
	row := make([]float32, m.C)
	m.RowTo(row, i)
	return row
}

// RowTo decodes the i-th row into dst, which must have length >= C.
func (m *Mat) RowTo(dst []float32, i int) {
	if i < 0 || i >= m.R {
		panic("tensor: row index out of range")
	}
	if len(dst) < m.C {
		panic("tensor: row buffer too small")
	}
	start := i * m.Stride
	if m.DType == F32 {
		copy(dst[:m.C], m.Data[start:start+m.C])
		return
	}
	DecodeHalf(dst[:m.C], m.Half[start:start+m.C])
}

// SetRow stores src into the i-th row, encoding to half precision when the
// matrix is f16-backed. src must have length >= C.
func (m *Mat) SetRow(i int, src []float32) {
	if i < 0 || i >= m.R {
		panic("tensor: row index out of range")
	}
	if len(src) < m.C {
		panic("tensor: row data too small")
	}
	start := i * m.Stride
	if m.DType == F32 {
		copy(m.Data[start:start+m.C], src[:m.C])
		return
	}
	EncodeHalf(m.Half[start:start+m.C], src[:m.C])
}

// AccumRowTo adds the i-th row into dst elementwise. Used for fusing the
// token and positional embedding lookups without a scratch row.
func (m *Mat) AccumRowTo(dst []float32, i int) {
	if i < 0 || i >= m.R {
		panic("tensor: row index out of range")
	}
	if len(dst) < m.C {
		panic("tensor: row buffer too small")
	}
	start := i * m.Stride
	if m.DType == F32 {
		row := m.Data[start : start+m.C]
		for j := range row {
			dst[j] += row[j]
		}
		return
	}
	row := m.Half[start : start+m.C]
	for j := range row {
		dst[j] += HalfToFloat(row[j])
	}
}

// FillRand fills an f32 matrix with reproducible pseudo-random values in a
// small range around zero. The same seed always produces the same matrix.
func FillRand(m *Mat, seed uint64) {
	if m.DType != F32 {
		panic("tensor: FillRand only supports f32 mats")
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	for i := range m.Data {
		m.Data[i] = (rng.Float32() - 0.5) * 0.02
	}
}
