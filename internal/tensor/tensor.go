package tensor

import "fmt"

// DType identifies the element type of a host tensor.
type DType int

const (
	F32 DType = iota
	I64
)

func (d DType) String() string {
	switch d {
	case F32:
		return "f32"
	case I64:
		return "i64"
	}
	return fmt.Sprintf("dtype(%d)", int(d))
}

// Tensor is a host-resident, densely packed tensor. The decode engine owns
// the tensors it allocates; device bindings borrow read-only views and return
// freshly owned results, never aliasing caller memory across the boundary.
type Tensor struct {
	dtype DType
	shape []int
	f32   []float32
	i64   []int64
}

// NewF32 allocates a zeroed float32 tensor with the given shape
func NewF32(shape ...int) *Tensor {
	return &Tensor{dtype: F32, shape: shape, f32: make([]float32, numElements(shape))}
}

// NewI64 allocates a zeroed int64 tensor with the given shape
func NewI64(shape ...int) *Tensor {
	return &Tensor{dtype: I64, shape: shape, i64: make([]int64, numElements(shape))}
}

// FromF32 wraps existing data; the tensor takes ownership of the slice
func FromF32(data []float32, shape ...int) (*Tensor, error) {
	if len(data) != numElements(shape) {
		return nil, fmt.Errorf("data length %d does not match shape %v", len(data), shape)
	}
	return &Tensor{dtype: F32, shape: shape, f32: data}, nil
}

// FromI64 wraps existing data; the tensor takes ownership of the slice
func FromI64(data []int64, shape ...int) (*Tensor, error) {
	if len(data) != numElements(shape) {
		return nil, fmt.Errorf("data length %d does not match shape %v", len(data), shape)
	}
	return &Tensor{dtype: I64, shape: shape, i64: data}, nil
}

func numElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func (t *Tensor) DType() DType { return t.dtype }

func (t *Tensor) Shape() []int {
	out := make([]int, len(t.shape))
	copy(out, t.shape)
	return out
}

func (t *Tensor) NumElements() int { return numElements(t.shape) }

// Dim returns the size of dimension i, or 1 if the tensor has fewer dims
func (t *Tensor) Dim(i int) int {
	if i < 0 || i >= len(t.shape) {
		return 1
	}
	return t.shape[i]
}

// F32 returns the underlying float32 data. Mutating it mutates the tensor.
func (t *Tensor) F32() []float32 { return t.f32 }

// I64 returns the underlying int64 data. Mutating it mutates the tensor.
func (t *Tensor) I64() []int64 { return t.i64 }

// Row returns the i-th row view of a 2D float32 tensor
func (t *Tensor) Row(i int) ([]float32, error) {
	if t.dtype != F32 {
		return nil, fmt.Errorf("row view needs f32 tensor, have %s", t.dtype)
	}
	if len(t.shape) != 2 {
		return nil, fmt.Errorf("row view needs 2D tensor, have shape %v", t.shape)
	}
	if i < 0 || i >= t.shape[0] {
		return nil, fmt.Errorf("row %d out of range [0, %d)", i, t.shape[0])
	}
	w := t.shape[1]
	return t.f32[i*w : (i+1)*w], nil
}

// Clone returns a deep copy
func (t *Tensor) Clone() *Tensor {
	out := &Tensor{dtype: t.dtype, shape: t.Shape()}
	if t.f32 != nil {
		out.f32 = make([]float32, len(t.f32))
		copy(out.f32, t.f32)
	}
	if t.i64 != nil {
		out.i64 = make([]int64, len(t.i64))
		copy(out.i64, t.i64)
	}
	return out
}

// SizeBytes reports the payload size for transfer accounting
func (t *Tensor) SizeBytes() int {
	switch t.dtype {
	case F32:
		return 4 * len(t.f32)
	case I64:
		return 8 * len(t.i64)
	}
	return 0
}

// Feeds are the named input tensors for one subgraph step
type Feeds map[string]*Tensor

// Fetches are the named output tensors of one subgraph step
type Fetches map[string]*Tensor

// Clone deep-copies a feed map so the next step cannot alias the previous one
func (f Feeds) Clone() Feeds {
	out := make(Feeds, len(f))
	for k, v := range f {
		out[k] = v.Clone()
	}
	return out
}
