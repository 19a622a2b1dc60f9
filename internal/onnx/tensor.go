package onnx

import (
	"github.com/ricesearch/rice-eval/internal/pkg/errors"
)

// Tensor is a dense float32 array in row-major order.
type Tensor struct {
	shape []int64
	data  []float32
}

// NewTensorFloat32 creates a new float32 tensor.
func NewTensorFloat32(data []float32, shape []int64) *Tensor {
	return &Tensor{
		shape: shape,
		data:  data,
	}
}

// Shape returns the tensor shape.
func (t *Tensor) Shape() []int64 {
	return t.shape
}

// Float32Data returns the underlying data.
func (t *Tensor) Float32Data() []float32 {
	return t.data
}

// NumElements returns the total number of elements.
func (t *Tensor) NumElements() int64 {
	return numElements(t.shape)
}

func numElements(shape []int64) int64 {
	if len(shape) == 0 {
		return 0
	}

	n := int64(1)
	for _, dim := range shape {
		n *= dim
	}
	return n
}

// Validate checks that the data length matches the shape.
func (t *Tensor) Validate() error {
	if n := t.NumElements(); n != int64(len(t.data)) {
		return errors.ValidationError("tensor data length does not match shape")
	}
	return nil
}

// Reshape returns a new tensor with a different shape sharing the data.
func (t *Tensor) Reshape(newShape []int64) (*Tensor, error) {
	if t.NumElements() != numElements(newShape) {
		return nil, errors.ValidationError("reshape element count mismatch")
	}

	return &Tensor{
		shape: newShape,
		data:  t.data,
	}, nil
}

// Rows splits a tensor of shape [N, ...] into N copies of its trailing
// dimensions flattened.
func (t *Tensor) Rows() ([][]float32, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if len(t.shape) == 0 || t.shape[0] <= 0 {
		return nil, errors.ValidationError("tensor has no batch dimension")
	}

	n := int(t.shape[0])
	width := len(t.data) / n
	rows := make([][]float32, n)
	for i := range rows {
		row := make([]float32, width)
		copy(row, t.data[i*width:(i+1)*width])
		rows[i] = row
	}
	return rows, nil
}
