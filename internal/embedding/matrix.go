// Package embedding turns query and gallery images into vectors with an
// injected model and assembles the gallery matrix.
package embedding

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/ricesearch/rice-eval/internal/pkg/errors"
)

// Vector is an embedding. Vectors are never modified after creation.
type Vector []float32

// Matrix holds gallery vectors in row order with their image identifiers.
type Matrix struct {
	ids  []string
	seen map[string]bool
	data []float64 // row-major, len(ids)*dim
	dim  int
}

// NewMatrix creates an empty matrix with room for n rows.
func NewMatrix(n int) *Matrix {
	return &Matrix{ids: make([]string, 0, n), seen: make(map[string]bool, n)}
}

// Append adds one row. The first row fixes the dimension. Identifiers are
// unique and every component must be finite.
func (m *Matrix) Append(id string, v Vector) error {
	if len(v) == 0 {
		return errors.ValidationError("empty vector for " + id)
	}
	if m.seen == nil {
		m.seen = make(map[string]bool)
	}
	if m.seen[id] {
		return errors.ValidationError("duplicate gallery identifier " + id)
	}
	if j := NonFinite(v); j >= 0 {
		return errors.ValidationError(fmt.Sprintf("vector for %s has non-finite component %d", id, j))
	}
	if m.dim == 0 {
		m.dim = len(v)
		m.data = make([]float64, 0, cap(m.ids)*m.dim)
	}
	if len(v) != m.dim {
		return errors.ValidationError(fmt.Sprintf("vector for %s has dimension %d, matrix has %d", id, len(v), m.dim))
	}

	for _, x := range v {
		m.data = append(m.data, float64(x))
	}
	m.ids = append(m.ids, id)
	m.seen[id] = true
	return nil
}

// NonFinite returns the index of the first NaN or infinite component of v,
// or -1.
func NonFinite(v Vector) int {
	for j, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return j
		}
	}
	return -1
}

// Len returns the number of rows.
func (m *Matrix) Len() int {
	return len(m.ids)
}

// Dim returns the vector dimension, 0 for an empty matrix.
func (m *Matrix) Dim() int {
	return m.dim
}

// IDs returns the row identifiers. Callers must not modify the slice.
func (m *Matrix) IDs() []string {
	return m.ids
}

// ID returns the identifier of row i.
func (m *Matrix) ID(i int) string {
	return m.ids[i]
}

// Row returns a copy of row i.
func (m *Matrix) Row(i int) Vector {
	row := make(Vector, m.dim)
	for j, x := range m.data[i*m.dim : (i+1)*m.dim] {
		row[j] = float32(x)
	}
	return row
}

// Dense returns a read-only gonum view sharing the matrix storage.
// It returns nil for an empty matrix.
func (m *Matrix) Dense() *mat.Dense {
	if m.Len() == 0 {
		return nil
	}
	return mat.NewDense(m.Len(), m.dim, m.data)
}
