package onnx

import (
	"fmt"

	"github.com/ricesearch/rice-eval/internal/pkg/errors"
)

// Default tensor names for image embedding models.
const (
	DefaultInputName  = "images"
	DefaultOutputName = "embeddings"
)

// stubRuntime is a stub implementation that returns errors.
// It is available in both CGO and non-CGO builds to serve as fallback.
type stubRuntime struct{}

var _ runtimeImpl = (*stubRuntime)(nil)
var _ runtimeImpl = (*mockRuntime)(nil)
var _ sessionImpl = (*mockSession)(nil)

func (s *stubRuntime) createSession(name, modelPath string, device Device, opts SessionOptions) (*Session, error) {
	return nil, errors.New(errors.CodeModelExecution, "ONNX Runtime not available on this platform - install ONNX Runtime or enable mock mode")
}

func (s *stubRuntime) close() error {
	return nil
}

// mockRuntime serves a deterministic stand-in image model: each image of an
// NCHW batch maps to the per-channel means of its four quadrants, so vectors
// have 4*C components and identical pixels give identical vectors.
type mockRuntime struct{}

func (m *mockRuntime) createSession(name, modelPath string, device Device, opts SessionOptions) (*Session, error) {
	inputs := opts.InputNames
	if len(inputs) == 0 {
		inputs = []string{DefaultInputName}
	}
	outputs := opts.OutputNames
	if len(outputs) == 0 {
		outputs = []string{DefaultOutputName}
	}

	return &Session{
		name:        name,
		path:        modelPath,
		inputNames:  inputs,
		outputNames: outputs,
		impl: &mockSession{
			input:  inputs[0],
			output: outputs[0],
		},
	}, nil
}

func (m *mockRuntime) close() error {
	return nil
}

type mockSession struct {
	input  string
	output string
}

func (s *mockSession) run(inputs map[string]*Tensor) (map[string]*Tensor, error) {
	in := inputs[s.input]
	shape := in.Shape()
	if len(shape) != 4 {
		return nil, fmt.Errorf("expected NCHW input, got shape %v", shape)
	}

	n, c, h, w := int(shape[0]), int(shape[1]), int(shape[2]), int(shape[3])
	if h < 2 || w < 2 {
		return nil, fmt.Errorf("input %dx%d too small for quadrant pooling", h, w)
	}

	data := in.Float32Data()
	dim := 4 * c
	out := make([]float32, n*dim)

	hh, hw := h/2, w/2
	quadrants := [4][4]int{
		{0, hh, 0, hw},
		{0, hh, hw, w},
		{hh, h, 0, hw},
		{hh, h, hw, w},
	}

	for b := 0; b < n; b++ {
		for ch := 0; ch < c; ch++ {
			plane := data[(b*c+ch)*h*w : (b*c+ch+1)*h*w]
			for q, r := range quadrants {
				var sum float64
				for y := r[0]; y < r[1]; y++ {
					for x := r[2]; x < r[3]; x++ {
						sum += float64(plane[y*w+x])
					}
				}
				count := (r[1] - r[0]) * (r[3] - r[2])
				out[b*dim+ch*4+q] = float32(sum / float64(count))
			}
		}
	}

	return map[string]*Tensor{
		s.output: NewTensorFloat32(out, []int64{int64(n), int64(dim)}),
	}, nil
}

func (s *mockSession) close() error {
	return nil
}
