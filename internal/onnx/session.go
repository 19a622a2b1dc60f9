package onnx

import (
	"sync"

	"github.com/ricesearch/rice-eval/internal/pkg/errors"
)

// Session wraps a loaded model. Run calls are serialized.
type Session struct {
	mu          sync.Mutex
	name        string
	path        string
	inputNames  []string
	outputNames []string
	impl        sessionImpl
	closed      bool
}

// sessionImpl is the backend-specific part of a session.
type sessionImpl interface {
	run(inputs map[string]*Tensor) (map[string]*Tensor, error)
	close() error
}

// SessionOptions holds session configuration.
type SessionOptions struct {
	// InputNames and OutputNames override the names probed from the model.
	InputNames     []string
	OutputNames    []string
	IntraOpThreads int
	CUDADeviceID   int
}

// SessionOption is a function that modifies session options.
type SessionOption func(*SessionOptions)

func defaultSessionOptions() SessionOptions {
	return SessionOptions{}
}

// WithIO pins the input and output tensor names. Empty names are ignored.
func WithIO(input, output string) SessionOption {
	return func(o *SessionOptions) {
		if input != "" {
			o.InputNames = []string{input}
		}
		if output != "" {
			o.OutputNames = []string{output}
		}
	}
}

// Run executes the session with the given inputs.
func (s *Session) Run(inputs map[string]*Tensor) (map[string]*Tensor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errors.ModelExecutionError("session is closed", nil).WithDetail("session", s.name)
	}

	for _, name := range s.inputNames {
		t, ok := inputs[name]
		if !ok {
			return nil, errors.ValidationError("missing input: " + name)
		}
		if err := t.Validate(); err != nil {
			return nil, err
		}
	}

	outputs, err := s.impl.run(inputs)
	if err != nil {
		return nil, errors.ModelExecutionError("inference failed", err).WithDetail("session", s.name)
	}
	return outputs, nil
}

// RunFloat32 feeds a single float32 input to the first model input and
// returns the first model output.
func (s *Session) RunFloat32(data []float32, shape []int64) (*Tensor, error) {
	if len(s.inputNames) == 0 || len(s.outputNames) == 0 {
		return nil, errors.ModelExecutionError("session has no inputs or outputs", nil).WithDetail("session", s.name)
	}

	outputs, err := s.Run(map[string]*Tensor{
		s.inputNames[0]: NewTensorFloat32(data, shape),
	})
	if err != nil {
		return nil, err
	}

	output, ok := outputs[s.outputNames[0]]
	if !ok {
		return nil, errors.ModelExecutionError("missing output: "+s.outputNames[0], nil).WithDetail("session", s.name)
	}
	return output, nil
}

// Name returns the session name.
func (s *Session) Name() string {
	return s.name
}

// Path returns the model path.
func (s *Session) Path() string {
	return s.path
}

// InputNames returns the model input names.
func (s *Session) InputNames() []string {
	return s.inputNames
}

// OutputNames returns the model output names.
func (s *Session) OutputNames() []string {
	return s.outputNames
}

// Close closes the session.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	if s.impl != nil {
		if err := s.impl.close(); err != nil {
			return errors.ModelExecutionError("failed to destroy session", err).WithDetail("session", s.name)
		}
	}

	s.closed = true
	return nil
}
