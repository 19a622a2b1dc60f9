// Package onnx provides ONNX Runtime integration for ML inference.
package onnx

import (
	"runtime"
	"sync"
)

// Runtime manages the ONNX Runtime environment.
type Runtime struct {
	mu           sync.Mutex
	initialized  bool
	device       Device // Requested device
	actualDevice Device // Actual device being used (may differ if fallback occurred)
	cudaDeviceID int
	threads      int
	sessions     map[string]*Session
	impl         runtimeImpl
}

// Device represents the execution device.
type Device string

const (
	DeviceCPU      Device = "cpu"
	DeviceCUDA     Device = "cuda"
	DeviceTensorRT Device = "tensorrt"
	DeviceStub     Device = "stub" // Stub implementation (ONNX Runtime not available)
	DeviceMock     Device = "mock" // Deterministic in-process model for tests
)

// RuntimeConfig holds runtime configuration.
type RuntimeConfig struct {
	Device         Device
	CUDADeviceID   int
	IntraOpThreads int
	LibraryPath    string
	// Mock selects the deterministic mock model regardless of platform.
	Mock bool
}

// DefaultRuntimeConfig returns sensible defaults.
func DefaultRuntimeConfig() RuntimeConfig {
	threads := runtime.NumCPU()
	if threads > 8 {
		threads = 8
	}

	return RuntimeConfig{
		Device:         DeviceCPU,
		CUDADeviceID:   0,
		IntraOpThreads: threads,
	}
}

// runtimeResult holds the result of runtime initialization.
type runtimeResult struct {
	impl         runtimeImpl
	actualDevice Device
}

// NewRuntime creates a new ONNX Runtime.
func NewRuntime(cfg RuntimeConfig) (*Runtime, error) {
	r := &Runtime{
		device:       cfg.Device,
		actualDevice: cfg.Device,
		cudaDeviceID: cfg.CUDADeviceID,
		threads:      cfg.IntraOpThreads,
		sessions:     make(map[string]*Session),
	}

	var result runtimeResult
	if cfg.Mock {
		result = runtimeResult{impl: &mockRuntime{}, actualDevice: DeviceMock}
	} else {
		var err error
		result, err = newRuntimeImpl(cfg)
		if err != nil {
			return nil, err
		}
	}

	r.impl = result.impl
	r.actualDevice = result.actualDevice
	r.initialized = true

	return r, nil
}

// LoadSession loads an ONNX model and returns a session.
func (r *Runtime) LoadSession(name, modelPath string, opts ...SessionOption) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Check if already loaded
	if session, ok := r.sessions[name]; ok {
		return session, nil
	}

	sessionOpts := defaultSessionOptions()
	sessionOpts.CUDADeviceID = r.cudaDeviceID
	sessionOpts.IntraOpThreads = r.threads
	for _, opt := range opts {
		opt(&sessionOpts)
	}

	session, err := r.impl.createSession(name, modelPath, r.actualDevice, sessionOpts)
	if err != nil {
		return nil, err
	}

	r.sessions[name] = session
	return session, nil
}

// Close closes the runtime and all sessions.
func (r *Runtime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var lastErr error
	for name, session := range r.sessions {
		if err := session.Close(); err != nil {
			lastErr = err
		}
		delete(r.sessions, name)
	}

	if r.impl != nil && r.initialized {
		if err := r.impl.close(); err != nil {
			lastErr = err
		}
	}

	r.initialized = false
	return lastErr
}

// Device returns the configured (requested) device.
func (r *Runtime) Device() Device {
	return r.device
}

// ActualDevice returns the device actually being used (may differ from requested if fallback occurred).
func (r *Runtime) ActualDevice() Device {
	return r.actualDevice
}

// DeviceFallback returns true if the actual device differs from the requested device.
func (r *Runtime) DeviceFallback() bool {
	return r.device != r.actualDevice
}

// IsAvailable returns true if ONNX Runtime is available on this platform.
func IsAvailable() bool {
	return isRuntimeAvailable()
}

// runtimeImpl is the platform-specific runtime implementation.
type runtimeImpl interface {
	createSession(name, modelPath string, device Device, opts SessionOptions) (*Session, error)
	close() error
}
