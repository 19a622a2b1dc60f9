//go:build !cgo

// Stub implementation for platforms without ONNX Runtime support.
// This allows the code to compile everywhere.

package onnx

import (
	"log"
)

func newRuntimeImpl(cfg RuntimeConfig) (runtimeResult, error) {
	// Log warning if GPU was requested but we're falling back to stub
	if cfg.Device == DeviceCUDA || cfg.Device == DeviceTensorRT {
		log.Printf("[WARN] GPU device '%s' requested but ONNX Runtime is not available on this platform. "+
			"Falling back to stub implementation. Inference will fail until ONNX Runtime is installed.", cfg.Device)
	} else {
		log.Printf("[WARN] ONNX Runtime is not available on this platform. " +
			"Inference will fail until ONNX Runtime is installed.")
	}

	return runtimeResult{
		impl:         &stubRuntime{},
		actualDevice: DeviceStub,
	}, nil
}

func isRuntimeAvailable() bool {
	return false
}
