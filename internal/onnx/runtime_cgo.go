//go:build cgo

package onnx

import (
	"fmt"
	"log"
	"os"
	"runtime"
	"strconv"

	ort "github.com/yalue/onnxruntime_go"
)

// cgoRuntime implements the runtime using ONNX Runtime C bindings.
type cgoRuntime struct{}

var _ runtimeImpl = (*cgoRuntime)(nil)
var _ sessionImpl = (*cgoSession)(nil)

func newRuntimeImpl(cfg RuntimeConfig) (runtimeResult, error) {
	libPath := cfg.LibraryPath
	if libPath == "" {
		libPath = findLibraryPath()
	}

	if libPath == "" {
		log.Printf("[WARN] ONNX Runtime shared library not found. Falling back to stub.")
		return runtimeResult{
			impl:         &stubRuntime{},
			actualDevice: DeviceStub,
		}, nil
	}

	log.Printf("[INFO] Initializing ONNX Runtime with library: %s", libPath)

	ort.SetSharedLibraryPath(libPath)
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return runtimeResult{}, fmt.Errorf("failed to initialize ONNX Runtime: %w", err)
		}
	}

	return runtimeResult{
		impl:         &cgoRuntime{},
		actualDevice: cfg.Device,
	}, nil
}

func (c *cgoRuntime) createSession(name, modelPath string, device Device, opts SessionOptions) (*Session, error) {
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("model file not found: %s", modelPath)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer options.Destroy()

	if opts.IntraOpThreads > 0 {
		if err := options.SetIntraOpNumThreads(opts.IntraOpThreads); err != nil {
			log.Printf("[WARN] Failed to set intra-op threads for %s: %v", name, err)
		}
	}

	switch device {
	case DeviceTensorRT:
		trtOptions, err := ort.NewTensorRTProviderOptions()
		if err == nil {
			if err := options.AppendExecutionProviderTensorRT(trtOptions); err != nil {
				log.Printf("[WARN] Failed to append TensorRT provider for %s: %v", name, err)
			}
			trtOptions.Destroy()
		} else {
			log.Printf("[WARN] Failed to create TensorRT options for %s: %v", name, err)
		}
		fallthrough
	case DeviceCUDA:
		cudaOptions, err := ort.NewCUDAProviderOptions()
		if err == nil {
			cudaOptions.Update(map[string]string{"device_id": strconv.Itoa(opts.CUDADeviceID)})
			if err := options.AppendExecutionProviderCUDA(cudaOptions); err != nil {
				log.Printf("[WARN] Failed to append CUDA provider for %s: %v", name, err)
			}
			cudaOptions.Destroy()
		} else {
			log.Printf("[WARN] Failed to create CUDA options for %s: %v", name, err)
		}
	}

	inputNames, outputNames := opts.InputNames, opts.OutputNames
	if len(inputNames) == 0 || len(outputNames) == 0 {
		inputInfo, outputInfo, err := ort.GetInputOutputInfo(modelPath)
		if err != nil {
			return nil, fmt.Errorf("failed to probe model info for %s: %w", name, err)
		}
		if len(inputNames) == 0 {
			for _, info := range inputInfo {
				inputNames = append(inputNames, info.Name)
			}
		}
		if len(outputNames) == 0 {
			for _, info := range outputInfo {
				outputNames = append(outputNames, info.Name)
			}
		}
	}
	if len(inputNames) != 1 {
		return nil, fmt.Errorf("image embedding model %s must have exactly one input, got %v", name, inputNames)
	}
	if len(outputNames) == 0 {
		return nil, fmt.Errorf("model %s has no outputs", name)
	}

	session, err := ort.NewDynamicAdvancedSession(modelPath, inputNames, outputNames, options)
	if err != nil {
		return nil, fmt.Errorf("failed to create ORT session: %w", err)
	}

	return &Session{
		name:        name,
		path:        modelPath,
		inputNames:  inputNames,
		outputNames: outputNames,
		impl: &cgoSession{
			session:     session,
			inputNames:  inputNames,
			outputNames: outputNames,
		},
	}, nil
}

func (c *cgoRuntime) close() error {
	return ort.DestroyEnvironment()
}

func isRuntimeAvailable() bool {
	return true
}

// cgoSession wraps the ORT session.
type cgoSession struct {
	session     *ort.DynamicAdvancedSession
	inputNames  []string
	outputNames []string
}

// run owns every ORT value it creates; all of them are destroyed before it
// returns, on success and on error.
func (s *cgoSession) run(inputs map[string]*Tensor) (map[string]*Tensor, error) {
	inputValues := make([]ort.Value, len(s.inputNames))
	outputValues := make([]ort.Value, len(s.outputNames))

	defer func() {
		for _, v := range inputValues {
			if v != nil {
				v.Destroy()
			}
		}
		for _, v := range outputValues {
			if v != nil {
				v.Destroy()
			}
		}
	}()

	for i, name := range s.inputNames {
		inp, ok := inputs[name]
		if !ok {
			return nil, fmt.Errorf("missing input: %s", name)
		}

		t, err := ort.NewTensor(ort.NewShape(inp.Shape()...), inp.Float32Data())
		if err != nil {
			return nil, fmt.Errorf("failed to create ORT tensor for %s: %w", name, err)
		}
		inputValues[i] = t
	}

	// Nil outputs are allocated by ORT
	if err := s.session.Run(inputValues, outputValues); err != nil {
		return nil, fmt.Errorf("run failed: %w", err)
	}

	result := make(map[string]*Tensor, len(outputValues))
	for i, ortOut := range outputValues {
		if ortOut == nil {
			continue
		}
		name := s.outputNames[i]

		switch t := ortOut.(type) {
		case *ort.Tensor[float32]:
			data := t.GetData()
			c := make([]float32, len(data))
			copy(c, data)
			result[name] = NewTensorFloat32(c, []int64(t.GetShape()))

		case *ort.Tensor[float64]:
			data := t.GetData()
			c := make([]float32, len(data))
			for k, v := range data {
				c[k] = float32(v)
			}
			result[name] = NewTensorFloat32(c, []int64(t.GetShape()))

		default:
			log.Printf("[WARN] Unsupported output tensor type %T for %s", ortOut, name)
		}
	}

	return result, nil
}

func (s *cgoSession) close() error {
	return s.session.Destroy()
}

func findLibraryPath() string {
	if env := os.Getenv("ONNX_RUNTIME_LIB"); env != "" {
		return env
	}
	dllName := "onnxruntime.dll"
	if runtime.GOOS == "linux" {
		dllName = "libonnxruntime.so"
	} else if runtime.GOOS == "darwin" {
		dllName = "libonnxruntime.dylib"
	}
	if _, err := os.Stat(dllName); err == nil {
		return dllName
	}
	return ""
}
