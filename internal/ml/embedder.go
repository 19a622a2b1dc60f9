package ml

import (
	"context"
	"fmt"

	"github.com/ricesearch/rice-eval/internal/config"
	"github.com/ricesearch/rice-eval/internal/onnx"
	"github.com/ricesearch/rice-eval/internal/pkg/errors"
	"github.com/ricesearch/rice-eval/internal/pkg/logger"
)

// Batch is a preprocessed NCHW float32 image batch.
type Batch struct {
	Data       []float32
	N, C, H, W int
}

// Shape returns the NCHW tensor shape.
func (b Batch) Shape() []int64 {
	return []int64{int64(b.N), int64(b.C), int64(b.H), int64(b.W)}
}

// Validate checks the data length against the shape.
func (b Batch) Validate() error {
	if b.N <= 0 || b.C <= 0 || b.H <= 0 || b.W <= 0 {
		return errors.ValidationError(fmt.Sprintf("invalid batch shape %v", b.Shape()))
	}
	if len(b.Data) != b.N*b.C*b.H*b.W {
		return errors.ValidationError(fmt.Sprintf("batch data has %d values, shape %v needs %d", len(b.Data), b.Shape(), b.N*b.C*b.H*b.W))
	}
	return nil
}

// Model maps a batch of images to one vector per image.
type Model interface {
	Embed(ctx context.Context, batch Batch) ([][]float32, error)
}

// ModelFunc adapts a function to the Model interface.
type ModelFunc func(ctx context.Context, batch Batch) ([][]float32, error)

// Embed calls f.
func (f ModelFunc) Embed(ctx context.Context, batch Batch) ([][]float32, error) {
	return f(ctx, batch)
}

// ImageEmbedder runs an ONNX image embedding model.
type ImageEmbedder struct {
	session *onnx.Session
	cfg     config.ModelConfig
	log     *logger.Logger
}

// NewImageEmbedder loads the configured model into runtime.
func NewImageEmbedder(runtime *onnx.Runtime, cfg config.ModelConfig, log *logger.Logger) (*ImageEmbedder, error) {
	if cfg.Path == "" && !cfg.Mock {
		return nil, errors.ConfigurationError("model path is required")
	}

	log.Info("Loading image embedder", "model", cfg.Path, "device", runtime.ActualDevice())
	if runtime.DeviceFallback() {
		log.Warn("Embedder device fallback", "requested", runtime.Device(), "actual", runtime.ActualDevice())
	}

	session, err := runtime.LoadSession("embedder", cfg.Path, onnx.WithIO(cfg.InputName, cfg.OutputName))
	if err != nil {
		return nil, errors.ModelExecutionError("failed to load embedder model", err).WithDetail("model", cfg.Path)
	}

	return &ImageEmbedder{
		session: session,
		cfg:     cfg,
		log:     log,
	}, nil
}

// Embed runs one forward pass over the batch.
func (e *ImageEmbedder) Embed(ctx context.Context, batch Batch) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := batch.Validate(); err != nil {
		return nil, err
	}

	out, err := e.session.RunFloat32(batch.Data, batch.Shape())
	if err != nil {
		return nil, err
	}

	// [N, D] or [N, D, 1, 1] from a pooled backbone
	rows, err := out.Rows()
	if err != nil {
		return nil, errors.ModelExecutionError("unexpected embedder output", err)
	}
	if len(rows) != batch.N {
		return nil, errors.ModelExecutionError(fmt.Sprintf("embedder returned %d vectors for %d images", len(rows), batch.N), nil)
	}
	if e.cfg.EmbedDim > 0 && len(rows[0]) != e.cfg.EmbedDim {
		return nil, errors.ModelExecutionError(fmt.Sprintf("embedder returned dimension %d, expected %d", len(rows[0]), e.cfg.EmbedDim), nil)
	}

	return rows, nil
}

// Close releases the model session.
func (e *ImageEmbedder) Close() error {
	return e.session.Close()
}

// RuntimeConfigFrom maps model settings to ONNX runtime settings.
func RuntimeConfigFrom(cfg config.ModelConfig) onnx.RuntimeConfig {
	rc := onnx.DefaultRuntimeConfig()
	rc.Device = onnx.Device(cfg.Device)
	rc.CUDADeviceID = cfg.CUDADevice
	rc.LibraryPath = cfg.LibraryPath
	rc.Mock = cfg.Mock
	if cfg.IntraOpThreads > 0 {
		rc.IntraOpThreads = cfg.IntraOpThreads
	}
	return rc
}
