package embedding

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ricesearch/rice-eval/internal/imaging"
	"github.com/ricesearch/rice-eval/internal/ml"
	"github.com/ricesearch/rice-eval/internal/pkg/errors"
	"github.com/ricesearch/rice-eval/internal/pkg/logger"
)

// queryCrops is the number of crops averaged into a query vector.
const queryCrops = 5

// Config holds pre-processing and batching parameters.
type Config struct {
	ResizeShort        int
	CropSize           int
	BatchSize          int
	Workers            int
	Prefetch           int // batches prepared ahead of the model, default 2*Workers
	SkipCorruptGallery bool
	// ModelID scopes cache keys to one model.
	ModelID string
}

// DefaultConfig returns the settings of the reference pipeline.
func DefaultConfig() Config {
	return Config{
		ResizeShort: 280,
		CropSize:    256,
		BatchSize:   12,
		Workers:     4,
	}
}

func (c Config) validate() error {
	switch {
	case c.CropSize < 1:
		return errors.ConfigurationError("crop size must be positive")
	case c.ResizeShort < c.CropSize:
		return errors.ConfigurationErrorf("resize %d smaller than crop %d", c.ResizeShort, c.CropSize)
	case c.BatchSize < 1:
		return errors.ConfigurationError("batch size must be positive")
	case c.Workers < 1:
		return errors.ConfigurationError("workers must be positive")
	}
	return nil
}

// Recorder receives embedding metrics. Implemented by metrics.Metrics.
type Recorder interface {
	RecordImagesEmbedded(kind string, n int)
	ObserveBatch(d time.Duration)
	RecordGallerySkipped()
}

type noopRecorder struct{}

func (noopRecorder) RecordImagesEmbedded(string, int) {}
func (noopRecorder) ObserveBatch(time.Duration)       {}
func (noopRecorder) RecordGallerySkipped()            {}

// Option configures an Extractor.
type Option func(*Extractor)

// WithCache enables the gallery vector cache.
func WithCache(c ml.VectorCache) Option {
	return func(x *Extractor) { x.cache = c }
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(x *Extractor) { x.log = l }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(x *Extractor) { x.metrics = r }
}

// Extractor computes query and gallery embeddings.
type Extractor struct {
	model    ml.Model
	cfg      Config
	cache    ml.VectorCache
	log      *logger.Logger
	metrics  Recorder
	pool     sync.Pool
	progress rate.Sometimes
}

// NewExtractor creates an extractor around model.
func NewExtractor(model ml.Model, cfg Config, opts ...Option) (*Extractor, error) {
	if model == nil {
		return nil, errors.ConfigurationError("embedding model is required")
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 2 * cfg.Workers
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	x := &Extractor{
		model:    model,
		cfg:      cfg,
		log:      logger.Discard(),
		metrics:  noopRecorder{},
		progress: rate.Sometimes{First: 1, Interval: 5 * time.Second},
	}
	for _, opt := range opts {
		opt(x)
	}

	size := cfg.BatchSize * imaging.TensorLen(cfg.CropSize)
	x.pool.New = func() any {
		buf := make([]float32, size)
		return &buf
	}
	return x, nil
}

// Config returns the effective configuration.
func (x *Extractor) Config() Config {
	return x.cfg
}

// EmbedQuery embeds one query image as the mean of its five crops, each
// normalized with the channel statistics of the full image.
func (x *Extractor) EmbedQuery(ctx context.Context, path string) (Vector, error) {
	id := ImageID(path)

	img, err := imaging.Open(path)
	if err != nil {
		return nil, err
	}

	st := imaging.ChannelStats(img)
	crops, err := imaging.FiveCrop(imaging.Resize(img, x.cfg.ResizeShort), x.cfg.CropSize)
	if err != nil {
		return nil, err
	}

	tl := imaging.TensorLen(x.cfg.CropSize)
	data := make([]float32, queryCrops*tl)
	for i, c := range crops {
		seg := data[i*tl : (i+1)*tl]
		imaging.ToTensor(c, seg)
		imaging.Normalize(seg, st)
	}

	batch := ml.Batch{Data: data, N: queryCrops, C: imaging.Channels, H: x.cfg.CropSize, W: x.cfg.CropSize}
	vecs, err := x.model.Embed(ctx, batch)
	if err != nil {
		return nil, errors.ModelExecutionError("query embedding failed", err).WithDetail("image", id)
	}
	if len(vecs) != queryCrops {
		return nil, errors.ModelExecutionError(fmt.Sprintf("model returned %d vectors for %d crops", len(vecs), queryCrops), nil).WithDetail("image", id)
	}

	dim := len(vecs[0])
	mean := make([]float64, dim)
	for _, v := range vecs {
		if len(v) != dim {
			return nil, errors.ModelExecutionError("model returned vectors of different dimension", nil).WithDetail("image", id)
		}
		for j, f := range v {
			mean[j] += float64(f)
		}
	}

	out := make(Vector, dim)
	for j := range mean {
		out[j] = float32(mean[j] / queryCrops)
	}
	if j := NonFinite(out); j >= 0 {
		return nil, errors.ModelExecutionError(fmt.Sprintf("model returned a non-finite value at component %d", j), nil).WithDetail("image", id)
	}

	x.metrics.RecordImagesEmbedded("query", 1)
	return out, nil
}

// ImageID returns the identifier of an image file: its base name without
// the extension.
func ImageID(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
