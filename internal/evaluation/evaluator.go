// Package evaluation scores image retrieval against Oxford-style ground truth.
package evaluation

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ricesearch/rice-eval/internal/bus"
	"github.com/ricesearch/rice-eval/internal/embedding"
	"github.com/ricesearch/rice-eval/internal/groundtruth"
	"github.com/ricesearch/rice-eval/internal/pkg/errors"
	"github.com/ricesearch/rice-eval/internal/pkg/hash"
	"github.com/ricesearch/rice-eval/internal/pkg/logger"
	"github.com/ricesearch/rice-eval/internal/pkg/security"
	"github.com/ricesearch/rice-eval/internal/ranking"
)

// Extractor embeds query and gallery images.
type Extractor interface {
	EmbedQuery(ctx context.Context, path string) (embedding.Vector, error)
	EmbedGallery(ctx context.Context, items []embedding.GalleryItem) (*embedding.Matrix, error)
}

// Recorder records evaluation metrics.
type Recorder interface {
	RecordQuery(subset string, ap float64, d time.Duration)
	SetMeanAP(subset string, v float64)
}

type noopRecorder struct{}

func (noopRecorder) RecordQuery(string, float64, time.Duration) {}
func (noopRecorder) SetMeanAP(string, float64)                  {}

// Config holds evaluator settings.
type Config struct {
	TopK int
	// ImagesDir resolves query images that are not part of the gallery.
	ImagesDir string
	// QueryExt is appended to such query identifiers.
	QueryExt string
	ModelID  string
	// TopIDs is how many ranked identifiers are kept per query result.
	TopIDs int
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithBus publishes evaluation events on b.
func WithBus(b bus.Bus) Option {
	return func(e *Evaluator) { e.bus = b }
}

// WithRecorder records metrics on r.
func WithRecorder(r Recorder) Option {
	return func(e *Evaluator) { e.recorder = r }
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(e *Evaluator) { e.log = l }
}

// WithRunID sets the correlation id of published events.
func WithRunID(id string) Option {
	return func(e *Evaluator) { e.runID = id }
}

// Evaluator ranks every query of a subset against a prepared gallery and
// reports the mean average precision.
type Evaluator struct {
	index     *groundtruth.Index
	extractor Extractor
	ranker    *ranking.Ranker
	cfg       Config

	bus      bus.Bus
	recorder Recorder
	log      *logger.Logger
	runID    string

	gallery *embedding.Matrix
	paths   map[string]string
}

// NewEvaluator creates an evaluator.
func NewEvaluator(index *groundtruth.Index, extractor Extractor, ranker *ranking.Ranker, cfg Config, opts ...Option) (*Evaluator, error) {
	if index == nil {
		return nil, errors.ConfigurationError("ground truth index is required")
	}
	if extractor == nil {
		return nil, errors.ConfigurationError("extractor is required")
	}
	if ranker == nil {
		ranker = ranking.NewRanker(ranking.SimilarityDot)
	}
	if cfg.TopK <= 0 {
		return nil, errors.ConfigurationErrorf("top-k must be positive, got %d", cfg.TopK)
	}
	if cfg.QueryExt == "" {
		cfg.QueryExt = ".jpg"
	}
	if cfg.TopIDs <= 0 {
		cfg.TopIDs = 10
	}

	e := &Evaluator{
		index:     index,
		extractor: extractor,
		ranker:    ranker,
		cfg:       cfg,
		bus:       bus.Nop{},
		recorder:  noopRecorder{},
		log:       logger.Discard(),
		runID:     newRunID(cfg.ModelID),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// newRunID returns a sortable, practically unique run id.
func newRunID(modelID string) string {
	now := time.Now().UTC()
	return "run-" + now.Format("20060102-150405") + "-" + hash.SHA256Short([]byte(modelID+now.String()), 6)
}

// RunID returns the correlation id of this evaluator's events.
func (e *Evaluator) RunID() string {
	return e.runID
}

// Prepare embeds the gallery. It must be called once before any subset is
// evaluated.
func (e *Evaluator) Prepare(ctx context.Context, items []embedding.GalleryItem) error {
	start := time.Now()

	m, err := e.extractor.EmbedGallery(ctx, items)
	if err != nil {
		return err
	}
	if m.Len() == 0 {
		return errors.ConfigurationError("gallery produced no embeddings")
	}

	e.gallery = m
	e.paths = make(map[string]string, len(items))
	for _, it := range items {
		e.paths[it.ID] = it.Path
	}

	e.log.Info("Gallery prepared",
		"images", m.Len(),
		"dim", m.Dim(),
		"duration", time.Since(start).Round(time.Millisecond),
	)
	return nil
}

// Gallery returns the prepared gallery matrix, nil before Prepare.
func (e *Evaluator) Gallery() *embedding.Matrix {
	return e.gallery
}

// queryPath resolves a query image identifier, preferring the gallery path.
func (e *Evaluator) queryPath(id string) (string, *errors.AppError) {
	if p, ok := e.paths[id]; ok {
		return p, nil
	}
	if err := security.ValidateImageID(id); err != nil {
		return "", errors.Wrap(errors.CodeConfiguration, "invalid query image identifier", err)
	}
	return filepath.Join(e.cfg.ImagesDir, id+e.cfg.QueryExt), nil
}

// EvaluateQuery scores one query. A query image that cannot be read fails
// the query.
func (e *Evaluator) EvaluateQuery(ctx context.Context, set *groundtruth.Set) (*QueryResult, error) {
	if e.gallery == nil {
		return nil, errors.ConfigurationError("gallery not prepared")
	}

	path, perr := e.queryPath(set.Image)
	if perr != nil {
		return nil, perr.WithDetail("query", set.Query)
	}
	if _, err := os.Stat(path); err != nil {
		return nil, errors.ImageDecodeError(path, err).WithDetail("query", set.Query)
	}

	vec, err := e.extractor.EmbedQuery(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", set.Query, err)
	}

	ranked, err := e.ranker.Rank(vec, e.gallery, e.cfg.TopK)
	if err != nil {
		return nil, err
	}

	k := e.cfg.TopK
	ids := ranked.IDs()
	labels := Labels(ids, set)
	relevant := set.RelevantCount()

	return &QueryResult{
		Query:     set.Query,
		Image:     set.Image,
		AP:        AveragePrecisionAtK(labels, relevant, k),
		Precision: PrecisionAtK(labels, k),
		Recall:    RecallAtK(labels, relevant, k),
		Relevant:  relevant,
		Retrieved: len(ranked),
		Top:       ids[:min(e.cfg.TopIDs, len(ids))],
	}, nil
}

// EvaluateSubset scores every query of a subset in name order.
func (e *Evaluator) EvaluateSubset(ctx context.Context, subset groundtruth.Subset) (*SubsetResult, error) {
	if e.gallery == nil {
		return nil, errors.ConfigurationError("gallery not prepared")
	}

	names, err := e.index.QueryNames(subset)
	if err != nil {
		return nil, err
	}
	queries, err := e.index.QueryMap(subset)
	if err != nil {
		return nil, err
	}

	log := e.log.WithSubset(string(subset))
	if len(names) == 0 {
		log.Warn("Subset has no queries")
	}

	start := time.Now()
	result := &SubsetResult{
		Subset:  subset,
		TopK:    e.cfg.TopK,
		Queries: make([]*QueryResult, 0, len(names)),
	}

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		qStart := time.Now()
		qr, err := e.EvaluateQuery(ctx, queries[name])
		if err != nil {
			log.WithQuery(name).WithError(err).Error("Query failed")
			return nil, err
		}
		result.Queries = append(result.Queries, qr)

		e.recorder.RecordQuery(string(subset), qr.AP, time.Since(qStart))
		e.publish(ctx, bus.TopicQueryScored, queryScoredPayload{Subset: string(subset), Result: qr})

		log.WithQuery(name).Debug("Query scored",
			"ap", qr.AP,
			"relevant", qr.Relevant,
			"retrieved", qr.Retrieved,
		)
	}

	result.Summary = *Summarize(result.Queries)
	result.Duration = time.Since(start)

	e.recorder.SetMeanAP(string(subset), result.Summary.MAP)
	e.publish(ctx, bus.TopicSubsetCompleted, subsetCompletedPayload{Subset: string(subset), Summary: result.Summary})

	log.Info("Subset evaluated",
		"queries", result.Summary.QueryCount,
		"map", result.Summary.MAP,
		"duration", result.Duration.Round(time.Millisecond),
	)
	return result, nil
}

// Run evaluates the train and valid subsets independently.
func (e *Evaluator) Run(ctx context.Context) (*RunResult, error) {
	start := time.Now()

	train, err := e.EvaluateSubset(ctx, groundtruth.SubsetTrain)
	if err != nil {
		return nil, fmt.Errorf("train subset: %w", err)
	}
	valid, err := e.EvaluateSubset(ctx, groundtruth.SubsetValid)
	if err != nil {
		return nil, fmt.Errorf("valid subset: %w", err)
	}

	run := &RunResult{
		RunID:       e.runID,
		ModelID:     e.cfg.ModelID,
		Similarity:  string(e.ranker.Mode()),
		GallerySize: e.gallery.Len(),
		Train:       train,
		Valid:       valid,
		Duration:    time.Since(start),
	}

	e.publish(ctx, bus.TopicRunCompleted, runCompletedPayload{
		ModelID:  e.cfg.ModelID,
		TrainMAP: train.MAP(),
		ValidMAP: valid.MAP(),
	})
	return run, nil
}

// publish failures are logged; they never fail the evaluation.
func (e *Evaluator) publish(ctx context.Context, topic string, payload any) {
	if err := e.bus.Publish(ctx, topic, bus.NewEvent(topic, e.runID, payload)); err != nil {
		e.log.WithError(err).Warn("Failed to publish event", "topic", topic)
	}
}

// Summarize aggregates query results. Every query counts, including those
// without relevant items.
func Summarize(results []*QueryResult) *SubsetSummary {
	if len(results) == 0 {
		return &SubsetSummary{}
	}

	summary := &SubsetSummary{QueryCount: len(results)}
	for _, r := range results {
		summary.MAP += r.AP
		summary.MeanPrecision += r.Precision
		summary.MeanRecall += r.Recall
	}

	n := float64(len(results))
	summary.MAP /= n
	summary.MeanPrecision /= n
	summary.MeanRecall /= n
	return summary
}
