package evaluation

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ricesearch/rice-eval/internal/bus"
	"github.com/ricesearch/rice-eval/internal/embedding"
	"github.com/ricesearch/rice-eval/internal/groundtruth"
	"github.com/ricesearch/rice-eval/internal/pkg/errors"
	"github.com/ricesearch/rice-eval/internal/pkg/logger"
	"github.com/ricesearch/rice-eval/internal/ranking"
)

// fakeExtractor serves fixed vectors keyed by image identifier.
type fakeExtractor struct {
	vectors map[string]embedding.Vector
	queried []string
}

func (f *fakeExtractor) EmbedQuery(_ context.Context, path string) (embedding.Vector, error) {
	id := embedding.ImageID(path)
	f.queried = append(f.queried, path)
	v, ok := f.vectors[id]
	if !ok {
		return nil, errors.ModelExecutionError("no vector for "+id, nil)
	}
	return v, nil
}

func (f *fakeExtractor) EmbedGallery(_ context.Context, items []embedding.GalleryItem) (*embedding.Matrix, error) {
	m := embedding.NewMatrix(len(items))
	for _, it := range items {
		if err := m.Append(it.ID, f.vectors[it.ID]); err != nil {
			return nil, err
		}
	}
	return m, nil
}

type fakeRecorder struct {
	mu      sync.Mutex
	queries map[string]int
	means   map[string]float64
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{queries: map[string]int{}, means: map[string]float64{}}
}

func (r *fakeRecorder) RecordQuery(subset string, _ float64, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queries[subset]++
}

func (r *fakeRecorder) SetMeanAP(subset string, v float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.means[subset] = v
}

type query struct {
	name  string
	image string
	good  []string
	junk  []string
}

// fixture writes the ground truth of queries and an empty file per gallery
// image, returning the index and the gallery items in order.
func fixture(t *testing.T, queries []query, gallery []string) (*groundtruth.Index, []embedding.GalleryItem, string) {
	t.Helper()
	labels, images := t.TempDir(), t.TempDir()

	write := func(path, content string) {
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	for _, q := range queries {
		write(filepath.Join(labels, q.name+"_query.txt"), "oxc1_"+q.image+" 0 0 10 10\n")
		write(filepath.Join(labels, q.name+"_good.txt"), strings.Join(q.good, "\n"))
		write(filepath.Join(labels, q.name+"_ok.txt"), "")
		write(filepath.Join(labels, q.name+"_junk.txt"), strings.Join(q.junk, "\n"))
	}

	items := make([]embedding.GalleryItem, len(gallery))
	for i, id := range gallery {
		path := filepath.Join(images, id+".jpg")
		write(path, "")
		items[i] = embedding.GalleryItem{ID: id, Path: path}
	}

	idx, err := groundtruth.Load(labels, groundtruth.DefaultOptions())
	if err != nil {
		t.Fatalf("groundtruth.Load() error = %v", err)
	}
	return idx, items, images
}

func landmarkFixture(t *testing.T) (*groundtruth.Index, []embedding.GalleryItem, string, *fakeExtractor) {
	idx, items, images := fixture(t, []query{
		{name: "land_1", image: "A", good: []string{"A", "B"}, junk: []string{"C"}},
		{name: "land_2", image: "D"},
	}, []string{"A", "B", "C", "D"})

	ext := &fakeExtractor{vectors: map[string]embedding.Vector{
		"A": {1, 0},
		"B": {0.9, 0.1},
		"C": {0.95, 0},
		"D": {0, 1},
	}}
	return idx, items, images, ext
}

func TestEvaluator_Run(t *testing.T) {
	idx, items, images, ext := landmarkFixture(t)

	b := bus.NewMemoryBus(logger.Discard())
	var mu sync.Mutex
	events := map[string]int{}
	for _, topic := range []string{bus.TopicQueryScored, bus.TopicSubsetCompleted, bus.TopicRunCompleted} {
		topic := topic
		b.Subscribe(context.Background(), topic, func(context.Context, bus.Event) error {
			mu.Lock()
			defer mu.Unlock()
			events[topic]++
			return nil
		})
	}
	rec := newFakeRecorder()

	e, err := NewEvaluator(idx, ext, ranking.NewRanker(ranking.SimilarityDot),
		Config{TopK: 4, ImagesDir: images, ModelID: "test"},
		WithBus(b), WithRecorder(rec), WithRunID("run-1"))
	if err != nil {
		t.Fatalf("NewEvaluator() error = %v", err)
	}

	ctx := context.Background()
	if err := e.Prepare(ctx, items); err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}

	run, err := e.Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	b.Close()

	// land_1 ranks [A, C, B, D]: correct, skip, correct, incorrect.
	if run.Train.MAP() != 1 {
		t.Errorf("train mAP = %v, want 1", run.Train.MAP())
	}
	if len(run.Train.Queries) != 1 || run.Train.Queries[0].Query != "land_1" {
		t.Fatalf("train queries = %+v", run.Train.Queries)
	}
	q := run.Train.Queries[0]
	if q.Relevant != 2 || q.Retrieved != 4 {
		t.Errorf("land_1 relevant=%d retrieved=%d, want 2 and 4", q.Relevant, q.Retrieved)
	}
	if strings.Join(q.Top, ",") != "A,C,B,D" {
		t.Errorf("land_1 top = %v", q.Top)
	}

	// land_2 has no relevant images and still counts.
	if run.Valid.Summary.QueryCount != 1 || run.Valid.MAP() != 0 {
		t.Errorf("valid summary = %+v, want one query with mAP 0", run.Valid.Summary)
	}

	if run.RunID != "run-1" || run.GallerySize != 4 || run.Similarity != "dot" {
		t.Errorf("run = %+v", run)
	}
	if ext.queried[0] != items[0].Path {
		t.Errorf("query A resolved to %s, want gallery path %s", ext.queried[0], items[0].Path)
	}

	mu.Lock()
	defer mu.Unlock()
	if events[bus.TopicQueryScored] != 2 || events[bus.TopicSubsetCompleted] != 2 || events[bus.TopicRunCompleted] != 1 {
		t.Errorf("events = %v", events)
	}
	if rec.queries["train"] != 1 || rec.queries["valid"] != 1 || rec.means["train"] != 1 {
		t.Errorf("recorder = %+v %+v", rec.queries, rec.means)
	}
}

func TestEvaluator_SingleQueryMAPEqualsAP(t *testing.T) {
	idx, items, images, ext := landmarkFixture(t)

	e, err := NewEvaluator(idx, ext, nil, Config{TopK: 4, ImagesDir: images})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Prepare(context.Background(), items); err != nil {
		t.Fatal(err)
	}

	res, err := e.EvaluateSubset(context.Background(), groundtruth.SubsetAll)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Queries) != 2 {
		t.Fatalf("all subset has %d queries, want 2", len(res.Queries))
	}
	if res.MAP() != 0.5 {
		t.Errorf("mAP = %v, want 0.5", res.MAP())
	}
	if aps := res.APs(); aps[0] != 1 || aps[1] != 0 {
		t.Errorf("APs = %v", aps)
	}

	train, _ := e.EvaluateSubset(context.Background(), groundtruth.SubsetTrain)
	if train.MAP() != train.Queries[0].AP {
		t.Errorf("one-query mAP %v != AP %v", train.MAP(), train.Queries[0].AP)
	}
}

func TestEvaluator_TopKLargerThanGallery(t *testing.T) {
	idx, items, images, ext := landmarkFixture(t)

	e, _ := NewEvaluator(idx, ext, nil, Config{TopK: 50, ImagesDir: images})
	if err := e.Prepare(context.Background(), items); err != nil {
		t.Fatal(err)
	}

	res, err := e.EvaluateSubset(context.Background(), groundtruth.SubsetTrain)
	if err != nil {
		t.Fatalf("EvaluateSubset() error = %v", err)
	}
	if got := res.Queries[0].Retrieved; got != 4 {
		t.Errorf("retrieved = %d, want gallery size 4", got)
	}
}

func TestEvaluator_Similarity(t *testing.T) {
	// X is irrelevant but long, Y points the same way as the query.
	idx, items, images := fixture(t, []query{
		{name: "q_1", image: "Q", good: []string{"Q", "Y"}},
	}, []string{"Q", "X", "Y"})
	ext := &fakeExtractor{vectors: map[string]embedding.Vector{
		"Q": {1, 0},
		"X": {10, 10},
		"Y": {0.5, 0},
	}}

	tests := []struct {
		mode ranking.Similarity
		want float64
	}{
		{ranking.SimilarityDot, (1.0/2 + 2.0/3) / 2},
		{ranking.SimilarityCosine, 1},
	}

	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			e, _ := NewEvaluator(idx, ext, ranking.NewRanker(tt.mode), Config{TopK: 3, ImagesDir: images})
			if err := e.Prepare(context.Background(), items); err != nil {
				t.Fatal(err)
			}
			res, err := e.EvaluateSubset(context.Background(), groundtruth.SubsetValid)
			if err != nil {
				t.Fatal(err)
			}
			if !almostEqual(res.MAP(), tt.want) {
				t.Errorf("mAP = %v, want %v", res.MAP(), tt.want)
			}
		})
	}
}

func TestEvaluator_QueryOutsideGallery(t *testing.T) {
	idx, items, images := fixture(t, []query{
		{name: "q_1", image: "Q", good: []string{"A"}},
	}, []string{"A", "B"})
	if err := os.WriteFile(filepath.Join(images, "Q.jpg"), nil, 0644); err != nil {
		t.Fatal(err)
	}

	ext := &fakeExtractor{vectors: map[string]embedding.Vector{
		"Q": {1, 0}, "A": {1, 0}, "B": {0, 1},
	}}
	e, _ := NewEvaluator(idx, ext, nil, Config{TopK: 2, ImagesDir: images})
	if err := e.Prepare(context.Background(), items[:2]); err != nil {
		t.Fatal(err)
	}

	res, err := e.EvaluateSubset(context.Background(), groundtruth.SubsetValid)
	if err != nil {
		t.Fatalf("EvaluateSubset() error = %v", err)
	}
	if res.MAP() != 1 {
		t.Errorf("mAP = %v, want 1", res.MAP())
	}
	if want := filepath.Join(images, "Q.jpg"); ext.queried[0] != want {
		t.Errorf("query resolved to %s, want %s", ext.queried[0], want)
	}
}

func TestEvaluator_Errors(t *testing.T) {
	idx, items, images, ext := landmarkFixture(t)
	ctx := context.Background()

	t.Run("not prepared", func(t *testing.T) {
		e, _ := NewEvaluator(idx, ext, nil, Config{TopK: 4})
		_, err := e.EvaluateSubset(ctx, groundtruth.SubsetTrain)
		if !errors.IsConfiguration(err) {
			t.Errorf("expected configuration error, got %v", err)
		}
	})

	t.Run("missing query image", func(t *testing.T) {
		e, _ := NewEvaluator(idx, ext, nil, Config{TopK: 4, ImagesDir: images})
		// Gallery without A, so the query falls back to a missing file.
		var rest []embedding.GalleryItem
		for _, it := range items {
			if it.ID != "A" {
				rest = append(rest, it)
			}
		}
		if err := e.Prepare(ctx, rest); err != nil {
			t.Fatal(err)
		}
		if err := os.Remove(items[0].Path); err != nil {
			t.Fatal(err)
		}

		_, err := e.Run(ctx)
		if !errors.IsImageDecode(err) {
			t.Errorf("expected image decode error, got %v", err)
		}
	})

	t.Run("model failure", func(t *testing.T) {
		broken := &fakeExtractor{vectors: map[string]embedding.Vector{
			"B": {1, 0}, "C": {1, 0}, "D": {1, 0}, "A": {1, 0},
		}}
		e, _ := NewEvaluator(idx, broken, nil, Config{TopK: 4, ImagesDir: images})
		if err := e.Prepare(ctx, items[1:]); err != nil {
			t.Fatal(err)
		}
		delete(broken.vectors, "D")

		_, err := e.EvaluateSubset(ctx, groundtruth.SubsetValid)
		if !errors.IsModelExecution(err) {
			t.Errorf("expected model execution error, got %v", err)
		}
		if err == nil || !strings.Contains(err.Error(), "land_2") {
			t.Errorf("error should name the query: %v", err)
		}
	})

	t.Run("cancelled", func(t *testing.T) {
		e, _ := NewEvaluator(idx, ext, nil, Config{TopK: 4, ImagesDir: images})
		if err := e.Prepare(ctx, items[1:]); err != nil {
			t.Fatal(err)
		}
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		if _, err := e.EvaluateSubset(cctx, groundtruth.SubsetTrain); err == nil {
			t.Error("expected context error")
		}
	})

	t.Run("bad subset", func(t *testing.T) {
		e, _ := NewEvaluator(idx, ext, nil, Config{TopK: 4, ImagesDir: images})
		if err := e.Prepare(ctx, items[1:]); err != nil {
			t.Fatal(err)
		}
		if _, err := e.EvaluateSubset(ctx, groundtruth.Subset("test")); err == nil {
			t.Error("expected error for unknown subset")
		}
	})
}

func TestNewEvaluator_Validation(t *testing.T) {
	idx, _, _, ext := landmarkFixture(t)

	tests := []struct {
		name  string
		index *groundtruth.Index
		ext   Extractor
		cfg   Config
	}{
		{"nil index", nil, ext, Config{TopK: 1}},
		{"nil extractor", idx, nil, Config{TopK: 1}},
		{"zero k", idx, ext, Config{TopK: 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEvaluator(tt.index, tt.ext, nil, tt.cfg)
			if !errors.IsConfiguration(err) {
				t.Errorf("expected configuration error, got %v", err)
			}
		})
	}

	e, err := NewEvaluator(idx, ext, nil, Config{TopK: 1})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(e.RunID(), "run-") {
		t.Errorf("default run id = %s", e.RunID())
	}
	if e.Gallery() != nil {
		t.Error("gallery should be nil before Prepare")
	}
	if e.cfg.QueryExt != ".jpg" {
		t.Errorf("default query extension = %s", e.cfg.QueryExt)
	}
}

func TestEvaluator_RejectsUnsafeQueryID(t *testing.T) {
	idx, items, images := fixture(t, []query{
		{name: "q_1", image: "..", good: []string{"A"}},
	}, []string{"A"})
	ext := &fakeExtractor{vectors: map[string]embedding.Vector{"A": {1}}}

	e, _ := NewEvaluator(idx, ext, nil, Config{TopK: 1, ImagesDir: images})
	if err := e.Prepare(context.Background(), items); err != nil {
		t.Fatal(err)
	}
	_, err := e.EvaluateSubset(context.Background(), groundtruth.SubsetValid)
	if !errors.IsConfiguration(err) {
		t.Errorf("expected configuration error, got %v", err)
	}
	if len(ext.queried) != 0 {
		t.Error("unsafe identifier reached the extractor")
	}
}
