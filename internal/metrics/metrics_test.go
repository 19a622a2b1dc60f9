package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ricesearch/rice-eval/internal/bus"
	"github.com/ricesearch/rice-eval/internal/embedding"
	"github.com/ricesearch/rice-eval/internal/evaluation"
	"github.com/ricesearch/rice-eval/internal/ml"
)

var (
	_ embedding.Recorder  = (*Metrics)(nil)
	_ ml.CacheMetrics     = (*Metrics)(nil)
	_ bus.MetricsRecorder = (*Metrics)(nil)
	_ evaluation.Recorder = (*Metrics)(nil)
	_ History             = (*RedisHistory)(nil)
)

func TestMetrics_Embedding(t *testing.T) {
	m := New()

	m.RecordImagesEmbedded("gallery", 12)
	m.RecordImagesEmbedded("gallery", 3)
	m.RecordImagesEmbedded("query", 1)
	m.RecordGallerySkipped()
	m.ObserveBatch(40 * time.Millisecond)

	if got := testutil.ToFloat64(m.ImagesEmbedded.WithLabelValues("gallery")); got != 15 {
		t.Errorf("gallery images = %v, want 15", got)
	}
	if got := testutil.ToFloat64(m.ImagesEmbedded.WithLabelValues("query")); got != 1 {
		t.Errorf("query images = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.GallerySkipped); got != 1 {
		t.Errorf("skipped = %v, want 1", got)
	}
	if n := testutil.CollectAndCount(m.BatchLatency); n != 1 {
		t.Errorf("batch latency series = %d, want 1", n)
	}
}

func TestMetrics_Cache(t *testing.T) {
	m := New()

	m.RecordCacheHit("memory")
	m.RecordCacheHit("memory")
	m.RecordCacheMiss("memory")
	m.UpdateCacheSize("memory", 7)

	if got := testutil.ToFloat64(m.CacheRequests.WithLabelValues("memory", "hit")); got != 2 {
		t.Errorf("hits = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.CacheRequests.WithLabelValues("memory", "miss")); got != 1 {
		t.Errorf("misses = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.CacheSize.WithLabelValues("memory")); got != 7 {
		t.Errorf("size = %v, want 7", got)
	}
}

func TestMetrics_Scoring(t *testing.T) {
	m := New()

	m.RecordQuery("train", 1.0, time.Second)
	m.RecordQuery("train", 0.5, time.Second)
	m.RecordQuery("valid", 0.0, time.Second)
	m.SetMeanAP("train", 0.75)

	if got := testutil.ToFloat64(m.QueriesScored.WithLabelValues("train")); got != 2 {
		t.Errorf("train queries = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.MeanAP.WithLabelValues("train")); got != 0.75 {
		t.Errorf("train mAP = %v, want 0.75", got)
	}

	expected := `
# HELP rice_eval_mean_average_precision mAP of the last evaluation, by subset.
# TYPE rice_eval_mean_average_precision gauge
rice_eval_mean_average_precision{subset="train"} 0.75
`
	if err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "rice_eval_mean_average_precision"); err != nil {
		t.Error(err)
	}
}

func TestMetrics_Bus(t *testing.T) {
	m := New()

	m.RecordBusPublish("eval.query.scored", time.Millisecond, nil)
	m.RecordBusPublish("eval.query.scored", time.Millisecond, os.ErrClosed)

	if got := testutil.ToFloat64(m.BusPublishes.WithLabelValues("eval.query.scored", "ok")); got != 1 {
		t.Errorf("ok publishes = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.BusPublishes.WithLabelValues("eval.query.scored", "error")); got != 1 {
		t.Errorf("failed publishes = %v, want 1", got)
	}
}

func TestMetrics_WriteTextfile(t *testing.T) {
	m := New()
	m.SetMeanAP("valid", 0.42)

	path := filepath.Join(t.TempDir(), "rice_eval.prom")
	if err := m.WriteTextfile(path); err != nil {
		t.Fatalf("WriteTextfile() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `rice_eval_mean_average_precision{subset="valid"} 0.42`) {
		t.Errorf("textfile missing mAP gauge:\n%s", data)
	}

	if err := m.WriteTextfile(filepath.Join(t.TempDir(), "missing", "x.prom")); err == nil {
		t.Error("WriteTextfile() into a missing directory should fail")
	}
}

func TestMetrics_SeparateRegistries(t *testing.T) {
	// Two instances must not collide on registration
	a, b := New(), New()
	a.RecordGallerySkipped()
	if testutil.ToFloat64(b.GallerySkipped) != 0 {
		t.Error("metrics instances share state")
	}
}
