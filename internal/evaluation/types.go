package evaluation

import (
	"time"

	"github.com/ricesearch/rice-eval/internal/groundtruth"
)

// QueryResult holds the scores of a single query.
type QueryResult struct {
	Query     string   `json:"query"`
	Image     string   `json:"image"`
	AP        float64  `json:"ap"`
	Precision float64  `json:"precision_at_k"`
	Recall    float64  `json:"recall_at_k"`
	Relevant  int      `json:"relevant"`
	Retrieved int      `json:"retrieved"`
	Top       []string `json:"top,omitempty"` // first ranked identifiers, for diagnostics
}

// SubsetSummary aggregates query results.
type SubsetSummary struct {
	QueryCount    int     `json:"query_count"`
	MAP           float64 `json:"map"`
	MeanPrecision float64 `json:"mean_precision_at_k"`
	MeanRecall    float64 `json:"mean_recall_at_k"`
}

// SubsetResult is the evaluation of one subset.
type SubsetResult struct {
	Subset   groundtruth.Subset `json:"subset"`
	TopK     int                `json:"top_k"`
	Queries  []*QueryResult     `json:"queries"`
	Summary  SubsetSummary      `json:"summary"`
	Duration time.Duration      `json:"duration_ns"`
}

// MAP returns the mean average precision of the subset.
func (r *SubsetResult) MAP() float64 {
	return r.Summary.MAP
}

// APs returns the per-query average precision in query order.
func (r *SubsetResult) APs() []float64 {
	aps := make([]float64, len(r.Queries))
	for i, q := range r.Queries {
		aps[i] = q.AP
	}
	return aps
}

// RunResult holds the train and valid evaluations of one run.
type RunResult struct {
	RunID       string        `json:"run_id"`
	ModelID     string        `json:"model_id"`
	Similarity  string        `json:"similarity"`
	GallerySize int           `json:"gallery_size"`
	Train       *SubsetResult `json:"train"`
	Valid       *SubsetResult `json:"valid"`
	Duration    time.Duration `json:"duration_ns"`
}

// Event payloads.

type queryScoredPayload struct {
	Subset string       `json:"subset"`
	Result *QueryResult `json:"result"`
}

type subsetCompletedPayload struct {
	Subset  string        `json:"subset"`
	Summary SubsetSummary `json:"summary"`
}

type runCompletedPayload struct {
	ModelID  string  `json:"model_id"`
	TrainMAP float64 `json:"train_map"`
	ValidMAP float64 `json:"valid_map"`
}
