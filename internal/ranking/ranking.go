// Package ranking orders gallery rows by similarity to a query vector.
package ranking

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/ricesearch/rice-eval/internal/embedding"
	"github.com/ricesearch/rice-eval/internal/pkg/errors"
)

// Similarity selects the scoring function.
type Similarity string

const (
	// SimilarityDot scores by raw inner product.
	SimilarityDot Similarity = "dot"
	// SimilarityCosine L2-normalizes query and rows before the product.
	SimilarityCosine Similarity = "cosine"
)

// ParseSimilarity validates a similarity name. Empty means dot.
func ParseSimilarity(s string) (Similarity, error) {
	switch Similarity(s) {
	case "", SimilarityDot:
		return SimilarityDot, nil
	case SimilarityCosine:
		return SimilarityCosine, nil
	default:
		return "", errors.ConfigurationErrorf("unknown similarity: %s", s)
	}
}

// Match is one retrieved gallery image.
type Match struct {
	Index int
	ID    string
	Score float64
}

// Result is a ranked list, best first.
type Result []Match

// IDs returns the identifiers in rank order.
func (r Result) IDs() []string {
	ids := make([]string, len(r))
	for i, m := range r {
		ids[i] = m.ID
	}
	return ids
}

// Ranker scores a query against a gallery matrix.
type Ranker struct {
	mode Similarity
}

// NewRanker creates a ranker.
func NewRanker(mode Similarity) *Ranker {
	if mode == "" {
		mode = SimilarityDot
	}
	return &Ranker{mode: mode}
}

// Mode returns the similarity mode.
func (r *Ranker) Mode() Similarity {
	return r.mode
}

// Rank returns the k gallery rows most similar to query. k larger than the
// gallery is clipped. Equal scores keep gallery order.
func (r *Ranker) Rank(query embedding.Vector, m *embedding.Matrix, k int) (Result, error) {
	if k <= 0 {
		return nil, errors.ConfigurationErrorf("top-k must be positive, got %d", k)
	}
	if m == nil || m.Len() == 0 {
		return nil, errors.ConfigurationError("gallery matrix is empty")
	}
	if len(query) != m.Dim() {
		return nil, errors.ConfigurationError(fmt.Sprintf("query dimension %d does not match gallery dimension %d", len(query), m.Dim()))
	}

	if j := embedding.NonFinite(query); j >= 0 {
		return nil, errors.ConfigurationErrorf("query component %d is not finite", j)
	}

	scores := r.scores(query, m)

	order := make([]int, len(scores))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return before(scores[order[a]], scores[order[b]])
	})

	k = min(k, len(order))
	result := make(Result, k)
	for i, idx := range order[:k] {
		result[i] = Match{Index: idx, ID: m.ID(idx), Score: scores[idx]}
	}
	return result, nil
}

func (r *Ranker) scores(query embedding.Vector, m *embedding.Matrix) []float64 {
	q := make([]float64, len(query))
	for i, v := range query {
		q[i] = float64(v)
	}

	g := m.Dense()
	if r.mode == SimilarityCosine {
		unitize(q)
		rows, cols := g.Dims()
		normed := mat.NewDense(rows, cols, nil)
		normed.Copy(g)
		for i := 0; i < rows; i++ {
			unitize(normed.RawRowView(i))
		}
		g = normed
	}

	var out mat.VecDense
	out.MulVec(g, mat.NewVecDense(len(q), q))

	scores := make([]float64, out.Len())
	for i := range scores {
		scores[i] = out.AtVec(i)
	}
	return scores
}

// before orders scores descending with NaN after every number.
func before(a, b float64) bool {
	if math.IsNaN(b) {
		return !math.IsNaN(a)
	}
	return a > b
}

// unitize scales v to unit L2 norm in place. Zero vectors are left as is.
func unitize(v []float64) {
	if n := floats.Norm(v, 2); n > 0 {
		floats.Scale(1/n, v)
	}
}
