package evaluation

import (
	"math"
	"math/rand"
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/ricesearch/rice-eval/internal/groundtruth"
	"github.com/ricesearch/rice-eval/internal/ranking"
)

func mustSet(t *testing.T, good, ok, junk, ignore []string) *groundtruth.Set {
	t.Helper()
	s, err := groundtruth.NewSet("q_1", "q", good, ok, junk, ignore)
	if err != nil {
		t.Fatalf("NewSet() error = %v", err)
	}
	return s
}

func result(ids ...string) ranking.Result {
	r := make(ranking.Result, len(ids))
	for i, id := range ids {
		r[i] = ranking.Match{Index: i, ID: id}
	}
	return r
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestLabels(t *testing.T) {
	set := mustSet(t, []string{"B"}, []string{"E"}, []string{"C"}, []string{"F"})

	got := Labels([]string{"C", "B", "A", "D", "E", "F"}, set)
	want := []Label{LabelSkip, LabelCorrect, LabelIncorrect, LabelIncorrect, LabelCorrect, LabelIncorrect}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Labels() = %v, want %v", got, want)
	}
}

func TestLabel_String(t *testing.T) {
	tests := map[Label]string{
		LabelSkip:      "skip",
		LabelCorrect:   "correct",
		LabelIncorrect: "incorrect",
	}
	for l, want := range tests {
		if got := l.String(); got != want {
			t.Errorf("Label(%d).String() = %s, want %s", l, got, want)
		}
	}
}

func TestScoreQuery_JunkBeforeHit(t *testing.T) {
	// gallery [A,B,C,D], good={B}, junk={C}, ranked [C,B,A,D]
	set := mustSet(t, []string{"B"}, nil, []string{"C"}, nil)
	ranked := result("C", "B", "A", "D")

	labels := Labels(ranked.IDs(), set)
	want := []Label{LabelSkip, LabelCorrect, LabelIncorrect, LabelIncorrect}
	if !reflect.DeepEqual(labels, want) {
		t.Fatalf("labels = %v, want %v", labels, want)
	}

	if p := PrecisionAtK(labels, 2); p != 1 {
		t.Errorf("precision at B = %v, want 1", p)
	}
	if ap := ScoreQuery(ranked, set, 4); ap != 1.0 {
		t.Errorf("AP = %v, want 1.0", ap)
	}
}

func TestScoreQuery_EmptyRelevantSet(t *testing.T) {
	set := mustSet(t, nil, nil, nil, nil)
	if ap := ScoreQuery(result("A", "B", "C"), set, 3); ap != 0 {
		t.Errorf("AP = %v, want 0", ap)
	}

	// The query still counts towards the mean.
	summary := Summarize([]*QueryResult{{AP: 1}, {AP: 0}})
	if summary.QueryCount != 2 || summary.MAP != 0.5 {
		t.Errorf("Summarize() = %+v, want 2 queries and mAP 0.5", summary)
	}
}

func TestAveragePrecisionAtK(t *testing.T) {
	C, I, S := LabelCorrect, LabelIncorrect, LabelSkip

	tests := []struct {
		name     string
		labels   []Label
		relevant int
		k        int
		want     float64
	}{
		{"all relevant first", []Label{C, C, I, I}, 2, 4, 1},
		{"hits at 1 and 3", []Label{C, I, C, I}, 2, 4, (1 + 2.0/3) / 2},
		{"missed relevant item", []Label{C, I, I, I}, 2, 4, 0.5},
		{"no hits", []Label{I, I, I}, 3, 3, 0},
		{"hit beyond k", []Label{I, I, C}, 1, 2, 0},
		{"junk between hits", []Label{C, S, S, C}, 2, 4, 1},
		{"k larger than list", []Label{I, C}, 1, 50, 0.5},
		{"zero relevant", []Label{C, C}, 0, 2, 0},
		{"zero k", []Label{C}, 1, 0, 0},
		{"empty labels", nil, 4, 10, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AveragePrecisionAtK(tt.labels, tt.relevant, tt.k)
			if !almostEqual(got, tt.want) {
				t.Errorf("AveragePrecisionAtK() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestScoreQuery_OkCountsAsRelevant(t *testing.T) {
	set := mustSet(t, []string{"A"}, []string{"B"}, nil, []string{"C"})
	if ap := ScoreQuery(result("A", "B", "C"), set, 3); ap != 1 {
		t.Errorf("AP = %v, want 1", ap)
	}
	// ignore is judged incorrect
	if ap := ScoreQuery(result("C", "A", "B"), set, 3); !almostEqual(ap, (0.5+2.0/3)/2) {
		t.Errorf("AP with ignore first = %v", ap)
	}
}

func TestPrecisionAndRecallAtK(t *testing.T) {
	C, I, S := LabelCorrect, LabelIncorrect, LabelSkip
	labels := []Label{S, C, I, C, S, I}

	tests := []struct {
		k             int
		wantPrecision float64
		wantRecall    float64
	}{
		{1, 0, 0},
		{2, 1, 1.0 / 3},
		{4, 2.0 / 3, 2.0 / 3},
		{6, 0.5, 2.0 / 3},
		{100, 0.5, 2.0 / 3},
	}

	for _, tt := range tests {
		if got := PrecisionAtK(labels, tt.k); !almostEqual(got, tt.wantPrecision) {
			t.Errorf("PrecisionAtK(k=%d) = %v, want %v", tt.k, got, tt.wantPrecision)
		}
		if got := RecallAtK(labels, 3, tt.k); !almostEqual(got, tt.wantRecall) {
			t.Errorf("RecallAtK(k=%d) = %v, want %v", tt.k, got, tt.wantRecall)
		}
	}

	if got := RecallAtK(labels, 0, 6); got != 0 {
		t.Errorf("RecallAtK() with no relevant = %v, want 0", got)
	}
}

func TestSummarize(t *testing.T) {
	if s := Summarize(nil); s.QueryCount != 0 || s.MAP != 0 {
		t.Errorf("Summarize(nil) = %+v", s)
	}

	one := Summarize([]*QueryResult{{AP: 0.37, Precision: 0.5, Recall: 0.25}})
	if one.MAP != 0.37 {
		t.Errorf("one-query mAP = %v, want its AP 0.37", one.MAP)
	}
	if one.MeanPrecision != 0.5 || one.MeanRecall != 0.25 {
		t.Errorf("one-query means = %+v", one)
	}
}

func TestAveragePrecision_Properties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	labelsFrom := func(bits []bool) []Label {
		labels := make([]Label, len(bits))
		for i, b := range bits {
			if b {
				labels[i] = LabelCorrect
			}
		}
		return labels
	}

	properties.Property("junk insertion leaves AP unchanged", prop.ForAll(
		func(bits []bool, seed int64, junk int) bool {
			labels := labelsFrom(bits)
			relevant := 0
			for _, l := range labels {
				if l == LabelCorrect {
					relevant++
				}
			}
			relevant++ // one relevant item never retrieved

			rng := rand.New(rand.NewSource(seed))
			withJunk := append([]Label(nil), labels...)
			for i := 0; i < junk; i++ {
				at := rng.Intn(len(withJunk) + 1)
				withJunk = append(withJunk[:at], append([]Label{LabelSkip}, withJunk[at:]...)...)
			}

			k := len(withJunk)
			return almostEqual(
				AveragePrecisionAtK(labels, relevant, k),
				AveragePrecisionAtK(withJunk, relevant, k),
			)
		},
		gen.SliceOf(gen.Bool()), gen.Int64(), gen.IntRange(0, 10),
	))

	properties.Property("AP is within [0, 1]", prop.ForAll(
		func(bits []bool, extra int) bool {
			labels := labelsFrom(bits)
			relevant := extra
			for _, l := range labels {
				if l == LabelCorrect {
					relevant++
				}
			}
			ap := AveragePrecisionAtK(labels, relevant, len(labels))
			return ap >= 0 && ap <= 1
		},
		gen.SliceOf(gen.Bool()), gen.IntRange(0, 5),
	))

	properties.Property("AP is 1 when all relevant items lead", prop.ForAll(
		func(relevant, irrelevant int) bool {
			labels := make([]Label, relevant+irrelevant)
			for i := 0; i < relevant; i++ {
				labels[i] = LabelCorrect
			}
			return AveragePrecisionAtK(labels, relevant, len(labels)) == 1
		},
		gen.IntRange(1, 20), gen.IntRange(0, 20),
	))

	properties.TestingRun(t)
}
