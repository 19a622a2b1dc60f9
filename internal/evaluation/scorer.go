package evaluation

import (
	"github.com/ricesearch/rice-eval/internal/groundtruth"
	"github.com/ricesearch/rice-eval/internal/ranking"
)

// Label is the judgment of one ranked identifier.
type Label int8

const (
	// LabelSkip marks a junk item. It is counted neither as a hit nor as a
	// position.
	LabelSkip Label = -1
	// LabelIncorrect marks an unlisted or ignored item.
	LabelIncorrect Label = 0
	// LabelCorrect marks a good or ok item.
	LabelCorrect Label = 1
)

func (l Label) String() string {
	switch l {
	case LabelSkip:
		return "skip"
	case LabelCorrect:
		return "correct"
	default:
		return "incorrect"
	}
}

// LabelOf classifies one identifier against a query's ground truth.
func LabelOf(id string, set *groundtruth.Set) Label {
	switch set.Class(id) {
	case groundtruth.ClassGood, groundtruth.ClassOk:
		return LabelCorrect
	case groundtruth.ClassJunk:
		return LabelSkip
	default:
		return LabelIncorrect
	}
}

// Labels classifies a ranked identifier list.
func Labels(ids []string, set *groundtruth.Set) []Label {
	labels := make([]Label, len(ids))
	for i, id := range ids {
		labels[i] = LabelOf(id, set)
	}
	return labels
}

// walk visits the counted positions among the first k labels, passing the
// hits and positions seen so far.
func walk(labels []Label, k int, visit func(l Label, correct, total int)) (correct, total int) {
	if k > len(labels) {
		k = len(labels)
	}
	for _, l := range labels[:max(k, 0)] {
		if l == LabelSkip {
			continue
		}
		total++
		if l == LabelCorrect {
			correct++
		}
		if visit != nil {
			visit(l, correct, total)
		}
	}
	return correct, total
}

// AveragePrecisionAtK sums the precision at every hit within the first k
// labels and divides by the number of relevant items of the query. It is 0
// when the query has no relevant items.
func AveragePrecisionAtK(labels []Label, relevant, k int) float64 {
	if relevant <= 0 {
		return 0
	}

	var sum float64
	walk(labels, k, func(l Label, correct, total int) {
		if l == LabelCorrect {
			sum += float64(correct) / float64(total)
		}
	})
	return sum / float64(relevant)
}

// PrecisionAtK is the share of hits among the counted positions within the
// first k labels.
func PrecisionAtK(labels []Label, k int) float64 {
	correct, total := walk(labels, k, nil)
	if total == 0 {
		return 0
	}
	return float64(correct) / float64(total)
}

// RecallAtK is the share of the relevant items found within the first k
// labels.
func RecallAtK(labels []Label, relevant, k int) float64 {
	if relevant <= 0 {
		return 0
	}
	correct, _ := walk(labels, k, nil)
	return float64(correct) / float64(relevant)
}

// ScoreQuery returns the average precision of a ranked result.
func ScoreQuery(result ranking.Result, set *groundtruth.Set, k int) float64 {
	return AveragePrecisionAtK(Labels(result.IDs(), set), set.RelevantCount(), k)
}
