package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"

	"github.com/ricesearch/rice-eval/internal/evaluation"
	"github.com/ricesearch/rice-eval/internal/metrics"
)

// printSummary writes the mAP table. previous holds the last recorded mAP
// per subset and may be nil.
func printSummary(w io.Writer, run *evaluation.RunResult, previous map[string]metrics.DataPoint, colored bool) {
	header := color.New(color.FgCyan, color.Bold)
	value := color.New(color.FgGreen, color.Bold)
	up := color.New(color.FgGreen)
	down := color.New(color.FgRed)
	for _, c := range []*color.Color{header, value, up, down} {
		if colored {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}

	header.Fprintf(w, "\nmAP@%d  model=%s  similarity=%s  gallery=%d\n",
		run.Train.TopK, run.ModelID, run.Similarity, run.GallerySize)

	for _, sr := range []*evaluation.SubsetResult{run.Train, run.Valid} {
		fmt.Fprintf(w, "  %-6s ", sr.Subset)
		value.Fprintf(w, "%.4f", sr.MAP())
		fmt.Fprintf(w, "  (%d queries, P@k %.3f, R@k %.3f)", sr.Summary.QueryCount, sr.Summary.MeanPrecision, sr.Summary.MeanRecall)

		if prev, ok := previous[string(sr.Subset)]; ok {
			delta := sr.MAP() - prev.Value
			switch {
			case delta > 0:
				up.Fprintf(w, "  +%.4f vs %s", delta, prev.RunID)
			case delta < 0:
				down.Fprintf(w, "  %.4f vs %s", delta, prev.RunID)
			default:
				fmt.Fprintf(w, "  unchanged vs %s", prev.RunID)
			}
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "  took %s\n", run.Duration.Round(time.Millisecond))
}

func encodeJSON(w io.Writer, run *evaluation.RunResult) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(run)
}

func writeJSON(path string, run *evaluation.RunResult) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating results file: %w", err)
	}
	if err := encodeJSON(f, run); err != nil {
		_ = f.Close()
		return fmt.Errorf("writing results: %w", err)
	}
	return f.Close()
}
