package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ricesearch/rice-eval/internal/bus"
	"github.com/ricesearch/rice-eval/internal/config"
	"github.com/ricesearch/rice-eval/internal/embedding"
	"github.com/ricesearch/rice-eval/internal/evaluation"
	"github.com/ricesearch/rice-eval/internal/groundtruth"
	"github.com/ricesearch/rice-eval/internal/metrics"
	"github.com/ricesearch/rice-eval/internal/ml"
	"github.com/ricesearch/rice-eval/internal/onnx"
	"github.com/ricesearch/rice-eval/internal/pkg/logger"
	"github.com/ricesearch/rice-eval/internal/pkg/security"
	"github.com/ricesearch/rice-eval/internal/ranking"
)

func evaluateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Compute train and valid mAP of a model",
		Long: `Embed every gallery image, then rank and score each query of the
train and valid subsets.

Examples:
  rice-eval evaluate --model triplet.onnx
  rice-eval evaluate --mock --labels-dir gt_files --images-dir images
  rice-eval evaluate -c eval.yaml --similarity cosine --output run.json`,
		RunE: runEvaluate,
	}

	cmd.Flags().String("labels-dir", "", "ground truth directory (overrides config)")
	cmd.Flags().String("images-dir", "", "gallery image directory (overrides config)")
	cmd.Flags().String("model", "", "ONNX model path (overrides config)")
	cmd.Flags().IntP("top-k", "k", 0, "ranked results scored per query (overrides config)")
	cmd.Flags().String("similarity", "", "similarity: dot or cosine (overrides config)")
	cmd.Flags().Bool("mock", false, "use the deterministic mock model")
	cmd.Flags().StringP("output", "o", "", "write per-query results as JSON to this file")
	cmd.Flags().String("format", "text", "summary format (text, json)")
	cmd.Flags().Bool("no-color", false, "disable colored output")

	return cmd
}

// loadConfig reads .env, the config file and the command line overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	// An absent .env is fine
	_ = godotenv.Load()

	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	flags := cmd.Flags()
	if v, _ := flags.GetString("labels-dir"); v != "" {
		cfg.Data.LabelsDir = v
	}
	if v, _ := flags.GetString("images-dir"); v != "" {
		cfg.Data.ImagesDir = v
	}
	if v, _ := flags.GetString("model"); v != "" {
		cfg.Model.Path = v
	}
	if flags.Changed("top-k") {
		cfg.Eval.TopK, _ = flags.GetInt("top-k")
	}
	if v, _ := flags.GetString("similarity"); v != "" {
		cfg.Eval.Similarity = v
	}
	if v, _ := flags.GetBool("mock"); v {
		cfg.Model.Mock = true
	}
	if v, _ := flags.GetBool("verbose"); v {
		cfg.Log.Level = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runEvaluate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	output, _ := cmd.Flags().GetString("output")
	format, _ := cmd.Flags().GetString("format")
	noColor, _ := cmd.Flags().GetBool("no-color")

	log := logger.New(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	// Ground truth and gallery
	gtOpts := groundtruth.DefaultOptions()
	gtOpts.ValidPerGroup = cfg.Eval.ValidPerGroup
	index, err := groundtruth.Load(cfg.Data.LabelsDir, gtOpts)
	if err != nil {
		return err
	}
	items, err := embedding.GalleryFromDir(cfg.Data.ImagesDir, cfg.Data.ImageExtensions())
	if err != nil {
		return err
	}
	log.Info("Dataset loaded", "queries", index.Len(), "gallery", len(items))

	// Model
	rt, err := onnx.NewRuntime(ml.RuntimeConfigFrom(cfg.Model))
	if err != nil {
		return fmt.Errorf("failed to initialize ONNX runtime: %w", err)
	}
	defer func() { _ = rt.Close() }()

	embedder, err := ml.NewImageEmbedder(rt, cfg.Model, log)
	if err != nil {
		return err
	}
	defer func() { _ = embedder.Close() }()

	cache, err := ml.NewCache(cfg.Cache, m)
	if err != nil {
		return err
	}
	defer func() { _ = cache.Close() }()
	if cfg.Cache.Type == "redis" {
		log.Info("Initialized vector cache", "type", cfg.Cache.Type, "url", security.RedactURL(cfg.Cache.RedisURL))
	} else {
		log.Info("Initialized vector cache", "type", cfg.Cache.Type)
	}

	extractor, err := embedding.NewExtractor(embedder, embedding.Config{
		ResizeShort:        cfg.Eval.ResizeShort,
		CropSize:           cfg.Eval.CropSize,
		BatchSize:          cfg.Eval.BatchSize,
		Workers:            cfg.Eval.Workers,
		SkipCorruptGallery: cfg.Eval.SkipCorruptGallery,
		ModelID:            cfg.Model.ID,
	},
		embedding.WithCache(cache),
		embedding.WithLogger(log),
		embedding.WithRecorder(m),
	)
	if err != nil {
		return err
	}

	similarity, err := ranking.ParseSimilarity(cfg.Eval.Similarity)
	if err != nil {
		return err
	}

	// Events
	eventBus, err := bus.NewBus(cfg.Bus, m, log)
	if err != nil {
		return err
	}
	defer func() { _ = eventBus.Close() }()
	log.Info("Initialized event bus", "type", cfg.Bus.Type)

	evaluator, err := evaluation.NewEvaluator(index, extractor, ranking.NewRanker(similarity),
		evaluation.Config{
			TopK:      cfg.Eval.TopK,
			ImagesDir: cfg.Data.ImagesDir,
			ModelID:   cfg.Model.ID,
		},
		evaluation.WithBus(eventBus),
		evaluation.WithRecorder(m),
		evaluation.WithLogger(log),
	)
	if err != nil {
		return err
	}

	if err := evaluator.Prepare(ctx, items); err != nil {
		return err
	}
	run, err := evaluator.Run(ctx)
	if err != nil {
		return err
	}

	previous := compareHistory(ctx, cfg, run, log)

	if cfg.Metrics.TextfilePath != "" {
		if err := m.WriteTextfile(cfg.Metrics.TextfilePath); err != nil {
			log.WithError(err).Warn("Failed to write metrics textfile")
		}
	}

	if output != "" {
		if err := writeJSON(output, run); err != nil {
			return err
		}
		log.Info("Wrote results", "path", output)
	}

	if format == "json" {
		return encodeJSON(os.Stdout, run)
	}
	printSummary(os.Stdout, run, previous, !noColor)
	return nil
}

// compareHistory loads the previous mAP of each subset and stores this
// run's. History failures only produce warnings.
func compareHistory(ctx context.Context, cfg *config.Config, run *evaluation.RunResult, log *logger.Logger) map[string]metrics.DataPoint {
	if cfg.Metrics.HistoryURL == "" {
		return nil
	}

	history, err := metrics.NewRedisHistory(cfg.Metrics.HistoryURL)
	if err != nil {
		log.WithError(err).Warn("Run history unavailable", "url", security.RedactURL(cfg.Metrics.HistoryURL))
		return nil
	}
	defer func() { _ = history.Close() }()

	previous := make(map[string]metrics.DataPoint)
	now := time.Now()
	for _, sr := range []*evaluation.SubsetResult{run.Train, run.Valid} {
		key := metrics.HistoryKey(run.ModelID, string(sr.Subset))

		if dp, ok, err := metrics.Previous(ctx, history, key, run.RunID); err != nil {
			log.WithError(err).Warn("Failed to load run history", "subset", sr.Subset)
		} else if ok {
			previous[string(sr.Subset)] = dp
		}

		if err := history.Save(ctx, key, metrics.DataPoint{Timestamp: now, RunID: run.RunID, Value: sr.MAP()}); err != nil {
			log.WithError(err).Warn("Failed to save run history", "subset", sr.Subset)
		}
	}
	return previous
}
