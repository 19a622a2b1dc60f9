// Package config handles configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/ricesearch/rice-eval/internal/pkg/errors"
)

// Config holds all application configuration.
type Config struct {
	// Dataset locations
	Data DataConfig `yaml:"data"`

	// Embedding model
	Model ModelConfig `yaml:"model"`

	// Evaluation parameters
	Eval EvalConfig `yaml:"eval"`

	// Gallery vector cache
	Cache CacheConfig `yaml:"cache"`

	// Event bus configuration
	Bus BusConfig `yaml:"bus"`

	// Logging configuration
	Log LogConfig `yaml:"log"`

	// Metrics export
	Metrics MetricsConfig `yaml:"metrics"`
}

// DataConfig holds dataset locations.
type DataConfig struct {
	LabelsDir string `envconfig:"RICE_EVAL_LABELS_DIR" yaml:"labels_dir"`
	ImagesDir string `envconfig:"RICE_EVAL_IMAGES_DIR" yaml:"images_dir"`
	// ImageExts lists the gallery file extensions, comma separated.
	ImageExts string `envconfig:"RICE_EVAL_IMAGE_EXTS" yaml:"image_exts"`
}

// ModelConfig holds embedding model settings.
type ModelConfig struct {
	Path           string `envconfig:"RICE_EVAL_MODEL_PATH" yaml:"path"`
	ID             string `envconfig:"RICE_EVAL_MODEL_ID" yaml:"id"` // used in cache keys
	Device         string `envconfig:"RICE_EVAL_DEVICE" yaml:"device"`
	CUDADevice     int    `envconfig:"RICE_EVAL_CUDA_DEVICE" yaml:"cuda_device"`
	LibraryPath    string `envconfig:"ONNX_RUNTIME_LIB" yaml:"library_path"`
	InputName      string `envconfig:"RICE_EVAL_MODEL_INPUT" yaml:"input_name"`
	OutputName     string `envconfig:"RICE_EVAL_MODEL_OUTPUT" yaml:"output_name"`
	EmbedDim       int    `envconfig:"RICE_EVAL_EMBED_DIM" yaml:"embed_dim"`
	IntraOpThreads int    `envconfig:"RICE_EVAL_INTRA_OP_THREADS" yaml:"intra_op_threads"`
	Mock           bool   `envconfig:"RICE_EVAL_MOCK_ML" yaml:"mock"`
}

// EvalConfig holds retrieval and scoring settings.
type EvalConfig struct {
	TopK               int    `envconfig:"RICE_EVAL_TOP_K" yaml:"top_k"`
	BatchSize          int    `envconfig:"RICE_EVAL_BATCH_SIZE" yaml:"batch_size"`
	Workers            int    `envconfig:"RICE_EVAL_WORKERS" yaml:"workers"`
	ResizeShort        int    `envconfig:"RICE_EVAL_RESIZE" yaml:"resize"`
	CropSize           int    `envconfig:"RICE_EVAL_CROP" yaml:"crop"`
	Similarity         string `envconfig:"RICE_EVAL_SIMILARITY" yaml:"similarity"`
	ValidPerGroup      int    `envconfig:"RICE_EVAL_VALID_PER_GROUP" yaml:"valid_per_group"`
	SkipCorruptGallery bool   `envconfig:"RICE_EVAL_SKIP_CORRUPT_GALLERY" yaml:"skip_corrupt_gallery"`
}

// CacheConfig holds gallery vector cache settings.
type CacheConfig struct {
	Type     string `envconfig:"RICE_EVAL_CACHE_TYPE" yaml:"type"`
	Size     int    `envconfig:"RICE_EVAL_CACHE_SIZE" yaml:"size"`
	TTL      int    `envconfig:"RICE_EVAL_CACHE_TTL" yaml:"ttl"` // seconds, 0 = no expiry
	RedisURL string `envconfig:"RICE_EVAL_REDIS_URL" yaml:"redis_url"`
}

// BusConfig holds event bus settings.
type BusConfig struct {
	Type         string `envconfig:"RICE_EVAL_BUS_TYPE" yaml:"type"`
	KafkaBrokers string `envconfig:"RICE_EVAL_KAFKA_BROKERS" yaml:"kafka_brokers"`
	TopicPrefix  string `envconfig:"RICE_EVAL_TOPIC_PREFIX" yaml:"topic_prefix"`
	// EventLog, when set, appends every published event as a JSON line.
	EventLog string `envconfig:"RICE_EVAL_EVENT_LOG" yaml:"event_log"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `envconfig:"RICE_EVAL_LOG_LEVEL" yaml:"level"`
	Format string `envconfig:"RICE_EVAL_LOG_FORMAT" yaml:"format"`
}

// MetricsConfig holds metrics export settings.
type MetricsConfig struct {
	// TextfilePath, when set, receives the registry in Prometheus text
	// format after the run (node_exporter textfile collector).
	TextfilePath string `envconfig:"RICE_EVAL_METRICS_FILE" yaml:"textfile_path"`
	// HistoryURL, when set, stores each run's mAP in Redis.
	HistoryURL string `envconfig:"RICE_EVAL_HISTORY_REDIS_URL" yaml:"history_redis_url"`
}

// Load loads configuration from environment variables and optional config file.
func Load(configPath string) (*Config, error) {
	cfg := &Config{}

	// Set defaults first
	setDefaults(cfg)

	// Load from YAML file if provided (overrides defaults)
	if configPath != "" {
		if err := loadFromFile(cfg, configPath); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	// Override with environment variables (highest priority)
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("processing env config: %w", err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() (*Config, error) {
	return Load("")
}

func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

// Default returns a configuration populated with defaults only.
func Default() *Config {
	cfg := &Config{}
	setDefaults(cfg)
	return cfg
}

func setDefaults(cfg *Config) {
	cfg.Data = DataConfig{
		LabelsDir: "./data/oxbuild/gt_files",
		ImagesDir: "./data/oxbuild/images",
		ImageExts: ".jpg,.jpeg,.png",
	}

	cfg.Model = ModelConfig{
		ID:             "triplet-resnet",
		Device:         "cpu",
		InputName:      "images",
		OutputName:     "embeddings",
		EmbedDim:       0, // taken from the model output
		IntraOpThreads: 0,
	}

	cfg.Eval = EvalConfig{
		TopK:          50,
		BatchSize:     12,
		Workers:       4,
		ResizeShort:   280,
		CropSize:      256,
		Similarity:    "dot",
		ValidPerGroup: 1,
	}

	cfg.Cache = CacheConfig{
		Type:     "none",
		Size:     100000,
		TTL:      0,
		RedisURL: "redis://localhost:6379",
	}

	cfg.Bus = BusConfig{
		Type:        "none",
		TopicPrefix: "rice-eval",
	}

	cfg.Log = LogConfig{
		Level:  "info",
		Format: "text",
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []string

	// Model validation
	validDevices := map[string]bool{"cpu": true, "cuda": true, "tensorrt": true}
	if !validDevices[c.Model.Device] {
		errs = append(errs, fmt.Sprintf("invalid model device: %s (must be cpu, cuda, or tensorrt)", c.Model.Device))
	}

	if c.Model.EmbedDim < 0 {
		errs = append(errs, "embed_dim must not be negative")
	}

	// Eval validation
	if c.Eval.TopK < 1 {
		errs = append(errs, "top_k must be positive")
	}

	if c.Eval.BatchSize < 1 {
		errs = append(errs, "batch_size must be positive")
	}

	if c.Eval.Workers < 1 {
		errs = append(errs, "workers must be positive")
	}

	if c.Eval.CropSize < 1 {
		errs = append(errs, "crop must be positive")
	}

	if c.Eval.ResizeShort < c.Eval.CropSize {
		errs = append(errs, "resize must be at least crop")
	}

	validSimilarity := map[string]bool{"dot": true, "cosine": true}
	if !validSimilarity[c.Eval.Similarity] {
		errs = append(errs, fmt.Sprintf("invalid similarity: %s (must be dot or cosine)", c.Eval.Similarity))
	}

	if c.Eval.ValidPerGroup < 0 {
		errs = append(errs, "valid_per_group must not be negative")
	}

	// Cache validation
	validCacheTypes := map[string]bool{"none": true, "memory": true, "redis": true}
	if !validCacheTypes[c.Cache.Type] {
		errs = append(errs, fmt.Sprintf("invalid cache type: %s (must be none, memory or redis)", c.Cache.Type))
	}

	// Bus validation
	validBusTypes := map[string]bool{"none": true, "memory": true, "kafka": true}
	if !validBusTypes[c.Bus.Type] {
		errs = append(errs, fmt.Sprintf("invalid bus type: %s (must be none, memory or kafka)", c.Bus.Type))
	}

	if c.Bus.Type == "kafka" && strings.TrimSpace(c.Bus.KafkaBrokers) == "" {
		errs = append(errs, "kafka_brokers is required for the kafka bus")
	}

	// Log validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("invalid log level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		errs = append(errs, fmt.Sprintf("invalid log format: %s (must be text or json)", c.Log.Format))
	}

	if len(errs) > 0 {
		return errors.ConfigurationErrorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// ImageExtensions returns the configured gallery extensions, lower-cased.
func (d DataConfig) ImageExtensions() []string {
	var exts []string
	for _, ext := range strings.Split(d.ImageExts, ",") {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		exts = append(exts, ext)
	}
	return exts
}

// KafkaBrokerList splits the comma separated broker list.
func (b BusConfig) KafkaBrokerList() []string {
	var brokers []string
	for _, broker := range strings.Split(b.KafkaBrokers, ",") {
		if broker = strings.TrimSpace(broker); broker != "" {
			brokers = append(brokers, broker)
		}
	}
	return brokers
}
