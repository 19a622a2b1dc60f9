package bus

import (
	"strings"

	"github.com/ricesearch/rice-eval/internal/config"
	"github.com/ricesearch/rice-eval/internal/pkg/errors"
	"github.com/ricesearch/rice-eval/internal/pkg/logger"
)

// NewBus creates a new Bus instance based on the configuration. When
// cfg.EventLog is set the bus also appends every event to that file.
// metrics is optional and can be nil.
func NewBus(cfg config.BusConfig, metrics MetricsRecorder, log *logger.Logger) (Bus, error) {
	var b Bus
	switch strings.ToLower(cfg.Type) {
	case "none", "":
		b = Nop{}

	case "memory":
		b = NewMemoryBus(log)

	case "kafka":
		brokers := cfg.KafkaBrokerList()
		if len(brokers) == 0 {
			return nil, errors.ConfigurationError("kafka brokers not configured")
		}

		kb, err := NewKafkaBus(KafkaConfig{
			Brokers:     brokers,
			TopicPrefix: cfg.TopicPrefix,
		})
		if err != nil {
			return nil, err
		}
		b = kb

	default:
		return nil, errors.ConfigurationErrorf("unknown bus type: %s", cfg.Type)
	}

	if cfg.EventLog != "" {
		el, err := NewEventLogger(cfg.EventLog, true)
		if err != nil {
			_ = b.Close()
			return nil, err
		}
		b = NewLoggedBus(b, el, log)
	}

	if metrics != nil {
		b = NewInstrumentedBus(b, metrics)
	}
	return b, nil
}
