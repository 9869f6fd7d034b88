package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures every setting the NILM engine and its tools read.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Logging        LoggingConfig        `yaml:"logging"`
	Storage        StorageConfig        `yaml:"storage"`
	HomeAssistant  HomeAssistantConfig  `yaml:"home_assistant"`
	DataCollection DataCollectionConfig `yaml:"data_collection"`
	EventDetection EventDetectionConfig `yaml:"event_detection"`
	NILMModel      NILMModelConfig      `yaml:"nilm_model"`
	Kafka          KafkaConfig          `yaml:"kafka"`
}

// ServerConfig controls the gRPC, HTTP and metrics listeners.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	HTTPAddress     string        `yaml:"httpAddress"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
	File  string `yaml:"file"`
}

// StorageConfig locates partition files and the model database.
type StorageConfig struct {
	DataDir string `yaml:"dataDir"`
	ModelDB string `yaml:"modelDB"`
}

// HomeAssistantConfig configures the power sensor source.
type HomeAssistantConfig struct {
	URL      string        `yaml:"url"`
	Token    string        `yaml:"token"`
	EntityID string        `yaml:"entity_id"`
	Timeout  time.Duration `yaml:"timeout"`
}

// DataCollectionConfig controls the polling loop.
type DataCollectionConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Interval     time.Duration `yaml:"interval"`
	SaveInterval int           `yaml:"save_interval"`
	MaxSamples   int           `yaml:"max_samples"`
	RetryDelay   time.Duration `yaml:"retry_delay"`
}

// EventDetectionConfig holds the detector parameters.
type EventDetectionConfig struct {
	Threshold       float64 `yaml:"threshold"`
	MinPeakDistance int     `yaml:"min_peak_distance"`
}

// NILMModelConfig holds the clustering parameters.
type NILMModelConfig struct {
	NAppliances int `yaml:"n_appliances"`
}

// KafkaConfig enables publishing of events and label updates.
type KafkaConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Brokers     []string `yaml:"brokers"`
	EventsTopic string   `yaml:"eventsTopic"`
	LabelsTopic string   `yaml:"labelsTopic"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("NILM_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the detector, model or collector cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.EventDetection.Threshold <= 0 {
		errs = append(errs, fmt.Errorf("event_detection.threshold must be > 0, got %v", c.EventDetection.Threshold))
	}
	if c.EventDetection.MinPeakDistance < 1 {
		errs = append(errs, fmt.Errorf("event_detection.min_peak_distance must be >= 1, got %d", c.EventDetection.MinPeakDistance))
	}
	if c.NILMModel.NAppliances < 1 {
		errs = append(errs, fmt.Errorf("nilm_model.n_appliances must be >= 1, got %d", c.NILMModel.NAppliances))
	}
	if strings.TrimSpace(c.Storage.DataDir) == "" {
		errs = append(errs, errors.New("storage.dataDir must not be empty"))
	}
	if c.DataCollection.Enabled {
		if c.HomeAssistant.URL == "" || c.HomeAssistant.EntityID == "" {
			errs = append(errs, errors.New("home_assistant.url and home_assistant.entity_id are required when collection is enabled"))
		}
		if c.DataCollection.Interval <= 0 {
			errs = append(errs, errors.New("data_collection.interval must be > 0"))
		}
		if c.DataCollection.SaveInterval < 1 {
			errs = append(errs, errors.New("data_collection.save_interval must be >= 1"))
		}
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("kafka.brokers must not be empty when kafka is enabled"))
	}
	return errors.Join(errs...)
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":50051",
			HTTPAddress:     ":5000",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Storage: StorageConfig{
			DataDir: "data/raw",
			ModelDB: "data/models/nilm.db",
		},
		HomeAssistant: HomeAssistantConfig{Timeout: 10 * time.Second},
		DataCollection: DataCollectionConfig{
			Interval:     time.Second,
			SaveInterval: 60,
			MaxSamples:   86400,
			RetryDelay:   5 * time.Second,
		},
		EventDetection: EventDetectionConfig{Threshold: 50, MinPeakDistance: 5},
		NILMModel:      NILMModelConfig{NAppliances: 5},
		Kafka: KafkaConfig{
			EventsTopic: "nilm.events",
			LabelsTopic: "nilm.labels",
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("NILM_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("NILM_HTTP_ADDRESS"); v != "" {
		cfg.Server.HTTPAddress = v
	}
	if v := os.Getenv("NILM_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("NILM_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("NILM_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("NILM_LOG_FILE"); v != "" {
		cfg.Logging.File = v
	}
	if v := os.Getenv("NILM_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("NILM_MODEL_DB"); v != "" {
		cfg.Storage.ModelDB = v
	}
	if v := os.Getenv("NILM_HA_URL"); v != "" {
		cfg.HomeAssistant.URL = v
	}
	if v := os.Getenv("NILM_HA_TOKEN"); v != "" {
		cfg.HomeAssistant.Token = v
	}
	if v := os.Getenv("NILM_HA_ENTITY_ID"); v != "" {
		cfg.HomeAssistant.EntityID = v
	}
	if v := os.Getenv("NILM_COLLECTION_ENABLED"); v != "" {
		cfg.DataCollection.Enabled = parseBool(v)
	}
	if v := os.Getenv("NILM_COLLECTION_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.DataCollection.Interval = d
		}
	}
	if v := os.Getenv("NILM_EVENT_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.EventDetection.Threshold = f
		}
	}
	if v := os.Getenv("NILM_MIN_PEAK_DISTANCE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.EventDetection.MinPeakDistance = n
		}
	}
	if v := os.Getenv("NILM_N_APPLIANCES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.NILMModel.NAppliances = n
		}
	}
	if v := os.Getenv("NILM_KAFKA_ENABLED"); v != "" {
		cfg.Kafka.Enabled = parseBool(v)
	}
	if v := os.Getenv("NILM_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = splitList(v)
	}
}

func parseBool(v string) bool {
	return strings.EqualFold(v, "true") || v == "1"
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
