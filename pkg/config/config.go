package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Storage   StorageConfig   `koanf:"storage"`
	Detection DetectionConfig `koanf:"detection"`
	Dispatch  DispatchConfig  `koanf:"dispatch"`
	Kafka     KafkaConfig     `koanf:"kafka"`
	Logging   LoggingConfig   `koanf:"logging"`
	Metrics   MetricsConfig   `koanf:"metrics"`
	TestMode  bool            `koanf:"test_mode"`
}

type ServerConfig struct {
	Addr         string `koanf:"addr" validate:"required"`
	MaxBodyBytes int64  `koanf:"max_body_bytes" validate:"gt=0"` // bytes for /api/log/* payloads
	AutoCapture  bool   `koanf:"auto_capture"`                   // store a page_view for every non-API request

	// Per-IP cap in front of the /api routes; 0 requests disables it.
	RateLimitRequests int   `koanf:"rate_limit_requests" validate:"gte=0"`
	RateLimitWindowMS int64 `koanf:"rate_limit_window_ms" validate:"gte=0"`
}

type StorageConfig struct {
	Type           string `koanf:"type" validate:"oneof=memory file api kafka"`
	FilePath       string `koanf:"file_path" validate:"required_if=Type file"`
	APIURL         string `koanf:"api_url" validate:"omitempty,url"` // empty: api writes fall back to memory
	APITimeoutMS   int64  `koanf:"api_timeout_ms" validate:"gt=0"`
	MemoryCapacity int    `koanf:"memory_capacity" validate:"gt=0"`
}

type DetectionConfig struct {
	RateLimitThreshold int   `koanf:"rate_limit_threshold" validate:"gt=0"`
	RateLimitWindowMS  int64 `koanf:"rate_limit_window_ms" validate:"gt=0"`
	MaxFingerprints    int   `koanf:"max_fingerprints" validate:"gte=0"` // 0 = unbounded
	SweepIntervalMS    int64 `koanf:"sweep_interval_ms" validate:"gte=0"`
}

type DispatchConfig struct {
	QueueSize int `koanf:"queue_size" validate:"gt=0"`
	Workers   int `koanf:"workers" validate:"gt=0,lte=64"`
}

type KafkaConfig struct {
	Brokers       []string `koanf:"brokers"`
	Topic         string   `koanf:"topic"`
	Acks          string   `koanf:"acks"`
	Compression   string   `koanf:"compression"`
	SASLMechanism string   `koanf:"sasl_mechanism"`
	SASLUser      string   `koanf:"sasl_user"`
	SASLPassword  string   `koanf:"sasl_password"`
	TLSCAPath     string   `koanf:"tls_ca"`
	TLSSkipVerify bool     `koanf:"tls_skip_verify"`
}

type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format" validate:"oneof=json console"`
}

type MetricsConfig struct {
	Enabled    bool   `koanf:"enabled"`
	Addr       string `koanf:"addr" validate:"required_if=Enabled true"`
	TLSCert    string `koanf:"tls_cert"`
	TLSKey     string `koanf:"tls_key"`
	ClientCA   string `koanf:"client_ca"`
	RequireTLS bool   `koanf:"require_tls"`
}

func (s ServerConfig) RateLimitWindow() time.Duration {
	return time.Duration(s.RateLimitWindowMS) * time.Millisecond
}

func (s StorageConfig) APITimeout() time.Duration {
	return time.Duration(s.APITimeoutMS) * time.Millisecond
}

func (d DetectionConfig) Window() time.Duration {
	return time.Duration(d.RateLimitWindowMS) * time.Millisecond
}

func (d DetectionConfig) SweepInterval() time.Duration {
	return time.Duration(d.SweepIntervalMS) * time.Millisecond
}

// Defaults returns the configuration used when no environment overrides are set.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Addr:              ":3001",
			MaxBodyBytes:      1 << 20, // 1 MiB
			AutoCapture:       true,
			RateLimitRequests: 100,
			RateLimitWindowMS: 15 * 60 * 1000,
		},
		Storage: StorageConfig{
			Type:           "memory",
			FilePath:       "logs/security.log",
			APITimeoutMS:   5000,
			MemoryCapacity: 1000,
		},
		Detection: DetectionConfig{
			RateLimitThreshold: 10,
			RateLimitWindowMS:  60000,
			SweepIntervalMS:    60000,
		},
		Dispatch: DispatchConfig{
			QueueSize: 1024,
			Workers:   2,
		},
		Kafka: KafkaConfig{
			Brokers: []string{"localhost:9092"},
			Topic:   "reqwatch.logs",
			Acks:    "all",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Addr: "127.0.0.1:9090",
		},
	}
}

// envKeys maps environment variables onto koanf paths. Anything not listed is ignored.
var envKeys = map[string]string{
	"server_addr":              "server.addr",
	"max_body_bytes":           "server.max_body_bytes",
	"auto_capture":             "server.auto_capture",
	"api_rate_limit_requests":  "server.rate_limit_requests",
	"api_rate_limit_window_ms": "server.rate_limit_window_ms",

	"log_storage_type":            "storage.type",
	"log_file_path":               "storage.file_path",
	"external_log_api_url":        "storage.api_url",
	"external_log_api_timeout_ms": "storage.api_timeout_ms",
	"memory_log_capacity":         "storage.memory_capacity",

	"rate_limit_threshold":     "detection.rate_limit_threshold",
	"rate_limit_window":        "detection.rate_limit_window_ms",
	"max_tracked_fingerprints": "detection.max_fingerprints",
	"tracker_sweep_interval":   "detection.sweep_interval_ms",

	"dispatch_queue_size": "dispatch.queue_size",
	"dispatch_workers":    "dispatch.workers",

	"kafka_brokers":         "kafka.brokers",
	"kafka_topic":           "kafka.topic",
	"kafka_acks":            "kafka.acks",
	"kafka_compression":     "kafka.compression",
	"kafka_sasl_mechanism":  "kafka.sasl_mechanism",
	"kafka_sasl_user":       "kafka.sasl_user",
	"kafka_sasl_password":   "kafka.sasl_password",
	"kafka_tls_ca":          "kafka.tls_ca",
	"kafka_tls_skip_verify": "kafka.tls_skip_verify",

	"log_level":  "logging.level",
	"log_format": "logging.format",

	"metrics_enabled":     "metrics.enabled",
	"metrics_addr":        "metrics.addr",
	"metrics_tls_cert":    "metrics.tls_cert",
	"metrics_tls_key":     "metrics.tls_key",
	"metrics_client_ca":   "metrics.client_ca",
	"metrics_require_tls": "metrics.require_tls",

	"test_mode": "test_mode",
}

var boolPaths = []string{
	"server.auto_capture",
	"kafka.tls_skip_verify",
	"metrics.enabled",
	"metrics.require_tls",
	"test_mode",
}

var slicePaths = []string{
	"kafka.brokers",
}

// envValue maps a variable onto its koanf path. Empty values count as unset.
func envValue(key, value string) (string, interface{}) {
	if strings.TrimSpace(value) == "" {
		return "", nil
	}
	return envKeys[strings.ToLower(key)], value
}

// PathEnvVar names an optional YAML file layered between the defaults and the
// environment. Its keys are the koanf paths, e.g. storage.type.
const PathEnvVar = "REQWATCH_CONFIG"

// Load builds the configuration from defaults, the optional config file and
// environment variables, in increasing precedence, and validates it.
func Load() (Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Defaults(), "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("failed to load defaults: %w", err)
	}
	if path := strings.TrimSpace(os.Getenv(PathEnvVar)); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}
	if err := k.Load(env.ProviderWithValue("", ".", envValue), nil); err != nil {
		return Config{}, fmt.Errorf("failed to load environment: %w", err)
	}
	if err := normalizeBools(k); err != nil {
		return Config{}, err
	}
	if err := splitSlices(k); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	// PORT is what most PaaS platforms inject.
	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" && os.Getenv("SERVER_ADDR") == "" {
		cfg.Server.Addr = ":" + port
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	return nil
}

func parseBool(v string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "t", "true", "y", "yes":
		return true, true
	case "0", "f", "false", "n", "no":
		return false, true
	}
	return false, false
}

// normalizeBools accepts the yes/no spellings the env parser would reject.
func normalizeBools(k *koanf.Koanf) error {
	for _, path := range boolPaths {
		s, ok := k.Get(path).(string)
		if !ok {
			continue
		}
		b, ok := parseBool(s)
		if !ok {
			return fmt.Errorf("invalid boolean %q for %s", s, path)
		}
		if err := k.Set(path, b); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}

func splitSlices(k *koanf.Koanf) error {
	for _, path := range slicePaths {
		s, ok := k.Get(path).(string)
		if !ok || s == "" {
			continue
		}
		parts := strings.Split(s, ",")
		out := make([]string, 0, len(parts))
		for _, part := range parts {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if err := k.Set(path, out); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}
