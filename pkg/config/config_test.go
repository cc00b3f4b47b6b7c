package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// clearEnv unsets every variable Load looks at so the host environment can't leak in.
func clearEnv(t *testing.T) {
	t.Helper()
	for key := range envKeys {
		t.Setenv(strings.ToUpper(key), "")
	}
	t.Setenv("PORT", "")
	t.Setenv(PathEnvVar, "")
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Addr != ":3001" {
		t.Errorf("Server.Addr = %q, want :3001", cfg.Server.Addr)
	}
	if cfg.Storage.Type != "memory" {
		t.Errorf("Storage.Type = %q, want memory", cfg.Storage.Type)
	}
	if cfg.Storage.FilePath != "logs/security.log" {
		t.Errorf("Storage.FilePath = %q, want logs/security.log", cfg.Storage.FilePath)
	}
	if cfg.Storage.MemoryCapacity != 1000 {
		t.Errorf("Storage.MemoryCapacity = %d, want 1000", cfg.Storage.MemoryCapacity)
	}
	if cfg.Detection.RateLimitThreshold != 10 {
		t.Errorf("RateLimitThreshold = %d, want 10", cfg.Detection.RateLimitThreshold)
	}
	if cfg.Detection.Window() != time.Minute {
		t.Errorf("Window() = %v, want 1m", cfg.Detection.Window())
	}
	if cfg.Storage.APITimeout() != 5*time.Second {
		t.Errorf("APITimeout() = %v, want 5s", cfg.Storage.APITimeout())
	}
	if cfg.Server.RateLimitRequests != 100 || cfg.Server.RateLimitWindow() != 15*time.Minute {
		t.Errorf("API rate limit = %d/%v, want 100/15m", cfg.Server.RateLimitRequests, cfg.Server.RateLimitWindow())
	}
	if !cfg.Server.AutoCapture {
		t.Error("AutoCapture should default to true")
	}
	if cfg.Detection.MaxFingerprints != 0 {
		t.Errorf("MaxFingerprints = %d, want 0", cfg.Detection.MaxFingerprints)
	}
	if len(cfg.Kafka.Brokers) != 1 || cfg.Kafka.Brokers[0] != "localhost:9092" {
		t.Errorf("Kafka.Brokers = %v, want [localhost:9092]", cfg.Kafka.Brokers)
	}
	if cfg.Metrics.Enabled {
		t.Error("Metrics should be disabled by default")
	}
	if cfg.TestMode {
		t.Error("TestMode should be false by default")
	}
}

func TestLoadFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("SERVER_ADDR", ":8080")
	t.Setenv("LOG_STORAGE_TYPE", "file")
	t.Setenv("LOG_FILE_PATH", "/tmp/reqwatch/security.log")
	t.Setenv("RATE_LIMIT_THRESHOLD", "25")
	t.Setenv("RATE_LIMIT_WINDOW", "30000")
	t.Setenv("MEMORY_LOG_CAPACITY", "50")
	t.Setenv("MAX_TRACKED_FINGERPRINTS", "5000")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092 ,")
	t.Setenv("AUTO_CAPTURE", "no")
	t.Setenv("METRICS_ENABLED", "yes")
	t.Setenv("LOG_FORMAT", "console")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Addr != ":8080" {
		t.Errorf("Server.Addr = %q, want :8080", cfg.Server.Addr)
	}
	if cfg.Storage.Type != "file" || cfg.Storage.FilePath != "/tmp/reqwatch/security.log" {
		t.Errorf("Storage = %+v", cfg.Storage)
	}
	if cfg.Detection.RateLimitThreshold != 25 {
		t.Errorf("RateLimitThreshold = %d, want 25", cfg.Detection.RateLimitThreshold)
	}
	if cfg.Detection.Window() != 30*time.Second {
		t.Errorf("Window() = %v, want 30s", cfg.Detection.Window())
	}
	if cfg.Storage.MemoryCapacity != 50 {
		t.Errorf("MemoryCapacity = %d, want 50", cfg.Storage.MemoryCapacity)
	}
	if cfg.Detection.MaxFingerprints != 5000 {
		t.Errorf("MaxFingerprints = %d, want 5000", cfg.Detection.MaxFingerprints)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[0] != "k1:9092" || cfg.Kafka.Brokers[1] != "k2:9092" {
		t.Errorf("Kafka.Brokers = %v", cfg.Kafka.Brokers)
	}
	if cfg.Server.AutoCapture {
		t.Error("AUTO_CAPTURE=no should disable capture")
	}
	if !cfg.Metrics.Enabled {
		t.Error("METRICS_ENABLED=yes should enable metrics")
	}
	if cfg.Logging.Format != "console" {
		t.Errorf("Logging.Format = %q, want console", cfg.Logging.Format)
	}
}

func TestLoadPortFallback(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "5000")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Addr != ":5000" {
		t.Errorf("Server.Addr = %q, want :5000", cfg.Server.Addr)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "unknown storage type", env: map[string]string{"LOG_STORAGE_TYPE": "postgres"}},
		{name: "zero threshold", env: map[string]string{"RATE_LIMIT_THRESHOLD": "0"}},
		{name: "zero window", env: map[string]string{"RATE_LIMIT_WINDOW": "0"}},
		{name: "negative capacity", env: map[string]string{"MEMORY_LOG_CAPACITY": "-1"}},
		{name: "bad url", env: map[string]string{"EXTERNAL_LOG_API_URL": "not a url"}},
		{name: "bad boolean", env: map[string]string{"AUTO_CAPTURE": "maybe"}},
		{name: "bad log format", env: map[string]string{"LOG_FORMAT": "xml"}},
		{name: "non-numeric threshold", env: map[string]string{"RATE_LIMIT_THRESHOLD": "ten"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Error("Load() should fail")
			}
		})
	}
}

func TestParseBool(t *testing.T) {
	tests := []struct {
		in     string
		want   bool
		wantOK bool
	}{
		{"1", true, true},
		{"t", true, true},
		{"TRUE", true, true},
		{" Yes ", true, true},
		{"y", true, true},
		{"0", false, true},
		{"f", false, true},
		{"false", false, true},
		{"no", false, true},
		{"N", false, true},
		{"maybe", false, false},
		{"", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := parseBool(tt.in)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("parseBool(%q) = (%v, %v), want (%v, %v)", tt.in, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestDefaultsValidate(t *testing.T) {
	if err := Defaults().Validate(); err != nil {
		t.Errorf("Defaults().Validate() = %v", err)
	}
}

func TestLoadConfigFile(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "reqwatch.yaml")
	yml := `storage:
  type: file
  file_path: /var/log/reqwatch.log
detection:
  rate_limit_threshold: 25
kafka:
  brokers:
    - k1:9092
    - k2:9092
metrics:
  enabled: true
`
	if err := os.WriteFile(path, []byte(yml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(PathEnvVar, path)
	t.Setenv("RATE_LIMIT_THRESHOLD", "30")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Storage.Type != "file" || cfg.Storage.FilePath != "/var/log/reqwatch.log" {
		t.Errorf("Storage = %+v, want file at /var/log/reqwatch.log", cfg.Storage)
	}
	if cfg.Detection.RateLimitThreshold != 30 {
		t.Errorf("RateLimitThreshold = %d, want 30 (env beats file)", cfg.Detection.RateLimitThreshold)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "k2:9092" {
		t.Errorf("Kafka.Brokers = %v", cfg.Kafka.Brokers)
	}
	if !cfg.Metrics.Enabled {
		t.Error("Metrics.Enabled should come from the file")
	}
	if cfg.Server.Addr != ":3001" {
		t.Errorf("Server.Addr = %q, want default", cfg.Server.Addr)
	}
}

func TestLoadMissingConfigFile(t *testing.T) {
	clearEnv(t)
	t.Setenv(PathEnvVar, filepath.Join(t.TempDir(), "absent.yaml"))

	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "config file") {
		t.Errorf("Load() error = %v, want config file error", err)
	}
}
