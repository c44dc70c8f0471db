package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// TelemetryConfig controls the OpenTelemetry provider.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Config struct {
	DataDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// DBPath locates the SQLite file. Empty means <DataDir>/runs.sqlite3.
	DBPath string `yaml:"db_path"`

	// StaticDir is the root served for GET requests that match no API route.
	StaticDir string `yaml:"static_dir"`

	Telemetry TelemetryConfig `yaml:"telemetry"`
}

func defaultConfig() Config {
	return Config{
		BindAddr:  "127.0.0.1:8080",
		LogLevel:  "info",
		StaticDir: ".",
		Telemetry: TelemetryConfig{
			Exporter:    "otlp-http",
			ServiceName: "duelog",
			SampleRate:  1.0,
		},
	}
}

// DataDir returns the data directory, honoring the DUELOG_HOME override.
// The store file lives beside the process by default.
func DataDir() string {
	if override := os.Getenv("DUELOG_HOME"); override != "" {
		return override
	}
	return "."
}

// ConfigPath returns the path to config.yaml within the given data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, "config.yaml")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.DataDir = DataDir()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create data dir: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.DataDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:8080"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if strings.TrimSpace(cfg.StaticDir) == "" {
		cfg.StaticDir = "."
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "runs.sqlite3")
	}
	if cfg.Telemetry.Exporter == "" {
		cfg.Telemetry.Exporter = "otlp-http"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "duelog"
	}
	if cfg.Telemetry.SampleRate <= 0 {
		cfg.Telemetry.SampleRate = 1.0
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("DUELOG_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("DUELOG_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("DUELOG_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("DUELOG_STATIC_DIR"); raw != "" {
		cfg.StaticDir = raw
	}
	if raw := os.Getenv("DUELOG_TELEMETRY_ENABLED"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Telemetry.Enabled = v
		}
	}
}

// Fingerprint returns a stable hash of the active config, logged at startup
// so a running process can be matched to the config it loaded.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|db=%s|static=%s|otel=%t",
		c.BindAddr, c.LogLevel, c.DBPath, c.StaticDir, c.Telemetry.Enabled)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
