package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Sync      SyncConfig      `yaml:"sync"`
	Responder ResponderConfig `yaml:"responder"`
	Snapshot  SnapshotConfig  `yaml:"snapshot"`
	Worker    WorkerConfig    `yaml:"worker"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig contains database settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// SyncConfig tunes the sync engine and websocket layer.
type SyncConfig struct {
	// QueueCapacity bounds pending write actions per user before further
	// submissions block.
	QueueCapacity int `yaml:"queue_capacity"`
	// WriteTimeout bounds a single outbound websocket frame write.
	WriteTimeout Duration `yaml:"write_timeout"`
	// SendBuffer is the per-connection outbound frame buffer; a client
	// that falls further behind is disconnected.
	SendBuffer int `yaml:"send_buffer"`
}

// ResponderConfig contains assistant reply generation settings.
type ResponderConfig struct {
	APIKey string `yaml:"-"` // env-only, never in YAML
	Model  string `yaml:"model"`
}

// Enabled reports whether reply generation is configured.
func (c ResponderConfig) Enabled() bool { return c.APIKey != "" }

// SnapshotConfig contains S3-compatible snapshot upload settings.
type SnapshotConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"-"` // env-only, never in YAML
	SecretKey string `yaml:"-"` // env-only, never in YAML
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// Enabled reports whether snapshot uploads are configured.
func (c SnapshotConfig) Enabled() bool { return c.Endpoint != "" && c.Bucket != "" }

// WorkerConfig contains background worker settings.
type WorkerConfig struct {
	SnapshotInterval Duration `yaml:"snapshot_interval"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Load loads configuration with precedence: defaults → YAML file → env vars.
// Returns an immutable Config suitable for concurrent read access.
func Load() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("UNDERTOW_CONFIG_PATH", "config/undertow.yaml")

	// Missing file is not an error; defaults apply.
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a specific path.
// Used for testing and explicit path specification.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Database: DatabaseConfig{
			Path: "data/undertow.db",
		},
		Sync: SyncConfig{
			QueueCapacity: 64,
			WriteTimeout:  Duration(10 * time.Second),
			SendBuffer:    256,
		},
		Responder: ResponderConfig{
			Model: "gpt-4o-mini",
		},
		Snapshot: SnapshotConfig{
			Region: "us-east-1",
			UseSSL: true,
		},
		Worker: WorkerConfig{
			SnapshotInterval: Duration(1 * time.Hour),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Server
	if v := os.Getenv("UNDERTOW_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("UNDERTOW_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ReadTimeout = Duration(d)
		}
	}
	if v := os.Getenv("UNDERTOW_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.WriteTimeout = Duration(d)
		}
	}
	if v := os.Getenv("UNDERTOW_SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ShutdownTimeout = Duration(d)
		}
	}

	// Database
	if v := os.Getenv("UNDERTOW_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// Sync
	if v := os.Getenv("UNDERTOW_QUEUE_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sync.QueueCapacity = n
		}
	}
	if v := os.Getenv("UNDERTOW_SYNC_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.WriteTimeout = Duration(d)
		}
	}
	if v := os.Getenv("UNDERTOW_SEND_BUFFER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sync.SendBuffer = n
		}
	}

	// Responder (OPENAI_API_KEY is industry convention)
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.Responder.APIKey = v
	}
	if v := os.Getenv("UNDERTOW_RESPONDER_MODEL"); v != "" {
		cfg.Responder.Model = v
	}

	// Snapshot
	if v := os.Getenv("UNDERTOW_SNAPSHOT_ENDPOINT"); v != "" {
		cfg.Snapshot.Endpoint = v
	}
	if v := os.Getenv("UNDERTOW_SNAPSHOT_BUCKET"); v != "" {
		cfg.Snapshot.Bucket = v
	}
	if v := os.Getenv("UNDERTOW_SNAPSHOT_ACCESS_KEY"); v != "" {
		cfg.Snapshot.AccessKey = v
	}
	if v := os.Getenv("UNDERTOW_SNAPSHOT_SECRET_KEY"); v != "" {
		cfg.Snapshot.SecretKey = v
	}
	if v := os.Getenv("UNDERTOW_SNAPSHOT_REGION"); v != "" {
		cfg.Snapshot.Region = v
	}
	if v := os.Getenv("UNDERTOW_SNAPSHOT_USE_SSL"); v != "" {
		cfg.Snapshot.UseSSL = v == "true" || v == "1"
	}

	// Worker
	if v := os.Getenv("UNDERTOW_SNAPSHOT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Worker.SnapshotInterval = Duration(d)
		}
	}

	// Log
	if v := os.Getenv("UNDERTOW_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("UNDERTOW_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

// validate checks configuration invariants. Reply generation and snapshot
// uploads are optional features; their absence is not an error.
func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}
	if c.Snapshot.Enabled() && (c.Snapshot.AccessKey == "" || c.Snapshot.SecretKey == "") {
		return fmt.Errorf("snapshot upload configured without credentials")
	}
	return nil
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
