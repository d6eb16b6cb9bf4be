package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Client   ClientConfig   `yaml:"client"`
	Log      LogConfig      `yaml:"log"`

	// DevMode is set by JOURNALSYNC_DEV_MODE=true.
	DevMode bool `yaml:"-"`
}

// DevJWTSecret signs tokens in dev mode when no secret is configured.
const DevJWTSecret = "journalsync-dev-secret"

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig contains the server store settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig contains token settings.
type AuthConfig struct {
	JWTSecret string   `yaml:"-"` // env-only, never in YAML
	TokenTTL  Duration `yaml:"token_ttl"`
}

// ClientConfig contains device-side sync settings.
type ClientConfig struct {
	RemoteURL       string   `yaml:"remote_url"`
	Token           string   `yaml:"-"` // env-only, never in YAML
	LocalPath       string   `yaml:"local_path"`
	RequestTimeout  Duration `yaml:"request_timeout"`
	MaxRetries      int      `yaml:"max_retries"`
	BackoffBase     Duration `yaml:"backoff_base"`
	BackoffMax      Duration `yaml:"backoff_max"`
	MaxAttempts     int      `yaml:"max_attempts"`
	ConflictLogSize int      `yaml:"conflict_log_size"`
	PushDebounce    Duration `yaml:"push_debounce"`
	PullInterval    Duration `yaml:"pull_interval"`
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

// SigningSecret returns the JWT secret, falling back to DevJWTSecret in
// dev mode.
func (c *Config) SigningSecret() string {
	if c.Auth.JWTSecret == "" && c.DevMode {
		return DevJWTSecret
	}
	return c.Auth.JWTSecret
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Load loads configuration with precedence: defaults → YAML file → env vars.
// Returns an immutable Config suitable for concurrent read access.
func Load() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("JOURNALSYNC_CONFIG_PATH", "config/journalsync.yaml")

	// Missing file is not an error
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
			Path: "data/journalsync-server.db",
		},
		Auth: AuthConfig{
			TokenTTL: Duration(time.Hour),
		},
		Client: ClientConfig{
			LocalPath:       "data/journalsync-device.db",
			RequestTimeout:  Duration(30 * time.Second),
			MaxRetries:      4,
			BackoffBase:     Duration(500 * time.Millisecond),
			BackoffMax:      Duration(30 * time.Second),
			MaxAttempts:     5,
			ConflictLogSize: 100,
			PushDebounce:    Duration(2 * time.Second),
			PullInterval:    Duration(5 * time.Minute),
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

func envDuration(key string, dst *Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	cfg.DevMode = os.Getenv("JOURNALSYNC_DEV_MODE") == "true"

	// Server
	envInt("JOURNALSYNC_PORT", &cfg.Server.Port)
	envDuration("JOURNALSYNC_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	envDuration("JOURNALSYNC_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	envDuration("JOURNALSYNC_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)

	// Database
	envString("JOURNALSYNC_DB_PATH", &cfg.Database.Path)

	// Auth
	envString("JOURNALSYNC_JWT_SECRET", &cfg.Auth.JWTSecret)
	envDuration("JOURNALSYNC_TOKEN_TTL", &cfg.Auth.TokenTTL)

	// Client
	envString("JOURNALSYNC_REMOTE_URL", &cfg.Client.RemoteURL)
	envString("JOURNALSYNC_TOKEN", &cfg.Client.Token)
	envString("JOURNALSYNC_LOCAL_PATH", &cfg.Client.LocalPath)
	envDuration("JOURNALSYNC_REQUEST_TIMEOUT", &cfg.Client.RequestTimeout)
	envInt("JOURNALSYNC_MAX_RETRIES", &cfg.Client.MaxRetries)
	envInt("JOURNALSYNC_MAX_ATTEMPTS", &cfg.Client.MaxAttempts)
	envDuration("JOURNALSYNC_PUSH_DEBOUNCE", &cfg.Client.PushDebounce)
	envDuration("JOURNALSYNC_PULL_INTERVAL", &cfg.Client.PullInterval)

	// Log
	envString("JOURNALSYNC_LOG_LEVEL", &cfg.Log.Level)
	envString("JOURNALSYNC_LOG_FORMAT", &cfg.Log.Format)
}

// validate checks that required configuration values are set.
// In dev mode (JOURNALSYNC_DEV_MODE=true), secret validation is skipped.
func (c *Config) validate() error {
	if c.Client.MaxAttempts < 1 {
		return fmt.Errorf("client.max_attempts must be at least 1, got %d", c.Client.MaxAttempts)
	}
	if c.Client.MaxRetries < 0 {
		return fmt.Errorf("client.max_retries must not be negative, got %d", c.Client.MaxRetries)
	}

	if c.DevMode {
		return nil
	}

	if c.Auth.JWTSecret == "" {
		return errors.New("JOURNALSYNC_JWT_SECRET is required")
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
