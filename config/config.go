// Package config loads the flowforge.yaml daemon configuration.
//
// Values come from three layers, later ones winning: built-in defaults, the
// YAML file, then FLOWFORGE_* environment variables. Command-line flags are
// applied on top by the CLI.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	projectConfigName = "flowforge.yaml"
	homeConfigDir     = ".flowforge"
	homeConfigName    = "config.yaml"
)

// Config is the full daemon configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Security  SecurityConfig  `yaml:"security"`
	Execution ExecutionConfig `yaml:"execution"`
	Schedules SchedulesConfig `yaml:"schedules"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	CORSOrigin      string        `yaml:"cors_origin"`
	MaxBody         int64         `yaml:"max_body"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// DatabaseConfig configures SQLite persistence.
type DatabaseConfig struct {
	// Path of the SQLite file; ":memory:" keeps everything in process.
	Path string `yaml:"path"`

	// EventRetention prunes stored status messages older than this. Zero keeps them.
	EventRetention time.Duration `yaml:"event_retention"`

	// MaxEventsPerExecution caps stored status messages per execution. Zero means no cap.
	MaxEventsPerExecution int `yaml:"max_events_per_execution"`
}

// RedisConfig enables cross-process status delivery. An empty Addr keeps
// the bus in process.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Enabled reports whether a Redis address is configured.
func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.Addr) != ""
}

// SecurityConfig holds secrets.
type SecurityConfig struct {
	// EncryptionKey encrypts stored credentials.
	EncryptionKey string `yaml:"encryption_key"`

	// TokenSecret signs realtime subscription tokens.
	TokenSecret string        `yaml:"token_secret"`
	TokenTTL    time.Duration `yaml:"token_ttl"`
}

// ExecutionConfig tunes the durable runtime.
type ExecutionConfig struct {
	MaxAttempts    uint          `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	Workers        int           `yaml:"workers"`
	QueueSize      int           `yaml:"queue_size"`
	HTTPTimeout    time.Duration `yaml:"http_timeout"`
}

// SchedulesConfig configures the cron scheduler.
type SchedulesConfig struct {
	Enabled      bool          `yaml:"enabled"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
	ServiceName  string `yaml:"service_name"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			CORSOrigin:      "*",
			MaxBody:         1 << 20,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    0, // streaming endpoints hold the connection open
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			Path:                  "flowforge.db",
			EventRetention:        7 * 24 * time.Hour,
			MaxEventsPerExecution: 10000,
		},
		Security: SecurityConfig{
			TokenTTL: time.Hour,
		},
		Execution: ExecutionConfig{
			MaxAttempts:    4,
			InitialBackoff: time.Second,
			MaxBackoff:     30 * time.Second,
			Workers:        4,
			QueueSize:      256,
			HTTPTimeout:    30 * time.Second,
		},
		Schedules: SchedulesConfig{
			Enabled:      true,
			PollInterval: 30 * time.Second,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "flowforge",
		},
	}
}

// Discover resolves the config file location with first-match semantics:
// the explicit path, else ./flowforge.yaml, else ~/.flowforge/config.yaml.
func Discover(explicitPath string) (string, bool, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", false, fmt.Errorf("resolve working directory: %w", err)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = ""
	}
	return DiscoverFrom(explicitPath, cwd, homeDir)
}

// DiscoverFrom is a testable variant of Discover.
func DiscoverFrom(explicitPath, cwd, homeDir string) (string, bool, error) {
	candidates := make([]string, 0, 2)
	if clean := strings.TrimSpace(explicitPath); clean != "" {
		candidates = append(candidates, filepath.Clean(clean))
	} else {
		candidates = append(candidates, filepath.Join(cwd, projectConfigName))
		if homeDir != "" {
			candidates = append(candidates, filepath.Join(homeDir, homeConfigDir, homeConfigName))
		}
	}

	for i, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate, true, nil
		}
		if errors.Is(err, os.ErrNotExist) {
			// If explicit path is set, not found is an error.
			if i == 0 && strings.TrimSpace(explicitPath) != "" {
				return "", false, fmt.Errorf("config file %q not found", candidate)
			}
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("checking config path %q: %w", candidate, err)
		}
	}
	return "", false, nil
}

// Load reads path over the defaults. ${VAR} references in the file are
// expanded from the environment before parsing.
func Load(path string) (Config, error) {
	cfg := Default()
	// #nosec G304 -- path resolved from explicit local config discovery.
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config %q: %w", path, err)
	}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %q: %w", path, err)
	}
	return cfg, nil
}

// Resolve discovers and loads the configuration, applies the environment
// and validates the result. It returns the file used, or "" when running on
// defaults.
func Resolve(explicitPath string) (Config, string, error) {
	path, found, err := Discover(explicitPath)
	if err != nil {
		return Config{}, "", err
	}
	cfg := Default()
	if found {
		cfg, err = Load(path)
		if err != nil {
			return Config{}, "", err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, "", err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, "", err
	}
	return cfg, path, nil
}

// ApplyEnv overrides fields from FLOWFORGE_* variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	var errs []error
	num := func(key string, set func(int)) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			set(n)
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("FLOWFORGE_HOST", &c.Server.Host)
	num("FLOWFORGE_PORT", func(n int) { c.Server.Port = n })
	str("FLOWFORGE_CORS_ORIGIN", &c.Server.CORSOrigin)
	str("FLOWFORGE_DATABASE_PATH", &c.Database.Path)
	str("FLOWFORGE_REDIS_ADDR", &c.Redis.Addr)
	str("FLOWFORGE_REDIS_PASSWORD", &c.Redis.Password)
	num("FLOWFORGE_REDIS_DB", func(n int) { c.Redis.DB = n })
	str("FLOWFORGE_SECRET_KEY", &c.Security.EncryptionKey)
	str("FLOWFORGE_TOKEN_SECRET", &c.Security.TokenSecret)
	dur("FLOWFORGE_TOKEN_TTL", &c.Security.TokenTTL)
	num("FLOWFORGE_MAX_ATTEMPTS", func(n int) {
		if n > 0 {
			c.Execution.MaxAttempts = uint(n)
		}
	})
	num("FLOWFORGE_WORKERS", func(n int) { c.Execution.Workers = n })
	dur("FLOWFORGE_HTTP_TIMEOUT", &c.Execution.HTTPTimeout)
	str("FLOWFORGE_OTLP_ENDPOINT", &c.Telemetry.OTLPEndpoint)
	return errors.Join(errs...)
}

// Validate reports configuration that cannot start a daemon.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.MaxBody <= 0 {
		errs = append(errs, errors.New("server.max_body must be positive"))
	}
	if strings.TrimSpace(c.Database.Path) == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if c.Execution.MaxAttempts == 0 {
		errs = append(errs, errors.New("execution.max_attempts must be at least 1"))
	}
	if c.Execution.Workers <= 0 {
		errs = append(errs, errors.New("execution.workers must be positive"))
	}
	if c.Execution.InitialBackoff > c.Execution.MaxBackoff && c.Execution.MaxBackoff > 0 {
		errs = append(errs, errors.New("execution.initial_backoff exceeds max_backoff"))
	}
	if c.Schedules.Enabled && c.Schedules.PollInterval <= 0 {
		errs = append(errs, errors.New("schedules.poll_interval must be positive"))
	}
	return errors.Join(errs...)
}
