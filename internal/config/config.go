package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// EnvPrefix namespaces every environment variable read by Load
const EnvPrefix = "ENTITLEMENT"

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" envconfig:"SERVER"`
	Security  SecurityConfig  `yaml:"security" envconfig:"SECURITY"`
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
	Paths     PathsConfig     `yaml:"paths" envconfig:"PATHS"`
	Verifier  VerifierConfig  `yaml:"verifier" envconfig:"VERIFIER"`
	Session   SessionConfig   `yaml:"session" envconfig:"SESSION"`
	Storage   StorageConfig   `yaml:"storage" envconfig:"STORAGE"`
	WebSocket WebSocketConfig `yaml:"websocket" envconfig:"WEBSOCKET"`
	Telemetry TelemetryConfig `yaml:"telemetry" envconfig:"TELEMETRY"`
}

// ServerConfig contains the local control API configuration
type ServerConfig struct {
	Host            string        `yaml:"host" envconfig:"HOST"`
	Port            int           `yaml:"port" envconfig:"PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
}

// SecurityConfig contains security-related configuration
type SecurityConfig struct {
	AllowedOrigins []string        `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS"`
	RateLimit      RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
	// ControlToken, when set, is required as a bearer token on state-changing routes
	ControlToken string `yaml:"control_token" envconfig:"CONTROL_TOKEN"`
}

// RateLimitConfig contains rate limiting configuration
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED"`
	RPS     float64 `yaml:"rps" envconfig:"RPS"`
	Burst   int     `yaml:"burst" envconfig:"BURST"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL"`
	Output   string `yaml:"output" envconfig:"OUTPUT"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH"`
}

// PathsConfig contains file system paths configuration
type PathsConfig struct {
	BaseDir string `yaml:"base_dir" envconfig:"BASE_DIR"`
	DataDir string `yaml:"data_dir" envconfig:"DATA_DIR"`
	LogsDir string `yaml:"logs_dir" envconfig:"LOGS_DIR"`
}

// VerifierConfig describes the remote verification service
type VerifierConfig struct {
	VerifyURL     string        `yaml:"verify_url" envconfig:"VERIFY_URL"`
	DeactivateURL string        `yaml:"deactivate_url" envconfig:"DEACTIVATE_URL"`
	Timeout       time.Duration `yaml:"timeout" envconfig:"TIMEOUT"`
	UserAgent     string        `yaml:"user_agent" envconfig:"USER_AGENT"`
}

// SessionConfig tunes the session manager
type SessionConfig struct {
	RefreshInterval time.Duration `yaml:"refresh_interval" envconfig:"REFRESH_INTERVAL"`
	StalenessWindow time.Duration `yaml:"staleness_window" envconfig:"STALENESS_WINDOW"`
	// LoginURL is the external sign-in page; empty disables StartLogin
	LoginURL string `yaml:"login_url" envconfig:"LOGIN_URL"`
}

// StorageConfig selects the key-value backend
type StorageConfig struct {
	Driver     string `yaml:"driver" envconfig:"DRIVER"` // file|sqlite
	FileName   string `yaml:"file_name" envconfig:"FILE_NAME"`
	SQLiteName string `yaml:"sqlite_name" envconfig:"SQLITE_NAME"`
	Secret     string `yaml:"secret" envconfig:"SECRET"`
}

// WebSocketConfig contains WebSocket configuration
type WebSocketConfig struct {
	ReadBufferSize  int `yaml:"read_buffer_size" envconfig:"READ_BUFFER_SIZE"`
	WriteBufferSize int `yaml:"write_buffer_size" envconfig:"WRITE_BUFFER_SIZE"`
}

// TelemetryConfig toggles OpenTelemetry exporters
type TelemetryConfig struct {
	EnableTracing bool   `yaml:"enable_tracing" envconfig:"ENABLE_TRACING"`
	EnableMetrics bool   `yaml:"enable_metrics" envconfig:"ENABLE_METRICS"`
	Environment   string `yaml:"environment" envconfig:"ENVIRONMENT"`
}

// Load builds the configuration from defaults, an optional YAML file and
// ENTITLEMENT_* environment variables, in that order of precedence.
func Load() (*Config, error) {
	return LoadFrom(getConfigFilePath())
}

// LoadFrom is Load with an explicit config file. An empty path skips the file.
func LoadFrom(configFile string) (*Config, error) {
	cfg := Default()

	if configFile != "" {
		if err := loadFromFile(configFile, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.resolvePaths(); err != nil {
		return nil, fmt.Errorf("failed to resolve paths: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// loadFromFile overlays YAML values onto cfg
func loadFromFile(filePath string, cfg *Config) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// resolvePaths anchors relative directories at the base directory
func (c *Config) resolvePaths() error {
	if c.Paths.BaseDir == "" {
		base, err := DefaultBaseDir()
		if err != nil {
			return err
		}
		c.Paths.BaseDir = base
	}
	if !filepath.IsAbs(c.Paths.DataDir) {
		c.Paths.DataDir = filepath.Join(c.Paths.BaseDir, c.Paths.DataDir)
	}
	if !filepath.IsAbs(c.Paths.LogsDir) {
		c.Paths.LogsDir = filepath.Join(c.Paths.BaseDir, c.Paths.LogsDir)
	}
	if c.Logging.FilePath != "" && !filepath.IsAbs(c.Logging.FilePath) {
		c.Logging.FilePath = filepath.Join(c.Paths.BaseDir, c.Logging.FilePath)
	}
	return nil
}

// validate validates the configuration
func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server read timeout must be positive")
	}

	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server write timeout must be positive")
	}

	if _, err := url.ParseRequestURI(c.Verifier.VerifyURL); err != nil {
		return fmt.Errorf("invalid verifier verify_url %q: %w", c.Verifier.VerifyURL, err)
	}

	if c.Verifier.DeactivateURL != "" {
		if _, err := url.ParseRequestURI(c.Verifier.DeactivateURL); err != nil {
			return fmt.Errorf("invalid verifier deactivate_url %q: %w", c.Verifier.DeactivateURL, err)
		}
	}

	if c.Verifier.Timeout <= 0 {
		return fmt.Errorf("verifier timeout must be positive")
	}

	if c.Session.RefreshInterval <= 0 {
		return fmt.Errorf("session refresh interval must be positive")
	}

	if c.Session.StalenessWindow <= 0 {
		return fmt.Errorf("session staleness window must be positive")
	}

	if c.Session.LoginURL != "" {
		if _, err := url.ParseRequestURI(c.Session.LoginURL); err != nil {
			return fmt.Errorf("invalid session login_url %q: %w", c.Session.LoginURL, err)
		}
	}

	switch strings.ToLower(c.Storage.Driver) {
	case StorageDriverFile, StorageDriverSQLite:
		c.Storage.Driver = strings.ToLower(c.Storage.Driver)
	default:
		return fmt.Errorf("unknown storage driver: %q", c.Storage.Driver)
	}

	// Logs are always JSON; only the destination is configurable
	switch c.Logging.Output {
	case "console", "file", "both":
	default:
		c.Logging.Output = "both"
	}

	return nil
}

// StorePath returns the absolute path of the configured key-value store
func (c *Config) StorePath() string {
	if c.Storage.Driver == StorageDriverSQLite {
		return filepath.Join(c.Paths.DataDir, c.Storage.SQLiteName)
	}
	return filepath.Join(c.Paths.DataDir, c.Storage.FileName)
}

// Addr returns the listen address of the local API
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// getConfigFilePath returns the path to the config file
func getConfigFilePath() string {
	if explicit := os.Getenv(EnvPrefix + "_CONFIG_FILE"); explicit != "" {
		return explicit
	}

	locations := []string{
		"entitlement.yaml",
		"configs/entitlement.yaml",
	}

	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			return location
		}
	}

	return "" // No config file found, use env vars only
}

// Default returns default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            DefaultPort,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Security: SecurityConfig{
			AllowedOrigins: []string{"http://localhost:5173"},
			RateLimit: RateLimitConfig{
				Enabled: true,
				RPS:     20,
				Burst:   40,
			},
		},
		Logging: LoggingConfig{
			Level:    "info",
			Output:   "both",
			FilePath: "logs/entitlement.log",
		},
		Paths: PathsConfig{
			DataDir: "data",
			LogsDir: "logs",
		},
		Verifier: VerifierConfig{
			VerifyURL:     DefaultVerifyURL,
			DeactivateURL: DefaultDeactivateURL,
			Timeout:       DefaultVerifyTimeout,
			UserAgent:     "entitlementd",
		},
		Session: SessionConfig{
			RefreshInterval: DefaultRefreshInterval,
			StalenessWindow: DefaultStalenessWindow,
		},
		Storage: StorageConfig{
			Driver:     StorageDriverFile,
			FileName:   "session.dat",
			SQLiteName: "session.db",
		},
		WebSocket: WebSocketConfig{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		Telemetry: TelemetryConfig{
			EnableTracing: false,
			EnableMetrics: true,
			Environment:   "development",
		},
	}
}
