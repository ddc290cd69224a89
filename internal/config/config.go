package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// EnvPrefix is the prefix of every environment variable.
const EnvPrefix = "AGUARD"

// DevelopmentSecret is the compiled-in license secret. Deployments must
// override it.
const DevelopmentSecret = "accessguard-development-secret-change-me"

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" envconfig:"SERVER"`
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
	Storage   StorageConfig   `yaml:"storage" envconfig:"STORAGE"`
	Identity  IdentityConfig  `yaml:"identity" envconfig:"IDENTITY"`
	License   LicenseConfig   `yaml:"license" envconfig:"LICENSE"`
	RateLimit RateLimitConfig `yaml:"ratelimit" envconfig:"RATELIMIT"`
	Monitor   MonitorConfig   `yaml:"monitor" envconfig:"MONITOR"`
	Telemetry TelemetryConfig `yaml:"telemetry" envconfig:"TELEMETRY"`
	WebSocket WebSocketConfig `yaml:"websocket" envconfig:"WEBSOCKET"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host" envconfig:"HOST"`
	Port            int           `yaml:"port" envconfig:"PORT" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" validate:"gt=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" validate:"gt=0"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" validate:"gt=0"`
	AllowedOrigins  []string      `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS"`
	RequestRPS      float64       `yaml:"request_rps" envconfig:"REQUEST_RPS" validate:"gte=0"`
	RequestBurst    int           `yaml:"request_burst" envconfig:"REQUEST_BURST" validate:"gte=0"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL" validate:"oneof=debug info warn warning error"`
	Output   string `yaml:"output" envconfig:"OUTPUT" validate:"oneof=console file both"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH"`
}

// StorageConfig selects the persistence backend
type StorageConfig struct {
	Backend       string `yaml:"backend" envconfig:"BACKEND" validate:"oneof=memory file redis"`
	Dir           string `yaml:"dir" envconfig:"DIR"`
	RedisAddr     string `yaml:"redis_addr" envconfig:"REDIS_ADDR" validate:"required_if=Backend redis"`
	RedisPassword string `yaml:"redis_password" envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redis_db" envconfig:"REDIS_DB" validate:"gte=0"`
	RedisPrefix   string `yaml:"redis_prefix" envconfig:"REDIS_PREFIX"`
}

// IdentityConfig configures device verification
type IdentityConfig struct {
	Threshold           float64       `yaml:"threshold" envconfig:"THRESHOLD" validate:"gt=0,lte=1"`
	OverwriteOnMismatch bool          `yaml:"overwrite_on_mismatch" envconfig:"OVERWRITE_ON_MISMATCH"`
	CacheTTL            time.Duration `yaml:"cache_ttl" envconfig:"CACHE_TTL" validate:"gte=0"`
}

// LicenseConfig configures the license manager and its remote authority
type LicenseConfig struct {
	Secret            string        `yaml:"secret" envconfig:"SECRET" validate:"min=16"`
	ScryptN           int           `yaml:"scrypt_n" envconfig:"SCRYPT_N" validate:"min=2"`
	DefaultTier       string        `yaml:"default_tier" envconfig:"DEFAULT_TIER" validate:"oneof=free student pro lifetime"`
	DefaultMaxDevices int           `yaml:"default_max_devices" envconfig:"DEFAULT_MAX_DEVICES" validate:"min=1"`
	DefaultValidity   time.Duration `yaml:"default_validity" envconfig:"DEFAULT_VALIDITY" validate:"gte=0"`
	Authority         string        `yaml:"authority" envconfig:"AUTHORITY" validate:"oneof=none http sheets"`
	AuthorityURL      string        `yaml:"authority_url" envconfig:"AUTHORITY_URL" validate:"omitempty,url"`
	AuthorityTimeout  time.Duration `yaml:"authority_timeout" envconfig:"AUTHORITY_TIMEOUT" validate:"gt=0"`
	SheetsID          string        `yaml:"sheets_id" envconfig:"SHEETS_ID"`
	SheetsRange       string        `yaml:"sheets_range" envconfig:"SHEETS_RANGE"`
	SheetsCredentials string        `yaml:"sheets_credentials" envconfig:"SHEETS_CREDENTIALS"`
	SheetsAPIKey      string        `yaml:"sheets_api_key" envconfig:"SHEETS_API_KEY"`
}

// RateLimitConfig configures the action gate
type RateLimitConfig struct {
	Window            time.Duration  `yaml:"window" envconfig:"WINDOW" validate:"gt=0"`
	BlockDuration     time.Duration  `yaml:"block_duration" envconfig:"BLOCK_DURATION" validate:"gt=0"`
	BlockScope        string         `yaml:"block_scope" envconfig:"BLOCK_SCOPE" validate:"oneof=global action"`
	Limits            map[string]int `yaml:"limits" envconfig:"LIMITS"`
	BurstCount        int            `yaml:"burst_count" envconfig:"BURST_COUNT" validate:"min=1"`
	BurstWindow       time.Duration  `yaml:"burst_window" envconfig:"BURST_WINDOW" validate:"gt=0"`
	VarianceThreshold float64        `yaml:"variance_threshold_ms2" envconfig:"VARIANCE_THRESHOLD_MS2" validate:"gte=0"`
	MinGaps           int            `yaml:"min_gaps" envconfig:"MIN_GAPS" validate:"min=2"`
	FailOnAutomation  bool           `yaml:"fail_on_automation" envconfig:"FAIL_ON_AUTOMATION"`
}

// MonitorConfig configures the periodic probes
type MonitorConfig struct {
	Enabled             bool          `yaml:"enabled" envconfig:"ENABLED"`
	EnvironmentInterval time.Duration `yaml:"environment_interval" envconfig:"ENVIRONMENT_INTERVAL" validate:"gt=0"`
	TimingInterval      time.Duration `yaml:"timing_interval" envconfig:"TIMING_INTERVAL" validate:"gt=0"`
	TimingTolerance     time.Duration `yaml:"timing_tolerance" envconfig:"TIMING_TOLERANCE" validate:"gt=0"`
	ExpectedBinaryHash  string        `yaml:"expected_binary_hash" envconfig:"EXPECTED_BINARY_HASH" validate:"omitempty,len=64,hexadecimal"`
}

// TelemetryConfig configures OpenTelemetry
type TelemetryConfig struct {
	ServiceName    string  `yaml:"service_name" envconfig:"SERVICE_NAME"`
	Environment    string  `yaml:"environment" envconfig:"ENVIRONMENT"`
	TraceExporter  string  `yaml:"trace_exporter" envconfig:"TRACE_EXPORTER" validate:"oneof=stdout none"`
	MetricExporter string  `yaml:"metric_exporter" envconfig:"METRIC_EXPORTER" validate:"oneof=prometheus none"`
	SampleRatio    float64 `yaml:"sample_ratio" envconfig:"SAMPLE_RATIO" validate:"gte=0,lte=1"`
}

// WebSocketConfig contains WebSocket configuration
type WebSocketConfig struct {
	ReadBufferSize  int           `yaml:"read_buffer_size" envconfig:"READ_BUFFER_SIZE"`
	WriteBufferSize int           `yaml:"write_buffer_size" envconfig:"WRITE_BUFFER_SIZE"`
	PingPeriod      time.Duration `yaml:"ping_period" envconfig:"PING_PERIOD" validate:"gt=0"`
	PongWait        time.Duration `yaml:"pong_wait" envconfig:"PONG_WAIT" validate:"gtfield=PingPeriod"`
}

// Default returns default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			AllowedOrigins:  []string{"http://localhost:8080"},
			RequestRPS:      50,
			RequestBurst:    100,
		},
		Logging: LoggingConfig{
			Level:    "info",
			Output:   "console",
			FilePath: "logs/accessguard.log",
		},
		Storage: StorageConfig{
			Backend:     "file",
			Dir:         "data",
			RedisPrefix: "accessguard:",
		},
		Identity: IdentityConfig{
			Threshold: 0.8,
		},
		License: LicenseConfig{
			Secret:            DevelopmentSecret,
			ScryptN:           32768,
			DefaultTier:       "student",
			DefaultMaxDevices: 2,
			Authority:         "none",
			AuthorityTimeout:  10 * time.Second,
			SheetsRange:       "Licenses!A2:F",
		},
		RateLimit: RateLimitConfig{
			Window:            time.Minute,
			BlockDuration:     5 * time.Minute,
			BlockScope:        "global",
			BurstCount:        20,
			BurstWindow:       5 * time.Second,
			VarianceThreshold: 25,
			MinGaps:           10,
		},
		Monitor: MonitorConfig{
			Enabled:             true,
			EnvironmentInterval: time.Minute,
			TimingInterval:      time.Second,
			TimingTolerance:     2 * time.Second,
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "accessguard",
			Environment:    "development",
			TraceExporter:  "none",
			MetricExporter: "prometheus",
			SampleRatio:    1.0,
		},
		WebSocket: WebSocketConfig{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			PingPeriod:      30 * time.Second,
			PongWait:        60 * time.Second,
		},
	}
}

// Load loads configuration from the config file (if any) and environment variables
func Load() (*Config, error) {
	return LoadFile(configFilePath())
}

// LoadFile is Load with an explicit YAML path; an empty path skips the file.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := mergeFile(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// mergeFile unmarshals the YAML file over cfg; absent keys keep their value.
func mergeFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.UnmarshalStrict(data, cfg)
}

func (c *Config) normalize() {
	c.Logging.Level = strings.ToLower(c.Logging.Level)
	c.Storage.Backend = strings.ToLower(c.Storage.Backend)
	c.RateLimit.BlockScope = strings.ToLower(c.RateLimit.BlockScope)
	if c.Storage.Dir != "" && !filepath.IsAbs(c.Storage.Dir) {
		if abs, err := filepath.Abs(c.Storage.Dir); err == nil {
			c.Storage.Dir = abs
		}
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks every field constraint.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}
	switch {
	case c.License.Authority == "http" && c.License.AuthorityURL == "":
		return errors.New("license.authority_url is required for the http authority")
	case c.License.Authority == "sheets" && c.License.SheetsID == "":
		return errors.New("license.sheets_id is required for the sheets authority")
	}
	for action, limit := range c.RateLimit.Limits {
		if limit <= 0 {
			return fmt.Errorf("ratelimit limit for %q must be positive", action)
		}
	}
	return nil
}

// UsesDevelopmentSecret reports whether the compiled-in secret is in use.
func (c *Config) UsesDevelopmentSecret() bool {
	return c.License.Secret == DevelopmentSecret
}

// configFilePath returns the path to the config file, or "" if none exists
func configFilePath() string {
	if p := os.Getenv(EnvPrefix + "_CONFIG"); p != "" {
		return p
	}
	for _, location := range []string{"accessguard.yaml", "configs/accessguard.yaml"} {
		if _, err := os.Stat(location); err == nil {
			return location
		}
	}
	return ""
}
