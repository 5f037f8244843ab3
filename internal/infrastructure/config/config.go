package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the Gira bridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site      SiteConfig      `yaml:"site"`
	Gira      GiraConfig      `yaml:"gira"`
	Callbacks CallbacksConfig `yaml:"callbacks"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Security  SecurityConfig  `yaml:"security"`
}

// SiteConfig contains site-specific information.
type SiteConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// GiraConfig contains connection settings for the Gira X1 server.
//
// Authentication is either token-based (Token set, credentials ignored) or
// credential-based (Username/Password used to register a client and obtain
// a token at startup).
type GiraConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Token    string `yaml:"token"`

	// RequestTimeout bounds each HTTP request to the device, in seconds.
	RequestTimeout int `yaml:"request_timeout"`

	// VerifyTLS enables certificate verification. Gira X1 servers ship
	// with self-signed certificates, so this defaults to false.
	VerifyTLS bool `yaml:"verify_tls"`
}

// CallbacksConfig contains push-callback (webhook) settings.
type CallbacksConfig struct {
	// Enabled controls whether callback registration is attempted at all.
	// When false the bridge runs in polling-only mode.
	Enabled bool `yaml:"enabled"`

	// URLOverride, when set, is used verbatim as the base URL the Gira X1
	// delivers callbacks to. Takes precedence over auto-detection.
	URLOverride string `yaml:"url_override"`

	// AdvertisedURL is an externally reachable URL for this bridge, used
	// as a fallback when no routable local address can be determined.
	AdvertisedURL string `yaml:"advertised_url"`

	// FastPollSeconds is the refresh cadence when callbacks are not active.
	FastPollSeconds int `yaml:"fast_poll_seconds"`

	// FallbackPollSeconds is the safety-net refresh cadence while callbacks
	// are active.
	FallbackPollSeconds int `yaml:"fallback_poll_seconds"`

	// SettleDelaySeconds is how long to wait after a projectConfigChanged
	// event before refreshing, giving the device time to finish applying
	// the new project.
	SettleDelaySeconds int `yaml:"settle_delay_seconds"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT   JWTConfig   `yaml:"jwt"`
	Admin AdminConfig `yaml:"admin"`
}

// JWTConfig contains JWT token settings.
type JWTConfig struct {
	Secret         string `yaml:"secret"`
	AccessTokenTTL int    `yaml:"access_token_ttl"`
}

// AdminConfig contains the local API login credentials.
type AdminConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: GIRABRIDGE_SECTION_KEY
// For example: GIRABRIDGE_GIRA_HOST, GIRABRIDGE_DATABASE_PATH
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	// Start with defaults
	cfg := defaultConfig()

	// Read and parse YAML file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:   "site-001",
			Name: "Gira Bridge",
		},
		Gira: GiraConfig{
			Port:           443,
			RequestTimeout: 10,
			VerifyTLS:      false,
		},
		Callbacks: CallbacksConfig{
			Enabled:             true,
			FastPollSeconds:     5,
			FallbackPollSeconds: 300,
			SettleDelaySeconds:  10,
		},
		Database: DatabaseConfig{
			Path:        "./data/girabridge.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Enabled: true,
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "girabridge",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8443,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				AccessTokenTTL: 15,
			},
			Admin: AdminConfig{
				Username: "admin",
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: GIRABRIDGE_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Gira device
	if v := os.Getenv("GIRABRIDGE_GIRA_HOST"); v != "" {
		cfg.Gira.Host = v
	}
	if v := os.Getenv("GIRABRIDGE_GIRA_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Gira.Port = port
		}
	}
	if v := os.Getenv("GIRABRIDGE_GIRA_USERNAME"); v != "" {
		cfg.Gira.Username = v
	}
	if v := os.Getenv("GIRABRIDGE_GIRA_PASSWORD"); v != "" {
		cfg.Gira.Password = v
	}
	if v := os.Getenv("GIRABRIDGE_GIRA_TOKEN"); v != "" {
		cfg.Gira.Token = v
	}

	// Callbacks
	if v := os.Getenv("GIRABRIDGE_CALLBACK_URL"); v != "" {
		cfg.Callbacks.URLOverride = v
	}

	// Database
	if v := os.Getenv("GIRABRIDGE_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("GIRABRIDGE_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("GIRABRIDGE_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("GIRABRIDGE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("GIRABRIDGE_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	// InfluxDB
	if v := os.Getenv("GIRABRIDGE_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Security - JWT secret (IMPORTANT: always override in production)
	if v := os.Getenv("GIRABRIDGE_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}
	if v := os.Getenv("GIRABRIDGE_ADMIN_PASSWORD"); v != "" {
		cfg.Security.Admin.Password = v
	}
}

// Validate checks the configuration for errors and security issues.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Site validation
	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}

	// Gira device validation
	if c.Gira.Host == "" {
		errs = append(errs, "gira.host is required")
	}
	if c.Gira.Port < 1 || c.Gira.Port > 65535 {
		errs = append(errs, "gira.port must be between 1 and 65535")
	}
	if c.Gira.Token == "" && (c.Gira.Username == "" || c.Gira.Password == "") {
		errs = append(errs, "gira.token or gira.username+gira.password is required")
	}
	if c.Gira.RequestTimeout < 1 {
		errs = append(errs, "gira.request_timeout must be at least 1 second")
	}

	// Callback cadence validation
	if c.Callbacks.FastPollSeconds < 1 {
		errs = append(errs, "callbacks.fast_poll_seconds must be at least 1")
	}
	if c.Callbacks.FallbackPollSeconds < c.Callbacks.FastPollSeconds {
		errs = append(errs, "callbacks.fallback_poll_seconds must not be shorter than fast_poll_seconds")
	}

	// Database validation
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	// MQTT validation
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	// API validation
	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	// Security validation - JWT secret is REQUIRED
	// The API can switch lights, blinds, and heating. Empty or weak secrets
	// would allow forged tokens against physical devices.
	const minJWTSecretLength = 32
	if c.Security.JWT.Secret == "" {
		errs = append(errs, "security.jwt.secret is required (set GIRABRIDGE_JWT_SECRET environment variable)")
	} else if len(c.Security.JWT.Secret) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters for adequate security")
	}

	if c.Security.Admin.Password == "" {
		errs = append(errs, "security.admin.password is required (set GIRABRIDGE_ADMIN_PASSWORD environment variable)")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetRequestTimeout returns the Gira HTTP request timeout as a Duration.
func (c *Config) GetRequestTimeout() time.Duration {
	return time.Duration(c.Gira.RequestTimeout) * time.Second
}

// GetFastPollInterval returns the polling-only refresh cadence as a Duration.
func (c *Config) GetFastPollInterval() time.Duration {
	return time.Duration(c.Callbacks.FastPollSeconds) * time.Second
}

// GetFallbackPollInterval returns the callback-mode safety-net cadence as a Duration.
func (c *Config) GetFallbackPollInterval() time.Duration {
	return time.Duration(c.Callbacks.FallbackPollSeconds) * time.Second
}

// GetSettleDelay returns the project-change settle delay as a Duration.
func (c *Config) GetSettleDelay() time.Duration {
	return time.Duration(c.Callbacks.SettleDelaySeconds) * time.Second
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
