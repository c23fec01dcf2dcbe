package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Protocol limits enforced by the shadow service's broker.
const (
	// minKeepAlive and maxKeepAlive bound the MQTT keep-alive in seconds.
	minKeepAlive = 30
	maxKeepAlive = 1200

	// maxQoS is the highest QoS the service supports.
	maxQoS = 1

	// reservedClientIDPrefix marks client IDs the broker reserves for itself.
	reservedClientIDPrefix = "$"
)

// envPrefix prefixes every environment override.
const envPrefix = "SHADOWD_"

// Config is the root configuration structure for the shadow agent.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Device    DeviceConfig    `yaml:"device"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Shadow    ShadowConfig    `yaml:"shadow"`
	Database  DatabaseConfig  `yaml:"database"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// DeviceConfig names the thing and shadow this agent synchronises.
type DeviceConfig struct {
	ThingName string `yaml:"thing_name"`

	// ShadowName selects a named shadow. Empty means the classic shadow.
	ShadowName string `yaml:"shadow_name"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	KeepAlive int                 `yaml:"keep_alive"` // seconds
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`

	// StatusTopic receives retained online/offline messages and the last
	// will. Empty disables status publishing.
	StatusTopic string `yaml:"status_topic"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string        `yaml:"host"`
	Port     int           `yaml:"port"`
	ClientID string        `yaml:"client_id"`
	TLS      MQTTTLSConfig `yaml:"tls"`
}

// MQTTTLSConfig configures the broker TLS connection.
// CertFile and KeyFile enable mutual TLS with a device certificate.
type MQTTTLSConfig struct {
	Enabled  bool     `yaml:"enabled"`
	CAFile   string   `yaml:"ca_file"`
	CertFile string   `yaml:"cert_file"`
	KeyFile  string   `yaml:"key_file"`
	ALPN     []string `yaml:"alpn"`
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
}

// ShadowConfig contains shadow session policy.
type ShadowConfig struct {
	// RequestTimeout bounds get/update/delete requests (seconds).
	RequestTimeout int `yaml:"request_timeout"`

	// ResubscribeOnReconnect restores shadow subscriptions and delta
	// handlers after the broker connection comes back.
	ResubscribeOnReconnect bool `yaml:"resubscribe_on_reconnect"`

	// PersistVersions stores last known versions in the database.
	PersistVersions bool `yaml:"persist_versions"`

	// SyncOnStart fetches the shadow and applies its desired state at startup.
	SyncOnStart bool `yaml:"sync_on_start"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
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

// APIConfig contains local HTTP API settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
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
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: SHADOWD_SECTION_KEY
// For example: SHADOWD_DEVICE_THING_NAME, SHADOWD_MQTT_HOST
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     8883,
				ClientID: "shadowd",
				TLS: MQTTTLSConfig{
					Enabled: true,
				},
			},
			QoS:       1,
			KeepAlive: 60,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		Shadow: ShadowConfig{
			RequestTimeout:         30,
			ResubscribeOnReconnect: true,
			PersistVersions:        true,
			SyncOnStart:            true,
		},
		Database: DatabaseConfig{
			Path:        "./data/shadowd.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		API: APIConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8080,
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
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: SHADOWD_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	strVars := map[string]*string{
		"DEVICE_THING_NAME":  &cfg.Device.ThingName,
		"DEVICE_SHADOW_NAME": &cfg.Device.ShadowName,
		"MQTT_HOST":          &cfg.MQTT.Broker.Host,
		"MQTT_CLIENT_ID":     &cfg.MQTT.Broker.ClientID,
		"MQTT_USERNAME":      &cfg.MQTT.Auth.Username,
		"MQTT_PASSWORD":      &cfg.MQTT.Auth.Password,
		"MQTT_CA_FILE":       &cfg.MQTT.Broker.TLS.CAFile,
		"MQTT_CERT_FILE":     &cfg.MQTT.Broker.TLS.CertFile,
		"MQTT_KEY_FILE":      &cfg.MQTT.Broker.TLS.KeyFile,
		"DATABASE_PATH":      &cfg.Database.Path,
		"API_HOST":           &cfg.API.Host,
		"INFLUXDB_TOKEN":     &cfg.InfluxDB.Token,
		"LOG_LEVEL":          &cfg.Logging.Level,
	}
	for name, dst := range strVars {
		if v := os.Getenv(envPrefix + name); v != "" {
			*dst = v
		}
	}

	// Malformed numbers are ignored and Validate sees the file value.
	if v := os.Getenv(envPrefix + "MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.Broker.Port = port
		}
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of every validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Device
	if c.Device.ThingName == "" {
		errs = append(errs, "device.thing_name is required (set SHADOWD_DEVICE_THING_NAME)")
	}

	// MQTT
	errs = append(errs, c.MQTT.validate()...)

	// Shadow
	if c.Shadow.RequestTimeout <= 0 {
		errs = append(errs, "shadow.request_timeout must be positive")
	}

	// Database
	if c.Shadow.PersistVersions && c.Database.Path == "" {
		errs = append(errs, "database.path is required when shadow.persist_versions is set")
	}

	// InfluxDB
	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Bucket == "") {
		errs = append(errs, "influxdb.url and influxdb.bucket are required when influxdb is enabled")
	}

	// API
	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func (m MQTTConfig) validate() []string {
	var errs []string

	if m.Broker.Host == "" {
		errs = append(errs, "mqtt.broker.host is required")
	}
	if m.Broker.Port < 1 || m.Broker.Port > 65535 {
		errs = append(errs, "mqtt.broker.port must be between 1 and 65535")
	}
	if m.Broker.ClientID == "" {
		errs = append(errs, "mqtt.broker.client_id is required")
	} else if strings.HasPrefix(m.Broker.ClientID, reservedClientIDPrefix) {
		errs = append(errs, "mqtt.broker.client_id must not start with '$'")
	}
	if m.QoS < 0 || m.QoS > maxQoS {
		errs = append(errs, "mqtt.qos must be 0 or 1")
	}
	if m.KeepAlive < minKeepAlive || m.KeepAlive > maxKeepAlive {
		errs = append(errs, fmt.Sprintf("mqtt.keep_alive must be between %d and %d seconds", minKeepAlive, maxKeepAlive))
	}
	if (m.Broker.TLS.CertFile == "") != (m.Broker.TLS.KeyFile == "") {
		errs = append(errs, "mqtt.broker.tls.cert_file and key_file must be set together")
	}
	if m.Broker.TLS.CertFile != "" && !m.Broker.TLS.Enabled {
		errs = append(errs, "mqtt.broker.tls.enabled must be true when a client certificate is set")
	}

	return errs
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

// GetRequestTimeout returns the shadow request timeout as a Duration.
func (c *Config) GetRequestTimeout() time.Duration {
	return time.Duration(c.Shadow.RequestTimeout) * time.Second
}
