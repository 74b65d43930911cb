package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for ecatd.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Bus       BusConfig       `yaml:"bus"`
	Privilege PrivilegeConfig `yaml:"privilege"`
	Inspect   InspectConfig   `yaml:"inspect"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Database  DatabaseConfig  `yaml:"database"`
	Mirror    MirrorConfig    `yaml:"mirror"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// BusConfig contains fieldbus segment and cycle settings.
type BusConfig struct {
	// Interface is the network interface the master binds to.
	// Usually supplied as the positional command-line argument.
	Interface string `yaml:"interface"`

	// Backend selects the master implementation. Only "sim" ships with ecatd.
	Backend string `yaml:"backend"`

	// Simulation is the path to the simulated segment description (backend "sim").
	Simulation string `yaml:"simulation"`

	// ImageSize is the size of the process image in bytes.
	// Default: 4096
	ImageSize int `yaml:"image_size"`

	// CyclePeriod is the process data exchange period.
	// Default: 5ms
	CyclePeriod time.Duration `yaml:"cycle_period"`

	// CheckPeriod is the device supervision period.
	// Default: 10ms
	CheckPeriod time.Duration `yaml:"check_period"`

	// StateTimeout bounds state transitions during bring-up.
	// Default: 2s
	StateTimeout time.Duration `yaml:"state_timeout"`

	// MonitorTimeout bounds reconfigure and recover calls during supervision.
	// Default: 500ms
	MonitorTimeout time.Duration `yaml:"monitor_timeout"`

	// ReturnTimeout bounds the single re-poll of a silent device.
	// Default: 2ms
	ReturnTimeout time.Duration `yaml:"return_timeout"`

	// OPAttempts is how many exchange+check rounds bring-up waits for OP.
	// Default: 200
	OPAttempts int `yaml:"op_attempts"`

	// OPPollTimeout is the per-round wait for OP during bring-up.
	// Default: 50ms
	OPPollTimeout time.Duration `yaml:"op_poll_timeout"`

	// StartupWrites are dictionary writes applied in SAFE_OP before OP is requested.
	StartupWrites []StartupWrite `yaml:"startup_writes"`
}

// StartupWrite is one dictionary write applied during bring-up.
type StartupWrite struct {
	// Address is "device:0xINDEX:0xSUB", e.g. "2:0x8000:0x01".
	Address string `yaml:"address"`

	// Value is encoded according to the object's data type.
	Value string `yaml:"value"`
}

// PrivilegeConfig contains the identity the daemon drops to after bus setup.
type PrivilegeConfig struct {
	// User is the unprivileged account. Empty disables the drop.
	// Default: "nobody"
	User string `yaml:"user"`
}

// InspectConfig contains text inspection server settings.
type InspectConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	MaxClients int    `yaml:"max_clients"`
	MaxLine    int    `yaml:"max_line"`
	AllowQuit  bool   `yaml:"allow_quit"`
}

// APIConfig contains HTTP status API settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// WebSocketConfig contains WebSocket event stream settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled         bool                `yaml:"enabled"`
	Broker          MQTTBrokerConfig    `yaml:"broker"`
	Auth            MQTTAuthConfig      `yaml:"auth"`
	QoS             int                 `yaml:"qos"`
	Reconnect       MQTTReconnectConfig `yaml:"reconnect"`
	PublishInterval time.Duration       `yaml:"publish_interval"`
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

// DatabaseConfig contains SQLite journal settings.
type DatabaseConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MirrorConfig contains Modbus TCP input mirror settings.
type MirrorConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Endpoint     string        `yaml:"endpoint"`
	UnitID       uint8         `yaml:"unit_id"`
	BaseRegister uint16        `yaml:"base_register"`
	Interval     time.Duration `yaml:"interval"`
	Timeout      time.Duration `yaml:"timeout"`
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
//  2. YAML file values (override defaults), skipped when path is empty
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: ECATD_SECTION_KEY
// For example: ECATD_BUS_INTERFACE, ECATD_PRIVILEGE_USER
//
// Parameters:
//   - path: Path to the YAML configuration file, or "" for defaults only
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the built-in configuration without reading any file.
func Default() *Config {
	return defaultConfig()
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Bus: BusConfig{
			Backend:        "sim",
			ImageSize:      4096,
			CyclePeriod:    5 * time.Millisecond,
			CheckPeriod:    10 * time.Millisecond,
			StateTimeout:   2 * time.Second,
			MonitorTimeout: 500 * time.Millisecond,
			ReturnTimeout:  2 * time.Millisecond,
			OPAttempts:     200,
			OPPollTimeout:  50 * time.Millisecond,
		},
		Privilege: PrivilegeConfig{
			User: "nobody",
		},
		Inspect: InspectConfig{
			Host:       "0.0.0.0",
			Port:       4200,
			MaxClients: 50,
			MaxLine:    1024,
		},
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 8420,
			Timeouts: APITimeoutConfig{
				Read:  10,
				Write: 10,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/api/v1/ws",
			MaxMessageSize: 4096,
			PingInterval:   30,
			PongTimeout:    10,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "ecatd",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
			PublishInterval: time.Second,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Database: DatabaseConfig{
			Path:        "./data/ecatd.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		Mirror: MirrorConfig{
			UnitID:   1,
			Interval: 100 * time.Millisecond,
			Timeout:  time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: ECATD_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Bus
	if v := os.Getenv("ECATD_BUS_INTERFACE"); v != "" {
		cfg.Bus.Interface = v
	}

	// Privilege. Set to "-" to disable the drop from the environment.
	if v := os.Getenv("ECATD_PRIVILEGE_USER"); v != "" {
		if v == "-" {
			v = ""
		}
		cfg.Privilege.User = v
	}

	// Inspect
	if v := os.Getenv("ECATD_INSPECT_ALLOW_QUIT"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Inspect.AllowQuit = b
		}
	}

	// MQTT
	if v := os.Getenv("ECATD_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("ECATD_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("ECATD_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// InfluxDB
	if v := os.Getenv("ECATD_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Database
	if v := os.Getenv("ECATD_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
}

// Validate checks the configuration for errors.
//
// The bus interface is not checked here because it normally arrives as a
// command-line argument after the file has been loaded.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Bus validation
	switch c.Bus.Backend {
	case "sim":
		if c.Bus.Simulation == "" {
			errs = append(errs, "bus.simulation is required for the sim backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("bus.backend %q is not supported", c.Bus.Backend))
	}
	if c.Bus.ImageSize <= 0 {
		errs = append(errs, "bus.image_size must be positive")
	}
	if c.Bus.CyclePeriod <= 0 {
		errs = append(errs, "bus.cycle_period must be positive")
	}
	if c.Bus.CheckPeriod <= 0 {
		errs = append(errs, "bus.check_period must be positive")
	}
	if c.Bus.OPAttempts <= 0 {
		errs = append(errs, "bus.op_attempts must be positive")
	}
	for i, w := range c.Bus.StartupWrites {
		if strings.Count(w.Address, ":") != 2 {
			errs = append(errs, fmt.Sprintf("bus.startup_writes[%d].address must be device:index:subindex", i))
		}
		if w.Value == "" {
			errs = append(errs, fmt.Sprintf("bus.startup_writes[%d].value is required", i))
		}
	}

	// Inspect validation
	if c.Inspect.Port < 1 || c.Inspect.Port > 65535 {
		errs = append(errs, "inspect.port must be between 1 and 65535")
	}
	if c.Inspect.MaxClients < 1 {
		errs = append(errs, "inspect.max_clients must be at least 1")
	}
	if c.Inspect.MaxLine < 16 {
		errs = append(errs, "inspect.max_line must be at least 16")
	}

	// API validation
	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	// MQTT validation
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	// InfluxDB validation
	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	// Database validation
	if c.Database.Enabled && c.Database.Path == "" {
		errs = append(errs, "database.path is required when the journal is enabled")
	}

	// Mirror validation
	if c.Mirror.Enabled {
		if c.Mirror.Endpoint == "" {
			errs = append(errs, "mirror.endpoint is required when the mirror is enabled")
		}
		if c.Mirror.Interval <= 0 {
			errs = append(errs, "mirror.interval must be positive")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
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
