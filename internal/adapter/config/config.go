// Package config loads the service configuration and the register map.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/nexus-edge/saj-gateway/internal/domain"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment overrides, e.g. GATEWAY_MODBUS_HOST.
const EnvPrefix = "GATEWAY"

var envBraces = regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

// expandEnvBraces expands only ${VAR} and ${VAR:default} patterns
// This preserves $ characters used in MQTT topic filters
func expandEnvBraces(s string) string {
	return envBraces.ReplaceAllStringFunc(s, func(match string) string {
		parts := envBraces.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		varName := parts[1]
		defaultVal := ""
		if len(parts) >= 3 {
			defaultVal = parts[2]
		}

		if val := os.Getenv(varName); val != "" {
			return val
		}
		return defaultVal
	})
}

// Config represents the complete service configuration
type Config struct {
	Service       ServiceConfig  `mapstructure:"service"`
	HTTP          HTTPConfig     `mapstructure:"http"`
	Modbus        ModbusConfig   `mapstructure:"modbus"`
	Polling       PollingConfig  `mapstructure:"polling"`
	Commands      CommandsConfig `mapstructure:"commands"`
	Fanout        FanoutConfig   `mapstructure:"fanout"`
	MQTT          MQTTConfig     `mapstructure:"mqtt"`
	Health        HealthConfig   `mapstructure:"health"`
	Logging       LoggingConfig  `mapstructure:"logging"`
	RegistersPath string         `mapstructure:"registers_path"`
}

// ServiceConfig contains service identification
type ServiceConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// HTTPConfig contains HTTP server settings
type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// RetryConfig is a retry policy for one operation class.
type RetryConfig struct {
	Attempts  int           `mapstructure:"attempts"`
	BaseDelay time.Duration `mapstructure:"base_delay"`
	MaxDelay  time.Duration `mapstructure:"max_delay"`
}

func (r RetryConfig) validate(key string) []error {
	var errs []error
	if r.Attempts < 1 {
		errs = append(errs, fmt.Errorf("%s.attempts must be at least 1", key))
	}
	if r.MaxDelay < r.BaseDelay {
		errs = append(errs, fmt.Errorf("%s.max_delay is below base_delay", key))
	}
	return errs
}

// ModbusConfig contains the inverter connection settings
type ModbusConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	UnitID         int           `mapstructure:"unit_id"`
	Timeout        time.Duration `mapstructure:"timeout"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	ConnectionTTL  time.Duration `mapstructure:"connection_ttl"`
	Workers        int           `mapstructure:"workers"`
	ReadRetry      RetryConfig   `mapstructure:"read_retry"`
	WriteRetry     RetryConfig   `mapstructure:"write_retry"`
}

// Address returns host:port.
func (m ModbusConfig) Address() string {
	return net.JoinHostPort(m.Host, strconv.Itoa(m.Port))
}

// TierSettings holds the cadence of one poll tier
type TierSettings struct {
	Interval time.Duration `mapstructure:"interval"`
	Enabled  bool          `mapstructure:"enabled"`
}

// PollingConfig contains the poll scheduler settings
type PollingConfig struct {
	Slow         TierSettings  `mapstructure:"slow"`
	Fast         TierSettings  `mapstructure:"fast"`
	UltraFast    TierSettings  `mapstructure:"ultra_fast"`
	CycleTimeout time.Duration `mapstructure:"cycle_timeout"`
}

// Tier returns the settings of tier.
func (p PollingConfig) Tier(tier domain.Tier) TierSettings {
	switch tier {
	case domain.TierSlow:
		return p.Slow
	case domain.TierFast:
		return p.Fast
	case domain.TierUltraFast:
		return p.UltraFast
	}
	return TierSettings{}
}

// CommandsConfig contains write queue settings
type CommandsConfig struct {
	QueueSize      int           `mapstructure:"queue_size"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
}

// FanoutConfig contains sink delivery settings
type FanoutConfig struct {
	BufferSize       int           `mapstructure:"buffer_size"`
	BatchSize        int           `mapstructure:"batch_size"`
	FlushInterval    time.Duration `mapstructure:"flush_interval"`
	PublishTimeout   time.Duration `mapstructure:"publish_timeout"`
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	OpenTimeout      time.Duration `mapstructure:"open_timeout"`
}

// MQTTConfig contains MQTT connection settings
type MQTTConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	BrokerURL       string        `mapstructure:"broker_url"`
	ClientID        string        `mapstructure:"client_id"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	TopicPrefix     string        `mapstructure:"topic_prefix"`
	QoS             byte          `mapstructure:"qos"`
	Retain          bool          `mapstructure:"retain"`
	KeepAlive       time.Duration `mapstructure:"keep_alive"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	ReconnectDelay  time.Duration `mapstructure:"reconnect_delay"`
	CleanSession    bool          `mapstructure:"clean_session"`
	CommandsEnabled bool          `mapstructure:"commands_enabled"`
}

// HealthConfig contains readiness settings
type HealthConfig struct {
	// StaleFactor marks a tier stale after this many missed intervals
	StaleFactor int `mapstructure:"stale_factor"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.name", "saj-gateway")
	v.SetDefault("service.environment", "development")

	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 10*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)

	v.SetDefault("modbus.host", "")
	v.SetDefault("modbus.port", 502)
	v.SetDefault("modbus.unit_id", 1)
	v.SetDefault("modbus.timeout", 5*time.Second)
	v.SetDefault("modbus.connect_timeout", 5*time.Second)
	v.SetDefault("modbus.idle_timeout", 60*time.Second)
	v.SetDefault("modbus.connection_ttl", 60*time.Second)
	v.SetDefault("modbus.workers", 4)
	v.SetDefault("modbus.read_retry.attempts", 3)
	v.SetDefault("modbus.read_retry.base_delay", 500*time.Millisecond)
	v.SetDefault("modbus.read_retry.max_delay", 5*time.Second)
	v.SetDefault("modbus.write_retry.attempts", 3)
	v.SetDefault("modbus.write_retry.base_delay", time.Second)
	v.SetDefault("modbus.write_retry.max_delay", 5*time.Second)

	v.SetDefault("polling.slow.interval", 60*time.Second)
	v.SetDefault("polling.slow.enabled", true)
	v.SetDefault("polling.fast.interval", 10*time.Second)
	v.SetDefault("polling.fast.enabled", true)
	v.SetDefault("polling.ultra_fast.interval", time.Second)
	v.SetDefault("polling.ultra_fast.enabled", false)
	v.SetDefault("polling.cycle_timeout", 30*time.Second)

	v.SetDefault("commands.queue_size", 64)
	v.SetDefault("commands.command_timeout", 30*time.Second)

	v.SetDefault("fanout.buffer_size", 256)
	v.SetDefault("fanout.batch_size", 100)
	v.SetDefault("fanout.flush_interval", 250*time.Millisecond)
	v.SetDefault("fanout.publish_timeout", 5*time.Second)
	v.SetDefault("fanout.failure_threshold", 5)
	v.SetDefault("fanout.open_timeout", 30*time.Second)

	hostname, _ := os.Hostname()
	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker_url", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", fmt.Sprintf("saj-gateway-%s", hostname))
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.topic_prefix", "saj")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.retain", true)
	v.SetDefault("mqtt.keep_alive", 30*time.Second)
	v.SetDefault("mqtt.connect_timeout", 10*time.Second)
	v.SetDefault("mqtt.reconnect_delay", 5*time.Second)
	v.SetDefault("mqtt.clean_session", true)
	v.SetDefault("mqtt.commands_enabled", true)

	v.SetDefault("health.stale_factor", 3)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("registers_path", "configs/registers.yaml")
}

// Load reads the configuration file at path, if any, and applies GATEWAY_* environment
// overrides on top of the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		ext := strings.TrimPrefix(filepath.Ext(path), ".")
		if ext == "" {
			ext = "yaml"
		}
		v.SetConfigType(ext)

		// Expand environment variables (only ${VAR} syntax, not $VAR)
		if err := v.ReadConfig(strings.NewReader(expandEnvBraces(string(data)))); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.RegistersPath != "" && path != "" && !filepath.IsAbs(cfg.RegistersPath) {
		if _, err := os.Stat(cfg.RegistersPath); err != nil {
			cfg.RegistersPath = filepath.Join(filepath.Dir(path), cfg.RegistersPath)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate returns every problem found in the configuration.
func (c *Config) Validate() error {
	var errs []error

	if c.Modbus.Host == "" {
		errs = append(errs, errors.New("modbus.host is required"))
	}
	if c.Modbus.Port < 1 || c.Modbus.Port > 65535 {
		errs = append(errs, fmt.Errorf("modbus.port %d out of range", c.Modbus.Port))
	}
	if c.Modbus.UnitID < 1 || c.Modbus.UnitID > 247 {
		errs = append(errs, fmt.Errorf("modbus.unit_id %d must be between 1 and 247", c.Modbus.UnitID))
	}
	if c.Modbus.Timeout <= 0 {
		errs = append(errs, errors.New("modbus.timeout must be positive"))
	}
	errs = append(errs, c.Modbus.ReadRetry.validate("modbus.read_retry")...)
	errs = append(errs, c.Modbus.WriteRetry.validate("modbus.write_retry")...)

	anyTier := false
	for _, tier := range domain.Tiers {
		ts := c.Polling.Tier(tier)
		if !ts.Enabled {
			continue
		}
		anyTier = true
		if ts.Interval < tier.MinInterval() {
			errs = append(errs, fmt.Errorf("%w: polling.%s.interval %s is below %s", domain.ErrPollIntervalShort, tier, ts.Interval, tier.MinInterval()))
		}
	}
	if !anyTier {
		errs = append(errs, errors.New("at least one polling tier must be enabled"))
	}

	if c.Commands.QueueSize < 1 {
		errs = append(errs, errors.New("commands.queue_size must be at least 1"))
	}
	if c.Fanout.BufferSize < 1 || c.Fanout.BatchSize < 1 {
		errs = append(errs, errors.New("fanout.buffer_size and fanout.batch_size must be at least 1"))
	}

	if c.MQTT.Enabled {
		if c.MQTT.BrokerURL == "" {
			errs = append(errs, errors.New("mqtt.broker_url is required when mqtt is enabled"))
		}
		if c.MQTT.TopicPrefix == "" || strings.ContainsAny(c.MQTT.TopicPrefix, "#+") {
			errs = append(errs, fmt.Errorf("mqtt.topic_prefix %q is invalid", c.MQTT.TopicPrefix))
		}
		if c.MQTT.QoS > 2 {
			errs = append(errs, fmt.Errorf("mqtt.qos %d must be 0, 1 or 2", c.MQTT.QoS))
		}
	}

	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("http.port %d out of range", c.HTTP.Port))
	}
	if c.RegistersPath == "" {
		errs = append(errs, errors.New("registers_path is required"))
	}

	return errors.Join(errs...)
}
