package mqttloop

import (
	"fmt"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the file form of the client options.
type Config struct {
	Broker    BrokerConfig    `yaml:"broker"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Loop      LoopConfig      `yaml:"loop"`
	Proxy     ProxyConfig     `yaml:"proxy"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// BrokerConfig holds connection settings.
type BrokerConfig struct {
	// Address is tcp://host:port, mqtt://host or unix:///path.
	Address string `yaml:"address"`

	// SRVDomain selects ConnectSRV instead of Address when set.
	SRVDomain      string        `yaml:"srv_domain"`
	ClientID       string        `yaml:"client_id"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	KeepAlive      uint16        `yaml:"keep_alive"`
	CleanStart     bool          `yaml:"clean_start"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	MaxPacketSize  uint32        `yaml:"max_packet_size"`
}

// ReconnectConfig holds LoopForever backoff settings.
type ReconnectConfig struct {
	Delay       time.Duration `yaml:"delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Exponential bool          `yaml:"exponential"`
}

// LoopConfig holds per-iteration settings.
type LoopConfig struct {
	// Timeout is the readiness wait; negative means one second.
	Timeout         time.Duration `yaml:"timeout"`
	MaxPackets      int           `yaml:"max_packets"`
	MaxPendingDrain int           `yaml:"max_pending_drain"`
}

// LoggingConfig selects the log level.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns a Config matching the option defaults.
func DefaultConfig() *Config {
	o := defaultOptions()
	return &Config{
		Broker: BrokerConfig{
			KeepAlive:      o.keepAlive,
			CleanStart:     o.cleanStart,
			ConnectTimeout: o.connectTimeout,
			MaxPacketSize:  o.maxPacketSize,
		},
		Reconnect: ReconnectConfig{
			Delay:    o.reconnectDelay,
			MaxDelay: o.reconnectDelayMax,
		},
		Loop: LoopConfig{
			Timeout:         -1,
			MaxPackets:      1,
			MaxPendingDrain: o.maxPendingDrain,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// LoadConfig reads a YAML file on top of the defaults, applies MQTTLOOP_*
// environment overrides and validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return ParseConfig(data)
}

// ParseConfig is LoadConfig for in-memory YAML.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides applies MQTTLOOP_SECTION_KEY variables.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("MQTTLOOP_BROKER_ADDRESS"); v != "" {
		cfg.Broker.Address = v
	}
	if v := os.Getenv("MQTTLOOP_BROKER_SRV_DOMAIN"); v != "" {
		cfg.Broker.SRVDomain = v
	}
	if v := os.Getenv("MQTTLOOP_BROKER_CLIENT_ID"); v != "" {
		cfg.Broker.ClientID = v
	}
	if v := os.Getenv("MQTTLOOP_BROKER_USERNAME"); v != "" {
		cfg.Broker.Username = v
	}
	if v := os.Getenv("MQTTLOOP_BROKER_PASSWORD"); v != "" {
		cfg.Broker.Password = v
	}
	if v := os.Getenv("MQTTLOOP_PROXY_URL"); v != "" {
		cfg.Proxy.URL = v
	}
	if v := os.Getenv("MQTTLOOP_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if v := os.Getenv("MQTTLOOP_RECONNECT_DELAY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("MQTTLOOP_RECONNECT_DELAY: %w", err)
		}
		cfg.Reconnect.Delay = d
	}
	if v := os.Getenv("MQTTLOOP_RECONNECT_MAX_DELAY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("MQTTLOOP_RECONNECT_MAX_DELAY: %w", err)
		}
		cfg.Reconnect.MaxDelay = d
	}
	if v := os.Getenv("MQTTLOOP_LOOP_MAX_PACKETS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MQTTLOOP_LOOP_MAX_PACKETS: %w", err)
		}
		cfg.Loop.MaxPackets = n
	}

	return nil
}

// brokerSchemes are the address schemes DialSocket accepts.
var brokerSchemes = []string{"tcp", "mqtt", "unix"}

// Validate checks the configuration.
func (c *Config) Validate() error {
	var errs []string

	if c.Broker.Address == "" && c.Broker.SRVDomain == "" {
		errs = append(errs, "broker.address or broker.srv_domain is required")
	}
	if c.Broker.Address != "" {
		u, err := url.Parse(c.Broker.Address)
		switch {
		case err != nil || u.Scheme == "":
			errs = append(errs, "broker.address must be a URL such as tcp://host:1883")
		case !slices.Contains(brokerSchemes, u.Scheme):
			errs = append(errs, "broker.address scheme must be one of "+strings.Join(brokerSchemes, ", "))
		}
	}
	if c.Reconnect.Delay <= 0 {
		errs = append(errs, "reconnect.delay must be positive")
	}
	if c.Reconnect.MaxDelay <= 0 {
		errs = append(errs, "reconnect.max_delay must be positive")
	} else if c.Reconnect.MaxDelay < c.Reconnect.Delay {
		errs = append(errs, "reconnect.max_delay must not be below reconnect.delay")
	}
	if c.Loop.MaxPackets < 1 {
		errs = append(errs, "loop.max_packets must be at least 1")
	}
	if c.Loop.MaxPendingDrain < 0 {
		errs = append(errs, "loop.max_pending_drain must not be negative")
	}
	if c.Broker.MaxPacketSize > MaxPacketSizeProtocol {
		errs = append(errs, "broker.max_packet_size exceeds the protocol limit")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "", "none", "debug", "info", "warn", "error":
	default:
		errs = append(errs, "logging.level must be one of none, debug, info, warn, error")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidArgument, strings.Join(errs, "; "))
	}

	return nil
}

// Options converts the configuration to client options.
func (c *Config) Options() []Option {
	opts := []Option{
		WithAddress(c.Broker.Address),
		WithClientID(c.Broker.ClientID),
		WithKeepAlive(c.Broker.KeepAlive),
		WithCleanStart(c.Broker.CleanStart),
		WithConnectTimeout(c.Broker.ConnectTimeout),
		WithMaxPacketSize(c.Broker.MaxPacketSize),
		WithReconnectDelay(c.Reconnect.Delay, c.Reconnect.MaxDelay, c.Reconnect.Exponential),
		WithMaxPendingDrain(c.Loop.MaxPendingDrain),
	}

	if c.Broker.Username != "" || c.Broker.Password != "" {
		opts = append(opts, WithCredentials(c.Broker.Username, c.Broker.Password))
	}
	if c.Proxy.URL != "" {
		opts = append(opts, WithProxy(c.Proxy))
	}

	return opts
}

// LogLevel returns the configured log level.
func (c *Config) LogLevel() LogLevel {
	return ParseLogLevel(strings.ToLower(c.Logging.Level))
}
