// Package config loads the daemon configuration from a YAML file and the
// environment.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the complete daemon configuration
type Config struct {
	Log         LogConfig         `yaml:"log"`
	Network     NetworkConfig     `yaml:"network"`
	Storage     StorageConfig     `yaml:"storage"`
	Interpreter InterpreterConfig `yaml:"interpreter"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console or json
}

type NetworkConfig struct {
	MSS            int           `yaml:"mss"`
	MaxConnections int           `yaml:"max_connections"`
	AcceptRate     float64       `yaml:"accept_rate"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	Yield          time.Duration `yaml:"yield"`

	Webserver ServiceConfig `yaml:"webserver"`
	Telnet    TelnetConfig  `yaml:"telnet"`
	SFTP      ServiceConfig `yaml:"sftp"`
}

// ServiceConfig holds the settings shared by every network service
type ServiceConfig struct {
	Enable      *bool  `yaml:"enable"`
	Listen      string `yaml:"listen"`
	IdlePolls   int    `yaml:"idle_polls"`
	LineSize    int    `yaml:"line_size"`
	OutputSlots int    `yaml:"output_slots"`
}

// Enabled reports whether the service should listen. Services are enabled
// unless switched off explicitly.
func (s ServiceConfig) Enabled() bool {
	return s.Enable == nil || *s.Enable
}

type TelnetConfig struct {
	ServiceConfig `yaml:",inline"`
	ThrottleHigh  int `yaml:"throttle_high"`
	ThrottleLow   int `yaml:"throttle_low"`
}

type StorageConfig struct {
	Root    string `yaml:"root"`
	WebRoot string `yaml:"webroot"` // Optional directory replacing the built in pages
}

type InterpreterConfig struct {
	Type   string       `yaml:"type"` // simulated or serial
	Serial SerialConfig `yaml:"serial"`
}

type SerialConfig struct {
	Device       string        `yaml:"device"`
	Baud         int           `yaml:"baud"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	ReplyTimeout time.Duration `yaml:"reply_timeout"`
}

// Interpreter types
const (
	InterpreterSimulated = "simulated"
	InterpreterSerial    = "serial"
)

// Load reads the configuration at path. A missing path yields the
// defaults. Environment overrides, including those from a .env file in
// the working directory, are applied last.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := Parse(data, &cfg); err != nil {
			return nil, err
		}
	}

	// A missing .env file is not an error
	_ = godotenv.Load()
	applyEnv(&cfg)

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Parse decodes YAML data into cfg without applying defaults
func Parse(data []byte, cfg *Config) error {
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// Default returns the configuration used when no file is given
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

// applyDefaults fills in missing configuration values
func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}

	n := &cfg.Network
	if n.MSS == 0 {
		n.MSS = 1460
	}
	if n.MaxConnections == 0 {
		n.MaxConnections = 10 // Historical connection table size
	}
	if n.AcceptRate == 0 {
		n.AcceptRate = 20
	}
	if n.WriteTimeout == 0 {
		n.WriteTimeout = 10 * time.Second
	}
	if n.PollInterval == 0 {
		n.PollInterval = 500 * time.Millisecond
	}
	if n.Yield == 0 {
		n.Yield = 10 * time.Millisecond
	}

	serviceDefaults(&n.Webserver, ":80", 40, 10)
	serviceDefaults(&n.Telnet.ServiceConfig, ":23", 0, 16)
	serviceDefaults(&n.SFTP, ":115", 0, 8)
	if n.Telnet.ThrottleHigh == 0 {
		n.Telnet.ThrottleHigh = 10
	}
	if n.Telnet.ThrottleLow == 0 {
		n.Telnet.ThrottleLow = 5
	}

	if cfg.Storage.Root == "" {
		cfg.Storage.Root = "./sd"
	}

	in := &cfg.Interpreter
	if in.Type == "" {
		in.Type = InterpreterSimulated
	}
	if in.Serial.Device == "" {
		in.Serial.Device = "/dev/ttyACM0"
	}
	if in.Serial.Baud == 0 {
		in.Serial.Baud = 115200
	}
	if in.Serial.ReadTimeout == 0 {
		in.Serial.ReadTimeout = 100 * time.Millisecond
	}
	if in.Serial.ReplyTimeout == 0 {
		in.Serial.ReplyTimeout = 30 * time.Second
	}
}

func serviceDefaults(s *ServiceConfig, listen string, idle, slots int) {
	if s.Listen == "" {
		s.Listen = listen
	}
	// 0 takes the default, a negative value disables the timeout
	if s.IdlePolls == 0 {
		s.IdlePolls = idle
	}
	if s.IdlePolls < 0 {
		s.IdlePolls = 0
	}
	if s.LineSize == 0 {
		s.LineSize = 132
	}
	if s.OutputSlots == 0 {
		s.OutputSlots = slots
	}
}

// applyEnv overrides settings from NETCONSOLE_* variables
func applyEnv(cfg *Config) {
	cfg.Log.Level = getEnv("NETCONSOLE_LOG_LEVEL", cfg.Log.Level)
	cfg.Storage.Root = getEnv("NETCONSOLE_STORAGE_ROOT", cfg.Storage.Root)
	cfg.Interpreter.Type = getEnv("NETCONSOLE_INTERPRETER", cfg.Interpreter.Type)
	cfg.Interpreter.Serial.Device = getEnv("NETCONSOLE_SERIAL_DEVICE", cfg.Interpreter.Serial.Device)
}

func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

// Validate checks settings that have no sensible fallback
func (c *Config) Validate() error {
	switch c.Interpreter.Type {
	case InterpreterSimulated, InterpreterSerial:
	default:
		return fmt.Errorf("unknown interpreter type %q", c.Interpreter.Type)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	t := c.Network.Telnet
	if t.ThrottleLow > t.ThrottleHigh {
		return fmt.Errorf("telnet throttle_low %d above throttle_high %d", t.ThrottleLow, t.ThrottleHigh)
	}
	if c.Network.MSS < 64 {
		return fmt.Errorf("mss %d too small", c.Network.MSS)
	}
	return nil
}
