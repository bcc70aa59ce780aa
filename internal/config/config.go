// Package config provides Viper-based configuration loading for the relay server.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	// Host is the bind address for the HTTP listener.
	Host string `mapstructure:"host"`
	// Port is the TCP port for the HTTP listener.
	Port int `mapstructure:"port"`
	// AllowedOrigins lists the browser origins allowed to open a socket.
	// An empty list allows any origin.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	// StaticDir is an optional directory of client assets served at "/".
	StaticDir string `mapstructure:"static_dir"`
	// ShutdownTimeout bounds graceful HTTP shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// TransportConfig holds per-connection websocket settings.
type TransportConfig struct {
	// SendBuffer is the number of outbound frames queued per connection
	// before new frames are dropped.
	SendBuffer int `mapstructure:"send_buffer"`
	// PingInterval is the keepalive ping period.
	PingInterval time.Duration `mapstructure:"ping_interval"`
	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// ReadLimit is the maximum inbound frame size in bytes.
	ReadLimit int64 `mapstructure:"read_limit"`
}

// RoomsConfig holds room lifecycle settings.
type RoomsConfig struct {
	// EmptyGrace is how long a room with no seated players is kept before
	// the reaper deletes it. Zero disables reaping.
	EmptyGrace time.Duration `mapstructure:"empty_grace"`
	// ReapInterval is the period of the idle sweep.
	ReapInterval time.Duration `mapstructure:"reap_interval"`
	// ReportRejections sends a moveRejected event to the mover when the
	// engine refuses a move. Rejections are never broadcast.
	ReportRejections bool `mapstructure:"report_rejections"`
}

// EngineConfig selects the state engine.
type EngineConfig struct {
	// Kind is "chess" or "lua".
	Kind string `mapstructure:"kind"`
	// Script is the Lua game script path; required when Kind is "lua".
	Script string `mapstructure:"script"`
	// InstructionLimit is the Lua opcode budget per engine call.
	InstructionLimit int `mapstructure:"instruction_limit"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Transport TransportConfig `mapstructure:"transport"`
	Rooms     RoomsConfig     `mapstructure:"rooms"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	for _, err := range []error{
		validateServer(c.Server),
		validateTransport(c.Transport),
		validateRooms(c.Rooms),
		validateEngine(c.Engine),
		validateLogging(c.Logging),
	} {
		if err != nil {
			errs = append(errs, err.Error())
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateServer(s ServerConfig) error {
	var errs []string
	if s.Port < 1 || s.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port must be 1-65535, got %d", s.Port))
	}
	if s.ShutdownTimeout < 0 {
		errs = append(errs, "server.shutdown_timeout must not be negative")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateTransport(t TransportConfig) error {
	var errs []string
	if t.SendBuffer < 1 {
		errs = append(errs, fmt.Sprintf("transport.send_buffer must be >= 1, got %d", t.SendBuffer))
	}
	if t.PingInterval <= 0 {
		errs = append(errs, "transport.ping_interval must be positive")
	}
	if t.WriteTimeout <= 0 {
		errs = append(errs, "transport.write_timeout must be positive")
	}
	if t.ReadLimit < 1 {
		errs = append(errs, fmt.Sprintf("transport.read_limit must be >= 1, got %d", t.ReadLimit))
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateRooms(r RoomsConfig) error {
	var errs []string
	if r.EmptyGrace < 0 {
		errs = append(errs, "rooms.empty_grace must not be negative")
	}
	if r.EmptyGrace > 0 && r.ReapInterval <= 0 {
		errs = append(errs, "rooms.reap_interval must be positive when rooms.empty_grace is set")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateEngine(e EngineConfig) error {
	switch e.Kind {
	case "chess":
	case "lua":
		if e.Script == "" {
			return errors.New("engine.script must not be empty when engine.kind is lua")
		}
	default:
		return fmt.Errorf("engine.kind must be one of [chess, lua], got %q", e.Kind)
	}
	if e.InstructionLimit < 0 {
		return fmt.Errorf("engine.instruction_limit must be >= 0, got %d", e.InstructionLimit)
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result. An empty path skips the file and uses
// defaults plus environment only.
//
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()

	// Environment variable overrides with RELAY_ prefix
	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
	}

	return LoadFromViper(v)
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns the configuration produced by defaults alone.
func Default() Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.static_dir", "")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("transport.send_buffer", 64)
	v.SetDefault("transport.ping_interval", "15s")
	v.SetDefault("transport.write_timeout", "10s")
	v.SetDefault("transport.read_limit", 32768)

	v.SetDefault("rooms.empty_grace", "5m")
	v.SetDefault("rooms.reap_interval", "1m")
	v.SetDefault("rooms.report_rejections", false)

	v.SetDefault("engine.kind", "chess")
	v.SetDefault("engine.script", "")
	v.SetDefault("engine.instruction_limit", 100_000)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
