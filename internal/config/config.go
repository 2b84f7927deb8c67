// Package config provides Viper-based configuration loading for the relay server.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds top-level server settings.
type ServerConfig struct {
	// Name identifies this relay in logs and metrics.
	Name string `mapstructure:"name"`
	// MaxGames caps the number of open games; 0 means unlimited.
	MaxGames int `mapstructure:"max_games"`
	// ShutdownTimeout bounds how long services get to stop.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// GameConfig holds the per-game synchronization limits.
type GameConfig struct {
	// BufferSize is the ring size in bytes of each seat's action buffer.
	BufferSize int `mapstructure:"buffer_size"`
	// MaxFrameSize caps the bytes one player sends per frame.
	MaxFrameSize int `mapstructure:"max_frame_size"`
	// FrameTimeout bounds each wait for another seat's frame.
	FrameTimeout time.Duration `mapstructure:"frame_timeout"`
	// DesynchTimeouts is the number of consecutive frame timeouts after which
	// a seat is desynchronized.
	DesynchTimeouts int `mapstructure:"desynch_timeouts"`
	// AllowSinglePlayer permits starting a game with only the owner.
	AllowSinglePlayer bool `mapstructure:"allow_single_player"`
	// MaxPlayers caps game membership; 0 means unlimited.
	MaxPlayers int `mapstructure:"max_players"`
	// AutofireSensitivity is the default detector level, 0-5.
	AutofireSensitivity int `mapstructure:"autofire_sensitivity"`
	// EventQueueSize is each player's inbox capacity.
	EventQueueSize int `mapstructure:"event_queue_size"`
	// CriticalGrace is how long a critical event may wait for inbox space.
	CriticalGrace time.Duration `mapstructure:"critical_grace"`
}

// DatabaseConfig holds PostgreSQL connection settings for the audit store.
type DatabaseConfig struct {
	// Enabled turns on persisted autofire detections.
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// DSN returns the PostgreSQL connection string.
//
// Precondition: Host, Port, User, and Name must be non-empty.
// Postcondition: Returns a valid PostgreSQL DSN string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode,
	)
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	// Path is the HTTP path serving the metrics.
	Path string `mapstructure:"path"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (m MetricsConfig) Addr() string {
	return fmt.Sprintf("%s:%d", m.Host, m.Port)
}

// AdminConfig holds the admin gRPC endpoint settings.
type AdminConfig struct {
	// GRPCHost is the bind address for the admin gRPC service.
	GRPCHost string `mapstructure:"grpc_host"`
	// GRPCPort is the TCP port for the admin gRPC service.
	GRPCPort int `mapstructure:"grpc_port"`
}

// Addr returns the "host:port" gRPC address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (a AdminConfig) Addr() string {
	return fmt.Sprintf("%s:%d", a.GRPCHost, a.GRPCPort)
}

// AccessConfig points at the access list.
type AccessConfig struct {
	// File is the YAML access list; empty grants everyone normal access.
	File string `mapstructure:"file"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Game     GameConfig     `mapstructure:"game"`
	Database DatabaseConfig `mapstructure:"database"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Admin    AdminConfig    `mapstructure:"admin"`
	Access   AccessConfig   `mapstructure:"access"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	if err := validateServer(c.Server); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateGame(c.Game); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Database.Enabled {
		if err := validateDatabase(c.Database); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if err := validateLogging(c.Logging); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Metrics.Enabled {
		if err := validateMetrics(c.Metrics); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if err := validateAdmin(c.Admin); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateServer(s ServerConfig) error {
	var errs []string
	if s.Name == "" {
		errs = append(errs, "server.name must not be empty")
	}
	if s.MaxGames < 0 {
		errs = append(errs, fmt.Sprintf("server.max_games must be >= 0, got %d", s.MaxGames))
	}
	if s.ShutdownTimeout < 0 {
		errs = append(errs, "server.shutdown_timeout must not be negative")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// maxFramesPerBatch is the batch length of the slowest connection type.
const maxFramesPerBatch = 6

func validateGame(g GameConfig) error {
	var errs []string
	if g.MaxFrameSize < 1 {
		errs = append(errs, fmt.Sprintf("game.max_frame_size must be >= 1, got %d", g.MaxFrameSize))
	} else if need := 2*maxFramesPerBatch*g.MaxFrameSize + 1; g.BufferSize < need {
		errs = append(errs, fmt.Sprintf(
			"game.buffer_size must hold two batches of %d byte frames (>= %d), got %d",
			g.MaxFrameSize, need, g.BufferSize))
	}
	if g.FrameTimeout <= 0 {
		errs = append(errs, "game.frame_timeout must be positive")
	}
	if g.DesynchTimeouts < 0 {
		errs = append(errs, fmt.Sprintf("game.desynch_timeouts must be >= 0, got %d", g.DesynchTimeouts))
	}
	if g.MaxPlayers < 0 {
		errs = append(errs, fmt.Sprintf("game.max_players must be >= 0, got %d", g.MaxPlayers))
	}
	if g.AutofireSensitivity < 0 || g.AutofireSensitivity > 5 {
		errs = append(errs, fmt.Sprintf("game.autofire_sensitivity must be 0-5, got %d", g.AutofireSensitivity))
	}
	if g.EventQueueSize < 1 {
		errs = append(errs, fmt.Sprintf("game.event_queue_size must be >= 1, got %d", g.EventQueueSize))
	}
	if g.CriticalGrace < 0 {
		errs = append(errs, "game.critical_grace must not be negative")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateDatabase(d DatabaseConfig) error {
	var errs []string
	if d.Host == "" {
		errs = append(errs, "database.host must not be empty")
	}
	if d.Port < 1 || d.Port > 65535 {
		errs = append(errs, fmt.Sprintf("database.port must be 1-65535, got %d", d.Port))
	}
	if d.User == "" {
		errs = append(errs, "database.user must not be empty")
	}
	if d.Name == "" {
		errs = append(errs, "database.name must not be empty")
	}
	validSSL := map[string]bool{"disable": true, "require": true, "verify-ca": true, "verify-full": true}
	if !validSSL[d.SSLMode] {
		errs = append(errs, fmt.Sprintf("database.sslmode must be one of [disable, require, verify-ca, verify-full], got %q", d.SSLMode))
	}
	if d.MaxConns < 1 {
		errs = append(errs, fmt.Sprintf("database.max_conns must be >= 1, got %d", d.MaxConns))
	}
	if d.MinConns < 0 {
		errs = append(errs, fmt.Sprintf("database.min_conns must be >= 0, got %d", d.MinConns))
	}
	if d.MinConns > d.MaxConns {
		errs = append(errs, "database.min_conns must not exceed database.max_conns")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateMetrics(m MetricsConfig) error {
	var errs []string
	if m.Port < 1 || m.Port > 65535 {
		errs = append(errs, fmt.Sprintf("metrics.port must be 1-65535, got %d", m.Port))
	}
	if !strings.HasPrefix(m.Path, "/") {
		errs = append(errs, fmt.Sprintf("metrics.path must start with /, got %q", m.Path))
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateAdmin(a AdminConfig) error {
	var errs []string
	if a.GRPCHost == "" {
		errs = append(errs, "admin.grpc_host must not be empty")
	}
	if a.GRPCPort < 1 || a.GRPCPort > 65535 {
		errs = append(errs, fmt.Sprintf("admin.grpc_port must be 1-65535, got %d", a.GRPCPort))
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
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
// overrides, and validates the result.
//
// Precondition: path must be a valid file path to a YAML configuration file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	// Environment variable overrides with RELAY_ prefix
	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
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

// Defaults returns a Viper instance holding only the default values.
func Defaults() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.name", "relay")
	v.SetDefault("server.max_games", 0)
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("game.buffer_size", 1024)
	v.SetDefault("game.max_frame_size", 32)
	v.SetDefault("game.frame_timeout", "1250ms")
	v.SetDefault("game.desynch_timeouts", 4)
	v.SetDefault("game.allow_single_player", true)
	v.SetDefault("game.max_players", 0)
	v.SetDefault("game.autofire_sensitivity", 0)
	v.SetDefault("game.event_queue_size", 2000)
	v.SetDefault("game.critical_grace", "100ms")

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "relay")
	v.SetDefault("database.password", "relay")
	v.SetDefault("database.name", "relay")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.host", "0.0.0.0")
	v.SetDefault("metrics.port", 9100)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("admin.grpc_host", "127.0.0.1")
	v.SetDefault("admin.grpc_port", 50051)

	v.SetDefault("access.file", "")
}
