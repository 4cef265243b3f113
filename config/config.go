// Package config loads statuswire configuration using Viper.
//
// Configuration precedence: defaults -> config file (statuswire.toml) ->
// environment variables with the STATUSWIRE_ prefix.
package config

import (
	"strings"

	"github.com/spf13/viper"

	"github.com/statuswire/statuswire/errors"
)

// Config holds all statuswire configuration.
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Server   ServerConfig   `mapstructure:"server"`
	Stream   StreamConfig   `mapstructure:"stream"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Ingest   IngestConfig   `mapstructure:"ingest"`
}

// DatabaseConfig configures the execution store.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	JSONLogs       bool     `mapstructure:"json_logs"`
}

// StreamConfig configures the streaming fan-out server.
type StreamConfig struct {
	KeepaliveSeconds   int `mapstructure:"keepalive_seconds"`
	MaxLifetimeSeconds int `mapstructure:"max_lifetime_seconds"`
	MaxClients         int `mapstructure:"max_clients"`
}

// CacheConfig configures the last-event read-through cache.
type CacheConfig struct {
	TTLSeconds int `mapstructure:"ttl_seconds"`
}

// IngestConfig configures the ingestion endpoint.
type IngestConfig struct {
	RatePerSecond float64 `mapstructure:"rate_per_second"`
	RateBurst     int     `mapstructure:"rate_burst"`
}

// Load reads configuration from defaults, an optional statuswire.toml in the
// working directory, and STATUSWIRE_* environment variables.
func Load() (*Config, error) {
	v := viper.New()

	v.SetEnvPrefix("STATUSWIRE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	v.SetConfigName("statuswire")
	v.SetConfigType("toml")
	v.AddConfigPath(".")

	// Config file is optional; defaults plus env vars are sufficient.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.Wrap(err, "read config file")
		}
	}

	return LoadWithViper(v)
}

// LoadFromFile loads configuration from a specific file path.
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")

	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "read config file %s", configPath)
	}

	return LoadWithViper(v)
}

// LoadWithViper unmarshals configuration from a provided Viper instance.
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	return &config, nil
}
