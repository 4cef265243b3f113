package config

import (
	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "statuswire.db")

	// Server defaults
	v.SetDefault("server.port", 8385)
	v.SetDefault("server.allowed_origins", []string{
		"http://localhost",
		"https://localhost",
		"http://127.0.0.1",
		"https://127.0.0.1",
	})
	v.SetDefault("server.json_logs", false)

	// Streaming fan-out defaults
	v.SetDefault("stream.keepalive_seconds", 30)     // Keepalive frame interval
	v.SetDefault("stream.max_lifetime_seconds", 3600) // Hard cap per connection
	v.SetDefault("stream.max_clients", 100)

	// Last-event cache defaults
	v.SetDefault("cache.ttl_seconds", 3600)

	// Ingestion endpoint defaults
	v.SetDefault("ingest.rate_per_second", 50.0)
	v.SetDefault("ingest.rate_burst", 100)
}
