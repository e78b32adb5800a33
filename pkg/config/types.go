// pkg/config/types.go
package config

import "time"

// Config is the root configuration structure for the craftscan application.
// It aggregates all other specific configuration structs.
type Config struct {
	Mongo       MongoConfig       `description:"MongoDB configuration" koanf:"mongo"`
	Processing  ProcessingConfig  `description:"Response processing configuration" koanf:"processing"`
	Ingest      IngestConfig      `description:"Scan result ingest configuration" koanf:"ingest"`
	Target      TargetConfig      `description:"Probe target configuration" koanf:"target"`
	Fingerprint FingerprintConfig `description:"TCP fingerprint configuration" koanf:"fingerprint"`
	Snipe       SnipeConfig       `description:"Player tracking configuration" koanf:"snipe"`
	Log         LogConfig         `description:"Logging configuration" koanf:"log"`
	Metrics     MetricsConfig     `description:"Metrics exposition configuration" koanf:"metrics"`
}

// MongoConfig holds the database connection settings.
type MongoConfig struct {
	URI      string `description:"MongoDB connection URI" koanf:"uri" validate:"required"`
	Database string `description:"Database name" koanf:"database" validate:"required"`
}

// ProcessingConfig tunes the worker pool and flush cadence.
type ProcessingConfig struct {
	Workers         int           `description:"Number of processing workers" koanf:"workers" validate:"gte=1"`
	QueueSize       int           `description:"Pending response queue capacity" koanf:"queue_size" validate:"gte=1"`
	FlushInterval   time.Duration `description:"Maximum time between storage flushes" koanf:"flush_interval" validate:"gt=0"`
	FlushMaxUpdates int           `description:"Flush immediately once this many updates are pending" koanf:"flush_max_updates" validate:"gte=1"`
}

// IngestConfig describes where scan results come from.
type IngestConfig struct {
	// Listen is a host:port to accept probe-engine connections on, or "-"
	// to read a single result stream from stdin.
	Listen string `description:"Ingest listen address, or - for stdin" koanf:"listen" validate:"required"`
}

// TargetConfig describes what the probe engine scans for.
type TargetConfig struct {
	Port            uint16 `description:"Default server port" koanf:"port" validate:"gt=0"`
	ProtocolVersion int32  `description:"Protocol version sent in status requests" koanf:"protocol_version"`
}

// FingerprintConfig controls the TCP-level probe shape and the active
// fingerprinting pass.
type FingerprintConfig struct {
	Enabled   bool   `description:"Enable active fingerprint processing" koanf:"enabled"`
	Signature string `description:"p0f signature for outgoing SYNs" koanf:"signature" validate:"required"`
	MSS       uint16 `description:"MSS to use when the signature leaves it open" koanf:"mss" validate:"gt=0"`
}

// SnipeConfig controls player-join tracking and webhook alerts.
type SnipeConfig struct {
	Enabled     bool     `description:"Enable player tracking" koanf:"enabled"`
	WebhookURL  string   `description:"Webhook to deliver alerts to" koanf:"webhook_url" validate:"omitempty,url"`
	Usernames   []string `description:"Usernames to alert on" koanf:"usernames"`
	AnonPlayers bool     `description:"Alert on anonymous player activity" koanf:"anon_players"`
}

// LogConfig holds logging related configuration.
type LogConfig struct {
	Level      string `description:"Log level for craftscan logs" koanf:"level" validate:"oneof=trace debug info warn error fatal"`
	Format     string `description:"Log format: json | text" koanf:"format" validate:"oneof=text json"`
	Dir        string `description:"Directory for rotated log files (optional)" koanf:"dir"`
	MaxSizeMB  int    `description:"Rotate the log file after this many megabytes" koanf:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `description:"Rotated files to keep" koanf:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `description:"Days to keep rotated files" koanf:"max_age_days" validate:"gte=0"`
}

// MetricsConfig controls the Prometheus exposition endpoint.
type MetricsConfig struct {
	// Listen is the host:port for /metrics; empty disables the endpoint.
	Listen string `description:"Metrics listen address (empty to disable)" koanf:"listen"`
}
