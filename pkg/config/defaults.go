// pkg/config/defaults.go
package config

import (
	"time"

	"github.com/spf13/pflag"

	"github.com/craftscan/craftscan/pkg/tcpsig"
)

// DefaultConfig returns a new Config struct populated with hardcoded default values.
// These serve as the baseline configuration if no other sources override them.
func DefaultConfig() Config {
	return Config{
		Mongo: MongoConfig{
			URI:      "mongodb://localhost:27017",
			Database: "craftscan",
		},
		Processing: ProcessingConfig{
			Workers:         8,
			QueueSize:       4096,
			FlushInterval:   5 * time.Second,
			FlushMaxUpdates: 512,
		},
		Ingest: IngestConfig{
			Listen: "127.0.0.1:4160",
		},
		Target: TargetConfig{
			Port:            25565,
			ProtocolVersion: 767,
		},
		Fingerprint: FingerprintConfig{
			Enabled:   false,
			Signature: tcpsig.DefaultSignature,
			MSS:       tcpsig.DefaultMSS,
		},
		Snipe: SnipeConfig{
			Enabled:     false,
			WebhookURL:  "",
			Usernames:   nil,
			AnonPlayers: false,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			Dir:        "",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Metrics: MetricsConfig{
			Listen: "",
		},
	}
}

// DefaultConfigAsMap converts the DefaultConfig struct to a map[string]interface{}
// for Koanf's confmap.Provider. This is a bit manual but ensures Koanf knows all keys.
func DefaultConfigAsMap() map[string]interface{} {
	def := DefaultConfig()
	return map[string]interface{}{
		// Mongo configuration
		"mongo.uri":      def.Mongo.URI,
		"mongo.database": def.Mongo.Database,

		// Processing configuration
		"processing.workers":           def.Processing.Workers,
		"processing.queue_size":        def.Processing.QueueSize,
		"processing.flush_interval":    def.Processing.FlushInterval,
		"processing.flush_max_updates": def.Processing.FlushMaxUpdates,

		// Ingest configuration
		"ingest.listen": def.Ingest.Listen,

		// Target configuration
		"target.port":             def.Target.Port,
		"target.protocol_version": def.Target.ProtocolVersion,

		// Fingerprint configuration
		"fingerprint.enabled":   def.Fingerprint.Enabled,
		"fingerprint.signature": def.Fingerprint.Signature,
		"fingerprint.mss":       def.Fingerprint.MSS,

		// Snipe configuration
		"snipe.enabled":      def.Snipe.Enabled,
		"snipe.webhook_url":  def.Snipe.WebhookURL,
		"snipe.usernames":    def.Snipe.Usernames,
		"snipe.anon_players": def.Snipe.AnonPlayers,

		// Log configuration
		"log.level":        def.Log.Level,
		"log.format":       def.Log.Format,
		"log.dir":          def.Log.Dir,
		"log.max_size_mb":  def.Log.MaxSizeMB,
		"log.max_backups":  def.Log.MaxBackups,
		"log.max_age_days": def.Log.MaxAgeDays,

		// Metrics configuration
		"metrics.listen": def.Metrics.Listen,
	}
}

// BindRunFlags binds processing-run flags to the provided FlagSet.
//
// Flags are namespaced to match their koanf keys, e.g. --mongo.uri maps to
// the mongo.uri configuration key.
func BindRunFlags(flags *pflag.FlagSet) {
	defaults := DefaultConfig()

	flags.String("mongo.uri", defaults.Mongo.URI, "MongoDB connection URI")
	flags.String("mongo.database", defaults.Mongo.Database, "Database name")
	flags.Int("processing.workers", defaults.Processing.Workers, "Number of processing workers")
	flags.Int("processing.queue_size", defaults.Processing.QueueSize, "Pending response queue capacity")
	flags.Duration("processing.flush_interval", defaults.Processing.FlushInterval, "Maximum time between storage flushes")
	flags.Int("processing.flush_max_updates", defaults.Processing.FlushMaxUpdates, "Flush once this many updates are pending")
	flags.String("ingest.listen", defaults.Ingest.Listen, "Ingest listen address, or - for stdin")
	flags.Uint16("target.port", defaults.Target.Port, "Default server port")
	flags.Bool("fingerprint.enabled", defaults.Fingerprint.Enabled, "Enable active fingerprint processing")
	flags.String("fingerprint.signature", defaults.Fingerprint.Signature, "p0f signature for outgoing SYNs")
	flags.Uint16("fingerprint.mss", defaults.Fingerprint.MSS, "MSS to use when the signature leaves it open")
	flags.Bool("snipe.enabled", defaults.Snipe.Enabled, "Enable player tracking")
	flags.String("snipe.webhook_url", defaults.Snipe.WebhookURL, "Webhook to deliver alerts to")
	flags.StringSlice("snipe.usernames", defaults.Snipe.Usernames, "Usernames to alert on")
	flags.String("metrics.listen", defaults.Metrics.Listen, "Metrics listen address (empty to disable)")
	flags.String("log.dir", defaults.Log.Dir, "Directory for rotated log files")
}
