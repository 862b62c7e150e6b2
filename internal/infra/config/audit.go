package config

import "time"

const (
	ArchiveLocal = "local"
	ArchiveS3    = "s3"
)

// AuditConfig holds the configuration for the audit log.
type AuditConfig struct {
	Path string `mapstructure:"path" validate:"required"`
	// HMAC keys the hash chain with a subkey of the master key.
	HMAC         bool            `mapstructure:"hmac"`
	RetryBackoff time.Duration   `mapstructure:"retry_backoff" validate:"gte=0"`
	Retention    RetentionConfig `mapstructure:"retention"`
}

// RetentionConfig schedules archival of old entries.
type RetentionConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Schedule string        `mapstructure:"schedule" validate:"required_if=Enabled true"`
	Keep     int           `mapstructure:"keep"     validate:"gte=0"`
	Archive  ArchiveConfig `mapstructure:"archive"`
}

type ArchiveConfig struct {
	Type     string `mapstructure:"type"      validate:"required,oneof=local s3"`
	Dir      string `mapstructure:"dir"       validate:"required_if=Type local"`
	S3Bucket string `mapstructure:"s3_bucket" validate:"required_if=Type s3"`
	S3Prefix string `mapstructure:"s3_prefix"`
}
