package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/spounge-ai/polysecret/internal/domain"
	customvalidator "github.com/spounge-ai/polysecret/pkg/validator"
)

// EnvPrefix namespaces environment overrides: storage.dir is read from
// POLYSECRET_STORAGE_DIR.
const EnvPrefix = "POLYSECRET"

// DefaultMasterKeyEnv carries the master key when master_key.source is env.
// It must not collide with the env name of any config section.
const DefaultMasterKeyEnv = "POLYSECRET_KEY"

type Config struct {
	Storage        StorageConfig   `mapstructure:"storage"`
	Audit          AuditConfig     `mapstructure:"audit"`
	MasterKey      MasterKeyConfig `mapstructure:"master_key"`
	Rotation       RotationConfig  `mapstructure:"rotation"`
	Server         ServerConfig    `mapstructure:"server"`
	AWS            AWSConfig       `mapstructure:"aws"`
	Log            LogConfig       `mapstructure:"log"`
	ServiceVersion string          `mapstructure:"-"`
	BuildCommit    string          `mapstructure:"-"`
}

// StorageConfig locates the secret record files.
type StorageConfig struct {
	Dir string `mapstructure:"dir" validate:"required"`
	// StatsFlushInterval is how often access counters reach disk.
	StatsFlushInterval time.Duration `mapstructure:"stats_flush_interval" validate:"gte=1s"`
}

func setDefaults(vip *viper.Viper) {
	vip.SetDefault("storage.dir", "./data/secrets")
	vip.SetDefault("storage.stats_flush_interval", "1m")

	vip.SetDefault("audit.path", "./data/audit/audit.log")
	vip.SetDefault("audit.hmac", true)
	vip.SetDefault("audit.retry_backoff", "50ms")
	vip.SetDefault("audit.retention.enabled", false)
	vip.SetDefault("audit.retention.schedule", "@daily")
	vip.SetDefault("audit.retention.keep", 10000)
	vip.SetDefault("audit.retention.archive.type", "local")
	vip.SetDefault("audit.retention.archive.dir", "./data/audit/archive")
	vip.SetDefault("audit.retention.archive.s3_bucket", "")
	vip.SetDefault("audit.retention.archive.s3_prefix", "audit/")

	vip.SetDefault("master_key.source", "env")
	vip.SetDefault("master_key.format", "encoded")
	vip.SetDefault("master_key.env_var", DefaultMasterKeyEnv)
	vip.SetDefault("master_key.file", "")
	vip.SetDefault("master_key.ssm_parameter", "")
	vip.SetDefault("master_key.kms_key_arn", "")
	vip.SetDefault("master_key.wrapped_key_file", "")
	vip.SetDefault("master_key.salt_file", "")
	vip.SetDefault("master_key.allow_ephemeral", false)
	vip.SetDefault("master_key.argon2.time", 3)
	vip.SetDefault("master_key.argon2.memory", 64*1024)
	vip.SetDefault("master_key.argon2.threads", 4)

	vip.SetDefault("rotation.retry_backoff", "5m")
	vip.SetDefault("rotation.intervals", map[string]any{})

	vip.SetDefault("server.grpc_addr", ":50053")
	vip.SetDefault("server.http_addr", ":9090")
	vip.SetDefault("server.health_refresh", "15s")

	vip.SetDefault("aws.enabled", false)
	vip.SetDefault("aws.region", "")

	vip.SetDefault("log.level", "info")
	vip.SetDefault("log.format", "text")
}

// Load reads the yaml file at path, or ./configs/config.yaml and
// ./config.yaml when path is empty, applies POLYSECRET_ environment
// overrides and validates the result. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	vip := viper.New()
	if path != "" {
		vip.SetConfigFile(path)
	} else {
		vip.SetConfigName("config")
		vip.AddConfigPath("./configs")
		vip.AddConfigPath(".")
	}

	vip.SetConfigType("yaml")
	vip.SetEnvPrefix(EnvPrefix)
	vip.AutomaticEnv()
	vip.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setDefaults(vip)

	if err := vip.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := vip.UnmarshalExact(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cfg.ServiceVersion = getenv("POLYSECRET_SERVICE_VERSION", "unknown")
	cfg.BuildCommit = getenv("POLYSECRET_BUILD_COMMIT", "unknown")

	return &cfg, nil
}

// Validate runs the field rules and the cross-section checks.
func (c *Config) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := customvalidator.RegisterCustomValidators(validate, domain.DefaultCatalog()); err != nil {
		return fmt.Errorf("failed to register custom validators: %w", err)
	}

	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	if err := c.Rotation.validateGeneratable(domain.DefaultCatalog()); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	if c.needsAWS() && !c.AWS.Enabled {
		return fmt.Errorf("config validation failed: aws.enabled must be set for master_key.source %q and archive type %q",
			c.MasterKey.Source, c.Audit.Retention.Archive.Type)
	}
	return nil
}

func (c *Config) needsAWS() bool {
	switch c.MasterKey.Source {
	case SourceSSM, SourceAWSKMS:
		return true
	}
	return c.Audit.Retention.Enabled && c.Audit.Retention.Archive.Type == ArchiveS3
}

// getenv returns an environment variable or a default value.
func getenv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
