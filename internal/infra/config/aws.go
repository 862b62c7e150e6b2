package config

// AWSConfig represents the AWS configuration.
type AWSConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Region  string `mapstructure:"region" validate:"required_if=Enabled true"`
}
