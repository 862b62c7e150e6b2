package config

import "github.com/spounge-ai/polysecret/internal/kms"

const (
	SourceEnv    = "env"
	SourceFile   = "file"
	SourceSSM    = "ssm"
	SourceAWSKMS = "aws_kms"
)

// MasterKeyConfig selects where the master key comes from and how the
// fetched material is decoded.
type MasterKeyConfig struct {
	Source         string           `mapstructure:"source"           validate:"required,oneof=env file ssm aws_kms"`
	Format         string           `mapstructure:"format"           validate:"required,oneof=encoded binary passphrase"`
	EnvVar         string           `mapstructure:"env_var"          validate:"required_if=Source env"`
	File           string           `mapstructure:"file"             validate:"required_if=Source file"`
	SSMParameter   string           `mapstructure:"ssm_parameter"    validate:"required_if=Source ssm"`
	KMSKeyARN      string           `mapstructure:"kms_key_arn"      validate:"required_if=Source aws_kms"`
	WrappedKeyFile string           `mapstructure:"wrapped_key_file" validate:"required_if=Source aws_kms"`
	SaltFile       string           `mapstructure:"salt_file"        validate:"required_if=Format passphrase"`
	AllowEphemeral bool             `mapstructure:"allow_ephemeral"`
	Argon2         kms.Argon2Params `mapstructure:"argon2"`
}
