package config

import "time"

// ServerConfig represents the health and metrics endpoints.
type ServerConfig struct {
	GRPCAddr      string        `mapstructure:"grpc_addr"      validate:"required,hostname_port"`
	HTTPAddr      string        `mapstructure:"http_addr"      validate:"required,hostname_port"`
	HealthRefresh time.Duration `mapstructure:"health_refresh" validate:"gt=0"`
}
