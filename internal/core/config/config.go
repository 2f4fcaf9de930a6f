package config

import (
	redisclient "github.com/vietddude/loginflow/internal/infra/redis"
	"github.com/vietddude/loginflow/internal/infra/storage/postgres"
	"github.com/vietddude/loginflow/internal/procmon"
	"github.com/vietddude/loginflow/internal/recovery"
	"github.com/vietddude/loginflow/internal/twofactor"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server    ServerConfig            `yaml:"server"`
	Logging   LoggingConfig           `yaml:"logging"`
	Redis     redisclient.Config      `yaml:"redis"`
	Database  postgres.Config         `yaml:"database"`
	Retry     recovery.ManagerConfig  `yaml:"retry"`
	TwoFactor twofactor.ManagerConfig `yaml:"two_factor"`
	Monitor   procmon.MonitorConfig   `yaml:"monitor"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}
