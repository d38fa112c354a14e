package config

import (
	redisclient "github.com/lumenlabs/streamwatch/internal/infra/redis"
	"github.com/lumenlabs/streamwatch/internal/infra/storage/postgres"
	"github.com/lumenlabs/streamwatch/internal/infra/stream"
	"github.com/lumenlabs/streamwatch/internal/ingest/breaker"
	"github.com/lumenlabs/streamwatch/internal/ingest/buffer"
	"github.com/lumenlabs/streamwatch/internal/ingest/committer"
	"github.com/lumenlabs/streamwatch/internal/ingest/supervisor"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server   ServerConfig              `yaml:"server"`
	RPC      stream.Config             `yaml:"rpc"`
	Streams  []supervisor.StreamConfig `yaml:"streams"`
	Buffer   buffer.Config             `yaml:"buffer"`
	Commit   committer.Config          `yaml:"commit"`
	Breaker  breaker.Config            `yaml:"breaker"`
	Redis    redisclient.Config        `yaml:"redis"`
	Database postgres.Config           `yaml:"database"`
	Logging  LoggingConfig             `yaml:"logging"`
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
