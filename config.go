package bpipe

import (
	"github.com/caarlos0/env/v11"
	"github.com/cockroachdb/errors"
)

// Config carries per-connection settings distributed through a bucket tree
// with SetConfig. A nil *Config is valid everywhere and means defaults.
type Config struct {
	// ConnPipelining mirrors the CONN_PIPELINING connection setting. When
	// "Y", requests are pipelined on the connection and the TLS layer must
	// detect mid-connection renegotiation, which would disrupt request
	// ordering.
	ConnPipelining string `env:"CONN_PIPELINING" envDefault:"N"`

	// Logs receives diagnostics from the buckets carrying this config.
	Logs Logger `env:"-"`
}

// ConfigFromEnv parses the connection configuration from environment
// variables.
func ConfigFromEnv() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse environment")
	}

	return &cfg, nil
}

// Pipelined reports whether requests are pipelined on this connection.
func (c *Config) Pipelined() bool {
	return c != nil && c.ConnPipelining == "Y"
}

// Logger returns the configured logger, or a no-op one.
func (c *Config) Logger() Logger {
	if c == nil || c.Logs == nil {
		return NopLogger()
	}
	return c.Logs
}
