package connection

import (
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultMaxReconnectAttempts = 10
	DefaultReconnectInterval    = 5 * time.Second
	DefaultHeartbeatInterval    = 5 * time.Second
)

// Config controls the connection lifecycle.
type Config struct {
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectInterval    time.Duration
	HeartbeatInterval    time.Duration
	// Logger defaults to the global zerolog logger.
	Logger *zerolog.Logger
}

func DefaultConfig() Config {
	return Config{
		AutoReconnect:        true,
		MaxReconnectAttempts: DefaultMaxReconnectAttempts,
		ReconnectInterval:    DefaultReconnectInterval,
		HeartbeatInterval:    DefaultHeartbeatInterval,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = DefaultReconnectInterval
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	return c
}
