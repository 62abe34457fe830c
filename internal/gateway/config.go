package gateway

import "time"

const (
	// DefaultMaxBodySize is used when Config.MaxBodySize is zero.
	DefaultMaxBodySize = 1 << 20

	// DefaultBackendTimeout bounds one backend call.
	DefaultBackendTimeout = 35 * time.Second

	// DefaultMaxConcurrent bounds concurrently running backend tasks.
	DefaultMaxConcurrent = 16

	// DefaultChannel is the path segment under /webhooks/.
	DefaultChannel = "wecom"

	defaultShutdownTimeout = 30 * time.Second
)

// Config holds the gateway server settings.
type Config struct {
	Listen      string
	Channel     string
	MaxBodySize int64

	ServiceName string
	Version     string

	BackendTimeout time.Duration
	MaxConcurrent  int
	Fallback       Fallbacks

	MetricsEnabled bool
	MetricsToken   string

	// ShutdownTimeout bounds how long Start waits for detached tasks.
	ShutdownTimeout time.Duration
}

// Fallbacks are the user-visible texts sent in place of a backend reply.
type Fallbacks struct {
	Timeout     string
	Unavailable string
	Empty       string
	Failure     string
}

func (c *Config) applyDefaults() {
	if c.Channel == "" {
		c.Channel = DefaultChannel
	}
	if c.MaxBodySize <= 0 {
		c.MaxBodySize = DefaultMaxBodySize
	}
	if c.BackendTimeout <= 0 {
		c.BackendTimeout = DefaultBackendTimeout
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = defaultShutdownTimeout
	}
	if c.ServiceName == "" {
		c.ServiceName = "wecom-gateway"
	}
}
