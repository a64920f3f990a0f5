package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Default configuration values.
const (
	// DefaultKeepaliveTime is the default interval for keepalive pings.
	DefaultKeepaliveTime = 10 * time.Second

	// DefaultKeepaliveTimeout is the default timeout for keepalive responses.
	DefaultKeepaliveTimeout = 5 * time.Second

	// DefaultCallTimeout bounds a single helper call.
	DefaultCallTimeout = 2 * time.Second

	// DefaultMaxMessageSize is the default maximum gRPC message size (4MB).
	DefaultMaxMessageSize = 4 * 1024 * 1024

	// DefaultMaxRetries is how often a call is retried on transient errors.
	DefaultMaxRetries = 2

	// DefaultRetryDelay is the pause before the first retry. It doubles for
	// each further attempt.
	DefaultRetryDelay = 50 * time.Millisecond
)

// Configuration errors.
var (
	ErrNoEndpoint    = errors.New("remote helper endpoint is required")
	ErrInvalidConfig = errors.New("invalid remote helper configuration")
)

// Config holds the configuration for the helper client.
type Config struct {
	// Endpoint is the gRPC address of the helper server (e.g. "localhost:7411").
	// Required.
	Endpoint string

	// Token is sent as the x-token header on each call when set.
	Token string

	// Keepalive configuration.
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration

	// CallTimeout bounds each helper invocation, retries included.
	CallTimeout time.Duration

	// MaxMessageSize is the maximum gRPC message size in bytes.
	MaxMessageSize int

	// Retry policy for Unavailable and similar transient failures.
	MaxRetries int
	RetryDelay time.Duration

	// Dialer overrides the network dialer (tests use an in-memory listener).
	Dialer func(ctx context.Context, addr string) (net.Conn, error)
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		KeepaliveTime:    DefaultKeepaliveTime,
		KeepaliveTimeout: DefaultKeepaliveTimeout,
		CallTimeout:      DefaultCallTimeout,
		MaxMessageSize:   DefaultMaxMessageSize,
		MaxRetries:       DefaultMaxRetries,
		RetryDelay:       DefaultRetryDelay,
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return ErrNoEndpoint
	}

	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("%w: max message size must be positive", ErrInvalidConfig)
	}

	if c.KeepaliveTime <= 0 {
		return fmt.Errorf("%w: keepalive time must be positive", ErrInvalidConfig)
	}

	if c.KeepaliveTimeout <= 0 {
		return fmt.Errorf("%w: keepalive timeout must be positive", ErrInvalidConfig)
	}

	if c.CallTimeout <= 0 {
		return fmt.Errorf("%w: call timeout must be positive", ErrInvalidConfig)
	}

	if c.MaxRetries < 0 {
		return fmt.Errorf("%w: max retries cannot be negative", ErrInvalidConfig)
	}

	return nil
}

// WithDefaults returns a copy of the config with zero values replaced by
// defaults.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.KeepaliveTime == 0 {
		c.KeepaliveTime = d.KeepaliveTime
	}
	if c.KeepaliveTimeout == 0 {
		c.KeepaliveTimeout = d.KeepaliveTimeout
	}
	if c.CallTimeout == 0 {
		c.CallTimeout = d.CallTimeout
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = d.RetryDelay
	}
	return c
}

// ServerConfig holds the configuration for the helper server.
type ServerConfig struct {
	// Token, when set, must match the x-token header of every call.
	Token string

	// MaxMessageSize is the maximum gRPC message size in bytes.
	MaxMessageSize int

	// Keepalive configuration.
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultServerConfig returns the default server configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		MaxMessageSize:   DefaultMaxMessageSize,
		KeepaliveTime:    DefaultKeepaliveTime,
		KeepaliveTimeout: DefaultKeepaliveTimeout,
	}
}
