// Package gateway defines the shared contract and configuration for API
// gateway components. The concrete GraphQL gateway lives in the graphql
// subpackage; this package holds what any transport-level gateway needs: a
// lifecycle interface and the HTTP-facing configuration block.
package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/c360/fedmeter/errors"
)

// Gateway is the lifecycle interface implemented by API gateway components.
//
// Setup validates configuration and builds internal state, Start binds the
// listener and serves until the context is cancelled, Stop drains in-flight
// requests within the timeout.
type Gateway interface {
	Setup() error

	// Start serves until ctx is cancelled. The ready channel is closed once
	// the listener is bound and accepting connections.
	Start(ctx context.Context, ready chan<- struct{}) error

	Stop(timeout time.Duration) error

	// Healthy reports whether the gateway is accepting requests
	Healthy() bool
}

// Config holds the HTTP-facing configuration shared by gateway transports
type Config struct {
	// BindAddress is the HTTP bind address (default: ":8080")
	BindAddress string `json:"bind_address" yaml:"bind_address"`

	// Path is the API endpoint path (default: "/graphql")
	Path string `json:"path" yaml:"path"`

	// EnablePlayground serves an interactive query UI at the root path
	EnablePlayground bool `json:"enable_playground" yaml:"enable_playground"`

	// EnableCORS enables CORS headers (default: true)
	EnableCORS bool `json:"enable_cors" yaml:"enable_cors"`

	// CORSOrigins lists allowed CORS origins. Defaults to ["*"] when CORS
	// is enabled and no origins are configured.
	CORSOrigins []string `json:"cors_origins,omitempty" yaml:"cors_origins,omitempty"`

	// TimeoutStr is the per-request timeout (default: "30s")
	TimeoutStr string `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// MaxQueryDepth limits query nesting depth (default: 10)
	MaxQueryDepth int `json:"max_query_depth,omitempty" yaml:"max_query_depth,omitempty"`

	// MaxRequestSize limits request body size in bytes (default: 1MB)
	MaxRequestSize int64 `json:"max_request_size,omitempty" yaml:"max_request_size,omitempty"`

	// timeout is the parsed duration (internal use)
	timeout time.Duration
}

// Validate normalizes and checks the configuration
func (c *Config) Validate() error {
	if c.BindAddress == "" {
		c.BindAddress = ":8080"
	}

	if c.Path == "" {
		c.Path = "/graphql"
	}
	if c.Path[0] != '/' {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"path must start with /")
	}

	if c.TimeoutStr == "" {
		c.timeout = 30 * time.Second
	} else {
		timeout, err := time.ParseDuration(c.TimeoutStr)
		if err != nil {
			return errors.WrapInvalid(err, "Config", "Validate",
				fmt.Sprintf("invalid timeout format: %s", c.TimeoutStr))
		}
		if timeout < 100*time.Millisecond || timeout > 5*time.Minute {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
				"timeout must be between 100ms and 5m")
		}
		c.timeout = timeout
	}

	if c.MaxQueryDepth == 0 {
		c.MaxQueryDepth = 10
	}
	if c.MaxQueryDepth < 1 || c.MaxQueryDepth > 50 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"max_query_depth must be between 1 and 50")
	}

	if c.MaxRequestSize < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"max_request_size cannot be negative")
	}
	if c.MaxRequestSize == 0 {
		c.MaxRequestSize = 1024 * 1024
	}
	if c.MaxRequestSize > 100*1024*1024 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"max_request_size cannot exceed 100MB")
	}

	if c.EnableCORS && len(c.CORSOrigins) == 0 {
		c.CORSOrigins = []string{"*"}
	}

	return nil
}

// Timeout returns the parsed per-request timeout
func (c *Config) Timeout() time.Duration {
	return c.timeout
}

// DefaultConfig returns the default gateway configuration
func DefaultConfig() Config {
	return Config{
		BindAddress:      ":8080",
		Path:             "/graphql",
		EnablePlayground: true,
		EnableCORS:       true,
		CORSOrigins:      []string{"*"},
		TimeoutStr:       "30s",
		MaxQueryDepth:    10,
		MaxRequestSize:   1024 * 1024,
	}
}
