// Package config loads and validates the engine's runtime configuration.
// Configuration is YAML, durations are written as Go duration strings
// ("30s", "5m"), and every section has working defaults so an empty file
// yields a runnable single-node engine.
package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/fedmeter/costagg"
	"github.com/c360/fedmeter/errors"
	"github.com/c360/fedmeter/fedstate"
	"github.com/c360/fedmeter/gateway"
	"github.com/c360/fedmeter/health"
	"github.com/c360/fedmeter/ledger"
	"github.com/c360/fedmeter/natsclient"
	"github.com/c360/fedmeter/severance"
)

// Duration wraps time.Duration with YAML duration-string support
type Duration time.Duration

// UnmarshalYAML parses a Go duration string
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration string
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the standard library duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// PlatformConfig identifies this instance
type PlatformConfig struct {
	// Name labels log lines and metrics (default "fedmeter")
	Name string `yaml:"name"`
	// LocalInstance is this server's own federation domain
	LocalInstance string `yaml:"local_instance"`
	// LogLevel is one of debug, info, warn, error (default "info")
	LogLevel string `yaml:"log_level"`
	// LogFormat is "json" or "text" (default "json")
	LogFormat string `yaml:"log_format"`
}

// LedgerConfig tunes the instance ledger
type LedgerConfig struct {
	WindowLength Duration `yaml:"window_length"`
	Retention    Duration `yaml:"retention"`
	CacheSize    int      `yaml:"cache_size"`
}

// Options maps the section onto ledger options
func (c LedgerConfig) Options() ledger.Options {
	opts := ledger.DefaultOptions()
	if c.WindowLength > 0 {
		opts.WindowLength = c.WindowLength.Std()
	}
	if c.Retention > 0 {
		opts.Retention = c.Retention.Std()
	}
	if c.CacheSize > 0 {
		opts.CacheSize = c.CacheSize
	}
	return opts
}

// BudgetConfig holds the cost rate model and alerting threshold shared by
// the enforcer and the cost aggregator
type BudgetConfig struct {
	IngressPerGBUSD        float64 `yaml:"ingress_per_gb_usd"`
	EgressPerGBUSD         float64 `yaml:"egress_per_gb_usd"`
	RequestsPerThousandUSD float64 `yaml:"requests_per_thousand_usd"`
	CostAlertThresholdUSD  float64 `yaml:"cost_alert_threshold_usd"`
}

// CostOptions maps the section onto aggregator options
func (c BudgetConfig) CostOptions() costagg.Options {
	opts := costagg.DefaultOptions()
	if c.IngressPerGBUSD > 0 {
		opts.Rates.IngressPerGBUSD = c.IngressPerGBUSD
	}
	if c.EgressPerGBUSD > 0 {
		opts.Rates.EgressPerGBUSD = c.EgressPerGBUSD
	}
	if c.RequestsPerThousandUSD > 0 {
		opts.Rates.RequestsPerThousandUSD = c.RequestsPerThousandUSD
	}
	if c.CostAlertThresholdUSD > 0 {
		opts.AlertThresholdUSD = c.CostAlertThresholdUSD
	}
	return opts
}

// HealthConfig tunes the instance health monitor
type HealthConfig struct {
	OfflineAfterProbes int      `yaml:"offline_after_probes"`
	TrailingWindow     Duration `yaml:"trailing_window"`
	CriticalErrorRate  float64  `yaml:"critical_error_rate"`
	WarningErrorRate   float64  `yaml:"warning_error_rate"`
	LatencySamples     int      `yaml:"latency_samples"`
}

// Options maps the section onto monitor options
func (c HealthConfig) Options() health.Options {
	opts := health.DefaultOptions()
	if c.OfflineAfterProbes > 0 {
		opts.OfflineAfterProbes = c.OfflineAfterProbes
	}
	if c.TrailingWindow > 0 {
		opts.TrailingWindow = c.TrailingWindow.Std()
	}
	if c.CriticalErrorRate > 0 {
		opts.CriticalErrorRate = c.CriticalErrorRate
	}
	if c.WarningErrorRate > 0 {
		opts.WarningErrorRate = c.WarningErrorRate
	}
	if c.LatencySamples > 0 {
		opts.LatencySamples = c.LatencySamples
	}
	return opts
}

// StateControllerConfig tunes the federation state machine
type StateControllerConfig struct {
	OfflineGrace Duration `yaml:"offline_grace"`
}

// Options maps the section onto controller options
func (c StateControllerConfig) Options() fedstate.Options {
	opts := fedstate.DefaultOptions()
	if c.OfflineGrace > 0 {
		opts.OfflineGrace = c.OfflineGrace.Std()
	}
	return opts
}

// SeveranceConfig tunes the severance manager
type SeveranceConfig struct {
	Workers     int      `yaml:"workers"`
	QueueSize   int      `yaml:"queue_size"`
	ItemTimeout Duration `yaml:"item_timeout"`
}

// Options maps the section onto manager options
func (c SeveranceConfig) Options(localInstance string) severance.Options {
	opts := severance.DefaultOptions(localInstance)
	if c.Workers > 0 {
		opts.Workers = c.Workers
	}
	if c.QueueSize > 0 {
		opts.QueueSize = c.QueueSize
	}
	if c.ItemTimeout > 0 {
		opts.ItemTimeout = c.ItemTimeout.Std()
	}
	return opts
}

// NATSConfig configures the optional NATS bridge and severance persistence.
// An empty URL disables both; the engine then keeps severances in memory.
type NATSConfig struct {
	URL            string   `yaml:"url"`
	Name           string   `yaml:"name"`
	ConnectTimeout Duration `yaml:"connect_timeout"`
	ReconnectWait  Duration `yaml:"reconnect_wait"`
	SubjectPrefix  string   `yaml:"subject_prefix"`
	// PersistSeverances stores severance records in a JetStream KV bucket
	// instead of memory
	PersistSeverances bool `yaml:"persist_severances"`
}

// Enabled reports whether a NATS connection is configured
func (c NATSConfig) Enabled() bool {
	return c.URL != ""
}

// ClientOptions maps the section onto NATS client options
func (c NATSConfig) ClientOptions() natsclient.Options {
	opts := natsclient.DefaultOptions()
	if c.Name != "" {
		opts.Name = c.Name
	}
	if c.ConnectTimeout > 0 {
		opts.ConnectTimeout = c.ConnectTimeout.Std()
	}
	if c.ReconnectWait > 0 {
		opts.ReconnectWait = c.ReconnectWait.Std()
	}
	return opts
}

// MetricsConfig configures the Prometheus exposition server
type MetricsConfig struct {
	Enabled     bool   `yaml:"enabled"`
	BindAddress string `yaml:"bind_address"`
	Path        string `yaml:"path"`
}

// EvaluationConfig tunes the periodic evaluation loop
type EvaluationConfig struct {
	Interval Duration `yaml:"interval"`
}

// Config is the engine's complete runtime configuration
type Config struct {
	Platform        PlatformConfig        `yaml:"platform"`
	Ledger          LedgerConfig          `yaml:"ledger"`
	Budget          BudgetConfig          `yaml:"budget"`
	Health          HealthConfig          `yaml:"health"`
	StateController StateControllerConfig `yaml:"state_controller"`
	Severance       SeveranceConfig       `yaml:"severance"`
	Gateway         gateway.Config        `yaml:"gateway"`
	NATS            NATSConfig            `yaml:"nats"`
	Metrics         MetricsConfig         `yaml:"metrics"`
	Evaluation      EvaluationConfig      `yaml:"evaluation"`
}

// DefaultConfig returns the configuration an empty file resolves to
func DefaultConfig() Config {
	return Config{
		Platform: PlatformConfig{
			Name:          "fedmeter",
			LocalInstance: "localhost",
			LogLevel:      "info",
			LogFormat:     "json",
		},
		Gateway: gateway.DefaultConfig(),
		Metrics: MetricsConfig{
			Enabled:     true,
			BindAddress: ":9090",
			Path:        "/metrics",
		},
		Evaluation: EvaluationConfig{
			Interval: Duration(30 * time.Second),
		},
	}
}

// Load reads and validates a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapInvalid(err, "config", "Load", "read config file")
	}
	return Parse(data)
}

// Parse decodes and validates YAML configuration bytes
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.WrapInvalid(err, "config", "Parse", "decode yaml")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate normalizes and checks the whole configuration
func (c *Config) Validate() error {
	if c.Platform.Name == "" {
		c.Platform.Name = "fedmeter"
	}
	if c.Platform.LocalInstance == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate",
			"platform.local_instance must be set")
	}

	switch c.Platform.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("unknown log level %q", c.Platform.LogLevel))
	}
	switch c.Platform.LogFormat {
	case "", "json", "text":
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("unknown log format %q", c.Platform.LogFormat))
	}

	if c.Budget.IngressPerGBUSD < 0 || c.Budget.EgressPerGBUSD < 0 || c.Budget.RequestsPerThousandUSD < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"cost rates must not be negative")
	}

	if c.Health.CriticalErrorRate != 0 && c.Health.WarningErrorRate != 0 &&
		c.Health.CriticalErrorRate <= c.Health.WarningErrorRate {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"health.critical_error_rate must exceed health.warning_error_rate")
	}

	if err := c.Gateway.Validate(); err != nil {
		return errors.WrapInvalid(err, "Config", "Validate", "gateway section")
	}

	if c.NATS.Enabled() {
		if _, err := url.Parse(c.NATS.URL); err != nil {
			return errors.WrapInvalid(err, "Config", "Validate", "nats.url")
		}
	}
	if c.NATS.PersistSeverances && !c.NATS.Enabled() {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"nats.persist_severances requires nats.url")
	}

	if c.Metrics.Enabled {
		if c.Metrics.BindAddress == "" {
			c.Metrics.BindAddress = ":9090"
		}
		if c.Metrics.Path == "" {
			c.Metrics.Path = "/metrics"
		}
	}

	if c.Evaluation.Interval <= 0 {
		c.Evaluation.Interval = Duration(30 * time.Second)
	}
	if c.Evaluation.Interval.Std() < time.Second {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"evaluation.interval must be at least 1s")
	}

	return nil
}

// SafeConfig returns a loggable view with credentials redacted
func (c *Config) SafeConfig() map[string]any {
	natsURL := c.NATS.URL
	if natsURL != "" {
		if parsed, err := url.Parse(natsURL); err == nil && parsed.User != nil {
			parsed.User = url.UserPassword("REDACTED", "REDACTED")
			natsURL = parsed.String()
		}
	}
	return map[string]any{
		"platform": map[string]any{
			"name":           c.Platform.Name,
			"local_instance": c.Platform.LocalInstance,
			"log_level":      c.Platform.LogLevel,
			"log_format":     c.Platform.LogFormat,
		},
		"gateway": map[string]any{
			"bind_address": c.Gateway.BindAddress,
			"path":         c.Gateway.Path,
			"playground":   c.Gateway.EnablePlayground,
		},
		"nats": map[string]any{
			"url":                natsURL,
			"persist_severances": c.NATS.PersistSeverances,
		},
		"metrics": map[string]any{
			"enabled":      c.Metrics.Enabled,
			"bind_address": c.Metrics.BindAddress,
		},
		"evaluation_interval": c.Evaluation.Interval.Std().String(),
	}
}
