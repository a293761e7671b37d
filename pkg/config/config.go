// Package config loads the alert engine's YAML configuration and
// applies defaults and validation before the process wires itself up.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/opsignal/alerting-engine/pkg/alerting"
	"github.com/opsignal/alerting-engine/pkg/logging"
	"github.com/opsignal/alerting-engine/pkg/notification"
)

// Config is the root configuration for the alert engine process.
type Config struct {
	// ListenAddress serves the metrics endpoint.
	ListenAddress string `yaml:"listen_address"`

	// EvaluationInterval is the cadence at which metric snapshots are
	// pulled and evaluated.
	EvaluationInterval time.Duration `yaml:"evaluation_interval"`

	Logging    logging.Config                     `yaml:"logging"`
	Engine     alerting.EngineConfig              `yaml:"engine"`
	Dispatcher notification.DispatcherConfig      `yaml:"dispatcher"`
	Channels   ChannelsConfig                     `yaml:"channels"`
	Notify     []*notification.NotificationConfig `yaml:"notify"`
}

// ChannelsConfig holds per-channel delivery settings. A channel left
// nil stays unregistered.
type ChannelsConfig struct {
	Email   *notification.EmailConfig   `yaml:"email,omitempty"`
	Webhook *notification.WebhookConfig `yaml:"webhook,omitempty"`
	SMS     *notification.GatewayConfig `yaml:"sms,omitempty"`
	IM      *notification.GatewayConfig `yaml:"im,omitempty"`
	Phone   *notification.GatewayConfig `yaml:"phone,omitempty"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() *Config {
	return &Config{
		ListenAddress:      ":9090",
		EvaluationInterval: 30 * time.Second,
		Logging: logging.Config{
			Level:       logging.LevelInfo,
			Format:      "json",
			ServiceName: "alert-engine",
		},
		Engine:     alerting.DefaultEngineConfig(),
		Dispatcher: notification.DefaultDispatcherConfig(),
	}
}

// Load reads the YAML file at path over the defaults. An empty path
// returns the defaults untouched.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// yaml.v2 decodes time.Duration only from integer nanoseconds, so
	// duration strings like "5m" are rewritten before the typed pass.
	var tree any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	data, err = yaml.Marshal(normalizeDurations(tree))
	if err != nil {
		return nil, fmt.Errorf("normalize config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// durationKey reports whether a mapping key names a duration field.
func durationKey(key string) bool {
	return strings.HasSuffix(key, "_interval") ||
		strings.HasSuffix(key, "_window") ||
		strings.HasSuffix(key, "_timeout") ||
		key == "backoff_unit" ||
		key == "horizon"
}

// normalizeDurations walks the decoded YAML tree and replaces duration
// strings under duration keys with their nanosecond integer value.
// Unparseable strings are left alone for the typed unmarshal to reject.
func normalizeDurations(node any) any {
	switch v := node.(type) {
	case map[any]any:
		for key, val := range v {
			name, _ := key.(string)
			if s, ok := val.(string); ok && durationKey(name) {
				if d, err := time.ParseDuration(s); err == nil {
					v[key] = int64(d)
					continue
				}
			}
			v[key] = normalizeDurations(val)
		}
	case []any:
		for i := range v {
			v[i] = normalizeDurations(v[i])
		}
	}
	return node
}

// Validate checks cross-field constraints the YAML schema cannot.
func (c *Config) Validate() error {
	if c.ListenAddress == "" {
		return fmt.Errorf("listen_address must not be empty")
	}
	if c.EvaluationInterval <= 0 {
		return fmt.Errorf("evaluation_interval must be positive")
	}
	if c.Engine.AnalysisInterval <= 0 {
		return fmt.Errorf("engine.analysis_interval must be positive")
	}
	if c.Engine.AnalysisWindow <= 0 {
		return fmt.Errorf("engine.analysis_window must be positive")
	}
	if c.Engine.EscalationInterval <= 0 {
		return fmt.Errorf("engine.escalation_interval must be positive")
	}
	if c.Dispatcher.QueueSize <= 0 {
		return fmt.Errorf("dispatcher.queue_size must be positive")
	}
	if c.Dispatcher.WorkersPerChannel <= 0 {
		return fmt.Errorf("dispatcher.workers_per_channel must be positive")
	}
	if c.Dispatcher.RateLimitMax <= 0 || c.Dispatcher.RateLimitWindow <= 0 {
		return fmt.Errorf("dispatcher rate limit must be positive")
	}
	for i, n := range c.Notify {
		if err := n.Validate(); err != nil {
			return fmt.Errorf("notify[%d]: %w", i, err)
		}
	}
	return nil
}
