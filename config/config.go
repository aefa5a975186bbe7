// Package config loads the extension runtime's configuration from a
// YAML file (JSON is accepted too, the parser handles both).
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/perch-ai/perch/safety"
	"github.com/perch-ai/perch/wasm"
)

// Breaker holds the circuit breaker thresholds applied per extension.
type Breaker struct {
	FailureThreshold int64 `json:"failure_threshold" yaml:"failure_threshold"`
	SuccessThreshold int64 `json:"success_threshold" yaml:"success_threshold"`
	CooldownSeconds  int   `json:"cooldown_seconds" yaml:"cooldown_seconds"`
}

// Config is the runtime configuration of the extension subsystem.
type Config struct {
	// ExtensionPaths are the directories scanned for extensions and
	// watched when Watch is set.
	ExtensionPaths []string `json:"extension_paths" yaml:"extension_paths"`

	// Watch enables automatic reload when extension files change.
	Watch bool `json:"watch" yaml:"watch"`

	Sandbox wasm.SandboxConfig `json:"sandbox" yaml:"sandbox"`
	Breaker Breaker            `json:"breaker" yaml:"breaker"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `json:"log_level" yaml:"log_level"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	breaker := safety.DefaultBreakerConfig()
	return Config{
		ExtensionPaths: []string{"./extensions"},
		Sandbox:        wasm.DefaultSandboxConfig(),
		Breaker: Breaker{
			FailureThreshold: breaker.FailureThreshold,
			SuccessThreshold: breaker.SuccessThreshold,
			CooldownSeconds:  int(breaker.Cooldown / time.Second),
		},
		LogLevel: "info",
	}
}

// Load reads a configuration file. File values override the defaults
// field by field.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// BreakerConfig converts the breaker settings to the safety package's
// form.
func (c Config) BreakerConfig() safety.BreakerConfig {
	return safety.BreakerConfig{
		FailureThreshold: c.Breaker.FailureThreshold,
		SuccessThreshold: c.Breaker.SuccessThreshold,
		Cooldown:         time.Duration(c.Breaker.CooldownSeconds) * time.Second,
	}
}
