// Package pipeline implements the admission pipeline and admin surface: the
// collaborator that sits in front of a ratelimit.Registry and turns an
// inbound HTTP request into a principal key, a policy lookup, and the
// headers/body the caller sees.
package pipeline

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/ratelimitd/ratelimitd/pkg/ratelimit"
)

// AlgorithmConfig is the per-algorithm block of the configuration surface:
// `{capacity, rate|limit, window_ms, sub_windows}`. Rate is the per-second
// rate of the bucket algorithms; Limit is an alternate spelling of Capacity
// (the original's YAML uses it for window algorithms) and, when set, takes
// precedence over Capacity.
type AlgorithmConfig struct {
	Capacity   int64   `yaml:"capacity" mapstructure:"capacity"`
	Rate       float64 `yaml:"rate" mapstructure:"rate"`
	Limit      int64   `yaml:"limit" mapstructure:"limit"`
	WindowMs   int64   `yaml:"window_ms" mapstructure:"window_ms"`
	SubWindows int64   `yaml:"sub_windows" mapstructure:"sub_windows"`
}

// UrlPatternConfig overrides the default algorithm for requests matching a
// glob pattern: `"<glob>": {algorithm, capacity, rate, limit, window_ms}`.
type UrlPatternConfig struct {
	Algorithm  string  `yaml:"algorithm" mapstructure:"algorithm"`
	Capacity   int64   `yaml:"capacity" mapstructure:"capacity"`
	Rate       float64 `yaml:"rate" mapstructure:"rate"`
	Limit      int64   `yaml:"limit" mapstructure:"limit"`
	WindowMs   int64   `yaml:"window_ms" mapstructure:"window_ms"`
	SubWindows int64   `yaml:"sub_windows" mapstructure:"sub_windows"`
}

// Config is the static configuration surface (§6). It is unmarshaled from
// YAML via viper, matching the teacher corpus's config-manager convention
// of a mapstructure-tagged struct fed through viper.Unmarshal.
type Config struct {
	Enabled           bool                        `yaml:"enabled" mapstructure:"enabled"`
	DefaultAlgorithm  string                      `yaml:"defaultAlgorithm" mapstructure:"defaultAlgorithm"`
	TokenBucket       AlgorithmConfig             `yaml:"tokenBucket" mapstructure:"tokenBucket"`
	LeakyBucket       AlgorithmConfig             `yaml:"leakyBucket" mapstructure:"leakyBucket"`
	FixedWindow       AlgorithmConfig             `yaml:"fixedWindow" mapstructure:"fixedWindow"`
	SlidingLog        AlgorithmConfig             `yaml:"slidingLog" mapstructure:"slidingLog"`
	SlidingCounter    AlgorithmConfig             `yaml:"slidingCounter" mapstructure:"slidingCounter"`
	URLPatterns       map[string]UrlPatternConfig `yaml:"urlPatterns" mapstructure:"urlPatterns"`
	ExcludedPrefixes  []string                    `yaml:"excludedPrefixes" mapstructure:"excludedPrefixes"`
	FallbackPrincipal string                      `yaml:"fallbackPrincipal" mapstructure:"fallbackPrincipal"`
}

// defaultExcludedPrefixes reproduces RateLimitFilter.shouldNotFilter's
// health/metrics exclusion from the original Java filter.
var defaultExcludedPrefixes = []string{"/actuator/", "/health", "/metrics"}

// LoadConfig reads a YAML configuration file from path using viper,
// applying the same defaults as NewConfig when fields are absent.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("%w: reading config %s: %v", ratelimit.ErrConfiguration, path, err)
	}
	cfg := NewConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("%w: decoding config %s: %v", ratelimit.ErrConfiguration, path, err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// NewConfig returns a Config with spec-mandated defaults applied: enabled,
// the three health/metrics exclusion prefixes, and the anonymous fallback
// principal.
func NewConfig() *Config {
	cfg := &Config{Enabled: true}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if len(c.ExcludedPrefixes) == 0 {
		c.ExcludedPrefixes = append([]string(nil), defaultExcludedPrefixes...)
	}
	if c.FallbackPrincipal == "" {
		c.FallbackPrincipal = "anonymous"
	}
	if c.DefaultAlgorithm == "" {
		c.DefaultAlgorithm = "token-bucket"
	}
}

// algorithmConfig returns the per-algorithm block for tag, or an error if
// tag names no known algorithm.
func (c *Config) algorithmConfig(tag string) (AlgorithmConfig, error) {
	switch tag {
	case "token-bucket":
		return c.TokenBucket, nil
	case "leaky-bucket":
		return c.LeakyBucket, nil
	case "fixed-window":
		return c.FixedWindow, nil
	case "sliding-window-log":
		return c.SlidingLog, nil
	case "sliding-window-counter":
		return c.SlidingCounter, nil
	default:
		return AlgorithmConfig{}, fmt.Errorf("%w: unknown algorithm tag %q", ratelimit.ErrConfiguration, tag)
	}
}

// tagToKind maps the lowercase-kebab algorithm tag used in configuration
// and Decision.Algorithm to the Kind the engine registry expects.
func tagToKind(tag string) (ratelimit.Kind, error) {
	switch tag {
	case "token-bucket":
		return ratelimit.KindTokenBucket, nil
	case "leaky-bucket":
		return ratelimit.KindLeakyBucket, nil
	case "fixed-window":
		return ratelimit.KindFixedWindow, nil
	case "sliding-window-log":
		return ratelimit.KindSlidingLog, nil
	case "sliding-window-counter":
		return ratelimit.KindSlidingCounter, nil
	default:
		return "", fmt.Errorf("%w: unknown algorithm tag %q", ratelimit.ErrConfiguration, tag)
	}
}

// policyFor builds a ratelimit.Policy for algorithm tag, overlaying any
// url-pattern-specific overrides on top of the per-algorithm block. Limit,
// when non-zero, takes precedence over Capacity (the original config's
// "limit" spelling for window algorithms).
func (c *Config) policyFor(tag string, override *UrlPatternConfig) (ratelimit.Policy, error) {
	kind, err := tagToKind(tag)
	if err != nil {
		return ratelimit.Policy{}, err
	}
	base, err := c.algorithmConfig(tag)
	if err != nil {
		return ratelimit.Policy{}, err
	}

	policy := ratelimit.Policy{
		Kind:              kind,
		Capacity:          base.Capacity,
		Rate:              base.Rate,
		WindowMillis:      base.WindowMs,
		SubWindows:        base.SubWindows,
		FallbackPrincipal: c.FallbackPrincipal,
		KeyStrategy:       ratelimit.KeyByUserID,
	}
	if base.Limit != 0 {
		policy.Capacity = base.Limit
	}

	if override != nil {
		if override.Capacity != 0 {
			policy.Capacity = override.Capacity
		}
		if override.Limit != 0 {
			policy.Capacity = override.Limit
		}
		if override.Rate != 0 {
			policy.Rate = override.Rate
		}
		if override.WindowMs != 0 {
			policy.WindowMillis = override.WindowMs
		}
		if override.SubWindows != 0 {
			policy.SubWindows = override.SubWindows
		}
	}
	return policy, nil
}

// isExcluded reports whether path is covered by one of the configured
// excluded prefixes.
func (c *Config) isExcluded(path string) bool {
	for _, prefix := range c.ExcludedPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
