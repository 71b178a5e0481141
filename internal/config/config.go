// Package config loads and validates application configuration. Values come
// from, in order of precedence: explicit setters, environment variables
// (PAGECTL_ prefix), a YAML config file, and built-in defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for the action execution core.
type Config struct {
	Logger      LoggerConfig      `mapstructure:"logger" yaml:"logger"`
	Gate        GateConfig        `mapstructure:"gate" yaml:"gate"`
	Recovery    RecoveryConfig    `mapstructure:"recovery" yaml:"recovery"`
	Resolver    ResolverConfig    `mapstructure:"resolver" yaml:"resolver"`
	Replay      ReplayConfig      `mapstructure:"replay" yaml:"replay"`
	Interceptor InterceptorConfig `mapstructure:"interceptor" yaml:"interceptor"`
	Browser     BrowserConfig     `mapstructure:"browser" yaml:"browser"`
}

// LoggerConfig controls the zap logger setup.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"` // "console" or "json"
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"` // megabytes, per rotated file
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"` // days
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
}

// GateConfig controls the policy gate.
type GateConfig struct {
	Enabled             bool          `mapstructure:"enabled" yaml:"enabled"`
	Level               string        `mapstructure:"level" yaml:"level"`
	ConfirmationTimeout time.Duration `mapstructure:"confirmation_timeout" yaml:"confirmation_timeout"`
	MaxViolations       int           `mapstructure:"max_violations" yaml:"max_violations"`
}

// RecoveryConfig controls the resilient executor.
type RecoveryConfig struct {
	MaxRetries         int           `mapstructure:"max_retries" yaml:"max_retries"`
	BaseDelay          time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
	MaxDelay           time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
	EnableAutoRecovery bool          `mapstructure:"enable_auto_recovery" yaml:"enable_auto_recovery"`
	MaxHistory         int           `mapstructure:"max_history" yaml:"max_history"`
}

// ResolverConfig controls the element resolver.
type ResolverConfig struct {
	ConfidenceThreshold float64       `mapstructure:"confidence_threshold" yaml:"confidence_threshold"`
	CacheTTL            time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl"`
	EnableCache         bool          `mapstructure:"enable_cache" yaml:"enable_cache"`
	MaxCacheEntries     int           `mapstructure:"max_cache_entries" yaml:"max_cache_entries"`
}

// ReplayConfig controls the replay controller.
type ReplayConfig struct {
	Speed          float64       `mapstructure:"speed" yaml:"speed"`
	ActionInterval time.Duration `mapstructure:"action_interval" yaml:"action_interval"`
	StopOnError    bool          `mapstructure:"stop_on_error" yaml:"stop_on_error"`
}

// InterceptorConfig controls the network interception engine.
type InterceptorConfig struct {
	MaxLogEntries int `mapstructure:"max_log_entries" yaml:"max_log_entries"`
}

// BrowserConfig controls the CDP adapter used by the CLI composition root.
type BrowserConfig struct {
	Headless        bool          `mapstructure:"headless" yaml:"headless"`
	IgnoreTLSErrors bool          `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	NavTimeout      time.Duration `mapstructure:"nav_timeout" yaml:"nav_timeout"`
}

// SetViperDefaults seeds a viper instance with the baseline configuration.
// Callers that manage their own viper (the CLI) use this before reading.
func SetViperDefaults(v *viper.Viper) { setDefaults(v) }

func setDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)
	v.SetDefault("logger.service_name", "pagectl")

	v.SetDefault("gate.enabled", true)
	v.SetDefault("gate.level", "normal")
	v.SetDefault("gate.confirmation_timeout", 30*time.Second)
	v.SetDefault("gate.max_violations", 200)

	v.SetDefault("recovery.max_retries", 3)
	v.SetDefault("recovery.base_delay", 250*time.Millisecond)
	v.SetDefault("recovery.max_delay", 10*time.Second)
	v.SetDefault("recovery.enable_auto_recovery", true)
	v.SetDefault("recovery.max_history", 100)

	v.SetDefault("resolver.confidence_threshold", 0.6)
	v.SetDefault("resolver.cache_ttl", 30*time.Second)
	v.SetDefault("resolver.enable_cache", true)
	v.SetDefault("resolver.max_cache_entries", 512)

	v.SetDefault("replay.speed", 1.0)
	v.SetDefault("replay.action_interval", 300*time.Millisecond)
	v.SetDefault("replay.stop_on_error", true)

	v.SetDefault("interceptor.max_log_entries", 1000)

	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.nav_timeout", 45*time.Second)
}

// Load reads configuration from the optional file path plus environment
// overrides, falling back to defaults for anything unset.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("PAGECTL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %q: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in configuration, useful for library consumers
// that do not load a file.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// Unmarshal of pure defaults cannot fail.
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// Validate checks cross-field constraints that viper cannot express.
func (c *Config) Validate() error {
	switch c.Logger.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("invalid logger format %q", c.Logger.Format)
	}
	switch c.Gate.Level {
	case "unrestricted", "normal", "cautious", "strict", "readonly":
	default:
		return fmt.Errorf("invalid gate safety level %q", c.Gate.Level)
	}
	if c.Recovery.MaxRetries < 0 {
		return fmt.Errorf("recovery.max_retries must be >= 0, got %d", c.Recovery.MaxRetries)
	}
	if c.Resolver.ConfidenceThreshold < 0 || c.Resolver.ConfidenceThreshold > 1 {
		return fmt.Errorf("resolver.confidence_threshold must be in [0,1], got %v", c.Resolver.ConfidenceThreshold)
	}
	if c.Replay.Speed <= 0 {
		return fmt.Errorf("replay.speed must be positive, got %v", c.Replay.Speed)
	}
	if c.Interceptor.MaxLogEntries <= 0 {
		return fmt.Errorf("interceptor.max_log_entries must be positive, got %d", c.Interceptor.MaxLogEntries)
	}
	return nil
}
