// Package config loads service configuration from defaults, an optional
// YAML file and ORRERY_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g. ORRERY_HTTP_ADDR.
const EnvPrefix = "ORRERY"

// Config is the root configuration struct.
type Config struct {
	HTTP        HTTPConfig        `mapstructure:"http"`
	Log         LogConfig         `mapstructure:"log"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Propagation PropagationConfig `mapstructure:"propagation"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Stream      StreamConfig      `mapstructure:"stream"`
}

// HTTPConfig holds listener settings.
type HTTPConfig struct {
	Addr       string `mapstructure:"addr"`
	TrustProxy bool   `mapstructure:"trust_proxy"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json or text
}

// AuthConfig holds the operator token settings.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Token   string `mapstructure:"token"`
}

// PropagationConfig holds keyframe generation settings.
type PropagationConfig struct {
	Workers   int     `mapstructure:"workers"`
	Scale     float64 `mapstructure:"scale"`
	MaxFrames int     `mapstructure:"max_frames"`
}

// CacheConfig holds the rolling window settings.
type CacheConfig struct {
	Step    time.Duration `mapstructure:"step"`
	Horizon time.Duration `mapstructure:"horizon"`
	Buffer  time.Duration `mapstructure:"buffer"`
}

// StreamConfig holds SSE limits.
type StreamConfig struct {
	MaxPerIP  int           `mapstructure:"max_per_ip"`
	MaxTotal  int           `mapstructure:"max_total"`
	Keepalive time.Duration `mapstructure:"keepalive"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.trust_proxy", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.token", "")
	v.SetDefault("propagation.workers", runtime.NumCPU())
	v.SetDefault("propagation.scale", 8.0)
	v.SetDefault("propagation.max_frames", 10000)
	v.SetDefault("cache.step", time.Minute)
	v.SetDefault("cache.horizon", time.Hour)
	v.SetDefault("cache.buffer", 10*time.Minute)
	v.SetDefault("stream.max_per_ip", 10)
	v.SetDefault("stream.max_total", 1000)
	v.SetDefault("stream.keepalive", 30*time.Second)
}

// Load reads configuration. An empty cfgFile searches for orrery.yaml in
// ./configs, /etc/orrery and the working directory; not finding one is fine.
// An explicit cfgFile must exist.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("orrery")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/orrery")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error

	if c.Auth.Enabled && c.Auth.Token == "" {
		errs = append(errs, errors.New("auth.token is required when auth is enabled"))
	}
	if c.Propagation.Scale <= 0 {
		errs = append(errs, fmt.Errorf("propagation.scale must be positive, got %v", c.Propagation.Scale))
	}
	if c.Propagation.Workers < 1 {
		errs = append(errs, fmt.Errorf("propagation.workers must be at least 1, got %d", c.Propagation.Workers))
	}
	if c.Propagation.MaxFrames < 1 {
		errs = append(errs, fmt.Errorf("propagation.max_frames must be at least 1, got %d", c.Propagation.MaxFrames))
	}
	if c.Cache.Step < time.Second {
		errs = append(errs, fmt.Errorf("cache.step must be at least 1s, got %s", c.Cache.Step))
	} else if c.Cache.Horizon < c.Cache.Step {
		errs = append(errs, fmt.Errorf("cache.horizon %s is shorter than cache.step %s", c.Cache.Horizon, c.Cache.Step))
	} else if frames := int(c.Cache.Horizon/c.Cache.Step) + 1; frames > c.Propagation.MaxFrames {
		errs = append(errs, fmt.Errorf("cache window needs %d frames, above propagation.max_frames %d", frames, c.Propagation.MaxFrames))
	}
	if c.Cache.Buffer < 0 {
		errs = append(errs, fmt.Errorf("cache.buffer must not be negative, got %s", c.Cache.Buffer))
	}
	if c.Stream.MaxPerIP < 1 || c.Stream.MaxTotal < c.Stream.MaxPerIP {
		errs = append(errs, fmt.Errorf("stream limits must satisfy 1 <= max_per_ip <= max_total, got %d/%d", c.Stream.MaxPerIP, c.Stream.MaxTotal))
	}
	if c.Stream.Keepalive <= 0 {
		errs = append(errs, fmt.Errorf("stream.keepalive must be positive, got %s", c.Stream.Keepalive))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		errs = append(errs, fmt.Errorf("log.format must be json or text, got %q", c.Log.Format))
	}

	return errors.Join(errs...)
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return l, nil
}

// SlogLevel returns the configured log level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	l, err := parseLevel(c.Log.Level)
	if err != nil {
		return slog.LevelInfo
	}
	return l
}

// LogValue implements slog.LogValuer. The auth token is never logged.
func (c *Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("http_addr", c.HTTP.Addr),
		slog.Bool("trust_proxy", c.HTTP.TrustProxy),
		slog.String("log_level", c.Log.Level),
		slog.Bool("auth_enabled", c.Auth.Enabled),
		slog.Int("workers", c.Propagation.Workers),
		slog.Float64("scale", c.Propagation.Scale),
		slog.Int("max_frames", c.Propagation.MaxFrames),
		slog.Duration("cache_step", c.Cache.Step),
		slog.Duration("cache_horizon", c.Cache.Horizon),
		slog.Duration("cache_buffer", c.Cache.Buffer),
		slog.Int("stream_max_per_ip", c.Stream.MaxPerIP),
		slog.Int("stream_max_total", c.Stream.MaxTotal),
		slog.Duration("stream_keepalive", c.Stream.Keepalive),
	)
}
