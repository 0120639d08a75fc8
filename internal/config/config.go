package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config represents the entire application configuration
type Config struct {
	Cache    CacheConfig    `mapstructure:"cache"`
	Janitor  JanitorConfig  `mapstructure:"janitor"`
	Prefetch PrefetchConfig `mapstructure:"prefetch"`
	Origin   OriginConfig   `mapstructure:"origin"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Database DatabaseConfig `mapstructure:"database"`
}

// CacheConfig contains chunk store settings
type CacheConfig struct {
	RootDir             string `mapstructure:"root_dir"`
	MaxSizeMB           int    `mapstructure:"max_size_mb"`
	EvictTargetPercent  int    `mapstructure:"evict_target_percent"`
	MaxEntryAge         string `mapstructure:"max_entry_age"`
	PlayableThresholdKB int    `mapstructure:"playable_threshold_kb"`
}

// JanitorConfig contains cache maintenance settings
type JanitorConfig struct {
	Interval      string `mapstructure:"interval"`
	MinRunSpacing string `mapstructure:"min_run_spacing"`
}

// PrefetchConfig contains prefetcher settings
type PrefetchConfig struct {
	DefaultSizeMB int `mapstructure:"default_size_mb"`
	Concurrency   int `mapstructure:"concurrency"`
}

// OriginConfig contains upstream fetch settings
type OriginConfig struct {
	RequestTimeout        string `mapstructure:"request_timeout"`
	AbandonedFetchTimeout string `mapstructure:"abandoned_fetch_timeout"`
}

// HTTPConfig contains local HTTP server configuration
type HTTPConfig struct {
	BindAddr          string `mapstructure:"bind_addr"`
	ReadHeaderTimeout string `mapstructure:"read_header_timeout"`
	IdleTimeout       string `mapstructure:"idle_timeout"`
}

// MetricsConfig contains latency tracker settings
type MetricsConfig struct {
	RelativeAccuracy float64 `mapstructure:"relative_accuracy"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DatabaseConfig contains the metadata sidecar settings
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// Load loads configuration from the specified file path
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Default returns the built-in configuration, used when the proxy is
// embedded without a config file. Only the cache root must be supplied.
func Default(rootDir string) *Config {
	v := viper.New()
	setDefaults(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		panic(fmt.Sprintf("built-in defaults failed to unmarshal: %v", err))
	}
	config.Cache.RootDir = rootDir
	return &config
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("cache.root_dir", "")
	v.SetDefault("cache.max_size_mb", 200)
	v.SetDefault("cache.evict_target_percent", 75)
	v.SetDefault("cache.max_entry_age", "720h")
	v.SetDefault("cache.playable_threshold_kb", 1024)
	v.SetDefault("janitor.interval", "48h")
	v.SetDefault("janitor.min_run_spacing", "1m")
	v.SetDefault("prefetch.default_size_mb", 3)
	v.SetDefault("prefetch.concurrency", 3)
	v.SetDefault("origin.request_timeout", "30s")
	v.SetDefault("origin.abandoned_fetch_timeout", "2m")
	v.SetDefault("http.bind_addr", "127.0.0.1:0")
	v.SetDefault("http.read_header_timeout", "10s")
	v.SetDefault("http.idle_timeout", "60s")
	v.SetDefault("metrics.relative_accuracy", 0.01)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("database.path", "")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Cache.RootDir == "" {
		return fmt.Errorf("cache.root_dir is required")
	}
	if c.Cache.MaxSizeMB <= 0 {
		return fmt.Errorf("cache.max_size_mb must be positive")
	}
	if c.Cache.EvictTargetPercent <= 0 || c.Cache.EvictTargetPercent >= 100 {
		return fmt.Errorf("cache.evict_target_percent must be between 1 and 99")
	}
	if c.Cache.PlayableThresholdKB < 0 {
		return fmt.Errorf("cache.playable_threshold_kb must not be negative")
	}
	if c.Prefetch.DefaultSizeMB <= 0 {
		return fmt.Errorf("prefetch.default_size_mb must be positive")
	}
	if c.Prefetch.Concurrency < 1 || c.Prefetch.Concurrency > 16 {
		return fmt.Errorf("prefetch.concurrency must be between 1 and 16")
	}
	if c.Metrics.RelativeAccuracy <= 0 || c.Metrics.RelativeAccuracy >= 1 {
		return fmt.Errorf("metrics.relative_accuracy must be between 0 and 1")
	}

	for name, value := range map[string]string{
		"cache.max_entry_age":            c.Cache.MaxEntryAge,
		"janitor.interval":               c.Janitor.Interval,
		"janitor.min_run_spacing":        c.Janitor.MinRunSpacing,
		"origin.request_timeout":         c.Origin.RequestTimeout,
		"origin.abandoned_fetch_timeout": c.Origin.AbandonedFetchTimeout,
		"http.read_header_timeout":       c.HTTP.ReadHeaderTimeout,
		"http.idle_timeout":              c.HTTP.IdleTimeout,
	} {
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("invalid logging.format: %s", c.Logging.Format)
	}

	return nil
}

// MaxSizeBytes returns the cache size ceiling in bytes
func (c *CacheConfig) MaxSizeBytes() int64 {
	return int64(c.MaxSizeMB) * 1024 * 1024
}

// EvictTargetBytes returns the hysteresis target the janitor shrinks to
func (c *CacheConfig) EvictTargetBytes() int64 {
	return c.MaxSizeBytes() * int64(c.EvictTargetPercent) / 100
}

// PlayableThresholdBytes returns the minimum size for an entry to count as
// usable for instant local playback
func (c *CacheConfig) PlayableThresholdBytes() int64 {
	return int64(c.PlayableThresholdKB) * 1024
}

// GetMaxEntryAge returns the maximum entry age as time.Duration
func (c *CacheConfig) GetMaxEntryAge() time.Duration {
	d, _ := time.ParseDuration(c.MaxEntryAge)
	if d == 0 {
		return 720 * time.Hour
	}
	return d
}

// GetInterval returns the janitor schedule interval as time.Duration
func (c *JanitorConfig) GetInterval() time.Duration {
	d, _ := time.ParseDuration(c.Interval)
	if d == 0 {
		return 48 * time.Hour
	}
	return d
}

// GetMinRunSpacing returns the minimum spacing between janitor passes
func (c *JanitorConfig) GetMinRunSpacing() time.Duration {
	d, _ := time.ParseDuration(c.MinRunSpacing)
	if d == 0 {
		return time.Minute
	}
	return d
}

// DefaultSizeBytes returns the default prefetch size in bytes
func (c *PrefetchConfig) DefaultSizeBytes() int64 {
	return int64(c.DefaultSizeMB) * 1024 * 1024
}

// GetRequestTimeout returns the origin request timeout as time.Duration
func (c *OriginConfig) GetRequestTimeout() time.Duration {
	d, _ := time.ParseDuration(c.RequestTimeout)
	if d == 0 {
		return 30 * time.Second
	}
	return d
}

// GetAbandonedFetchTimeout bounds how long an origin fetch keeps filling the
// cache after every client has disconnected
func (c *OriginConfig) GetAbandonedFetchTimeout() time.Duration {
	d, _ := time.ParseDuration(c.AbandonedFetchTimeout)
	if d == 0 {
		return 2 * time.Minute
	}
	return d
}

// GetReadHeaderTimeout returns the read header timeout as time.Duration
func (c *HTTPConfig) GetReadHeaderTimeout() time.Duration {
	d, _ := time.ParseDuration(c.ReadHeaderTimeout)
	if d == 0 {
		return 10 * time.Second
	}
	return d
}

// GetIdleTimeout returns the idle timeout as time.Duration
func (c *HTTPConfig) GetIdleTimeout() time.Duration {
	d, _ := time.ParseDuration(c.IdleTimeout)
	if d == 0 {
		return 60 * time.Second
	}
	return d
}

// MetaDBPath returns the metadata sidecar path, defaulting to the cache root
func (c *Config) MetaDBPath() string {
	if c.Database.Path != "" {
		return c.Database.Path
	}
	return filepath.Join(c.Cache.RootDir, "meta.db")
}
