// Package config loads nftguard settings from defaults, an optional YAML file
// and NFTGUARD_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"nftguard/imageprocessor"
	"nftguard/logging"
	"nftguard/reporting"
	"nftguard/signalhandler"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of every environment override, e.g. NFTGUARD_IMAGE_MAX_BYTES
const EnvPrefix = "NFTGUARD"

// DefaultDatabaseName is the sqlite file created next to the executable
const DefaultDatabaseName = "nftguard.db"

// Config is the effective configuration
type Config struct {
	Database         string      `mapstructure:"database" yaml:"database"`
	ModelPath        string      `mapstructure:"model_path" yaml:"model_path"`
	Threshold        float64     `mapstructure:"threshold" yaml:"threshold"`
	Workers          int         `mapstructure:"workers" yaml:"workers"`
	StrictDimensions bool        `mapstructure:"strict_dimensions" yaml:"strict_dimensions"`
	ClampPredictions bool        `mapstructure:"clamp_predictions" yaml:"clamp_predictions"`
	Debug            bool        `mapstructure:"debug" yaml:"debug"`
	Image            ImageConfig `mapstructure:"image" yaml:"image"`
	Cache            CacheConfig `mapstructure:"cache" yaml:"cache"`
	Log              LogConfig   `mapstructure:"log" yaml:"log"`
	Kafka            KafkaConfig `mapstructure:"kafka" yaml:"kafka"`
	HTTP             HTTPConfig  `mapstructure:"http" yaml:"http"`
}

// ImageConfig bounds the decoder
type ImageConfig struct {
	MaxBytes      int64         `mapstructure:"max_bytes" yaml:"max_bytes"`
	MaxPixels     int           `mapstructure:"max_pixels" yaml:"max_pixels"`
	DecodeTimeout time.Duration `mapstructure:"decode_timeout" yaml:"decode_timeout"`
}

// CacheConfig controls the fingerprint cache. A negative TTL disables it.
type CacheConfig struct {
	TTL time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	File   string `mapstructure:"file" yaml:"file"`
}

// KafkaConfig enables verdict publishing when Brokers is non-empty
type KafkaConfig struct {
	Brokers      []string      `mapstructure:"brokers" yaml:"brokers"`
	Topic        string        `mapstructure:"topic" yaml:"topic"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// New returns a viper instance wired for nftguard: YAML files, NFTGUARD_ env
// prefix and "." mapped to "_" so image.max_bytes reads NFTGUARD_IMAGE_MAX_BYTES
func New() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// SetDefaults registers every key so env overrides resolve during Unmarshal
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database", DefaultDatabasePath())
	v.SetDefault("model_path", "")
	v.SetDefault("threshold", imageprocessor.DefaultThreshold)
	v.SetDefault("workers", signalhandler.GetOptimalProcs())
	v.SetDefault("strict_dimensions", true)
	v.SetDefault("clamp_predictions", false)
	v.SetDefault("debug", false)

	v.SetDefault("image.max_bytes", imageprocessor.DefaultMaxBytes)
	v.SetDefault("image.max_pixels", imageprocessor.DefaultMaxPixels)
	v.SetDefault("image.decode_timeout", imageprocessor.DefaultDecodeTimeout)
	v.SetDefault("cache.ttl", imageprocessor.DefaultCacheTTL)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file", "")

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "nftguard.verdicts")
	v.SetDefault("kafka.write_timeout", 10*time.Second)

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.shutdown_timeout", 15*time.Second)
}

// ReadFile merges the YAML file at path into v. An empty path is a no-op.
func ReadFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("config: failed to read config file %q: %w", path, err)
	}
	return nil
}

// Load unmarshals v and validates the result
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal configuration: %w", err)
	}

	// Env values arrive as one comma separated string
	if len(cfg.Kafka.Brokers) == 1 && strings.Contains(cfg.Kafka.Brokers[0], ",") {
		cfg.Kafka.Brokers = splitList(cfg.Kafka.Brokers[0])
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}
	return cfg, nil
}

// Validate rejects values the pipeline cannot run with
func (c *Config) Validate() error {
	var errs []error
	if c.Database == "" {
		errs = append(errs, errors.New("database path must not be empty"))
	}
	if err := imageprocessor.ValidateThreshold(c.Threshold); err != nil {
		errs = append(errs, err)
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be at least 1, got %d", c.Workers))
	}
	if c.Image.MaxBytes <= 0 {
		errs = append(errs, fmt.Errorf("image.max_bytes must be positive, got %d", c.Image.MaxBytes))
	}
	if c.Image.MaxPixels <= 0 {
		errs = append(errs, fmt.Errorf("image.max_pixels must be positive, got %d", c.Image.MaxPixels))
	}
	if c.Image.DecodeTimeout <= 0 {
		errs = append(errs, fmt.Errorf("image.decode_timeout must be positive, got %s", c.Image.DecodeTimeout))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not one of json, console", c.Log.Format))
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		errs = append(errs, errors.New("kafka.topic is required when brokers are set"))
	}
	return errors.Join(errs...)
}

// EngineOptions maps the image settings onto the fingerprint engine
func (c *Config) EngineOptions() imageprocessor.EngineOptions {
	opts := imageprocessor.DefaultEngineOptions()
	opts.MaxBytes = c.Image.MaxBytes
	opts.MaxPixels = c.Image.MaxPixels
	opts.DecodeTimeout = c.Image.DecodeTimeout
	opts.CacheTTL = c.Cache.TTL
	return opts
}

func (c *Config) LogOptions() logging.Options {
	return logging.Options{
		Level:  c.Log.Level,
		Format: c.Log.Format,
		File:   c.Log.File,
		Debug:  c.Debug,
	}
}

// KafkaEnabled reports whether verdicts should be published
func (c *Config) KafkaEnabled() bool {
	return len(c.Kafka.Brokers) > 0
}

func (c *Config) KafkaOptions() reporting.KafkaConfig {
	return reporting.KafkaConfig{
		Brokers:      c.Kafka.Brokers,
		Topic:        c.Kafka.Topic,
		WriteTimeout: c.Kafka.WriteTimeout,
	}
}

// DefaultDatabasePath returns the default path for the database file
func DefaultDatabasePath() string {
	// Get the executable path
	exePath, err := os.Executable()
	if err != nil {
		// Fallback to current directory if executable path can't be determined
		return DefaultDatabaseName
	}
	return filepath.Join(filepath.Dir(exePath), DefaultDatabaseName)
}

// ParseThreshold parses and validates a threshold given on the command line
func ParseThreshold(s string) (float64, error) {
	threshold, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid threshold value %q: %w", s, err)
	}
	if err := imageprocessor.ValidateThreshold(threshold); err != nil {
		return 0, err
	}
	return threshold, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
