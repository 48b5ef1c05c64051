// Package config loads abtest configuration.
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("abtest.yaml").
//	    Load()
//
// Precedence: defaults, then the YAML file, then ABTEST_* environment
// variables.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pagecraft/abtest/internal/stats"
	"github.com/pagecraft/abtest/internal/store"
)

const DefaultEnvPrefix = "ABTEST"

type Config struct {
	Server  ServerConfig  `yaml:"server" env:"SERVER"`
	Storage StorageConfig `yaml:"storage" env:"STORAGE"`
	Log     LogConfig     `yaml:"log" env:"LOG"`
	Stats   StatsConfig   `yaml:"stats" env:"STATS"`
	Metrics MetricsConfig `yaml:"metrics" env:"METRICS"`
}

type ServerConfig struct {
	Port            int           `yaml:"port" env:"PORT"`
	AdminToken      string        `yaml:"admin_token" env:"ADMIN_TOKEN"`
	TokenFile       string        `yaml:"token_file" env:"TOKEN_FILE"` // Generated token is persisted here when AdminToken is empty
	RateLimitRPS    float64       `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	RateLimitBurst  int           `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	AllowedOrigins  []string      `yaml:"allowed_origins" env:"ALLOWED_ORIGINS"`
}

const (
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
	DriverMemory = "memory"
)

type StorageConfig struct {
	Driver     string            `yaml:"driver" env:"DRIVER"`
	SQLitePath string            `yaml:"sqlite_path" env:"SQLITE_PATH"`
	Redis      store.RedisConfig `yaml:"redis" env:"REDIS"`
}

type LogConfig struct {
	Level       string   `yaml:"level" env:"LEVEL"`   // debug, info, warn, error
	Format      string   `yaml:"format" env:"FORMAT"` // json, console
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
}

type StatsConfig struct {
	CriticalValueMode string `yaml:"critical_value_mode" env:"CRITICAL_VALUE_MODE"`
	MinSampleSize     int64  `yaml:"min_sample_size" env:"MIN_SAMPLE_SIZE"`
}

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" env:"ENABLED"`
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			TokenFile:       ".abtest-token",
			RateLimitRPS:    20,
			RateLimitBurst:  40,
			ShutdownTimeout: 10 * time.Second,
			AllowedOrigins:  []string{"*"},
		},
		Storage: StorageConfig{
			Driver:     DriverSQLite,
			SQLitePath: "./abtest.db",
			Redis: store.RedisConfig{
				Addr:      "localhost:6379",
				PoolSize:  10,
				KeyPrefix: "abtest:",
			},
		},
		Log: LogConfig{
			Level:       "info",
			Format:      "json",
			OutputPaths: []string{"stdout"},
		},
		Stats: StatsConfig{
			CriticalValueMode: string(stats.CriticalValueFixed),
			MinSampleSize:     100,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "abtest",
		},
	}
}

// StatsOptions converts the stats section for the analysis engine.
// Call Validate first; an unknown mode falls back to fixed.
func (c *Config) StatsOptions() stats.Options {
	mode, err := stats.ParseCriticalValueMode(c.Stats.CriticalValueMode)
	if err != nil {
		mode = stats.CriticalValueFixed
	}
	return stats.Options{CriticalValueMode: mode, MinSampleSize: c.Stats.MinSampleSize}
}

func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, "invalid server port")
	}
	if c.Server.RateLimitRPS < 0 || c.Server.RateLimitBurst < 0 {
		errs = append(errs, "rate limit must not be negative")
	}

	switch c.Storage.Driver {
	case DriverSQLite:
		if c.Storage.SQLitePath == "" {
			errs = append(errs, "storage.sqlite_path is required for the sqlite driver")
		}
	case DriverRedis:
		if c.Storage.Redis.Addr == "" {
			errs = append(errs, "storage.redis.addr is required for the redis driver")
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Sprintf("unknown storage driver %q (want sqlite, redis or memory)", c.Storage.Driver))
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("invalid log level %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("invalid log format %q", c.Log.Format))
	}

	if _, err := stats.ParseCriticalValueMode(c.Stats.CriticalValueMode); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Stats.MinSampleSize < 0 {
		errs = append(errs, "stats.min_sample_size must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Loader builds a Config from defaults, an optional YAML file and the
// environment.
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

func NewLoader() *Loader {
	return &Loader{envPrefix: DefaultEnvPrefix}
}

func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load applies defaults, the YAML file and environment overrides, then
// runs Validate and any extra validators. A missing file is not an error.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// setFieldsFromEnv walks v and sets every field whose PREFIX_SECTION_FIELD
// variable is present.
func setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		envTag := t.Field(i).Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}
		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		value, ok := os.LookupEnv(envKey)
		if !ok || value == "" {
			continue
		}
		if err := setFieldValue(field, value); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}
	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		i, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(i)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}
	return nil
}
