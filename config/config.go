package config

import (
	"os"
	"time"

	"github.com/agentuity/go-imaging/env"
	"github.com/agentuity/go-imaging/logger"
	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"github.com/xhit/go-str2duration/v2"
	"gopkg.in/yaml.v3"
	"k8s.io/apimachinery/pkg/api/resource"
)

const (
	EnvCacheMaxSize = "IMAGING_CACHE_MAX_SIZE"
	EnvRedisURL     = "IMAGING_REDIS_URL"

	DefaultMaximumSize    = "1Gi"
	DefaultEventsPrefix   = "imaging"
	DefaultConnectTimeout = "5s"
)

var ErrInvalidConfig = errors.New("invalid config")

type CacheConfig struct {
	// MaximumSize is the byte budget as a quantity, e.g. 1Gi, 512M or 1048576.
	MaximumSize string `yaml:"maximum_size" json:"maximum_size" validate:"required,quantity"`
}

type LogConfig struct {
	Level string `yaml:"level" json:"level" validate:"required,loglevel"`
}

type EventsConfig struct {
	// RedisURL enables forwarding of cache notifications when set.
	RedisURL string `yaml:"redis_url" json:"redis_url" validate:"omitempty,url"`
	// Prefix is prepended to forwarded subjects.
	Prefix string `yaml:"prefix" json:"prefix" validate:"required,excludesall=*>"`
	// ConnectTimeout bounds the initial Redis ping, e.g. 5s or 1m30s.
	ConnectTimeout string `yaml:"connect_timeout" json:"connect_timeout" validate:"required,duration"`
}

// Config is the configuration of a rendering session.
type Config struct {
	Cache  CacheConfig  `yaml:"cache" json:"cache"`
	Log    LogConfig    `yaml:"log" json:"log"`
	Events EventsConfig `yaml:"events" json:"events"`
}

type validation struct {
	tag string
	fn  validator.Func
}

var validations = []validation{
	{"quantity", func(fl validator.FieldLevel) bool {
		q, err := resource.ParseQuantity(fl.Field().String())
		return err == nil && q.Sign() >= 0
	}},
	{"loglevel", func(fl validator.FieldLevel) bool {
		_, ok := logger.ParseLevel(fl.Field().String())
		return ok
	}},
	{"duration", func(fl validator.FieldLevel) bool {
		d, err := str2duration.ParseDuration(fl.Field().String())
		return err == nil && d > 0
	}},
}

func newValidator(validations []validation) (*validator.Validate, error) {
	v := validator.New(validator.WithRequiredStructEnabled())
	for _, val := range validations {
		if err := v.RegisterValidation(val.tag, val.fn); err != nil {
			return nil, errors.Wrapf(err, "registering %q validation", val.tag)
		}
	}
	return v, nil
}

func mustValidator() *validator.Validate {
	v, err := newValidator(validations)
	if err != nil {
		panic(err)
	}
	return v
}

var validate = mustValidator()

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Cache: CacheConfig{
			MaximumSize: DefaultMaximumSize,
		},
		Log: LogConfig{
			Level: "info",
		},
		Events: EventsConfig{
			Prefix:         DefaultEventsPrefix,
			ConnectTimeout: DefaultConnectTimeout,
		},
	}
}

// Parse decodes YAML over the defaults and validates the result. ${NAME} and
// ${NAME:-default} references are expanded from the process environment
// before decoding.
func Parse(data []byte) (*Config, error) {
	return parse(data, os.LookupEnv)
}

func parse(data []byte, lookup env.Lookup) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal([]byte(env.Expand(string(data), lookup)), cfg); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "failed to parse YAML config"), ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads and parses the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", path)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "config file %s", path)
	}
	return cfg, nil
}

// ApplyEnv overrides the cache budget, log level and Redis URL from
// IMAGING_CACHE_MAX_SIZE, IMAGING_LOG_LEVEL and IMAGING_REDIS_URL when they
// are set, then validates the result.
func (c *Config) ApplyEnv(lookup env.Lookup) error {
	if val, ok := lookup(EnvCacheMaxSize); ok && val != "" {
		c.Cache.MaximumSize = val
	}
	if val, ok := lookup(logger.EnvLogLevel); ok && val != "" {
		c.Log.Level = val
	}
	if val, ok := lookup(EnvRedisURL); ok && val != "" {
		c.Events.RedisURL = val
	}
	return c.Validate()
}

// Validate checks every field.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errors.Mark(errors.Wrap(err, "config validation failed"), ErrInvalidConfig)
	}
	return nil
}

// MaximumSizeBytes returns the cache budget in bytes. It returns 0 for a
// budget that does not parse, which Validate rejects.
func (c *Config) MaximumSizeBytes() int64 {
	q, err := resource.ParseQuantity(c.Cache.MaximumSize)
	if err != nil {
		return 0
	}
	return q.Value()
}

// LogLevel returns the configured level, info if it does not parse.
func (c *Config) LogLevel() logger.LogLevel {
	level, ok := logger.ParseLevel(c.Log.Level)
	if !ok {
		return logger.LevelInfo
	}
	return level
}

// ConnectTimeout returns the Redis connect timeout.
func (c *Config) ConnectTimeout() time.Duration {
	d, err := str2duration.ParseDuration(c.Events.ConnectTimeout)
	if err != nil || d <= 0 {
		d, _ = str2duration.ParseDuration(DefaultConnectTimeout)
	}
	return d
}

// Marshal encodes the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
