package cache

import (
	"github.com/agentuity/go-imaging/eventing"
	"github.com/agentuity/go-imaging/logger"
	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ErrInvalidArgument is returned for an empty key, a negative size or budget,
	// or a resize of an entry that has not settled.
	ErrInvalidArgument = errors.New("cache: invalid argument")
	// ErrNotFound is returned when an operation names a key that is not cached.
	ErrNotFound = errors.New("cache: not found")
	// ErrConflict is returned by PutImagePromise when the key is already cached.
	// It also matches ErrInvalidArgument.
	ErrConflict = errors.New("cache: key already present")
	// ErrLoadFailed wraps the rejection of a pending load. It is reported through
	// the promise and the log, never to callers of other keys.
	ErrLoadFailed = errors.New("cache: load failed")
	// ErrClosed is returned by PutImagePromise after Close.
	ErrClosed = errors.New("cache: closed")
)

// DefaultMaximumSizeBytes is the budget of a cache created without WithMaximumSizeBytes.
const DefaultMaximumSizeBytes int64 = 1024 * 1024 * 1024

// Image is a decoded image as stored by the cache. The cache never looks
// inside it beyond its declared size.
type Image interface {
	SizeInBytes() int64
}

// Releaser is implemented by images that hold resources which must be freed
// when the image leaves the cache. Release is called exactly once, after the
// image has been evicted, removed or purged.
type Releaser interface {
	Release()
}

// Info is a point-in-time snapshot of the cache ledger.
type Info struct {
	NumberOfEntries    int   `json:"numberOfEntries" msgpack:"numberOfEntries"`
	CacheSizeInBytes   int64 `json:"cacheSizeInBytes" msgpack:"cacheSizeInBytes"`
	MaximumSizeInBytes int64 `json:"maximumSizeInBytes" msgpack:"maximumSizeInBytes"`
}

// config holds the resolved configuration for an ImageCache.
type config struct {
	maximumSizeInBytes int64
	logger             logger.Logger
	events             eventing.Client
	registerer         prometheus.Registerer
}

// Option configures an ImageCache.
type Option func(*config)

func defaultConfig() config {
	return config{
		maximumSizeInBytes: DefaultMaximumSizeBytes,
	}
}

func applyOptions(opts []Option) config {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = logger.NewConsoleLogger(logger.LevelWarn)
	}
	return cfg
}

// WithMaximumSizeBytes sets the initial byte budget. Negative values are ignored.
func WithMaximumSizeBytes(n int64) Option {
	return func(c *config) {
		if n >= 0 {
			c.maximumSizeInBytes = n
		}
	}
}

// WithLogger sets the logger. Defaults to a console logger at warn level.
func WithLogger(log logger.Logger) Option {
	return func(c *config) { c.logger = log }
}

// WithEvents publishes notifications on the given client instead of a
// private in-process client. The caller owns the client lifecycle.
func WithEvents(client eventing.Client) Option {
	return func(c *config) { c.events = client }
}

// WithRegisterer registers the cache metrics with r.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(c *config) { c.registerer = r }
}
