package backend

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/quaylabs/go-quay/v1/progress"
)

// Type selects the concrete backend.
type Type string

const (
	// Local is the single-node filesystem backend.
	Local Type = "local"
	// Redis is the shared multi-instance backend.
	Redis Type = "redis"
)

// Defaults mirrored from the queue packages.
const (
	defaultLocalPath    = "queue"
	defaultPollInterval = 3 * time.Second
	defaultMaxAttempts  = 3
	defaultBackoff      = 5 * time.Second
	defaultRedisHost    = "localhost"
	defaultRedisPort    = 6379
)

// Config is everything Open needs to build a Backend.
type Config struct {
	QueueType Type

	// Local backend.
	LocalPath    string
	PollInterval time.Duration
	MaxAttempts  int
	Backoff      time.Duration

	// Redis backend.
	RedisHost     string
	RedisPort     int
	RedisPassword string

	ProgressTTL time.Duration
	// ProgressCache enables the in-process read cache in front of the
	// progress store.
	ProgressCache bool
}

func (c Config) withDefaults() Config {
	if c.QueueType == "" {
		c.QueueType = Local
	}
	if c.LocalPath == "" {
		c.LocalPath = defaultLocalPath
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.Backoff <= 0 {
		c.Backoff = defaultBackoff
	}
	if c.RedisHost == "" {
		c.RedisHost = defaultRedisHost
	}
	if c.RedisPort <= 0 {
		c.RedisPort = defaultRedisPort
	}
	if c.ProgressTTL <= 0 {
		c.ProgressTTL = progress.DefaultTTL
	}
	return c
}

// RedisAddr returns the host:port form of the Redis configuration.
func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// FromEnv builds a Config from the process environment:
//
//	QUEUE_TYPE                  local | redis (default local)
//	QUEUE_LOCAL_PATH            queue root directory (default "queue")
//	QUEUE_POLLING_INTERVAL      milliseconds (default 3000)
//	QUEUE_DEFAULT_MAX_ATTEMPTS  default 3
//	QUEUE_DEFAULT_BACKOFF_MS    default 5000
//	REDIS_HOST, REDIS_PORT, REDIS_PASSWORD
//	PROGRESS_TTL_MS / PROGRESS_TTL  milliseconds (default 1 hour)
func FromEnv() (Config, error) {
	var cfg Config
	switch t := os.Getenv("QUEUE_TYPE"); t {
	case "", string(Local):
		cfg.QueueType = Local
	case string(Redis):
		cfg.QueueType = Redis
	default:
		return Config{}, fmt.Errorf("backend: unknown QUEUE_TYPE %q", t)
	}
	cfg.LocalPath = os.Getenv("QUEUE_LOCAL_PATH")

	var err error
	if cfg.PollInterval, err = envMillis("QUEUE_POLLING_INTERVAL"); err != nil {
		return Config{}, err
	}
	if cfg.MaxAttempts, err = envInt("QUEUE_DEFAULT_MAX_ATTEMPTS"); err != nil {
		return Config{}, err
	}
	if cfg.Backoff, err = envMillis("QUEUE_DEFAULT_BACKOFF_MS"); err != nil {
		return Config{}, err
	}

	cfg.RedisHost = os.Getenv("REDIS_HOST")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	if cfg.RedisPort, err = envInt("REDIS_PORT"); err != nil {
		return Config{}, err
	}

	if cfg.ProgressTTL, err = envMillis("PROGRESS_TTL_MS"); err != nil {
		return Config{}, err
	}
	if cfg.ProgressTTL == 0 {
		if cfg.ProgressTTL, err = envMillis("PROGRESS_TTL"); err != nil {
			return Config{}, err
		}
	}
	return cfg.withDefaults(), nil
}

func envInt(name string) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("backend: %s: %w", name, err)
	}
	return n, nil
}

func envMillis(name string) (time.Duration, error) {
	n, err := envInt(name)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Millisecond, nil
}
