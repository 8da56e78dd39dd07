package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
)

// Config models reviewline.yml.
type Config struct {
	Broker struct {
		Driver string `yaml:"driver"`
		Redis  struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
		} `yaml:"redis"`
		SQLite struct {
			PollIntervalMS int `yaml:"poll_interval_ms"`
			BusyTimeoutMS  int `yaml:"busy_timeout_ms"`
		} `yaml:"sqlite"`
	} `yaml:"broker"`
	Runtime struct {
		BatchSize int `yaml:"batch_size"`
		BlockMS   int `yaml:"block_ms"`
		Backoff   struct {
			InitialMS int `yaml:"initial_ms"`
			MaxMS     int `yaml:"max_ms"`
		} `yaml:"backoff"`
	} `yaml:"runtime"`
	Reclaim struct {
		MinIdleMS       int    `yaml:"min_idle_ms"`
		MaxDeliveries   int64  `yaml:"max_deliveries"`
		DeadLetterTopic string `yaml:"dead_letter_topic"`
	} `yaml:"reclaim"`
	Specialists struct {
		// Instances is the number of workers per specialty started by start-all.
		Instances    int `yaml:"instances"`
		MinLatencyMS int `yaml:"min_latency_ms"`
		MaxLatencyMS int `yaml:"max_latency_ms"`
	} `yaml:"specialists"`
	Server struct {
		Addr      string `yaml:"addr"`
		BasePath  string `yaml:"base_path"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig forwards pipeline events to an HTTP endpoint. Events lists
// event types such as aggregator_result; empty means all.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Broker.Driver {
	case DriverSQLite:
	case DriverRedis:
		if c.Broker.Redis.Addr == "" {
			return fmt.Errorf("config.broker.redis.addr is required for the redis driver")
		}
	default:
		return fmt.Errorf("config.broker.driver must be %q or %q", DriverSQLite, DriverRedis)
	}
	if c.Runtime.BatchSize <= 0 {
		return fmt.Errorf("config.runtime.batch_size must be positive")
	}
	if c.Runtime.BlockMS <= 0 {
		return fmt.Errorf("config.runtime.block_ms must be positive")
	}
	if c.Runtime.Backoff.InitialMS <= 0 {
		return fmt.Errorf("config.runtime.backoff.initial_ms must be positive")
	}
	if c.Runtime.Backoff.MaxMS < c.Runtime.Backoff.InitialMS {
		return fmt.Errorf("config.runtime.backoff.max_ms must be at least initial_ms")
	}
	if c.Reclaim.MinIdleMS < 0 || c.Reclaim.MaxDeliveries < 0 {
		return fmt.Errorf("config.reclaim values must not be negative")
	}
	if c.Reclaim.MaxDeliveries > 0 && c.Reclaim.DeadLetterTopic == "" {
		return fmt.Errorf("config.reclaim.dead_letter_topic is required when max_deliveries is set")
	}
	if c.Specialists.Instances < 1 {
		return fmt.Errorf("config.specialists.instances must be at least 1")
	}
	if c.Specialists.MinLatencyMS < 0 || c.Specialists.MaxLatencyMS < c.Specialists.MinLatencyMS {
		return fmt.Errorf("config.specialists latency range is invalid")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

func (c *Config) Block() time.Duration { return ms(c.Runtime.BlockMS) }

func (c *Config) BackoffInitial() time.Duration { return ms(c.Runtime.Backoff.InitialMS) }

func (c *Config) BackoffMax() time.Duration { return ms(c.Runtime.Backoff.MaxMS) }

func (c *Config) ReclaimMinIdle() time.Duration { return ms(c.Reclaim.MinIdleMS) }

func (c *Config) PollInterval() time.Duration { return ms(c.Broker.SQLite.PollIntervalMS) }

func (c *Config) LatencyRange() (time.Duration, time.Duration) {
	return ms(c.Specialists.MinLatencyMS), ms(c.Specialists.MaxLatencyMS)
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// ApplyRedisEnv honours REDIS_HOST, REDIS_PORT and REDIS_DB when present.
func (c *Config) ApplyRedisEnv(getenv func(string) string) error {
	host, port := getenv("REDIS_HOST"), getenv("REDIS_PORT")
	if host != "" || port != "" {
		curHost, curPort, err := net.SplitHostPort(c.Broker.Redis.Addr)
		if err != nil {
			curHost, curPort = "localhost", "6379"
		}
		if host == "" {
			host = curHost
		}
		if port == "" {
			port = curPort
		}
		c.Broker.Redis.Addr = net.JoinHostPort(host, port)
	}
	if raw := getenv("REDIS_DB"); raw != "" {
		db, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("REDIS_DB must be a number: %q", raw)
		}
		c.Broker.Redis.DB = db
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "reviewline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with rl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// FromYAML parses config over the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

const defaultTemplate = `broker:
  driver: sqlite
  redis:
    addr: localhost:6379
    password: ""
    db: 0
  sqlite:
    poll_interval_ms: 200
    busy_timeout_ms: 5000

runtime:
  batch_size: 10
  block_ms: 2000
  backoff:
    initial_ms: 1000
    max_ms: 30000

reclaim:
  # 0 disables reclaiming entries left pending by other consumers
  min_idle_ms: 60000
  max_deliveries: 5
  dead_letter_topic: doc.review.deadletter

specialists:
  instances: 1
  min_latency_ms: 500
  max_latency_ms: 1500

server:
  addr: 127.0.0.1:8000
  base_path: /v0
  jwt_secret: ""

# webhooks:
#   - url: http://localhost:9000/reviews
#     events: [aggregator_result, dead_letter]
#     timeout_seconds: 5
`
