package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment discriminates the deployment the process runs in
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvProduction  Environment = "production"
	EnvTest        Environment = "test"
)

// HealthDisabled is the HEALTH_ADDR value that turns the health server off
const HealthDisabled = "off"

type Config struct {
	Env        Environment
	LogLevel   string
	HealthAddr string
	RabbitMQ   RabbitMQConfig
	Redis      RedisConfig
	Receiver   ReceiverConfig
}

type RabbitMQConfig struct {
	URL             string
	ConnectAttempts int
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// ReceiverConfig holds the tuning shared by every job receiver
type ReceiverConfig struct {
	RPCTimeout        time.Duration
	PollInterval      time.Duration
	StalledAfter      time.Duration
	WorkerConcurrency int
	QueuePrefix       string
}

// Load reads the process environment, collecting every missing or invalid
// variable before failing.
func Load() (*Config, error) {
	return load(os.Getenv)
}

func load(getenv func(string) string) (*Config, error) {
	var missing []string
	var problems []string

	get := func(key string) string {
		val := strings.TrimSpace(getenv(key))
		if val == "" {
			missing = append(missing, key)
		}
		return val
	}
	optional := func(key, def string) string {
		if val := strings.TrimSpace(getenv(key)); val != "" {
			return val
		}
		return def
	}
	intVal := func(key, raw string, min, max int) int {
		if raw == "" {
			return 0
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < min || n > max {
			problems = append(problems, fmt.Sprintf("%s must be an integer in [%d, %d], got %q", key, min, max, raw))
			return 0
		}
		return n
	}
	durationVal := func(key, raw string) time.Duration {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			problems = append(problems, fmt.Sprintf("%s must be a positive duration, got %q", key, raw))
			return 0
		}
		return d
	}

	rabbitURL := get("RABBITMQ_URL")
	redisHost := get("REDIS_HOST")
	redisPort := get("REDIS_PORT")
	env := get("APP_ENV")

	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required environment variables: %v", missing)
	}

	config := &Config{
		Env:        Environment(strings.ToLower(env)),
		LogLevel:   optional("LOG_LEVEL", "info"),
		HealthAddr: optional("HEALTH_ADDR", ":8080"),
		RabbitMQ: RabbitMQConfig{
			URL:             rabbitURL,
			ConnectAttempts: intVal("BROKER_CONNECT_ATTEMPTS", optional("BROKER_CONNECT_ATTEMPTS", "1"), 1, 100),
		},
		Redis: RedisConfig{
			Host:     redisHost,
			Port:     intVal("REDIS_PORT", redisPort, 1, 65535),
			Password: getenv("REDIS_PASSWORD"),
			DB:       intVal("REDIS_DB", optional("REDIS_DB", "0"), 0, 1<<16),
		},
		Receiver: ReceiverConfig{
			RPCTimeout:        durationVal("RPC_TIMEOUT", optional("RPC_TIMEOUT", "30s")),
			PollInterval:      durationVal("POLL_INTERVAL", optional("POLL_INTERVAL", "500ms")),
			StalledAfter:      durationVal("STALLED_AFTER", optional("STALLED_AFTER", "5m")),
			WorkerConcurrency: intVal("WORKER_CONCURRENCY", optional("WORKER_CONCURRENCY", "1"), 1, 64),
			QueuePrefix:       optional("DELAY_QUEUE_PREFIX", "scheduler"),
		},
	}

	switch config.Env {
	case EnvDevelopment, EnvProduction, EnvTest:
	default:
		problems = append(problems, fmt.Sprintf("APP_ENV must be one of development, production, test, got %q", env))
	}

	if err := validateBrokerURL(rabbitURL); err != nil {
		problems = append(problems, err.Error())
	}

	r := config.Receiver
	if r.RPCTimeout > 0 && r.StalledAfter > 0 && r.StalledAfter <= r.RPCTimeout {
		problems = append(problems, fmt.Sprintf("STALLED_AFTER (%s) must be greater than RPC_TIMEOUT (%s)", r.StalledAfter, r.RPCTimeout))
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("invalid environment: %s", strings.Join(problems, "; "))
	}

	return config, nil
}

func validateBrokerURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("RABBITMQ_URL is not a valid URL: %w", err)
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return fmt.Errorf("RABBITMQ_URL scheme must be amqp or amqps, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("RABBITMQ_URL must include a host")
	}
	return nil
}

// Addr returns the host:port pair for the redis client
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// HealthEnabled reports whether the health server should be started
func (c *Config) HealthEnabled() bool {
	return c.HealthAddr != "" && !strings.EqualFold(c.HealthAddr, HealthDisabled)
}
