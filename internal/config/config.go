// Package config loads the relay's configuration from the environment. A
// .env file in the working directory is honored when present. The durable
// store, message tap and rate limiter are capabilities: leaving their
// settings empty disables them rather than erroring.
package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds every tunable of the relay process.
type Config struct {
	ListenAddr      string        `envconfig:"LISTEN_ADDR" default:":8080"`
	AllowedOrigin   string        `envconfig:"ALLOWED_ORIGIN"`
	WorkerPoolSize  int           `envconfig:"WORKER_POOL_SIZE" default:"256"`
	MaxConnections  int           `envconfig:"MAX_CONNECTIONS" default:"100000"`
	ReadTimeout     time.Duration `envconfig:"READ_TIMEOUT" default:"10s"`
	WriteTimeout    time.Duration `envconfig:"WRITE_TIMEOUT" default:"10s"`
	HistoryCapacity int           `envconfig:"HISTORY_CAPACITY" default:"120"`

	// Durable store credentials. Persistence is enabled only when host,
	// user and password are all present.
	PostgresHost     string `envconfig:"POSTGRES_HOST"`
	PostgresPort     int    `envconfig:"POSTGRES_PORT" default:"5432"`
	PostgresUser     string `envconfig:"POSTGRES_USER"`
	PostgresPassword string `envconfig:"POSTGRES_PASSWORD"`
	PostgresDB       string `envconfig:"POSTGRES_DB" default:"relay"`
	PostgresSSLMode  string `envconfig:"POSTGRES_SSLMODE" default:"disable"`

	// Optional capabilities.
	NATSURL   string `envconfig:"NATS_URL"`
	RedisAddr string `envconfig:"REDIS_ADDR"`
}

// Load reads the optional .env file and processes the environment into a
// Config.
func Load() (Config, error) {
	_ = godotenv.Load() // missing .env is fine

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}
