// Package config resolves runtime configuration: defaults, then an optional
// YAML file, then environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"escrowflow/account"
)

// Sink names where outbox events are delivered.
const (
	SinkLog   = "log"
	SinkKafka = "kafka"
	SinkRedis = "redis"
)

type Config struct {
	HTTPAddr string `yaml:"http_addr" env:"HTTP_ADDR"`
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL"`

	Database Database `yaml:"database"`
	Auth     Auth     `yaml:"auth"`
	Escrow   Escrow   `yaml:"escrow"`
	Outbox   Outbox   `yaml:"outbox"`
}

type Database struct {
	URL      string `yaml:"url" env:"DATABASE_URL"`
	MaxConns int32  `yaml:"max_conns" env:"DB_MAX_CONNS"`
}

type Auth struct {
	JWTSecret string        `yaml:"jwt_secret" env:"JWT_SECRET"`
	TokenTTL  time.Duration `yaml:"token_ttl" env:"TOKEN_TTL"`
}

// Escrow holds the construction parameters of the engine.
type Escrow struct {
	Owner                 account.Address `yaml:"owner" env:"ESCROW_OWNER"`
	WithdrawalDestination account.Address `yaml:"withdrawal_destination" env:"ESCROW_WITHDRAWAL_DESTINATION"`
	Custody               account.Address `yaml:"custody" env:"ESCROW_CUSTODY"`
}

type Outbox struct {
	Sink         string        `yaml:"sink" env:"OUTBOX_SINK"`
	PollInterval time.Duration `yaml:"poll_interval" env:"OUTBOX_POLL_INTERVAL"`
	BatchSize    int           `yaml:"batch_size" env:"OUTBOX_BATCH_SIZE"`
	ClaimTTL     time.Duration `yaml:"claim_ttl" env:"OUTBOX_CLAIM_TTL"`
	MaxRetries   int           `yaml:"max_retries" env:"OUTBOX_MAX_RETRIES"`

	KafkaBrokers []string          `yaml:"kafka_brokers" env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopics  map[string]string `yaml:"kafka_topics"`

	RedisURL       string `yaml:"redis_url" env:"REDIS_URL"`
	RedisStream    string `yaml:"redis_stream" env:"REDIS_STREAM"`
	RedisStreamMax int64  `yaml:"redis_stream_max" env:"REDIS_STREAM_MAX"`
}

// Defaults returns the configuration used when nothing overrides it.
func Defaults() Config {
	return Config{
		HTTPAddr: ":8080",
		LogLevel: "info",
		Database: Database{MaxConns: 20},
		Auth:     Auth{TokenTTL: 24 * time.Hour},
		Escrow:   Escrow{Custody: "escrow:custody"},
		Outbox: Outbox{
			Sink:         SinkLog,
			PollInterval: 2 * time.Second,
			BatchSize:    100,
			ClaimTTL:     30 * time.Second,
			MaxRetries:   5,
			KafkaTopics:  map[string]string{"*": "escrow-events"},
			RedisStream:  "escrow-events",
		},
	}
}

// Load resolves configuration in priority order: defaults, file, env. An
// empty path or a missing file skips the file layer.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
			}
		case errors.Is(err, fs.ErrNotExist):
		default:
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first missing or malformed setting.
func (c Config) Validate() error {
	if c.Database.URL == "" {
		return errors.New("config: DATABASE_URL is required")
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("config: JWT_SECRET is required")
	}
	if err := c.Escrow.Owner.Validate(); err != nil {
		return fmt.Errorf("config: escrow owner: %w", err)
	}
	if err := c.Escrow.WithdrawalDestination.Validate(); err != nil {
		return fmt.Errorf("config: withdrawal destination: %w", err)
	}
	if err := c.Escrow.Custody.Validate(); err != nil {
		return fmt.Errorf("config: custody: %w", err)
	}
	if c.Escrow.Owner == c.Escrow.Custody || c.Escrow.WithdrawalDestination == c.Escrow.Custody {
		return errors.New("config: the custody account cannot be the owner or the withdrawal destination")
	}

	switch c.Outbox.Sink {
	case SinkLog:
	case SinkKafka:
		if len(c.Outbox.KafkaBrokers) == 0 {
			return errors.New("config: KAFKA_BROKERS is required for the kafka sink")
		}
	case SinkRedis:
		if c.Outbox.RedisURL == "" {
			return errors.New("config: REDIS_URL is required for the redis sink")
		}
	default:
		return fmt.Errorf("config: unknown outbox sink %q", c.Outbox.Sink)
	}
	return nil
}
