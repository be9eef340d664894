// Package config defines the MixProp configuration tree. No I/O lives here,
// only plain data types and validation; see loader.go for reading files and
// the environment.
package config

import (
	"time"

	"github.com/turtacn/mixprop/internal/infrastructure/auth/keycloak"
	"github.com/turtacn/mixprop/internal/infrastructure/database/postgres"
	"github.com/turtacn/mixprop/internal/infrastructure/database/redis"
	"github.com/turtacn/mixprop/internal/infrastructure/messaging/kafka"
	"github.com/turtacn/mixprop/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/mixprop/internal/infrastructure/monitoring/prometheus"
	"github.com/turtacn/mixprop/internal/infrastructure/storage/minio"
	"github.com/turtacn/mixprop/internal/intelligence/mixprop"
	grpcapi "github.com/turtacn/mixprop/internal/interfaces/grpc"
	httpapi "github.com/turtacn/mixprop/internal/interfaces/http"
	"github.com/turtacn/mixprop/internal/worker"
	"github.com/turtacn/mixprop/pkg/errors"
)

// ─────────────────────────────────────────────────────────────────────────────
// Sub-configuration structs
// ─────────────────────────────────────────────────────────────────────────────

// Checkpoint backends.
const (
	BackendFile  = "file"
	BackendMinIO = "minio"
)

// CheckpointConfig selects where checkpoints are kept and which one serves.
type CheckpointConfig struct {
	Backend  string            `mapstructure:"backend"` // "file" | "minio"
	Dir      string            `mapstructure:"dir"`
	ActiveID string            `mapstructure:"active_id"`
	MinIO    minio.MinIOConfig `mapstructure:"minio"`
}

// CacheConfig holds the prediction cache settings.
type CacheConfig struct {
	Enabled bool              `mapstructure:"enabled"`
	TTL     time.Duration     `mapstructure:"ttl"`
	Prefix  string            `mapstructure:"prefix"`
	Redis   redis.RedisConfig `mapstructure:"redis"`
}

// KafkaConfig holds producer and consumer settings for the worker.
type KafkaConfig struct {
	Producer          kafka.ProducerConfig `mapstructure:"producer"`
	Consumer          kafka.ConsumerConfig `mapstructure:"consumer"`
	AutoCreateTopics  bool                 `mapstructure:"auto_create_topics"`
	ReplicationFactor int                  `mapstructure:"replication_factor"`
}

// MetricsConfig holds the Prometheus collector settings.
type MetricsConfig struct {
	Enabled   bool                       `mapstructure:"enabled"`
	Collector prometheus.CollectorConfig `mapstructure:"collector"`
}

// InferenceConfig tunes the predictor.
type InferenceConfig struct {
	Concurrency int `mapstructure:"concurrency"`
	// MaxBatchRows splits larger prediction requests into batches of at
	// most this many rows.
	MaxBatchRows int `mapstructure:"max_batch_rows"`
}

// ─────────────────────────────────────────────────────────────────────────────
// Root Config
// ─────────────────────────────────────────────────────────────────────────────

// Config is the root configuration structure.
type Config struct {
	Log        logging.LogConfig       `mapstructure:"log"`
	Model      mixprop.ModelConfig     `mapstructure:"model"`
	Checkpoint CheckpointConfig        `mapstructure:"checkpoint"`
	Inference  InferenceConfig         `mapstructure:"inference"`
	Cache      CacheConfig             `mapstructure:"cache"`
	Kafka      KafkaConfig             `mapstructure:"kafka"`
	Metrics    MetricsConfig           `mapstructure:"metrics"`
	Worker     worker.Config           `mapstructure:"worker"`
	HTTP       httpapi.ServerConfig    `mapstructure:"http"`
	GRPC       grpcapi.ServerConfig    `mapstructure:"grpc"`
	Postgres   postgres.PostgresConfig `mapstructure:"postgres"`
	Auth       keycloak.KeycloakConfig `mapstructure:"auth"`
}

// ─────────────────────────────────────────────────────────────────────────────
// Validation
// ─────────────────────────────────────────────────────────────────────────────

func invalid(format string, args ...interface{}) error {
	return errors.Newf(errors.ErrCodeValidation, "config: "+format, args...)
}

// Validate performs semantic validation of a defaulted Config and returns
// the first problem found. Kafka settings are only checked once brokers are
// configured, since only the worker needs them.
func (c *Config) Validate() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return invalid("log.level %q is invalid; expected debug|info|warn|error", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return invalid("log.format %q is invalid; expected json|console", c.Log.Format)
	}

	if err := c.Model.Validate(); err != nil {
		return errors.Wrap(err, errors.CodeUnknown, "config: model")
	}

	switch c.Checkpoint.Backend {
	case BackendFile:
		if c.Checkpoint.Dir == "" {
			return invalid("checkpoint.dir is required for the file backend")
		}
	case BackendMinIO:
		if c.Checkpoint.MinIO.Endpoint == "" {
			return invalid("checkpoint.minio.endpoint is required for the minio backend")
		}
		if c.Checkpoint.MinIO.Bucket == "" {
			return invalid("checkpoint.minio.bucket is required for the minio backend")
		}
	default:
		return invalid("checkpoint.backend %q is invalid; expected file|minio", c.Checkpoint.Backend)
	}

	if c.Inference.Concurrency < 1 {
		return invalid("inference.concurrency must be ≥ 1, got %d", c.Inference.Concurrency)
	}
	if c.Inference.MaxBatchRows < 1 {
		return invalid("inference.max_batch_rows must be ≥ 1, got %d", c.Inference.MaxBatchRows)
	}

	if c.Cache.Enabled {
		if c.Cache.TTL <= 0 {
			return invalid("cache.ttl must be positive")
		}
		if c.Cache.Redis.Mode == "standalone" && c.Cache.Redis.Addr == "" {
			return invalid("cache.redis.addr is required")
		}
		if c.Cache.Redis.DB < 0 {
			return invalid("cache.redis.db must be ≥ 0, got %d", c.Cache.Redis.DB)
		}
	}

	if len(c.Kafka.Consumer.Brokers) > 0 {
		if err := kafka.ValidateConsumerConfig(c.Kafka.Consumer); err != nil {
			return errors.Wrap(err, errors.CodeUnknown, "config: kafka.consumer")
		}
		if err := kafka.ValidateProducerConfig(c.Kafka.Producer); err != nil {
			return errors.Wrap(err, errors.CodeUnknown, "config: kafka.producer")
		}
	}

	if c.Worker.HandlerTimeout <= 0 {
		return invalid("worker.handler_timeout must be positive")
	}

	if c.HTTP.EnableRateLimit {
		if c.HTTP.RateLimit.RequestsPerSecond <= 0 {
			return invalid("http.rate_limit.requests_per_second must be positive")
		}
		if c.HTTP.RateLimit.BurstSize < 1 {
			return invalid("http.rate_limit.burst_size must be ≥ 1, got %d", c.HTTP.RateLimit.BurstSize)
		}
	}

	if c.GRPC.Enabled {
		if c.GRPC.Addr == c.HTTP.Addr {
			return invalid("grpc.addr %q collides with http.addr", c.GRPC.Addr)
		}
		if c.GRPC.MaxRecvMsgSize < 1024 {
			return invalid("grpc.max_recv_msg_size must be ≥ 1024, got %d", c.GRPC.MaxRecvMsgSize)
		}
	}

	if c.Postgres.Enabled {
		if c.Postgres.Host == "" {
			return invalid("postgres.host is required")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			return invalid("postgres.port %d is out of range", c.Postgres.Port)
		}
		if c.Postgres.Database == "" {
			return invalid("postgres.database is required")
		}
		if c.Postgres.MinConns > c.Postgres.MaxConns {
			return invalid("postgres.min_conns (%d) exceeds max_conns (%d)", c.Postgres.MinConns, c.Postgres.MaxConns)
		}
	}

	if c.Auth.Enabled {
		if c.Auth.BaseURL == "" || c.Auth.Realm == "" || c.Auth.ClientID == "" {
			return invalid("auth.base_url, auth.realm and auth.client_id are required when auth is enabled")
		}
		if c.Auth.AdminRole == "" {
			return invalid("auth.admin_role is required when auth is enabled")
		}
	}
	return nil
}
