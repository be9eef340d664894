package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/mixprop/internal/config"
	"github.com/turtacn/mixprop/pkg/errors"
)

// validConfig returns a Config that passes Validate().
func validConfig() *config.Config {
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	return cfg
}

func TestConfig_Validate_Defaults(t *testing.T) {
	t.Parallel()
	assert.NoError(t, validConfig().Validate())
}

func TestConfig_Validate_Invalid(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"log level", func(c *config.Config) { c.Log.Level = "trace" }, "log.level"},
		{"log format", func(c *config.Config) { c.Log.Format = "xml" }, "log.format"},
		{"backend", func(c *config.Config) { c.Checkpoint.Backend = "s3" }, "checkpoint.backend"},
		{"file dir", func(c *config.Config) { c.Checkpoint.Dir = "" }, "checkpoint.dir"},
		{"minio endpoint", func(c *config.Config) { c.Checkpoint.Backend = config.BackendMinIO }, "checkpoint.minio.endpoint"},
		{"concurrency", func(c *config.Config) { c.Inference.Concurrency = -1 }, "inference.concurrency"},
		{"max batch rows", func(c *config.Config) { c.Inference.MaxBatchRows = -5 }, "inference.max_batch_rows"},
		{"cache ttl", func(c *config.Config) { c.Cache.Enabled = true; c.Cache.TTL = -1 }, "cache.ttl"},
		{"redis addr", func(c *config.Config) { c.Cache.Enabled = true; c.Cache.Redis.Addr = "" }, "cache.redis.addr"},
		{"handler timeout", func(c *config.Config) { c.Worker.HandlerTimeout = -1 }, "worker.handler_timeout"},
		{"rate limit", func(c *config.Config) { c.HTTP.EnableRateLimit = true; c.HTTP.RateLimit.BurstSize = 0 }, "http.rate_limit.burst_size"},
		{"grpc addr", func(c *config.Config) { c.GRPC.Enabled = true; c.GRPC.Addr = c.HTTP.Addr }, "grpc.addr"},
		{"postgres port", func(c *config.Config) { c.Postgres.Enabled = true; c.Postgres.Port = 70000 }, "postgres.port"},
		{"postgres pool", func(c *config.Config) { c.Postgres.Enabled = true; c.Postgres.MinConns = 20 }, "postgres.min_conns"},
		{"auth realm", func(c *config.Config) { c.Auth.Enabled = true; c.Auth.BaseURL = "https://sso" }, "auth.base_url"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
			assert.True(t, errors.IsCode(err, errors.ErrCodeValidation))
		})
	}
}

func TestConfig_Validate_Model(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Model.Task = "ranking"
	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeUnsupportedTask))
}

func TestConfig_Validate_MinIO(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Checkpoint.Backend = config.BackendMinIO
	cfg.Checkpoint.MinIO.Endpoint = "localhost:9000"
	assert.NoError(t, cfg.Validate())
}

func TestConfig_Validate_KafkaOnlyWhenConfigured(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Kafka.Consumer.AutoOffsetReset = "sideways"
	assert.NoError(t, cfg.Validate())

	cfg.Kafka.Consumer.Brokers = []string{"localhost:9092"}
	config.ApplyDefaults(cfg)
	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeValidation))
}
