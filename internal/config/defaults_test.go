package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/turtacn/mixprop/internal/infrastructure/messaging/kafka"
	"github.com/turtacn/mixprop/internal/intelligence/mixprop"
)

func TestApplyDefaults_Nil(t *testing.T) {
	assert.NotPanics(t, func() { ApplyDefaults(nil) })
}

func TestApplyDefaults_Zero(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	assert.Equal(t, DefaultLogLevel, cfg.Log.Level)
	assert.Equal(t, BackendFile, cfg.Checkpoint.Backend)
	assert.Equal(t, DefaultCacheTTL, cfg.Cache.TTL)
	assert.Equal(t, "standalone", cfg.Cache.Redis.Mode)
	assert.Equal(t, DefaultRedisAddr, cfg.Cache.Redis.Addr)
	assert.Equal(t, DefaultKafkaGroupID, cfg.Kafka.Consumer.GroupID)
	assert.Equal(t, []string{kafka.TopicPredictRequest, kafka.TopicFingerprintRequest}, cfg.Kafka.Consumer.Topics)
	assert.Equal(t, DefaultMetricsNamespace, cfg.Metrics.Collector.Namespace)
	assert.Positive(t, cfg.Inference.Concurrency)
	assert.Equal(t, DefaultMaxBatchRows, cfg.Inference.MaxBatchRows)
	assert.Equal(t, time.Minute, cfg.Worker.HandlerTimeout)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, 100, cfg.HTTP.RateLimit.BurstSize)
	assert.Equal(t, ":50051", cfg.GRPC.Addr)
	assert.False(t, cfg.Postgres.Enabled)
	assert.Equal(t, 5432, cfg.Postgres.Port)
	assert.Equal(t, "mixprop", cfg.Postgres.Database)
	assert.False(t, cfg.Auth.Enabled)
	assert.Equal(t, "mixprop-admin", cfg.Auth.AdminRole)

	want := mixprop.DefaultModelConfig()
	assert.Equal(t, want.HiddenSize, cfg.Model.HiddenSize)
	assert.Equal(t, want.Task, cfg.Model.Task)
	assert.NoError(t, cfg.Model.Validate())
}

func TestApplyDefaults_KeepsExplicit(t *testing.T) {
	cfg := &Config{}
	cfg.Log.Level = "debug"
	cfg.Model.HiddenSize = 64
	cfg.Model.Task = mixprop.TaskClassification
	cfg.Kafka.Consumer.Brokers = []string{"kafka:9092"}
	ApplyDefaults(cfg)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 64, cfg.Model.HiddenSize)
	assert.Equal(t, mixprop.TaskClassification, cfg.Model.Task)
	assert.Equal(t, []string{"kafka:9092"}, cfg.Kafka.Producer.Brokers)
}
