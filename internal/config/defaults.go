package config

import (
	"runtime"
	"time"

	"github.com/turtacn/mixprop/internal/intelligence/mixprop"
)

// ─────────────────────────────────────────────────────────────────────────────
// Default value constants
// ─────────────────────────────────────────────────────────────────────────────

const (
	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"

	DefaultCheckpointBackend = BackendFile
	DefaultCheckpointDir     = "./checkpoints"

	DefaultCacheTTL    = 15 * time.Minute
	DefaultCachePrefix = "mixprop:"
	DefaultRedisAddr   = "localhost:6379"

	DefaultKafkaBroker  = "localhost:9092"
	DefaultKafkaGroupID = "mixprop-workers"

	DefaultMetricsNamespace = "mixprop"

	DefaultMaxBatchRows = 256
)

// ApplyDefaults fills every zero-value field in cfg with its default.
// Fields already set are left unchanged so that explicit configuration
// always wins.
func ApplyDefaults(cfg *Config) {
	if cfg == nil {
		return
	}

	// ── Log ──────────────────────────────────────────────────────────────────
	if cfg.Log.Level == "" {
		cfg.Log.Level = DefaultLogLevel
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = DefaultLogFormat
	}

	// ── Model ────────────────────────────────────────────────────────────────
	applyModelDefaults(&cfg.Model)

	// ── Checkpoint ───────────────────────────────────────────────────────────
	if cfg.Checkpoint.Backend == "" {
		cfg.Checkpoint.Backend = DefaultCheckpointBackend
	}
	if cfg.Checkpoint.Dir == "" {
		cfg.Checkpoint.Dir = DefaultCheckpointDir
	}
	if cfg.Checkpoint.MinIO.Bucket == "" {
		cfg.Checkpoint.MinIO.Bucket = "mixprop-models"
	}

	// ── Inference ────────────────────────────────────────────────────────────
	if cfg.Inference.Concurrency == 0 {
		cfg.Inference.Concurrency = runtime.GOMAXPROCS(0)
	}
	if cfg.Inference.MaxBatchRows == 0 {
		cfg.Inference.MaxBatchRows = DefaultMaxBatchRows
	}

	// ── Cache ────────────────────────────────────────────────────────────────
	if cfg.Cache.TTL == 0 {
		cfg.Cache.TTL = DefaultCacheTTL
	}
	if cfg.Cache.Prefix == "" {
		cfg.Cache.Prefix = DefaultCachePrefix
	}
	if cfg.Cache.Redis.Mode == "" {
		cfg.Cache.Redis.Mode = "standalone"
	}
	if cfg.Cache.Redis.Addr == "" && cfg.Cache.Redis.Mode == "standalone" {
		cfg.Cache.Redis.Addr = DefaultRedisAddr
	}

	// ── Kafka ────────────────────────────────────────────────────────────────
	if cfg.Kafka.Consumer.GroupID == "" {
		cfg.Kafka.Consumer.GroupID = DefaultKafkaGroupID
	}
	if len(cfg.Kafka.Producer.Brokers) == 0 {
		cfg.Kafka.Producer.Brokers = cfg.Kafka.Consumer.Brokers
	}
	if cfg.Kafka.ReplicationFactor == 0 {
		cfg.Kafka.ReplicationFactor = 1
	}

	// ── Metrics ──────────────────────────────────────────────────────────────
	if cfg.Metrics.Collector.Namespace == "" {
		cfg.Metrics.Collector.Namespace = DefaultMetricsNamespace
	}

	// ── Worker ───────────────────────────────────────────────────────────────
	cfg.Worker.ApplyDefaults()
	if len(cfg.Kafka.Consumer.Topics) == 0 {
		cfg.Kafka.Consumer.Topics = cfg.Worker.Topics()
	}

	// ── HTTP ─────────────────────────────────────────────────────────────────
	cfg.HTTP.ApplyDefaults()

	// ── gRPC ─────────────────────────────────────────────────────────────────
	cfg.GRPC.ApplyDefaults()

	// ── Postgres ─────────────────────────────────────────────────────────────
	cfg.Postgres.ApplyDefaults()

	// ── Auth ─────────────────────────────────────────────────────────────────
	cfg.Auth.ApplyDefaults()
}

// applyModelDefaults fills the architecture fields a partial model section
// leaves unset. Boolean switches keep their zero value.
func applyModelDefaults(m *mixprop.ModelConfig) {
	d := mixprop.DefaultModelConfig()
	if m.ModelID == "" {
		m.ModelID = d.ModelID
	}
	if m.ModelVersion == "" {
		m.ModelVersion = d.ModelVersion
	}
	if m.Task == "" {
		m.Task = d.Task
	}
	if m.NumTasks == 0 {
		m.NumTasks = d.NumTasks
	}
	if m.MulticlassNumClasses == 0 {
		m.MulticlassNumClasses = d.MulticlassNumClasses
	}
	if m.LossFunction == "" {
		m.LossFunction = d.LossFunction
	}
	if m.SpectraActivation == "" {
		m.SpectraActivation = d.SpectraActivation
	}
	if m.AtomFeatureSize == 0 {
		m.AtomFeatureSize = d.AtomFeatureSize
	}
	if m.BondFeatureSize == 0 {
		m.BondFeatureSize = d.BondFeatureSize
	}
	if m.HiddenSize == 0 {
		m.HiddenSize = d.HiddenSize
	}
	if m.Depth == 0 {
		m.Depth = d.Depth
	}
	if m.Aggregation == "" {
		m.Aggregation = d.Aggregation
	}
	if m.AggregationNorm == 0 {
		m.AggregationNorm = d.AggregationNorm
	}
	if m.NumMolecules == 0 {
		m.NumMolecules = d.NumMolecules
	}
	if m.FFNNumLayers == 0 {
		m.FFNNumLayers = d.FFNNumLayers
	}
	if m.FFNHiddenSize == 0 {
		m.FFNHiddenSize = d.FFNHiddenSize
	}
	if m.Activation == "" {
		m.Activation = d.Activation
	}
}
