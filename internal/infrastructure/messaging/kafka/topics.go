package kafka

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/turtacn/mixprop/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/mixprop/pkg/errors"
)

// Topic Constants
const (
	TopicPredictRequest     = "mixprop.predict.request"
	TopicPredictResult      = "mixprop.predict.result"
	TopicFingerprintRequest = "mixprop.fingerprint.request"
	TopicFingerprintResult  = "mixprop.fingerprint.result"

	deadLetterSuffix = ".dlq"
)

// Event types carried in EventEnvelope.EventType.
const (
	EventPredictRequested     = "predict.requested"
	EventPredictCompleted     = "predict.completed"
	EventFingerprintRequested = "fingerprint.requested"
	EventFingerprintCompleted = "fingerprint.completed"
)

// DeadLetterTopic returns the dead-letter topic of topic.
func DeadLetterTopic(topic string) string {
	return topic + deadLetterSuffix
}

// EventEnvelope standardizes event messages.
type EventEnvelope struct {
	EventID       string            `json:"event_id"`
	EventType     string            `json:"event_type"`
	Source        string            `json:"source"`
	Timestamp     time.Time         `json:"timestamp"`
	SchemaVersion string            `json:"schema_version"`
	TraceID       string            `json:"trace_id,omitempty"`
	Payload       json.RawMessage   `json:"payload"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

func NewEventEnvelope(eventType string, source string, payload interface{}) (*EventEnvelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeSerialization, "failed to marshal payload")
	}
	return &EventEnvelope{
		EventID:       uuid.New().String(),
		EventType:     eventType,
		Source:        source,
		Timestamp:     time.Now().UTC(),
		SchemaVersion: "v1",
		Payload:       data,
	}, nil
}

// DecodePayload unmarshals the payload into target. An absent payload is a
// validation error.
func (e *EventEnvelope) DecodePayload(target interface{}) error {
	if len(e.Payload) == 0 || string(e.Payload) == "null" {
		return errors.New(errors.ErrCodeValidation, "empty event payload").WithDetail(e.EventType)
	}
	if err := json.Unmarshal(e.Payload, target); err != nil {
		return errors.Wrap(err, errors.ErrCodeSerialization, "failed to unmarshal payload").WithDetail(e.EventType)
	}
	return nil
}

// ToMessage encodes the envelope for topic, keyed by key.
func (e *EventEnvelope) ToMessage(topic string, key string) (*ProducerMessage, error) {
	val, err := json.Marshal(e)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeSerialization, "failed to marshal envelope")
	}
	headers := map[string]string{
		"event_id":       e.EventID,
		"event_type":     e.EventType,
		"source_service": e.Source,
		"schema_version": e.SchemaVersion,
	}
	if e.TraceID != "" {
		headers["trace_id"] = e.TraceID
	}
	msg := &ProducerMessage{
		Topic:     topic,
		Value:     val,
		Headers:   headers,
		Timestamp: e.Timestamp,
	}
	if key != "" {
		msg.Key = []byte(key)
	}
	return msg, nil
}

func MessageToEventEnvelope(msg *Message) (*EventEnvelope, error) {
	if len(msg.Value) == 0 {
		return nil, errors.New(errors.ErrCodeValidation, "empty message value")
	}
	var env EventEnvelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeSerialization, "failed to unmarshal envelope")
	}
	return &env, nil
}

// ConnInterface abstracts kafka.Conn for testing.
type ConnInterface interface {
	CreateTopics(topics ...kafka.TopicConfig) error
	DeleteTopics(topics ...string) error
	ReadPartitions(topics ...string) ([]kafka.Partition, error)
	Close() error
}

// TopicManager manages Kafka topics.
type TopicManager struct {
	conn   ConnInterface
	logger logging.Logger
}

func NewTopicManager(brokers []string, logger logging.Logger) (*TopicManager, error) {
	if len(brokers) == 0 {
		return nil, errors.New(errors.ErrCodeValidation, "brokers required")
	}
	conn, err := kafka.Dial("tcp", brokers[0])
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeMessagingFailure, "failed to dial kafka").WithDetail(brokers[0])
	}
	return newTopicManagerWithConn(conn, logger), nil
}

func newTopicManagerWithConn(conn ConnInterface, logger logging.Logger) *TopicManager {
	return &TopicManager{conn: conn, logger: logging.OrNop(logger)}
}

func (m *TopicManager) CreateTopic(ctx context.Context, cfg TopicConfig) error {
	if cfg.Name == "" {
		return errors.New(errors.ErrCodeValidation, "topic name required")
	}
	if cfg.NumPartitions <= 0 {
		return errors.New(errors.ErrCodeValidation, "NumPartitions must be > 0")
	}
	if cfg.ReplicationFactor <= 0 {
		return errors.New(errors.ErrCodeValidation, "ReplicationFactor must be > 0")
	}

	kCfg := kafka.TopicConfig{
		Topic:             cfg.Name,
		NumPartitions:     cfg.NumPartitions,
		ReplicationFactor: cfg.ReplicationFactor,
		ConfigEntries:     make([]kafka.ConfigEntry, 0),
	}
	if cfg.RetentionMs > 0 {
		kCfg.ConfigEntries = append(kCfg.ConfigEntries, kafka.ConfigEntry{ConfigName: "retention.ms", ConfigValue: strconv.FormatInt(cfg.RetentionMs, 10)})
	}
	if cfg.CleanupPolicy != "" {
		kCfg.ConfigEntries = append(kCfg.ConfigEntries, kafka.ConfigEntry{ConfigName: "cleanup.policy", ConfigValue: cfg.CleanupPolicy})
	}
	if cfg.MaxMessageBytes > 0 {
		kCfg.ConfigEntries = append(kCfg.ConfigEntries, kafka.ConfigEntry{ConfigName: "max.message.bytes", ConfigValue: strconv.Itoa(cfg.MaxMessageBytes)})
	}
	for k, v := range cfg.Configs {
		kCfg.ConfigEntries = append(kCfg.ConfigEntries, kafka.ConfigEntry{ConfigName: k, ConfigValue: v})
	}

	if err := m.conn.CreateTopics(kCfg); err != nil {
		if stderrors.Is(err, kafka.TopicAlreadyExists) || strings.Contains(err.Error(), "already exists") {
			return nil
		}
		if exists, _ := m.TopicExists(ctx, cfg.Name); exists {
			return nil
		}
		return errors.Wrap(err, errors.ErrCodeMessagingFailure, "failed to create topic").WithDetail(cfg.Name)
	}
	m.logger.Info("topic created", logging.String("topic", cfg.Name), logging.Int("partitions", cfg.NumPartitions))
	return nil
}

func (m *TopicManager) DeleteTopic(ctx context.Context, name string) error {
	if err := m.conn.DeleteTopics(name); err != nil {
		if stderrors.Is(err, kafka.UnknownTopicOrPartition) {
			return nil
		}
		return errors.Wrap(err, errors.ErrCodeMessagingFailure, "failed to delete topic").WithDetail(name)
	}
	m.logger.Warn("topic deleted", logging.String("topic", name))
	return nil
}

func (m *TopicManager) TopicExists(ctx context.Context, name string) (bool, error) {
	partitions, err := m.conn.ReadPartitions(name)
	if err != nil {
		if stderrors.Is(err, kafka.UnknownTopicOrPartition) {
			return false, nil
		}
		return false, errors.Wrap(err, errors.ErrCodeMessagingFailure, "failed to read partitions").WithDetail(name)
	}
	return len(partitions) > 0, nil
}

func (m *TopicManager) ListTopics(ctx context.Context) ([]string, error) {
	partitions, err := m.conn.ReadPartitions()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeMessagingFailure, "failed to read partitions")
	}

	seen := make(map[string]bool)
	var topics []string
	for _, p := range partitions {
		if !seen[p.Topic] {
			seen[p.Topic] = true
			topics = append(topics, p.Topic)
		}
	}
	return topics, nil
}

func (m *TopicManager) EnsureTopics(ctx context.Context, topics []TopicConfig) error {
	for _, topic := range topics {
		if err := m.CreateTopic(ctx, topic); err != nil {
			return err
		}
	}
	return nil
}

// EnsureDefaultTopics creates the request, result and dead-letter topics.
func (m *TopicManager) EnsureDefaultTopics(ctx context.Context, replicationFactor int) error {
	return m.EnsureTopics(ctx, DefaultTopics(replicationFactor))
}

func (m *TopicManager) Close() error {
	return m.conn.Close()
}

// DefaultTopics lists the work topics with a dead-letter topic for each
// request topic.
func DefaultTopics(replicationFactor int) []TopicConfig {
	if replicationFactor <= 0 {
		replicationFactor = 1
	}
	const day = int64(24 * 3600 * 1000)
	return []TopicConfig{
		{Name: TopicPredictRequest, NumPartitions: 6, ReplicationFactor: replicationFactor, RetentionMs: 3 * day},
		{Name: TopicPredictResult, NumPartitions: 6, ReplicationFactor: replicationFactor, RetentionMs: 7 * day},
		{Name: TopicFingerprintRequest, NumPartitions: 3, ReplicationFactor: replicationFactor, RetentionMs: 3 * day},
		{Name: TopicFingerprintResult, NumPartitions: 3, ReplicationFactor: replicationFactor, RetentionMs: 7 * day},
		{Name: DeadLetterTopic(TopicPredictRequest), NumPartitions: 1, ReplicationFactor: replicationFactor, RetentionMs: 30 * day},
		{Name: DeadLetterTopic(TopicFingerprintRequest), NumPartitions: 1, ReplicationFactor: replicationFactor, RetentionMs: 30 * day},
	}
}
