package kafka

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/turtacn/mixprop/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/mixprop/internal/infrastructure/monitoring/prometheus"
	"github.com/turtacn/mixprop/pkg/errors"
)

var (
	ErrAlreadyRunning = errors.New(errors.ErrCodeValidation, "consumer already running")
)

// Dead-letter headers.
const (
	HeaderOriginalTopic = "original_topic"
	HeaderErrorCode     = "error_code"
	HeaderErrorMessage  = "error_message"
	HeaderAttempts      = "attempts"
)

// RetryConfig controls redelivery of messages whose handler failed with a
// retryable error.
type RetryConfig struct {
	MaxRetries      int           `mapstructure:"max_retries"`
	RetryBackoff    time.Duration `mapstructure:"retry_backoff"`
	MaxRetryBackoff time.Duration `mapstructure:"max_retry_backoff"`
	// DeadLetterTopic overrides the default "<topic>.dlq".
	DeadLetterTopic string `mapstructure:"dead_letter_topic"`
}

// ConsumerConfig holds configuration for the Consumer.
type ConsumerConfig struct {
	Brokers            []string       `mapstructure:"brokers"`
	GroupID            string         `mapstructure:"group_id"`
	Topics             []string       `mapstructure:"topics"`
	AutoOffsetReset    string         `mapstructure:"auto_offset_reset"`
	SessionTimeout     time.Duration  `mapstructure:"session_timeout"`
	HeartbeatInterval  time.Duration  `mapstructure:"heartbeat_interval"`
	MaxWait            time.Duration  `mapstructure:"max_wait"`
	FetchMinBytes      int            `mapstructure:"fetch_min_bytes"`
	FetchMaxBytes      int            `mapstructure:"fetch_max_bytes"`
	IsolationLevel     string         `mapstructure:"isolation_level"`
	Security           SecurityConfig `mapstructure:"security"`
	RetryConfig        RetryConfig    `mapstructure:"retry"`
	FetchErrorBackoff  time.Duration  `mapstructure:"fetch_error_backoff"`
	DisableDeadLetters bool           `mapstructure:"disable_dead_letters"`
}

// ConsumerMetrics holds consumer counters.
type ConsumerMetrics struct {
	MessagesConsumed     atomic.Int64
	MessagesProcessed    atomic.Int64
	MessagesFailed       atomic.Int64
	MessagesRetried      atomic.Int64
	MessagesDeadLettered atomic.Int64
	Lag                  atomic.Int64
}

// ReaderInterface abstracts kafka.Reader for testing.
type ReaderInterface interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher is the dead-letter sink.
type Publisher interface {
	Publish(ctx context.Context, msg *ProducerMessage) error
}

// ConsumerOption customizes a Consumer.
type ConsumerOption func(*Consumer)

// WithDeadLetterPublisher replaces the dead-letter producer built from the
// consumer configuration.
func WithDeadLetterPublisher(p Publisher) ConsumerOption {
	return func(c *Consumer) { c.deadLetter = p }
}

// WithAppMetrics records per-message outcomes.
func WithAppMetrics(m *prometheus.AppMetrics) ConsumerOption {
	return func(c *Consumer) { c.appMetrics = m }
}

// Consumer reads messages of a consumer group and dispatches them to topic
// handlers. Handler errors that errors.Retryable accepts are retried with
// exponential backoff; anything else, and retries that run out, is
// dead-lettered. Offsets are committed once a message has been handled.
type Consumer struct {
	reader ReaderInterface
	config ConsumerConfig
	logger logging.Logger

	handlers map[string]MessageHandler
	mu       sync.RWMutex

	running atomic.Bool
	closed  atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	deadLetter  Publisher
	ownProducer *Producer
	appMetrics  *prometheus.AppMetrics
	metrics     *ConsumerMetrics
}

func applyConsumerDefaults(cfg *ConsumerConfig) {
	if cfg.AutoOffsetReset == "" {
		cfg.AutoOffsetReset = "earliest"
	}
	if cfg.SessionTimeout == 0 {
		cfg.SessionTimeout = 30 * time.Second
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 3 * time.Second
	}
	if cfg.MaxWait == 0 {
		cfg.MaxWait = 500 * time.Millisecond
	}
	if cfg.FetchMinBytes == 0 {
		cfg.FetchMinBytes = 1
	}
	if cfg.FetchMaxBytes == 0 {
		cfg.FetchMaxBytes = 10 << 20
	}
	if cfg.FetchErrorBackoff == 0 {
		cfg.FetchErrorBackoff = time.Second
	}
	if cfg.RetryConfig.MaxRetries == 0 {
		cfg.RetryConfig.MaxRetries = 3
	}
	if cfg.RetryConfig.RetryBackoff == 0 {
		cfg.RetryConfig.RetryBackoff = 200 * time.Millisecond
	}
	if cfg.RetryConfig.MaxRetryBackoff == 0 {
		cfg.RetryConfig.MaxRetryBackoff = 10 * time.Second
	}
}

// NewConsumer creates a group consumer over cfg.Topics.
func NewConsumer(cfg ConsumerConfig, logger logging.Logger, opts ...ConsumerOption) (*Consumer, error) {
	if err := ValidateConsumerConfig(cfg); err != nil {
		return nil, err
	}
	applyConsumerDefaults(&cfg)

	tlsConfig, err := cfg.Security.tlsConfig()
	if err != nil {
		return nil, err
	}
	mech, err := cfg.Security.saslMechanism()
	if err != nil {
		return nil, err
	}

	readerCfg := kafka.ReaderConfig{
		Brokers:           cfg.Brokers,
		GroupID:           cfg.GroupID,
		GroupTopics:       cfg.Topics,
		MinBytes:          cfg.FetchMinBytes,
		MaxBytes:          cfg.FetchMaxBytes,
		MaxWait:           cfg.MaxWait,
		SessionTimeout:    cfg.SessionTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		StartOffset:       kafka.FirstOffset,
		Dialer: &kafka.Dialer{
			Timeout:       10 * time.Second,
			DualStack:     true,
			TLS:           tlsConfig,
			SASLMechanism: mech,
		},
	}
	if cfg.AutoOffsetReset == "latest" {
		readerCfg.StartOffset = kafka.LastOffset
	}
	if cfg.IsolationLevel == "read_committed" {
		readerCfg.IsolationLevel = kafka.ReadCommitted
	}

	c := newConsumerWithReader(kafka.NewReader(readerCfg), cfg, logger, opts...)
	if c.deadLetter == nil && !cfg.DisableDeadLetters {
		p, err := NewProducer(ProducerConfig{Brokers: cfg.Brokers, Security: cfg.Security}, logger)
		if err != nil {
			return nil, err
		}
		c.deadLetter = p
		c.ownProducer = p
	}
	return c, nil
}

func newConsumerWithReader(r ReaderInterface, cfg ConsumerConfig, logger logging.Logger, opts ...ConsumerOption) *Consumer {
	applyConsumerDefaults(&cfg)
	c := &Consumer{
		reader:   r,
		config:   cfg,
		logger:   logging.OrNop(logger),
		handlers: make(map[string]MessageHandler),
		metrics:  &ConsumerMetrics{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Subscribe registers the handler of topic.
func (c *Consumer) Subscribe(topic string, handler MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[topic] = handler
	c.logger.Info("subscribed to topic", logging.String("topic", topic))
}

// Start runs the consume loop until ctx is cancelled or Close is called.
func (c *Consumer) Start(ctx context.Context) error {
	if c.closed.Load() {
		return errors.New(errors.ErrCodeMessagingFailure, "consumer closed")
	}
	if c.running.Swap(true) {
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.wg.Add(1)
	go c.consumeLoop(ctx)

	c.logger.Info("kafka consumer started", logging.String("group", c.config.GroupID))
	return nil
}

func (c *Consumer) consumeLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("fetch failed", logging.Err(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.config.FetchErrorBackoff):
			}
			continue
		}

		c.metrics.MessagesConsumed.Add(1)
		if m.HighWaterMark > 0 {
			c.metrics.Lag.Store(m.HighWaterMark - m.Offset - 1)
		}

		if !c.handle(ctx, m) {
			return
		}
		if err := c.reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			c.logger.Error("commit failed", logging.String("topic", m.Topic), logging.Int64("offset", m.Offset), logging.Err(err))
		}
	}
}

// handle dispatches m and reports whether its offset may be committed.
func (c *Consumer) handle(ctx context.Context, m kafka.Message) bool {
	msg := fromKafkaMessage(m)

	c.mu.RLock()
	handler, ok := c.handlers[m.Topic]
	c.mu.RUnlock()
	if !ok {
		c.logger.Warn("no handler for topic", logging.String("topic", m.Topic))
		return true
	}

	done := prometheus.TrackInFlight(c.appMetrics, m.Topic)
	defer done()

	start := time.Now()
	outcome, err := c.processMessage(ctx, msg, handler)
	if err != nil {
		return false
	}
	prometheus.RecordWorkerMessage(c.appMetrics, m.Topic, outcome, time.Since(start))
	return true
}

// processMessage runs handler with retries. It returns an error only when
// ctx ends before the message was handled.
func (c *Consumer) processMessage(ctx context.Context, msg *Message, handler MessageHandler) (string, error) {
	err := handler(ctx, msg)
	if err == nil {
		c.metrics.MessagesProcessed.Add(1)
		return prometheus.OutcomeProcessed, nil
	}

	attempts := 1
	if errors.Retryable(err) {
		retry := c.config.RetryConfig
		backoff := retry.RetryBackoff
		for i := 0; i < retry.MaxRetries && errors.Retryable(err); i++ {
			c.metrics.MessagesRetried.Add(1)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}

			attempts++
			if err = handler(ctx, msg); err == nil {
				c.metrics.MessagesProcessed.Add(1)
				return prometheus.OutcomeRetried, nil
			}
			backoff *= 2
			if backoff > retry.MaxRetryBackoff {
				backoff = retry.MaxRetryBackoff
			}
		}
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	c.metrics.MessagesFailed.Add(1)
	outcome := prometheus.OutcomeDeadLettered
	if attempts == 1 {
		outcome = prometheus.OutcomeRejected
	}
	c.logger.Error("message handling failed",
		logging.String("topic", msg.Topic),
		logging.Int64("offset", msg.Offset),
		logging.Int("attempts", attempts),
		logging.Err(err))
	c.deadLetterMessage(ctx, msg, err, attempts)
	return outcome, nil
}

func (c *Consumer) deadLetterMessage(ctx context.Context, msg *Message, cause error, attempts int) {
	if c.deadLetter == nil {
		return
	}
	headers := make(map[string]string, len(msg.Headers)+4)
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers[HeaderOriginalTopic] = msg.Topic
	headers[HeaderErrorCode] = string(errors.GetCode(cause))
	headers[HeaderErrorMessage] = cause.Error()
	headers[HeaderAttempts] = strconv.Itoa(attempts)

	topic := c.config.RetryConfig.DeadLetterTopic
	if topic == "" {
		topic = DeadLetterTopic(msg.Topic)
	}
	dl := &ProducerMessage{Topic: topic, Key: msg.Key, Value: msg.Value, Headers: headers}
	if err := c.deadLetter.Publish(ctx, dl); err != nil {
		c.logger.Error("dead-letter publish failed", logging.String("topic", topic), logging.Err(err))
		return
	}
	c.metrics.MessagesDeadLettered.Add(1)
}

// Metrics returns the live counters.
func (c *Consumer) Metrics() *ConsumerMetrics { return c.metrics }

// Close stops the loop and releases the reader and any owned producer.
func (c *Consumer) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	if c.running.Load() && c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()

	err := c.reader.Close()
	if c.ownProducer != nil {
		if perr := c.ownProducer.Close(); perr != nil && err == nil {
			err = perr
		}
	}
	c.logger.Info("kafka consumer closed", logging.Int64("consumed", c.metrics.MessagesConsumed.Load()))
	return err
}

func fromKafkaMessage(m kafka.Message) *Message {
	msg := &Message{
		Topic:     m.Topic,
		Partition: m.Partition,
		Offset:    m.Offset,
		Key:       m.Key,
		Value:     m.Value,
		Timestamp: m.Time,
		Headers:   make(map[string]string, len(m.Headers)),
	}
	for _, h := range m.Headers {
		msg.Headers[h.Key] = string(h.Value)
	}
	return msg
}

// ValidateConsumerConfig checks cfg before any connection is attempted.
func ValidateConsumerConfig(cfg ConsumerConfig) error {
	if len(cfg.Brokers) == 0 {
		return errors.New(errors.ErrCodeValidation, "brokers required")
	}
	if cfg.GroupID == "" {
		return errors.New(errors.ErrCodeValidation, "group id required")
	}
	if len(cfg.Topics) == 0 {
		return errors.New(errors.ErrCodeValidation, "topics required")
	}
	if cfg.AutoOffsetReset != "" && cfg.AutoOffsetReset != "earliest" && cfg.AutoOffsetReset != "latest" {
		return errors.New(errors.ErrCodeValidation, "invalid auto offset reset").WithDetail(cfg.AutoOffsetReset)
	}
	if cfg.RetryConfig.MaxRetries < 0 {
		return errors.New(errors.ErrCodeValidation, "max retries must be >= 0")
	}
	return cfg.Security.validate()
}
