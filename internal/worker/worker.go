// Package worker runs prediction and fingerprint jobs received over Kafka
// and publishes their results.
package worker

import (
	"context"
	"time"

	"github.com/turtacn/mixprop/internal/infrastructure/messaging/kafka"
	"github.com/turtacn/mixprop/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/mixprop/internal/infrastructure/monitoring/prometheus"
	"github.com/turtacn/mixprop/internal/intelligence/mixprop"
	"github.com/turtacn/mixprop/pkg/errors"
)

// Result statuses.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Job kinds passed to a ResultRecorder.
const (
	KindPredict     = "predict"
	KindFingerprint = "fingerprint"
)

// PredictionJob is the payload of a request event.
type PredictionJob struct {
	JobID           string                  `json:"job_id"`
	Rows            []*mixprop.RowInput     `json:"rows"`
	FingerprintType mixprop.FingerprintType `json:"fingerprint_type,omitempty"`
}

// PredictionResult is the payload of a result event. Exactly one of
// Predictions and Fingerprints is set on success.
type PredictionResult struct {
	JobID        string                  `json:"job_id"`
	Status       string                  `json:"status"`
	ModelID      string                  `json:"model_id,omitempty"`
	ModelVersion string                  `json:"model_version,omitempty"`
	Task         mixprop.TaskKind        `json:"task,omitempty"`
	Predictions  [][]float64             `json:"predictions,omitempty"`
	Fingerprint  mixprop.FingerprintType `json:"fingerprint_type,omitempty"`
	Fingerprints [][]float64             `json:"fingerprints,omitempty"`
	Cached       bool                    `json:"cached,omitempty"`
	ErrorCode    string                  `json:"error_code,omitempty"`
	Error        string                  `json:"error,omitempty"`
	DurationMs   int64                   `json:"duration_ms"`
	CompletedAt  time.Time               `json:"completed_at"`
}

// Engine evaluates jobs. *mixprop.Predictor and *mixprop.Serving implement it.
type Engine interface {
	Predict(ctx context.Context, req *mixprop.PredictRequest) (*mixprop.PredictResponse, error)
	Fingerprint(ctx context.Context, req *mixprop.FingerprintRequest) (*mixprop.FingerprintResponse, error)
}

// Subscriber registers topic handlers. *kafka.Consumer implements it.
type Subscriber interface {
	Subscribe(topic string, handler kafka.MessageHandler)
}

// ResultRecorder keeps published results for later lookup.
type ResultRecorder interface {
	RecordResult(ctx context.Context, kind string, res *PredictionResult) error
}

// Option configures a Worker.
type Option func(*Worker)

// WithRecorder stores every published result in r. Recording failures are
// logged and do not fail the job.
func WithRecorder(r ResultRecorder) Option {
	return func(w *Worker) { w.recorder = r }
}

// Config holds worker settings.
type Config struct {
	PredictTopic           string        `mapstructure:"predict_topic"`
	PredictResultTopic     string        `mapstructure:"predict_result_topic"`
	FingerprintTopic       string        `mapstructure:"fingerprint_topic"`
	FingerprintResultTopic string        `mapstructure:"fingerprint_result_topic"`
	HandlerTimeout         time.Duration `mapstructure:"handler_timeout"`
	Source                 string        `mapstructure:"source"`
	MetricsAddr            string        `mapstructure:"metrics_addr"`
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.PredictTopic == "" {
		c.PredictTopic = kafka.TopicPredictRequest
	}
	if c.PredictResultTopic == "" {
		c.PredictResultTopic = kafka.TopicPredictResult
	}
	if c.FingerprintTopic == "" {
		c.FingerprintTopic = kafka.TopicFingerprintRequest
	}
	if c.FingerprintResultTopic == "" {
		c.FingerprintResultTopic = kafka.TopicFingerprintResult
	}
	if c.HandlerTimeout == 0 {
		c.HandlerTimeout = time.Minute
	}
	if c.Source == "" {
		c.Source = "mixprop-worker"
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = ":9090"
	}
}

// Topics returns the request topics the worker consumes.
func (c Config) Topics() []string {
	return []string{c.PredictTopic, c.FingerprintTopic}
}

// Worker turns request events into result events.
type Worker struct {
	engine    Engine
	publisher kafka.Publisher
	cfg       Config
	metrics   *prometheus.AppMetrics
	recorder  ResultRecorder
	logger    logging.Logger
}

// New creates a Worker.
func New(engine Engine, publisher kafka.Publisher, cfg Config, metrics *prometheus.AppMetrics, log logging.Logger, opts ...Option) (*Worker, error) {
	if engine == nil {
		return nil, errors.New(errors.ErrCodeModelNotLoaded, "model not loaded").WithDetail("worker requires an engine")
	}
	if publisher == nil {
		return nil, errors.NewConfigError("worker requires a result publisher")
	}
	cfg.ApplyDefaults()
	w := &Worker{
		engine:    engine,
		publisher: publisher,
		cfg:       cfg,
		metrics:   metrics,
		logger:    logging.OrNop(log).Named("worker"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Register subscribes the worker's handlers.
func (w *Worker) Register(s Subscriber) {
	s.Subscribe(w.cfg.PredictTopic, w.HandlePredict)
	s.Subscribe(w.cfg.FingerprintTopic, w.HandleFingerprint)
}

// HandlePredict runs a prediction job.
func (w *Worker) HandlePredict(ctx context.Context, msg *kafka.Message) error {
	return w.handle(ctx, msg, KindPredict, w.cfg.PredictResultTopic, kafka.EventPredictCompleted,
		func(ctx context.Context, job *PredictionJob, res *PredictionResult) error {
			resp, err := w.engine.Predict(ctx, &mixprop.PredictRequest{Rows: job.Rows})
			if err != nil {
				return err
			}
			res.ModelID, res.ModelVersion, res.Task = resp.ModelID, resp.ModelVersion, resp.Task
			res.Predictions, res.Cached = resp.Predictions, resp.Cached
			return nil
		})
}

// HandleFingerprint runs a fingerprint job.
func (w *Worker) HandleFingerprint(ctx context.Context, msg *kafka.Message) error {
	return w.handle(ctx, msg, KindFingerprint, w.cfg.FingerprintResultTopic, kafka.EventFingerprintCompleted,
		func(ctx context.Context, job *PredictionJob, res *PredictionResult) error {
			resp, err := w.engine.Fingerprint(ctx, &mixprop.FingerprintRequest{Rows: job.Rows, Type: job.FingerprintType})
			if err != nil {
				return err
			}
			res.ModelID, res.Fingerprint, res.Fingerprints = resp.ModelID, resp.Type, resp.Fingerprints
			return nil
		})
}

type runFunc func(ctx context.Context, job *PredictionJob, res *PredictionResult) error

// handle decodes msg, runs the job and publishes its result. Undecodable
// messages and retryable failures are returned to the consumer; any other
// job failure is published as a failed result.
func (w *Worker) handle(ctx context.Context, msg *kafka.Message, kind, resultTopic, eventType string, run runFunc) error {
	env, err := kafka.MessageToEventEnvelope(msg)
	if err != nil {
		return err
	}
	var job PredictionJob
	if err := env.DecodePayload(&job); err != nil {
		return err
	}
	if job.JobID == "" {
		job.JobID = env.EventID
	}
	log := w.logger.With(logging.String("job_id", job.JobID), logging.String("topic", msg.Topic))

	start := time.Now()
	runCtx, cancel := context.WithTimeout(ctx, w.cfg.HandlerTimeout)
	res := &PredictionResult{JobID: job.JobID, Status: StatusSucceeded}
	err = run(runCtx, &job, res)
	cancel()

	if err != nil {
		code := errors.GetCode(err)
		prometheus.RecordError(w.metrics, "worker", string(code))
		if errors.Retryable(err) {
			log.Warn("job failed, will retry", logging.Err(err))
			return err
		}
		log.Info("job rejected", logging.String("code", string(code)), logging.Err(err))
		*res = PredictionResult{JobID: job.JobID, Status: StatusFailed, ErrorCode: string(code), Error: err.Error()}
	}
	res.DurationMs = time.Since(start).Milliseconds()
	res.CompletedAt = time.Now().UTC()

	out, err := kafka.NewEventEnvelope(eventType, w.cfg.Source, res)
	if err != nil {
		return err
	}
	out.TraceID = env.TraceID
	out.Metadata = map[string]string{"request_event_id": env.EventID}
	pm, err := out.ToMessage(resultTopic, job.JobID)
	if err != nil {
		return err
	}
	if err := w.publisher.Publish(ctx, pm); err != nil {
		return err
	}
	log.Debug("result published", logging.String("status", res.Status), logging.Int64("duration_ms", res.DurationMs))

	if w.recorder != nil {
		if err := w.recorder.RecordResult(ctx, kind, res); err != nil {
			log.Warn("failed to record result", logging.Err(err))
		}
	}
	return nil
}
