package prometheus

import (
	"strconv"
	"time"
)

// AppMetrics holds all MixProp service metrics.
type AppMetrics struct {
	// HTTP
	HTTPRequestsTotal   CounterVec
	HTTPRequestDuration HistogramVec
	HTTPResponseSize    HistogramVec
	HTTPActiveRequests  GaugeVec

	// gRPC
	GRPCRequestsTotal   CounterVec
	GRPCRequestDuration HistogramVec

	// Prediction
	PredictionRequestsTotal CounterVec
	PredictionDuration      HistogramVec
	PredictionRowsTotal     CounterVec
	PredictionBatchRows     HistogramVec
	FingerprintRequests     CounterVec

	// Model lifecycle
	CheckpointLoadDuration HistogramVec
	ModelParameters        GaugeVec

	// Cache
	CacheHitsTotal   CounterVec
	CacheMissesTotal CounterVec

	// Worker
	WorkerMessagesTotal   CounterVec
	WorkerMessageDuration HistogramVec
	WorkerInFlight        GaugeVec

	// System health
	HealthCheckStatus GaugeVec
	ErrorsTotal       CounterVec
}

// Default buckets
var (
	DefaultPredictDurationBuckets = []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5}
	DefaultLoadDurationBuckets    = []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}
	DefaultBatchRowBuckets        = []float64{1, 2, 4, 8, 16, 32, 64, 128, 256, 512, 1024}
	DefaultHTTPDurationBuckets    = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}
	DefaultSizeBuckets            = []float64{100, 1000, 10000, 100000, 1000000, 10000000}
)

// NewAppMetrics registers all metrics on collector.
func NewAppMetrics(collector MetricsCollector) *AppMetrics {
	m := &AppMetrics{}

	m.HTTPRequestsTotal = collector.RegisterCounter("http_requests_total", "Total HTTP requests", "method", "path", "status_code")
	m.HTTPRequestDuration = collector.RegisterHistogram("http_request_duration_seconds", "HTTP request duration", DefaultHTTPDurationBuckets, "method", "path")
	m.HTTPResponseSize = collector.RegisterHistogram("http_response_size_bytes", "HTTP response size", DefaultSizeBuckets, "method", "path")
	m.HTTPActiveRequests = collector.RegisterGauge("http_active_requests", "Active HTTP requests", "method", "path")

	m.GRPCRequestsTotal = collector.RegisterCounter("grpc_requests_total", "Total gRPC requests", "service", "method", "code")
	m.GRPCRequestDuration = collector.RegisterHistogram("grpc_request_duration_seconds", "gRPC request duration", DefaultHTTPDurationBuckets, "service", "method")

	m.PredictionRequestsTotal = collector.RegisterCounter("prediction_requests_total", "Prediction requests", "model", "task", "status")
	m.PredictionDuration = collector.RegisterHistogram("prediction_duration_seconds", "Prediction latency", DefaultPredictDurationBuckets, "model")
	m.PredictionRowsTotal = collector.RegisterCounter("prediction_rows_total", "Mixture rows predicted", "model")
	m.PredictionBatchRows = collector.RegisterHistogram("prediction_batch_rows", "Rows per prediction batch", DefaultBatchRowBuckets, "model")
	m.FingerprintRequests = collector.RegisterCounter("fingerprint_requests_total", "Fingerprint requests", "model", "kind", "status")

	m.CheckpointLoadDuration = collector.RegisterHistogram("checkpoint_load_duration_seconds", "Checkpoint load latency", DefaultLoadDurationBuckets, "store", "status")
	m.ModelParameters = collector.RegisterGauge("model_parameters", "Model parameter count", "model", "kind")

	m.CacheHitsTotal = collector.RegisterCounter("cache_hits_total", "Cache hits", "cache")
	m.CacheMissesTotal = collector.RegisterCounter("cache_misses_total", "Cache misses", "cache")

	m.WorkerMessagesTotal = collector.RegisterCounter("worker_messages_total", "Worker messages by outcome", "topic", "outcome")
	m.WorkerMessageDuration = collector.RegisterHistogram("worker_message_duration_seconds", "Worker message handling latency", DefaultPredictDurationBuckets, "topic")
	m.WorkerInFlight = collector.RegisterGauge("worker_in_flight", "Messages being handled", "topic")

	m.HealthCheckStatus = collector.RegisterGauge("health_check_status", "Health check status (1=up, 0=down)", "component")
	m.ErrorsTotal = collector.RegisterCounter("errors_total", "Total errors", "component", "code")

	return m
}

// Helpers. Every helper tolerates a nil *AppMetrics so that callers can run
// with metrics disabled.

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

func RecordPrediction(metrics *AppMetrics, model, task string, rows int, duration time.Duration, success bool) {
	if metrics == nil {
		return
	}
	metrics.PredictionRequestsTotal.WithLabelValues(model, task, statusLabel(success)).Inc()
	metrics.PredictionDuration.WithLabelValues(model).Observe(duration.Seconds())
	if success {
		metrics.PredictionRowsTotal.WithLabelValues(model).Add(float64(rows))
		metrics.PredictionBatchRows.WithLabelValues(model).Observe(float64(rows))
	}
}

func RecordFingerprint(metrics *AppMetrics, model, kind string, success bool) {
	if metrics == nil {
		return
	}
	metrics.FingerprintRequests.WithLabelValues(model, kind, statusLabel(success)).Inc()
}

func RecordCheckpointLoad(metrics *AppMetrics, store string, duration time.Duration, success bool) {
	if metrics == nil {
		return
	}
	metrics.CheckpointLoadDuration.WithLabelValues(store, statusLabel(success)).Observe(duration.Seconds())
}

func RecordModelParameters(metrics *AppMetrics, model string, total, trainable int) {
	if metrics == nil {
		return
	}
	metrics.ModelParameters.WithLabelValues(model, "total").Set(float64(total))
	metrics.ModelParameters.WithLabelValues(model, "trainable").Set(float64(trainable))
}

func RecordHTTPRequest(metrics *AppMetrics, method, path string, statusCode int, duration time.Duration, respSize int64) {
	if metrics == nil {
		return
	}
	metrics.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(statusCode)).Inc()
	metrics.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	metrics.HTTPResponseSize.WithLabelValues(method, path).Observe(float64(respSize))
}

func RecordGRPCRequest(metrics *AppMetrics, service, method, code string, duration time.Duration) {
	if metrics == nil {
		return
	}
	metrics.GRPCRequestsTotal.WithLabelValues(service, method, code).Inc()
	metrics.GRPCRequestDuration.WithLabelValues(service, method).Observe(duration.Seconds())
}

// TrackHTTPActive marks a request as active and returns the function that
// unmarks it.
func TrackHTTPActive(metrics *AppMetrics, method, path string) func() {
	if metrics == nil {
		return func() {}
	}
	g := metrics.HTTPActiveRequests.WithLabelValues(method, path)
	g.Inc()
	return g.Dec
}

func RecordCacheAccess(metrics *AppMetrics, cache string, hit bool) {
	if metrics == nil {
		return
	}
	if hit {
		metrics.CacheHitsTotal.WithLabelValues(cache).Inc()
	} else {
		metrics.CacheMissesTotal.WithLabelValues(cache).Inc()
	}
}

// Worker message outcomes.
const (
	OutcomeProcessed    = "processed"
	OutcomeRetried      = "retried"
	OutcomeDeadLettered = "dead_lettered"
	OutcomeRejected     = "rejected"
)

func RecordWorkerMessage(metrics *AppMetrics, topic, outcome string, duration time.Duration) {
	if metrics == nil {
		return
	}
	metrics.WorkerMessagesTotal.WithLabelValues(topic, outcome).Inc()
	metrics.WorkerMessageDuration.WithLabelValues(topic).Observe(duration.Seconds())
}

// TrackInFlight marks a message of topic as being handled and returns the
// function that unmarks it.
func TrackInFlight(metrics *AppMetrics, topic string) func() {
	if metrics == nil {
		return func() {}
	}
	g := metrics.WorkerInFlight.WithLabelValues(topic)
	g.Inc()
	return g.Dec
}

func SetHealth(metrics *AppMetrics, component string, up bool) {
	if metrics == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	metrics.HealthCheckStatus.WithLabelValues(component).Set(v)
}

func RecordError(metrics *AppMetrics, component, code string) {
	if metrics == nil {
		return
	}
	metrics.ErrorsTotal.WithLabelValues(component, code).Inc()
}
