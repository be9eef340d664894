// Package testutil provides common test utilities for MixProp.
package testutil

import (
	"strings"
	"sync"

	"github.com/turtacn/mixprop/internal/infrastructure/monitoring/logging"
)

// LogEntry is a single entry captured by RecordingLogger.
type LogEntry struct {
	Level   string
	Logger  string
	Message string
	Fields  []logging.Field
}

// Field returns the value of the last field named key.
func (e LogEntry) Field(key string) (interface{}, bool) {
	for i := len(e.Fields) - 1; i >= 0; i-- {
		if e.Fields[i].Key == key {
			return e.Fields[i].Value, true
		}
	}
	return nil, false
}

type sink struct {
	mu      sync.Mutex
	entries []LogEntry
}

// RecordingLogger implements logging.Logger and keeps every entry in memory.
// Children created with With and Named record into the same sink.
type RecordingLogger struct {
	sink   *sink
	name   string
	fields []logging.Field
}

// NewRecordingLogger creates an empty RecordingLogger.
func NewRecordingLogger() *RecordingLogger {
	return &RecordingLogger{sink: &sink{}}
}

func (r *RecordingLogger) log(level, msg string, fields []logging.Field) {
	all := make([]logging.Field, 0, len(r.fields)+len(fields))
	all = append(all, r.fields...)
	all = append(all, fields...)

	r.sink.mu.Lock()
	defer r.sink.mu.Unlock()
	r.sink.entries = append(r.sink.entries, LogEntry{Level: level, Logger: r.name, Message: msg, Fields: all})
}

func (r *RecordingLogger) Debug(msg string, fields ...logging.Field) { r.log("debug", msg, fields) }
func (r *RecordingLogger) Info(msg string, fields ...logging.Field)  { r.log("info", msg, fields) }
func (r *RecordingLogger) Warn(msg string, fields ...logging.Field)  { r.log("warn", msg, fields) }
func (r *RecordingLogger) Error(msg string, fields ...logging.Field) { r.log("error", msg, fields) }

// Fatal records at fatal level without exiting.
func (r *RecordingLogger) Fatal(msg string, fields ...logging.Field) { r.log("fatal", msg, fields) }

func (r *RecordingLogger) With(fields ...logging.Field) logging.Logger {
	child := *r
	child.fields = append(append([]logging.Field(nil), r.fields...), fields...)
	return &child
}

func (r *RecordingLogger) Named(name string) logging.Logger {
	child := *r
	if r.name != "" {
		name = r.name + "." + name
	}
	child.name = name
	return &child
}

// Entries returns a copy of everything recorded so far.
func (r *RecordingLogger) Entries() []LogEntry {
	r.sink.mu.Lock()
	defer r.sink.mu.Unlock()
	out := make([]LogEntry, len(r.sink.entries))
	copy(out, r.sink.entries)
	return out
}

// Find returns the entries at level whose message contains substr. An
// empty level matches any level.
func (r *RecordingLogger) Find(level, substr string) []LogEntry {
	var out []LogEntry
	for _, e := range r.Entries() {
		if (level == "" || e.Level == level) && strings.Contains(e.Message, substr) {
			out = append(out, e)
		}
	}
	return out
}

// Has reports whether an entry at level contains substr.
func (r *RecordingLogger) Has(level, substr string) bool {
	return len(r.Find(level, substr)) > 0
}

// Reset discards all entries.
func (r *RecordingLogger) Reset() {
	r.sink.mu.Lock()
	defer r.sink.mu.Unlock()
	r.sink.entries = nil
}

var _ logging.Logger = (*RecordingLogger)(nil)
