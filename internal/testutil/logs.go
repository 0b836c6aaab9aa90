package testutil

import (
	"context"
	"log/slog"
	"sync"
)

// LogRecord is one captured slog record with its attributes flattened.
type LogRecord struct {
	Level   slog.Level
	Message string
	Attrs   map[string]any
}

// LogRecorder is a slog.Handler that keeps every record in memory so tests
// can assert on what a component reported.
//
// Thread-safety: safe for concurrent use; handlers derived via WithAttrs
// share the same record buffer.
type LogRecorder struct {
	mu      *sync.Mutex
	records *[]LogRecord
	attrs   []slog.Attr
}

var _ slog.Handler = (*LogRecorder)(nil)

// NewLogRecorder creates an empty recorder that accepts every level.
func NewLogRecorder() *LogRecorder {
	return &LogRecorder{
		mu:      &sync.Mutex{},
		records: &[]LogRecord{},
	}
}

// Logger returns a logger writing into the recorder.
func (r *LogRecorder) Logger() *slog.Logger {
	return slog.New(r)
}

func (r *LogRecorder) Enabled(context.Context, slog.Level) bool {
	return true
}

func (r *LogRecorder) Handle(_ context.Context, rec slog.Record) error {
	attrs := make(map[string]any, len(r.attrs)+rec.NumAttrs())
	for _, a := range r.attrs {
		attrs[a.Key] = a.Value.Any()
	}
	rec.Attrs(func(a slog.Attr) bool {
		attrs[a.Key] = a.Value.Any()
		return true
	})

	r.mu.Lock()
	defer r.mu.Unlock()
	*r.records = append(*r.records, LogRecord{
		Level:   rec.Level,
		Message: rec.Message,
		Attrs:   attrs,
	})
	return nil
}

func (r *LogRecorder) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(r.attrs)+len(attrs))
	merged = append(merged, r.attrs...)
	merged = append(merged, attrs...)
	return &LogRecorder{mu: r.mu, records: r.records, attrs: merged}
}

// WithGroup is accepted but groups are flattened.
func (r *LogRecorder) WithGroup(string) slog.Handler {
	return r
}

// Records returns a copy of everything captured so far.
func (r *LogRecorder) Records() []LogRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]LogRecord, len(*r.records))
	copy(out, *r.records)
	return out
}

// Find returns the first record with the given message.
func (r *LogRecorder) Find(message string) (LogRecord, bool) {
	for _, rec := range r.Records() {
		if rec.Message == message {
			return rec, true
		}
	}
	return LogRecord{}, false
}

// Count returns how many records carry the given message.
func (r *LogRecorder) Count(message string) int {
	n := 0
	for _, rec := range r.Records() {
		if rec.Message == message {
			n++
		}
	}
	return n
}
