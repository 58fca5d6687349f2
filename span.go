package spanz

import (
	"sync"
	"time"
)

// Span represents a single unit of work in a distributed trace.
// Spans are NOT thread-safe - do not modify from multiple goroutines.
// Use ActiveSpan for concurrent mutation of an in-flight span.
//
//nolint:govet // Field alignment optimized for JSON serialization order
type Span struct {
	Tags      map[Tag]interface{} `json:"tags,omitempty"`
	Logs      []LogRecord         `json:"logs,omitempty"`
	StartTime time.Time           `json:"start_time"`
	EndTime   time.Time           `json:"end_time,omitempty"`
	Duration  time.Duration       `json:"duration"`
	TraceID   string              `json:"trace_id"`
	SpanID    string              `json:"span_id"`
	ParentID  string              `json:"parent_id,omitempty"`
	Name      string              `json:"name"`
}

// LogRecord is a timestamped event recorded on a span. The payload is
// opaque to spanz and retained best-effort; the event name and timestamp
// are never dropped.
type LogRecord struct {
	Timestamp time.Time   `json:"timestamp"`
	Event     string      `json:"event"`
	Payload   interface{} `json:"payload,omitempty"`
}

// ActiveSpan wraps a Span with thread-safe mutation and lifecycle
// management. Safe for concurrent use by multiple goroutines.
//
// The span moves through exactly one lifecycle: created, mutated by
// tag/log calls, finished. Finish is defensively idempotent; mutation
// after Finish is a no-op counted as misuse on the tracer.
type ActiveSpan struct {
	span   *Span
	tracer *Tracer
	ctx    *TraceContext
	mu     sync.Mutex // Protects span mutation.
}

// SetTag records a key-value pair on the span. Accepted value types are
// string, bool, integers, and floats; anything else returns
// ErrUnsupportedTagValue and records nothing. Duplicate keys are
// last-write-wins. Thread-safe for concurrent access.
func (a *ActiveSpan) SetTag(key Tag, value interface{}) error {
	switch value.(type) {
	case string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
	default:
		return ErrUnsupportedTagValue
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.span.EndTime.IsZero() {
		a.tracer.noteMisuse("set_tag after finish", a.span)
		return nil
	}

	if a.span.Tags == nil {
		a.span.Tags = make(map[Tag]interface{})
	}
	a.span.Tags[key] = value
	return nil
}

// GetTag retrieves a tag value by key.
// Thread-safe for concurrent access.
func (a *ActiveSpan) GetTag(key Tag) (interface{}, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.span.Tags == nil {
		return nil, false
	}
	value, ok := a.span.Tags[key]
	return value, ok
}

// LogEvent records a named event at the current time.
func (a *ActiveSpan) LogEvent(event string) {
	a.logEvent(a.tracer.now(), event, nil)
}

// LogEventWithPayload records a named event with an opaque payload at the
// current time. String and byte payloads larger than the tracer's
// configured limit are truncated; the event itself is always recorded.
func (a *ActiveSpan) LogEventWithPayload(event string, payload interface{}) {
	a.logEvent(a.tracer.now(), event, payload)
}

// LogEventAt records a named event with an externally captured timestamp.
func (a *ActiveSpan) LogEventAt(ts time.Time, event string, payload interface{}) {
	a.logEvent(ts, event, payload)
}

func (a *ActiveSpan) logEvent(ts time.Time, event string, payload interface{}) {
	payload = a.tracer.clampPayload(payload)

	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.span.EndTime.IsZero() {
		a.tracer.noteMisuse("log_event after finish", a.span)
		return
	}

	a.span.Logs = append(a.span.Logs, LogRecord{
		Timestamp: ts,
		Event:     event,
		Payload:   payload,
	})
}

// Finish completes the span at the current time and hands it to the
// tracer's completion handlers. Safe to call multiple times - subsequent
// calls are no-ops counted as misuse.
func (a *ActiveSpan) Finish() {
	a.FinishAt(a.tracer.now())
}

// FinishAt completes the span with an externally captured end timestamp.
func (a *ActiveSpan) FinishAt(ts time.Time) {
	a.mu.Lock()

	if !a.span.EndTime.IsZero() {
		a.mu.Unlock()
		a.tracer.noteMisuse("double finish", a.span)
		return
	}

	a.span.EndTime = ts
	a.span.Duration = a.span.EndTime.Sub(a.span.StartTime)
	a.mu.Unlock()

	// Hand off outside the lock; handlers receive an immutable copy.
	a.tracer.collectSpan(a.span)
}

// Finished reports whether Finish has been called.
func (a *ActiveSpan) Finished() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.span.EndTime.IsZero()
}

// TraceID returns the trace ID of this span.
func (a *ActiveSpan) TraceID() string {
	return a.span.TraceID
}

// SpanID returns the span ID of this span.
func (a *ActiveSpan) SpanID() string {
	return a.span.SpanID
}

// ParentID returns the parent span ID, or "" for a root span.
func (a *ActiveSpan) ParentID() string {
	return a.span.ParentID
}

// Name returns the operation name fixed at creation.
func (a *ActiveSpan) Name() string {
	return a.span.Name
}

// TraceContext returns the context derived for this span's children: same
// trace id, this span as the enclosing span, attributes inherited at
// creation time.
func (a *ActiveSpan) TraceContext() *TraceContext {
	return a.ctx
}

// copySpan returns a deep copy safe to hand outside the package.
func copySpan(s *Span) Span {
	out := *s
	if s.Tags != nil {
		out.Tags = make(map[Tag]interface{}, len(s.Tags))
		for k, v := range s.Tags {
			out.Tags[k] = v
		}
	}
	if s.Logs != nil {
		out.Logs = make([]LogRecord, len(s.Logs))
		copy(out.Logs, s.Logs)
	}
	return out
}
