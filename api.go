// Package spanz provides a minimal distributed-tracing instrumentation core.
//
// spanz models causally related units of work (spans) and propagates the
// state that links them (trace context) across process boundaries, without
// the complexity of a full OpenTelemetry stack. It's designed for systems
// that need in-band context propagation with predictable performance.
//
// Core Components:.
//   - Tracer: Allocates identifiers, links spans, dispatches finished spans.
//   - Span: Represents a single unit of work.
//   - ActiveSpan: Thread-safe wrapper for ongoing spans.
//   - TraceContext: Propagated carrier of trace state and trace attributes.
//   - Collector: Buffers completed spans for export.
//
// Basic Usage:.
//
//	tracer := spanz.New()
//	defer tracer.Close()
//
//	// Start a new trace (no upstream context).
//	tc, span := tracer.StartTrace("handle-request", nil)
//	defer span.Finish()
//
//	// Add metadata.
//	span.SetTag("user.id", "123")
//
//	// Attach a trace attribute that propagates to downstream services.
//	tc.SetAttribute("auth-token", token)
//
//	// Create a child span from the current context.
//	childCtx, childSpan, ok := tracer.CreateSpan("query-db", tc)
//	if ok {
//		defer childSpan.Finish()
//		_ = childCtx
//	}
//
// Propagation:.
//
// Before an outbound call, encode the current context and attach it to the
// request; on the receiving side, decode and join:
//
//	carrier := spanz.EncodeTextMap(tc)          // client side
//	remote, err := spanz.DecodeTextMap(carrier) // server side
//	span, ok := tracer.JoinTrace("serve", remote)
//
// An empty carrier decodes to no context (nil, nil), not an error, so a
// receiver can distinguish "no upstream trace" from corruption and fall
// back to StartTrace.
//
// Thread Safety:.
//
// Tracer is safe for concurrent use by multiple goroutines.
// ActiveSpan tag/log operations are safe for concurrent use.
// TraceContext is safe to read concurrently without locking; SetAttribute
// copies then publishes, so readers always observe a consistent mapping.
//
// Spans themselves are NOT thread-safe - do not modify the same.
// Span struct from multiple goroutines simultaneously.
//
// Resource Cleanup:.
//
// Call tracer.Close() to shut down background goroutines. Call
// tracer.OpenSpans() to detect spans that were started but never finished.
package spanz

import "errors"

// Key represents a span operation name.
type Key = string

// Tag represents a span tag key.
type Tag = string

var (
	// ErrInvalidAttributeKey is returned by TraceContext.SetAttribute when
	// the key does not match (?i:[a-z0-9][-a-z0-9]*). The call has no effect.
	ErrInvalidAttributeKey = errors.New("spanz: invalid trace attribute key")

	// ErrDecode is returned when propagated trace data is malformed or
	// truncated. Decoding fails closed: no partially populated context is
	// ever produced.
	ErrDecode = errors.New("spanz: malformed trace context")

	// ErrUnsupportedTagValue is returned by ActiveSpan.SetTag when the value
	// is not a string, bool, integer, or float. The tag is not recorded.
	ErrUnsupportedTagValue = errors.New("spanz: unsupported tag value type")
)
