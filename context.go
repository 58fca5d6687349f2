package spanz

import (
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
)

// DebugAttributeKey is the conventional trace attribute that signals
// "force-record regardless of sampling policy" to whatever sampler is
// plugged in downstream. spanz propagates it like any other attribute
// and implements no sampling logic itself.
const DebugAttributeKey = "debug"

// attrKeyPattern is the allowed shape of a trace attribute key.
// Keys are case-insensitive; they are normalized to lowercase on write.
var attrKeyPattern = regexp.MustCompile(`^[a-zA-Z0-9][-a-zA-Z0-9]*$`)

// TraceContext carries the identifying snapshot of a trace position plus
// the trace attributes propagated in-band with application traffic.
//
// The snapshot (trace id, enclosing span id, sampled flag) is immutable.
// The attribute mapping is a published immutable map: reads never lock,
// and SetAttribute copies the map, applies the write, and publishes the
// copy. Deriving a child context shares the currently published map, so
// derivation is cheap and attributes set on a context after a child was
// derived are never visible to that child.
type TraceContext struct {
	attrs   atomic.Pointer[map[string]string]
	traceID string
	spanID  string
	writeMu sync.Mutex
	sampled bool
}

// newTraceContext builds a context over an already-normalized attribute map.
// The map must not be mutated after the call.
func newTraceContext(traceID, spanID string, sampled bool, attrs map[string]string) *TraceContext {
	tc := &TraceContext{
		traceID: traceID,
		spanID:  spanID,
		sampled: sampled,
	}
	if attrs != nil {
		tc.attrs.Store(&attrs)
	}
	return tc
}

// TraceID returns the trace identifier shared by every span in the trace.
func (tc *TraceContext) TraceID() string {
	return tc.traceID
}

// SpanID returns the identifier of the span this context encloses.
func (tc *TraceContext) SpanID() string {
	return tc.spanID
}

// Sampled reports the sampling state carried by this context.
func (tc *TraceContext) Sampled() bool {
	return tc.sampled
}

// GetAttribute returns the trace attribute stored under key.
// Lookup is case-insensitive.
func (tc *TraceContext) GetAttribute(key string) (string, bool) {
	m := tc.attrs.Load()
	if m == nil {
		return "", false
	}
	value, ok := (*m)[strings.ToLower(key)]
	return value, ok
}

// SetAttribute stores a trace attribute on this context.
//
// The key must match (?i:[a-z0-9][-a-z0-9]*); otherwise
// ErrInvalidAttributeKey is returned and nothing changes. Keys are
// case-insensitive and last-write-wins.
//
// The write is visible to this context and to any context derived from it
// after the call. Contexts derived before the call keep the mapping they
// were derived with. Concurrent readers observe either the old or the new
// mapping, never a partial one.
func (tc *TraceContext) SetAttribute(key, value string) error {
	if !attrKeyPattern.MatchString(key) {
		return ErrInvalidAttributeKey
	}

	tc.writeMu.Lock()
	defer tc.writeMu.Unlock()

	old := tc.attrs.Load()
	var next map[string]string
	if old == nil {
		next = map[string]string{strings.ToLower(key): value}
	} else {
		next = make(map[string]string, len(*old)+1)
		for k, v := range *old {
			next[k] = v
		}
		next[strings.ToLower(key)] = value
	}
	tc.attrs.Store(&next)
	return nil
}

// ForeachAttribute calls fn for each trace attribute until fn returns false.
// Iteration order is not significant. The snapshot iterated is the mapping
// published at call time; concurrent writes do not affect it.
func (tc *TraceContext) ForeachAttribute(fn func(key, value string) bool) {
	m := tc.attrs.Load()
	if m == nil {
		return
	}
	for k, v := range *m {
		if !fn(k, v) {
			return
		}
	}
}

// AttributeCount returns the number of trace attributes currently published.
func (tc *TraceContext) AttributeCount() int {
	m := tc.attrs.Load()
	if m == nil {
		return 0
	}
	return len(*m)
}

// SetDebug sets or clears the conventional debug attribute. Setting it
// signals downstream samplers to record the trace regardless of policy.
func (tc *TraceContext) SetDebug(on bool) {
	if on {
		// Key is always valid, error impossible.
		_ = tc.SetAttribute(DebugAttributeKey, "true")
		return
	}

	tc.writeMu.Lock()
	defer tc.writeMu.Unlock()

	old := tc.attrs.Load()
	if old == nil {
		return
	}
	if _, ok := (*old)[DebugAttributeKey]; !ok {
		return
	}
	next := make(map[string]string, len(*old))
	for k, v := range *old {
		if k == DebugAttributeKey {
			continue
		}
		next[k] = v
	}
	tc.attrs.Store(&next)
}

// Debug reports whether the debug attribute is set true.
func (tc *TraceContext) Debug() bool {
	v, ok := tc.GetAttribute(DebugAttributeKey)
	return ok && v == "true"
}

// derive produces the context a child span propagates onward: same trace
// id, the child's span id as the enclosing span, and the attribute mapping
// published at this moment. The mapping is shared structurally - published
// maps are never mutated, so sharing is safe, and a later SetAttribute on
// either context copies before writing.
func (tc *TraceContext) derive(spanID string) *TraceContext {
	child := &TraceContext{
		traceID: tc.traceID,
		spanID:  spanID,
		sampled: tc.sampled,
	}
	if m := tc.attrs.Load(); m != nil {
		child.attrs.Store(m)
	}
	return child
}

// attributeSnapshot returns the published mapping for the codec.
// The returned map must not be mutated.
func (tc *TraceContext) attributeSnapshot() map[string]string {
	m := tc.attrs.Load()
	if m == nil {
		return nil
	}
	return *m
}
