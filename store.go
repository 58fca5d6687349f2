package spanz

import "context"

// bundleKeyType is a private type for context keys to avoid collisions.
type bundleKeyType string

const (
	bundleKey bundleKeyType = "spanz"
)

// contextBundle holds both tracer and span to reduce context allocations.
type contextBundle struct {
	tracer *Tracer
	span   *ActiveSpan
}

// ContextStore supplies the ambient "current span" association used for
// implicit propagation. The default store rides on context.Context values;
// frameworks with their own task-scoped storage can plug a different
// implementation via Tracer.WithContextStore. The core never depends on a
// particular mechanism - explicit *TraceContext threading always works.
type ContextStore interface {
	// Bind associates span with ctx and returns the resulting context.
	Bind(ctx context.Context, span *ActiveSpan) context.Context

	// Current returns the span ambiently associated with ctx, if any.
	Current(ctx context.Context) (*ActiveSpan, bool)
}

// valueStore is the default ContextStore, backed by context.WithValue.
type valueStore struct {
	tracer *Tracer
}

func (s valueStore) Bind(ctx context.Context, span *ActiveSpan) context.Context {
	bundle := &contextBundle{tracer: s.tracer, span: span}
	return context.WithValue(ctx, bundleKey, bundle)
}

func (valueStore) Current(ctx context.Context) (*ActiveSpan, bool) {
	if ctx == nil {
		return nil, false
	}
	if bundle, ok := ctx.Value(bundleKey).(*contextBundle); ok {
		return bundle.span, true
	}
	return nil, false
}

// GetSpan extracts the current span from a context populated by the
// default store. Returns nil if no span is present.
func GetSpan(ctx context.Context) *ActiveSpan {
	span, _ := valueStore{}.Current(ctx)
	return span
}

// FromContext extracts the TraceContext of the current span from a
// context populated by the default store.
func FromContext(ctx context.Context) (*TraceContext, bool) {
	span, ok := valueStore{}.Current(ctx)
	if !ok {
		return nil, false
	}
	return span.TraceContext(), true
}

// Context creates a new context with this span embedded via its tracer's
// context store. The returned context can be used to start child spans.
func (a *ActiveSpan) Context(parent context.Context) context.Context {
	return a.tracer.contextStore().Bind(parent, a)
}
