package spanz

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/zoobzio/clockz"
	"go.uber.org/zap"
)

// defaultMaxLogPayload bounds string and byte log payloads. The event
// name and timestamp are never dropped, only the payload is clipped.
const defaultMaxLogPayload = 64 * 1024

// SpanHandler is called when a span completes. The Span value is an
// immutable deep copy; the reporting pipeline may retain it freely.
type SpanHandler func(span Span)

type handlerEntry struct {
	handler SpanHandler
	id      uint64
	async   bool
}

// Tracer allocates trace and span identifiers, decides root-vs-child
// linkage, and dispatches finished spans to registered handlers.
// Safe for concurrent use by multiple goroutines.
//
//nolint:govet // Field order optimized for functionality over memory
type Tracer struct {
	handlers      []handlerEntry
	panicHook     func(handlerID uint64, r interface{})
	workers       *workerPool
	store         ContextStore
	traceIDPool   *IDPool
	spanIDPool    *IDPool
	clock         clockz.Clock
	logger        *zap.Logger
	maxLogPayload int
	handlersLock  sync.RWMutex
	idPoolOnce    sync.Once
	nextID        atomic.Uint64
	droppedSpans  atomic.Uint64
	openSpans     atomic.Int64
	misuses       atomic.Uint64
}

// New creates a new tracer.
// Uses the real clock and a no-op logger for production behavior.
func New() *Tracer {
	return &Tracer{
		handlers:      make([]handlerEntry, 0),
		clock:         clockz.RealClock,
		logger:        zap.NewNop(),
		maxLogPayload: defaultMaxLogPayload,
	}
}

// WithClock returns a new tracer with the specified clock.
// Enables clock injection for deterministic testing.
func (t *Tracer) WithClock(clock clockz.Clock) *Tracer {
	return &Tracer{
		handlers:      make([]handlerEntry, 0),
		clock:         clock,
		logger:        t.logger,
		store:         t.store,
		maxLogPayload: t.maxLogPayload,
	}
}

// WithLogger returns a new tracer that reports diagnostics (dropped
// spans, handler panics, span misuse) to logger.
func (t *Tracer) WithLogger(logger *zap.Logger) *Tracer {
	return &Tracer{
		handlers:      make([]handlerEntry, 0),
		clock:         t.clock,
		logger:        logger,
		store:         t.store,
		maxLogPayload: t.maxLogPayload,
	}
}

// WithContextStore returns a new tracer using store for implicit
// propagation instead of the default context.Context-backed store.
func (t *Tracer) WithContextStore(store ContextStore) *Tracer {
	return &Tracer{
		handlers:      make([]handlerEntry, 0),
		clock:         t.clock,
		logger:        t.logger,
		store:         store,
		maxLogPayload: t.maxLogPayload,
	}
}

func (t *Tracer) contextStore() ContextStore {
	if t.store != nil {
		return t.store
	}
	return valueStore{tracer: t}
}

func (t *Tracer) now() time.Time {
	return t.clock.Now()
}

// ensureIDPools initializes ID pools if not already created.
func (t *Tracer) ensureIDPools() {
	t.idPoolOnce.Do(func() {
		// Pool size based on number of CPUs for optimal contention balance.
		poolSize := runtime.NumCPU() * 100

		t.traceIDPool = NewIDPool(poolSize, func() string {
			id := uuid.New()
			return hex.EncodeToString(id[:])
		})

		t.spanIDPool = NewIDPool(poolSize, func() string {
			bytes := make([]byte, 8)
			if _, err := rand.Read(bytes); err != nil {
				// Fallback to time-based ID if crypto/rand fails.
				return hex.EncodeToString([]byte(t.clock.Now().Format("15:04:05.000000")))
			}
			return hex.EncodeToString(bytes)
		})
	})
}

// StartTrace starts a span, continuing parent's trace when parent is
// non-nil and starting a fresh trace otherwise. This join-or-start
// duality lets an entry point accept "maybe traced" input uniformly:
// pass whatever DecodeTextMap/DecodeBinary produced, nil included.
//
// The returned TraceContext is the one to propagate onward: it encloses
// the new span and inherits parent's attributes at this moment.
func (t *Tracer) StartTrace(operation Key, parent *TraceContext) (*TraceContext, *ActiveSpan) {
	if parent != nil {
		tc, span, _ := t.CreateSpan(operation, parent)
		return tc, span
	}

	t.ensureIDPools()
	traceID := t.traceIDPool.Get()
	spanID := t.spanIDPool.Get()

	span := &Span{
		TraceID:   traceID,
		SpanID:    spanID,
		Name:      string(operation),
		StartTime: t.now(),
	}
	tc := newTraceContext(traceID, spanID, true, nil)
	return tc, t.newActiveSpan(span, tc)
}

// CreateSpan creates a child span of the span enclosed by parent.
// When parent is nil it reports ok=false and performs no allocation, so
// callers unsure whether tracing is active can skip work for free.
func (t *Tracer) CreateSpan(operation Key, parent *TraceContext) (tc *TraceContext, span *ActiveSpan, ok bool) {
	if parent == nil {
		return nil, nil, false
	}

	t.ensureIDPools()
	spanID := t.spanIDPool.Get()

	raw := &Span{
		TraceID:   parent.TraceID(),
		SpanID:    spanID,
		ParentID:  parent.SpanID(),
		Name:      string(operation),
		StartTime: t.now(),
	}
	tc = parent.derive(spanID)
	return tc, t.newActiveSpan(raw, tc), true
}

// JoinTrace creates a span continuing a trace reconstructed from an
// incoming wire format. When decoding found no upstream context (remote
// is nil) it reports ok=false, signaling the caller to fall back to
// StartTrace. The derived context is available via span.TraceContext().
func (t *Tracer) JoinTrace(operation Key, remote *TraceContext) (span *ActiveSpan, ok bool) {
	_, span, ok = t.CreateSpan(operation, remote)
	return span, ok
}

// StartSpan creates a span using implicit propagation: the parent, if
// any, is looked up through the tracer's context store, and the returned
// context carries the new span for further StartSpan calls downstream.
func (t *Tracer) StartSpan(ctx context.Context, operation Key) (context.Context, *ActiveSpan) {
	// Handle nil context by creating a new one.
	if ctx == nil {
		ctx = context.Background()
	}

	var parent *TraceContext
	if current, ok := t.contextStore().Current(ctx); ok {
		parent = current.TraceContext()
	}

	_, span := t.StartTrace(operation, parent)
	return t.contextStore().Bind(ctx, span), span
}

func (t *Tracer) newActiveSpan(span *Span, tc *TraceContext) *ActiveSpan {
	t.openSpans.Add(1)
	return &ActiveSpan{
		span:   span,
		tracer: t,
		ctx:    tc,
	}
}

// OnSpanComplete registers a synchronous handler called when spans complete.
func (t *Tracer) OnSpanComplete(handler SpanHandler) uint64 {
	return t.registerHandler(handler, false)
}

// OnSpanCompleteAsync registers an asynchronous handler called when spans complete.
func (t *Tracer) OnSpanCompleteAsync(handler SpanHandler) uint64 {
	return t.registerHandler(handler, true)
}

func (t *Tracer) registerHandler(handler SpanHandler, async bool) uint64 {
	if handler == nil {
		return 0
	}

	id := t.nextID.Add(1)

	t.handlersLock.Lock()
	defer t.handlersLock.Unlock()

	t.handlers = append(t.handlers, handlerEntry{
		id:      id,
		handler: handler,
		async:   async,
	})

	return id
}

// RemoveHandler removes a handler by ID.
func (t *Tracer) RemoveHandler(id uint64) {
	t.handlersLock.Lock()
	defer t.handlersLock.Unlock()

	// Preserve order
	for i, h := range t.handlers {
		if h.id == id {
			copy(t.handlers[i:], t.handlers[i+1:])
			t.handlers = t.handlers[:len(t.handlers)-1]
			return
		}
	}
}

// HasHandlers reports whether any completion handlers are registered.
func (t *Tracer) HasHandlers() bool {
	t.handlersLock.RLock()
	defer t.handlersLock.RUnlock()
	return len(t.handlers) > 0
}

// SetPanicHook sets a function to be called when a handler panics.
func (t *Tracer) SetPanicHook(hook func(handlerID uint64, r interface{})) {
	t.panicHook = hook
}

// collectSpan hands a finished span to the registered handlers.
// Called exactly once per span by ActiveSpan.FinishAt.
func (t *Tracer) collectSpan(span *Span) {
	t.openSpans.Add(-1)
	t.executeHandlers(copySpan(span))
}

// executeHandlers calls all registered handlers with the completed span.
func (t *Tracer) executeHandlers(span Span) {
	t.handlersLock.RLock()
	if len(t.handlers) == 0 {
		t.handlersLock.RUnlock()
		return
	}

	handlers := make([]handlerEntry, len(t.handlers))
	copy(handlers, t.handlers)
	t.handlersLock.RUnlock()

	for _, h := range handlers {
		if h.async {
			// Make a copy of h for closure
			entry := h
			if t.workers != nil {
				t.workers.submit(func() {
					t.safeCall(entry, span)
				})
			} else {
				go t.safeCall(entry, span)
			}
		} else {
			t.safeCall(h, span)
		}
	}
}

func (t *Tracer) safeCall(entry handlerEntry, span Span) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("span handler panicked",
				zap.Uint64("handler_id", entry.id),
				zap.Any("recovered", r))
			if t.panicHook != nil {
				t.panicHook(entry.id, r)
			}
		}
	}()
	entry.handler(span)
}

// noteMisuse records a span lifecycle violation (double finish, mutation
// after finish). Misuse never aborts the caller; the worst outcome of
// any error in this package is a dropped or malformed trace.
func (t *Tracer) noteMisuse(reason string, span *Span) {
	t.misuses.Add(1)
	t.logger.Warn("span misuse",
		zap.String("reason", reason),
		zap.String("trace_id", span.TraceID),
		zap.String("span_id", span.SpanID),
		zap.String("operation", span.Name))
}

// MisuseCount returns the number of span lifecycle violations observed.
func (t *Tracer) MisuseCount() uint64 {
	return t.misuses.Load()
}

// OpenSpans returns the number of spans started but not yet finished.
// A steadily growing value usually means a code path is leaking spans.
func (t *Tracer) OpenSpans() int64 {
	return t.openSpans.Load()
}

// clampPayload applies the configured payload bound to string and byte
// payloads. Other payload types pass through untouched.
func (t *Tracer) clampPayload(payload interface{}) interface{} {
	if t.maxLogPayload <= 0 {
		return payload
	}
	switch p := payload.(type) {
	case string:
		if len(p) > t.maxLogPayload {
			t.logger.Debug("log payload truncated", zap.Int("limit", t.maxLogPayload))
			return p[:t.maxLogPayload]
		}
	case []byte:
		if len(p) > t.maxLogPayload {
			t.logger.Debug("log payload truncated", zap.Int("limit", t.maxLogPayload))
			return p[:t.maxLogPayload]
		}
	}
	return payload
}

// EnableWorkerPool creates a bounded worker pool for async handlers.
func (t *Tracer) EnableWorkerPool(workers, queueSize int) error {
	if t.workers != nil {
		return errors.New("worker pool already enabled")
	}
	if workers <= 0 {
		return errors.New("workers must be > 0")
	}
	if queueSize <= 0 {
		return errors.New("queueSize must be > 0")
	}

	t.workers = &workerPool{
		tasks:   make(chan func(), queueSize),
		stop:    make(chan struct{}),
		dropped: &t.droppedSpans,
	}

	t.workers.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go t.workers.run()
	}

	return nil
}

// DroppedSpans returns the number of spans dropped due to full worker queue.
func (t *Tracer) DroppedSpans() uint64 {
	return t.droppedSpans.Load()
}

// Close shuts down the tracer gracefully and cleans up resources.
// This should be called when the tracer is no longer needed.
func (t *Tracer) Close() {
	// Stop new handler executions
	t.handlersLock.Lock()
	t.handlers = nil
	t.handlersLock.Unlock()

	// Wait for in-flight async tasks
	if t.workers != nil {
		t.workers.shutdown()
		t.workers = nil
	}

	// Close ID pools
	if t.traceIDPool != nil {
		t.traceIDPool.Close()
	}
	if t.spanIDPool != nil {
		t.spanIDPool.Close()
	}
}

// workerPool manages a fixed number of workers for processing async handlers.
//
//nolint:govet // Field order optimized for functionality over memory
type workerPool struct {
	tasks   chan func()
	stop    chan struct{}
	dropped *atomic.Uint64
	wg      sync.WaitGroup
}

func (w *workerPool) run() {
	defer w.wg.Done()
	for {
		select {
		case task := <-w.tasks:
			task()
		case <-w.stop:
			return
		}
	}
}

func (w *workerPool) submit(task func()) {
	select {
	case w.tasks <- task:
	default:
		w.dropped.Add(1)
	}
}

func (w *workerPool) shutdown() {
	close(w.stop)
	w.wg.Wait()
}
