package spanz

import (
	"sync"
	"sync/atomic"
	"time"
)

// Collector buffers completed spans for batch export. It is the default
// sink for the reporting pipeline: register it on a tracer with
// tracer.OnSpanComplete(collector.Handler()) and drain it with Export.
// Safe for concurrent use by multiple goroutines.
//
//nolint:govet // Field alignment optimized for readability over memory efficiency
type Collector struct {
	spans        []Span
	spansCh      chan Span
	stopCh       chan struct{}
	done         chan struct{}
	droppedCount atomic.Int64
	name         string
	mu           sync.Mutex
	closed       atomic.Bool // Track if collector is closed.
	syncMode     bool        // Bypass channel for synchronous collection.
}

// NewCollector creates a new collector with the specified name and buffer size.
func NewCollector(name string, bufferSize int) *Collector {
	c := &Collector{
		name:    name,
		spans:   make([]Span, 0, 8), // Start with small capacity.
		spansCh: make(chan Span, bufferSize),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	go c.start()
	return c
}

// Name returns the collector's name.
func (c *Collector) Name() string {
	return c.name
}

// Handler returns a SpanHandler that feeds this collector, for
// registration via Tracer.OnSpanComplete or OnSpanCompleteAsync.
func (c *Collector) Handler() SpanHandler {
	return func(span Span) {
		c.Collect(&span)
	}
}

// start runs the collector's main loop, receiving spans from the channel.
func (c *Collector) start() {
	defer close(c.done)

	for {
		select {
		case <-c.stopCh:
			// Drain remaining spans before shutdown.
			for {
				select {
				case span := <-c.spansCh:
					c.bufferSpan(&span)
				default:
					return // Clean shutdown.
				}
			}
		case span := <-c.spansCh:
			c.bufferSpan(&span)
		}
	}
}

// Close shuts down the collector's receive goroutine. Buffered spans
// remain available through Export.
func (c *Collector) Close() {
	c.closed.Store(true)
	close(c.stopCh)
	select {
	case <-c.done:
		// Clean shutdown completed.
	case <-time.After(100 * time.Millisecond):
		// Timeout - give up waiting, buffered spans are still exportable.
	}
}

// Collect attempts to buffer a span with backpressure protection.
// If the internal channel is full, the span is dropped and the drop counter
// is incremented. In sync mode, spans are collected directly for
// deterministic testing.
func (c *Collector) Collect(span *Span) {
	// Nil check to prevent panic in calling goroutine.
	if span == nil {
		c.droppedCount.Add(1)
		return
	}

	// Deep copy so later mutation of the input cannot leak in.
	spanCopy := copySpan(span)

	if c.syncMode {
		// Direct synchronous collection for tests.
		if c.closed.Load() {
			c.droppedCount.Add(1)
			return
		}
		c.bufferSpan(&spanCopy)
		return
	}

	select {
	case c.spansCh <- spanCopy:
		// Successfully queued.
	default:
		// Channel full - drop span to prevent blocking.
		c.droppedCount.Add(1)
	}
}

// bufferSpan appends a span to the internal buffer, growing it with a
// doubling-then-50% strategy to bound memory churn under load.
func (c *Collector) bufferSpan(span *Span) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.spans) >= cap(c.spans) {
		currentCap := cap(c.spans)
		var newCap int
		if currentCap < 1024 {
			newCap = currentCap * 2
		} else {
			newCap = currentCap + currentCap/2
		}
		if newCap < 32 {
			newCap = 32
		}
		newSlice := make([]Span, len(c.spans), newCap)
		copy(newSlice, c.spans)
		c.spans = newSlice
	}
	c.spans = append(c.spans, *span)
}

// Export returns a copy of all buffered spans and clears the internal buffer.
// The returned slice is safe to modify without affecting the collector.
func (c *Collector) Export() []Span {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.spans) == 0 {
		return nil
	}

	result := make([]Span, len(c.spans))
	for i := range c.spans {
		result[i] = copySpan(&c.spans[i])
	}

	// Shrink only a very oversized buffer to avoid allocation churn.
	if cap(c.spans) > 256 && len(c.spans) < cap(c.spans)/8 {
		newCap := cap(c.spans) / 4
		if newCap < 32 {
			newCap = 32
		}
		c.spans = make([]Span, 0, newCap)
	} else {
		c.spans = c.spans[:0] // Keep capacity, reset length.
	}

	return result
}

// Count returns the current number of buffered spans.
func (c *Collector) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.spans)
}

// DroppedCount returns the total number of spans dropped due to backpressure.
func (c *Collector) DroppedCount() int64 {
	return c.droppedCount.Load()
}

// SetSyncMode enables synchronous collection for testing.
// When enabled, spans are collected directly without using the channel,
// making tests deterministic by eliminating async behavior.
func (c *Collector) SetSyncMode(sync bool) {
	c.syncMode = sync
}

// Reset clears all buffered spans and resets the drop counter.
// Does not affect the running goroutine - use Close for that.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.spans = c.spans[:0]
	c.droppedCount.Store(0)
}
