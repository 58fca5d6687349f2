package spanz

import (
	"sync"
)

// IDPool keeps a buffer of pre-generated identifiers so span creation
// does not pay entropy-source latency on the hot path. The tracer runs
// one pool for trace ids and one for span ids.
type IDPool struct {
	factory func() string
	ids     chan string
	stopCh  chan struct{}
	mu      sync.Mutex
	closed  bool
}

// NewIDPool creates a pool holding up to capacity identifiers produced
// by factory. A background goroutine keeps the pool topped up.
func NewIDPool(capacity int, factory func() string) *IDPool {
	pool := &IDPool{
		ids:     make(chan string, capacity),
		factory: factory,
		stopCh:  make(chan struct{}),
	}
	go pool.refill()
	return pool
}

// Get retrieves an ID from the pool, falling back to direct generation
// when the pool is drained by burst load.
func (p *IDPool) Get() string {
	select {
	case id := <-p.ids:
		return id
	default:
		return p.factory()
	}
}

// refill generates identifiers until the pool is full or closed.
func (p *IDPool) refill() {
	for {
		select {
		case <-p.stopCh:
			return
		case p.ids <- p.factory():
			// Added one; loop for more.
		}
	}
}

// Close shuts down the ID pool's refill goroutine. Get remains usable
// and falls back to direct generation.
func (p *IDPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.closed {
		close(p.stopCh)
		p.closed = true
	}
}
