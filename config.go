package spanz

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
	"github.com/zoobzio/clockz"
	"go.uber.org/zap"
)

// Config carries tracer construction settings. The zero value means
// defaults: no worker pool, the standard payload bound, real clock,
// no-op logger.
type Config struct {
	// Workers enables a bounded worker pool for async completion
	// handlers when > 0. Without a pool each async handler runs in its
	// own goroutine.
	Workers int `envconfig:"WORKERS"`

	// WorkerQueue is the async task queue depth. Tasks beyond it are
	// dropped and counted via Tracer.DroppedSpans. Defaults to 1024
	// when a pool is enabled.
	WorkerQueue int `envconfig:"WORKER_QUEUE"`

	// MaxLogPayload bounds string and byte log payloads in bytes.
	// 0 means the package default; negative disables the bound.
	MaxLogPayload int `envconfig:"MAX_LOG_PAYLOAD"`
}

// ConfigFromEnv reads configuration from SPANZ_-prefixed environment
// variables (SPANZ_WORKERS, SPANZ_WORKER_QUEUE, SPANZ_MAX_LOG_PAYLOAD).
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envconfig.Process("spanz", &cfg); err != nil {
		return Config{}, fmt.Errorf("spanz: read env config: %w", err)
	}
	return cfg, nil
}

// NewWithConfig creates a tracer from cfg. clock and logger may be nil,
// in which case the real clock and a no-op logger are used.
func NewWithConfig(cfg Config, clock clockz.Clock, logger *zap.Logger) (*Tracer, error) {
	if clock == nil {
		clock = clockz.RealClock
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	maxPayload := cfg.MaxLogPayload
	if maxPayload == 0 {
		maxPayload = defaultMaxLogPayload
	}

	t := &Tracer{
		handlers:      make([]handlerEntry, 0),
		clock:         clock,
		logger:        logger,
		maxLogPayload: maxPayload,
	}

	if cfg.Workers > 0 {
		queue := cfg.WorkerQueue
		if queue <= 0 {
			queue = 1024
		}
		if err := t.EnableWorkerPool(cfg.Workers, queue); err != nil {
			return nil, err
		}
	}

	return t, nil
}
