package coronet

import (
	"fmt"
	"runtime"

	"github.com/rs/zerolog"
)

const (
	// DefaultNamePrefix labels workers, log lines and metrics when no
	// prefix is configured.
	DefaultNamePrefix = "coronet"

	// MinStackSize and MaxStackSize bound a non-zero StackSize.
	MinStackSize = 16 << 10
	MaxStackSize = 1 << 30
)

// PanicPolicy decides what happens to a worker whose loop is unwound
// by a panic that escaped task isolation.
type PanicPolicy uint8

const (
	// RestartWorker restarts the worker loop in place.
	RestartWorker PanicPolicy = iota
	// DegradePool retires the worker and marks the pool degraded.
	// Once no worker is left every submission fails with
	// ErrPoolDegraded.
	DegradePool
)

func (p PanicPolicy) String() string {
	switch p {
	case RestartWorker:
		return "restart"
	case DegradePool:
		return "degrade"
	default:
		return fmt.Sprintf("policy(%d)", uint8(p))
	}
}

// Config is the validated configuration of a pool.
type Config struct {
	Workers     int         // Number of worker goroutines
	NamePrefix  string      // Label for workers, logs and metrics
	StackSize   int         // Advisory per-worker stack size, 0 for runtime managed
	PanicPolicy PanicPolicy // Worker panic handling
	Aging       int         // Dispatches before a waiting lower priority is served, 0 for strict
	Net         bool        // Start the readiness reactor
}

func (c Config) validate() error {
	if c.Workers < 1 {
		return &ConfigError{Field: "workers", Value: c.Workers, Reason: "must be at least 1"}
	}
	if c.StackSize != 0 && (c.StackSize < MinStackSize || c.StackSize > MaxStackSize) {
		return &ConfigError{
			Field:  "stack size",
			Value:  c.StackSize,
			Reason: fmt.Sprintf("must be 0 or within [%d, %d]", MinStackSize, MaxStackSize),
		}
	}
	if c.Aging < 0 {
		return &ConfigError{Field: "aging", Value: c.Aging, Reason: "must not be negative"}
	}
	if c.PanicPolicy > DegradePool {
		return &ConfigError{Field: "panic policy", Value: c.PanicPolicy, Reason: "unknown policy"}
	}
	return nil
}

// Builder configures a Threadpool. Builder is a value type; every
// option returns an updated copy so partially configured builders
// can be shared.
type Builder struct {
	cfg     Config
	logger  zerolog.Logger
	metrics Metrics
}

// NewBuilder returns a Builder with one worker per available CPU,
// strict priority dispatch, networking enabled and no logging.
func NewBuilder() Builder {
	return Builder{
		cfg: Config{
			Workers:    runtime.GOMAXPROCS(0),
			NamePrefix: DefaultNamePrefix,
			Net:        true,
		},
		logger:  zerolog.Nop(),
		metrics: NilMetrics{},
	}
}

func (b Builder) Workers(n int) Builder {
	b.cfg.Workers = n
	return b
}

func (b Builder) NamePrefix(prefix string) Builder {
	b.cfg.NamePrefix = prefix
	return b
}

// StackSize records the requested worker stack size. Goroutine stacks
// grow on demand, so the value is validated and reported but does not
// reserve memory.
func (b Builder) StackSize(n int) Builder {
	b.cfg.StackSize = n
	return b
}

func (b Builder) PanicPolicy(policy PanicPolicy) Builder {
	b.cfg.PanicPolicy = policy
	return b
}

// Aging bounds starvation: after n consecutive dispatches from a
// higher priority while a lower priority has ready tasks, one task
// of the next lower non-empty priority is dispatched. Zero keeps
// strict priority order.
func (b Builder) Aging(n int) Builder {
	b.cfg.Aging = n
	return b
}

// Net enables or disables the readiness reactor. Without it the TCP
// primitives fail with ErrNotSupported.
func (b Builder) Net(enabled bool) Builder {
	b.cfg.Net = enabled
	return b
}

func (b Builder) Logger(logger zerolog.Logger) Builder {
	b.logger = logger
	return b
}

func (b Builder) Metrics(m Metrics) Builder {
	if m == nil {
		m = NilMetrics{}
	}
	b.metrics = m
	return b
}

// Config returns the configuration the builder would build with.
func (b Builder) Config() Config {
	return b.cfg
}

// Build validates the configuration and starts the pool.
func (b Builder) Build() (*Threadpool, error) {
	if err := b.cfg.validate(); err != nil {
		return nil, err
	}
	if b.cfg.NamePrefix == "" {
		b.cfg.NamePrefix = DefaultNamePrefix
	}
	return startPool(b.cfg, b.logger, b.metrics)
}

// New builds a pool with the default configuration.
func New() (*Threadpool, error) {
	return NewBuilder().Build()
}
