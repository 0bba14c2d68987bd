package coronet

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// errPoolShutdown is the cancellation cause delivered to tasks by a
// forced shutdown.
var errPoolShutdown = fmt.Errorf("%w: pool shut down", ErrCanceled)

// Threadpool owns a fixed set of worker goroutines, the per-priority
// ready queues and the readiness reactor. The embedded Handle submits
// at PriorityNormal.
//
// The Threadpool value is the pool's owner. Once it becomes
// unreachable the pool is shut down gracefully, even if Handles taken
// from it are still in use: a Handle does not keep the pool alive.
// Keep the Threadpool referenced for as long as the pool should run,
// typically with defer tp.Close() next to Build.
type Threadpool struct {
	*Handle
}

// Stats is a snapshot of pool state.
type Stats struct {
	Name         string
	Workers      int  // Configured workers
	LiveWorkers  int  // Workers not retired by DegradePool
	Degraded     bool // At least one worker retired
	Closed       bool // Shutdown has begun
	QueuedHigh   int
	QueuedNormal int
	QueuedLow    int
	Active       int64 // Admitted tasks not yet terminal
	Spawned      uint64
	Completed    uint64
	Failed       uint64
	Cancelled    uint64
	Rejected     uint64
}

type pool struct {
	cfg     Config
	log     zerolog.Logger
	metrics Metrics
	queue   *readyQueue
	reactor *reactor // nil when netErr is set
	netErr  error
	lookups SingleFlight // Deduplicated name resolution
	offload *Semaphore   // Bounds Offload helper goroutines

	root context.Context
	kill context.CancelCauseFunc

	mu       sync.Mutex
	closing  bool
	live     int
	tasks    sync.WaitGroup
	workers  sync.WaitGroup
	stopOnce sync.Once

	nextID    atomic.Uint64
	active    atomic.Int64
	spawned   atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	cancelled atomic.Uint64
	rejected  atomic.Uint64
}

func startPool(cfg Config, logger zerolog.Logger, metrics Metrics) (*Threadpool, error) {
	root, kill := context.WithCancelCause(context.Background())
	p := &pool{
		cfg:     cfg,
		log:     logger.With().Str("pool", cfg.NamePrefix).Logger(),
		metrics: metrics,
		queue:   newReadyQueue(cfg.Aging),
		root:    root,
		kill:    kill,
		live:    cfg.Workers,
		offload: NewSemaphore(OffloadConcurrencyLimit),
	}

	if cfg.Net {
		r, err := newReactor(p.log)
		switch {
		case err == nil:
			p.reactor = r
		case errors.Is(err, ErrNotSupported):
			p.netErr = err
		default:
			kill(err)
			return nil, fmt.Errorf("coronet: start reactor: %w", err)
		}
	} else {
		p.netErr = fmt.Errorf("%w: reactor disabled", ErrNotSupported)
	}

	for i := range cfg.Workers {
		w := newWorker(p, i)
		p.workers.Add(1)
		go w.start()
	}

	p.log.Debug().
		Int("workers", cfg.Workers).
		Int("aging", cfg.Aging).
		Stringer("panic_policy", cfg.PanicPolicy).
		Bool("net", p.reactor != nil).
		Msg("pool started")

	tp := &Threadpool{Handle: &Handle{p: p, priority: PriorityNormal}}
	runtime.SetFinalizer(tp, func(tp *Threadpool) {
		go tp.p.shutdown(context.Background(), false)
	})
	return tp, nil
}

// Close shuts the pool down gracefully: new submissions are refused,
// queued and suspended tasks run to completion, then the workers and
// the reactor stop. Close must not be called from inside a task of
// the same pool.
func (tp *Threadpool) Close() error {
	return tp.Shutdown(context.Background())
}

// Shutdown is like Close but escalates to forced cancellation when
// ctx ends before the tasks finish. Cancelled tasks observe it at
// their next suspension point; Shutdown waits for them and returns
// ctx.Err().
func (tp *Threadpool) Shutdown(ctx context.Context) error {
	return tp.p.shutdown(ctx, false)
}

// ShutdownNow cancels every task immediately and waits for them to
// unwind.
func (tp *Threadpool) ShutdownNow() error {
	return tp.p.shutdown(context.Background(), true)
}

// Config returns the configuration the pool was built with.
func (tp *Threadpool) Config() Config {
	return tp.p.cfg
}

func (p *pool) shutdown(ctx context.Context, force bool) error {
	p.mu.Lock()
	first := !p.closing
	p.closing = true
	p.mu.Unlock()

	if first {
		p.log.Debug().Bool("force", force).Msg("pool shutting down")
	}
	if force {
		p.kill(errPoolShutdown)
	}

	done := make(chan struct{})
	go func() {
		p.tasks.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		p.log.Warn().Err(err).Int64("active", p.active.Load()).Msg("forcing pool shutdown")
		p.kill(errPoolShutdown)
		<-done
	}

	p.stop()
	return err
}

func (p *pool) stop() {
	p.stopOnce.Do(func() {
		p.queue.close()
		p.workers.Wait()
		if p.reactor != nil {
			if err := p.reactor.close(); err != nil {
				p.log.Error().Err(err).Msg("reactor close failed")
			}
		}
		p.kill(ErrPoolClosed)
		p.log.Debug().
			Uint64("completed", p.completed.Load()).
			Uint64("failed", p.failed.Load()).
			Uint64("cancelled", p.cancelled.Load()).
			Msg("pool stopped")
	})
}

// admit reserves a slot for a new task.
func (p *pool) admit() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case p.closing:
		return ErrPoolClosed
	case p.live == 0:
		return ErrPoolDegraded
	}

	p.tasks.Add(1)
	p.active.Add(1)
	p.spawned.Add(1)
	return nil
}

func (p *pool) reject(priority Priority, err error) *task {
	p.rejected.Add(1)
	reason := rejectReason(err)
	p.log.Debug().Err(err).Stringer("priority", priority).Msg("task rejected")
	p.observe("task_rejected", func() {
		p.metrics.RecordTaskRejected(p.cfg.NamePrefix, reason)
	})
	return newRejectedTask(0, priority, err)
}

// enqueue makes t runnable. A task that no worker will ever run is
// failed with ErrPoolDegraded.
func (p *pool) enqueue(t *task) {
	depth, ok := p.queue.push(t)
	if !ok {
		t.abandon(ErrPoolDegraded)
		return
	}
	p.observe("queue_depth", func() {
		p.metrics.RecordQueueDepth(p.cfg.NamePrefix, depth)
	})
}

// observe runs a Metrics hook reachable from goroutines other than
// the workers: the reactor, waking goroutines and submitters. A panic
// in the hook is logged and dropped so it cannot unwind the caller.
func (p *pool) observe(hook string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			perr := newPanicError(r)
			p.log.Error().
				Str("hook", hook).
				Interface("panic", perr.Value).
				Bytes("stack", perr.Stack).
				Msg("metrics hook panicked")
		}
	}()
	fn()
}

// taskDone accounts for a terminal task.
func (p *pool) taskDone(t *task, state State) {
	switch state {
	case StateCompleted:
		p.completed.Add(1)
	case StateFailed:
		p.failed.Add(1)
	case StateCancelled:
		p.cancelled.Add(1)
	}
	p.active.Add(-1)
	p.tasks.Done()

	if t.panicked {
		var perr *PanicError
		if errors.As(t.err, &perr) {
			p.log.Error().
				Uint64("task", t.id).
				Stringer("priority", t.priority).
				Interface("panic", perr.Value).
				Bytes("stack", perr.Stack).
				Msg("task panicked")
		}
		p.observe("task_panic", func() {
			p.metrics.RecordTaskPanic(p.cfg.NamePrefix, t.err)
		})
	}
	p.observe("task_outcome", func() {
		p.metrics.RecordTaskOutcome(p.cfg.NamePrefix, t.priority, state)
	})
}

// retire removes a worker under the DegradePool policy. When the
// last worker retires, every remaining task is failed.
func (p *pool) retire(w *worker) {
	p.mu.Lock()
	p.live--
	live := p.live
	p.mu.Unlock()

	w.log.Warn().Int("live_workers", live).Msg("worker retired")
	if live > 0 {
		return
	}

	p.log.Error().Msg("pool degraded: no live workers")
	for _, t := range p.queue.orphan() {
		t.abandon(ErrPoolDegraded)
	}
	p.kill(fmt.Errorf("%w: %w", ErrCanceled, ErrPoolDegraded))
}

func (p *pool) stats() Stats {
	p.mu.Lock()
	live, closing := p.live, p.closing
	p.mu.Unlock()

	depths := p.queue.depths()
	return Stats{
		Name:         p.cfg.NamePrefix,
		Workers:      p.cfg.Workers,
		LiveWorkers:  live,
		Degraded:     live < p.cfg.Workers,
		Closed:       closing,
		QueuedHigh:   depths[PriorityHigh],
		QueuedNormal: depths[PriorityNormal],
		QueuedLow:    depths[PriorityLow],
		Active:       p.active.Load(),
		Spawned:      p.spawned.Load(),
		Completed:    p.completed.Load(),
		Failed:       p.failed.Load(),
		Cancelled:    p.cancelled.Load(),
		Rejected:     p.rejected.Load(),
	}
}

// net returns the reactor or the reason networking is unavailable.
func (p *pool) net() (*reactor, error) {
	if p.reactor == nil {
		return nil, p.netErr
	}
	return p.reactor, nil
}
