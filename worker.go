package coronet

import (
	"context"
	"errors"
	"runtime/pprof"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// worker pulls ready tasks off the pool queue and resumes them until
// the queue closes.
type worker struct {
	id      int
	pool    *pool
	log     zerolog.Logger
	current *task // Task being resumed, for panic attribution
}

func newWorker(p *pool, id int) *worker {
	return &worker{
		id:   id,
		pool: p,
		log:  p.log.With().Int("worker", id).Logger(),
	}
}

// start runs the worker loop under pprof labels naming the pool and
// the worker.
func (w *worker) start() {
	defer w.pool.workers.Done()

	labels := pprof.Labels(
		"coronet.pool", w.pool.cfg.NamePrefix,
		"coronet.worker", strconv.Itoa(w.id),
	)
	pprof.Do(context.Background(), labels, func(context.Context) {
		w.loop()
	})
}

func (w *worker) loop() {
	restarted := false
	for {
		err := w.serve(restarted)
		if err == nil {
			return
		}

		var perr *PanicError
		if errors.As(err, &perr) {
			w.log.Error().
				Interface("panic", perr.Value).
				Bytes("stack", perr.Stack).
				Stringer("policy", w.pool.cfg.PanicPolicy).
				Msg("worker panicked")
		}

		if w.pool.cfg.PanicPolicy == DegradePool {
			w.pool.retire(w)
			return
		}
		restarted = true
	}
}

// serve resumes tasks until the queue closes. A panic that escapes a
// task body's own recovery is returned as a *PanicError; the task
// being resumed at the time, if still live, is failed with it.
func (w *worker) serve(restarted bool) (err error) {
	defer func() {
		if r := recover(); r != nil {
			perr := newPanicError(r)
			if t := w.current; t != nil {
				w.current = nil
				t.abandon(perr)
			}
			err = perr
		}
	}()

	if restarted {
		w.log.Warn().Msg("worker restarted")
		w.pool.metrics.RecordWorkerRestart(w.pool.cfg.NamePrefix, w.id)
	}

	for {
		t, ok := w.pool.queue.pop()
		if !ok {
			return nil
		}
		w.run(t)
	}
}

// run resumes t once, up to its next suspension or completion.
func (w *worker) run(t *task) {
	t.mu.Lock()
	t.queued = false
	if t.state.Terminal() {
		t.mu.Unlock()
		return
	}
	if t.state == StatePending && t.ctx.Err() != nil {
		t.mu.Unlock()
		t.err = canceled(t.ctx)
		t.finish(StateCancelled)
		return
	}
	pending := t.state == StatePending
	t.state = StateRunning
	t.notified = false
	t.mu.Unlock()

	if pending {
		t.started = time.Now()
		t.start()
	}

	w.current = t
	_, alive := t.resume(struct{}{})
	if !alive {
		t.finish(t.outcome())
		w.pool.metrics.RecordTaskDuration(w.pool.cfg.NamePrefix, t.priority, time.Since(t.started))
		w.current = nil
		return
	}
	w.current = nil

	t.mu.Lock()
	t.state = StateSuspended
	requeue := t.notified
	if requeue {
		t.notified = false
		t.queued = true
	}
	t.mu.Unlock()

	if requeue {
		w.pool.enqueue(t)
	}
}
