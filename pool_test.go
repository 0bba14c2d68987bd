package coronet

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, b Builder) *Threadpool {
	t.Helper()
	tp, err := b.Build()
	require.NoError(t, err)
	t.Cleanup(func() { _ = tp.ShutdownNow() })
	return tp
}

// occupy parks the pool's only worker inside a task until the
// returned release func is called, so tasks spawned meanwhile queue
// up behind it.
func occupy(h *Handle) (release func()) {
	started, done := make(chan struct{}), make(chan struct{})
	Spawn(h, PriorityHigh, func(context.Context) (struct{}, error) {
		close(started)
		<-done
		return struct{}{}, nil
	})
	<-started
	return func() { close(done) }
}

type recorder struct {
	mu    sync.Mutex
	order []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	r.order = append(r.order, s)
	r.mu.Unlock()
}

func (r *recorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func TestSpawnJoin(t *testing.T) {
	r := require.New(t)
	tp := newTestPool(t, NewBuilder().Workers(2))

	j := Spawn(tp.Handle, PriorityNormal, func(context.Context) (int, error) {
		return 42, nil
	})

	v, err := j.Join(context.Background())
	r.NoError(err)
	r.Equal(42, v)
	r.Equal(StateCompleted, j.State())
	r.NotZero(j.ID())
	r.Equal(PriorityNormal, j.Priority())

	v, err = j.Join(context.Background())
	r.NoError(err)
	r.Equal(42, v)

	o := j.Outcome()
	r.Equal(StateCompleted, o.State)
	r.Equal(42, o.Value)
	r.NoError(o.Err)
}

func TestTaskError(t *testing.T) {
	r := require.New(t)
	tp := newTestPool(t, NewBuilder().Workers(1))

	boom := errors.New("boom")
	j := Spawn(tp.Handle, PriorityNormal, func(context.Context) (int, error) {
		return 0, boom
	})

	_, err := j.Join(context.Background())
	r.ErrorIs(err, boom)
	r.Equal(StateFailed, j.State())
}

func TestPriorityOrder(t *testing.T) {
	r := require.New(t)
	tp := newTestPool(t, NewBuilder().Workers(1))

	release := occupy(tp.Handle)

	var rec recorder
	var joins []*JoinHandle[struct{}]
	for _, p := range []Priority{PriorityLow, PriorityNormal, PriorityHigh, PriorityLow, PriorityHigh} {
		joins = append(joins, Spawn(tp.Handle, p, func(context.Context) (struct{}, error) {
			rec.add(p.String())
			return struct{}{}, nil
		}))
	}
	release()

	for _, j := range joins {
		_, err := j.Join(context.Background())
		r.NoError(err)
	}
	r.Equal([]string{"high", "high", "normal", "low", "low"}, rec.get())
}

func TestAgingServesLowerPriority(t *testing.T) {
	r := require.New(t)
	tp := newTestPool(t, NewBuilder().Workers(1).Aging(2))

	release := occupy(tp.Handle)

	var rec recorder
	var joins []*JoinHandle[struct{}]
	for range 6 {
		joins = append(joins, Spawn(tp.Handle, PriorityHigh, func(context.Context) (struct{}, error) {
			rec.add("high")
			return struct{}{}, nil
		}))
	}
	joins = append(joins, Spawn(tp.Handle, PriorityLow, func(context.Context) (struct{}, error) {
		rec.add("low")
		return struct{}{}, nil
	}))
	release()

	for _, j := range joins {
		_, err := j.Join(context.Background())
		r.NoError(err)
	}
	r.Equal([]string{"high", "high", "low", "high", "high", "high", "high"}, rec.get())
}

func TestPanicIsolation(t *testing.T) {
	r := require.New(t)
	tp := newTestPool(t, NewBuilder().Workers(1))

	bad := Spawn(tp.Handle, PriorityNormal, func(context.Context) (int, error) {
		panic("kaboom")
	})
	good := Spawn(tp.Handle, PriorityNormal, func(context.Context) (int, error) {
		return 1, nil
	})

	_, err := bad.Join(context.Background())
	var perr *PanicError
	r.ErrorAs(err, &perr)
	r.Equal("kaboom", perr.Value)
	r.NotEmpty(perr.Stack)
	r.Equal(StateFailed, bad.State())

	v, err := good.Join(context.Background())
	r.NoError(err)
	r.Equal(1, v)

	r.Equal(tp.Config().Workers, tp.Stats().LiveWorkers)
}

func TestCancelPending(t *testing.T) {
	r := require.New(t)
	tp := newTestPool(t, NewBuilder().Workers(1))

	release := occupy(tp.Handle)

	var ran atomic.Bool
	j := Spawn(tp.Handle, PriorityNormal, func(context.Context) (int, error) {
		ran.Store(true)
		return 1, nil
	})
	r.Equal(StatePending, j.State())
	j.Cancel()
	release()

	_, err := j.Join(context.Background())
	r.ErrorIs(err, ErrCanceled)
	r.Equal(StateCancelled, j.State())
	r.False(ran.Load())
}

func TestCancelSuspended(t *testing.T) {
	r := require.New(t)
	tp := newTestPool(t, NewBuilder().Workers(1))

	var m Mutex
	r.True(m.TryLock())

	j := Spawn(tp.Handle, PriorityNormal, func(ctx context.Context) (int, error) {
		if err := m.Lock(ctx); err != nil {
			return 0, err
		}
		m.Unlock()
		return 1, nil
	})
	r.Eventually(func() bool { return j.State() == StateSuspended }, time.Second, time.Millisecond)
	r.Equal(1, m.WaitCount())

	j.Cancel()
	_, err := j.Join(context.Background())
	r.ErrorIs(err, ErrCanceled)
	r.Equal(StateCancelled, j.State())
	r.Zero(m.WaitCount())
	m.Unlock()
}

func TestCancelFinishedIsNoop(t *testing.T) {
	r := require.New(t)
	tp := newTestPool(t, NewBuilder().Workers(1))

	j := Spawn(tp.Handle, PriorityNormal, func(context.Context) (int, error) {
		return 3, nil
	})
	v, err := j.Join(context.Background())
	r.NoError(err)

	j.Cancel()
	v, err = j.Join(context.Background())
	r.NoError(err)
	r.Equal(3, v)
	r.Equal(StateCompleted, j.State())
}

func TestJoinSelf(t *testing.T) {
	r := require.New(t)
	tp := newTestPool(t, NewBuilder().Workers(1))

	self := make(chan *JoinHandle[int], 1)
	j := Spawn(tp.Handle, PriorityNormal, func(ctx context.Context) (int, error) {
		return (<-self).Join(ctx)
	})
	self <- j

	_, err := j.Join(context.Background())
	r.ErrorIs(err, ErrJoinSelf)
}

func TestJoinWithContextTimeout(t *testing.T) {
	r := require.New(t)
	tp := newTestPool(t, NewBuilder().Workers(1))

	var m Mutex
	r.True(m.TryLock())
	j := Spawn(tp.Handle, PriorityNormal, func(ctx context.Context) (int, error) {
		return 0, m.Lock(ctx)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := j.Join(ctx)
	r.ErrorIs(err, ErrCanceled)
	r.ErrorIs(err, context.DeadlineExceeded)
	r.False(j.State().Terminal())

	m.Unlock()
	_, err = j.Join(context.Background())
	r.NoError(err)
}

func TestGoInheritsHandle(t *testing.T) {
	r := require.New(t)
	tp := newTestPool(t, NewBuilder().Workers(2))

	high := tp.WithPriority(PriorityHigh)
	v, err := BlockOn(context.Background(), high, func(ctx context.Context) (Priority, error) {
		h, err := Current(ctx)
		if err != nil {
			return 0, err
		}
		if h.Name() != tp.Name() {
			return 0, errors.New("wrong pool")
		}

		child, err := Go(ctx, func(context.Context) (Priority, error) {
			return 0, nil
		})
		if err != nil {
			return 0, err
		}
		if _, err := child.Join(ctx); err != nil {
			return 0, err
		}
		return child.Priority(), nil
	})
	r.NoError(err)
	r.Equal(PriorityHigh, v)
}

func TestGoOutsidePool(t *testing.T) {
	r := require.New(t)

	_, err := Go(context.Background(), func(context.Context) (int, error) { return 0, nil })
	r.ErrorIs(err, ErrNoContext)
}

func TestDetachedTaskCompletes(t *testing.T) {
	r := require.New(t)
	tp := newTestPool(t, NewBuilder().Workers(1))

	var done atomic.Bool
	Spawn(tp.Handle, PriorityLow, func(ctx context.Context) (struct{}, error) {
		for range 3 {
			if err := Yield(ctx); err != nil {
				return struct{}{}, err
			}
		}
		done.Store(true)
		return struct{}{}, nil
	})

	r.NoError(tp.Close())
	r.True(done.Load())
}

func TestYieldInterleaves(t *testing.T) {
	r := require.New(t)
	tp := newTestPool(t, NewBuilder().Workers(1))

	release := occupy(tp.Handle)

	var rec recorder
	body := func(name string) TaskFunc[struct{}] {
		return func(ctx context.Context) (struct{}, error) {
			for range 3 {
				rec.add(name)
				if err := Yield(ctx); err != nil {
					return struct{}{}, err
				}
			}
			return struct{}{}, nil
		}
	}
	a := Spawn(tp.Handle, PriorityNormal, body("a"))
	b := Spawn(tp.Handle, PriorityNormal, body("b"))
	release()

	_, err := a.Join(context.Background())
	r.NoError(err)
	_, err = b.Join(context.Background())
	r.NoError(err)
	r.Equal([]string{"a", "b", "a", "b", "a", "b"}, rec.get())
}

func TestYieldOutsideTask(t *testing.T) {
	r := require.New(t)
	r.NoError(Yield(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.ErrorIs(Yield(ctx), ErrCanceled)
}

func TestOffloadFreesWorker(t *testing.T) {
	r := require.New(t)
	tp := newTestPool(t, NewBuilder().Workers(1))

	unblock := make(chan struct{})
	a := Spawn(tp.Handle, PriorityNormal, func(ctx context.Context) (int, error) {
		return Offload(ctx, func() (int, error) {
			<-unblock
			return 7, nil
		})
	})
	r.Eventually(func() bool { return a.State() == StateSuspended }, time.Second, time.Millisecond)

	b := Spawn(tp.Handle, PriorityNormal, func(context.Context) (struct{}, error) {
		close(unblock)
		return struct{}{}, nil
	})
	_, err := b.Join(context.Background())
	r.NoError(err)

	v, err := a.Join(context.Background())
	r.NoError(err)
	r.Equal(7, v)
}

func TestOffloadRecoversPanic(t *testing.T) {
	r := require.New(t)
	tp := newTestPool(t, NewBuilder().Workers(1))

	_, err := BlockOn(context.Background(), tp.Handle, func(ctx context.Context) (int, error) {
		return Offload(ctx, func() (int, error) {
			panic("offloaded")
		})
	})
	var perr *PanicError
	r.ErrorAs(err, &perr)
	r.Equal("offloaded", perr.Value)
}

func TestBlockOnCancelsOnContext(t *testing.T) {
	r := require.New(t)
	tp := newTestPool(t, NewBuilder().Workers(1))

	var m Mutex
	r.True(m.TryLock())
	defer m.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := BlockOn(ctx, tp.Handle, func(ctx context.Context) (int, error) {
		return 0, m.Lock(ctx)
	})
	r.ErrorIs(err, ErrCanceled)
	r.Eventually(func() bool { return tp.Stats().Cancelled == 1 }, time.Second, time.Millisecond)
}

func TestInvalidPriority(t *testing.T) {
	r := require.New(t)
	tp := newTestPool(t, NewBuilder().Workers(1))

	j := Spawn(tp.Handle, Priority(9), func(context.Context) (int, error) { return 0, nil })
	_, err := j.Join(context.Background())
	r.ErrorIs(err, ErrInvalidPriority)
	r.Equal(StateFailed, j.State())
	r.Zero(j.ID())
	r.Equal(uint64(1), tp.Stats().Rejected)
}

func TestSpawnAfterClose(t *testing.T) {
	r := require.New(t)
	tp := newTestPool(t, NewBuilder().Workers(1))
	r.NoError(tp.Close())

	j := Spawn(tp.Handle, PriorityNormal, func(context.Context) (int, error) { return 0, nil })
	_, err := j.Join(context.Background())
	r.ErrorIs(err, ErrPoolClosed)
	r.Equal(StateFailed, j.State())

	guard := tp.Enter(context.Background())
	defer guard.Exit()
	_, err = Go(guard.Context(), func(context.Context) (int, error) { return 0, nil })
	r.ErrorIs(err, ErrPoolClosed)
	r.True(tp.Stats().Closed)
}

func TestGracefulShutdownDrains(t *testing.T) {
	r := require.New(t)
	tp := newTestPool(t, NewBuilder().Workers(2))

	var joins []*JoinHandle[int]
	for i := range 20 {
		joins = append(joins, Spawn(tp.Handle, Priority(i%3), func(ctx context.Context) (int, error) {
			if err := Yield(ctx); err != nil {
				return 0, err
			}
			return i, nil
		}))
	}
	r.NoError(tp.Close())

	for i, j := range joins {
		r.Equal(StateCompleted, j.State())
		v, err := j.Join(context.Background())
		r.NoError(err)
		r.Equal(i, v)
	}

	s := tp.Stats()
	r.Equal(uint64(20), s.Spawned)
	r.Equal(uint64(20), s.Completed)
	r.Zero(s.Active)
}

func TestShutdownEscalates(t *testing.T) {
	r := require.New(t)
	tp := newTestPool(t, NewBuilder().Workers(1))

	var m Mutex
	r.True(m.TryLock())
	defer m.Unlock()

	j := Spawn(tp.Handle, PriorityNormal, func(ctx context.Context) (int, error) {
		return 0, m.Lock(ctx)
	})
	r.Eventually(func() bool { return j.State() == StateSuspended }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	r.ErrorIs(tp.Shutdown(ctx), context.DeadlineExceeded)

	_, err := j.Join(context.Background())
	r.ErrorIs(err, ErrCanceled)
	r.Equal(StateCancelled, j.State())
}

func TestShutdownNow(t *testing.T) {
	r := require.New(t)
	tp := newTestPool(t, NewBuilder().Workers(1))

	j := Spawn(tp.Handle, PriorityNormal, func(ctx context.Context) (int, error) {
		for {
			if err := Yield(ctx); err != nil {
				return 0, err
			}
		}
	})
	r.Eventually(func() bool { return j.State() != StatePending }, time.Second, time.Millisecond)

	r.NoError(tp.ShutdownNow())
	_, err := j.Join(context.Background())
	r.ErrorIs(err, ErrCanceled)
	r.Equal(StateCancelled, j.State())
}

func TestContextGuardNesting(t *testing.T) {
	r := require.New(t)
	tp1 := newTestPool(t, NewBuilder().Workers(1).NamePrefix("one").Net(false))
	tp2 := newTestPool(t, NewBuilder().Workers(1).NamePrefix("two").Net(false))

	ctx := context.Background()
	_, err := Current(ctx)
	r.ErrorIs(err, ErrNoContext)
	r.Panics(func() { MustCurrent(ctx) })

	outer := tp1.Enter(ctx)
	h, err := Current(outer.Context())
	r.NoError(err)
	r.Equal("one", h.Name())

	inner := tp2.Enter(outer.Context())
	r.Equal("two", MustCurrent(inner.Context()).Name())

	inner.Exit()
	r.Equal("one", MustCurrent(inner.Context()).Name())
	inner.Exit()

	outer.Exit()
	_, err = Current(inner.Context())
	r.ErrorIs(err, ErrNoContext)
}

type panicMetrics struct {
	NilMetrics
	armed    atomic.Bool
	restarts atomic.Int32
}

func (m *panicMetrics) RecordTaskDuration(string, Priority, time.Duration) {
	if m.armed.CompareAndSwap(true, false) {
		panic("metrics exploded")
	}
}

func (m *panicMetrics) RecordWorkerRestart(string, int) {
	m.restarts.Add(1)
}

func TestWorkerRestart(t *testing.T) {
	r := require.New(t)
	m := &panicMetrics{}
	m.armed.Store(true)
	tp := newTestPool(t, NewBuilder().Workers(1).Metrics(m))

	first := Spawn(tp.Handle, PriorityNormal, func(context.Context) (int, error) { return 1, nil })
	v, err := first.Join(context.Background())
	r.NoError(err)
	r.Equal(1, v)

	second := Spawn(tp.Handle, PriorityNormal, func(context.Context) (int, error) { return 2, nil })
	v, err = second.Join(context.Background())
	r.NoError(err)
	r.Equal(2, v)

	r.Equal(int32(1), m.restarts.Load())
	s := tp.Stats()
	r.Equal(1, s.LiveWorkers)
	r.False(s.Degraded)
}

func TestWorkerDegrade(t *testing.T) {
	r := require.New(t)
	m := &panicMetrics{}
	m.armed.Store(true)
	tp := newTestPool(t, NewBuilder().Workers(1).Metrics(m).PanicPolicy(DegradePool))

	first := Spawn(tp.Handle, PriorityNormal, func(context.Context) (int, error) { return 1, nil })
	_, err := first.Join(context.Background())
	r.NoError(err)

	r.Eventually(func() bool { return tp.Stats().LiveWorkers == 0 }, time.Second, time.Millisecond)
	r.True(tp.Stats().Degraded)

	j := Spawn(tp.Handle, PriorityNormal, func(context.Context) (int, error) { return 2, nil })
	_, err = j.Join(context.Background())
	r.ErrorIs(err, ErrPoolDegraded)
	r.Zero(m.restarts.Load())
}

type countingMetrics struct {
	NilMetrics
	mu       sync.Mutex
	outcomes map[State]int
}

func (m *countingMetrics) RecordTaskOutcome(_ string, _ Priority, s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outcomes == nil {
		m.outcomes = make(map[State]int)
	}
	m.outcomes[s]++
}

func TestStatsAndMetrics(t *testing.T) {
	r := require.New(t)
	m := &countingMetrics{}
	tp := newTestPool(t, NewBuilder().Workers(2).NamePrefix("stats").Metrics(m))

	ok := Spawn(tp.Handle, PriorityNormal, func(context.Context) (int, error) { return 1, nil })
	bad := Spawn(tp.Handle, PriorityNormal, func(context.Context) (int, error) { return 0, errors.New("x") })
	_, _ = ok.Join(context.Background())
	_, _ = bad.Join(context.Background())
	r.NoError(tp.Close())

	s := tp.Stats()
	r.Equal("stats", s.Name)
	r.Equal(2, s.Workers)
	r.Equal(uint64(2), s.Spawned)
	r.Equal(uint64(1), s.Completed)
	r.Equal(uint64(1), s.Failed)

	m.mu.Lock()
	defer m.mu.Unlock()
	r.Equal(1, m.outcomes[StateCompleted])
	r.Equal(1, m.outcomes[StateFailed])
}

type depthPanicMetrics struct {
	NilMetrics
	armed atomic.Bool
	fired atomic.Int32
}

func (m *depthPanicMetrics) RecordQueueDepth(string, int) {
	if m.armed.CompareAndSwap(true, false) {
		m.fired.Add(1)
		panic("metrics exploded")
	}
}

func TestMetricsPanicOffWorkerContained(t *testing.T) {
	r := require.New(t)
	m := &depthPanicMetrics{}
	tp := newTestPool(t, NewBuilder().Workers(1).Net(false).Metrics(m))
	p := &pipe{}

	j := Spawn(tp.Handle, PriorityNormal, func(ctx context.Context) (string, error) {
		buf := make([]byte, 8)
		n, err := Read(ctx, p, buf)
		return string(buf[:n]), err
	})
	r.Eventually(func() bool { return j.State() == StateSuspended }, time.Second, time.Millisecond)

	m.armed.Store(true)
	r.NotPanics(func() { p.feed("ping", false) })
	r.Equal(int32(1), m.fired.Load())

	v, err := j.Join(context.Background())
	r.NoError(err)
	r.Equal("ping", v)

	s := tp.Stats()
	r.Equal(1, s.LiveWorkers)
	r.False(s.Degraded)
}

func TestUnreachablePoolShutsDown(t *testing.T) {
	r := require.New(t)

	h := func() *Handle {
		tp, err := NewBuilder().Workers(1).Net(false).Build()
		r.NoError(err)
		return tp.Handle
	}()

	r.Eventually(func() bool {
		runtime.GC()
		return h.Stats().Closed
	}, 2*time.Second, 10*time.Millisecond)

	j := Spawn(h, PriorityNormal, func(context.Context) (int, error) { return 1, nil })
	_, err := j.Join(context.Background())
	r.ErrorIs(err, ErrPoolClosed)
}
