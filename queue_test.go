package coronet

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func queued(q *readyQueue, priorities ...Priority) []*task {
	var tasks []*task
	for i, p := range priorities {
		t := &task{id: uint64(i + 1), priority: p}
		q.push(t)
		tasks = append(tasks, t)
	}
	return tasks
}

func drain(q *readyQueue) []uint64 {
	var ids []uint64
	for {
		q.mu.Lock()
		t := q.nextLocked()
		q.mu.Unlock()
		if t == nil {
			return ids
		}
		ids = append(ids, t.id)
	}
}

func TestReadyQueueStrictPriority(t *testing.T) {
	r := require.New(t)
	q := newReadyQueue(0)

	queued(q, PriorityLow, PriorityHigh, PriorityNormal, PriorityHigh, PriorityLow)
	r.Equal([numPriorities]int{2, 1, 2}, q.depths())
	r.Equal([]uint64{2, 4, 3, 1, 5}, drain(q))
}

func TestReadyQueueAging(t *testing.T) {
	r := require.New(t)
	q := newReadyQueue(1)

	queued(q, PriorityHigh, PriorityHigh, PriorityHigh, PriorityNormal, PriorityLow)
	r.Equal([]uint64{1, 4, 2, 5, 3}, drain(q))
}

func TestReadyQueuePushDepth(t *testing.T) {
	r := require.New(t)
	q := newReadyQueue(0)

	depth, ok := q.push(&task{priority: PriorityLow})
	r.True(ok)
	r.Equal(1, depth)
	depth, ok = q.push(&task{priority: PriorityHigh})
	r.True(ok)
	r.Equal(2, depth)
}

func TestReadyQueueCloseWakesPop(t *testing.T) {
	r := require.New(t)
	q := newReadyQueue(0)

	done := make(chan bool)
	go func() {
		_, ok := q.pop()
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	q.close()

	select {
	case ok := <-done:
		r.False(ok)
	case <-time.After(time.Second):
		r.Fail("pop did not return after close")
	}
}

func TestReadyQueueOrphan(t *testing.T) {
	r := require.New(t)
	q := newReadyQueue(0)

	queued(q, PriorityLow, PriorityHigh)
	tasks := q.orphan()
	r.Len(tasks, 2)
	r.Equal(PriorityHigh, tasks[0].priority)

	_, ok := q.push(&task{priority: PriorityNormal})
	r.False(ok)
}
