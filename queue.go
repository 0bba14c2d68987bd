package coronet

import (
	"sync"

	"github.com/gammazero/deque"
)

// readyQueue holds runnable tasks, one FIFO per priority level.
// Workers block in pop until a task is ready or the queue closes.
type readyQueue struct {
	mu       sync.Mutex
	cond     sync.Cond
	levels   [numPriorities]deque.Deque[*task]
	aging    int  // Starvation bound, 0 for strict priority
	streak   int  // Consecutive dispatches that bypassed a lower level
	closed   bool // No more pops; workers exit
	orphaned bool // No worker left to pop; pushes are refused
}

func newReadyQueue(aging int) *readyQueue {
	q := &readyQueue{aging: aging}
	q.cond.L = &q.mu
	return q
}

// push appends t to the back of its priority level. It returns the
// queue depth, or false when no worker will ever pop t.
func (q *readyQueue) push(t *task) (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.orphaned {
		return 0, false
	}

	q.levels[t.priority].PushBack(t)
	q.cond.Signal()
	return q.lenLocked(), true
}

// pop removes the next task to run, blocking while the queue is
// empty. It returns false once the queue is closed.
func (q *readyQueue) pop() (*task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if q.closed {
			return nil, false
		}
		if t := q.nextLocked(); t != nil {
			return t, true
		}
		q.cond.Wait()
	}
}

func (q *readyQueue) nextLocked() *task {
	top := -1
	for i := numPriorities - 1; i >= 0; i-- {
		if q.levels[i].Len() > 0 {
			top = i
			break
		}
	}
	if top < 0 {
		return nil
	}

	lower := -1
	for i := top - 1; i >= 0; i-- {
		if q.levels[i].Len() > 0 {
			lower = i
			break
		}
	}

	switch {
	case lower < 0:
		q.streak = 0
	case q.aging > 0 && q.streak >= q.aging:
		q.streak = 0
		return q.levels[lower].PopFront()
	default:
		q.streak++
	}

	return q.levels[top].PopFront()
}

func (q *readyQueue) lenLocked() int {
	n := 0
	for i := range q.levels {
		n += q.levels[i].Len()
	}
	return n
}

// depths returns the number of ready tasks per priority level.
func (q *readyQueue) depths() [numPriorities]int {
	q.mu.Lock()
	defer q.mu.Unlock()

	var d [numPriorities]int
	for i := range q.levels {
		d[i] = q.levels[i].Len()
	}
	return d
}

// orphan refuses further pushes and returns the tasks still queued.
func (q *readyQueue) orphan() []*task {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.orphaned = true
	var tasks []*task
	for i := numPriorities - 1; i >= 0; i-- {
		for q.levels[i].Len() > 0 {
			tasks = append(tasks, q.levels[i].PopFront())
		}
	}
	return tasks
}

func (q *readyQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.cond.Broadcast()
}
