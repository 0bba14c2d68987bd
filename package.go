// Package coronet is a small cooperative async runtime. A fixed pool
// of worker goroutines drives coroutine-backed tasks to completion in
// priority order, and an edge-triggered readiness reactor wakes tasks
// suspended on non-blocking TCP sockets.
//
// Key components:
//
//   - Threadpool, Builder: configuration and lifecycle of the worker
//     pool, its ready queues and its reactor. Build a pool with
//     NewBuilder().Workers(n).Build() and stop it with Close,
//     Shutdown or ShutdownNow.
//
//   - Handle, ContextGuard: a cheap reference to a pool carrying a
//     default Priority. Enter installs a handle into a context so
//     nested code can find it again with Current.
//
//   - Spawn, Go, BlockOn, JoinHandle: task submission and the
//     observable outcome of one task. Tasks suspend only at explicit
//     points (I/O readiness, Yield, Join, Offload and the task-aware
//     synchronization primitives) and cancellation is cooperative.
//
//   - Read, ReadExact, Write, WriteAll, Chain: combinators over any
//     AsyncReader or AsyncWriter. They suspend the calling task on
//     ErrWouldBlock and retry once per wake.
//
//   - Bind, Connect, TCPListener, TCPStream, ReadHalf, WriteHalf:
//     non-blocking TCP primitives registered with the pool reactor.
//
//   - Synchronization primitives: Mutex, Semaphore, WaitGroup and
//     Group park tasks instead of blocking worker goroutines.
package coronet
