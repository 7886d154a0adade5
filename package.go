// Package conio provides a coroutine-style asynchronous networking
// runtime. Application code is written as sequential logic running
// in coroutines that suspend on I/O and resume when the result
// arrives, while a Group multiplexes all of its coroutines on one
// dedicated goroutine.
//
// Key components:
//
//   - Co: The unit of suspension. A coroutine parks on read, write,
//     connect, accept or Future.Get and is resumed by its Group with
//     the delivered result.
//
//   - Group: Owns one loop goroutine and one I/O backend, either the
//     readiness backend (epoll, linux only) or the completion backend
//     (one executor goroutine per in-flight operation). Results
//     produced on other goroutines cross into the loop through a
//     single thread-safe queue and are dispatched in order.
//
//   - Channel: A bidirectional byte stream bound to a Group, created
//     by accept, by connect or by a Pool.
//
//   - Future and ScheduledFuture: Single-assignment result cells that
//     a coroutine can wait on, and periodic firings driven by the
//     Group clock.
//
//   - Pool: Bounded per-destination pools of reusable client channels,
//     partitioned by PriorityKey, with FIFO waiters and an integrated
//     heartbeat that probes idle channels.
//
//   - Synchronization primitives: Mutex and WaitGroup for coroutines
//     of the same Group.
//
// Everything except Group.Start, Shutdown, Await, Connect, Go and
// Schedule must be called on the Group's loop goroutine, that is from
// a coroutine of that Group.
package conio
