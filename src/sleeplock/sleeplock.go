// Package sleeplock implements the sleep-lock and wait-condition
// primitives used for driver and filesystem serialization (spec §4.3),
// grounded on the original kernel's lock.h.
//
// A wait condition there is a FIFO of blocked task handles; wait enqueues
// the caller and blocks, broadcast wakes every waiter. sync.Cond already
// models exactly that FIFO-wakeup contract and is what the teacher itself
// reaches for (mem.Physmem_t, fs's embedded sync.Mutex) for every lock in
// the pack, so it is used here rather than a hand-rolled queue.
package sleeplock

import "sync"

// Cond_t is a named wait condition: goroutines Wait on it until some
// holder Broadcasts.
type Cond_t struct {
	name string
	mu   sync.Mutex
	cond *sync.Cond
}

// NewCond returns a named, ready-to-use wait condition.
func NewCond(name string) *Cond_t {
	c := &Cond_t{name: name}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Wait blocks the caller until Broadcast is called. The caller must not
// hold c's internal lock; Wait manages it internally so callers can treat
// this as "sleep until woken," matching condition_wait's atomic
// block-and-reenable-interrupts contract.
func (c *Cond_t) Wait() {
	c.mu.Lock()
	c.cond.Wait()
	c.mu.Unlock()
}

// Broadcast wakes every waiter on c.
func (c *Cond_t) Broadcast() {
	c.mu.Lock()
	c.cond.Broadcast()
	c.mu.Unlock()
}

// WaitUntil blocks until pred reports true, re-checking it under c's lock
// after every wakeup the way condition_wait's callers loop on their own
// guard (e.g. vioblk's "while (used.idx != avail.idx)"). mutate, when
// non-nil, runs once under c's lock before the first check — callers use
// it to publish the request that will eventually make pred true without a
// separate race window between publishing and waiting.
func (c *Cond_t) WaitUntil(mutate func(), pred func() bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if mutate != nil {
		mutate()
	}
	for !pred() {
		c.cond.Wait()
	}
}

// BroadcastAfter runs mutate under c's lock, then wakes every waiter —
// the pairing ISR-side code uses to update shared state and signal
// completion atomically.
func (c *Cond_t) BroadcastAfter(mutate func()) {
	c.mu.Lock()
	mutate()
	c.cond.Broadcast()
	c.mu.Unlock()
}

// Name returns the condition's diagnostic name.
func (c *Cond_t) Name() string { return c.name }

// Lock_t is a sleep-lock: acquire blocks (without spinning on CPU) until
// the lock is free, rather than busy-waiting (spec §4.3).
type Lock_t struct {
	mu    sync.Mutex
	owner int64 // holder's tid, -1 when free
}

// NewLock returns a free lock.
func NewLock() *Lock_t {
	return &Lock_t{owner: -1}
}

// Acquire blocks until the lock is free, then marks it held by tid.
func (lk *Lock_t) Acquire(tid int64) {
	lk.mu.Lock()
	lk.owner = tid
}

// Release marks the lock free. It panics if tid is not the current
// holder — an owner-mismatched release is a structural violation (spec §7).
func (lk *Lock_t) Release(tid int64) {
	if lk.owner != tid {
		panic("sleeplock: release by non-owner")
	}
	lk.owner = -1
	lk.mu.Unlock()
}
