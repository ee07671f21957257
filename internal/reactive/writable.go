// Package reactive provides the observable container that holds each
// registered type's records.
package reactive

import (
	"slices"
	"sync"

	"github.com/mesh-intelligence/pantry/pkg/types"
)

// Writable is a types.Container guarded by a mutex. Every write is an atomic
// replacement of the whole mapping. Subscribers see every written value in
// write order: the goroutine that finds the delivery queue idle drains it,
// so a callback that writes back into the container does not deadlock, and
// callbacks never run concurrently with each other.
//
// Values crossing the container boundary are deep copies: records handed to
// Update, Get, Read and subscribers share no payload maps with the stored
// mapping.
type Writable struct {
	mu       sync.Mutex
	value    map[string]types.Record
	seq      uint64
	subs     map[uint64]*subscriber
	nextSub  uint64
	queue    []pending
	draining bool
}

type subscriber struct {
	fn    func(map[string]types.Record)
	since uint64 // last seq delivered at subscription time
}

// pending is one queued delivery. A targeted delivery (the initial value of
// a new subscriber) goes to that subscriber only.
type pending struct {
	seq      uint64
	value    map[string]types.Record
	target   uint64
	targeted bool
}

// New returns a Writable holding a copy of initial.
func New(initial map[string]types.Record) *Writable {
	return &Writable{
		value: copyValue(initial),
		subs:  make(map[uint64]*subscriber),
	}
}

// Get returns a copy of the current mapping.
func (w *Writable) Get() map[string]types.Record {
	w.mu.Lock()
	defer w.mu.Unlock()
	return copyValue(w.value)
}

// Lookup returns the record stored under id.
func (w *Writable) Lookup(id string) (types.Record, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.value[id]
	return r.Clone(), ok
}

// Read calls fn with a private copy of the current mapping while holding
// the container lock, so no write can land between fn's reads. fn must not
// call back into the container.
func (w *Writable) Read(fn func(map[string]types.Record)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fn(copyValue(w.value))
}

// Len returns the number of records.
func (w *Writable) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.value)
}

// Set replaces the mapping.
func (w *Writable) Set(value map[string]types.Record) {
	w.Update(func(map[string]types.Record) map[string]types.Record {
		return value
	})
}

// Update replaces the mapping with fn's result. fn receives a private copy
// of the current mapping and may modify it in place. fn runs under the
// container lock and must not call back into the container.
func (w *Writable) Update(fn func(map[string]types.Record) map[string]types.Record) {
	w.mu.Lock()
	w.commitLocked(fn(copyValue(w.value)))
}

// UpdateIf is Update for writes that may turn out to be no-ops. fn edits a
// private copy in place and reports whether it changed anything; subscribers
// are only notified when it did. The check and the write happen under one
// lock, so UpdateIf can implement check-and-set.
func (w *Writable) UpdateIf(fn func(map[string]types.Record) bool) bool {
	w.mu.Lock()
	next := copyValue(w.value)
	if !fn(next) {
		w.mu.Unlock()
		return false
	}
	w.commitLocked(next)
	return true
}

// commitLocked stores next, queues it for delivery, and drains the queue
// unless another goroutine already is. The caller must hold w.mu; it is
// released before returning.
func (w *Writable) commitLocked(next map[string]types.Record) {
	next = copyValue(next)
	w.value = next
	w.seq++
	w.enqueueLocked(pending{seq: w.seq, value: next})
}

// enqueueLocked queues p and drains the queue unless another goroutine
// already is. The caller must hold w.mu; it is released before returning.
func (w *Writable) enqueueLocked(p pending) {
	w.queue = append(w.queue, p)
	if w.draining {
		w.mu.Unlock()
		return
	}
	w.draining = true
	w.mu.Unlock()

	w.drain()
}

// drain delivers queued values until the queue is empty.
func (w *Writable) drain() {
	for {
		w.mu.Lock()
		if len(w.queue) == 0 {
			w.draining = false
			w.mu.Unlock()
			return
		}
		p := w.queue[0]
		w.queue = w.queue[1:]
		var subs []func(map[string]types.Record)
		if p.targeted {
			if s, ok := w.subs[p.target]; ok {
				subs = append(subs, s.fn)
			}
		} else {
			subs = w.subscribersSince(p.seq)
		}
		w.mu.Unlock()

		for _, fn := range subs {
			fn(copyValue(p.value))
		}
	}
}

// Subscribe calls fn with the current mapping, then with every later
// mapping until the returned function is called. The initial value goes
// through the delivery queue: it arrives before Subscribe returns unless a
// delivery is already in progress, in which case the draining goroutine
// delivers it ahead of every later write.
func (w *Writable) Subscribe(fn func(map[string]types.Record)) (unsubscribe func()) {
	w.mu.Lock()
	id := w.nextSub
	w.nextSub++
	w.subs[id] = &subscriber{fn: fn, since: w.seq}
	w.enqueueLocked(pending{seq: w.seq, value: w.value, target: id, targeted: true})

	var once sync.Once
	return func() {
		once.Do(func() {
			w.mu.Lock()
			delete(w.subs, id)
			w.mu.Unlock()
		})
	}
}

// subscribersSince returns, in subscription order, the callbacks that have
// not yet seen the value numbered seq. The caller must hold w.mu.
func (w *Writable) subscribersSince(seq uint64) []func(map[string]types.Record) {
	ids := make([]uint64, 0, len(w.subs))
	for id, s := range w.subs {
		if s.since < seq {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	out := make([]func(map[string]types.Record), len(ids))
	for i, id := range ids {
		out[i] = w.subs[id].fn
	}
	return out
}

// copyValue deep-copies a mapping, payloads included.
func copyValue(v map[string]types.Record) map[string]types.Record {
	out := make(map[string]types.Record, len(v))
	for id, r := range v {
		out[id] = r.Clone()
	}
	return out
}

var _ types.Container = (*Writable)(nil)
