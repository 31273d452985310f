// Package table implements the header table shared by every header block of
// a connection: the static dictionary and a dynamic table whose entries are
// placed in encoder-chosen slots, may be referenced before they are
// inserted, and are only removed once the references the encoder announced
// have been seen.
package table

import (
	"errors"
	"sync"
	"time"
)

// EntryOverhead is the per-entry accounting overhead (RFC 7541 Section 4.1).
const EntryOverhead = 32

// DefaultCapacity is the dynamic table capacity used when none is given.
const DefaultCapacity = 4096

var (
	ErrInvalidIndex = errors.New("table: invalid index")
	ErrSlotOccupied = errors.New("table: slot occupied")
	ErrTableFull    = errors.New("table: table full")
	ErrTimeout      = errors.New("table: timed out")
	ErrClosed       = errors.New("table: closed")
)

// Entry is an immutable header name/value pair.
type Entry struct {
	Name  string
	Value string
}

// Size returns the accounted size of the entry.
func (e Entry) Size() uint32 {
	return uint32(len(e.Name)+len(e.Value)) + EntryOverhead
}

type slot struct {
	entry Entry
	// refs counts the references resolved against this entry.
	refs uint32
}

type lookupWaiter struct {
	fn    func(Entry, error)
	timer *time.Timer
}

type removeWaiter struct {
	refcount uint32
	fn       func(error)
	timer    *time.Timer
}

// Table is safe for concurrent use. Continuations passed to Lookup and
// RemoveWhenUnreferenced are invoked exactly once, never on the caller's
// goroutine, one at a time and in the order their outcomes were decided.
type Table struct {
	mu       sync.Mutex
	capacity uint32
	size     uint32
	slots    map[uint32]*slot
	lookups  map[uint32][]*lookupWaiter
	removals map[uint32][]*removeWaiter
	closed   bool

	queue *dispatcher
}

// New creates a table with the given dynamic capacity in bytes.
func New(capacity uint32) *Table {
	if capacity == 0 {
		capacity = DefaultCapacity
	}
	return &Table{
		capacity: capacity,
		slots:    make(map[uint32]*slot),
		lookups:  make(map[uint32][]*lookupWaiter),
		removals: make(map[uint32][]*removeWaiter),
		queue:    newDispatcher(),
	}
}

// Capacity returns the dynamic table capacity in bytes.
func (t *Table) Capacity() uint32 {
	return t.capacity
}

// MaxSlots returns the number of slots that can ever hold an entry. A slot at
// or beyond it can never be inserted, since every entry costs at least
// EntryOverhead bytes.
func (t *Table) MaxSlots() uint32 {
	return t.capacity / EntryOverhead
}

// Size returns the accounted size of the dynamic entries.
func (t *Table) Size() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.size
}

// Len returns the number of dynamic entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.slots)
}

// Get returns the entry in slot if it is present, counting a reference.
func (t *Table) Get(slotIndex uint32) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.slots[slotIndex]
	if !ok || t.closed {
		return Entry{}, false
	}
	s.refs++
	t.checkRemovals(slotIndex)
	return s.entry, true
}

// Lookup calls fn with the entry in slot once it is present. fn receives
// ErrInvalidIndex if the slot can never be filled, ErrTimeout if nothing is
// inserted within timeout and ErrClosed if the table is closed first.
func (t *Table) Lookup(slotIndex uint32, timeout time.Duration, fn func(Entry, error)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case t.closed:
		t.queue.post(func() { fn(Entry{}, ErrClosed) })
		return
	case slotIndex >= t.MaxSlots():
		t.queue.post(func() { fn(Entry{}, ErrInvalidIndex) })
		return
	}

	if s, ok := t.slots[slotIndex]; ok {
		s.refs++
		entry := s.entry
		t.checkRemovals(slotIndex)
		t.queue.post(func() { fn(entry, nil) })
		return
	}

	w := &lookupWaiter{fn: fn}
	w.timer = time.AfterFunc(timeout, func() { t.expireLookup(slotIndex, w) })
	t.lookups[slotIndex] = append(t.lookups[slotIndex], w)
}

func (t *Table) expireLookup(slotIndex uint32, w *lookupWaiter) {
	t.mu.Lock()
	defer t.mu.Unlock()

	waiters := t.lookups[slotIndex]
	for i, candidate := range waiters {
		if candidate != w {
			continue
		}
		t.lookups[slotIndex] = append(waiters[:i:i], waiters[i+1:]...)
		if len(t.lookups[slotIndex]) == 0 {
			delete(t.lookups, slotIndex)
		}
		t.queue.post(func() { w.fn(Entry{}, ErrTimeout) })
		return
	}
}

// Insert places e in slot and resolves the lookups waiting for it.
func (t *Table) Insert(e Entry, slotIndex uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case t.closed:
		return ErrClosed
	case slotIndex >= t.MaxSlots():
		return ErrInvalidIndex
	}
	if _, ok := t.slots[slotIndex]; ok {
		return ErrSlotOccupied
	}
	if t.size+e.Size() > t.capacity {
		return ErrTableFull
	}

	s := &slot{entry: e}
	t.slots[slotIndex] = s
	t.size += e.Size()

	for _, w := range t.lookups[slotIndex] {
		// A timer that already fired blocks in expireLookup, which will
		// not find the waiter once it is unlinked below.
		w.timer.Stop()
		s.refs++
		fn := w.fn
		t.queue.post(func() { fn(e, nil) })
	}
	delete(t.lookups, slotIndex)

	t.checkRemovals(slotIndex)
	return nil
}

// RemoveWhenUnreferenced removes the entry in slot once it is present and
// refcount references to it have been resolved, then calls fn with nil.
// fn receives ErrInvalidIndex for a slot that can never be filled,
// ErrTimeout if the references do not arrive within timeout and ErrClosed if
// the table is closed first.
func (t *Table) RemoveWhenUnreferenced(slotIndex, refcount uint32, timeout time.Duration, fn func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case t.closed:
		t.queue.post(func() { fn(ErrClosed) })
		return
	case slotIndex >= t.MaxSlots():
		t.queue.post(func() { fn(ErrInvalidIndex) })
		return
	}

	w := &removeWaiter{refcount: refcount, fn: fn}
	w.timer = time.AfterFunc(timeout, func() { t.expireRemoval(slotIndex, w) })
	t.removals[slotIndex] = append(t.removals[slotIndex], w)
	t.checkRemovals(slotIndex)
}

// checkRemovals completes the first removal waiter of slot whose reference
// count has been reached. Callers hold t.mu.
func (t *Table) checkRemovals(slotIndex uint32) {
	s, ok := t.slots[slotIndex]
	if !ok {
		return
	}
	waiters := t.removals[slotIndex]
	for i, w := range waiters {
		if s.refs < w.refcount {
			continue
		}
		w.timer.Stop()
		t.removals[slotIndex] = append(waiters[:i:i], waiters[i+1:]...)
		if len(t.removals[slotIndex]) == 0 {
			delete(t.removals, slotIndex)
		}

		delete(t.slots, slotIndex)
		t.size -= s.entry.Size()
		fn := w.fn
		t.queue.post(func() { fn(nil) })
		return
	}
}

func (t *Table) expireRemoval(slotIndex uint32, w *removeWaiter) {
	t.mu.Lock()
	defer t.mu.Unlock()

	waiters := t.removals[slotIndex]
	for i, candidate := range waiters {
		if candidate != w {
			continue
		}
		t.removals[slotIndex] = append(waiters[:i:i], waiters[i+1:]...)
		if len(t.removals[slotIndex]) == 0 {
			delete(t.removals, slotIndex)
		}
		t.queue.post(func() { w.fn(ErrTimeout) })
		return
	}
}

// Close fails every outstanding waiter with ErrClosed and waits for queued
// continuations to run. It must not be called from a continuation.
func (t *Table) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	for idx, waiters := range t.lookups {
		for _, w := range waiters {
			w.timer.Stop()
			fn := w.fn
			t.queue.post(func() { fn(Entry{}, ErrClosed) })
		}
		delete(t.lookups, idx)
	}
	for idx, waiters := range t.removals {
		for _, w := range waiters {
			w.timer.Stop()
			fn := w.fn
			t.queue.post(func() { fn(ErrClosed) })
		}
		delete(t.removals, idx)
	}
	t.mu.Unlock()

	t.queue.close()
}
