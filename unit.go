package mjit

import "io"

// Unit is the engine's bookkeeping record for one body's JIT lifecycle.
// Exactly one unit exists per body for as long as the body is tracked.
type Unit struct {
	ID     uint64
	body   *Body // nullable: cleared by FreeBody when the host's GC collects it
	handle io.Closer // nullable until compilation succeeds and a .so is loaded

	prev, next *Unit // queue links; nil when not queued
	queued     bool
}

// Body returns the unit's bytecode body, or nil if it has been collected.
func (u *Unit) Body() *Body {
	return u.body
}

// queue is a doubly-linked list of units in insertion order. DequeueBest
// scans the list and removes the unit whose body currently has the largest
// observed call count, ties broken by insertion order — the list is not
// expected to grow large, since units either compile or get unloaded, so an
// O(n) scan per dequeue (matching the source's own design note) is
// preferred here over a heap's bookkeeping for decrease-key. All operations
// are only ever called with the engine mutex held; queue itself does no
// locking of its own.
type queue struct {
	head, tail *Unit
	len        int
}

func (q *queue) Len() int { return q.len }

// Enqueue appends unit to the tail.
func (q *queue) Enqueue(u *Unit) {
	u.prev, u.next = q.tail, nil
	if q.tail != nil {
		q.tail.next = u
	} else {
		q.head = u
	}
	q.tail = u
	u.queued = true
	q.len++
}

// Remove unlinks u in O(1) given the node. A no-op if u is not queued.
func (q *queue) Remove(u *Unit) {
	if !u.queued {
		return
	}
	if u.prev != nil {
		u.prev.next = u.next
	} else {
		q.head = u.next
	}
	if u.next != nil {
		u.next.prev = u.prev
	} else {
		q.tail = u.prev
	}
	u.prev, u.next = nil, nil
	u.queued = false
	q.len--
}

// DequeueBest scans the list for the unit whose body has the largest
// TotalCalls, removes it, and returns it. Units whose body has already been
// collected (body == nil) are skipped and reaped (removed) as they are
// encountered, closing the spec's "implementations may choose to reap them
// here" allowance. Returns nil if the queue is empty or only contains
// reaped units.
func (q *queue) DequeueBest() *Unit {
	var best *Unit
	var bestCalls uint64

	for n := q.head; n != nil; {
		next := n.next
		if n.body == nil {
			q.Remove(n)
			n = next
			continue
		}
		calls := n.body.Calls()
		if best == nil || calls > bestCalls {
			best = n
			bestCalls = calls
		}
		n = next
	}

	if best != nil {
		q.Remove(best)
	}
	return best
}

// Drain removes and returns every remaining unit in insertion order,
// leaving the queue empty. Used by Engine.Finish to release loaded-object
// handles before tearing down synchronization primitives.
func (q *queue) Drain() []*Unit {
	units := make([]*Unit, 0, q.len)
	for n := q.head; n != nil; {
		next := n.next
		q.Remove(n)
		units = append(units, n)
		n = next
	}
	return units
}
