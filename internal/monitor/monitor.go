// Package monitor implements coldvm's three-tier object-lock engine
// (spec.md §4.5): enter/exit/wait/notify/notifyAll and identity-hash
// generation over the UNLOCKED/SIMPLE_LOCK/EXTENDED_LOCK/INFLATED state
// machine described in spec.md §3's Monitor glossary entry.
//
// No teacher code covers locking (smog is single-threaded with no
// synchronised methods), so this package's shape is grounded directly on
// spec.md's own state-machine description rather than adapted teacher
// code; see DESIGN.md for the full grounding note.
//
// This package deliberately uses no sync primitives: spec.md §5 states
// execution is single-threaded and cooperative, serialised entirely by
// the scheduler, so there is never more than one goroutine inside the
// VM at a time and no data race is possible across these calls.
package monitor

import (
	"github.com/coldvm/coldvm/internal/interp"
	"github.com/coldvm/coldvm/internal/vmerr"
)

// extendedLock is the EXTENDED_LOCK tier's payload: spec.md §4.5 says
// its owner thread "stores (depth, hash) in a reserved slot" — coldvm
// has no such per-thread slot pool, so the reserved slot is this small
// heap value instead, held directly by the object's LockWord.
type extendedLock struct {
	owner *interp.Thread
	depth int
	hash  int32
}

// Monitor is an inflated lock record (spec.md §3's Monitor variant):
// owner, re-entry depth, cached hash, and the two FIFO queues spec.md
// §4.4's ordering guarantees require (entry order, condvar order).
type Monitor struct {
	Owner   *interp.Thread
	Depth   int
	Hash    int32
	Obj     *interp.Instance
	Waiters []*interp.Thread // threads blocked trying to enter, FIFO
	Cond    []*interp.Thread // threads inside wait(), FIFO

	next *Monitor // free-list link; a dedicated field rather than spec's
	// "threaded through the owner slot" trick, since Go's Owner field is
	// typed *interp.Thread and cannot double as a *Monitor link.
}

// Engine implements interp.MonitorTable. Requeue, if set, is called
// whenever a blocked thread becomes runnable again (monitor acquired, or
// woken by notify); the scheduler supplies it so the monitor engine
// never needs to know the runnable queue's representation.
type Engine struct {
	Requeue func(t *interp.Thread)

	freeHead  *Monitor
	freeCount int
	maxFree   int

	// lcgState is the identity-hash generator's state (SUPPLEMENTED
	// FEATURES: a simple linear congruential generator, matching the
	// original KVM's lightweight, non-cryptographic hash source).
	lcgState uint32

	// pendingDepths remembers each condvar-waiting thread's pre-wait
	// re-entry depth, restored once it re-acquires the monitor after a
	// notify. There is no per-thread slot to hang this on without
	// modifying interp.Thread for a wait-only concern, so the engine
	// keeps it keyed by thread instead.
	pendingDepths map[*interp.Thread]int
}

// SetRequeue installs the scheduler's wake callback. internal/sched
// calls this once at construction time so the monitor engine never
// needs to import the scheduler to hand threads back to it.
func (e *Engine) SetRequeue(fn func(t *interp.Thread)) { e.Requeue = fn }

// NewEngine builds a monitor engine. maxFreeMonitors bounds the inflated
// monitor free list (spec.md's "cached on a free-list" lifecycle note);
// seed initialises the identity-hash LCG.
func NewEngine(maxFreeMonitors int, seed uint32) *Engine {
	if seed == 0 {
		seed = 1
	}
	return &Engine{maxFree: maxFreeMonitors, lcgState: seed}
}

// nextHash advances the LCG and returns a nonzero 30-bit hash (0 is
// reserved for "uncomputed", per spec.md §4.5).
func (e *Engine) nextHash() int32 {
	for {
		e.lcgState = e.lcgState*1103515245 + 12345
		h := int32(e.lcgState>>2) & 0x3FFFFFFF
		if h != 0 {
			return h
		}
	}
}

func (e *Engine) allocMonitor(obj *interp.Instance, hash int32) *Monitor {
	var m *Monitor
	if e.freeHead != nil {
		m = e.freeHead
		e.freeHead = m.next
		e.freeCount--
		*m = Monitor{}
	} else {
		m = &Monitor{}
	}
	m.Obj = obj
	m.Hash = hash
	return m
}

func (e *Engine) releaseMonitor(m *Monitor) {
	if e.freeCount >= e.maxFree {
		return
	}
	*m = Monitor{next: e.freeHead}
	e.freeHead = m
	e.freeCount++
}

// inflate promotes obj's current tier (whatever it is) to INFLATED,
// preserving owner/depth/hash, and returns the new monitor record.
func (e *Engine) inflate(obj *interp.Instance) *Monitor {
	lw := &obj.Lock
	var m *Monitor
	switch lw.Tier {
	case interp.Unlocked:
		m = e.allocMonitor(obj, lw.Hash)
	case interp.SimpleLock:
		owner := lw.Payload.(*interp.Thread)
		m = e.allocMonitor(obj, 0)
		m.Owner = owner
		m.Depth = 1
	case interp.ExtendedLock:
		ext := lw.Payload.(*extendedLock)
		m = e.allocMonitor(obj, ext.hash)
		m.Owner = ext.owner
		m.Depth = ext.depth
	case interp.Inflated:
		return lw.Payload.(*Monitor)
	}
	lw.Tier = interp.Inflated
	lw.Payload = m
	return m
}

// blockOn enqueues t on m's waiter queue and marks it blocked, per
// interp.MonitorTable's contract that a true return has already moved
// the thread off the running path.
func (e *Engine) blockOn(m *Monitor, t *interp.Thread) bool {
	m.Waiters = append(m.Waiters, t)
	t.State = interp.MonitorWait
	t.MonitorWaitObj = m.Obj
	return true
}

// Enter implements spec.md §4.5's enter(obj) state transition table.
func (e *Engine) Enter(t *interp.Thread, obj *interp.Instance) bool {
	lw := &obj.Lock
	switch lw.Tier {
	case interp.Unlocked:
		if lw.Hash == 0 {
			lw.Tier = interp.SimpleLock
			lw.Payload = t
			return false
		}
		lw.Tier = interp.ExtendedLock
		lw.Payload = &extendedLock{owner: t, depth: 1, hash: lw.Hash}
		return false

	case interp.SimpleLock:
		owner := lw.Payload.(*interp.Thread)
		if owner == t {
			lw.Tier = interp.ExtendedLock
			lw.Payload = &extendedLock{owner: t, depth: 2, hash: 0}
			return false
		}
		m := e.inflate(obj)
		return e.blockOn(m, t)

	case interp.ExtendedLock:
		ext := lw.Payload.(*extendedLock)
		if ext.owner == t {
			ext.depth++
			return false
		}
		m := e.inflate(obj)
		return e.blockOn(m, t)

	case interp.Inflated:
		m := lw.Payload.(*Monitor)
		if m.Owner == t {
			m.Depth++
			return false
		}
		if m.Owner == nil {
			m.Owner = t
			m.Depth = 1
			return false
		}
		return e.blockOn(m, t)
	}
	return false
}

// wakeNext promotes the head of m's waiter queue to owner, or folds m
// back to UNLOCKED if idle (spec.md §4.5 exit's "last release" rule).
func (e *Engine) wakeNext(obj *interp.Instance, m *Monitor) {
	if len(m.Waiters) > 0 {
		next := m.Waiters[0]
		m.Waiters = m.Waiters[1:]
		m.Owner = next
		m.Depth = 1
		next.State = interp.Active
		next.MonitorWaitObj = nil
		if e.Requeue != nil {
			e.Requeue(next)
		}
		return
	}
	m.Owner = nil
	if len(m.Cond) == 0 {
		obj.Lock = interp.LockWord{Tier: interp.Unlocked, Hash: m.Hash}
		e.releaseMonitor(m)
	}
}

// Exit implements spec.md §4.5's exit(obj).
func (e *Engine) Exit(t *interp.Thread, obj *interp.Instance) error {
	lw := &obj.Lock
	switch lw.Tier {
	case interp.SimpleLock:
		if lw.Payload.(*interp.Thread) != t {
			return vmerr.New(vmerr.IllegalMonitorStateException, "thread is not the owner")
		}
		lw.Tier = interp.Unlocked
		lw.Payload = nil
		return nil

	case interp.ExtendedLock:
		ext := lw.Payload.(*extendedLock)
		if ext.owner != t {
			return vmerr.New(vmerr.IllegalMonitorStateException, "thread is not the owner")
		}
		ext.depth--
		if ext.depth == 0 {
			lw.Tier = interp.Unlocked
			lw.Hash = ext.hash
			lw.Payload = nil
			return nil
		}
		if ext.depth == 1 && ext.hash == 0 {
			// spec.md §8 scenario 4: a re-entrant EXTENDED_LOCK whose
			// hash was never computed folds back to SIMPLE_LOCK once
			// its depth returns to 1, rather than staying EXTENDED
			// forever.
			lw.Tier = interp.SimpleLock
			lw.Payload = ext.owner
		}
		return nil

	case interp.Inflated:
		m := lw.Payload.(*Monitor)
		if m.Owner != t {
			return vmerr.New(vmerr.IllegalMonitorStateException, "thread is not the owner")
		}
		m.Depth--
		if m.Depth == 0 {
			e.wakeNext(obj, m)
		}
		return nil

	default:
		return vmerr.New(vmerr.IllegalMonitorStateException, "object is not locked")
	}
}

// Wait implements spec.md §4.5's wait(obj, timeout): forces inflation,
// moves the calling thread from owner to the condvar queue, releases the
// monitor (promoting the next waiter), and suspends. The caller
// (internal/sched) is responsible for registering the timeout with the
// timer queue when timeoutMillis > 0, since this package has no timer of
// its own.
func (e *Engine) Wait(t *interp.Thread, obj *interp.Instance, timeoutMillis int64) (bool, error) {
	if t.PendingInterrupt {
		t.PendingInterrupt = false
		return false, vmerr.New(vmerr.InterruptedException, "interrupted before wait")
	}
	m := e.inflate(obj)
	if m.Owner != t {
		return false, vmerr.New(vmerr.IllegalMonitorStateException, "thread is not the owner")
	}
	savedDepth := m.Depth
	m.Cond = append(m.Cond, t)
	t.State = interp.CondVarWait
	t.MonitorWaitObj = obj
	// Stash the re-entry depth so Notify's re-acquisition path restores
	// it rather than starting the woken thread back at depth 1.
	e.pendingRewait(t, savedDepth)
	m.Depth = 0
	m.Owner = nil
	e.wakeNext(obj, m)
	return true, nil
}

// pendingDepths remembers each waiting thread's pre-wait re-entry depth,
// restored once the thread re-acquires the monitor after notify.
// Keyed by Thread since Go has nowhere else to hang this transient
// bookkeeping on spec.md's Thread record without modifying interp.Thread
// for a wait-only concern.
func (e *Engine) pendingRewait(t *interp.Thread, depth int) {
	if e.pendingDepths == nil {
		e.pendingDepths = make(map[*interp.Thread]int)
	}
	e.pendingDepths[t] = depth
}

// Notify implements spec.md §4.5's notify(obj): moves the head of the
// condvar queue towards the monitor. If the monitor has no owner, the
// woken thread takes ownership at once; otherwise it joins the waiter
// queue and competes for ownership like any other blocked thread.
func (e *Engine) Notify(obj *interp.Instance) {
	m, ok := obj.Lock.Payload.(*Monitor)
	if !ok || len(m.Cond) == 0 {
		return
	}
	t := m.Cond[0]
	m.Cond = m.Cond[1:]
	e.requeueFromWait(obj, m, t)
}

// NotifyAll implements spec.md §4.5's notifyAll(obj): drains the whole
// condvar queue in order.
func (e *Engine) NotifyAll(obj *interp.Instance) {
	m, ok := obj.Lock.Payload.(*Monitor)
	if !ok {
		return
	}
	cond := m.Cond
	m.Cond = nil
	for _, t := range cond {
		e.requeueFromWait(obj, m, t)
	}
}

func (e *Engine) requeueFromWait(obj *interp.Instance, m *Monitor, t *interp.Thread) {
	depth := e.pendingDepths[t]
	if depth == 0 {
		depth = 1
	}
	delete(e.pendingDepths, t)
	if m.Owner == nil {
		m.Owner = t
		m.Depth = depth
		t.State = interp.Active
		t.MonitorWaitObj = nil
		if e.Requeue != nil {
			e.Requeue(t)
		}
		return
	}
	m.Waiters = append(m.Waiters, t)
	t.State = interp.MonitorWait
}

// IdentityHash implements spec.md §4.5's hash-code rule: lazily
// generated, then stable for the object's lifetime.
func (e *Engine) IdentityHash(obj *interp.Instance) int32 {
	lw := &obj.Lock
	switch lw.Tier {
	case interp.Unlocked:
		if lw.Hash == 0 {
			lw.Hash = e.nextHash()
		}
		return lw.Hash
	case interp.SimpleLock:
		return 0
	case interp.ExtendedLock:
		ext := lw.Payload.(*extendedLock)
		if ext.hash == 0 {
			ext.hash = e.nextHash()
		}
		return ext.hash
	case interp.Inflated:
		m := lw.Payload.(*Monitor)
		if m.Hash == 0 {
			m.Hash = e.nextHash()
		}
		return m.Hash
	}
	return 0
}
