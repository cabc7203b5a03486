// Package sched implements coldvm's cooperative thread scheduler
// (spec.md §4.4): a circular runnable queue, a time-ordered timer queue,
// the all-threads list used for global suspend/resume and GC roots, and
// the interrupt/sleep/wait suspension points that move threads between
// them. It owns every Thread.RunnableNext/TimerNext/TimerPrev/AllNext
// link; internal/interp never touches them directly (spec.md §5).
package sched

import (
	"github.com/coldvm/coldvm/internal/interp"
	"github.com/coldvm/coldvm/internal/vmerr"
)

// Scheduler drives the VM's single logical thread of control. It is not
// safe for concurrent use — spec.md §5 requires exactly one goroutine
// ever be inside Run at a time, which is what makes internal/monitor's
// sync-free design correct.
type Scheduler struct {
	vm *interp.VM

	// runnable is a circular singly-linked list; last points at the
	// tail so both enqueue (after last) and dequeue (after last, i.e.
	// the head) are O(1), matching the original KVM's run queue.
	last *interp.Thread

	// timer is ordered by ascending WakeAt, a plain doubly-linked list
	// since insertion is the hot path and coldvm's thread counts are
	// small enough that a heap would be premature.
	timerHead *interp.Thread
	timerLen  int

	all *interp.Thread

	clock int64 // monotonic millisecond clock, advanced by Tick
}

// timerWarnThreshold is the SUPPLEMENTED FEATURES timer-queue
// coalescing diagnostic: past this many pending alarms, coldvm warns
// once per crossing since a timer queue this deep is usually a sign of
// leaked wait/sleep timeouts rather than legitimate concurrency.
const timerWarnThreshold = 256

// New builds a scheduler bound to vm. The embedding program is
// responsible for calling Tick (or advancing the clock some other way)
// between Run calls if it wants timed sleep/wait to actually elapse.
func New(vm *interp.VM) *Scheduler {
	s := &Scheduler{vm: vm}
	vm.Monitors = wireRequeue(vm.Monitors, s)
	return s
}

// wireRequeue installs the scheduler's Enqueue as the monitor engine's
// wake callback, if the engine exposes one (internal/monitor.Engine
// does). Kept as a free function so Scheduler has no import-time
// dependency on the concrete monitor package.
func wireRequeue(m interp.MonitorTable, s *Scheduler) interp.MonitorTable {
	type requeuer interface{ SetRequeue(func(*interp.Thread)) }
	if r, ok := m.(requeuer); ok {
		r.SetRequeue(s.Enqueue)
	}
	return m
}

// Spawn registers a new thread with the scheduler: added to the
// all-threads list and, once JustBorn, the runnable queue.
func (s *Scheduler) Spawn(t *interp.Thread) {
	t.AllNext = s.all
	s.all = t
	if s.vm.Debug != nil {
		s.vm.Debug.ThreadStart(t)
	}
	s.Enqueue(t)
}

// Enqueue appends t to the tail of the runnable queue. Safe to call for
// a thread that is already runnable only if the caller first removed it
// from wherever it was (Enqueue does not check for duplicates).
func (s *Scheduler) Enqueue(t *interp.Thread) {
	t.State = interp.Active
	if s.last == nil {
		t.RunnableNext = t
		s.last = t
		return
	}
	t.RunnableNext = s.last.RunnableNext
	s.last.RunnableNext = t
	s.last = t
}

// dequeue removes and returns the head of the runnable queue, or nil if
// empty.
func (s *Scheduler) dequeue() *interp.Thread {
	if s.last == nil {
		return nil
	}
	head := s.last.RunnableNext
	if head == s.last {
		s.last = nil
	} else {
		s.last.RunnableNext = head.RunnableNext
	}
	head.RunnableNext = nil
	return head
}

// insertTimer inserts t into the timer queue in ascending WakeAt order.
func (s *Scheduler) insertTimer(t *interp.Thread, wakeAt int64) {
	t.WakeAt = wakeAt
	s.timerLen++
	if s.timerLen == timerWarnThreshold && s.vm.Log != nil {
		s.vm.Log.Warnf("timer queue has grown to %d pending alarms", s.timerLen)
	}
	if s.timerHead == nil || wakeAt < s.timerHead.WakeAt {
		t.TimerNext = s.timerHead
		t.TimerPrev = nil
		if s.timerHead != nil {
			s.timerHead.TimerPrev = t
		}
		s.timerHead = t
		return
	}
	cur := s.timerHead
	for cur.TimerNext != nil && cur.TimerNext.WakeAt <= wakeAt {
		cur = cur.TimerNext
	}
	t.TimerNext = cur.TimerNext
	t.TimerPrev = cur
	if cur.TimerNext != nil {
		cur.TimerNext.TimerPrev = t
	}
	cur.TimerNext = t
}

// removeTimer unlinks t from the timer queue, if it is on one.
func (s *Scheduler) removeTimer(t *interp.Thread) {
	if t.TimerNext == nil && t.TimerPrev == nil && s.timerHead != t {
		return // not on the timer queue
	}
	if t.TimerPrev != nil {
		t.TimerPrev.TimerNext = t.TimerNext
	} else if s.timerHead == t {
		s.timerHead = t.TimerNext
	}
	if t.TimerNext != nil {
		t.TimerNext.TimerPrev = t.TimerPrev
	}
	t.TimerNext = nil
	t.TimerPrev = nil
	s.timerLen--
}

// RegisterAlarm puts t to sleep until clock reaches wakeAt (spec.md
// §4.4's register_alarm), moving it off the runnable queue.
func (s *Scheduler) RegisterAlarm(t *interp.Thread, wakeAt int64) {
	t.State = interp.Suspended
	s.insertTimer(t, wakeAt)
}

// Tick advances the scheduler's clock by deltaMillis and requeues any
// thread whose alarm has expired (spec.md §4.4's check_timer_queue).
func (s *Scheduler) Tick(deltaMillis int64) {
	s.clock += deltaMillis
	for s.timerHead != nil && s.timerHead.WakeAt <= s.clock {
		t := s.timerHead
		s.removeTimer(t)
		if t.State == interp.Suspended || t.State == interp.MonitorWait || t.State == interp.CondVarWait {
			t.MonitorWaitObj = nil
			s.Enqueue(t)
		}
	}
}

// Interrupt implements spec.md §4.4's interrupt(thread): if t is
// blocked in a timed wait it is pulled off the timer/condvar queues and
// given an InterruptedException; otherwise the interrupt is recorded as
// pending for the next blocking call to observe.
func (s *Scheduler) Interrupt(t *interp.Thread) {
	switch t.State {
	case interp.Suspended, interp.CondVarWait:
		s.removeTimer(t)
		t.PendingException = vmerr.New(vmerr.InterruptedException, "thread interrupted")
		t.MonitorWaitObj = nil
		s.Enqueue(t)
	case interp.MonitorWait:
		// A thread blocked entering a monitor does not consume its
		// interrupt immediately (spec.md §4.4): it is recorded and
		// delivered once the thread actually blocks in wait() or
		// checks it cooperatively.
		t.PendingInterrupt = true
	default:
		t.PendingInterrupt = true
	}
}

// RunResult reports why a scheduling round stopped.
type RunResult struct {
	Idle bool // true when the runnable queue emptied with threads still alive on timers
	Done bool // true when every thread has died
}

// Run dispatches runnable threads round-robin, each for up to
// quantumOps opcodes (spec.md §4.4's time-slice accounting), until the
// runnable queue is empty. It is the scheduler's single entry point;
// callers loop it alongside Tick to drive timed wakeups.
func (s *Scheduler) Run(quantumOps int) RunResult {
	if s.dequeueEmpty() {
		if s.all == nil {
			return RunResult{Done: true}
		}
		return RunResult{Idle: true}
	}
	for {
		t := s.dequeue()
		if t == nil {
			break
		}
		if t.State == interp.DebuggerSuspended {
			continue
		}
		t.TimeSlice = quantumOps
		res := interp.RunSlice(s.vm, t, quantumOps)
		s.handleStepResult(t, res)
	}
	if s.last == nil && s.timerHead == nil {
		return RunResult{Done: s.allDead()}
	}
	return RunResult{Idle: s.last == nil}
}

func (s *Scheduler) dequeueEmpty() bool { return s.last == nil }

func (s *Scheduler) allDead() bool {
	for t := s.all; t != nil; t = t.AllNext {
		if t.State != interp.Dead {
			return false
		}
	}
	return true
}

// handleStepResult reacts to one thread's RunSlice outcome, re-enqueuing
// it, parking it on a block queue, or marking it dead.
func (s *Scheduler) handleStepResult(t *interp.Thread, res interp.StepResult) {
	switch res.Reason {
	case interp.ReasonSliceExpired:
		s.Enqueue(t)

	case interp.ReasonThreadDied:
		t.State = interp.Dead

	case interp.ReasonBlockedMonitorEnter:
		// Thread state/queue linkage was already handled by
		// internal/monitor.Engine.Enter; nothing left to do here but
		// leave it off the runnable queue.

	case interp.ReasonBlockedWait:
		if res.WaitMillis > 0 {
			s.insertTimer(t, s.clock+res.WaitMillis)
		}

	case interp.ReasonBlockedNative:
		s.Enqueue(t) // synchronous native calls never actually block coldvm's goroutine

	case interp.ReasonUncaughtException:
		t.State = interp.Dead
		t.PendingException = res.Err

	case interp.ReasonBreakpoint:
		t.State = interp.DebuggerSuspended
	}
}
