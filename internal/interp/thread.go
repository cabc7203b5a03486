package interp

import (
	"github.com/google/uuid"

	"github.com/coldvm/coldvm/internal/vmerr"
)

// ThreadState is the state-bit set of spec.md §3's Thread glossary
// entry.
type ThreadState int

const (
	JustBorn ThreadState = iota
	Active
	Suspended
	MonitorWait
	CondVarWait
	Dead
	DebuggerSuspended
)

func (s ThreadState) String() string {
	switch s {
	case JustBorn:
		return "just-born"
	case Active:
		return "active"
	case Suspended:
		return "suspended"
	case MonitorWait:
		return "monitor-wait"
	case CondVarWait:
		return "condvar-wait"
	case Dead:
		return "dead"
	case DebuggerSuspended:
		return "debugger-suspended"
	default:
		return "unknown"
	}
}

// Thread is coldvm's runtime thread (spec.md §3): a frame stack, the
// virtual register set mirrored here on every context switch, state
// bits, the scheduler's queue links, and the pending exception/interrupt
// slots. internal/sched owns the queue algorithms that manipulate the
// Runnable*/Timer* links; internal/interp owns the fields and the
// dispatch loop that reads and writes them.
type Thread struct {
	ID uuid.UUID

	Stack *Stack

	// Virtual register set (spec.md §4.3). RunSlice reads/writes the
	// live ip/sp on the current Frame, so saving state at a reschedule
	// point is implicit; this field exists for parity with the spec's
	// register-set glossary entry and is not written by the dispatch
	// loop.
	IP int

	State ThreadState

	// TimeSlice counts down on each dispatched opcode (spec.md §4.4);
	// reaching zero is a reschedule point.
	TimeSlice int

	// Queue links, manipulated only by internal/sched (spec.md §5
	// "Runnable queue, timer queue, and condvar queues are manipulated
	// only by scheduler code").
	RunnableNext *Thread
	TimerNext    *Thread
	TimerPrev    *Thread
	WakeAt       int64
	AllNext      *Thread

	// MonitorWaitObj names the object a blocked thread is waiting on,
	// set by the monitor engine when it moves a thread into either
	// MonitorWait or CondVarWait.
	MonitorWaitObj interface{}

	PendingException *vmerr.VMError
	PendingInterrupt bool

	Daemon bool

	// UserObject is the back-reference to the user-visible thread
	// object (spec.md §3); the object itself carries a weak
	// back-reference the other way, maintained by the embedding VM.
	UserObject *Instance

	Name string
}

// NewThread allocates a just-born thread with an empty frame stack and
// a fresh identity.
func NewThread(name string, timeSlice int) *Thread {
	return &Thread{
		ID:        uuid.New(),
		Stack:     NewStack(),
		State:     JustBorn,
		TimeSlice: timeSlice,
		Name:      name,
	}
}

// Runnable reports whether t belongs on the scheduler's runnable queue.
func (t *Thread) Runnable() bool { return t.State == Active || t.State == JustBorn }
