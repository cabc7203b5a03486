package interp

import (
	"github.com/coldvm/coldvm/internal/classfile"
	"github.com/coldvm/coldvm/internal/opcode"
)

// ClassTable is the interpreter's view of the embedding VM's class
// table (spec.md §6's "class-table hook"). Its method set is the union
// of what internal/classfile.ClassTable and internal/verify.ClassHierarchy
// each need; a single concrete type in the embedding program implements
// it once and is handed to the loader, the verifier, and the
// interpreter alike — Go's structural typing means that one type
// satisfies all three interfaces without any of those packages
// importing one another.
type ClassTable interface {
	ResolveClass(key classfile.Key) (*classfile.InstanceClass, error)
	RootKey() classfile.Key
	IsSubclassOf(sub, target classfile.Key) bool
	IsInterface(key classfile.Key) bool
}

// MonitorTable is the interpreter's collaborator for the three-tier
// monitor engine of spec.md §4.5. Enter/Wait return true when the
// calling thread must block; on a true return the monitor package has
// already moved the thread to MonitorWait/CondVarWait and linked it onto
// the appropriate waiter queue, so the interpreter's only remaining job
// is to stop running this thread and hand control back to the scheduler.
type MonitorTable interface {
	Enter(t *Thread, obj *Instance) (blocked bool)
	Exit(t *Thread, obj *Instance) error
	Wait(t *Thread, obj *Instance, timeoutMillis int64) (blocked bool, err error)
	Notify(obj *Instance)
	NotifyAll(obj *Instance)
	IdentityHash(obj *Instance) int32
}

// DebugSink is the optional debugger collaborator of spec.md §6: an
// event-producing interface the interpreter calls at class-prepare,
// thread-start/end, breakpoint, single-step, exception, and VM-death
// points. A nil DebugSink on VM disables all of these calls.
type DebugSink interface {
	ClassPrepare(name string)
	ThreadStart(t *Thread)
	ThreadEnd(t *Thread)
	Breakpoint(t *Thread, pc int)
	SingleStep(t *Thread, pc int)
	ExceptionThrown(t *Thread, class string)
	VMDeath()
}

// Logger is the ambient diagnostic sink, satisfied by internal/diag's
// leveled logger.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

type nopLogger struct{}

func (nopLogger) Debugf(string, ...interface{}) {}
func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Warnf(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}

// VM bundles every collaborator the dispatch loop needs: the class
// table, the constant-pool interner, the monitor engine, an optional
// debugger sink, and a logger. It carries no per-thread state itself —
// that lives on each Thread — so one VM value is shared by every thread
// the embedding scheduler runs.
type VM struct {
	Classes  ClassTable
	Interner classfile.Interner
	Monitors MonitorTable
	Debug    DebugSink
	Log      Logger

	// Breakpoints maps (method, pc) to the original opcode byte a
	// debugger breakpoint overwrote (spec.md §6: "rewrite the target
	// opcode to a sentinel whose handler locates the saved original in
	// a side table").
	Breakpoints map[breakpointKey]byte

	// vtable is the invokevirtual/invokeinterface inline cache keyed by
	// call site and receiver class (spec.md §4.3's "fast-path dispatch").
	vtable map[vtableKey]*classfile.Method

	// classMonitors holds the synthetic per-class lock object used by
	// static synchronized methods, created lazily on first use.
	classMonitors map[*classfile.InstanceClass]*Instance
}

type breakpointKey struct {
	method *classfile.Method
	pc     int
}

// NewVM builds a VM. monitors and debug may be nil; a nil Debug simply
// disables event emission, and a nil Monitors is only valid for
// single-threaded embeddings that never execute monitorenter/exit.
func NewVM(classes ClassTable, interner classfile.Interner, monitors MonitorTable, debug DebugSink, log Logger) *VM {
	if log == nil {
		log = nopLogger{}
	}
	return &VM{
		Classes:     classes,
		Interner:    interner,
		Monitors:    monitors,
		Debug:       debug,
		Log:         log,
		Breakpoints: make(map[breakpointKey]byte),
	}
}

// SetBreakpoint overwrites the opcode at pc with opcode.Breakpoint and
// remembers the original byte for restoration after the debugger
// notification (spec.md §6).
func (vm *VM) SetBreakpoint(m *classfile.Method, pc int) {
	vm.Breakpoints[breakpointKey{m, pc}] = m.Code[pc]
	m.Code[pc] = byte(opcode.Breakpoint)
}

// ClearBreakpoint restores the original opcode at pc.
func (vm *VM) ClearBreakpoint(m *classfile.Method, pc int) {
	key := breakpointKey{m, pc}
	if orig, ok := vm.Breakpoints[key]; ok {
		m.Code[pc] = orig
		delete(vm.Breakpoints, key)
	}
}
