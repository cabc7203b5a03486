package interp

import (
	"github.com/coldvm/coldvm/internal/cell"
	"github.com/coldvm/coldvm/internal/classfile"
	"github.com/coldvm/coldvm/internal/vmerr"
)

// userException wraps an athrow'd object (spec.md §4.3 Athrow): unlike
// every other opcode failure it carries a live Instance rather than a
// vmerr.VMError, since the thrown value is whatever the program
// constructed, not one of the fixed exception names vmerr knows about.
type userException struct {
	inst *Instance
}

func (u *userException) Error() string { return "uncaught user exception" }

func stepAthrow(f *Frame) (stepOutcome, error) {
	ref := f.PopOperand()
	inst, ok := ref.Ref.(*Instance)
	if ref.IsNilRef() || !ok {
		return stepOutcome{}, vmerr.New(vmerr.NullPointerException, "athrow on null reference")
	}
	return stepOutcome{}, &userException{inst: inst}
}

// propagate is RunSlice's single entry point for handling a step's
// returned error: it walks the current thread's frame stack looking for
// a matching exception handler (spec.md §4.6), releasing any monitor
// held by each frame it unwinds through. It reports whether the
// exception was caught, and the VMError to surface when it was not.
func propagate(vm *VM, t *Thread, err error) (bool, *vmerr.VMError) {
	if ue, ok := err.(*userException); ok {
		className := vm.Interner.Lookup(ue.inst.Class.Name)
		if vm.Debug != nil {
			vm.Debug.ExceptionThrown(t, className)
		}
		handled := unwindToHandler(vm, t, ue.inst.Class.Key(), true, className, cell.RefVal(ue.inst))
		return handled, vmerr.NewFor(vmerr.Name(className), className, "uncaught")
	}

	ve := asVMError(err)
	var classKey classfile.Key
	hasClass := false
	excValue := cell.RefVal(nil)
	if cls, resErr := vm.Classes.ResolveClass(vm.Interner.Intern(string(ve.Class))); resErr == nil && cls != nil {
		classKey = cls.Key()
		hasClass = true
		excValue = cell.RefVal(NewInstance(cls))
	}
	if vm.Debug != nil {
		vm.Debug.ExceptionThrown(t, string(ve.Class))
	}
	handled := unwindToHandler(vm, t, classKey, hasClass, string(ve.Class), excValue)
	return handled, ve
}

// unwindToHandler pops frames off t's stack until one has a handler
// whose range covers the throwing pc and whose catch type matches (or is
// catch-all), or the stack empties (uncaught). Every popped frame's
// monitor, if any, is released first (spec.md §4.6: "unwinding releases
// every monitor held by a popped frame").
func unwindToHandler(vm *VM, t *Thread, classKey classfile.Key, hasClass bool, className string, excValue cell.Value) bool {
	for {
		f := t.Stack.Top()
		if f == nil {
			return false
		}
		if f.CustomCode == nil && f.Method != nil {
			for _, h := range f.Method.Handlers {
				if f.IP < h.StartPC || f.IP >= h.EndPC {
					continue
				}
				if h.CatchType != 0 {
					if !hasClass {
						continue
					}
					catchKey, err := f.Owner.Pool.ClassName(h.CatchType)
					if err != nil {
						continue
					}
					if catchKey != classKey && !vm.Classes.IsSubclassOf(classKey, catchKey) {
						continue
					}
				}
				f.SP = 0
				f.PushOperand(excValue)
				f.IP = h.HandlerPC
				return true
			}
		}
		if f.MonitorObj != nil && vm.Monitors != nil {
			vm.Monitors.Exit(t, f.MonitorObj)
		}
		t.Stack.Pop()
	}
}
