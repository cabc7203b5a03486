package interp

import (
	"reflect"

	"github.com/coldvm/coldvm/internal/cell"
	"github.com/coldvm/coldvm/internal/classfile"
	"github.com/coldvm/coldvm/internal/opcode"
	"github.com/coldvm/coldvm/internal/vmerr"
)

// NativeObjectWait, NativeObjectNotify, and NativeObjectNotifyAll are
// sentinel native-method bodies the embedding class table assigns to
// Object's wait/notify/notifyAll methods (spec.md §6's native hook).
// There is no dedicated bytecode for them — unlike monitorenter/exit,
// they arrive as ordinary invokevirtual calls — so enterCall recognises
// these three function values by identity and routes them into
// internal/monitor instead of running them as opaque native calls. Any
// other native method is unaffected.
var (
	NativeObjectWait      classfile.NativeFunc = func([]interface{}) (interface{}, error) { return nil, nil }
	NativeObjectNotify    classfile.NativeFunc = func([]interface{}) (interface{}, error) { return nil, nil }
	NativeObjectNotifyAll classfile.NativeFunc = func([]interface{}) (interface{}, error) { return nil, nil }
)

func nativeID(fn classfile.NativeFunc) uintptr {
	if fn == nil {
		return 0
	}
	return reflect.ValueOf(fn).Pointer()
}

var waitID, notifyID, notifyAllID = nativeID(NativeObjectWait), nativeID(NativeObjectNotify), nativeID(NativeObjectNotifyAll)

// vtableKey identifies one virtual/interface call site's inline cache:
// the calling method, the bytecode offset of the invoke instruction, and
// the receiver's dynamic class (spec.md §4.3's fast-path dispatch). A
// call site keeps one cached method per receiver class it has seen; a
// receiver class with no entry yet goes through the full lookup.
type vtableKey struct {
	site  *classfile.Method
	pc    int
	class *classfile.InstanceClass
}

func lookupVirtual(vm *VM, site *classfile.Method, pc int, recv *classfile.InstanceClass, name, typ classfile.Key) (*classfile.Method, *classfile.InstanceClass, error) {
	key := vtableKey{site, pc, recv}
	if cached, ok := vm.vtable[key]; ok {
		return cached, cached.Owner, nil
	}
	for c := recv; c != nil; {
		for _, m := range c.Methods {
			if m.Name == name && m.Type == typ {
				if vm.vtable == nil {
					vm.vtable = make(map[vtableKey]*classfile.Method)
				}
				vm.vtable[key] = m
				return m, c, nil
			}
		}
		sup, _ := c.Super.(*classfile.InstanceClass)
		c = sup
	}
	return nil, nil, vmerr.New(vmerr.NoClassDefFoundError, "no such method %s", vm.Interner.Lookup(name))
}

// classMonitorTarget returns the synthetic per-class monitor object used
// by static synchronized methods, creating it on first use. There is no
// user-visible Class metaobject in this package's object model, so a
// plain Instance with no fields stands in as the lock target.
func classMonitorTarget(vm *VM, cls *classfile.InstanceClass) *Instance {
	if vm.classMonitors == nil {
		vm.classMonitors = make(map[*classfile.InstanceClass]*Instance)
	}
	if inst, ok := vm.classMonitors[cls]; ok {
		return inst
	}
	inst := &Instance{Class: cls}
	vm.classMonitors[cls] = inst
	return inst
}

// acquireSyncTarget determines the monitor object a synchronized call
// must hold, without disturbing the caller's operand stack (so a thread
// that blocks can retry the same invoke instruction once woken).
func acquireSyncTarget(vm *VM, f *Frame, m *classfile.Method, owner *classfile.InstanceClass, isStatic bool) *Instance {
	if isStatic {
		return classMonitorTarget(vm, owner)
	}
	recv := f.PeekOperand(m.ArgWords)
	inst, _ := recv.Ref.(*Instance)
	return inst
}

func popArgs(f *Frame, words int) []cell.Value {
	args := make([]cell.Value, words)
	for i := words - 1; i >= 0; i-- {
		args[i] = f.PopOperand()
	}
	return args
}

// enterCall pushes a callee frame for m, wired with args in locals[0:],
// entering m's monitor first if it is synchronized. Returns
// (outcome, nil) with kind stepBlockMonitor if the thread must block
// before the call can proceed; the caller must not have mutated the
// stack in that case.
func enterCall(vm *VM, t *Thread, caller *Frame, m *classfile.Method, owner *classfile.InstanceClass, isStatic bool) (stepOutcome, error) {
	if m.IsAbstract() {
		return stepOutcome{}, vmerr.New(vmerr.AbstractMethodError, "%s.%s is abstract", vm.Interner.Lookup(owner.Name), vm.Interner.Lookup(m.Name))
	}

	sync := m.AccessFlags.Has(classfile.AccMethodSynchronized)
	var target *Instance
	if sync {
		target = acquireSyncTarget(vm, caller, m, owner, isStatic)
		if vm.Monitors != nil {
			if blocked := vm.Monitors.Enter(t, target); blocked {
				return stepOutcome{kind: stepBlockMonitor, obj: target}, nil
			}
		}
	}

	argWords := m.ArgWords
	if !isStatic {
		argWords++
	}
	args := popArgs(caller, argWords)

	if m.Native != nil {
		if id := nativeID(m.Native); id == waitID || id == notifyID || id == notifyAllID {
			return enterObjectMonitorNative(vm, t, id, args)
		}
		return invokeNative(vm, t, caller, m, args, sync, target)
	}

	callee := t.Stack.Push(m)
	copy(callee.Locals, args)
	if sync {
		callee.MonitorObj = target
	}
	return contOutcome, nil
}

// enterObjectMonitorNative handles the three Object monitor methods
// (spec.md §4.5): notify/notifyAll act immediately, wait forces the
// thread to block via internal/monitor and, on a true block, pushes a
// no-op custom-code barrier frame so the thread resumes right after the
// call once woken, exactly where a normal native return would have left
// it — args were already popped off the caller's stack, so the call
// cannot be retried the way a blocked monitorenter is.
func enterObjectMonitorNative(vm *VM, t *Thread, id uintptr, args []cell.Value) (stepOutcome, error) {
	recv, ok := args[0].Ref.(*Instance)
	if args[0].IsNilRef() || !ok {
		return stepOutcome{}, vmerr.New(vmerr.NullPointerException, "monitor call on null receiver")
	}
	if vm.Monitors == nil {
		return contOutcome, nil
	}
	switch id {
	case notifyID:
		vm.Monitors.Notify(recv)
		return contOutcome, nil
	case notifyAllID:
		vm.Monitors.NotifyAll(recv)
		return contOutcome, nil
	case waitID:
		var millis int64
		if len(args) >= 3 {
			millis = cell.JoinInt64(args[1].Cell, args[2].Cell)
		}
		blocked, err := vm.Monitors.Wait(t, recv, millis)
		if err != nil {
			return stepOutcome{}, err
		}
		if blocked {
			barrier := t.Stack.Push(nil)
			barrier.CustomCode = func(*Thread) error { return nil }
			return stepOutcome{kind: stepBlockWait, obj: recv, millis: millis}, nil
		}
		return contOutcome, nil
	}
	return contOutcome, nil
}

// invokeNative calls a native method synchronously (spec.md §6's native
// hook) and pushes its result onto the caller's stack directly, since a
// native call never needs its own Frame.
func invokeNative(vm *VM, t *Thread, caller *Frame, m *classfile.Method, args []cell.Value, sync bool, target *Instance) (stepOutcome, error) {
	ifaceArgs := make([]interface{}, len(args))
	for i, a := range args {
		if a.Kind == cell.VRef {
			ifaceArgs[i] = a.Ref
		} else {
			ifaceArgs[i] = a.Cell
		}
	}
	result, err := m.Native(ifaceArgs)
	if sync && vm.Monitors != nil {
		if exitErr := vm.Monitors.Exit(t, target); exitErr != nil && err == nil {
			err = exitErr
		}
	}
	if err != nil {
		return stepOutcome{}, err
	}
	ret := vm.Interner.Lookup(m.Type)
	retDesc := classfile.ParseMethodReturnDescriptor(ret)
	pushNativeResult(caller, retDesc, result)
	return contOutcome, nil
}

func pushNativeResult(f *Frame, desc string, result interface{}) {
	if desc == "V" || result == nil {
		return
	}
	switch desc[0] {
	case 'J':
		v, _ := result.(int64)
		pushLong(f, v)
	case 'D':
		v, _ := result.(float64)
		pushDouble(f, v)
	case 'F':
		v, _ := result.(float32)
		f.PushOperand(cell.Float(v))
	case 'L', '[':
		f.PushOperand(cell.RefVal(result))
	default:
		v, _ := result.(int32)
		f.PushOperand(cell.Int(v))
	}
}

func stepInvokeVirtual(vm *VM, t *Thread, f *Frame, op opcode.Op) (stepOutcome, error) {
	idx := be16(f.Method.Code, f.IP+1)
	m, _, err := resolveMethodRef(vm, f.Owner.Pool, idx, classfile.TagMethodref)
	if err != nil {
		return stepOutcome{}, err
	}
	recvVal := f.PeekOperand(m.ArgWords)
	recv, ok := recvVal.Ref.(*Instance)
	if recvVal.IsNilRef() || !ok {
		return stepOutcome{}, vmerr.New(vmerr.NullPointerException, "invokevirtual on null receiver")
	}
	target, owner, err := lookupVirtual(vm, f.Method, f.IP, recv.Class, m.Name, m.Type)
	if err != nil {
		return stepOutcome{}, err
	}
	out, err := enterCall(vm, t, f, target, owner, false)
	if err == nil && out.kind == stepContinue && op == opcode.Invokevirtual {
		f.Method.Code[f.IP] = byte(opcode.InvokevirtualFast)
	}
	if out.kind != stepBlockMonitor {
		f.IP += 3
	}
	return out, err
}

func stepInvokeInterface(vm *VM, t *Thread, f *Frame, op opcode.Op) (stepOutcome, error) {
	idx := be16(f.Method.Code, f.IP+1)
	m, _, err := resolveMethodRef(vm, f.Owner.Pool, idx, classfile.TagInterfaceMethodref)
	if err != nil {
		return stepOutcome{}, err
	}
	recvVal := f.PeekOperand(m.ArgWords)
	recv, ok := recvVal.Ref.(*Instance)
	if recvVal.IsNilRef() || !ok {
		return stepOutcome{}, vmerr.New(vmerr.NullPointerException, "invokeinterface on null receiver")
	}
	target, owner, err := lookupVirtual(vm, f.Method, f.IP, recv.Class, m.Name, m.Type)
	if err != nil {
		return stepOutcome{}, err
	}
	out, err := enterCall(vm, t, f, target, owner, false)
	if err == nil && out.kind == stepContinue && op == opcode.Invokeinterface {
		f.Method.Code[f.IP] = byte(opcode.InvokeinterfaceFast)
	}
	if out.kind != stepBlockMonitor {
		f.IP += 5 // count + zero byte trailer, matching the classfile encoding
	}
	return out, err
}

func stepInvokeSpecial(vm *VM, t *Thread, f *Frame, op opcode.Op) (stepOutcome, error) {
	idx := be16(f.Method.Code, f.IP+1)
	m, owner, err := resolveMethodRef(vm, f.Owner.Pool, idx, classfile.TagMethodref)
	if err != nil {
		return stepOutcome{}, err
	}
	recvVal := f.PeekOperand(m.ArgWords)
	if recvVal.IsNilRef() {
		return stepOutcome{}, vmerr.New(vmerr.NullPointerException, "invokespecial on null receiver")
	}
	out, err := enterCall(vm, t, f, m, owner, false)
	if err == nil && out.kind == stepContinue && op == opcode.Invokespecial {
		f.Method.Code[f.IP] = byte(opcode.InvokespecialFast)
	}
	if out.kind != stepBlockMonitor {
		f.IP += 3
	}
	return out, err
}

func stepInvokeStatic(vm *VM, t *Thread, f *Frame, op opcode.Op) (stepOutcome, error) {
	idx := be16(f.Method.Code, f.IP+1)
	m, owner, err := resolveMethodRef(vm, f.Owner.Pool, idx, classfile.TagMethodref)
	if err != nil {
		return stepOutcome{}, err
	}
	if ensureInitialized(vm, t, f, owner) {
		return stepOutcome{kind: stepSuspendInit}, nil
	}
	out, err := enterCall(vm, t, f, m, owner, true)
	if err == nil && out.kind == stepContinue && op == opcode.Invokestatic {
		f.Method.Code[f.IP] = byte(opcode.InvokestaticFast)
	}
	if out.kind != stepBlockMonitor {
		f.IP += 3
	}
	return out, err
}

// doReturn pops the current frame, releases any monitor it held,
// transfers its return value (width words) to the caller's stack, and
// reports thread death when the frame stack is now empty.
func doReturn(vm *VM, t *Thread, f *Frame, width int) (stepOutcome, error) {
	var retVals []cell.Value
	for i := 0; i < width; i++ {
		retVals = append([]cell.Value{f.PopOperand()}, retVals...)
	}
	if f.MonitorObj != nil && vm.Monitors != nil {
		if err := vm.Monitors.Exit(t, f.MonitorObj); err != nil {
			return stepOutcome{}, err
		}
	}
	t.Stack.Pop()
	caller := t.Stack.Top()
	if caller == nil {
		if vm.Debug != nil {
			vm.Debug.ThreadEnd(t)
		}
		return stepOutcome{kind: stepThreadKilled}, nil
	}
	for _, v := range retVals {
		caller.PushOperand(v)
	}
	return contOutcome, nil
}
