package interp

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coldvm/coldvm/internal/cell"
	"github.com/coldvm/coldvm/internal/classfile"
	"github.com/coldvm/coldvm/internal/opcode"
	"github.com/coldvm/coldvm/internal/vmerr"
)

// invokeTestInterner is this file's own map-based Interner fake; kept
// separate from noopInterner above (which discards every name) since
// these tests need real name/descriptor matching for constant-pool
// resolution.
type invokeTestInterner struct {
	byStr map[string]classfile.Key
	byKey map[classfile.Key]string
	next  classfile.Key
}

func newInvokeTestInterner() *invokeTestInterner {
	return &invokeTestInterner{byStr: map[string]classfile.Key{}, byKey: map[classfile.Key]string{}, next: 1}
}

func (i *invokeTestInterner) Intern(s string) classfile.Key {
	if k, ok := i.byStr[s]; ok {
		return k
	}
	k := i.next
	i.next++
	i.byStr[s] = k
	i.byKey[k] = s
	return k
}

func (i *invokeTestInterner) Lookup(k classfile.Key) string { return i.byKey[k] }

type fakeClasses struct {
	classes map[classfile.Key]*classfile.InstanceClass
}

func (f fakeClasses) ResolveClass(k classfile.Key) (*classfile.InstanceClass, error) {
	c, ok := f.classes[k]
	if !ok {
		return nil, vmerr.New(vmerr.NoClassDefFoundError, "class not found")
	}
	return c, nil
}

func (f fakeClasses) RootKey() classfile.Key              { return 0 }
func (f fakeClasses) IsSubclassOf(sub, target classfile.Key) bool { return sub == target }
func (f fakeClasses) IsInterface(classfile.Key) bool       { return false }

func iu2b(v uint16) []byte { return []byte{byte(v >> 8), byte(v)} }
func iu4b(v uint32) []byte { return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)} }

// icpBuilder is a minimal constant-pool byte assembler, local to this
// test file (internal/classfile's own copy is unexported and lives in a
// different package) for the one Methodref entry invokevirtual
// resolution needs.
type icpBuilder struct {
	entries [][]byte
}

func (p *icpBuilder) add(b []byte) uint16 {
	p.entries = append(p.entries, b)
	return uint16(len(p.entries))
}

func (p *icpBuilder) utf8(s string) uint16 {
	return p.add(append([]byte{byte(classfile.TagUtf8)}, append(iu2b(uint16(len(s))), s...)...))
}

func (p *icpBuilder) class(name string) uint16 {
	n := p.utf8(name)
	return p.add(append([]byte{byte(classfile.TagClass)}, iu2b(n)...))
}

func (p *icpBuilder) nameAndType(name, desc string) uint16 {
	n := p.utf8(name)
	d := p.utf8(desc)
	return p.add(append([]byte{byte(classfile.TagNameAndType)}, append(iu2b(n), iu2b(d)...)...))
}

func (p *icpBuilder) methodref(classIdx, natIdx uint16) uint16 {
	return p.add(append([]byte{byte(classfile.TagMethodref)}, append(iu2b(classIdx), iu2b(natIdx)...)...))
}

func (p *icpBuilder) bytes() []byte {
	out := iu2b(uint16(len(p.entries) + 1))
	for _, e := range p.entries {
		out = append(out, e...)
	}
	return out
}

// buildCallerClass assembles a one-method "Caller" class whose "run"
// method invokes Base.greet()I virtually on its sole argument, the
// shape stepInvokeVirtual/lookupVirtual need exercised end to end
// (spec.md §8 scenario 3).
func buildCallerClass(in *invokeTestInterner) []byte {
	p := &icpBuilder{}
	baseClassIdx := p.class("Base")
	natIdx := p.nameAndType("greet", "()I")
	methodrefIdx := p.methodref(baseClassIdx, natIdx)
	thisIdx := p.class("Caller")
	nameIdx := p.utf8("run")
	descIdx := p.utf8("()I")
	codeAttrNameIdx := p.utf8("Code")

	code := []byte{
		byte(opcode.Aload0),
		byte(opcode.Invokevirtual), byte(methodrefIdx >> 8), byte(methodrefIdx),
		byte(opcode.Ireturn),
	}

	var body []byte
	body = append(body, iu2b(2)...) // maxStack
	body = append(body, iu2b(1)...) // maxLocals
	body = append(body, iu4b(uint32(len(code)))...)
	body = append(body, code...)
	body = append(body, iu2b(0)...) // handler count
	body = append(body, iu2b(0)...) // nested code attrs

	var methodBytes []byte
	methodBytes = append(methodBytes, iu2b(0)...) // access flags
	methodBytes = append(methodBytes, iu2b(nameIdx)...)
	methodBytes = append(methodBytes, iu2b(descIdx)...)
	methodBytes = append(methodBytes, iu2b(1)...) // one attribute: Code
	methodBytes = append(methodBytes, iu2b(codeAttrNameIdx)...)
	methodBytes = append(methodBytes, iu4b(uint32(len(body)))...)
	methodBytes = append(methodBytes, body...)

	out := iu4b(classfile.Magic)
	out = append(out, iu2b(0)...)  // minor
	out = append(out, iu2b(49)...) // major
	out = append(out, p.bytes()...)
	out = append(out, iu2b(0)...) // class access flags
	out = append(out, iu2b(thisIdx)...)
	out = append(out, iu2b(0)...) // super_class: root
	out = append(out, iu2b(0)...) // interfaces
	out = append(out, iu2b(0)...) // fields
	out = append(out, iu2b(1)...) // methods
	out = append(out, methodBytes...)
	out = append(out, iu2b(0)...) // class attrs
	return out
}

// TestInvokevirtualCachesPerReceiverClassAndRewritesFast covers spec.md
// §8 scenario 3: the first invokevirtual through a call site resolves
// by the receiver's dynamic class, rewrites the opcode to its Fast
// variant, and caches the (site, pc, class) triple; a second call at
// the same site with a different receiver class resolves and caches
// independently rather than reusing or clobbering the first entry.
func TestInvokevirtualCachesPerReceiverClassAndRewritesFast(t *testing.T) {
	in := newInvokeTestInterner()

	raw := buildCallerClass(in)
	caller, err := classfile.Load(raw, in)
	require.NoError(t, err)
	runMethod := caller.Methods[0]

	base := &classfile.InstanceClass{Name: in.Intern("Base")}
	greetBase := &classfile.Method{
		Owner: base, Name: in.Intern("greet"), Type: in.Intern("()I"),
		Code: []byte{byte(opcode.Iconst1), byte(opcode.Ireturn)}, MaxStack: 1, MaxLocals: 1,
	}
	base.Methods = []*classfile.Method{greetBase}

	derived := &classfile.InstanceClass{Name: in.Intern("Derived"), Super: base}
	greetDerived := &classfile.Method{
		Owner: derived, Name: in.Intern("greet"), Type: in.Intern("()I"),
		Code: []byte{byte(opcode.Iconst2), byte(opcode.Ireturn)}, MaxStack: 1, MaxLocals: 1,
	}
	derived.Methods = []*classfile.Method{greetDerived}

	classes := fakeClasses{classes: map[classfile.Key]*classfile.InstanceClass{
		base.Name: base, derived.Name: derived, caller.Name: caller,
	}}
	vm := NewVM(classes, in, nil, nil, nil)

	runOnce := func(recvClass *classfile.InstanceClass) int32 {
		th := NewThread("t", 100)
		root := th.Stack.Push(method(byte(opcode.Nop)))
		_ = root
		callerFrame := th.Stack.Push(runMethod)
		callerFrame.Locals[0] = cell.RefVal(&Instance{Class: recvClass})

		res := RunSlice(vm, th, 5)
		require.Equal(t, ReasonSliceExpired, res.Reason)
		return th.Stack.Top().Stack[0].Cell.ToInt32()
	}

	require.Equal(t, int32(2), runOnce(derived))
	require.Len(t, vm.vtable, 1)
	invokePC := 1 // Aload0 is one byte; Invokevirtual executes at IP 1
	key1 := vtableKey{site: runMethod, pc: invokePC, class: derived}
	require.Equal(t, greetDerived, vm.vtable[key1])
	require.Equal(t, byte(opcode.InvokevirtualFast), runMethod.Code[invokePC])

	require.Equal(t, int32(1), runOnce(base))
	require.Len(t, vm.vtable, 2)
	key2 := vtableKey{site: runMethod, pc: invokePC, class: base}
	require.Equal(t, greetBase, vm.vtable[key2])
	// the first receiver class's cache entry must survive unperturbed.
	require.Equal(t, greetDerived, vm.vtable[key1])
}

// fakeMonitorTable is a scripted MonitorTable double for exercising
// invoke.go's Object.wait/notify dispatch in isolation from
// internal/monitor's own depth-restoration logic (covered separately in
// internal/monitor's tests) — internal/monitor imports this package, so
// it cannot be imported back here.
type fakeMonitorTable struct {
	waitBlocked      bool
	waitCalls        int
	notifyCalls      int
	notifyAllCalls   int
	lastWaitTarget   *Instance
	lastNotifyTarget *Instance
}

func (f *fakeMonitorTable) Enter(*Thread, *Instance) bool { return false }
func (f *fakeMonitorTable) Exit(*Thread, *Instance) error { return nil }
func (f *fakeMonitorTable) Wait(_ *Thread, obj *Instance, _ int64) (bool, error) {
	f.waitCalls++
	f.lastWaitTarget = obj
	return f.waitBlocked, nil
}
func (f *fakeMonitorTable) Notify(obj *Instance) {
	f.notifyCalls++
	f.lastNotifyTarget = obj
}
func (f *fakeMonitorTable) NotifyAll(obj *Instance) { f.notifyAllCalls++ }
func (f *fakeMonitorTable) IdentityHash(*Instance) int32 { return 0 }

// TestObjectWaitBlocksAndBarrierResumesExactlyAfterTheCall covers
// spec.md §8 scenario 5's interpreter-side half: a blocking wait()
// leaves the thread in CondVarWait with a barrier frame on top, and once
// that barrier frame runs (the scheduler's signal that the thread
// re-acquired the monitor), execution continues with the caller frame
// exactly as it would after an ordinary native return — the depth
// restoration itself is internal/monitor's job and is covered there.
func TestObjectWaitBlocksAndBarrierResumesExactlyAfterTheCall(t *testing.T) {
	fm := &fakeMonitorTable{waitBlocked: true}
	vm := NewVM(fakeClasses{classes: map[classfile.Key]*classfile.InstanceClass{}}, noopInterner{}, fm, nil, nil)

	th := NewThread("t", 100)
	caller := th.Stack.Push(method(byte(opcode.Nop)))
	recv := &Instance{}
	caller.PushOperand(cell.RefVal(recv))

	waitMethod := &classfile.Method{Native: NativeObjectWait}
	owner := &classfile.InstanceClass{}

	out, err := enterCall(vm, th, caller, waitMethod, owner, false)
	require.NoError(t, err)
	require.Equal(t, stepBlockWait, out.kind)
	require.Equal(t, recv, out.obj)
	require.Equal(t, 1, fm.waitCalls)
	require.Equal(t, recv, fm.lastWaitTarget)

	barrier := th.Stack.Top()
	require.NotNil(t, barrier.CustomCode)
	require.NotSame(t, caller, barrier)

	// RunSlice dispatches the blocked step itself; simulate the
	// scheduler driving this thread one more step after it is woken and
	// re-queued, same as an ordinary RunSlice call would.
	t.Run("resume", func(t *testing.T) {
		res := RunSlice(vm, th, 1)
		require.Equal(t, ReasonSliceExpired, res.Reason)
		require.Same(t, caller, th.Stack.Top())
		require.Equal(t, 0, th.Stack.Top().SP) // wait() left no return value behind
	})
}

func TestObjectNotifyAndNotifyAllDoNotBlock(t *testing.T) {
	fm := &fakeMonitorTable{}
	vm := NewVM(fakeClasses{classes: map[classfile.Key]*classfile.InstanceClass{}}, noopInterner{}, fm, nil, nil)
	owner := &classfile.InstanceClass{}
	recv := &Instance{}

	th := NewThread("t", 100)
	caller := th.Stack.Push(method(byte(opcode.Nop)))
	caller.PushOperand(cell.RefVal(recv))
	out, err := enterCall(vm, th, caller, &classfile.Method{Native: NativeObjectNotify}, owner, false)
	require.NoError(t, err)
	require.Equal(t, stepContinue, out.kind)
	require.Equal(t, 1, fm.notifyCalls)
	require.Equal(t, recv, fm.lastNotifyTarget)

	caller.PushOperand(cell.RefVal(recv))
	out, err = enterCall(vm, th, caller, &classfile.Method{Native: NativeObjectNotifyAll}, owner, false)
	require.NoError(t, err)
	require.Equal(t, stepContinue, out.kind)
	require.Equal(t, 1, fm.notifyAllCalls)
}

func TestObjectWaitOnNullReceiverThrowsNullPointerException(t *testing.T) {
	fm := &fakeMonitorTable{}
	vm := NewVM(fakeClasses{classes: map[classfile.Key]*classfile.InstanceClass{}}, noopInterner{}, fm, nil, nil)
	owner := &classfile.InstanceClass{}

	th := NewThread("t", 100)
	caller := th.Stack.Push(method(byte(opcode.Nop)))
	caller.PushOperand(cell.RefVal(nil))

	_, err := enterCall(vm, th, caller, &classfile.Method{Native: NativeObjectWait}, owner, false)
	require.Error(t, err)
	verr, ok := err.(*vmerr.VMError)
	require.True(t, ok)
	require.Equal(t, vmerr.NullPointerException, verr.Class)
	require.Equal(t, 0, fm.waitCalls)
}
