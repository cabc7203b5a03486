package interp

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coldvm/coldvm/internal/classfile"
	"github.com/coldvm/coldvm/internal/opcode"
)

type noopClasses struct{}

func (noopClasses) ResolveClass(classfile.Key) (*classfile.InstanceClass, error) { return nil, nil }
func (noopClasses) RootKey() classfile.Key                                      { return 0 }
func (noopClasses) IsSubclassOf(sub, target classfile.Key) bool                 { return sub == target }
func (noopClasses) IsInterface(classfile.Key) bool                              { return false }

type noopInterner struct{}

func (noopInterner) Intern(string) classfile.Key { return 0 }
func (noopInterner) Lookup(classfile.Key) string { return "" }

func newTestVM() *VM {
	return NewVM(noopClasses{}, noopInterner{}, nil, nil, nil)
}

func method(code ...byte) *classfile.Method {
	return &classfile.Method{MaxLocals: 4, MaxStack: 4, Code: code}
}

func TestIaddComputesSum(t *testing.T) {
	vm := newTestVM()
	th := NewThread("main", 100)
	th.Stack.Push(method(byte(opcode.Iconst2), byte(opcode.Iconst3), byte(opcode.Iadd)))

	res := RunSlice(vm, th, 3)
	require.Equal(t, ReasonSliceExpired, res.Reason)

	f := th.Stack.Top()
	require.Equal(t, 1, f.SP)
	require.Equal(t, int32(5), f.Stack[0].Cell.ToInt32())
}

func TestReturnFromRootFrameKillsThread(t *testing.T) {
	vm := newTestVM()
	th := NewThread("main", 100)
	th.Stack.Push(method(byte(opcode.Return)))

	res := RunSlice(vm, th, 1)
	require.Equal(t, ReasonThreadDied, res.Reason)
	require.Equal(t, Dead, th.State)
}

func TestIreturnPassesValueToCaller(t *testing.T) {
	vm := newTestVM()
	th := NewThread("main", 100)

	caller := method(byte(opcode.Nop))
	callee := method(byte(opcode.Iconst5), byte(opcode.Ireturn))
	th.Stack.Push(caller)
	th.Stack.Push(callee)

	res := RunSlice(vm, th, 2)
	require.Equal(t, ReasonSliceExpired, res.Reason)

	f := th.Stack.Top()
	require.Equal(t, caller, f.Method)
	require.Equal(t, 1, f.SP)
	require.Equal(t, int32(5), f.Stack[0].Cell.ToInt32())
}

func TestIdivByZeroThrowsArithmeticException(t *testing.T) {
	vm := newTestVM()
	th := NewThread("main", 100)
	th.Stack.Push(method(byte(opcode.Iconst1), byte(opcode.Iconst0), byte(opcode.Idiv)))

	res := RunSlice(vm, th, 3)
	require.Equal(t, ReasonUncaughtException, res.Reason)
	require.NotNil(t, res.Err)
}

func TestNopAdvancesIPWithoutChangingStack(t *testing.T) {
	vm := newTestVM()
	th := NewThread("main", 100)
	th.Stack.Push(method(byte(opcode.Nop), byte(opcode.Nop), byte(opcode.Return)))

	res := RunSlice(vm, th, 2)
	require.Equal(t, ReasonSliceExpired, res.Reason)
	f := th.Stack.Top()
	require.Equal(t, 2, f.IP)
	require.Equal(t, 0, f.SP)

	res = RunSlice(vm, th, 1)
	require.Equal(t, ReasonThreadDied, res.Reason)
}
