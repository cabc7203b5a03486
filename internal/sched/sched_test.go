package sched

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coldvm/coldvm/internal/classfile"
	"github.com/coldvm/coldvm/internal/interp"
	"github.com/coldvm/coldvm/internal/monitor"
)

type fakeClasses struct{}

func (fakeClasses) ResolveClass(classfile.Key) (*classfile.InstanceClass, error) { return nil, nil }
func (fakeClasses) RootKey() classfile.Key                                      { return 0 }
func (fakeClasses) IsSubclassOf(sub, target classfile.Key) bool                 { return sub == target }
func (fakeClasses) IsInterface(classfile.Key) bool                              { return false }

type fakeInterner struct {
	byKey map[classfile.Key]string
	byStr map[string]classfile.Key
	next  classfile.Key
}

func newFakeInterner() *fakeInterner {
	return &fakeInterner{byKey: map[classfile.Key]string{}, byStr: map[string]classfile.Key{}}
}

func (f *fakeInterner) Intern(s string) classfile.Key {
	if k, ok := f.byStr[s]; ok {
		return k
	}
	f.next++
	f.byStr[s] = f.next
	f.byKey[f.next] = s
	return f.next
}

func (f *fakeInterner) Lookup(k classfile.Key) string { return f.byKey[k] }

func newTestVM() *interp.VM {
	return interp.NewVM(fakeClasses{}, newFakeInterner(), monitor.NewEngine(8, 1), nil, nil)
}

// haltMethod returns a method whose single instruction is Return, so a
// thread running it dies after one opcode.
func haltMethod() *classfile.Method {
	return &classfile.Method{
		MaxLocals: 0,
		MaxStack:  0,
		Code:      []byte{0xb1}, // opcode.Return
	}
}

func TestSpawnAndRunDrainsToCompletion(t *testing.T) {
	vm := newTestVM()
	s := New(vm)

	th := interp.NewThread("main", 1000)
	th.Stack.Push(haltMethod())
	s.Spawn(th)

	res := s.Run(16)
	require.True(t, res.Done)
	require.Equal(t, interp.Dead, th.State)
}

// parkForSleep registers th on the all-threads list and an alarm
// without ever putting it on the runnable queue, mirroring real usage:
// a thread only calls RegisterAlarm after the scheduler has already
// dequeued it to run.
func parkForSleep(s *Scheduler, th *interp.Thread, wakeAt int64) {
	th.AllNext = s.all
	s.all = th
	s.RegisterAlarm(th, wakeAt)
}

func TestRunReportsIdleWhenOnlyTimersRemain(t *testing.T) {
	vm := newTestVM()
	s := New(vm)

	th := interp.NewThread("sleeper", 1000)
	parkForSleep(s, th, 500)

	res := s.Run(16)
	require.True(t, res.Idle)
	require.False(t, res.Done)
}

func TestTickWakesExpiredAlarm(t *testing.T) {
	vm := newTestVM()
	s := New(vm)

	th := interp.NewThread("sleeper", 1000)
	parkForSleep(s, th, 100)

	s.Tick(150)
	require.Equal(t, interp.Active, th.State)
}

func TestInterruptSuspendedThreadDeliversException(t *testing.T) {
	vm := newTestVM()
	s := New(vm)

	th := interp.NewThread("sleeper", 1000)
	parkForSleep(s, th, 10_000)

	s.Interrupt(th)
	require.Equal(t, interp.Active, th.State)
	require.NotNil(t, th.PendingException)
}

func TestInterruptMonitorWaitThreadSetsPendingFlag(t *testing.T) {
	vm := newTestVM()
	s := New(vm)

	th := interp.NewThread("blocked", 1000)
	th.State = interp.MonitorWait
	s.Interrupt(th)
	require.True(t, th.PendingInterrupt)
}

func TestRunnableQueueIsFIFO(t *testing.T) {
	vm := newTestVM()
	s := New(vm)

	var order []string
	for _, name := range []string{"a", "b", "c"} {
		th := interp.NewThread(name, 1)
		s.Enqueue(th)
		order = append(order, name)
	}
	var seen []string
	for i := 0; i < 3; i++ {
		th := s.dequeue()
		require.NotNil(t, th)
		seen = append(seen, th.Name)
	}
	require.Equal(t, order, seen)
}
