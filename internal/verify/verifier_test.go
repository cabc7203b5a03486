package verify

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coldvm/coldvm/internal/classfile"
	"github.com/coldvm/coldvm/internal/opcode"
	"github.com/coldvm/coldvm/internal/vmerr"
)

// fakeInterner is the verify package's own minimal Interner fake, kept
// separate from internal/classfile's in-package one since the two
// packages must not share unexported test helpers.
type fakeInterner struct {
	byStr map[string]classfile.Key
	byKey map[classfile.Key]string
	next  classfile.Key
}

func newFakeInterner() *fakeInterner {
	return &fakeInterner{byStr: map[string]classfile.Key{}, byKey: map[classfile.Key]string{}, next: 1}
}

func (i *fakeInterner) Intern(s string) classfile.Key {
	if k, ok := i.byStr[s]; ok {
		return k
	}
	k := i.next
	i.next++
	i.byStr[s] = k
	i.byKey[k] = s
	return k
}

func (i *fakeInterner) Lookup(k classfile.Key) string { return i.byKey[k] }

// fakeHierarchy is a trivial ClassHierarchy: every reference is only
// assignable to itself or the configured root, no interfaces.
type fakeHierarchy struct {
	root classfile.Key
}

func (h fakeHierarchy) IsSubclassOf(sub, target classfile.Key) bool { return sub == target }
func (h fakeHierarchy) IsInterface(classfile.Key) bool              { return false }
func (h fakeHierarchy) RootKey() classfile.Key                      { return h.root }

// TestVerifyRejectsMethodWithoutStackMapAttribute covers spec.md §8
// scenario 6: a method with no stack-map attribute is rejected with a
// VerifyError carrying the owning class's name, and (mirroring
// cmd/coldvm's class-table hook, which is the caller responsible for the
// status transition — Verify itself never touches Status) the owning
// class's Status would be driven to ERROR by that caller on this error.
func TestVerifyRejectsMethodWithoutStackMapAttribute(t *testing.T) {
	in := newFakeInterner()
	ownerName := in.Intern("pkg/Target")
	owner := &classfile.InstanceClass{Name: ownerName, Status: classfile.StatusLinked}
	m := &classfile.Method{
		Owner:     owner,
		Name:      in.Intern("run"),
		Code:      []byte{byte(opcode.Return)},
		MaxStack:  0,
		MaxLocals: 0,
	}

	err := Verify(m, owner, nil, in, fakeHierarchy{})
	require.Error(t, err)
	verr, ok := err.(*vmerr.VMError)
	require.True(t, ok)
	require.Equal(t, vmerr.VerifyError, verr.Class)
	require.Equal(t, "pkg/Target", verr.ClassName)
	require.False(t, m.Verified)

	// The loader/class-table owner (internal/cmd/coldvm's classTable.finish)
	// is the one that actually performs this transition on a Verify error;
	// reproduced here to document the full scenario-6 contract.
	owner.Status = classfile.StatusError
	require.Equal(t, classfile.StatusError, owner.Status)
}

func TestVerifyAcceptsNativeMethodWithoutSimulation(t *testing.T) {
	in := newFakeInterner()
	owner := &classfile.InstanceClass{Name: in.Intern("pkg/Target")}
	m := &classfile.Method{Owner: owner, Name: in.Intern("run"), Native: func([]interface{}) (interface{}, error) { return nil, nil }}

	require.NoError(t, Verify(m, owner, nil, in, fakeHierarchy{}))
	require.True(t, m.Verified)
}

func TestVerifyAcceptsTrivialVoidMethodWithMatchingStackMap(t *testing.T) {
	in := newFakeInterner()
	owner := &classfile.InstanceClass{Name: in.Intern("pkg/Target")}
	m := &classfile.Method{
		Owner:     owner,
		Name:      in.Intern("run"),
		Type:      in.Intern("()V"),
		Code:      []byte{byte(opcode.Return)},
		MaxStack:  0,
		MaxLocals: 0,
		AccessFlags: classfile.AccMethodStatic,
		StackMap: []classfile.StackMapEntry{
			{Offset: 0, VerifierLocals: []interface{}{}, VerifierStack: []interface{}{}},
		},
	}

	require.NoError(t, Verify(m, owner, nil, in, fakeHierarchy{}))
	require.True(t, m.Verified)
	// Post-processing rewrites the verifier-oriented slices to pointer
	// bitmaps and clears the source encoding (spec.md §4.2 Post-processing).
	require.Nil(t, m.StackMap[0].VerifierLocals)
	require.Empty(t, m.StackMap[0].PointerLocals)
}

// TestResolveInitRejectsInitCallInsideHandlerRange covers spec.md §4.2
// simulation step 4's handler-range condition on a this.<init>/super.<init>
// call: the invokespecial must lie outside every exception handler range.
func TestResolveInitRejectsInitCallInsideHandlerRange(t *testing.T) {
	owner := &classfile.InstanceClass{}
	m := &classfile.Method{
		Owner:    owner,
		Handlers: []classfile.ExceptionHandler{{StartPC: 5, EndPC: 10, HandlerPC: 0}},
	}
	c := &ctx{method: m}
	s := &frameState{needsInit: true}

	err := resolveInit(c, s, InitObject, owner.Key(), 7) // pc 7 is inside [5,10)
	require.Error(t, err)
	verr, ok := err.(*vmerr.VMError)
	require.True(t, ok)
	require.Equal(t, vmerr.VerifyError, verr.Class)
	// rejection must not have consumed needsInit
	require.True(t, s.needsInit)
}

func TestResolveInitAcceptsInitCallOutsideHandlerRange(t *testing.T) {
	owner := &classfile.InstanceClass{}
	m := &classfile.Method{
		Owner:    owner,
		Handlers: []classfile.ExceptionHandler{{StartPC: 5, EndPC: 10, HandlerPC: 0}},
	}
	c := &ctx{method: m}
	s := &frameState{needsInit: true, locals: []TypeValue{InitObject}}

	err := resolveInit(c, s, InitObject, owner.Key(), 2) // pc 2 is outside [5,10)
	require.NoError(t, err)
	require.False(t, s.needsInit)
	require.Equal(t, Reference(owner.Key()), s.locals[0])
}

func TestResolveInitRejectsCallToUnrelatedClass(t *testing.T) {
	owner := &classfile.InstanceClass{}
	m := &classfile.Method{Owner: owner}
	c := &ctx{method: m}
	s := &frameState{needsInit: true}

	err := resolveInit(c, s, InitObject, classfile.Key(999), 0)
	require.Error(t, err)
}

func TestInHandlerRangeBoundaries(t *testing.T) {
	m := &classfile.Method{Handlers: []classfile.ExceptionHandler{{StartPC: 3, EndPC: 6}}}
	require.False(t, inHandlerRange(m, 2))
	require.True(t, inHandlerRange(m, 3))
	require.True(t, inHandlerRange(m, 5))
	require.False(t, inHandlerRange(m, 6))
}
