package interp

import (
	"github.com/coldvm/coldvm/internal/cell"
	"github.com/coldvm/coldvm/internal/classfile"
	"github.com/coldvm/coldvm/internal/vmerr"
)

// resolveFieldRef resolves a Fieldref constant-pool entry to its
// declaring class and Field, walking the superclass chain (spec.md
// §4.1's field resolution order). The result is cached in the entry's
// Resolved slot so a re-execution of the slow opcode (before it gets
// rewritten to a fast variant) does not repeat the walk.
func resolveFieldRef(vm *VM, pool *classfile.ConstantPool, index uint16) (*classfile.Field, *classfile.InstanceClass, error) {
	entry, err := pool.RequireTag(index, classfile.TagFieldref)
	if err != nil {
		return nil, nil, err
	}
	if entry.Ref.Resolved != nil {
		res := entry.Ref.Resolved.(*resolvedField)
		return res.field, res.owner, nil
	}
	owner, err := vm.Classes.ResolveClass(entry.Ref.ClassKey)
	if err != nil {
		return nil, nil, vmerr.New(vmerr.NoClassDefFoundError, "%v", err)
	}
	name := entry.Ref.NameKey
	typ := entry.Ref.TypeKey
	for c := owner; c != nil; {
		for _, f := range c.Fields {
			if f.Name == name && f.Type == typ {
				entry.Ref.Resolved = &resolvedField{field: f, owner: c}
				return f, c, nil
			}
		}
		sup, _ := c.Super.(*classfile.InstanceClass)
		c = sup
	}
	return nil, nil, vmerr.New(vmerr.NoClassDefFoundError, "no such field %s", vm.Interner.Lookup(name))
}

type resolvedField struct {
	field *classfile.Field
	owner *classfile.InstanceClass
}

// resolveMethodRef resolves a Methodref/InterfaceMethodref constant-pool
// entry to its declaring class and Method, walking the superclass chain
// for a plain Methodref (spec.md §4.1's method resolution order);
// interface dispatch re-resolves per receiver class at the call site
// (see invoke.go) rather than here.
func resolveMethodRef(vm *VM, pool *classfile.ConstantPool, index uint16, tag classfile.Tag) (*classfile.Method, *classfile.InstanceClass, error) {
	entry, err := pool.RequireTag(index, tag)
	if err != nil {
		return nil, nil, err
	}
	if entry.Ref.Resolved != nil {
		res := entry.Ref.Resolved.(*resolvedMethod)
		return res.method, res.owner, nil
	}
	owner, err := vm.Classes.ResolveClass(entry.Ref.ClassKey)
	if err != nil {
		return nil, nil, vmerr.New(vmerr.NoClassDefFoundError, "%v", err)
	}
	name := entry.Ref.NameKey
	typ := entry.Ref.TypeKey
	for c := owner; c != nil; {
		for _, m := range c.Methods {
			if m.Name == name && m.Type == typ {
				entry.Ref.Resolved = &resolvedMethod{method: m, owner: c}
				return m, c, nil
			}
		}
		sup, _ := c.Super.(*classfile.InstanceClass)
		c = sup
	}
	return nil, nil, vmerr.New(vmerr.NoClassDefFoundError, "no such method %s", vm.Interner.Lookup(name))
}

type resolvedMethod struct {
	method *classfile.Method
	owner  *classfile.InstanceClass
}

// resolveClassRef resolves a Class constant-pool entry's name to a
// ClassKey (the loader already interns class names into NameKey during
// the second parsing pass; this just reads it back out).
func resolveClassRef(pool *classfile.ConstantPool, index uint16) (classfile.Key, error) {
	return pool.ClassName(index)
}

// ensureInitialized triggers the class-initialisation barrier of
// spec.md §4.3: "If the target class is uninitialised, execution is
// suspended by pushing a synthetic class-initialisation frame that runs
// <clinit> and its super-chain, after which the original opcode
// re-executes unchanged." It returns true when a barrier frame was
// pushed (the caller must back up IP and retry this instruction next
// time the frame becomes current again).
func ensureInitialized(vm *VM, t *Thread, cur *Frame, cls *classfile.InstanceClass) bool {
	if cls.Status == classfile.StatusReady {
		return false
	}
	if cls.Status != classfile.StatusVerified && cls.Status != classfile.StatusLinked {
		// Already READY or being handled elsewhere; nothing to push.
		// (StatusError classes fail their referencing opcode instead;
		// that's handled by the caller before ensureInitialized runs.)
		return false
	}
	pushClassInitFrame(vm, t, cls)
	return true
}

// pushClassInitFrame walks the super-chain from the root down to cls,
// pushing one custom-code frame per not-yet-initialised class so that
// superclasses finish <clinit> before subclasses begin theirs (spec.md
// §4.1.7's initialisation order). Each frame's callback runs the
// class's <clinit> (if any), then marks the class READY, then the
// dispatch loop pops the custom-code frame itself.
func pushClassInitFrame(vm *VM, t *Thread, cls *classfile.InstanceClass) {
	var chain []*classfile.InstanceClass
	for c := cls; c != nil && c.Status != classfile.StatusReady; {
		chain = append(chain, c)
		sup, _ := c.Super.(*classfile.InstanceClass)
		c = sup
	}
	// Push cls first and the root last: the root's barrier frame ends
	// up on top, so it runs first and cls's runs last.
	for i := 0; i < len(chain); i++ {
		target := chain[i]
		f := t.Stack.Push(nil)
		f.CustomCode = func(t *Thread) error {
			return runClinit(vm, t, target)
		}
	}
}

// runClinit drives cls's <clinit> (if any) to completion. A class
// initialiser blocking on a monitor or wait is out of scope (spec.md's
// concurrency model never exercises that combination in practice); such
// a block surfaces as a fatal VM error rather than silently hanging.
func runClinit(vm *VM, t *Thread, cls *classfile.InstanceClass) error {
	if cls.Status == classfile.StatusReady {
		return nil
	}
	clinitKey := vm.Interner.Intern("<clinit>")
	var m *classfile.Method
	for _, cm := range cls.Methods {
		if cm.Name == clinitKey {
			m = cm
			break
		}
	}
	if m != nil {
		barrier := t.Stack.Top()
		t.Stack.Push(m)
		for t.Stack.Top() != barrier {
			res := RunSlice(vm, t, 4096)
			if res.Reason == ReasonUncaughtException {
				cls.Status = classfile.StatusReady
				return res.Err
			}
			if res.Reason == ReasonBlockedMonitorEnter || res.Reason == ReasonBlockedWait {
				vmerr.Panic("class initialiser for %s blocked on a monitor; unsupported", vm.Interner.Lookup(cls.Name))
			}
		}
	}
	cls.Status = classfile.StatusReady
	if vm.Debug != nil {
		vm.Debug.ClassPrepare(vm.Interner.Lookup(cls.Name))
	}
	return nil
}

// StartMain pushes cls's class-initialisation barrier (if cls is not
// already READY) followed by method's frame, so an embedding program's
// manually constructed entry thread gets the same <clinit>-before-body
// ordering spec.md §4.1.7 gives every other call path. Call this once,
// before the thread is ever handed to a scheduler.
func StartMain(vm *VM, t *Thread, cls *classfile.InstanceClass, method *classfile.Method) {
	t.Stack.Push(method)
	pushClassInitFrame(vm, t, cls)
}

// zeroValueFor returns the zero Value for a field/array element: a
// null reference when isPointer is set, else integer zero.
func zeroValueFor(isPointer bool) cell.Value {
	if isPointer {
		return cell.RefVal(nil)
	}
	return cell.Int(0)
}
