package verify

import (
	"github.com/coldvm/coldvm/internal/classfile"
	"github.com/coldvm/coldvm/internal/vmerr"
)

// ClassHierarchy is the verifier's collaborator for assignability
// checks: it needs to walk a reference type's superclass/interface
// chain, which only the embedding VM's class table can resolve (spec.md
// §6's "class-table hook"). internal/classfile's InstanceClass already
// exposes Super and Interfaces; this interface exists so verify depends
// on behavior, not a concrete loader type, the same layering reason
// classfile.ClassTable exists.
type ClassHierarchy interface {
	// IsSubclassOf reports whether `sub` is `target` or a (possibly
	// transitive) subclass/subinterface of it (spec.md §4.2's
	// "Assignability").
	IsSubclassOf(sub, target classfile.Key) bool
	// IsInterface reports whether key names an interface.
	IsInterface(key classfile.Key) bool
	// RootKey is the one key every reference type is assignable to
	// ("a reference is assignable to Reference (any object)").
	RootKey() classfile.Key
}

// frameState is the verifier's per-offset derived state (spec.md §4.2
// "State"): a locals vector, an operand stack, and the needsInit flag
// tracking whether <init>'s receiver still holds InitObject.
type frameState struct {
	locals    []TypeValue
	stack     []TypeValue
	needsInit bool
}

func (s *frameState) clone() *frameState {
	out := &frameState{
		locals:    append([]TypeValue(nil), s.locals...),
		stack:     append([]TypeValue(nil), s.stack...),
		needsInit: s.needsInit,
	}
	return out
}

func (s *frameState) push(v TypeValue) {
	s.stack = append(s.stack, v)
	if v.IsCategory2() {
		s.stack = append(s.stack, companion(v))
	}
}

// companion returns the implicit second-word value that immediately
// follows a category-2 push (spec.md §3's "Two-word values... occupy
// two adjacent cells").
func companion(v TypeValue) TypeValue {
	switch v.Tag {
	case TagLong:
		return Long2
	case TagDouble:
		return Double2
	default:
		return Top
	}
}

func (s *frameState) pop() (TypeValue, error) {
	if len(s.stack) == 0 {
		return TypeValue{}, vmerr.New(vmerr.VerifyError, "operand stack underflow")
	}
	v := s.stack[len(s.stack)-1]
	s.stack = s.stack[:len(s.stack)-1]
	return v, nil
}

// popExpect pops one value and checks it is assignable to want, per
// spec.md §4.2 simulation step 3 ("pop expected operands (with subtype
// check)").
func popExpect(s *frameState, want TypeValue, h ClassHierarchy) (TypeValue, error) {
	v, err := s.pop()
	if err != nil {
		return TypeValue{}, err
	}
	if !assignable(v, want, h) {
		return TypeValue{}, vmerr.New(vmerr.VerifyError, "type mismatch: expected %s, got %s", want, v)
	}
	return v, nil
}

// popCategory2 pops a two-word value's companion slot then its primary
// slot, checking the companion is the matching Long2/Double2 marker.
func popCategory2(s *frameState, want TypeValue) error {
	comp, err := s.pop()
	if err != nil {
		return err
	}
	if comp != companion(want) {
		return vmerr.New(vmerr.VerifyError, "category-2 value missing companion slot")
	}
	primary, err := s.pop()
	if err != nil {
		return err
	}
	if primary.Tag != want.Tag {
		return vmerr.New(vmerr.VerifyError, "type mismatch: expected %s, got %s", want, primary)
	}
	return nil
}

// assignable implements spec.md §4.2's "Assignability":
// x ≤ Bogus always; identical values are assignable; Null is assignable
// to any reference; a reference is assignable to Reference (any
// object); a reference A is assignable to B iff B is a (possibly
// transitive) superclass or super-interface of A.
func assignable(from, to TypeValue, h ClassHierarchy) bool {
	if to.Tag == TagTop {
		return true
	}
	if from == to {
		return true
	}
	if from.Tag == TagNull && to.IsReferenceLike() {
		return true
	}
	if to.Tag == TagReference && to.Class == h.RootKey() {
		return from.IsReferenceLike()
	}
	if from.Tag == TagReference && to.Tag == TagReference {
		return h.IsSubclassOf(from.Class, to.Class)
	}
	if from.Tag == TagNewObject && to.Tag == TagNewObject {
		return from.NewPC == to.NewPC
	}
	if from.Tag == TagArray && to.Tag == TagArray {
		return from.Dims == to.Dims && from.Prim == to.Prim && (from.Prim != classfile.PrimNone || h.IsSubclassOf(from.Class, to.Class))
	}
	return false
}

// merge implements the stack-map MERGE operation: "overwrites the
// derived state with the recorded state, possibly weakening" (spec.md
// §4.2). Interfaces are treated as the root object class when merged —
// "an explicit weakening to avoid interface intersection algebra."
func merge(derived, recorded TypeValue, h ClassHierarchy) TypeValue {
	if recorded.Tag == TagReference && h.IsInterface(recorded.Class) {
		return Reference(h.RootKey())
	}
	return recorded
}

// matchMerge applies one stack-map entry to the current derived state,
// per spec.md §4.2 simulation step 1: MERGE at every straight-line
// location where a map entry exists; MERGE+EXIST (the recorded state
// must actually exist and assignability must hold before weakening) at
// jump targets and exception handlers. requireExist selects that
// stricter mode.
func matchMerge(s *frameState, entry *classfile.StackMapEntry, pool *classfile.ConstantPool, h ClassHierarchy, requireExist bool) (*frameState, error) {
	locals, err := decodeSlots(entry.VerifierLocals, pool)
	if err != nil {
		return nil, err
	}
	stack, err := decodeSlots(entry.VerifierStack, pool)
	if err != nil {
		return nil, err
	}

	if requireExist {
		if len(locals) != len(s.locals) || len(stack) != len(s.stack) {
			return nil, vmerr.New(vmerr.VerifyError, "stack map shape mismatch at offset %d", entry.Offset)
		}
		for i := range locals {
			if !assignable(s.locals[i], locals[i], h) {
				return nil, vmerr.New(vmerr.VerifyError, "stack map local %d mismatch at offset %d", i, entry.Offset)
			}
		}
		for i := range stack {
			if !assignable(s.stack[i], stack[i], h) {
				return nil, vmerr.New(vmerr.VerifyError, "stack map operand %d mismatch at offset %d", i, entry.Offset)
			}
		}
	}

	out := &frameState{needsInit: s.needsInit}
	out.locals = make([]TypeValue, len(locals))
	for i := range locals {
		src := TypeValue{}
		if i < len(s.locals) {
			src = s.locals[i]
		}
		out.locals[i] = merge(src, locals[i], h)
	}
	out.stack = make([]TypeValue, len(stack))
	for i := range stack {
		src := TypeValue{}
		if i < len(s.stack) {
			src = s.stack[i]
		}
		out.stack[i] = merge(src, stack[i], h)
	}
	return out, nil
}

// findEntry returns the stack-map entry at offset, if any.
func findEntry(table []classfile.StackMapEntry, offset int) *classfile.StackMapEntry {
	for i := range table {
		if table[i].Offset == offset {
			return &table[i]
		}
	}
	return nil
}
