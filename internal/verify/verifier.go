package verify

import (
	"github.com/coldvm/coldvm/internal/classfile"
	"github.com/coldvm/coldvm/internal/opcode"
	"github.com/coldvm/coldvm/internal/vmerr"
)

// Verify runs the full two-phase check of spec.md §4.2 over one
// method's bytecode: phase A is opcode.Decode's structural scan (a
// truncated instruction is rejected before any type simulation runs);
// phase B is the abstract-interpretation simulation below. Results are
// cached per method via Method.Verified, matching spec.md's "results
// are cached per class."
//
// owner is the method's declaring class, already LINKED; h is the
// class-table's hierarchy view used for assignability.
func Verify(m *classfile.Method, owner *classfile.InstanceClass, pool *classfile.ConstantPool, interner classfile.Interner, h ClassHierarchy) error {
	if m.Verified {
		return nil
	}
	if m.Code == nil {
		// native or synthetic methods carry no bytecode to verify.
		m.Verified = true
		return nil
	}
	if len(m.StackMap) == 0 {
		// spec.md Non-goals: "verification of methods lacking stack-map
		// attributes" is out of scope — such a method is rejected rather
		// than silently accepted.
		return vmerr.NewFor(vmerr.VerifyError, interner.Lookup(owner.Name), "method %s has no stack-map attribute", interner.Lookup(m.Name))
	}

	c := &ctx{pool: pool, h: h, interner: interner, method: m, newSeen: make(map[int]classfile.Key)}

	// Phase A: structural scan. Decode every instruction once up front
	// so a truncated operand is reported before simulation begins, and
	// so the simulator can look up "is offset X an instruction
	// boundary" for branch-target validation.
	instrs, boundaries, err := scan(m.Code)
	if err != nil {
		return vmerr.NewFor(vmerr.VerifyError, interner.Lookup(owner.Name), "%s.%s: %v", interner.Lookup(owner.Name), interner.Lookup(m.Name), err)
	}

	if err := simulate(c, m, instrs, boundaries, h, interner); err != nil {
		return vmerr.NewFor(vmerr.VerifyError, interner.Lookup(owner.Name), "%s.%s: %v", interner.Lookup(owner.Name), interner.Lookup(m.Name), err)
	}

	// Cross-method obligation (spec.md §4.2): every NewObject(pc) ever
	// mentioned in a recorded stack map must correspond to an observed
	// `new` at that pc.
	for i := range m.StackMap {
		if err := checkNewObjectObligation(c, m.StackMap[i].VerifierLocals, pool); err != nil {
			return vmerr.NewFor(vmerr.VerifyError, interner.Lookup(owner.Name), "%v", err)
		}
		if err := checkNewObjectObligation(c, m.StackMap[i].VerifierStack, pool); err != nil {
			return vmerr.NewFor(vmerr.VerifyError, interner.Lookup(owner.Name), "%v", err)
		}
	}

	rewriteToPointerMap(m, pool)
	m.Verified = true
	return nil
}

func checkNewObjectObligation(c *ctx, raw []interface{}, pool *classfile.ConstantPool) error {
	vals, err := decodeSlots(raw, pool)
	if err != nil {
		return err
	}
	for _, v := range vals {
		if v.Tag == TagNewObject {
			if _, ok := c.newSeen[v.NewPC]; !ok {
				return vmerr.New(vmerr.VerifyError, "stack map references new@%d with no matching new instruction", v.NewPC)
			}
		}
	}
	return nil
}

// scan decodes every instruction in code, returning them in order plus
// the set of valid instruction-start offsets (branch targets must land
// exactly on one of these).
func scan(code []byte) ([]opcode.Instruction, map[int]bool, error) {
	var instrs []opcode.Instruction
	boundaries := make(map[int]bool)
	pc := 0
	for pc < len(code) {
		op := opcode.Op(code[pc])
		if opcode.IsReserved(op) {
			return nil, nil, vmerr.New(vmerr.VerifyError, "reserved subroutine opcode 0x%02x at pc %d", byte(op), pc)
		}
		instr, err := opcode.Decode(code, pc)
		if err != nil {
			return nil, nil, err
		}
		boundaries[pc] = true
		instrs = append(instrs, instr)
		pc += instr.Len
	}
	return instrs, boundaries, nil
}

// simulate implements spec.md §4.2's "Simulation" in full: per-offset
// match/merge against the stack-map table, exception-handler pre-check,
// per-instruction transfer functions, the <init> receiver protocol
// (handled inside transfer), the backward-branch uninitialised-object
// prohibition, and the final fall-through/coverage check.
func simulate(c *ctx, m *classfile.Method, instrs []opcode.Instruction, boundaries map[int]bool, h ClassHierarchy, interner classfile.Interner) error {
	state, err := initialState(m, h, interner)
	if err != nil {
		return err
	}

	var lastInstr opcode.Instruction
	var lastResult transferResult

	for _, instr := range instrs {
		pc := instr.PC
		entry := findEntry(m.StackMap, pc)

		switch {
		case state == nil && entry != nil:
			// Resuming after an instruction that did not fall through
			// (return/goto/athrow/switch): nothing flows in by
			// fall-through, so the recorded frame is adopted outright
			// rather than assignability-checked against stale state.
			fresh, err := matchMerge(&frameState{locals: make([]TypeValue, m.MaxLocals)}, entry, c.pool, h, false)
			if err != nil {
				return err
			}
			state = fresh
		case state == nil && entry == nil:
			return vmerr.New(vmerr.VerifyError, "unreachable code with no stack map entry at pc %d", pc)
		case entry != nil:
			merged, err := matchMerge(state, entry, c.pool, h, true)
			if err != nil {
				return err
			}
			state = merged
		}

		if err := checkHandlersAt(c, m, pc, state, h); err != nil {
			return err
		}

		before := state.clone()
		result, err := transfer(c, instr, state)
		if err != nil {
			return err
		}

		for _, target := range result.branchTargets {
			if !boundaries[target] {
				return vmerr.New(vmerr.VerifyError, "branch to non-instruction offset %d", target)
			}
			targetEntry := findEntry(m.StackMap, target)
			if targetEntry == nil {
				return vmerr.New(vmerr.VerifyError, "branch target %d has no stack map entry", target)
			}
			if _, err := matchMerge(before, targetEntry, c.pool, h, true); err != nil {
				return err
			}
			if target <= pc && hasNewObjectMarker(before) {
				return vmerr.New(vmerr.VerifyError, "uninitialised object retained across backward branch at pc %d", pc)
			}
		}

		lastInstr = instr
		lastResult = result

		if !result.fallsThrough {
			state = nil
		}
	}

	if lastResult.fallsThrough {
		return vmerr.New(vmerr.VerifyError, "method falls off the end of its code (pc %d)", lastInstr.PC)
	}
	return nil
}

// initialState builds locals from the method descriptor (spec.md
// §4.2's "Initialise locals from the method descriptor; the receiver
// of <init> starts as InitObject").
func initialState(m *classfile.Method, h ClassHierarchy, interner classfile.Interner) (*frameState, error) {
	locals := make([]TypeValue, m.MaxLocals)
	slot := 0
	isInit := interner.Lookup(m.Name) == "<init>"
	if !m.AccessFlags.Has(classfile.AccMethodStatic) {
		if isInit {
			locals[slot] = InitObject
		} else {
			locals[slot] = Reference(ownerKey(m))
		}
		slot++
	}
	argDescs := classfile.ParseMethodArgDescriptors(interner.Lookup(m.Type))
	for _, d := range argDescs {
		v := argType(d, h)
		locals[slot] = v
		slot++
		if v.IsCategory2() {
			locals[slot] = companion(v)
			slot++
		}
	}
	for slot < len(locals) {
		locals[slot] = Top
		slot++
	}
	return &frameState{locals: locals, needsInit: !m.AccessFlags.Has(classfile.AccMethodStatic) && isInit}, nil
}

func ownerKey(m *classfile.Method) classfile.Key {
	if m.Owner == nil {
		return 0
	}
	return m.Owner.Key()
}

func argType(desc string, h ClassHierarchy) TypeValue {
	switch {
	case desc == "J":
		return Long
	case desc == "D":
		return Double
	case desc == "F":
		return Float
	case desc == "I", desc == "Z", desc == "B", desc == "C", desc == "S":
		return Integer
	case len(desc) > 0 && desc[0] == '[':
		dims, elem := classfile.ParseArrayDescriptor(desc)
		if len(elem) > 0 && elem[0] == 'L' {
			return TypeValue{Tag: TagArray, Dims: dims, Class: h.RootKey()}
		}
		return TypeValue{Tag: TagArray, Dims: dims, Prim: classfile.PrimitiveForDescriptor(elem)}
	default:
		return Reference(h.RootKey())
	}
}

// checkHandlersAt implements spec.md §4.2 simulation step 2: for each
// exception handler whose [start,end) contains this offset, save the
// stack, push the handler's exception type (or Throwable if catch type
// is 0), match against the handler target's map, then restore the
// stack.
func checkHandlersAt(c *ctx, m *classfile.Method, pc int, state *frameState, h ClassHierarchy) error {
	if state == nil {
		return nil
	}
	for _, hnd := range m.Handlers {
		if pc < hnd.StartPC || pc >= hnd.EndPC {
			continue
		}
		saved := state.stack
		var excType TypeValue
		if hnd.CatchType == 0 {
			excType = Reference(h.RootKey())
		} else {
			key, err := c.pool.ClassName(hnd.CatchType)
			if err != nil {
				return err
			}
			excType = Reference(key)
		}
		state.stack = []TypeValue{excType}
		entry := findEntry(m.StackMap, hnd.HandlerPC)
		if entry == nil {
			state.stack = saved
			return vmerr.New(vmerr.VerifyError, "exception handler target %d has no stack map entry", hnd.HandlerPC)
		}
		if _, err := matchMerge(state, entry, c.pool, h, true); err != nil {
			state.stack = saved
			return err
		}
		state.stack = saved
	}
	return nil
}

// rewriteToPointerMap implements spec.md §4.2's "Post-processing": on
// success, rewrite the stack-map table from its verifier-oriented
// (type-tag) form into a collector-oriented (per-slot pointer/
// non-pointer) bitmap attached to the method.
func rewriteToPointerMap(m *classfile.Method, pool *classfile.ConstantPool) {
	for i := range m.StackMap {
		entry := &m.StackMap[i]
		entry.PointerLocals = pointerBitmap(entry.VerifierLocals, pool)
		entry.PointerStack = pointerBitmap(entry.VerifierStack, pool)
		entry.VerifierLocals = nil
		entry.VerifierStack = nil
	}
}

func pointerBitmap(raw []interface{}, pool *classfile.ConstantPool) []bool {
	vals, err := decodeSlots(raw, pool)
	if err != nil {
		// Already validated during simulation; a failure here would be
		// an internal inconsistency, not a program-visible error.
		return make([]bool, len(raw))
	}
	out := make([]bool, len(vals))
	for i, v := range vals {
		out[i] = v.IsReferenceLike()
	}
	return out
}
