package interp

import (
	"github.com/coldvm/coldvm/internal/cell"
	"github.com/coldvm/coldvm/internal/opcode"
	"github.com/coldvm/coldvm/internal/vmerr"
)

// unboxField converts a static field's boxed storage (a plain Go scalar
// or a reference, per classfile.InstanceClass.StaticFields' single-slot
// layout) into the one or two cell.Value slots the operand stack uses.
func unboxField(desc string, raw interface{}) []cell.Value {
	if len(desc) == 0 {
		return []cell.Value{cell.Int(0)}
	}
	switch desc[0] {
	case 'J':
		v, _ := raw.(int64)
		lo, hi := cell.SplitInt64(v)
		return []cell.Value{{Kind: cell.VCell, Cell: lo}, {Kind: cell.VCell2, Cell: hi}}
	case 'D':
		v, _ := raw.(float64)
		lo, hi := cell.SplitFloat64(v)
		return []cell.Value{{Kind: cell.VCell, Cell: lo}, {Kind: cell.VCell2, Cell: hi}}
	case 'F':
		v, _ := raw.(float32)
		return []cell.Value{cell.Float(v)}
	case 'L', '[':
		return []cell.Value{cell.RefVal(raw)}
	default: // I, Z, B, C, S
		v, _ := raw.(int32)
		return []cell.Value{cell.Int(v)}
	}
}

// boxField is unboxField's inverse, used by putstatic to store a popped
// value back into a static field's single interface{} slot.
func boxField(desc string, vals []cell.Value) interface{} {
	if len(desc) == 0 {
		return nil
	}
	switch desc[0] {
	case 'J':
		return cell.JoinInt64(vals[0].Cell, vals[1].Cell)
	case 'D':
		return cell.JoinFloat64(vals[0].Cell, vals[1].Cell)
	case 'F':
		return vals[0].Cell.ToFloat32()
	case 'L', '[':
		return vals[0].Ref
	default:
		return vals[0].Cell.ToInt32()
	}
}

func stepGetstatic(vm *VM, t *Thread, f *Frame, op opcode.Op) (stepOutcome, error) {
	idx := be16(f.Method.Code, f.IP+1)
	field, owner, err := resolveFieldRef(vm, f.Owner.Pool, idx)
	if err != nil {
		return stepOutcome{}, err
	}
	if ensureInitialized(vm, t, f, owner) {
		return stepOutcome{kind: stepSuspendInit}, nil
	}
	raw := interface{}(nil)
	if slot := owner.StaticSlot(field); slot != nil {
		raw = *slot
	}
	for _, v := range unboxField(vm.Interner.Lookup(field.Type), raw) {
		f.PushOperand(v)
	}
	if op == opcode.Getstatic {
		f.Method.Code[f.IP] = byte(opcode.GetstaticFast)
	}
	f.IP += 3
	return contOutcome, nil
}

func stepPutstatic(vm *VM, t *Thread, f *Frame, op opcode.Op) (stepOutcome, error) {
	idx := be16(f.Method.Code, f.IP+1)
	field, owner, err := resolveFieldRef(vm, f.Owner.Pool, idx)
	if err != nil {
		return stepOutcome{}, err
	}
	if ensureInitialized(vm, t, f, owner) {
		return stepOutcome{kind: stepSuspendInit}, nil
	}
	desc := vm.Interner.Lookup(field.Type)
	vals := make([]cell.Value, field.Width)
	for i := field.Width - 1; i >= 0; i-- {
		vals[i] = f.PopOperand()
	}
	if slot := owner.StaticSlot(field); slot != nil {
		*slot = boxField(desc, vals)
	}
	if op == opcode.Putstatic {
		f.Method.Code[f.IP] = byte(opcode.PutstaticFast)
	}
	f.IP += 3
	return contOutcome, nil
}

func stepGetfield(vm *VM, f *Frame, op opcode.Op) (stepOutcome, error) {
	idx := be16(f.Method.Code, f.IP+1)
	field, _, err := resolveFieldRef(vm, f.Owner.Pool, idx)
	if err != nil {
		return stepOutcome{}, err
	}
	ref := f.PopOperand()
	inst, ok := ref.Ref.(*Instance)
	if ref.IsNilRef() || !ok {
		return stepOutcome{}, vmerr.New(vmerr.NullPointerException, "getfield on null reference")
	}
	for i := 0; i < field.Width; i++ {
		f.PushOperand(inst.Slots[field.Offset+i])
	}
	if op == opcode.Getfield {
		f.Method.Code[f.IP] = byte(opcode.GetfieldFast)
	}
	f.IP += 3
	return contOutcome, nil
}

func stepPutfield(vm *VM, f *Frame, op opcode.Op) (stepOutcome, error) {
	idx := be16(f.Method.Code, f.IP+1)
	field, _, err := resolveFieldRef(vm, f.Owner.Pool, idx)
	if err != nil {
		return stepOutcome{}, err
	}
	vals := make([]cell.Value, field.Width)
	for i := field.Width - 1; i >= 0; i-- {
		vals[i] = f.PopOperand()
	}
	ref := f.PopOperand()
	inst, ok := ref.Ref.(*Instance)
	if ref.IsNilRef() || !ok {
		return stepOutcome{}, vmerr.New(vmerr.NullPointerException, "putfield on null reference")
	}
	for i := 0; i < field.Width; i++ {
		inst.Slots[field.Offset+i] = vals[i]
	}
	if op == opcode.Putfield {
		f.Method.Code[f.IP] = byte(opcode.PutfieldFast)
	}
	f.IP += 3
	return contOutcome, nil
}
