package interp

import (
	"github.com/coldvm/coldvm/internal/cell"
	"github.com/coldvm/coldvm/internal/opcode"
	"github.com/coldvm/coldvm/internal/vmerr"
)

func popArrayIndex(f *Frame) (*Array, int32, error) {
	idx := f.PopOperand().Cell.ToInt32()
	ref := f.PopOperand()
	arr, ok := ref.Ref.(*Array)
	if ref.IsNilRef() || !ok {
		return nil, 0, vmerr.New(vmerr.NullPointerException, "array operation on null reference")
	}
	if idx < 0 || idx >= arr.Len() {
		return nil, 0, vmerr.New(vmerr.ArrayIndexOutOfBoundsException, "index %d out of bounds for length %d", idx, arr.Len())
	}
	return arr, idx, nil
}

func stepArrayLoad1(f *Frame, op opcode.Op) (stepOutcome, error) {
	arr, idx, err := popArrayIndex(f)
	if err != nil {
		return stepOutcome{}, err
	}
	v := arr.Elems[idx]
	switch op {
	case opcode.Baload:
		v = cell.Int(int32(int8(v.Cell.ToInt32())))
	case opcode.Caload:
		v = cell.Int(int32(uint16(v.Cell.ToInt32())))
	case opcode.Saload:
		v = cell.Int(int32(int16(v.Cell.ToInt32())))
	}
	f.PushOperand(v)
	f.IP++
	return contOutcome, nil
}

func stepArrayLoad2(f *Frame) (stepOutcome, error) {
	arr, idx, err := popArrayIndex(f)
	if err != nil {
		return stepOutcome{}, err
	}
	f.PushOperand(arr.Elems[idx])
	f.PushOperand(arr.Elems[idx+1])
	f.IP++
	return contOutcome, nil
}

func stepArrayStore1(f *Frame, op opcode.Op) (stepOutcome, error) {
	val := f.PopOperand()
	idx := f.PopOperand().Cell.ToInt32()
	ref := f.PopOperand()
	arr, ok := ref.Ref.(*Array)
	if ref.IsNilRef() || !ok {
		return stepOutcome{}, vmerr.New(vmerr.NullPointerException, "array operation on null reference")
	}
	if idx < 0 || idx >= arr.Len() {
		return stepOutcome{}, vmerr.New(vmerr.ArrayIndexOutOfBoundsException, "index %d out of bounds for length %d", idx, arr.Len())
	}
	switch op {
	case opcode.Bastore:
		val = cell.Int(int32(int8(val.Cell.ToInt32())))
	case opcode.Castore:
		val = cell.Int(int32(uint16(val.Cell.ToInt32())))
	case opcode.Sastore:
		val = cell.Int(int32(int16(val.Cell.ToInt32())))
	}
	arr.Elems[idx] = val
	f.IP++
	return contOutcome, nil
}

func stepArrayStore2(f *Frame) (stepOutcome, error) {
	hi := f.PopOperand()
	lo := f.PopOperand()
	idx := f.PopOperand().Cell.ToInt32()
	ref := f.PopOperand()
	arr, ok := ref.Ref.(*Array)
	if ref.IsNilRef() || !ok {
		return stepOutcome{}, vmerr.New(vmerr.NullPointerException, "array operation on null reference")
	}
	if idx < 0 || idx >= arr.Len() {
		return stepOutcome{}, vmerr.New(vmerr.ArrayIndexOutOfBoundsException, "index %d out of bounds for length %d", idx, arr.Len())
	}
	arr.Elems[idx] = lo
	arr.Elems[idx+1] = hi
	f.IP++
	return contOutcome, nil
}

// stepAastore implements the reference-array store's assignability
// check (spec.md §4.3 array family): storing an incompatible reference
// raises ArrayStoreException rather than corrupting the array.
func stepAastore(vm *VM, f *Frame) (stepOutcome, error) {
	val := f.PopOperand()
	idx := f.PopOperand().Cell.ToInt32()
	ref := f.PopOperand()
	arr, ok := ref.Ref.(*Array)
	if ref.IsNilRef() || !ok {
		return stepOutcome{}, vmerr.New(vmerr.NullPointerException, "array operation on null reference")
	}
	if idx < 0 || idx >= arr.Len() {
		return stepOutcome{}, vmerr.New(vmerr.ArrayIndexOutOfBoundsException, "index %d out of bounds for length %d", idx, arr.Len())
	}
	if !val.IsNilRef() && arr.Class.ElementClass != nil {
		inst, ok := val.Ref.(*Instance)
		if !ok {
			return stepOutcome{}, vmerr.New(vmerr.ArrayStoreException, "value is not a reference-typed instance")
		}
		if !vm.Classes.IsSubclassOf(inst.Class.Key(), arr.Class.ElementClass.Key()) &&
			!(vm.Classes.IsInterface(arr.Class.ElementClass.Key()) && implementsInterface(vm, inst.Class, arr.Class.ElementClass.Key())) {
			return stepOutcome{}, vmerr.New(vmerr.ArrayStoreException, "%s is not assignable to array element type", vm.Interner.Lookup(inst.Class.Name))
		}
	}
	arr.Elems[idx] = val
	f.IP++
	return contOutcome, nil
}
