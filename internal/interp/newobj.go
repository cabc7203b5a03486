package interp

import (
	"github.com/coldvm/coldvm/internal/cell"
	"github.com/coldvm/coldvm/internal/classfile"
	"github.com/coldvm/coldvm/internal/opcode"
	"github.com/coldvm/coldvm/internal/vmerr"
)

// primArrayClass maps a newarray ArrayType operand to the primitive
// element tag (spec.md §4.3 New family).
func primArrayClass(atype byte) (classfile.PrimitiveTag, error) {
	switch atype {
	case opcode.ArrayBoolean:
		return classfile.PrimBoolean, nil
	case opcode.ArrayChar:
		return classfile.PrimChar, nil
	case opcode.ArrayFloat:
		return classfile.PrimFloat, nil
	case opcode.ArrayDouble:
		return classfile.PrimDouble, nil
	case opcode.ArrayByte:
		return classfile.PrimByte, nil
	case opcode.ArrayShort:
		return classfile.PrimShort, nil
	case opcode.ArrayInt:
		return classfile.PrimInt, nil
	case opcode.ArrayLong:
		return classfile.PrimLong, nil
	default:
		return classfile.PrimNone, vmerr.New(vmerr.VerifyError, "invalid newarray type %d", atype)
	}
}

func stepNew(vm *VM, t *Thread, f *Frame, op opcode.Op) (stepOutcome, error) {
	idx := be16(f.Method.Code, f.IP+1)
	key, err := resolveClassRef(f.Owner.Pool, idx)
	if err != nil {
		return stepOutcome{}, err
	}
	cls, err := vm.Classes.ResolveClass(key)
	if err != nil {
		return stepOutcome{}, vmerr.New(vmerr.NoClassDefFoundError, "%v", err)
	}
	if cls.IsInterface() || cls.AccessFlags().Has(classfile.AccAbstract) {
		return stepOutcome{}, vmerr.New(vmerr.IncompatibleClassChangeError, "cannot instantiate %s", vm.Interner.Lookup(key))
	}
	if ensureInitialized(vm, t, f, cls) {
		return stepOutcome{kind: stepSuspendInit}, nil
	}
	f.PushOperand(cell.RefVal(NewInstance(cls)))
	if op == opcode.New {
		f.Method.Code[f.IP] = byte(opcode.NewFast)
	}
	f.IP += 3
	return contOutcome, nil
}

func stepNewarray(f *Frame) (stepOutcome, error) {
	atype := f.Method.Code[f.IP+1]
	prim, err := primArrayClass(atype)
	if err != nil {
		return stepOutcome{}, err
	}
	length := f.PopOperand().Cell.ToInt32()
	if length < 0 {
		return stepOutcome{}, vmerr.New(vmerr.NegativeArraySizeException, "%d", length)
	}
	cls := &classfile.ArrayClass{ElementPrim: prim, Dimensions: 1}
	f.PushOperand(cell.RefVal(NewArray(cls, length)))
	f.IP += 2
	return contOutcome, nil
}

func stepAnewarray(vm *VM, t *Thread, f *Frame, op opcode.Op) (stepOutcome, error) {
	idx := be16(f.Method.Code, f.IP+1)
	key, err := resolveClassRef(f.Owner.Pool, idx)
	if err != nil {
		return stepOutcome{}, err
	}
	length := f.PopOperand().Cell.ToInt32()
	if length < 0 {
		return stepOutcome{}, vmerr.New(vmerr.NegativeArraySizeException, "%d", length)
	}
	name := vm.Interner.Lookup(key)
	dims, elem := classfile.ParseArrayDescriptor(name)
	var cls *classfile.ArrayClass
	if dims > 0 {
		cls = &classfile.ArrayClass{ElementPrim: classfile.PrimitiveForDescriptor(elem), Dimensions: dims + 1}
	} else {
		elemCls, err := vm.Classes.ResolveClass(key)
		if err != nil {
			return stepOutcome{}, vmerr.New(vmerr.NoClassDefFoundError, "%v", err)
		}
		cls = &classfile.ArrayClass{ElementClass: elemCls, Dimensions: 1}
	}
	f.PushOperand(cell.RefVal(NewArray(cls, length)))
	if op == opcode.Anewarray {
		f.Method.Code[f.IP] = byte(opcode.AnewarrayFast)
	}
	f.IP += 3
	return contOutcome, nil
}

func stepMultianewarray(vm *VM, t *Thread, f *Frame) (stepOutcome, error) {
	idx := be16(f.Method.Code, f.IP+1)
	dimsGiven := int(f.Method.Code[f.IP+3])
	key, err := resolveClassRef(f.Owner.Pool, idx)
	if err != nil {
		return stepOutcome{}, err
	}
	name := vm.Interner.Lookup(key)
	totalDims, elem := classfile.ParseArrayDescriptor(name)
	if totalDims == 0 {
		totalDims = 1
		elem = name
	}
	counts := make([]int32, dimsGiven)
	for i := dimsGiven - 1; i >= 0; i-- {
		counts[i] = f.PopOperand().Cell.ToInt32()
		if counts[i] < 0 {
			return stepOutcome{}, vmerr.New(vmerr.NegativeArraySizeException, "%d", counts[i])
		}
	}
	var elemCls classfile.Class
	prim := classfile.PrimitiveForDescriptor(elem)
	if prim == classfile.PrimNone && len(elem) > 0 && elem[0] == 'L' {
		elemCls, err = vm.Classes.ResolveClass(vm.Interner.Intern(elem[1 : len(elem)-1]))
		if err != nil {
			return stepOutcome{}, vmerr.New(vmerr.NoClassDefFoundError, "%v", err)
		}
	}
	arr := buildMultiArray(elemCls, prim, totalDims, counts, 0)
	f.PushOperand(cell.RefVal(arr))
	f.IP += 4
	return contOutcome, nil
}

// buildMultiArray recursively allocates a multianewarray's outer
// dimensions (spec.md §4.3 New family): only the leading len(counts)
// dimensions are materialised, the rest stay null until assigned.
func buildMultiArray(elemCls classfile.Class, prim classfile.PrimitiveTag, remainingDims int, counts []int32, depth int) *Array {
	var cls *classfile.ArrayClass
	if remainingDims == 1 {
		ec, _ := elemCls.(*classfile.InstanceClass)
		cls = &classfile.ArrayClass{ElementClass: ec, ElementPrim: prim, Dimensions: 1}
	} else {
		cls = &classfile.ArrayClass{ElementPrim: classfile.PrimNone, Dimensions: remainingDims}
	}
	arr := NewArray(cls, counts[depth])
	if depth+1 < len(counts) && remainingDims > 1 {
		for i := range arr.Elems {
			sub := buildMultiArray(elemCls, prim, remainingDims-1, counts, depth+1)
			arr.Elems[i] = cell.RefVal(sub)
		}
	}
	return arr
}

func stepArraylength(f *Frame) (stepOutcome, error) {
	ref := f.PopOperand()
	arr, ok := ref.Ref.(*Array)
	if ref.IsNilRef() || !ok {
		return stepOutcome{}, vmerr.New(vmerr.NullPointerException, "arraylength on null reference")
	}
	f.PushOperand(cell.Int(arr.Len()))
	f.IP++
	return contOutcome, nil
}

func stepCheckcast(vm *VM, t *Thread, f *Frame, op opcode.Op) (stepOutcome, error) {
	idx := be16(f.Method.Code, f.IP+1)
	key, err := resolveClassRef(f.Owner.Pool, idx)
	if err != nil {
		return stepOutcome{}, err
	}
	v := f.PeekOperand(0)
	if !v.IsNilRef() && !isInstanceOfKey(vm, v, key) {
		return stepOutcome{}, vmerr.New(vmerr.ClassCastException, "object is not an instance of %s", vm.Interner.Lookup(key))
	}
	if op == opcode.Checkcast {
		f.Method.Code[f.IP] = byte(opcode.CheckcastFast)
	}
	f.IP += 3
	return contOutcome, nil
}

func stepInstanceof(vm *VM, t *Thread, f *Frame, op opcode.Op) (stepOutcome, error) {
	idx := be16(f.Method.Code, f.IP+1)
	key, err := resolveClassRef(f.Owner.Pool, idx)
	if err != nil {
		return stepOutcome{}, err
	}
	v := f.PopOperand()
	result := int32(0)
	if !v.IsNilRef() && isInstanceOfKey(vm, v, key) {
		result = 1
	}
	f.PushOperand(cell.Int(result))
	if op == opcode.Instanceof {
		f.Method.Code[f.IP] = byte(opcode.InstanceofFast)
	}
	f.IP += 3
	return contOutcome, nil
}

// isInstanceOfKey tests v (known non-null) against the class or array
// type named by key.
func isInstanceOfKey(vm *VM, v cell.Value, key classfile.Key) bool {
	name := vm.Interner.Lookup(key)
	dims, elem := classfile.ParseArrayDescriptor(name)
	if dims > 0 {
		arr, ok := v.Ref.(*Array)
		if !ok {
			return false
		}
		if arr.Class.Dimensions != dims {
			return false
		}
		prim := classfile.PrimitiveForDescriptor(elem)
		if prim != classfile.PrimNone {
			return arr.Class.ElementPrim == prim
		}
		if arr.Class.ElementClass == nil {
			return false
		}
		return elem[0] != 'L' || vm.Classes.IsSubclassOf(arr.Class.ElementClass.Key(), vm.Interner.Intern(elem[1:len(elem)-1]))
	}
	inst, ok := v.Ref.(*Instance)
	if !ok {
		return false
	}
	if vm.Classes.IsInterface(key) {
		return implementsInterface(vm, inst.Class, key)
	}
	return vm.Classes.IsSubclassOf(inst.Class.Key(), key)
}

func implementsInterface(vm *VM, cls *classfile.InstanceClass, iface classfile.Key) bool {
	for c := cls; c != nil; {
		for _, i := range c.Interfaces {
			if i == iface || vm.Classes.IsSubclassOf(i, iface) {
				return true
			}
		}
		sup, _ := c.Super.(*classfile.InstanceClass)
		c = sup
	}
	return false
}
