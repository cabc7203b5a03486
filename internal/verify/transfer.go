package verify

import (
	"github.com/coldvm/coldvm/internal/classfile"
	"github.com/coldvm/coldvm/internal/opcode"
	"github.com/coldvm/coldvm/internal/vmerr"
)

// transferResult carries the control-flow facts the simulator needs
// after applying one instruction's stack/locals transfer function
// (spec.md §4.2 simulation step 3): where control may go next.
type transferResult struct {
	branchTargets []int
	fallsThrough  bool
}

// ctx bundles the read-only collaborators the transfer function needs:
// the constant pool (for ldc/field/method/class references), the class
// hierarchy (for assignability), and the method being verified (for
// locals slot count, code length, and the receiver's declaring class).
type ctx struct {
	pool     *classfile.ConstantPool
	h        ClassHierarchy
	interner classfile.Interner
	method   *classfile.Method
	newSeen  map[int]classfile.Key // new-instruction pc -> the class key it instantiates, for the cross-method obligation
}

func be16(b []byte) uint16 { return uint16(b[0])<<8 | uint16(b[1]) }
func s16(b []byte) int32   { return int32(int16(be16(b))) }
func be32i(b []byte) int32 { return int32(b[0])<<24 | int32(b[1])<<16 | int32(b[2])<<8 | int32(b[3]) }

// transfer applies one instruction's type transfer function to s
// in-place and reports the possible successor offsets.
func transfer(c *ctx, instr opcode.Instruction, s *frameState) (transferResult, error) {
	op := instr.Op
	pc := instr.PC
	fall := transferResult{fallsThrough: true}

	switch op {
	case opcode.Nop:
		return fall, nil

	case opcode.AconstNull:
		s.push(Null)
		return fall, nil

	case opcode.IconstM1, opcode.Iconst0, opcode.Iconst1, opcode.Iconst2, opcode.Iconst3, opcode.Iconst4, opcode.Iconst5,
		opcode.Bipush, opcode.Sipush:
		s.push(Integer)
		return fall, nil

	case opcode.Lconst0, opcode.Lconst1:
		s.push(Long)
		return fall, nil
	case opcode.Fconst0, opcode.Fconst1, opcode.Fconst2:
		s.push(Float)
		return fall, nil
	case opcode.Dconst0, opcode.Dconst1:
		s.push(Double)
		return fall, nil

	case opcode.Ldc, opcode.LdcW:
		idx := ldcIndex(op, instr.Operand)
		e, err := c.pool.At(idx)
		if err != nil {
			return fall, err
		}
		switch e.Tag {
		case classfile.TagInteger:
			s.push(Integer)
		case classfile.TagFloat:
			s.push(Float)
		case classfile.TagString:
			s.push(Reference(c.h.RootKey()))
		case classfile.TagClass:
			s.push(Reference(c.h.RootKey()))
		default:
			return fall, vmerr.New(vmerr.VerifyError, "bad ldc target tag %d", e.Tag)
		}
		return fall, nil
	case opcode.Ldc2W:
		idx := be16(instr.Operand)
		e, err := c.pool.At(idx)
		if err != nil {
			return fall, err
		}
		switch e.Tag {
		case classfile.TagLong:
			s.push(Long)
		case classfile.TagDouble:
			s.push(Double)
		default:
			return fall, vmerr.New(vmerr.VerifyError, "bad ldc2_w target tag %d", e.Tag)
		}
		return fall, nil

	case opcode.Iload, opcode.Iload0, opcode.Iload1, opcode.Iload2, opcode.Iload3:
		return fall, loadLocal(c, instr, s, Integer)
	case opcode.Fload, opcode.Fload0, opcode.Fload1, opcode.Fload2, opcode.Fload3:
		return fall, loadLocal(c, instr, s, Float)
	case opcode.Aload, opcode.Aload0, opcode.Aload1, opcode.Aload2, opcode.Aload3:
		return fall, loadLocalRef(c, instr, s)
	case opcode.Lload, opcode.Lload0, opcode.Lload1, opcode.Lload2, opcode.Lload3:
		return fall, loadLocal2(c, instr, s, Long)
	case opcode.Dload, opcode.Dload0, opcode.Dload1, opcode.Dload2, opcode.Dload3:
		return fall, loadLocal2(c, instr, s, Double)

	case opcode.Istore, opcode.Istore0, opcode.Istore1, opcode.Istore2, opcode.Istore3:
		return fall, storeLocal(c, instr, s, Integer, c.h)
	case opcode.Fstore, opcode.Fstore0, opcode.Fstore1, opcode.Fstore2, opcode.Fstore3:
		return fall, storeLocal(c, instr, s, Float, c.h)
	case opcode.Astore, opcode.Astore0, opcode.Astore1, opcode.Astore2, opcode.Astore3:
		return fall, storeLocalRef(c, instr, s)
	case opcode.Lstore, opcode.Lstore0, opcode.Lstore1, opcode.Lstore2, opcode.Lstore3:
		return fall, storeLocal2(c, instr, s, Long)
	case opcode.Dstore, opcode.Dstore0, opcode.Dstore1, opcode.Dstore2, opcode.Dstore3:
		return fall, storeLocal2(c, instr, s, Double)

	case opcode.Iaload:
		return fall, arrayLoad(s, Integer, c.h)
	case opcode.Faload:
		return fall, arrayLoad(s, Float, c.h)
	case opcode.Baload:
		return fall, arrayLoad(s, Integer, c.h)
	case opcode.Caload:
		return fall, arrayLoad(s, Integer, c.h)
	case opcode.Saload:
		return fall, arrayLoad(s, Integer, c.h)
	case opcode.Laload:
		return fall, arrayLoad2(s, Long, c.h)
	case opcode.Daload:
		return fall, arrayLoad2(s, Double, c.h)
	case opcode.Aaload:
		return fall, aaload(s, c.h)

	case opcode.Iastore, opcode.Bastore, opcode.Castore, opcode.Sastore:
		return fall, arrayStore(s, Integer, c.h)
	case opcode.Fastore:
		return fall, arrayStore(s, Float, c.h)
	case opcode.Lastore:
		return fall, arrayStore2(s, Long, c.h)
	case opcode.Dastore:
		return fall, arrayStore2(s, Double, c.h)
	case opcode.Aastore:
		return fall, aastore(s, c.h)

	case opcode.Pop:
		_, err := s.pop()
		return fall, err
	case opcode.Pop2:
		if _, err := s.pop(); err != nil {
			return fall, err
		}
		_, err := s.pop()
		return fall, err
	case opcode.Dup:
		return fall, dupN(s, 1, 0)
	case opcode.DupX1:
		return fall, dupN(s, 1, 1)
	case opcode.DupX2:
		return fall, dupN(s, 1, 2)
	case opcode.Dup2:
		return fall, dupN(s, 2, 0)
	case opcode.Dup2X1:
		return fall, dupN(s, 2, 1)
	case opcode.Dup2X2:
		return fall, dupN(s, 2, 2)
	case opcode.Swap:
		return fall, swap(s)

	case opcode.Iadd, opcode.Isub, opcode.Imul, opcode.Idiv, opcode.Irem,
		opcode.Ishl, opcode.Ishr, opcode.Iushr, opcode.Iand, opcode.Ior, opcode.Ixor:
		return fall, binary(s, Integer, c.h)
	case opcode.Ineg:
		return fall, unary(s, Integer, c.h)
	case opcode.Ladd, opcode.Lsub, opcode.Lmul, opcode.Ldiv, opcode.Lrem, opcode.Land, opcode.Lor, opcode.Lxor:
		return fall, binary2(s, Long)
	case opcode.Lneg:
		return fall, unary2(s, Long)
	case opcode.Lshl, opcode.Lshr, opcode.Lushr:
		return fall, shiftLong(s, c.h)
	case opcode.Fadd, opcode.Fsub, opcode.Fmul, opcode.Fdiv, opcode.Frem:
		return fall, binary(s, Float, c.h)
	case opcode.Fneg:
		return fall, unary(s, Float, c.h)
	case opcode.Dadd, opcode.Dsub, opcode.Dmul, opcode.Ddiv, opcode.Drem:
		return fall, binary2(s, Double)
	case opcode.Dneg:
		return fall, unary2(s, Double)
	case opcode.Iinc:
		idx := int(instr.Operand[0])
		if instr.Wide {
			idx = int(be16(instr.Operand))
		}
		return fall, checkLocalSlot(s, idx, Integer, c.h)

	case opcode.I2l:
		return fall, convert1to2(s, Integer, Long, c.h)
	case opcode.I2f:
		return fall, convert1to1(s, Integer, Float, c.h)
	case opcode.I2d:
		return fall, convert1to2(s, Integer, Double, c.h)
	case opcode.L2i:
		return fall, convert2to1(s, Long, Integer)
	case opcode.L2f:
		return fall, convert2to1(s, Long, Float)
	case opcode.L2d:
		return fall, convert2to2(s, Long, Double)
	case opcode.F2i:
		return fall, convert1to1(s, Float, Integer, c.h)
	case opcode.F2l:
		return fall, convert1to2(s, Float, Long, c.h)
	case opcode.F2d:
		return fall, convert1to2(s, Float, Double, c.h)
	case opcode.D2i:
		return fall, convert2to1(s, Double, Integer)
	case opcode.D2l:
		return fall, convert2to2(s, Double, Long)
	case opcode.D2f:
		return fall, convert2to1(s, Double, Float)
	case opcode.I2b, opcode.I2c, opcode.I2s:
		return fall, unary(s, Integer, c.h)

	case opcode.Lcmp:
		if err := popCategory2(s, Long); err != nil {
			return fall, err
		}
		if err := popCategory2(s, Long); err != nil {
			return fall, err
		}
		s.push(Integer)
		return fall, nil
	case opcode.Fcmpl, opcode.Fcmpg:
		return fall, binaryToInt(s, Float, c.h)
	case opcode.Dcmpl, opcode.Dcmpg:
		if err := popCategory2(s, Double); err != nil {
			return fall, err
		}
		if err := popCategory2(s, Double); err != nil {
			return fall, err
		}
		s.push(Integer)
		return fall, nil

	case opcode.Ifeq, opcode.Ifne, opcode.Iflt, opcode.Ifge, opcode.Ifgt, opcode.Ifle:
		if _, err := popExpect(s, Integer, c.h); err != nil {
			return fall, err
		}
		return branchResult(pc, s16(instr.Operand)), nil
	case opcode.IfIcmpeq, opcode.IfIcmpne, opcode.IfIcmplt, opcode.IfIcmpge, opcode.IfIcmpgt, opcode.IfIcmple:
		if err := binaryCond(s, Integer, c.h); err != nil {
			return fall, err
		}
		return branchResult(pc, s16(instr.Operand)), nil
	case opcode.IfAcmpeq, opcode.IfAcmpne:
		if _, err := s.pop(); err != nil {
			return fall, err
		}
		if _, err := s.pop(); err != nil {
			return fall, err
		}
		return branchResult(pc, s16(instr.Operand)), nil
	case opcode.Ifnull, opcode.Ifnonnull:
		if _, err := s.pop(); err != nil {
			return fall, err
		}
		return branchResult(pc, s16(instr.Operand)), nil
	case opcode.Goto:
		return transferResult{branchTargets: []int{pc + int(s16(instr.Operand))}, fallsThrough: false}, nil
	case opcode.GotoW:
		return transferResult{branchTargets: []int{pc + int(be32i(instr.Operand))}, fallsThrough: false}, nil

	case opcode.Tableswitch:
		return tableswitchResult(pc, instr.Operand)
	case opcode.Lookupswitch:
		return lookupswitchResult(pc, instr.Operand)

	case opcode.Ireturn:
		_, err := popExpect(s, Integer, c.h)
		return transferResult{fallsThrough: false}, err
	case opcode.Freturn:
		_, err := popExpect(s, Float, c.h)
		return transferResult{fallsThrough: false}, err
	case opcode.Lreturn:
		return transferResult{fallsThrough: false}, popCategory2(s, Long)
	case opcode.Dreturn:
		return transferResult{fallsThrough: false}, popCategory2(s, Double)
	case opcode.Areturn:
		_, err := s.pop()
		return transferResult{fallsThrough: false}, err
	case opcode.Return:
		return transferResult{fallsThrough: false}, nil

	case opcode.Getstatic, opcode.GetstaticFast:
		return fall, fieldGet(c, instr, s, true)
	case opcode.Putstatic, opcode.PutstaticFast:
		return fall, fieldPut(c, instr, s, true)
	case opcode.Getfield, opcode.GetfieldFast:
		return fall, fieldGet(c, instr, s, false)
	case opcode.Putfield, opcode.PutfieldFast:
		return fall, fieldPut(c, instr, s, false)

	case opcode.Invokevirtual, opcode.Invokespecial, opcode.Invokestatic, opcode.Invokeinterface,
		opcode.InvokevirtualFast, opcode.InvokespecialFast, opcode.InvokestaticFast, opcode.InvokeinterfaceFast:
		return fall, invoke(c, op, instr, s, pc)

	case opcode.New, opcode.NewFast:
		idx := be16(instr.Operand)
		key, err := c.pool.ClassName(idx)
		if err != nil {
			return fall, err
		}
		c.newSeen[pc] = key
		s.push(NewObject(pc))
		return fall, nil
	case opcode.Newarray:
		if _, err := popExpect(s, Integer, c.h); err != nil {
			return fall, err
		}
		prim, err := newarrayPrimTag(instr.Operand[0])
		if err != nil {
			return fall, err
		}
		s.push(TypeValue{Tag: TagArray, Dims: 1, Prim: prim})
		return fall, nil
	case opcode.Anewarray, opcode.AnewarrayFast:
		if _, err := popExpect(s, Integer, c.h); err != nil {
			return fall, err
		}
		idx := be16(instr.Operand)
		key, err := c.pool.ClassName(idx)
		if err != nil {
			return fall, err
		}
		s.push(TypeValue{Tag: TagArray, Dims: 1, Class: key})
		return fall, nil
	case opcode.Multianewarray:
		dims := int(instr.Operand[2])
		for i := 0; i < dims; i++ {
			if _, err := popExpect(s, Integer, c.h); err != nil {
				return fall, err
			}
		}
		idx := be16(instr.Operand)
		key, err := c.pool.ClassName(idx)
		if err != nil {
			return fall, err
		}
		s.push(TypeValue{Tag: TagArray, Dims: dims, Class: key})
		return fall, nil
	case opcode.Arraylength:
		if _, err := s.pop(); err != nil {
			return fall, err
		}
		s.push(Integer)
		return fall, nil
	case opcode.Athrow:
		if _, err := s.pop(); err != nil {
			return fall, err
		}
		return transferResult{fallsThrough: false}, nil
	case opcode.Checkcast, opcode.CheckcastFast:
		idx := be16(instr.Operand)
		key, err := c.pool.ClassName(idx)
		if err != nil {
			return fall, err
		}
		if _, err := s.pop(); err != nil {
			return fall, err
		}
		s.push(Reference(key))
		return fall, nil
	case opcode.Instanceof, opcode.InstanceofFast:
		if _, err := s.pop(); err != nil {
			return fall, err
		}
		s.push(Integer)
		return fall, nil
	case opcode.Monitorenter, opcode.Monitorexit:
		_, err := s.pop()
		return fall, err

	case opcode.Wide:
		return fall, vmerr.New(vmerr.VerifyError, "wide prefix must not reach transfer directly")

	case opcode.Jsr, opcode.Ret:
		return fall, vmerr.New(vmerr.VerifyError, "subroutine opcodes are not verifiable (unsupported)")

	default:
		return fall, vmerr.New(vmerr.VerifyError, "unknown opcode 0x%02x at pc %d", byte(op), pc)
	}
}

// newarrayPrimTag maps the newarray operand's JVM T_xxx code (spec.md
// §4.3 New family; values per opcode.ArrayBoolean..opcode.ArrayLong) to
// classfile's own PrimitiveTag enumeration, which uses a different
// (denser) numbering.
func newarrayPrimTag(code byte) (classfile.PrimitiveTag, error) {
	switch code {
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
		return classfile.PrimNone, vmerr.New(vmerr.VerifyError, "newarray: unknown array type code %d", code)
	}
}

func ldcIndex(op opcode.Op, operand []byte) uint16 {
	if op == opcode.Ldc {
		return uint16(operand[0])
	}
	return be16(operand)
}

func localIndex(instr opcode.Instruction) int {
	switch instr.Op {
	case opcode.Iload0, opcode.Fload0, opcode.Aload0, opcode.Lload0, opcode.Dload0,
		opcode.Istore0, opcode.Fstore0, opcode.Astore0, opcode.Lstore0, opcode.Dstore0:
		return 0
	case opcode.Iload1, opcode.Fload1, opcode.Aload1, opcode.Lload1, opcode.Dload1,
		opcode.Istore1, opcode.Fstore1, opcode.Astore1, opcode.Lstore1, opcode.Dstore1:
		return 1
	case opcode.Iload2, opcode.Fload2, opcode.Aload2, opcode.Lload2, opcode.Dload2,
		opcode.Istore2, opcode.Fstore2, opcode.Astore2, opcode.Lstore2, opcode.Dstore2:
		return 2
	case opcode.Iload3, opcode.Fload3, opcode.Aload3, opcode.Lload3, opcode.Dload3,
		opcode.Istore3, opcode.Fstore3, opcode.Astore3, opcode.Lstore3, opcode.Dstore3:
		return 3
	default:
		if instr.Wide {
			return int(be16(instr.Operand))
		}
		return int(instr.Operand[0])
	}
}

func checkLocalSlot(s *frameState, idx int, want TypeValue, h ClassHierarchy) error {
	if idx < 0 || idx >= len(s.locals) {
		return vmerr.New(vmerr.VerifyError, "local index %d out of range", idx)
	}
	if !assignable(s.locals[idx], want, h) {
		return vmerr.New(vmerr.VerifyError, "local %d: expected %s, got %s", idx, want, s.locals[idx])
	}
	return nil
}

func loadLocal(c *ctx, instr opcode.Instruction, s *frameState, want TypeValue) error {
	idx := localIndex(instr)
	if err := checkLocalSlot(s, idx, want, c.h); err != nil {
		return err
	}
	s.push(s.locals[idx])
	return nil
}

func loadLocalRef(c *ctx, instr opcode.Instruction, s *frameState) error {
	idx := localIndex(instr)
	if idx < 0 || idx >= len(s.locals) {
		return vmerr.New(vmerr.VerifyError, "local index %d out of range", idx)
	}
	v := s.locals[idx]
	if !v.IsReferenceLike() {
		return vmerr.New(vmerr.VerifyError, "local %d: expected reference, got %s", idx, v)
	}
	s.push(v)
	return nil
}

func loadLocal2(c *ctx, instr opcode.Instruction, s *frameState, want TypeValue) error {
	idx := localIndex(instr)
	if idx < 0 || idx+1 >= len(s.locals) {
		return vmerr.New(vmerr.VerifyError, "local index %d out of range", idx)
	}
	if s.locals[idx].Tag != want.Tag || s.locals[idx+1] != companion(want) {
		return vmerr.New(vmerr.VerifyError, "local %d: expected %s pair", idx, want)
	}
	s.push(want)
	return nil
}

func storeLocal(c *ctx, instr opcode.Instruction, s *frameState, want TypeValue, h ClassHierarchy) error {
	idx := localIndex(instr)
	v, err := popExpect(s, want, h)
	if err != nil {
		return err
	}
	growLocals(s, idx)
	s.locals[idx] = v
	return nil
}

func storeLocalRef(c *ctx, instr opcode.Instruction, s *frameState) error {
	idx := localIndex(instr)
	v, err := s.pop()
	if err != nil {
		return err
	}
	if !v.IsReferenceLike() {
		return vmerr.New(vmerr.VerifyError, "astore %d: expected reference, got %s", idx, v)
	}
	growLocals(s, idx)
	s.locals[idx] = v
	return nil
}

func storeLocal2(c *ctx, instr opcode.Instruction, s *frameState, want TypeValue) error {
	idx := localIndex(instr)
	if err := popCategory2(s, want); err != nil {
		return err
	}
	growLocals(s, idx+1)
	s.locals[idx] = want
	s.locals[idx+1] = companion(want)
	return nil
}

func growLocals(s *frameState, idx int) {
	for len(s.locals) <= idx {
		s.locals = append(s.locals, Top)
	}
}

func arrayLoad(s *frameState, elem TypeValue, h ClassHierarchy) error {
	if _, err := popExpect(s, Integer, h); err != nil {
		return err
	}
	if _, err := s.pop(); err != nil { // arrayref; null check deferred to runtime (spec.md §8)
		return err
	}
	s.push(elem)
	return nil
}

func arrayLoad2(s *frameState, elem TypeValue, h ClassHierarchy) error {
	if _, err := popExpect(s, Integer, h); err != nil {
		return err
	}
	if _, err := s.pop(); err != nil {
		return err
	}
	s.push(elem)
	return nil
}

func aaload(s *frameState, h ClassHierarchy) error {
	if _, err := popExpect(s, Integer, h); err != nil {
		return err
	}
	arr, err := s.pop()
	if err != nil {
		return err
	}
	if arr.Tag == TagNull {
		s.push(Null)
		return nil
	}
	if arr.Tag != TagArray {
		return vmerr.New(vmerr.VerifyError, "aaload: expected array, got %s", arr)
	}
	if arr.Dims > 1 {
		s.push(TypeValue{Tag: TagArray, Dims: arr.Dims - 1, Class: arr.Class, Prim: arr.Prim})
	} else if arr.Prim != classfile.PrimNone {
		s.push(primScalar(arr.Prim))
	} else {
		s.push(Reference(arr.Class))
	}
	return nil
}

func primScalar(p classfile.PrimitiveTag) TypeValue {
	switch p {
	case classfile.PrimLong:
		return Long
	case classfile.PrimDouble:
		return Double
	case classfile.PrimFloat:
		return Float
	default:
		return Integer
	}
}

func arrayStore(s *frameState, elem TypeValue, h ClassHierarchy) error {
	if _, err := popExpect(s, elem, h); err != nil {
		return err
	}
	if _, err := popExpect(s, Integer, h); err != nil {
		return err
	}
	_, err := s.pop()
	return err
}

func arrayStore2(s *frameState, elem TypeValue, h ClassHierarchy) error {
	if err := popCategory2(s, elem); err != nil {
		return err
	}
	if _, err := popExpect(s, Integer, h); err != nil {
		return err
	}
	_, err := s.pop()
	return err
}

func aastore(s *frameState, h ClassHierarchy) error {
	if _, err := s.pop(); err != nil { // value; full assignability deferred to runtime slow path (spec.md §4.3 Array ops)
		return err
	}
	if _, err := popExpect(s, Integer, h); err != nil {
		return err
	}
	_, err := s.pop()
	return err
}

func dupN(s *frameState, words, skip int) error {
	if len(s.stack) < words+skip {
		return vmerr.New(vmerr.VerifyError, "operand stack underflow on dup")
	}
	top := append([]TypeValue(nil), s.stack[len(s.stack)-words:]...)
	insertAt := len(s.stack) - words - skip
	s.stack = append(s.stack[:insertAt], append(top, s.stack[insertAt:]...)...)
	return nil
}

func swap(s *frameState) error {
	if len(s.stack) < 2 {
		return vmerr.New(vmerr.VerifyError, "operand stack underflow on swap")
	}
	n := len(s.stack)
	s.stack[n-1], s.stack[n-2] = s.stack[n-2], s.stack[n-1]
	return nil
}

func unary(s *frameState, t TypeValue, h ClassHierarchy) error {
	_, err := popExpect(s, t, h)
	if err != nil {
		return err
	}
	s.push(t)
	return nil
}

func binary(s *frameState, t TypeValue, h ClassHierarchy) error {
	if _, err := popExpect(s, t, h); err != nil {
		return err
	}
	if _, err := popExpect(s, t, h); err != nil {
		return err
	}
	s.push(t)
	return nil
}

func binaryToInt(s *frameState, t TypeValue, h ClassHierarchy) error {
	if _, err := popExpect(s, t, h); err != nil {
		return err
	}
	if _, err := popExpect(s, t, h); err != nil {
		return err
	}
	s.push(Integer)
	return nil
}

func binaryCond(s *frameState, t TypeValue, h ClassHierarchy) error {
	if _, err := popExpect(s, t, h); err != nil {
		return err
	}
	_, err := popExpect(s, t, h)
	return err
}

func unary2(s *frameState, t TypeValue) error {
	if err := popCategory2(s, t); err != nil {
		return err
	}
	s.push(t)
	return nil
}

func binary2(s *frameState, t TypeValue) error {
	if err := popCategory2(s, t); err != nil {
		return err
	}
	if err := popCategory2(s, t); err != nil {
		return err
	}
	s.push(t)
	return nil
}

// shiftLong pops an int shift count then a long, per spec.md §8 "Shift
// counts on int mask by 0x1F; on long by 0x3F" (masking itself is a
// runtime concern; the verifier only checks operand shapes).
func shiftLong(s *frameState, h ClassHierarchy) error {
	if _, err := popExpect(s, Integer, h); err != nil {
		return err
	}
	if err := popCategory2(s, Long); err != nil {
		return err
	}
	s.push(Long)
	return nil
}

func convert1to1(s *frameState, from, to TypeValue, h ClassHierarchy) error {
	if _, err := popExpect(s, from, h); err != nil {
		return err
	}
	s.push(to)
	return nil
}

func convert1to2(s *frameState, from, to TypeValue, h ClassHierarchy) error {
	if _, err := popExpect(s, from, h); err != nil {
		return err
	}
	s.push(to)
	return nil
}

func convert2to1(s *frameState, from, to TypeValue) error {
	if err := popCategory2(s, from); err != nil {
		return err
	}
	s.push(to)
	return nil
}

func convert2to2(s *frameState, from, to TypeValue) error {
	if err := popCategory2(s, from); err != nil {
		return err
	}
	s.push(to)
	return nil
}

func branchResult(pc int, rel int32) transferResult {
	return transferResult{branchTargets: []int{pc + int(rel)}, fallsThrough: true}
}

func tableswitchResult(pc int, operand []byte) (transferResult, error) {
	// operand already excludes the opcode byte but includes the padding
	// bytes consumed by opcode.Decode; walk it the same way Decode did.
	i := 0
	for (pc+1+i)%4 != 0 {
		i++
	}
	if i+12 > len(operand) {
		return transferResult{}, vmerr.New(vmerr.VerifyError, "truncated tableswitch at pc %d", pc)
	}
	def := be32i(operand[i:])
	low := be32i(operand[i+4:])
	high := be32i(operand[i+8:])
	targets := []int{pc + int(def)}
	base := i + 12
	for j := int32(0); j < high-low+1; j++ {
		off := base + int(j)*4
		if off+4 > len(operand) {
			return transferResult{}, vmerr.New(vmerr.VerifyError, "truncated tableswitch entries at pc %d", pc)
		}
		targets = append(targets, pc+int(be32i(operand[off:])))
	}
	return transferResult{branchTargets: targets, fallsThrough: false}, nil
}

func lookupswitchResult(pc int, operand []byte) (transferResult, error) {
	i := 0
	for (pc+1+i)%4 != 0 {
		i++
	}
	if i+8 > len(operand) {
		return transferResult{}, vmerr.New(vmerr.VerifyError, "truncated lookupswitch at pc %d", pc)
	}
	def := be32i(operand[i:])
	npairs := be32i(operand[i+4:])
	targets := []int{pc + int(def)}
	base := i + 8
	for j := int32(0); j < npairs; j++ {
		off := base + int(j)*8 + 4
		if off+4 > len(operand) {
			return transferResult{}, vmerr.New(vmerr.VerifyError, "truncated lookupswitch entries at pc %d", pc)
		}
		targets = append(targets, pc+int(be32i(operand[off:])))
	}
	return transferResult{branchTargets: targets, fallsThrough: false}, nil
}

func fieldGet(c *ctx, instr opcode.Instruction, s *frameState, static bool) error {
	idx := be16(instr.Operand)
	e, err := c.pool.RequireTag(idx, classfile.TagFieldref)
	if err != nil {
		return err
	}
	if !static {
		if _, err := s.pop(); err != nil {
			return err
		}
	}
	desc := c.interner.Lookup(e.Ref.TypeKey)
	pushDescriptor(s, desc, c.h, classfile.DescriptorWidth(desc))
	return nil
}

func fieldPut(c *ctx, instr opcode.Instruction, s *frameState, static bool) error {
	idx := be16(instr.Operand)
	e, err := c.pool.RequireTag(idx, classfile.TagFieldref)
	if err != nil {
		return err
	}
	desc := c.interner.Lookup(e.Ref.TypeKey)
	if classfile.DescriptorWidth(desc) == 2 {
		cat2 := category2Of(desc)
		if err := popCategory2(s, cat2); err != nil {
			return err
		}
	} else {
		if _, err := s.pop(); err != nil {
			return err
		}
	}
	if !static {
		if _, err := s.pop(); err != nil {
			return err
		}
	}
	return nil
}

func category2Of(desc string) TypeValue {
	if desc == "J" {
		return Long
	}
	return Double
}

func pushDescriptor(s *frameState, desc string, h ClassHierarchy, width int) {
	switch {
	case desc == "J":
		s.push(Long)
	case desc == "D":
		s.push(Double)
	case desc == "F":
		s.push(Float)
	case desc == "I", desc == "Z", desc == "B", desc == "C", desc == "S":
		s.push(Integer)
	case len(desc) > 0 && desc[0] == '[':
		dims, elemDesc := classfile.ParseArrayDescriptor(desc)
		if elemDesc[0] == 'L' {
			s.push(TypeValue{Tag: TagArray, Dims: dims, Class: h.RootKey()})
		} else {
			s.push(TypeValue{Tag: TagArray, Dims: dims, Prim: classfile.PrimitiveForDescriptor(elemDesc)})
		}
	default:
		s.push(Reference(h.RootKey()))
	}
}

// invoke implements the invoke family's verifier-side obligations
// (spec.md §4.2 simulation step 4): pop argument words (right to left),
// pop the receiver unless static, push the return value. <init> calls
// receive special handling in resolveInit, called by the verifier core
// once it has located the receiver's actual type.
func invoke(c *ctx, op opcode.Op, instr opcode.Instruction, s *frameState, pc int) error {
	idx := be16(instr.Operand)
	var classKey, nameKey, typeKey classfile.Key
	switch op {
	case opcode.Invokeinterface, opcode.InvokeinterfaceFast:
		e, err := c.pool.RequireTag(idx, classfile.TagInterfaceMethodref)
		if err != nil {
			return err
		}
		classKey, nameKey, typeKey = e.Ref.ClassKey, e.Ref.NameKey, e.Ref.TypeKey
	default:
		e, err := c.pool.RequireTag(idx, classfile.TagMethodref)
		if err != nil {
			return err
		}
		classKey, nameKey, typeKey = e.Ref.ClassKey, e.Ref.NameKey, e.Ref.TypeKey
	}

	typeDesc := c.interner.Lookup(typeKey)
	argDescs := classfile.ParseMethodArgDescriptors(typeDesc)
	for i := len(argDescs) - 1; i >= 0; i-- {
		if err := popArg(s, argDescs[i], c.h); err != nil {
			return err
		}
	}

	isInit := c.interner.Lookup(nameKey) == "<init>"
	static := op == opcode.Invokestatic || op == opcode.InvokestaticFast
	if !static {
		recv, err := s.pop()
		if err != nil {
			return err
		}
		if isInit {
			if err := resolveInit(c, s, recv, classKey, pc); err != nil {
				return err
			}
		}
	}

	ret := classfile.ParseMethodReturnDescriptor(typeDesc)
	if ret != "V" {
		pushDescriptor(s, ret, c.h, classfile.DescriptorWidth(ret))
	}
	return nil
}

func popArg(s *frameState, desc string, h ClassHierarchy) error {
	switch {
	case desc == "J":
		return popCategory2(s, Long)
	case desc == "D":
		return popCategory2(s, Double)
	case desc == "F":
		_, err := popExpect(s, Float, h)
		return err
	case desc == "I", desc == "Z", desc == "B", desc == "C", desc == "S":
		_, err := popExpect(s, Integer, h)
		return err
	default:
		_, err := s.pop()
		return err
	}
}

// resolveInit implements spec.md §4.2 simulation step 4: the receiver
// of invokespecial <init> is either a NewObject(pc') (resolved by
// locating the actual `new` opcode at pc' and confirming its class
// matches) or InitObject (this/super call, which must additionally lie
// outside every exception handler range). On success every occurrence
// of the receiver value in locals and stack is replaced by the concrete
// class type.
func resolveInit(c *ctx, s *frameState, recv TypeValue, calledClass classfile.Key, pc int) error {
	switch recv.Tag {
	case TagNewObject:
		newClass, ok := c.newSeen[recv.NewPC]
		if !ok {
			return vmerr.New(vmerr.VerifyError, "invokespecial <init>: no matching new at pc %d", recv.NewPC)
		}
		if newClass != calledClass {
			return vmerr.New(vmerr.VerifyError, "invokespecial <init>: new at pc %d instantiates a different class than <init> targets", recv.NewPC)
		}
		replaceReceiver(s, recv, Reference(newClass))
		return nil
	case TagInitObject:
		if !s.needsInit {
			return vmerr.New(vmerr.VerifyError, "invokespecial <init>: receiver already initialised")
		}
		owner := c.method.Owner.Key()
		if calledClass != owner && (c.method.Owner.Super == nil || calledClass != c.method.Owner.Super.Key()) {
			return vmerr.New(vmerr.VerifyError, "invokespecial <init>: must be this.<init> or super.<init>")
		}
		if inHandlerRange(c.method, pc) {
			return vmerr.New(vmerr.VerifyError, "invokespecial <init>: this.<init>/super.<init> must lie outside every exception handler range")
		}
		s.needsInit = false
		replaceReceiver(s, recv, Reference(owner))
		return nil
	default:
		return vmerr.New(vmerr.VerifyError, "invokespecial <init>: receiver is not an uninitialised object (%s)", recv)
	}
}

// inHandlerRange reports whether pc falls inside any of m's exception
// handler [StartPC, EndPC) ranges.
func inHandlerRange(m *classfile.Method, pc int) bool {
	for _, h := range m.Handlers {
		if pc >= h.StartPC && pc < h.EndPC {
			return true
		}
	}
	return false
}

func replaceReceiver(s *frameState, from, to TypeValue) {
	for i := range s.locals {
		if s.locals[i] == from {
			s.locals[i] = to
		}
	}
	for i := range s.stack {
		if s.stack[i] == from {
			s.stack[i] = to
		}
	}
}

// hasNewObjectMarker reports whether the backward-branch prohibition
// (spec.md §4.2 simulation step 5) is violated: any NewObject or
// InitObject marker still live in locals or stack.
func hasNewObjectMarker(s *frameState) bool {
	for _, v := range s.locals {
		if v.Tag == TagNewObject || v.Tag == TagInitObject {
			return true
		}
	}
	for _, v := range s.stack {
		if v.Tag == TagNewObject || v.Tag == TagInitObject {
			return true
		}
	}
	return false
}
