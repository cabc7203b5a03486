package interp

import (
	"math"

	"github.com/coldvm/coldvm/internal/cell"
	"github.com/coldvm/coldvm/internal/classfile"
	"github.com/coldvm/coldvm/internal/opcode"
	"github.com/coldvm/coldvm/internal/vmerr"
)

// StepReason reports why RunSlice returned control to its caller.
type StepReason int

const (
	ReasonSliceExpired StepReason = iota
	ReasonThreadDied
	ReasonBlockedMonitorEnter
	ReasonBlockedWait
	ReasonBlockedNative
	ReasonUncaughtException
	ReasonBreakpoint
)

// StepResult is RunSlice's report of what happened, handed back to the
// scheduler so it can decide what to do with the thread next.
type StepResult struct {
	Reason     StepReason
	WaitTarget *Instance
	WaitMillis int64
	Err        *vmerr.VMError
}

// RunSlice executes at most maxOps opcodes of thread t (spec.md §4.3's
// dispatch loop), or fewer if the thread blocks, dies or throws
// uncaught. maxOps <= 0 is treated as 1, so callers driving a nested
// execution (class init) pass a generous positive bound. A breakpoint
// opcode notifies the debugger (if any) and then executes the original
// opcode within the same slice; it does not end the slice.
func RunSlice(vm *VM, t *Thread, maxOps int) StepResult {
	if maxOps <= 0 {
		maxOps = 1
	}
	for i := 0; i < maxOps; i++ {
		f := t.Stack.Top()
		if f == nil {
			t.State = Dead
			return StepResult{Reason: ReasonThreadDied}
		}

		if f.CustomCode != nil {
			err := f.CustomCode(t)
			t.Stack.Pop()
			if err != nil {
				if handled, final := propagate(vm, t, err); !handled {
					t.State = Dead
					return StepResult{Reason: ReasonUncaughtException, Err: final}
				}
			}
			continue
		}

		if f.IP >= len(f.Method.Code) {
			vmerr.Panic("instruction pointer ran off the end of %s's code", vm.Interner.Lookup(f.Method.Name))
		}

		op := opcode.Op(f.Method.Code[f.IP])
		if op == opcode.Breakpoint {
			orig, ok := vm.Breakpoints[breakpointKey{f.Method, f.IP}]
			if !ok {
				vmerr.Panic("breakpoint opcode with no saved original at pc %d", f.IP)
			}
			if vm.Debug != nil {
				vm.Debug.Breakpoint(t, f.IP)
			}
			op = opcode.Op(orig)
		}

		res, err := step(vm, t, f, op)
		if err != nil {
			if handled, final := propagate(vm, t, err); !handled {
				t.State = Dead
				return StepResult{Reason: ReasonUncaughtException, Err: final}
			}
			continue
		}
		switch res.kind {
		case stepContinue:
			// fall through to time-slice accounting below
		case stepSuspendInit:
			continue
		case stepBlockMonitor:
			t.State = MonitorWait
			return StepResult{Reason: ReasonBlockedMonitorEnter, WaitTarget: res.obj}
		case stepBlockWait:
			t.State = CondVarWait
			return StepResult{Reason: ReasonBlockedWait, WaitTarget: res.obj, WaitMillis: res.millis}
		case stepThreadKilled:
			t.State = Dead
			return StepResult{Reason: ReasonThreadDied}
		}

		if vm.Debug != nil {
			vm.Debug.SingleStep(t, f.IP)
		}

		t.TimeSlice--
		if t.TimeSlice <= 0 {
			return StepResult{Reason: ReasonSliceExpired}
		}
	}
	return StepResult{Reason: ReasonSliceExpired}
}

func asVMError(err error) *vmerr.VMError {
	if ve, ok := err.(*vmerr.VMError); ok {
		return ve
	}
	return vmerr.New(vmerr.NullPointerException, "%v", err)
}

type stepOutcomeKind int

const (
	stepContinue stepOutcomeKind = iota
	stepSuspendInit
	stepBlockMonitor
	stepBlockWait
	stepThreadKilled
)

type stepOutcome struct {
	kind   stepOutcomeKind
	obj    *Instance
	millis int64
}

var contOutcome = stepOutcome{kind: stepContinue}

// step executes exactly one instruction of frame f, advancing f.IP
// (except where a suspension requires re-executing the same
// instruction later).
func step(vm *VM, t *Thread, f *Frame, op opcode.Op) (stepOutcome, error) {
	switch op {
	case opcode.Nop:
		f.IP++
		return contOutcome, nil

	case opcode.AconstNull:
		f.PushOperand(cell.RefVal(nil))
		f.IP++
		return contOutcome, nil

	case opcode.IconstM1, opcode.Iconst0, opcode.Iconst1, opcode.Iconst2, opcode.Iconst3, opcode.Iconst4, opcode.Iconst5:
		f.PushOperand(cell.Int(int32(op) - int32(opcode.Iconst0)))
		f.IP++
		return contOutcome, nil

	case opcode.Lconst0, opcode.Lconst1:
		pushLong(f, int64(op)-int64(opcode.Lconst0))
		f.IP++
		return contOutcome, nil

	case opcode.Fconst0, opcode.Fconst1, opcode.Fconst2:
		f.PushOperand(cell.Float(float32(int(op) - int(opcode.Fconst0))))
		f.IP++
		return contOutcome, nil

	case opcode.Dconst0, opcode.Dconst1:
		pushDouble(f, float64(int(op)-int(opcode.Dconst0)))
		f.IP++
		return contOutcome, nil

	case opcode.Bipush:
		v := int32(int8(f.Method.Code[f.IP+1]))
		f.PushOperand(cell.Int(v))
		f.IP += 2
		return contOutcome, nil

	case opcode.Sipush:
		v := int32(int16(be16(f.Method.Code, f.IP+1)))
		f.PushOperand(cell.Int(v))
		f.IP += 3
		return contOutcome, nil

	case opcode.Ldc:
		idx := uint16(f.Method.Code[f.IP+1])
		if err := pushConstant(vm, f, idx); err != nil {
			return stepOutcome{}, err
		}
		f.IP += 2
		return contOutcome, nil

	case opcode.LdcW, opcode.Ldc2W:
		idx := be16(f.Method.Code, f.IP+1)
		if err := pushConstant(vm, f, idx); err != nil {
			return stepOutcome{}, err
		}
		f.IP += 3
		return contOutcome, nil

	case opcode.Iload, opcode.Fload, opcode.Aload:
		idx := int(f.Method.Code[f.IP+1])
		f.PushOperand(f.Locals[idx])
		f.IP += 2
		return contOutcome, nil
	case opcode.Lload, opcode.Dload:
		idx := int(f.Method.Code[f.IP+1])
		f.PushOperand(f.Locals[idx])
		f.PushOperand(f.Locals[idx+1])
		f.IP += 2
		return contOutcome, nil

	case opcode.Iload0, opcode.Iload1, opcode.Iload2, opcode.Iload3:
		f.PushOperand(f.Locals[int(op)-int(opcode.Iload0)])
		f.IP++
		return contOutcome, nil
	case opcode.Fload0, opcode.Fload1, opcode.Fload2, opcode.Fload3:
		f.PushOperand(f.Locals[int(op)-int(opcode.Fload0)])
		f.IP++
		return contOutcome, nil
	case opcode.Aload0, opcode.Aload1, opcode.Aload2, opcode.Aload3:
		f.PushOperand(f.Locals[int(op)-int(opcode.Aload0)])
		f.IP++
		return contOutcome, nil
	case opcode.Lload0, opcode.Lload1, opcode.Lload2, opcode.Lload3:
		idx := int(op) - int(opcode.Lload0)
		f.PushOperand(f.Locals[idx])
		f.PushOperand(f.Locals[idx+1])
		f.IP++
		return contOutcome, nil
	case opcode.Dload0, opcode.Dload1, opcode.Dload2, opcode.Dload3:
		idx := int(op) - int(opcode.Dload0)
		f.PushOperand(f.Locals[idx])
		f.PushOperand(f.Locals[idx+1])
		f.IP++
		return contOutcome, nil

	case opcode.Istore, opcode.Fstore, opcode.Astore:
		idx := int(f.Method.Code[f.IP+1])
		f.Locals[idx] = f.PopOperand()
		f.IP += 2
		return contOutcome, nil
	case opcode.Lstore, opcode.Dstore:
		idx := int(f.Method.Code[f.IP+1])
		f.Locals[idx+1] = f.PopOperand()
		f.Locals[idx] = f.PopOperand()
		f.IP += 2
		return contOutcome, nil

	case opcode.Istore0, opcode.Istore1, opcode.Istore2, opcode.Istore3:
		f.Locals[int(op)-int(opcode.Istore0)] = f.PopOperand()
		f.IP++
		return contOutcome, nil
	case opcode.Fstore0, opcode.Fstore1, opcode.Fstore2, opcode.Fstore3:
		f.Locals[int(op)-int(opcode.Fstore0)] = f.PopOperand()
		f.IP++
		return contOutcome, nil
	case opcode.Astore0, opcode.Astore1, opcode.Astore2, opcode.Astore3:
		f.Locals[int(op)-int(opcode.Astore0)] = f.PopOperand()
		f.IP++
		return contOutcome, nil
	case opcode.Lstore0, opcode.Lstore1, opcode.Lstore2, opcode.Lstore3:
		idx := int(op) - int(opcode.Lstore0)
		f.Locals[idx+1] = f.PopOperand()
		f.Locals[idx] = f.PopOperand()
		f.IP++
		return contOutcome, nil
	case opcode.Dstore0, opcode.Dstore1, opcode.Dstore2, opcode.Dstore3:
		idx := int(op) - int(opcode.Dstore0)
		f.Locals[idx+1] = f.PopOperand()
		f.Locals[idx] = f.PopOperand()
		f.IP++
		return contOutcome, nil

	case opcode.Iinc:
		idx := int(f.Method.Code[f.IP+1])
		delta := int32(int8(f.Method.Code[f.IP+2]))
		v := f.Locals[idx].Cell.ToInt32()
		f.Locals[idx] = cell.Int(v + delta)
		f.IP += 3
		return contOutcome, nil

	case opcode.Wide:
		return stepWide(f)

	case opcode.Pop:
		f.SP--
		f.IP++
		return contOutcome, nil
	case opcode.Pop2:
		f.SP -= 2
		f.IP++
		return contOutcome, nil
	case opcode.Dup:
		f.PushOperand(f.PeekOperand(0))
		f.IP++
		return contOutcome, nil
	case opcode.DupX1:
		a, b := f.PopOperand(), f.PopOperand()
		f.PushOperand(a)
		f.PushOperand(b)
		f.PushOperand(a)
		f.IP++
		return contOutcome, nil
	case opcode.DupX2:
		a, b, c := f.PopOperand(), f.PopOperand(), f.PopOperand()
		f.PushOperand(a)
		f.PushOperand(c)
		f.PushOperand(b)
		f.PushOperand(a)
		f.IP++
		return contOutcome, nil
	case opcode.Dup2:
		a, b := f.PeekOperand(1), f.PeekOperand(0)
		f.PushOperand(a)
		f.PushOperand(b)
		f.IP++
		return contOutcome, nil
	case opcode.Dup2X1:
		a, b, c := f.PopOperand(), f.PopOperand(), f.PopOperand()
		f.PushOperand(b)
		f.PushOperand(a)
		f.PushOperand(c)
		f.PushOperand(b)
		f.PushOperand(a)
		f.IP++
		return contOutcome, nil
	case opcode.Dup2X2:
		a, b, c, d := f.PopOperand(), f.PopOperand(), f.PopOperand(), f.PopOperand()
		f.PushOperand(b)
		f.PushOperand(a)
		f.PushOperand(d)
		f.PushOperand(c)
		f.PushOperand(b)
		f.PushOperand(a)
		f.IP++
		return contOutcome, nil
	case opcode.Swap:
		a, b := f.PopOperand(), f.PopOperand()
		f.PushOperand(a)
		f.PushOperand(b)
		f.IP++
		return contOutcome, nil

	case opcode.Iadd, opcode.Isub, opcode.Imul, opcode.Iand, opcode.Ior, opcode.Ixor:
		b, a := f.PopOperand().Cell.ToInt32(), f.PopOperand().Cell.ToInt32()
		f.PushOperand(cell.Int(intBinOp(op, a, b)))
		f.IP++
		return contOutcome, nil
	case opcode.Idiv:
		b, a := f.PopOperand().Cell.ToInt32(), f.PopOperand().Cell.ToInt32()
		if b == 0 {
			return stepOutcome{}, vmerr.New(vmerr.ArithmeticException, "/ by zero")
		}
		if a == math.MinInt32 && b == -1 {
			f.PushOperand(cell.Int(math.MinInt32))
		} else {
			f.PushOperand(cell.Int(a / b))
		}
		f.IP++
		return contOutcome, nil
	case opcode.Irem:
		b, a := f.PopOperand().Cell.ToInt32(), f.PopOperand().Cell.ToInt32()
		if b == 0 {
			return stepOutcome{}, vmerr.New(vmerr.ArithmeticException, "/ by zero")
		}
		if a == math.MinInt32 && b == -1 {
			f.PushOperand(cell.Int(0))
		} else {
			f.PushOperand(cell.Int(a % b))
		}
		f.IP++
		return contOutcome, nil
	case opcode.Ineg:
		a := f.PopOperand().Cell.ToInt32()
		f.PushOperand(cell.Int(-a))
		f.IP++
		return contOutcome, nil
	case opcode.Ishl:
		b, a := f.PopOperand().Cell.ToInt32(), f.PopOperand().Cell.ToInt32()
		f.PushOperand(cell.Int(a << (uint32(b) & 31)))
		f.IP++
		return contOutcome, nil
	case opcode.Ishr:
		b, a := f.PopOperand().Cell.ToInt32(), f.PopOperand().Cell.ToInt32()
		f.PushOperand(cell.Int(a >> (uint32(b) & 31)))
		f.IP++
		return contOutcome, nil
	case opcode.Iushr:
		b, a := f.PopOperand().Cell.ToInt32(), f.PopOperand().Cell.ToInt32()
		f.PushOperand(cell.Int(int32(uint32(a) >> (uint32(b) & 31))))
		f.IP++
		return contOutcome, nil

	case opcode.Ladd, opcode.Lsub, opcode.Lmul, opcode.Land, opcode.Lor, opcode.Lxor:
		b, a := popLong(f), popLong(f)
		pushLong(f, longBinOp(op, a, b))
		f.IP++
		return contOutcome, nil
	case opcode.Ldiv:
		b, a := popLong(f), popLong(f)
		if b == 0 {
			return stepOutcome{}, vmerr.New(vmerr.ArithmeticException, "/ by zero")
		}
		if a == math.MinInt64 && b == -1 {
			pushLong(f, math.MinInt64)
		} else {
			pushLong(f, a/b)
		}
		f.IP++
		return contOutcome, nil
	case opcode.Lrem:
		b, a := popLong(f), popLong(f)
		if b == 0 {
			return stepOutcome{}, vmerr.New(vmerr.ArithmeticException, "/ by zero")
		}
		if a == math.MinInt64 && b == -1 {
			pushLong(f, 0)
		} else {
			pushLong(f, a%b)
		}
		f.IP++
		return contOutcome, nil
	case opcode.Lneg:
		pushLong(f, -popLong(f))
		f.IP++
		return contOutcome, nil
	case opcode.Lshl:
		b := f.PopOperand().Cell.ToInt32()
		a := popLong(f)
		pushLong(f, a<<(uint32(b)&63))
		f.IP++
		return contOutcome, nil
	case opcode.Lshr:
		b := f.PopOperand().Cell.ToInt32()
		a := popLong(f)
		pushLong(f, a>>(uint32(b)&63))
		f.IP++
		return contOutcome, nil
	case opcode.Lushr:
		b := f.PopOperand().Cell.ToInt32()
		a := popLong(f)
		pushLong(f, int64(uint64(a)>>(uint32(b)&63)))
		f.IP++
		return contOutcome, nil

	case opcode.Fadd, opcode.Fsub, opcode.Fmul, opcode.Fdiv, opcode.Frem:
		b, a := f.PopOperand().Cell.ToFloat32(), f.PopOperand().Cell.ToFloat32()
		f.PushOperand(cell.Float(floatBinOp(op, a, b)))
		f.IP++
		return contOutcome, nil
	case opcode.Fneg:
		a := f.PopOperand().Cell.ToFloat32()
		f.PushOperand(cell.Float(-a))
		f.IP++
		return contOutcome, nil

	case opcode.Dadd, opcode.Dsub, opcode.Dmul, opcode.Ddiv, opcode.Drem:
		b, a := popDouble(f), popDouble(f)
		pushDouble(f, doubleBinOp(op, a, b))
		f.IP++
		return contOutcome, nil
	case opcode.Dneg:
		pushDouble(f, -popDouble(f))
		f.IP++
		return contOutcome, nil

	case opcode.I2l:
		v := int64(f.PopOperand().Cell.ToInt32())
		pushLong(f, v)
		f.IP++
		return contOutcome, nil
	case opcode.I2f:
		v := float32(f.PopOperand().Cell.ToInt32())
		f.PushOperand(cell.Float(v))
		f.IP++
		return contOutcome, nil
	case opcode.I2d:
		v := float64(f.PopOperand().Cell.ToInt32())
		pushDouble(f, v)
		f.IP++
		return contOutcome, nil
	case opcode.L2i:
		v := int32(popLong(f))
		f.PushOperand(cell.Int(v))
		f.IP++
		return contOutcome, nil
	case opcode.L2f:
		v := float32(popLong(f))
		f.PushOperand(cell.Float(v))
		f.IP++
		return contOutcome, nil
	case opcode.L2d:
		v := float64(popLong(f))
		pushDouble(f, v)
		f.IP++
		return contOutcome, nil
	case opcode.F2i:
		v := f.PopOperand().Cell.ToFloat32()
		f.PushOperand(cell.Int(floatToInt32(v)))
		f.IP++
		return contOutcome, nil
	case opcode.F2l:
		v := f.PopOperand().Cell.ToFloat32()
		pushLong(f, floatToInt64(v))
		f.IP++
		return contOutcome, nil
	case opcode.F2d:
		v := float64(f.PopOperand().Cell.ToFloat32())
		pushDouble(f, v)
		f.IP++
		return contOutcome, nil
	case opcode.D2i:
		v := popDouble(f)
		f.PushOperand(cell.Int(doubleToInt32(v)))
		f.IP++
		return contOutcome, nil
	case opcode.D2l:
		v := popDouble(f)
		pushLong(f, doubleToInt64(v))
		f.IP++
		return contOutcome, nil
	case opcode.D2f:
		v := popDouble(f)
		f.PushOperand(cell.Float(float32(v)))
		f.IP++
		return contOutcome, nil
	case opcode.I2b:
		v := int32(int8(f.PopOperand().Cell.ToInt32()))
		f.PushOperand(cell.Int(v))
		f.IP++
		return contOutcome, nil
	case opcode.I2c:
		v := int32(uint16(f.PopOperand().Cell.ToInt32()))
		f.PushOperand(cell.Int(v))
		f.IP++
		return contOutcome, nil
	case opcode.I2s:
		v := int32(int16(f.PopOperand().Cell.ToInt32()))
		f.PushOperand(cell.Int(v))
		f.IP++
		return contOutcome, nil

	case opcode.Lcmp:
		b, a := popLong(f), popLong(f)
		f.PushOperand(cell.Int(cmp64(a, b)))
		f.IP++
		return contOutcome, nil
	case opcode.Fcmpl, opcode.Fcmpg:
		b, a := f.PopOperand().Cell.ToFloat32(), f.PopOperand().Cell.ToFloat32()
		f.PushOperand(cell.Int(fcmp(float64(a), float64(b), op == opcode.Fcmpg)))
		f.IP++
		return contOutcome, nil
	case opcode.Dcmpl, opcode.Dcmpg:
		b, a := popDouble(f), popDouble(f)
		f.PushOperand(cell.Int(fcmp(a, b, op == opcode.Dcmpg)))
		f.IP++
		return contOutcome, nil

	case opcode.Ifeq, opcode.Ifne, opcode.Iflt, opcode.Ifge, opcode.Ifgt, opcode.Ifle:
		v := f.PopOperand().Cell.ToInt32()
		return branchIf(f, intCond(op, v, 0))
	case opcode.IfIcmpeq, opcode.IfIcmpne, opcode.IfIcmplt, opcode.IfIcmpge, opcode.IfIcmpgt, opcode.IfIcmple:
		b, a := f.PopOperand().Cell.ToInt32(), f.PopOperand().Cell.ToInt32()
		return branchIf(f, intCmpCond(op, a, b))
	case opcode.IfAcmpeq, opcode.IfAcmpne:
		b, a := f.PopOperand(), f.PopOperand()
		eq := a.Ref == b.Ref
		return branchIf(f, eq == (op == opcode.IfAcmpeq))
	case opcode.Ifnull:
		v := f.PopOperand()
		return branchIf(f, v.IsNilRef())
	case opcode.Ifnonnull:
		v := f.PopOperand()
		return branchIf(f, !v.IsNilRef())

	case opcode.Goto:
		off := int32(int16(be16(f.Method.Code, f.IP+1)))
		f.IP += int(off)
		return contOutcome, nil
	case opcode.GotoW:
		off := be32i(f.Method.Code, f.IP+1)
		f.IP += int(off)
		return contOutcome, nil

	case opcode.Tableswitch:
		return stepTableswitch(f)
	case opcode.Lookupswitch:
		return stepLookupswitch(f)

	case opcode.Ireturn, opcode.Freturn, opcode.Areturn:
		return doReturn(vm, t, f, 1)
	case opcode.Lreturn, opcode.Dreturn:
		return doReturn(vm, t, f, 2)
	case opcode.Return:
		return doReturn(vm, t, f, 0)

	case opcode.Getstatic, opcode.GetstaticFast:
		return stepGetstatic(vm, t, f, op)
	case opcode.Putstatic, opcode.PutstaticFast:
		return stepPutstatic(vm, t, f, op)
	case opcode.Getfield, opcode.GetfieldFast:
		return stepGetfield(vm, f, op)
	case opcode.Putfield, opcode.PutfieldFast:
		return stepPutfield(vm, f, op)

	case opcode.Invokevirtual, opcode.InvokevirtualFast:
		return stepInvokeVirtual(vm, t, f, op)
	case opcode.Invokespecial, opcode.InvokespecialFast:
		return stepInvokeSpecial(vm, t, f, op)
	case opcode.Invokestatic, opcode.InvokestaticFast:
		return stepInvokeStatic(vm, t, f, op)
	case opcode.Invokeinterface, opcode.InvokeinterfaceFast:
		return stepInvokeInterface(vm, t, f, op)

	case opcode.New, opcode.NewFast:
		return stepNew(vm, t, f, op)
	case opcode.Newarray:
		return stepNewarray(f)
	case opcode.Anewarray, opcode.AnewarrayFast:
		return stepAnewarray(vm, t, f, op)
	case opcode.Multianewarray:
		return stepMultianewarray(vm, t, f)
	case opcode.Arraylength:
		return stepArraylength(f)

	case opcode.Iaload, opcode.Faload, opcode.Aaload, opcode.Baload, opcode.Caload, opcode.Saload:
		return stepArrayLoad1(f, op)
	case opcode.Laload, opcode.Daload:
		return stepArrayLoad2(f)
	case opcode.Iastore, opcode.Fastore, opcode.Bastore, opcode.Castore, opcode.Sastore:
		return stepArrayStore1(f, op)
	case opcode.Lastore, opcode.Dastore:
		return stepArrayStore2(f)
	case opcode.Aastore:
		return stepAastore(vm, f)

	case opcode.Athrow:
		return stepAthrow(f)

	case opcode.Checkcast, opcode.CheckcastFast:
		return stepCheckcast(vm, t, f, op)
	case opcode.Instanceof, opcode.InstanceofFast:
		return stepInstanceof(vm, t, f, op)

	case opcode.Monitorenter:
		return stepMonitorenter(vm, t, f)
	case opcode.Monitorexit:
		return stepMonitorexit(vm, t, f)

	default:
		return stepOutcome{}, vmerr.New(vmerr.VerifyError, "unimplemented opcode 0x%02x", byte(op))
	}
}

func stepWide(f *Frame) (stepOutcome, error) {
	sub := opcode.Op(f.Method.Code[f.IP+1])
	idx := int(be16(f.Method.Code, f.IP+2))
	switch sub {
	case opcode.Iload, opcode.Fload, opcode.Aload:
		f.PushOperand(f.Locals[idx])
		f.IP += 4
	case opcode.Lload, opcode.Dload:
		f.PushOperand(f.Locals[idx])
		f.PushOperand(f.Locals[idx+1])
		f.IP += 4
	case opcode.Istore, opcode.Fstore, opcode.Astore:
		f.Locals[idx] = f.PopOperand()
		f.IP += 4
	case opcode.Lstore, opcode.Dstore:
		f.Locals[idx+1] = f.PopOperand()
		f.Locals[idx] = f.PopOperand()
		f.IP += 4
	case opcode.Iinc:
		delta := int32(int16(be16(f.Method.Code, f.IP+4)))
		v := f.Locals[idx].Cell.ToInt32()
		f.Locals[idx] = cell.Int(v + delta)
		f.IP += 6
	default:
		return stepOutcome{}, vmerr.New(vmerr.VerifyError, "wide prefix on unsupported opcode 0x%02x", byte(sub))
	}
	return contOutcome, nil
}

func stepTableswitch(f *Frame) (stepOutcome, error) {
	base := f.IP
	p := base + 1
	p += (4 - (p % 4)) % 4
	def := be32i(f.Method.Code, p)
	low := be32i(f.Method.Code, p+4)
	high := be32i(f.Method.Code, p+8)
	idx := f.PopOperand().Cell.ToInt32()
	if idx < low || idx > high {
		f.IP = base + int(def)
		return contOutcome, nil
	}
	offPos := p + 12 + int(idx-low)*4
	off := be32i(f.Method.Code, offPos)
	f.IP = base + int(off)
	return contOutcome, nil
}

func stepLookupswitch(f *Frame) (stepOutcome, error) {
	base := f.IP
	p := base + 1
	p += (4 - (p % 4)) % 4
	def := be32i(f.Method.Code, p)
	n := int(be32i(f.Method.Code, p+4))
	key := f.PopOperand().Cell.ToInt32()
	pairs := p + 8
	for i := 0; i < n; i++ {
		k := be32i(f.Method.Code, pairs+i*8)
		if k == key {
			off := be32i(f.Method.Code, pairs+i*8+4)
			f.IP = base + int(off)
			return contOutcome, nil
		}
		if k > key {
			break
		}
	}
	f.IP = base + int(def)
	return contOutcome, nil
}

func branchIf(f *Frame, taken bool) (stepOutcome, error) {
	if taken {
		off := int32(int16(be16(f.Method.Code, f.IP+1)))
		f.IP += int(off)
	} else {
		f.IP += 3
	}
	return contOutcome, nil
}

func be16(code []byte, pos int) uint16 {
	return uint16(code[pos])<<8 | uint16(code[pos+1])
}

func be32i(code []byte, pos int) int32 {
	return int32(uint32(code[pos])<<24 | uint32(code[pos+1])<<16 | uint32(code[pos+2])<<8 | uint32(code[pos+3]))
}

func pushLong(f *Frame, v int64) {
	lo, hi := cell.SplitInt64(v)
	f.PushOperand(cell.Value{Kind: cell.VCell, Cell: lo})
	f.PushOperand(cell.Value{Kind: cell.VCell2, Cell: hi})
}

func popLong(f *Frame) int64 {
	hi := f.PopOperand().Cell
	lo := f.PopOperand().Cell
	return cell.JoinInt64(lo, hi)
}

func pushDouble(f *Frame, v float64) {
	lo, hi := cell.SplitFloat64(v)
	f.PushOperand(cell.Value{Kind: cell.VCell, Cell: lo})
	f.PushOperand(cell.Value{Kind: cell.VCell2, Cell: hi})
}

func popDouble(f *Frame) float64 {
	hi := f.PopOperand().Cell
	lo := f.PopOperand().Cell
	return cell.JoinFloat64(lo, hi)
}

func intBinOp(op opcode.Op, a, b int32) int32 {
	switch op {
	case opcode.Iadd:
		return a + b
	case opcode.Isub:
		return a - b
	case opcode.Imul:
		return a * b
	case opcode.Iand:
		return a & b
	case opcode.Ior:
		return a | b
	case opcode.Ixor:
		return a ^ b
	}
	return 0
}

func longBinOp(op opcode.Op, a, b int64) int64 {
	switch op {
	case opcode.Ladd:
		return a + b
	case opcode.Lsub:
		return a - b
	case opcode.Lmul:
		return a * b
	case opcode.Land:
		return a & b
	case opcode.Lor:
		return a | b
	case opcode.Lxor:
		return a ^ b
	}
	return 0
}

func floatBinOp(op opcode.Op, a, b float32) float32 {
	switch op {
	case opcode.Fadd:
		return a + b
	case opcode.Fsub:
		return a - b
	case opcode.Fmul:
		return a * b
	case opcode.Fdiv:
		return a / b
	case opcode.Frem:
		return float32(math.Mod(float64(a), float64(b)))
	}
	return 0
}

func doubleBinOp(op opcode.Op, a, b float64) float64 {
	switch op {
	case opcode.Dadd:
		return a + b
	case opcode.Dsub:
		return a - b
	case opcode.Dmul:
		return a * b
	case opcode.Ddiv:
		return a / b
	case opcode.Drem:
		return math.Mod(a, b)
	}
	return 0
}

func cmp64(a, b int64) int32 {
	switch {
	case a > b:
		return 1
	case a < b:
		return -1
	default:
		return 0
	}
}

// fcmp implements fcmpl/fcmpg and dcmpl/dcmpg: NaN makes the comparison
// "unordered", reported as 1 for the *g variants and -1 for the *l
// variants (spec.md §4.3 inherits this from the classfile format's
// float-compare opcodes).
func fcmp(a, b float64, nanIsOne bool) int32 {
	if math.IsNaN(a) || math.IsNaN(b) {
		if nanIsOne {
			return 1
		}
		return -1
	}
	switch {
	case a > b:
		return 1
	case a < b:
		return -1
	default:
		return 0
	}
}

func intCond(op opcode.Op, v, zero int32) bool {
	switch op {
	case opcode.Ifeq:
		return v == zero
	case opcode.Ifne:
		return v != zero
	case opcode.Iflt:
		return v < zero
	case opcode.Ifge:
		return v >= zero
	case opcode.Ifgt:
		return v > zero
	case opcode.Ifle:
		return v <= zero
	}
	return false
}

func intCmpCond(op opcode.Op, a, b int32) bool {
	switch op {
	case opcode.IfIcmpeq:
		return a == b
	case opcode.IfIcmpne:
		return a != b
	case opcode.IfIcmplt:
		return a < b
	case opcode.IfIcmpge:
		return a >= b
	case opcode.IfIcmpgt:
		return a > b
	case opcode.IfIcmple:
		return a <= b
	}
	return false
}

func floatToInt32(v float32) int32 {
	if math.IsNaN(float64(v)) {
		return 0
	}
	if v >= math.MaxInt32 {
		return math.MaxInt32
	}
	if v <= math.MinInt32 {
		return math.MinInt32
	}
	return int32(v)
}

func floatToInt64(v float32) int64 {
	if math.IsNaN(float64(v)) {
		return 0
	}
	if v >= math.MaxInt64 {
		return math.MaxInt64
	}
	if v <= math.MinInt64 {
		return math.MinInt64
	}
	return int64(v)
}

func doubleToInt32(v float64) int32 {
	if math.IsNaN(v) {
		return 0
	}
	if v >= math.MaxInt32 {
		return math.MaxInt32
	}
	if v <= math.MinInt32 {
		return math.MinInt32
	}
	return int32(v)
}

func doubleToInt64(v float64) int64 {
	if math.IsNaN(v) {
		return 0
	}
	if v >= math.MaxInt64 {
		return math.MaxInt64
	}
	if v <= math.MinInt64 {
		return math.MinInt64
	}
	return int64(v)
}

// pushConstant implements ldc/ldc_w/ldc2_w: pushes the constant-pool
// entry at idx, converting Integer/Float/Long/Double/String/Class
// entries to their runtime representation.
func pushConstant(vm *VM, f *Frame, idx uint16) error {
	entry, err := f.Owner.Pool.At(idx)
	if err != nil {
		return err
	}
	switch entry.Tag {
	case classfile.TagInteger:
		f.PushOperand(cell.Int(entry.IntValue))
	case classfile.TagFloat:
		f.PushOperand(cell.Float(entry.FloatValue))
	case classfile.TagLong:
		pushLong(f, entry.LongValue)
	case classfile.TagDouble:
		pushDouble(f, entry.DoubleValue)
	case classfile.TagString:
		f.PushOperand(cell.RefVal(&internedString{key: entry.NameKey}))
	case classfile.TagClass:
		f.PushOperand(cell.RefVal(&classLiteral{key: entry.NameKey}))
	default:
		return vmerr.New(vmerr.VerifyError, "ldc on non-loadable constant tag %d", entry.Tag)
	}
	return nil
}

// internedString is the runtime object an ldc of a TagString constant
// pushes. The embedding VM's class table owns the actual java.lang.String
// instance; coldvm keeps only the interned key here since string
// object layout is outside this module's scope (it is a plain
// InstanceClass once resolved by the embedding string class).
type internedString struct {
	key classfile.Key
}

// classLiteral is the runtime object an ldc of a TagClass constant
// pushes: a reference to the Class metaobject of the named type.
type classLiteral struct {
	key classfile.Key
}
