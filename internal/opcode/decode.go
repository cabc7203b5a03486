package opcode

// Instruction is one decoded bytecode instruction: its opcode, the PC it
// starts at, and its raw operand bytes (immediately following the
// opcode byte, excluding any `wide` prefix byte).
type Instruction struct {
	Op      Op
	PC      int
	Operand []byte
	// Wide is true when this instruction was prefixed by the wide
	// opcode (spec.md §4.3's "wide prefix" handling), which widens a
	// local-variable index operand from one byte to two (and, for
	// Iinc, widens the constant operand to two bytes as well).
	Wide bool
	// Len is the total instruction length in bytes, including the wide
	// prefix byte if present.
	Len int
}

// fixedLen gives the operand length, in bytes, of every opcode whose
// operand size does not depend on alignment or a wide prefix. Variable
// or special-cased opcodes (tableswitch, lookupswitch, wide) are
// handled directly in Decode.
var fixedLen = map[Op]int{
	Bipush: 1,
	Sipush: 2,
	Ldc:    1,
	LdcW:   2,
	Ldc2W:  2,

	Iload: 1, Lload: 1, Fload: 1, Dload: 1, Aload: 1,
	Istore: 1, Lstore: 1, Fstore: 1, Dstore: 1, Astore: 1,

	Iinc: 2,

	Ifeq: 2, Ifne: 2, Iflt: 2, Ifge: 2, Ifgt: 2, Ifle: 2,
	IfIcmpeq: 2, IfIcmpne: 2, IfIcmplt: 2, IfIcmpge: 2, IfIcmpgt: 2, IfIcmple: 2,
	IfAcmpeq: 2, IfAcmpne: 2,
	Goto: 2, Jsr: 2, Ret: 1,
	Ifnull: 2, Ifnonnull: 2,
	GotoW: 4,

	Getstatic: 2, Putstatic: 2, Getfield: 2, Putfield: 2,
	Invokevirtual: 2, Invokespecial: 2, Invokestatic: 2,
	Invokeinterface: 4, // class index (2) + count (1) + reserved zero byte (1)

	New: 2, Newarray: 1, Anewarray: 2,
	Checkcast: 2, Instanceof: 2,
	Multianewarray: 3, // class index (2) + dimension count (1)

	GetfieldFast: 2, PutfieldFast: 2, GetstaticFast: 2, PutstaticFast: 2,
	InvokevirtualFast: 2, InvokespecialFast: 2, InvokestaticFast: 2,
	InvokeinterfaceFast: 4, NewFast: 2, AnewarrayFast: 2,
	CheckcastFast: 2, InstanceofFast: 2,
}

// Decode reads the single instruction starting at code[pc], returning
// its length in bytes so the caller can advance pc. It implements
// spec.md §4.3's "the interpreter reads... the wide prefix byte; the
// operand-address-aligned tableswitch/lookupswitch tables."
func Decode(code []byte, pc int) (Instruction, error) {
	if pc >= len(code) {
		return Instruction{}, errShortCode(pc)
	}
	op := Op(code[pc])

	if op == Wide {
		return decodeWide(code, pc)
	}
	if op == Tableswitch {
		return decodeTableswitch(code, pc)
	}
	if op == Lookupswitch {
		return decodeLookupswitch(code, pc)
	}

	n, ok := fixedLen[op]
	if !ok {
		n = 0 // zero-operand opcode: constants, loads/stores N, stack ops, arithmetic, returns
	}
	end := pc + 1 + n
	if end > len(code) {
		return Instruction{}, errShortCode(pc)
	}
	return Instruction{Op: op, PC: pc, Operand: code[pc+1 : end], Len: 1 + n}, nil
}

// decodeWide handles the wide-prefixed forms: wide iload/lload/fload/
// dload/aload/istore/lstore/fstore/dstore/astore/ret take a two-byte
// index; wide iinc takes a two-byte index plus a two-byte constant.
func decodeWide(code []byte, pc int) (Instruction, error) {
	if pc+1 >= len(code) {
		return Instruction{}, errShortCode(pc)
	}
	inner := Op(code[pc+1])
	n := 2
	if inner == Iinc {
		n = 4
	}
	end := pc + 2 + n
	if end > len(code) {
		return Instruction{}, errShortCode(pc)
	}
	return Instruction{Op: inner, PC: pc, Operand: code[pc+2 : end], Wide: true, Len: 2 + n}, nil
}

// decodeTableswitch implements the classfile's padded jump-table
// instruction: up to 3 zero-pad bytes, then default offset, low, high,
// and (high-low+1) 4-byte jump offsets, all 4-byte aligned relative to
// the instruction's own pc.
func decodeTableswitch(code []byte, pc int) (Instruction, error) {
	padStart := pc + 1
	pad := (4 - padStart%4) % 4
	headerStart := padStart + pad
	if headerStart+12 > len(code) {
		return Instruction{}, errShortCode(pc)
	}
	low := be32(code[headerStart+4:])
	high := be32(code[headerStart+8:])
	count := int(high) - int(low) + 1
	if count < 0 {
		return Instruction{}, errShortCode(pc)
	}
	end := headerStart + 12 + count*4
	if end > len(code) {
		return Instruction{}, errShortCode(pc)
	}
	return Instruction{Op: Tableswitch, PC: pc, Operand: code[pc+1 : end], Len: end - pc}, nil
}

// decodeLookupswitch implements the sparse-match variant: padding, a
// default offset, a match-pair count, then that many (match, offset)
// 4-byte pairs.
func decodeLookupswitch(code []byte, pc int) (Instruction, error) {
	padStart := pc + 1
	pad := (4 - padStart%4) % 4
	headerStart := padStart + pad
	if headerStart+8 > len(code) {
		return Instruction{}, errShortCode(pc)
	}
	npairs := int(be32(code[headerStart+4:]))
	if npairs < 0 {
		return Instruction{}, errShortCode(pc)
	}
	end := headerStart + 8 + npairs*8
	if end > len(code) {
		return Instruction{}, errShortCode(pc)
	}
	return Instruction{Op: Lookupswitch, PC: pc, Operand: code[pc+1 : end], Len: end - pc}, nil
}

func be32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func errShortCode(pc int) error {
	return &DecodeError{PC: pc}
}

// DecodeError reports an instruction that runs past the end of its
// method's code array, the verifier's first structural check on any
// bytecode sequence (spec.md §4.2 "Phase A — structural scan").
type DecodeError struct {
	PC int
}

func (e *DecodeError) Error() string {
	return "truncated instruction at pc"
}
