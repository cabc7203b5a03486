package classfile

// This file exposes descriptor-grammar helpers to internal/verify and
// internal/interp, which both need to decode field/method descriptor
// strings when resolving constant-pool field/method references
// (spec.md §4.2 simulation step 3, §4.3's field/method resolution
// opcodes). The parsing grammar itself lives in names.go (used during
// loading for validation); these wrappers expose it for reuse instead
// of re-parsing with a second implementation.

// DescriptorWidth reports a field descriptor's cell width: 2 for J/D,
// 1 otherwise (spec.md §3's Cell width rule).
func DescriptorWidth(desc string) int { return descriptorWidth(desc) }

// ParseMethodArgDescriptors splits a method descriptor's parameter list
// into individual field descriptors, in order.
func ParseMethodArgDescriptors(desc string) []string {
	if len(desc) < 2 || desc[0] != '(' {
		return nil
	}
	rest := desc[1:]
	var out []string
	for len(rest) > 0 && rest[0] != ')' {
		kind, next := consumeFieldDescriptor(rest)
		if kind == "" {
			return out
		}
		out = append(out, kind)
		rest = next
	}
	return out
}

// ParseMethodReturnDescriptor returns the return-type descriptor
// ("V" for void) of a method descriptor.
func ParseMethodReturnDescriptor(desc string) string {
	idx := -1
	for i := 0; i < len(desc); i++ {
		if desc[i] == ')' {
			idx = i
			break
		}
	}
	if idx < 0 || idx+1 >= len(desc) {
		return "V"
	}
	return desc[idx+1:]
}

// ParseArrayDescriptor splits an array field descriptor into its
// dimension count and element descriptor.
func ParseArrayDescriptor(desc string) (dims int, elem string) {
	i := 0
	for i < len(desc) && desc[i] == '[' {
		dims++
		i++
	}
	return dims, desc[i:]
}

// PrimitiveForDescriptor maps a one-letter primitive field descriptor
// to its PrimitiveTag, or PrimNone if elem names a reference type.
func PrimitiveForDescriptor(elem string) PrimitiveTag {
	if len(elem) == 0 {
		return PrimNone
	}
	switch elem[0] {
	case 'Z':
		return PrimBoolean
	case 'B':
		return PrimByte
	case 'C':
		return PrimChar
	case 'S':
		return PrimShort
	case 'I':
		return PrimInt
	case 'J':
		return PrimLong
	case 'F':
		return PrimFloat
	case 'D':
		return PrimDouble
	default:
		return PrimNone
	}
}
