package classfile

import "github.com/coldvm/coldvm/internal/vmerr"

// maxDescriptorArrayDepth bounds array nesting in field signatures and
// method descriptors (spec.md §4.1: "bounded array nesting").
const maxDescriptorArrayDepth = 255

// validateModifiedUTF8 checks well-formedness of a Utf8 constant-pool
// entry's raw bytes per spec.md §4.1's validation rules: no embedded
// zero byte encoded as a literal 0x00 (a true NUL must use the two-byte
// overlong form 0xC0 0x80, as in Java's "modified UTF-8"), and no
// five/six-byte encodings (those would denote code points outside the
// Basic Multilingual Plane's direct single-entity representation, which
// this format rejects rather than supporting via surrogate pairs).
func validateModifiedUTF8(b []byte) (string, error) {
	out := make([]rune, 0, len(b))
	for i := 0; i < len(b); {
		c := b[i]
		switch {
		case c == 0x00:
			return "", vmerr.New(vmerr.ClassFormatError, "embedded NUL byte in UTF-8 constant")
		case c&0x80 == 0x00:
			// 1-byte form, but 0x00 itself is rejected above.
			out = append(out, rune(c))
			i++
		case c&0xE0 == 0xC0:
			if i+1 >= len(b) || b[i+1]&0xC0 != 0x80 {
				return "", vmerr.New(vmerr.ClassFormatError, "malformed UTF-8 2-byte sequence at %d", i)
			}
			r := rune(c&0x1F)<<6 | rune(b[i+1]&0x3F)
			out = append(out, r)
			i += 2
		case c&0xF0 == 0xE0:
			if i+2 >= len(b) || b[i+1]&0xC0 != 0x80 || b[i+2]&0xC0 != 0x80 {
				return "", vmerr.New(vmerr.ClassFormatError, "malformed UTF-8 3-byte sequence at %d", i)
			}
			r := rune(c&0x0F)<<12 | rune(b[i+1]&0x3F)<<6 | rune(b[i+2]&0x3F)
			out = append(out, r)
			i += 3
		case c&0xF8 == 0xF0, c&0xFC == 0xF8, c&0xFE == 0xFC:
			// 4/5/6-byte lead bytes: five and six-byte forms are always
			// rejected; four-byte forms are not part of this format's
			// encoding either (it only ever emits 1-3 byte sequences
			// plus the 2-byte NUL overlong), so all are malformed here.
			return "", vmerr.New(vmerr.ClassFormatError, "illegal 4/5/6-byte UTF-8 sequence at %d", i)
		default:
			return "", vmerr.New(vmerr.ClassFormatError, "malformed UTF-8 continuation byte at %d", i)
		}
	}
	return string(out), nil
}

// validateClassName checks a class name's shape: a sequence of
// '/'-separated unqualified-name components, each non-empty and free of
// '.', ';', '[' (spec.md §4.1's "name shape" validation).
func validateClassName(name string) error {
	if name == "" {
		return vmerr.New(vmerr.ClassFormatError, "empty class name")
	}
	start := 0
	for i := 0; i <= len(name); i++ {
		if i == len(name) || name[i] == '/' {
			if i == start {
				return vmerr.New(vmerr.ClassFormatError, "empty component in class name %q", name)
			}
			for j := start; j < i; j++ {
				switch name[j] {
				case '.', ';', '[':
					return vmerr.New(vmerr.ClassFormatError, "illegal character in class name %q", name)
				}
			}
			start = i + 1
		}
	}
	return nil
}

// validateMemberName checks a field or (non-special) method name: a
// non-empty run of characters excluding '.', ';', '[', '/'. The two
// special names <init> and <clinit> are accepted only where the caller
// explicitly allows them.
func validateMemberName(name string, allowSpecial bool) error {
	if name == "" {
		return vmerr.New(vmerr.ClassFormatError, "empty member name")
	}
	if name[0] == '<' {
		if allowSpecial && (name == "<init>" || name == "<clinit>") {
			return nil
		}
		return vmerr.New(vmerr.ClassFormatError, "illegal member name %q", name)
	}
	for i := 0; i < len(name); i++ {
		switch name[i] {
		case '.', ';', '[', '/':
			return vmerr.New(vmerr.ClassFormatError, "illegal character in member name %q", name)
		}
	}
	return nil
}

// validateFieldDescriptor checks a field signature against the grammar:
//
//	FieldDescriptor: BaseType | ObjectType | ArrayType
//	BaseType: one of B C D F I J S Z
//	ObjectType: 'L' ClassName ';'
//	ArrayType: '[' FieldDescriptor
func validateFieldDescriptor(desc string) error {
	_, err := parseFieldDescriptor(desc, 0)
	if err != nil {
		return err
	}
	if _, rest := consumeFieldDescriptor(desc); rest != "" {
		return vmerr.New(vmerr.ClassFormatError, "trailing data in field descriptor %q", desc)
	}
	return nil
}

func parseFieldDescriptor(desc string, depth int) (string, error) {
	kind, rest := consumeFieldDescriptor(desc)
	if kind == "" {
		return "", vmerr.New(vmerr.ClassFormatError, "malformed field descriptor %q", desc)
	}
	_ = depth
	return rest, nil
}

// consumeFieldDescriptor parses exactly one FieldDescriptor from the
// front of desc, returning the parsed descriptor text and the
// unconsumed remainder, or ("", desc) on a parse failure.
func consumeFieldDescriptor(desc string) (string, string) {
	if desc == "" {
		return "", ""
	}
	depth := 0
	i := 0
	for i < len(desc) && desc[i] == '[' {
		depth++
		i++
		if depth > maxDescriptorArrayDepth {
			return "", ""
		}
	}
	if i >= len(desc) {
		return "", ""
	}
	switch desc[i] {
	case 'B', 'C', 'D', 'F', 'I', 'J', 'S', 'Z':
		return desc[:i+1], desc[i+1:]
	case 'L':
		j := i + 1
		for j < len(desc) && desc[j] != ';' {
			if desc[j] == '.' {
				return "", ""
			}
			j++
		}
		if j >= len(desc) {
			return "", ""
		}
		return desc[:j+1], desc[j+1:]
	default:
		return "", ""
	}
}

// validateMethodDescriptor checks a method descriptor:
//
//	MethodDescriptor: '(' {FieldDescriptor} ')' (FieldDescriptor | 'V')
//
// and returns the argument word count (longs/doubles count as 2 words,
// matching spec.md §3's Cell width rule).
func validateMethodDescriptor(desc string) (argWords int, err error) {
	if len(desc) < 2 || desc[0] != '(' {
		return 0, vmerr.New(vmerr.ClassFormatError, "malformed method descriptor %q", desc)
	}
	rest := desc[1:]
	for len(rest) > 0 && rest[0] != ')' {
		kind, next := consumeFieldDescriptor(rest)
		if kind == "" {
			return 0, vmerr.New(vmerr.ClassFormatError, "malformed method descriptor %q", desc)
		}
		argWords += descriptorWidth(kind)
		rest = next
	}
	if len(rest) == 0 || rest[0] != ')' {
		return 0, vmerr.New(vmerr.ClassFormatError, "malformed method descriptor %q: missing ')'", desc)
	}
	rest = rest[1:]
	if rest == "V" {
		return argWords, nil
	}
	kind, tail := consumeFieldDescriptor(rest)
	if kind == "" || tail != "" {
		return 0, vmerr.New(vmerr.ClassFormatError, "malformed method descriptor %q: bad return type", desc)
	}
	return argWords, nil
}

func descriptorWidth(kind string) int {
	if kind == "J" || kind == "D" {
		return 2
	}
	return 1
}
