package classfile

import "github.com/coldvm/coldvm/internal/vmerr"

// Tag identifies the kind of a constant-pool entry, per spec.md §3.
// Values match the well-known classfile encoding this format is a
// variant of, so a hex dump of a real classfile's constant pool remains
// legible against this table.
type Tag byte

const (
	TagEmpty              Tag = 0 // second slot of a Long/Double
	TagUtf8                Tag = 1
	TagInteger              Tag = 3
	TagFloat                Tag = 4
	TagLong                  Tag = 5
	TagDouble                 Tag = 6
	TagClass                  Tag = 7
	TagString                  Tag = 8
	TagFieldref                 Tag = 9
	TagMethodref                 Tag = 10
	TagInterfaceMethodref         Tag = 11
	TagNameAndType                 Tag = 12
)

// Key is an interned identity for a name (class name, UTF-8 literal
// value, or NameAndType descriptor key). Once a class is loaded, all
// Utf8 entries are collapsed to Keys and the raw string slots are
// zeroed (spec.md §3).
type Key int32

// Interner converts between raw strings and interned Keys. The loader
// and verifier only ever address names by Key after the second parsing
// pass; the Interner is supplied by the embedding VM (spec.md's "class
// table hook" collaborator, §6) so that identical names loaded from
// different classes share one Key.
type Interner interface {
	Intern(s string) Key
	Lookup(k Key) string
}

// RefEntry is the resolved shape shared by Fieldref, Methodref, and
// InterfaceMethodref entries: a class index plus a NameAndType index.
type RefEntry struct {
	ClassIndex       uint16
	NameAndTypeIndex uint16

	// Populated by the second parsing pass.
	ClassKey Key
	NameKey  Key
	TypeKey  Key

	// Resolved lazily by the interpreter on first use and cached here.
	// Per spec.md's invariant, a resolved slot is populated at most once.
	Resolved interface{}
}

// NameAndTypeEntry pairs a name index with a descriptor index.
type NameAndTypeEntry struct {
	NameIndex uint16
	TypeIndex uint16
	NameKey   Key
	TypeKey   Key
}

// Entry is one constant-pool slot. Only the fields relevant to Tag are
// meaningful; this mirrors the classfile's own tagged-union encoding
// instead of using N separate slices (contrast with other_examples'
// Jacobin classloader, which keeps per-kind slices indexed by a side
// table — coldvm instead keeps one slice indexed directly by constant
// pool index, which is what spec.md §3's "indexed table of tagged
// entries" describes, and what the verifier/interpreter address
// directly via the 16-bit indices baked into bytecode).
type Entry struct {
	Tag Tag

	// TagClass: NameIndex is the index of a Utf8 naming the class.
	// TagString: NameIndex is the index of the Utf8 holding the string value.
	NameIndex uint16
	NameKey   Key // resolved class/string key after pass 2

	// TagInteger / TagFloat
	IntValue   int32
	FloatValue float32

	// TagLong / TagDouble (occupy this slot + the next, which carries TagEmpty)
	LongValue   int64
	DoubleValue float64

	// TagUtf8: raw text, zeroed at the end of Load once collapsed to a Key.
	Utf8 string
	Key  Key

	// TagNameAndType
	NameAndType NameAndTypeEntry

	// TagFieldref / TagMethodref / TagInterfaceMethodref
	Ref RefEntry
}

// ConstantPool is the indexed table of a class's constants, 1..Count-1
// (index 0 is unused, matching the classfile convention that long/double
// entries occupy two slots and slot 0 is never addressed).
type ConstantPool struct {
	entries []Entry // entries[0] unused
}

// Count returns the number of addressable slots, including the unused
// slot 0 and the dead second slot of every Long/Double.
func (cp *ConstantPool) Count() int { return len(cp.entries) }

// At returns the entry at index i, or a ClassFormatError if the index is
// out of range. Index 0 is out of range. The dead second slot of a
// Long/Double is returned (with TagEmpty), so callers that need a real
// entry check its tag, as RequireTag does.
func (cp *ConstantPool) At(i uint16) (*Entry, error) {
	if int(i) <= 0 || int(i) >= len(cp.entries) {
		return nil, vmerr.New(vmerr.ClassFormatError, "constant pool index out of range: %d", i)
	}
	return &cp.entries[i], nil
}

// RequireTag fetches entry i and checks its tag matches want, per
// spec.md §4.1's "every cross-reference tag is what the containing
// entry requires" validation rule.
func (cp *ConstantPool) RequireTag(i uint16, want Tag) (*Entry, error) {
	e, err := cp.At(i)
	if err != nil {
		return nil, err
	}
	if e.Tag != want {
		return nil, vmerr.New(vmerr.ClassFormatError, "constant pool entry %d: expected tag %d, got %d", i, want, e.Tag)
	}
	return e, nil
}

// ClassName resolves a TagClass entry to its interned key. Used by the
// linker and verifier to identify superclass/interface/new/checkcast
// targets.
func (cp *ConstantPool) ClassName(i uint16) (Key, error) {
	e, err := cp.RequireTag(i, TagClass)
	if err != nil {
		return 0, err
	}
	return e.NameKey, nil
}
