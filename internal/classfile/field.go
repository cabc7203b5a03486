package classfile

// Field is immutable once loaded (spec.md §3): owning class, name/type
// key, access flags. Non-static fields carry a word offset into the
// instance payload; static fields carry an address into the owning
// class's static-field block.
type Field struct {
	Owner *InstanceClass
	Name  Key
	Type  Key // descriptor key, e.g. "I", "Ljava/lang/Object;"

	AccessFlags AccessFlags

	// Offset is the word offset into an instance's Fields slice for a
	// non-static field, assigned during linking.
	Offset int

	// Static fields have no Offset; they're addressed through the
	// owning class's StaticSlot instead.
	IsStatic bool

	// ConstValue is the constant-pool index of a static field's
	// initialiser, per spec.md §4.1.5 ("a ConstantValue attribute
	// records the constant-pool index of the initialiser (0 means
	// none)"). Zero means none.
	ConstValue uint16

	// IsPointer reports whether this field's descriptor denotes a
	// reference type (object or array), used by the linker to lay out
	// pointer-typed statics contiguously first (spec.md §4.1 Linking).
	IsPointer bool

	// Width is 1 for everything except long/double fields, which occupy
	// 2 adjacent slots (spec.md §3).
	Width int
}

const (
	AccFieldStatic    AccessFlags = 0x0008
	AccFieldFinal     AccessFlags = 0x0010
	AccFieldVolatile  AccessFlags = 0x0040
	AccFieldTransient AccessFlags = 0x0080
)
