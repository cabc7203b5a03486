package classfile

// Status tracks a class's progress through the loading pipeline
// described in spec.md §2's data-flow paragraph:
//
//	RAW -> LOADING -> LOADED -> LINKED -> (verifier runs) -> VERIFIED -> READY
//
// Status is monotonic except for a single rollback to RAW on a transient
// load failure (spec.md §3 invariants).
type Status int

const (
	StatusRaw Status = iota
	StatusLoading
	StatusLoaded
	StatusLinked
	StatusVerified
	StatusReady
	StatusError // terminal: a verification failure that is not retried
)

func (s Status) String() string {
	switch s {
	case StatusRaw:
		return "RAW"
	case StatusLoading:
		return "LOADING"
	case StatusLoaded:
		return "LOADED"
	case StatusLinked:
		return "LINKED"
	case StatusVerified:
		return "VERIFIED"
	case StatusReady:
		return "READY"
	case StatusError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// AccessFlags is the recognised subset of classfile access flags
// (spec.md §4.1.3: "access flags (recognised subset only)").
type AccessFlags uint16

const (
	AccPublic    AccessFlags = 0x0001
	AccFinal     AccessFlags = 0x0010
	AccSuper     AccessFlags = 0x0020
	AccInterface AccessFlags = 0x0200
	AccAbstract  AccessFlags = 0x0400
)

func (f AccessFlags) Has(bit AccessFlags) bool { return f&bit != 0 }

// Class is the common header shared by InstanceClass and ArrayClass
// (spec.md §3: "Class (polymorphic; variants: InstanceClass,
// ArrayClass). Common header: short 'key' (interned identity), access
// flags, package name, ofClass back-pointer to the class-of-classes.").
//
// Go expresses the polymorphic Class/InstanceClass/ArrayClass variant as
// an interface plus two concrete types rather than a tagged union,
// because the interpreter and verifier need exhaustive type switches at
// only a handful of sites (new/anewarray/instanceof/checkcast) and an
// interface keeps those sites the only place the variant is visible.
type Class interface {
	Key() Key
	AccessFlags() AccessFlags
	PackageName() Key
	// OfClass is the back-pointer to the class-of-classes (the
	// metaclass every Class belongs to), per spec.md §3.
	OfClass() Class
	IsInterface() bool
	IsArray() bool
}

// header holds the fields common to both class variants.
type header struct {
	key         Key
	accessFlags AccessFlags
	packageName Key
	ofClass     Class
}

func (h *header) Key() Key                 { return h.key }
func (h *header) AccessFlags() AccessFlags  { return h.accessFlags }
func (h *header) PackageName() Key          { return h.packageName }
func (h *header) OfClass() Class            { return h.ofClass }
func (h *header) IsInterface() bool         { return h.accessFlags.Has(AccInterface) }

// InstanceClass is a loaded/linked ordinary class (spec.md §3).
type InstanceClass struct {
	header

	Name Key

	Pool       *ConstantPool
	Fields     []*Field
	Methods    []*Method
	Interfaces []Key // interface index table, resolved to keys

	Super Class // nil only for the root object class

	InstSize int // instance-slot count

	Status Status

	// Finalizer is the method run on collection, if any (optional per
	// spec.md §3; nil when the class declares none).
	Finalizer *Method

	// StaticFields holds this class's static-field storage, laid out
	// pointer-typed-first (see linker.go) so the collector sees one
	// contiguous root run.
	StaticFields []interface{}
	// staticFieldIndex maps a static field's owning Field to its slot in
	// StaticFields, populated during linking.
	staticFieldIndex map[*Field]int

	// superclassIndex/interfaceIndexes are the raw class-index references
	// recorded during loading; resolved into Super/Interfaces by Link.
	superclassIndex  uint16
	interfaceIndexes []uint16

	// linking guards against circular inheritance: set for the duration
	// of this class's own Link call. If resolving a superclass or
	// interface recurses back into Link for this same class, linking is
	// still true — the recursive-entry signal spec.md §4.1 describes as
	// "a superclass still in LOADED state" (this class's Status stays
	// StatusLoaded for the whole call, so the two observations coincide).
	linking bool
}

func (c *InstanceClass) IsArray() bool { return false }

// StaticSlot returns the storage slot for a static field, populated
// during linking.
func (c *InstanceClass) StaticSlot(f *Field) *interface{} {
	idx, ok := c.staticFieldIndex[f]
	if !ok {
		return nil
	}
	return &c.StaticFields[idx]
}

// PrimitiveTag identifies an ArrayClass's element type when the element
// is primitive rather than a reference type.
type PrimitiveTag byte

const (
	PrimNone PrimitiveTag = iota
	PrimBoolean
	PrimByte
	PrimChar
	PrimShort
	PrimInt
	PrimLong
	PrimFloat
	PrimDouble
)

// ArrayClass represents an array type (spec.md §3: "An ArrayClass owns:
// element class or primitive type tag, dimension count, flags.").
type ArrayClass struct {
	header

	ElementClass Class        // nil if the element is primitive
	ElementPrim  PrimitiveTag // PrimNone if the element is a reference type
	Dimensions   int
}

func (a *ArrayClass) IsArray() bool { return true }

// IsPointerType reports whether this array's elements are references
// (needed by the collector's pointer map and by aastore's assignability
// check, spec.md §4.3).
func (a *ArrayClass) IsPointerType() bool { return a.ElementPrim == PrimNone || a.Dimensions > 1 }
