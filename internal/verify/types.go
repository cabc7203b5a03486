// Package verify implements the two-phase bytecode verifier: an
// abstract-interpretation type checker that walks a method's bytecode
// once, matching and merging its derived state against a stack-map
// table supplied ahead of time (spec.md §4.2).
package verify

import (
	"fmt"

	"github.com/coldvm/coldvm/internal/classfile"
)

// Tag discriminates the abstract domain's primitive kinds (spec.md
// §4.2's "Abstract domain").
type Tag int

const (
	TagTop Tag = iota // Bogus: the verifier's "don't care, not yet merged" top value
	TagInteger
	TagLong
	TagLong2 // the high word of a Long pair; never independently assignable
	TagFloat
	TagDouble
	TagDouble2
	TagNull
	TagInitObject // the receiver of <init>, before it has been initialised
	TagReference  // a class-key reference type
	TagArray      // a reference-array type (dimension + element tag)
	TagNewObject  // NewObject(pc): result of `new` at pc, distinct per pc
)

// rawTag mirrors the on-disk StackMap verification_type_info tag values
// the loader preserves in classfile.RawVerifierType, the same small
// enumeration the original class-file StackMapTable attribute uses:
// 0 Top, 1 Integer, 2 Float, 3 Double, 4 Long, 5 Null, 6 UninitializedThis,
// 7 Object (cpool class index follows), 8 Uninitialized (new-instruction
// offset follows).
const (
	rawTop               = 0
	rawInteger           = 1
	rawFloat             = 2
	rawDouble            = 3
	rawLong              = 4
	rawNull              = 5
	rawUninitializedThis = 6
	rawObject            = 7
	rawUninitialized     = 8
)

// TypeValue is one value of the verifier's abstract domain (spec.md
// §4.2's "A type value is one of: primitive tags... a class-key
// identifying a reference type; a reference-array type...; NewObject(pc)").
type TypeValue struct {
	Tag Tag

	// Class identifies the reference type for TagReference and the
	// element type for TagArray (when the element is itself a
	// reference; primitive array elements are folded into Dims using
	// classfile's PrimitiveTag, stored in Class as a sentinel key of 0
	// with Prim set).
	Class classfile.Key
	Prim  classfile.PrimitiveTag // set only when TagArray's element is primitive
	Dims  int                    // dimension count, for TagArray

	// NewPC is the bytecode offset of the `new` instruction that
	// produced this value, for TagNewObject.
	NewPC int
}

var (
	Top        = TypeValue{Tag: TagTop}
	Integer    = TypeValue{Tag: TagInteger}
	Long       = TypeValue{Tag: TagLong}
	Long2      = TypeValue{Tag: TagLong2}
	Float      = TypeValue{Tag: TagFloat}
	Double     = TypeValue{Tag: TagDouble}
	Double2    = TypeValue{Tag: TagDouble2}
	Null       = TypeValue{Tag: TagNull}
	InitObject = TypeValue{Tag: TagInitObject}
)

// Reference builds a TagReference value for the given class key.
func Reference(key classfile.Key) TypeValue { return TypeValue{Tag: TagReference, Class: key} }

// NewObject builds a TagNewObject value for the `new` instruction at pc
// (spec.md §4.2: "NewObject(pc) — the result of a new instruction at
// bytecode offset pc, distinct from any other new").
func NewObject(pc int) TypeValue { return TypeValue{Tag: TagNewObject, NewPC: pc} }

func (t TypeValue) IsCategory2() bool {
	return t.Tag == TagLong || t.Tag == TagLong2 || t.Tag == TagDouble || t.Tag == TagDouble2
}

func (t TypeValue) IsReferenceLike() bool {
	switch t.Tag {
	case TagReference, TagArray, TagNull, TagNewObject, TagInitObject:
		return true
	default:
		return false
	}
}

func (t TypeValue) String() string {
	switch t.Tag {
	case TagTop:
		return "top"
	case TagInteger:
		return "int"
	case TagLong:
		return "long"
	case TagLong2:
		return "long2"
	case TagFloat:
		return "float"
	case TagDouble:
		return "double"
	case TagDouble2:
		return "double2"
	case TagNull:
		return "null"
	case TagInitObject:
		return "uninitializedThis"
	case TagReference:
		return fmt.Sprintf("ref(%d)", t.Class)
	case TagArray:
		return fmt.Sprintf("array(dims=%d)", t.Dims)
	case TagNewObject:
		return fmt.Sprintf("new@%d", t.NewPC)
	default:
		return "?"
	}
}

// decodeRaw converts the loader's on-disk RawVerifierType into a
// TypeValue, resolving a class-index cross-reference against pool via
// pool.ClassName.
func decodeRaw(raw interface{}, pool *classfile.ConstantPool) (TypeValue, error) {
	rv, ok := raw.(classfile.RawVerifierType)
	if !ok {
		return TypeValue{}, fmt.Errorf("verify: malformed stack-map slot %T", raw)
	}
	switch rv.Tag {
	case rawTop:
		return Top, nil
	case rawInteger:
		return Integer, nil
	case rawFloat:
		return Float, nil
	case rawDouble:
		return Double, nil
	case rawLong:
		return Long, nil
	case rawNull:
		return Null, nil
	case rawUninitializedThis:
		return InitObject, nil
	case rawObject:
		key, err := pool.ClassName(rv.Extra)
		if err != nil {
			return TypeValue{}, err
		}
		return Reference(key), nil
	case rawUninitialized:
		return NewObject(int(rv.Extra)), nil
	default:
		return TypeValue{}, fmt.Errorf("verify: unknown stack-map tag %d", rv.Tag)
	}
}

// decodeSlots decodes an entire locals or stack snapshot.
func decodeSlots(raw []interface{}, pool *classfile.ConstantPool) ([]TypeValue, error) {
	out := make([]TypeValue, len(raw))
	for i, r := range raw {
		v, err := decodeRaw(r, pool)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
