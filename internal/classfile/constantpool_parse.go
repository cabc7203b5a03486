package classfile

import (
	"math"

	"github.com/coldvm/coldvm/internal/vmerr"
)

// parseConstantPool implements spec.md §4.1 step 2: a constant pool of
// N-1 entries indexed 1..N-1, parsed in two passes. Pass one records raw
// values and tags (including the Long/Double double-slot rule); pass two
// converts Class, String, NameAndType, and *ref entries to interned keys
// and resolves their indexed cross-references. The Utf8 text is kept
// here because the member parsers still read it; Load drops it once the
// whole class has been read.
func parseConstantPool(r *reader, interner Interner) (*ConstantPool, error) {
	count, err := r.u2()
	if err != nil {
		return nil, err
	}
	cp := &ConstantPool{entries: make([]Entry, count)}

	// Pass 1: raw tags and values.
	for i := 1; i < int(count); i++ {
		tag, err := r.u1()
		if err != nil {
			return nil, err
		}
		switch Tag(tag) {
		case TagUtf8:
			length, err := r.u2()
			if err != nil {
				return nil, err
			}
			raw, err := r.bytes(int(length))
			if err != nil {
				return nil, err
			}
			text, err := validateModifiedUTF8(raw)
			if err != nil {
				return nil, err
			}
			cp.entries[i] = Entry{Tag: TagUtf8, Utf8: text}
		case TagInteger:
			v, err := r.u4()
			if err != nil {
				return nil, err
			}
			cp.entries[i] = Entry{Tag: TagInteger, IntValue: int32(v)}
		case TagFloat:
			v, err := r.u4()
			if err != nil {
				return nil, err
			}
			cp.entries[i] = Entry{Tag: TagFloat, FloatValue: math.Float32frombits(v)}
		case TagLong:
			hi, err := r.u4()
			if err != nil {
				return nil, err
			}
			lo, err := r.u4()
			if err != nil {
				return nil, err
			}
			cp.entries[i] = Entry{Tag: TagLong, LongValue: int64(uint64(hi)<<32 | uint64(lo))}
			i++ // second slot carries tag 0 and must never be addressed directly
			if i < int(count) {
				cp.entries[i] = Entry{Tag: TagEmpty}
			}
		case TagDouble:
			hi, err := r.u4()
			if err != nil {
				return nil, err
			}
			lo, err := r.u4()
			if err != nil {
				return nil, err
			}
			cp.entries[i] = Entry{Tag: TagDouble, DoubleValue: math.Float64frombits(uint64(hi)<<32 | uint64(lo))}
			i++
			if i < int(count) {
				cp.entries[i] = Entry{Tag: TagEmpty}
			}
		case TagClass:
			idx, err := r.u2()
			if err != nil {
				return nil, err
			}
			cp.entries[i] = Entry{Tag: TagClass, NameIndex: idx}
		case TagString:
			idx, err := r.u2()
			if err != nil {
				return nil, err
			}
			cp.entries[i] = Entry{Tag: TagString, NameIndex: idx}
		case TagFieldref, TagMethodref, TagInterfaceMethodref:
			classIdx, err := r.u2()
			if err != nil {
				return nil, err
			}
			natIdx, err := r.u2()
			if err != nil {
				return nil, err
			}
			cp.entries[i] = Entry{Tag: Tag(tag), Ref: RefEntry{ClassIndex: classIdx, NameAndTypeIndex: natIdx}}
		case TagNameAndType:
			nameIdx, err := r.u2()
			if err != nil {
				return nil, err
			}
			typeIdx, err := r.u2()
			if err != nil {
				return nil, err
			}
			cp.entries[i] = Entry{Tag: TagNameAndType, NameAndType: NameAndTypeEntry{NameIndex: nameIdx, TypeIndex: typeIdx}}
		default:
			return nil, vmerr.New(vmerr.ClassFormatError, "unknown constant pool tag %d at index %d", tag, i)
		}
	}

	// Pass 2a: intern every Utf8 entry.
	for i := 1; i < len(cp.entries); i++ {
		if cp.entries[i].Tag == TagUtf8 {
			cp.entries[i].Key = interner.Intern(cp.entries[i].Utf8)
		}
	}

	// Pass 2b: resolve Class / String / NameAndType cross-references
	// into Utf8 entries.
	for i := 1; i < len(cp.entries); i++ {
		e := &cp.entries[i]
		switch e.Tag {
		case TagClass:
			nameEntry, err := cp.RequireTag(e.NameIndex, TagUtf8)
			if err != nil {
				return nil, err
			}
			if err := validateClassName(nameEntry.Utf8); err != nil {
				return nil, err
			}
			e.NameKey = nameEntry.Key
		case TagString:
			nameEntry, err := cp.RequireTag(e.NameIndex, TagUtf8)
			if err != nil {
				return nil, err
			}
			e.NameKey = nameEntry.Key
		case TagNameAndType:
			nameEntry, err := cp.RequireTag(e.NameAndType.NameIndex, TagUtf8)
			if err != nil {
				return nil, err
			}
			typeEntry, err := cp.RequireTag(e.NameAndType.TypeIndex, TagUtf8)
			if err != nil {
				return nil, err
			}
			e.NameAndType.NameKey = nameEntry.Key
			e.NameAndType.TypeKey = typeEntry.Key
		}
	}

	// Pass 2c: resolve *ref entries, which cross-reference a Class entry
	// and a NameAndType entry (spec.md §4.1's "every cross-reference tag
	// is what the containing entry requires").
	for i := 1; i < len(cp.entries); i++ {
		e := &cp.entries[i]
		switch e.Tag {
		case TagFieldref, TagMethodref, TagInterfaceMethodref:
			classEntry, err := cp.RequireTag(e.Ref.ClassIndex, TagClass)
			if err != nil {
				return nil, err
			}
			natEntry, err := cp.RequireTag(e.Ref.NameAndTypeIndex, TagNameAndType)
			if err != nil {
				return nil, err
			}
			e.Ref.ClassKey = classEntry.NameKey
			e.Ref.NameKey = natEntry.NameAndType.NameKey
			e.Ref.TypeKey = natEntry.NameAndType.TypeKey
		}
	}

	return cp, nil
}
