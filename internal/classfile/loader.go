// Package classfile implements the classfile loader of spec.md §4.1: it
// parses the binary class stream, interns constants, validates
// structural properties, and (via linker.go) links the class against its
// superclass and super-interfaces.
//
// Grounded on the teacher's (kristofer-smog) two-pass constant handling
// in pkg/compiler/compiler.go — record raw values first, resolve
// cross-references second — generalized from smog's single literal pool
// to the classfile's tagged, cross-referencing constant pool, and on
// other_examples' artipop-jacobin classloader.go for the per-tag entry
// shape translated into this repository's cell/Key addressing.
package classfile

import "github.com/coldvm/coldvm/internal/vmerr"

// Magic is the fixed four-byte signature every class stream must begin
// with (spec.md §4.1 step 1).
const Magic = 0xCAFEBABE

// Supported major version range, fixed at build time per spec.md §6
// ("Supported major versions are a contiguous range fixed at build
// time."). This targets the class-format generation the original KVM
// accepted.
const (
	MinMajorVersion = 45
	MaxMajorVersion = 49
)

// MaxCodeLength and MaxFrameWords enforce spec.md §4.1.6's method size
// limits: "A method over 32 KB of bytecode or with more than 512
// locals+stack is rejected."
const (
	MaxCodeLength = 32 * 1024
	MaxFrameWords = 512
)

const (
	AccFieldPublic    AccessFlags = 0x0001
	AccFieldPrivate   AccessFlags = 0x0002
	AccFieldProtected AccessFlags = 0x0004
)

var recognisedFieldFlags = AccFieldPublic | AccFieldPrivate | AccFieldProtected |
	AccFieldStatic | AccFieldFinal | AccFieldVolatile | AccFieldTransient

const (
	AccMethodPublic    AccessFlags = 0x0001
	AccMethodPrivate   AccessFlags = 0x0002
	AccMethodProtected AccessFlags = 0x0004
)

var recognisedMethodFlags = AccMethodPublic | AccMethodPrivate | AccMethodProtected |
	AccMethodStatic | AccMethodFinal | AccMethodSynchronized | AccMethodNative | AccMethodAbstract

var recognisedClassFlags = AccPublic | AccFinal | AccSuper | AccInterface | AccAbstract

// Load parses a raw class stream into a LOADED InstanceClass, or fails
// with a classfile error (spec.md §4.1's "load" operation). On failure
// the caller (the linker/classtable owner) is responsible for the "every
// class it rolled forward reverts to RAW" rule, since a single Load call
// only ever produces one class; rollback across a transitive load chain
// is orchestrated by Link (see linker.go).
func Load(raw []byte, interner Interner) (*InstanceClass, error) {
	r := newReader(raw)

	magic, err := r.u4()
	if err != nil {
		return nil, err
	}
	if magic != Magic {
		return nil, vmerr.New(vmerr.ClassFormatError, "bad magic: %#x", magic)
	}

	if _, err := r.u2(); err != nil { // minor version: accepted for any value
		return nil, err
	}
	major, err := r.u2()
	if err != nil {
		return nil, err
	}
	if major < MinMajorVersion || major > MaxMajorVersion {
		return nil, vmerr.New(vmerr.ClassFormatError, "unsupported major version %d", major)
	}

	pool, err := parseConstantPool(r, interner)
	if err != nil {
		return nil, err
	}

	accessFlagsRaw, err := r.u2()
	if err != nil {
		return nil, err
	}
	accessFlags := AccessFlags(accessFlagsRaw) & recognisedClassFlags

	thisClassIdx, err := r.u2()
	if err != nil {
		return nil, err
	}
	thisName, err := pool.ClassName(thisClassIdx)
	if err != nil {
		return nil, err
	}

	superClassIdx, err := r.u2()
	if err != nil {
		return nil, err
	}

	ic := &InstanceClass{
		header: header{
			key:         thisName,
			accessFlags: accessFlags,
			packageName: interner.Intern(packageOf(interner.Lookup(thisName))),
		},
		Name:            thisName,
		Pool:            pool,
		Status:          StatusLoading,
		superclassIndex: superClassIdx,
	}

	ifaceCount, err := r.u2()
	if err != nil {
		return nil, err
	}
	ic.interfaceIndexes = make([]uint16, ifaceCount)
	for i := range ic.interfaceIndexes {
		idx, err := r.u2()
		if err != nil {
			return nil, err
		}
		ic.interfaceIndexes[i] = idx
	}

	fieldCount, err := r.u2()
	if err != nil {
		return nil, err
	}
	seenFields := make(map[[2]Key]bool, fieldCount)
	for i := 0; i < int(fieldCount); i++ {
		f, err := parseField(r, ic, pool)
		if err != nil {
			return nil, err
		}
		k := [2]Key{f.Name, f.Type}
		if seenFields[k] {
			return nil, vmerr.NewFor(vmerr.ClassFormatError, interner.Lookup(thisName), "duplicate field %s:%s", interner.Lookup(f.Name), interner.Lookup(f.Type))
		}
		seenFields[k] = true
		ic.Fields = append(ic.Fields, f)
	}

	methodCount, err := r.u2()
	if err != nil {
		return nil, err
	}
	seenMethods := make(map[[2]Key]bool, methodCount)
	for i := 0; i < int(methodCount); i++ {
		m, err := parseMethod(r, ic, pool, interner)
		if err != nil {
			return nil, err
		}
		k := [2]Key{m.Name, m.Type}
		if seenMethods[k] {
			return nil, vmerr.NewFor(vmerr.ClassFormatError, interner.Lookup(thisName), "duplicate method %s%s", interner.Lookup(m.Name), interner.Lookup(m.Type))
		}
		seenMethods[k] = true
		ic.Methods = append(ic.Methods, m)
	}

	// Trailing class attributes: skipped but lengths validated.
	classAttrCount, err := r.u2()
	if err != nil {
		return nil, err
	}
	for i := 0; i < int(classAttrCount); i++ {
		if err := skipAttribute(r); err != nil {
			return nil, err
		}
	}

	if !r.atEnd() {
		return nil, vmerr.NewFor(vmerr.ClassFormatError, interner.Lookup(thisName), "extra bytes after class data")
	}

	// Fields, methods and attributes have all read their names; every
	// Utf8 entry is now reachable through its interned Key alone, so the
	// raw text is dropped.
	for i := 1; i < len(pool.entries); i++ {
		if pool.entries[i].Tag == TagUtf8 {
			pool.entries[i].Utf8 = ""
		}
	}

	ic.Status = StatusLoaded
	return ic, nil
}

// packageOf returns the package portion of a '/'-separated class name
// (everything before the last '/'), or "" for the unnamed package.
func packageOf(className string) string {
	for i := len(className) - 1; i >= 0; i-- {
		if className[i] == '/' {
			return className[:i]
		}
	}
	return ""
}

func skipAttribute(r *reader) error {
	if _, err := r.u2(); err != nil { // attribute_name_index
		return err
	}
	length, err := r.u4()
	if err != nil {
		return err
	}
	return r.skip(int(length))
}

func parseField(r *reader, owner *InstanceClass, pool *ConstantPool) (*Field, error) {
	flagsRaw, err := r.u2()
	if err != nil {
		return nil, err
	}
	flags := AccessFlags(flagsRaw)
	if flags & ^recognisedFieldFlags != 0 {
		return nil, vmerr.New(vmerr.ClassFormatError, "illegal field access flags %#x", flagsRaw)
	}

	nameIdx, err := r.u2()
	if err != nil {
		return nil, err
	}
	nameEntry, err := pool.RequireTag(nameIdx, TagUtf8)
	if err != nil {
		return nil, err
	}
	if err := validateMemberName(nameEntry.Utf8, false); err != nil {
		return nil, err
	}

	descIdx, err := r.u2()
	if err != nil {
		return nil, err
	}
	descEntry, err := pool.RequireTag(descIdx, TagUtf8)
	if err != nil {
		return nil, err
	}
	if err := validateFieldDescriptor(descEntry.Utf8); err != nil {
		return nil, err
	}

	f := &Field{
		Owner:       owner,
		Name:        nameEntry.Key,
		Type:        descEntry.Key,
		AccessFlags: flags,
		IsStatic:    flags.Has(AccFieldStatic),
		IsPointer:   isPointerDescriptor(descEntry.Utf8),
		Width:       descriptorWidth(descEntry.Utf8),
	}

	attrCount, err := r.u2()
	if err != nil {
		return nil, err
	}
	for i := 0; i < int(attrCount); i++ {
		nameIdx, err := r.u2()
		if err != nil {
			return nil, err
		}
		length, err := r.u4()
		if err != nil {
			return nil, err
		}
		attrName, err := pool.RequireTag(nameIdx, TagUtf8)
		if err == nil && attrName.Utf8 == "ConstantValue" && length == 2 {
			idx, err := r.u2()
			if err != nil {
				return nil, err
			}
			f.ConstValue = idx
			continue
		}
		if err := r.skip(int(length)); err != nil {
			return nil, err
		}
	}

	return f, nil
}

func isPointerDescriptor(desc string) bool {
	return len(desc) > 0 && (desc[0] == 'L' || desc[0] == '[')
}

func parseMethod(r *reader, owner *InstanceClass, pool *ConstantPool, interner Interner) (*Method, error) {
	flagsRaw, err := r.u2()
	if err != nil {
		return nil, err
	}
	flags := AccessFlags(flagsRaw)
	if flags & ^recognisedMethodFlags != 0 {
		return nil, vmerr.New(vmerr.ClassFormatError, "illegal method access flags %#x", flagsRaw)
	}

	nameIdx, err := r.u2()
	if err != nil {
		return nil, err
	}
	nameEntry, err := pool.RequireTag(nameIdx, TagUtf8)
	if err != nil {
		return nil, err
	}
	if err := validateMemberName(nameEntry.Utf8, true); err != nil {
		return nil, err
	}

	descIdx, err := r.u2()
	if err != nil {
		return nil, err
	}
	descEntry, err := pool.RequireTag(descIdx, TagUtf8)
	if err != nil {
		return nil, err
	}
	argWords, err := validateMethodDescriptor(descEntry.Utf8)
	if err != nil {
		return nil, err
	}

	m := &Method{
		Owner:       owner,
		Name:        nameEntry.Key,
		Type:        descEntry.Key,
		AccessFlags: flags,
		ArgWords:    argWords,
	}

	attrCount, err := r.u2()
	if err != nil {
		return nil, err
	}
	var sawCode bool
	for i := 0; i < int(attrCount); i++ {
		attrNameIdx, err := r.u2()
		if err != nil {
			return nil, err
		}
		length, err := r.u4()
		if err != nil {
			return nil, err
		}
		attrNameEntry, tagErr := pool.RequireTag(attrNameIdx, TagUtf8)
		attrName := ""
		if tagErr == nil {
			attrName = attrNameEntry.Utf8
		}
		switch attrName {
		case "Code":
			if err := parseCodeAttribute(r, m, pool); err != nil {
				return nil, err
			}
			sawCode = true
		case "Exceptions":
			count, err := r.u2()
			if err != nil {
				return nil, err
			}
			m.Exceptions = make([]uint16, count)
			for j := range m.Exceptions {
				idx, err := r.u2()
				if err != nil {
					return nil, err
				}
				if _, err := pool.RequireTag(idx, TagClass); err != nil {
					return nil, err
				}
				m.Exceptions[j] = idx
			}
		default:
			if err := r.skip(int(length)); err != nil {
				return nil, err
			}
		}
	}

	if !sawCode && flags&(AccMethodNative|AccMethodAbstract) == 0 {
		return nil, vmerr.NewFor(vmerr.ClassFormatError, interner.Lookup(owner.Name),
			"missing Code attribute on non-native non-abstract method %s", interner.Lookup(m.Name))
	}

	return m, nil
}

func parseCodeAttribute(r *reader, m *Method, pool *ConstantPool) error {
	maxStack, err := r.u2()
	if err != nil {
		return err
	}
	maxLocals, err := r.u2()
	if err != nil {
		return err
	}
	codeLen, err := r.u4()
	if err != nil {
		return err
	}
	if codeLen == 0 || codeLen > MaxCodeLength {
		return vmerr.New(vmerr.ClassFormatError, "method code length %d out of range", codeLen)
	}
	code, err := r.bytes(int(codeLen))
	if err != nil {
		return err
	}
	m.Code = append([]byte(nil), code...)
	m.MaxStack = int(maxStack)
	m.MaxLocals = int(maxLocals)
	if m.MaxStack+m.MaxLocals > MaxFrameWords {
		return vmerr.New(vmerr.ClassFormatError, "method frame size %d exceeds limit", m.MaxStack+m.MaxLocals)
	}

	handlerCount, err := r.u2()
	if err != nil {
		return err
	}
	m.Handlers = make([]ExceptionHandler, handlerCount)
	for i := range m.Handlers {
		start, err := r.u2()
		if err != nil {
			return err
		}
		end, err := r.u2()
		if err != nil {
			return err
		}
		handlerPC, err := r.u2()
		if err != nil {
			return err
		}
		catchType, err := r.u2()
		if err != nil {
			return err
		}
		if !(int(start) < int(end)) || int(end) > len(m.Code) || int(handlerPC) >= len(m.Code) {
			return vmerr.New(vmerr.ClassFormatError, "illegal exception handler range [%d,%d) -> %d", start, end, handlerPC)
		}
		if catchType != 0 {
			if _, err := pool.RequireTag(catchType, TagClass); err != nil {
				return err
			}
		}
		m.Handlers[i] = ExceptionHandler{StartPC: int(start), EndPC: int(end), HandlerPC: int(handlerPC), CatchType: catchType}
	}

	codeAttrCount, err := r.u2()
	if err != nil {
		return err
	}
	for i := 0; i < int(codeAttrCount); i++ {
		attrNameIdx, err := r.u2()
		if err != nil {
			return err
		}
		length, err := r.u4()
		if err != nil {
			return err
		}
		attrNameEntry, tagErr := pool.RequireTag(attrNameIdx, TagUtf8)
		if tagErr == nil && attrNameEntry.Utf8 == "StackMap" {
			if err := parseStackMapAttribute(r, m); err != nil {
				return err
			}
			continue
		}
		if err := r.skip(int(length)); err != nil {
			return err
		}
	}
	return nil
}

// parseStackMapAttribute reads the custom StackMap attribute (spec.md
// §6 deviation (a)): a sequence of (offset, locals, stack) entries using
// the verifier's own type encoding. Entries are stored in raw numeric
// form here; internal/verify decodes the per-slot type tags when it runs
// (classfile cannot import internal/verify, so it only preserves bytes).
func parseStackMapAttribute(r *reader, m *Method) error {
	count, err := r.u2()
	if err != nil {
		return err
	}
	m.StackMap = make([]StackMapEntry, count)
	for i := range m.StackMap {
		offset, err := r.u2()
		if err != nil {
			return err
		}
		localsCount, err := r.u2()
		if err != nil {
			return err
		}
		locals := make([]interface{}, localsCount)
		for j := range locals {
			tag, err := r.u1()
			if err != nil {
				return err
			}
			var extra uint16
			if tag >= 7 { // reference/uninitialised kinds carry an extra u2 (class index or new-offset)
				extra, err = r.u2()
				if err != nil {
					return err
				}
			}
			locals[j] = RawVerifierType{Tag: tag, Extra: extra}
		}
		stackCount, err := r.u2()
		if err != nil {
			return err
		}
		stack := make([]interface{}, stackCount)
		for j := range stack {
			tag, err := r.u1()
			if err != nil {
				return err
			}
			var extra uint16
			if tag >= 7 {
				extra, err = r.u2()
				if err != nil {
					return err
				}
			}
			stack[j] = RawVerifierType{Tag: tag, Extra: extra}
		}
		m.StackMap[i] = StackMapEntry{Offset: int(offset), VerifierLocals: locals, VerifierStack: stack}
	}
	return nil
}

// RawVerifierType is the on-disk encoding of one stack-map slot's type,
// as read by the loader and decoded by internal/verify into its abstract
// domain. Tag values follow the same small enumeration the verifier's
// TypeValue uses (see internal/verify/types.go); kept here as raw data
// because classfile must not depend on verify.
type RawVerifierType struct {
	Tag   byte
	Extra uint16
}
