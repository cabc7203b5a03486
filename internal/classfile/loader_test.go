package classfile

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coldvm/coldvm/internal/vmerr"
)

// testInterner is the in-package Interner fake: a plain bidirectional map,
// good enough for the loader/linker since neither cares about the real
// class-table's backing store.
type testInterner struct {
	byStr map[string]Key
	byKey map[Key]string
	next  Key
}

func newTestInterner() *testInterner {
	return &testInterner{byStr: map[string]Key{}, byKey: map[Key]string{}, next: 1}
}

func (i *testInterner) Intern(s string) Key {
	if k, ok := i.byStr[s]; ok {
		return k
	}
	k := i.next
	i.next++
	i.byStr[s] = k
	i.byKey[k] = s
	return k
}

func (i *testInterner) Lookup(k Key) string { return i.byKey[k] }

// testTable is the in-package ClassTable fake: a flat map from key to an
// already-Loaded InstanceClass, as a real embedding VM's class table would
// present to the linker once every referenced class is resolvable.
type testTable struct {
	classes map[Key]*InstanceClass
	root    Key
}

func (t *testTable) ResolveClass(k Key) (*InstanceClass, error) {
	c, ok := t.classes[k]
	if !ok {
		return nil, vmerr.New(vmerr.NoClassDefFoundError, "class not found")
	}
	return c, nil
}

func (t *testTable) RootKey() Key { return t.root }

func u2b(v uint16) []byte { return []byte{byte(v >> 8), byte(v)} }
func u4b(v uint32) []byte { return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)} }

// cpBuilder accumulates raw constant-pool entry bytes in encounter order,
// mirroring the on-disk tagged-entry shape parseConstantPool expects.
type cpBuilder struct {
	entries [][]byte
}

func (p *cpBuilder) add(b []byte) uint16 {
	p.entries = append(p.entries, b)
	return uint16(len(p.entries))
}

func (p *cpBuilder) utf8(s string) uint16 {
	return p.add(append([]byte{byte(TagUtf8)}, append(u2b(uint16(len(s))), s...)...))
}

func (p *cpBuilder) class(name string) uint16 {
	n := p.utf8(name)
	return p.add(append([]byte{byte(TagClass)}, u2b(n)...))
}

func (p *cpBuilder) bytes() []byte {
	out := u2b(uint16(len(p.entries) + 1))
	for _, e := range p.entries {
		out = append(out, e...)
	}
	return out
}

type handlerSpec struct {
	start, end, handlerPC int
	catchType             uint16
}

type methodSpec struct {
	name, desc string
	flags      AccessFlags
	code       []byte
	maxStack   int
	maxLocals  int
	handlers   []handlerSpec
	skipCode   bool // force zero attributes, even for a concrete method
}

func encodeMethod(p *cpBuilder, m methodSpec) []byte {
	nameIdx := p.utf8(m.name)
	descIdx := p.utf8(m.desc)
	out := u2b(uint16(m.flags))
	out = append(out, u2b(nameIdx)...)
	out = append(out, u2b(descIdx)...)

	if m.skipCode || m.flags.Has(AccMethodNative) || m.flags.Has(AccMethodAbstract) {
		out = append(out, u2b(0)...)
		return out
	}

	codeAttrNameIdx := p.utf8("Code")
	var body []byte
	body = append(body, u2b(uint16(m.maxStack))...)
	body = append(body, u2b(uint16(m.maxLocals))...)
	body = append(body, u4b(uint32(len(m.code)))...)
	body = append(body, m.code...)
	body = append(body, u2b(uint16(len(m.handlers)))...)
	for _, h := range m.handlers {
		body = append(body, u2b(uint16(h.start))...)
		body = append(body, u2b(uint16(h.end))...)
		body = append(body, u2b(uint16(h.handlerPC))...)
		body = append(body, u2b(h.catchType)...)
	}
	body = append(body, u2b(0)...) // no nested code attributes

	out = append(out, u2b(1)...) // one method attribute: Code
	out = append(out, u2b(codeAttrNameIdx)...)
	out = append(out, u4b(uint32(len(body)))...)
	out = append(out, body...)
	return out
}

type fieldSpec struct {
	name, desc string
	flags      AccessFlags
}

func encodeField(p *cpBuilder, f fieldSpec) []byte {
	nameIdx := p.utf8(f.name)
	descIdx := p.utf8(f.desc)
	out := u2b(uint16(f.flags))
	out = append(out, u2b(nameIdx)...)
	out = append(out, u2b(descIdx)...)
	out = append(out, u2b(0)...) // no field attributes
	return out
}

type classSpec struct {
	name        string
	superName   string // "" => null superclass index (root only)
	accessFlags AccessFlags
	interfaces  []string
	fields      []fieldSpec
	methods     []methodSpec
	major       uint16
}

// buildClass assembles a complete class stream by hand, the same shape
// Load expects to read, so the loader/linker can be exercised without a
// real compiler front end.
func buildClass(spec classSpec) []byte {
	p := &cpBuilder{}
	thisIdx := p.class(spec.name)
	var superIdx uint16
	if spec.superName != "" {
		superIdx = p.class(spec.superName)
	}
	ifaceIdxs := make([]uint16, len(spec.interfaces))
	for i, n := range spec.interfaces {
		ifaceIdxs[i] = p.class(n)
	}

	var fieldsBytes []byte
	for _, f := range spec.fields {
		fieldsBytes = append(fieldsBytes, encodeField(p, f)...)
	}

	var methodsBytes []byte
	for _, m := range spec.methods {
		methodsBytes = append(methodsBytes, encodeMethod(p, m)...)
	}

	major := spec.major
	if major == 0 {
		major = 49
	}

	out := u4b(Magic)
	out = append(out, u2b(0)...) // minor version
	out = append(out, u2b(major)...)
	out = append(out, p.bytes()...)
	out = append(out, u2b(uint16(spec.accessFlags))...)
	out = append(out, u2b(thisIdx)...)
	out = append(out, u2b(superIdx)...)
	out = append(out, u2b(uint16(len(ifaceIdxs)))...)
	for _, idx := range ifaceIdxs {
		out = append(out, u2b(idx)...)
	}
	out = append(out, u2b(uint16(len(spec.fields)))...)
	out = append(out, fieldsBytes...)
	out = append(out, u2b(uint16(len(spec.methods)))...)
	out = append(out, methodsBytes...)
	out = append(out, u2b(0)...) // no class attributes
	return out
}

func simpleMethod(name string) methodSpec {
	return methodSpec{name: name, desc: "()V", flags: 0, code: []byte{0}, maxStack: 1, maxLocals: 1}
}

func TestLoadValidClassRoundTrips(t *testing.T) {
	in := newTestInterner()
	raw := buildClass(classSpec{
		name:    "pkg/Root",
		methods: []methodSpec{simpleMethod("run")},
	})

	ic, err := Load(raw, in)
	require.NoError(t, err)
	require.Equal(t, StatusLoaded, ic.Status)
	require.Equal(t, in.Intern("pkg/Root"), ic.Name)
	require.Equal(t, "pkg", in.Lookup(ic.PackageName()))
	require.Len(t, ic.Methods, 1)
	require.Equal(t, []byte{0}, ic.Methods[0].Code)
	require.Equal(t, 1, ic.Methods[0].MaxStack)
}

func TestLoadRejectsBadMagic(t *testing.T) {
	in := newTestInterner()
	raw := buildClass(classSpec{name: "pkg/Root", methods: []methodSpec{simpleMethod("run")}})
	raw[0] = 0x00

	_, err := Load(raw, in)
	require.Error(t, err)
	verr, ok := err.(*vmerr.VMError)
	require.True(t, ok)
	require.Equal(t, vmerr.ClassFormatError, verr.Class)
}

func TestLoadRejectsUnsupportedMajorVersion(t *testing.T) {
	in := newTestInterner()
	raw := buildClass(classSpec{
		name:    "pkg/Root",
		major:   MaxMajorVersion + 1,
		methods: []methodSpec{simpleMethod("run")},
	})

	_, err := Load(raw, in)
	require.Error(t, err)
	verr, ok := err.(*vmerr.VMError)
	require.True(t, ok)
	require.Equal(t, vmerr.ClassFormatError, verr.Class)
}

func TestLoadRejectsDuplicateMethodNameAndDescriptor(t *testing.T) {
	in := newTestInterner()
	raw := buildClass(classSpec{
		name:    "pkg/Root",
		methods: []methodSpec{simpleMethod("run"), simpleMethod("run")},
	})

	_, err := Load(raw, in)
	require.Error(t, err)
}

func TestLoadRejectsMethodMissingCodeAttribute(t *testing.T) {
	in := newTestInterner()
	raw := buildClass(classSpec{
		name: "pkg/Root",
		methods: []methodSpec{
			{name: "run", desc: "()V", flags: 0, skipCode: true},
		},
	})

	_, err := Load(raw, in)
	require.Error(t, err)
}

func TestLoadAllowsNativeMethodWithoutCode(t *testing.T) {
	in := newTestInterner()
	raw := buildClass(classSpec{
		name: "pkg/Root",
		methods: []methodSpec{
			{name: "run", desc: "()V", flags: AccMethodNative},
		},
	})

	ic, err := Load(raw, in)
	require.NoError(t, err)
	require.Len(t, ic.Methods, 1)
	require.Nil(t, ic.Methods[0].Code)
}

func TestLoadRejectsIllegalExceptionHandlerRange(t *testing.T) {
	in := newTestInterner()
	raw := buildClass(classSpec{
		name: "pkg/Root",
		methods: []methodSpec{
			{
				name: "run", desc: "()V", flags: 0,
				code: []byte{0, 0, 0}, maxStack: 1, maxLocals: 1,
				handlers: []handlerSpec{{start: 2, end: 1, handlerPC: 0}}, // end <= start: illegal
			},
		},
	})

	_, err := Load(raw, in)
	require.Error(t, err)
}

func TestLoadParsesExceptionHandlerRange(t *testing.T) {
	in := newTestInterner()
	raw := buildClass(classSpec{
		name: "pkg/Root",
		methods: []methodSpec{
			{
				name: "run", desc: "()V", flags: 0,
				code: []byte{0, 0, 0}, maxStack: 1, maxLocals: 1,
				handlers: []handlerSpec{{start: 0, end: 2, handlerPC: 2}},
			},
		},
	})

	ic, err := Load(raw, in)
	require.NoError(t, err)
	require.Len(t, ic.Methods[0].Handlers, 1)
	require.Equal(t, ExceptionHandler{StartPC: 0, EndPC: 2, HandlerPC: 2, CatchType: 0}, ic.Methods[0].Handlers[0])
}

func TestLinkResolvesSuperclassAndComputesInstSize(t *testing.T) {
	in := newTestInterner()

	rootRaw := buildClass(classSpec{name: "pkg/Root", methods: []methodSpec{simpleMethod("<init>")}})
	rootIC, err := Load(rootRaw, in)
	require.NoError(t, err)

	childRaw := buildClass(classSpec{
		name:      "pkg/Child",
		superName: "pkg/Root",
		fields:    []fieldSpec{{name: "x", desc: "I"}},
		methods:   []methodSpec{simpleMethod("<init>")},
	})
	childIC, err := Load(childRaw, in)
	require.NoError(t, err)

	table := &testTable{
		classes: map[Key]*InstanceClass{
			rootIC.Name:  rootIC,
			childIC.Name: childIC,
		},
		root: rootIC.Name,
	}

	require.NoError(t, Link(childIC, table, in))
	require.Equal(t, StatusLinked, childIC.Status)
	require.Equal(t, StatusLinked, rootIC.Status)
	require.Same(t, rootIC, childIC.Super)
	require.Equal(t, 1, childIC.InstSize)
}

func TestLinkRejectsFinalSuperclass(t *testing.T) {
	in := newTestInterner()

	rootRaw := buildClass(classSpec{name: "pkg/Root", accessFlags: AccFinal, methods: []methodSpec{simpleMethod("<init>")}})
	rootIC, err := Load(rootRaw, in)
	require.NoError(t, err)

	childRaw := buildClass(classSpec{name: "pkg/Child", superName: "pkg/Root", methods: []methodSpec{simpleMethod("<init>")}})
	childIC, err := Load(childRaw, in)
	require.NoError(t, err)

	table := &testTable{classes: map[Key]*InstanceClass{rootIC.Name: rootIC, childIC.Name: childIC}, root: rootIC.Name}

	err = Link(childIC, table, in)
	require.Error(t, err)
	require.Equal(t, StatusRaw, childIC.Status)
}

func TestLinkRejectsMissingSuperclass(t *testing.T) {
	in := newTestInterner()

	childRaw := buildClass(classSpec{name: "pkg/Child", superName: "pkg/Ghost", methods: []methodSpec{simpleMethod("<init>")}})
	childIC, err := Load(childRaw, in)
	require.NoError(t, err)

	table := &testTable{classes: map[Key]*InstanceClass{childIC.Name: childIC}, root: in.Intern("pkg/Root")}

	err = Link(childIC, table, in)
	require.Error(t, err)
	verr, ok := err.(*vmerr.VMError)
	require.True(t, ok)
	require.Equal(t, vmerr.NoClassDefFoundError, verr.Class)
}

func TestLinkDetectsClassCircularity(t *testing.T) {
	in := newTestInterner()

	aRaw := buildClass(classSpec{name: "pkg/A", superName: "pkg/B", methods: []methodSpec{simpleMethod("<init>")}})
	aIC, err := Load(aRaw, in)
	require.NoError(t, err)

	bRaw := buildClass(classSpec{name: "pkg/B", superName: "pkg/A", methods: []methodSpec{simpleMethod("<init>")}})
	bIC, err := Load(bRaw, in)
	require.NoError(t, err)

	table := &testTable{classes: map[Key]*InstanceClass{aIC.Name: aIC, bIC.Name: bIC}, root: in.Intern("pkg/Root")}

	err = Link(aIC, table, in)
	require.Error(t, err)
	verr, ok := err.(*vmerr.VMError)
	require.True(t, ok)
	require.Equal(t, vmerr.ClassCircularityError, verr.Class)
}

func TestLinkIsIdempotentOnAlreadyLinkedClass(t *testing.T) {
	in := newTestInterner()
	rootRaw := buildClass(classSpec{name: "pkg/Root", methods: []methodSpec{simpleMethod("<init>")}})
	rootIC, err := Load(rootRaw, in)
	require.NoError(t, err)

	table := &testTable{classes: map[Key]*InstanceClass{rootIC.Name: rootIC}, root: rootIC.Name}
	require.NoError(t, Link(rootIC, table, in))
	require.Equal(t, StatusLinked, rootIC.Status)

	// second call is a no-op, not a re-link
	require.NoError(t, Link(rootIC, table, in))
	require.Equal(t, StatusLinked, rootIC.Status)
}
