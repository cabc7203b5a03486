package classfile

import "github.com/coldvm/coldvm/internal/vmerr"

// ClassTable is the loader's and verifier's class-table hook, the
// collaborator spec.md §6 names "resolve_class(name) → Class — called by
// the loader and verifier; returns a class in at least LOADING state, or
// fails." It is implemented by the embedding program (cmd/coldvm's
// classTable), which owns the byte source used to locate and Load a class by name the first
// time it's referenced.
type ClassTable interface {
	ResolveClass(key Key) (*InstanceClass, error)
	// RootKey identifies the one class permitted a null superclass
	// (spec.md §4.1 Linking: "the root object class is the only class
	// permitted null superclass").
	RootKey() Key
}

// Link completes a class from LOADED to LINKED, recursively linking
// every superclass and super-interface in the transitive closure
// (spec.md §4.1's "link" operation). It is idempotent: a class already
// at LINKED or beyond returns immediately.
func Link(ic *InstanceClass, table ClassTable, interner Interner) error {
	switch ic.Status {
	case StatusLinked, StatusVerified, StatusReady:
		return nil
	case StatusError:
		return vmerr.NewFor(vmerr.NoClassDefFoundError, interner.Lookup(ic.Name), "class previously failed verification")
	case StatusLoaded:
		// proceed below
	default:
		return vmerr.NewFor(vmerr.NoClassDefFoundError, interner.Lookup(ic.Name), "class is not in LOADED state")
	}

	if ic.linking {
		return vmerr.NewFor(vmerr.ClassCircularityError, interner.Lookup(ic.Name), "circular inheritance detected")
	}
	ic.linking = true
	defer func() { ic.linking = false }()

	if err := linkSuperclass(ic, table, interner); err != nil {
		ic.Status = StatusRaw
		return err
	}
	if err := linkInterfaces(ic, table, interner); err != nil {
		ic.Status = StatusRaw
		return err
	}

	layoutInstanceFields(ic)
	layoutStaticFields(ic)

	ic.Status = StatusLinked
	return nil
}

func linkSuperclass(ic *InstanceClass, table ClassTable, interner Interner) error {
	if ic.superclassIndex == 0 {
		if ic.Name != table.RootKey() {
			return vmerr.NewFor(vmerr.ClassFormatError, interner.Lookup(ic.Name), "only the root object class may have a null superclass")
		}
		ic.Super = nil
		return nil
	}

	superKey, err := ic.Pool.ClassName(ic.superclassIndex)
	if err != nil {
		return err
	}
	superClass, err := table.ResolveClass(superKey)
	if err != nil {
		return vmerr.NewFor(vmerr.NoClassDefFoundError, interner.Lookup(ic.Name), "superclass %s not found", interner.Lookup(superKey))
	}
	if superClass.IsInterface() {
		return vmerr.NewFor(vmerr.IncompatibleClassChangeError, interner.Lookup(ic.Name), "superclass %s is an interface", interner.Lookup(superKey))
	}
	if superClass.AccessFlags().Has(AccFinal) {
		return vmerr.NewFor(vmerr.IncompatibleClassChangeError, interner.Lookup(ic.Name), "superclass %s is final", interner.Lookup(superKey))
	}
	if !classAccessible(superClass, ic) {
		return vmerr.NewFor(vmerr.IncompatibleClassChangeError, interner.Lookup(ic.Name), "superclass %s is not accessible", interner.Lookup(superKey))
	}
	if err := Link(superClass, table, interner); err != nil {
		return err
	}
	ic.Super = superClass
	return nil
}

func linkInterfaces(ic *InstanceClass, table ClassTable, interner Interner) error {
	for _, idx := range ic.interfaceIndexes {
		ifaceKey, err := ic.Pool.ClassName(idx)
		if err != nil {
			return err
		}
		iface, err := table.ResolveClass(ifaceKey)
		if err != nil {
			return vmerr.NewFor(vmerr.NoClassDefFoundError, interner.Lookup(ic.Name), "interface %s not found", interner.Lookup(ifaceKey))
		}
		if !iface.IsInterface() {
			return vmerr.NewFor(vmerr.IncompatibleClassChangeError, interner.Lookup(ic.Name), "%s is not an interface", interner.Lookup(ifaceKey))
		}
		if err := Link(iface, table, interner); err != nil {
			return err
		}
		ic.Interfaces = append(ic.Interfaces, iface.Key())
	}
	return nil
}

// classAccessible is a minimal accessibility check: public classes are
// always accessible; package-private classes are accessible only to
// classes in the same package.
func classAccessible(target *InstanceClass, from *InstanceClass) bool {
	if target.AccessFlags().Has(AccPublic) {
		return true
	}
	return target.PackageName() == from.PackageName()
}

// layoutInstanceFields computes each non-static field's word offset and
// the class's total instance-slot count (spec.md §4.1 Linking:
// "Computes instance slot count as super.instSize + Σ
// field-width(non-static fields)").
func layoutInstanceFields(ic *InstanceClass) {
	offset := 0
	if super, ok := ic.Super.(*InstanceClass); ok && super != nil {
		offset = super.InstSize
	}
	for _, f := range ic.Fields {
		if f.IsStatic {
			continue
		}
		f.Offset = offset
		offset += f.Width
	}
	ic.InstSize = offset
}

// layoutStaticFields builds the static-field block with every
// pointer-typed static laid out contiguously first, followed by
// non-pointer statics, "so the garbage collector sees a single pointer
// run" (spec.md §4.1 Linking).
func layoutStaticFields(ic *InstanceClass) {
	var pointerFields, scalarFields []*Field
	for _, f := range ic.Fields {
		if !f.IsStatic {
			continue
		}
		if f.IsPointer {
			pointerFields = append(pointerFields, f)
		} else {
			scalarFields = append(scalarFields, f)
		}
	}

	total := 0
	for _, f := range pointerFields {
		total += f.Width
	}
	for _, f := range scalarFields {
		total += f.Width
	}

	ic.StaticFields = make([]interface{}, total)
	ic.staticFieldIndex = make(map[*Field]int, len(pointerFields)+len(scalarFields))

	slot := 0
	for _, f := range pointerFields {
		ic.staticFieldIndex[f] = slot
		slot += f.Width
	}
	for _, f := range scalarFields {
		ic.staticFieldIndex[f] = slot
		slot += f.Width
	}
}
