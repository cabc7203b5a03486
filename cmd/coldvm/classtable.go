package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/coldvm/coldvm/internal/classfile"
	"github.com/coldvm/coldvm/internal/verify"
)

// classTable is the one concrete type this program hands to the
// loader, the verifier, and the interpreter alike (spec.md §6's
// "class-table hook"): it satisfies classfile.ClassTable,
// verify.ClassHierarchy, and interp.ClassTable simultaneously through
// Go's structural typing, since their method sets overlap exactly.
// Classes are located on a classpath of directories, one `<name>.class`
// file per class, and are loaded, linked, and verified lazily on first
// reference.
type classTable struct {
	dirs     []string
	interner classfile.Interner
	root     classfile.Key

	classes map[classfile.Key]*classfile.InstanceClass
}

func newClassTable(dirs []string, interner classfile.Interner, rootName string) *classTable {
	return &classTable{
		dirs:     dirs,
		interner: interner,
		root:     interner.Intern(rootName),
		classes:  map[classfile.Key]*classfile.InstanceClass{},
	}
}

func (ct *classTable) RootKey() classfile.Key { return ct.root }

// ResolveClass loads, links, and verifies key's class on first
// reference, and simply returns the cached InstanceClass afterward
// (spec.md §4.1's loader returns "a class in at least LOADING state, or
// fails" — coldvm's single-threaded execution model means there is
// never a concurrent second caller to race against, so ResolveClass goes
// straight from RAW to VERIFIED in one call rather than returning a
// partially-loaded class for a caller to wait on; READY is reached later,
// when the interpreter runs the class's initialiser).
func (ct *classTable) ResolveClass(key classfile.Key) (*classfile.InstanceClass, error) {
	if ic, ok := ct.classes[key]; ok {
		return ic, ct.finish(ic)
	}
	name := ct.interner.Lookup(key)
	raw, err := ct.readClassFile(name)
	if err != nil {
		return nil, err
	}
	ic, err := classfile.Load(raw, ct.interner)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", name, err)
	}
	ct.classes[key] = ic
	return ic, ct.finish(ic)
}

func (ct *classTable) finish(ic *classfile.InstanceClass) error {
	if err := classfile.Link(ic, ct, ct.interner); err != nil {
		return err
	}
	for _, m := range ic.Methods {
		if err := verify.Verify(m, ic, ic.Pool, ct.interner, ct); err != nil {
			ic.Status = classfile.StatusError
			return err
		}
	}
	if ic.Status == classfile.StatusLinked {
		ic.Status = classfile.StatusVerified
	}
	return nil
}

func (ct *classTable) readClassFile(name string) ([]byte, error) {
	for _, dir := range ct.dirs {
		path := filepath.Join(dir, name+".class")
		data, err := os.ReadFile(path)
		if err == nil {
			return data, nil
		}
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
	}
	return nil, fmt.Errorf("class not found on classpath: %s", name)
}

// IsSubclassOf walks sub's superclass chain, then checks sub's (and
// every ancestor's) interface table, matching spec.md §4.2's
// assignability rule. An unresolved class reports no relation rather
// than erroring, since the verifier only asks this to decide between
// branches — a genuinely missing class surfaces later as a resolve
// failure on the opcode that actually needs it.
func (ct *classTable) IsSubclassOf(sub, target classfile.Key) bool {
	if sub == target || target == ct.root {
		return true
	}
	for c := ct.classes[sub]; c != nil; {
		for _, ifc := range c.Interfaces {
			if ifc == target || ct.IsSubclassOf(ifc, target) {
				return true
			}
		}
		super, _ := c.Super.(*classfile.InstanceClass)
		if super == nil {
			return false
		}
		if super.Name == target {
			return true
		}
		c = super
	}
	return false
}

func (ct *classTable) IsInterface(key classfile.Key) bool {
	if ic, ok := ct.classes[key]; ok {
		return ic.IsInterface()
	}
	return false
}
