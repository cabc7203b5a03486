package main

import "github.com/coldvm/coldvm/internal/classfile"

// stringInterner is the concrete classfile.Interner the embedding
// program supplies (spec.md §6: "the Interner is supplied by the
// embedding VM"). coldvm is single-threaded end to end (spec.md §5), so
// this needs no locking, unlike a general-purpose string-interning
// library.
type stringInterner struct {
	byKey []string
	byStr map[string]classfile.Key
}

func newStringInterner() *stringInterner {
	return &stringInterner{
		byKey: []string{""}, // key 0 is reserved, never returned by Intern
		byStr: map[string]classfile.Key{},
	}
}

func (si *stringInterner) Intern(s string) classfile.Key {
	if k, ok := si.byStr[s]; ok {
		return k
	}
	si.byKey = append(si.byKey, s)
	k := classfile.Key(len(si.byKey) - 1)
	si.byStr[s] = k
	return k
}

func (si *stringInterner) Lookup(k classfile.Key) string {
	if int(k) < 0 || int(k) >= len(si.byKey) {
		return ""
	}
	return si.byKey[k]
}
