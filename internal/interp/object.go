// Package interp implements the opcode dispatch loop: Frame/Stack,
// the ~200-opcode table with fast-path rewriting and inline caching,
// the invoke/new/array opcode families, and athrow/exception
// propagation (spec.md §4.3, §4.6).
package interp

import (
	"github.com/coldvm/coldvm/internal/classfile"
	"github.com/coldvm/coldvm/internal/cell"
)

// LockWord encodes an object's monitor tier in its two low bits
// (spec.md §3's "Monitor (object lock)"). The remaining 30 bits carry
// either an identity hash code (UNLOCKED) or an owner/monitor
// reference (other tiers) — but since Go cannot stuff a pointer into 30
// bits, coldvm's LockWord instead stores the tier tag plus an opaque
// payload slot the monitor package interprets; see
// internal/monitor/monitor.go for the payload's meaning per tier. This
// mirrors the original KVM's header word in spirit (tier tag in the low
// bits) while using a Go-legal representation for the high bits.
type LockWord struct {
	Tier    LockTier
	Hash    int32       // valid only when Tier == Unlocked; 0 means "uncomputed"
	Payload interface{} // owner *Thread (Simple/Extended) or *Monitor (Inflated); nil when Unlocked
}

// LockTier is the four-state tag of spec.md §3.
type LockTier int

const (
	Unlocked LockTier = iota
	SimpleLock
	ExtendedLock
	Inflated
)

// Instance is a live, heap-allocated object: its class plus its
// instance-field payload, laid out by internal/classfile's linker
// (spec.md §3's "instance payload" addressed by Field.Offset).
type Instance struct {
	Class *classfile.InstanceClass
	Slots []cell.Value
	Lock  LockWord
}

// Array is a live, heap-allocated array: element class or primitive
// tag (spec.md §3's ArrayClass variant) plus contiguous element
// storage.
type Array struct {
	Class *classfile.ArrayClass
	Elems []cell.Value
	Lock  LockWord
}

// Len returns the array's element count.
func (a *Array) Len() int32 { return int32(len(a.Elems)) }

// NewInstance zero-initialises a fresh Instance for cls, whose
// InstSize was computed during linking.
func NewInstance(cls *classfile.InstanceClass) *Instance {
	return &Instance{Class: cls, Slots: make([]cell.Value, cls.InstSize)}
}

// NewArray zero-initialises a fresh Array of the given class and
// length. Reference-typed arrays are filled with null references;
// primitive arrays are filled with zero Cells, matching spec.md §4.3's
// "allocate, zero-initialise."
func NewArray(cls *classfile.ArrayClass, length int32) *Array {
	elems := make([]cell.Value, length)
	if cls.IsPointerType() {
		for i := range elems {
			elems[i] = cell.RefVal(nil)
		}
	} else {
		for i := range elems {
			elems[i] = cell.Int(0)
		}
	}
	return &Array{Class: cls, Elems: elems}
}
