// Package vmerr defines the closed set of error kinds coldvm can raise,
// per spec.md §7: fatal VM errors, classfile/linkage errors, and
// program-visible runtime exceptions. Every failure an opcode or loader
// routine can produce is converted to one of these before it leaves the
// package that detected it — no bare fmt.Errorf escapes to a caller that
// needs to pattern-match on failure kind, and no host-language panic
// crosses an opcode boundary (spec.md §7, last paragraph).
package vmerr

import "fmt"

// Kind distinguishes the three disjoint failure categories of spec.md §7.
type Kind int

const (
	// KindFatal: invariants violated, OOM during startup, internal
	// inconsistencies. The only kind that should ever reach a top-level
	// panic/recover instead of a thrown exception.
	KindFatal Kind = iota
	// KindLinkage: ClassFormatError, NoClassDefFoundError,
	// ClassNotFoundException, ClassCircularityError,
	// IncompatibleClassChangeError, VerifyError, UnsatisfiedLinkError.
	KindLinkage
	// KindRuntime: NullPointerException, ArrayIndexOutOfBoundsException,
	// ArithmeticException, ArrayStoreException, ClassCastException,
	// AbstractMethodError, OutOfMemoryError, StackOverflowError,
	// IllegalMonitorStateException, InterruptedException.
	KindRuntime
)

// Name is the exception/error class name as it would appear to thrown-to
// code and in diagnostics — e.g. "VerifyError", "NullPointerException".
type Name string

const (
	ClassFormatError             Name = "ClassFormatError"
	NoClassDefFoundError          Name = "NoClassDefFoundError"
	ClassNotFoundException       Name = "ClassNotFoundException"
	ClassCircularityError        Name = "ClassCircularityError"
	IncompatibleClassChangeError Name = "IncompatibleClassChangeError"
	VerifyError                  Name = "VerifyError"
	UnsatisfiedLinkError         Name = "UnsatisfiedLinkError"

	NullPointerException          Name = "NullPointerException"
	ArrayIndexOutOfBoundsException Name = "ArrayIndexOutOfBoundsException"
	ArithmeticException            Name = "ArithmeticException"
	ArrayStoreException            Name = "ArrayStoreException"
	ClassCastException              Name = "ClassCastException"
	NegativeArraySizeException      Name = "NegativeArraySizeException"
	AbstractMethodError              Name = "AbstractMethodError"
	OutOfMemoryError                 Name = "OutOfMemoryError"
	StackOverflowError                Name = "StackOverflowError"
	IllegalMonitorStateException      Name = "IllegalMonitorStateException"
	InterruptedException               Name = "InterruptedException"
)

func (n Name) kind() Kind {
	switch n {
	case ClassFormatError, NoClassDefFoundError, ClassNotFoundException,
		ClassCircularityError, IncompatibleClassChangeError, VerifyError,
		UnsatisfiedLinkError:
		return KindLinkage
	default:
		return KindRuntime
	}
}

// VMError is the thrown representation of a linkage or runtime failure.
// It is designed to be caught by the interpreter's handler-table search
// (internal/interp, spec.md §4.6): Class is matched against a handler's
// declared catch type, and Message carries the human-readable detail
// (always including the offending class name for VerifyError, per the
// §8 testable property).
type VMError struct {
	Kind    Kind
	Class   Name
	Message string
	// ClassName is the owning class implicated in the failure, when known
	// (the class being loaded/linked/verified). Always set for VerifyError.
	ClassName string
}

func (e *VMError) Error() string {
	if e.ClassName != "" {
		return fmt.Sprintf("%s: %s: %s", e.Class, e.ClassName, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Class, e.Message)
}

// New builds a VMError of the appropriate kind for the named exception class.
func New(class Name, format string, args ...interface{}) *VMError {
	return &VMError{Kind: class.kind(), Class: class, Message: fmt.Sprintf(format, args...)}
}

// NewFor attaches an owning class name (e.g. the class being verified).
func NewFor(class Name, className, format string, args ...interface{}) *VMError {
	return &VMError{Kind: class.kind(), Class: class, ClassName: className, Message: fmt.Sprintf(format, args...)}
}

// Fatal represents an unrecoverable VM invariant violation (spec.md
// §7.1). It is only ever used with panic/recover, never thrown into a
// thread, and the single top-level recover lives in cmd/coldvm.
type Fatal struct {
	Message string
}

func (f *Fatal) Error() string { return "fatal VM error: " + f.Message }

// Panic raises a Fatal VM error.
func Panic(format string, args ...interface{}) {
	panic(&Fatal{Message: fmt.Sprintf(format, args...)})
}
