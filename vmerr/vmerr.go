// Package vmerr defines the closed error taxonomy shared by the loader,
// decoder, verifier and interpreter.
package vmerr

import (
	"errors"
	"fmt"
)

// Sentinel kinds. Every fatal condition the toolchain can raise wraps
// one of these so callers can classify a failure with errors.Is.
var (
	// ErrLoad covers I/O, truncation, or header inconsistency while
	// reading a bytecode image.
	ErrLoad = errors.New("load error")

	// ErrMalformed is raised by the decoder: an undefined opcode byte,
	// operands running past the end of the code section, or a bad
	// string index on STRING/SEXP/TAG.
	ErrMalformed = errors.New("malformed instruction")

	// Verifier kinds (spec.md §7's VerificationError sub-kinds).
	ErrStackUnderflow    = errors.New("stack underflow")
	ErrInconsistentDepth = errors.New("inconsistent stack depth")
	ErrJumpOutOfFunction = errors.New("jump out of function")
	ErrNestedBegin       = errors.New("nested begin")
	ErrArgsUnderflow     = errors.New("args underflow")
	ErrBadLocation       = errors.New("bad location")
	ErrBadCallTarget     = errors.New("bad call target")
	ErrBadClosureTarget  = errors.New("bad closure target")

	// ErrRuntimeAbort is raised by FAIL (pattern-match failure),
	// division or remainder by zero, and failed Lread/Lwrite I/O. STOP
	// halts the interpreter normally and raises no error.
	ErrRuntimeAbort = errors.New("runtime abort")

	// Resource-exhaustion kinds.
	ErrStackOverflow     = errors.New("stack overflow")
	ErrCallStackOverflow = errors.New("call stack overflow")

	// ErrStepLimit is raised when an interpreter run configured with a
	// step budget (cmd/interpreter's -maxsteps) exhausts it without
	// halting.
	ErrStepLimit = errors.New("step limit exceeded")
)

// ExitCode maps an error kind to the process exit code spec.md §7
// requires: a distinct, nonzero code per kind.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrLoad):
		return 2
	case errors.Is(err, ErrMalformed):
		return 3
	case errors.Is(err, ErrStackUnderflow),
		errors.Is(err, ErrInconsistentDepth),
		errors.Is(err, ErrJumpOutOfFunction),
		errors.Is(err, ErrNestedBegin),
		errors.Is(err, ErrArgsUnderflow),
		errors.Is(err, ErrBadLocation),
		errors.Is(err, ErrBadCallTarget),
		errors.Is(err, ErrBadClosureTarget):
		return 4
	case errors.Is(err, ErrRuntimeAbort):
		return 5
	case errors.Is(err, ErrStackOverflow):
		return 6
	case errors.Is(err, ErrCallStackOverflow):
		return 7
	case errors.Is(err, ErrStepLimit):
		return 8
	default:
		return 1
	}
}

// At wraps a sentinel error with the failing code offset and a detail
// message, keeping errors.Is working through the wrap.
func At(kind error, offset int, format string, a ...any) error {
	detail := fmt.Sprintf(format, a...)
	return fmt.Errorf("%w at 0x%08x: %s", kind, offset, detail)
}
