// Package verify implements the static control-flow / stack-discipline
// verifier (spec.md §4.6): it proves, before execution, that every
// reachable instruction decodes, every jump target lies within its
// enclosing function, every location reference is in bounds, and every
// call site supplies enough operand-stack values for its callee.
//
// Grounded on original_source/lama-tools/tools/verify.cpp's two-level
// worklist (a whole-graph reachability pass that discovers function
// entry points via CALL/CLOSURE, then a per-function abstract-stack
// pass) and functors/stack_depth.h's exact per-opcode stack-depth
// deltas, reused here as the transfer function table in
// SPEC_FULL.md §4.6.3.
package verify

import (
	"github.com/Urethramancer/lama/decoder"
	"github.com/Urethramancer/lama/image"
	"github.com/Urethramancer/lama/opcode"
	"github.com/Urethramancer/lama/vmerr"
)

// Function is one discovered function body: the instruction range
// [Begin, End] (End is the offset of its END opcode, inclusive), its
// closure-ness, declared capture count, and the minimum argument count
// a caller must supply (spec.md §4.6.6's min_args[off]).
type Function struct {
	Begin          int32
	End            int32
	IsClosure      bool
	DeclaredCaps   int32 // -1 when not a closure
	DeclaredArgs   int32 // from this function's own BEGIN/CBEGIN
	DeclaredLocals int32 // from this function's own BEGIN/CBEGIN
	MinArgs        int32
}

// Result is the verifier's output: every discovered function, keyed by
// its BEGIN/CBEGIN offset.
type Result struct {
	Functions map[int32]*Function
}

// Verify runs the full pipeline (reachability + function discovery,
// per-function stack-discipline pass, jump containment, call-arity
// pass) over img and returns the discovered function table, or the
// first VerificationError encountered.
func Verify(img *image.Image) (*Result, error) {
	entries, err := img.EntryPoints()
	if err != nil {
		return nil, err
	}

	functions, err := discoverFunctions(img, entries)
	if err != nil {
		return nil, err
	}

	for _, fn := range functions {
		if err := verifyFunctionBody(img, fn); err != nil {
			return nil, err
		}
	}

	for _, fn := range functions {
		if err := verifyCallArity(img, fn, functions); err != nil {
			return nil, err
		}
	}

	return &Result{Functions: functions}, nil
}

// decodeAt decodes one instruction at offset off, translating decoder
// errors into the same error value (decoder already wraps
// vmerr.ErrMalformed).
func decodeAt(img *image.Image, off int32) (opcode.Decoded, int32, error) {
	d, next, err := decoder.Decode(img.Code(), int(off), img.StringTableSize())
	return d, int32(next), err
}

// successors returns the set of instruction offsets control may flow
// to immediately after executing the instruction at off, per
// spec.md §4.6.4. CALL/CLOSURE targets are not successors; the
// whole-graph walk in discoverFunctions enqueues their bodies itself.
func successors(d opcode.Decoded, off, next int32) []int32 {
	switch d.Kind {
	case opcode.KJmp:
		return []int32{d.Target}
	case opcode.KCJmpZ, opcode.KCJmpNZ:
		return []int32{d.Target, next}
	case opcode.KEnd, opcode.KRet, opcode.KFail, opcode.KStop:
		return nil
	default:
		return []int32{next}
	}
}

// discoverFunctions performs the whole-graph reachability walk of
// spec.md §4.6.1: starting from every entry point, it follows
// instruction successors, and whenever it encounters a CALL or CLOSURE
// it both records the callee as a function to analyze and enqueues the
// callee's body into the SAME walk, so nested calls are discovered
// transitively.
func discoverFunctions(img *image.Image, entries []int32) (map[int32]*Function, error) {
	code := img.Code()
	visited := make(map[int32]bool)
	functions := make(map[int32]*Function)
	queue := make([]int32, 0, len(entries))

	enqueueFunction := func(begin int32, isClosure bool, caps int32) error {
		if begin < 0 || int(begin) >= len(code) {
			return vmerr.At(vmerr.ErrBadCallTarget, int(begin), "target out of code section")
		}
		op := opcode.Op(code[begin])
		if isClosure {
			if op != opcode.Begin && op != opcode.CBegin {
				return vmerr.At(vmerr.ErrBadClosureTarget, int(begin), "closure target is not BEGIN/CBEGIN")
			}
		} else {
			if op != opcode.Begin {
				return vmerr.At(vmerr.ErrBadCallTarget, int(begin), "call target is not BEGIN")
			}
		}
		if existing, ok := functions[begin]; ok {
			// Same entry reached again (as a plain call or a closure
			// target): keep the first declaration. Later declarations
			// are not compared with it.
			_ = existing
			return nil
		}
		functions[begin] = &Function{Begin: begin, IsClosure: isClosure, DeclaredCaps: caps}
		if !visited[begin] {
			visited[begin] = true
			queue = append(queue, begin)
		}
		return nil
	}

	for _, e := range entries {
		if err := enqueueFunction(e, false, -1); err != nil {
			return nil, err
		}
	}

	for len(queue) > 0 {
		off := queue[0]
		queue = queue[1:]

		d, next, err := decodeAt(img, off)
		if err != nil {
			return nil, err
		}

		if d.Kind == opcode.KCall {
			if err := enqueueFunction(d.Target, false, -1); err != nil {
				return nil, err
			}
		}
		if d.Kind == opcode.KClosure {
			if err := enqueueFunction(d.Target, true, int32(len(d.Captures))); err != nil {
				return nil, err
			}
		}

		for _, s := range successors(d, off, next) {
			if s < 0 || int(s) >= len(code) {
				return nil, vmerr.At(vmerr.ErrJumpOutOfFunction, int(off), "successor 0x%08x out of code section", s)
			}
			if !visited[s] {
				visited[s] = true
				queue = append(queue, s)
			}
		}
	}

	return functions, nil
}

// layout is the per-path abstract stack state carried by a function's
// worklist. Locals is path-sensitive (spec.md §4.6.2 requires
// consistency across merges); Args is a monotonic maximum shared
// across the whole function, since declaring it path-local and
// converging to the same value is equivalent for any valid program
// but a shared max is simpler and still sound for computing the
// function's MinArgs. Captured is the closure's declared capture
// count, fixed for the whole function.
type layout struct {
	locals int32
}

type funcState struct {
	globals  int32
	args     int32
	captured int32
	isClos   bool
}

// scanBody locates a function's END opcode by linear decode from
// begin, rejecting a nested BEGIN/CBEGIN along the way
// (spec.md §4.6.2).
func scanBody(img *image.Image, begin int32) (end int32, err error) {
	off := begin
	for {
		d, next, derr := decodeAt(img, off)
		if derr != nil {
			return 0, derr
		}
		if off != begin && (d.Kind == opcode.KBegin || d.Kind == opcode.KCBegin) {
			return 0, vmerr.At(vmerr.ErrNestedBegin, int(off), "nested BEGIN/CBEGIN inside function at 0x%08x", begin)
		}
		if d.Kind == opcode.KEnd {
			return off, nil
		}
		off = int32(next)
		if int(off) >= img.CodeSize() {
			return 0, vmerr.At(vmerr.ErrJumpOutOfFunction, int(begin), "function body runs past end of code without END")
		}
	}
}

// verifyFunctionBody runs spec.md §4.6.2/§4.6.3/§4.6.5 over one
// function: the per-function worklist, the abstract transfer
// function, and jump-target containment.
func verifyFunctionBody(img *image.Image, fn *Function) error {
	end, err := scanBody(img, fn.Begin)
	if err != nil {
		return err
	}
	fn.End = end

	beginDecoded, _, err := decodeAt(img, fn.Begin)
	if err != nil {
		return err
	}
	fn.DeclaredArgs = beginDecoded.Argc
	fn.DeclaredLocals = beginDecoded.Locc

	st := &funcState{
		globals:  int32(img.GlobalsAreaSize()),
		args:     fn.DeclaredArgs,
		captured: fn.DeclaredCaps,
		isClos:   fn.IsClosure,
	}

	type item struct {
		off int32
		l   layout
	}

	visited := make(map[int32]*layout)
	queue := []item{{off: fn.Begin, l: layout{}}}
	var jumps []int32

	for len(queue) > 0 {
		it := queue[0]
		queue = queue[1:]

		if prior, ok := visited[it.off]; ok {
			if prior.locals != it.l.locals {
				return vmerr.At(vmerr.ErrInconsistentDepth, int(it.off), "locals depth %d vs previously seen %d", it.l.locals, prior.locals)
			}
			continue
		}
		cp := it.l
		visited[it.off] = &cp

		d, next, err := decodeAt(img, it.off)
		if err != nil {
			return err
		}

		newLocals, jumpTargets, terminal, err := transfer(st, d, it.off, fn)
		if err != nil {
			return err
		}
		it.l.locals += newLocals
		if it.l.locals < 0 {
			return vmerr.At(vmerr.ErrStackUnderflow, int(it.off), "stack underflow")
		}
		jumps = append(jumps, jumpTargets...)

		if terminal {
			continue
		}

		succs := successors(d, it.off, int32(next))
		for _, s := range succs {
			if s < fn.Begin || s > fn.End {
				return vmerr.At(vmerr.ErrJumpOutOfFunction, int(it.off), "fallthrough/branch target 0x%08x outside function [0x%08x,0x%08x]", s, fn.Begin, fn.End)
			}
			queue = append(queue, item{off: s, l: it.l})
		}
	}

	for _, j := range jumps {
		if j < fn.Begin || j > fn.End {
			return vmerr.At(vmerr.ErrJumpOutOfFunction, int(fn.Begin), "jump target 0x%08x outside function [0x%08x,0x%08x]", j, fn.Begin, fn.End)
		}
	}

	fn.MinArgs = st.args
	return nil
}

// verifyLocation applies spec.md §4.6.3's location-verification rules,
// bumping st.args as needed.
func verifyLocation(st *funcState, off int32, ref opcode.LocationRef, declaredLocals int32) error {
	switch ref.Kind {
	case opcode.Global:
		if ref.Index < 0 || ref.Index >= st.globals {
			return vmerr.At(vmerr.ErrBadLocation, int(off), "global index %d out of range (%d globals)", ref.Index, st.globals)
		}
	case opcode.Local:
		if ref.Index < 0 || ref.Index >= declaredLocals {
			return vmerr.At(vmerr.ErrBadLocation, int(off), "local index %d out of range (%d locals)", ref.Index, declaredLocals)
		}
	case opcode.Arg:
		if ref.Index+1 > st.args {
			st.args = ref.Index + 1
		}
	case opcode.Captured:
		if !st.isClos {
			return vmerr.At(vmerr.ErrBadLocation, int(off), "captured location outside a closure")
		}
		if ref.Index < 0 || ref.Index >= st.captured {
			return vmerr.At(vmerr.ErrBadLocation, int(off), "captured index %d out of range (%d captures)", ref.Index, st.captured)
		}
	default:
		return vmerr.At(vmerr.ErrBadLocation, int(off), "unknown location kind %v", ref.Kind)
	}
	return nil
}

// transfer implements the per-instruction abstract effect table of
// spec.md §4.6.3. It returns the locals-depth delta, any jump targets
// the instruction introduces, and whether the instruction is terminal
// (no fallthrough successor inside the function).
func transfer(st *funcState, d opcode.Decoded, off int32, fn *Function) (delta int32, jumps []int32, terminal bool, err error) {
	switch d.Kind {
	case opcode.KConst, opcode.KString, opcode.KSexp, opcode.KDup:
		// String-table bounds for STRING/SEXP are already enforced by
		// the decoder.
		return 1, nil, false, nil
	case opcode.KBinop:
		if d.Sub > opcode.BinopOr {
			return 0, nil, false, vmerr.At(vmerr.ErrBadLocation, int(off), "undefined BINOP selector %d", d.Sub)
		}
		return -1, nil, false, nil
	case opcode.KLd:
		if err := verifyLocation(st, off, d.Loc, fn.DeclaredLocals); err != nil {
			return 0, nil, false, err
		}
		return 1, nil, false, nil
	case opcode.KLda:
		if err := verifyLocation(st, off, d.Loc, fn.DeclaredLocals); err != nil {
			return 0, nil, false, err
		}
		return 2, nil, false, nil
	case opcode.KSt:
		if err := verifyLocation(st, off, d.Loc, fn.DeclaredLocals); err != nil {
			return 0, nil, false, err
		}
		return 0, nil, false, nil
	case opcode.KSti, opcode.KDrop, opcode.KElem, opcode.KFail:
		return -1, nil, d.Kind == opcode.KFail, nil
	case opcode.KCJmpZ:
		return -1, []int32{d.Target}, false, nil
	case opcode.KCJmpNZ:
		return -1, []int32{d.Target}, false, nil
	case opcode.KSta:
		return -2, nil, false, nil
	case opcode.KSwap, opcode.KTag, opcode.KArray, opcode.KLine, opcode.KCallC:
		return 0, nil, false, nil
	case opcode.KBegin, opcode.KCBegin:
		// Already accounted for by scanBody/verifyFunctionBody's
		// initialization; mid-body re-encounter is impossible since
		// scanBody rejects nested BEGIN.
		return 0, nil, false, nil
	case opcode.KJmp:
		return 0, []int32{d.Target}, true, nil
	case opcode.KCall:
		return 1, nil, false, nil
	case opcode.KClosure:
		for _, c := range d.Captures {
			if err := verifyLocation(st, off, c.Loc, fn.DeclaredLocals); err != nil {
				return 0, nil, false, err
			}
		}
		return 1, nil, false, nil
	case opcode.KLCall:
		switch d.Sub {
		case opcode.LCallRead, opcode.LCallBarray:
			return 1, nil, false, nil
		default:
			return 0, nil, false, nil
		}
	case opcode.KPatt:
		if d.Sub == opcode.PatternString {
			return -1, nil, false, nil
		}
		return 0, nil, false, nil
	case opcode.KEnd, opcode.KRet, opcode.KStop:
		return 0, nil, true, nil
	default:
		return 0, nil, false, vmerr.At(vmerr.ErrMalformed, int(off), "unclassified opcode kind %v", d.Kind)
	}
}

func verifyCallArity(img *image.Image, fn *Function, functions map[int32]*Function) error {
	st := &funcState{
		globals:  int32(img.GlobalsAreaSize()),
		captured: fn.DeclaredCaps,
		isClos:   fn.IsClosure,
	}
	visited := make(map[int32]bool)
	type item struct {
		off    int32
		locals int32
	}
	queue := []item{{off: fn.Begin, locals: 0}}

	for len(queue) > 0 {
		it := queue[0]
		queue = queue[1:]
		if visited[it.off] {
			continue
		}
		visited[it.off] = true

		d, next, err := decodeAt(img, it.off)
		if err != nil {
			return err
		}

		if d.Kind == opcode.KCall {
			callee, ok := functions[d.Target]
			if !ok {
				return vmerr.At(vmerr.ErrBadCallTarget, int(it.off), "call target 0x%08x was not discovered", d.Target)
			}
			if it.locals < callee.MinArgs {
				return vmerr.At(vmerr.ErrArgsUnderflow, int(it.off), "call to 0x%08x needs %d args, only %d available", d.Target, callee.MinArgs, it.locals)
			}
		}

		delta, _, terminal, err := transfer(st, d, it.off, fn)
		if err != nil {
			return err
		}
		it.locals += delta

		if terminal {
			continue
		}
		for _, s := range successors(d, it.off, int32(next)) {
			if !visited[s] {
				queue = append(queue, item{off: s, locals: it.locals})
			}
		}
	}
	return nil
}
