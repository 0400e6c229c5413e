// Package decoder decodes one bytecode instruction at a time from a
// code offset, yielding a typed opcode.Decoded event consumed by the
// verifier, interpreter and disassembler alike (spec.md §4.3).
//
// A decoder call holds no state beyond the offset passed to it; callers
// own iteration. This mirrors cpu.Decode in the teacher (a pure
// function from an opcode word to a DecodedInstruction), generalized
// from a fixed 16-bit instruction word to a variable-length one.
package decoder

import (
	"encoding/binary"

	"github.com/Urethramancer/lama/opcode"
	"github.com/Urethramancer/lama/vmerr"
)

// Decode reads exactly one instruction from code[ip:]. It returns the
// decoded event and the offset of the byte past the instruction.
//
// It fails with vmerr.ErrMalformed if the opcode byte is undefined, if
// operands would run past the end of code, or if a string-table index
// carried by STRING/SEXP/TAG falls outside stringTabSize.
func Decode(code []byte, ip int, stringTabSize int) (opcode.Decoded, int, error) {
	var d opcode.Decoded
	if ip < 0 || ip >= len(code) {
		return d, ip, vmerr.At(vmerr.ErrMalformed, ip, "instruction pointer out of code section")
	}

	r := &reader{code: code, pos: ip}
	raw := opcode.Op(r.byte())
	d.Raw = raw

	switch raw {
	case opcode.Const:
		d.Kind = opcode.KConst
		d.IntVal = r.int32()
	case opcode.String:
		d.Kind = opcode.KString
		d.StrIdx = r.int32()
	case opcode.Sexp:
		d.Kind = opcode.KSexp
		d.StrIdx = r.int32()
		d.Count = r.int32()
	case opcode.Sti:
		d.Kind = opcode.KSti
	case opcode.Sta:
		d.Kind = opcode.KSta
	case opcode.Jmp:
		d.Kind = opcode.KJmp
		d.Target = r.int32()
	case opcode.End:
		d.Kind = opcode.KEnd
	case opcode.Ret:
		d.Kind = opcode.KRet
	case opcode.Drop:
		d.Kind = opcode.KDrop
	case opcode.Dup:
		d.Kind = opcode.KDup
	case opcode.Swap:
		d.Kind = opcode.KSwap
	case opcode.Elem:
		d.Kind = opcode.KElem
	case opcode.CJmpZ:
		d.Kind = opcode.KCJmpZ
		d.Target = r.int32()
	case opcode.CJmpNZ:
		d.Kind = opcode.KCJmpNZ
		d.Target = r.int32()
	case opcode.Begin:
		d.Kind = opcode.KBegin
		d.Argc = r.int32()
		d.Locc = r.int32()
	case opcode.CBegin:
		d.Kind = opcode.KCBegin
		d.Argc = r.int32()
		d.Locc = r.int32()
	case opcode.Closure:
		d.Kind = opcode.KClosure
		d.Target = r.int32()
		n := r.int32()
		d.Count = n
		caps := make([]opcode.Capture, 0, n)
		for i := int32(0); i < n && r.err == nil; i++ {
			kind := opcode.Location(r.byte())
			idx := r.int32()
			caps = append(caps, opcode.Capture{Loc: opcode.LocationRef{Kind: kind, Index: idx}})
		}
		d.Captures = caps
	case opcode.CallC:
		d.Kind = opcode.KCallC
		d.Count = r.int32()
	case opcode.Call:
		d.Kind = opcode.KCall
		d.Target = r.int32()
		d.Count = r.int32()
	case opcode.Tag:
		d.Kind = opcode.KTag
		d.StrIdx = r.int32()
		d.Count = r.int32()
	case opcode.Array:
		d.Kind = opcode.KArray
		d.Count = r.int32()
	case opcode.Fail:
		d.Kind = opcode.KFail
		d.Line = r.int32()
		d.Col = r.int32()
	case opcode.Line:
		d.Kind = opcode.KLine
		d.IntVal = r.int32()
	default:
		switch raw.Family() {
		case opcode.FamilyBinop:
			d.Kind = opcode.KBinop
			d.Sub = raw.Sub()
			if d.Sub > opcode.BinopOr {
				return d, ip, vmerr.At(vmerr.ErrMalformed, ip, "undefined BINOP selector %d", d.Sub)
			}
		case opcode.FamilyLd:
			d.Kind = opcode.KLd
			d.Loc = opcode.LocationRef{Kind: opcode.Location(raw.Sub()), Index: r.int32()}
		case opcode.FamilyLda:
			d.Kind = opcode.KLda
			d.Loc = opcode.LocationRef{Kind: opcode.Location(raw.Sub()), Index: r.int32()}
		case opcode.FamilySt:
			d.Kind = opcode.KSt
			d.Loc = opcode.LocationRef{Kind: opcode.Location(raw.Sub()), Index: r.int32()}
		case opcode.FamilyPatt:
			d.Kind = opcode.KPatt
			d.Sub = raw.Sub()
			if d.Sub > opcode.PatternClosureTag {
				return d, ip, vmerr.At(vmerr.ErrMalformed, ip, "undefined PATT selector %d", d.Sub)
			}
		case opcode.FamilyLCall:
			d.Kind = opcode.KLCall
			d.Sub = raw.Sub()
			switch d.Sub {
			case opcode.LCallBarray:
				d.Count = r.int32()
			case opcode.LCallRead, opcode.LCallWrite, opcode.LCallLength, opcode.LCallString:
				// no operand
			default:
				return d, ip, vmerr.At(vmerr.ErrMalformed, ip, "undefined LCALL selector %d", d.Sub)
			}
		case opcode.FamilyStop:
			d.Kind = opcode.KStop
		default:
			return d, ip, vmerr.At(vmerr.ErrMalformed, ip, "undefined opcode byte 0x%02x", byte(raw))
		}
	}

	if r.err != nil {
		return d, ip, vmerr.At(vmerr.ErrMalformed, ip, "%s", r.err)
	}

	if d.Kind == opcode.KString || d.Kind == opcode.KSexp || d.Kind == opcode.KTag {
		if d.StrIdx < 0 || int(d.StrIdx) >= stringTabSize {
			return d, ip, vmerr.At(vmerr.ErrMalformed, ip, "string index %d out of bounds (table size %d)", d.StrIdx, stringTabSize)
		}
	}

	return d, r.pos, nil
}

// reader walks code sequentially, recording the first error seen so
// callers can issue operand reads without checking after every call.
type reader struct {
	code []byte
	pos  int
	err  error
}

func (r *reader) byte() byte {
	if r.err != nil {
		return 0
	}
	if r.pos+1 > len(r.code) {
		r.err = errShortRead
		return 0
	}
	b := r.code[r.pos]
	r.pos++
	return b
}

func (r *reader) int32() int32 {
	if r.err != nil {
		return 0
	}
	if r.pos+4 > len(r.code) {
		r.err = errShortRead
		return 0
	}
	v := int32(binary.LittleEndian.Uint32(r.code[r.pos:]))
	r.pos += 4
	return v
}

var errShortRead = shortReadError{}

type shortReadError struct{}

func (shortReadError) Error() string { return "operand runs past end of code section" }
