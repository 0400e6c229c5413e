// Package disasm renders a loaded bytecode image as human-readable
// text, one instruction per line, grounded on
// original_source/lama-tools/tools/bcdump.cpp's PrinterFunctor table
// and the teacher's disassembler.Disassemble (spec.md §4.8).
package disasm

import (
	"fmt"
	"strings"

	"github.com/Urethramancer/lama/decoder"
	"github.com/Urethramancer/lama/image"
	"github.com/Urethramancer/lama/opcode"
)

var locationNames = [...]string{"G", "L", "A", "C"}

func locName(k opcode.Location) string {
	if int(k) < len(locationNames) {
		return locationNames[k]
	}
	return "?"
}

var binopNames = [...]string{"+", "-", "*", "/", "%", "<", "<=", ">", ">=", "==", "!=", "&&", "!!"}

func binopName(sub byte) string {
	if int(sub) < len(binopNames) {
		return binopNames[sub]
	}
	return "?"
}

var patternNames = [...]string{"=str", "#string", "#array", "#sexp", "#boxed", "#unboxed", "#closure"}

func patternName(sub byte) string {
	if int(sub) < len(patternNames) {
		return patternNames[sub]
	}
	return "?"
}

var lcallNames = [...]string{"Lread", "Lwrite", "Llength", "Lstring", "Barray"}

func lcallName(sub byte) string {
	if int(sub) < len(lcallNames) {
		return lcallNames[sub]
	}
	return "?"
}

// Dump walks img's code section linearly from offset 0, decoding and
// formatting every instruction. Unlike a variable-width ISA with
// ambiguous instruction boundaries, this bytecode's decoder always
// knows exactly how many bytes an instruction consumed, so a straight
// linear sweep (no control-flow reachability pass) covers the whole
// code section, matching bcdump.cpp's single forward walk.
func Dump(img *image.Image) (string, error) {
	code := img.Code()
	var b strings.Builder
	ip := 0
	for ip < len(code) {
		d, next, err := decoder.Decode(code, ip, img.StringTableSize())
		if err != nil {
			return b.String(), err
		}
		fmt.Fprintf(&b, "0x%08x\t%s\n", ip, format(img, d))
		ip = next
	}
	return b.String(), nil
}

// Mnemonic renders one decoded instruction the same way Dump does,
// exported so the idiom package can reuse it without redoing the
// per-opcode formatting switch.
func Mnemonic(img *image.Image, d opcode.Decoded) string {
	return format(img, d)
}

// format renders one decoded instruction as "MNEMONIC operand...",
// matching the original PrinterFunctor table's layout.
func format(img *image.Image, d opcode.Decoded) string {
	switch d.Kind {
	case opcode.KBinop:
		return "BINOP\t" + binopName(d.Sub)
	case opcode.KLd:
		return fmt.Sprintf("LD\t%s(%d)", locName(d.Loc.Kind), d.Loc.Index)
	case opcode.KLda:
		return fmt.Sprintf("LDA\t%s(%d)", locName(d.Loc.Kind), d.Loc.Index)
	case opcode.KSt:
		return fmt.Sprintf("ST\t%s(%d)", locName(d.Loc.Kind), d.Loc.Index)
	case opcode.KPatt:
		return "PATT\t" + patternName(d.Sub)
	case opcode.KLCall:
		s := "LCALL\t" + lcallName(d.Sub)
		if d.Sub == opcode.LCallBarray {
			s += fmt.Sprintf(" %d", d.Count)
		}
		return s
	case opcode.KStop:
		return "STOP"
	case opcode.KConst:
		return fmt.Sprintf("CONST\t%d", d.IntVal)
	case opcode.KString:
		return fmt.Sprintf("STRING\t%q", lookupString(img, d.StrIdx))
	case opcode.KSexp:
		return fmt.Sprintf("SEXP\t%q %d", lookupString(img, d.StrIdx), d.Count)
	case opcode.KSti:
		return "STI"
	case opcode.KSta:
		return "STA"
	case opcode.KJmp:
		return fmt.Sprintf("JMP\t0x%x", d.Target)
	case opcode.KEnd:
		return "END"
	case opcode.KRet:
		return "RET"
	case opcode.KDrop:
		return "DROP"
	case opcode.KDup:
		return "DUP"
	case opcode.KSwap:
		return "SWAP"
	case opcode.KElem:
		return "ELEM"
	case opcode.KCJmpZ:
		return fmt.Sprintf("CJMPz\t0x%x", d.Target)
	case opcode.KCJmpNZ:
		return fmt.Sprintf("CJMPnz\t0x%x", d.Target)
	case opcode.KBegin:
		return fmt.Sprintf("BEGIN\t%d %d", d.Argc, d.Locc)
	case opcode.KCBegin:
		return fmt.Sprintf("CBEGIN\t%d %d", d.Argc, d.Locc)
	case opcode.KClosure:
		var caps strings.Builder
		for _, c := range d.Captures {
			fmt.Fprintf(&caps, " %s(%d)", locName(c.Loc.Kind), c.Loc.Index)
		}
		return fmt.Sprintf("CLOSURE\t0x%x%s", d.Target, caps.String())
	case opcode.KCallC:
		return fmt.Sprintf("CALLC\t%d", d.Count)
	case opcode.KCall:
		return fmt.Sprintf("CALL\t0x%x %d", d.Target, d.Count)
	case opcode.KTag:
		return fmt.Sprintf("TAG\t%q %d", lookupString(img, d.StrIdx), d.Count)
	case opcode.KArray:
		return fmt.Sprintf("ARRAY\t%d", d.Count)
	case opcode.KFail:
		return fmt.Sprintf("FAIL\t%d:%d", d.Line, d.Col)
	case opcode.KLine:
		return fmt.Sprintf("LINE\t%d", d.IntVal)
	default:
		return "?"
	}
}

func lookupString(img *image.Image, idx int32) string {
	s, err := img.String(idx)
	if err != nil {
		return ""
	}
	return s
}
