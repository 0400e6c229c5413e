// Package testimg builds in-memory bytecode container images for unit
// tests. There is no assembler in scope for this bytecode format (the
// toolchain only loads already-compiled containers), so tests
// construct byte-exact images directly against the §6.1 container
// layout, the same way the teacher's tests/asm_test.go builds raw
// machine words by hand rather than going through a higher-level
// fixture format.
package testimg

import (
	"encoding/binary"

	"github.com/Urethramancer/lama/opcode"
)

// Builder accumulates a code section, a string table and a public
// symbol table, then serializes them into one container buffer
// matching image.Parse's expected layout.
type Builder struct {
	Globals int32

	code    []byte
	strings []byte
	strPos  map[string]int32
	publics []publicEntry
}

type publicEntry struct {
	name string
	off  int32
}

// New creates an empty builder reserving n global slots.
func New(globals int32) *Builder {
	return &Builder{Globals: globals, strPos: make(map[string]int32)}
}

// Here returns the current code offset, useful for recording jump
// targets before they're known as emitted bytes.
func (b *Builder) Here() int32 { return int32(len(b.code)) }

// Code returns the raw code bytes accumulated so far, for tests that
// exercise the decoder directly without going through a full
// container (which would require a public symbol pointing at a
// BEGIN).
func (b *Builder) Code() []byte { return b.code }

// StringTableSize returns the current byte length of the string
// table, for tests that call decoder.Decode directly against Code().
func (b *Builder) StringTableSize() int { return len(b.strings) }

// Public declares name as a public symbol pointing at the current code
// offset (must be a BEGIN).
func (b *Builder) Public(name string) {
	b.String(name)
	b.publics = append(b.publics, publicEntry{name: name, off: b.Here()})
}

// String interns s in the string table, returning its byte offset.
func (b *Builder) String(s string) int32 {
	if off, ok := b.strPos[s]; ok {
		return off
	}
	off := int32(len(b.strings))
	b.strings = append(b.strings, []byte(s)...)
	b.strings = append(b.strings, 0)
	b.strPos[s] = off
	return off
}

func (b *Builder) emitByte(v byte) { b.code = append(b.code, v) }

func (b *Builder) emitInt32(v int32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(v))
	b.code = append(b.code, buf[:]...)
}

func (b *Builder) emitOp(op opcode.Op) { b.emitByte(byte(op)) }

func (b *Builder) emitFamily(family byte, sub byte) { b.emitByte((family << 4) | (sub & 0x0F)) }

func (b *Builder) emitLoc(family byte, kind opcode.Location, index int32) {
	b.emitFamily(family, byte(kind))
	b.emitInt32(index)
}

// Binop emits BINOP <sub>.
func (b *Builder) Binop(sub byte) { b.emitFamily(opcode.FamilyBinop, sub) }

// Ld/Lda/St emit the three location-family opcodes.
func (b *Builder) Ld(kind opcode.Location, index int32)  { b.emitLoc(opcode.FamilyLd, kind, index) }
func (b *Builder) Lda(kind opcode.Location, index int32) { b.emitLoc(opcode.FamilyLda, kind, index) }
func (b *Builder) St(kind opcode.Location, index int32)  { b.emitLoc(opcode.FamilySt, kind, index) }

// Patt emits PATT <sub>.
func (b *Builder) Patt(sub byte) { b.emitFamily(opcode.FamilyPatt, sub) }

// LCall emits LCALL <sub>, with the array-size operand for Barray.
func (b *Builder) LCall(sub byte, n int32) {
	b.emitFamily(opcode.FamilyLCall, sub)
	if sub == opcode.LCallBarray {
		b.emitInt32(n)
	}
}

// Stop emits STOP.
func (b *Builder) Stop() { b.emitFamily(opcode.FamilyStop, 0) }

// Const emits CONST n.
func (b *Builder) Const(n int32) { b.emitOp(opcode.Const); b.emitInt32(n) }

// StringOp emits STRING "s", interning s first.
func (b *Builder) StringOp(s string) { b.emitOp(opcode.String); b.emitInt32(b.String(s)) }

// Sexp emits SEXP "tag" count.
func (b *Builder) Sexp(tag string, count int32) {
	b.emitOp(opcode.Sexp)
	b.emitInt32(b.String(tag))
	b.emitInt32(count)
}

func (b *Builder) Sti()  { b.emitOp(opcode.Sti) }
func (b *Builder) Sta()  { b.emitOp(opcode.Sta) }
func (b *Builder) Jmp(target int32) { b.emitOp(opcode.Jmp); b.emitInt32(target) }
func (b *Builder) End()  { b.emitOp(opcode.End) }
func (b *Builder) Ret()  { b.emitOp(opcode.Ret) }
func (b *Builder) Drop() { b.emitOp(opcode.Drop) }
func (b *Builder) Dup()  { b.emitOp(opcode.Dup) }
func (b *Builder) Swap() { b.emitOp(opcode.Swap) }
func (b *Builder) Elem() { b.emitOp(opcode.Elem) }

func (b *Builder) CJmpZ(target int32)  { b.emitOp(opcode.CJmpZ); b.emitInt32(target) }
func (b *Builder) CJmpNZ(target int32) { b.emitOp(opcode.CJmpNZ); b.emitInt32(target) }

// Begin/CBegin emit BEGIN/CBEGIN argc locc.
func (b *Builder) Begin(argc, locc int32) {
	b.emitOp(opcode.Begin)
	b.emitInt32(argc)
	b.emitInt32(locc)
}

func (b *Builder) CBegin(argc, locc int32) {
	b.emitOp(opcode.CBegin)
	b.emitInt32(argc)
	b.emitInt32(locc)
}

// ClosureCapture is one capture entry for Closure.
type ClosureCapture struct {
	Kind  opcode.Location
	Index int32
}

// Closure emits CLOSURE target, followed by each capture's (kind,
// index) pair.
func (b *Builder) Closure(target int32, caps ...ClosureCapture) {
	b.emitOp(opcode.Closure)
	b.emitInt32(target)
	b.emitInt32(int32(len(caps)))
	for _, c := range caps {
		b.emitByte(byte(c.Kind))
		b.emitInt32(c.Index)
	}
}

func (b *Builder) CallC(argc int32) { b.emitOp(opcode.CallC); b.emitInt32(argc) }
func (b *Builder) Call(target, argc int32) {
	b.emitOp(opcode.Call)
	b.emitInt32(target)
	b.emitInt32(argc)
}

func (b *Builder) Tag(name string, count int32) {
	b.emitOp(opcode.Tag)
	b.emitInt32(b.String(name))
	b.emitInt32(count)
}

func (b *Builder) Array(n int32) { b.emitOp(opcode.Array); b.emitInt32(n) }

func (b *Builder) Fail(line, col int32) {
	b.emitOp(opcode.Fail)
	b.emitInt32(line)
	b.emitInt32(col)
}

func (b *Builder) Line(n int32) { b.emitOp(opcode.Line); b.emitInt32(n) }

// Build serializes the accumulated code, string table and public
// symbol table into one container byte slice per §6.1's layout:
// header, publics table, string table, code section.
func (b *Builder) Build() []byte {
	var out []byte
	var hdr [12]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(b.strings)))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(b.Globals))
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(len(b.publics)))
	out = append(out, hdr[:]...)

	for _, p := range b.publics {
		var entry [8]byte
		binary.LittleEndian.PutUint32(entry[0:4], uint32(b.strPos[p.name]))
		binary.LittleEndian.PutUint32(entry[4:8], uint32(p.off))
		out = append(out, entry[:]...)
	}

	out = append(out, b.strings...)
	out = append(out, b.code...)
	return out
}
