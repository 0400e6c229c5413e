// Package image loads a bytecode container file into a single
// in-memory image and exposes its sections: the string table, the
// public-symbols table, the code section and the globals-area size
// (spec.md §3's Image, §4.1's container contract, §6.1's file format).
package image

import (
	"bytes"
	"encoding/binary"
	"os"

	"github.com/Urethramancer/lama/opcode"
	"github.com/Urethramancer/lama/vmerr"
)

const headerFieldCount = 3 // stringtab_size, global_area_size, public_symbols_num

// publicEntry is one (string_offset, code_offset) pair in the publics
// table.
type publicEntry struct {
	nameOffset int32
	codeOffset int32
}

// Image is a loaded bytecode container. The loader owns buf for the
// lifetime of the process; the string table and code are slices into
// it (spec.md §4.1, original_source/.../bytefile.c's single-malloc
// approach), while the publics table is decoded into its own slice.
type Image struct {
	Name string

	buf []byte

	stringTabSize  int
	globalAreaSize int
	publics        []publicEntry
	stringTableOff int
	codeOff        int
}

// Load reads path into memory and parses it as a bytecode container.
func Load(path string) (*Image, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, vmerr.At(vmerr.ErrLoad, 0, "reading %s: %s", path, err)
	}
	return Parse(path, buf)
}

// Parse interprets buf (the full file contents) as a bytecode
// container. Exposed separately from Load so tests can build images in
// memory.
func Parse(name string, buf []byte) (*Image, error) {
	if len(buf) < headerFieldCount*4 {
		return nil, vmerr.At(vmerr.ErrLoad, 0, "%s: truncated header (%d bytes)", name, len(buf))
	}

	stringTabSize := int(int32(binary.LittleEndian.Uint32(buf[0:4])))
	globalAreaSize := int(int32(binary.LittleEndian.Uint32(buf[4:8])))
	publicCount := int(int32(binary.LittleEndian.Uint32(buf[8:12])))

	if stringTabSize < 0 || globalAreaSize < 0 || publicCount < 0 {
		return nil, vmerr.At(vmerr.ErrLoad, 0, "%s: negative header field", name)
	}

	publicsOff := headerFieldCount * 4
	publicsLen := publicCount * 2 * 4
	stringTableOff := publicsOff + publicsLen
	codeOff := stringTableOff + stringTabSize

	if codeOff > len(buf) {
		return nil, vmerr.At(vmerr.ErrLoad, 0, "%s: header claims %d bytes of publics+strings but file is only %d bytes", name, codeOff-publicsOff, len(buf)-publicsOff)
	}

	publics := make([]publicEntry, publicCount)
	for i := 0; i < publicCount; i++ {
		base := publicsOff + i*8
		publics[i] = publicEntry{
			nameOffset: int32(binary.LittleEndian.Uint32(buf[base : base+4])),
			codeOffset: int32(binary.LittleEndian.Uint32(buf[base+4 : base+8])),
		}
	}

	img := &Image{
		Name:           name,
		buf:            buf,
		stringTabSize:  stringTabSize,
		globalAreaSize: globalAreaSize,
		publics:        publics,
		stringTableOff: stringTableOff,
		codeOff:        codeOff,
	}

	for i, p := range publics {
		if p.nameOffset < 0 || int(p.nameOffset) >= stringTabSize {
			return nil, vmerr.At(vmerr.ErrLoad, 0, "%s: public[%d] name offset %d out of string table (size %d)", name, i, p.nameOffset, stringTabSize)
		}
		if p.codeOffset < 0 || int(p.codeOffset) >= img.CodeSize() {
			return nil, vmerr.At(vmerr.ErrLoad, 0, "%s: public[%d] code offset %d out of code section (size %d)", name, i, p.codeOffset, img.CodeSize())
		}
		if opcode.Op(img.Code()[p.codeOffset]) != opcode.Begin {
			return nil, vmerr.At(vmerr.ErrLoad, int(p.codeOffset), "%s: public %q does not point at BEGIN", name, img.stringAt(p.nameOffset))
		}
	}

	return img, nil
}

// String returns the NUL-terminated string at byte offset idx within
// the string table.
func (img *Image) String(idx int32) (string, error) {
	if idx < 0 || int(idx) >= img.stringTabSize {
		return "", vmerr.At(vmerr.ErrLoad, int(idx), "string index %d out of bounds (table size %d)", idx, img.stringTabSize)
	}
	return img.stringAt(idx), nil
}

func (img *Image) stringAt(idx int32) string {
	tab := img.buf[img.stringTableOff:img.codeOff]
	start := int(idx)
	end := bytes.IndexByte(tab[start:], 0)
	if end < 0 {
		return string(tab[start:])
	}
	return string(tab[start : start+end])
}

// PublicCount returns the number of entries in the publics table.
func (img *Image) PublicCount() int { return len(img.publics) }

// PublicName returns the symbol name of publics table entry i.
func (img *Image) PublicName(i int) (string, error) {
	if i < 0 || i >= len(img.publics) {
		return "", vmerr.At(vmerr.ErrLoad, 0, "public index %d out of bounds (%d publics)", i, len(img.publics))
	}
	return img.stringAt(img.publics[i].nameOffset), nil
}

// PublicOffset returns the code offset of publics table entry i.
func (img *Image) PublicOffset(i int) (int32, error) {
	if i < 0 || i >= len(img.publics) {
		return 0, vmerr.At(vmerr.ErrLoad, 0, "public index %d out of bounds (%d publics)", i, len(img.publics))
	}
	return img.publics[i].codeOffset, nil
}

// Code returns the raw code section bytes.
func (img *Image) Code() []byte { return img.buf[img.codeOff:] }

// CodeSize returns the length in bytes of the code section.
func (img *Image) CodeSize() int { return len(img.buf) - img.codeOff }

// GlobalsAreaSize returns the number of word-sized global slots the
// interpreter must reserve at startup.
func (img *Image) GlobalsAreaSize() int { return img.globalAreaSize }

// StringTableSize returns the byte length of the string table, used by
// the decoder to bounds-check string indices without going through
// String.
func (img *Image) StringTableSize() int { return img.stringTabSize }

// EntryPoints returns the code offsets execution may start from. This
// implementation returns the offset of the public symbol named "main";
// the design allows multiple roots (spec.md §4.1), which a future
// linker stage could populate.
func (img *Image) EntryPoints() ([]int32, error) {
	for i, p := range img.publics {
		name, err := img.PublicName(i)
		if err != nil {
			return nil, err
		}
		if name == "main" {
			return []int32{p.codeOffset}, nil
		}
	}
	return nil, vmerr.At(vmerr.ErrLoad, 0, "%s: no public symbol named \"main\"", img.Name)
}
