// Package heap implements the narrow runtime-heap interface the
// interpreter calls into (spec.md §4.4): boxed-integer tagging,
// allocation of strings/arrays/S-expressions/closures, bounds-checked
// element access, the pattern-match predicates, and the handful of
// language-level primitives (read/write/length/to-string) the LCALL
// family dispatches to.
//
// The tracing garbage collector itself is an out-of-scope external
// collaborator per spec.md §1; this package gives the interpreter the
// call surface spec.md §4.4 specifies, but relies on the host Go
// runtime's own collector for reclamation rather than implementing
// mark/sweep/compaction (see DESIGN.md's heap entry). Because
// objects never relocate here, handles stay valid indefinitely, but
// callers still follow the "re-resolve after an allocating call"
// discipline spec.md §5 requires, so the interpreter would not need to
// change if a relocating collector were substituted later.
package heap

import (
	"bufio"
	"fmt"
	"hash/fnv"
	"io"

	"github.com/Urethramancer/lama/stacks"
	"github.com/Urethramancer/lama/vmerr"
)

// Kind discriminates the heap object universe (spec.md §3's boxed
// value universe).
type Kind int

const (
	KindString Kind = iota
	KindArray
	KindSexp
	KindClosure
)

type object struct {
	kind     Kind
	tag      int32         // S-expression tag; unused otherwise.
	str      []byte        // KindString payload.
	elems    []stacks.Word // KindArray / KindSexp field payload.
	entry    int32         // KindClosure code entry offset.
	captures []stacks.Word // KindClosure captured values.
}

// Heap owns every allocated boxed object for one interpreter run.
// Handles are stable: index 0 is reserved so the zero Word never
// aliases a live object, letting callers treat a zero handle as "no
// object" defensively.
type Heap struct {
	objects []object
	in      *bufio.Reader
	out     io.Writer
}

// New creates an empty heap reading Lread from in and writing Lwrite to
// out.
func New(in io.Reader, out io.Writer) *Heap {
	return &Heap{
		objects: make([]object, 1),
		in:      bufio.NewReader(in),
		out:     out,
	}
}

// Init and Shutdown bracket one interpreter run. Neither owns process
// state beyond the Heap itself — real setup/teardown (stack init,
// globals reservation) lives in interp and stacks — so both are no-ops
// here, kept only to preserve the spec.md §4.4 call surface for a
// future collector that needs real lifecycle hooks.
func (h *Heap) Init()     {}
func (h *Heap) Shutdown() {}

// Box encodes a 31-bit signed integer as an unboxed tagged word:
// 2n+1, matching the BOX macro in the original runtime.
func Box(n int32) stacks.Word {
	return stacks.Word(uint32(n<<1 | 1))
}

// Unbox decodes a tagged word back to its signed integer value via an
// arithmetic right shift, matching the original's UNBOX macro.
func Unbox(w stacks.Word) int32 {
	return int32(uint32(w)) >> 1
}

func (h *Heap) alloc(o object) stacks.Word {
	h.objects = append(h.objects, o)
	handle := len(h.objects) - 1
	return stacks.Word(uint64(handle) << 1)
}

func (h *Heap) resolve(w stacks.Word) (*object, error) {
	if !w.IsBoxed() {
		return nil, vmerr.At(vmerr.ErrBadLocation, 0, "value 0x%x is not a boxed pointer", uint64(w))
	}
	handle := int(w >> 1)
	if handle <= 0 || handle >= len(h.objects) {
		return nil, vmerr.At(vmerr.ErrBadLocation, 0, "heap handle %d out of range", handle)
	}
	return &h.objects[handle], nil
}

// AllocString copies src into a new heap string.
func (h *Heap) AllocString(src string) stacks.Word {
	return h.alloc(object{kind: KindString, str: []byte(src)})
}

// AllocArray allocates a zero-filled array of n words.
func (h *Heap) AllocArray(n int) stacks.Word {
	return h.alloc(object{kind: KindArray, elems: make([]stacks.Word, n)})
}

// AllocSexp allocates an S-expression with the given tag and field
// values, in field order (spec.md §4.7's SEXP: "pre-populated by
// popping n field values in reverse").
func (h *Heap) AllocSexp(tag int32, fields []stacks.Word) stacks.Word {
	elems := make([]stacks.Word, len(fields))
	copy(elems, fields)
	return h.alloc(object{kind: KindSexp, tag: tag, elems: elems})
}

// AllocClosure allocates a closure whose code entry point is entry and
// whose captured values are captures, in declared capture order;
// Captured(idx) resolves to captures[idx] (spec.md §4.5: closure[idx+1]
// with slot 0 reserved for the entry offset — captures here already
// excludes that reserved slot).
func (h *Heap) AllocClosure(entry int32, captures []stacks.Word) stacks.Word {
	c := make([]stacks.Word, len(captures))
	copy(c, captures)
	return h.alloc(object{kind: KindClosure, entry: entry, captures: c})
}

// ClosureEntry returns a closure's code entry offset.
func (h *Heap) ClosureEntry(ptr stacks.Word) (int32, error) {
	o, err := h.resolve(ptr)
	if err != nil {
		return 0, err
	}
	if o.kind != KindClosure {
		return 0, vmerr.At(vmerr.ErrBadLocation, 0, "value is not a closure")
	}
	return o.entry, nil
}

// ClosureCapture returns the idx-th captured value of a closure.
func (h *Heap) ClosureCapture(ptr stacks.Word, idx int) (stacks.Word, error) {
	o, err := h.resolve(ptr)
	if err != nil {
		return 0, err
	}
	if o.kind != KindClosure {
		return 0, vmerr.At(vmerr.ErrBadLocation, 0, "value is not a closure")
	}
	if idx < 0 || idx >= len(o.captures) {
		return 0, vmerr.At(vmerr.ErrBadLocation, 0, "captured index %d out of range (%d captures)", idx, len(o.captures))
	}
	return o.captures[idx], nil
}

// StoreArray stores v at index i of array arr and returns arr,
// matching spec.md §4.4's store_array(arr, i, v) -> arr.
func (h *Heap) StoreArray(arr stacks.Word, i int, v stacks.Word) (stacks.Word, error) {
	o, err := h.resolve(arr)
	if err != nil {
		return 0, err
	}
	if o.kind != KindArray {
		return 0, vmerr.At(vmerr.ErrBadLocation, 0, "value is not an array")
	}
	if i < 0 || i >= len(o.elems) {
		return 0, vmerr.At(vmerr.ErrBadLocation, 0, "array index %d out of range (length %d)", i, len(o.elems))
	}
	o.elems[i] = v
	return arr, nil
}

// LoadElem loads element i of an array or S-expression, or byte i of a
// string (as an unboxed integer), matching spec.md §4.4's
// load_elem(obj, i).
func (h *Heap) LoadElem(obj stacks.Word, i int) (stacks.Word, error) {
	o, err := h.resolve(obj)
	if err != nil {
		return 0, err
	}
	switch o.kind {
	case KindArray, KindSexp:
		if i < 0 || i >= len(o.elems) {
			return 0, vmerr.At(vmerr.ErrBadLocation, 0, "index %d out of range (length %d)", i, len(o.elems))
		}
		return o.elems[i], nil
	case KindString:
		if i < 0 || i >= len(o.str) {
			return 0, vmerr.At(vmerr.ErrBadLocation, 0, "index %d out of range (length %d)", i, len(o.str))
		}
		return Box(int32(o.str[i])), nil
	default:
		return 0, vmerr.At(vmerr.ErrBadLocation, 0, "value has no elements")
	}
}

// TagOf returns an S-expression's tag.
func (h *Heap) TagOf(obj stacks.Word) (int32, error) {
	o, err := h.resolve(obj)
	if err != nil {
		return 0, err
	}
	if o.kind != KindSexp {
		return 0, vmerr.At(vmerr.ErrBadLocation, 0, "value is not an S-expression")
	}
	return o.tag, nil
}

// LengthOf returns the element count of an array, S-expression,
// string, or closure (its captured-value count).
func (h *Heap) LengthOf(obj stacks.Word) (int32, error) {
	o, err := h.resolve(obj)
	if err != nil {
		return 0, err
	}
	switch o.kind {
	case KindArray, KindSexp:
		return int32(len(o.elems)), nil
	case KindString:
		return int32(len(o.str)), nil
	case KindClosure:
		return int32(len(o.captures)), nil
	default:
		return 0, vmerr.At(vmerr.ErrBadLocation, 0, "unknown heap object kind")
	}
}

func boolWord(b bool) stacks.Word {
	if b {
		return Box(1)
	}
	return Box(0)
}

// PatternMatchString reports whether x and y are strings with equal
// content.
func (h *Heap) PatternMatchString(x, y stacks.Word) stacks.Word {
	ox, errx := h.resolve(x)
	oy, erry := h.resolve(y)
	if errx != nil || erry != nil || ox.kind != KindString || oy.kind != KindString {
		return boolWord(false)
	}
	return boolWord(string(ox.str) == string(oy.str))
}

// PatternMatchStringTag reports whether x is a boxed string.
func (h *Heap) PatternMatchStringTag(x stacks.Word) stacks.Word {
	o, err := h.resolve(x)
	return boolWord(err == nil && o.kind == KindString)
}

// PatternMatchArrayTag reports whether x is a boxed array.
func (h *Heap) PatternMatchArrayTag(x stacks.Word) stacks.Word {
	o, err := h.resolve(x)
	return boolWord(err == nil && o.kind == KindArray)
}

// PatternMatchSexpTag reports whether x is a boxed S-expression.
func (h *Heap) PatternMatchSexpTag(x stacks.Word) stacks.Word {
	o, err := h.resolve(x)
	return boolWord(err == nil && o.kind == KindSexp)
}

// PatternMatchBoxed reports whether x is a boxed pointer at all.
func (h *Heap) PatternMatchBoxed(x stacks.Word) stacks.Word {
	return boolWord(x.IsBoxed())
}

// PatternMatchUnboxed reports whether x is an unboxed integer.
func (h *Heap) PatternMatchUnboxed(x stacks.Word) stacks.Word {
	return boolWord(!x.IsBoxed())
}

// PatternMatchClosureTag reports whether x is a boxed closure.
func (h *Heap) PatternMatchClosureTag(x stacks.Word) stacks.Word {
	o, err := h.resolve(x)
	return boolWord(err == nil && o.kind == KindClosure)
}

// PatternTag implements TAG name,argc: true iff obj is an
// S-expression with the given tag and field count.
func (h *Heap) PatternTag(obj stacks.Word, tag int32, argc int32) stacks.Word {
	o, err := h.resolve(obj)
	if err != nil || o.kind != KindSexp {
		return boolWord(false)
	}
	return boolWord(o.tag == tag && int32(len(o.elems)) == argc)
}

// PatternArray implements ARRAY n: true iff obj is an array of length
// n.
func (h *Heap) PatternArray(obj stacks.Word, n int32) stacks.Word {
	o, err := h.resolve(obj)
	if err != nil || o.kind != KindArray {
		return boolWord(false)
	}
	return boolWord(int32(len(o.elems)) == n)
}

// TagHash deterministically maps a tag name to an integer tag,
// matching spec.md §4.4's LtagHash.
func TagHash(name string) int32 {
	sum := fnv.New32a()
	_, _ = sum.Write([]byte(name))
	return int32(sum.Sum32() & 0x7fffffff)
}

// ReadInt reads one whitespace-delimited integer from the heap's input
// stream, matching LCALL Lread.
func (h *Heap) ReadInt() (stacks.Word, error) {
	var n int32
	if _, err := fmt.Fscan(h.in, &n); err != nil {
		return 0, vmerr.At(vmerr.ErrRuntimeAbort, 0, "Lread: %s", err)
	}
	return Box(n), nil
}

// WriteInt prints a boxed integer followed by a newline, matching
// LCALL Lwrite. It returns boxed 0, the original runtime's convention
// for a value-less write.
func (h *Heap) WriteInt(v stacks.Word) (stacks.Word, error) {
	if _, err := fmt.Fprintln(h.out, Unbox(v)); err != nil {
		return 0, vmerr.At(vmerr.ErrRuntimeAbort, 0, "Lwrite: %s", err)
	}
	return Box(0), nil
}

// Length implements LCALL Llength: boxed element count of obj.
func (h *Heap) Length(obj stacks.Word) (stacks.Word, error) {
	n, err := h.LengthOf(obj)
	if err != nil {
		return 0, err
	}
	return Box(n), nil
}

// ToString implements LCALL Lstring: a fresh string object holding
// obj's textual representation (strings pass through unchanged,
// unboxed integers print as decimal).
func (h *Heap) ToString(obj stacks.Word) (stacks.Word, error) {
	if !obj.IsBoxed() {
		return h.AllocString(fmt.Sprintf("%d", Unbox(obj))), nil
	}
	o, err := h.resolve(obj)
	if err != nil {
		return 0, err
	}
	if o.kind == KindString {
		return h.AllocString(string(o.str)), nil
	}
	return h.AllocString(fmt.Sprintf("<heap object kind %d>", o.kind)), nil
}

// MatchFailure implements Bmatch_failure: an unrecovered pattern-match
// failure terminates the program.
func MatchFailure(file string, line, col int32) error {
	return vmerr.At(vmerr.ErrRuntimeAbort, 0, "pattern match failure at %s:%d:%d", file, line, col)
}
