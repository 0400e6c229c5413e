package heap_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/Urethramancer/lama/heap"
	"github.com/Urethramancer/lama/stacks"
)

func newHeap(in string) (*heap.Heap, *bytes.Buffer) {
	var out bytes.Buffer
	return heap.New(strings.NewReader(in), &out), &out
}

func TestBoxUnboxRoundTrip(t *testing.T) {
	for _, n := range []int32{0, 1, 42, -5, -1} {
		if got := heap.Unbox(heap.Box(n)); got != n {
			t.Fatalf("Unbox(Box(%d)) = %d, want %d", n, got, n)
		}
	}
}

func TestAllocArrayAndElemAccess(t *testing.T) {
	h, _ := newHeap("")
	arr := h.AllocArray(3)

	if n, err := h.LengthOf(arr); err != nil || n != 3 {
		t.Fatalf("LengthOf(arr) = (%d, %v), want (3, nil)", n, err)
	}

	for i, v := range []stacks.Word{heap.Box(10), heap.Box(20), heap.Box(30)} {
		if _, err := h.StoreArray(arr, i, v); err != nil {
			t.Fatalf("StoreArray(%d): %v", i, err)
		}
	}

	got, err := h.LoadElem(arr, 1)
	if err != nil {
		t.Fatalf("LoadElem(arr, 1): %v", err)
	}
	if heap.Unbox(got) != 20 {
		t.Fatalf("LoadElem(arr, 1) = %d, want 20", heap.Unbox(got))
	}

	if _, err := h.LoadElem(arr, 5); err == nil {
		t.Fatalf("LoadElem(arr, 5) should fail out of range")
	}
}

func TestAllocSexpPreservesFieldOrder(t *testing.T) {
	h, _ := newHeap("")
	tag := heap.TagHash("Cons")
	fields := []stacks.Word{heap.Box(1), heap.Box(2), heap.Box(3)}
	s := h.AllocSexp(tag, fields)

	if got, err := h.TagOf(s); err != nil || got != tag {
		t.Fatalf("TagOf(s) = (%d, %v), want (%d, nil)", got, err, tag)
	}
	if n, err := h.LengthOf(s); err != nil || n != 3 {
		t.Fatalf("LengthOf(s) = (%d, %v), want (3, nil)", n, err)
	}
	first, err := h.LoadElem(s, 0)
	if err != nil || heap.Unbox(first) != 1 {
		t.Fatalf("LoadElem(s, 0) = (%v, %v), want (1, nil)", first, err)
	}
	last, err := h.LoadElem(s, 2)
	if err != nil || heap.Unbox(last) != 3 {
		t.Fatalf("LoadElem(s, 2) = (%v, %v), want (3, nil)", last, err)
	}
}

func TestPatternMatchPredicates(t *testing.T) {
	h, _ := newHeap("")
	tag := heap.TagHash("Nil")
	arr := h.AllocArray(0)
	sexp := h.AllocSexp(tag, nil)
	str := h.AllocString("hi")
	clos := h.AllocClosure(0, nil)
	unboxed := heap.Box(5)

	cases := []struct {
		name string
		got  stacks.Word
		want bool
	}{
		{"ArrayTag(arr)", h.PatternMatchArrayTag(arr), true},
		{"ArrayTag(sexp)", h.PatternMatchArrayTag(sexp), false},
		{"SexpTag(sexp)", h.PatternMatchSexpTag(sexp), true},
		{"SexpTag(arr)", h.PatternMatchSexpTag(arr), false},
		{"StringTag(str)", h.PatternMatchStringTag(str), true},
		{"StringTag(arr)", h.PatternMatchStringTag(arr), false},
		{"ClosureTag(clos)", h.PatternMatchClosureTag(clos), true},
		{"ClosureTag(str)", h.PatternMatchClosureTag(str), false},
		{"Boxed(arr)", h.PatternMatchBoxed(arr), true},
		{"Boxed(unboxed)", h.PatternMatchBoxed(unboxed), false},
		{"Unboxed(unboxed)", h.PatternMatchUnboxed(unboxed), true},
		{"Unboxed(arr)", h.PatternMatchUnboxed(arr), false},
		{"String(str,str)", h.PatternMatchString(str, h.AllocString("hi")), true},
		{"String(str,other)", h.PatternMatchString(str, h.AllocString("bye")), false},
	}
	for _, c := range cases {
		if got := heap.Unbox(c.got) != 0; got != c.want {
			t.Errorf("%s = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestPatternTagAndArray(t *testing.T) {
	h, _ := newHeap("")
	tag := heap.TagHash("Cons")
	sexp := h.AllocSexp(tag, []stacks.Word{heap.Box(1)})
	arr := h.AllocArray(2)

	if heap.Unbox(h.PatternTag(sexp, tag, 1)) == 0 {
		t.Fatalf("PatternTag(sexp, matching tag, matching argc) = false, want true")
	}
	if heap.Unbox(h.PatternTag(sexp, tag, 2)) != 0 {
		t.Fatalf("PatternTag(sexp, matching tag, wrong argc) = true, want false")
	}
	if heap.Unbox(h.PatternTag(sexp, tag+1, 1)) != 0 {
		t.Fatalf("PatternTag(sexp, wrong tag, matching argc) = true, want false")
	}
	if heap.Unbox(h.PatternArray(arr, 2)) == 0 {
		t.Fatalf("PatternArray(arr, 2) = false, want true")
	}
	if heap.Unbox(h.PatternArray(arr, 3)) != 0 {
		t.Fatalf("PatternArray(arr, 3) = true, want false")
	}
}

func TestTagHashDeterministic(t *testing.T) {
	if heap.TagHash("Cons") != heap.TagHash("Cons") {
		t.Fatalf("TagHash is not deterministic across calls")
	}
	if heap.TagHash("Cons") == heap.TagHash("Nil") {
		t.Fatalf("TagHash(Cons) collided with TagHash(Nil)")
	}
}

func TestToString(t *testing.T) {
	h, _ := newHeap("")

	intStr, err := h.ToString(heap.Box(42))
	if err != nil {
		t.Fatalf("ToString(Box(42)): %v", err)
	}
	assertHeapString(t, h, intStr, "42")

	passthrough, err := h.ToString(h.AllocString("hi"))
	if err != nil {
		t.Fatalf("ToString(string): %v", err)
	}
	assertHeapString(t, h, passthrough, "hi")
}

func assertHeapString(t *testing.T, h *heap.Heap, s stacks.Word, want string) {
	t.Helper()
	n, err := h.LengthOf(s)
	if err != nil || int(n) != len(want) {
		t.Fatalf("LengthOf(s) = (%d, %v), want (%d, nil)", n, err, len(want))
	}
	for i := 0; i < len(want); i++ {
		b, err := h.LoadElem(s, i)
		if err != nil || heap.Unbox(b) != int32(want[i]) {
			t.Fatalf("LoadElem(s, %d) = (%v, %v), want %d", i, b, err, want[i])
		}
	}
}

func TestLengthReadWrite(t *testing.T) {
	h, out := newHeap("5\n")
	arr := h.AllocArray(3)

	n, err := h.Length(arr)
	if err != nil || heap.Unbox(n) != 3 {
		t.Fatalf("Length(arr) = (%v, %v), want (3, nil)", n, err)
	}

	v, err := h.ReadInt()
	if err != nil || heap.Unbox(v) != 5 {
		t.Fatalf("ReadInt() = (%v, %v), want (5, nil)", v, err)
	}

	if _, err := h.WriteInt(heap.Box(9)); err != nil {
		t.Fatalf("WriteInt: %v", err)
	}
	if out.String() != "9\n" {
		t.Fatalf("WriteInt output = %q, want %q", out.String(), "9\n")
	}
}
