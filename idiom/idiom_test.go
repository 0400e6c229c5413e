package idiom_test

import (
	"testing"

	"github.com/Urethramancer/lama/idiom"
	"github.com/Urethramancer/lama/image"
	"github.com/Urethramancer/lama/internal/testimg"
)

func TestFrequenciesCountsSinglesAndPairs(t *testing.T) {
	b := testimg.New(0)
	b.Public("main")
	b.Begin(0, 0)
	b.Const(1)
	b.Drop()
	b.Const(2)
	b.Drop()
	b.Stop()
	b.End()

	img, err := image.Parse("t", b.Build())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	singles, pairs, err := idiom.Frequencies(img)
	if err != nil {
		t.Fatalf("Frequencies: %v", err)
	}

	if singles["CONST\t1"] != 1 || singles["CONST\t2"] != 1 {
		t.Fatalf("singles = %v, want one each of CONST 1 / CONST 2", singles)
	}
	if singles["DROP"] != 2 {
		t.Fatalf("singles[DROP] = %d, want 2", singles["DROP"])
	}
	if pairs[idiom.Pair{"CONST\t1", "DROP"}] != 1 {
		t.Fatalf("pairs[CONST 1 -> DROP] = %d, want 1", pairs[idiom.Pair{"CONST\t1", "DROP"}])
	}
	if pairs[idiom.Pair{"DROP", "CONST\t2"}] != 1 {
		t.Fatalf("pairs[DROP -> CONST 2] = %d, want 1", pairs[idiom.Pair{"DROP", "CONST\t2"}])
	}
}

func TestFrequenciesNeverCrossesFunctionBoundary(t *testing.T) {
	b := testimg.New(0)

	fooOff := b.Here()
	b.Begin(0, 0)
	b.Const(9)
	b.End()

	b.Public("main")
	b.Begin(0, 0)
	b.Call(fooOff, 0)
	b.Drop()
	b.Stop()
	b.End()

	img, err := image.Parse("t", b.Build())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	_, pairs, err := idiom.Frequencies(img)
	if err != nil {
		t.Fatalf("Frequencies: %v", err)
	}
	// foo's last instruction is END; main's first is BEGIN. These must
	// never be counted as an adjacent pair since they belong to
	// different function bodies.
	if _, ok := pairs[idiom.Pair{"END", "BEGIN\t0 0"}]; ok {
		t.Fatalf("pair counter crossed a function boundary: %v", pairs)
	}
}
