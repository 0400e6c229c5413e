package verify_test

import (
	"errors"
	"testing"

	"github.com/Urethramancer/lama/image"
	"github.com/Urethramancer/lama/internal/testimg"
	"github.com/Urethramancer/lama/opcode"
	"github.com/Urethramancer/lama/verify"
	"github.com/Urethramancer/lama/vmerr"
)

func buildAndVerify(t *testing.T, b *testimg.Builder) (*verify.Result, error) {
	t.Helper()
	img, err := image.Parse("t", b.Build())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return verify.Verify(img)
}

func TestVerifySimpleProgram(t *testing.T) {
	b := testimg.New(0)
	b.Public("main")
	b.Begin(0, 0)
	b.Const(1)
	b.Drop()
	b.Stop()
	b.End()

	res, err := buildAndVerify(t, b)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if len(res.Functions) != 1 {
		t.Fatalf("Functions = %d, want 1", len(res.Functions))
	}
}

func TestVerifyDiscoversCalledFunction(t *testing.T) {
	b := testimg.New(0)

	fooOff := b.Here()
	b.Begin(1, 0)
	b.Ld(opcode.Arg, 0)
	b.End()

	b.Public("main")
	b.Begin(0, 0)
	b.Const(5)
	b.Call(fooOff, 1)
	b.Drop()
	b.Stop()
	b.End()

	res, err := buildAndVerify(t, b)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if len(res.Functions) != 2 {
		t.Fatalf("Functions = %d, want 2 (main + the transitively discovered callee)", len(res.Functions))
	}
	foo, ok := res.Functions[fooOff]
	if !ok {
		t.Fatalf("callee at 0x%x was not discovered", fooOff)
	}
	if foo.MinArgs != 1 {
		t.Fatalf("foo.MinArgs = %d, want 1", foo.MinArgs)
	}
}

func TestVerifyArgsUnderflow(t *testing.T) {
	b := testimg.New(0)

	fooOff := b.Here()
	b.Begin(2, 0)
	b.Ld(opcode.Arg, 0)
	b.End()

	b.Public("main")
	b.Begin(0, 0)
	b.Const(5) // only one value, but foo needs 2
	b.Call(fooOff, 1)
	b.Drop()
	b.Stop()
	b.End()

	_, err := buildAndVerify(t, b)
	if !errors.Is(err, vmerr.ErrArgsUnderflow) {
		t.Fatalf("err = %v, want ErrArgsUnderflow", err)
	}
}

func TestVerifyJumpOutOfFunction(t *testing.T) {
	b := testimg.New(0)
	b.Public("main")
	b.Begin(0, 0)
	b.Jmp(9999)
	b.End()

	_, err := buildAndVerify(t, b)
	if !errors.Is(err, vmerr.ErrJumpOutOfFunction) && !errors.Is(err, vmerr.ErrBadCallTarget) {
		t.Fatalf("err = %v, want ErrJumpOutOfFunction (or ErrBadCallTarget)", err)
	}
}

func TestVerifyNestedBegin(t *testing.T) {
	b := testimg.New(0)
	b.Public("main")
	b.Begin(0, 0)
	b.Begin(0, 0)
	b.End()
	b.End()

	_, err := buildAndVerify(t, b)
	if !errors.Is(err, vmerr.ErrNestedBegin) {
		t.Fatalf("err = %v, want ErrNestedBegin", err)
	}
}

func TestVerifyBadLocation(t *testing.T) {
	b := testimg.New(2)
	b.Public("main")
	b.Begin(0, 0)
	b.Ld(opcode.Global, 5) // only 2 globals declared
	b.Stop()
	b.End()

	_, err := buildAndVerify(t, b)
	if !errors.Is(err, vmerr.ErrBadLocation) {
		t.Fatalf("err = %v, want ErrBadLocation", err)
	}
}

func TestVerifyStackUnderflow(t *testing.T) {
	b := testimg.New(0)
	b.Public("main")
	b.Begin(0, 0)
	b.Binop(opcode.BinopAdd) // pops two values off an empty stack
	b.End()

	_, err := buildAndVerify(t, b)
	if !errors.Is(err, vmerr.ErrStackUnderflow) {
		t.Fatalf("err = %v, want ErrStackUnderflow", err)
	}
}

func TestVerifyClosureCaptureOutsideClosure(t *testing.T) {
	b := testimg.New(0)
	b.Public("main")
	b.Begin(0, 0)
	b.Ld(opcode.Captured, 0) // not inside a closure
	b.Stop()
	b.End()

	_, err := buildAndVerify(t, b)
	if !errors.Is(err, vmerr.ErrBadLocation) {
		t.Fatalf("err = %v, want ErrBadLocation", err)
	}
}
