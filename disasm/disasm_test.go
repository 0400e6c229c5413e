package disasm_test

import (
	"strings"
	"testing"

	"github.com/Urethramancer/lama/disasm"
	"github.com/Urethramancer/lama/image"
	"github.com/Urethramancer/lama/internal/testimg"
	"github.com/Urethramancer/lama/opcode"
)

func TestDumpFormatsEachInstruction(t *testing.T) {
	b := testimg.New(1)
	b.Public("main")
	b.Begin(0, 0)
	b.Const(7)
	b.LCall(opcode.LCallWrite, 0)
	b.Stop()
	b.End()

	img, err := image.Parse("t", b.Build())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	out, err := disasm.Dump(img)
	if err != nil {
		t.Fatalf("Dump: %v", err)
	}

	for _, want := range []string{"BEGIN\t0 0", "CONST\t7", "LCALL\tLwrite", "STOP", "END"} {
		if !strings.Contains(out, want) {
			t.Fatalf("Dump output missing %q:\n%s", want, out)
		}
	}

	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 5 {
		t.Fatalf("got %d lines, want 5:\n%s", len(lines), out)
	}
	if !strings.HasPrefix(lines[0], "0x00000000\t") {
		t.Fatalf("first line missing offset prefix: %q", lines[0])
	}
}

func TestDumpMalformedOpcode(t *testing.T) {
	b := testimg.New(0)
	b.Public("main")
	b.Begin(0, 0)
	code := b.Code()
	code = append(code, 0x1F) // undefined opcode byte
	img, err := image.Parse("t", buildWithRawCode(b, code))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, err := disasm.Dump(img); err == nil {
		t.Fatalf("expected decode error from malformed trailing byte")
	}
}

// buildWithRawCode rebuilds a container using code in place of the
// builder's own accumulated code section.
func buildWithRawCode(b *testimg.Builder, code []byte) []byte {
	full := b.Build()
	// The builder's code section is the final len(b.Code())-sized tail
	// of the built buffer, so everything before it is the non-code
	// prefix; keep that prefix and splice code in after it.
	prefixLen := len(full) - len(b.Code())
	out := make([]byte, 0, prefixLen+len(code))
	out = append(out, full[:prefixLen]...)
	out = append(out, code...)
	return out
}
