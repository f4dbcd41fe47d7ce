package passes

import (
	"errors"
	"testing"

	"golang.org/x/arch/x86/x86asm"

	"github.com/vasie1337/bin-obfuscator/internal/ir"
)

// failingPass always errors, for exercising Run's non-fatal recovery path.
type failingPass struct{ applied int }

func (p *failingPass) Name() string           { return "failing" }
func (p *failingPass) EnabledByDefault() bool { return false }
func (p *failingPass) Apply(fn *ir.Function) error {
	p.applied++
	return errors.New("synthetic failure")
}

func TestDefaultIsMutationOnly(t *testing.T) {
	mgr := Default()
	if len(mgr.passes) != 1 || mgr.passes[0].Name() != "mutation" {
		t.Fatalf("Default() should run exactly [mutation], got %v", namesOfPasses(mgr))
	}
}

func namesOfPasses(mgr *Manager) []string {
	var out []string
	for _, p := range mgr.passes {
		out = append(out, p.Name())
	}
	return out
}

func TestByNamesBuildsRequestedPasses(t *testing.T) {
	mgr, err := ByNames("mutation,nop,opaque")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"mutation", "nop", "opaque"}
	got := namesOfPasses(mgr)
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("pass %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestByNamesRejectsUnknownPass(t *testing.T) {
	if _, err := ByNames("mutation,bogus"); err == nil {
		t.Fatalf("expected an error for an unknown pass name")
	}
}

func TestByNamesRejectsEmptyList(t *testing.T) {
	if _, err := ByNames(""); err == nil {
		t.Fatalf("expected an error for an empty pass list")
	}
}

func TestRunAppliesEachPassOncePerIteration(t *testing.T) {
	fn := ir.NewFunction("f", 0x1000, 16)
	fn.SetDecoded([]ir.InstructionRecord{
		verbatimRec(x86asm.MOV, x86asm.RAX, x86asm.RCX),
	})

	mgr := NewManager(&MutationPass{})
	mgr.Run(fn, 1)
	if fn.Instructions[0].Kind != ir.KindSynth {
		t.Errorf("a single iteration should have rewritten the mov")
	}
}

func TestRunMultipleIterationsIsIdempotentOnceConverted(t *testing.T) {
	fn := ir.NewFunction("f", 0x1000, 16)
	fn.SetDecoded([]ir.InstructionRecord{
		verbatimRec(x86asm.MOV, x86asm.RAX, x86asm.RCX),
	})

	mgr := NewManager(&MutationPass{})
	mgr.Run(fn, 3)
	// Once rewritten, the stream contains no more KindVerbatim MOV/LEA/etc.
	// for the mutation templates to match, so further iterations are no-ops.
	for _, rec := range fn.Instructions {
		if rec.Kind == ir.KindVerbatim {
			t.Errorf("expected no verbatim instructions left after repeated iterations, found %+v", rec)
		}
	}
}

func TestRunSurvivesAFailingPassAndLeavesFunctionAsIs(t *testing.T) {
	fn := ir.NewFunction("f", 0x1000, 16)
	fn.SetDecoded([]ir.InstructionRecord{
		verbatimRec(x86asm.MOV, x86asm.RAX, x86asm.RCX),
	})
	before := append([]ir.InstructionRecord(nil), fn.Instructions...)

	fail := &failingPass{}
	mgr := NewManager(fail, &MutationPass{})

	mgr.Run(fn, 1) // must not panic or otherwise abort

	if fail.applied != 1 {
		t.Fatalf("expected the failing pass to run exactly once, ran %d times", fail.applied)
	}
	if len(fn.Instructions) != len(before) || fn.Instructions[0].Kind != ir.KindVerbatim {
		t.Errorf("a failing pass must leave the function's instructions untouched, and must stop later passes in the same run")
	}
}
