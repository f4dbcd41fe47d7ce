package passes

import (
	"testing"

	"golang.org/x/arch/x86/x86asm"

	"github.com/vasie1337/bin-obfuscator/internal/ir"
)

func TestOpaqueMovRegFromMem(t *testing.T) {
	fn := ir.NewFunction("f", 0x1000, 16)
	fn.SetDecoded([]ir.InstructionRecord{
		verbatimRec(x86asm.MOV, x86asm.RAX, x86asm.Mem{Base: x86asm.RCX, Disp: 8}),
	})

	if err := (&OpaquePass{}).Apply(fn); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []ir.SynthOp{ir.SynthPushR, ir.SynthLeaRM, ir.SynthMovRFromMemBase, ir.SynthPopR}
	if got := synthOps(fn); !opsEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestOpaqueMovMemFromReg(t *testing.T) {
	fn := ir.NewFunction("f", 0x1000, 16)
	fn.SetDecoded([]ir.InstructionRecord{
		verbatimRec(x86asm.MOV, x86asm.Mem{Base: x86asm.RCX, Disp: 8}, x86asm.RAX),
	})

	if err := (&OpaquePass{}).Apply(fn); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []ir.SynthOp{ir.SynthPushR, ir.SynthLeaRM, ir.SynthMovMemBaseFromR, ir.SynthPopR}
	if got := synthOps(fn); !opsEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestOpaqueSkipsWhenScratchRegisterIsTheDestination(t *testing.T) {
	fn := ir.NewFunction("f", 0x1000, 16)
	fn.SetDecoded([]ir.InstructionRecord{
		verbatimRec(x86asm.MOV, x86asm.R11, x86asm.Mem{Base: x86asm.RCX, Disp: 8}),
	})

	if err := (&OpaquePass{}).Apply(fn); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fn.Instructions[0].Kind != ir.KindVerbatim {
		t.Errorf("destination R11 aliases the scratch register and must be left untouched")
	}
}

func TestOpaqueSkipsRSPBaseMemoryOperand(t *testing.T) {
	fn := ir.NewFunction("f", 0x1000, 16)
	fn.SetDecoded([]ir.InstructionRecord{
		verbatimRec(x86asm.MOV, x86asm.RAX, x86asm.Mem{Base: x86asm.RSP, Disp: 0x20}),
	})
	if err := (&OpaquePass{}).Apply(fn); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fn.Instructions[0].Kind != ir.KindVerbatim {
		t.Errorf("mov reg,[rsp+disp] should be left untouched (PUSH opaqueScratch would shift RSP before the LEA reads it)")
	}

	fn2 := ir.NewFunction("f", 0x1000, 16)
	fn2.SetDecoded([]ir.InstructionRecord{
		verbatimRec(x86asm.MOV, x86asm.Mem{Base: x86asm.RSP, Disp: 0x20}, x86asm.RAX),
	})
	if err := (&OpaquePass{}).Apply(fn2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fn2.Instructions[0].Kind != ir.KindVerbatim {
		t.Errorf("mov [rsp+disp],reg should be left untouched (PUSH opaqueScratch would shift RSP before the LEA reads it)")
	}
}

func TestOpaqueNeverIntroducesABranch(t *testing.T) {
	fn := ir.NewFunction("f", 0x1000, 16)
	fn.SetDecoded([]ir.InstructionRecord{
		verbatimRec(x86asm.MOV, x86asm.RAX, x86asm.Mem{Base: x86asm.RCX, Disp: 8}),
	})
	if err := (&OpaquePass{}).Apply(fn); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, rec := range fn.Instructions {
		if rec.IsBranch {
			t.Errorf("opaque pass must never introduce a branch edge")
		}
	}
}
