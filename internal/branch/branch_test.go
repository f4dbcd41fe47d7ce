package branch

import (
	"testing"

	"golang.org/x/arch/x86/x86asm"

	"github.com/vasie1337/bin-obfuscator/internal/ir"
)

func rel(v int64) x86asm.Args {
	var a x86asm.Args
	a[0] = x86asm.Rel(v)
	return a
}

func TestBuildFindsIntraFunctionEdge(t *testing.T) {
	fn := ir.NewFunction("f", 0x1000, 16)
	fn.SetDecoded([]ir.InstructionRecord{
		{IsBranch: true, Conditional: true, BranchTargetRVA: 0x1005, IP: 0x1000, Len: 2,
			Decoded: x86asm.Inst{Op: x86asm.JE, Args: rel(3)}},
		{IP: 0x1002, Len: 3},
		{IP: 0x1005, Len: 1},
	})

	Build(fn)

	if len(fn.Branches) != 1 {
		t.Fatalf("expected 1 branch edge, got %d", len(fn.Branches))
	}
	edge := fn.Branches[0]
	if edge.SourceID != fn.Instructions[0].ID || edge.TargetID != fn.Instructions[2].ID {
		t.Errorf("edge source/target ids wrong: %+v", edge)
	}
	if edge.OriginalTargetRVA != 0x1005 {
		t.Errorf("original target rva = 0x%x, want 0x1005", edge.OriginalTargetRVA)
	}
}

func TestBuildDropsOutOfFunctionTarget(t *testing.T) {
	fn := ir.NewFunction("f", 0x1000, 8)
	fn.SetDecoded([]ir.InstructionRecord{
		{IsBranch: true, BranchTargetRVA: 0x9000, IP: 0x1000, Len: 2,
			Decoded: x86asm.Inst{Op: x86asm.JMP, Args: rel(0x8000)}},
	})

	Build(fn)

	if len(fn.Branches) != 0 {
		t.Fatalf("expected no edges for an out-of-function target, got %d", len(fn.Branches))
	}
}

func TestBuildDropsNonBoundaryTarget(t *testing.T) {
	fn := ir.NewFunction("f", 0x1000, 8)
	fn.SetDecoded([]ir.InstructionRecord{
		{IsBranch: true, BranchTargetRVA: 0x1004, IP: 0x1000, Len: 2,
			Decoded: x86asm.Inst{Op: x86asm.JMP, Args: rel(2)}},
		{IP: 0x1002, Len: 3}, // instruction boundaries are 0x1000, 0x1002, 0x1005 -- not 0x1004
	})

	Build(fn)

	if len(fn.Branches) != 0 {
		t.Fatalf("expected no edges for a non-boundary target, got %d", len(fn.Branches))
	}
}

func TestRel32Length(t *testing.T) {
	if got := Rel32Length(x86asm.JMP); got != 5 {
		t.Errorf("JMP rel32 length = %d, want 5", got)
	}
	if got := Rel32Length(x86asm.JE); got != 6 {
		t.Errorf("JE rel32 length = %d, want 6", got)
	}
}

func TestPromoteAllOnlyTouchesEdgeSources(t *testing.T) {
	fn := ir.NewFunction("f", 0x1000, 16)
	fn.SetDecoded([]ir.InstructionRecord{
		{IsBranch: true, Conditional: true, BranchTargetRVA: 0x1008, IP: 0x1000, Len: 2,
			Decoded: x86asm.Inst{Op: x86asm.JE, Args: rel(6)}},
		{IP: 0x1002, Len: 2},
		// dropped branch: targets outside the function, stays unpromoted
		{IsBranch: true, BranchTargetRVA: 0x9000, IP: 0x1004, Len: 2,
			Decoded: x86asm.Inst{Op: x86asm.JMP, Args: rel(0x8000)}},
		{IP: 0x1006, Len: 2},
		{IP: 0x1008, Len: 1},
	})

	Build(fn)
	PromoteAll(fn)

	if fn.Instructions[0].Len != 6 {
		t.Errorf("edge-source JE length = %d, want 6 (promoted)", fn.Instructions[0].Len)
	}
	if fn.Instructions[2].Len != 2 {
		t.Errorf("dropped-branch JMP length = %d, want 2 (untouched)", fn.Instructions[2].Len)
	}
}

func TestPromoteAllLeavesCXZUnchanged(t *testing.T) {
	fn := ir.NewFunction("f", 0x1000, 16)
	fn.SetDecoded([]ir.InstructionRecord{
		{IsBranch: true, Conditional: true, BranchTargetRVA: 0x1004, IP: 0x1000, Len: 2,
			Decoded: x86asm.Inst{Op: x86asm.JRCXZ, Args: rel(2)}},
		{IP: 0x1002, Len: 2},
		{IP: 0x1004, Len: 1},
	})

	Build(fn)
	PromoteAll(fn)

	if fn.Instructions[0].Len != 2 {
		t.Errorf("JRCXZ length = %d, want 2 (no rel32 form exists)", fn.Instructions[0].Len)
	}
}

func TestFixRebindsDisplacementToMovedTarget(t *testing.T) {
	fn := ir.NewFunction("f", 0x1000, 16)
	fn.SetDecoded([]ir.InstructionRecord{
		{IsBranch: true, Conditional: true, BranchTargetRVA: 0x1004, IP: 0x1000, Len: 2,
			Decoded: x86asm.Inst{Op: x86asm.JE, Args: rel(2)}},
		{IP: 0x1002, Len: 2},
		{IP: 0x1004, Len: 1},
	})
	Build(fn)
	PromoteAll(fn)

	// Simulate layout moving everything to new IPs, with the padding an
	// earlier pass inserted between source and target.
	fn.Instructions[0].IP = 0x5000
	fn.Instructions[1].IP = 0x5006 // source grew from 2 to 6 bytes
	fn.Instructions[2].IP = 0x5020 // and extra bytes were inserted before the target

	if err := Fix(fn); err != nil {
		t.Fatalf("Fix returned error: %v", err)
	}

	var disp int64
	found := false
	for _, arg := range fn.Instructions[0].Decoded.Args {
		if r, ok := arg.(x86asm.Rel); ok {
			disp, found = int64(r), true
		}
	}
	if !found {
		t.Fatalf("no rel operand after Fix")
	}
	want := int64(0x5020) - int64(0x5000) - int64(6)
	if disp != want {
		t.Errorf("displacement = %d, want %d", disp, want)
	}
}

func TestFixReportsDanglingEdge(t *testing.T) {
	fn := ir.NewFunction("f", 0x1000, 16)
	fn.SetDecoded([]ir.InstructionRecord{
		{IsBranch: true, BranchTargetRVA: 0x1002, IP: 0x1000, Len: 2,
			Decoded: x86asm.Inst{Op: x86asm.JMP, Args: rel(0)}},
		{IP: 0x1002, Len: 2},
	})
	Build(fn)
	// Corrupt the branch map to point at an id that no longer exists.
	fn.Branches[0].TargetID = 999999

	if err := Fix(fn); err == nil {
		t.Fatalf("expected an error for a dangling edge")
	}
}

func TestRebindRejectsOutOfRangeShortDisplacement(t *testing.T) {
	rec := &ir.InstructionRecord{
		IP:  0x1000,
		Len: 2,
		Decoded: x86asm.Inst{
			Op:   x86asm.JE,
			Args: rel(0),
		},
	}
	if err := rebind(rec, 200); err == nil {
		t.Fatalf("expected an error: 200 does not fit an int8 displacement")
	}
}
