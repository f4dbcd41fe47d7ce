package decode

import (
	"testing"

	"golang.org/x/arch/x86/x86asm"
)

func TestFunctionDecodesMovAndRet(t *testing.T) {
	// mov rax, rcx ; ret
	code := []byte{0x48, 0x89, 0xC8, 0xC3}
	records, err := Function(code, 0x1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 instructions, got %d", len(records))
	}
	if records[0].IP != 0x1000 || records[0].Len != 3 {
		t.Errorf("mov record = %+v, want ip=0x1000 len=3", records[0])
	}
	if records[1].IP != 0x1003 || records[1].Len != 1 {
		t.Errorf("ret record = %+v, want ip=0x1003 len=1", records[1])
	}
	if records[0].IsBranch || records[1].IsBranch {
		t.Errorf("neither mov nor ret should be classified as a branch")
	}
}

func TestFunctionClassifiesNearConditionalBranch(t *testing.T) {
	// je +5 ; (5 bytes of filler would follow in a real function, but the
	// decoder only needs the branch's own bytes to classify it)
	code := []byte{0x74, 0x05}
	records, err := Function(code, 0x2000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 instruction, got %d", len(records))
	}
	rec := records[0]
	if !rec.IsBranch || !rec.Conditional {
		t.Fatalf("je should be classified as a conditional branch: %+v", rec)
	}
	wantTarget := uint64(0x2000 + 2 + 5)
	if rec.BranchTargetRVA != wantTarget {
		t.Errorf("branch target = 0x%x, want 0x%x", rec.BranchTargetRVA, wantTarget)
	}
}

func TestFunctionClassifiesUnconditionalJmp(t *testing.T) {
	code := []byte{0xEB, 0x02} // jmp +2
	records, err := Function(code, 0x3000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rec := records[0]
	if !rec.IsBranch || rec.Conditional {
		t.Fatalf("jmp should be classified as an unconditional branch: %+v", rec)
	}
}

func TestFunctionRejectsInvalidOpcode(t *testing.T) {
	code := []byte{0xFF, 0xFF}
	if _, err := Function(code, 0x1000); err == nil {
		t.Fatalf("expected a decode error for an invalid opcode")
	}
}

func TestFunctionStopsExactlyAtByteRangeEnd(t *testing.T) {
	code := []byte{0x90, 0x90, 0x90} // three single-byte nops
	records, err := Function(code, 0x1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 instructions, got %d", len(records))
	}
	for i, rec := range records {
		if rec.Decoded.Op != x86asm.NOP {
			t.Errorf("instruction %d op = %v, want NOP", i, rec.Decoded.Op)
		}
	}
}

func TestFunctionRawBytesMatchInput(t *testing.T) {
	code := []byte{0x48, 0x89, 0xC8, 0xC3}
	records, err := Function(code, 0x1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(records[0].Raw) != string(code[:3]) {
		t.Errorf("raw bytes = % X, want % X", records[0].Raw, code[:3])
	}
}
