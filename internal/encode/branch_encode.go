package encode

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/vasie1337/bin-obfuscator/internal/ir"
)

// ccTttn maps each flag-based Jcc to the 4-bit condition code the 0x70+tttn
// (short) and 0x0F 0x80+tttn (near) opcode families share.
var ccTttn = map[x86asm.Op]byte{
	x86asm.JO: 0x0, x86asm.JNO: 0x1,
	x86asm.JB: 0x2, x86asm.JAE: 0x3,
	x86asm.JE: 0x4, x86asm.JNE: 0x5,
	x86asm.JBE: 0x6, x86asm.JA: 0x7,
	x86asm.JS: 0x8, x86asm.JNS: 0x9,
	x86asm.JP: 0xA, x86asm.JNP: 0xB,
	x86asm.JL: 0xC, x86asm.JGE: 0xD,
	x86asm.JLE: 0xE, x86asm.JG: 0xF,
}

// branchDisp extracts the x86asm.Rel argument branch.Fix rewrote.
func branchDisp(rec ir.InstructionRecord) (int64, error) {
	for _, arg := range rec.Decoded.Args {
		if rel, ok := arg.(x86asm.Rel); ok {
			return int64(rel), nil
		}
	}
	return 0, fmt.Errorf("encode: branch instruction at ip 0x%x carries no relative operand", rec.IP)
}

// EncodeBranch renders a verbatim branch instruction's final bytes from
// its (possibly Fix-rewritten) displacement and rec.Len, which branch.Fix
// and branch.PromoteAll have already pinned to either the short (2-byte)
// or rel32 (5- or 6-byte) form.
func EncodeBranch(rec ir.InstructionRecord) ([]byte, error) {
	disp, err := branchDisp(rec)
	if err != nil {
		return nil, err
	}

	if rec.Decoded.Op == x86asm.JMP {
		if rec.Len == 2 {
			return []byte{0xEB, byte(int8(disp))}, nil
		}
		out := make([]byte, 5)
		out[0] = 0xE9
		binary.LittleEndian.PutUint32(out[1:], uint32(int32(disp)))
		return out, nil
	}

	tttn, ok := ccTttn[rec.Decoded.Op]
	if ok {
		if rec.Len == 2 {
			return []byte{0x70 | tttn, byte(int8(disp))}, nil
		}
		out := make([]byte, 6)
		out[0] = 0x0F
		out[1] = 0x80 | tttn
		binary.LittleEndian.PutUint32(out[2:], uint32(int32(disp)))
		return out, nil
	}

	// JRCXZ/JECXZ: PromoteAll never grows these (no rel32 form exists), so
	// rec.Len is still the decoded length (2 for JRCXZ, 3 for JECXZ with its
	// 0x67 prefix) and branch.Fix has already verified disp fits
	// rel8. JRCXZ is native to 64-bit mode (opcode 0xE3); JECXZ needs the
	// 0x67 address-size override ahead of the same opcode. JCXZ (16-bit
	// counter) has no clean single address-size-override encoding in
	// 64-bit mode and is not supported here.
	switch rec.Decoded.Op {
	case x86asm.JRCXZ:
		return []byte{0xE3, byte(int8(disp))}, nil
	case x86asm.JECXZ:
		return []byte{0x67, 0xE3, byte(int8(disp))}, nil
	}
	return nil, fmt.Errorf("encode: unsupported branch opcode %v", rec.Decoded.Op)
}
