// Package decode is the Decoder (spec component C3): turns a function's raw
// byte range into a stream of ir.InstructionRecord values. Grounded on
// original_source/crates/core/src/function.rs's decode() (capacity
// estimate, decode-until-exhausted loop) but built on
// golang.org/x/arch/x86/x86asm instead of iced-x86, since that is the x86
// decoder the retrieval pack actually carries.
package decode

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/vasie1337/bin-obfuscator/internal/ir"
	"github.com/vasie1337/bin-obfuscator/internal/obflog"
)

var log = obflog.For("decode")

// Function decodes the bytes at rva..rva+len(code) into instruction
// records, in order. The records carry no ids yet; ir.Function.SetDecoded
// mints those when the caller installs them.
//
// Decoding stops and returns an error if x86asm reports an invalid or
// undefined opcode; per spec section 7 this is DecodeFailed and the caller
// is expected to drop the whole function rather than emit a partial one.
// It also stops cleanly, with no error, once the whole byte range has been
// consumed.
func Function(code []byte, rva uint32) ([]ir.InstructionRecord, error) {
	estimate := len(code) / 3
	if estimate < 16 {
		estimate = 16
	}
	records := make([]ir.InstructionRecord, 0, estimate)

	offset := 0
	for offset < len(code) {
		ip := uint64(rva) + uint64(offset)
		inst, err := x86asm.Decode(code[offset:], 64)
		if err != nil {
			return nil, fmt.Errorf("decode at rva 0x%x: %w", ip, err)
		}
		if inst.Len == 0 {
			return nil, fmt.Errorf("decode at rva 0x%x: zero-length instruction", ip)
		}

		rec := ir.InstructionRecord{
			Kind:    ir.KindVerbatim,
			Decoded: inst,
			Raw:     append([]byte(nil), code[offset:offset+inst.Len]...),
			IP:      ip,
			Len:     inst.Len,
		}
		classifyBranch(&rec, ip)
		if !rec.IsBranch {
			classifyRipRelative(&rec, ip)
		}
		records = append(records, rec)

		offset += inst.Len
	}

	log.Trace("decoded function", "rva", fmt.Sprintf("0x%x", rva), "instructions", len(records))
	return records, nil
}

// classifyBranch tags near conditional/unconditional branches and records
// their absolute target RVA, computed from the PC-relative operand at
// decode time. Calls, returns, indirect branches, and far/out-of-range
// transfers are left untagged: the branch fixer only ever operates on near
// branches whose target lands inside the same function (spec section 4.7).
func classifyBranch(rec *ir.InstructionRecord, ip uint64) {
	inst := rec.Decoded
	switch inst.Op {
	case x86asm.JMP:
		rec.IsBranch = true
		rec.Conditional = false
	case x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JE, x86asm.JG, x86asm.JGE,
		x86asm.JL, x86asm.JLE, x86asm.JNE, x86asm.JNO, x86asm.JNP, x86asm.JNS, x86asm.JO,
		x86asm.JP, x86asm.JS, x86asm.JCXZ, x86asm.JECXZ, x86asm.JRCXZ:
		rec.IsBranch = true
		rec.Conditional = true
	default:
		return
	}

	for _, arg := range inst.Args {
		rel, ok := arg.(x86asm.Rel)
		if !ok {
			continue
		}
		target := int64(ip) + int64(inst.Len) + int64(rel)
		if target < 0 {
			rec.IsBranch = false
			return
		}
		rec.BranchTargetRVA = uint64(target)
		return
	}
	// A branch instruction without a Rel argument is indirect (register or
	// memory operand); the fixer must not treat it as a near branch.
	rec.IsBranch = false
}

// classifyRipRelative tags instructions whose memory operand is
// RIP-relative (x86asm represents these as a Mem arg whose Base is RIP
// while Inst.PCRel reports the displacement's width), recording the
// absolute RVA the operand resolves to so relocation can hold it fixed.
func classifyRipRelative(rec *ir.InstructionRecord, ip uint64) {
	if rec.Decoded.PCRel == 0 {
		return
	}
	for _, arg := range rec.Decoded.Args {
		m, ok := arg.(x86asm.Mem)
		if !ok || m.Base != x86asm.RIP || m.Index != 0 {
			continue
		}
		rec.RipRelative = true
		rec.RipTargetAbs = uint64(int64(ip) + int64(rec.Decoded.Len) + m.Disp)
		return
	}
}
