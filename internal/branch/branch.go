// Package branch is the Branch Fixer (spec component C7). It has three
// steps: Build scans a freshly-decoded function for near branches whose
// target lands inside the function and records them as ir.BranchEdge
// values addressed by instruction id; PromoteAll fixes every branch's
// final encoded length before layout assigns any IPs, so layout never
// needs a second pass to re-stabilize a shrunk-then-grown instruction; Fix
// runs after layout has assigned every instruction an IP and rewrites each
// branch's displacement to reach its (possibly moved) target again.
// Grounded on original_source/crates/core/src/branches.rs's BranchManager.
package branch

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/vasie1337/bin-obfuscator/internal/ir"
	"github.com/vasie1337/bin-obfuscator/internal/obflog"
)

var log = obflog.For("branch")

// Build scans fn's current instruction stream for near branches and
// records one BranchEdge per branch whose target resolves to another
// instruction inside the same function. A branch whose target lands
// outside the function is skipped without a log line; one whose target is
// inside the function but on a byte offset that isn't the start of any
// decoded instruction is dropped with a warning. In both cases its bytes are left
// exactly as decoded and the encoder re-emits it verbatim, its original
// (verbatim, absolute) target untouched, matching the Rust source's
// behavior of logging and discarding rather than failing the run.
func Build(fn *ir.Function) {
	fn.Branches = fn.Branches[:0]
	for _, src := range fn.Instructions {
		if !src.IsBranch {
			continue
		}
		if src.BranchTargetRVA < uint64(fn.RVA) || src.BranchTargetRVA >= uint64(fn.RVA)+uint64(fn.Size) {
			continue
		}
		targetID, ok := findByIP(fn, src.BranchTargetRVA)
		if !ok {
			log.Warn("branch target does not land on an instruction boundary, leaving verbatim",
				"function", fn.Name, "target", fmt.Sprintf("0x%x", src.BranchTargetRVA))
			continue
		}
		fn.Branches = append(fn.Branches, ir.BranchEdge{
			SourceID:          src.ID,
			TargetID:          targetID,
			OriginalTargetRVA: src.BranchTargetRVA,
		})
	}
	log.Trace("built branch map", "function", fn.Name, "edges", len(fn.Branches))
}

func findByIP(fn *ir.Function, ip uint64) (uint64, bool) {
	for _, rec := range fn.Instructions {
		if rec.IP == ip {
			return rec.ID, true
		}
	}
	return 0, false
}

// isCXZ reports whether op is one of the CX/ECX/RCX-is-zero branches,
// which the x86-64 ISA only ever encodes with an 8-bit displacement: there
// is no 32-bit-displacement JCXZ/JECXZ/JRCXZ opcode to promote to.
func isCXZ(op x86asm.Op) bool {
	switch op {
	case x86asm.JCXZ, x86asm.JECXZ, x86asm.JRCXZ:
		return true
	}
	return false
}

// Rel32Length returns the encoded length of op's 32-bit-displacement near
// form: 5 bytes for JMP (0xE9 rel32), 6 for any of the 16 flag-based Jcc
// (0x0F 0x8x rel32).
func Rel32Length(op x86asm.Op) int {
	if op == x86asm.JMP {
		return 5
	}
	return 6
}

// PromoteAll fixes every tracked branch edge's source instruction length
// ahead of IP assignment. Every JMP/Jcc edge is unconditionally promoted to
// its rel32 form regardless of whether the eventual displacement would
// have fit a smaller encoding (spec section 4.7 explicitly allows this to
// avoid iterative length-stabilization). JCXZ/JECXZ/JRCXZ branches, which
// have no rel32 form, are left at their original length; Fix reports an
// error for one of these if the post-layout displacement doesn't fit rel8.
//
// Only records that are still sources of a live BranchEdge are touched: a
// branch Build dropped (target outside the function, or onto a
// non-instruction-boundary byte) keeps its original decoded length and is
// re-emitted verbatim, unpromoted, by the encoder.
func PromoteAll(fn *ir.Function) {
	sources := make(map[uint64]bool, len(fn.Branches))
	for _, e := range fn.Branches {
		sources[e.SourceID] = true
	}
	for i := range fn.Instructions {
		rec := &fn.Instructions[i]
		if !sources[rec.ID] || isCXZ(rec.Decoded.Op) {
			continue
		}
		rec.Len = Rel32Length(rec.Decoded.Op)
	}
}

// Fix rebinds every branch edge's operand to its target's current IP.
// Layout must have already assigned an IP to every instruction in fn
// (including freshly synthesized ones), and PromoteAll must have already
// run, before this is called.
func Fix(fn *ir.Function) error {
	for _, edge := range fn.Branches {
		srcIdx := fn.IndexOf(edge.SourceID)
		dstIdx := fn.IndexOf(edge.TargetID)
		if srcIdx < 0 || dstIdx < 0 {
			return fmt.Errorf("branch: dangling edge %d -> %d in function %s", edge.SourceID, edge.TargetID, fn.Name)
		}
		src := &fn.Instructions[srcIdx]
		dst := &fn.Instructions[dstIdx]

		disp := int64(dst.IP) - int64(src.IP) - int64(src.Len)
		if err := rebind(src, disp); err != nil {
			return fmt.Errorf("branch: function %s: %w", fn.Name, err)
		}
	}
	return nil
}

// rebind rewrites src's relative-branch argument to carry the new
// displacement. src.Len already reflects whichever form (short or rel32)
// PromoteAll decided on, so this only validates that disp fits that form —
// it never changes src.Len itself.
func rebind(src *ir.InstructionRecord, disp int64) error {
	for i, arg := range src.Decoded.Args {
		if _, ok := arg.(x86asm.Rel); !ok {
			continue
		}
		if isCXZ(src.Decoded.Op) || src.Len == 2 {
			if disp < -128 || disp > 127 {
				return fmt.Errorf("branch at ip 0x%x needs a %d-byte displacement but has no wider encoding", src.IP, disp)
			}
		} else if disp < -(1 << 31) || disp >= (1 << 31) {
			return fmt.Errorf("branch displacement %d at ip 0x%x exceeds rel32 range", disp, src.IP)
		}
		src.Decoded.Args[i] = x86asm.Rel(disp)
		return nil
	}
	return fmt.Errorf("instruction at ip 0x%x has no relative-branch operand to rebind", src.IP)
}
