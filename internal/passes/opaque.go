package passes

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/vasie1337/bin-obfuscator/internal/ir"
)

// opaqueScratch is the register this pass routes memory accesses through.
// R11 is a safe choice for hand-written shellcode-style rewriting: it is
// caller-saved and never used for argument or return-value passing in the
// Microsoft x64 calling convention, so clobbering it across a two or
// three-instruction window here doesn't require saving it for a caller.
const opaqueScratch = x86asm.R11

// OpaquePass is the opt-in second rewrite stage (SPEC_FULL section 12.2),
// grounded on original_source/crates/core/src/passes/opaque_branches_pass.rs.
// The Rust source's name notwithstanding, its register-operand templates
// never introduce a real new control-flow edge; they route a memory access
// through a scratch register so the effective address is computed away
// from the instruction that consumes it. This pass ports exactly that: no
// new BranchEdge is ever created by a pass in this pipeline, so the branch
// fixer only ever deals with edges Build captured straight from decode.
type OpaquePass struct{}

func (p *OpaquePass) Name() string          { return "opaque" }
func (p *OpaquePass) EnabledByDefault() bool { return false }

func (p *OpaquePass) Apply(fn *ir.Function) error {
	ids := make([]uint64, len(fn.Instructions))
	for i, rec := range fn.Instructions {
		ids[i] = rec.ID
	}
	for _, id := range ids {
		idx := fn.IndexOf(id)
		if idx < 0 {
			continue
		}
		rec := fn.Instructions[idx]
		if rec.Kind != ir.KindVerbatim || rec.IsBranch || rec.Decoded.Op != x86asm.MOV {
			continue
		}
		applyOpaqueMov(fn, rec)
	}
	return nil
}

func applyOpaqueMov(fn *ir.Function, rec ir.InstructionRecord) bool {
	if len(rec.Decoded.Args) < 2 {
		return false
	}
	dstArg, srcArg := rec.Decoded.Args[0], rec.Decoded.Args[1]

	if dst, ok := reg64(dstArg); ok {
		if m, ok := mem(srcArg); ok {
			if !is64(m.Base) || m.Index != 0 {
				return false
			}
			if regInMem(opaqueScratch, m) || dst == opaqueScratch || m.Base == x86asm.RSP {
				return false // alias guard: PUSH opaqueScratch shifts RSP before the LEA reads it as a base
			}
			return fn.Replace(rec.ID, []ir.InstructionRecord{
				synthRec(ir.SynthPushR, 0, opaqueScratch, 0, 0, 0),
				synthRec(ir.SynthLeaRM, opaqueScratch, 0, m.Base, int32(m.Disp), 0),
				synthRec(ir.SynthMovRFromMemBase, dst, 0, opaqueScratch, 0, 0),
				synthRec(ir.SynthPopR, 0, opaqueScratch, 0, 0, 0),
			}, 0)
		}
		return false
	}

	if m, ok := mem(dstArg); ok {
		if src, ok := reg64(srcArg); ok {
			if !is64(m.Base) || m.Index != 0 {
				return false
			}
			if regInMem(opaqueScratch, m) || src == opaqueScratch || m.Base == x86asm.RSP {
				return false // alias guard: PUSH opaqueScratch shifts RSP before the LEA reads it as a base
			}
			return fn.Replace(rec.ID, []ir.InstructionRecord{
				synthRec(ir.SynthPushR, 0, opaqueScratch, 0, 0, 0),
				synthRec(ir.SynthLeaRM, opaqueScratch, 0, m.Base, int32(m.Disp), 0),
				synthRec(ir.SynthMovMemBaseFromR, 0, src, opaqueScratch, 0, 0),
				synthRec(ir.SynthPopR, 0, opaqueScratch, 0, 0, 0),
			}, 0)
		}
	}
	return false
}
