package passes

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/vasie1337/bin-obfuscator/internal/ir"
)

// leaMaskConstant is the additive mask the LEA template uses to disguise a
// displacement: LEA computes dst = base + (disp + leaMaskConstant), then a
// flag-preserving SUB removes the mask, matching the additive offset the
// Rust source's opaque LEA template applies before correcting it back.
const leaMaskConstant = 0xEFA7

// MutationPass rewrites a fixed set of instruction shapes into
// behaviorally equivalent, longer sequences, per spec section 4.6.
// Anything not matching one of these shapes passes through unchanged.
// Grounded on original_source/crates/core/src/passes/mutation.go and, for
// the LEA/OR shapes the plain mutation pass doesn't cover in the Rust
// source, opaque_branches_pass.rs (both passes share the same template
// set for register-only operands).
type MutationPass struct{}

func (p *MutationPass) Name() string           { return "mutation" }
func (p *MutationPass) EnabledByDefault() bool { return true }

func (p *MutationPass) Apply(fn *ir.Function) error {
	ids := make([]uint64, len(fn.Instructions))
	for i, rec := range fn.Instructions {
		ids[i] = rec.ID
	}
	for _, id := range ids {
		idx := fn.IndexOf(id)
		if idx < 0 {
			continue // a prior template in this pass already consumed it
		}
		rec := fn.Instructions[idx]
		if rec.Kind != ir.KindVerbatim || rec.IsBranch {
			continue
		}
		if applyTemplate(fn, rec) {
			continue
		}
	}
	return nil
}

// applyTemplate tries every template in spec order and returns true if one
// matched and fn was mutated.
func applyTemplate(fn *ir.Function, rec ir.InstructionRecord) bool {
	inst := rec.Decoded
	switch inst.Op {
	case x86asm.MOV:
		return applyMov(fn, rec)
	case x86asm.LEA:
		return applyLea(fn, rec)
	case x86asm.ADD:
		return applyAdd(fn, rec)
	case x86asm.OR:
		return applyOr(fn, rec)
	case x86asm.INC:
		return applyIncDec(fn, rec, true)
	case x86asm.DEC:
		return applyIncDec(fn, rec, false)
	case x86asm.PUSH:
		return applyPush(fn, rec)
	}
	return false
}

func reg64(arg x86asm.Arg) (x86asm.Reg, bool) {
	r, ok := arg.(x86asm.Reg)
	if !ok {
		return 0, false
	}
	if !is64(r) {
		return 0, false
	}
	return r, true
}

func is64(r x86asm.Reg) bool {
	switch r {
	case x86asm.RAX, x86asm.RCX, x86asm.RDX, x86asm.RBX, x86asm.RSP, x86asm.RBP, x86asm.RSI, x86asm.RDI,
		x86asm.R8, x86asm.R9, x86asm.R10, x86asm.R11, x86asm.R12, x86asm.R13, x86asm.R14, x86asm.R15:
		return true
	}
	return false
}

func mem(arg x86asm.Arg) (x86asm.Mem, bool) {
	m, ok := arg.(x86asm.Mem)
	return m, ok
}

// regInMem reports whether r is used as the mem operand's base or index,
// i.e. zeroing r before reading mem would corrupt the address.
func regInMem(r x86asm.Reg, m x86asm.Mem) bool {
	return m.Base == r || m.Index == r
}

func synthRec(kind ir.SynthOp, dst, src, base x86asm.Reg, disp int32, imm int64) ir.InstructionRecord {
	return ir.InstructionRecord{
		Kind:  ir.KindSynth,
		Synth: ir.Synth{Op: kind, Dst: dst, Src: src, Base: base, Disp: disp, Imm: imm},
	}
}

// applyMov handles all three MOV shapes the spec enumerates: reg<-reg,
// reg<-mem, mem<-reg.
func applyMov(fn *ir.Function, rec ir.InstructionRecord) bool {
	if len(rec.Decoded.Args) < 2 || rec.Decoded.Args[0] == nil || rec.Decoded.Args[1] == nil {
		return false
	}
	dstArg, srcArg := rec.Decoded.Args[0], rec.Decoded.Args[1]

	if dst, ok := reg64(dstArg); ok {
		if src, ok := reg64(srcArg); ok {
			if src == dst {
				return false // alias guard: XOR dst,dst would clear src before ADCX reads it
			}
			// MOV r64,r64 -> XOR dst,dst ; CLC ; ADCX dst,src
			return fn.Replace(rec.ID, []ir.InstructionRecord{
				synthRec(ir.SynthXorRR, dst, dst, 0, 0, 0),
				synthRec(ir.SynthClc, 0, 0, 0, 0, 0),
				synthRec(ir.SynthAdcxRR, dst, src, 0, 0, 0),
			}, 0)
		}
		if m, ok := mem(srcArg); ok {
			if !is64(m.Base) || m.Index != 0 {
				return false // only plain [base+disp] addressing is supported here
			}
			if regInMem(dst, m) {
				return false // alias guard: zeroing dst would corrupt the address
			}
			// MOV r64,[mem] -> XOR dst,dst ; ADD dst,[mem]
			return fn.Replace(rec.ID, []ir.InstructionRecord{
				synthRec(ir.SynthXorRR, dst, dst, 0, 0, 0),
				synthRec(ir.SynthAddRMem, dst, 0, m.Base, int32(m.Disp), 0),
			}, 0)
		}
		return false
	}

	if m, ok := mem(dstArg); ok {
		if src, ok := reg64(srcArg); ok {
			if !is64(m.Base) || m.Index != 0 {
				return false // only plain [base+disp] addressing is supported here
			}
			if m.Base == x86asm.RSP || m.Index == x86asm.RSP {
				return false // alias guard: PUSH would shift RSP under a stack-relative address
			}
			// MOV [mem],r64 -> PUSH src ; POP [mem]
			return fn.Replace(rec.ID, []ir.InstructionRecord{
				synthRec(ir.SynthPushR, 0, src, 0, 0, 0),
				synthRec(ir.SynthPopMem, 0, 0, m.Base, int32(m.Disp), 0),
			}, 0)
		}
	}
	return false
}

// applyLea handles LEA r64,[base+disp] with a nonzero displacement by
// masking the displacement and correcting it with a flag-preserving SUB.
func applyLea(fn *ir.Function, rec ir.InstructionRecord) bool {
	if len(rec.Decoded.Args) < 2 {
		return false
	}
	dst, ok := reg64(rec.Decoded.Args[0])
	if !ok {
		return false
	}
	m, ok := mem(rec.Decoded.Args[1])
	if !ok || m.Disp == 0 || !is64(m.Base) || m.Index != 0 {
		return false
	}
	if dst == x86asm.RSP {
		return false // alias guard: PUSHFQ would push onto the address this LEA is computing
	}
	return fn.Replace(rec.ID, []ir.InstructionRecord{
		synthRec(ir.SynthLeaRM, dst, 0, m.Base, int32(m.Disp)+leaMaskConstant, 0),
		synthRec(ir.SynthPushfq, 0, 0, 0, 0, 0),
		synthRec(ir.SynthSubRImm32, dst, 0, 0, 0, leaMaskConstant),
		synthRec(ir.SynthPopfq, 0, 0, 0, 0, 0),
	}, 0)
}

// applyAdd handles ADD r64,r64 via dst = -(-dst - src) = dst + src, using
// NEG twice and SUB once so no direct ADD survives in the output.
func applyAdd(fn *ir.Function, rec ir.InstructionRecord) bool {
	if len(rec.Decoded.Args) < 2 {
		return false
	}
	dst, ok := reg64(rec.Decoded.Args[0])
	if !ok {
		return false
	}
	src, ok := reg64(rec.Decoded.Args[1])
	if !ok {
		return false
	}
	if src == dst {
		return false // alias guard: NEG dst would also negate src before SUB reads it
	}
	return fn.Replace(rec.ID, []ir.InstructionRecord{
		synthRec(ir.SynthNegR, dst, 0, 0, 0, 0),
		synthRec(ir.SynthSubRR, dst, src, 0, 0, 0),
		synthRec(ir.SynthNegR, dst, 0, 0, 0, 0),
	}, 0)
}

// applyOr implements a|b without an OR instruction via
// a|b == (a&b) ^ a ^ b, using the stack to hold a spare copy of the
// original dst since only two registers are available (spec.md section 9
// open question 2; see DESIGN.md for the derivation):
//
//	PUSH dst ; AND dst,src ; XOR dst,src ; XOR dst,[RSP] ; ADD RSP,8
func applyOr(fn *ir.Function, rec ir.InstructionRecord) bool {
	if len(rec.Decoded.Args) < 2 {
		return false
	}
	dst, ok := reg64(rec.Decoded.Args[0])
	if !ok {
		return false
	}
	src, ok := reg64(rec.Decoded.Args[1])
	if !ok {
		return false
	}
	if dst == x86asm.RSP || src == x86asm.RSP {
		return false // alias guard: PUSH dst shifts RSP before src/dst are read
	}
	return fn.Replace(rec.ID, []ir.InstructionRecord{
		synthRec(ir.SynthPushR, 0, dst, 0, 0, 0),
		synthRec(ir.SynthAndRR, dst, src, 0, 0, 0),
		synthRec(ir.SynthXorRR, dst, src, 0, 0, 0),
		synthRec(ir.SynthXorRMemRsp, dst, 0, x86asm.RSP, 0, 0),
		synthRec(ir.SynthAddRspImm8, 0, 0, 0, 0, 8),
	}, 0)
}

// applyIncDec replaces INC/DEC with a flag-save/restore wrapped ADC/SBB so
// the value-producing opcode in the stream is never INC or DEC.
//
// ADC/SBB with CLC ahead of it produces exactly the OF/SF/ZF/AF/PF an
// INC/DEC would, since both share the same result-flags algorithm and only
// differ in whether CF is an input: the CLC pins the carry-in at 0 so the
// ADC/SBB's arithmetic matches INC/DEC's unconditional +1/-1. CF itself
// comes out wrong (set from the addition's own carry-out, where INC/DEC
// never touch CF at all), so a bare PUSHFQ/POPFQ bracket would discard the
// correct OF/SF/ZF/AF/PF just computed and restore the stale pre-instruction
// flags instead. Instead, PUSHFQ's saved copy is read back bit-by-bit with
// BT, which only ever writes CF, so the ADC/SBB's other flags survive. The
// saved copy is then released with LEA RSP,[RSP+8], which leaves every flag
// as it is.
func applyIncDec(fn *ir.Function, rec ir.InstructionRecord, isInc bool) bool {
	if len(rec.Decoded.Args) < 1 {
		return false
	}
	dst, ok := reg64(rec.Decoded.Args[0])
	if !ok {
		return false
	}
	if dst == x86asm.RSP {
		return false // alias guard: PUSHFQ would shift RSP before the ADC/SBB runs against it
	}
	core := ir.SynthAdcRImm8
	if !isInc {
		core = ir.SynthSbbRImm8
	}
	return fn.Replace(rec.ID, []ir.InstructionRecord{
		synthRec(ir.SynthPushfq, 0, 0, 0, 0, 0),
		synthRec(ir.SynthClc, 0, 0, 0, 0, 0),
		synthRec(core, dst, 0, 0, 0, 1),
		synthRec(ir.SynthBtMemRspImm8, 0, 0, 0, 0, 0),
		synthRec(ir.SynthLeaRM, x86asm.RSP, 0, x86asm.RSP, 8, 0),
	}, 0)
}

// applyPush replaces PUSH r64 with an explicit write below the stack
// pointer followed by the pointer adjustment, so no PUSH opcode survives.
func applyPush(fn *ir.Function, rec ir.InstructionRecord) bool {
	if len(rec.Decoded.Args) < 1 {
		return false
	}
	src, ok := reg64(rec.Decoded.Args[0])
	if !ok {
		return false
	}
	return fn.Replace(rec.ID, []ir.InstructionRecord{
		synthRec(ir.SynthMovMemR, 0, src, x86asm.RSP, -8, 0),
		synthRec(ir.SynthSubRspImm8, 0, 0, 0, 0, 8),
	}, 0)
}
