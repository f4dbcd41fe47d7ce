// Package encode is the Encoder half of Layout & Encoder (spec component
// C8). synth.go turns an ir.Synth description into raw bytes by hand,
// following the manual REX/ModRM/SIB construction style
// _examples/xyproto-vibe67 uses in mov.go/lea.go/push.go/or.go — there is
// no general x86-64 assembler anywhere in the retrieval pack, only
// golang.org/x/arch/x86/x86asm's decoder, so every instruction shape a
// pass can introduce is emitted by a dedicated function here.
package encode

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/vasie1337/bin-obfuscator/internal/ir"
)

// regField returns the 3-bit ModRM/opcode register field and whether the
// register needs the REX extension bit set, for the 16 64-bit GPRs this
// pipeline ever touches.
func regField(r x86asm.Reg) (field uint8, ext bool, ok bool) {
	switch r {
	case x86asm.RAX:
		return 0, false, true
	case x86asm.RCX:
		return 1, false, true
	case x86asm.RDX:
		return 2, false, true
	case x86asm.RBX:
		return 3, false, true
	case x86asm.RSP:
		return 4, false, true
	case x86asm.RBP:
		return 5, false, true
	case x86asm.RSI:
		return 6, false, true
	case x86asm.RDI:
		return 7, false, true
	case x86asm.R8:
		return 0, true, true
	case x86asm.R9:
		return 1, true, true
	case x86asm.R10:
		return 2, true, true
	case x86asm.R11:
		return 3, true, true
	case x86asm.R12:
		return 4, true, true
	case x86asm.R13:
		return 5, true, true
	case x86asm.R14:
		return 6, true, true
	case x86asm.R15:
		return 7, true, true
	}
	return 0, false, false
}

func rex(w bool, r, x, b bool) byte {
	v := byte(0x40)
	if w {
		v |= 0x08
	}
	if r {
		v |= 0x04
	}
	if x {
		v |= 0x02
	}
	if b {
		v |= 0x01
	}
	return v
}

func modrm(mod, reg, rm uint8) byte {
	return mod<<6 | (reg&7)<<3 | (rm & 7)
}

// memOperand encodes a [base+disp32] addressing form into ModRM (+SIB if
// base needs one) (+ 4 little-endian displacement bytes). mod is always
// 0b10 (disp32) regardless of whether disp is small, which sidesteps the
// mod=00/rm=101 RIP-relative special case and the RBP/R13-needs-disp
// special case at the cost of four extra bytes — acceptable here since
// these sequences are never size-sensitive.
func memOperand(regBits uint8, base x86asm.Reg, disp int32) ([]byte, bool, error) {
	baseBits, baseExt, ok := regField(base)
	if !ok {
		return nil, false, fmt.Errorf("encode: unsupported base register %v", base)
	}
	out := []byte{modrm(0b10, regBits, baseBits)}
	if baseBits == 4 { // RSP or R12: SIB required, no index
		out = append(out, 0x24)
	}
	var dispBytes [4]byte
	binary.LittleEndian.PutUint32(dispBytes[:], uint32(disp))
	out = append(out, dispBytes[:]...)
	return out, baseExt, nil
}

// Synthesize renders one synthesized instruction to bytes.
func Synthesize(s ir.Synth) ([]byte, error) {
	switch s.Op {
	case ir.SynthXorRR:
		return emitRR(0x31, s.Dst, s.Src)
	case ir.SynthClc:
		return []byte{0xF8}, nil
	case ir.SynthAdcxRR:
		return emitAdcx(s.Dst, s.Src)
	case ir.SynthPushfq:
		return []byte{0x9C}, nil
	case ir.SynthPopfq:
		return []byte{0x9D}, nil
	case ir.SynthLeaRM:
		return emitLea(s.Dst, s.Base, s.Disp)
	case ir.SynthSubRImm32:
		return emitRImm32(0b101, s.Dst, int32(s.Imm))
	case ir.SynthNegR:
		return emitUnary(0b011, s.Dst)
	case ir.SynthAndRR:
		return emitRR(0x21, s.Dst, s.Src)
	case ir.SynthSubRR:
		return emitRR(0x29, s.Dst, s.Src)
	case ir.SynthAdcRImm8:
		return emitRImm8(0b010, s.Dst, int8(s.Imm))
	case ir.SynthSbbRImm8:
		return emitRImm8(0b011, s.Dst, int8(s.Imm))
	case ir.SynthMovMemR:
		return emitMovMemReg(s.Base, s.Disp, s.Src)
	case ir.SynthSubRspImm8:
		return emitRspImm8(0b101, int8(s.Imm))
	case ir.SynthAddRspImm8:
		return emitRspImm8(0b000, int8(s.Imm))
	case ir.SynthPushR:
		return emitPushPopR(0x50, s.Src)
	case ir.SynthPopR:
		return emitPushPopR(0x58, s.Src)
	case ir.SynthPopMem:
		return emitPopMem(s.Base, s.Disp)
	case ir.SynthAddRMem:
		return emitRegMem(0x03, s.Dst, s.Base, s.Disp)
	case ir.SynthXorRMemRsp:
		return emitRegMem(0x33, s.Dst, x86asm.RSP, 0)
	case ir.SynthMovRFromMemBase:
		return emitRegMem(0x8B, s.Dst, s.Base, s.Disp)
	case ir.SynthMovMemBaseFromR:
		return emitMovMemReg(s.Base, s.Disp, s.Src)
	case ir.SynthNop:
		return []byte{0x90}, nil
	case ir.SynthBtMemRspImm8:
		return emitBtMemRspImm8(uint8(s.Imm))
	}
	return nil, fmt.Errorf("encode: unknown synth op %d", s.Op)
}

// emitRR encodes "<op> r/m64, r64": opcode /r, ModRM mod=11, reg=src,
// rm=dst. Used for XOR, AND, SUB in their register/register forms.
func emitRR(opcode byte, dst, src x86asm.Reg) ([]byte, error) {
	dstBits, dstExt, ok := regField(dst)
	if !ok {
		return nil, fmt.Errorf("encode: bad dst register %v", dst)
	}
	srcBits, srcExt, ok := regField(src)
	if !ok {
		return nil, fmt.Errorf("encode: bad src register %v", src)
	}
	return []byte{
		rex(true, srcExt, false, dstExt),
		opcode,
		modrm(0b11, srcBits, dstBits),
	}, nil
}

// emitAdcx encodes "ADCX r64, r/m64" (66 REX.W 0F 38 F6 /r), reg=dst,
// rm=src, both register-direct.
func emitAdcx(dst, src x86asm.Reg) ([]byte, error) {
	dstBits, dstExt, ok := regField(dst)
	if !ok {
		return nil, fmt.Errorf("encode: bad dst register %v", dst)
	}
	srcBits, srcExt, ok := regField(src)
	if !ok {
		return nil, fmt.Errorf("encode: bad src register %v", src)
	}
	return []byte{
		0x66,
		rex(true, dstExt, false, srcExt),
		0x0F, 0x38, 0xF6,
		modrm(0b11, dstBits, srcBits),
	}, nil
}

// emitLea encodes "LEA r64, [base+disp32]" (opcode 0x8D /r).
func emitLea(dst, base x86asm.Reg, disp int32) ([]byte, error) {
	dstBits, dstExt, ok := regField(dst)
	if !ok {
		return nil, fmt.Errorf("encode: bad dst register %v", dst)
	}
	memBytes, baseExt, err := memOperand(dstBits, base, disp)
	if err != nil {
		return nil, err
	}
	out := []byte{rex(true, dstExt, false, baseExt), 0x8D}
	return append(out, memBytes...), nil
}

// emitRImm32 encodes "<ext> r/m64, imm32" (opcode 0x81 /ext id), used for
// the LEA-correction SUB.
func emitRImm32(ext uint8, dst x86asm.Reg, imm int32) ([]byte, error) {
	dstBits, dstExt, ok := regField(dst)
	if !ok {
		return nil, fmt.Errorf("encode: bad dst register %v", dst)
	}
	out := []byte{rex(true, false, false, dstExt), 0x81, modrm(0b11, ext, dstBits)}
	var immBytes [4]byte
	binary.LittleEndian.PutUint32(immBytes[:], uint32(imm))
	return append(out, immBytes[:]...), nil
}

// emitUnary encodes "<ext> r/m64" group-3 unary ops (opcode 0xF7 /ext),
// used for NEG.
func emitUnary(ext uint8, dst x86asm.Reg) ([]byte, error) {
	dstBits, dstExt, ok := regField(dst)
	if !ok {
		return nil, fmt.Errorf("encode: bad dst register %v", dst)
	}
	return []byte{rex(true, false, false, dstExt), 0xF7, modrm(0b11, ext, dstBits)}, nil
}

// emitRImm8 encodes "<ext> r/m64, imm8" (opcode 0x83 /ext ib, sign
// extended), used for ADC/SBB in the INC/DEC templates.
func emitRImm8(ext uint8, dst x86asm.Reg, imm int8) ([]byte, error) {
	dstBits, dstExt, ok := regField(dst)
	if !ok {
		return nil, fmt.Errorf("encode: bad dst register %v", dst)
	}
	return []byte{rex(true, false, false, dstExt), 0x83, modrm(0b11, ext, dstBits), byte(imm)}, nil
}

// emitRspImm8 encodes "<ext> RSP, imm8" (opcode 0x83 /ext ib), used for
// the explicit-PUSH template's stack pointer adjustment.
func emitRspImm8(ext uint8, imm int8) ([]byte, error) {
	return []byte{rex(true, false, false, false), 0x83, modrm(0b11, ext, 4), byte(imm)}, nil
}

// emitMovMemReg encodes "MOV [base+disp32], r64" (opcode 0x89 /r).
func emitMovMemReg(base x86asm.Reg, disp int32, src x86asm.Reg) ([]byte, error) {
	srcBits, srcExt, ok := regField(src)
	if !ok {
		return nil, fmt.Errorf("encode: bad src register %v", src)
	}
	memBytes, baseExt, err := memOperand(srcBits, base, disp)
	if err != nil {
		return nil, err
	}
	out := []byte{rex(true, srcExt, false, baseExt), 0x89}
	return append(out, memBytes...), nil
}

// emitRegMem encodes "<op> r64, [base+disp32]" (opcode /r, reg=dst,
// rm=mem), used for ADD r64,[mem], MOV r64,[mem], and XOR r64,[mem].
func emitRegMem(opcode byte, dst, base x86asm.Reg, disp int32) ([]byte, error) {
	dstBits, dstExt, ok := regField(dst)
	if !ok {
		return nil, fmt.Errorf("encode: bad dst register %v", dst)
	}
	memBytes, baseExt, err := memOperand(dstBits, base, disp)
	if err != nil {
		return nil, err
	}
	out := []byte{rex(true, dstExt, false, baseExt), opcode}
	return append(out, memBytes...), nil
}

// emitPushPopR encodes the compact "PUSH/POP r64" form (opcode base+r),
// with REX.B when the register is extended. No REX.W: push/pop default to
// 64-bit operand size in long mode.
func emitPushPopR(opcodeBase byte, r x86asm.Reg) ([]byte, error) {
	bits, ext, ok := regField(r)
	if !ok {
		return nil, fmt.Errorf("encode: bad register %v", r)
	}
	if ext {
		return []byte{0x41, opcodeBase + bits}, nil
	}
	return []byte{opcodeBase + bits}, nil
}

// emitBtMemRspImm8 encodes "BT [RSP], imm8" (REX.W 0F BA /4 ib): tests one
// bit of the qword at [RSP] into CF and leaves every other flag alone,
// mirroring ADCX/ADOX's single-flag-touch idiom elsewhere in this package.
func emitBtMemRspImm8(bit uint8) ([]byte, error) {
	memBytes, baseExt, err := memOperand(4, x86asm.RSP, 0)
	if err != nil {
		return nil, err
	}
	out := []byte{rex(true, false, false, baseExt), 0x0F, 0xBA}
	out = append(out, memBytes...)
	return append(out, bit), nil
}

// emitPopMem encodes "POP r/m64" (opcode 0x8F /0).
func emitPopMem(base x86asm.Reg, disp int32) ([]byte, error) {
	memBytes, baseExt, err := memOperand(0, base, disp)
	if err != nil {
		return nil, err
	}
	var out []byte
	if baseExt {
		out = []byte{0x41, 0x8F}
	} else {
		out = []byte{0x8F}
	}
	return append(out, memBytes...), nil
}
