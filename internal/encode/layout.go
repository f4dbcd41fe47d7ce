// layout.go implements the Layout half of spec component C8: a
// deterministic seeded shuffle of function order (SPEC_FULL section 12.1,
// replacing original_source/crates/core/src/compiler.rs's
// rand::thread_rng() shuffle with a reproducible one), single-pass IP
// assignment per function, and the merged-section byte buffer the patcher
// appends as a new executable section.
package encode

import (
	"fmt"
	"math/rand/v2"

	"github.com/vasie1337/bin-obfuscator/internal/branch"
	"github.com/vasie1337/bin-obfuscator/internal/ir"
	"github.com/vasie1337/bin-obfuscator/internal/obferr"
	"github.com/vasie1337/bin-obfuscator/internal/obflog"
)

var log = obflog.For("encode")

// Result is one function's final placement: its new RVA, size, and
// encoded bytes, ready to be copied into the new section and to drive the
// trampoline patch at its original location.
type Result struct {
	Function *ir.Function
	NewRVA   uint32
	Size     uint32
	Bytes    []byte
}

// Shuffle reorders fns in place using a PCG generator seeded
// deterministically, so the same seed always produces the same function
// order — unlike the Rust source's thread_rng(), which makes every run's
// layout unreproducible.
func Shuffle(fns []*ir.Function, seed uint64) {
	r := rand.New(rand.NewPCG(seed, seed^0x9E3779B97F4A7C15))
	r.Shuffle(len(fns), func(i, j int) { fns[i], fns[j] = fns[j], fns[i] })
}

// Layout lays every function out back to back starting at startRVA, in the
// order fns is already in (call Shuffle first if randomized order is
// wanted), fixing branches and RIP-relative operands as it goes. It
// returns one Result per function plus the concatenated section bytes.
func Layout(fns []*ir.Function, startRVA uint32) ([]Result, []byte, error) {
	cursor := startRVA
	results := make([]Result, 0, len(fns))
	var merged []byte

	for _, fn := range fns {
		branch.PromoteAll(fn)
		assignIPs(fn, cursor)

		if err := branch.Fix(fn); err != nil {
			return nil, nil, obferr.EncodeFailed(fn.Name, "branch fixup failed", err)
		}

		bytes, err := materialize(fn)
		if err != nil {
			return nil, nil, obferr.EncodeFailed(fn.Name, "failed to materialize encoded bytes", err)
		}

		results = append(results, Result{Function: fn, NewRVA: cursor, Size: uint32(len(bytes)), Bytes: bytes})
		merged = append(merged, bytes...)
		log.Debug("laid out function", "function", fn.Name, "rva", fmt.Sprintf("0x%x", cursor), "size", len(bytes))
		cursor += uint32(len(bytes))
	}

	return results, merged, nil
}

// assignIPs walks fn's current instruction stream in order, assigning
// each record an IP starting at startRVA and computing the length of any
// record whose final size isn't already known (synthesized instructions).
func assignIPs(fn *ir.Function, startRVA uint32) {
	cursor := uint64(startRVA)
	for i := range fn.Instructions {
		rec := &fn.Instructions[i]
		rec.IP = cursor
		if rec.Kind == ir.KindSynth {
			bytes, err := Synthesize(rec.Synth)
			if err != nil {
				// Synthesize only fails on a malformed Synth value, which
				// is a programming error in a pass, not a runtime
				// condition; fall back to a single-byte NOP so layout
				// stays internally consistent and the error surfaces
				// loudly in the rendered output instead of corrupting
				// every later offset in the function.
				log.Error("failed to synthesize instruction, emitting NOP", "function", fn.Name, "error", err)
				bytes = []byte{0x90}
			}
			rec.EncodedBytes = bytes
			rec.Len = len(bytes)
		}
		cursor += uint64(rec.Len)
	}
}

// materialize renders fn's final instruction stream to bytes, after IPs
// and branch displacements are settled.
func materialize(fn *ir.Function) ([]byte, error) {
	sources := make(map[uint64]bool, len(fn.Branches))
	for _, e := range fn.Branches {
		sources[e.SourceID] = true
	}

	out := make([]byte, 0, fn.Size)
	for _, rec := range fn.Instructions {
		switch {
		case rec.Kind == ir.KindSynth:
			out = append(out, rec.EncodedBytes...)
		case rec.IsBranch && sources[rec.ID]:
			bytes, err := EncodeBranch(rec)
			if err != nil {
				return nil, err
			}
			if len(bytes) != rec.Len {
				return nil, fmt.Errorf("branch at ip 0x%x encoded to %d bytes, expected %d", rec.IP, len(bytes), rec.Len)
			}
			out = append(out, bytes...)
		case rec.RipRelative:
			bytes, err := patchRipRelative(rec)
			if err != nil {
				return nil, err
			}
			out = append(out, bytes...)
		default:
			out = append(out, rec.Raw...)
		}
	}
	return out, nil
}

// patchRipRelative rewrites the displacement bytes of a RIP-relative
// memory operand in place so the operand still resolves to its original
// absolute target after the instruction has moved, using the same
// PCRel/PCRelOff-driven patch spec section 4.8 describes. The
// displacement field for RIP-relative addressing is always 4 bytes wide
// (mod=00, rm=101 is disp32-only), so this never changes the instruction's
// length.
func patchRipRelative(rec ir.InstructionRecord) ([]byte, error) {
	if rec.Decoded.PCRel == 0 || rec.Decoded.PCRel > 4 {
		return append([]byte(nil), rec.Raw...), nil
	}
	newDisp := int64(rec.RipTargetAbs) - int64(rec.IP) - int64(rec.Len)
	if newDisp < -(1<<31) || newDisp >= (1<<31) {
		return nil, fmt.Errorf("rip-relative operand at ip 0x%x needs a displacement out of range", rec.IP)
	}
	out := append([]byte(nil), rec.Raw...)
	off := rec.Decoded.PCRelOff
	width := rec.Decoded.PCRel
	if off < 0 || off+width > len(out) {
		return nil, fmt.Errorf("rip-relative operand at ip 0x%x has an out-of-range PCRelOff", rec.IP)
	}
	v := uint32(int32(newDisp))
	for i := 0; i < width; i++ {
		out[off+i] = byte(v >> (8 * i))
	}
	return out, nil
}
