package passes

import "github.com/vasie1337/bin-obfuscator/internal/ir"

// NopPass inserts Count single-byte NOPs between every adjacent pair of
// instructions (never after the last one, matching
// original_source/crates/core/src/passes/nop_pass.rs). It is opt-in
// (SPEC_FULL section 12.2): padding changes every downstream IP but never
// changes program semantics, so it is a pure stress test of the layout and
// branch-fixer machinery.
type NopPass struct {
	Count int
}

func (p *NopPass) Name() string          { return "nop" }
func (p *NopPass) EnabledByDefault() bool { return false }

func (p *NopPass) Apply(fn *ir.Function) error {
	if p.Count <= 0 {
		return nil
	}
	ids := make([]uint64, len(fn.Instructions))
	for i, rec := range fn.Instructions {
		ids[i] = rec.ID
	}
	// Insert after every id except the last, walking in reverse so earlier
	// insertions don't shift the "after" anchor for instructions we
	// haven't processed yet.
	for i := len(ids) - 2; i >= 0; i-- {
		for n := 0; n < p.Count; n++ {
			fn.InsertAfter(ids[i], ir.InstructionRecord{
				Kind:  ir.KindSynth,
				Synth: ir.Synth{Op: ir.SynthNop},
			})
		}
	}
	return nil
}
