package encode

import (
	"bytes"
	"testing"

	"golang.org/x/arch/x86/x86asm"

	"github.com/vasie1337/bin-obfuscator/internal/ir"
)

func verbatimFn(name string, rva uint32, raws ...[]byte) *ir.Function {
	fn := ir.NewFunction(name, rva, uint32(totalLen(raws)))
	var recs []ir.InstructionRecord
	for _, raw := range raws {
		recs = append(recs, ir.InstructionRecord{
			Kind: ir.KindVerbatim,
			Raw:  raw,
			Len:  len(raw),
		})
	}
	fn.SetDecoded(recs)
	return fn
}

func totalLen(raws [][]byte) int {
	n := 0
	for _, r := range raws {
		n += len(r)
	}
	return n
}

func TestLayoutPlacesFunctionsSequentially(t *testing.T) {
	f1 := verbatimFn("f1", 0x1000, []byte{0x90}, []byte{0xC3})
	f2 := verbatimFn("f2", 0x2000, []byte{0x48, 0x89, 0xC8}, []byte{0xC3})

	results, merged, err := Layout([]*ir.Function{f1, f2}, 0x6000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].NewRVA != 0x6000 {
		t.Errorf("f1 rva = 0x%x, want 0x6000", results[0].NewRVA)
	}
	wantSecondRVA := 0x6000 + uint32(results[0].Size)
	if results[1].NewRVA != wantSecondRVA {
		t.Errorf("f2 rva = 0x%x, want 0x%x", results[1].NewRVA, wantSecondRVA)
	}
	want := append(append([]byte{}, 0x90, 0xC3), 0x48, 0x89, 0xC8, 0xC3)
	if !bytes.Equal(merged, want) {
		t.Errorf("merged bytes = % X, want % X", merged, want)
	}
}

func TestLayoutAssignsSequentialIPsWithinAFunction(t *testing.T) {
	f1 := verbatimFn("f1", 0x1000, []byte{0x90}, []byte{0x90, 0x90}, []byte{0xC3})
	_, _, err := Layout([]*ir.Function{f1}, 0x4000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	wantIPs := []uint64{0x4000, 0x4001, 0x4003}
	for i, want := range wantIPs {
		if f1.Instructions[i].IP != want {
			t.Errorf("instruction %d ip = 0x%x, want 0x%x", i, f1.Instructions[i].IP, want)
		}
	}
}

func TestShuffleIsDeterministicForASeed(t *testing.T) {
	build := func() []*ir.Function {
		return []*ir.Function{
			ir.NewFunction("a", 0x1000, 4),
			ir.NewFunction("b", 0x2000, 4),
			ir.NewFunction("c", 0x3000, 4),
			ir.NewFunction("d", 0x4000, 4),
			ir.NewFunction("e", 0x5000, 4),
		}
	}

	fns1 := build()
	Shuffle(fns1, 42)
	order1 := namesOf(fns1)

	fns2 := build()
	Shuffle(fns2, 42)
	order2 := namesOf(fns2)

	if order1 != order2 {
		t.Errorf("same seed produced different orders: %v vs %v", order1, order2)
	}
}

func namesOf(fns []*ir.Function) string {
	s := ""
	for _, fn := range fns {
		s += fn.Name + ","
	}
	return s
}

func TestPatchRipRelativeHoldsAbsoluteTargetFixed(t *testing.T) {
	// A 7-byte instruction whose last 4 bytes are a RIP-relative disp32,
	// originally at ip=0x1000 resolving to absolute target 0x1010 (disp=0x9
	// relative to the end of a 7-byte instruction at 0x1000: 0x1000+7+9=0x1010).
	raw := []byte{0x48, 0x8B, 0x05, 0x09, 0x00, 0x00, 0x00}
	rec := ir.InstructionRecord{
		Raw: raw,
		IP:  0x2000, // moved
		Len: 7,
		Decoded: x86asm.Inst{
			Len:      7,
			PCRel:    4,
			PCRelOff: 3,
		},
		RipRelative:  true,
		RipTargetAbs: 0x1010,
	}

	out, err := patchRipRelative(rec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 7 {
		t.Fatalf("patched length = %d, want 7", len(out))
	}
	gotDisp := int32(uint32(out[3]) | uint32(out[4])<<8 | uint32(out[5])<<16 | uint32(out[6])<<24)
	wantDisp := int64(0x1010) - int64(0x2000) - int64(7)
	if int64(gotDisp) != wantDisp {
		t.Errorf("patched displacement = %d, want %d", gotDisp, wantDisp)
	}
}
