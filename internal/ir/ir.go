// Package ir is the Function IR (spec component C4): the mutable
// instruction stream, branch map, and original-state snapshot that every
// pass, the branch fixer, and the encoder share. An instruction's identity
// is its ID, minted once by its owning Function and stable across
// reordering, insertion, and duplication; the IP field is transient and is
// overwritten at every layout pass (spec section 3).
package ir

import "golang.org/x/arch/x86/x86asm"

// Kind distinguishes an instruction decoded verbatim from the original
// bytes (re-encoded by patching only its PC-relative field, if any) from
// one synthesized by a pass (re-encoded from scratch by internal/encode).
type Kind int

const (
	KindVerbatim Kind = iota
	KindSynth
)

// SynthOp names one of the small set of instruction shapes a pass can
// introduce. Each corresponds to one line of the Mutation table in
// spec section 4.6; internal/encode knows how to turn each into bytes.
type SynthOp int

const (
	SynthNone SynthOp = iota
	SynthXorRR
	SynthClc
	SynthAdcxRR
	SynthPushfq
	SynthPopfq
	SynthLeaRM
	SynthSubRImm32
	SynthNegR
	SynthAndRR
	SynthAdcRImm8
	SynthSbbRImm8
	SynthMovMemR
	SynthSubRspImm8
	SynthAddRspImm8
	SynthPushR
	SynthPopMem
	SynthAddRMem
	SynthXorRMemRsp
	SynthSubRR
	SynthPopR
	SynthMovRFromMemBase
	SynthMovMemBaseFromR
	SynthNop
	SynthBtMemRspImm8
)

// Synth describes a synthesized instruction abstractly enough that
// internal/encode can assemble it without internal/ir importing the
// encoder (would-be import cycle). Only the fields relevant to Op are
// meaningful; the rest are zero.
type Synth struct {
	Op   SynthOp
	Dst  x86asm.Reg
	Src  x86asm.Reg
	Base x86asm.Reg
	Disp int32
	Imm  int64
}

// InstructionRecord is one instruction in a Function's stream.
type InstructionRecord struct {
	ID   uint64
	Kind Kind

	// Verbatim fields: populated when Kind == KindVerbatim. Raw is the
	// exact byte sequence the decoder produced; Decoded is the structured
	// form used to classify the instruction and locate its PC-relative
	// field when it has one.
	Decoded x86asm.Inst
	Raw     []byte

	// Synth fields: populated when Kind == KindSynth.
	Synth Synth

	// Branch metadata. Only ever true on KindVerbatim records: no pass in
	// this pipeline touches a branch instruction, so a record that starts
	// life as a branch stays one for its whole lifetime.
	IsBranch        bool
	Conditional     bool
	BranchTargetRVA uint64

	// RIP-relative memory operand metadata. RipTargetAbs is the absolute
	// RVA the operand resolves to, fixed at decode time: relocating the
	// instruction must keep this constant by recomputing the encoded
	// displacement, the same PCRel/PCRelOff-driven patch the branch case
	// uses but holding the *target* fixed instead of the *source*.
	RipRelative  bool
	RipTargetAbs uint64

	// Layout-assigned; valid only immediately after a layout pass and
	// invalidated by the next one.
	IP  uint64
	Len int

	// EncodedBytes caches a synthesized record's bytes once layout has
	// assembled them. It stays nil for every verbatim record: the encoder
	// renders those from Decoded/Raw at emit time (re-encoding tracked
	// branches, patching RIP-relative displacements, copying Raw otherwise).
	EncodedBytes []byte
}

// BranchEdge is one intra-function control transfer whose operand must be
// rebound whenever layout changes (spec section 3).
type BranchEdge struct {
	SourceID          uint64
	TargetID          uint64
	OriginalTargetRVA uint64
}

// OriginalSnapshot is captured once, immediately after decode, and never
// mutated again (spec section 3, Function invariant 2).
type OriginalSnapshot struct {
	RVA             uint32
	Size            uint32
	RawInstructions []InstructionRecord
}

// Function owns one rewritten function's mutable state end to end.
type Function struct {
	Name string
	RVA  uint32
	Size uint32

	Instructions []InstructionRecord
	Branches     []BranchEdge

	Original      *OriginalSnapshot
	HasUnwindInfo bool

	nextID uint64
}

// NewFunction creates an empty Function at the given original RVA/size.
func NewFunction(name string, rva, size uint32) *Function {
	return &Function{Name: name, RVA: rva, Size: size}
}

// NextID mints a fresh, monotonic instruction id for this function.
func (f *Function) NextID() uint64 {
	id := f.nextID
	f.nextID++
	return id
}

// SetDecoded installs the decoder's output as the current instruction
// stream, minting a fresh id for each record in order.
func (f *Function) SetDecoded(records []InstructionRecord) {
	f.Instructions = make([]InstructionRecord, len(records))
	for i, r := range records {
		r.ID = f.NextID()
		f.Instructions[i] = r
	}
}

// CaptureOriginal snapshots the current instruction stream as Original. It
// is a programming error to call this more than once (invariant 2).
func (f *Function) CaptureOriginal() {
	if f.Original != nil {
		panic("ir: CaptureOriginal called twice for function " + f.Name)
	}
	snap := make([]InstructionRecord, len(f.Instructions))
	copy(snap, f.Instructions)
	f.Original = &OriginalSnapshot{RVA: f.RVA, Size: f.Size, RawInstructions: snap}
}

// IndexOf returns the index of the instruction with the given id, or -1.
func (f *Function) IndexOf(id uint64) int {
	for i := range f.Instructions {
		if f.Instructions[i].ID == id {
			return i
		}
	}
	return -1
}

// Replace substitutes the instruction with id oldID with newRecords,
// assigning IDs to each replacement: the record at keepIDIndex (if >= 0)
// keeps oldID, every other replacement mints a fresh id. This is the only
// sanctioned way for a pass to expand or duplicate an instruction, so the
// "id preserved on exactly one survivor" rule (spec section 9) holds by
// construction. Pass keepIDIndex -1 when none of the replacements should
// be addressable by oldID (the instruction truly disappears; callers must
// not do this if oldID is a live branch endpoint).
func (f *Function) Replace(oldID uint64, newRecords []InstructionRecord, keepIDIndex int) bool {
	idx := f.IndexOf(oldID)
	if idx < 0 {
		return false
	}
	out := make([]InstructionRecord, len(newRecords))
	for i, r := range newRecords {
		if i == keepIDIndex {
			r.ID = oldID
		} else {
			r.ID = f.NextID()
		}
		out[i] = r
	}
	merged := make([]InstructionRecord, 0, len(f.Instructions)-1+len(out))
	merged = append(merged, f.Instructions[:idx]...)
	merged = append(merged, out...)
	merged = append(merged, f.Instructions[idx+1:]...)
	f.Instructions = merged
	return true
}

// InsertAfter inserts a freshly-id'd instruction immediately after the
// instruction with id afterID. Used by NOP-style passes.
func (f *Function) InsertAfter(afterID uint64, rec InstructionRecord) bool {
	idx := f.IndexOf(afterID)
	if idx < 0 {
		return false
	}
	rec.ID = f.NextID()
	merged := make([]InstructionRecord, 0, len(f.Instructions)+1)
	merged = append(merged, f.Instructions[:idx+1]...)
	merged = append(merged, rec)
	merged = append(merged, f.Instructions[idx+1:]...)
	f.Instructions = merged
	return true
}

// Program is the ordered collection of Functions the pipeline rewrites.
// The PE image byte buffer itself is owned by internal/peimage.Image, not
// here — Program only tracks the per-function work (spec section 3).
type Program struct {
	Functions []*Function
}
