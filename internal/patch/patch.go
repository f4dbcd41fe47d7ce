// Package patch is the Patcher (spec component C9): it appends the
// rewritten code as a new executable section, overwrites each original
// function with a 5-byte trampoline jump into its relocated copy, and
// trap-fills whatever original bytes the trampoline doesn't cover.
// Grounded on original_source/crates/core/src/compiler.rs's
// create_executable_section/patch_function_redirects/
// zero_old_function_bytes, with the section-table and header-field writes
// done by hand in xyproto-vibe67's pe.go style since saferwall/pe doesn't
// write PE images.
package patch

import (
	"encoding/binary"
	"fmt"

	"github.com/vasie1337/bin-obfuscator/internal/ir"
	"github.com/vasie1337/bin-obfuscator/internal/obferr"
	"github.com/vasie1337/bin-obfuscator/internal/obflog"
	"github.com/vasie1337/bin-obfuscator/internal/peimage"
)

var log = obflog.For("patch")

// sectionName is the new section's short name, eight bytes, zero padded.
// The leading dot has no special meaning to the loader; it just matches
// the convention every standard section name in the image already uses.
const sectionName = ".ofsc"

// scnCntCode | scnMemExecute | scnMemRead, matching the characteristics
// xyproto-vibe67's pe.go assigns an executable code section.
const sectionCharacteristics = 0x60000020

const trapByte = 0xCC

// AppendSection splices merged's bytes into img as a brand-new executable
// section, returning the section's starting RVA. It grows img's raw
// buffer, appends one IMAGE_SECTION_HEADER to the existing table, and
// updates SizeOfImage/NumberOfSections in the optional/COFF headers.
func AppendSection(img *peimage.Image, merged []byte) (uint32, error) {
	sectionHeaderEnd := img.SectionHeaderTableOffset() + uint32(img.NumberOfSections())*peimage.SectionHeaderSize
	if sectionHeaderEnd+peimage.SectionHeaderSize > img.SizeOfHeaders() {
		return 0, obferr.SectionAppendFailed("no room left in the header region for another section header", nil)
	}

	fileAlign := img.FileAlignment()
	sectionAlign := img.SectionAlignment()

	newRVA := img.NextSectionRVA()
	virtualSize := uint32(len(merged))
	sizeOfRawData := alignUp(virtualSize, fileAlign)
	raw := img.Raw()
	pointerToRawData := alignUp(uint32(len(raw)), fileAlign)

	grown := make([]byte, pointerToRawData+sizeOfRawData)
	copy(grown, raw)
	copy(grown[pointerToRawData:], merged)

	var hdr [peimage.SectionHeaderSize]byte
	peimage.WriteSectionHeader(hdr[:], sectionName, virtualSize, newRVA, sizeOfRawData, pointerToRawData, sectionCharacteristics)
	copy(grown[sectionHeaderEnd:], hdr[:])

	img.SetRaw(grown)
	img.SetSizeOfImage(alignUp(newRVA+virtualSize, sectionAlign))
	img.SetNumberOfSections(img.NumberOfSections() + 1)

	log.Info("appended section", "name", sectionName, "rva", fmt.Sprintf("0x%x", newRVA), "size", virtualSize)
	return newRVA, nil
}

// RedirectFunction overwrites fn's original bytes with a 5-byte
// E9 rel32 trampoline to newRVA, trap-filling any remaining original bytes
// with 0xCC (spec section 4.9).
func RedirectFunction(img *peimage.Image, fn *ir.Function, newRVA uint32) error {
	if fn.Size < 5 {
		return obferr.PatchOutOfBounds(fmt.Sprintf("function %s is only %d bytes, too small for a trampoline", fn.Name, fn.Size))
	}
	rel32 := int32(int64(newRVA) - int64(fn.RVA+5))
	trampoline := make([]byte, 5)
	trampoline[0] = 0xE9
	binary.LittleEndian.PutUint32(trampoline[1:], uint32(rel32))
	if err := img.WriteAt(fn.RVA, trampoline); err != nil {
		return err
	}

	if fn.Size > 5 {
		trap := make([]byte, fn.Size-5)
		for i := range trap {
			trap[i] = trapByte
		}
		if err := img.WriteAt(fn.RVA+5, trap); err != nil {
			return err
		}
	}
	log.Debug("patched redirect", "function", fn.Name, "original_rva", fmt.Sprintf("0x%x", fn.RVA), "new_rva", fmt.Sprintf("0x%x", newRVA))
	return nil
}

// DumpOnFailure renders a function's instruction stream as a diagnostic
// text block (SPEC_FULL section 12.5) when encoding fails, so a human can
// see exactly which instruction and template produced bad bytes without
// re-running the whole pipeline under a debugger.
func DumpOnFailure(fn *ir.Function, cause error) string {
	out := fmt.Sprintf("encode failed for function %s (original rva 0x%x, size %d): %v\n", fn.Name, fn.RVA, fn.Size, cause)
	for _, rec := range fn.Instructions {
		switch rec.Kind {
		case ir.KindVerbatim:
			out += fmt.Sprintf("  id=%d ip=0x%x verbatim %v\n", rec.ID, rec.IP, rec.Decoded)
		case ir.KindSynth:
			out += fmt.Sprintf("  id=%d ip=0x%x synth op=%d dst=%v src=%v\n", rec.ID, rec.IP, rec.Synth.Op, rec.Synth.Dst, rec.Synth.Src)
		}
	}
	return out
}

func alignUp(v, align uint32) uint32 {
	if align == 0 {
		return v
	}
	if r := v % align; r != 0 {
		v += align - r
	}
	return v
}
