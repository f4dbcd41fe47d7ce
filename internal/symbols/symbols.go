// Package symbols is the Function Catalog (spec component C2). It reads
// the map-file-shaped debug-symbol sidecar described in SPEC_FULL.md
// section 13 and produces the filtered, deduplicated, RVA-sorted work
// list the rest of the pipeline decodes and rewrites. Grounded on
// original_source/crates/core/src/analyzer.rs's catalog-building pass,
// which sources PDB symbols and the exception directory the same way
// this package sources the text sidecar and peimage.Image.ExceptionFunctions.
package symbols

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/vasie1337/bin-obfuscator/internal/obferr"
	"github.com/vasie1337/bin-obfuscator/internal/obflog"
	"github.com/vasie1337/bin-obfuscator/internal/peimage"
)

var log = obflog.For("symbols")

// minRewriteSize is the smallest function size the catalog will keep: a
// 5-byte E9 rel32 trampoline has to fit inside the original function, so
// anything at or under that size can never be safely redirected (spec
// section 7, "Filter correctness").
const minRewriteSize = 5

// Function is one catalog entry: a named function at a given RVA and
// size, ready to be sliced out of the image and decoded.
type Function struct {
	Name string
	RVA  uint32
	Size uint32
}

// Parse reads a map-file-shaped sidecar from r: one symbol per
// non-blank, non-comment line, `<rva-hex> <size-decimal> <name>`,
// whitespace separated. Lines beginning with "#" or ";" are comments, a
// convention both MSVC .map files and nm -S dumps tolerate. path is used
// only to label errors.
func Parse(r io.Reader, path string) ([]Function, error) {
	var out []Function
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		fn, err := parseLine(line)
		if err != nil {
			return nil, obferr.SymbolParseFailed(path, fmt.Errorf("line %d: %w", lineNo, err))
		}
		out = append(out, fn)
	}
	if err := scanner.Err(); err != nil {
		return nil, obferr.SymbolParseFailed(path, err)
	}
	log.Debug("parsed symbol file", "path", path, "entries", len(out))
	return out, nil
}

func parseLine(line string) (Function, error) {
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return Function{}, fmt.Errorf("expected `<rva-hex> <size-decimal> <name...>`, got %q", line)
	}

	rvaText := strings.TrimPrefix(strings.TrimPrefix(fields[0], "0x"), "0X")
	rva, err := strconv.ParseUint(rvaText, 16, 32)
	if err != nil {
		return Function{}, fmt.Errorf("invalid hex rva %q: %w", fields[0], err)
	}

	size, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil {
		return Function{}, fmt.Errorf("invalid decimal size %q: %w", fields[1], err)
	}

	name := strings.Join(fields[2:], " ")
	if name == "" {
		return Function{}, fmt.Errorf("missing function name")
	}

	return Function{Name: name, RVA: uint32(rva), Size: uint32(size)}, nil
}

// exceptionSource is the slice of *peimage.Image that Build needs: just
// enough to exclude unwind-protected ranges, kept as an interface so
// tests can supply a fake catalog without constructing a real image.
type exceptionSource interface {
	ExceptionFunctions() []peimage.ExceptionFunction
}

// Build turns a parsed symbol list into the final catalog: deduplicated
// by RVA (last entry for a given RVA wins, matching a linker map's habit
// of listing a symbol's public alias after its mangled form), sorted by
// RVA, then filtered per spec section 6's ordered rules:
//
//  1. drop any entry whose size is <= minRewriteSize;
//  2. drop any entry whose RVA begins a handler-carrying entry of img's
//     exception directory (img.ExceptionFunctions()).
//
// An empty result after filtering is reported as NoFunctionsAfterFilter,
// since a pipeline with nothing to rewrite has nothing useful to do.
func Build(parsed []Function, img exceptionSource) ([]Function, error) {
	byRVA := make(map[uint32]Function, len(parsed))
	for _, fn := range parsed {
		byRVA[fn.RVA] = fn
	}

	deduped := make([]Function, 0, len(byRVA))
	for _, fn := range byRVA {
		deduped = append(deduped, fn)
	}
	sort.Slice(deduped, func(i, j int) bool { return deduped[i].RVA < deduped[j].RVA })

	excluded := make(map[uint32]bool)
	for _, exc := range img.ExceptionFunctions() {
		excluded[exc.BeginRVA] = true
	}

	out := make([]Function, 0, len(deduped))
	for _, fn := range deduped {
		if fn.Size <= minRewriteSize {
			log.Debug("dropping function below minimum size", "name", fn.Name, "size", fn.Size)
			continue
		}
		if excluded[fn.RVA] {
			log.Debug("dropping function present in exception directory", "name", fn.Name, "rva", fmt.Sprintf("0x%x", fn.RVA))
			continue
		}
		out = append(out, fn)
	}

	if len(out) == 0 {
		return nil, obferr.NoFunctionsAfterFilter()
	}

	log.Info("built function catalog", "parsed", len(parsed), "deduped", len(deduped), "kept", len(out))
	return out, nil
}
