// Command obfuscator drives the whole rewriting pipeline end to end:
// parse the symbol catalog, decode and rewrite every surviving function,
// lay the rewritten code out in a new section, and patch trampolines
// into the original image. Grounded on
// original_source/crates/core/src/obfuscator.rs's Obfuscator::run for
// the stage order and xyproto-vibe67's main.go for how this repo's
// teacher shapes its CLI entry point (flag parsing up front, one big
// Run function, process exit code reflecting the final error).
package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/xyproto/env/v2"

	"github.com/vasie1337/bin-obfuscator/internal/branch"
	"github.com/vasie1337/bin-obfuscator/internal/decode"
	"github.com/vasie1337/bin-obfuscator/internal/encode"
	"github.com/vasie1337/bin-obfuscator/internal/ir"
	"github.com/vasie1337/bin-obfuscator/internal/obferr"
	"github.com/vasie1337/bin-obfuscator/internal/obflog"
	"github.com/vasie1337/bin-obfuscator/internal/passes"
	"github.com/vasie1337/bin-obfuscator/internal/patch"
	"github.com/vasie1337/bin-obfuscator/internal/peimage"
	"github.com/vasie1337/bin-obfuscator/internal/symbols"
)

var log = obflog.For("obfuscator")

type options struct {
	output     string
	verbose    int
	quiet      bool
	passNames  string
	iterations int
	seed       uint64
	seedSet    bool
}

func main() {
	opts := &options{}

	root := &cobra.Command{
		Use:   "obfuscator <binary> <symbols>",
		Short: "Static x86-64 PE rewriting obfuscator",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(args[0], args[1], opts)
		},
		SilenceUsage: true,
	}

	root.Flags().StringVarP(&opts.output, "output", "o", "", "output path (default: <binary>.obf)")
	root.Flags().CountVarP(&opts.verbose, "verbose", "v", "increase log verbosity (-v debug, -vv trace)")
	root.Flags().BoolVarP(&opts.quiet, "quiet", "q", false, "suppress all but error-level logging")
	root.Flags().StringVar(&opts.passNames, "passes", "mutation", "comma-separated pass list: mutation,nop,opaque")
	root.Flags().IntVar(&opts.iterations, "iterations", 1, "number of times to run the pass list per function")
	root.Flags().Uint64Var(&opts.seed, "seed", 0, "deterministic shuffle seed (default: derived from the input binary)")

	root.PreRun = func(cmd *cobra.Command, args []string) {
		opts.seedSet = cmd.Flags().Changed("seed")
	}

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(binaryPath, symbolsPath string, opts *options) error {
	obflog.Init(obflog.LevelFromVerbosity(opts.verbose, opts.quiet))

	data, err := os.ReadFile(binaryPath)
	if err != nil {
		return obferr.InputNotFound(binaryPath, err)
	}
	if len(data) == 0 {
		return obferr.InputEmpty(binaryPath)
	}

	img, err := peimage.Open(data)
	if err != nil {
		return err
	}

	symFile, err := os.Open(symbolsPath)
	if err != nil {
		return obferr.SymbolParseFailed(symbolsPath, err)
	}
	defer symFile.Close()

	parsed, err := symbols.Parse(symFile, symbolsPath)
	if err != nil {
		return err
	}
	catalog, err := symbols.Build(parsed, img)
	if err != nil {
		return err
	}
	log.Info("catalog built", "functions", len(catalog))

	mgr, err := passes.ByNames(opts.passNames)
	if err != nil {
		return err
	}

	seed := opts.seed
	if !opts.seedSet {
		seed = deriveSeed(binaryPath, data)
	}

	var functions []*ir.Function
	for _, sym := range catalog {
		code, err := img.ReadAt(sym.RVA, int(sym.Size))
		if err != nil {
			log.Warn("dropping function: out of range", "function", sym.Name, "error", err)
			continue
		}
		records, err := decode.Function(code, sym.RVA)
		if err != nil {
			log.Warn("dropping function: decode failed", "function", sym.Name, "error", err)
			continue
		}

		fn := ir.NewFunction(sym.Name, sym.RVA, sym.Size)
		fn.SetDecoded(records)
		fn.CaptureOriginal()
		branch.Build(fn)

		mgr.Run(fn, opts.iterations)

		functions = append(functions, fn)
	}

	if len(functions) == 0 {
		return obferr.NoFunctionsAfterFilter()
	}

	encode.Shuffle(functions, seed)

	results, merged, err := encode.Layout(functions, img.NextSectionRVA())
	if err != nil {
		if fn := failingFunction(functions, err); fn != nil {
			log.Error(patch.DumpOnFailure(fn, err))
		}
		return err
	}

	if _, err := patch.AppendSection(img, merged); err != nil {
		return err
	}

	for _, res := range results {
		if err := patch.RedirectFunction(img, res.Function, res.NewRVA); err != nil {
			return err
		}
	}

	outPath := opts.output
	if outPath == "" {
		outPath = binaryPath + ".obf"
	}
	if err := os.WriteFile(outPath, img.Raw(), 0o755); err != nil {
		return fmt.Errorf("writing output: %w", err)
	}

	log.Info("done", "output", outPath, "functions_rewritten", len(functions), "seed", seed)
	return nil
}

// deriveSeed produces a reproducible default shuffle seed from the input
// binary's own bytes (length and filename) when --seed isn't given, so
// repeated runs against the same input are still reproducible without
// ever depending on wall-clock time (SPEC_FULL section 12, item 1).
// OBFUSCATOR_SEED overrides the derived value if set, ahead of deriving
// from the file itself.
func deriveSeed(path string, data []byte) uint64 {
	if raw := env.Str(envSeedVar, ""); raw != "" {
		if v, err := strconv.ParseUint(raw, 10, 64); err == nil {
			return v
		}
		log.Warn("ignoring malformed OBFUSCATOR_SEED", "value", raw)
	}
	h := uint64(14695981039346656037) // FNV-1a offset basis
	for i := 0; i < len(path); i++ {
		h ^= uint64(path[i])
		h *= 1099511628211
	}
	h ^= uint64(len(data))
	h *= 1099511628211
	return h
}

const envSeedVar = "OBFUSCATOR_SEED"

// failingFunction picks out which function an encode.Layout error belongs
// to via the obferr.Error.Function field encode.Layout populates, so
// DumpOnFailure's diagnostic dump (SPEC_FULL section 12, item 5) targets
// only the function that actually failed to encode even when its name is a
// substring or prefix of another function's name in the catalog.
func failingFunction(functions []*ir.Function, err error) *ir.Function {
	var obfErr *obferr.Error
	if !errors.As(err, &obfErr) || obfErr.Function == "" {
		return nil
	}
	for _, fn := range functions {
		if fn.Name == obfErr.Function {
			return fn
		}
	}
	return nil
}
