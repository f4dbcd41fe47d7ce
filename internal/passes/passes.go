// Package passes runs the rewrite passes a Function goes through before
// layout (spec component C5/C6). PassManager mirrors
// original_source/crates/core/src/passes/mod.rs's Pass trait and
// PassManager: an ordered list of passes, each applied in turn, for a
// configurable number of iterations.
package passes

import (
	"fmt"
	"strings"

	"github.com/vasie1337/bin-obfuscator/internal/ir"
	"github.com/vasie1337/bin-obfuscator/internal/obflog"
)

var log = obflog.For("passes")

// Pass is one rewrite stage. Apply mutates fn.Instructions in place via
// fn.Replace/fn.InsertAfter; it must never touch fn.Branches directly
// (internal/branch rebuilds and refixes edges around the whole pipeline).
type Pass interface {
	Name() string
	EnabledByDefault() bool
	Apply(fn *ir.Function) error
}

// Manager runs a fixed, ordered list of passes against a Function.
type Manager struct {
	passes []Pass
}

// NewManager builds a Manager running exactly the given passes, in order.
func NewManager(passes ...Pass) *Manager {
	return &Manager{passes: passes}
}

// Default returns the pass list enabled out of the box: Mutation only,
// matching PassManager::default() in the Rust source. NOP insertion and
// opaque-predicate expansion are opt-in (SPEC_FULL section 12.2).
func Default() *Manager {
	return NewManager(&MutationPass{})
}

// defaultNopCount is how many NOPs the "nop" pass name inserts between
// every instruction pair when selected from the CLI's --passes list,
// matching nop_pass.rs's own hardcoded single-NOP default.
const defaultNopCount = 1

// ByNames builds a Manager from a comma-separated pass list, the shape
// the CLI's --passes flag takes (spec section 14). Unknown names are
// reported as an error rather than silently ignored, so a typo doesn't
// silently fall back to an empty pass list.
func ByNames(csv string) (*Manager, error) {
	var list []Pass
	for _, name := range strings.Split(csv, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		switch name {
		case "mutation":
			list = append(list, &MutationPass{})
		case "nop":
			list = append(list, &NopPass{Count: defaultNopCount})
		case "opaque":
			list = append(list, &OpaquePass{})
		default:
			return nil, fmt.Errorf("passes: unknown pass %q", name)
		}
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("passes: empty pass list")
	}
	return NewManager(list...), nil
}

// Run applies every pass in order, iterations times, against fn. A single
// instruction that a pass declines to rewrite (alias guard, unsupported
// operand shape) is left untouched rather than aborting the function. A
// pass that returns an error is logged and ends this run for fn: no later
// pass or iteration is applied, and fn keeps whatever instruction stream
// the failing pass left (nothing is rolled back). Run itself never fails,
// so one function's pass failure does not abort the pipeline for the
// functions that follow it.
func (m *Manager) Run(fn *ir.Function, iterations int) {
	before := len(fn.Instructions)
	for i := 0; i < iterations; i++ {
		for _, p := range m.passes {
			if err := p.Apply(fn); err != nil {
				log.Warn("pass failed, leaving function as-is", "pass", p.Name(), "function", fn.Name, "error", err)
				return
			}
		}
	}
	after := len(fn.Instructions)
	log.Debug(obflog.Fraction(before, after), "function", fn.Name)
}
