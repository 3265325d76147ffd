package jit

import "github.com/rdauria/ubpf-jit/pkg/regmap"

// Options parameterizes a single Compile call. The register map lives
// here rather than behind a package-level mutable default so a test can
// build a permuted Options.Registers without touching shared state.
type Options struct {
	// Registers is the eBPF->x86-64 register assignment this compile uses.
	// The zero value is not valid; use regmap.Default() or DefaultOptions.
	Registers regmap.Map

	// ElideTrailingExit skips the trailing `jmp exit` when the program's
	// last instruction is already EXIT. Purely a code-size
	// micro-optimization; correctness never depends on it.
	ElideTrailingExit bool
}

// DefaultOptions returns the canonical register assignment with the exit
// elision micro-optimization enabled.
func DefaultOptions() Options {
	return Options{
		Registers:         regmap.Default(),
		ElideTrailingExit: true,
	}
}
