// Command ubpfjit loads an eBPF program from an ELF object, JIT-compiles
// it, and either runs it or prints a disassembly of its instructions.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "ubpfjit",
		Short: "JIT-compile and run eBPF programs extracted from ELF objects",
	}
	root.AddCommand(newRunCmd(), newDisasmCmd())
	return root
}
