package main

import (
	"encoding/binary"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rdauria/ubpf-jit/pkg/jit"
)

func newRunCmd() *cobra.Command {
	var (
		filename  string
		section   string
		bigEndian bool
		ctx       uint64
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "JIT-compile a section and invoke it with the given context value",
		RunE: func(cmd *cobra.Command, args []string) error {
			endianness := binary.ByteOrder(binary.LittleEndian)
			if bigEndian {
				endianness = binary.BigEndian
			}

			v, err := loadSection(filename, section, endianness)
			if err != nil {
				return err
			}
			defer v.Close()

			entry, size, err := jit.Compile(v, jit.DefaultOptions())
			if err != nil {
				return fmt.Errorf("ubpfjit: compile: %w", err)
			}
			cmd.PrintErrf("compiled %d bytes at %#x\n", size, entry)

			result := jit.Call(entry, ctx)
			cmd.Printf("%d\n", result)
			return nil
		},
	}

	cmd.Flags().StringVar(&filename, "filename", "", "path to the .o file")
	cmd.Flags().StringVar(&section, "section", "", "ELF section to execute")
	cmd.Flags().BoolVar(&bigEndian, "be", false, "treat the instruction stream as big endian")
	cmd.Flags().Uint64Var(&ctx, "ctx", 0, "value passed to the program in r1")
	cmd.MarkFlagRequired("filename")
	cmd.MarkFlagRequired("section")

	return cmd
}
