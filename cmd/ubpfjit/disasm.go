package main

import (
	"encoding/binary"

	"github.com/spf13/cobra"
)

func newDisasmCmd() *cobra.Command {
	var (
		filename  string
		section   string
		bigEndian bool
	)

	cmd := &cobra.Command{
		Use:   "disasm",
		Short: "Print a per-instruction rendering of a section's eBPF program",
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

			for pc := 0; pc < len(v.Insts); pc++ {
				cmd.Printf("%4d: %s\n", pc, v.Disassemble(v.Insts[pc]))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&filename, "filename", "", "path to the .o file")
	cmd.Flags().StringVar(&section, "section", "", "ELF section to disassemble")
	cmd.Flags().BoolVar(&bigEndian, "be", false, "treat the instruction stream as big endian")
	cmd.MarkFlagRequired("filename")
	cmd.MarkFlagRequired("section")

	return cmd
}
