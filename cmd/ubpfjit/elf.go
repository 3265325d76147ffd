package main

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/yalue/elf_reader"

	"github.com/rdauria/ubpf-jit/pkg/vm"
)

// loadSection reads filename, parses it as an ELF object, and decodes the
// named section as an eBPF instruction stream into a fresh VM.
func loadSection(filename, section string, endianness binary.ByteOrder) (*vm.VM, error) {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("ubpfjit: reading %s: %w", filename, err)
	}

	elf, err := elf_reader.ParseELFFile(raw)
	if err != nil {
		return nil, fmt.Errorf("ubpfjit: parsing ELF: %w", err)
	}

	for i := uint16(1); i < elf.GetSectionCount(); i++ {
		name, err := elf.GetSectionName(i)
		if err != nil {
			return nil, fmt.Errorf("ubpfjit: section name %d: %w", i, err)
		}
		if name != section {
			continue
		}

		content, err := elf.GetSectionContent(i)
		if err != nil {
			return nil, fmt.Errorf("ubpfjit: section content %q: %w", section, err)
		}

		v := &vm.VM{}
		if err := v.Load(content, endianness); err != nil {
			return nil, err
		}
		return v, nil
	}

	return nil, fmt.Errorf("ubpfjit: section %q not found", section)
}
