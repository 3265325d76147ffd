// Package vm holds the eBPF program container: the instruction array, the
// read-only helper-function table, and the slot a JIT compiler fills in
// once a program has been compiled. It knows nothing about x86-64; that
// belongs to pkg/jit.
package vm

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// NumRegisters is the number of eBPF registers (r0..r10, r10 read-only).
const NumRegisters = 11

// VM owns one eBPF program: its instructions, its helper-function table,
// and (once compiled) its JIT'd entry point.
//
// Jitted is non-zero iff compilation has succeeded for this VM; once set
// it is immutable for the VM's lifetime and Close must be called to
// unmap it.
type VM struct {
	// Endianness is the byte order the program's instruction stream was
	// encoded in.
	Endianness binary.ByteOrder

	// Insts is the validated instruction array handed to us by the
	// loader/verifier. The JIT assumes it is well-formed.
	Insts []Instruction

	// ExtFuncs is the ordered, read-only table of native helper-function
	// pointers, indexed by a CALL instruction's Immediate. It is owned by
	// the VM and must outlive every in-flight invocation of compiled code.
	ExtFuncs []uintptr

	// Jitted is the compiled entry point, or 0 if the VM has not been
	// compiled yet.
	Jitted uintptr

	// JittedSize is the length in bytes of the mapped JIT page.
	JittedSize int
}

// Load decodes raw is a fixed-width eBPF instruction stream (8 bytes per
// instruction, byte order e) into vm.Insts.
func (v *VM) Load(raw []byte, e binary.ByteOrder) error {
	if len(raw)%8 != 0 {
		return fmt.Errorf("vm: instruction stream length %d is not a multiple of 8", len(raw))
	}
	v.Endianness = e
	n := len(raw) / 8
	insts := make([]Instruction, 0, n)
	r := bytes.NewReader(raw)
	for i := 0; i < n; i++ {
		var instr Instruction
		if err := binary.Read(r, e, &instr); err != nil {
			return fmt.Errorf("vm: decoding instruction %d: %w", i, err)
		}
		insts = append(insts, instr)
	}
	v.Insts = insts
	return nil
}

// Close unmaps the JIT page, if one was ever mapped. It is safe to call on
// a VM that was never compiled.
func (v *VM) Close() error {
	if v.Jitted == 0 {
		return nil
	}
	size := v.JittedSize
	entry := v.Jitted
	v.Jitted = 0
	v.JittedSize = 0

	mem := unsafeSliceFromPointer(entry, size)
	if err := unix.Munmap(mem); err != nil {
		return fmt.Errorf("vm: munmap: %w", err)
	}
	return nil
}

// Disassemble returns a human-readable rendering of a single instruction,
// for the disasm subcommand of cmd/ubpfjit.
func (v *VM) Disassemble(i Instruction) string {
	return i.String()
}
