package jit

import "fmt"

// CompileError is returned by Compile for an unknown opcode. Other
// failures (an empty program, a label that never resolved, the OS page
// operations) are returned as wrapped fmt errors instead. It carries the
// eBPF PC the failure relates to, when known.
type CompileError struct {
	PC    int
	Op    uint8
	HasPC bool
	Msg   string
}

func (e *CompileError) Error() string {
	if e.HasPC {
		return fmt.Sprintf("%s at PC %d", e.Msg, e.PC)
	}
	return e.Msg
}

func unknownOpcodeError(op uint8, pc int) error {
	return &CompileError{PC: pc, Op: op, HasPC: true, Msg: fmt.Sprintf("unknown opcode 0x%02x", op)}
}
