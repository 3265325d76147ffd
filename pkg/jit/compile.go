package jit

import (
	"fmt"
	"unsafe"

	"github.com/sirupsen/logrus"

	"github.com/rdauria/ubpf-jit/pkg/asm"
	"github.com/rdauria/ubpf-jit/pkg/isa"
	"github.com/rdauria/ubpf-jit/pkg/regmap"
	"github.com/rdauria/ubpf-jit/pkg/vm"
)

// stackSize is the size, in bytes, of the private eBPF stack frame carved
// out of the native stack on entry. It is the only memory a compiled
// program can address through the register mapped from eBPF r10.
const stackSize = 128

var log = logrus.WithField("component", "jit")

// Compile translates v's instruction array into a page of executable
// x86-64 machine code and stores the entry point and its size on v.
// Compile is idempotent: if v is already jitted, it returns the cached
// values without doing any work. It is not reentrant on the same VM and
// holds no locks; callers serialize Compile/Close on a given VM.
func Compile(v *vm.VM, opts Options) (entry uintptr, size int, err error) {
	if v.Jitted != 0 {
		return v.Jitted, v.JittedSize, nil
	}
	if len(v.Insts) == 0 {
		return 0, 0, fmt.Errorf("jit: empty instruction array")
	}

	a := asm.New(len(v.Insts))
	t := &translator{
		a:        a,
		regs:     opts.Registers,
		extFuncs: v.ExtFuncs,
		log:      log,
	}

	emitPrologue(a, opts.Registers)

	for pc := 0; pc < len(v.Insts); {
		inst := v.Insts[pc]
		a.DeclareLocal(pc)

		// A branch targeting this PC must still resolve even when the
		// trailing exit's own code is elided, so the label above is
		// declared unconditionally before this check.
		if opts.ElideTrailingExit && inst.Opcode == isa.Exit && pc == len(v.Insts)-1 {
			break
		}

		var next vm.Instruction
		if inst.Opcode == isa.LdDW && pc+1 < len(v.Insts) {
			next = v.Insts[pc+1]
		}

		nextPC, terr := t.translate(pc, inst, next)
		if terr != nil {
			return 0, 0, terr
		}
		pc = nextPC
	}

	emitEpilogue(a, opts.Registers)

	size, err = a.Link()
	if err != nil {
		return 0, 0, fmt.Errorf("jit: %w", err)
	}

	mem, err := mapRW(size)
	if err != nil {
		return 0, 0, err
	}
	if err := a.Encode(mem); err != nil {
		_ = unmap(mem)
		return 0, 0, fmt.Errorf("jit: %w", err)
	}
	if err := mprotectRX(mem); err != nil {
		_ = unmap(mem)
		return 0, 0, err
	}

	entry = uintptr(unsafe.Pointer(&mem[0]))
	v.Jitted = entry
	v.JittedSize = size
	return entry, size, nil
}

// emitPrologue pushes the callee-save registers this map actually uses,
// stages ctx into r1's assigned register if it didn't already land there
// via rdi, carves out the eBPF stack frame, and points r10's assigned
// register at its top.
func emitPrologue(a *asm.Assembler, regs regmap.Map) {
	a.DeclareGlobal("entry")
	for _, r := range regs.CalleeSaved() {
		a.Push(r)
	}

	r1 := regs.Register(1)
	if r1 != regmap.RDI {
		a.MovRegReg(asm.Rq, r1, regmap.RDI)
	}

	a.ArithRegImm(asm.OpSub, asm.Rq, regmap.RSP, stackSize)

	// rsp itself never appears in a register map (it's ABI-reserved), so
	// this move always happens: r10's assigned register picks up the new
	// frame top unconditionally.
	a.MovRegReg(asm.Rq, regs.Register(10), regmap.RSP)
}

// emitEpilogue lays down the three shared trampolines every compiled
// program funnels into: exit (moves r0 into rax if it isn't already
// there), exit2 (tears down the frame and returns), and div_by_zero
// (sets rax to -1 and jumps to exit2, leaving the faulting PC that
// emitMulDivMod staged in r11 for Call to report).
func emitEpilogue(a *asm.Assembler, regs regmap.Map) {
	a.DeclareGlobal("exit")
	r0 := regs.Register(0)
	if r0 != regmap.RAX {
		a.MovRegReg(asm.Rq, regmap.RAX, r0)
	}

	a.DeclareGlobal("exit2")
	a.ArithRegImm(asm.OpAdd, asm.Rq, regmap.RSP, stackSize)
	saved := regs.CalleeSaved()
	for i := len(saved) - 1; i >= 0; i-- {
		a.Pop(saved[i])
	}
	a.Ret()

	a.DeclareGlobal("div_by_zero")
	a.MovRegImm64(regmap.RAX, -1)
	a.Jmp(asm.GlobalLabel("exit2"))
}
