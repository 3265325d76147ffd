package jit

import (
	"github.com/rdauria/ubpf-jit/pkg/asm"
	"github.com/rdauria/ubpf-jit/pkg/isa"
	"github.com/rdauria/ubpf-jit/pkg/regmap"
	"github.com/rdauria/ubpf-jit/pkg/vm"
	"github.com/sirupsen/logrus"
)

// translator emits the x86-64 sequence for one eBPF instruction at a
// time. It holds no state across instructions beyond the assembler and
// the register map: every branch target is a label, resolved later by
// Assembler.Link.
type translator struct {
	a        *asm.Assembler
	regs     regmap.Map
	extFuncs []uintptr
	log      *logrus.Entry
}

func arithOpOf(aluOp uint8) (asm.ArithOp, bool) {
	switch aluOp {
	case isa.AluAdd:
		return asm.OpAdd, true
	case isa.AluSub:
		return asm.OpSub, true
	case isa.AluOr:
		return asm.OpOr, true
	case isa.AluAnd:
		return asm.OpAnd, true
	case isa.AluXor:
		return asm.OpXor, true
	default:
		return 0, false
	}
}

func widthOf(opcode uint8) asm.Width {
	if isa.ClassOf(opcode) == isa.ClassALU64 {
		return asm.Rq
	}
	return asm.Rd
}

// translate emits code for a single instruction at eBPF PC pc. nextPC is the
// next PC to process (pc+1, or pc+2 for LDDW) and is returned so the
// driver's loop can advance correctly.
func (t *translator) translate(pc int, inst vm.Instruction, next vm.Instruction) (nextPC int, err error) {
	op := inst.Opcode
	dst := t.regs.Register(inst.Dst())
	src := t.regs.Register(inst.Src())
	width := widthOf(op)

	t.log.WithFields(logrus.Fields{"pc": pc, "opcode": op}).Debug("translating instruction")

	// ALU / ALU64 arithmetic, shifts, negation, move: every one of these
	// has an _IMM and a _REG form distinguished only by the source bit.
	if cls := isa.ClassOf(op); cls == isa.ClassALU || cls == isa.ClassALU64 {
		switch op & isa.OpMask {
		case isa.AluAdd, isa.AluSub, isa.AluOr, isa.AluAnd, isa.AluXor:
			arOp, _ := arithOpOf(op & isa.OpMask)
			t.emitArith(arOp, width, dst, src, inst.Immediate, isa.IsReg(op))
			return pc + 1, nil

		case isa.AluMul, isa.AluDiv, isa.AluMod:
			t.emitMulDivMod(op, width, dst, src, inst.Immediate, isa.IsReg(op), pc)
			return pc + 1, nil

		case isa.AluLsh, isa.AluRsh, isa.AluArsh:
			t.emitShift(op, width, dst, src, inst.Immediate, isa.IsReg(op))
			return pc + 1, nil

		case isa.AluNeg:
			t.a.Neg(width, dst)
			return pc + 1, nil

		case isa.AluMov:
			if isa.IsReg(op) {
				t.a.MovRegReg(width, dst, src)
			} else {
				t.a.MovRegImm32(width, dst, inst.Immediate)
			}
			return pc + 1, nil

		case isa.AluEnd:
			t.emitEndian(op, dst, isa.EndWidth(inst.Immediate))
			return pc + 1, nil
		}
		return 0, unknownOpcodeError(op, pc)
	}

	// Call and Exit share the JMP class's low 3 bits (0x85 & 0x07 == 0x95 &
	// 0x07 == ClassJMP), so they must be peeled off by exact opcode before
	// the generic branch dispatch below.
	switch op {
	case isa.Call:
		t.emitCall(int(inst.Immediate))
		return pc + 1, nil

	case isa.Exit:
		// Exit elision (skipping this jmp when EXIT is the program's
		// last instruction) is decided by the driver, which knows
		// whether this call is truly the last one; it simply doesn't
		// invoke translate for an elided trailing exit.
		t.a.Jmp(asm.GlobalLabel("exit"))
		return pc + 1, nil
	}

	if isa.ClassOf(op) == isa.ClassJMP {
		return pc + 1, t.emitBranch(op, pc, dst, src, inst.Immediate, inst.Offset)
	}

	switch op {
	case isa.LdDW:
		imm := uint64(uint32(inst.Immediate)) | uint64(uint32(next.Immediate))<<32
		t.a.MovRegImm64(dst, int64(imm))
		return pc + 2, nil

	case isa.LdxW:
		t.a.LoadMem(asm.Rd, dst, src, int32(inst.Offset))
		return pc + 1, nil
	case isa.LdxDW:
		t.a.LoadMem(asm.Rq, dst, src, int32(inst.Offset))
		return pc + 1, nil
	case isa.LdxH:
		t.emitZXLoad(dst, src, int32(inst.Offset), 16)
		return pc + 1, nil
	case isa.LdxB:
		t.emitZXLoad(dst, src, int32(inst.Offset), 8)
		return pc + 1, nil

	case isa.StW:
		t.a.StoreMemImm32(asm.Rd, dst, int32(inst.Offset), inst.Immediate)
		return pc + 1, nil
	case isa.StDW:
		t.a.StoreMemImm32(asm.Rq, dst, int32(inst.Offset), inst.Immediate)
		return pc + 1, nil
	case isa.StH:
		t.a.StoreMemImm16(dst, int32(inst.Offset), int16(inst.Immediate))
		return pc + 1, nil
	case isa.StB:
		t.a.StoreMemImm8(dst, int32(inst.Offset), int8(inst.Immediate))
		return pc + 1, nil

	case isa.StxW:
		t.a.StoreMem(asm.Rd, dst, int32(inst.Offset), src)
		return pc + 1, nil
	case isa.StxDW:
		t.a.StoreMem(asm.Rq, dst, int32(inst.Offset), src)
		return pc + 1, nil
	case isa.StxH:
		t.a.StoreMemWord(dst, int32(inst.Offset), src)
		return pc + 1, nil
	case isa.StxB:
		t.emitByteStore(dst, int32(inst.Offset), src)
		return pc + 1, nil
	}

	return 0, unknownOpcodeError(op, pc)
}

func (t *translator) emitArith(op asm.ArithOp, w asm.Width, dst, src int, imm int32, reg bool) {
	if reg {
		t.a.ArithRegReg(op, w, dst, src)
	} else {
		t.a.ArithRegImm(op, w, dst, imm)
	}
}

func (t *translator) emitShift(op uint8, w asm.Width, dst, src int, imm int32, reg bool) {
	var shiftOp asm.ShiftOp
	switch op & isa.OpMask {
	case isa.AluLsh:
		shiftOp = asm.ShiftShl
	case isa.AluRsh:
		shiftOp = asm.ShiftShr
	case isa.AluArsh:
		shiftOp = asm.ShiftSar
	}
	if reg {
		// The ISA requires the variable shift count in cl.
		t.a.MovRegReg(asm.Rq, regmap.RCX, src)
		t.a.ShiftCL(shiftOp, w, dst)
		return
	}
	mask := uint8(31)
	if w == asm.Rq {
		mask = 63
	}
	t.a.ShiftImm(shiftOp, w, dst, uint8(imm)&mask)
}

// emitMulDivMod implements the shared mul/div/mod sub-routine: rax/rdx are
// implicit operands to the x86 mul/div instructions, so they are saved and
// restored around the sequence unless dst already is one of them.
func (t *translator) emitMulDivMod(op uint8, w asm.Width, dst, src int, imm int32, reg bool, pc int) {
	isDiv := op&isa.OpMask == isa.AluDiv
	isMod := op&isa.OpMask == isa.AluMod
	isMul := op&isa.OpMask == isa.AluMul

	if isDiv || isMod {
		if reg {
			// MovRegImm64 between test and jz is safe: mov never touches
			// flags, and div_by_zero is a single shared trampoline, so the
			// faulting PC has to be staged into r11 right at the branch
			// that actually traps. When the branch is not taken, r11 goes
			// back to the noFault sentinel (-1) that callCompiled primed.
			t.a.TestRegReg(w, src, src)
			t.a.MovRegImm64(regmap.R11, int64(pc))
			t.a.Jcc(asm.CondE, asm.GlobalLabel("div_by_zero"))
			t.a.MovRegImm64(regmap.R11, -1)
		} else if imm == 0 {
			t.a.MovRegImm64(regmap.R11, int64(pc))
			t.a.Jmp(asm.GlobalLabel("div_by_zero"))
		}
	}

	pushedRax := dst != regmap.RAX
	if pushedRax {
		t.a.Push(regmap.RAX)
	}
	pushedRdx := dst != regmap.RDX
	if pushedRdx {
		t.a.Push(regmap.RDX)
	}

	if reg {
		t.a.MovRegReg(w, regmap.RCX, src)
	} else {
		t.a.MovRegImm32(w, regmap.RCX, imm)
	}

	t.a.MovRegReg(w, regmap.RAX, dst)

	if isDiv || isMod {
		t.a.XorZero(regmap.RDX)
		t.a.Div(w, regmap.RCX)
	} else if isMul {
		t.a.Mul(w, regmap.RCX)
	}

	if isMod {
		if dst != regmap.RDX {
			t.a.MovRegReg(w, dst, regmap.RDX)
		}
	} else {
		if dst != regmap.RAX {
			t.a.MovRegReg(w, dst, regmap.RAX)
		}
	}

	if pushedRdx {
		t.a.Pop(regmap.RDX)
	}
	if pushedRax {
		t.a.Pop(regmap.RAX)
	}
}

func (t *translator) emitEndian(op uint8, dst int, w isa.EndWidth) {
	if op == isa.Le {
		return // x86 is already little-endian.
	}
	switch w {
	case isa.Width16:
		t.a.ShiftImm(asm.ShiftRol, asm.Rw, dst, 8)
		t.a.ArithRegImm(asm.OpAnd, asm.Rq, dst, 0xffff)
	case isa.Width32:
		t.emitBswap(asm.Rd, dst)
	case isa.Width64:
		t.emitBswap(asm.Rq, dst)
	}
}

// emitBswap routes r8..r15 through rcx: bswap does not encode correctly on
// the extended registers on the assembler this system was modeled on.
func (t *translator) emitBswap(w asm.Width, dst int) {
	if dst < regmap.R8 {
		t.a.Bswap(w, dst)
		return
	}
	t.a.MovRegReg(asm.Rq, regmap.RCX, dst)
	t.a.Bswap(w, regmap.RCX)
	t.a.MovRegReg(w, dst, regmap.RCX)
}

// emitZXLoad synthesizes a zero-extending byte/halfword load: movzx is not
// reliably generated on the assembler this was modeled on, so the sequence
// clears rcx, loads the narrow value into cl/cx, then moves the full
// register into dst.
func (t *translator) emitZXLoad(dst, base int, disp int32, bits int) {
	t.a.XorZero(regmap.RCX)
	if bits == 8 {
		t.a.LoadMemByte(regmap.RCX, base, disp)
	} else {
		t.a.LoadMemWord(regmap.RCX, base, disp)
	}
	t.a.MovRegReg(asm.Rq, dst, regmap.RCX)
}

// emitByteStore moves src into cl before the byte store: the low-byte form
// of r8..r15 is not reliably generated, so byte stores always go via cl.
func (t *translator) emitByteStore(base int, disp int32, src int) {
	if src != regmap.RCX {
		t.a.MovRegReg(asm.Rq, regmap.RCX, src)
	}
	t.a.StoreMemByte(base, disp, regmap.RCX)
}

func (t *translator) emitCall(imm int) {
	// eBPF r4 maps to r9 under the default register map, but System V
	// wants the 4th helper argument in rcx; since rcx is reserved and
	// never appears in the map, stash r4's mapped register into rcx just
	// before the call. r1..r3 and r5 already line up with rdi/rsi/rdx/r8.
	t.a.MovRegReg(asm.Rq, regmap.RCX, t.regs.Register(4))
	ptr := uintptr(0)
	if imm >= 0 && imm < len(t.extFuncs) {
		ptr = t.extFuncs[imm]
	}
	t.a.MovRegImm64(regmap.RAX, int64(ptr))
	t.a.CallReg(regmap.RAX)
	// r11 is a System V scratch register the helper may clobber; put the
	// noFault sentinel (-1) back so Call does not read it as a trap.
	t.a.MovRegImm64(regmap.R11, -1)
}

func condFor(op uint8) asm.Cond {
	switch op &^ isa.SourceMask {
	case isa.JeqImm:
		return asm.CondE
	case isa.JneImm:
		return asm.CondNE
	case isa.JgtImm:
		return asm.CondA
	case isa.JgeImm:
		return asm.CondAE
	case isa.JsgtImm:
		return asm.CondG
	case isa.JsgeImm:
		return asm.CondGE
	}
	return asm.CondE
}

func (t *translator) emitBranch(op uint8, pc int, dst, src int, imm int32, offset int16) error {
	target := asm.LocalLabel(pc + int(offset) + 1)

	if op == isa.Ja {
		t.a.Jmp(target)
		return nil
	}

	reg := isa.IsReg(op)
	switch op &^ isa.SourceMask {
	case isa.JsetImm:
		if reg {
			t.a.TestRegReg(asm.Rq, dst, src)
		} else {
			t.a.TestRegImm(asm.Rq, dst, imm)
		}
		t.a.Jcc(asm.CondNE, target)
		return nil
	case isa.JeqImm, isa.JneImm, isa.JgtImm, isa.JgeImm, isa.JsgtImm, isa.JsgeImm:
		if reg {
			t.a.ArithRegReg(asm.OpCmp, asm.Rq, dst, src)
		} else {
			t.a.ArithRegImm(asm.OpCmp, asm.Rq, dst, imm)
		}
		t.a.Jcc(condFor(op), target)
		return nil
	}
	return unknownOpcodeError(op, pc)
}
