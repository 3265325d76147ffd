package vm

import (
	"fmt"
	"io"
	"os"
	"unsafe"

	"github.com/rdauria/ubpf-jit/pkg/isa"
)

// interpStackSize mirrors the 128-byte frame the JIT reserves with
// `sub rsp, 128`, so a program behaves identically whether it is
// interpreted or compiled.
const interpStackSize = 128

// InterpretStderr is where Interpret's division-by-zero trap writes its
// diagnostic; tests may redirect it to capture the line.
var InterpretStderr io.Writer = os.Stderr

// Interpret is a reference implementation of eBPF execution, used only as
// a test oracle: it exists to let tests assert jit(P)(ctx) == Interpret(P,
// ctx), never as a production fallback path.
func Interpret(v *VM, ctx uint64) (int64, error) {
	var regs [NumRegisters]uint64
	var stack [interpStackSize]byte
	regs[1] = ctx
	// r10 is the frame's low address, matching the compiled prologue's
	// `sub rsp, STACK_SIZE; mov r10, rsp`: valid offsets from r10 are
	// 0..interpStackSize-1, not negative.
	regs[10] = uint64(uintptr(unsafe.Pointer(&stack[0])))

	pc := 0
	for pc < len(v.Insts) {
		inst := v.Insts[pc]
		dst, src := inst.Dst(), inst.Src()

		switch inst.Opcode {
		case isa.Exit:
			return int64(regs[0]), nil

		case isa.Ja:
			pc += int(inst.Offset) + 1
			continue

		case isa.Call:
			idx := int(inst.Immediate)
			if idx < 0 || idx >= len(v.ExtFuncs) {
				return 0, fmt.Errorf("interpret: call to out-of-range helper %d at PC %d", idx, pc)
			}
			fn := *(*func(uint64, uint64, uint64, uint64, uint64) uint64)(unsafe.Pointer(&v.ExtFuncs[idx]))
			regs[0] = fn(regs[1], regs[2], regs[3], regs[4], regs[5])

		case isa.LdDW:
			if pc+1 >= len(v.Insts) {
				return 0, fmt.Errorf("interpret: truncated lddw at PC %d", pc)
			}
			lo := uint32(inst.Immediate)
			hi := uint32(v.Insts[pc+1].Immediate)
			regs[dst] = uint64(lo) | uint64(hi)<<32
			pc += 2
			continue

		case isa.LdxW, isa.LdxH, isa.LdxB, isa.LdxDW:
			addr := uintptr(regs[src]) + uintptr(inst.Offset)
			regs[dst] = loadMem(inst.Opcode, addr)

		case isa.StW, isa.StH, isa.StB, isa.StDW:
			addr := uintptr(regs[dst]) + uintptr(inst.Offset)
			storeMem(stOpWidth(inst.Opcode), addr, uint64(inst.Immediate))

		case isa.StxW, isa.StxH, isa.StxB, isa.StxDW:
			addr := uintptr(regs[dst]) + uintptr(inst.Offset)
			storeMem(stxOpWidth(inst.Opcode), addr, regs[src])

		case isa.Le:
			// x86 is little-endian: no-op regardless of width.

		case isa.Be:
			regs[dst] = byteswap(regs[dst], isa.EndWidth(inst.Immediate))

		default:
			switch isa.ClassOf(inst.Opcode) {
			case isa.ClassALU, isa.ClassALU64:
				halted, err := execALU(inst, &regs, pc)
				if err != nil {
					return 0, err
				}
				if halted {
					return int64(regs[0]), nil
				}
			case isa.ClassJMP:
				taken, err := evalBranch(inst, &regs)
				if err != nil {
					return 0, err
				}
				if taken {
					pc += int(inst.Offset)
				}
			default:
				return 0, fmt.Errorf("interpret: unknown opcode %#02x at PC %d", inst.Opcode, pc)
			}
		}
		pc++
	}
	return int64(regs[0]), nil
}

// execALU performs one ALU/ALU64 instruction. It returns halted=true when
// the instruction is a division or modulo by zero: the program is done,
// with r0 set to -1 and the diagnostic already printed, exactly as the
// compiled trampoline behaves.
func execALU(inst Instruction, regs *[NumRegisters]uint64, pc int) (bool, error) {
	dst, src := inst.Dst(), inst.Src()
	op := inst.Opcode & isa.OpMask
	is64 := isa.ClassOf(inst.Opcode) == isa.ClassALU64

	operand := uint64(inst.Immediate)
	if isa.IsReg(inst.Opcode) {
		operand = regs[src]
	}

	a, b := regs[dst], operand
	var r uint64
	switch op {
	case isa.AluAdd:
		r = a + b
	case isa.AluSub:
		r = a - b
	case isa.AluMul:
		r = a * b
	case isa.AluDiv:
		if b == 0 {
			fmt.Fprintf(InterpretStderr, "uBPF error: division by zero at PC %d\n", pc)
			regs[0] = uint64(int64(-1))
			return true, nil
		}
		r = a / b
	case isa.AluMod:
		if b == 0 {
			fmt.Fprintf(InterpretStderr, "uBPF error: division by zero at PC %d\n", pc)
			regs[0] = uint64(int64(-1))
			return true, nil
		}
		r = a % b
	case isa.AluOr:
		r = a | b
	case isa.AluAnd:
		r = a & b
	case isa.AluLsh:
		r = a << (b & shiftMask(is64))
	case isa.AluRsh:
		r = a >> (b & shiftMask(is64))
	case isa.AluNeg:
		r = uint64(-int64(a))
	case isa.AluXor:
		r = a ^ b
	case isa.AluMov:
		r = b
	case isa.AluArsh:
		if is64 {
			r = uint64(int64(a) >> (b & 63))
		} else {
			r = uint64(uint32(int32(uint32(a)) >> (b & 31)))
		}
	default:
		return false, fmt.Errorf("interpret: unknown ALU op %#02x at PC %d", inst.Opcode, pc)
	}
	if !is64 {
		r = uint64(uint32(r))
	}
	regs[dst] = r
	return false, nil
}

func evalBranch(inst Instruction, regs *[NumRegisters]uint64) (bool, error) {
	dst, src := inst.Dst(), inst.Src()
	operand := uint64(inst.Immediate)
	if isa.IsReg(inst.Opcode) {
		operand = regs[src]
	}
	a, b := regs[dst], operand

	switch inst.Opcode &^ isa.SourceMask {
	case isa.Ja:
		return true, nil
	case isa.JeqImm:
		return a == b, nil
	case isa.JneImm:
		return a != b, nil
	case isa.JgtImm:
		return a > b, nil
	case isa.JgeImm:
		return a >= b, nil
	case isa.JsgtImm:
		return int64(a) > int64(b), nil
	case isa.JsgeImm:
		return int64(a) >= int64(b), nil
	case isa.JsetImm:
		return a&b != 0, nil
	default:
		return false, fmt.Errorf("interpret: unknown branch opcode %#02x", inst.Opcode)
	}
}

func shiftMask(is64 bool) uint64 {
	if is64 {
		return 63
	}
	return 31
}

func byteswap(v uint64, w isa.EndWidth) uint64 {
	switch w {
	case isa.Width16:
		return uint64(uint16(v>>8) | uint16(v)<<8)
	case isa.Width32:
		x := uint32(v)
		return uint64(x>>24 | (x>>8)&0xff00 | (x<<8)&0xff0000 | x<<24)
	case isa.Width64:
		var r uint64
		for i := 0; i < 8; i++ {
			r = r<<8 | (v & 0xff)
			v >>= 8
		}
		return r
	default:
		return v
	}
}

func stOpWidth(op uint8) int {
	switch op {
	case isa.StB:
		return 1
	case isa.StH:
		return 2
	case isa.StW:
		return 4
	default:
		return 8
	}
}

func stxOpWidth(op uint8) int {
	switch op {
	case isa.StxB:
		return 1
	case isa.StxH:
		return 2
	case isa.StxW:
		return 4
	default:
		return 8
	}
}

func loadMem(op uint8, addr uintptr) uint64 {
	switch op {
	case isa.LdxB:
		return uint64(*(*uint8)(unsafe.Pointer(addr)))
	case isa.LdxH:
		return uint64(*(*uint16)(unsafe.Pointer(addr)))
	case isa.LdxW:
		return uint64(*(*uint32)(unsafe.Pointer(addr)))
	default:
		return *(*uint64)(unsafe.Pointer(addr))
	}
}

func storeMem(width int, addr uintptr, val uint64) {
	switch width {
	case 1:
		*(*uint8)(unsafe.Pointer(addr)) = uint8(val)
	case 2:
		*(*uint16)(unsafe.Pointer(addr)) = uint16(val)
	case 4:
		*(*uint32)(unsafe.Pointer(addr)) = uint32(val)
	default:
		*(*uint64)(unsafe.Pointer(addr)) = val
	}
}
