package vm

import "fmt"

// Instruction represents a eBPF instruction.
//
// msb                                                        lsb
// +------------------------+----------------+----+----+--------+
// |immediate               |offset          |src |dst |opcode  |
// +------------------------+----------------+----+----+--------+
//
// From least significant to most significant bit:
// 8 bit opcode
// 4 bit destination register (dst)
// 4 bit source register (src)
// 16 bit offset
// 32 bit immediate (imm)
//
// Some instructions can be called with immediates larger than 32 bits.
// These are provided with subsequent 64-bit words where the opcode, dst, src
// and offset are all zero.
// e.g.
//    opcode  dst+src     offset         immediate
// 1: [0x18]  [0x1a]   [0x00 0x01] [0x01 0x02 0x03 0x04]
// 2: [0x00]  [0x00]   [0x00 0x00] [0x05 0x06 0x07 0x08]
type Instruction struct {
	// Opcode is the instruction's opcode.
	Opcode uint8

	// DstSrc contains both destination and source registers.
	// Dst occupies the 4 LSB, Src occupies the 4 MSB.
	DstSrc uint8

	// Offset is the offset for the current instruction.
	Offset int16

	// Immediate is the immediate value for the instruction
	Immediate int32
}

func (i *Instruction) String() string {
	return fmt.Sprintf("opcode: %#02x, dst: %d, src: %d, offset: %d, imm: %d",
		i.Opcode, i.Dst(), i.Src(), i.Offset, i.Immediate)
}

// Dst returns the destination register index (0..10).
func (i *Instruction) Dst() uint8 { return i.DstSrc & 0x0f }

// Src returns the source register index (0..10).
func (i *Instruction) Src() uint8 { return i.DstSrc >> 4 }

// opLdDW is the wide-immediate load opcode; duplicated here (rather than
// importing pkg/isa) to keep Instruction a leaf, dependency-free type.
const opLdDW = 0x18

// Size reports how many Instruction slots this instruction occupies: 2 for
// LDDW, which consumes the following slot for the upper half of its
// 64-bit immediate, 1 otherwise.
func (i *Instruction) Size() int {
	if i.Opcode == opLdDW {
		return 2
	}
	return 1
}
