// Package asm is a small two-pass, in-process x86-64 assembler. It exists
// because the retrieved corpus has no pre-built library for assembling
// machine code directly into an executable page at runtime (see the
// project's DESIGN.md); it is purpose-built for exactly the instruction
// forms pkg/jit needs; it knows nothing about eBPF.
//
// Pass one is ordinary emission: every instruction form this assembler
// supports has a statically known encoded length, so as each primitive is
// called the resulting bytes are appended directly to the code buffer and
// label declarations can record their offset immediately. A forward branch
// cannot yet know its target's offset, so its relative displacement is
// left as a zeroed placeholder and a relocation record is kept. Pass two,
// Link, walks the relocation records now that every label has a final
// offset and patches the placeholders in place.
package asm

import (
	"encoding/binary"
	"fmt"
)

// Width selects the operand width of an instruction.
type Width int

const (
	Rb Width = 8
	Rw Width = 16
	Rd Width = 32
	Rq Width = 64
)

// Cond is an x86 condition code, used for conditional jumps.
type Cond uint8

const (
	CondO  Cond = 0x0
	CondNO Cond = 0x1
	CondB  Cond = 0x2
	CondAE Cond = 0x3
	CondE  Cond = 0x4
	CondNE Cond = 0x5
	CondBE Cond = 0x6
	CondA  Cond = 0x7
	CondS  Cond = 0x8
	CondNS Cond = 0x9
	CondL  Cond = 0xc
	CondGE Cond = 0xd
	CondLE Cond = 0xe
	CondG  Cond = 0xf
)

// ArithOp identifies one of the group-1 ALU operations (opcode /n field).
type ArithOp int

const (
	OpAdd ArithOp = 0
	OpOr  ArithOp = 1
	OpAnd ArithOp = 4
	OpSub ArithOp = 5
	OpXor ArithOp = 6
	OpCmp ArithOp = 7
)

// ShiftOp identifies one of the group-2 shift operations (opcode /n field).
type ShiftOp int

const (
	ShiftRol ShiftOp = 0
	ShiftShl ShiftOp = 4
	ShiftShr ShiftOp = 5
	ShiftSar ShiftOp = 7
)

type labelKind int

const (
	kindLocal labelKind = iota
	kindGlobal
)

// Label references a branch target: a PC-indexed local label or one of
// the small set of named global labels (entry, exit, exit2, div_by_zero).
type Label struct {
	kind labelKind
	pc   int
	name string
}

// LocalLabel references the eBPF PC p as a branch target.
func LocalLabel(pc int) Label { return Label{kind: kindLocal, pc: pc} }

// GlobalLabel references a named global label.
func GlobalLabel(name string) Label { return Label{kind: kindGlobal, name: name} }

type labelState struct {
	defined bool
	offset  int
}

type relocation struct {
	patchAt  int // offset of the 4-byte rel32 field
	instrEnd int // offset immediately after the branch instruction
	target   Label
}

// Assembler accumulates machine code for a single compile call. It is not
// safe for concurrent use and must not be reused across compiles.
type Assembler struct {
	code    []byte
	locals  []labelState
	globals map[string]*labelState
	relocs  []relocation
	linked  bool
}

// New allocates an Assembler able to hold numInsts PC-indexed local labels.
func New(numInsts int) *Assembler {
	return &Assembler{
		code:    make([]byte, 0, numInsts*8),
		locals:  make([]labelState, numInsts),
		globals: make(map[string]*labelState, 4),
	}
}

// Len returns the number of bytes emitted so far.
func (a *Assembler) Len() int { return len(a.code) }

// DeclareLocal marks the current position as the branch target for eBPF
// PC pc.
func (a *Assembler) DeclareLocal(pc int) {
	a.locals[pc] = labelState{defined: true, offset: len(a.code)}
}

// DeclareGlobal marks the current position as the named global label.
func (a *Assembler) DeclareGlobal(name string) {
	a.globals[name] = &labelState{defined: true, offset: len(a.code)}
}

func (a *Assembler) resolve(l Label) (*labelState, error) {
	switch l.kind {
	case kindLocal:
		if l.pc < 0 || l.pc >= len(a.locals) {
			return nil, fmt.Errorf("asm: local label PC %d out of range", l.pc)
		}
		return &a.locals[l.pc], nil
	case kindGlobal:
		st, ok := a.globals[l.name]
		if !ok {
			st = &labelState{}
			a.globals[l.name] = st
		}
		return st, nil
	default:
		return nil, fmt.Errorf("asm: unknown label kind")
	}
}

// --- raw emission helpers ---

func (a *Assembler) emit(b ...byte) { a.code = append(a.code, b...) }

func (a *Assembler) emitImm32(v int32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(v))
	a.emit(buf[:]...)
}

func (a *Assembler) emitImm64(v int64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(v))
	a.emit(buf[:]...)
}

func ext(reg int) bool { return reg >= 8 }

// rex builds a REX prefix. It is omitted entirely when w, rExt and bExt are
// all false/zero, since none of the instructions here require SIB/index
// extension.
func rex(w, rExt, bExt bool) (byte, bool) {
	if !w && !rExt && !bExt {
		return 0, false
	}
	b := byte(0x40)
	if w {
		b |= 0x08
	}
	if rExt {
		b |= 0x04
	}
	if bExt {
		b |= 0x01
	}
	return b, true
}

func modrmDirect(regField, rm int) byte {
	return byte(3<<6 | (regField&7)<<3 | (rm & 7))
}

func modrmDisp32(regField, base int) byte {
	return byte(2<<6 | (regField&7)<<3 | (base & 7))
}

func opSizePrefix(w Width) []byte {
	if w == Rw {
		return []byte{0x66}
	}
	return nil
}

// --- register/register and register/immediate ALU ---

// MovRegReg emits mov dst, src (register to register), width Rd/Rq.
func (a *Assembler) MovRegReg(w Width, dst, src int) {
	a.regRegOp(w, 0x89, src, dst) // MOV Ev,Gv: rm=dst, reg=src
}

// ArithRegReg emits op dst, src for add/sub/or/and/xor/cmp, width Rd/Rq.
func (a *Assembler) ArithRegReg(op ArithOp, w Width, dst, src int) {
	opcode := map[ArithOp]byte{
		OpAdd: 0x01, OpOr: 0x09, OpAnd: 0x21, OpSub: 0x29, OpXor: 0x31, OpCmp: 0x39,
	}[op]
	a.regRegOp(w, opcode, src, dst) // Ev,Gv form: rm=dst, reg=src
}

// TestRegReg emits test dst, src, width Rd/Rq.
func (a *Assembler) TestRegReg(w Width, dst, src int) {
	a.regRegOp(w, 0x85, src, dst)
}

func (a *Assembler) regRegOp(w Width, opcode byte, regField, rm int) {
	if p, ok := rex(w == Rq, ext(regField), ext(rm)); ok {
		a.emit(p)
	}
	a.emit(opcode, modrmDirect(regField, rm))
}

// MovRegImm32 emits mov dst, imm32, sign-extended to 64 bits when w==Rq.
func (a *Assembler) MovRegImm32(w Width, dst int, imm int32) {
	if p, ok := rex(w == Rq, false, ext(dst)); ok {
		a.emit(p)
	}
	a.emit(0xc7, modrmDirect(0, dst))
	a.emitImm32(imm)
}

// MovRegImm64 emits a full 64-bit immediate load: mov dst, imm64.
func (a *Assembler) MovRegImm64(dst int, imm int64) {
	p, _ := rex(true, false, ext(dst))
	a.emit(p, 0xb8+byte(dst&7))
	a.emitImm64(imm)
}

// ArithRegImm emits op dst, imm32 for add/sub/or/and/xor/cmp, width Rd/Rq.
func (a *Assembler) ArithRegImm(op ArithOp, w Width, dst int, imm int32) {
	if p, ok := rex(w == Rq, false, ext(dst)); ok {
		a.emit(p)
	}
	a.emit(0x81, modrmDirect(int(op), dst))
	a.emitImm32(imm)
}

// TestRegImm emits test dst, imm32, width Rd/Rq.
func (a *Assembler) TestRegImm(w Width, dst int, imm int32) {
	if p, ok := rex(w == Rq, false, ext(dst)); ok {
		a.emit(p)
	}
	a.emit(0xf7, modrmDirect(0, dst))
	a.emitImm32(imm)
}

// ShiftImm emits shl/shr/sar/rol dst, imm8, width Rw/Rd/Rq.
func (a *Assembler) ShiftImm(op ShiftOp, w Width, dst int, imm uint8) {
	a.emit(opSizePrefix(w)...)
	if p, ok := rex(w == Rq, false, ext(dst)); ok {
		a.emit(p)
	}
	a.emit(0xc1, modrmDirect(int(op), dst), imm)
}

// ShiftCL emits shl/shr/sar dst, cl, width Rd/Rq.
func (a *Assembler) ShiftCL(op ShiftOp, w Width, dst int) {
	if p, ok := rex(w == Rq, false, ext(dst)); ok {
		a.emit(p)
	}
	a.emit(0xd3, modrmDirect(int(op), dst))
}

// Neg emits neg dst, width Rd/Rq.
func (a *Assembler) Neg(w Width, dst int) {
	if p, ok := rex(w == Rq, false, ext(dst)); ok {
		a.emit(p)
	}
	a.emit(0xf7, modrmDirect(3, dst))
}

// Mul emits the unsigned one-operand mul rcx/ecx form (mul Ev): result in
// rdx:rax (64-bit) or edx:eax (32-bit).
func (a *Assembler) Mul(w Width, src int) {
	if p, ok := rex(w == Rq, false, ext(src)); ok {
		a.emit(p)
	}
	a.emit(0xf7, modrmDirect(4, src))
}

// Div emits the unsigned one-operand div rcx/ecx form: dividend rdx:rax
// (64-bit) or edx:eax (32-bit), quotient in rax/eax, remainder in rdx/edx.
func (a *Assembler) Div(w Width, src int) {
	if p, ok := rex(w == Rq, false, ext(src)); ok {
		a.emit(p)
	}
	a.emit(0xf7, modrmDirect(6, src))
}

// Bswap emits bswap dst, width Rd/Rq, with REX.B for r8..r15. pkg/jit
// still routes r8..r15 through rcx before calling this, a workaround
// carried over from the assembler this one was modeled on.
func (a *Assembler) Bswap(w Width, dst int) {
	if p, ok := rex(w == Rq, false, ext(dst)); ok {
		a.emit(p)
	}
	a.emit(0x0f, 0xc8+byte(dst&7))
}

// XorZero emits xor reg, reg (the canonical zeroing idiom), always 32-bit
// since it implicitly zero-extends to 64 bits.
func (a *Assembler) XorZero(reg int) {
	a.ArithRegReg(OpXor, Rd, reg, reg)
}

// Push emits push reg (64-bit implicit width).
func (a *Assembler) Push(reg int) {
	if p, ok := rex(false, false, ext(reg)); ok {
		a.emit(p)
	}
	a.emit(0x50 + byte(reg&7))
}

// Pop emits pop reg (64-bit implicit width).
func (a *Assembler) Pop(reg int) {
	if p, ok := rex(false, false, ext(reg)); ok {
		a.emit(p)
	}
	a.emit(0x58 + byte(reg&7))
}

// Ret emits ret.
func (a *Assembler) Ret() { a.emit(0xc3) }

// CallReg emits call reg (indirect near call through a register).
func (a *Assembler) CallReg(reg int) {
	if p, ok := rex(false, false, ext(reg)); ok {
		a.emit(p)
	}
	a.emit(0xff, modrmDirect(2, reg))
}

// --- memory operands: always [base + disp32], never indexed ---

// LoadMem emits mov dst, [base+disp32], width Rd/Rq (Rd implicitly
// zero-extends the upper 32 bits of dst).
func (a *Assembler) LoadMem(w Width, dst, base int, disp int32) {
	if p, ok := rex(w == Rq, ext(dst), ext(base)); ok {
		a.emit(p)
	}
	a.emit(0x8b, modrmDisp32(dst, base))
	a.emitImm32(disp)
}

// StoreMem emits mov [base+disp32], src, width Rd/Rq.
func (a *Assembler) StoreMem(w Width, base int, disp int32, src int) {
	if p, ok := rex(w == Rq, ext(src), ext(base)); ok {
		a.emit(p)
	}
	a.emit(0x89, modrmDisp32(src, base))
	a.emitImm32(disp)
}

// LoadMemByte emits mov cl, [base+disp32] (zero-extending byte load helper
// uses this together with XorZero(rcx) and a MovRegReg to the real dst).
func (a *Assembler) LoadMemByte(dst, base int, disp int32) {
	// 8A /r: MOV Gb, Eb. dst is restricted to a low byte-addressable
	// register (al/cl/dl/bl) by callers, per the documented constraint
	// that r8b..r15b are not reliably usable.
	if p, ok := rex(false, false, ext(base)); ok {
		a.emit(p)
	}
	a.emit(0x8a, modrmDisp32(dst, base))
	a.emitImm32(disp)
}

// LoadMemWord emits mov cx, [base+disp32] (16-bit zero-extending helper).
func (a *Assembler) LoadMemWord(dst, base int, disp int32) {
	a.emit(0x66)
	if p, ok := rex(false, false, ext(base)); ok {
		a.emit(p)
	}
	a.emit(0x8b, modrmDisp32(dst, base))
	a.emitImm32(disp)
}

// StoreMemByte emits mov [base+disp32], cl.
func (a *Assembler) StoreMemByte(base int, disp int32, src int) {
	if p, ok := rex(false, false, ext(base)); ok {
		a.emit(p)
	}
	a.emit(0x88, modrmDisp32(src, base))
	a.emitImm32(disp)
}

// StoreMemWord emits mov [base+disp32], src (16-bit).
func (a *Assembler) StoreMemWord(base int, disp int32, src int) {
	a.emit(0x66)
	if p, ok := rex(false, ext(src), ext(base)); ok {
		a.emit(p)
	}
	a.emit(0x89, modrmDisp32(src, base))
	a.emitImm32(disp)
}

// StoreMemImm32 emits mov dword/qword [base+disp32], imm32 (sign-extended
// for the qword form).
func (a *Assembler) StoreMemImm32(w Width, base int, disp int32, imm int32) {
	if p, ok := rex(w == Rq, false, ext(base)); ok {
		a.emit(p)
	}
	a.emit(0xc7, modrmDisp32(0, base))
	a.emitImm32(disp)
	a.emitImm32(imm)
}

// StoreMemImm16 emits mov word [base+disp32], imm16.
func (a *Assembler) StoreMemImm16(base int, disp int32, imm int16) {
	a.emit(0x66)
	if p, ok := rex(false, false, ext(base)); ok {
		a.emit(p)
	}
	a.emit(0xc7, modrmDisp32(0, base))
	a.emitImm32(disp)
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], uint16(imm))
	a.emit(buf[:]...)
}

// StoreMemImm8 emits mov byte [base+disp32], imm8.
func (a *Assembler) StoreMemImm8(base int, disp int32, imm int8) {
	if p, ok := rex(false, false, ext(base)); ok {
		a.emit(p)
	}
	a.emit(0xc6, modrmDisp32(0, base))
	a.emitImm32(disp)
	a.emit(byte(imm))
}

// --- control flow ---

// Jmp emits an unconditional near jump (jmp rel32) to label.
func (a *Assembler) Jmp(label Label) {
	a.emit(0xe9)
	a.emitRel32(label)
}

// Jcc emits a conditional near jump (0F 8x rel32) to label.
func (a *Assembler) Jcc(cc Cond, label Label) {
	a.emit(0x0f, 0x80+byte(cc))
	a.emitRel32(label)
}

func (a *Assembler) emitRel32(label Label) {
	patchAt := len(a.code)
	a.emitImm32(0)
	a.relocs = append(a.relocs, relocation{
		patchAt:  patchAt,
		instrEnd: len(a.code),
		target:   label,
	})
}

// Link resolves every recorded branch against its label's final offset and
// patches the code buffer in place. It must be called exactly once, after
// every instruction has been emitted and every label declared. It returns
// the total encoded size.
func (a *Assembler) Link() (int, error) {
	if a.linked {
		return 0, fmt.Errorf("asm: Link called twice")
	}
	for _, r := range a.relocs {
		st, err := a.resolve(r.target)
		if err != nil {
			return 0, err
		}
		if !st.defined {
			return 0, fmt.Errorf("asm: branch target %+v never declared", r.target)
		}
		rel := int32(st.offset - r.instrEnd)
		binary.LittleEndian.PutUint32(a.code[r.patchAt:r.patchAt+4], uint32(rel))
	}
	a.linked = true
	return len(a.code), nil
}

// Encode copies the final, linked code into dst, which must be at least
// Len() bytes.
func (a *Assembler) Encode(dst []byte) error {
	if !a.linked {
		return fmt.Errorf("asm: Encode called before Link")
	}
	if len(dst) < len(a.code) {
		return fmt.Errorf("asm: destination buffer too small: have %d, need %d", len(dst), len(a.code))
	}
	copy(dst, a.code)
	return nil
}
