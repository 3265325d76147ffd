package asm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encoded(t *testing.T, a *Assembler) []byte {
	t.Helper()
	size, err := a.Link()
	require.NoError(t, err)
	buf := make([]byte, size)
	require.NoError(t, a.Encode(buf))
	return buf
}

func TestMovRegRegOnlyRexWForLowRegisters(t *testing.T) {
	a := New(1)
	a.MovRegReg(Rq, 0 /* rax */, 1 /* rcx */)
	assert.Equal(t, []byte{0x48, 0x89, 0xc8}, encoded(t, a))
}

func TestMovRegRegRexForExtendedRegisters(t *testing.T) {
	a := New(1)
	a.MovRegReg(Rq, 13 /* r13 */, 15 /* r15 */)
	// REX.W + REX.R (src=r15) + REX.B (dst=r13): 0x48|0x04|0x01 = 0x4d
	assert.Equal(t, []byte{0x4d, 0x89, 0xfd}, encoded(t, a))
}

func TestArithRegImmEncodesOpcodeExtension(t *testing.T) {
	a := New(1)
	a.ArithRegImm(OpSub, Rq, 0, 128)
	buf := encoded(t, a)
	require.Len(t, buf, 3+4)
	assert.Equal(t, byte(0x48), buf[0]) // REX.W
	assert.Equal(t, byte(0x81), buf[1])
	assert.Equal(t, modrmDirect(int(OpSub), 0), buf[2])
}

func TestMovRegImm64EncodesFullWidth(t *testing.T) {
	a := New(1)
	a.MovRegImm64(9 /* r9 */, -1)
	buf := encoded(t, a)
	require.Len(t, buf, 2+8)
	assert.Equal(t, byte(0x49), buf[0]) // REX.W | REX.B
	assert.Equal(t, byte(0xb9), buf[1]) // 0xb8 + (r9 & 7)
	assert.Equal(t, []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}, buf[2:])
}

func TestPushPopRoundTripExtendedRegister(t *testing.T) {
	a := New(1)
	a.Push(14) // r14
	a.Pop(14)
	assert.Equal(t, []byte{0x41, 0x56, 0x41, 0x5e}, encoded(t, a))
}

func TestJmpForwardResolvesToLocalLabel(t *testing.T) {
	a := New(2)
	a.Jmp(LocalLabel(1))
	a.DeclareLocal(1) // target is exactly where the jmp falls through
	a.Ret()

	buf := encoded(t, a)
	rel := int32(buf[1]) | int32(buf[2])<<8 | int32(buf[3])<<16 | int32(buf[4])<<24
	assert.Equal(t, byte(0xe9), buf[0])
	assert.Zero(t, rel)
	assert.Equal(t, byte(0xc3), buf[len(buf)-1])
}

func TestJccBackwardResolvesToLocalLabel(t *testing.T) {
	a := New(2)
	a.DeclareLocal(0)
	a.Ret()
	a.Jcc(CondE, LocalLabel(0))

	buf := encoded(t, a)
	// Jcc is 2 opcode bytes + 4-byte rel32, placed right after the single
	// Ret byte, so it ends at len(buf); its target is offset 0, so
	// rel = 0 - len(buf).
	rel := int32(buf[3]) | int32(buf[4])<<8 | int32(buf[5])<<16 | int32(buf[6])<<24
	assert.Equal(t, int32(0)-int32(len(buf)), rel)
	assert.Equal(t, []byte{0x0f, 0x84}, buf[1:3])
}

func TestLoadMemByteEmitsRexForExtendedBase(t *testing.T) {
	// r13 (eBPF r7's default register) as the base must still get a REX.B
	// prefix on the byte-load helper, even though the destination is
	// always rcx.
	a := New(1)
	a.LoadMemByte(1 /* rcx */, 13 /* r13 */, 4)
	buf := encoded(t, a)
	require.Len(t, buf, 1+2+4)
	assert.Equal(t, byte(0x41), buf[0]) // REX.B only
	assert.Equal(t, byte(0x8a), buf[1])
}

func TestStoreMemImm32EncodesDisp32NoSIB(t *testing.T) {
	a := New(1)
	a.StoreMemImm32(Rq, 7 /* rdi */, -16, 7)
	buf := encoded(t, a)
	require.Len(t, buf, 1+2+4+4)
	assert.Equal(t, byte(0x48), buf[0]) // REX.W
	assert.Equal(t, byte(0xc7), buf[1])
	assert.Equal(t, modrmDisp32(0, 7), buf[2])
	disp := int32(uint32(buf[3]) | uint32(buf[4])<<8 | uint32(buf[5])<<16 | uint32(buf[6])<<24)
	assert.Equal(t, int32(-16), disp)
}

func TestLinkCalledTwiceErrors(t *testing.T) {
	a := New(1)
	a.Ret()
	_, err := a.Link()
	require.NoError(t, err)
	_, err = a.Link()
	assert.Error(t, err)
}

func TestLinkUnresolvedGlobalLabelErrors(t *testing.T) {
	a := New(1)
	a.Jmp(GlobalLabel("exit"))
	_, err := a.Link()
	assert.Error(t, err)
}

func TestEncodeBeforeLinkErrors(t *testing.T) {
	a := New(1)
	a.Ret()
	err := a.Encode(make([]byte, 1))
	assert.Error(t, err)
}
