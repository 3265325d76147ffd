package jit

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rdauria/ubpf-jit/pkg/vm"
)

// sysvSum5 is declared in helper_amd64_test.s; it reads its five arguments
// straight out of rdi/rsi/rdx/rcx/r8, the same registers emitCall arranges
// before `call rax`.
func sysvSum5(a, b, c, d, e uint64) uint64

func inst(opcode uint8, dst, src uint8, offset int16, imm int32) vm.Instruction {
	return vm.Instruction{Opcode: opcode, DstSrc: dst | src<<4, Offset: offset, Immediate: imm}
}

// runBoth compiles and interprets the same program against the same ctx,
// asserting the two execution strategies agree (the jit/interpret
// equivalence property), then returns the jitted result.
func runBoth(t *testing.T, prog []vm.Instruction, ctx uint64) int64 {
	t.Helper()

	v := &vm.VM{Insts: prog}
	entry, size, err := Compile(v, DefaultOptions())
	require.NoError(t, err)
	require.NotZero(t, entry)
	require.Greater(t, size, 0)
	defer v.Close()

	jitResult := Call(entry, ctx)

	interpV := &vm.VM{Insts: prog}
	interpResult, err := vm.Interpret(interpV, ctx)
	require.NoError(t, err)

	assert.Equal(t, interpResult, jitResult, "jit and interpret must agree")
	return jitResult
}

func TestCompileIdentity(t *testing.T) {
	prog := []vm.Instruction{
		inst(0xbf /* mov64 r0,r1 */, 0, 1, 0, 0),
		inst(0x95 /* exit */, 0, 0, 0, 0),
	}
	result := runBoth(t, prog, 12345)
	assert.EqualValues(t, 12345, result)
}

func TestCompileAddImmediateWraps(t *testing.T) {
	prog := []vm.Instruction{
		inst(0xbf, 0, 1, 0, 0),
		inst(0x04 /* add32 r0, 1 */, 0, 0, 0, 1),
		inst(0x95, 0, 0, 0, 0),
	}
	result := runBoth(t, prog, 0xffffffff)
	assert.EqualValues(t, 0, result)
}

func TestCompileUnsignedBranch(t *testing.T) {
	// jgt r1, -1 (unsigned huge), offset 2: 0xff..fe is not unsigned
	// greater than 0xff..ff, so the not-taken arm runs.
	prog := []vm.Instruction{
		inst(0x25 /* jgt imm */, 1, 0, 2, -1),
		inst(0xb7, 0, 0, 0, 0), // r0 = 0
		inst(0x95, 0, 0, 0, 0),
		inst(0xb7, 0, 0, 0, 1), // r0 = 1
		inst(0x95, 0, 0, 0, 0),
	}
	result := runBoth(t, prog, ^uint64(0)-1)
	assert.EqualValues(t, 0, result)
}

func TestCompileSignedBranch(t *testing.T) {
	// jsgt r1, -2, offset 2: -1 > -2 is true, taken arm runs.
	prog := []vm.Instruction{
		inst(0x65 /* jsgt imm */, 1, 0, 2, -2),
		inst(0xb7, 0, 0, 0, 0),
		inst(0x95, 0, 0, 0, 0),
		inst(0xb7, 0, 0, 0, 1),
		inst(0x95, 0, 0, 0, 0),
	}
	result := runBoth(t, prog, ^uint64(0))
	assert.EqualValues(t, 1, result)
}

func TestCompileDivByZero(t *testing.T) {
	prog := []vm.Instruction{
		inst(0xbf, 0, 1, 0, 0),
		inst(0xb7 /* mov64 r2, 0 */, 2, 0, 0, 0),
		inst(0x3f /* div64 r0, r2 */, 0, 2, 0, 0),
		inst(0x95, 0, 0, 0, 0),
	}
	result := runBoth(t, prog, 7)
	assert.EqualValues(t, -1, result)
}

func TestCompileLddw(t *testing.T) {
	prog := []vm.Instruction{
		inst(0x18 /* lddw */, 0, 0, 0, 0x00000001),
		inst(0, 0, 0, 0, 0x00000002),
		inst(0x95, 0, 0, 0, 0),
	}
	result := runBoth(t, prog, 0)
	assert.EqualValues(t, 0x0000000200000001, result)
}

func TestCompileIsIdempotent(t *testing.T) {
	v := &vm.VM{Insts: []vm.Instruction{
		inst(0xbf, 0, 1, 0, 0),
		inst(0x95, 0, 0, 0, 0),
	}}
	entry1, size1, err := Compile(v, DefaultOptions())
	require.NoError(t, err)
	entry2, size2, err := Compile(v, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, entry1, entry2)
	assert.Equal(t, size1, size2)
	require.NoError(t, v.Close())
}

func TestCompileRegisterOffsetInvariant(t *testing.T) {
	prog := []vm.Instruction{
		inst(0xbf, 0, 1, 0, 0),
		inst(0x07 /* add64 imm */, 0, 0, 0, 5),
		inst(0x95, 0, 0, 0, 0),
	}

	base := DefaultOptions()
	for _, offset := range []int{0, 1, 5, 11, 99} {
		opts := Options{Registers: base.Registers.WithOffset(offset), ElideTrailingExit: true}
		v := &vm.VM{Insts: prog}
		entry, _, err := Compile(v, opts)
		require.NoError(t, err)
		result := Call(entry, 10)
		assert.EqualValues(t, 15, result, "offset %d must not change program semantics", offset)
		require.NoError(t, v.Close())
	}
}

// TestCompileCallInvokesExtFuncWithSystemVArgs exercises emitCall's
// argument arrangement directly: r1..r5 loaded with five distinct values,
// a CALL through ExtFuncs[0], then exit on whatever the helper left in
// rax (r0's register). It bypasses runBoth because ExtFuncs holds a raw
// System V entry address here, not the Go-funcval pointer
// vm.Interpret's Call case expects.
func TestCompileCallInvokesExtFuncWithSystemVArgs(t *testing.T) {
	prog := []vm.Instruction{
		inst(0xb7 /* mov64 r2, imm */, 2, 0, 0, 20),
		inst(0xb7, 3, 0, 0, 300),
		inst(0xb7, 4, 0, 0, 4000),
		inst(0xb7, 5, 0, 0, 50000),
		inst(0x85 /* call */, 0, 0, 0, 0),
		inst(0x95, 0, 0, 0, 0),
	}
	v := &vm.VM{
		Insts:    prog,
		ExtFuncs: []uintptr{reflect.ValueOf(sysvSum5).Pointer()},
	}
	entry, size, err := Compile(v, DefaultOptions())
	require.NoError(t, err)
	require.NotZero(t, entry)
	require.Greater(t, size, 0)
	defer v.Close()

	// ctx arrives in r1, mapped to rdi: the helper's first argument.
	result := Call(entry, 1)
	assert.EqualValues(t, 1+20+300+4000+50000, result)
}

// TestCompileStackStoreLoadRoundTrips exercises StxDW/LdxDW through r10,
// the eBPF stack pointer, with the offsets fixed by the compiled
// prologue's `sub rsp, STACK_SIZE; mov r10, rsp`: 0..127, not negative.
func TestCompileStackStoreLoadRoundTrips(t *testing.T) {
	prog := []vm.Instruction{
		inst(0x7b /* stxdw [r10+0], r1 */, 10, 1, 0, 0),
		inst(0x79 /* ldxdw r0, [r10+0] */, 0, 10, 0, 0),
		inst(0x95, 0, 0, 0, 0),
	}
	result := runBoth(t, prog, 0xdeadbeefcafebabe)
	assert.EqualValues(t, 0xdeadbeefcafebabe, result)
}

func TestCompileUnknownOpcodeReturnsError(t *testing.T) {
	prog := []vm.Instruction{
		inst(0xff, 0, 0, 0, 0),
	}
	v := &vm.VM{Insts: prog}
	_, _, err := Compile(v, DefaultOptions())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown opcode")
}
