// Package regmap holds the fixed mapping from eBPF registers 0..10 onto a
// subset of x86-64 GPRs. It is pure data: the translator asks it for a
// register number and never hardcodes one itself, so that the map can be
// rotated or permuted under test without touching emission code.
package regmap

// x86-64 general-purpose register numbers, ModRM/REX encoding order.
const (
	RAX = 0
	RCX = 1
	RDX = 2
	RBX = 3
	RSP = 4
	RBP = 5
	RSI = 6
	RDI = 7
	R8  = 8
	R9  = 9
	R10 = 10
	R11 = 11
	R12 = 12
	R13 = 13
	R14 = 14
	R15 = 15
)

// NumRegisters is the number of eBPF registers (r0..r10).
const NumRegisters = 11

// Map is the per-compile eBPF register -> x86-64 register assignment.
// rcx, rsp and r12 never appear in a Map: rcx is reserved for variable
// shift counts, byte-register access and pre-call staging; rsp is the
// native stack pointer; r12 is excluded because the assembler this system
// was modeled on cannot reliably encode it.
type Map [NumRegisters]int

// Default returns the canonical eBPF-register -> x86-64-register table.
func Default() Map {
	return Map{
		RAX, // r0
		RDI, // r1
		RSI, // r2
		RDX, // r3
		R9,  // r4
		R8,  // r5
		RBX, // r6
		R13, // r7
		R14, // r8
		R15, // r9
		RBP, // r10
	}
}

// Register returns the x86-64 register assigned to eBPF register i.
// i must be in [0,10]; an out-of-range index means the verifier handed us
// a malformed instruction, which is a precondition violation, not a
// runtime error.
func (m Map) Register(i uint8) int {
	if int(i) >= NumRegisters {
		panic("regmap: eBPF register index out of range")
	}
	return m[i]
}

// CalleeSaved lists the registers this map uses that must be preserved by
// the compiled function, in prologue push order. The epilogue pops in the
// reverse of this order.
func (m Map) CalleeSaved() []int {
	saved := make([]int, 0, 5)
	candidates := []int{RBP, RBX, R13, R14, R15}
	seen := make(map[int]bool, len(m))
	for _, r := range m {
		seen[r] = true
	}
	for _, c := range candidates {
		if seen[c] {
			saved = append(saved, c)
		}
	}
	return saved
}

// WithOffset returns a new Map derived from m: a rotation by x positions
// (mod NumRegisters) when x < NumRegisters, otherwise a Fisher-Yates
// shuffle seeded by x. This exists purely as a test hook, to prove the
// translator never hardcodes a register identity instead of going through
// Register.
func (m Map) WithOffset(x int) Map {
	if x < NumRegisters {
		var out Map
		for i := 0; i < NumRegisters; i++ {
			out[i] = m[(i+x)%NumRegisters]
		}
		return out
	}

	out := m
	rnd := lcg(uint64(x))
	for i := NumRegisters - 1; i > 0; i-- {
		j := int(rnd.next() % uint64(i+1))
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// lcg is a tiny deterministic generator so WithOffset doesn't need
// math/rand's global state (and stays reproducible across runs for a
// given seed, which is all the test hook needs).
type lcg uint64

func (s *lcg) next() uint64 {
	*s = *s*6364136223846793005 + 1442695040888963407
	return uint64(*s)
}
