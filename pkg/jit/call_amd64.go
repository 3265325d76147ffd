package jit

// noFault is what callCompiled primes r11 with before every call. Compiled
// code stages the eBPF PC into r11 ahead of each division-by-zero check
// and puts noFault back when the check passes and after every helper
// call, so any other value on return means a division trapped.
const noFault = ^uint64(0)

// Call invokes a compiled eBPF entry point with the eBPF calling
// convention: ctx is passed in the register mapped from r1, the int64
// result comes back in the register mapped from r0. See call_amd64.s for
// the actual System V call; this boundary exists because Go cannot call a
// bare uintptr as a function without an assembly trampoline.
func Call(entry uintptr, ctx uint64) int64 {
	result, faultPC := callCompiled(entry, ctx)
	if faultPC != noFault {
		logDivByZero(faultPC)
	}
	return result
}

// callCompiled is implemented in call_amd64.s.
func callCompiled(entry uintptr, ctx uint64) (result int64, faultPC uint64)
