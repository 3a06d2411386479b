package backend

/*
#include <stdint.h>

typedef int64_t (*fn1)(int64_t);
typedef int64_t (*fn2)(int64_t, int64_t);

static int64_t callFn1(void *f, int64_t a) { return ((fn1)f)(a); }
static int64_t callFn2(void *f, int64_t a, int64_t b) { return ((fn2)f)(a, b); }
*/
import "C"

import "unsafe"

// callFunc1/callFunc2 invoke a compiled function's entry point as a real
// SysV AMD64 C function, the only portable way to cross from Go's own
// calling convention into the JIT's output without hand-written per-arch
// assembly: Module.Mmap's mapping is already laid out exactly like a C
// function (standard rbp-frame prologue, args in rdi/rsi per Prologue,
// result in rax per prepareReturn), so a C function-pointer cast is all a
// trampoline needs to do. Every scenario exercised by these tests takes at
// most two integer arguments and returns one, so only fn1/fn2 are defined;
// a third arity can be added the same way if a future test needs it.
func callFunc1(ptr unsafe.Pointer, a int64) int64 {
	return int64(C.callFn1(ptr, C.int64_t(a)))
}

func callFunc2(ptr unsafe.Pointer, a, b int64) int64 {
	return int64(C.callFn2(ptr, C.int64_t(a), C.int64_t(b)))
}
