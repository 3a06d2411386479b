package lightbeam

/*
#include <stdint.h>

typedef int64_t (*fn2)(int64_t, int64_t);

static int64_t callFn2(void *f, int64_t a, int64_t b) { return ((fn2)f)(a, b); }
*/
import "C"

import "unsafe"

// callFunc2 invokes a compiled function's entry point as a real SysV AMD64
// C function of two int64 arguments - the public-package mirror of
// backend's own exec_test.go trampoline, needed here too since
// TestCompileSingleAddFunctionExecutesCorrectly drives the whole Compile
// pipeline rather than backend.Session directly.
func callFunc2(ptr unsafe.Pointer, a, b int64) int64 {
	return int64(C.callFn2(ptr, C.int64_t(a), C.int64_t(b)))
}
