package backend

import (
	"fmt"
	"syscall"
	"unsafe"
)

// Module is the output of a Session: one contiguous blob of machine code
// covering every function compiled in the session, plus each function's
// byte offset into it. It mirrors the teacher's own compiled-module
// boundary: the backend hands back bytes and offsets, not a running
// program, leaving the decision of whether (and how) to map them
// executable to the caller.
type Module struct {
	code        []byte
	funcOffsets []int

	mapped []byte // non-nil once Mmap has installed an executable copy
}

// Code returns the module's raw machine code, function boundaries given by
// FuncOffset. This is what a caller not running the JIT output in-process
// (e.g. a disassembler, or a test asserting on emitted bytes) wants.
func (m *Module) Code() []byte { return m.code }

// FuncOffset returns function i's byte offset within Code().
func (m *Module) FuncOffset(i int) int { return m.funcOffsets[i] }

// NumFuncs reports how many functions this module's offsets table covers.
func (m *Module) NumFuncs() int { return len(m.funcOffsets) }

// Mmap copies the module's code into a fresh executable memory mapping,
// required before FuncPtr is usable: Go heap allocations are never
// executable, so the assembled bytes have to be relocated into a
// PROT_EXEC page. No third-party library in the available dependency set
// offers this capability (DESIGN.md records the ones considered), so this
// one concern is implemented directly against the syscall package.
func (m *Module) Mmap() error {
	if m.mapped != nil {
		return nil
	}
	if len(m.code) == 0 {
		return fmt.Errorf("backend: cannot mmap an empty module")
	}
	mem, err := syscall.Mmap(-1, 0, len(m.code), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_PRIVATE|syscall.MAP_ANON)
	if err != nil {
		return fmt.Errorf("backend: mmap executable region: %w", err)
	}
	copy(mem, m.code)
	if err := syscall.Mprotect(mem, syscall.PROT_READ|syscall.PROT_EXEC); err != nil {
		syscall.Munmap(mem)
		return fmt.Errorf("backend: mprotect executable region: %w", err)
	}
	m.mapped = mem
	return nil
}

// Unmap releases the executable mapping created by Mmap. Safe to call on a
// module that was never mapped.
func (m *Module) Unmap() error {
	if m.mapped == nil {
		return nil
	}
	err := syscall.Munmap(m.mapped)
	m.mapped = nil
	return err
}

// FuncPtr returns a callable pointer to function i's entry point within the
// module's executable mapping. Mmap must have succeeded first.
func (m *Module) FuncPtr(i int) (unsafe.Pointer, error) {
	if m.mapped == nil {
		return nil, fmt.Errorf("backend: module not mapped executable; call Mmap first")
	}
	if i < 0 || i >= len(m.funcOffsets) {
		return nil, fmt.Errorf("backend: function index %d out of range", i)
	}
	return unsafe.Pointer(&m.mapped[m.funcOffsets[i]]), nil
}
