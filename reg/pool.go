// Package reg implements the on-the-fly general-purpose register allocator:
// a 16-bit bitmask pool over the x86-64 GPRs (RAX..R15), grounded on the
// Rust original's backend.rs GPRs/Registers types and the teacher's
// regAllocator in code.go.
package reg

import "math/bits"

// R names a general-purpose register by its x86-64 encoding (0=RAX..15=R15).
type R uint8

const (
	RAX R = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

var names = [16]string{
	"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}

func (r R) String() string { return names[r&15] }

// Low3 returns the register's low 3 bits (the ModRM/opcode reg field); the
// high bit lives in the REX prefix and is reported separately by Ext.
func (r R) Low3() uint8 { return uint8(r) & 7 }

// Ext reports whether the register needs REX.R/REX.B/REX.X (r8-r15).
func (r R) Ext() bool { return uint8(r) >= 8 }

// Pool is a bitmask of free general-purpose registers. The zero value has no
// registers free; use NewPool to seed one with an initial free set.
type Pool struct {
	free uint16
}

// reservedMask marks the registers this backend never hands out to the allocator:
// RSP (hardware stack pointer) and RBP (frame pointer). Mirrors the Rust
// original's Registers::new, which releases every GPR except those two (and
// additionally excludes the argument/scratch registers at call sites, which
// callers of Pool track themselves via Take/Reserve).
const reservedMask = uint16(1<<RSP | 1<<RBP)

// NewPool returns a pool with every GPR free except RSP and RBP.
func NewPool() *Pool {
	return &Pool{free: 0xFFFF &^ reservedMask}
}

// IsFree reports whether r is currently unallocated.
func (p *Pool) IsFree(r R) bool {
	return p.free&(1<<r) != 0
}

// FreeCount returns the number of currently unallocated registers.
func (p *Pool) FreeCount() int {
	return bits.OnesCount16(p.free)
}

// Take allocates an arbitrary free register, preferring the lowest-numbered
// one free (matches the Rust original's GPRs::take, which scans from bit 0).
// It panics if the pool is exhausted; callers must check FreeCount (or call
// TryTake) before relying on Take when spilling is possible.
func (p *Pool) Take() R {
	r, ok := p.TryTake()
	if !ok {
		panic("reg: Take on exhausted pool")
	}
	return r
}

// TryTake allocates a free register without panicking, reporting ok=false
// if none remain.
func (p *Pool) TryTake() (r R, ok bool) {
	if p.free == 0 {
		return 0, false
	}
	idx := bits.TrailingZeros16(p.free)
	r = R(idx)
	p.free &^= 1 << r
	return r, true
}

// Reserve marks r as allocated. It panics if r is already taken, which would
// indicate a double-allocation bug in the caller.
func (p *Pool) Reserve(r R) {
	if !p.IsFree(r) {
		panic("reg: Reserve of already-taken register " + r.String())
	}
	p.free &^= 1 << r
}

// Release returns r to the free pool. It panics if r is already free, which
// would indicate a double-release bug in the caller (the backend package's
// per-register alias refcount exists specifically to prevent this for stack
// entries with multiple live aliases).
func (p *Pool) Release(r R) {
	if p.IsFree(r) {
		panic("reg: double release of register " + r.String())
	}
	p.free |= 1 << r
}

// Snapshot returns the current free-bitmask, for saving/restoring pool state
// around a region (e.g. a call's volatile-register save/restore).
func (p *Pool) Snapshot() uint16 { return p.free }

// Restore resets the pool to a previously captured Snapshot.
func (p *Pool) Restore(snap uint16) { p.free = snap }
