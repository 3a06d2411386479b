package backend

import (
	"go.uber.org/zap"

	"github.com/CraneStation/lightbeam/asm/x86"
	"github.com/CraneStation/lightbeam/compileerr"
	"github.com/CraneStation/lightbeam/microwasm"
	"github.com/CraneStation/lightbeam/reg"
	"github.com/CraneStation/lightbeam/traps"
	"github.com/CraneStation/lightbeam/wa"
)

// DebugAssertions, when true, enables the one extra compile-time
// consistency check the release build skips: Epilogue's operand-stack
// balance check at every microwasm.KEnd. SPEC_FULL.md §4.3/§9 calls this out as the port's answer to
// the original's commented-out "assert_eq!(ctx.sp_depth, ...)" TODO in its
// epilogue.
var DebugAssertions = false

// Context holds all per-function compilation state: the symbolic operand
// stack, the register allocator, the machine-stack slot allocator, and the
// emitted-code assembler. One Context is created per function by
// Session.NewContext and discarded once the function's code is emitted.
type Context struct {
	asm    *x86.Assembler
	logger *zap.Logger

	regs    *reg.Pool
	regRefs [16]int // alias refcount per physical GPR; see release and exclusive

	stack []stackValue

	// freeSlots recycles machine-stack slots dropped by a vkStack value,
	// LIFO, so a function with balanced push/pop traffic reuses a small
	// constant number of slots rather than growing its frame per spill.
	freeSlots    []int
	slotsReserved int // high-water mark of stack slots ever live at once

	numParams int
	numLocals int // params + declared locals; these occupy stack[0:numLocals] at entry

	labels map[microwasm.Label]x86.Label

	returnLabel  x86.Label
	resultType   wa.T

	frameSizePos int // byte offset of the prologue's placeholder sub rsp, imm32
	prologueDone bool

	trapLabels       map[traps.Id]x86.Label
	pendingTrapStubs []traps.Id // trap ids referenced but not yet emitted this function

	// funcLabels lets KCall resolve a direct call to another function in
	// the same Session by index, regardless of compilation order.
	funcLabels []x86.Label

	// globalsBase is the address of global 0's 8-byte slot; GetGlobal/
	// SetGlobal address global i at globalsBase+8*i. Zero until the
	// embedder supplies one (SPEC_FULL.md §4.4's "documented, not
	// implemented" ModuleContext collaborator).
	globalsBase uintptr

	// memoryBase is the address of linear memory byte 0; Load/Store address
	// byte offset i at memoryBase+i, same collaborator as globalsBase.
	memoryBase uintptr

	// tables holds each call_indirect table's runtime location, indexed by
	// table index.
	tables []TableMeta
}

// funcAbiArgRegs is the SysV AMD64 integer/pointer argument register order.
// This port only moves integer-class (i32/i64) values through GPRs; float
// arguments would need the XMM class, which is out of scope (SPEC_FULL.md
// §4.4 Non-goals carve out floating-point value support beyond the
// operations explicitly listed).
var funcAbiArgRegs = [6]reg.R{reg.RDI, reg.RSI, reg.RDX, reg.RCX, reg.R8, reg.R9}

func newContext(asm *x86.Assembler, sig microwasm.FuncSig, numLocals int, logger *zap.Logger) *Context {
	c := &Context{
		asm:        asm,
		logger:     logger,
		regs:       reg.NewPool(),
		numParams:  len(sig.Params),
		numLocals:  numLocals,
		labels:     make(map[microwasm.Label]x86.Label),
		resultType: sig.Result,
		trapLabels: make(map[traps.Id]x86.Label),
	}
	c.returnLabel = asm.NewLabel()
	return c
}

func (c *Context) push(v stackValue) { c.stack = append(c.stack, v) }

func (c *Context) top() stackValue { return c.stack[len(c.stack)-1] }

// pop removes and returns the top stackValue. It does not release any
// register/stack-slot storage the value holds; call release(v) once the
// caller is done reading it (almost always immediately, after emitting the
// instruction that consumes it).
func (c *Context) pop() stackValue {
	v := c.stack[len(c.stack)-1]
	c.stack = c.stack[:len(c.stack)-1]
	return v
}

// at returns the index into c.stack of the entry `depth` slots below the
// current top, used by
// Pick/Swap to locate their operand without disturbing the stack.
func (c *Context) at(depth uint32) int {
	i := len(c.stack) - 1 - int(depth)
	if i < 0 {
		compileerr.Internal("backend: stack access depth %d exceeds height %d", depth, len(c.stack))
	}
	return i
}

// release drops one reference to v's underlying storage, freeing the
// register or machine-stack slot once no symbolic stack entry aliases it
// any longer. This is the alias-refcount mechanism SPEC_FULL.md's Pick
// description requires: Pick can duplicate a register-resident value by
// incrementing its refcount rather than copying, and release is the only
// place that decrements it back down.
func (c *Context) release(v stackValue) {
	switch v.kind {
	case vkReg:
		c.regRefs[v.r]--
		if c.regRefs[v.r] < 0 {
			compileerr.Internal("backend: negative refcount on register %s", v.r)
		}
		if c.regRefs[v.r] == 0 {
			c.regs.Release(v.r)
		}
	case vkStack:
		c.freeSlots = append(c.freeSlots, v.stackSlot)
	}
}

// allocReg takes a free GPR, spilling the oldest register-resident stack
// entry to the machine stack if the pool is exhausted. Spilling the
// bottom-most register user (rather than the most recently pushed) keeps
// short-lived temporaries - which dominate expression evaluation - in
// registers, matching the teacher's own preference for spilling long-lived
// values first.
func (c *Context) allocReg() reg.R {
	if r, ok := c.regs.TryTake(); ok {
		c.regRefs[r] = 1
		return r
	}
	for i := range c.stack {
		if c.stack[i].isReg() {
			c.spillSlot(i)
			r, ok := c.regs.TryTake()
			if !ok {
				compileerr.Internal("backend: register pool still exhausted after spilling")
			}
			c.regRefs[r] = 1
			return r
		}
	}
	compileerr.Internal("backend: no register-resident value available to spill")
	panic("unreachable")
}

// spillSlot moves the register-resident value at stack index i onto the
// machine stack, rewriting its descriptor in place. Any other alias of the
// same register (regRefs > 1) is left as-is: spilling one alias doesn't
// invalidate the others, since they still correctly reference the
// register's unchanged contents until they're read.
func (c *Context) spillSlot(i int) {
	v := c.stack[i]
	slot := c.allocStackSlot()
	c.asm.StoreMem(widthOf(v.typ), reg.RBP, slotDisp(slot), v.r)
	c.regRefs[v.r]--
	if c.regRefs[v.r] == 0 {
		c.regs.Release(v.r)
	}
	c.stack[i] = stackSlotValue(slot, v.typ)
}

func (c *Context) allocStackSlot() int {
	if n := len(c.freeSlots); n > 0 {
		s := c.freeSlots[n-1]
		c.freeSlots = c.freeSlots[:n-1]
		return s
	}
	s := c.slotsReserved
	c.slotsReserved++
	return s
}

// slotDisp converts a stack-slot index into the [rbp-disp] displacement
// used to address it. Slot 0 sits at the first 8-byte word below the saved
// frame pointer; every value spilled from a register, or a local's home
// when it doesn't fit in the initial register allocation, shares this same
// numbering (SPEC_FULL.md draws no distinction between "local storage" and
// "spill storage" - a local is just whichever ordinary stackValue occupies
// its slot in the bottom of the operand stack).
func slotDisp(slot int) int32 {
	return -int32(8 * (slot + 1))
}

func widthOf(t wa.T) x86.Width {
	if t.Size() == wa.Size64 {
		return x86.W64
	}
	return x86.W32
}

// materialize ensures v is resident in a register, allocating and loading
// one if v is currently an immediate or a machine-stack value. Returns the
// (possibly new) stackValue; the caller is responsible for pushing or
// otherwise tracking it.
func (c *Context) materialize(v stackValue) stackValue {
	switch v.kind {
	case vkReg:
		return v
	case vkImm:
		r := c.allocReg()
		c.asm.MovImm(widthOf(v.typ), r, v.imm.Bits())
		return regValue(r, v.typ)
	case vkStack:
		r := c.allocReg()
		c.asm.LoadMem(widthOf(v.typ), widthOf(v.typ), r, reg.RBP, slotDisp(v.stackSlot), false)
		c.freeSlots = append(c.freeSlots, v.stackSlot)
		return regValue(r, v.typ)
	}
	compileerr.Internal("backend: materialize of value with unknown kind")
	panic("unreachable")
}

// ensureRegFree evicts whatever stack entry currently occupies register
// want, spilling it to a machine-stack slot, so a caller about to
// destructively overwrite want (an ABI/ISA-mandated register like RAX/RDX
// for idiv, or a call's argument registers) doesn't clobber a live value.
func (c *Context) ensureRegFree(want reg.R) {
	for !c.regs.IsFree(want) {
		freed := false
		for i, e := range c.stack {
			if e.isReg() && e.r == want {
				c.spillSlot(i)
				freed = true
				break
			}
		}
		if !freed {
			compileerr.Internal("backend: register %s reserved with no owning stack entry", want)
		}
	}
}

// ensureInReg moves v into the specific register `want`, evicting whatever
// currently occupies it first. Used for placing a result in RAX (before
// returning, and on every branch edge that carries one) and for placing an
// idiv dividend in RAX; outgoing call arguments are loaded by loadRegArgs
// instead.
func (c *Context) ensureInReg(v stackValue, want reg.R) stackValue {
	if v.kind == vkReg && v.r == want {
		return v
	}
	c.ensureRegFree(want)
	switch v.kind {
	case vkReg:
		if v.r != want {
			c.asm.MovRR(widthOf(v.typ), want, v.r)
			c.release(v)
		}
	case vkImm:
		c.asm.MovImm(widthOf(v.typ), want, v.imm.Bits())
	case vkStack:
		c.asm.LoadMem(widthOf(v.typ), widthOf(v.typ), want, reg.RBP, slotDisp(v.stackSlot), false)
		c.freeSlots = append(c.freeSlots, v.stackSlot)
	}
	c.regs.Reserve(want)
	c.regRefs[want] = 1
	return regValue(want, v.typ)
}

// exclusive returns a register holding v's value that this call's caller
// may safely overwrite in place: if v is already a register with no other
// alias (refcount 1), that register is reused directly; otherwise a fresh
// register is allocated and loaded, and v's own reference is released (the
// other aliases, if any, keep their original register untouched).
func (c *Context) exclusive(v stackValue) reg.R {
	if v.kind == vkReg {
		if c.regRefs[v.r] == 1 {
			return v.r
		}
		// Aliased: copy into a fresh register rather than reusing the
		// shared one, then drop this call's reference to the original.
		r := c.allocReg()
		c.asm.MovRR(widthOf(v.typ), r, v.r)
		c.release(v)
		return r
	}
	return c.materialize(v).r
}
