package backend

import (
	"hash/fnv"

	"github.com/CraneStation/lightbeam/asm/x86"
	"github.com/CraneStation/lightbeam/microwasm"
	"github.com/CraneStation/lightbeam/reg"
	"github.com/CraneStation/lightbeam/traps"
	"github.com/CraneStation/lightbeam/wa"
)

// scratchCallReg is used to hold an indirect call's resolved callee address
// across the argument-loading shuffle below: it must be a register outside
// funcAbiArgRegs (and not RAX, the result register) so loading arguments
// into their ABI slots can never clobber it.
const scratchCallReg = reg.R11

// popCallArgs pops n values in their original left-to-right parameter
// order (the last-pushed/first-popped value is the last parameter).
func (c *Context) popCallArgs(n int) []stackValue {
	args := make([]stackValue, n)
	for i := n - 1; i >= 0; i-- {
		args[i] = c.pop()
	}
	return args
}

// spillLiveStack forces every register-resident entry still on the operand
// stack to the machine stack. This port treats every GPR as caller-saved
// (SPEC_FULL.md §4.4/§9's documented simplification over tracking a
// callee-saved set), so anything that must survive a call has to already be
// off in memory before the call instruction runs.
func (c *Context) spillLiveStack() {
	for i := range c.stack {
		if c.stack[i].isReg() {
			c.spillSlot(i)
		}
	}
}

// pinArgsToStack moves every argument into its own freshly allocated stack
// slot, guaranteeing none of them is register-resident going into the ABI
// shuffle below. Doing this unconditionally - rather than attempting to
// move values register-to-register - sidesteps the general parallel-move
// problem (arg A's source register coinciding with arg B's destination
// register): nothing is ever read out of a register that argument loading
// might otherwise have already overwritten.
func (c *Context) pinArgsToStack(args []stackValue) []stackValue {
	pinned := make([]stackValue, len(args))
	for i, v := range args {
		if v.kind == vkStack {
			pinned[i] = v
			continue
		}
		slot := c.allocStackSlot()
		r := c.materialize(v)
		c.asm.StoreMem(widthOf(v.typ), reg.RBP, slotDisp(slot), r.r)
		c.release(r)
		pinned[i] = stackSlotValue(slot, v.typ)
	}
	return pinned
}

// loadRegArgs loads the first min(len(pinned), 6) pinned arguments into
// their SysV integer argument registers, freeing each stack slot as it's
// consumed. Returns how many landed in registers.
func (c *Context) loadRegArgs(pinned []stackValue) int {
	n := len(pinned)
	if n > len(funcAbiArgRegs) {
		n = len(funcAbiArgRegs)
	}
	for i := 0; i < n; i++ {
		v := pinned[i]
		want := funcAbiArgRegs[i]
		c.ensureRegFree(want)
		c.asm.LoadMem(widthOf(v.typ), widthOf(v.typ), want, reg.RBP, slotDisp(v.stackSlot), false)
		c.freeSlots = append(c.freeSlots, v.stackSlot)
		c.regs.Reserve(want)
		c.regRefs[want] = 1
	}
	return n
}

// pushStackArgs writes every pinned argument beyond the first six directly
// below a freshly lowered RSP, in SysV's right-to-left-irrelevant (simple
// increasing-offset) layout, padding the reservation to a 16-byte multiple
// so the `call` instruction that follows still sees RSP 16-byte aligned.
// Returns the byte count subtracted from RSP, which the caller must add
// back once the call returns.
func (c *Context) pushStackArgs(pinned []stackValue) int32 {
	if len(pinned) <= len(funcAbiArgRegs) {
		return 0
	}
	extra := pinned[len(funcAbiArgRegs):]
	bytes := int32(8 * len(extra))
	if bytes%16 != 0 {
		bytes += 8
	}
	c.asm.SubImm(x86.W64, reg.RSP, bytes)
	for i, v := range extra {
		r := c.allocReg()
		c.asm.LoadMem(widthOf(v.typ), widthOf(v.typ), r, reg.RBP, slotDisp(v.stackSlot), false)
		c.freeSlots = append(c.freeSlots, v.stackSlot)
		c.asm.StoreMem(widthOf(v.typ), reg.RSP, int32(8*i), r)
		c.regRefs[r] = 0
		c.regs.Release(r)
	}
	return bytes
}

// finishCall releases the argument registers a call just clobbered (every
// GPR is caller-saved in this port's convention, so their contents are dead
// the instant the call returns) and pushes the function's result, if any.
func (c *Context) finishCall(nRegArgs int, result wa.T) {
	for i := 0; i < nRegArgs; i++ {
		want := funcAbiArgRegs[i]
		c.regRefs[want] = 0
		c.regs.Release(want)
	}
	if result != wa.Void {
		c.regs.Reserve(reg.RAX)
		c.regRefs[reg.RAX] = 1
		c.push(regValue(reg.RAX, result))
	}
}

// emitCall lowers a direct call: spill everything live, pin every argument
// off to its own stack slot, load it into place, call, and restore.
// Grounded on code.go's exprCall / its callee-label resolution, generalized
// here to go through Session.funcLabels so a call can target a function
// compiled earlier or later in the same pass.
func (c *Context) emitCall(op microwasm.Op) {
	args := c.popCallArgs(len(op.Sig.Params))
	c.spillLiveStack()
	pinned := c.pinArgsToStack(args)

	extraBytes := c.pushStackArgs(pinned)
	nRegArgs := c.loadRegArgs(pinned)

	c.asm.CallLabel(c.funcLabels[op.Index])

	if extraBytes != 0 {
		c.asm.AddImm(x86.W64, reg.RSP, extraBytes)
	}
	c.finishCall(nRegArgs, op.Sig.Result)
}

// emitCallIndirect lowers call_indirect: resolve the callee through
// op.TableIndex's table, checking the popped index against the table's
// bounds, the stored entry's signature hash against the call site's own
// signature, and the stored function pointer against nil, before making the
// call. Grounded directly in code.go's exprCallIndirect (bounds check,
// packed signature+address table entry, signature-mismatch and missing-
// function traps as two distinct ids).
func (c *Context) emitCallIndirect(op microwasm.Op) {
	idxVal := c.pop()
	args := c.popCallArgs(len(op.Sig.Params))
	c.spillLiveStack()
	pinned := c.pinArgsToStack(args)

	table := c.tables[op.TableIndex]

	idx := c.materialize(idxVal)
	c.asm.CmpImm(x86.W32, idx.r, int32(table.Length))
	c.asm.JccLabel(x86.CondAE, c.trapLabel(traps.IndirectCallIndex))

	entry := c.allocReg()
	c.asm.MovImm(x86.W64, entry, uint64(table.Base))
	c.asm.ShlImm(x86.W64, idx.r, 4) // idx *= tableEntrySize (16)
	c.asm.AddRR(x86.W64, entry, idx.r)
	c.release(idx)

	hash := c.allocReg()
	c.asm.LoadMem(x86.W64, x86.W64, hash, entry, 0, false)
	wantHash := c.allocReg()
	c.asm.MovImm(x86.W64, wantHash, sigHash(op.Sig))
	c.asm.CmpRR(x86.W64, hash, wantHash)
	c.regRefs[wantHash] = 0
	c.regs.Release(wantHash)
	c.regRefs[hash] = 0
	c.regs.Release(hash)
	c.asm.JccLabel(x86.CondNE, c.trapLabel(traps.IndirectCallSignature))

	callee := c.allocReg()
	c.asm.LoadMem(x86.W64, x86.W64, callee, entry, 8, false)
	c.regRefs[entry] = 0
	c.regs.Release(entry)
	c.asm.TestRR(x86.W64, callee, callee)
	c.asm.JccLabel(x86.CondE, c.trapLabel(traps.MissingFunction))

	// Stash the resolved callee out of the way of argument loading: it must
	// survive while funcAbiArgRegs get clobbered with argument values.
	calleeSlot := c.allocStackSlot()
	c.asm.StoreMem(x86.W64, reg.RBP, slotDisp(calleeSlot), callee)
	c.regRefs[callee] = 0
	c.regs.Release(callee)

	extraBytes := c.pushStackArgs(pinned)
	nRegArgs := c.loadRegArgs(pinned)

	c.asm.LoadMem(x86.W64, x86.W64, scratchCallReg, reg.RBP, slotDisp(calleeSlot), false)
	c.freeSlots = append(c.freeSlots, calleeSlot)
	c.asm.CallR(scratchCallReg)

	if extraBytes != 0 {
		c.asm.AddImm(x86.W64, reg.RSP, extraBytes)
	}
	c.finishCall(nRegArgs, op.Sig.Result)
}

// sigHash summarizes a FuncSig as a 64-bit fingerprint, stored in each
// call_indirect table entry alongside the callee's address and compared
// against the call site's own signature. A simplification of the original's
// integer type-index comparison (op.Sig here carries a full struct, not an
// index into a module-wide type table, so there's no small integer to
// compare directly); collisions are accepted as a known, documented
// trade-off rather than threading a type-index table through the compiler
// purely to make this one check exact.
func sigHash(sig microwasm.FuncSig) uint64 {
	h := fnv.New64a()
	for _, t := range sig.Params {
		h.Write([]byte(t.String()))
		h.Write([]byte{0})
	}
	h.Write([]byte{'|'})
	h.Write([]byte(sig.Result.String()))
	return h.Sum64()
}
