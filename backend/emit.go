package backend

import (
	"github.com/CraneStation/lightbeam/asm/x86"
	"github.com/CraneStation/lightbeam/compileerr"
	"github.com/CraneStation/lightbeam/microwasm"
	"github.com/CraneStation/lightbeam/reg"
	"github.com/CraneStation/lightbeam/traps"
)

// Emit lowers one flattened microwasm.Op into machine code, mutating the
// Context's symbolic operand stack to match. This is the backend's single
// dispatch point, mirroring the teacher's own `expr` switch in code.go:
// one function per Kind, consulted linearly as the single-pass compiler
// walks the Op stream with no lookahead.
func (c *Context) Emit(op microwasm.Op) error {
	switch op.Kind {
	case microwasm.KPick:
		c.emitPick(op)
	case microwasm.KSwap:
		c.emitSwap(op)
	case microwasm.KDrop:
		c.emitDrop()
	case microwasm.KLabel:
		c.asm.Bind(c.resolveLabel(op.Label()))
		c.resetJoin(op)
	case microwasm.KBr:
		c.emitBr(op)
	case microwasm.KBrIf:
		c.emitBrIf(op)
	case microwasm.KBrTable:
		c.emitBrTable(op)
	case microwasm.KJoin:
		c.reconcileExit(op.DropCount, op.HasResult)
	case microwasm.KConst:
		c.push(immValue(op.Imm))
	case microwasm.KUnOp:
		return c.emitUnOp(op)
	case microwasm.KBinOp:
		return c.emitBinOp(op)
	case microwasm.KCompare:
		return c.emitCompare(op)
	case microwasm.KConvert:
		return c.emitConvert(op)
	case microwasm.KLoad:
		return c.emitLoad(op)
	case microwasm.KStore:
		return c.emitStore(op)
	case microwasm.KGetGlobal:
		c.emitGetGlobal(op)
	case microwasm.KSetGlobal:
		c.emitSetGlobal(op)
	case microwasm.KSelect:
		c.emitSelect(op)
	case microwasm.KCall:
		c.emitCall(op)
	case microwasm.KCallIndirect:
		c.emitCallIndirect(op)
	case microwasm.KMemorySize, microwasm.KMemoryGrow:
		// No growable-linear-memory runtime is wired into this core
		// (SPEC_FULL.md §4.4): both compile to a deterministic trap rather
		// than silently miscomputing a size, while still popping and pushing
		// the operands the op declares so the symbolic stack stays in step
		// with the converter's.
		c.stubFloat(op.StackEffect())
	case microwasm.KUnreachable:
		c.emitTrap(traps.Unreachable)
	case microwasm.KEnd:
		c.prepareReturn()
		c.Epilogue()
	default:
		compileerr.Internal("backend: unhandled microwasm op kind %v", op.Kind)
	}
	return nil
}

// resolveLabel returns the x86 label microwasm.Label l maps to, allocating
// one on first reference. Ops referencing a label before its KLabel
// definition (any forward branch) are the common case in a single-pass
// compiler, so this must work whether Bind has happened yet or not -
// an x86.Label from Assembler.NewLabel can be referenced before its Bind.
func (c *Context) resolveLabel(l microwasm.Label) x86.Label {
	if xl, ok := c.labels[l]; ok {
		return xl
	}
	xl := c.asm.NewLabel()
	c.labels[l] = xl
	return xl
}

func (c *Context) branchLabel(t microwasm.BrTarget) x86.Label {
	if t.IsReturn {
		return c.returnLabel
	}
	return c.resolveLabel(t.Label)
}

func (c *Context) emitPick(op microwasm.Op) {
	i := c.at(op.Depth)
	v := c.stack[i]
	switch v.kind {
	case vkReg:
		// Lazily duplicate: share the same physical register and bump its
		// alias refcount rather than copying immediately (SPEC_FULL.md
		// §4.1's Pick aliasing). The copy only actually happens if/when one
		// of the aliases needs exclusive, in-place mutation (see exclusive).
		c.regRefs[v.r]++
		c.push(v)
	case vkStack:
		// Stack-resident values are always eagerly materialized into a
		// fresh register on Pick rather than aliased: unlike a register,
		// a machine-stack slot has no refcount protecting it from being
		// recycled by allocStackSlot while still aliased, so duplicating
		// the descriptor without copying the data would risk a later spill
		// overwriting a value this Pick meant to preserve.
		r := c.allocReg()
		c.asm.LoadMem(widthOf(v.typ), widthOf(v.typ), r, reg.RBP, slotDisp(v.stackSlot), false)
		c.push(regValue(r, v.typ))
	case vkImm:
		c.push(v)
	}
}

func (c *Context) emitSwap(op microwasm.Op) {
	i := c.at(op.Depth)
	top := len(c.stack) - 1
	c.stack[i], c.stack[top] = c.stack[top], c.stack[i]
}

func (c *Context) emitDrop() {
	v := c.pop()
	c.release(v)
}

// reconcileExit discards the stale operand-stack entries DropCount counts
// (pushed earlier in the current block and never consumed before this
// branch, per SPEC_FULL.md §4.1's drop-to-arity rule), then - if the
// target carries a live result - moves it into RAX, the same canonical
// register prepareReturn uses for the function's own result edge. Every
// edge into a given label performs this identically, so whichever edge the
// CPU actually takes, the label's own KLabel reset (resetJoin) finds the
// result in the same place. Used by the branches that abandon this code
// path entirely (Br, BrTable) and by the fallthrough edge into a join
// (KJoin); see emitBrIf for why the conditional case can't discard
// anything.
func (c *Context) reconcileExit(dropCount uint32, hasResult bool) {
	var result stackValue
	if hasResult {
		result = c.pop()
	}
	for i := uint32(0); i < dropCount; i++ {
		c.release(c.pop())
	}
	if hasResult {
		c.push(c.ensureInReg(result, reg.RAX))
	}
}

func (c *Context) emitBr(op microwasm.Op) {
	c.reconcileExit(op.DropCount, op.HasResult)
	c.asm.JmpLabel(c.branchLabel(op.Target))
}

// emitBrIf never drops stale operands: unlike Br/BrTable, the not-taken
// path falls through and keeps using them, so there is no point at which
// discarding them would be safe for both outcomes. A live result is still
// moved into RAX unconditionally - that's harmless on the not-taken path
// (the value simply continues to live in RAX afterward) and required on
// the taken path, where the target label expects it there.
func (c *Context) emitBrIf(op microwasm.Op) {
	cond := c.pop()
	if op.HasResult {
		result := c.pop()
		c.push(c.ensureInReg(result, reg.RAX))
	}
	r := c.exclusive(cond)
	c.asm.TestRR(widthOf(cond.typ), r, r)
	c.regRefs[r] = 0
	c.regs.Release(r)
	c.asm.JccLabel(x86.CondNE, c.branchLabel(op.Target))
}

// emitBrTable lowers br_table as a linear chain of compare-and-branch
// checks against the popped index, falling through to the default target:
// simple and always correct, at the cost of the jump-table lookup a
// multi-pass compiler could afford to build instead. Every target shares
// one DropCount/HasResult (WASM requires all br_table targets to carry the
// same arity), so reconciliation happens once, before the comparison chain,
// rather than per target.
func (c *Context) emitBrTable(op microwasm.Op) {
	idx := c.pop()
	c.reconcileExit(op.DropCount, op.HasResult)
	r := c.exclusive(idx)
	for i, t := range op.Targets {
		c.asm.CmpImm(widthOf(idx.typ), r, int32(i))
		c.asm.JccLabel(x86.CondE, c.branchLabel(t))
	}
	c.regRefs[r] = 0
	c.regs.Release(r)
	c.asm.JmpLabel(c.branchLabel(op.Default))
}

// resetJoin is the join-side half of SPEC_FULL.md §4.1's branch
// reconciliation. op.IsJoin marks a KLabel that every incoming edge - each
// explicit branch (via reconcileExit/emitBrIf) and the one natural
// fallthrough edge (via a KJoin emitted immediately before this KLabel) -
// has already brought to the same shape: height op.JoinDepth, plus one more
// slot holding the result in RAX if op.HasJoinResult. Since every edge
// agrees by construction, this is a defensive truncation rather than a
// real merge: it exists to catch the backend's own bookkeeping drifting
// from that invariant, not to reconcile live values itself (a KLabel's
// emitted code is shared by every edge that lands here, so it can't move
// values the way a specific edge's own exit code can - moving something
// here would be correct for one edge and garbage for the others). Labels
// that are not real joins (a then-arm's entry, a function's own closing
// label) carry IsJoin false and are left untouched: they have exactly one
// predecessor already and any JoinDepth left at its zero value would
// otherwise truncate the stack to nothing.
func (c *Context) resetJoin(op microwasm.Op) {
	if !op.IsJoin {
		return
	}
	target := int(op.JoinDepth)
	if op.HasJoinResult {
		target++
	}
	for len(c.stack) > target {
		c.release(c.pop())
	}
}

// emitTrap jumps to a shared stub for trap id, allocating the stub's label
// the first time it's referenced; emitTrapStubs lays down the stub's body
// (a single ud2) after the epilogue. All traps
// collapse to one instruction since this port carries no message/payload
// at the trap site (SPEC_FULL.md §7: "unsupported operators compile to
// ud2" generalizes to every deterministic trap condition, not just
// unimplemented opcodes).
func (c *Context) emitTrap(id traps.Id) {
	c.asm.JmpLabel(c.trapLabel(id))
}

func (c *Context) trapLabel(id traps.Id) x86.Label {
	if l, ok := c.trapLabels[id]; ok {
		return l
	}
	l := c.asm.NewLabel()
	c.trapLabels[id] = l
	c.pendingTrapStubs = append(c.pendingTrapStubs, id)
	return l
}

// emitTrapStubs binds and emits the body of every trap stub referenced
// during this function's compilation. Called once, from Epilogue, after
// the function's own code (and hence every possible JmpLabel to a trap
// stub) has already been emitted.
func (c *Context) emitTrapStubs() {
	for _, id := range c.pendingTrapStubs {
		c.asm.Bind(c.trapLabels[id])
		c.asm.Ud2()
	}
	c.pendingTrapStubs = c.pendingTrapStubs[:0]
}
