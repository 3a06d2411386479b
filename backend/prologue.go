package backend

import (
	"github.com/CraneStation/lightbeam/asm/x86"
	"github.com/CraneStation/lightbeam/compileerr"
	"github.com/CraneStation/lightbeam/reg"
	"github.com/CraneStation/lightbeam/wa"
)

// Prologue emits the function's entry sequence: the standard rbp-based
// frame push, a placeholder `sub rsp, imm32` whose true size is patched in
// by Epilogue once the body has been compiled (a single-pass compiler
// doesn't know its peak stack-slot usage until the last instruction is
// emitted), and the incoming-argument seeding prescribed by SysV AMD64: the
// first six integer/pointer params arrive in funcAbiArgRegs and are pushed
// onto the symbolic stack as register-resident values with no code emitted
// at all; any further params were pushed onto the caller's stack and are
// loaded from [rbp+16+8*n].
func (c *Context) Prologue(params []wa.T) {
	c.asm.Push(reg.RBP)
	c.asm.MovRR(x86.W64, reg.RBP, reg.RSP)
	c.asm.SubImm(x86.W64, reg.RSP, 0)
	c.frameSizePos = c.asm.Len() - 4

	for i, t := range params {
		if i < len(funcAbiArgRegs) {
			r := funcAbiArgRegs[i]
			c.regs.Reserve(r)
			c.regRefs[r] = 1
			c.push(regValue(r, t))
			continue
		}
		r := c.allocReg()
		disp := int32(16 + 8*(i-len(funcAbiArgRegs)))
		c.asm.LoadMem(widthOf(t), widthOf(t), r, reg.RBP, disp, false)
		c.push(regValue(r, t))
	}
	c.prologueDone = true
}

// prepareReturn moves the function's result (if any) into RAX, which is
// where both the `return` operator and the implicit fallthrough at the end
// of the function body must leave it before jumping to or falling into the
// epilogue. It pops only that one result value; the stack is back at the
// numLocals height the epilogue's balance check expects only if every other
// operand above the locals has already been dropped.
func (c *Context) prepareReturn() {
	if c.resultType == wa.Void {
		return
	}
	v := c.pop()
	c.ensureInReg(v, reg.RAX)
}

// Epilogue binds the function's return label, patches the prologue's frame
// size now that slotsReserved has its final value, and emits the standard
// leave/ret sequence. DebugAssertions verifies the operand stack is back to
// exactly numLocals entries: SPEC_FULL.md's generalization of the stack-
// balance check the original left as a commented-out assertion, since this
// port's locals permanently occupy the bottom of the stack rather than
// living in a separate slot table.
func (c *Context) Epilogue() {
	if DebugAssertions && len(c.stack) != c.numLocals {
		compileerr.Internal("backend: operand stack holds %d entries at epilogue, want %d (locals)", len(c.stack), c.numLocals)
	}
	c.asm.Bind(c.returnLabel)

	frameSize := int32(8 * c.slotsReserved)
	if frameSize%16 != 0 {
		// Keep the call-site 16-byte stack alignment SysV requires by
		// rounding the frame up to an even number of 8-byte slots (the
		// pushed rbp plus the return address take exactly 16 bytes, so a
		// frame size that is a multiple of 16 keeps rsp 16-byte aligned).
		frameSize += 8
	}
	c.asm.PatchInt32(c.frameSizePos, frameSize)

	c.asm.MovRR(x86.W64, reg.RSP, reg.RBP)
	c.asm.Pop(reg.RBP)
	c.asm.Ret()

	// Trap stubs are only ever reached by an explicit jump, never by
	// falling through ret, so it's safe to lay their bodies down right
	// after the epilogue.
	c.emitTrapStubs()
}
