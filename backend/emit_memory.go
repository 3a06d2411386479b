package backend

import (
	"github.com/CraneStation/lightbeam/asm/x86"
	"github.com/CraneStation/lightbeam/compileerr"
	"github.com/CraneStation/lightbeam/microwasm"
	"github.com/CraneStation/lightbeam/reg"
)

// loadStoreWidths maps a KLoad/KStore op's Name (e.g. "load", "load8_s",
// "store32") to the width actually read/written in memory and, for loads,
// whether the value sign-extends. Grounded on code.go's exprLoadOp/
// exprStoreOp opcode-name parsing.
var loadStoreWidths = map[string]struct {
	width x86.Width
	sext  bool
}{
	"load": {0, false}, // width resolved from op.Type below (i32/i64/f32/f64 full load)
	"load8_s":   {x86.W8, true},
	"load8_u":   {x86.W8, false},
	"load16_s":  {x86.W16, true},
	"load16_u":  {x86.W16, false},
	"load32_s":  {x86.W32, true},
	"load32_u":  {x86.W32, false},
	"store":     {0, false},
	"store8":    {x86.W8, false},
	"store16":   {x86.W16, false},
	"store32":   {x86.W32, false},
}

// effectiveAddr materializes addrVal (a popped i32 byte offset) into a
// register holding memoryBase+addr+staticOffset, ready to use as a
// LoadMem/StoreMem base with displacement 0. A real bounds check against a
// memory-limit register is exactly the kind of runtime plumbing
// MemorySize/MemoryGrow's stub also leaves for the embedder (SPEC_FULL.md
// §4.4); this port trusts the address once it has a base to add to.
func (c *Context) effectiveAddr(addrVal stackValue, staticOffset uint32) reg.R {
	addr := c.materialize(addrVal)
	base := c.allocReg()
	c.asm.MovImm(x86.W64, base, uint64(c.memoryBase))
	c.asm.AddRR(x86.W64, base, addr.r)
	c.release(addr)
	if staticOffset != 0 {
		c.asm.AddImm(x86.W64, base, int32(staticOffset))
	}
	return base
}

func (c *Context) emitLoad(op microwasm.Op) error {
	info, ok := loadStoreWidths[op.Name]
	if !ok {
		return compileerr.Internal("backend: unsupported load variant %q", op.Name)
	}
	srcWidth := info.width
	if op.Name == "load" {
		srcWidth = widthOf(op.Type)
	}
	dstWidth := widthOf(op.Type)

	addrVal := c.pop()
	base := c.effectiveAddr(addrVal, op.Offset)
	dst := c.allocReg()
	c.asm.LoadMem(dstWidth, srcWidth, dst, base, 0, info.sext)
	c.regRefs[base] = 0
	c.regs.Release(base)
	c.push(regValue(dst, op.Type))
	return nil
}

func (c *Context) emitStore(op microwasm.Op) error {
	info, ok := loadStoreWidths[op.Name]
	if !ok {
		return compileerr.Internal("backend: unsupported store variant %q", op.Name)
	}
	width := info.width
	if op.Name == "store" {
		width = widthOf(op.Type)
	}

	value := c.pop()
	addrVal := c.pop()
	base := c.effectiveAddr(addrVal, op.Offset)
	v := c.materialize(value)
	c.asm.StoreMem(width, base, 0, v.r)
	c.release(v)
	c.regRefs[base] = 0
	c.regs.Release(base)
	return nil
}

// globalAddr materializes globalsBase+8*index into a scratch register, the
// same out-of-frame-base addressing GetGlobal/SetGlobal use in place of a
// local's rbp-relative slot.
func (c *Context) globalAddr(index uint32) reg.R {
	r := c.allocReg()
	c.asm.MovImm(x86.W64, r, uint64(c.globalsBase)+8*uint64(index))
	return r
}

func (c *Context) emitGetGlobal(op microwasm.Op) {
	addr := c.globalAddr(op.Index)
	dst := c.allocReg()
	c.asm.LoadMem(widthOf(op.Type), widthOf(op.Type), dst, addr, 0, false)
	c.regRefs[addr] = 0
	c.regs.Release(addr)
	c.push(regValue(dst, op.Type))
}

func (c *Context) emitSetGlobal(op microwasm.Op) {
	v := c.pop()
	addr := c.globalAddr(op.Index)
	src := c.materialize(v)
	c.asm.StoreMem(widthOf(op.Type), addr, 0, src.r)
	c.release(src)
	c.regRefs[addr] = 0
	c.regs.Release(addr)
}

// emitSelect lowers the three-operand select as a materialized cmov:
// both value operands are forced into registers unconditionally (no
// constant-time-variant branch), then the condition picks between them via
// cmove (onFalse replaces onTrue when the condition is zero), matching
// code.go's exprSelect for the case the condition isn't
// known at translate time. The converter reports Op.Type as Void for
// KSelect (its operand type isn't named by the opcode text), so the result
// type is re-derived here from onTrue's own stack descriptor instead.
func (c *Context) emitSelect(op microwasm.Op) {
	cond := c.pop()
	onFalse := c.pop()
	onTrue := c.pop()
	resultType := onTrue.typ

	condR := c.exclusive(cond)
	dst := c.exclusive(onTrue)
	other := c.materialize(onFalse)

	c.asm.TestRR(x86.W32, condR, condR)
	c.asm.CmovCC(widthOf(resultType), x86.CondE, dst, other.r)

	c.release(other)
	c.regRefs[condR] = 0
	c.regs.Release(condR)
	c.push(regValue(dst, resultType))
}
