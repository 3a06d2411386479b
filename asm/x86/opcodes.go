package x86

import "github.com/CraneStation/lightbeam/reg"

// --- data movement ---

// MovRR emits `mov dst, src` for general-purpose registers at the given
// width (W32 zero-extends into the full 64-bit register, matching x86-64's
// own implicit behavior, so callers never need a separate 32-bit-safe
// variant).
func (a *Assembler) MovRR(width Width, dst, src reg.R) {
	a.buf.rexRM(width, src, dst)
	a.buf.byte1(0x89) // mov r/m, r  (dst is r/m, src is reg)
	a.buf.modRMReg(src, dst)
}

// MovImm loads an immediate into dst. At W64 with a value that doesn't fit
// in 32 bits this uses the full 10-byte `mov r64, imm64` form; otherwise it
// uses the shorter `mov r32/r64, imm32` sign/zero-extending form.
func (a *Assembler) MovImm(width Width, dst reg.R, imm uint64) {
	if width == W64 && (imm > 0x7fffffff && imm < 0xffffffff80000000) {
		a.buf.rex(true, false, false, dst.Ext())
		a.buf.byte1(0xB8 | dst.Low3())
		a.buf.uint64(imm)
		return
	}
	a.buf.rexRM(width, 0, dst)
	a.buf.byte1(0xC7)
	a.buf.modRMReg(0, dst)
	a.buf.uint32(uint32(imm))
}

// LoadMem emits a load of srcWidth bits from [base+disp] into dst, extended
// to dstWidth. Narrower-than-dstWidth loads zero-extend unless sext
// requests sign extension (movzx/movsx/movsxd); a same-width load is a
// plain mov. dstWidth and srcWidth are equal for i32.load/i64.load/
// f32.load/f64.load; srcWidth is narrower for the sub-word load8/load16/
// (i64-only) load32 variants.
func (a *Assembler) LoadMem(dstWidth, srcWidth Width, dst, base reg.R, disp int32, sext bool) {
	switch srcWidth {
	case W8, W16:
		a.buf.rexRM(dstWidth, dst, base)
		a.buf.byte1(0x0F)
		switch {
		case sext && srcWidth == W8:
			a.buf.byte1(0xBE)
		case sext && srcWidth == W16:
			a.buf.byte1(0xBF)
		case srcWidth == W8:
			a.buf.byte1(0xB6)
		default:
			a.buf.byte1(0xB7)
		}
		a.buf.modRMMem(dst, base, disp)
	case W32:
		if dstWidth == W64 && sext {
			// movsxd dst64, [base+disp]: sign-extend a 32-bit load to 64 bits.
			a.buf.rexRM(W64, dst, base)
			a.buf.byte1(0x63)
			a.buf.modRMMem(dst, base, disp)
			return
		}
		// A plain 32-bit mov into a 32-bit register destination already
		// zero-extends the upper 32 bits of the full 64-bit register, so
		// the zero-extending i64.load32_u case needs no special opcode.
		a.buf.rexRM(W32, dst, base)
		a.buf.byte1(0x8B)
		a.buf.modRMMem(dst, base, disp)
	case W64:
		a.buf.rexRM(W64, dst, base)
		a.buf.byte1(0x8B)
		a.buf.modRMMem(dst, base, disp)
	}
}

// StoreMem emits `mov [base+disp], src` at the given width (8/16/32/64).
func (a *Assembler) StoreMem(width Width, base reg.R, disp int32, src reg.R) {
	if width == W16 {
		a.buf.byte1(0x66) // operand-size override for 16-bit stores
	}
	a.buf.rexRM(width, src, base)
	if width == W8 {
		a.buf.byte1(0x88)
	} else {
		a.buf.byte1(0x89)
	}
	a.buf.modRMMem(src, base, disp)
}

// MovSxdRR emits `movsxd dst64, src32`, sign-extending a 32-bit register
// into the full 64-bit destination. Used for i32->i64 extend_s.
func (a *Assembler) MovSxdRR(dst, src reg.R) {
	a.buf.rexRM(W64, dst, src)
	a.buf.byte1(0x63)
	a.buf.modRMReg(dst, src)
}

// Lea emits `lea dst, [base+disp]`.
func (a *Assembler) Lea(width Width, dst, base reg.R, disp int32) {
	a.buf.rexRM(width, dst, base)
	a.buf.byte1(0x8D)
	a.buf.modRMMem(dst, base, disp)
}

// --- stack ---

func (a *Assembler) Push(r reg.R) {
	a.buf.rex(false, false, false, r.Ext())
	a.buf.byte1(0x50 | r.Low3())
}

func (a *Assembler) Pop(r reg.R) {
	a.buf.rex(false, false, false, r.Ext())
	a.buf.byte1(0x58 | r.Low3())
}

// --- arithmetic / logic, register-register ---

// aluOp is the ModRM.reg-field extension used by the imm8/imm32-group
// opcode 0x81/0x83 for add/or/adc/sbb/and/sub/xor/cmp, in that order.
type aluOp uint8

const (
	aluAdd aluOp = 0
	aluOr  aluOp = 1
	aluAnd aluOp = 4
	aluSub aluOp = 5
	aluXor aluOp = 6
	aluCmp aluOp = 7
)

func (a *Assembler) aluRR(width Width, op aluOp, dst, src reg.R, opcodeRM byte) {
	a.buf.rexRM(width, src, dst)
	a.buf.byte1(opcodeRM)
	a.buf.modRMReg(src, dst)
}

func (a *Assembler) AddRR(width Width, dst, src reg.R) { a.aluRR(width, aluAdd, dst, src, 0x01) }
func (a *Assembler) SubRR(width Width, dst, src reg.R) { a.aluRR(width, aluSub, dst, src, 0x29) }
func (a *Assembler) AndRR(width Width, dst, src reg.R) { a.aluRR(width, aluAnd, dst, src, 0x21) }
func (a *Assembler) OrRR(width Width, dst, src reg.R)  { a.aluRR(width, aluOr, dst, src, 0x09) }
func (a *Assembler) XorRR(width Width, dst, src reg.R) { a.aluRR(width, aluXor, dst, src, 0x31) }
func (a *Assembler) CmpRR(width Width, dst, src reg.R) { a.aluRR(width, aluCmp, dst, src, 0x39) }
func (a *Assembler) TestRR(width Width, dst, src reg.R) {
	a.buf.rexRM(width, src, dst)
	a.buf.byte1(0x85)
	a.buf.modRMReg(src, dst)
}

// aluImm emits the imm32-group form (opcode 0x81 /op) for add/sub/and/or/
// xor/cmp against dst.
func (a *Assembler) aluImm(width Width, op aluOp, dst reg.R, imm int32) {
	a.buf.rexRM(width, 0, dst)
	a.buf.byte1(0x81)
	a.buf.modRMReg(reg.R(op), dst)
	a.buf.int32(imm)
}

func (a *Assembler) AddImm(width Width, dst reg.R, imm int32) { a.aluImm(width, aluAdd, dst, imm) }
func (a *Assembler) SubImm(width Width, dst reg.R, imm int32) { a.aluImm(width, aluSub, dst, imm) }
func (a *Assembler) AndImm(width Width, dst reg.R, imm int32) { a.aluImm(width, aluAnd, dst, imm) }
func (a *Assembler) XorImm(width Width, dst reg.R, imm int32) { a.aluImm(width, aluXor, dst, imm) }
func (a *Assembler) CmpImm(width Width, dst reg.R, imm int32) { a.aluImm(width, aluCmp, dst, imm) }

// --- multiply / divide ---

// ImulRR emits the two-operand `imul dst, src` form.
func (a *Assembler) ImulRR(width Width, dst, src reg.R) {
	a.buf.rexRM(width, dst, src)
	a.buf.byte1(0x0F)
	a.buf.byte1(0xAF)
	a.buf.modRMReg(dst, src)
}

// CdqCqo sign-extends RAX into RDX:RAX (cdq at W32, cqo at W64), the
// mandatory setup for idiv's implicit dividend.
func (a *Assembler) CdqCqo(width Width) {
	if width == W64 {
		a.buf.rex(true, false, false, false)
	}
	a.buf.byte1(0x99)
}

// IdivR emits `idiv divisor` (signed) or `div divisor` (unsigned):
// RDX:RAX / divisor -> quotient in RAX, remainder in RDX.
func (a *Assembler) IdivR(width Width, divisor reg.R, signed bool) {
	a.buf.rexRM(width, 0, divisor)
	a.buf.byte1(0xF7)
	ext := reg.R(6) // unsigned div
	if signed {
		ext = 7 // idiv
	}
	a.buf.modRMReg(ext, divisor)
}

// NegR, NotR emit the /3 and /2 extensions of the 0xF7 group.
func (a *Assembler) NegR(width Width, r reg.R) {
	a.buf.rexRM(width, 0, r)
	a.buf.byte1(0xF7)
	a.buf.modRMReg(3, r)
}

func (a *Assembler) NotR(width Width, r reg.R) {
	a.buf.rexRM(width, 0, r)
	a.buf.byte1(0xF7)
	a.buf.modRMReg(2, r)
}

// --- shifts/rotates (count in CL) ---

type shiftOp uint8

const (
	shiftRol shiftOp = 0
	shiftRor shiftOp = 1
	shiftShl shiftOp = 4
	shiftShr shiftOp = 5
	shiftSar shiftOp = 7
)

func (a *Assembler) shiftCL(width Width, op shiftOp, dst reg.R) {
	a.buf.rexRM(width, 0, dst)
	a.buf.byte1(0xD3)
	a.buf.modRMReg(reg.R(op), dst)
}

func (a *Assembler) ShlCL(width Width, dst reg.R) { a.shiftCL(width, shiftShl, dst) }
func (a *Assembler) ShrCL(width Width, dst reg.R) { a.shiftCL(width, shiftShr, dst) }
func (a *Assembler) SarCL(width Width, dst reg.R) { a.shiftCL(width, shiftSar, dst) }
func (a *Assembler) RolCL(width Width, dst reg.R) { a.shiftCL(width, shiftRol, dst) }
func (a *Assembler) RorCL(width Width, dst reg.R) { a.shiftCL(width, shiftRor, dst) }

// ShlImm emits `shl dst, imm8`, used for the fixed power-of-two table-entry
// scale in call_indirect's address computation rather than a CL-counted
// shift.
func (a *Assembler) ShlImm(width Width, dst reg.R, imm uint8) {
	a.buf.rexRM(width, 0, dst)
	a.buf.byte1(0xC1)
	a.buf.modRMReg(reg.R(shiftShl), dst)
	a.buf.byte1(imm)
}

// --- bit scan / population count ---

func (a *Assembler) BsfR(width Width, dst, src reg.R) {
	a.buf.rexRM(width, dst, src)
	a.buf.byte1(0x0F)
	a.buf.byte1(0xBC)
	a.buf.modRMReg(dst, src)
}

func (a *Assembler) BsrR(width Width, dst, src reg.R) {
	a.buf.rexRM(width, dst, src)
	a.buf.byte1(0x0F)
	a.buf.byte1(0xBD)
	a.buf.modRMReg(dst, src)
}

// PopcntR requires the F3 mandatory prefix ahead of the two-byte opcode.
func (a *Assembler) PopcntR(width Width, dst, src reg.R) {
	a.buf.byte1(0xF3)
	a.buf.rexRM(width, dst, src)
	a.buf.byte1(0x0F)
	a.buf.byte1(0xB8)
	a.buf.modRMReg(dst, src)
}

// --- conditional set/move ---

func (a *Assembler) SetCC(cond Cond, dst reg.R) {
	a.buf.rexRM(W8, 0, dst)
	a.buf.byte1(0x0F)
	a.buf.byte1(0x90 | byte(cond))
	a.buf.modRMReg(0, dst)
}

func (a *Assembler) CmovCC(width Width, cond Cond, dst, src reg.R) {
	a.buf.rexRM(width, dst, src)
	a.buf.byte1(0x0F)
	a.buf.byte1(0x40 | byte(cond))
	a.buf.modRMReg(dst, src)
}

// --- control flow ---

// JmpLabel/JccLabel/CallLabel emit a rel32-form branch/call to a Label,
// resolved by Assembler.Finalize once every label is bound.
func (a *Assembler) JmpLabel(l Label) {
	a.buf.byte1(0xE9)
	a.branchPlaceholder(l)
}

func (a *Assembler) JccLabel(cond Cond, l Label) {
	a.buf.byte1(0x0F)
	a.buf.byte1(0x80 | byte(cond))
	a.branchPlaceholder(l)
}

func (a *Assembler) CallLabel(l Label) {
	a.buf.byte1(0xE8)
	a.branchPlaceholder(l)
}

// CallR emits an indirect call through a register (`call r/m64`), used for
// call_indirect once the callee's address has been loaded from the table.
func (a *Assembler) CallR(r reg.R) {
	a.buf.rex(false, false, false, r.Ext())
	a.buf.byte1(0xFF)
	a.buf.modRMReg(2, r)
}

func (a *Assembler) Ret() { a.buf.byte1(0xC3) }

// Ud2 is a deterministic two-byte illegal instruction, used both for the
// unconditional-trap `unreachable` operator and as the body of any
// operator this port doesn't implement (SPEC_FULL.md §7.3): trapping at
// run time rather than failing to compile.
func (a *Assembler) Ud2() {
	a.buf.byte1(0x0F)
	a.buf.byte1(0x0B)
}

func (a *Assembler) Nop() { a.buf.byte1(0x90) }
