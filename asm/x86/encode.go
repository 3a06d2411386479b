// Package x86 implements a minimal hand-rolled x86-64 instruction encoder:
// REX/ModRM/SIB byte emission plus a small opcode surface sized to what the
// backend package needs. Adapted from the teacher's internal/x86/insn.go
// and internal/x86/isa.go (byte-level REX/ModRM/SIB builders, opcode-object
// style), generalized to the operator surface SPEC_FULL.md §4.4 needs
// rather than a full WASM-MVP opcode table.
package x86

import (
	"encoding/binary"

	"github.com/CraneStation/lightbeam/reg"
)

// Width selects the operand size of an instruction's REX.W bit and
// immediate/displacement encoding.
type Width int

const (
	W32 Width = 32
	W64 Width = 64
	W16 Width = 16
	W8  Width = 8
)

// Buffer accumulates encoded machine code. It's the low-level byte sink the
// Assembler (assembler.go) builds instructions and label patches on top of.
type Buffer struct {
	b []byte
}

func (buf *Buffer) Len() int          { return len(buf.b) }
func (buf *Buffer) Bytes() []byte     { return buf.b }
func (buf *Buffer) byte1(x byte)      { buf.b = append(buf.b, x) }
func (buf *Buffer) bytes(xs ...byte)  { buf.b = append(buf.b, xs...) }
func (buf *Buffer) int32(v int32)     { buf.uint32(uint32(v)) }
func (buf *Buffer) uint32(v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	buf.b = append(buf.b, tmp[:]...)
}
func (buf *Buffer) uint64(v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	buf.b = append(buf.b, tmp[:]...)
}

// putInt32At overwrites 4 bytes at pos, used to back-patch rel32 displacements
// once a label's final address is known.
func (buf *Buffer) putInt32At(pos int, v int32) {
	binary.LittleEndian.PutUint32(buf.b[pos:pos+4], uint32(v))
}

// rex computes and, if non-trivial (or forced), emits a REX prefix.
// w: operand size is 64-bit. r: ModRM.reg needs the high bit (reg8-15).
// x: SIB.index needs the high bit. b: ModRM.rm/SIB.base/opcode-reg needs it.
func (buf *Buffer) rex(w, r, x, b bool) {
	if !w && !r && !x && !b {
		return
	}
	var rex byte = 0x40
	if w {
		rex |= 0x08
	}
	if r {
		rex |= 0x04
	}
	if x {
		rex |= 0x02
	}
	if b {
		rex |= 0x01
	}
	buf.byte1(rex)
}

// rexRM forces REX.W when width is 64 bits; r/b follow the given
// registers' extended-register bit. An 8-bit operand always gets at least
// a trivial REX prefix: without one, encodings naming RSP/RBP/RSI/RDI as
// an 8-bit operand address AH/CH/DH/BH instead of SPL/BPL/SIL/DIL, and any
// REX prefix (even a no-op 0x40) switches the encoding to the latter.
func (buf *Buffer) rexRM(width Width, regField, rm reg.R) {
	w, r, b := width == W64, regField.Ext(), rm.Ext()
	if width == W8 && !w && !r && !b {
		buf.byte1(0x40)
		return
	}
	buf.rex(w, r, false, b)
}

// modRMReg emits the single ModRM byte for a register-direct operand
// (mod=11); the register-direct form never takes a SIB byte, even for
// RSP/R12.
func (buf *Buffer) modRMReg(regField, rm reg.R) {
	buf.byte1(0xC0 | regField.Low3()<<3 | rm.Low3())
}

// modRMMem emits ModRM(+SIB)(+disp) for a [base+disp] memory operand. A zero
// disp off any base other than RBP/R13 uses the no-displacement form
// (mod=00); every other disp is encoded as disp32 (the teacher's own encoder
// special-cases disp8; this port never uses the disp8 form, taking the
// larger, always-correct encoding rather than adding a second code path for
// a few bytes of savings per access).
func (buf *Buffer) modRMMem(regField, base reg.R, disp int32) {
	mod := byte(0x80) // disp32
	if disp == 0 && base.Low3() != 5 {
		mod = 0x00 // RBP/R13 as base always needs an explicit disp, even zero
	}
	buf.byte1(mod | regField.Low3()<<3 | base.Low3())
	if base.Low3() == 4 { // RSP/R12 require a SIB byte (no index, scale=1)
		buf.byte1(0x24)
	}
	if mod == 0x80 {
		buf.int32(disp)
	} else if mod == 0x00 && base.Low3() == 5 {
		buf.int32(disp)
	}
}

// Cond is a condition code for Jcc/Setcc/Cmovcc, encoded as the low nibble
// of the two-byte 0x0F 0x8x/0x9x/0x4x opcode forms.
type Cond byte

const (
	CondO  Cond = 0x0
	CondNO Cond = 0x1
	CondB  Cond = 0x2 // below / carry
	CondAE Cond = 0x3
	CondE  Cond = 0x4
	CondNE Cond = 0x5
	CondBE Cond = 0x6
	CondA  Cond = 0x7
	CondS  Cond = 0x8
	CondNS Cond = 0x9
	CondP  Cond = 0xA
	CondNP Cond = 0xB
	CondL  Cond = 0xC
	CondGE Cond = 0xD
	CondLE Cond = 0xE
	CondG  Cond = 0xF
)
