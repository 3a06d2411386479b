package backend

import (
	"github.com/CraneStation/lightbeam/reg"
	"github.com/CraneStation/lightbeam/wa"
)

// valueKind tags how a stackValue's payload is to be interpreted. This is
// SPEC_FULL.md §3's resolution of an inconsistency between spec.md §1
// (which names four operand descriptor kinds: immediate, local, register
// temp, machine-stack) and its formal enum (which names three, omitting
// immediate): immediates stay unmaterialized on the symbolic stack until an
// instruction actually consumes them, so a constant costs no register or
// stack traffic before then. Nothing is folded at compile time:
// `i32.const 1 i32.const 2 i32.add` still loads both constants and emits
// the add. A function's locals are not a fourth,
// separate kind: SPEC_FULL.md §4.1 flattens local.get/local.set into
// Pick/Swap/Drop against the bottom N slots of this same symbolic stack, so
// a local's storage is just whatever ordinary stackValue (vkReg/vkStack/
// vkImm) happens to occupy that slot.
type valueKind int

const (
	vkImm   valueKind = iota // not yet materialized; Imm holds the constant
	vkReg                    // resident in Reg
	vkStack                  // spilled to the machine stack; stackSlot names an rbp-relative slot
)

// stackValue is one entry of the backend's symbolic operand stack: a
// descriptor, not a value. Grounded on the teacher's internal/values.Operand
// (Storage-tagged union) and the Rust original's push_i32/pop_i32 register-
// or-stack discipline.
type stackValue struct {
	kind valueKind
	typ  wa.T

	imm wa.Value
	r   reg.R

	// stackSlot is this value's position in the function's machine stack
	// frame, measured in 8-byte slots below the saved frame pointer and
	// addressed at [rbp+slotDisp(stackSlot)] (only meaningful when
	// kind == vkStack).
	stackSlot int
}

func immValue(v wa.Value) stackValue {
	return stackValue{kind: vkImm, typ: v.Type, imm: v}
}

func regValue(r reg.R, t wa.T) stackValue {
	return stackValue{kind: vkReg, typ: t, r: r}
}

func stackSlotValue(slot int, t wa.T) stackValue {
	return stackValue{kind: vkStack, typ: t, stackSlot: slot}
}

func (v stackValue) isImm() bool   { return v.kind == vkImm }
func (v stackValue) isReg() bool   { return v.kind == vkReg }
func (v stackValue) isStack() bool { return v.kind == vkStack }
