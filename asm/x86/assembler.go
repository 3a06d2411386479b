package x86

import "github.com/CraneStation/lightbeam/compileerr"

// Label is a dynamic, write-once branch target: it can be referenced by
// Jmp/Jcc/Call before its address is known (a forward branch) and bound to
// a concrete offset exactly once. Grounded on the teacher's links.L /
// dynamic-label bookkeeping and the Rust original's DynamicLabel.
type Label struct {
	id int
}

type labelState struct {
	bound  bool
	offset int
}

type patch struct {
	pos   int // byte offset of the rel32 field to overwrite
	label Label
	// instrEnd is the offset immediately after the rel32 field, i.e. where
	// the relative displacement is measured from (the encoding point for
	// x86 rel32 branches is the address of the *next* instruction).
	instrEnd int
}

// Assembler accumulates machine code for a single translated module: one
// contiguous Buffer, with a shared label/patch table so calls and branches
// can target labels defined in any function, not just the current one
// (needed for direct calls between functions compiled in the same pass).
type Assembler struct {
	buf     Buffer
	labels  []labelState
	patches []patch
}

func NewAssembler() *Assembler {
	return &Assembler{}
}

func (a *Assembler) Len() int      { return a.buf.Len() }
func (a *Assembler) Bytes() []byte { return a.buf.Bytes() }

// NewLabel allocates an unbound label.
func (a *Assembler) NewLabel() Label {
	id := len(a.labels)
	a.labels = append(a.labels, labelState{})
	return Label{id: id}
}

// Bind fixes l's address to the assembler's current position. It panics if
// l was already bound: labels are write-once, and a double bind is a
// programmer error in the caller (almost always a duplicate "end"/"label"
// lowering).
func (a *Assembler) Bind(l Label) {
	st := &a.labels[l.id]
	if st.bound {
		compileerr.Internal("x86: label %d bound twice", l.id)
	}
	st.bound = true
	st.offset = a.buf.Len()
}

// branchPlaceholder emits a 32-bit zero placeholder and records a patch to
// fill in l's relative displacement once all labels are bound.
func (a *Assembler) branchPlaceholder(l Label) {
	pos := a.buf.Len()
	a.buf.int32(0)
	a.patches = append(a.patches, patch{pos: pos, label: l, instrEnd: a.buf.Len()})
}

// Finalize resolves every recorded patch against its label's bound offset.
// It must be called after the entire module (every function) has been
// emitted, since direct calls may target a function label defined later in
// the stream than the call site. Returns an AssemblerError (via
// compileerr.Assembler) if any label was never bound.
func (a *Assembler) Finalize() error {
	for _, p := range a.patches {
		st := a.labels[p.label.id]
		if !st.bound {
			return compileerr.Assembler("unresolved label referenced by a branch or call")
		}
		rel := int32(st.offset - p.instrEnd)
		a.buf.putInt32At(p.pos, rel)
	}
	return nil
}

// PatchInt32 overwrites the 4 bytes at pos. Used to back-patch a
// placeholder immediate (the prologue's `sub rsp, imm32` frame size) once
// its true value is known, which for a single-pass compiler is only after
// the rest of the function body has been emitted.
func (a *Assembler) PatchInt32(pos int, v int32) {
	a.buf.putInt32At(pos, v)
}

// Offset reports l's bound byte offset. Panics if l isn't bound yet; only
// meant for call sites that need a function's entry point once compilation
// of the whole module has completed (e.g. Session.Finalize, which records
// each function's entry offset for the Module).
func (a *Assembler) Offset(l Label) int {
	st := a.labels[l.id]
	if !st.bound {
		compileerr.Internal("x86: Offset on unbound label %d", l.id)
	}
	return st.offset
}
