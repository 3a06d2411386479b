package microwasm

import "github.com/CraneStation/lightbeam/wa"

// frameKind distinguishes the five kinds of control frame the converter
// tracks while streaming: block, loop, if, an if's else arm, and the
// function body itself. Grounded on the Rust original's
// `struct ControlFrame` and the teacher's `opSignatures`/`exprBlock`/
// `exprIf`/`exprLoop` case handling in code.go.
type frameKind int

const (
	frameBlock frameKind = iota
	frameLoop
	frameIf
	frameElse
	frameFunction
)

// ControlFrame is one entry of the converter's control-frame stack, opened
// by block/loop/if and closed by the matching end (or else, for if). It
// carries enough state to resolve every branch depth seen while the frame
// is open, and to know whether the frame's body ever falls through to its
// own end (which decides whether a KJoin for that fallthrough edge is
// emitted before the end label; the end label itself is always defined).
type ControlFrame struct {
	kind frameKind

	// label is the branch target `br`/`br_if`/`br_table` resolve to when
	// they name this frame: the frame's end for block/if, the frame's start
	// for loop (branching to a loop re-enters it, per WASM's loop semantics).
	label Label

	// resultType is Void or the frame's single declared result type,
	// pushed onto the operand stack when the frame closes.
	resultType wa.T

	// stackDepth is the height of the operand stack (in flattened-slot
	// terms, locals included) at the point the frame was opened; branching
	// out of the frame drops back to this height plus the frame's arity.
	stackDepth uint32

	// unreachable marks that the converter has seen an operator that
	// diverges (unreachable, unconditional br, return) since the frame was
	// opened with nothing closing it yet; further operators up to the
	// matching else/end are dead code and are skipped rather than lowered,
	// mirroring the teacher's code.go handling of unreachable regions.
	unreachable bool

	// elseLabel is only set for frameIf: the label the `then` arm branches
	// past when an `else` arm is present. Resolved lazily because a
	// single-pass converter doesn't know at `if` time whether `else` will
	// appear.
	elseLabel Label
	hasElse   bool
}

func (f *ControlFrame) branchTarget() Label {
	return f.label
}

// isLoop reports whether branching to this frame re-enters its start
// (loop) rather than falling through past its end (block/if).
func (f *ControlFrame) isLoop() bool { return f.kind == frameLoop }
