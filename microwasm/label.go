package microwasm

import "fmt"

// Label names a branch target in the flattened instruction stream. Labels
// are allocated sequentially as control frames open; a BrTarget either
// names a Label directly (an already-flattened target) or refers to the
// function's implicit return (Return).
type Label uint32

func (l Label) String() string { return fmt.Sprintf("L%d", l) }

// BrTarget is the destination of a branch: either a flattened Label or the
// function's return edge, mirroring the Rust original's
// `enum BrTarget<Label> { Return, Label(Label) }`.
type BrTarget struct {
	IsReturn bool
	Label    Label
}

func ReturnTarget() BrTarget       { return BrTarget{IsReturn: true} }
func LabelTarget(l Label) BrTarget { return BrTarget{Label: l} }

func (t BrTarget) String() string {
	if t.IsReturn {
		return "Return"
	}
	return t.Label.String()
}

// labelAlloc hands out Labels in increasing order as the converter opens
// block/loop/if frames and synthesizes else/end targets.
type labelAlloc struct {
	next Label
}

func (a *labelAlloc) new() Label {
	l := a.next
	a.next++
	return l
}
