// Package microwasm implements the streaming structured-to-flat lowering of
// SPEC_FULL.md §4.1: nested block/if-else/loop/br_table control flow is
// converted into a flat stream of labeled Ops with explicit Pick/Swap/Drop
// stack manipulation, suitable for the single-pass backend to consume
// without ever looking ahead or back.
package microwasm

import (
	"fmt"

	"github.com/CraneStation/lightbeam/wa"
)

// Kind tags the variant of a flattened Op.
type Kind int

const (
	KPick      Kind = iota // duplicate the stack slot `Depth` below the top onto the top
	KSwap                  // swap the top with the slot `Depth` below it
	KDrop                  // remove the top stack slot
	KLabel                 // define a branch target at this point in the stream
	KBr                    // unconditional branch to Target
	KBrIf                  // pop i32; if nonzero, branch to Target
	KBrTable               // pop i32 index; branch to Targets[index] or Default if out of range
	KConst                 // push Imm
	KUnOp                  // pop one operand of Type, push one result (Op names the operation)
	KBinOp                 // pop two operands of Type, push one result
	KCompare               // pop two operands of Type, push an i32 result
	KConvert               // pop one operand of From, push one result of To
	KLoad                  // pop i32 address, push a value of Type read from linear memory
	KStore                 // pop i32 address and a value of Type, write to linear memory
	KGetGlobal             // push the value of global Index
	KSetGlobal             // pop a value, store it to global Index
	KSelect                // pop i32 condition and two values of one type, push one (Type is Void)
	KCall                  // call function Index directly
	KCallIndirect          // pop i32 table index, call indirectly through TableIndex using Sig
	KMemorySize            // push the current linear memory size in pages
	KMemoryGrow            // pop delta pages, push previous size (or -1 on failure)
	KUnreachable           // trap unconditionally
	KEnd                   // marks the end of the function body (implicit Return target)
	KJoin                  // reconcile the operand stack for a fallthrough edge, without branching
)

// Op is a single flattened microwasm instruction. Only the fields relevant
// to Kind are populated; this mirrors the Rust original's single
// `enum Operator<Label>` more than it mirrors idiomatic Go, but a tagged
// struct (rather than an interface per variant) keeps the converter's
// emission sites - and the backend's dispatch switch - a single flat list,
// matching the teacher's own `expr` switch over opcode strings in code.go.
type Op struct {
	Kind Kind

	Depth uint32 // KPick, KSwap: slots below the top

	Target  BrTarget   // KBr, KBrIf
	Targets []BrTarget // KBrTable: indexed by the popped value
	Default BrTarget   // KBrTable: used when the index is out of range

	Imm wa.Value // KConst

	Name string // KUnOp/KBinOp/KCompare/KConvert: operation name, e.g. "add", "div_s", "clz", "eq", "wrap"
	Type wa.T   // operand type for KUnOp/KBinOp/KCompare/KLoad/KStore/KGetGlobal/KSetGlobal; Void for KSelect
	From wa.T   // KConvert: source type
	To   wa.T   // KConvert: result type

	Offset uint32 // KLoad, KStore: static byte offset added to the popped address
	Align  uint32 // KLoad, KStore: declared alignment hint (log2 bytes), advisory only

	Index uint32 // KGetGlobal, KSetGlobal, KCall: global/function index

	TableIndex uint32  // KCallIndirect: table to index into
	Sig        FuncSig // KCall, KCallIndirect: callee's params/result (KCallIndirect also validates the popped callee against it)

	// DropCount, HasResult (KBr, KBrIf, KBrTable, KJoin) and JoinDepth,
	// HasJoinResult, JoinResultType, IsJoin (KLabel) carry the operand-stack
	// reconciliation SPEC_FULL.md §4.1 requires at every control-flow join:
	// a branch target's live result (if any) must land in a canonical
	// location (RAX) regardless of which edge reaches it, and any operands
	// left over between the target's entry depth and that result are stale
	// and must be discarded. Every edge into a join - each explicit branch
	// (KBr/KBrIf/KBrTable) and the one natural-fallthrough edge (a KJoin
	// emitted immediately before the KLabel it feeds) - performs this
	// identically, so the label itself (KLabel with IsJoin set) only needs
	// to reset its own bookkeeping to match, not move any values. DropCount/
	// JoinDepth are in symbolic-stack slots, not bytes. HasResult is unused
	// (false) for loop re-entry targets, which this IR always treats as
	// zero-arity regardless of the loop's own declared result type - only
	// its exit (the matching end) carries one.
	DropCount uint32 // KBr, KBrTable, KJoin: stale slots below the live result to discard
	HasResult bool   // KBr, KBrIf, KBrTable, KJoin: this edge carries a live result to canonicalize

	IsJoin         bool   // KLabel: true if this bind is a genuine multi-edge join needing a reset
	JoinDepth      uint32 // KLabel: operand-stack height every incoming edge must agree on
	HasJoinResult  bool   // KLabel: this join carries a result value
	JoinResultType wa.T   // KLabel: the joined result's type, meaningful only if HasJoinResult

	label Label // KLabel: which label this marks
}

// NewLabelOp constructs a KLabel op for l.
func NewLabelOp(l Label) Op { return Op{Kind: KLabel, label: l} }

// Label returns the label a KLabel op marks. It panics if called on any
// other Kind.
func (o Op) Label() Label {
	if o.Kind != KLabel {
		panic(fmt.Sprintf("microwasm: Label() on non-label op %v", o.Kind))
	}
	return o.label
}

func (k Kind) String() string {
	switch k {
	case KPick:
		return "pick"
	case KSwap:
		return "swap"
	case KDrop:
		return "drop"
	case KLabel:
		return "label"
	case KBr:
		return "br"
	case KBrIf:
		return "br_if"
	case KBrTable:
		return "br_table"
	case KConst:
		return "const"
	case KUnOp:
		return "unop"
	case KBinOp:
		return "binop"
	case KCompare:
		return "compare"
	case KConvert:
		return "convert"
	case KLoad:
		return "load"
	case KStore:
		return "store"
	case KGetGlobal:
		return "get_global"
	case KSetGlobal:
		return "set_global"
	case KSelect:
		return "select"
	case KCall:
		return "call"
	case KCallIndirect:
		return "call_indirect"
	case KMemorySize:
		return "memory_size"
	case KMemoryGrow:
		return "memory_grow"
	case KUnreachable:
		return "unreachable"
	case KEnd:
		return "end"
	case KJoin:
		return "join"
	default:
		return "?"
	}
}

func (o Op) String() string {
	switch o.Kind {
	case KPick, KSwap:
		return fmt.Sprintf("%s %d", o.Kind, o.Depth)
	case KLabel:
		return fmt.Sprintf("label %s", o.label)
	case KBr:
		return fmt.Sprintf("br %s", o.Target)
	case KBrIf:
		return fmt.Sprintf("br_if %s", o.Target)
	case KBrTable:
		return fmt.Sprintf("br_table %v default %s", o.Targets, o.Default)
	case KConst:
		return fmt.Sprintf("const %s", o.Imm)
	case KUnOp, KBinOp, KCompare:
		return fmt.Sprintf("%s.%s", o.Type, o.Name)
	case KConvert:
		return fmt.Sprintf("%s.%s/%s", o.To, o.Name, o.From)
	case KLoad:
		return fmt.Sprintf("%s.load offset=%d align=%d", o.Type, o.Offset, o.Align)
	case KStore:
		return fmt.Sprintf("%s.store offset=%d align=%d", o.Type, o.Offset, o.Align)
	case KGetGlobal:
		return fmt.Sprintf("get_global %d", o.Index)
	case KSetGlobal:
		return fmt.Sprintf("set_global %d", o.Index)
	case KCall:
		return fmt.Sprintf("call %d", o.Index)
	case KCallIndirect:
		return fmt.Sprintf("call_indirect table=%d", o.TableIndex)
	default:
		return o.Kind.String()
	}
}

// StackEffect returns the stack effect of o, used by the backend to pop and
// push the right operands around a trap stub (stubFloat). Named distinctly from the Sig field (KCall/KCallIndirect's
// callee signature) to avoid a field/method name collision.
func (o Op) StackEffect() Sig {
	switch o.Kind {
	case KConst:
		return pushSig(o.Imm.Type)
	case KUnOp:
		return unarySig(o.Type)
	case KBinOp:
		return binarySig(o.Type)
	case KCompare:
		return compareSig(o.Type)
	case KConvert:
		return convertSig(o.From, o.To)
	case KLoad:
		return loadSig(o.Type)
	case KStore:
		return storeSig(o.Type)
	case KGetGlobal:
		return pushSig(o.Type)
	case KSetGlobal:
		return Sig{Pop: []wa.T{o.Type}}
	case KSelect:
		return Sig{Pop: []wa.T{o.Type, o.Type, wa.I32}, Push: []wa.T{o.Type}}
	case KCall, KCallIndirect:
		s := Sig{Pop: append([]wa.T{}, o.Sig.Params...)}
		if o.Sig.HasResult() {
			s.Push = []wa.T{o.Sig.Result}
		}
		if o.Kind == KCallIndirect {
			s.Pop = append(s.Pop, wa.I32)
		}
		return s
	case KMemorySize:
		return pushSig(wa.I32)
	case KMemoryGrow:
		return Sig{Pop: []wa.T{wa.I32}, Push: []wa.T{wa.I32}}
	default:
		return nullary()
	}
}
