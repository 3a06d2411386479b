package microwasm

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/CraneStation/lightbeam/wa"
)

// Converter streams structured WASM operators in and flattened microwasm Ops
// out, one function body at a time. It never materializes the whole
// operator list: Next/Batch/Err follow bufio.Scanner's shape so a caller can
// pull batches as the backend consumes them, keeping memory proportional to
// control-flow nesting depth rather than function size.
type Converter struct {
	src    Source
	sig    FuncSig
	logger *zap.Logger

	// funcSig/tableSig resolve callee signatures for "call"/"call_indirect"
	// so the converter can report an accurate Sig() stack effect; they come
	// from the module's ModuleContext (SPEC_FULL.md §6), not from the
	// OperatorSource, since that information lives at the module level.
	funcSig    func(funcIndex uint32) FuncSig
	tableSig   func(typeIndex uint32) FuncSig
	globalType func(globalIndex uint32) wa.T

	locals []wa.T // params followed by declared locals, index == local index
	frames []*ControlFrame
	labels labelAlloc

	depth uint32 // current height of the symbolic operand stack, locals included

	batch       []Op
	err         error
	done        bool
	preludeDone bool
}

// NewConverter starts converting a single function body. sig is the
// function's own signature (its result becomes the frameFunction's
// branch-to-Return arity); the OperatorSource's Locals() supplies the
// function's declared locals, appended after sig.Params. funcSig/tableSig
// resolve callee signatures for call/call_indirect; either may be nil if
// the caller doesn't need accurate call arity tracking (tests commonly
// pass nil and never emit a call).
func NewConverter(src Source, sig FuncSig, funcSig, tableSig func(uint32) FuncSig, globalType func(uint32) wa.T, logger *zap.Logger) (*Converter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if funcSig == nil {
		funcSig = func(uint32) FuncSig { return FuncSig{} }
	}
	if tableSig == nil {
		tableSig = func(uint32) FuncSig { return FuncSig{} }
	}
	if globalType == nil {
		globalType = func(uint32) wa.T { return wa.I32 }
	}
	decls, err := src.Locals()
	if err != nil {
		return nil, err
	}
	locals := append([]wa.T{}, sig.Params...)
	for _, d := range decls {
		for i := uint32(0); i < d.Count; i++ {
			locals = append(locals, d.Type)
		}
	}
	c := &Converter{
		src:        src,
		sig:        sig,
		logger:     logger,
		funcSig:    funcSig,
		tableSig:   tableSig,
		globalType: globalType,
		locals:     locals,
		depth:      uint32(len(locals)),
	}
	retLabel := c.labels.new()
	c.frames = append(c.frames, &ControlFrame{
		kind:       frameFunction,
		label:      retLabel,
		resultType: sig.Result,
		stackDepth: c.depth,
	})
	return c, nil
}

// Err returns the first error encountered, if any, after Next returns false.
func (c *Converter) Err() error { return c.err }

// NumLocals returns the function's total local count (parameters followed
// by declared locals) — the height a backend.Context's operand stack
// starts and must end at, needed by Session.NewContext before any Op has
// been converted.
func (c *Converter) NumLocals() int { return len(c.locals) }

// Batch returns the Ops produced by the most recent call to Next.
func (c *Converter) Batch() []Op { return c.batch }

// Next pulls and lowers structured operators until it has a non-empty batch
// to hand the backend, or the function body (and its implicit constant
// prelude for locals, on the very first call) is exhausted. It returns
// false at end of body or on error; callers check Err to distinguish the
// two, exactly as with bufio.Scanner.
func (c *Converter) Next() bool {
	if c.done || c.err != nil {
		return false
	}
	c.batch = c.batch[:0]

	if !c.preludeDone {
		c.emitLocalsPrelude()
		c.preludeDone = true
	}

	for len(c.batch) == 0 {
		op, ok, err := c.src.NextOperator()
		if err != nil {
			c.err = err
			c.done = true
			return false
		}
		if !ok {
			c.closeFunction()
			c.done = true
			return len(c.batch) > 0
		}
		if err := c.convert(op); err != nil {
			c.err = err
			c.done = true
			return false
		}
	}
	return true
}

// emitLocalsPrelude pushes the zero value for each declared (non-parameter)
// local, matching SPEC_FULL.md §4.1's "constant prelude": parameters arrive
// already resident on the symbolic stack (the backend seeds them from the
// SysV argument registers/stack slots in Context.Prologue), but declared
// locals must be materialized as zero before any Pick/Swap references them.
func (c *Converter) emitLocalsPrelude() {
	for i := len(c.sig.Params); i < len(c.locals); i++ {
		c.batch = append(c.batch, Op{Kind: KConst, Imm: wa.ZeroValue(c.locals[i])})
	}
	c.logger.Debug("emitted locals prelude", zap.Int("count", len(c.locals)-len(c.sig.Params)))
}

func (c *Converter) top() *ControlFrame { return c.frames[len(c.frames)-1] }

func (c *Converter) frameAt(relativeDepth uint32) *ControlFrame {
	i := len(c.frames) - 1 - int(relativeDepth)
	if i < 0 {
		panic(fmt.Sprintf("microwasm: branch depth %d exceeds frame nesting", relativeDepth))
	}
	return c.frames[i]
}

func (c *Converter) targetFor(relativeDepth uint32) BrTarget {
	f := c.frameAt(relativeDepth)
	if f.kind == frameFunction {
		return ReturnTarget()
	}
	return LabelTarget(f.branchTarget())
}

// branchExitInfo computes the operand-stack reconciliation a branch to f
// needs: how many stale slots sit between f's entry depth and the live
// result (if any), and whether f carries one at all. Branching to a loop
// frame re-enters its start, which under this IR's single-result BlockType
// model always takes zero arguments regardless of the loop's own declared
// result type - only the matching `end` (a frameLoop's fallthrough exit)
// ever carries one.
func (c *Converter) branchExitInfo(f *ControlFrame) (dropCount uint32, hasResult bool) {
	arity := f.resultType
	if f.kind == frameLoop {
		arity = wa.Void
	}
	hasResult = arity != wa.Void
	want := f.stackDepth
	if hasResult {
		want++
	}
	if c.depth < want {
		panic(fmt.Sprintf("microwasm: stack underflow computing branch exit (have %d, want >= %d)", c.depth, want))
	}
	return c.depth - want, hasResult
}

func (c *Converter) emit(op Op) { c.batch = append(c.batch, op) }

func (c *Converter) push(n int) { c.depth += uint32(n) }
func (c *Converter) pop(n int) {
	if uint32(n) > c.depth {
		panic("microwasm: stack underflow during conversion")
	}
	c.depth -= uint32(n)
}

// localDepth computes the Pick/Swap depth argument that reaches local k
// given the converter's current symbolic stack height: the slot k cells up
// from the bottom sits `depth` cells below the current top.
func (c *Converter) localDepth(k uint32) uint32 {
	return c.depth - 1 - k
}

func (c *Converter) getLocal(k uint32) {
	c.emit(Op{Kind: KPick, Depth: c.localDepth(k)})
	c.push(1)
}

func (c *Converter) setLocal(k uint32) {
	// The value to store is already on top of the stack (produced by the
	// preceding expression); Swap exchanges it with local k's slot, then
	// Drop removes the local's old value, now sitting on top.
	c.emit(Op{Kind: KSwap, Depth: c.localDepth(k)})
	c.emit(Op{Kind: KDrop})
	c.pop(1)
}

func (c *Converter) teeLocal(k uint32) {
	// tee_local keeps the value on the stack: duplicate it first (Pick 0),
	// then set_local consumes the duplicate.
	c.emit(Op{Kind: KPick, Depth: 0})
	c.push(1)
	c.setLocal(k)
}

func (c *Converter) convert(op Operator) error {
	f := c.top()
	if f.unreachable && !structuralOp(op.Code) {
		// Dead code between an unreachable/br/return and the frame's
		// matching else/end: skip lowering it entirely, matching the
		// teacher's own unreachable-region handling in code.go. The
		// converter still must track nothing, since no Ops are emitted and
		// the symbolic depth is meaningless until the frame closes.
		return nil
	}

	switch op.Code {
	case "unreachable":
		c.emit(Op{Kind: KUnreachable})
		f.unreachable = true
		return nil
	case "nop":
		return nil
	case "block":
		c.openBlock(op.BlockType, frameBlock)
		return nil
	case "loop":
		c.openBlock(op.BlockType, frameLoop)
		return nil
	case "if":
		c.pop(1) // condition
		c.openIf(op.BlockType)
		return nil
	case "else":
		return c.convertElse()
	case "end":
		return c.convertEnd()
	case "br":
		f := c.frameAt(op.RelativeDepth)
		dropCount, hasResult := c.branchExitInfo(f)
		c.emit(Op{Kind: KBr, Target: c.targetFor(op.RelativeDepth), DropCount: dropCount, HasResult: hasResult})
		c.top().unreachable = true
		return nil
	case "br_if":
		c.pop(1)
		_, hasResult := c.branchExitInfo(c.frameAt(op.RelativeDepth))
		c.emit(Op{Kind: KBrIf, Target: c.targetFor(op.RelativeDepth), HasResult: hasResult})
		return nil
	case "br_table":
		targets := make([]BrTarget, len(op.TargetDepths))
		for i, d := range op.TargetDepths {
			targets[i] = c.targetFor(d)
		}
		c.pop(1)
		dropCount, hasResult := c.branchExitInfo(c.frameAt(op.DefaultDepth))
		c.emit(Op{Kind: KBrTable, Targets: targets, Default: c.targetFor(op.DefaultDepth), DropCount: dropCount, HasResult: hasResult})
		c.top().unreachable = true
		return nil
	case "return":
		dropCount, hasResult := c.branchExitInfo(c.frames[0])
		c.emit(Op{Kind: KBr, Target: ReturnTarget(), DropCount: dropCount, HasResult: hasResult})
		c.top().unreachable = true
		return nil
	case "drop":
		c.emit(Op{Kind: KDrop})
		c.pop(1)
		return nil
	case "select":
		c.pop(3)
		t := c.selectOperandType()
		c.emit(Op{Kind: KSelect, Type: t})
		c.push(1)
		return nil
	case "local.get":
		c.getLocal(op.LocalIndex)
		return nil
	case "local.set":
		c.setLocal(op.LocalIndex)
		return nil
	case "local.tee":
		c.teeLocal(op.LocalIndex)
		return nil
	case "global.get":
		t := c.globalType(op.GlobalIndex)
		c.emit(Op{Kind: KGetGlobal, Index: op.GlobalIndex, Type: t})
		c.push(1)
		return nil
	case "global.set":
		t := c.globalType(op.GlobalIndex)
		c.emit(Op{Kind: KSetGlobal, Index: op.GlobalIndex, Type: t})
		c.pop(1)
		return nil
	case "call":
		sig := c.funcSig(op.FuncIndex)
		c.emit(Op{Kind: KCall, Index: op.FuncIndex, Sig: sig})
		c.pop(len(sig.Params))
		if sig.HasResult() {
			c.push(1)
		}
		return nil
	case "call_indirect":
		sig := c.tableSig(op.TypeIndex)
		c.pop(1) // table index
		c.emit(Op{Kind: KCallIndirect, TableIndex: op.TableIndex, Sig: sig})
		c.pop(len(sig.Params))
		if sig.HasResult() {
			c.push(1)
		}
		return nil
	case "memory.size":
		c.emit(Op{Kind: KMemorySize})
		c.push(1)
		return nil
	case "memory.grow":
		c.pop(1)
		c.emit(Op{Kind: KMemoryGrow})
		c.push(1)
		return nil
	}

	if strings.HasSuffix(op.Code, ".const") {
		c.emit(Op{Kind: KConst, Imm: op.Imm})
		c.push(1)
		return nil
	}
	if strings.Contains(op.Code, ".load") {
		return c.convertLoad(op)
	}
	if strings.Contains(op.Code, ".store") {
		return c.convertStore(op)
	}
	return c.convertNumeric(op)
}

func structuralOp(code string) bool {
	switch code {
	case "else", "end":
		return true
	default:
		return false
	}
}

func (c *Converter) openBlock(resultType wa.T, kind frameKind) {
	l := c.labels.new()
	c.frames = append(c.frames, &ControlFrame{
		kind:       kind,
		label:      l,
		resultType: resultType,
		stackDepth: c.depth,
	})
	if kind == frameLoop {
		// A branch to a loop re-enters its start: define the label here,
		// immediately, rather than at the matching end. This is a genuine
		// join (back-edges land here alongside the initial fallthrough from
		// before the loop), so it still resets to the frame's entry depth;
		// re-entry is always zero-arity (branchExitInfo's frameLoop rule),
		// so there is never a join result to restore here.
		c.emit(Op{Kind: KLabel, label: l, IsJoin: true, JoinDepth: c.depth})
	}
}

// openIf flattens `if` using only the IR's branch-if-true primitive: since
// KBrIf only branches when its popped condition is nonzero, a then/else
// dispatch needs a branch-if-true to the then-arm followed by an
// unconditional branch to the else-arm/end, rather than a single inverted
// test. f.label names the frame's end (where exiting `br`s and `end` land);
// f.elseLabel names where the false path lands, resolved either at a
// matching `else` or, if none appears, at `end` itself.
func (c *Converter) openIf(resultType wa.T) {
	thenLabel := c.labels.new()
	elseLabel := c.labels.new()
	endLabel := c.labels.new()
	c.emit(Op{Kind: KBrIf, Target: LabelTarget(thenLabel)})
	c.emit(Op{Kind: KBr, Target: LabelTarget(elseLabel)})
	c.emit(Op{Kind: KLabel, label: thenLabel})
	c.frames = append(c.frames, &ControlFrame{
		kind:       frameIf,
		label:      endLabel,
		elseLabel:  elseLabel,
		resultType: resultType,
		stackDepth: c.depth,
	})
}

func (c *Converter) convertElse() error {
	f := c.top()
	if f.kind != frameIf {
		return fmt.Errorf("microwasm: else without matching if")
	}
	// Close the then-arm: branch past the else-arm to the frame's end
	// (unless the then-arm already diverged), then define the label the
	// if's false path above targets. The then-arm's exit needs the same
	// drop-to-arity and result-canonicalization treatment as any other
	// branch out of f, since the else-arm (compiled next, in program order)
	// reaches f.elseLabel with none of the then-arm's operand-stack state
	// and must see the same entry depth the backend resets to on Bind.
	if !f.unreachable {
		dropCount, hasResult := c.branchExitInfo(f)
		c.emit(Op{Kind: KBr, Target: LabelTarget(f.label), DropCount: dropCount, HasResult: hasResult})
	}
	c.emit(Op{Kind: KLabel, label: f.elseLabel, IsJoin: true, JoinDepth: f.stackDepth})
	f.hasElse = true
	f.kind = frameElse
	f.unreachable = false
	c.depth = f.stackDepth
	return nil
}

func (c *Converter) convertEnd() error {
	if len(c.frames) == 1 {
		return fmt.Errorf("microwasm: unmatched end at function top level")
	}
	f := c.frames[len(c.frames)-1]
	c.frames = c.frames[:len(c.frames)-1]

	// Every label bound here is a join: it has at least the natural
	// fallthrough as one edge, and (for anything but a fresh no-else if)
	// possibly one or more explicit branches with their own, independently
	// compiled operand-stack state. JoinDepth/HasJoinResult/JoinResultType
	// tell the backend to reset to a canonical state on Bind rather than
	// trust whatever its symbolic stack happens to hold from the
	// immediately preceding (single) code path, matching the reconciliation
	// every edge performed before branching here.
	hasResult := f.resultType != wa.Void
	switch f.kind {
	case frameIf:
		// No else arm ever appeared: the then-arm's own natural fallthrough
		// is a real second edge into elseLabel alongside the false path's
		// explicit jmp from openIf, so it needs the same exit reconciliation
		// any other branch out of f gets before the label binds - unless the
		// then-arm itself never falls off the end (it diverged via its own
		// br/return/unreachable), in which case there is no fallthrough edge
		// to reconcile and c.depth no longer reflects f's shape at all. A
		// no-else if is only valid WASM with a Void result (the implicit
		// empty else can't produce one), so this is always a plain depth
		// check, never a value move.
		if !f.unreachable {
			dropCount, _ := c.branchExitInfo(f)
			c.emit(Op{Kind: KJoin, DropCount: dropCount})
		}
		c.emit(Op{Kind: KLabel, label: f.elseLabel, IsJoin: true, JoinDepth: f.stackDepth})
		c.emit(Op{Kind: KLabel, label: f.label, IsJoin: true, JoinDepth: f.stackDepth, HasJoinResult: hasResult, JoinResultType: f.resultType})
	case frameElse:
		// The else-arm's natural fallthrough into f.label needs the same
		// reconciliation the then-arm's exit already performed via its own
		// KBr in convertElse, so both edges agree on entry state.
		if !f.unreachable {
			dropCount, _ := c.branchExitInfo(f)
			c.emit(Op{Kind: KJoin, DropCount: dropCount, HasResult: hasResult})
		}
		c.emit(Op{Kind: KLabel, label: f.label, IsJoin: true, JoinDepth: f.stackDepth, HasJoinResult: hasResult, JoinResultType: f.resultType})
	case frameBlock:
		if !f.unreachable {
			dropCount, _ := c.branchExitInfo(f)
			c.emit(Op{Kind: KJoin, DropCount: dropCount, HasResult: hasResult})
		}
		c.emit(Op{Kind: KLabel, label: f.label, IsJoin: true, JoinDepth: f.stackDepth, HasJoinResult: hasResult, JoinResultType: f.resultType})
	case frameLoop:
		// Loop's label already marks its start; branching out of a loop
		// falls through here with no further label needed. Nothing ever
		// branches to a loop's own end (a `br` naming this frame re-enters
		// its start instead), so this is always a single-predecessor
		// fallthrough and needs no reset.
	}

	c.depth = f.stackDepth
	if hasResult {
		c.push(1)
	}
	return nil
}

func (c *Converter) closeFunction() {
	f := c.frames[len(c.frames)-1]
	c.emit(Op{Kind: KLabel, label: f.label})
	c.emit(Op{Kind: KEnd})
}

func (c *Converter) convertLoad(op Operator) error {
	tyName, rest, err := splitTyped(op.Code)
	if err != nil {
		return err
	}
	ty, ok := wa.ByString[tyName]
	if !ok {
		return fmt.Errorf("microwasm: unknown type prefix in %q", op.Code)
	}
	c.pop(1) // address
	c.emit(Op{Kind: KLoad, Name: rest, Type: ty, Offset: op.MemOffset, Align: op.MemAlign})
	c.push(1)
	return nil
}

func (c *Converter) convertStore(op Operator) error {
	tyName, rest, err := splitTyped(op.Code)
	if err != nil {
		return err
	}
	ty, ok := wa.ByString[tyName]
	if !ok {
		return fmt.Errorf("microwasm: unknown type prefix in %q", op.Code)
	}
	c.pop(2) // address, value
	c.emit(Op{Kind: KStore, Name: rest, Type: ty, Offset: op.MemOffset, Align: op.MemAlign})
	return nil
}

var compareNames = map[string]bool{
	"eq": true, "ne": true, "lt": true, "gt": true, "le": true, "ge": true,
	"lt_s": true, "lt_u": true, "gt_s": true, "gt_u": true,
	"le_s": true, "le_u": true, "ge_s": true, "ge_u": true,
}

var unaryNames = map[string]bool{
	"clz": true, "ctz": true, "popcnt": true,
	"neg": true, "abs": true, "sqrt": true,
	"ceil": true, "floor": true, "trunc": true, "nearest": true,
}

var binaryNames = map[string]bool{
	"add": true, "sub": true, "mul": true, "div": true,
	"div_s": true, "div_u": true, "rem_s": true, "rem_u": true,
	"and": true, "or": true, "xor": true,
	"shl": true, "shr_s": true, "shr_u": true, "rotl": true, "rotr": true,
	"min": true, "max": true, "copysign": true,
}

func splitTyped(code string) (tyName, rest string, err error) {
	parts := strings.SplitN(code, ".", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("microwasm: malformed operator %q", code)
	}
	return parts[0], parts[1], nil
}

func isConversionName(rest string) bool {
	for _, p := range []string{"wrap_", "extend_", "trunc_", "convert_", "promote_", "demote_", "reinterpret_"} {
		if strings.HasPrefix(rest, p) {
			return true
		}
	}
	return false
}

// parseConversion splits a conversion operator's suffix (e.g. "extend_i32_s",
// "wrap_i64", "reinterpret_f32") into the operation name the backend
// dispatches on and the source type, mirroring the WASM text format's
// "<to-type>.<op>_<from-type>[_<signedness>]" naming.
func parseConversion(rest string) (name string, from wa.T, err error) {
	splitSignedness := func(tail string) (tyName, sign string) {
		idx := strings.LastIndex(tail, "_")
		if idx < 0 {
			return tail, ""
		}
		return tail[:idx], tail[idx+1:]
	}
	lookup := func(tyName string) (wa.T, error) {
		t, ok := wa.ByString[tyName]
		if !ok {
			return wa.Void, fmt.Errorf("microwasm: unknown conversion source type %q", tyName)
		}
		return t, nil
	}

	switch {
	case strings.HasPrefix(rest, "wrap_"):
		t, e := lookup(strings.TrimPrefix(rest, "wrap_"))
		return "wrap", t, e
	case strings.HasPrefix(rest, "promote_"):
		t, e := lookup(strings.TrimPrefix(rest, "promote_"))
		return "promote", t, e
	case strings.HasPrefix(rest, "demote_"):
		t, e := lookup(strings.TrimPrefix(rest, "demote_"))
		return "demote", t, e
	case strings.HasPrefix(rest, "reinterpret_"):
		t, e := lookup(strings.TrimPrefix(rest, "reinterpret_"))
		return "reinterpret", t, e
	case strings.HasPrefix(rest, "extend_"):
		tyName, sign := splitSignedness(strings.TrimPrefix(rest, "extend_"))
		t, e := lookup(tyName)
		return "extend_" + sign, t, e
	case strings.HasPrefix(rest, "trunc_"):
		tyName, sign := splitSignedness(strings.TrimPrefix(rest, "trunc_"))
		t, e := lookup(tyName)
		return "trunc_" + sign, t, e
	case strings.HasPrefix(rest, "convert_"):
		tyName, sign := splitSignedness(strings.TrimPrefix(rest, "convert_"))
		t, e := lookup(tyName)
		return "convert_" + sign, t, e
	}
	return "", wa.Void, fmt.Errorf("microwasm: unrecognized conversion %q", rest)
}

func (c *Converter) convertNumeric(op Operator) error {
	tyName, rest, err := splitTyped(op.Code)
	if err != nil {
		return err
	}
	ty, ok := wa.ByString[tyName]
	if !ok {
		return fmt.Errorf("microwasm: unknown type prefix in %q", op.Code)
	}

	switch {
	case rest == "eqz":
		c.pop(1)
		c.emit(Op{Kind: KUnOp, Name: "eqz", Type: ty})
		c.push(1)
		return nil
	case isConversionName(rest):
		name, from, err := parseConversion(rest)
		if err != nil {
			return err
		}
		c.pop(1)
		c.emit(Op{Kind: KConvert, Name: name, From: from, To: ty})
		c.push(1)
		return nil
	case compareNames[rest]:
		c.pop(2)
		c.emit(Op{Kind: KCompare, Name: rest, Type: ty})
		c.push(1)
		return nil
	case unaryNames[rest]:
		c.pop(1)
		c.emit(Op{Kind: KUnOp, Name: rest, Type: ty})
		c.push(1)
		return nil
	case binaryNames[rest]:
		c.pop(2)
		c.emit(Op{Kind: KBinOp, Name: rest, Type: ty})
		c.push(1)
		return nil
	}
	return fmt.Errorf("microwasm: unsupported operator %q", op.Code)
}

func (c *Converter) selectOperandType() wa.T {
	// select's operand type isn't named by the opcode itself; the backend
	// re-derives it from the symbolic stack's descriptor at the two operand
	// positions. The converter has already popped them by the time this is
	// called, so it reports Void and leaves type resolution to the
	// backend's stack (SPEC_FULL.md §4.4 Select).
	return wa.Void
}
