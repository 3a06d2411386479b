package microwasm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CraneStation/lightbeam/wa"
)

// fakeSource replays a fixed list of operators, mimicking an
// OperatorSource backed by an in-memory decoded function body.
type fakeSource struct {
	locals []LocalDecl
	ops    []Operator
	pos    int
}

func (s *fakeSource) Locals() ([]LocalDecl, error) { return s.locals, nil }

func (s *fakeSource) NextOperator() (Operator, bool, error) {
	if s.pos >= len(s.ops) {
		return Operator{}, false, nil
	}
	op := s.ops[s.pos]
	s.pos++
	return op, true, nil
}

func drain(t *testing.T, c *Converter) []Op {
	t.Helper()
	var all []Op
	for c.Next() {
		all = append(all, c.Batch()...)
	}
	require.NoError(t, c.Err())
	return all
}

func TestConverterLowersSimpleAddFunction(t *testing.T) {
	// (func (param i32 i32) (result i32) local.get 0 local.get 1 i32.add)
	src := &fakeSource{
		ops: []Operator{
			{Code: "local.get", LocalIndex: 0},
			{Code: "local.get", LocalIndex: 1},
			{Code: "i32.add"},
		},
	}
	sig := FuncSig{Params: []wa.T{wa.I32, wa.I32}, Result: wa.I32}
	c, err := NewConverter(src, sig, nil, nil, nil, nil)
	require.NoError(t, err)

	ops := drain(t, c)

	var kinds []Kind
	for _, op := range ops {
		kinds = append(kinds, op.Kind)
	}
	assert.Equal(t, []Kind{KPick, KPick, KBinOp, KLabel, KEnd}, kinds)

	add := ops[2]
	assert.Equal(t, "add", add.Name)
	assert.Equal(t, wa.I32, add.Type)
}

func TestConverterLocalsPreludeZeroesDeclaredLocals(t *testing.T) {
	// (func (param i32) (local i32) local.get 0 local.get 1 i32.add)
	src := &fakeSource{
		locals: []LocalDecl{{Count: 1, Type: wa.I32}},
		ops: []Operator{
			{Code: "local.get", LocalIndex: 0},
			{Code: "local.get", LocalIndex: 1},
			{Code: "i32.add"},
		},
	}
	sig := FuncSig{Params: []wa.T{wa.I32}, Result: wa.I32}
	c, err := NewConverter(src, sig, nil, nil, nil, nil)
	require.NoError(t, err)

	require.True(t, c.Next())
	prelude := c.Batch()
	require.Len(t, prelude, 1)
	assert.Equal(t, KConst, prelude[0].Kind)
	assert.True(t, prelude[0].Imm.IsZero())

	rest := drain(t, c)
	assert.NotEmpty(t, rest)
}

func TestConverterIfElseProducesBalancedLabels(t *testing.T) {
	// (func (result i32)
	//   i32.const 1 ;; condition
	//   if (result i32)
	//     i32.const 1
	//   else
	//     i32.const 2
	//   end)
	src := &fakeSource{
		ops: []Operator{
			{Code: "i32.const", Imm: wa.I32Value(1)},
			{Code: "if", BlockType: wa.I32},
			{Code: "i32.const", Imm: wa.I32Value(1)},
			{Code: "else"},
			{Code: "i32.const", Imm: wa.I32Value(2)},
			{Code: "end"},
		},
	}
	sig := FuncSig{Result: wa.I32}
	c, err := NewConverter(src, sig, nil, nil, nil, nil)
	require.NoError(t, err)

	ops := drain(t, c)

	labelDefs := 0
	for _, op := range ops {
		if op.Kind == KLabel {
			labelDefs++
		}
	}
	// then-entry, else-entry (false path), and end: three distinct labels,
	// each defined exactly once, plus the function's own return label.
	assert.Equal(t, 4, labelDefs)

	// The condition const precedes the branch-setup ops, which precede the
	// then-arm's label.
	require.Equal(t, KConst, ops[0].Kind)
	assert.Equal(t, KBrIf, ops[1].Kind)
	assert.Equal(t, KBr, ops[2].Kind)
	assert.Equal(t, KLabel, ops[3].Kind)
}

func TestConverterLoopBranchTargetsLoopStart(t *testing.T) {
	// (func
	//   loop
	//     br 0
	//   end)
	src := &fakeSource{
		ops: []Operator{
			{Code: "loop", BlockType: wa.Void},
			{Code: "br", RelativeDepth: 0},
			{Code: "end"},
		},
	}
	c, err := NewConverter(src, FuncSig{}, nil, nil, nil, nil)
	require.NoError(t, err)

	ops := drain(t, c)
	require.GreaterOrEqual(t, len(ops), 2)

	loopLabelOp := ops[0]
	require.Equal(t, KLabel, loopLabelOp.Kind)

	var br Op
	for _, op := range ops {
		if op.Kind == KBr {
			br = op
			break
		}
	}
	require.False(t, br.Target.IsReturn)
	assert.Equal(t, loopLabelOp.Label(), br.Target.Label)
}

func TestConverterSetLocalEmitsSwapThenDrop(t *testing.T) {
	// (func (param i32) local.get 0 local.get 0 i32.add local.set 0)
	src := &fakeSource{
		ops: []Operator{
			{Code: "local.get", LocalIndex: 0},
			{Code: "local.get", LocalIndex: 0},
			{Code: "i32.add"},
			{Code: "local.set", LocalIndex: 0},
		},
	}
	c, err := NewConverter(src, FuncSig{Params: []wa.T{wa.I32}}, nil, nil, nil, nil)
	require.NoError(t, err)

	ops := drain(t, c)
	n := len(ops)
	require.GreaterOrEqual(t, n, 3)
	// end-of-function ops are [..., swap, drop, label, end]
	assert.Equal(t, KSwap, ops[n-4].Kind)
	assert.Equal(t, KDrop, ops[n-3].Kind)
	assert.Equal(t, KLabel, ops[n-2].Kind)
	assert.Equal(t, KEnd, ops[n-1].Kind)
}

func TestConverterErrOnUnmatchedEnd(t *testing.T) {
	src := &fakeSource{ops: []Operator{{Code: "end"}}}
	c, err := NewConverter(src, FuncSig{}, nil, nil, nil, nil)
	require.NoError(t, err)

	for c.Next() {
	}
	require.Error(t, c.Err())
}
