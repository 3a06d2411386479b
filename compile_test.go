package lightbeam

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/CraneStation/lightbeam/backend"
	"github.com/CraneStation/lightbeam/wa"
)

// sliceSource is an OperatorSource backed by a fixed in-memory list,
// surfacing end-of-body as io.EOF per SPEC_FULL.md §6's external contract
// rather than microwasm.Source's internal ok-bool shape.
type sliceSource struct {
	locals []LocalDecl
	ops    []Operator
	pos    int
}

func (s *sliceSource) Locals() ([]LocalDecl, error) { return s.locals, nil }

func (s *sliceSource) NextOperator() (Operator, error) {
	if s.pos >= len(s.ops) {
		return Operator{}, io.EOF
	}
	op := s.ops[s.pos]
	s.pos++
	return op, nil
}

// fakeModuleContext resolves call targets and global types for a tiny
// fixed module, standing in for the real module-loading collaborator
// SPEC_FULL.md §6 documents as supplied by the embedder.
type fakeModuleContext struct {
	funcTypes []Signature
}

func (m *fakeModuleContext) FuncType(i uint32) Signature { return m.funcTypes[i] }
func (m *fakeModuleContext) TableType(uint32) Signature  { return Signature{} }
func (m *fakeModuleContext) GlobalType(uint32) wa.T      { return wa.I32 }

func TestCompileSingleAddFunction(t *testing.T) {
	sig := Signature{Params: []wa.T{wa.I32, wa.I32}, Result: wa.I32}
	funcs := []FuncDecl{
		{
			Sig: sig,
			Body: &sliceSource{ops: []Operator{
				{Code: "local.get", LocalIndex: 0},
				{Code: "local.get", LocalIndex: 1},
				{Code: "i32.add"},
			}},
		},
	}

	mod, err := Compile(funcs, nil, backend.ModuleLayout{}, nil)
	require.NoError(t, err)
	require.Equal(t, 1, mod.NumFuncs())
	require.NotEmpty(t, mod.Code())
}

// TestCompileSingleAddFunctionExecutesCorrectly runs the compiled function
// rather than only inspecting its bytes: SPEC_FULL.md §8's
// compile_then_run scenarios verify behavior, which NoError/NotEmpty alone
// can't catch.
func TestCompileSingleAddFunctionExecutesCorrectly(t *testing.T) {
	sig := Signature{Params: []wa.T{wa.I32, wa.I32}, Result: wa.I32}
	funcs := []FuncDecl{
		{
			Sig: sig,
			Body: &sliceSource{ops: []Operator{
				{Code: "local.get", LocalIndex: 0},
				{Code: "local.get", LocalIndex: 1},
				{Code: "i32.add"},
			}},
		},
	}

	mod, err := Compile(funcs, nil, backend.ModuleLayout{}, nil)
	require.NoError(t, err)
	require.NoError(t, mod.Mmap())
	defer mod.Unmap()

	fn, err := mod.FuncPtr(0)
	require.NoError(t, err)
	require.Equal(t, int64(8), callFunc2(fn, 5, 3))
}

func TestCompileTwoFunctionsWithDirectCall(t *testing.T) {
	doubleSig := Signature{Params: []wa.T{wa.I32}, Result: wa.I32}
	callerSig := Signature{Result: wa.I32}
	mc := &fakeModuleContext{funcTypes: []Signature{doubleSig, callerSig}}

	funcs := []FuncDecl{
		{
			Sig: doubleSig,
			Body: &sliceSource{ops: []Operator{
				{Code: "local.get", LocalIndex: 0},
				{Code: "local.get", LocalIndex: 0},
				{Code: "i32.add"},
			}},
		},
		{
			Sig: callerSig,
			Body: &sliceSource{ops: []Operator{
				{Code: "i32.const", Imm: wa.I32Value(21)},
				{Code: "call", FuncIndex: 0},
			}},
		},
	}

	mod, err := Compile(funcs, mc, backend.ModuleLayout{}, nil)
	require.NoError(t, err)
	require.Equal(t, 2, mod.NumFuncs())
}

func TestCompilePropagatesOperatorSourceError(t *testing.T) {
	boom := &erroringSource{}
	funcs := []FuncDecl{{Sig: Signature{}, Body: boom}}

	_, err := Compile(funcs, nil, backend.ModuleLayout{}, nil)
	require.Error(t, err)
}

type erroringSource struct{}

func (erroringSource) Locals() ([]LocalDecl, error)  { return nil, nil }
func (erroringSource) NextOperator() (Operator, error) {
	return Operator{}, io.ErrUnexpectedEOF
}
